package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/snoozeyoulose/backend/internal/models"
)

// ErrActiveAlarmExists is returned when inserting an alarm for a user who
// already has one in pending or ringing. Enforced by the partial unique
// index one_active_alarm_per_user, so two concurrent creates cannot both
// pass a pre-check and both insert.
var ErrActiveAlarmExists = errors.New("user already has an active alarm")

type AlarmRepo struct {
	pool *pgxpool.Pool
}

func NewAlarmRepo(pool *pgxpool.Pool) *AlarmRepo {
	return &AlarmRepo{pool: pool}
}

const alarmColumns = `id, user_id, scheduled_for, stake_amount_cents, status, verification_code,
	created_at, updated_at, triggered_at, acknowledged_at, failed_at`

func scanAlarm(row pgx.Row) (*models.Alarm, error) {
	var a models.Alarm
	err := row.Scan(&a.ID, &a.UserID, &a.ScheduledFor, &a.StakeAmountCents, &a.Status,
		&a.VerificationCode, &a.CreatedAt, &a.UpdatedAt, &a.TriggeredAt, &a.AcknowledgedAt, &a.FailedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// Create inserts the alarm inside the caller's transaction so the stake debit
// and the alarm row commit or roll back together.
func (r *AlarmRepo) Create(ctx context.Context, tx pgx.Tx, a *models.Alarm) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO alarms (id, user_id, scheduled_for, stake_amount_cents, status, verification_code)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at
	`, a.ID, a.UserID, a.ScheduledFor, a.StakeAmountCents, a.Status, a.VerificationCode).
		Scan(&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrActiveAlarmExists
		}
		return err
	}
	return nil
}

func (r *AlarmRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Alarm, error) {
	return scanAlarm(r.pool.QueryRow(ctx, `
		SELECT `+alarmColumns+` FROM alarms WHERE id = $1
	`, id))
}

// GetByIDForUpdate locks the alarm row. Call within a transaction.
func (r *AlarmRepo) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Alarm, error) {
	return scanAlarm(tx.QueryRow(ctx, `
		SELECT `+alarmColumns+` FROM alarms WHERE id = $1 FOR UPDATE
	`, id))
}

func (r *AlarmRepo) ListByUser(ctx context.Context, userID uuid.UUID) ([]*models.Alarm, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+alarmColumns+` FROM alarms WHERE user_id = $1 ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Alarm
	for rows.Next() {
		a, err := scanAlarm(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, a)
	}
	return list, rows.Err()
}

// GetActiveByUser returns the user's pending or ringing alarm, or (nil, nil).
func (r *AlarmRepo) GetActiveByUser(ctx context.Context, userID uuid.UUID) (*models.Alarm, error) {
	a, err := scanAlarm(r.pool.QueryRow(ctx, `
		SELECT `+alarmColumns+` FROM alarms
		WHERE user_id = $1 AND status IN ('pending', 'ringing')
	`, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (r *AlarmRepo) ListDuePending(ctx context.Context, now time.Time) ([]*models.Alarm, error) {
	return r.list(ctx, `
		SELECT `+alarmColumns+` FROM alarms
		WHERE status = 'pending' AND scheduled_for <= $1
	`, now)
}

func (r *AlarmRepo) ListExpiredRinging(ctx context.Context, cutoff time.Time) ([]*models.Alarm, error) {
	return r.list(ctx, `
		SELECT `+alarmColumns+` FROM alarms
		WHERE status = 'ringing' AND triggered_at <= $1
	`, cutoff)
}

func (r *AlarmRepo) list(ctx context.Context, query string, args ...any) ([]*models.Alarm, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Alarm
	for rows.Next() {
		a, err := scanAlarm(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, a)
	}
	return list, rows.Err()
}

// Status transitions below are conditioned on the current status, which is
// what makes sweeps idempotent: a second run finds zero matching rows and
// reports false instead of repeating the transition.

func (r *AlarmRepo) MarkRinging(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE alarms SET status = 'ringing', triggered_at = $2, updated_at = now()
		WHERE id = $1 AND status = 'pending'
	`, id, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *AlarmRepo) MarkFailed(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE alarms SET status = 'failed', failed_at = $2, updated_at = now()
		WHERE id = $1 AND status = 'ringing'
	`, id, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *AlarmRepo) MarkAcknowledged(ctx context.Context, tx pgx.Tx, id uuid.UUID, at time.Time) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE alarms SET status = 'acknowledged', acknowledged_at = $2, updated_at = now()
		WHERE id = $1 AND status = 'ringing'
	`, id, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *AlarmRepo) MarkCancelled(ctx context.Context, tx pgx.Tx, id uuid.UUID) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE alarms SET status = 'cancelled', updated_at = now()
		WHERE id = $1 AND status = 'pending'
	`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
