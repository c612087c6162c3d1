package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/snoozeyoulose/backend/internal/models"
)

// ErrEventAlreadyApplied is returned when a funding event id has been seen
// before. Redelivered provider webhooks must not credit twice.
var ErrEventAlreadyApplied = errors.New("funding event already applied")

type FundingRepo struct {
	pool *pgxpool.Pool
}

func NewFundingRepo(pool *pgxpool.Pool) *FundingRepo {
	return &FundingRepo{pool: pool}
}

// InsertEvent records the event inside the caller's transaction; the unique
// index on event_id turns a duplicate delivery into ErrEventAlreadyApplied.
func (r *FundingRepo) InsertEvent(ctx context.Context, tx pgx.Tx, e *models.FundingEvent) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO funding_events (id, event_id, user_id, amount_cents)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at
	`, e.ID, e.EventID, e.UserID, e.AmountCents).Scan(&e.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrEventAlreadyApplied
		}
		return err
	}
	return nil
}
