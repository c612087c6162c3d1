package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/snoozeyoulose/backend/internal/models"
)

type VerificationRepo struct {
	pool *pgxpool.Pool
}

func NewVerificationRepo(pool *pgxpool.Pool) *VerificationRepo {
	return &VerificationRepo{pool: pool}
}

// Replace deletes any outstanding verifications for the phone number and
// inserts the new one, so only the most recently sent code is redeemable.
func (r *VerificationRepo) Replace(ctx context.Context, v *models.Verification) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM verifications WHERE phone_number = $1`, v.PhoneNumber); err != nil {
		return err
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO verifications (id, phone_number, code_hash, expires_at, verified)
		VALUES ($1, $2, $3, $4, false)
		RETURNING created_at
	`, v.ID, v.PhoneNumber, v.CodeHash, v.ExpiresAt).Scan(&v.CreatedAt)
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// GetActive returns the unredeemed, unexpired verification for the phone
// number, or (nil, nil) when there is none.
func (r *VerificationRepo) GetActive(ctx context.Context, phoneNumber string, now time.Time) (*models.Verification, error) {
	var v models.Verification
	err := r.pool.QueryRow(ctx, `
		SELECT id, phone_number, code_hash, expires_at, verified, created_at
		FROM verifications
		WHERE phone_number = $1 AND verified = false AND expires_at > $2
	`, phoneNumber, now).Scan(&v.ID, &v.PhoneNumber, &v.CodeHash, &v.ExpiresAt, &v.Verified, &v.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// MarkVerified redeems the code. Conditioned on verified = false so a code
// is consumed exactly once even under concurrent submissions.
func (r *VerificationRepo) MarkVerified(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE verifications SET verified = true WHERE id = $1 AND verified = false
	`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
