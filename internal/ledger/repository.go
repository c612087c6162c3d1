package ledger

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ErrInsufficientFunds is returned when the user's balance is below the
// requested debit at the moment of the conditioned write.
var ErrInsufficientFunds = errors.New("insufficient funds")

// ErrConflict is returned when the balance changed between the read and the
// conditioned write. The caller retries with fresh state.
var ErrConflict = errors.New("balance changed concurrently")

// ErrUserNotFound is returned when the user row does not exist.
var ErrUserNotFound = errors.New("user not found")

// Repository mutates user balances with optimistic concurrency control:
// read the balance, compute the new value, then write conditioned on the
// balance being unchanged since the read. A lost race surfaces as ErrConflict
// instead of a silent lost update.
type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

// Debit subtracts amountCents from the user's balance. Call within the
// caller's transaction; the debit and whatever the caller pairs it with
// (alarm insert, status flip) commit or roll back as a unit.
func (r *Repository) Debit(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amountCents int64) error {
	var balance int64
	err := tx.QueryRow(ctx, `
		SELECT balance_cents FROM users WHERE id = $1
	`, userID).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrUserNotFound
		}
		return err
	}
	if balance < amountCents {
		return ErrInsufficientFunds
	}
	tag, err := tx.Exec(ctx, `
		UPDATE users SET balance_cents = $1, updated_at = now()
		WHERE id = $2 AND balance_cents = $3
	`, balance-amountCents, userID, balance)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

// Credit adds amountCents to the user's balance. An increment needs no
// read-before-write, so it cannot conflict; it fails only if the user is gone.
func (r *Repository) Credit(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amountCents int64) error {
	tag, err := tx.Exec(ctx, `
		UPDATE users SET balance_cents = balance_cents + $1, updated_at = now()
		WHERE id = $2
	`, amountCents, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}
