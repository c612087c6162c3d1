package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/snoozeyoulose/backend/internal/models"
)

type UserRepo struct {
	pool *pgxpool.Pool
}

func NewUserRepo(pool *pgxpool.Pool) *UserRepo {
	return &UserRepo{pool: pool}
}

func (r *UserRepo) Create(ctx context.Context, u *models.User) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO users (id, phone_number, balance_cents)
		VALUES ($1, $2, $3)
		RETURNING created_at, updated_at
	`, u.ID, u.PhoneNumber, u.BalanceCents).Scan(&u.CreatedAt, &u.UpdatedAt)
}

func (r *UserRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	var u models.User
	err := r.pool.QueryRow(ctx, `
		SELECT id, phone_number, balance_cents, created_at, updated_at
		FROM users WHERE id = $1
	`, id).Scan(&u.ID, &u.PhoneNumber, &u.BalanceCents, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// GetByPhone returns (nil, nil) when no user has the number, so inbound
// channel webhooks can distinguish "unknown caller" from a query failure.
func (r *UserRepo) GetByPhone(ctx context.Context, phoneNumber string) (*models.User, error) {
	var u models.User
	err := r.pool.QueryRow(ctx, `
		SELECT id, phone_number, balance_cents, created_at, updated_at
		FROM users WHERE phone_number = $1
	`, phoneNumber).Scan(&u.ID, &u.PhoneNumber, &u.BalanceCents, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}
