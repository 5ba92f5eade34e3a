package auth

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"ledgerflow.dev/ingest/model"
)

// UserStore resolves bearer-token subjects to User rows. The users table
// is the tenancy root, not itself tenant-scoped, so lookups run on the
// plain pool rather than through a scoped session.
type UserStore struct {
	pool *pgxpool.Pool
}

// NewUserStore wraps pool for user lookups.
func NewUserStore(pool *pgxpool.Pool) *UserStore {
	return &UserStore{pool: pool}
}

// GetByID returns the user with id, or ErrInvalidCredentials when no such
// user exists.
func (s *UserStore) GetByID(ctx context.Context, id int64) (*model.User, error) {
	var u model.User
	row := s.pool.QueryRow(ctx, `SELECT id, email, password_hash, active FROM users WHERE id = $1`, id)
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Active); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	return &u, nil
}

// GetByEmail returns the user with email, or ErrInvalidCredentials.
func (s *UserStore) GetByEmail(ctx context.Context, email string) (*model.User, error) {
	var u model.User
	row := s.pool.QueryRow(ctx, `SELECT id, email, password_hash, active FROM users WHERE email = $1`, email)
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Active); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	return &u, nil
}

// Deactivate soft-disables a user. Rows in tenant tables are never
// deleted; the account simply stops authenticating.
func (s *UserStore) Deactivate(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `UPDATE users SET active = false WHERE id = $1`, id)
	return err
}
