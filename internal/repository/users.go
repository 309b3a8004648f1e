// Package repository provides the PostgreSQL persistence of the vault
// server: registered users, the vault registry and vault lock leases.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/atinyakov/GophVault/internal/models"
)

// ErrUserNotFound is returned when no user has the requested login.
var ErrUserNotFound = errors.New("user not found")

// PostgresUserRepository stores registered wallet holders.
type PostgresUserRepository struct {
	// DB is the database handle for executing queries.
	DB *sql.DB
}

// NewPostgresUserRepository creates a repository over db.
func NewPostgresUserRepository(db *sql.DB) *PostgresUserRepository {
	return &PostgresUserRepository{DB: db}
}

// UserExists checks whether a user with the specified login exists.
func (r *PostgresUserRepository) UserExists(ctx context.Context, login string) (bool, error) {
	var exists bool
	err := r.DB.QueryRowContext(
		ctx,
		`SELECT EXISTS(SELECT 1 FROM users WHERE login = $1)`,
		login,
	).Scan(&exists)
	return exists, err
}

// RegisterUser stores login with its wallet public key. An existing login
// is left untouched.
func (r *PostgresUserRepository) RegisterUser(ctx context.Context, login, publicKey string) error {
	_, err := r.DB.ExecContext(
		ctx,
		`INSERT INTO users (login, public_key) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		login, publicKey,
	)
	return err
}

// GetUser returns the user registered under login.
func (r *PostgresUserRepository) GetUser(ctx context.Context, login string) (*models.User, error) {
	var u models.User
	err := r.DB.QueryRowContext(ctx,
		`SELECT login, public_key FROM users WHERE login = $1`,
		login,
	).Scan(&u.Login, &u.PublicKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("GetUser: %w", err)
	}
	return &u, nil
}
