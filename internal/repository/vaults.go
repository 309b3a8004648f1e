package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/atinyakov/GophVault/internal/models"
)

// uniqueViolation is the PostgreSQL error code for duplicate keys.
const uniqueViolation = "23505"

var (
	// ErrVaultExists is returned when a vault id is registered twice.
	ErrVaultExists = errors.New("vault already registered")
	// ErrVaultNotFound is returned for unknown or destroyed vaults.
	ErrVaultNotFound = errors.New("vault not found")
)

// PostgresVaultRepository is the registry of vaults hosted by the server.
// Vault content lives in the storage backend; this table only records
// ownership.
type PostgresVaultRepository struct {
	// DB is the database handle for executing queries.
	DB *sql.DB
}

// NewPostgresVaultRepository creates a repository over db.
func NewPostgresVaultRepository(db *sql.DB) *PostgresVaultRepository {
	return &PostgresVaultRepository{DB: db}
}

// CreateVault registers a vault owned by rec.Owner.
func (r *PostgresVaultRepository) CreateVault(ctx context.Context, rec models.VaultRecord) error {
	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO vaults (id, owner, kind, created_at) VALUES ($1, $2, $3, $4)
	`, rec.ID, rec.Owner, rec.Kind, rec.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return ErrVaultExists
		}
		return fmt.Errorf("CreateVault: %w", err)
	}
	return nil
}

// GetVault returns the live registry entry for id.
func (r *PostgresVaultRepository) GetVault(ctx context.Context, id string) (*models.VaultRecord, error) {
	var rec models.VaultRecord
	err := r.DB.QueryRowContext(ctx, `
		SELECT id, owner, kind, created_at, deleted FROM vaults WHERE id = $1 AND deleted = false
	`, id).Scan(&rec.ID, &rec.Owner, &rec.Kind, &rec.CreatedAt, &rec.Deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrVaultNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("GetVault: %w", err)
	}
	return &rec, nil
}

// ListVaults returns the live vaults owned by login, oldest first.
func (r *PostgresVaultRepository) ListVaults(ctx context.Context, login string) ([]models.VaultRecord, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT id, owner, kind, created_at, deleted FROM vaults
		WHERE owner = $1 AND deleted = false ORDER BY created_at
	`, login)
	if err != nil {
		return nil, fmt.Errorf("ListVaults: %w", err)
	}
	defer rows.Close()

	var out []models.VaultRecord
	for rows.Next() {
		var rec models.VaultRecord
		if err := rows.Scan(&rec.ID, &rec.Owner, &rec.Kind, &rec.CreatedAt, &rec.Deleted); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ListVaults: %w", err)
	}
	return out, nil
}

// MarkDeleted soft-deletes the given vaults of owner. The cleaner purges
// them after the retention period.
func (r *PostgresVaultRepository) MarkDeleted(ctx context.Context, owner string, ids []string, at time.Time) error {
	_, err := r.DB.ExecContext(ctx, `
		UPDATE vaults SET deleted = true, deleted_at = $3 WHERE owner = $1 AND id = ANY($2)
	`, owner, pq.Array(ids), at)
	if err != nil {
		return fmt.Errorf("MarkDeleted: %w", err)
	}
	return nil
}
