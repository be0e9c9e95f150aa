package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq" // postgres driver
)

// ErrKeyNotFound is returned when no key matches a lookup.
var ErrKeyNotFound = errors.New("api key not found")

// KeyStore is the persisted key-value interface the verifier and the key
// management handlers consume. Mutations (block/unblock/revoke) happen in
// handlers outside the verification path and are visible to subsequent
// lookups without any caching layer in between.
type KeyStore interface {
	GetBySecretHash(ctx context.Context, hash string) (*APIKey, error)
	GetByID(ctx context.Context, id uuid.UUID) (*APIKey, error)
	Insert(ctx context.Context, key *APIKey) error
	ListByTenant(ctx context.Context, tenantID string) ([]*APIKey, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status KeyStatus) error
	TouchLastUsed(ctx context.Context, id uuid.UUID, at time.Time) error
}

// PostgresKeyStore implements KeyStore on PostgreSQL.
type PostgresKeyStore struct {
	db *sql.DB
}

// NewPostgresKeyStore creates a key store and ensures its table exists.
func NewPostgresKeyStore(db *sql.DB) (*PostgresKeyStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	s := &PostgresKeyStore{db: db}
	if err := s.ensureTable(); err != nil {
		return nil, fmt.Errorf("failed to ensure api_keys table: %w", err)
	}
	return s, nil
}

func (s *PostgresKeyStore) ensureTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS api_keys (
		id UUID PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		secret_hash CHAR(64) NOT NULL UNIQUE,
		secret_prefix VARCHAR(32) NOT NULL,
		permission VARCHAR(10) NOT NULL,
		tenant_scope VARCHAR(255) NOT NULL DEFAULT '',
		status VARCHAR(10) NOT NULL,
		rate_per_second INTEGER NOT NULL,
		rate_per_minute INTEGER NOT NULL,
		rate_per_hour INTEGER NOT NULL,
		rate_per_day INTEGER NOT NULL,
		expires_at TIMESTAMP WITH TIME ZONE,
		last_used_at TIMESTAMP WITH TIME ZONE,
		created_by UUID NOT NULL,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_api_keys_secret_hash ON api_keys(secret_hash);
	CREATE INDEX IF NOT EXISTS idx_api_keys_tenant_scope ON api_keys(tenant_scope);
	`
	_, err := s.db.Exec(query)
	return err
}

const apiKeyColumns = `id, name, secret_hash, secret_prefix, permission, tenant_scope, status,
	rate_per_second, rate_per_minute, rate_per_hour, rate_per_day,
	expires_at, last_used_at, created_by, created_at`

func scanAPIKey(row interface{ Scan(...any) error }) (*APIKey, error) {
	var (
		key        APIKey
		permission string
		status     string
	)
	err := row.Scan(
		&key.ID, &key.Name, &key.SecretHash, &key.SecretPrefix, &permission, &key.TenantScope, &status,
		&key.Profile.PerSecond, &key.Profile.PerMinute, &key.Profile.PerHour, &key.Profile.PerDay,
		&key.ExpiresAt, &key.LastUsedAt, &key.CreatedBy, &key.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	key.Permission, err = ParsePermissionLevel(permission)
	if err != nil {
		return nil, fmt.Errorf("corrupt api key row: %w", err)
	}
	key.Status = KeyStatus(status)
	return &key, nil
}

// GetBySecretHash looks up a key by secret hash, never by raw value.
func (s *PostgresKeyStore) GetBySecretHash(ctx context.Context, hash string) (*APIKey, error) {
	query := `SELECT ` + apiKeyColumns + ` FROM api_keys WHERE secret_hash = $1`
	key, err := scanAPIKey(s.db.QueryRowContext(ctx, query, hash))
	if err == sql.ErrNoRows {
		return nil, ErrKeyNotFound
	}
	return key, err
}

// GetByID looks up a key by its ID.
func (s *PostgresKeyStore) GetByID(ctx context.Context, id uuid.UUID) (*APIKey, error) {
	query := `SELECT ` + apiKeyColumns + ` FROM api_keys WHERE id = $1`
	key, err := scanAPIKey(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrKeyNotFound
	}
	return key, err
}

// Insert persists a newly issued key.
func (s *PostgresKeyStore) Insert(ctx context.Context, key *APIKey) error {
	query := `
		INSERT INTO api_keys (
			id, name, secret_hash, secret_prefix, permission, tenant_scope, status,
			rate_per_second, rate_per_minute, rate_per_hour, rate_per_day,
			expires_at, created_by, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	_, err := s.db.ExecContext(ctx, query,
		key.ID, key.Name, key.SecretHash, key.SecretPrefix, key.Permission.String(), key.TenantScope, string(key.Status),
		key.Profile.PerSecond, key.Profile.PerMinute, key.Profile.PerHour, key.Profile.PerDay,
		key.ExpiresAt, key.CreatedBy, key.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert api key: %w", err)
	}
	return nil
}

// ListByTenant returns all keys scoped to a tenant, newest first.
func (s *PostgresKeyStore) ListByTenant(ctx context.Context, tenantID string) ([]*APIKey, error) {
	query := `SELECT ` + apiKeyColumns + ` FROM api_keys WHERE tenant_scope = $1 ORDER BY created_at DESC`
	rows, err := s.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list api keys: %w", err)
	}
	defer rows.Close()

	var keys []*APIKey
	for rows.Next() {
		key, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// UpdateStatus changes a key's lifecycle status.
func (s *PostgresKeyStore) UpdateStatus(ctx context.Context, id uuid.UUID, status KeyStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE api_keys SET status = $1 WHERE id = $2`, string(status), id)
	if err != nil {
		return fmt.Errorf("failed to update api key status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrKeyNotFound
	}
	return nil
}

// TouchLastUsed records the last verification time for a key.
func (s *PostgresKeyStore) TouchLastUsed(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE api_keys SET last_used_at = $1 WHERE id = $2`, at, id)
	return err
}
