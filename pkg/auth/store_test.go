package auth

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var apiKeyRowColumns = []string{
	"id", "name", "secret_hash", "secret_prefix", "permission", "tenant_scope", "status",
	"rate_per_second", "rate_per_minute", "rate_per_hour", "rate_per_day",
	"expires_at", "last_used_at", "created_by", "created_at",
}

func apiKeyRow(key *APIKey) *sqlmock.Rows {
	return sqlmock.NewRows(apiKeyRowColumns).AddRow(
		key.ID, key.Name, key.SecretHash, key.SecretPrefix, key.Permission.String(), key.TenantScope, string(key.Status),
		key.Profile.PerSecond, key.Profile.PerMinute, key.Profile.PerHour, key.Profile.PerDay,
		key.ExpiresAt, key.LastUsedAt, key.CreatedBy, key.CreatedAt,
	)
}

func testKey() *APIKey {
	return &APIKey{
		ID:           uuid.New(),
		Name:         "deploy key",
		SecretHash:   HashSecret("folio_secret"),
		SecretPrefix: "folio_abcd1234",
		Permission:   LevelAdmin,
		TenantScope:  "tenant-a",
		Status:       KeyStatusActive,
		Profile:      DefaultKeyProfile(),
		CreatedBy:    uuid.New(),
		CreatedAt:    time.Now().UTC(),
	}
}

func TestPostgresKeyStoreGetBySecretHash(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := &PostgresKeyStore{db: db}
	key := testKey()

	mock.ExpectQuery("SELECT (.+) FROM api_keys WHERE secret_hash").
		WithArgs(key.SecretHash).
		WillReturnRows(apiKeyRow(key))

	got, err := store.GetBySecretHash(context.Background(), key.SecretHash)
	require.NoError(t, err)
	assert.Equal(t, key.ID, got.ID)
	assert.Equal(t, LevelAdmin, got.Permission)
	assert.Equal(t, KeyStatusActive, got.Status)
	assert.Equal(t, key.Profile, got.Profile)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresKeyStoreGetBySecretHashNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := &PostgresKeyStore{db: db}

	mock.ExpectQuery("SELECT (.+) FROM api_keys WHERE secret_hash").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err = store.GetBySecretHash(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrKeyNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresKeyStoreInsert(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := &PostgresKeyStore{db: db}
	key := testKey()

	mock.ExpectExec("INSERT INTO api_keys").
		WithArgs(
			key.ID, key.Name, key.SecretHash, key.SecretPrefix, "admin", key.TenantScope, "active",
			key.Profile.PerSecond, key.Profile.PerMinute, key.Profile.PerHour, key.Profile.PerDay,
			key.ExpiresAt, key.CreatedBy, key.CreatedAt,
		).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.Insert(context.Background(), key))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresKeyStoreUpdateStatus(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := &PostgresKeyStore{db: db}
	id := uuid.New()

	mock.ExpectExec("UPDATE api_keys SET status").
		WithArgs("revoked", id).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.UpdateStatus(context.Background(), id, KeyStatusRevoked))

	mock.ExpectExec("UPDATE api_keys SET status").
		WithArgs("blocked", id).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = store.UpdateStatus(context.Background(), id, KeyStatusBlocked)
	assert.ErrorIs(t, err, ErrKeyNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresKeyStoreTouchLastUsed(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := &PostgresKeyStore{db: db}
	id := uuid.New()
	now := time.Now().UTC()

	mock.ExpectExec("UPDATE api_keys SET last_used_at").
		WithArgs(now, id).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.TouchLastUsed(context.Background(), id, now))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresKeyStoreListByTenant(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := &PostgresKeyStore{db: db}
	a, b := testKey(), testKey()
	rows := apiKeyRow(a)
	rows.AddRow(
		b.ID, b.Name, b.SecretHash, b.SecretPrefix, b.Permission.String(), b.TenantScope, string(b.Status),
		b.Profile.PerSecond, b.Profile.PerMinute, b.Profile.PerHour, b.Profile.PerDay,
		b.ExpiresAt, b.LastUsedAt, b.CreatedBy, b.CreatedAt,
	)

	mock.ExpectQuery("SELECT (.+) FROM api_keys WHERE tenant_scope").
		WithArgs("tenant-a").
		WillReturnRows(rows)

	keys, err := store.ListByTenant(context.Background(), "tenant-a")
	require.NoError(t, err)
	assert.Len(t, keys, 2)
	assert.NoError(t, mock.ExpectationsWereMet())
}
