package tenants

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrMembershipNotFound is returned when no membership row exists for a
// (tenant, subject) pair.
var ErrMembershipNotFound = errors.New("tenant membership not found")

// MembershipStore reads per-tenant role assignments. The resolver only
// reads; membership mutations happen in management handlers and are visible
// to the next lookup with no cache in between.
type MembershipStore interface {
	Get(ctx context.Context, tenantID string, subjectID uuid.UUID) (*Membership, error)
	Upsert(ctx context.Context, m *Membership) error
	Delete(ctx context.Context, tenantID string, subjectID uuid.UUID) error
	ListByTenant(ctx context.Context, tenantID string) ([]*Membership, error)
}

// PostgresMembershipStore implements MembershipStore on PostgreSQL.
type PostgresMembershipStore struct {
	db *sql.DB
}

// NewPostgresMembershipStore creates a membership store and ensures its
// table exists.
func NewPostgresMembershipStore(db *sql.DB) (*PostgresMembershipStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	s := &PostgresMembershipStore{db: db}
	if err := s.ensureTable(); err != nil {
		return nil, fmt.Errorf("failed to ensure tenant_memberships table: %w", err)
	}
	return s, nil
}

func (s *PostgresMembershipStore) ensureTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS tenant_memberships (
		tenant_id VARCHAR(255) NOT NULL,
		subject_id UUID NOT NULL,
		role VARCHAR(20) NOT NULL,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		PRIMARY KEY (tenant_id, subject_id)
	);

	CREATE INDEX IF NOT EXISTS idx_tenant_memberships_subject ON tenant_memberships(subject_id);
	`
	_, err := s.db.Exec(query)
	return err
}

// Get returns the membership for a (tenant, subject) pair.
func (s *PostgresMembershipStore) Get(ctx context.Context, tenantID string, subjectID uuid.UUID) (*Membership, error) {
	query := `
		SELECT tenant_id, subject_id, role, created_at, updated_at
		FROM tenant_memberships
		WHERE tenant_id = $1 AND subject_id = $2
	`
	var (
		m    Membership
		role string
	)
	err := s.db.QueryRowContext(ctx, query, tenantID, subjectID).Scan(
		&m.TenantID, &m.SubjectID, &role, &m.CreatedAt, &m.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrMembershipNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get membership: %w", err)
	}
	m.Role, err = ParseRole(role)
	if err != nil {
		return nil, fmt.Errorf("corrupt membership row: %w", err)
	}
	return &m, nil
}

// Upsert creates or replaces the single role a subject holds on a tenant.
func (s *PostgresMembershipStore) Upsert(ctx context.Context, m *Membership) error {
	query := `
		INSERT INTO tenant_memberships (tenant_id, subject_id, role, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (tenant_id, subject_id)
		DO UPDATE SET role = EXCLUDED.role, updated_at = EXCLUDED.updated_at
	`
	_, err := s.db.ExecContext(ctx, query, m.TenantID, m.SubjectID, string(m.Role), time.Now())
	if err != nil {
		return fmt.Errorf("failed to upsert membership: %w", err)
	}
	return nil
}

// Delete removes a subject's membership on a tenant.
func (s *PostgresMembershipStore) Delete(ctx context.Context, tenantID string, subjectID uuid.UUID) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM tenant_memberships WHERE tenant_id = $1 AND subject_id = $2`,
		tenantID, subjectID)
	if err != nil {
		return fmt.Errorf("failed to delete membership: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrMembershipNotFound
	}
	return nil
}

// ListByTenant returns all memberships on a tenant.
func (s *PostgresMembershipStore) ListByTenant(ctx context.Context, tenantID string) ([]*Membership, error) {
	query := `
		SELECT tenant_id, subject_id, role, created_at, updated_at
		FROM tenant_memberships
		WHERE tenant_id = $1
		ORDER BY created_at
	`
	rows, err := s.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list memberships: %w", err)
	}
	defer rows.Close()

	var members []*Membership
	for rows.Next() {
		var (
			m    Membership
			role string
		)
		if err := rows.Scan(&m.TenantID, &m.SubjectID, &role, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, err
		}
		if m.Role, err = ParseRole(role); err != nil {
			return nil, fmt.Errorf("corrupt membership row: %w", err)
		}
		members = append(members, &m)
	}
	return members, rows.Err()
}
