package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// DBSink persists usage records to PostgreSQL.
type DBSink struct {
	db *sql.DB
}

// NewDBSink creates a database sink and ensures its table exists.
func NewDBSink(db *sql.DB) (*DBSink, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	s := &DBSink{db: db}
	if err := s.ensureTable(); err != nil {
		return nil, fmt.Errorf("failed to ensure usage_records table: %w", err)
	}
	return s, nil
}

func (s *DBSink) ensureTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS usage_records (
		id BIGSERIAL PRIMARY KEY,
		subject_id UUID NOT NULL,
		source VARCHAR(20) NOT NULL DEFAULT '',
		tenant_id VARCHAR(255) NOT NULL DEFAULT '',
		method VARCHAR(10) NOT NULL,
		route TEXT NOT NULL,
		status_code INTEGER NOT NULL,
		latency_ms BIGINT NOT NULL,
		request_id VARCHAR(100),
		client_ip VARCHAR(45),
		timestamp TIMESTAMP WITH TIME ZONE NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_usage_records_subject ON usage_records(subject_id);
	CREATE INDEX IF NOT EXISTS idx_usage_records_timestamp ON usage_records(timestamp DESC);
	`
	_, err := s.db.Exec(query)
	return err
}

// Write inserts one usage record.
func (s *DBSink) Write(ctx context.Context, record *UsageRecord) error {
	query := `
		INSERT INTO usage_records (
			subject_id, source, tenant_id, method, route,
			status_code, latency_ms, request_id, client_ip, timestamp
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := s.db.ExecContext(ctx, query,
		record.SubjectID, string(record.Source), record.TenantID, record.Method, record.Route,
		record.StatusCode, record.LatencyMS, record.RequestID, record.ClientIP, record.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to insert usage record: %w", err)
	}
	return nil
}

// PruneBefore deletes records older than the cutoff and returns the count
// removed. Used by the retention sweeper.
func (s *DBSink) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM usage_records WHERE timestamp < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune usage records: %w", err)
	}
	return res.RowsAffected()
}
