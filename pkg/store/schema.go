package store

import (
	"context"
	"fmt"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS containers (
		id              TEXT PRIMARY KEY,
		port            INTEGER NOT NULL,
		start_time      BIGINT NOT NULL,
		expiration_time BIGINT NOT NULL,
		user_uuid       TEXT NOT NULL,
		ip_address      TEXT NOT NULL,
		status          TEXT NOT NULL DEFAULT 'running'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_containers_user_status
		ON containers (user_uuid, status)`,
	// One running container per user, enforced where it cannot race:
	// two concurrent deploys both pass the ownership read, only one
	// survives the insert.
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_containers_user_running
		ON containers (user_uuid) WHERE status = 'running'`,
	`CREATE INDEX IF NOT EXISTS idx_containers_expiration
		ON containers (status, expiration_time)`,
	`CREATE TABLE IF NOT EXISTS port_allocations (
		port         INTEGER PRIMARY KEY,
		allocated    BOOLEAN NOT NULL DEFAULT FALSE,
		container_id TEXT,
		allocated_at BIGINT
	)`,
	`CREATE TABLE IF NOT EXISTS ip_requests (
		ip_address   TEXT NOT NULL,
		request_time BIGINT NOT NULL,
		PRIMARY KEY (ip_address, request_time)
	)`,
}

// InitSchema creates the tables idempotently and seeds the port pool
// with one row per port in [startRange, stopRange). Re-running against
// an initialized database is a no-op.
func (s *Store) InitSchema(ctx context.Context, startRange, stopRange int) error {
	for _, stmt := range schemaStatements {
		if err := s.withRetry(ctx, "init_schema", func() error {
			_, err := s.db.ExecContext(ctx, stmt)
			return err
		}); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}

	return s.withRetry(ctx, "seed_ports", func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO port_allocations (port, allocated)
			 SELECT gs, FALSE FROM generate_series($1, $2) AS gs
			 ON CONFLICT (port) DO NOTHING`,
			startRange, stopRange-1)
		return err
	})
}
