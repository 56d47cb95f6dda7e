// Package store is the authoritative persistence layer. All cross-task
// coordination (port ownership, rate-limit windows, container lifecycle)
// rests on its transactional semantics, never on in-process locks.
package store

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/ctflab/ctfdeployer/pkg/config"
	"github.com/ctflab/ctfdeployer/pkg/log"
	"github.com/ctflab/ctfdeployer/pkg/metrics"
	"github.com/ctflab/ctfdeployer/pkg/types"
)

const (
	maxRetries     = 3
	initialBackoff = 100 * time.Millisecond
)

// Store wraps two connection pools: the primary pool serves user
// requests, the maintenance pool serves the janitor so a burst of
// traffic on either side cannot starve the other.
type Store struct {
	db    *sqlx.DB
	maint *sqlx.DB
}

// Open connects both pools and verifies connectivity.
func Open(ctx context.Context, cfg *config.Config) (*Store, error) {
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		cfg.DBUser, cfg.DBPassword, cfg.DBHost, cfg.DBPort, cfg.DBName)

	db, err := openPool(ctx, dsn, cfg.PoolMin, cfg.PoolMax)
	if err != nil {
		return nil, fmt.Errorf("failed to open primary pool: %w", err)
	}

	maint, err := openPool(ctx, dsn, cfg.MaintenancePoolMin, cfg.MaintenancePoolMax)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open maintenance pool: %w", err)
	}

	log.WithComponent("store").Info().
		Str("host", cfg.DBHost).
		Str("database", cfg.DBName).
		Int("pool_max", cfg.PoolMax).
		Msg("Connected to database")

	return &Store{db: db, maint: maint}, nil
}

func openPool(ctx context.Context, dsn string, minConns, maxConns int) (*sqlx.DB, error) {
	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(minConns)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := pingRetry(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func pingRetry(ctx context.Context, db *sqlx.DB) error {
	var err error
	backoff := initialBackoff
	for attempt := 0; attempt < maxRetries; attempt++ {
		if err = db.PingContext(ctx); err == nil {
			return nil
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
	}
	return fmt.Errorf("database unreachable: %w", err)
}

// NewFromDB wraps pre-built pools. Intended for tests that substitute
// sqlmock-backed connections.
func NewFromDB(db, maint *sqlx.DB) *Store {
	return &Store{db: db, maint: maint}
}

// DB returns the primary pool.
func (s *Store) DB() *sqlx.DB { return s.db }

// Maintenance returns the janitor pool.
func (s *Store) Maintenance() *sqlx.DB { return s.maint }

// Close closes both pools.
func (s *Store) Close() error {
	merr := s.maint.Close()
	if err := s.db.Close(); err != nil {
		return err
	}
	return merr
}

// PoolStats reports primary pool health for the admin surface.
func (s *Store) PoolStats() types.PoolStats {
	st := s.db.Stats()
	status := "healthy"
	if st.OpenConnections >= st.MaxOpenConnections {
		status = "saturated"
	}
	return types.PoolStats{
		Status:          status,
		FreeConnections: st.MaxOpenConnections - st.InUse,
		MaxConnections:  st.MaxOpenConnections,
	}
}

// PublishPoolMetrics refreshes the connection pool gauges.
func (s *Store) PublishPoolMetrics() {
	st := s.db.Stats()
	metrics.DatabaseConnectionPool.WithLabelValues("in_use").Set(float64(st.InUse))
	metrics.DatabaseConnectionPool.WithLabelValues("idle").Set(float64(st.Idle))
	metrics.DatabaseConnectionPool.WithLabelValues("max").Set(float64(st.MaxOpenConnections))
}

// isTransient reports whether err looks like a connectivity failure
// worth retrying. Logical errors (constraint violations, bad SQL) are
// not retried.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08: connection exceptions. 40001/40P01: serialization
		// failure and deadlock, safe to retry.
		if len(pgErr.Code) == 5 && pgErr.Code[:2] == "08" {
			return true
		}
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

// withRetry runs fn with exponential backoff on transient failures and
// records the operation in metrics. Exhausted retries surface as a
// TransientError so handlers can answer 503.
func (s *Store) withRetry(ctx context.Context, op string, fn func() error) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.DatabaseOperationDuration)
	metrics.DatabaseOperations.WithLabelValues(op).Inc()

	var err error
	backoff := initialBackoff
	for attempt := 0; attempt < maxRetries; attempt++ {
		err = fn()
		if err == nil || !isTransient(err) {
			return err
		}
		log.WithComponent("store").Warn().
			Err(err).
			Str("op", op).
			Int("attempt", attempt+1).
			Msg("Transient database failure, retrying")
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
	}
	return &types.TransientError{Op: op, Err: err}
}
