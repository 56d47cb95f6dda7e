package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ctflab/ctfdeployer/pkg/types"
)

// InsertContainer records a freshly deployed container. A second
// running row for the same user loses to the partial unique index and
// surfaces as types.ErrAlreadyOwns.
func (s *Store) InsertContainer(ctx context.Context, c *types.Container) error {
	err := s.withRetry(ctx, "insert_container", func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO containers (id, port, start_time, expiration_time, user_uuid, ip_address, status)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			c.ID, c.Port, c.StartTime, c.ExpirationTime, c.UserUUID, c.IPAddress, c.Status)
		return err
	})
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == "idx_containers_user_running" {
		return types.ErrAlreadyOwns
	}
	return err
}

// GetContainer fetches one container by id. Returns types.ErrNotFound
// when no row exists.
func (s *Store) GetContainer(ctx context.Context, id string) (*types.Container, error) {
	var c types.Container
	err := s.withRetry(ctx, "get_container", func() error {
		return s.db.GetContext(ctx, &c,
			`SELECT id, port, start_time, expiration_time, user_uuid, ip_address, status
			 FROM containers WHERE id = $1`, id)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GetRunningByUser returns the user's running container, or
// types.ErrNotFound when the user owns none.
func (s *Store) GetRunningByUser(ctx context.Context, userUUID string) (*types.Container, error) {
	var c types.Container
	err := s.withRetry(ctx, "get_running_by_user", func() error {
		return s.db.GetContext(ctx, &c,
			`SELECT id, port, start_time, expiration_time, user_uuid, ip_address, status
			 FROM containers WHERE user_uuid = $1 AND status = 'running'
			 ORDER BY start_time DESC LIMIT 1`, userUUID)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// TransitionStatus moves a running container into a terminal state.
// Terminal rows are kept for audit. Returns false when the row was no
// longer running, so two reclaimers racing on the same container
// cannot both apply teardown effects.
func (s *Store) TransitionStatus(ctx context.Context, id string, status types.ContainerStatus) (bool, error) {
	var affected int64
	err := s.withRetry(ctx, "transition_status", func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE containers SET status = $1 WHERE id = $2 AND status = 'running'`, status, id)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	return affected > 0, err
}

// UpdateExpiration sets a container's expiration time.
func (s *Store) UpdateExpiration(ctx context.Context, id string, expiration int64) error {
	return s.withRetry(ctx, "update_expiration", func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE containers SET expiration_time = $1 WHERE id = $2`, expiration, id)
		return err
	})
}

// GetExpiration reads a container's current expiration time. Monitors
// re-read it on wake-up since an extend may have advanced it.
func (s *Store) GetExpiration(ctx context.Context, id string) (int64, error) {
	var exp int64
	err := s.withRetry(ctx, "get_expiration", func() error {
		return s.db.GetContext(ctx, &exp,
			`SELECT expiration_time FROM containers WHERE id = $1 AND status = 'running'`, id)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return 0, types.ErrNotFound
	}
	return exp, err
}

// CountRunning returns the number of live containers.
func (s *Store) CountRunning(ctx context.Context) (int, error) {
	var n int
	err := s.withRetry(ctx, "count_running", func() error {
		return s.db.GetContext(ctx, &n,
			`SELECT COUNT(*) FROM containers WHERE status = 'running'`)
	})
	return n, err
}

// CountRunningByIP returns the number of live containers deployed from
// the given source address.
func (s *Store) CountRunningByIP(ctx context.Context, ip string) (int, error) {
	var n int
	err := s.withRetry(ctx, "count_running_by_ip", func() error {
		return s.db.GetContext(ctx, &n,
			`SELECT COUNT(*) FROM containers WHERE ip_address = $1 AND status = 'running'`, ip)
	})
	return n, err
}

// TotalCreated returns the lifetime deployment count.
func (s *Store) TotalCreated(ctx context.Context) (int, error) {
	var n int
	err := s.withRetry(ctx, "total_created", func() error {
		return s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM containers`)
	})
	return n, err
}

// ListContainers returns every container row, newest first.
func (s *Store) ListContainers(ctx context.Context) ([]types.Container, error) {
	var out []types.Container
	err := s.withRetry(ctx, "list_containers", func() error {
		return s.db.SelectContext(ctx, &out,
			`SELECT id, port, start_time, expiration_time, user_uuid, ip_address, status
			 FROM containers ORDER BY start_time DESC`)
	})
	return out, err
}

// ListRunning returns all live containers.
func (s *Store) ListRunning(ctx context.Context) ([]types.Container, error) {
	var out []types.Container
	err := s.withRetry(ctx, "list_running", func() error {
		return s.db.SelectContext(ctx, &out,
			`SELECT id, port, start_time, expiration_time, user_uuid, ip_address, status
			 FROM containers WHERE status = 'running' ORDER BY expiration_time ASC`)
	})
	return out, err
}

// ListExpired returns up to limit running containers whose lifetime has
// elapsed, oldest expiration first. The sweeper calls this on the
// maintenance pool.
func (s *Store) ListExpired(ctx context.Context, now time.Time, limit int) ([]types.Container, error) {
	var out []types.Container
	err := s.withRetry(ctx, "list_expired", func() error {
		return s.maint.SelectContext(ctx, &out,
			`SELECT id, port, start_time, expiration_time, user_uuid, ip_address, status
			 FROM containers WHERE status = 'running' AND expiration_time <= $1
			 ORDER BY expiration_time ASC LIMIT $2`, now.Unix(), limit)
	})
	return out, err
}
