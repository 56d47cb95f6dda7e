// Package ports hands out host ports from the pre-seeded reservation
// table. The table is the single source of truth; competing reservers
// are serialized by row locks, not by process-local state.
package ports

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ctflab/ctfdeployer/pkg/log"
	"github.com/ctflab/ctfdeployer/pkg/metrics"
	"github.com/ctflab/ctfdeployer/pkg/store"
	"github.com/ctflab/ctfdeployer/pkg/types"
)

// ProbeFunc reports whether a host port is free at the OS level. It is
// a safety net against reservation-table desync, not the authority.
type ProbeFunc func(port int) bool

// Allocator reserves and releases host ports.
type Allocator struct {
	store       *store.Store
	probe       ProbeFunc
	maxAttempts int
	staleAge    time.Duration
}

// New builds an Allocator. probe may be nil to skip OS-level checks.
func New(st *store.Store, probe ProbeFunc, maxAttempts int, staleAge time.Duration) *Allocator {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Allocator{
		store:       st,
		probe:       probe,
		maxAttempts: maxAttempts,
		staleAge:    staleAge,
	}
}

// Reserve claims the lowest free port for containerID. Each attempt is
// one transaction: the candidate row is locked with SKIP LOCKED so two
// reservers can never see the same port as free. A port the OS reports
// busy is quarantined with a synthetic owner and the next candidate is
// tried, up to the attempt cap.
func (a *Allocator) Reserve(ctx context.Context, containerID string) (int, error) {
	for attempt := 0; attempt < a.maxAttempts; attempt++ {
		port, err := a.reserveOnce(ctx, containerID)
		if err == nil {
			return port, nil
		}
		if !errors.Is(err, errPortBusy) {
			if errors.Is(err, types.ErrPortPoolFull) {
				metrics.PortAllocationFailures.Inc()
			}
			return 0, err
		}
		// OS-level collision, quarantined inside reserveOnce. Try the
		// next candidate.
	}
	metrics.PortAllocationFailures.Inc()
	return 0, types.ErrPortPoolFull
}

var errPortBusy = errors.New("port busy on host")

func (a *Allocator) reserveOnce(ctx context.Context, containerID string) (int, error) {
	tx, err := a.store.DB().BeginTxx(ctx, nil)
	if err != nil {
		return 0, &types.TransientError{Op: "reserve_port", Err: err}
	}
	defer tx.Rollback()

	var port int
	err = tx.GetContext(ctx, &port,
		`SELECT port FROM port_allocations WHERE allocated = FALSE
		 ORDER BY port ASC LIMIT 1 FOR UPDATE SKIP LOCKED`)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, types.ErrPortPoolFull
	}
	if err != nil {
		return 0, &types.TransientError{Op: "reserve_port", Err: err}
	}

	owner := containerID
	busy := a.probe != nil && !a.probe(port)
	if busy {
		// The table said free but the OS disagrees. Quarantine the row
		// so the sweeper reclaims it once the squatter is gone.
		owner = fmt.Sprintf("stale-%d", time.Now().Unix())
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE port_allocations SET allocated = TRUE, container_id = $1, allocated_at = $2
		 WHERE port = $3`,
		owner, time.Now().Unix(), port)
	if err != nil {
		return 0, &types.TransientError{Op: "reserve_port", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return 0, &types.TransientError{Op: "reserve_port", Err: err}
	}

	if busy {
		log.WithComponent("ports").Warn().
			Int("port", port).
			Msg("Port busy on host despite free reservation, quarantined")
		return 0, errPortBusy
	}
	return port, nil
}

// Rebind replaces the reservation owner, used to swap the deploy-time
// placeholder for the engine-assigned container id.
func (a *Allocator) Rebind(ctx context.Context, port int, containerID string) error {
	_, err := a.store.DB().ExecContext(ctx,
		`UPDATE port_allocations SET container_id = $1 WHERE port = $2 AND allocated = TRUE`,
		containerID, port)
	if err != nil {
		return &types.TransientError{Op: "rebind_port", Err: err}
	}
	return nil
}

// Release frees a port. Releasing an already-free port is a no-op.
func (a *Allocator) Release(ctx context.Context, port int) error {
	_, err := a.store.DB().ExecContext(ctx,
		`UPDATE port_allocations SET allocated = FALSE, container_id = NULL, allocated_at = NULL
		 WHERE port = $1`, port)
	if err != nil {
		return &types.TransientError{Op: "release_port", Err: err}
	}
	return nil
}

// Sweep releases reservations older than the stale age whose owner is
// not a running container. Runs on the maintenance pool.
func (a *Allocator) Sweep(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-a.staleAge).Unix()
	res, err := a.store.Maintenance().ExecContext(ctx,
		`UPDATE port_allocations SET allocated = FALSE, container_id = NULL, allocated_at = NULL
		 WHERE allocated = TRUE AND allocated_at < $1
		 AND (container_id IS NULL OR container_id NOT IN
			(SELECT id FROM containers WHERE status = 'running'))`,
		cutoff)
	if err != nil {
		return 0, &types.TransientError{Op: "sweep_ports", Err: err}
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		log.WithComponent("ports").Info().
			Int64("released", n).
			Msg("Released stale port reservations")
	}
	return int(n), nil
}

// Stats returns free and allocated counts and refreshes the port pool
// gauges.
func (a *Allocator) Stats(ctx context.Context) (free, allocated int, err error) {
	row := struct {
		Free      int `db:"free"`
		Allocated int `db:"allocated"`
	}{}
	err = a.store.DB().GetContext(ctx, &row,
		`SELECT COUNT(*) FILTER (WHERE allocated = FALSE) AS free,
		        COUNT(*) FILTER (WHERE allocated = TRUE) AS allocated
		 FROM port_allocations`)
	if err != nil {
		return 0, 0, &types.TransientError{Op: "port_stats", Err: err}
	}
	metrics.PortPool.WithLabelValues("free").Set(float64(row.Free))
	metrics.PortPool.WithLabelValues("allocated").Set(float64(row.Allocated))
	return row.Free, row.Allocated, nil
}
