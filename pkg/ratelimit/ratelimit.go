// Package ratelimit admits deploys per source address over a sliding
// window backed by the ip_requests table.
package ratelimit

import (
	"context"
	"time"

	"github.com/ctflab/ctfdeployer/pkg/log"
	"github.com/ctflab/ctfdeployer/pkg/metrics"
	"github.com/ctflab/ctfdeployer/pkg/store"
	"github.com/ctflab/ctfdeployer/pkg/types"
)

// Limiter enforces the per-source admission window.
type Limiter struct {
	store       *store.Store
	max         int
	window      time.Duration
	bypassLocal bool
}

// New builds a Limiter admitting at most max deploys per source per
// window. Loopback sources are always admitted.
func New(st *store.Store, max int, window time.Duration) *Limiter {
	return &Limiter{store: st, max: max, window: window, bypassLocal: true}
}

// Admit decides whether a deploy from ip may proceed and, if so,
// records it. Purge, count and insert run in one transaction so two
// concurrent admitters cannot both squeeze under the cap. Running
// containers from the same source count against the cap as well.
func (l *Limiter) Admit(ctx context.Context, ip string) error {
	metrics.RateLimitChecks.Inc()

	if l.bypassLocal && isLoopback(ip) {
		return nil
	}

	now := time.Now().Unix()
	cutoff := now - int64(l.window.Seconds())

	tx, err := l.store.DB().BeginTxx(ctx, nil)
	if err != nil {
		return &types.TransientError{Op: "rate_limit", Err: err}
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM ip_requests WHERE request_time < $1`, cutoff); err != nil {
		return &types.TransientError{Op: "rate_limit", Err: err}
	}

	var recent int
	if err := tx.GetContext(ctx, &recent,
		`SELECT COUNT(*) FROM ip_requests WHERE ip_address = $1`, ip); err != nil {
		return &types.TransientError{Op: "rate_limit", Err: err}
	}

	var running int
	if err := tx.GetContext(ctx, &running,
		`SELECT COUNT(*) FROM containers WHERE ip_address = $1 AND status = 'running'`, ip); err != nil {
		return &types.TransientError{Op: "rate_limit", Err: err}
	}

	// Window rows and still-running containers share one cap: a source
	// holding a container has already spent part of its allowance.
	if recent+running >= l.max {
		metrics.RateLimitRejections.Inc()
		log.WithComponent("ratelimit").Info().
			Str("ip", ip).
			Int("recent", recent).
			Int("running", running).
			Int("max", l.max).
			Msg("Deploy rejected by rate limit")
		return types.ErrRateLimited
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO ip_requests (ip_address, request_time) VALUES ($1, $2)
		 ON CONFLICT (ip_address, request_time) DO NOTHING`, ip, now); err != nil {
		return &types.TransientError{Op: "rate_limit", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return &types.TransientError{Op: "rate_limit", Err: err}
	}
	return nil
}

// Purge drops window rows older than the limit window. Invoked by the
// janitor on the maintenance pool.
func (l *Limiter) Purge(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-l.window).Unix()
	res, err := l.store.Maintenance().ExecContext(ctx,
		`DELETE FROM ip_requests WHERE request_time < $1`, cutoff)
	if err != nil {
		return 0, &types.TransientError{Op: "purge_ip_requests", Err: err}
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func isLoopback(ip string) bool {
	return ip == "127.0.0.1" || ip == "::1" || ip == "localhost"
}
