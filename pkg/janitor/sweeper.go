package janitor

import (
	"context"
	"time"

	"github.com/ctflab/ctfdeployer/pkg/log"
)

// sweepLoop runs the periodic maintenance pass. An in-flight pass
// finishes on shutdown; the next one does not start.
func (j *Janitor) sweepLoop(ctx context.Context) {
	defer j.wg.Done()

	ticker := time.NewTicker(j.cfg.MaintenanceInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			j.SweepOnce(ctx)
		case <-j.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// SweepOnce performs one maintenance pass: reclaim a batch of expired
// containers, release orphaned port reservations, purge aged
// rate-limit rows and prune stale captchas. Also invoked once at
// startup to clean up after an unclean shutdown.
func (j *Janitor) SweepOnce(ctx context.Context) {
	logger := log.WithComponent("janitor")

	expired, err := j.store.ListExpired(ctx, j.now(), j.cfg.MaintenanceBatchSize)
	if err != nil {
		logger.Error().Err(err).Str("phase", "list_expired").Msg("Sweeper pass failed")
	} else {
		reclaimed := 0
		for i := range expired {
			c := &expired[i]
			if !j.shouldRetry(c.ID) {
				continue
			}
			// Each container is its own unit of work so one failure
			// cannot block the batch.
			if err := j.reclaimer.ReclaimExpired(ctx, c); err != nil {
				j.recordFailure(c.ID, "sweep", err)
				continue
			}
			j.clearFailure(c.ID)
			j.Cancel(c.ID)
			reclaimed++
		}
		if reclaimed > 0 {
			logger.Info().Int("reclaimed", reclaimed).Msg("Swept expired containers")
		}
	}

	if _, err := j.ports.Sweep(ctx); err != nil {
		logger.Error().Err(err).Str("phase", "sweep_ports").Msg("Sweeper pass failed")
	}
	if _, err := j.window.Purge(ctx); err != nil {
		logger.Error().Err(err).Str("phase", "purge_window").Msg("Sweeper pass failed")
	}
	if j.captcha != nil {
		if n := j.captcha.Prune(); n > 0 {
			logger.Debug().Int("pruned", n).Msg("Pruned expired captchas")
		}
	}
}
