// Package resources tracks global usage against the configured quotas
// and gates new deployments.
package resources

import (
	"context"
	"sync"
	"time"

	"github.com/ctflab/ctfdeployer/pkg/config"
	"github.com/ctflab/ctfdeployer/pkg/log"
	"github.com/ctflab/ctfdeployer/pkg/metrics"
	"github.com/ctflab/ctfdeployer/pkg/ports"
	"github.com/ctflab/ctfdeployer/pkg/runtime"
	"github.com/ctflab/ctfdeployer/pkg/store"
	"github.com/ctflab/ctfdeployer/pkg/types"
)

// Monitor refreshes a read-mostly usage snapshot on a timer and
// answers admission checks against it.
type Monitor struct {
	cfg       *config.Config
	store     *store.Store
	driver    runtime.Driver
	allocator *ports.Allocator

	mu       sync.RWMutex
	snapshot types.ResourceSnapshot

	stopCh chan struct{}
	doneCh chan struct{}

	now func() time.Time
}

// NewMonitor creates a Monitor. Call Start to begin sampling.
func NewMonitor(cfg *config.Config, st *store.Store, driver runtime.Driver, allocator *ports.Allocator) *Monitor {
	return &Monitor{
		cfg:       cfg,
		store:     st,
		driver:    driver,
		allocator: allocator,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
		now:       time.Now,
	}
}

// Start samples once immediately, then on the configured interval.
func (m *Monitor) Start(ctx context.Context) {
	m.refresh(ctx)
	go m.run(ctx)
}

// Stop halts sampling and waits for the loop to exit.
func (m *Monitor) Stop() {
	close(m.stopCh)
	<-m.doneCh
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.cfg.ResourceCheckInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.refresh(ctx)
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// refresh rebuilds the snapshot from the store, the engine and the
// port pool. Partial failures keep the previous values for the
// affected resource class.
func (m *Monitor) refresh(ctx context.Context) {
	logger := log.WithComponent("resources")

	snap := m.Snapshot()
	snap.LastUpdated = time.Now().Unix()

	if running, err := m.store.CountRunning(ctx); err != nil {
		logger.Warn().Err(err).Msg("Failed to count running containers")
	} else {
		snap.Containers = usage(float64(running), float64(m.cfg.MaxTotalContainers))
	}

	if cpu, mem, err := m.aggregateStats(ctx); err != nil {
		logger.Warn().Err(err).Msg("Failed to aggregate engine stats")
	} else {
		snap.Memory = usage(mem, float64(m.cfg.MaxTotalMemoryBytes()))
		snap.CPU = usage(cpu, m.cfg.MaxTotalCPUPercent)
	}

	if free, allocated, err := m.allocator.Stats(ctx); err != nil {
		logger.Warn().Err(err).Msg("Failed to read port pool stats")
	} else {
		snap.Ports = usage(float64(allocated), float64(free+allocated))
	}

	m.mu.Lock()
	m.snapshot = snap
	m.mu.Unlock()

	publishGauges(snap)
	m.store.PublishPoolMetrics()
	m.warnSoftLimits(snap)
}

// warnSoftLimits logs resources crossing the configured soft threshold
// while still under quota, so operators see pressure before rejections.
func (m *Monitor) warnSoftLimits(snap types.ResourceSnapshot) {
	if m.cfg.ResourceSoftLimitPercent <= 0 {
		return
	}
	for _, kind := range []types.ResourceKind{
		types.ResourceContainers, types.ResourceCPU, types.ResourceMemory, types.ResourcePorts,
	} {
		u := snap.Usage(kind)
		if u.Limit > 0 && u.Percent >= m.cfg.ResourceSoftLimitPercent && u.Percent < 100 {
			log.WithComponent("resources").Warn().
				Str("resource", string(kind)).
				Float64("percent", u.Percent).
				Msg("Resource usage past soft limit")
		}
	}
}

func (m *Monitor) aggregateStats(ctx context.Context) (cpu, mem float64, err error) {
	ids, err := m.driver.ListChallenge(ctx)
	if err != nil {
		return 0, 0, err
	}
	for _, id := range ids {
		stats, err := m.driver.Stats(ctx, id)
		if err != nil {
			// A container can exit between List and Stats.
			if types.IsEngineNotFound(err) {
				continue
			}
			log.WithContainerID(id).Debug().Err(err).Msg("Failed to read container stats")
			continue
		}
		cpu += stats.CPUPercent
		mem += float64(stats.MemoryBytes)
	}
	return cpu, mem, nil
}

// Snapshot returns a copy of the latest snapshot.
func (m *Monitor) Snapshot() types.ResourceSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot
}

// Admit decides whether expectedDelta more containers fit under the
// quotas, projecting the container count and assuming per-container
// worst-case cpu and memory for the rest.
func (m *Monitor) Admit(expectedDelta int) error {
	metrics.ResourceQuotaChecks.Inc()

	if !m.cfg.EnableResourceQuotas {
		return nil
	}

	snap := m.Snapshot()

	// A snapshot the sampler has not touched for several intervals is
	// refreshed inline rather than trusted.
	if snap.LastUpdated > 0 && m.cfg.ResourceCheckIntervalSec > 0 {
		age := m.now().Unix() - snap.LastUpdated
		if age > 3*m.cfg.ResourceCheckIntervalSec {
			m.refresh(context.Background())
			snap = m.Snapshot()
		}
	}

	projected := snap.Containers.Current + float64(expectedDelta)
	if snap.Containers.Limit > 0 && projected > snap.Containers.Limit {
		return m.reject(types.ResourceContainers, snap.Containers)
	}
	if snap.CPU.Limit > 0 && snap.CPU.Percent >= 100 {
		return m.reject(types.ResourceCPU, snap.CPU)
	}
	if snap.Memory.Limit > 0 && snap.Memory.Percent >= 100 {
		return m.reject(types.ResourceMemory, snap.Memory)
	}
	// Port exhaustion is not a quota: the allocator rejects it itself
	// at reservation time. The snapshot keeps the pool gauge for the
	// admin surface only.

	return nil
}

func (m *Monitor) reject(kind types.ResourceKind, u types.ResourceUsage) error {
	metrics.ResourceQuotaRejections.WithLabelValues(string(kind)).Inc()
	log.WithComponent("resources").Info().
		Str("resource", string(kind)).
		Float64("current", u.Current).
		Float64("limit", u.Limit).
		Msg("Deploy rejected by resource quota")
	return &types.QuotaError{Resource: kind, Current: u.Current, Limit: u.Limit}
}

func usage(current, limit float64) types.ResourceUsage {
	u := types.ResourceUsage{Current: current, Limit: limit}
	if limit > 0 {
		u.Percent = current / limit * 100
	}
	return u
}

func publishGauges(snap types.ResourceSnapshot) {
	for _, kind := range []types.ResourceKind{
		types.ResourceContainers, types.ResourceCPU, types.ResourceMemory, types.ResourcePorts,
	} {
		u := snap.Usage(kind)
		metrics.ResourceUsagePercent.WithLabelValues(string(kind)).Set(u.Percent)
		metrics.ResourceCurrent.WithLabelValues(string(kind)).Set(u.Current)
		metrics.ResourceLimit.WithLabelValues(string(kind)).Set(u.Limit)
	}
}
