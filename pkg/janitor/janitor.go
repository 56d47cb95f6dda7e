// Package janitor reclaims expired containers. A single dispatcher
// watches a min-heap of expirations and hands due containers to a
// bounded worker pool; a periodic sweeper catches anything the
// dispatcher missed (process restarts, failed reclamations, orphaned
// reservations).
package janitor

import (
	"context"
	"sync"
	"time"

	"github.com/ctflab/ctfdeployer/pkg/config"
	"github.com/ctflab/ctfdeployer/pkg/log"
	"github.com/ctflab/ctfdeployer/pkg/types"
)

// Reclaimer tears down one expired container. Implemented by the
// orchestrator.
type Reclaimer interface {
	ReclaimExpired(ctx context.Context, c *types.Container) error
}

// JanitorStore is the slice of the store the janitor needs.
type JanitorStore interface {
	GetContainer(ctx context.Context, id string) (*types.Container, error)
	GetExpiration(ctx context.Context, id string) (int64, error)
	ListRunning(ctx context.Context) ([]types.Container, error)
	ListExpired(ctx context.Context, now time.Time, limit int) ([]types.Container, error)
}

// PortSweeper reclaims stale port reservations.
type PortSweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// WindowPurger drops aged rate-limit rows.
type WindowPurger interface {
	Purge(ctx context.Context) (int, error)
}

// CaptchaPruner drops expired captcha entries.
type CaptchaPruner interface {
	Prune() int
}

// Janitor owns the dispatcher, the worker pool and the sweeper.
type Janitor struct {
	cfg       *config.Config
	store     JanitorStore
	reclaimer Reclaimer
	ports     PortSweeper
	window    WindowPurger
	captcha   CaptchaPruner

	mu   sync.Mutex
	heap *expiryHeap

	wakeCh chan struct{}
	jobs   chan *types.Container
	stopCh chan struct{}
	wg     sync.WaitGroup

	// failures dampens retries for containers that refuse to die.
	failures map[string]*failureState

	now func() time.Time
}

type failureState struct {
	count   int
	nextTry time.Time
}

const maxFailureBackoff = 30 * time.Minute

// New builds a Janitor. The reclaimer is attached separately because
// the orchestrator and the janitor reference each other.
func New(cfg *config.Config, st JanitorStore, ports PortSweeper, window WindowPurger, captcha CaptchaPruner) *Janitor {
	return &Janitor{
		cfg:      cfg,
		store:    st,
		ports:    ports,
		window:   window,
		captcha:  captcha,
		heap:     newExpiryHeap(),
		wakeCh:   make(chan struct{}, 1),
		jobs:     make(chan *types.Container, cfg.ThreadPoolSize),
		stopCh:   make(chan struct{}),
		failures: make(map[string]*failureState),
		now:      time.Now,
	}
}

// SetReclaimer attaches the reclaimer. Must be called before Start.
func (j *Janitor) SetReclaimer(r Reclaimer) { j.reclaimer = r }

// Start launches the dispatcher, the worker pool and the sweeper, and
// schedules monitors for every container already running.
func (j *Janitor) Start(ctx context.Context) error {
	running, err := j.store.ListRunning(ctx)
	if err != nil {
		return err
	}
	for i := range running {
		j.Schedule(running[i].ID, running[i].ExpirationTime)
	}
	log.WithComponent("janitor").Info().
		Int("monitored", len(running)).
		Msg("Janitor started")

	for i := 0; i < j.cfg.ThreadPoolSize; i++ {
		j.wg.Add(1)
		go j.worker(ctx)
	}

	j.wg.Add(2)
	go j.dispatch(ctx)
	go j.sweepLoop(ctx)
	return nil
}

// Stop halts all workers. In-flight reclamations finish.
func (j *Janitor) Stop() {
	close(j.stopCh)
	j.wg.Wait()
}

// Schedule registers an expiration watch for a container.
func (j *Janitor) Schedule(containerID string, expiration int64) {
	j.mu.Lock()
	j.heap.schedule(containerID, expiration)
	j.mu.Unlock()
	j.wake()
}

// Reschedule updates the watch after an extend.
func (j *Janitor) Reschedule(containerID string, expiration int64) {
	j.Schedule(containerID, expiration)
}

// Cancel drops the watch, used by stop and restart.
func (j *Janitor) Cancel(containerID string) {
	j.mu.Lock()
	j.heap.cancel(containerID)
	j.mu.Unlock()
	j.wake()
}

func (j *Janitor) wake() {
	select {
	case j.wakeCh <- struct{}{}:
	default:
	}
}

// dispatch sleeps until the earliest expiration, then feeds due
// containers to the pool. Schedule changes interrupt the sleep.
func (j *Janitor) dispatch(ctx context.Context) {
	defer j.wg.Done()

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		j.mu.Lock()
		next := j.heap.peek()
		j.mu.Unlock()

		wait := time.Hour
		if next != nil {
			wait = time.Until(time.Unix(next.expiration, 0))
			if wait < 0 {
				wait = 0
			}
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-timer.C:
			j.fireDue(ctx)
		case <-j.wakeCh:
			// Heap changed, recompute the wait.
		case <-j.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// fireDue pops everything past due. Each container's expiration is
// re-read from the store because an extend may have advanced it after
// this watch was armed.
func (j *Janitor) fireDue(ctx context.Context) {
	j.mu.Lock()
	due := j.heap.popDue(j.now().Unix())
	j.mu.Unlock()

	for _, item := range due {
		exp, err := j.store.GetExpiration(ctx, item.containerID)
		if err != nil {
			// Gone or already reclaimed.
			continue
		}
		if exp > j.now().Unix() {
			j.Schedule(item.containerID, exp)
			continue
		}

		c, err := j.store.GetContainer(ctx, item.containerID)
		if err != nil {
			continue
		}
		select {
		case j.jobs <- c:
		case <-j.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// worker drains the reclamation queue.
func (j *Janitor) worker(ctx context.Context) {
	defer j.wg.Done()

	for {
		select {
		case c := <-j.jobs:
			j.reclaim(ctx, c)
		case <-j.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (j *Janitor) reclaim(ctx context.Context, c *types.Container) {
	if err := j.reclaimer.ReclaimExpired(ctx, c); err != nil {
		j.recordFailure(c.ID, "reclaim", err)
		return
	}
	j.clearFailure(c.ID)
}

func (j *Janitor) recordFailure(containerID, phase string, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	st := j.failures[containerID]
	if st == nil {
		st = &failureState{}
		j.failures[containerID] = st
	}
	st.count++
	backoff := j.cfg.MaintenanceInterval() * time.Duration(1<<uint(min(st.count, 6)))
	if backoff > maxFailureBackoff {
		backoff = maxFailureBackoff
	}
	st.nextTry = j.now().Add(backoff)

	log.WithContainerID(containerID).Error().
		Err(err).
		Str("phase", phase).
		Int("failures", st.count).
		Msg("Reclamation failed, will retry")
}

func (j *Janitor) clearFailure(containerID string) {
	j.mu.Lock()
	delete(j.failures, containerID)
	j.mu.Unlock()
}

// shouldRetry reports whether a previously failed container is past
// its dampening window.
func (j *Janitor) shouldRetry(containerID string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	st := j.failures[containerID]
	return st == nil || !j.now().Before(st.nextTry)
}
