package janitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctflab/ctfdeployer/pkg/config"
	"github.com/ctflab/ctfdeployer/pkg/types"
)

type fakeJanitorStore struct {
	mu         sync.Mutex
	running    []types.Container
	expired    []types.Container
	exps       map[string]int64
	containers map[string]*types.Container
}

func newFakeJanitorStore() *fakeJanitorStore {
	return &fakeJanitorStore{
		exps:       make(map[string]int64),
		containers: make(map[string]*types.Container),
	}
}

func (s *fakeJanitorStore) add(c types.Container) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := c
	s.containers[c.ID] = &cp
	s.exps[c.ID] = c.ExpirationTime
}

func (s *fakeJanitorStore) GetContainer(_ context.Context, id string) (*types.Container, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.containers[id]; ok {
		cp := *c
		return &cp, nil
	}
	return nil, types.ErrNotFound
}

func (s *fakeJanitorStore) GetExpiration(_ context.Context, id string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if exp, ok := s.exps[id]; ok {
		return exp, nil
	}
	return 0, types.ErrNotFound
}

func (s *fakeJanitorStore) ListRunning(context.Context) ([]types.Container, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.Container(nil), s.running...), nil
}

func (s *fakeJanitorStore) ListExpired(context.Context, time.Time, int) ([]types.Container, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.Container(nil), s.expired...), nil
}

type fakeReclaimer struct {
	mu        sync.Mutex
	reclaimed []string
	failFor   map[string]error
}

func (r *fakeReclaimer) ReclaimExpired(_ context.Context, c *types.Container) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reclaimed = append(r.reclaimed, c.ID)
	return r.failFor[c.ID]
}

func (r *fakeReclaimer) attempts(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, got := range r.reclaimed {
		if got == id {
			n++
		}
	}
	return n
}

type fakeSweeper struct{ swept int }

func (s *fakeSweeper) Sweep(context.Context) (int, error) {
	s.swept++
	return 0, nil
}

type fakePurger struct{ purged int }

func (p *fakePurger) Purge(context.Context) (int, error) {
	p.purged++
	return 0, nil
}

type fakePruner struct{ pruned int }

func (p *fakePruner) Prune() int {
	p.pruned++
	return 0
}

func newTestJanitor(st *fakeJanitorStore, rec *fakeReclaimer) (*Janitor, *fakeSweeper, *fakePurger, *fakePruner) {
	cfg := &config.Config{
		ThreadPoolSize:         2,
		MaintenanceIntervalSec: 300,
		MaintenanceBatchSize:   10,
	}
	sweeper := &fakeSweeper{}
	purger := &fakePurger{}
	pruner := &fakePruner{}
	j := New(cfg, st, sweeper, purger, pruner)
	j.SetReclaimer(rec)
	return j, sweeper, purger, pruner
}

func TestStartSchedulesRunningContainers(t *testing.T) {
	st := newFakeJanitorStore()
	future := time.Now().Add(time.Hour).Unix()
	st.running = []types.Container{
		{ID: "c1", ExpirationTime: future},
		{ID: "c2", ExpirationTime: future + 60},
	}
	for _, c := range st.running {
		st.add(c)
	}

	j, _, _, _ := newTestJanitor(st, &fakeReclaimer{})
	require.NoError(t, j.Start(context.Background()))
	defer j.Stop()

	j.mu.Lock()
	n := j.heap.Len()
	j.mu.Unlock()
	assert.Equal(t, 2, n)
}

func TestDispatcherReclaimsExpired(t *testing.T) {
	st := newFakeJanitorStore()
	rec := &fakeReclaimer{}
	j, _, _, _ := newTestJanitor(st, rec)

	require.NoError(t, j.Start(context.Background()))
	defer j.Stop()

	expired := types.Container{ID: "c1", Port: 9000, ExpirationTime: time.Now().Add(-time.Second).Unix()}
	st.add(expired)
	j.Schedule(expired.ID, expired.ExpirationTime)

	require.Eventually(t, func() bool {
		return rec.attempts("c1") == 1
	}, 2*time.Second, 10*time.Millisecond)
}

// An extend that lands after the watch was armed moves the deadline;
// the dispatcher re-reads the store and must not reclaim early.
func TestDispatcherHonoursExtendedExpiration(t *testing.T) {
	st := newFakeJanitorStore()
	rec := &fakeReclaimer{}
	j, _, _, _ := newTestJanitor(st, rec)

	require.NoError(t, j.Start(context.Background()))
	defer j.Stop()

	future := time.Now().Add(time.Hour).Unix()
	st.add(types.Container{ID: "c1", ExpirationTime: future})
	// The heap still holds the stale pre-extend deadline.
	j.Schedule("c1", time.Now().Add(-time.Second).Unix())

	require.Eventually(t, func() bool {
		j.mu.Lock()
		defer j.mu.Unlock()
		item, ok := j.heap.byID["c1"]
		return ok && item.expiration == future
	}, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, rec.attempts("c1"))
}

func TestCancelDropsWatch(t *testing.T) {
	st := newFakeJanitorStore()
	j, _, _, _ := newTestJanitor(st, &fakeReclaimer{})

	j.Schedule("c1", time.Now().Add(time.Hour).Unix())
	j.Cancel("c1")

	j.mu.Lock()
	n := j.heap.Len()
	j.mu.Unlock()
	assert.Zero(t, n)
}

func TestSweepOnceReclaimsBatch(t *testing.T) {
	st := newFakeJanitorStore()
	st.expired = []types.Container{
		{ID: "c1", Port: 9000},
		{ID: "c2", Port: 9001},
	}
	rec := &fakeReclaimer{}
	j, sweeper, purger, pruner := newTestJanitor(st, rec)

	j.SweepOnce(context.Background())

	assert.Equal(t, 1, rec.attempts("c1"))
	assert.Equal(t, 1, rec.attempts("c2"))
	assert.Equal(t, 1, sweeper.swept)
	assert.Equal(t, 1, purger.purged)
	assert.Equal(t, 1, pruner.pruned)
}

// A container that failed to reclaim is skipped until its dampening
// window elapses, and one failure never blocks the rest of the batch.
func TestSweepOnceDampensRepeatedFailures(t *testing.T) {
	st := newFakeJanitorStore()
	st.expired = []types.Container{
		{ID: "stuck", Port: 9000},
		{ID: "fine", Port: 9001},
	}
	rec := &fakeReclaimer{failFor: map[string]error{"stuck": errors.New("engine wedged")}}
	j, _, _, _ := newTestJanitor(st, rec)

	j.SweepOnce(context.Background())
	assert.Equal(t, 1, rec.attempts("stuck"))
	assert.Equal(t, 1, rec.attempts("fine"))

	// Within the backoff window the stuck container is not retried.
	j.SweepOnce(context.Background())
	assert.Equal(t, 1, rec.attempts("stuck"))

	// Past the window it is.
	j.mu.Lock()
	j.failures["stuck"].nextTry = time.Now().Add(-time.Second)
	j.mu.Unlock()
	j.SweepOnce(context.Background())
	assert.Equal(t, 2, rec.attempts("stuck"))
}

func TestRecordFailureBackoffCapped(t *testing.T) {
	st := newFakeJanitorStore()
	j, _, _, _ := newTestJanitor(st, &fakeReclaimer{})

	for i := 0; i < 10; i++ {
		j.recordFailure("c1", "reclaim", errors.New("boom"))
	}

	j.mu.Lock()
	st1 := j.failures["c1"]
	delay := time.Until(st1.nextTry)
	j.mu.Unlock()
	assert.Equal(t, 10, st1.count)
	assert.LessOrEqual(t, delay, maxFailureBackoff)
}
