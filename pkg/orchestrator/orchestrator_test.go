package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctflab/ctfdeployer/pkg/config"
	"github.com/ctflab/ctfdeployer/pkg/runtime"
	"github.com/ctflab/ctfdeployer/pkg/types"
)

type fakeStore struct {
	byUser    map[string]*types.Container
	inserted  []*types.Container
	statuses  map[string]types.ContainerStatus
	exps      map[string]int64
	insertErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		byUser:   make(map[string]*types.Container),
		statuses: make(map[string]types.ContainerStatus),
		exps:     make(map[string]int64),
	}
}

func (s *fakeStore) InsertContainer(_ context.Context, c *types.Container) error {
	if s.insertErr != nil {
		return s.insertErr
	}
	cp := *c
	s.inserted = append(s.inserted, &cp)
	s.byUser[c.UserUUID] = &cp
	return nil
}

func (s *fakeStore) GetRunningByUser(_ context.Context, userUUID string) (*types.Container, error) {
	if c, ok := s.byUser[userUUID]; ok {
		cp := *c
		return &cp, nil
	}
	return nil, types.ErrNotFound
}

func (s *fakeStore) TransitionStatus(_ context.Context, id string, status types.ContainerStatus) (bool, error) {
	if prev, terminal := s.statuses[id]; terminal && prev != types.StatusRunning {
		return false, nil
	}
	s.statuses[id] = status
	for user, c := range s.byUser {
		if c.ID == id && status != types.StatusRunning {
			delete(s.byUser, user)
		}
	}
	return true, nil
}

func (s *fakeStore) UpdateExpiration(_ context.Context, id string, exp int64) error {
	s.exps[id] = exp
	for _, c := range s.byUser {
		if c.ID == id {
			c.ExpirationTime = exp
		}
	}
	return nil
}

type fakePorts struct {
	next       int
	reserveErr error
	reserved   []int
	released   []int
	rebound    map[int]string
}

func newFakePorts() *fakePorts {
	return &fakePorts{next: 9000, rebound: make(map[int]string)}
}

func (p *fakePorts) Reserve(_ context.Context, _ string) (int, error) {
	if p.reserveErr != nil {
		return 0, p.reserveErr
	}
	port := p.next
	p.next++
	p.reserved = append(p.reserved, port)
	return port, nil
}

func (p *fakePorts) Rebind(_ context.Context, port int, id string) error {
	p.rebound[port] = id
	return nil
}

func (p *fakePorts) Release(_ context.Context, port int) error {
	p.released = append(p.released, port)
	return nil
}

type fakeQuota struct{ err error }

func (q *fakeQuota) Admit(int) error { return q.err }

type fakeRate struct{ err error }

func (r *fakeRate) Admit(context.Context, string) error { return r.err }

type fakeCaptcha struct{ err error }

func (c *fakeCaptcha) Verify(context.Context, string, string) error { return c.err }

type fakeMonitors struct {
	scheduled map[string]int64
	cancelled []string
}

func newFakeMonitors() *fakeMonitors {
	return &fakeMonitors{scheduled: make(map[string]int64)}
}

func (m *fakeMonitors) Schedule(id string, exp int64)   { m.scheduled[id] = exp }
func (m *fakeMonitors) Reschedule(id string, exp int64) { m.scheduled[id] = exp }
func (m *fakeMonitors) Cancel(id string) {
	m.cancelled = append(m.cancelled, id)
	delete(m.scheduled, id)
}

type fakeDriver struct {
	seq       int
	createErr error
	startErr  error
	removeErr error
	created   []runtime.CreateSpec
	removed   []string
}

func (d *fakeDriver) Create(_ context.Context, spec runtime.CreateSpec) (string, error) {
	if d.createErr != nil {
		return "", d.createErr
	}
	d.seq++
	d.created = append(d.created, spec)
	return fmt.Sprintf("engine-%d", d.seq), nil
}

func (d *fakeDriver) Start(context.Context, string) error { return d.startErr }

func (d *fakeDriver) Stop(context.Context, string, time.Duration) error { return nil }

func (d *fakeDriver) Remove(_ context.Context, id string) error {
	if d.removeErr != nil {
		return d.removeErr
	}
	d.removed = append(d.removed, id)
	return nil
}

func (d *fakeDriver) IsRunning(context.Context, string) bool { return true }

func (d *fakeDriver) Logs(context.Context, string, int, time.Time) ([]string, error) {
	return nil, nil
}

func (d *fakeDriver) Stats(context.Context, string) (*types.ContainerStats, error) {
	return &types.ContainerStats{}, nil
}

func (d *fakeDriver) ListChallenge(context.Context) ([]string, error) { return nil, nil }

func (d *fakeDriver) Close() error { return nil }

type fixture struct {
	orch     *Orchestrator
	store    *fakeStore
	ports    *fakePorts
	quota    *fakeQuota
	rate     *fakeRate
	captcha  *fakeCaptcha
	monitors *fakeMonitors
	driver   *fakeDriver
	cfg      *config.Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    newFakeStore(),
		ports:    newFakePorts(),
		quota:    &fakeQuota{},
		rate:     &fakeRate{},
		captcha:  &fakeCaptcha{},
		monitors: newFakeMonitors(),
		driver:   &fakeDriver{},
		cfg: &config.Config{
			ProjectName:        "ctf_task",
			Flag:               "CTF{test}",
			DefaultLifetimeSec: 60,
			ExtensionSec:       30,
		},
	}
	f.orch = New(f.cfg, f.store, f.ports, f.driver, f.quota, f.rate, f.captcha, f.monitors)
	return f
}

func TestDeployHappyPath(t *testing.T) {
	f := newFixture(t)
	f.orch.now = func() time.Time { return time.Unix(1000, 0) }

	c, err := f.orch.Deploy(context.Background(), "u1", "10.0.0.1", "k1", "7")
	require.NoError(t, err)

	assert.Equal(t, 9000, c.Port)
	assert.Equal(t, int64(1000), c.StartTime)
	assert.Equal(t, int64(1060), c.ExpirationTime)
	assert.Equal(t, types.StatusRunning, c.Status)

	require.Len(t, f.driver.created, 1)
	spec := f.driver.created[0]
	assert.Contains(t, spec.Name, "ctf_task_session_")
	assert.Contains(t, spec.Hostname, "ctf-challenge-")
	assert.Contains(t, spec.Env, "FLAG=CTF{test}")
	assert.Equal(t, 9000, spec.HostPort)

	assert.Equal(t, c.ID, f.ports.rebound[9000])
	assert.Equal(t, c.ExpirationTime, f.monitors.scheduled[c.ID])
	require.Len(t, f.store.inserted, 1)
}

func TestDeployCaptchaInvalid(t *testing.T) {
	f := newFixture(t)
	f.captcha.err = types.ErrCaptchaInvalid

	_, err := f.orch.Deploy(context.Background(), "u1", "10.0.0.1", "k1", "bad")
	assert.ErrorIs(t, err, types.ErrCaptchaInvalid)
	assert.Empty(t, f.ports.reserved)
	assert.Empty(t, f.driver.created)
}

func TestDeployRateLimited(t *testing.T) {
	f := newFixture(t)
	f.rate.err = types.ErrRateLimited

	_, err := f.orch.Deploy(context.Background(), "u1", "10.0.0.1", "k1", "7")
	assert.ErrorIs(t, err, types.ErrRateLimited)
	assert.Empty(t, f.ports.reserved)
}

func TestDeployAlreadyOwns(t *testing.T) {
	f := newFixture(t)
	f.store.byUser["u1"] = &types.Container{ID: "existing", UserUUID: "u1", Status: types.StatusRunning}

	_, err := f.orch.Deploy(context.Background(), "u1", "10.0.0.1", "k1", "7")
	assert.ErrorIs(t, err, types.ErrAlreadyOwns)
	assert.Empty(t, f.ports.reserved)
}

func TestDeployQuotaRejected(t *testing.T) {
	f := newFixture(t)
	f.quota.err = &types.QuotaError{Resource: types.ResourceContainers, Current: 50, Limit: 50}

	_, err := f.orch.Deploy(context.Background(), "u1", "10.0.0.1", "k1", "7")
	_, ok := types.IsQuotaError(err)
	assert.True(t, ok)
	assert.Empty(t, f.ports.reserved)
}

func TestDeployPortPoolFull(t *testing.T) {
	f := newFixture(t)
	f.ports.reserveErr = types.ErrPortPoolFull

	_, err := f.orch.Deploy(context.Background(), "u1", "10.0.0.1", "k1", "7")
	assert.ErrorIs(t, err, types.ErrPortPoolFull)
	assert.Empty(t, f.driver.created)
}

// Engine create failure must release the reserved port.
func TestDeployEngineFailureUnwindsPort(t *testing.T) {
	f := newFixture(t)
	f.driver.createErr = &types.EngineError{Kind: types.EngineFatal, Op: "create", Err: errors.New("boom")}

	_, err := f.orch.Deploy(context.Background(), "u1", "10.0.0.1", "k1", "7")
	require.Error(t, err)
	assert.Equal(t, []int{9000}, f.ports.released)
	assert.Empty(t, f.store.inserted)
}

// Store insert failure must remove the engine container and release
// the port.
func TestDeployInsertFailureUnwindsEngineAndPort(t *testing.T) {
	f := newFixture(t)
	f.store.insertErr = errors.New("insert failed")

	_, err := f.orch.Deploy(context.Background(), "u1", "10.0.0.1", "k1", "7")
	require.Error(t, err)
	assert.Equal(t, []string{"engine-1"}, f.driver.removed)
	assert.Equal(t, []int{9000}, f.ports.released)
}

// Two deploys racing past the ownership read both reach the insert;
// the loser gets the ownership error from the store and unwinds its
// engine container and port.
func TestDeployConcurrentOwnershipLoserUnwinds(t *testing.T) {
	f := newFixture(t)
	f.store.insertErr = types.ErrAlreadyOwns

	_, err := f.orch.Deploy(context.Background(), "u1", "10.0.0.1", "k1", "7")
	assert.ErrorIs(t, err, types.ErrAlreadyOwns)
	assert.Equal(t, []string{"engine-1"}, f.driver.removed)
	assert.Equal(t, []int{9000}, f.ports.released)
}

func TestStop(t *testing.T) {
	f := newFixture(t)
	f.store.byUser["u1"] = &types.Container{
		ID: "c1", Port: 9000, UserUUID: "u1", Status: types.StatusRunning,
	}

	require.NoError(t, f.orch.Stop(context.Background(), "u1"))

	assert.Equal(t, types.StatusStopped, f.store.statuses["c1"])
	assert.Equal(t, []int{9000}, f.ports.released)
	assert.Equal(t, []string{"c1"}, f.driver.removed)
	assert.Equal(t, []string{"c1"}, f.monitors.cancelled)
}

func TestStopWithoutContainer(t *testing.T) {
	f := newFixture(t)
	err := f.orch.Stop(context.Background(), "nobody")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

// An engine container that already vanished is fine for stop.
func TestStopToleratesMissingEngineContainer(t *testing.T) {
	f := newFixture(t)
	f.store.byUser["u1"] = &types.Container{ID: "c1", Port: 9000, UserUUID: "u1"}
	f.driver.removeErr = &types.EngineError{Kind: types.EngineNotFound, Op: "delete", Err: errors.New("gone")}

	require.NoError(t, f.orch.Stop(context.Background(), "u1"))
	assert.Equal(t, types.StatusStopped, f.store.statuses["c1"])
}

func TestExtendFromFutureExpiration(t *testing.T) {
	f := newFixture(t)
	f.orch.now = func() time.Time { return time.Unix(1000, 0) }
	f.store.byUser["u1"] = &types.Container{
		ID: "c1", StartTime: 940, ExpirationTime: 1060, UserUUID: "u1",
	}

	newExp, err := f.orch.Extend(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1090), newExp)
	assert.Equal(t, int64(1090), f.monitors.scheduled["c1"])
}

// An expired-but-unreaped container extends from now, not from the
// stale expiration.
func TestExtendAnchorsAtNow(t *testing.T) {
	f := newFixture(t)
	f.orch.now = func() time.Time { return time.Unix(2000, 0) }
	f.store.byUser["u1"] = &types.Container{
		ID: "c1", StartTime: 940, ExpirationTime: 1060, UserUUID: "u1",
	}

	newExp, err := f.orch.Extend(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(2030), newExp)
}

func TestExtendLimitEnforced(t *testing.T) {
	f := newFixture(t)
	f.cfg.MaxExtensions = 2
	f.orch.now = func() time.Time { return time.Unix(1000, 0) }
	// Two extensions already applied: 60 base + 2*30.
	f.store.byUser["u1"] = &types.Container{
		ID: "c1", StartTime: 900, ExpirationTime: 1020, UserUUID: "u1",
	}

	_, err := f.orch.Extend(context.Background(), "u1")
	assert.Error(t, err)
}

func TestRestartPreservesExpiration(t *testing.T) {
	f := newFixture(t)
	f.orch.now = func() time.Time { return time.Unix(1000, 0) }
	f.store.byUser["u1"] = &types.Container{
		ID: "old", Port: 9000, StartTime: 900, ExpirationTime: 1050,
		UserUUID: "u1", IPAddress: "10.0.0.1", Status: types.StatusRunning,
	}

	c, err := f.orch.Restart(context.Background(), "u1")
	require.NoError(t, err)

	assert.Equal(t, int64(1050), c.ExpirationTime)
	assert.Equal(t, 9000, c.Port)
	assert.NotEqual(t, "old", c.ID)
	assert.Equal(t, types.StatusRemoved, f.store.statuses["old"])
	assert.Equal(t, []string{"old"}, f.driver.removed)
	assert.Equal(t, c.ExpirationTime, f.monitors.scheduled[c.ID])
	// The port stays reserved across the restart.
	assert.Empty(t, f.ports.released)
}

func TestRestartResetsLifetimeWhenConfigured(t *testing.T) {
	f := newFixture(t)
	f.cfg.RestartResetsLifetime = true
	f.orch.now = func() time.Time { return time.Unix(1000, 0) }
	f.store.byUser["u1"] = &types.Container{
		ID: "old", Port: 9000, StartTime: 900, ExpirationTime: 1050, UserUUID: "u1",
	}

	c, err := f.orch.Restart(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1060), c.ExpirationTime)
}

func TestReclaimExpired(t *testing.T) {
	f := newFixture(t)
	c := &types.Container{ID: "c1", Port: 9000, UserUUID: "u1", StartTime: 100}

	require.NoError(t, f.orch.ReclaimExpired(context.Background(), c))
	assert.Equal(t, types.StatusRemoved, f.store.statuses["c1"])
	assert.Equal(t, []int{9000}, f.ports.released)
}

// The expiration monitor and the sweeper can hand the same container
// to reclaim; only the first transition applies teardown, the loser is
// a no-op rather than a second port release and monitor cancel.
func TestReclaimExpiredTwiceTearsDownOnce(t *testing.T) {
	f := newFixture(t)
	c := &types.Container{ID: "c1", Port: 9000, UserUUID: "u1", StartTime: 100}

	require.NoError(t, f.orch.ReclaimExpired(context.Background(), c))
	require.NoError(t, f.orch.ReclaimExpired(context.Background(), c))

	assert.Equal(t, []int{9000}, f.ports.released)
	assert.Equal(t, []string{"c1"}, f.monitors.cancelled)
}

// A stop followed by an expiry reclaim of the same container must not
// tear down twice either.
func TestStopThenReclaimIsNoOp(t *testing.T) {
	f := newFixture(t)
	c := &types.Container{ID: "c1", Port: 9000, UserUUID: "u1", Status: types.StatusRunning}
	f.store.byUser["u1"] = c

	require.NoError(t, f.orch.Stop(context.Background(), "u1"))
	require.NoError(t, f.orch.ReclaimExpired(context.Background(), c))

	assert.Equal(t, types.StatusStopped, f.store.statuses["c1"])
	assert.Equal(t, []int{9000}, f.ports.released)
}

func TestGetOwned(t *testing.T) {
	f := newFixture(t)
	f.orch.now = func() time.Time { return time.Unix(1000, 0) }
	f.store.byUser["u1"] = &types.Container{
		ID: "abcdefghijklmnop", Port: 9000, StartTime: 900, ExpirationTime: 1060,
		UserUUID: "u1", Status: types.StatusRunning,
	}

	view, err := f.orch.GetOwned(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "abcdefghijkl", view.ID)
	assert.Equal(t, "abcdefghijklmnop", view.FullID)
	assert.Equal(t, int64(60), view.TimeLeft)
	assert.True(t, view.Running)

	_, err = f.orch.GetOwned(context.Background(), "stranger")
	assert.ErrorIs(t, err, types.ErrNotFound)
}
