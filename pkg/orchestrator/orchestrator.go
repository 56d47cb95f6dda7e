// Package orchestrator composes captcha, rate limiting, quotas, port
// allocation, the container engine and the store into the public
// deploy/stop/restart/extend operations.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ctflab/ctfdeployer/pkg/config"
	"github.com/ctflab/ctfdeployer/pkg/log"
	"github.com/ctflab/ctfdeployer/pkg/metrics"
	"github.com/ctflab/ctfdeployer/pkg/runtime"
	"github.com/ctflab/ctfdeployer/pkg/types"
)

const defaultOpTimeout = 60 * time.Second

// ContainerStore is the slice of the store the orchestrator needs.
type ContainerStore interface {
	InsertContainer(ctx context.Context, c *types.Container) error
	GetRunningByUser(ctx context.Context, userUUID string) (*types.Container, error)
	TransitionStatus(ctx context.Context, id string, status types.ContainerStatus) (bool, error)
	UpdateExpiration(ctx context.Context, id string, expiration int64) error
}

// PortReserver hands out and returns host ports.
type PortReserver interface {
	Reserve(ctx context.Context, containerID string) (int, error)
	Rebind(ctx context.Context, port int, containerID string) error
	Release(ctx context.Context, port int) error
}

// QuotaAdmitter gates deployments on global resource quotas.
type QuotaAdmitter interface {
	Admit(expectedDelta int) error
}

// RateAdmitter gates deployments per source address.
type RateAdmitter interface {
	Admit(ctx context.Context, ip string) error
}

// CaptchaVerifier consumes a captcha answer.
type CaptchaVerifier interface {
	Verify(ctx context.Context, id, answer string) error
}

// MonitorScheduler manages per-container expiration watchers.
type MonitorScheduler interface {
	Schedule(containerID string, expiration int64)
	Reschedule(containerID string, expiration int64)
	Cancel(containerID string)
}

// Orchestrator is the single entry point for container lifecycle
// operations. All methods are safe for concurrent use; cross-request
// atomicity rests on the store.
type Orchestrator struct {
	cfg       *config.Config
	store     ContainerStore
	ports     PortReserver
	driver    runtime.Driver
	quota     QuotaAdmitter
	rate      RateAdmitter
	captcha   CaptchaVerifier
	monitors  MonitorScheduler
	opTimeout time.Duration

	now func() time.Time
}

// New wires an Orchestrator.
func New(cfg *config.Config, st ContainerStore, pr PortReserver, driver runtime.Driver,
	quota QuotaAdmitter, rate RateAdmitter, captcha CaptchaVerifier, monitors MonitorScheduler) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		store:     st,
		ports:     pr,
		driver:    driver,
		quota:     quota,
		rate:      rate,
		captcha:   captcha,
		monitors:  monitors,
		opTimeout: defaultOpTimeout,
		now:       time.Now,
	}
}

// Deploy admits and creates a challenge container for the user. Any
// failure unwinds the reservations made so far.
func (o *Orchestrator) Deploy(ctx context.Context, userUUID, ip, captchaID, answer string) (*types.Container, error) {
	ctx, cancel := context.WithTimeout(ctx, o.opTimeout)
	defer cancel()

	timer := metrics.NewTimer()
	logger := log.WithUserUUID(userUUID)

	if err := o.captcha.Verify(ctx, captchaID, answer); err != nil {
		metrics.ErrorsTotal.WithLabelValues("captcha").Inc()
		return nil, err
	}
	if err := o.rate.Admit(ctx, ip); err != nil {
		if errors.Is(err, types.ErrRateLimited) {
			metrics.ErrorsTotal.WithLabelValues("rate_limit").Inc()
		}
		return nil, err
	}
	if _, err := o.store.GetRunningByUser(ctx, userUUID); err == nil {
		return nil, types.ErrAlreadyOwns
	} else if !errors.Is(err, types.ErrNotFound) {
		return nil, err
	}
	if err := o.quota.Admit(1); err != nil {
		return nil, err
	}

	session := strings.ReplaceAll(uuid.New().String(), "-", "_")
	name := fmt.Sprintf("%s_session_%s", o.cfg.ProjectName, session)

	// Reserve under a placeholder owner; rebound to the engine id once
	// the row is authoritative.
	placeholder := "pending-" + session
	port, err := o.ports.Reserve(ctx, placeholder)
	if err != nil {
		return nil, err
	}

	spec := runtime.CreateSpec{
		Name:     name,
		Hostname: "ctf-challenge-" + shortSession(session),
		HostPort: port,
		Env:      []string{"FLAG=" + o.cfg.Flag},
	}

	id, err := o.driver.Create(ctx, spec)
	if err != nil {
		o.unwindPort(ctx, port)
		metrics.ErrorsTotal.WithLabelValues("engine").Inc()
		return nil, err
	}
	if err := o.driver.Start(ctx, id); err != nil {
		o.unwindEngine(ctx, id)
		o.unwindPort(ctx, port)
		metrics.ErrorsTotal.WithLabelValues("engine").Inc()
		return nil, err
	}

	now := o.now().Unix()
	container := &types.Container{
		ID:             id,
		Port:           port,
		StartTime:      now,
		ExpirationTime: now + o.cfg.DefaultLifetimeSec,
		UserUUID:       userUUID,
		IPAddress:      ip,
		Status:         types.StatusRunning,
	}
	if err := o.store.InsertContainer(ctx, container); err != nil {
		o.unwindEngine(ctx, id)
		o.unwindPort(ctx, port)
		metrics.ErrorsTotal.WithLabelValues("store").Inc()
		return nil, err
	}

	if err := o.ports.Rebind(ctx, port, id); err != nil {
		// The container row is authoritative; the janitor reconciles
		// the stale placeholder owner on its next pass.
		logger.Warn().Err(err).Int("port", port).Msg("Failed to rebind port reservation")
	}

	o.monitors.Schedule(id, container.ExpirationTime)

	metrics.ContainerDeploymentsTotal.Inc()
	metrics.ActiveContainers.Inc()
	timer.ObserveDuration(metrics.ContainerDeploymentDuration)

	logger.Info().
		Str("container_id", id).
		Int("port", port).
		Int64("expires", container.ExpirationTime).
		Msg("Container deployed")
	return container, nil
}

// Stop removes the user's running container.
func (o *Orchestrator) Stop(ctx context.Context, userUUID string) error {
	ctx, cancel := context.WithTimeout(ctx, o.opTimeout)
	defer cancel()

	c, err := o.store.GetRunningByUser(ctx, userUUID)
	if err != nil {
		return err
	}

	return o.reclaim(ctx, c, types.StatusStopped)
}

// reclaim tears one container down: engine removal (a missing
// container is fine), store transition, port release, monitor cancel.
// The monitor and the sweeper can race on the same expired container;
// whoever wins the status transition owns the teardown effects.
func (o *Orchestrator) reclaim(ctx context.Context, c *types.Container, to types.ContainerStatus) error {
	if err := o.driver.Remove(ctx, c.ID); err != nil && !types.IsEngineNotFound(err) {
		return err
	}
	claimed, err := o.store.TransitionStatus(ctx, c.ID, to)
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}
	if err := o.ports.Release(ctx, c.Port); err != nil {
		return err
	}
	o.monitors.Cancel(c.ID)

	metrics.ActiveContainers.Dec()
	metrics.ContainerLifetime.Observe(float64(o.now().Unix() - c.StartTime))

	log.WithContainerID(c.ID).Info().
		Str("status", string(to)).
		Msg("Container reclaimed")
	return nil
}

// ReclaimExpired removes a container whose lifetime elapsed. Invoked
// by the janitor's dispatcher and sweeper.
func (o *Orchestrator) ReclaimExpired(ctx context.Context, c *types.Container) error {
	return o.reclaim(ctx, c, types.StatusRemoved)
}

// Restart replaces the user's container with a fresh instance on the
// same port. Captcha and rate limit are not re-validated; the caller
// is the owner. The remaining lifetime carries over unless restarts
// are configured to reset it.
func (o *Orchestrator) Restart(ctx context.Context, userUUID string) (*types.Container, error) {
	ctx, cancel := context.WithTimeout(ctx, o.opTimeout)
	defer cancel()

	old, err := o.store.GetRunningByUser(ctx, userUUID)
	if err != nil {
		return nil, err
	}

	expiration := old.ExpirationTime
	if o.cfg.RestartResetsLifetime {
		expiration = o.now().Unix() + o.cfg.DefaultLifetimeSec
	}

	if err := o.driver.Remove(ctx, old.ID); err != nil && !types.IsEngineNotFound(err) {
		return nil, err
	}
	claimed, err := o.store.TransitionStatus(ctx, old.ID, types.StatusRemoved)
	if err != nil {
		return nil, err
	}
	if !claimed {
		// Reclaimed out from under us between the read and the
		// transition; nothing left to replace.
		return nil, types.ErrNotFound
	}
	o.monitors.Cancel(old.ID)

	session := strings.ReplaceAll(uuid.New().String(), "-", "_")
	name := fmt.Sprintf("%s_session_%s", o.cfg.ProjectName, session)
	spec := runtime.CreateSpec{
		Name:     name,
		Hostname: "ctf-challenge-" + shortSession(session),
		HostPort: old.Port,
		Env:      []string{"FLAG=" + o.cfg.Flag},
	}

	id, err := o.driver.Create(ctx, spec)
	if err != nil {
		o.unwindPort(ctx, old.Port)
		metrics.ActiveContainers.Dec()
		return nil, err
	}
	if err := o.driver.Start(ctx, id); err != nil {
		o.unwindEngine(ctx, id)
		o.unwindPort(ctx, old.Port)
		metrics.ActiveContainers.Dec()
		return nil, err
	}

	container := &types.Container{
		ID:             id,
		Port:           old.Port,
		StartTime:      o.now().Unix(),
		ExpirationTime: expiration,
		UserUUID:       userUUID,
		IPAddress:      old.IPAddress,
		Status:         types.StatusRunning,
	}
	if err := o.store.InsertContainer(ctx, container); err != nil {
		o.unwindEngine(ctx, id)
		o.unwindPort(ctx, old.Port)
		metrics.ActiveContainers.Dec()
		return nil, err
	}
	if err := o.ports.Rebind(ctx, old.Port, id); err != nil {
		log.WithUserUUID(userUUID).Warn().Err(err).Int("port", old.Port).Msg("Failed to rebind port reservation")
	}

	o.monitors.Schedule(id, expiration)
	metrics.ContainerRestarts.Inc()

	log.WithUserUUID(userUUID).Info().
		Str("container_id", id).
		Str("replaced", old.ID).
		Int("port", old.Port).
		Msg("Container restarted")
	return container, nil
}

// Extend pushes the user's container expiration out by the configured
// increment, anchored at now for already-expired-but-unreaped rows.
func (o *Orchestrator) Extend(ctx context.Context, userUUID string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, o.opTimeout)
	defer cancel()

	c, err := o.store.GetRunningByUser(ctx, userUUID)
	if err != nil {
		return 0, err
	}

	if o.cfg.MaxExtensions > 0 && o.cfg.ExtensionSec > 0 {
		used := (c.ExpirationTime - c.StartTime - o.cfg.DefaultLifetimeSec + o.cfg.ExtensionSec - 1) / o.cfg.ExtensionSec
		if used >= int64(o.cfg.MaxExtensions) {
			return 0, fmt.Errorf("extension limit reached (%d)", o.cfg.MaxExtensions)
		}
	}

	base := c.ExpirationTime
	if now := o.now().Unix(); now > base {
		base = now
	}
	newExpiration := base + o.cfg.ExtensionSec

	if err := o.store.UpdateExpiration(ctx, c.ID, newExpiration); err != nil {
		return 0, err
	}
	o.monitors.Reschedule(c.ID, newExpiration)
	metrics.ContainerExtensions.Inc()

	log.WithUserUUID(userUUID).Info().
		Str("container_id", c.ID).
		Int64("new_expiration", newExpiration).
		Msg("Container lifetime extended")
	return newExpiration, nil
}

// GetOwned returns the user's running container as a view snapshot, or
// ErrNotFound.
func (o *Orchestrator) GetOwned(ctx context.Context, userUUID string) (*types.ContainerView, error) {
	c, err := o.store.GetRunningByUser(ctx, userUUID)
	if err != nil {
		return nil, err
	}
	view := c.View(o.now())
	return &view, nil
}

func (o *Orchestrator) unwindPort(ctx context.Context, port int) {
	if err := o.ports.Release(ctx, port); err != nil {
		log.WithComponent("orchestrator").Error().Err(err).Int("port", port).Msg("Failed to release port during unwind")
	}
}

func (o *Orchestrator) unwindEngine(ctx context.Context, id string) {
	if err := o.driver.Remove(ctx, id); err != nil && !types.IsEngineNotFound(err) {
		log.WithContainerID(id).Error().Err(err).Msg("Failed to remove container during unwind")
	}
}

func shortSession(session string) string {
	if len(session) > 8 {
		return session[:8]
	}
	return session
}
