package runtime

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/containers"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	"github.com/containerd/errdefs"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/ctflab/ctfdeployer/pkg/config"
	"github.com/ctflab/ctfdeployer/pkg/log"
	"github.com/ctflab/ctfdeployer/pkg/network"
	"github.com/ctflab/ctfdeployer/pkg/types"
)

const (
	// projectLabel marks containers belonging to this deployment.
	projectLabel = "ctf.project"

	// portLabel records the host port assigned at create time so Start
	// can wire the network without a store round-trip.
	portLabel = "ctf.port"

	defaultLogDir = "/var/log/ctfdeployer"

	cfsPeriod = 100000
)

// ContainerdDriver implements Driver against a containerd daemon.
type ContainerdDriver struct {
	client    *containerd.Client
	namespace string
	cfg       *config.Config
	bridge    *network.Bridge
	publisher *network.Publisher
	logDir    string

	mu      sync.Mutex
	samples map[string]cpuSample
}

type cpuSample struct {
	usage uint64 // cumulative cpu time, nanoseconds
	at    time.Time
}

// NewContainerdDriver connects to containerd and prepares the log
// directory.
func NewContainerdDriver(cfg *config.Config, bridge *network.Bridge, publisher *network.Publisher) (*ContainerdDriver, error) {
	client, err := containerd.New(cfg.ContainerdSocket)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to containerd: %w", err)
	}

	if err := os.MkdirAll(defaultLogDir, 0o750); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	return &ContainerdDriver{
		client:    client,
		namespace: cfg.ContainerdNamespace,
		cfg:       cfg,
		bridge:    bridge,
		publisher: publisher,
		logDir:    defaultLogDir,
		samples:   make(map[string]cpuSample),
	}, nil
}

// Close closes the containerd client connection.
func (d *ContainerdDriver) Close() error {
	if d.client != nil {
		return d.client.Close()
	}
	return nil
}

// Create builds a locked-down challenge container. The image is pulled
// on first use.
func (d *ContainerdDriver) Create(ctx context.Context, spec CreateSpec) (string, error) {
	ctx = namespaces.WithNamespace(ctx, d.namespace)

	image, err := d.client.GetImage(ctx, d.cfg.ImageName)
	if err != nil {
		if !errdefs.IsNotFound(err) {
			return "", d.classify("get_image", err)
		}
		image, err = d.client.Pull(ctx, d.cfg.ImageName, containerd.WithPullUnpack)
		if err != nil {
			return "", d.classify("pull_image", err)
		}
	}

	opts, err := d.specOpts(image, spec)
	if err != nil {
		return "", err
	}

	labels := map[string]string{
		projectLabel: d.cfg.ProjectName,
		portLabel:    strconv.Itoa(spec.HostPort),
	}

	container, err := d.client.NewContainer(
		ctx,
		spec.Name,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(spec.Name+"-snapshot", image),
		containerd.WithNewSpec(opts...),
		containerd.WithContainerLabels(labels),
	)
	if err != nil {
		return "", d.classify("create", err)
	}

	return container.ID(), nil
}

// specOpts assembles the OCI options from the configured limits and
// security toggles.
func (d *ContainerdDriver) specOpts(image containerd.Image, spec CreateSpec) ([]oci.SpecOpts, error) {
	memBytes := d.cfg.MemoryLimitBytes()
	swapBytes := d.cfg.SwapLimitBytes()

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithHostname(spec.Hostname),
		oci.WithEnv(spec.Env),
		oci.WithMemoryLimit(uint64(memBytes)),
		withSwapLimit(memBytes + swapBytes),
		oci.WithCPUCFS(int64(d.cfg.ContainerCPULimit*cfsPeriod), cfsPeriod),
		oci.WithPidsLimit(d.cfg.ContainerPidsLimit),
	}

	if d.cfg.NoNewPrivileges {
		opts = append(opts, oci.WithNoNewPrivileges)
	}
	if d.cfg.ReadOnly {
		opts = append(opts, oci.WithRootFSReadonly())
	}
	if d.cfg.DropAllCaps {
		caps := []string{}
		if d.cfg.CapNetBind {
			caps = append(caps, "CAP_NET_BIND_SERVICE")
		}
		if d.cfg.CapChown {
			caps = append(caps, "CAP_CHOWN")
		}
		opts = append(opts, oci.WithCapabilities(caps))
	}
	if d.cfg.TmpfsEnable {
		opts = append(opts, oci.WithMounts([]specs.Mount{
			{
				Destination: "/tmp",
				Type:        "tmpfs",
				Source:      "tmpfs",
				Options:     []string{"nosuid", "noexec", "nodev", "size=" + d.cfg.TmpfsSize},
			},
		}))
	}

	return opts, nil
}

// withSwapLimit sets the memory+swap ceiling; containerd's oci package
// has no helper for it.
func withSwapLimit(limit int64) oci.SpecOpts {
	return func(_ context.Context, _ oci.Client, _ *containers.Container, s *oci.Spec) error {
		if s.Linux == nil {
			s.Linux = &specs.Linux{}
		}
		if s.Linux.Resources == nil {
			s.Linux.Resources = &specs.LinuxResources{}
		}
		if s.Linux.Resources.Memory == nil {
			s.Linux.Resources.Memory = &specs.LinuxMemory{}
		}
		s.Linux.Resources.Memory.Swap = &limit
		return nil
	}
}

// Start runs the container task, wires it onto the bridge and
// publishes its port.
func (d *ContainerdDriver) Start(ctx context.Context, id string) error {
	ctx = namespaces.WithNamespace(ctx, d.namespace)

	container, err := d.client.LoadContainer(ctx, id)
	if err != nil {
		return d.classify("load", err)
	}

	labels, err := container.Labels(ctx)
	if err != nil {
		return d.classify("labels", err)
	}
	hostPort, err := strconv.Atoi(labels[portLabel])
	if err != nil {
		return &types.EngineError{Kind: types.EngineFatal, Op: "start", Err: fmt.Errorf("container %s has no port label", id)}
	}

	task, err := container.NewTask(ctx, cio.LogFile(d.logPath(id)))
	if err != nil {
		return d.classify("new_task", err)
	}
	if err := task.Start(ctx); err != nil {
		task.Delete(ctx, containerd.WithProcessKill)
		return d.classify("start", err)
	}

	ip := d.bridge.ContainerIP(hostPort, d.cfg.StartRange)
	if err := d.bridge.Attach(task.Pid(), ip); err != nil {
		task.Kill(ctx, syscall.SIGKILL)
		task.Delete(ctx, containerd.WithProcessKill)
		return &types.EngineError{Kind: types.EngineFatal, Op: "attach_network", Err: err}
	}
	if err := d.publisher.Publish(id, ip, hostPort, d.cfg.PortInContainer); err != nil {
		d.bridge.Detach(task.Pid())
		task.Kill(ctx, syscall.SIGKILL)
		task.Delete(ctx, containerd.WithProcessKill)
		return &types.EngineError{Kind: types.EngineFatal, Op: "publish_port", Err: err}
	}

	log.WithContainerID(id).Info().
		Int("host_port", hostPort).
		Str("container_ip", ip).
		Msg("Container started")
	return nil
}

// Stop kills the task, tearing down its network rules first. SIGTERM
// with a grace period, then SIGKILL.
func (d *ContainerdDriver) Stop(ctx context.Context, id string, timeout time.Duration) error {
	ctx = namespaces.WithNamespace(ctx, d.namespace)

	container, err := d.client.LoadContainer(ctx, id)
	if err != nil {
		return d.classify("load", err)
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		// No task means already stopped.
		d.publisher.Unpublish(id)
		return nil
	}

	d.publisher.Unpublish(id)
	d.bridge.Detach(task.Pid())

	stopCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := task.Kill(stopCtx, syscall.SIGTERM); err != nil && !errdefs.IsNotFound(err) {
		return d.classify("kill", err)
	}

	statusC, err := task.Wait(stopCtx)
	if err != nil {
		return d.classify("wait", err)
	}

	select {
	case <-statusC:
	case <-stopCtx.Done():
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil && !errdefs.IsNotFound(err) {
			return d.classify("force_kill", err)
		}
	}

	if _, err := task.Delete(ctx); err != nil && !errdefs.IsNotFound(err) {
		return d.classify("delete_task", err)
	}

	d.forgetSample(id)
	return nil
}

// Remove force-removes the container and its snapshot. A container
// that is already gone is treated as success by callers.
func (d *ContainerdDriver) Remove(ctx context.Context, id string) error {
	ctx = namespaces.WithNamespace(ctx, d.namespace)

	container, err := d.client.LoadContainer(ctx, id)
	if err != nil {
		return d.classify("load", err)
	}

	if err := d.Stop(ctx, id, 10*time.Second); err != nil && !types.IsEngineNotFound(err) {
		log.WithContainerID(id).Warn().Err(err).Msg("Failed to stop container before removal")
	}

	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		return d.classify("delete", err)
	}

	os.Remove(d.logPath(id))
	d.forgetSample(id)
	return nil
}

// IsRunning reports whether the container has a running task.
func (d *ContainerdDriver) IsRunning(ctx context.Context, id string) bool {
	ctx = namespaces.WithNamespace(ctx, d.namespace)

	container, err := d.client.LoadContainer(ctx, id)
	if err != nil {
		return false
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		return false
	}
	status, err := task.Status(ctx)
	if err != nil {
		return false
	}
	return status.Status == containerd.Running
}

// ListChallenge returns ids of containers belonging to this deployment,
// selected by project label.
func (d *ContainerdDriver) ListChallenge(ctx context.Context) ([]string, error) {
	ctx = namespaces.WithNamespace(ctx, d.namespace)

	filter := fmt.Sprintf(`labels.%q==%q`, projectLabel, d.cfg.ProjectName)
	containers, err := d.client.Containers(ctx, filter)
	if err != nil {
		return nil, d.classify("list", err)
	}

	ids := make([]string, 0, len(containers))
	for _, c := range containers {
		ids = append(ids, c.ID())
	}
	return ids, nil
}

func (d *ContainerdDriver) logPath(id string) string {
	return filepath.Join(d.logDir, id+".log")
}

func (d *ContainerdDriver) forgetSample(id string) {
	d.mu.Lock()
	delete(d.samples, id)
	d.mu.Unlock()
}

// classify maps engine errors onto the driver error taxonomy.
func (d *ContainerdDriver) classify(op string, err error) error {
	kind := types.EngineFatal
	switch {
	case errdefs.IsNotFound(err):
		kind = types.EngineNotFound
	case errdefs.IsConflict(err), errdefs.IsUnavailable(err), errdefs.IsAborted(err):
		kind = types.EngineConflict
	}
	return &types.EngineError{Kind: kind, Op: op, Err: err}
}
