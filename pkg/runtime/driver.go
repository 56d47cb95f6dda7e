// Package runtime drives the container engine for challenge instances.
package runtime

import (
	"context"
	"time"

	"github.com/ctflab/ctfdeployer/pkg/types"
)

// CreateSpec describes one challenge container to create. Resource
// limits and security flags come from the deployer configuration, not
// from the caller.
type CreateSpec struct {
	Name     string
	Hostname string
	HostPort int
	Env      []string
}

// Driver is the engine capability set the orchestrator and janitor
// depend on. The production implementation talks to containerd; tests
// substitute fakes.
type Driver interface {
	Create(ctx context.Context, spec CreateSpec) (string, error)
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string, timeout time.Duration) error
	Remove(ctx context.Context, id string) error
	IsRunning(ctx context.Context, id string) bool
	Logs(ctx context.Context, id string, tail int, since time.Time) ([]string, error)
	Stats(ctx context.Context, id string) (*types.ContainerStats, error)
	ListChallenge(ctx context.Context) ([]string, error)
	Close() error
}
