package resources

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctflab/ctfdeployer/pkg/config"
	"github.com/ctflab/ctfdeployer/pkg/types"
)

func newMonitor(snap types.ResourceSnapshot) *Monitor {
	m := &Monitor{
		cfg: &config.Config{EnableResourceQuotas: true, ResourceCheckIntervalSec: 30},
		now: time.Now,
	}
	m.snapshot = snap
	return m
}

func TestAdmitUnderAllQuotas(t *testing.T) {
	m := newMonitor(types.ResourceSnapshot{
		Containers: usage(10, 50),
		CPU:        usage(40, 400),
		Memory:     usage(1<<30, 8<<30),
		Ports:      usage(10, 100),
	})

	assert.NoError(t, m.Admit(1))
}

func TestAdmitRejectsContainerQuota(t *testing.T) {
	m := newMonitor(types.ResourceSnapshot{
		Containers: usage(50, 50),
	})

	err := m.Admit(1)
	qe, ok := types.IsQuotaError(err)
	require.True(t, ok)
	assert.Equal(t, types.ResourceContainers, qe.Resource)
	assert.Equal(t, float64(50), qe.Current)
}

// The projection includes the containers about to be created, so the
// last free slot is still admitted but one past it is not.
func TestAdmitProjectsDelta(t *testing.T) {
	m := newMonitor(types.ResourceSnapshot{
		Containers: usage(49, 50),
	})

	assert.NoError(t, m.Admit(1))
	_, ok := types.IsQuotaError(m.Admit(2))
	assert.True(t, ok)
}

func TestAdmitRejectsSaturatedCPU(t *testing.T) {
	m := newMonitor(types.ResourceSnapshot{
		CPU: usage(400, 400),
	})

	qe, ok := types.IsQuotaError(m.Admit(1))
	require.True(t, ok)
	assert.Equal(t, types.ResourceCPU, qe.Resource)
}

func TestAdmitRejectsSaturatedMemory(t *testing.T) {
	m := newMonitor(types.ResourceSnapshot{
		Memory: usage(8<<30, 8<<30),
	})

	qe, ok := types.IsQuotaError(m.Admit(1))
	require.True(t, ok)
	assert.Equal(t, types.ResourceMemory, qe.Resource)
}

// A saturated port pool is the allocator's failure to report at
// reservation time, never a quota rejection.
func TestAdmitIgnoresExhaustedPorts(t *testing.T) {
	m := newMonitor(types.ResourceSnapshot{
		Ports: usage(100, 100),
	})

	assert.NoError(t, m.Admit(1))
}

func TestAdmitDisabledQuotas(t *testing.T) {
	m := newMonitor(types.ResourceSnapshot{
		Containers: usage(50, 50),
		CPU:        usage(400, 400),
	})
	m.cfg.EnableResourceQuotas = false

	assert.NoError(t, m.Admit(1))
}

// Unset limits never reject, whatever the current usage reads.
func TestAdmitIgnoresZeroLimits(t *testing.T) {
	m := newMonitor(types.ResourceSnapshot{
		Containers: usage(1000, 0),
		CPU:        usage(900, 0),
		Memory:     usage(1<<40, 0),
	})

	assert.NoError(t, m.Admit(1))
}

func TestUsagePercent(t *testing.T) {
	u := usage(25, 100)
	assert.Equal(t, float64(25), u.Percent)

	u = usage(25, 0)
	assert.Equal(t, float64(0), u.Percent)
}
