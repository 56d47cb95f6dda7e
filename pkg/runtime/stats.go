package runtime

import (
	"context"
	"fmt"
	"time"

	v1 "github.com/containerd/cgroups/stats/v1"
	v2 "github.com/containerd/cgroups/v2/stats"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/typeurl/v2"

	"github.com/ctflab/ctfdeployer/pkg/types"
)

// Stats returns a point-in-time cpu/memory reading for one container.
// CPU percent is computed against the previous sample for this
// container; the first reading reports zero.
func (d *ContainerdDriver) Stats(ctx context.Context, id string) (*types.ContainerStats, error) {
	ctx = namespaces.WithNamespace(ctx, d.namespace)

	container, err := d.client.LoadContainer(ctx, id)
	if err != nil {
		return nil, d.classify("load", err)
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		return nil, d.classify("task", err)
	}

	metric, err := task.Metrics(ctx)
	if err != nil {
		return nil, d.classify("metrics", err)
	}

	data, err := typeurl.UnmarshalAny(metric.Data)
	if err != nil {
		return nil, &types.EngineError{Kind: types.EngineFatal, Op: "decode_metrics", Err: err}
	}

	var cpuNanos, memBytes uint64
	switch m := data.(type) {
	case *v1.Metrics:
		if m.CPU != nil && m.CPU.Usage != nil {
			cpuNanos = m.CPU.Usage.Total
		}
		if m.Memory != nil && m.Memory.Usage != nil {
			memBytes = m.Memory.Usage.Usage
		}
	case *v2.Metrics:
		if m.CPU != nil {
			cpuNanos = m.CPU.UsageUsec * 1000
		}
		if m.Memory != nil {
			memBytes = m.Memory.Usage
		}
	default:
		return nil, &types.EngineError{Kind: types.EngineFatal, Op: "decode_metrics",
			Err: fmt.Errorf("unexpected metrics type %T", data)}
	}

	now := time.Now()
	d.mu.Lock()
	prev, seen := d.samples[id]
	d.samples[id] = cpuSample{usage: cpuNanos, at: now}
	d.mu.Unlock()

	var cpuPercent float64
	if seen && cpuNanos > prev.usage {
		wall := now.Sub(prev.at)
		if wall > 0 {
			cpuPercent = float64(cpuNanos-prev.usage) / float64(wall.Nanoseconds()) * 100
		}
	}

	return &types.ContainerStats{
		ContainerID: id,
		CPUPercent:  cpuPercent,
		MemoryBytes: memBytes,
	}, nil
}
