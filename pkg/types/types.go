package types

import (
	"time"
)

// Container is a single challenge instance owned by one participant.
// The id is assigned by the container engine and is the primary key in
// the store.
type Container struct {
	ID             string          `db:"id"`
	Port           int             `db:"port"`
	StartTime      int64           `db:"start_time"` // epoch seconds
	ExpirationTime int64           `db:"expiration_time"`
	UserUUID       string          `db:"user_uuid"`
	IPAddress      string          `db:"ip_address"`
	Status         ContainerStatus `db:"status"`
}

// ContainerStatus is the lifecycle state of a challenge container.
type ContainerStatus string

const (
	StatusRunning ContainerStatus = "running"
	StatusStopped ContainerStatus = "stopped"
	StatusRemoved ContainerStatus = "removed"
)

// Expired reports whether the container's lifetime has elapsed at t.
func (c *Container) Expired(t time.Time) bool {
	return c.ExpirationTime <= t.Unix()
}

// TimeLeft returns the remaining lifetime in seconds, never negative.
func (c *Container) TimeLeft(t time.Time) int64 {
	left := c.ExpirationTime - t.Unix()
	if left < 0 {
		return 0
	}
	return left
}

// PortAllocation is one row of the port reservation table. The table is
// pre-populated with every port of the configured range; Allocated flips
// as containers come and go.
type PortAllocation struct {
	Port        int
	Allocated   bool
	ContainerID string // empty when free
	AllocatedAt int64  // epoch seconds, zero when free
}

// IPRequest records one admitted deploy from a source address, used by
// the sliding-window rate limiter.
type IPRequest struct {
	IPAddress   string
	RequestTime int64
}

// ContainerView is the externally visible snapshot of a container,
// returned by the API. It is a value copy, never shared mutable state.
type ContainerView struct {
	ID             string `json:"id"`
	FullID         string `json:"full_id"`
	Port           int    `json:"port"`
	StartTime      int64  `json:"start_time"`
	ExpirationTime int64  `json:"expiration_time"`
	TimeLeft       int64  `json:"time_left"`
	Running        bool   `json:"running"`
	Status         string `json:"status"`
	UserUUID       string `json:"user_uuid"`
	IPAddress      string `json:"ip_address"`
}

// View builds a ContainerView from a Container at time t. The short id
// mirrors the engine's presentation (12 chars).
func (c *Container) View(t time.Time) ContainerView {
	short := c.ID
	if len(short) > 12 {
		short = short[:12]
	}
	return ContainerView{
		ID:             short,
		FullID:         c.ID,
		Port:           c.Port,
		StartTime:      c.StartTime,
		ExpirationTime: c.ExpirationTime,
		TimeLeft:       c.TimeLeft(t),
		Running:        c.Status == StatusRunning,
		Status:         string(c.Status),
		UserUUID:       c.UserUUID,
		IPAddress:      c.IPAddress,
	}
}

// ResourceKind names a globally quota'd resource class.
type ResourceKind string

const (
	ResourceContainers ResourceKind = "containers"
	ResourceCPU        ResourceKind = "cpu"
	ResourceMemory     ResourceKind = "memory"
	ResourcePorts      ResourceKind = "ports"
)

// ResourceUsage is the usage of a single resource class against its
// configured limit.
type ResourceUsage struct {
	Current float64 `json:"current"`
	Limit   float64 `json:"limit"`
	Percent float64 `json:"percent"`
}

// ResourceSnapshot is a read-mostly snapshot of global usage, refreshed
// periodically by the resource monitor.
type ResourceSnapshot struct {
	Containers  ResourceUsage `json:"containers"`
	CPU         ResourceUsage `json:"cpu"`
	Memory      ResourceUsage `json:"memory"`
	Ports       ResourceUsage `json:"ports"`
	LastUpdated int64         `json:"last_updated"`
}

// Usage returns the snapshot entry for the given resource kind.
func (s *ResourceSnapshot) Usage(kind ResourceKind) ResourceUsage {
	switch kind {
	case ResourceContainers:
		return s.Containers
	case ResourceCPU:
		return s.CPU
	case ResourceMemory:
		return s.Memory
	case ResourcePorts:
		return s.Ports
	}
	return ResourceUsage{}
}

// ContainerStats is a point-in-time engine reading for one container.
type ContainerStats struct {
	ContainerID string
	CPUPercent  float64
	MemoryBytes uint64
}

// PoolStats describes a database connection pool for the admin surface.
type PoolStats struct {
	Status          string `json:"status"`
	FreeConnections int    `json:"free_connections"`
	MaxConnections  int    `json:"max_connections"`
}
