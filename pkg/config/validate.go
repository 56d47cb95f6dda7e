package config

import (
	"fmt"
	"sort"
	"strings"

	"github.com/docker/go-units"
)

// blockedPorts are well-known service ports that must never appear in
// the API, direct-test or challenge range configuration. Claiming one
// of these would shadow a host service.
var blockedPorts = map[int]string{
	22:    "ssh",
	25:    "smtp",
	53:    "dns",
	111:   "rpcbind",
	135:   "msrpc",
	139:   "netbios",
	445:   "smb",
	3306:  "mysql",
	5432:  "postgres",
	6379:  "redis",
	27017: "mongodb",
}

// ValidationError names the offending field so callers can fail fast
// with an actionable message.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Validate checks the snapshot for internal consistency.
func (c *Config) Validate() error {
	if c.DefaultLifetimeSec <= 0 {
		return invalid("LEAVE_TIME", "must be positive, got %d", c.DefaultLifetimeSec)
	}
	if c.ExtensionSec <= 0 {
		return invalid("ADD_TIME", "must be positive, got %d", c.ExtensionSec)
	}
	if c.ImageName == "" {
		return invalid("IMAGES_NAME", "must not be empty")
	}

	if c.StartRange >= c.StopRange {
		return invalid("START_RANGE", "start %d must be below stop %d", c.StartRange, c.StopRange)
	}
	if c.StartRange < 1024 || c.StopRange > 65536 {
		return invalid("START_RANGE", "range [%d,%d) must sit within [1024,65536)", c.StartRange, c.StopRange)
	}

	for port, svc := range blockedPorts {
		if port >= c.StartRange && port < c.StopRange {
			return invalid("START_RANGE", "range [%d,%d) covers well-known %s port %d", c.StartRange, c.StopRange, svc, port)
		}
	}
	if svc, ok := blockedPorts[c.APIPort]; ok {
		return invalid("API_PORT", "%d is the well-known %s port", c.APIPort, svc)
	}
	if svc, ok := blockedPorts[c.DirectTestPort]; ok {
		return invalid("DIRECT_TEST_PORT", "%d is the well-known %s port", c.DirectTestPort, svc)
	}
	if c.APIPort >= c.StartRange && c.APIPort < c.StopRange {
		return invalid("API_PORT", "%d falls inside the challenge range [%d,%d)", c.APIPort, c.StartRange, c.StopRange)
	}
	if c.PortInContainer <= 0 || c.PortInContainer > 65535 {
		return invalid("PORT_IN_CONTAINER", "must be a valid TCP port, got %d", c.PortInContainer)
	}
	if svc, ok := blockedPorts[c.PortInContainer]; ok {
		return invalid("PORT_IN_CONTAINER", "%d is the well-known %s port", c.PortInContainer, svc)
	}

	if c.PoolMin <= 0 || c.PoolMin > c.PoolMax {
		return invalid("DB_POOL_MIN", "bounds %d..%d are not a valid pool range", c.PoolMin, c.PoolMax)
	}
	if c.MaintenancePoolMin <= 0 || c.MaintenancePoolMin > c.MaintenancePoolMax {
		return invalid("MAINTENANCE_POOL_MIN", "bounds %d..%d are not a valid pool range", c.MaintenancePoolMin, c.MaintenancePoolMax)
	}

	if _, err := units.RAMInBytes(c.ContainerMemoryLimit); err != nil {
		return invalid("CONTAINER_MEMORY_LIMIT", "unparseable size %q", c.ContainerMemoryLimit)
	}
	if _, err := units.RAMInBytes(c.ContainerSwapLimit); err != nil {
		return invalid("CONTAINER_SWAP_LIMIT", "unparseable size %q", c.ContainerSwapLimit)
	}
	if c.TmpfsEnable {
		if _, err := units.RAMInBytes(c.TmpfsSize); err != nil {
			return invalid("TMPFS_SIZE", "unparseable size %q", c.TmpfsSize)
		}
	}
	if _, err := units.RAMInBytes(c.MaxTotalMemory); err != nil {
		return invalid("MAX_TOTAL_MEMORY", "unparseable size %q", c.MaxTotalMemory)
	}
	if c.ContainerCPULimit <= 0 {
		return invalid("CONTAINER_CPU_LIMIT", "must be positive, got %g", c.ContainerCPULimit)
	}
	if c.ContainerPidsLimit <= 0 {
		return invalid("CONTAINER_PIDS_LIMIT", "must be positive, got %d", c.ContainerPidsLimit)
	}

	if c.MaxContainersPerWindow <= 0 {
		return invalid("MAX_CONTAINERS_PER_HOUR", "must be positive, got %d", c.MaxContainersPerWindow)
	}
	if c.RateLimitWindowSec <= 0 {
		return invalid("RATE_LIMIT_WINDOW", "must be positive, got %d", c.RateLimitWindowSec)
	}

	if c.ThreadPoolSize <= 0 {
		return invalid("THREAD_POOL_SIZE", "must be positive, got %d", c.ThreadPoolSize)
	}
	if c.MaintenanceBatchSize <= 0 {
		return invalid("MAINTENANCE_BATCH_SIZE", "must be positive, got %d", c.MaintenanceBatchSize)
	}
	if c.PortAllocationMaxAttempts <= 0 {
		return invalid("PORT_ALLOCATION_MAX_ATTEMPTS", "must be positive, got %d", c.PortAllocationMaxAttempts)
	}

	if c.EnableResourceQuotas {
		if c.MaxTotalContainers <= 0 {
			return invalid("MAX_TOTAL_CONTAINERS", "must be positive when quotas are enabled")
		}
		if c.MaxTotalCPUPercent <= 0 {
			return invalid("MAX_TOTAL_CPU_PERCENT", "must be positive when quotas are enabled")
		}
	}

	return nil
}

// MemoryLimitBytes returns the per-container memory limit in bytes.
func (c *Config) MemoryLimitBytes() int64 {
	n, _ := units.RAMInBytes(c.ContainerMemoryLimit)
	return n
}

// SwapLimitBytes returns the per-container memory+swap limit in bytes.
func (c *Config) SwapLimitBytes() int64 {
	n, _ := units.RAMInBytes(c.ContainerSwapLimit)
	return n
}

// MaxTotalMemoryBytes returns the global memory quota in bytes.
func (c *Config) MaxTotalMemoryBytes() int64 {
	n, _ := units.RAMInBytes(c.MaxTotalMemory)
	return n
}

// Serialize renders the snapshot back into env-file form, one KEY=VALUE
// per line in key order. Load(Serialize(c)) yields an identical snapshot.
func (c *Config) Serialize() string {
	kv := map[string]string{
		"IMAGES_NAME":                  c.ImageName,
		"FLAG":                         c.Flag,
		"CHALLENGE_TITLE":              c.ChallengeTitle,
		"CHALLENGE_DESCRIPTION":        c.ChallengeDescription,
		"COMPOSE_PROJECT_NAME":         c.ProjectName,
		"LEAVE_TIME":                   fmt.Sprintf("%d", c.DefaultLifetimeSec),
		"ADD_TIME":                     fmt.Sprintf("%d", c.ExtensionSec),
		"PORT_IN_CONTAINER":            fmt.Sprintf("%d", c.PortInContainer),
		"START_RANGE":                  fmt.Sprintf("%d", c.StartRange),
		"STOP_RANGE":                   fmt.Sprintf("%d", c.StopRange),
		"API_PORT":                     fmt.Sprintf("%d", c.APIPort),
		"DIRECT_TEST_PORT":             fmt.Sprintf("%d", c.DirectTestPort),
		"NETWORK_NAME":                 c.NetworkName,
		"NETWORK_SUBNET":               c.NetworkSubnet,
		"DB_HOST":                      c.DBHost,
		"DB_PORT":                      fmt.Sprintf("%d", c.DBPort),
		"DB_NAME":                      c.DBName,
		"DB_USER":                      c.DBUser,
		"DB_PASSWORD":                  c.DBPassword,
		"DB_POOL_MIN":                  fmt.Sprintf("%d", c.PoolMin),
		"DB_POOL_MAX":                  fmt.Sprintf("%d", c.PoolMax),
		"CONTAINER_MEMORY_LIMIT":       c.ContainerMemoryLimit,
		"CONTAINER_SWAP_LIMIT":         c.ContainerSwapLimit,
		"CONTAINER_CPU_LIMIT":          fmt.Sprintf("%g", c.ContainerCPULimit),
		"CONTAINER_PIDS_LIMIT":         fmt.Sprintf("%d", c.ContainerPidsLimit),
		"ENABLE_NO_NEW_PRIVILEGES":     fmt.Sprintf("%t", c.NoNewPrivileges),
		"ENABLE_READ_ONLY":             fmt.Sprintf("%t", c.ReadOnly),
		"ENABLE_TMPFS":                 fmt.Sprintf("%t", c.TmpfsEnable),
		"TMPFS_SIZE":                   c.TmpfsSize,
		"DROP_ALL_CAPABILITIES":        fmt.Sprintf("%t", c.DropAllCaps),
		"CAP_NET_BIND_SERVICE":         fmt.Sprintf("%t", c.CapNetBind),
		"CAP_CHOWN":                    fmt.Sprintf("%t", c.CapChown),
		"MAX_CONTAINERS_PER_HOUR":      fmt.Sprintf("%d", c.MaxContainersPerWindow),
		"RATE_LIMIT_WINDOW":            fmt.Sprintf("%d", c.RateLimitWindowSec),
		"THREAD_POOL_SIZE":             fmt.Sprintf("%d", c.ThreadPoolSize),
		"MAINTENANCE_INTERVAL":         fmt.Sprintf("%d", c.MaintenanceIntervalSec),
		"CONTAINER_CHECK_INTERVAL":     fmt.Sprintf("%d", c.ContainerCheckIntervalSec),
		"CAPTCHA_TTL":                  fmt.Sprintf("%d", c.CaptchaTTLSec),
		"MAINTENANCE_BATCH_SIZE":       fmt.Sprintf("%d", c.MaintenanceBatchSize),
		"MAINTENANCE_POOL_MIN":         fmt.Sprintf("%d", c.MaintenancePoolMin),
		"MAINTENANCE_POOL_MAX":         fmt.Sprintf("%d", c.MaintenancePoolMax),
		"PORT_ALLOCATION_MAX_ATTEMPTS": fmt.Sprintf("%d", c.PortAllocationMaxAttempts),
		"STALE_PORT_MAX_AGE":           fmt.Sprintf("%d", c.StalePortMaxAgeSec),
		"ENABLE_RESOURCE_QUOTAS":       fmt.Sprintf("%t", c.EnableResourceQuotas),
		"MAX_TOTAL_CONTAINERS":         fmt.Sprintf("%d", c.MaxTotalContainers),
		"MAX_TOTAL_CPU_PERCENT":        fmt.Sprintf("%g", c.MaxTotalCPUPercent),
		"MAX_TOTAL_MEMORY":             c.MaxTotalMemory,
		"RESOURCE_CHECK_INTERVAL":      fmt.Sprintf("%d", c.ResourceCheckIntervalSec),
		"RESOURCE_SOFT_LIMIT_PERCENT":  fmt.Sprintf("%g", c.ResourceSoftLimitPercent),
		"ADMIN_KEY":                    c.AdminKey,
		"ENABLE_METRICS":               fmt.Sprintf("%t", c.EnableMetrics),
		"ENABLE_LOGS_ENDPOINT":         fmt.Sprintf("%t", c.EnableLogsEndpoint),
		"BYPASS_CAPTCHA":               fmt.Sprintf("%t", c.BypassCaptcha),
		"RESTART_RESETS_LIFETIME":      fmt.Sprintf("%t", c.RestartResetsLifetime),
		"MAX_EXTENSIONS":               fmt.Sprintf("%d", c.MaxExtensions),
		"CONTAINERD_SOCKET":            c.ContainerdSocket,
		"CONTAINERD_NAMESPACE":         c.ContainerdNamespace,
		"LOCK_DIR":                     c.LockDir,
	}

	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%s\n", k, kv[k])
	}
	return b.String()
}
