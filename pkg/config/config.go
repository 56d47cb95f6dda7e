// Package config loads and validates the deployer configuration from an
// env-style file. The snapshot is immutable after Load returns.
package config

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config is the validated configuration snapshot.
type Config struct {
	// Challenge
	ImageName            string `envconfig:"IMAGES_NAME" default:"localhost/generic_ctf_task:latest"`
	Flag                 string `envconfig:"FLAG" default:"CTF{generic_flag_for_testing}"`
	ChallengeTitle       string `envconfig:"CHALLENGE_TITLE" default:"Generic CTF Challenge"`
	ChallengeDescription string `envconfig:"CHALLENGE_DESCRIPTION" default:"Solve the challenge to find the hidden flag!"`
	ProjectName          string `envconfig:"COMPOSE_PROJECT_NAME" default:"ctf_task"`

	// Lifetime (seconds)
	DefaultLifetimeSec int64 `envconfig:"LEAVE_TIME" default:"1800"`
	ExtensionSec       int64 `envconfig:"ADD_TIME" default:"600"`

	// Ports. [StartRange, StopRange) is the host-side pool.
	PortInContainer int `envconfig:"PORT_IN_CONTAINER" default:"80"`
	StartRange      int `envconfig:"START_RANGE" default:"9000"`
	StopRange       int `envconfig:"STOP_RANGE" default:"10001"`
	APIPort         int `envconfig:"API_PORT" default:"5000"`
	DirectTestPort  int `envconfig:"DIRECT_TEST_PORT" default:"8008"`

	// Network
	NetworkName   string `envconfig:"NETWORK_NAME" default:"ctf_network"`
	NetworkSubnet string `envconfig:"NETWORK_SUBNET" default:"172.28.0.0/16"`

	// Store
	DBHost     string `envconfig:"DB_HOST" default:"127.0.0.1"`
	DBPort     int    `envconfig:"DB_PORT" default:"5432"`
	DBName     string `envconfig:"DB_NAME" default:"ctf_deployer"`
	DBUser     string `envconfig:"DB_USER" default:"ctf"`
	DBPassword string `envconfig:"DB_PASSWORD" required:"true"`
	PoolMin    int    `envconfig:"DB_POOL_MIN" default:"5"`
	PoolMax    int    `envconfig:"DB_POOL_MAX" default:"20"`

	// Per-container limits. Sizes accept engine notation ("512m", "1g").
	ContainerMemoryLimit string  `envconfig:"CONTAINER_MEMORY_LIMIT" default:"512m"`
	ContainerSwapLimit   string  `envconfig:"CONTAINER_SWAP_LIMIT" default:"512m"`
	ContainerCPULimit    float64 `envconfig:"CONTAINER_CPU_LIMIT" default:"0.5"`
	ContainerPidsLimit   int64   `envconfig:"CONTAINER_PIDS_LIMIT" default:"100"`

	// Security toggles
	NoNewPrivileges bool   `envconfig:"ENABLE_NO_NEW_PRIVILEGES" default:"true"`
	ReadOnly        bool   `envconfig:"ENABLE_READ_ONLY" default:"true"`
	TmpfsEnable     bool   `envconfig:"ENABLE_TMPFS" default:"true"`
	TmpfsSize       string `envconfig:"TMPFS_SIZE" default:"64m"`
	DropAllCaps     bool   `envconfig:"DROP_ALL_CAPABILITIES" default:"true"`
	CapNetBind      bool   `envconfig:"CAP_NET_BIND_SERVICE" default:"true"`
	CapChown        bool   `envconfig:"CAP_CHOWN" default:"true"`

	// Rate limiting
	MaxContainersPerWindow int   `envconfig:"MAX_CONTAINERS_PER_HOUR" default:"5"`
	RateLimitWindowSec     int64 `envconfig:"RATE_LIMIT_WINDOW" default:"3600"`

	// Maintenance
	ThreadPoolSize            int   `envconfig:"THREAD_POOL_SIZE" default:"10"`
	MaintenanceIntervalSec    int64 `envconfig:"MAINTENANCE_INTERVAL" default:"300"`
	ContainerCheckIntervalSec int64 `envconfig:"CONTAINER_CHECK_INTERVAL" default:"30"`
	CaptchaTTLSec             int64 `envconfig:"CAPTCHA_TTL" default:"300"`
	MaintenanceBatchSize      int   `envconfig:"MAINTENANCE_BATCH_SIZE" default:"10"`
	MaintenancePoolMin        int   `envconfig:"MAINTENANCE_POOL_MIN" default:"2"`
	MaintenancePoolMax        int   `envconfig:"MAINTENANCE_POOL_MAX" default:"5"`
	PortAllocationMaxAttempts int   `envconfig:"PORT_ALLOCATION_MAX_ATTEMPTS" default:"5"`
	StalePortMaxAgeSec        int64 `envconfig:"STALE_PORT_MAX_AGE" default:"3600"`

	// Global quotas
	EnableResourceQuotas     bool    `envconfig:"ENABLE_RESOURCE_QUOTAS" default:"true"`
	MaxTotalContainers       int     `envconfig:"MAX_TOTAL_CONTAINERS" default:"50"`
	MaxTotalCPUPercent       float64 `envconfig:"MAX_TOTAL_CPU_PERCENT" default:"400"`
	MaxTotalMemory           string  `envconfig:"MAX_TOTAL_MEMORY" default:"8g"`
	ResourceCheckIntervalSec int64   `envconfig:"RESOURCE_CHECK_INTERVAL" default:"30"`
	ResourceSoftLimitPercent float64 `envconfig:"RESOURCE_SOFT_LIMIT_PERCENT" default:"80"`

	// Admin and observability
	AdminKey           string `envconfig:"ADMIN_KEY" default:""`
	EnableMetrics      bool   `envconfig:"ENABLE_METRICS" default:"true"`
	EnableLogsEndpoint bool   `envconfig:"ENABLE_LOGS_ENDPOINT" default:"true"`
	BypassCaptcha      bool   `envconfig:"BYPASS_CAPTCHA" default:"false"`

	// Lifetime policy knobs (restart preserves expiration by default;
	// MaxExtensions 0 means unbounded)
	RestartResetsLifetime bool `envconfig:"RESTART_RESETS_LIFETIME" default:"false"`
	MaxExtensions         int  `envconfig:"MAX_EXTENSIONS" default:"0"`

	// Engine
	ContainerdSocket    string `envconfig:"CONTAINERD_SOCKET" default:"/run/containerd/containerd.sock"`
	ContainerdNamespace string `envconfig:"CONTAINERD_NAMESPACE" default:"ctf-deployer"`

	// Host
	LockDir string `envconfig:"LOCK_DIR" default:"/var/lock/ctfdeployer"`
}

// Load reads the env-style file at path (if non-empty), exports its keys
// to the process environment without overriding existing variables, and
// binds the result into a validated Config.
func Load(path string) (*Config, error) {
	if path != "" {
		if err := loadEnvFile(path); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// loadEnvFile parses KEY=VALUE lines. Blank lines and #-comments are
// skipped; values may be single- or double-quoted. Existing process
// environment wins over file values.
func loadEnvFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open env file %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return fmt.Errorf("%s:%d: malformed line (expected KEY=VALUE)", path, lineno)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if len(value) >= 2 {
			if (value[0] == '"' && value[len(value)-1] == '"') ||
				(value[0] == '\'' && value[len(value)-1] == '\'') {
				value = value[1 : len(value)-1]
			}
		}

		if _, exists := os.LookupEnv(key); !exists {
			if err := os.Setenv(key, value); err != nil {
				return fmt.Errorf("failed to set %s: %w", key, err)
			}
		}
	}
	return scanner.Err()
}

// DefaultLifetime returns the default container lifetime as a duration.
func (c *Config) DefaultLifetime() time.Duration {
	return time.Duration(c.DefaultLifetimeSec) * time.Second
}

// Extension returns the per-extend lifetime increment as a duration.
func (c *Config) Extension() time.Duration {
	return time.Duration(c.ExtensionSec) * time.Second
}

// MaintenanceInterval returns the sweeper period.
func (c *Config) MaintenanceInterval() time.Duration {
	return time.Duration(c.MaintenanceIntervalSec) * time.Second
}

// ResourceCheckInterval returns the resource monitor period.
func (c *Config) ResourceCheckInterval() time.Duration {
	return time.Duration(c.ResourceCheckIntervalSec) * time.Second
}

// CaptchaTTL returns the captcha validity window.
func (c *Config) CaptchaTTL() time.Duration {
	return time.Duration(c.CaptchaTTLSec) * time.Second
}

// PoolSize returns the number of ports in the configured range.
func (c *Config) PoolSize() int {
	return c.StopRange - c.StartRange
}
