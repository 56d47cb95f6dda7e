package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearEnv unsets every key the loader binds so earlier tests cannot
// leak values into later ones.
func clearEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"IMAGES_NAME", "FLAG", "CHALLENGE_TITLE", "CHALLENGE_DESCRIPTION",
		"COMPOSE_PROJECT_NAME", "LEAVE_TIME", "ADD_TIME", "PORT_IN_CONTAINER",
		"START_RANGE", "STOP_RANGE", "API_PORT", "DIRECT_TEST_PORT",
		"NETWORK_NAME", "NETWORK_SUBNET", "DB_HOST", "DB_PORT", "DB_NAME",
		"DB_USER", "DB_PASSWORD", "DB_POOL_MIN", "DB_POOL_MAX",
		"MAX_CONTAINERS_PER_HOUR", "RATE_LIMIT_WINDOW", "THREAD_POOL_SIZE",
		"MAINTENANCE_INTERVAL", "ADMIN_KEY", "BYPASS_CAPTCHA",
		"CONTAINER_MEMORY_LIMIT", "MAX_TOTAL_MEMORY",
	}
	for _, k := range keys {
		old, had := os.LookupEnv(k)
		os.Unsetenv(k)
		if had {
			t.Cleanup(func() { os.Setenv(k, old) })
		}
	}
}

func writeEnvFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	path := writeEnvFile(t, "DB_PASSWORD=secret\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, int64(1800), cfg.DefaultLifetimeSec)
	assert.Equal(t, int64(600), cfg.ExtensionSec)
	assert.Equal(t, 9000, cfg.StartRange)
	assert.Equal(t, 10001, cfg.StopRange)
	assert.Equal(t, 1001, cfg.PoolSize())
	assert.Equal(t, 5, cfg.MaxContainersPerWindow)
	assert.Equal(t, "secret", cfg.DBPassword)
}

func TestLoadEnvFileParsing(t *testing.T) {
	clearEnv(t)
	path := writeEnvFile(t, strings.Join([]string{
		"# comment line",
		"",
		"DB_PASSWORD='quoted secret'",
		`CHALLENGE_TITLE="Web 100"`,
		"export LEAVE_TIME=900",
	}, "\n"))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "quoted secret", cfg.DBPassword)
	assert.Equal(t, "Web 100", cfg.ChallengeTitle)
	assert.Equal(t, int64(900), cfg.DefaultLifetimeSec)
}

func TestLoadProcessEnvWins(t *testing.T) {
	clearEnv(t)
	t.Setenv("LEAVE_TIME", "120")
	path := writeEnvFile(t, "DB_PASSWORD=x\nLEAVE_TIME=900\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, int64(120), cfg.DefaultLifetimeSec)
}

func TestLoadMissingPassword(t *testing.T) {
	clearEnv(t)
	path := writeEnvFile(t, "CHALLENGE_TITLE=x\n")

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadMalformedLine(t *testing.T) {
	clearEnv(t)
	path := writeEnvFile(t, "DB_PASSWORD=x\nNOT A PAIR\n")

	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		clearEnv(t)
		path := writeEnvFile(t, "DB_PASSWORD=x\n")
		cfg, err := Load(path)
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(c *Config) {},
		},
		{
			name:    "inverted port range",
			mutate:  func(c *Config) { c.StartRange = 9500; c.StopRange = 9000 },
			wantErr: "range",
		},
		{
			name:    "range below 1024",
			mutate:  func(c *Config) { c.StartRange = 80; c.StopRange = 200 },
			wantErr: "range",
		},
		{
			name:    "blocked port inside range",
			mutate:  func(c *Config) { c.StartRange = 5430; c.StopRange = 5440 },
			wantErr: "5432",
		},
		{
			name:    "api port blocked",
			mutate:  func(c *Config) { c.APIPort = 3306 },
			wantErr: "3306",
		},
		{
			name:    "container port blocked",
			mutate:  func(c *Config) { c.PortInContainer = 22 },
			wantErr: "port_in_container",
		},
		{
			name:    "zero lifetime",
			mutate:  func(c *Config) { c.DefaultLifetimeSec = 0 },
			wantErr: "leave_time",
		},
		{
			name:    "pool min above max",
			mutate:  func(c *Config) { c.PoolMin = 30 },
			wantErr: "pool",
		},
		{
			name:    "unparseable memory limit",
			mutate:  func(c *Config) { c.ContainerMemoryLimit = "lots" },
			wantErr: "memory",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, strings.ToLower(err.Error()), strings.ToLower(tt.wantErr))
		})
	}
}

// Serialize followed by Load must reproduce the same configuration.
func TestSerializeRoundTrip(t *testing.T) {
	clearEnv(t)
	path := writeEnvFile(t, strings.Join([]string{
		"DB_PASSWORD=roundtrip",
		"LEAVE_TIME=777",
		"START_RANGE=9100",
		"STOP_RANGE=9200",
		"CHALLENGE_TITLE=Round Trip",
		"BYPASS_CAPTCHA=true",
	}, "\n"))

	cfg, err := Load(path)
	require.NoError(t, err)

	clearEnv(t)
	path2 := writeEnvFile(t, cfg.Serialize())
	cfg2, err := Load(path2)
	require.NoError(t, err)

	assert.Equal(t, cfg, cfg2)
}

func TestDurationHelpers(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(writeEnvFile(t, "DB_PASSWORD=x\nLEAVE_TIME=60\nADD_TIME=30\n"))
	require.NoError(t, err)

	assert.Equal(t, "1m0s", cfg.DefaultLifetime().String())
	assert.Equal(t, "30s", cfg.Extension().String())
}
