package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noEnvFile(t *testing.T) {
	t.Helper()
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
}

func TestLoadServerConfigDefaults(t *testing.T) {
	noEnvFile(t)
	cfg, err := LoadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, 2*time.Second, cfg.RoutingTimeout)
	assert.Equal(t, []string{"*"}, cfg.CORSOrigins)
	assert.Empty(t, cfg.KafkaBrokers)
}

func TestLoadServerConfigFromEnv(t *testing.T) {
	noEnvFile(t)
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("ROUTING_TIMEOUT", "1500ms")
	t.Setenv("MATCHER_TOP_N", "3")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("MIGRATE", "TRUE")

	cfg, err := LoadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 1500*time.Millisecond, cfg.RoutingTimeout)
	assert.Equal(t, 3, cfg.MatcherTopN)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.RunMigrations)
}

func TestLoadServerConfigCollectsErrors(t *testing.T) {
	noEnvFile(t)
	t.Setenv("ROUTING_TIMEOUT", "10s")
	t.Setenv("MATCHER_TOP_N", "zero")
	t.Setenv("HTTP_READ_TIMEOUT", "soon")

	_, err := LoadServerConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ROUTING_TIMEOUT")
	assert.Contains(t, err.Error(), "MATCHER_TOP_N")
	assert.Contains(t, err.Error(), "HTTP_READ_TIMEOUT")
}

func TestLoadServerConfigDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("OSRM_ENDPOINT=http://osrm:5000\n"), 0o600))
	t.Setenv("ENV_FILE", path)
	t.Setenv("OSRM_ENDPOINT", "")
	require.NoError(t, os.Unsetenv("OSRM_ENDPOINT"))

	cfg, err := LoadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, "http://osrm:5000", cfg.OSRMEndpoint)
}
