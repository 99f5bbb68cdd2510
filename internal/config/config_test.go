package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	cfg, err := LoadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, 30*time.Second, cfg.DriverStaleAfter)
	assert.Equal(t, "driver-locations", cfg.KafkaLocationTopic)
	assert.Empty(t, cfg.PGDSN)
	assert.False(t, cfg.RunMigrations)
}

func TestEnvOverridesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dispatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
http_addr: ":9000"
driver_stale_after: 45s
advisory_limit: 5
kafka_brokers: ["k1:9092", "k2:9092"]
`), 0o600))

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("ADVISORY_LIMIT", "7")
	t.Setenv("MIGRATE", "TRUE")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg, err := LoadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.HTTPAddr)
	assert.Equal(t, 45*time.Second, cfg.DriverStaleAfter)
	assert.Equal(t, 7, cfg.AdvisoryLimit)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.True(t, cfg.RunMigrations)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestInvalidValuesAreJoined(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("DRIVER_STALE_AFTER", "soon")
	t.Setenv("ADVISORY_LIMIT", "0")
	t.Setenv("DEFAULT_SPEED_MPS", "fast")

	_, err := LoadServerConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid DRIVER_STALE_AFTER")
	assert.Contains(t, err.Error(), "ADVISORY_LIMIT must be > 0")
	assert.Contains(t, err.Error(), "invalid DEFAULT_SPEED_MPS")
}

func TestMissingConfigFile(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "nope.yaml"))
	_, err := LoadServerConfig()
	assert.ErrorContains(t, err, "nope.yaml")
}

func TestSplitAndTrim(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, splitAndTrim(" a, ,b ,"))
}
