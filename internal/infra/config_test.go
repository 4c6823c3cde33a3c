package infra

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xela07ax/opsbrain/internal/domain"
)

const sampleConfig = `
server:
  port: 9000
bus:
  backend: redis
  poll_interval: 2s
redis:
  addr: localhost:6379
retention:
  enabled: true
  days: 14
connectors:
  simulated:
    enabled: true
capabilities:
  - id: vacuum.status
    target: vacuum
    connector: robot
    intent: read
    max_calls_per_hour: 60
  - id: vacuum.start
    target: vacuum
    intent: write
    action: start
    requires_approval: true
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigFile(t *testing.T) {
	cfg, err := LoadConfigFile(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Addr())
	assert.Equal(t, "redis", cfg.Bus.Backend)
	assert.Equal(t, 2*time.Second, cfg.Bus.PollInterval)
	assert.Equal(t, RedisKeyBusStream, cfg.Bus.Stream)
	assert.Equal(t, 3*time.Second, cfg.Bus.CommandTimeout)
	assert.EqualValues(t, 3, cfg.Bus.Retry.Attempts)
	assert.Equal(t, 14, cfg.Retention.Days)
	assert.True(t, cfg.Connectors.Simulated.Enabled)
	assert.Equal(t, 15*time.Minute, cfg.Readiness.MaxSnapshotAge)

	require.Len(t, cfg.Capabilities, 2)
	assert.Equal(t, domain.IntentRead, cfg.Capabilities[0].Intent)
	assert.Equal(t, 60, cfg.Capabilities[0].MaxCallsPerHour)
	assert.True(t, cfg.Capabilities[1].RequiresApproval)
}

func TestLoadConfigFile_EnvOverrides(t *testing.T) {
	t.Setenv("BUS_POLL_INTERVAL", "750ms")
	t.Setenv("AUTH_PUBLIC_KEY_DATA", "-----BEGIN PUBLIC KEY-----")

	cfg, err := LoadConfigFile(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	assert.Equal(t, 750*time.Millisecond, cfg.Bus.PollInterval)
	assert.Equal(t, []byte("-----BEGIN PUBLIC KEY-----"), cfg.Auth.PublicKey)
}

func TestLoadConfigFile_Invalid(t *testing.T) {
	_, err := LoadConfigFile(writeConfig(t, "bus:\n  backend: kafka\nquota:\n  backend: redis\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bus.backend must be memory or redis")
	assert.Contains(t, err.Error(), "quota.backend=redis requires redis.addr")
}

func TestNewLogger(t *testing.T) {
	_, err := NewLogger(LoggerConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)

	_, err = NewLogger(LoggerConfig{Level: "loud"})
	require.Error(t, err)
	_, err = NewLogger(LoggerConfig{Level: "info", Format: "xml"})
	require.Error(t, err)
}
