package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
server:
  http_port: 8088
  grpc_port: 9099
storage:
  driver: memory
presence:
  idle_timeout: 2m
kafka:
  enabled: false
jwt:
  secret: from-file
log:
  service: presence-test
  level: debug
  encoding: console
  stdout: true
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.test.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)

	assert.Equal(t, 8088, cfg.Server.HTTPPort)
	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.Equal(t, 2*time.Minute, cfg.Presence.IdleTimeout)
	assert.Equal(t, 15*time.Second, cfg.Presence.ActivityThrottle)
	assert.Equal(t, time.Minute, cfg.Presence.HeartbeatInterval)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "presence.status.changed", cfg.Kafka.Topic)
	assert.Equal(t, "presence-test", cfg.Log.Service)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("PRESENCE_JWT_SECRET", "from-env")
	t.Setenv("PRESENCE_PRESENCE_IDLE_TIMEOUT", "90s")

	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.JWT.Secret)
	assert.Equal(t, 90*time.Second, cfg.Presence.IdleTimeout)
}

func TestLoadRejectsBadValues(t *testing.T) {
	_, err := Load(writeConfig(t, strings.Replace(sample, "driver: memory", "driver: etcd", 1)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage.driver")

	t.Setenv("PRESENCE_PRESENCE_WRITE_TIMEOUT", "0s")
	_, err = Load(writeConfig(t, sample))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "presence.write_timeout")
}

func TestValidateThrottleBelowIdle(t *testing.T) {
	cfg := &Config{
		Server:   ServerConfig{HTTPPort: 8080, ShutdownTimeout: time.Second},
		Storage:  StorageConfig{Driver: "memory"},
		Presence: PresenceConfig{IdleTimeout: time.Minute, ActivityThrottle: 2 * time.Minute, HeartbeatInterval: time.Second, WriteTimeout: time.Second},
	}
	require.ErrorContains(t, cfg.Validate(), "activity_throttle")

	cfg.Presence.ActivityThrottle = time.Second
	require.NoError(t, cfg.Validate())

	cfg.Kafka.Enabled = true
	require.ErrorContains(t, cfg.Validate(), "kafka.brokers")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
