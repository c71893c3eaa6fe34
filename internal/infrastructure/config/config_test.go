package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.False(t, cfg.Logging.Development)
	assert.Equal(t, "iso8601", cfg.Logging.Timestamp)

	assert.Equal(t, 2, cfg.Inspect.Depth)
	assert.Equal(t, 100, cfg.Inspect.MaxArrayLength)

	assert.Equal(t, "addons", cfg.Addons.Root)
	assert.Empty(t, cfg.Addons.Names)

	assert.Equal(t, 5*time.Second, cfg.Sandbox.Timeout.Std())
	assert.Equal(t, TransportStdio, cfg.Transport.Mode)
	assert.Equal(t, 30*time.Second, cfg.HostCallTimeout.Std())

	require.NoError(t, cfg.Validate())
}

func TestLoadWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "worker.yaml", `
logging:
  level: debug
  timestamp: epoch
inspect:
  depth: 4
addons:
  root: /srv/addons
  names: [dice, weather]
  cacheFile: /tmp/addons.cache
sandbox:
  timeout: 250ms
setupFiles:
  - setup/*.js
hostCallTimeout: 2s
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "epoch", cfg.Logging.Timestamp)
	assert.Equal(t, 4, cfg.Inspect.Depth)
	// Unset file keys keep their defaults.
	assert.Equal(t, 100, cfg.Inspect.MaxArrayLength)
	assert.Equal(t, "/srv/addons", cfg.Addons.Root)
	assert.Equal(t, []string{"dice", "weather"}, cfg.Addons.Names)
	assert.Equal(t, "/tmp/addons.cache", cfg.Addons.CacheFile)
	assert.Equal(t, 250*time.Millisecond, cfg.Sandbox.Timeout.Std())
	assert.Equal(t, []string{"setup/*.js"}, cfg.SetupFiles)
	assert.Equal(t, 2*time.Second, cfg.HostCallTimeout.Std())
}

func TestLoadTOML(t *testing.T) {
	path := writeFile(t, "worker.toml", `
setupFiles = ["prelude.js"]

[logging]
level = "warn"

[addons]
root = "plugins"
names = ["echo"]

[transport]
mode = "grpc"
address = "127.0.0.1:7001"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "plugins", cfg.Addons.Root)
	assert.Equal(t, []string{"echo"}, cfg.Addons.Names)
	assert.Equal(t, TransportGRPC, cfg.Transport.Mode)
	assert.Equal(t, "127.0.0.1:7001", cfg.Transport.Address)
	assert.Equal(t, []string{"prelude.js"}, cfg.SetupFiles)
}

func TestLoadWithEnvironmentVariables(t *testing.T) {
	path := writeFile(t, "worker.yaml", "logging:\n  level: debug\n")

	t.Setenv("EVAL_LOG_LEVEL", "error")
	t.Setenv("EVAL_ADDON_NAMES", "a,b,c")
	t.Setenv("EVAL_SANDBOX_TIMEOUT", "3s")
	t.Setenv("EVAL_SEND_BURST", "2")
	t.Setenv("EVAL_TRANSPORT_MODE", "websocket")
	t.Setenv("EVAL_TRANSPORT_ADDRESS", ":7002")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "error", cfg.Logging.Level)
	assert.Equal(t, []string{"a", "b", "c"}, cfg.Addons.Names)
	assert.Equal(t, 3*time.Second, cfg.Sandbox.Timeout.Std())
	assert.Equal(t, 2, cfg.Send.Burst)
	assert.Equal(t, TransportWebSocket, cfg.Transport.Mode)
	assert.Equal(t, ":7002", cfg.Transport.Address)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "worker.ini", "x=1"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "bad.yaml", "logging: [unclosed"))
	assert.Error(t, err)
}

func TestLoadOrDefault(t *testing.T) {
	cfg := LoadOrDefault(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Equal(t, Default(), cfg)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"default", func(*Config) {}, false},
		{"unknown transport", func(c *Config) { c.Transport.Mode = "carrier-pigeon" }, true},
		{"grpc without address", func(c *Config) { c.Transport.Mode = TransportGRPC }, true},
		{"websocket with address", func(c *Config) {
			c.Transport.Mode = TransportWebSocket
			c.Transport.Address = ":7002"
		}, false},
		{"negative depth", func(c *Config) { c.Inspect.Depth = -1 }, true},
		{"negative timeout", func(c *Config) { c.Sandbox.Timeout = -1 }, true},
		{"negative send rate", func(c *Config) { c.Send.RatePerSecond = -1 }, true},
		{"zero host timeout", func(c *Config) { c.HostCallTimeout = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDurationText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("1m30s")))
	assert.Equal(t, 90*time.Second, d.Std())

	text, err := d.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "1m30s", string(text))

	assert.Error(t, d.UnmarshalText([]byte("soon")))
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}
