package config

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}
	return path
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, []string{"world-presence", "whiteboard"}, cfg.Realtime.PlaintextChannels)
}

func TestLoad_UsesDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load("non-existent-config.yaml")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, ":8082", cfg.Worldchat.Address)
	assert.Equal(t, 50, cfg.Realtime.HistoryDepth)
}

func TestLoad_LoadsFromYAMLAndAppliesEnvOverrides(t *testing.T) {
	key := base64.StdEncoding.EncodeToString(make([]byte, 32))
	path := writeTempConfig(t, `
server:
  address: ":9000"
  read_timeout: 10s
gateway:
  ping_interval: 5s
  pong_timeout: 12s
realtime:
  plaintext_channels: ["lobby"]
  history_depth: 20
  cipher_key: "`+key+`"
logging:
  level: "debug"
`)

	t.Setenv("STUDIO_LOG_LEVEL", "warn")
	t.Setenv("STUDIO_TOKEN_SECRET", "from-env")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Address)
	assert.Equal(t, 10*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 5*time.Second, cfg.Gateway.PingInterval)
	assert.Equal(t, []string{"lobby"}, cfg.Realtime.PlaintextChannels)
	assert.Equal(t, 20, cfg.Realtime.HistoryDepth)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "from-env", cfg.Auth.TokenSecret)

	raw, err := cfg.CipherKeyBytes()
	require.NoError(t, err)
	assert.Len(t, raw, 32)
}

func TestValidate_InvalidValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty server address", func(c *Config) { c.Server.Address = "" }},
		{"gateway path without slash", func(c *Config) { c.Gateway.Path = "realtime" }},
		{"pong not after ping", func(c *Config) { c.Gateway.PongTimeout = c.Gateway.PingInterval }},
		{"history depth zero", func(c *Config) { c.Realtime.HistoryDepth = 0 }},
		{"short cipher key", func(c *Config) { c.Realtime.CipherKey = base64.StdEncoding.EncodeToString([]byte("short")) }},
		{"cipher key not base64", func(c *Config) { c.Realtime.CipherKey = "%%%" }},
		{"port range inverted", func(c *Config) {
			c.WebRTC.PortRange.Min = 50000
			c.WebRTC.PortRange.Max = 40000
		}},
		{"redis without address", func(c *Config) {
			c.Redis.Enabled = true
			c.Redis.Address = ""
		}},
		{"empty token secret", func(c *Config) { c.Auth.TokenSecret = "" }},
		{"unknown capability op", func(c *Config) { c.Auth.Capability = map[string][]string{"*": {"admin"}} }},
		{"rate limit without rps", func(c *Config) {
			c.RateLimiting.Enabled = true
			c.RateLimiting.HTTP.RequestsPerSecond = 0
		}},
		{"reconnect delay inverted", func(c *Config) { c.Client.Reconnect.InitialDelay = time.Minute }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
