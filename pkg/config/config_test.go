package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadFile("")
	require.NoError(t, err)

	assert.Equal(t, "commune", cfg.Server.Name)
	assert.Equal(t, ":8420", cfg.Server.ListenAddr)
	assert.True(t, cfg.Federation.Enabled)
	assert.False(t, cfg.Federation.AutoAccept)
	assert.Equal(t, 50, cfg.Federation.MaxPeers)
	assert.Equal(t, 30*time.Second, cfg.Federation.HeartbeatInterval)
	assert.Equal(t, 24*time.Hour, cfg.Federation.RequestExpiry)
	assert.Equal(t, 5*time.Minute, cfg.Federation.TokenWindow)
	assert.Equal(t, time.Minute, cfg.Federation.TokenClockSkew)
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "commune.yaml")
	yaml := `
server:
  name: "Alpha Lounge"
  listen_addr: ":9000"
federation:
  auto_accept: true
  max_peers: 10
  heartbeat_interval: 45s
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "Alpha Lounge", cfg.Server.Name)
	assert.Equal(t, ":9000", cfg.Server.ListenAddr)
	assert.True(t, cfg.Federation.AutoAccept)
	assert.Equal(t, 10, cfg.Federation.MaxPeers)
	assert.Equal(t, 45*time.Second, cfg.Federation.HeartbeatInterval)

	// Untouched keys keep defaults.
	assert.Equal(t, "./data", cfg.Server.DataDir)
	assert.Equal(t, 3, cfg.Federation.NotifyAttempts)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "commune.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  name: FromFile\n"), 0o644))

	t.Setenv("COMMUNE_SERVER_NAME", "FromEnv")
	t.Setenv("COMMUNE_MAX_PEERS", "7")
	t.Setenv("COMMUNE_FEDERATION_ENABLED", "false")

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "FromEnv", cfg.Server.Name)
	assert.Equal(t, 7, cfg.Federation.MaxPeers)
	assert.False(t, cfg.Federation.Enabled)
}

func TestUnmappedEnvIgnored(t *testing.T) {
	t.Setenv("COMMUNE_NOT_A_REAL_SETTING", "whatever")

	cfg, err := LoadFile("")
	require.NoError(t, err)
	assert.Equal(t, "commune", cfg.Server.Name)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty listen addr", func(c *Config) { c.Server.ListenAddr = "" }},
		{"empty data dir", func(c *Config) { c.Server.DataDir = "" }},
		{"zero max peers", func(c *Config) { c.Federation.MaxPeers = 0 }},
		{"sub-second heartbeat", func(c *Config) { c.Federation.HeartbeatInterval = 100 * time.Millisecond }},
		{"tiny request expiry", func(c *Config) { c.Federation.RequestExpiry = time.Second }},
		{"zero notify attempts", func(c *Config) { c.Federation.NotifyAttempts = 0 }},
		{"sub-second token window", func(c *Config) { c.Federation.TokenWindow = 100 * time.Millisecond }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := defaultConfig()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestAdvertisedEndpoints(t *testing.T) {
	cfg := defaultConfig()
	assert.Equal(t, "http://localhost:8420", cfg.HTTPEndpoint())
	assert.Equal(t, "ws://localhost:8420/federation/v1/socket", cfg.SocketEndpoint())

	cfg.Server.HTTPEndpoint = "https://alpha.example"
	cfg.Server.SocketEndpoint = "wss://alpha.example/federation/v1/socket"
	assert.Equal(t, "https://alpha.example", cfg.HTTPEndpoint())
	assert.Equal(t, "wss://alpha.example/federation/v1/socket", cfg.SocketEndpoint())
}
