// Package config loads the server configuration in three layers:
// built-in defaults, an optional YAML file, and COMMUNE_ environment
// variables, each layer overriding the one below.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// ConfigPathEnvVar overrides the config file search paths.
const ConfigPathEnvVar = "COMMUNE_CONFIG"

// DefaultConfigPaths lists where config files are searched. First hit
// wins.
var DefaultConfigPaths = []string{
	"commune.yaml",
	"commune.yml",
	"/etc/commune/config.yaml",
	"/etc/commune/config.yml",
}

// Config holds the full server configuration. Immutable after Load.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Federation FederationConfig `koanf:"federation"`
	Logging    LoggingConfig    `koanf:"logging"`
}

// ServerConfig describes this instance and where it listens.
type ServerConfig struct {
	Name       string `koanf:"name"`
	ListenAddr string `koanf:"listen_addr"`
	DataDir    string `koanf:"data_dir"`

	// Endpoints advertised to peers. When empty they are derived from
	// ListenAddr, which only works when peers share a network.
	HTTPEndpoint   string `koanf:"http_endpoint"`
	SocketEndpoint string `koanf:"socket_endpoint"`
}

// FederationConfig tunes the federation subsystem.
type FederationConfig struct {
	Enabled           bool          `koanf:"enabled"`
	AutoAccept        bool          `koanf:"auto_accept"`
	MaxPeers          int           `koanf:"max_peers"`
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval"`
	RequestExpiry     time.Duration `koanf:"request_expiry"`
	NotifyAttempts    int           `koanf:"notify_attempts"`
	TokenWindow       time.Duration `koanf:"token_window"`
	TokenClockSkew    time.Duration `koanf:"token_clock_skew"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Verbose bool `koanf:"verbose"`
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Name:       "commune",
			ListenAddr: ":8420",
			DataDir:    "./data",
		},
		Federation: FederationConfig{
			Enabled:           true,
			AutoAccept:        false,
			MaxPeers:          50,
			HeartbeatInterval: 30 * time.Second,
			RequestExpiry:     24 * time.Hour,
			NotifyAttempts:    3,
			TokenWindow:       5 * time.Minute,
			TokenClockSkew:    time.Minute,
		},
	}
}

// Load builds the configuration: defaults, then an optional YAML file,
// then COMMUNE_ environment variables.
func Load() (*Config, error) {
	return LoadFile(findConfigFile())
}

// LoadFile is Load with an explicit config file path. An empty path
// skips the file layer.
func LoadFile(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("COMMUNE_", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks for values that cannot work at runtime.
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr is required")
	}
	if c.Server.DataDir == "" {
		return fmt.Errorf("server.data_dir is required")
	}
	if c.Federation.MaxPeers <= 0 {
		return fmt.Errorf("federation.max_peers must be positive, got %d", c.Federation.MaxPeers)
	}
	if c.Federation.HeartbeatInterval < time.Second {
		return fmt.Errorf("federation.heartbeat_interval must be at least 1s, got %s", c.Federation.HeartbeatInterval)
	}
	if c.Federation.RequestExpiry < time.Minute {
		return fmt.Errorf("federation.request_expiry must be at least 1m, got %s", c.Federation.RequestExpiry)
	}
	if c.Federation.NotifyAttempts <= 0 {
		return fmt.Errorf("federation.notify_attempts must be positive, got %d", c.Federation.NotifyAttempts)
	}
	if c.Federation.TokenWindow < time.Second {
		return fmt.Errorf("federation.token_window must be at least 1s, got %s", c.Federation.TokenWindow)
	}
	return nil
}

// HTTPEndpoint returns the advertised HTTP endpoint, deriving one
// from the listen address when not configured.
func (c *Config) HTTPEndpoint() string {
	if c.Server.HTTPEndpoint != "" {
		return c.Server.HTTPEndpoint
	}
	return "http://" + hostport(c.Server.ListenAddr)
}

// SocketEndpoint returns the advertised duplex endpoint.
func (c *Config) SocketEndpoint() string {
	if c.Server.SocketEndpoint != "" {
		return c.Server.SocketEndpoint
	}
	return "ws://" + hostport(c.Server.ListenAddr) + "/federation/v1/socket"
}

func hostport(listenAddr string) string {
	if strings.HasPrefix(listenAddr, ":") {
		return "localhost" + listenAddr
	}
	return listenAddr
}

func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// envMappings pins each supported COMMUNE_ variable to its config
// path. Unmapped variables are ignored so stray environment noise
// cannot pollute the configuration.
var envMappings = map[string]string{
	"commune_server_name":        "server.name",
	"commune_listen_addr":        "server.listen_addr",
	"commune_data_dir":           "server.data_dir",
	"commune_http_endpoint":      "server.http_endpoint",
	"commune_socket_endpoint":    "server.socket_endpoint",
	"commune_federation_enabled": "federation.enabled",
	"commune_auto_accept":        "federation.auto_accept",
	"commune_max_peers":          "federation.max_peers",
	"commune_heartbeat_interval": "federation.heartbeat_interval",
	"commune_request_expiry":     "federation.request_expiry",
	"commune_notify_attempts":    "federation.notify_attempts",
	"commune_token_window":       "federation.token_window",
	"commune_token_clock_skew":   "federation.token_clock_skew",
	"commune_verbose":            "logging.verbose",
}

func envTransformFunc(key string) string {
	if mapped, ok := envMappings[strings.ToLower(key)]; ok {
		return mapped
	}
	return ""
}
