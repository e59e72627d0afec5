// Package config handles Lumehaven configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ff-fab/lumehaven/internal/lumeerr"
)

// DefaultSearchPaths returns the config file search order. An explicit
// path (from -config flag) is checked first. Then: ./config.yaml,
// $XDG_CONFIG_HOME/lumehaven/config.yaml (or ~/.config/lumehaven/config.yaml),
// /config/config.yaml, /etc/lumehaven/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		paths = append(paths, filepath.Join(xdg, "lumehaven", "config.yaml"))
	} else if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "lumehaven", "config.yaml"))
	}

	paths = append(paths, "/config/config.yaml") // Container convention
	paths = append(paths, "/etc/lumehaven/config.yaml")
	return paths
}

// searchPathsFunc is a seam for tests to avoid matching real config
// files on the developer/deploy machine running the test.
var searchPathsFunc = DefaultSearchPaths

// FindConfig locates a config file. If explicit is non-empty, it must
// exist. Otherwise, searches searchPathsFunc()'s result and returns the
// first that exists. Returns the path found, or an error if nothing was
// found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	paths := searchPathsFunc()
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", paths)
}

// Config holds all Lumehaven configuration.
type Config struct {
	Listen   ListenConfig    `yaml:"listen"`
	Adapters []AdapterConfig `yaml:"adapters"`
	Store    StoreConfig     `yaml:"store"`
	Retry    RetryConfig     `yaml:"retry"`
	CORS     CORSConfig      `yaml:"cors"`
	MQTT     *MQTTConfig     `yaml:"mqtt"`
	DataDir  string          `yaml:"data_dir"`
	LogLevel string          `yaml:"log_level"`
}

// ListenConfig defines the HTTP API server's bind settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// AdapterConfig configures a single upstream smart-home controller
// connection. Type selects the registered adapter.Factory (e.g.
// "openhab", "homeassistant"); fields not relevant to a given type are
// ignored by its factory.
type AdapterConfig struct {
	Type   string `yaml:"type"`
	Name   string `yaml:"name"`
	Prefix string `yaml:"prefix"`
	URL    string `yaml:"url"`
	Tag    string `yaml:"tag"`
	Token  string `yaml:"token"`
}

// StoreConfig configures the signal store's subscriber queues.
type StoreConfig struct {
	SubscriberQueueSize int           `yaml:"subscriber_queue_size"`
	DropLogInterval     time.Duration `yaml:"drop_log_interval"`
}

// RetryConfig configures the adapter manager's reconnect backoff.
type RetryConfig struct {
	InitialDelay  time.Duration `yaml:"initial_delay"`
	MaxDelay      time.Duration `yaml:"max_delay"`
	BackoffFactor float64       `yaml:"backoff_factor"`
}

// CORSConfig configures the HTTP API's allowed cross-origin callers.
type CORSConfig struct {
	Origins []string `yaml:"origins"`
}

// MQTTConfig configures the optional outbound MQTT discovery bridge. A
// nil *MQTTConfig on Config means the bridge is disabled.
type MQTTConfig struct {
	Broker             string `yaml:"broker"`
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	DeviceName         string `yaml:"device_name"`
	DiscoveryPrefix    string `yaml:"discovery_prefix"`
	PublishIntervalSec int    `yaml:"publish_interval_sec"`
}

// Configured reports whether the MQTT bridge has the minimum settings
// needed to connect: a broker URL and a device name.
func (c MQTTConfig) Configured() bool {
	return c.Broker != "" && c.DeviceName != ""
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults for any unset fields, and validates the
// result. After Load returns successfully, all fields are usable without
// additional nil/empty checks (except the optional MQTT block, which is
// nil when absent).
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables (e.g., ${HOME}, ${OPENHAB_TOKEN}).
	// This is a convenience for container deployments; the recommended
	// approach is to put values directly in the config file.
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, &lumeerr.ConfigError{Detail: "malformed YAML", Cause: err}
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills in zero-value fields with sensible defaults.
// Called automatically by Load. After this, callers can read any field
// without checking for zero values.
func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.Store.SubscriberQueueSize == 0 {
		c.Store.SubscriberQueueSize = 10_000
	}
	if c.Store.DropLogInterval == 0 {
		c.Store.DropLogInterval = 10 * time.Second
	}
	if c.Retry.InitialDelay == 0 {
		c.Retry.InitialDelay = 5 * time.Second
	}
	if c.Retry.MaxDelay == 0 {
		c.Retry.MaxDelay = 300 * time.Second
	}
	if c.Retry.BackoffFactor == 0 {
		c.Retry.BackoffFactor = 2.0
	}
	if c.MQTT != nil {
		if c.MQTT.DiscoveryPrefix == "" {
			c.MQTT.DiscoveryPrefix = "homeassistant"
		}
		if c.MQTT.PublishIntervalSec == 0 {
			c.MQTT.PublishIntervalSec = 300
		}
	}
}

// Validate checks that the configuration is internally consistent. It
// runs after applyDefaults, so it can assume defaults are populated.
// Returns an error describing the first problem found, or nil.
func (c *Config) Validate() error {
	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		return &lumeerr.ConfigError{Detail: fmt.Sprintf("listen.port %d out of range (1-65535)", c.Listen.Port)}
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return &lumeerr.ConfigError{Detail: "invalid log_level", Cause: err}
		}
	}

	seen := make(map[string]bool, len(c.Adapters))
	for _, a := range c.Adapters {
		if a.Name == "" {
			return &lumeerr.ConfigError{Detail: fmt.Sprintf("adapter config missing name (type %q)", a.Type)}
		}
		if seen[a.Name] {
			return &lumeerr.ConfigError{Detail: fmt.Sprintf("duplicate adapter name %q", a.Name)}
		}
		seen[a.Name] = true

		if a.Type == "" {
			return &lumeerr.ConfigError{Detail: fmt.Sprintf("adapter %q missing type", a.Name)}
		}
		if a.URL == "" {
			return &lumeerr.ConfigError{Detail: fmt.Sprintf("adapter %q missing url", a.Name)}
		}
	}

	if c.MQTT != nil && !c.MQTT.Configured() {
		return &lumeerr.ConfigError{Detail: "mqtt block present but missing broker or device_name"}
	}

	return nil
}

// Default returns a default configuration suitable for local development
// against a single OpenHAB instance on localhost. All defaults are
// already applied.
func Default() *Config {
	cfg := &Config{
		Adapters: []AdapterConfig{
			{Type: "openhab", Name: "openhab", Prefix: "openhab", URL: "http://localhost:8080"},
		},
	}
	cfg.applyDefaults()
	return cfg
}
