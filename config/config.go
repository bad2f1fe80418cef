// Package config provides YAML configuration parsing for tabrelay.
//
// This package enables running tabrelay as a standalone binary with a
// configuration file, as an alternative to wiring agents programmatically.
//
// Example configuration:
//
//	namespace: live_
//	timeout: 2s
//	channels: [news]
//
//	store:
//	  type: redis
//	  addr: ${REDIS_ADDR:-localhost:6379}
//
//	transport:
//	  url: ws://localhost:8090/ws
//
//	server:
//	  port: 8090
//	  publish_rate: 20
package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jpalmerr/tabrelay/internal/logging"
	"github.com/jpalmerr/tabrelay/internal/protocol"
)

// minTimeout keeps the heartbeat interval above a few milliseconds, which
// would otherwise hammer the store.
const minTimeout = 100 * time.Millisecond

// Store types.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

const (
	defaultTimeout     = 2 * time.Second
	defaultPort        = 8090
	defaultPublishRate = 20
	defaultLogLevel    = "info"
)

// Config is the root configuration structure for tabrelay.
//
// It maps directly to the YAML configuration file structure.
// Use [Load] or [Parse] to create a Config from YAML.
type Config struct {
	// Namespace is the store key prefix shared by cooperating tabs.
	// Empty selects the default "live_".
	Namespace string `yaml:"namespace"`

	// Timeout is how long a silent tab stays alive. Heartbeats are written
	// every Timeout/2. Defaults to 2s.
	Timeout Duration `yaml:"timeout"`

	// Channels are subscribed by the tab command at startup.
	Channels []string `yaml:"channels"`

	// LogLevel is one of debug, info, warn, error. Defaults to info.
	LogLevel string `yaml:"log_level"`

	Store     StoreConfig     `yaml:"store"`
	Transport TransportConfig `yaml:"transport"`
	Server    ServerConfig    `yaml:"server"`
}

// StoreConfig selects the shared store.
type StoreConfig struct {
	// Type is "memory" or "redis". Defaults to memory, which only
	// coordinates tabs inside one process.
	Type string `yaml:"type"`

	// Addr is the Redis address. Supports ${VAR} and ${VAR:-default}.
	Addr string `yaml:"addr"`

	// Password is the Redis password. Supports environment substitution.
	Password string `yaml:"password"`

	// DB is the Redis database number.
	DB int `yaml:"db"`
}

// TransportConfig configures the WebSocket transport used by the leader.
type TransportConfig struct {
	// URL is the push server WebSocket endpoint, e.g. ws://host:8090/ws.
	URL string `yaml:"url"`
}

// ServerConfig configures the push server run by the serve command.
type ServerConfig struct {
	// Port is the HTTP port. Defaults to 8090.
	Port int `yaml:"port"`

	// PublishRate is the per-connection publish limit per second.
	// Defaults to 20.
	PublishRate float64 `yaml:"publish_rate"`

	// Title is shown on the console page. Defaults to "tabrelay".
	Title string `yaml:"title"`
}

// Duration wraps time.Duration for YAML unmarshalling.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}

	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}

	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns.
// Group 1: variable name
// Group 2: the ":-default" part (if present, indicates a default was specified)
// Group 3: the default value (may be empty for ${VAR:-})
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(:-([^}]*))?\}`)

// expandEnvVars replaces ${VAR} and ${VAR:-default} patterns with environment values.
func expandEnvVars(s string) (string, error) {
	var firstErr error

	result := envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		if firstErr != nil {
			return match
		}

		submatches := envVarPattern.FindStringSubmatch(match)
		if len(submatches) < 2 {
			return match
		}

		varName := submatches[1]
		hasDefault := len(submatches) > 2 && submatches[2] != ""
		defaultVal := ""
		if hasDefault && len(submatches) > 3 {
			defaultVal = submatches[3]
		}

		value, exists := os.LookupEnv(varName)
		if !exists {
			if hasDefault {
				return defaultVal
			}
			firstErr = fmt.Errorf("environment variable %q is not set", varName)
			return match
		}
		return value
	})

	if firstErr != nil {
		return "", firstErr
	}
	return result, nil
}

// Load reads and parses a YAML configuration file.
//
// Environment variables in the file are expanded before parsing.
// Returns an error if the file cannot be read or parsed.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML configuration data.
//
// Environment variables are expanded in the store address, store password
// and transport URL. Defaults are applied before validation.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.expandAndValidate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Timeout == 0 {
		c.Timeout = Duration(defaultTimeout)
	}
	if c.LogLevel == "" {
		c.LogLevel = defaultLogLevel
	}
	if c.Store.Type == "" {
		c.Store.Type = StoreMemory
	}
	if c.Server.Port == 0 {
		c.Server.Port = defaultPort
	}
	if c.Server.PublishRate == 0 {
		c.Server.PublishRate = defaultPublishRate
	}
}

// expandAndValidate expands environment variables and validates the config.
func (c *Config) expandAndValidate() error {
	if c.Timeout.Duration() < minTimeout {
		return fmt.Errorf("timeout must be at least %s, got %s", minTimeout, c.Timeout.Duration())
	}

	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}

	seen := make(map[string]struct{}, len(c.Channels))
	for i, ch := range c.Channels {
		if err := protocol.ValidateChannel(ch); err != nil {
			return fmt.Errorf("channels[%d]: %w", i, err)
		}
		if _, dup := seen[ch]; dup {
			return fmt.Errorf("channels[%d]: duplicate channel %q", i, ch)
		}
		seen[ch] = struct{}{}
	}

	if err := c.Store.expandAndValidate(); err != nil {
		return fmt.Errorf("store: %w", err)
	}

	if c.Transport.URL != "" {
		expanded, err := expandEnvVars(c.Transport.URL)
		if err != nil {
			return fmt.Errorf("transport: url: %w", err)
		}
		c.Transport.URL = expanded

		u, err := url.Parse(c.Transport.URL)
		if err != nil {
			return fmt.Errorf("transport: invalid url: %w", err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return fmt.Errorf("transport: url scheme must be ws or wss, got %q", u.Scheme)
		}
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server: port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Server.PublishRate < 0 {
		return fmt.Errorf("server: publish_rate cannot be negative, got %v", c.Server.PublishRate)
	}

	return nil
}

func (s *StoreConfig) expandAndValidate() error {
	switch s.Type {
	case StoreMemory:
		return nil
	case StoreRedis:
	default:
		return fmt.Errorf("type must be %q or %q, got %q", StoreMemory, StoreRedis, s.Type)
	}

	if s.Addr == "" {
		return fmt.Errorf("addr is required for type %q", StoreRedis)
	}
	addr, err := expandEnvVars(s.Addr)
	if err != nil {
		return fmt.Errorf("addr: %w", err)
	}
	s.Addr = addr

	password, err := expandEnvVars(s.Password)
	if err != nil {
		return fmt.Errorf("password: %w", err)
	}
	s.Password = password

	if s.DB < 0 {
		return fmt.Errorf("db cannot be negative, got %d", s.DB)
	}
	return nil
}
