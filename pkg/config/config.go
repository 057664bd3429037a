// Package config loads the bridge configuration from YAML with
// SEIBRIDGE_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/entrhq/seibridge/pkg/execution"
	"github.com/entrhq/seibridge/pkg/logging"
	"gopkg.in/yaml.v3"
)

// Environment variables that override file values.
const (
	EnvListenAddr     = "SEIBRIDGE_LISTEN_ADDR"
	EnvLogLevel       = "SEIBRIDGE_LOG_LEVEL"
	EnvCommandTimeout = "SEIBRIDGE_COMMAND_TIMEOUT"
	EnvRESTBaseURL    = "SEIBRIDGE_REST_BASE_URL"
)

// Config is the full bridge configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server" json:"server"`
	Transport TransportConfig `yaml:"transport" json:"transport"`
	Execution ExecutionConfig `yaml:"execution" json:"execution"`
	Driver    DriverConfig    `yaml:"driver" json:"driver"`
	REST      RESTConfig      `yaml:"rest" json:"rest"`
	Logging   LoggingConfig   `yaml:"logging" json:"logging"`
}

// ServerConfig configures the listener and session maintenance.
type ServerConfig struct {
	ListenAddr     string        `yaml:"listen_addr" json:"listen_addr"`
	ReadLimit      int64         `yaml:"read_limit" json:"read_limit"`
	WriteTimeout   time.Duration `yaml:"write_timeout" json:"write_timeout"`
	SessionMaxIdle time.Duration `yaml:"session_max_idle" json:"session_max_idle"`
	// SweepInterval is how often disconnected sessions are swept; 0 disables the sweeper.
	SweepInterval time.Duration `yaml:"sweep_interval" json:"sweep_interval"`
}

// TransportConfig configures command correlation and liveness. A negative
// HeartbeatInterval disables pings; MaxMissedPongs 0 only logs missed pongs.
type TransportConfig struct {
	CommandTimeout    time.Duration `yaml:"command_timeout" json:"command_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" json:"heartbeat_interval"`
	MaxMissedPongs    int           `yaml:"max_missed_pongs" json:"max_missed_pongs"`
}

// ExecutionConfig configures backend selection and page stability.
type ExecutionConfig struct {
	FallbackOrder    []string      `yaml:"fallback_order" json:"fallback_order"`
	StabilityActions []string      `yaml:"stability_actions" json:"stability_actions"`
	StabilityQuiet   time.Duration `yaml:"stability_quiet" json:"stability_quiet"`
	StabilityMax     time.Duration `yaml:"stability_max" json:"stability_max"`
}

// DriverConfig configures the server-side browser backend.
type DriverConfig struct {
	Enabled     bool          `yaml:"enabled" json:"enabled"`
	Headless    bool          `yaml:"headless" json:"headless"`
	MaxSessions int           `yaml:"max_sessions" json:"max_sessions"`
	IdleTimeout time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
}

// RESTConfig configures the portal gateway backend. An empty BaseURL
// disables it.
type RESTConfig struct {
	BaseURL string        `yaml:"base_url" json:"base_url"`
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// LoggingConfig configures log level and destination.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error, off.
	Level string `yaml:"level" json:"level"`
	// Dir overrides the log directory; empty uses ~/.seibridge/logs.
	Dir string `yaml:"dir" json:"dir"`
}

// Default returns a configuration that works without a file.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:     "127.0.0.1:8765",
			ReadLimit:      8 << 20,
			WriteTimeout:   10 * time.Second,
			SweepInterval:  time.Minute,
			SessionMaxIdle: 30 * time.Minute,
		},
		Transport: TransportConfig{
			CommandTimeout:    30 * time.Second,
			HeartbeatInterval: 30 * time.Second,
		},
		Execution: ExecutionConfig{
			FallbackOrder:    []string{"extension", "driver", "rest"},
			StabilityActions: []string{"click", "sei_*_form", "sei_sign_*"},
			StabilityQuiet:   500 * time.Millisecond,
			StabilityMax:     5 * time.Second,
		},
		Driver: DriverConfig{
			Enabled:     false,
			Headless:    true,
			MaxSessions: 4,
			IdleTimeout: 10 * time.Minute,
		},
		REST: RESTConfig{
			Timeout: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads path over Default, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from the environment. lookup is os.LookupEnv
// outside tests.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvListenAddr); ok && strings.TrimSpace(v) != "" {
		c.Server.ListenAddr = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvLogLevel); ok && strings.TrimSpace(v) != "" {
		c.Logging.Level = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvCommandTimeout); ok && strings.TrimSpace(v) != "" {
		d, err := parseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvCommandTimeout, err)
		}
		c.Transport.CommandTimeout = d
	}
	if v, ok := lookup(EnvRESTBaseURL); ok {
		c.REST.BaseURL = strings.TrimSpace(v)
	}
	return nil
}

// parseDuration accepts Go duration strings and bare seconds.
func parseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(raw)
}

// Validate checks the configuration for values the bridge cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Server.ListenAddr) == "" {
		errs = append(errs, errors.New("server.listen_addr is required"))
	}
	if c.Server.ReadLimit <= 0 {
		errs = append(errs, errors.New("server.read_limit must be positive"))
	}
	if c.Server.WriteTimeout < 0 {
		errs = append(errs, errors.New("server.write_timeout cannot be negative"))
	}
	if c.Server.SweepInterval < 0 {
		errs = append(errs, errors.New("server.sweep_interval cannot be negative"))
	}
	if c.Server.SweepInterval > 0 && c.Server.SessionMaxIdle <= 0 {
		errs = append(errs, errors.New("server.session_max_idle must be positive when the sweeper runs"))
	}

	if c.Transport.CommandTimeout <= 0 {
		errs = append(errs, errors.New("transport.command_timeout must be positive"))
	}
	if c.Transport.MaxMissedPongs < 0 {
		errs = append(errs, errors.New("transport.max_missed_pongs cannot be negative"))
	}

	if _, err := c.FallbackOrder(); err != nil {
		errs = append(errs, err)
	}
	if c.Execution.StabilityQuiet < 0 || c.Execution.StabilityMax < 0 {
		errs = append(errs, errors.New("execution stability durations cannot be negative"))
	}

	if c.Driver.MaxSessions < 0 {
		errs = append(errs, errors.New("driver.max_sessions cannot be negative"))
	}
	if c.REST.Timeout < 0 {
		errs = append(errs, errors.New("rest.timeout cannot be negative"))
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging.level: %w", err))
	}

	return errors.Join(errs...)
}

// FallbackOrder parses execution.fallback_order. Duplicates are an error.
func (c *Config) FallbackOrder() ([]execution.Backend, error) {
	if len(c.Execution.FallbackOrder) == 0 {
		return append([]execution.Backend(nil), execution.DefaultFallbackOrder...), nil
	}
	seen := make(map[execution.Backend]bool, len(c.Execution.FallbackOrder))
	order := make([]execution.Backend, 0, len(c.Execution.FallbackOrder))
	for _, raw := range c.Execution.FallbackOrder {
		b, err := execution.ParseBackend(raw)
		if err != nil {
			return nil, fmt.Errorf("execution.fallback_order: %w", err)
		}
		if b == "" {
			return nil, errors.New("execution.fallback_order: empty backend name")
		}
		if seen[b] {
			return nil, fmt.Errorf("execution.fallback_order: %s listed twice", b)
		}
		seen[b] = true
		order = append(order, b)
	}
	return order, nil
}

// LogLevel returns the parsed logging level, defaulting to info.
func (c *Config) LogLevel() logging.Level {
	level, err := logging.ParseLevel(c.Logging.Level)
	if err != nil {
		return logging.LevelInfo
	}
	return level
}
