// Package config holds the process-wide ferryman configuration, resolved
// once at startup: built-in defaults, then an optional YAML file, then
// environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Default configuration values exported for documentation and validation
const (
	DefaultPort                = 10000
	DefaultBind                = "0.0.0.0"
	DefaultPoolSize            = 3
	DefaultAcquireTimeout      = 30 * time.Second
	DefaultTaskTimeout         = 30 * time.Second
	DefaultStepTimeout         = 10 * time.Second
	DefaultStartupTimeout      = 20 * time.Second
	DefaultIdleRecycleInterval = 5 * time.Minute
	DefaultCrashRetryLimit     = 3
	DefaultCrashRetryWindow    = time.Minute
	DefaultMaxSteps            = 25
	DefaultScreenshotQuality   = 80
)

// Config represents the complete ferryman configuration
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Pool    PoolConfig    `yaml:"pool"`
	Task    TaskConfig    `yaml:"task"`
	Browser BrowserConfig `yaml:"browser"`
	Events  EventsConfig  `yaml:"events"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig configures the HTTP gateway
type ServerConfig struct {
	Bind      string `yaml:"bind"`
	Port      int    `yaml:"port"`
	AuthToken string `yaml:"auth_token"`
}

// PoolConfig tunes the browser session pool
type PoolConfig struct {
	Size                int           `yaml:"size"`
	AcquireTimeout      time.Duration `yaml:"acquire_timeout"`
	IdleRecycleInterval time.Duration `yaml:"idle_recycle_interval"`
	CrashRetryLimit     int           `yaml:"crash_retry_limit"`
	CrashRetryWindow    time.Duration `yaml:"crash_retry_window"`
}

// TaskConfig tunes task execution
type TaskConfig struct {
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	StepTimeout    time.Duration `yaml:"step_timeout"`
	MaxSteps       int           `yaml:"max_steps"`
}

// BrowserConfig configures the underlying browser engine
type BrowserConfig struct {
	Headless       bool          `yaml:"headless"`
	ExecutablePath string        `yaml:"executable_path"`
	StartupTimeout time.Duration `yaml:"startup_timeout"`
	InstallDriver  bool          `yaml:"install_driver"`
}

// EventsConfig configures lifecycle event publishing
type EventsConfig struct {
	Enabled bool   `yaml:"enabled"`
	NATSURL string `yaml:"nats_url"` // empty = in-memory bus
}

// LoggingConfig configures the structured event log
type LoggingConfig struct {
	Dir      string `yaml:"dir"`
	MinLevel string `yaml:"min_level"`
}

// DefaultConfig returns a config populated with the built-in defaults.
// Numeric defaults are tunables, not contract; everything here can be
// overridden by file or environment.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Bind: DefaultBind,
			Port: DefaultPort,
		},
		Pool: PoolConfig{
			Size:                DefaultPoolSize,
			AcquireTimeout:      DefaultAcquireTimeout,
			IdleRecycleInterval: DefaultIdleRecycleInterval,
			CrashRetryLimit:     DefaultCrashRetryLimit,
			CrashRetryWindow:    DefaultCrashRetryWindow,
		},
		Task: TaskConfig{
			DefaultTimeout: DefaultTaskTimeout,
			StepTimeout:    DefaultStepTimeout,
			MaxSteps:       DefaultMaxSteps,
		},
		Browser: BrowserConfig{
			Headless:       true,
			StartupTimeout: DefaultStartupTimeout,
		},
		Logging: LoggingConfig{
			MinLevel: "info",
		},
	}
}

// Load resolves the configuration: defaults, then the YAML file at path
// (skipped when path is empty or missing), then environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		if err := loadAndMerge(cfg, path); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("loading config %s: %w", path, err)
			}
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1..65535, got %d", c.Server.Port)
	}
	if c.Pool.Size <= 0 {
		return fmt.Errorf("pool.size must be positive, got %d", c.Pool.Size)
	}
	if c.Pool.CrashRetryLimit < 0 {
		return fmt.Errorf("pool.crash_retry_limit must be non-negative, got %d", c.Pool.CrashRetryLimit)
	}
	if c.Task.DefaultTimeout <= 0 {
		return fmt.Errorf("task.default_timeout must be positive, got %v", c.Task.DefaultTimeout)
	}
	if c.Task.StepTimeout <= 0 {
		return fmt.Errorf("task.step_timeout must be positive, got %v", c.Task.StepTimeout)
	}
	if c.Task.MaxSteps <= 0 {
		return fmt.Errorf("task.max_steps must be positive, got %d", c.Task.MaxSteps)
	}
	return nil
}

// Addr returns the listen address for the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Bind, c.Server.Port)
}

// applyEnvOverrides applies FERRYMAN_* environment variables on top of the
// merged config. PORT is honored for container-runtime compatibility.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("FERRYMAN_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("FERRYMAN_BIND"); v != "" {
		cfg.Server.Bind = v
	}
	if v := os.Getenv("FERRYMAN_AUTH_TOKEN"); v != "" {
		cfg.Server.AuthToken = v
	}
	if v := envInt("FERRYMAN_POOL_SIZE"); v > 0 {
		cfg.Pool.Size = v
	}
	if v := envDuration("FERRYMAN_ACQUIRE_TIMEOUT"); v > 0 {
		cfg.Pool.AcquireTimeout = v
	}
	if v := envDuration("FERRYMAN_IDLE_RECYCLE_INTERVAL"); v > 0 {
		cfg.Pool.IdleRecycleInterval = v
	}
	if v := envDuration("FERRYMAN_TASK_TIMEOUT"); v > 0 {
		cfg.Task.DefaultTimeout = v
	}
	if v := envDuration("FERRYMAN_STEP_TIMEOUT"); v > 0 {
		cfg.Task.StepTimeout = v
	}
	if v := os.Getenv("FERRYMAN_HEADLESS"); v != "" {
		cfg.Browser.Headless = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("FERRYMAN_BROWSER_PATH"); v != "" {
		cfg.Browser.ExecutablePath = v
	}
	if v := os.Getenv("FERRYMAN_NATS_URL"); v != "" {
		cfg.Events.Enabled = true
		cfg.Events.NATSURL = v
	}
	if v := os.Getenv("FERRYMAN_LOG_DIR"); v != "" {
		cfg.Logging.Dir = v
	}
	if v := os.Getenv("FERRYMAN_LOG_LEVEL"); v != "" {
		cfg.Logging.MinLevel = strings.ToLower(v)
	}
}

func envInt(key string) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func envDuration(key string) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		// Bare integers are seconds
		if n, nerr := strconv.Atoi(v); nerr == nil {
			return time.Duration(n) * time.Second
		}
		return 0
	}
	return d
}
