// Package config provides configuration management for CAM.
// Configuration is a hierarchical merge of built-in defaults, a user-scoped
// file, a project-scoped file discovered by walking up from the working
// directory, CAM_-prefixed environment variables, and caller overrides.
// Later sources override earlier ones; map-valued options (tools) merge by key.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/camdev/cam/internal/common/logger"
)

// Config holds all configuration sections for CAM.
type Config struct {
	// DefaultTool is the adapter used when a task does not name one.
	DefaultTool string `mapstructure:"default_tool"`

	// DefaultTimeout is the task-level total timeout as a duration string
	// ("600", "30m", "2h", "1d"). Empty disables the default.
	DefaultTimeout string `mapstructure:"default_timeout"`

	// AutoConfirm enables adapter auto-confirmation rules globally.
	// A task-level flag overrides this.
	AutoConfirm bool `mapstructure:"auto_confirm"`

	// PollInterval is the monitor tick cadence in seconds.
	PollInterval float64 `mapstructure:"poll_interval"`

	// IdleTimeout in seconds; 0 disables idle detection.
	IdleTimeout float64 `mapstructure:"idle_timeout"`

	// HealthCheckInterval is how many ticks pass between session liveness checks.
	HealthCheckInterval int `mapstructure:"health_check_interval"`

	// ProbeDetection enables the echo-visibility completion probe.
	ProbeDetection bool `mapstructure:"probe_detection"`

	// ProbeStableSeconds is how long output must be unchanged before probing.
	ProbeStableSeconds float64 `mapstructure:"probe_stable_seconds"`

	// ProbeCooldown is the minimum spacing between probes in seconds.
	ProbeCooldown float64 `mapstructure:"probe_cooldown"`

	MaxRetries  int     `mapstructure:"max_retries"`
	BackoffBase float64 `mapstructure:"backoff_base"`
	BackoffMax  float64 `mapstructure:"backoff_max"`

	// DataDir is the install root for the database, logs, pid files and
	// multiplexer sockets. Defaults to an XDG data path.
	DataDir string `mapstructure:"data_dir"`

	// Tools maps tool names to declarative adapter definition files.
	Tools map[string]string `mapstructure:"tools"`

	Server  ServerConfig         `mapstructure:"server"`
	NATS    NATSConfig           `mapstructure:"nats"`
	Docker  DockerConfig         `mapstructure:"docker"`
	Logging logger.LoggingConfig `mapstructure:"logging"`
}

// ServerConfig holds the HTTP/WS API server configuration.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// NATSConfig holds event bus configuration. An empty URL selects the
// in-memory bus.
type NATSConfig struct {
	URL string `mapstructure:"url"`
}

// DockerConfig holds Docker client configuration for the container transport.
type DockerConfig struct {
	Host       string `mapstructure:"host"`
	APIVersion string `mapstructure:"api_version"`
	Image      string `mapstructure:"image"`
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("default_tool", "generic")
	v.SetDefault("default_timeout", "")
	v.SetDefault("auto_confirm", true)
	v.SetDefault("poll_interval", 2.0)
	v.SetDefault("idle_timeout", 0.0)
	v.SetDefault("health_check_interval", 5)
	v.SetDefault("probe_detection", true)
	v.SetDefault("probe_stable_seconds", 10.0)
	v.SetDefault("probe_cooldown", 30.0)
	v.SetDefault("max_retries", 0)
	v.SetDefault("backoff_base", 2.0)
	v.SetDefault("backoff_max", 60.0)
	v.SetDefault("data_dir", "")
	v.SetDefault("tools", map[string]string{})

	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 7337)

	// Empty URL means use the in-memory event bus
	v.SetDefault("nats.url", "")

	v.SetDefault("docker.host", "unix:///var/run/docker.sock")
	v.SetDefault("docker.api_version", "1.41")
	v.SetDefault("docker.image", "ubuntu:24.04")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "")
	v.SetDefault("logging.output_path", "stderr")
}

// Load reads configuration from defaults, config files, and environment.
func Load() (*Config, error) {
	return LoadWithOverrides(nil)
}

// LoadWithOverrides reads configuration and applies caller-supplied
// overrides last. Override keys use the viper dotted form
// ("poll_interval", "server.port").
func LoadWithOverrides(overrides map[string]any) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigType("yaml")

	// User-scoped file: ~/.config/cam/config.yaml
	if userPath := userConfigPath(); userPath != "" {
		v.SetConfigFile(userPath)
		if err := v.ReadInConfig(); err != nil {
			if !os.IsNotExist(err) {
				if _, ok := err.(*os.PathError); !ok {
					return nil, fmt.Errorf("error reading user config: %w", err)
				}
			}
		}
	}

	// Project-scoped file: walk up from the working directory for .cam.yaml
	if projPath := findProjectConfig(); projPath != "" {
		v.SetConfigFile(projPath)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("error reading project config %s: %w", projPath, err)
		}
	}

	// Environment variables: CAM_POLL_INTERVAL, CAM_SERVER_PORT, ...
	v.SetEnvPrefix("CAM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Caller overrides win over everything.
	for key, value := range overrides {
		v.Set(key, value)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks configuration invariants rejected at construction.
func validate(cfg *Config) error {
	var errs []string

	if cfg.DefaultTimeout != "" {
		if _, err := ParseDuration(cfg.DefaultTimeout); err != nil {
			errs = append(errs, fmt.Sprintf("default_timeout: %v", err))
		}
	}
	if cfg.PollInterval <= 0 {
		errs = append(errs, "poll_interval must be positive")
	}
	if cfg.IdleTimeout < 0 {
		errs = append(errs, "idle_timeout must not be negative")
	}
	if cfg.HealthCheckInterval <= 0 {
		errs = append(errs, "health_check_interval must be positive")
	}
	if cfg.MaxRetries < 0 {
		errs = append(errs, "max_retries must not be negative")
	}
	if cfg.BackoffBase <= 1 {
		errs = append(errs, "backoff_base must be greater than 1")
	}
	if cfg.BackoffMax <= 0 {
		errs = append(errs, "backoff_max must be positive")
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// userConfigPath returns the user-scoped config file path, or empty if the
// home directory cannot be resolved.
func userConfigPath() string {
	if base := os.Getenv("XDG_CONFIG_HOME"); base != "" {
		return filepath.Join(base, "cam", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "cam", "config.yaml")
}

// findProjectConfig walks up from the working directory looking for .cam.yaml.
func findProjectConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, ".cam.yaml")
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}
