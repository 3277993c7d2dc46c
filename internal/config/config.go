// Package config loads the skillfence configuration: YAML file first, then
// SKILLFENCE_* environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/skillfence/skillfence/internal/logger"
)

var log = logger.New("config")

// Config is the skillfence configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Limits  LimitsConfig  `yaml:"limits"`
	Sandbox SandboxConfig `yaml:"sandbox"`
}

// ServerConfig holds admin API settings.
type ServerConfig struct {
	Port     int    `yaml:"port" envconfig:"PORT"`
	LogLevel string `yaml:"log_level" envconfig:"LOG_LEVEL"`
	NoColor  bool   `yaml:"no_color" envconfig:"NO_COLOR"`
}

// LimitsConfig selects and tunes the rate limiter.
type LimitsConfig struct {
	// Profile is "default" or "strict".
	Profile             string   `yaml:"profile" envconfig:"LIMITS_PROFILE"`
	RequesterPerMinute  int      `yaml:"requester_per_minute"`
	GlobalPerMinute     int      `yaml:"global_per_minute"`
	RequesterConcurrent int      `yaml:"requester_concurrent"`
	GlobalConcurrent    int      `yaml:"global_concurrent"`
	CooldownSeconds     int      `yaml:"cooldown_seconds"`
	SelfIDs             []string `yaml:"self_ids"`
}

// SandboxConfig holds the per-host execution defaults.
type SandboxConfig struct {
	Workdir         string   `yaml:"workdir" envconfig:"WORKDIR"`
	SkillsDir       string   `yaml:"skills_dir" envconfig:"SKILLS_DIR"`
	AllowedHosts    []string `yaml:"allowed_hosts"`
	WritableSubdirs []string `yaml:"writable_subdirs"`
}

// DefaultConfig returns the baseline configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:     7477,
			LogLevel: "info",
		},
		Limits: LimitsConfig{
			Profile: "default",
		},
		Sandbox: SandboxConfig{
			Workdir:   ".",
			SkillsDir: "skills",
		},
	}
}

// Load reads path (optional), applies environment overrides, validates, and
// returns the configuration.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %q: %w", path, err)
		}
		log.Debug("loaded config from %s", path)
	}

	// Each section is processed on its own so keys read SKILLFENCE_PORT, not
	// SKILLFENCE_SERVER_PORT.
	for _, section := range []any{&cfg.Server, &cfg.Limits, &cfg.Sandbox} {
		if err := envconfig.Process("skillfence", section); err != nil {
			return nil, fmt.Errorf("config: env: %w", err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.Server.Port)
	}
	switch c.Limits.Profile {
	case "", "default", "strict":
	default:
		return fmt.Errorf("config: unknown limits profile %q", c.Limits.Profile)
	}
	if _, err := logger.ParseLevel(c.Server.LogLevel); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	if c.Sandbox.Workdir != "" {
		abs, err := filepath.Abs(c.Sandbox.Workdir)
		if err != nil {
			return fmt.Errorf("config: workdir: %w", err)
		}
		c.Sandbox.Workdir = abs
	}
	return nil
}
