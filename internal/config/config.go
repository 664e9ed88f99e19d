// Package config loads and validates the kernel configuration: the
// state root layout, policy file location, recorder, sandbox, and
// sidecar settings. Values come from an optional YAML file overridden
// by AGENTOS_* environment variables.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config is the top-level kernel configuration.
type Config struct {
	// StateRoot is the directory holding policy, recorder, and memory
	// state.
	StateRoot string `yaml:"state_root" mapstructure:"state_root" validate:"required"`

	// LogLevel is one of DEBUG, INFO, WARN, ERROR (case-insensitive).
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=DEBUG INFO WARN ERROR debug info warn error"`

	Policy   PolicyConfig   `yaml:"policy" mapstructure:"policy"`
	Recorder RecorderConfig `yaml:"recorder" mapstructure:"recorder"`
	Sandbox  SandboxConfig  `yaml:"sandbox" mapstructure:"sandbox"`
	Sidecar  SidecarConfig  `yaml:"sidecar" mapstructure:"sidecar"`
}

// PolicyConfig locates the active policy document.
type PolicyConfig struct {
	// File overrides the default <state_root>/policy/active.yaml.
	File string `yaml:"file" mapstructure:"file" validate:"omitempty,filepath"`
	// HotReload watches the policy directory for changes.
	HotReload bool `yaml:"hot_reload" mapstructure:"hot_reload"`
}

// RecorderConfig tunes the flight recorder.
type RecorderConfig struct {
	// Dir overrides the default <state_root>/recorder.
	Dir string `yaml:"dir" mapstructure:"dir"`
	// SegmentMaxBytes rotates segments past this size. Zero keeps the
	// recorder default.
	SegmentMaxBytes int64 `yaml:"segment_max_bytes" mapstructure:"segment_max_bytes" validate:"omitempty,min=4096"`
}

// SandboxConfig bounds sandboxed code execution.
type SandboxConfig struct {
	Interpreter    string `yaml:"interpreter" mapstructure:"interpreter"`
	MaxMemoryMB    int    `yaml:"max_memory_mb" mapstructure:"max_memory_mb" validate:"omitempty,min=16"`
	MaxCPUSeconds  int    `yaml:"max_cpu_seconds" mapstructure:"max_cpu_seconds" validate:"omitempty,min=1"`
	MaxWallSeconds int    `yaml:"max_wall_seconds" mapstructure:"max_wall_seconds" validate:"omitempty,min=1"`
	// Shadow switches the sandbox to report-only mode.
	Shadow bool `yaml:"shadow" mapstructure:"shadow"`
}

// SidecarConfig configures the trust sidecar.
type SidecarConfig struct {
	// Listen is the sidecar bind address.
	Listen string `yaml:"listen" mapstructure:"listen" validate:"omitempty,hostname_port"`
	// Backend is the protected agent's base URL.
	Backend string `yaml:"backend" mapstructure:"backend" validate:"omitempty,url"`
	// ManifestFile is the JSON capability manifest for the backend.
	ManifestFile string `yaml:"manifest_file" mapstructure:"manifest_file"`
	// ForwardTimeoutSeconds bounds one backend call.
	ForwardTimeoutSeconds int `yaml:"forward_timeout_seconds" mapstructure:"forward_timeout_seconds" validate:"omitempty,min=1"`
}

// Load reads configuration from an optional YAML file, applies
// AGENTOS_* environment overrides and defaults, and validates the
// result. An empty configFile loads defaults plus environment only.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("AGENTOS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// The three documented environment variables override their config
// fields regardless of key binding.
func applyEnvOverrides(cfg *Config) {
	if path := os.Getenv("AGENTOS_CONFIG"); path != "" {
		cfg.Policy.File = path
	}
	if level := os.Getenv("AGENTOS_LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}
	if dir := os.Getenv("AGENTOS_RECORDER_DIR"); dir != "" {
		cfg.Recorder.Dir = dir
	}
}

func applyDefaults(cfg *Config) {
	if cfg.StateRoot == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		cfg.StateRoot = filepath.Join(home, ".agentos")
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "INFO"
	}
	if cfg.Sandbox.Interpreter == "" {
		cfg.Sandbox.Interpreter = "python3"
	}
	if cfg.Sidecar.ForwardTimeoutSeconds == 0 {
		cfg.Sidecar.ForwardTimeoutSeconds = 10
	}
}

// PolicyPath is the active policy document location.
func (c *Config) PolicyPath() string {
	if c.Policy.File != "" {
		return c.Policy.File
	}
	return filepath.Join(c.StateRoot, "policy", "active.yaml")
}

// RecorderDir is where chained audit segments live.
func (c *Config) RecorderDir() string {
	if c.Recorder.Dir != "" {
		return c.Recorder.Dir
	}
	return filepath.Join(c.StateRoot, "recorder")
}

// MemoryDir is the per-agent memory entry root.
func (c *Config) MemoryDir() string {
	return filepath.Join(c.StateRoot, "memory")
}

// TraceDBPath is the sidecar trace database.
func (c *Config) TraceDBPath() string {
	return filepath.Join(c.StateRoot, "traces.db")
}

// Level maps LogLevel to a slog level. Unknown values fall back to
// info.
func (c *Config) Level() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// EnsureLayout creates the state root directory tree.
func (c *Config) EnsureLayout() error {
	for _, dir := range []string{
		filepath.Join(c.StateRoot, "policy"),
		c.RecorderDir(),
		c.MemoryDir(),
	} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("state layout: %w", err)
		}
	}
	return nil
}
