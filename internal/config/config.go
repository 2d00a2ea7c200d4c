// Package config loads the pulsus configuration: YAML file, environment
// overrides, defaults for anything unset. A missing file is not an error;
// the defaults describe a working local installation.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all pulsus configuration.
type Config struct {
	// FrameworkRoot is the primary directory user scripts are discovered in.
	FrameworkRoot string `yaml:"framework_root"`

	// WorkflowsRoot is the scratch area composed and generated artifacts
	// are materialized under (route_tmp lives here).
	WorkflowsRoot string `yaml:"workflows_root"`

	// LogRoot is where the audit streams and debug logs are written.
	LogRoot string `yaml:"log_root"`

	// WorkingRoot anchors implicit-path resolution in the intent parser.
	WorkingRoot string `yaml:"working_root"`

	Model     ModelConfig     `yaml:"model"`
	Scorer    ScorerConfig    `yaml:"scorer"`
	Sandbox   SandboxConfig   `yaml:"sandbox"`
	Registry  RegistryConfig  `yaml:"registry"`
	Retention RetentionConfig `yaml:"retention"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ModelConfig configures the completion client behind the generator.
type ModelConfig struct {
	Provider    string  `yaml:"provider"` // local, gemini
	Endpoint    string  `yaml:"endpoint"`
	Name        string  `yaml:"name"`
	APIKey      string  `yaml:"api_key"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
	TimeoutMS   int     `yaml:"timeout_ms"`
}

// ScorerConfig configures candidate ranking.
type ScorerConfig struct {
	Weights       ScorerWeights `yaml:"weights"`
	Threshold     float64       `yaml:"threshold"`
	Band          float64       `yaml:"band"`
	HistoryWindow int           `yaml:"history_window"`
	HistoryDB     string        `yaml:"history_db"`
}

// ScorerWeights is the name/doc/history score composition.
type ScorerWeights struct {
	Name    float64 `yaml:"name"`
	Doc     float64 `yaml:"doc"`
	History float64 `yaml:"history"`
}

// SandboxConfig configures the validation subprocess limits.
type SandboxConfig struct {
	WallMS           int      `yaml:"wall_ms"`
	MemBytes         int64    `yaml:"mem_bytes"`
	Network          string   `yaml:"network"` // off, on
	AllowedReadRoots []string `yaml:"allowed_read_roots"`
	MaxOutputBytes   int64    `yaml:"max_output_bytes"`
}

// RegistryConfig configures capability discovery.
type RegistryConfig struct {
	// ScriptRoots are additional user-script directories scanned beside
	// FrameworkRoot.
	ScriptRoots []string `yaml:"script_roots"`
	// Watch enables fsnotify-driven automatic refresh.
	Watch bool `yaml:"watch"`
}

// RetentionConfig configures garbage collection.
type RetentionConfig struct {
	ScratchDays int `yaml:"scratch_days"`
}

// LoggingConfig configures the debug log channel.
type LoggingConfig struct {
	Debug      bool     `yaml:"debug"`
	Level      string   `yaml:"level"` // debug, info, warn, error
	JSONFormat bool     `yaml:"json_format"`
	Categories []string `yaml:"categories"`
}

// DefaultConfig returns a working local configuration rooted under
// ~/.pulsus.
func DefaultConfig() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	base := filepath.Join(home, ".pulsus")
	return &Config{
		FrameworkRoot: filepath.Join(base, "framework"),
		WorkflowsRoot: filepath.Join(base, "workflows"),
		LogRoot:       filepath.Join(base, "logs"),
		WorkingRoot:   ".",
		Model: ModelConfig{
			Provider:    "local",
			Endpoint:    "http://localhost:8080/v1",
			Name:        "local-model",
			Temperature: 0.2,
			MaxTokens:   2048,
			TimeoutMS:   120000,
		},
		Scorer: ScorerConfig{
			Weights:       ScorerWeights{Name: 0.40, Doc: 0.40, History: 0.20},
			Threshold:     0.60,
			Band:          0.05,
			HistoryWindow: 50,
			HistoryDB:     filepath.Join(base, "history.db"),
		},
		Sandbox: SandboxConfig{
			WallMS:         30000,
			MemBytes:       512 * 1024 * 1024,
			Network:        "off",
			MaxOutputBytes: 64 * 1024,
		},
		Retention: RetentionConfig{ScratchDays: 7},
		Logging:   LoggingConfig{Level: "info"},
	}
}

// Load reads configuration from path. A missing file returns the defaults;
// a malformed file is an error. Environment overrides are applied last.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes the configuration to path as YAML.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// applyEnvOverrides lets the environment win over the file for the keys
// operators most commonly override in CI.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("PULSUS_FRAMEWORK_ROOT"); v != "" {
		c.FrameworkRoot = v
	}
	if v := os.Getenv("PULSUS_WORKFLOWS_ROOT"); v != "" {
		c.WorkflowsRoot = v
	}
	if v := os.Getenv("PULSUS_LOG_ROOT"); v != "" {
		c.LogRoot = v
	}
	if v := os.Getenv("PULSUS_MODEL_ENDPOINT"); v != "" {
		c.Model.Endpoint = v
	}
	if v := os.Getenv("PULSUS_MODEL_NAME"); v != "" {
		c.Model.Name = v
	}
	if v := os.Getenv("PULSUS_MODEL_PROVIDER"); v != "" {
		c.Model.Provider = v
	}
	if v := os.Getenv("PULSUS_API_KEY"); v != "" {
		c.Model.APIKey = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" && c.Model.APIKey == "" {
		c.Model.APIKey = v
	}
	if v := os.Getenv("PULSUS_SANDBOX_WALL_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			c.Sandbox.WallMS = ms
		}
	}
	if v := os.Getenv("PULSUS_DEBUG"); v != "" {
		c.Logging.Debug = v == "1" || strings.EqualFold(v, "true")
	}
}

// ScriptRoots returns every directory scanned for user scripts, the
// framework root first.
func (c *Config) ScriptRoots() []string {
	roots := []string{c.FrameworkRoot}
	for _, r := range c.Registry.ScriptRoots {
		if r != "" && r != c.FrameworkRoot {
			roots = append(roots, r)
		}
	}
	return roots
}

// ModelTimeout returns the completion-client timeout as a duration.
func (c *Config) ModelTimeout() time.Duration {
	if c.Model.TimeoutMS <= 0 {
		return 120 * time.Second
	}
	return time.Duration(c.Model.TimeoutMS) * time.Millisecond
}

// SandboxWall returns the dry-run wall-clock limit as a duration.
func (c *Config) SandboxWall() time.Duration {
	if c.Sandbox.WallMS <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Sandbox.WallMS) * time.Millisecond
}

// NetworkOff reports whether the sandbox denies network access.
func (c *Config) NetworkOff() bool {
	return !strings.EqualFold(c.Sandbox.Network, "on")
}

// Validate checks the configuration for values that cannot work.
func (c *Config) Validate() error {
	if c.FrameworkRoot == "" {
		return fmt.Errorf("framework_root must be set")
	}
	if c.WorkflowsRoot == "" {
		return fmt.Errorf("workflows_root must be set")
	}
	if c.LogRoot == "" {
		return fmt.Errorf("log_root must be set")
	}
	switch c.Model.Provider {
	case "local", "gemini":
	default:
		return fmt.Errorf("unknown model provider %q (want local or gemini)", c.Model.Provider)
	}
	w := c.Scorer.Weights
	if w.Name < 0 || w.Doc < 0 || w.History < 0 {
		return fmt.Errorf("scorer weights must be non-negative")
	}
	if w.Name+w.Doc+w.History == 0 {
		return fmt.Errorf("scorer weights must not all be zero")
	}
	if c.Scorer.Threshold < 0 || c.Scorer.Threshold > 1 {
		return fmt.Errorf("scorer threshold %v out of [0,1]", c.Scorer.Threshold)
	}
	if c.Sandbox.WallMS < 0 {
		return fmt.Errorf("sandbox wall_ms must be non-negative")
	}
	switch strings.ToLower(c.Sandbox.Network) {
	case "", "off", "on":
	default:
		return fmt.Errorf("sandbox network must be off or on, got %q", c.Sandbox.Network)
	}
	if c.Retention.ScratchDays < 0 {
		return fmt.Errorf("retention scratch_days must be non-negative")
	}
	return nil
}
