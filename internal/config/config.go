// Package config handles reading and writing .gradeloop/config.yaml.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Deployment profiles. Each sets a default iteration budget.
const (
	ProfileFast     = "fast"
	ProfileStandard = "standard"
	ProfileThorough = "thorough"
)

var profileIterations = map[string]int{
	ProfileFast:     0,
	ProfileStandard: 2,
	ProfileThorough: 3,
}

// Config is the top-level structure for .gradeloop/config.yaml.
type Config struct {
	Version    int              `yaml:"version" validate:"gte=1"`
	Model      ModelConfig      `yaml:"model"`
	Loop       LoopConfig       `yaml:"loop"`
	Executor   ExecutorConfig   `yaml:"executor"`
	Preprocess PreprocessConfig `yaml:"preprocess"`
	Cache      CacheConfig      `yaml:"cache"`
	Session    SessionConfig    `yaml:"session"`
	Log        LogConfig        `yaml:"log"`
}

// ModelConfig selects the OpenAI-compatible endpoint and models.
type ModelConfig struct {
	BaseURL               string  `yaml:"base_url"`
	APIKeyEnv             string  `yaml:"api_key_env" validate:"required"`
	VisionModel           string  `yaml:"vision_model" validate:"required"`
	TextModel             string  `yaml:"text_model" validate:"required"`
	OCRFallbackModel      string  `yaml:"ocr_fallback_model"`
	RequestsPerSecond     float64 `yaml:"requests_per_second" validate:"gte=0"`
	RequestTimeoutSeconds int     `yaml:"request_timeout_seconds" validate:"gte=0"`
}

// LoopConfig controls the plan/execute/reflect loop.
type LoopConfig struct {
	Profile string `yaml:"profile" validate:"oneof=fast standard thorough"`
	// MaxIterations overrides the profile when set.
	MaxIterations          *int    `yaml:"max_iterations,omitempty" validate:"omitempty,gte=0,lte=10"`
	ConfidenceThreshold    float64 `yaml:"confidence_threshold" validate:"gt=0,lte=1"`
	MaxPlanSteps           int     `yaml:"max_plan_steps" validate:"gte=1,lte=16"`
	MaxTokens              int     `yaml:"max_tokens" validate:"gte=0"` // 0 = unlimited
	TimeoutSeconds         int     `yaml:"timeout_seconds" validate:"gte=0"`
	FinalizeTimeoutSeconds int     `yaml:"finalize_timeout_seconds" validate:"gte=0"`
	ToolFailureThreshold   int     `yaml:"tool_failure_threshold" validate:"gte=1"`
}

// ExecutorConfig bounds individual tool calls.
type ExecutorConfig struct {
	ToolTimeoutSeconds     int `yaml:"tool_timeout_seconds" validate:"gte=1"`
	MaxAttempts            int `yaml:"max_attempts" validate:"gte=1,lte=10"`
	BaseBackoffMS          int `yaml:"base_backoff_ms" validate:"gte=0"`
	MaxBackoffMS           int `yaml:"max_backoff_ms" validate:"gte=0"`
	MaxParallel            int `yaml:"max_parallel" validate:"gte=1,lte=64"`
	BreakerThreshold       int `yaml:"breaker_threshold" validate:"gte=0"` // 0 disables the breaker
	BreakerCooldownSeconds int `yaml:"breaker_cooldown_seconds" validate:"gte=0"`
}

// PreprocessConfig tunes slicing.
type PreprocessConfig struct {
	MaxSlicesPerPage int     `yaml:"max_slices_per_page" validate:"gte=1"`
	MinRegionArea    float64 `yaml:"min_region_area" validate:"gt=0,lt=1"`
	SliceDir         string  `yaml:"slice_dir" validate:"required"`
}

// CacheConfig selects the shared OCR/slice cache.
type CacheConfig struct {
	Backend    string `yaml:"backend" validate:"oneof=memory badger"`
	Path       string `yaml:"path" validate:"required_if=Backend badger"`
	TTLHours   int    `yaml:"ttl_hours" validate:"gte=0"`
	MaxEntries int    `yaml:"max_entries" validate:"gte=1"`
}

// SessionConfig selects the session store.
type SessionConfig struct {
	Backend  string `yaml:"backend" validate:"oneof=memory badger sqlite"`
	Path     string `yaml:"path" validate:"required_unless=Backend memory"`
	TTLHours int    `yaml:"ttl_hours" validate:"gte=0"`
}

// LogConfig controls operational logging and the audit trail location.
type LogConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `yaml:"json"`
	Dir   string `yaml:"dir"` // audit log lives in <dir>/.gradeloop/log.jsonl
}

const configDir = ".gradeloop"
const configFile = "config.yaml"

// ErrNotFound is returned by ReadConfig when no config file exists.
var ErrNotFound = errors.New("config file not found")

var validate = validator.New()

// ReadConfig reads .gradeloop/config.yaml from the given project directory.
// dir is the project root (not .gradeloop/ itself). Fields missing from the
// file keep their defaults.
func ReadConfig(dir string) (*Config, error) {
	path := filepath.Join(dir, configDir, configFile)

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("reading config %s: %w", path, ErrNotFound)
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadOrDefault reads the config from dir, falling back to defaults when
// the project has not been initialized.
func LoadOrDefault(dir string) (*Config, error) {
	cfg, err := ReadConfig(dir)
	if errors.Is(err, ErrNotFound) {
		return DefaultConfig(), nil
	}
	return cfg, err
}

// WriteConfig writes cfg to .gradeloop/config.yaml in the given project directory.
// Creates the .gradeloop/ directory if it does not exist.
func WriteConfig(dir string, cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	dirPath := filepath.Join(dir, configDir)
	if err := os.MkdirAll(dirPath, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshalling config: %w", err)
	}

	path := filepath.Join(dirPath, configFile)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	return nil
}

// Validate checks field ranges and enums.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Executor.MaxBackoffMS > 0 && c.Executor.MaxBackoffMS < c.Executor.BaseBackoffMS {
		return fmt.Errorf("invalid config: executor.max_backoff_ms (%d) is below base_backoff_ms (%d)",
			c.Executor.MaxBackoffMS, c.Executor.BaseBackoffMS)
	}
	return nil
}

// Iterations returns the explicit iteration budget, or the profile's.
func (l LoopConfig) Iterations() int {
	if l.MaxIterations != nil {
		return *l.MaxIterations
	}
	if n, ok := profileIterations[l.Profile]; ok {
		return n
	}
	return profileIterations[ProfileStandard]
}

// Timeout returns the run wall-clock budget.
func (l LoopConfig) Timeout() time.Duration {
	return time.Duration(l.TimeoutSeconds) * time.Second
}

// FinalizeTimeout returns the grace period for aggregation after the run
// budget is spent.
func (l LoopConfig) FinalizeTimeout() time.Duration {
	return time.Duration(l.FinalizeTimeoutSeconds) * time.Second
}

// ToolTimeout returns the per-attempt tool timeout.
func (e ExecutorConfig) ToolTimeout() time.Duration {
	return time.Duration(e.ToolTimeoutSeconds) * time.Second
}

// BreakerCooldown returns how long an open breaker waits before a probe.
func (e ExecutorConfig) BreakerCooldown() time.Duration {
	return time.Duration(e.BreakerCooldownSeconds) * time.Second
}

// RequestTimeout returns the model HTTP timeout.
func (m ModelConfig) RequestTimeout() time.Duration {
	return time.Duration(m.RequestTimeoutSeconds) * time.Second
}

// TTL returns the cache entry lifetime.
func (c CacheConfig) TTL() time.Duration { return time.Duration(c.TTLHours) * time.Hour }

// TTL returns the session lifetime in the store.
func (s SessionConfig) TTL() time.Duration { return time.Duration(s.TTLHours) * time.Hour }

// Resolve returns p relative to the project directory unless it is absolute.
func Resolve(dir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Version: 1,
		Model: ModelConfig{
			APIKeyEnv:             "OPENAI_API_KEY",
			VisionModel:           "gpt-4o",
			TextModel:             "gpt-4o-mini",
			OCRFallbackModel:      "gpt-4o-mini",
			RequestsPerSecond:     2,
			RequestTimeoutSeconds: 90,
		},
		Loop: LoopConfig{
			Profile:                ProfileStandard,
			ConfidenceThreshold:    0.9,
			MaxPlanSteps:           4,
			TimeoutSeconds:         300,
			FinalizeTimeoutSeconds: 90,
			ToolFailureThreshold:   3,
		},
		Executor: ExecutorConfig{
			ToolTimeoutSeconds:     60,
			MaxAttempts:            3,
			BaseBackoffMS:          500,
			MaxBackoffMS:           4000,
			MaxParallel:            4,
			BreakerThreshold:       5,
			BreakerCooldownSeconds: 30,
		},
		Preprocess: PreprocessConfig{
			MaxSlicesPerPage: 6,
			MinRegionArea:    0.02,
			SliceDir:         ".gradeloop/slices",
		},
		Cache: CacheConfig{
			Backend:    "badger",
			Path:       ".gradeloop/cache",
			TTLHours:   24 * 7,
			MaxEntries: 1024,
		},
		Session: SessionConfig{
			Backend:  "sqlite",
			Path:     ".gradeloop/sessions.db",
			TTLHours: 72,
		},
		Log: LogConfig{
			Level: "info",
			Dir:   ".",
		},
	}
}
