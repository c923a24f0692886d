// Package config provides configuration management with hot-reload support.
// It uses fsnotify to watch for file changes and atomic pointer swaps for
// zero-downtime updates. Durations that operators tune per deployment are
// expressed as integer milliseconds or seconds to match the on-disk format.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Pool names for the two upstream routing surfaces.
const (
	PoolCLI     = "cli"
	PoolSandbox = "sandbox"
)

// Scheduling modes.
const (
	ModeCacheFirst       = "cache_first"
	ModeBalance          = "balance"
	ModePerformanceFirst = "performance_first"
)

// Config represents the complete gateway configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Auth       AuthConfig       `yaml:"auth"`
	Rotation   RotationConfig   `yaml:"rotation"`
	Scoring    ScoringConfig    `yaml:"scoring"`
	Models     ModelsConfig     `yaml:"models"`
	Retry      RetryConfig      `yaml:"retry"`
	Tokens     TokensConfig     `yaml:"tokens"`
	Quota      QuotaConfig      `yaml:"quota"`
	Endpoints  EndpointsConfig  `yaml:"endpoints"`
	Scheduling SchedulingConfig `yaml:"scheduling"`
	Features   FeaturesConfig   `yaml:"features"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Storage    StorageConfig    `yaml:"storage"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// AuthConfig holds the single shared bearer secret protecting the gateway.
// An empty secret disables inbound authentication.
type AuthConfig struct {
	Secret string `yaml:"secret"`
}

// RotationConfig controls account rotation and cooldown behaviour.
type RotationConfig struct {
	Strategy string         `yaml:"strategy"`
	Cooldown CooldownConfig `yaml:"cooldown"`
}

// CooldownConfig defines cooldown durations in milliseconds.
type CooldownConfig struct {
	DefaultDurationMs int64 `yaml:"default_duration_ms"`
	MaxDurationMs     int64 `yaml:"max_duration_ms"`
}

// DefaultDuration returns the base cooldown as a time.Duration.
func (c CooldownConfig) DefaultDuration() time.Duration {
	return time.Duration(c.DefaultDurationMs) * time.Millisecond
}

// MaxDuration returns the cooldown cap as a time.Duration.
func (c CooldownConfig) MaxDuration() time.Duration {
	return time.Duration(c.MaxDurationMs) * time.Millisecond
}

// ScoringConfig tunes the account health model.
type ScoringConfig struct {
	HealthRange HealthRange    `yaml:"health_range"`
	Penalties   PenaltyConfig  `yaml:"penalties"`
	Rewards     RewardConfig   `yaml:"rewards"`
	Weights     ScoringWeights `yaml:"weights"`
}

// HealthRange bounds the health score.
type HealthRange struct {
	Min     float64 `yaml:"min"`
	Max     float64 `yaml:"max"`
	Initial float64 `yaml:"initial"`
}

// PenaltyConfig lists health deltas applied on failure, by failure class.
// Values are negative.
type PenaltyConfig struct {
	APIError      float64 `yaml:"api_error"`
	RefreshError  float64 `yaml:"refresh_error"`
	FatalError    float64 `yaml:"fatal_error"`
	SystemicError float64 `yaml:"systemic_error"`
	Timeout       float64 `yaml:"timeout"`
}

// RewardConfig lists health deltas applied on success.
type RewardConfig struct {
	Success float64 `yaml:"success"`
}

// ScoringWeights weighs the terms of the priority function.
type ScoringWeights struct {
	Health float64 `yaml:"health"`
	LRU    float64 `yaml:"lru"`
}

// ModelsConfig contains model routing rules and per-class dispatch timeouts.
type ModelsConfig struct {
	Blacklist []string         `yaml:"blacklist"`
	Routing   ModelRouting     `yaml:"routing"`
	Timeouts  map[string]int64 `yaml:"timeouts"` // substring -> timeout ms, "default" required
}

// ModelRouting holds the keyword heuristics that pick the first-attempt pool.
type ModelRouting struct {
	SandboxKeywords []string `yaml:"sandbox_keywords"`
	CLIKeywords     []string `yaml:"cli_keywords"`
	ForceToSandbox  []string `yaml:"force_to_sandbox"`
}

// TimeoutFor returns the dispatch timeout for a model name, using the longest
// matching substring key and falling back to the "default" entry.
func (m ModelsConfig) TimeoutFor(model string) time.Duration {
	const fallback = 30 * time.Second
	if len(m.Timeouts) == 0 {
		return fallback
	}
	lower := strings.ToLower(model)
	best := ""
	for key := range m.Timeouts {
		if key == "default" {
			continue
		}
		if strings.Contains(lower, key) && len(key) > len(best) {
			best = key
		}
	}
	if best != "" {
		return time.Duration(m.Timeouts[best]) * time.Millisecond
	}
	if ms, ok := m.Timeouts["default"]; ok {
		return time.Duration(ms) * time.Millisecond
	}
	return fallback
}

// RetryConfig bounds the orchestrator retry loop.
type RetryConfig struct {
	MaxAttempts                    int   `yaml:"max_attempts"`
	TransientRetryThresholdSeconds int64 `yaml:"transient_retry_threshold_seconds"`
}

// TokensConfig controls access-credential refresh.
type TokensConfig struct {
	ExpiryBufferMs int64 `yaml:"expiry_buffer_ms"`
}

// ExpiryBuffer returns the refresh-ahead window as a time.Duration.
func (t TokensConfig) ExpiryBuffer() time.Duration {
	return time.Duration(t.ExpiryBufferMs) * time.Millisecond
}

// QuotaConfig controls background quota polling and the soft exclusion filter.
type QuotaConfig struct {
	RefreshIntervalMs         int64   `yaml:"refresh_interval_ms"`
	InitialDelayMs            int64   `yaml:"initial_delay_ms"`
	SoftQuotaThresholdPercent float64 `yaml:"soft_quota_threshold_percent"`
}

// RefreshInterval returns the polling interval as a time.Duration.
func (q QuotaConfig) RefreshInterval() time.Duration {
	return time.Duration(q.RefreshIntervalMs) * time.Millisecond
}

// InitialDelay returns the startup delay before the first poll.
func (q QuotaConfig) InitialDelay() time.Duration {
	return time.Duration(q.InitialDelayMs) * time.Millisecond
}

// EndpointsConfig lists the ordered upstream endpoint URIs per pool.
type EndpointsConfig struct {
	Sandbox []string `yaml:"sandbox"`
	CLI     []string `yaml:"cli"`
}

// ForPool returns the endpoint list for a pool name.
func (e EndpointsConfig) ForPool(pool string) []string {
	if pool == PoolCLI {
		return e.CLI
	}
	return e.Sandbox
}

// SchedulingConfig selects the scheduling mode and its wait bounds.
type SchedulingConfig struct {
	Mode                     string `yaml:"mode"`
	MaxCacheFirstWaitSeconds int64  `yaml:"max_cache_first_wait_seconds"`
	MaxRateLimitWaitSeconds  int64  `yaml:"max_rate_limit_wait_seconds"`
}

// MaxCacheFirstWait returns the bounded sticky-wait window.
func (s SchedulingConfig) MaxCacheFirstWait() time.Duration {
	return time.Duration(s.MaxCacheFirstWaitSeconds) * time.Second
}

// FeaturesConfig toggles optional behaviour.
type FeaturesConfig struct {
	JitterEnabled    bool  `yaml:"jitter_enabled"`
	JitterMinMs      int64 `yaml:"jitter_min_ms"`
	JitterMaxMs      int64 `yaml:"jitter_max_ms"`
	PIDOffsetEnabled bool  `yaml:"pid_offset_enabled"`
}

// RateLimitConfig defines inbound rate limiting parameters.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level         string `yaml:"level"`  // debug, info, warn, error
	Format        string `yaml:"format"` // json, text
	MaxBufferSize int    `yaml:"max_buffer_size"`
}

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// StorageConfig selects the persistence backend for account records.
type StorageConfig struct {
	Backend      string `yaml:"backend"` // file, redis
	AccountsFile string `yaml:"accounts_file"`
	RedisAddr    string `yaml:"redis_addr"`
	RedisKey     string `yaml:"redis_key"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         3000,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 300 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Rotation: RotationConfig{
			Strategy: "hybrid",
			Cooldown: CooldownConfig{
				DefaultDurationMs: 60_000,
				MaxDurationMs:     3_600_000,
			},
		},
		Scoring: ScoringConfig{
			HealthRange: HealthRange{Min: 0, Max: 100, Initial: 100},
			Penalties: PenaltyConfig{
				APIError:      -10,
				RefreshError:  -20,
				FatalError:    -50,
				SystemicError: -5,
				Timeout:       -5,
			},
			Rewards: RewardConfig{Success: 2},
			Weights: ScoringWeights{Health: 2.0, LRU: 0.1},
		},
		Models: ModelsConfig{
			Routing: ModelRouting{
				SandboxKeywords: []string{"claude", "image"},
				CLIKeywords:     []string{"-preview", "gemini-2.0", "gemini-2.5", "gemini-3-pro"},
				ForceToSandbox:  []string{"gpt", "antigravity-"},
			},
			Timeouts: map[string]int64{
				"default":  30_000,
				"claude":   60_000,
				"thinking": 120_000,
			},
		},
		Retry: RetryConfig{
			MaxAttempts:                    5,
			TransientRetryThresholdSeconds: 5,
		},
		Tokens: TokensConfig{ExpiryBufferMs: 60_000},
		Quota: QuotaConfig{
			RefreshIntervalMs:         300_000,
			InitialDelayMs:            10_000,
			SoftQuotaThresholdPercent: 90,
		},
		Endpoints: EndpointsConfig{
			Sandbox: []string{
				"https://daily-cloudcode-pa.googleapis.com/v1internal:streamGenerateContent?alt=sse",
				"https://cloudcode-pa.googleapis.com/v1internal:streamGenerateContent?alt=sse",
			},
			CLI: []string{
				"https://cloudcode-pa.googleapis.com/v1internal:streamGenerateContent?alt=sse",
				"https://daily-cloudcode-pa.googleapis.com/v1internal:streamGenerateContent?alt=sse",
			},
		},
		Scheduling: SchedulingConfig{
			Mode:                     ModeCacheFirst,
			MaxCacheFirstWaitSeconds: 60,
			MaxRateLimitWaitSeconds:  300,
		},
		Features: FeaturesConfig{
			JitterEnabled: true,
			JitterMinMs:   50,
			JitterMaxMs:   300,
		},
		RateLimit: RateLimitConfig{
			Enabled:           false,
			RequestsPerMinute: 120,
			BurstSize:         20,
		},
		Logging: LoggingConfig{
			Level:         "info",
			Format:        "json",
			MaxBufferSize: 200,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Storage: StorageConfig{
			Backend:      "file",
			AccountsFile: "accounts.json",
			RedisKey:     "agpool:accounts",
		},
	}
}

// LoadFromFile reads and parses a YAML configuration file.
// Environment variables in the format ${VAR_NAME} are expanded.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Scoring.HealthRange.Min >= c.Scoring.HealthRange.Max {
		return fmt.Errorf("scoring.health_range: min %.1f must be below max %.1f",
			c.Scoring.HealthRange.Min, c.Scoring.HealthRange.Max)
	}
	if c.Rotation.Cooldown.DefaultDurationMs <= 0 {
		return fmt.Errorf("rotation.cooldown.default_duration_ms must be positive")
	}
	if c.Rotation.Cooldown.MaxDurationMs < c.Rotation.Cooldown.DefaultDurationMs {
		return fmt.Errorf("rotation.cooldown.max_duration_ms must be >= default_duration_ms")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1")
	}
	switch c.Scheduling.Mode {
	case ModeCacheFirst, ModeBalance, ModePerformanceFirst:
	default:
		return fmt.Errorf("scheduling.mode %q is not one of cache_first, balance, performance_first", c.Scheduling.Mode)
	}
	if len(c.Endpoints.Sandbox) == 0 || len(c.Endpoints.CLI) == 0 {
		return fmt.Errorf("endpoints: both sandbox and cli endpoint lists are required")
	}
	switch c.Storage.Backend {
	case "file", "redis":
	default:
		return fmt.Errorf("storage.backend %q is not one of file, redis", c.Storage.Backend)
	}
	if c.Storage.Backend == "redis" && c.Storage.RedisAddr == "" {
		return fmt.Errorf("storage.redis_addr is required for the redis backend")
	}
	return nil
}
