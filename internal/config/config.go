// Package config loads and validates all runtime configuration for the proxy.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file; a .env file, when present, is loaded
// into the environment first.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example MAX_CONCURRENT becomes
// max_concurrent in YAML.
//
// No variable is strictly required. With an empty API_KEYS the proxy starts,
// answers every chat request with the exhaustion error and accepts keys at
// runtime through the admin API.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// APIKeys is the ordered upstream key list. Order defines rotation order.
	APIKeys []string

	Upstream UpstreamConfig

	Queue QueueConfig

	// RateLimitPauseMax caps the pause taken after a 429 before the next
	// attempt. 0 disables the pause. Default: 1s.
	RateLimitPauseMax time.Duration

	// AdminToken enables the /admin API when non-empty.
	AdminToken string

	// LogCapacity is the number of activity entries kept in memory. Default: 500.
	LogCapacity int

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default).
	CORSOrigins []string

	// Redis backs the optional inbound RPM guard.
	Redis RedisConfig

	RateLimit RateLimitConfig

	// HealthProbeInterval is how often the upstream is probed. 0 disables
	// probing. Default: 5m.
	HealthProbeInterval time.Duration
}

// UpstreamConfig describes the OpenAI-compatible gateway requests are
// forwarded to.
type UpstreamConfig struct {
	// BaseURL is the API root; "/chat/completions" is appended.
	// Default: https://openrouter.ai/api/v1.
	BaseURL string

	// DefaultModel fills a missing "model" field. Default: deepseek/deepseek-chat.
	DefaultModel string

	// Timeout bounds each upstream attempt. Default: 30s.
	Timeout time.Duration

	// Referer and Title are sent as HTTP-Referer and X-Title.
	Referer string
	Title   string
}

// QueueConfig controls admission pacing.
type QueueConfig struct {
	// MaxConcurrent is the number of requests forwarded at once. Default: 3.
	MaxConcurrent int

	// MinInterval is the minimum spacing between request starts. Default: 200ms.
	MinInterval time.Duration
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// RateLimitConfig controls inbound request-rate limiting.
type RateLimitConfig struct {
	// RPMLimit is the maximum requests per minute allowed globally.
	// 0 disables rate limiting. Default: 0.
	RPMLimit int

	// Scope names the shared budget in Redis. Default: "default".
	Scope string
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("UPSTREAM_BASE_URL", "https://openrouter.ai/api/v1")
	v.SetDefault("DEFAULT_MODEL", "deepseek/deepseek-chat")
	v.SetDefault("UPSTREAM_TIMEOUT", "30s")
	v.SetDefault("MAX_CONCURRENT", 3)
	v.SetDefault("MIN_INTERVAL_MS", 200)
	v.SetDefault("RATE_LIMIT_PAUSE_MAX", "1s")
	v.SetDefault("LOG_CAPACITY", 500)
	v.SetDefault("CORS_ORIGINS", []string{"*"})
	v.SetDefault("HEALTH_PROBE_INTERVAL", "5m")

	// Rate limit: 0 = disabled.
	v.SetDefault("RPM_LIMIT", 0)
	v.SetDefault("RPM_SCOPE", "default")

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		APIKeys: ParseKeys(v.GetStringSlice("API_KEYS")...),

		Upstream: UpstreamConfig{
			BaseURL:      strings.TrimRight(v.GetString("UPSTREAM_BASE_URL"), "/"),
			DefaultModel: v.GetString("DEFAULT_MODEL"),
			Timeout:      v.GetDuration("UPSTREAM_TIMEOUT"),
			Referer:      v.GetString("HTTP_REFERER"),
			Title:        v.GetString("X_TITLE"),
		},

		Queue: QueueConfig{
			MaxConcurrent: v.GetInt("MAX_CONCURRENT"),
			MinInterval:   time.Duration(v.GetInt64("MIN_INTERVAL_MS")) * time.Millisecond,
		},

		RateLimitPauseMax: v.GetDuration("RATE_LIMIT_PAUSE_MAX"),
		AdminToken:        v.GetString("ADMIN_TOKEN"),
		LogCapacity:       v.GetInt("LOG_CAPACITY"),
		CORSOrigins:       v.GetStringSlice("CORS_ORIGINS"),

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		RateLimit: RateLimitConfig{
			RPMLimit: v.GetInt("RPM_LIMIT"),
			Scope:    v.GetString("RPM_SCOPE"),
		},

		HealthProbeInterval: v.GetDuration("HEALTH_PROBE_INTERVAL"),
	}

	// ── Validation ────────────────────────────────────────────────────────────
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ParseKeys splits raw values on commas and whitespace, dropping blanks.
// Each argument may itself hold several keys ("k1,k2 k3").
func ParseKeys(raw ...string) []string {
	var out []string
	for _, r := range raw {
		out = append(out, strings.FieldsFunc(r, func(c rune) bool {
			return c == ',' || c == ';' || c == ' ' || c == '\t' || c == '\n' || c == '\r'
		})...)
	}
	return out
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("config: PORT must be in 1..65535, got %d", c.Port)
	}

	u, err := url.Parse(c.Upstream.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("config: UPSTREAM_BASE_URL must be an absolute http(s) URL, got %q", c.Upstream.BaseURL)
	}
	if c.Upstream.Timeout <= 0 {
		return fmt.Errorf("config: UPSTREAM_TIMEOUT must be a positive duration")
	}

	if c.Queue.MaxConcurrent < 1 {
		return fmt.Errorf("config: MAX_CONCURRENT must be ≥ 1, got %d", c.Queue.MaxConcurrent)
	}
	if c.Queue.MinInterval < 0 {
		return fmt.Errorf("config: MIN_INTERVAL_MS must be ≥ 0")
	}
	if c.RateLimitPauseMax < 0 {
		return fmt.Errorf("config: RATE_LIMIT_PAUSE_MAX must be ≥ 0")
	}
	if c.LogCapacity < 1 {
		return fmt.Errorf("config: LOG_CAPACITY must be ≥ 1, got %d", c.LogCapacity)
	}
	if c.HealthProbeInterval < 0 {
		return fmt.Errorf("config: HEALTH_PROBE_INTERVAL must be ≥ 0")
	}

	// Redis URL is required when the RPM guard is enabled.
	if c.RateLimit.RPMLimit < 0 {
		return fmt.Errorf("config: RPM_LIMIT must be ≥ 0, got %d", c.RateLimit.RPMLimit)
	}
	if c.RateLimit.RPMLimit > 0 && c.Redis.URL == "" {
		return fmt.Errorf("config: REDIS_URL is required when RPM_LIMIT > 0")
	}

	return nil
}

// AdminEnabled reports whether the admin API should be mounted.
func (c *Config) AdminEnabled() bool {
	return c.AdminToken != ""
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
