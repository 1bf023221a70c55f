package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. TRIAGE_DATABASE_DSN
const EnvPrefix = "TRIAGE"

// Config represents the application configuration
type Config struct {
	v *viper.Viper
}

// New loads .env (if present), the config file and the environment
func New() (*Config, error) {
	return Load("")
}

// Load reads configuration from file, or from the standard search paths when file is empty
func Load(file string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	v := viper.New()
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/mail-triage/")
		v.AddConfigPath("$HOME/.mail-triage")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	setDefaults(v)

	v.AutomaticEnv()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return &Config{v: v}, nil
}

// NewFromViper creates a new configuration instance from an existing Viper instance
func NewFromViper(v *viper.Viper) *Config {
	return &Config{v: v}
}

// NewEmptyViper creates a new Viper instance with defaults
func NewEmptyViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	return v
}

// setDefaults sets the default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", []string{"stderr"})
	v.SetDefault("logging.service", "mail-triage")

	// HTTP API
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.max_body_bytes", 1<<20)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "3m")
	v.SetDefault("server.shutdown_timeout", "30s")

	// SMTP ingest
	v.SetDefault("smtp.enabled", false)
	v.SetDefault("smtp.listen_addr", "127.0.0.1:10025")
	v.SetDefault("smtp.domain", "localhost")
	v.SetDefault("smtp.relay_addr", "127.0.0.1:10026")
	v.SetDefault("smtp.relay_enabled", true)
	v.SetDefault("smtp.score_timeout", "10s")
	v.SetDefault("smtp.relay_timeout", "30s")
	v.SetDefault("smtp.max_message_bytes", 30*1024*1024)
	v.SetDefault("smtp.max_recipients", 50)
	v.SetDefault("smtp.snippet_bytes", 2000)
	v.SetDefault("smtp.headers.score", "X-Triage-Score")
	v.SetDefault("smtp.headers.tier", "X-Triage-Tier")
	v.SetDefault("smtp.headers.model", "X-Triage-Model")
	v.SetDefault("smtp.headers.reason", "X-Triage-Reason")

	// Cache tiers
	v.SetDefault("cache.hot.capacity", 1000)
	v.SetDefault("cache.hot.ttl", "5m")
	v.SetDefault("cache.warm.capacity", 5000)
	v.SetDefault("cache.warm.ttl", "30m")
	v.SetDefault("cache.pattern.capacity", 500)
	v.SetDefault("cache.pattern.ttl", "2h")
	v.SetDefault("cache.shards", 16)
	v.SetDefault("cache.cleanup_frequency", "1m")

	// Tier classifier and sender matching
	v.SetDefault("router.short_threshold", 200)
	v.SetDefault("router.medium_threshold", 1500)
	v.SetDefault("router.simple_patterns", []string{})
	v.SetDefault("sender.patterns", []string{})
	v.SetDefault("sender.domains", []string{})

	// Invoker
	v.SetDefault("invoker.call_timeout", "10s")
	v.SetDefault("invoker.max_snippet_bytes", 4096)
	v.SetDefault("invoker.estimated_prompt_tokens", 600)
	v.SetDefault("invoker.estimated_completion_tokens", 120)
	v.SetDefault("invoker.retry.max_attempts", 3)
	v.SetDefault("invoker.retry.base_delay", "200ms")
	v.SetDefault("invoker.retry.max_delay", "5s")
	v.SetDefault("invoker.retry.jitter", 0.2)
	v.SetDefault("invoker.breaker.failure_threshold", 5)
	v.SetDefault("invoker.breaker.cooldown", "30s")
	v.SetDefault("invoker.breaker.permanent_cooldown", "10m")
	v.SetDefault("invoker.rate_limits", map[string]any{})

	// Fallback chains per tier. Prices are cents per 1000 tokens.
	v.SetDefault("tiers", map[string]any{
		"nano": []map[string]any{
			{"provider": "openai", "model": "gpt-4.1-nano", "prompt_per_1k": 0.01, "completion_per_1k": 0.04, "max_tokens": 150},
			{"provider": "gemini", "model": "gemini-1.5-flash-8b", "prompt_per_1k": 0.00375, "completion_per_1k": 0.015, "max_tokens": 150},
		},
		"mini": []map[string]any{
			{"provider": "openai", "model": "gpt-4o-mini", "prompt_per_1k": 0.015, "completion_per_1k": 0.06, "max_tokens": 200},
			{"provider": "gemini", "model": "gemini-1.5-flash", "prompt_per_1k": 0.0075, "completion_per_1k": 0.03, "max_tokens": 200},
		},
		"standard": []map[string]any{
			{"provider": "openai", "model": "gpt-4o", "prompt_per_1k": 0.25, "completion_per_1k": 1.0, "max_tokens": 300},
			{"provider": "bedrock", "model": "anthropic.claude-3-5-haiku-20241022-v1:0", "prompt_per_1k": 0.08, "completion_per_1k": 0.4, "max_tokens": 300},
		},
		"premium": []map[string]any{
			{"provider": "bedrock", "model": "anthropic.claude-3-5-sonnet-20241022-v2:0", "prompt_per_1k": 0.3, "completion_per_1k": 1.5, "max_tokens": 400},
			{"provider": "openai", "model": "gpt-4o", "prompt_per_1k": 0.25, "completion_per_1k": 1.0, "max_tokens": 400},
		},
	})

	// Budget
	v.SetDefault("budget.daily_cents", 100)
	v.SetDefault("budget.monthly_cents", 2000)
	v.SetDefault("budget.warn_ratio", 0.8)
	v.SetDefault("budget.stripes", 32)
	v.SetDefault("budget.hydrate_timeout", "5s")
	v.SetDefault("budget.overrides", map[string]any{})

	// Database
	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.dsn", "data/triage.db")
	v.SetDefault("database.max_connections", 10)
	v.SetDefault("database.acquire_timeout", "5s")
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.slow_query_threshold", "500ms")
	v.SetDefault("database.read_cache_ttl", "2m")
	v.SetDefault("database.chunk_size", 50)
	v.SetDefault("database.migrate", true)

	// Monitor
	v.SetDefault("monitor.window_size", 1000)
	v.SetDefault("monitor.alert_queue_size", 256)
	v.SetDefault("monitor.delivery_timeout", "5s")
	v.SetDefault("monitor.violation_history", 1000)
	v.SetDefault("monitor.health_timeout", "2s")
	v.SetDefault("monitor.health_history", 20)
	v.SetDefault("monitor.slas", map[string]any{})
	v.SetDefault("monitor.rules", []map[string]any{})

	v.SetDefault("webhook.url", "")
	v.SetDefault("webhook.timeout", "5s")

	// Batch pipeline
	v.SetDefault("pipeline.batch_concurrency", 5)
	v.SetDefault("pipeline.batch_timeout", "2m")
	v.SetDefault("pipeline.persist_timeout", "30s")
	v.SetDefault("pipeline.default_batch_limit", 50)
	v.SetDefault("pipeline.max_batch_limit", 500)

	// Providers
	v.SetDefault("openai.api_key", "")
	v.SetDefault("openai.base_url", "")
	v.SetDefault("openai.organization", "")
	v.SetDefault("openai.max_tokens", 256)
	v.SetDefault("openai.top_p", 0.9)

	v.SetDefault("gemini.api_key", "")
	v.SetDefault("gemini.endpoint", "")
	v.SetDefault("gemini.max_tokens", 256)
	v.SetDefault("gemini.top_p", 0.9)

	v.SetDefault("bedrock.enabled", false)
	v.SetDefault("bedrock.region", "us-east-1")
	v.SetDefault("bedrock.max_tokens", 256)
	v.SetDefault("bedrock.top_p", 0.9)
}

// GetString gets a string value from the configuration
func (c *Config) GetString(key string) string {
	return c.v.GetString(key)
}

// GetInt gets an integer value from the configuration
func (c *Config) GetInt(key string) int {
	return c.v.GetInt(key)
}

// GetInt64 gets an int64 value from the configuration
func (c *Config) GetInt64(key string) int64 {
	return c.v.GetInt64(key)
}

// GetFloat64 gets a float64 value from the configuration
func (c *Config) GetFloat64(key string) float64 {
	return c.v.GetFloat64(key)
}

// GetBool gets a boolean value from the configuration
func (c *Config) GetBool(key string) bool {
	return c.v.GetBool(key)
}

// GetStringSlice gets a string slice value from the configuration
func (c *Config) GetStringSlice(key string) []string {
	return c.v.GetStringSlice(key)
}

// GetDuration gets a duration value from the configuration
func (c *Config) GetDuration(key string) (time.Duration, error) {
	d, err := time.ParseDuration(c.GetString(key))
	if err != nil {
		return 0, fmt.Errorf("invalid duration for %s: %w", key, err)
	}
	return d, nil
}

// GetViper returns the underlying Viper instance
func (c *Config) GetViper() *viper.Viper {
	return c.v
}
