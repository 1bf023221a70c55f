package config

import (
	"fmt"
	"time"

	"github.com/mikey/llm-mail-triage/internal/adapters/cache"
	"github.com/mikey/llm-mail-triage/internal/adapters/filter"
	"github.com/mikey/llm-mail-triage/internal/adapters/httpapi"
	"github.com/mikey/llm-mail-triage/internal/adapters/store"
	"github.com/mikey/llm-mail-triage/internal/adapters/webhook"
	"github.com/mikey/llm-mail-triage/internal/budget"
	"github.com/mikey/llm-mail-triage/internal/core"
	"github.com/mikey/llm-mail-triage/internal/invoker"
	"github.com/mikey/llm-mail-triage/internal/monitor"
	"github.com/mikey/llm-mail-triage/internal/router"
)

// BedrockConfig represents the configuration for Amazon Bedrock
type BedrockConfig struct {
	Enabled   bool
	Region    string
	MaxTokens int
	TopP      float32
}

// GeminiConfig represents the configuration for Google Gemini
type GeminiConfig struct {
	APIKey    string
	Endpoint  string
	MaxTokens int
	TopP      float32
}

// OpenAIConfig represents the configuration for OpenAI
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	Organization string
	MaxTokens    int
	TopP         float32
}

// SenderConfig lists what marks a sender as automated
type SenderConfig struct {
	Patterns []string
	Domains  []string
}

// MonitorConfig combines the performance monitor and health checker settings
type MonitorConfig struct {
	Options       monitor.Options
	HealthTimeout time.Duration
	HealthHistory int
}

// durations reads several duration keys and keeps the first error
type durations struct {
	c   *Config
	err error
}

func (d *durations) get(key string) time.Duration {
	if d.err != nil {
		return 0
	}
	v, err := d.c.GetDuration(key)
	if err != nil {
		d.err = err
	}
	return v
}

// GetBedrock returns the Bedrock configuration
func (c *Config) GetBedrock() BedrockConfig {
	return BedrockConfig{
		Enabled:   c.GetBool("bedrock.enabled"),
		Region:    c.GetString("bedrock.region"),
		MaxTokens: c.GetInt("bedrock.max_tokens"),
		TopP:      float32(c.GetFloat64("bedrock.top_p")),
	}
}

// GetGemini returns the Gemini configuration
func (c *Config) GetGemini() GeminiConfig {
	return GeminiConfig{
		APIKey:    c.GetString("gemini.api_key"),
		Endpoint:  c.GetString("gemini.endpoint"),
		MaxTokens: c.GetInt("gemini.max_tokens"),
		TopP:      float32(c.GetFloat64("gemini.top_p")),
	}
}

// GetOpenAI returns the OpenAI configuration
func (c *Config) GetOpenAI() OpenAIConfig {
	return OpenAIConfig{
		APIKey:       c.GetString("openai.api_key"),
		BaseURL:      c.GetString("openai.base_url"),
		Organization: c.GetString("openai.organization"),
		MaxTokens:    c.GetInt("openai.max_tokens"),
		TopP:         float32(c.GetFloat64("openai.top_p")),
	}
}

// GetSender returns the automated sender configuration
func (c *Config) GetSender() SenderConfig {
	return SenderConfig{
		Patterns: c.GetStringSlice("sender.patterns"),
		Domains:  c.GetStringSlice("sender.domains"),
	}
}

// GetServer returns the HTTP API configuration
func (c *Config) GetServer() (httpapi.Options, error) {
	d := &durations{c: c}
	opts := httpapi.Options{
		Host:         c.GetString("server.host"),
		Port:         c.GetInt("server.port"),
		MaxBodyBytes: c.GetInt64("server.max_body_bytes"),
		ReadTimeout:  d.get("server.read_timeout"),
		WriteTimeout: d.get("server.write_timeout"),
	}
	return opts, d.err
}

// GetShutdownTimeout returns how long the service waits for in-flight work on exit
func (c *Config) GetShutdownTimeout() (time.Duration, error) {
	return c.GetDuration("server.shutdown_timeout")
}

// GetSMTP returns the SMTP ingest filter configuration
func (c *Config) GetSMTP() (filter.Options, error) {
	d := &durations{c: c}
	opts := filter.Options{
		ListenAddr:      c.GetString("smtp.listen_addr"),
		Domain:          c.GetString("smtp.domain"),
		RelayAddr:       c.GetString("smtp.relay_addr"),
		RelayEnabled:    c.GetBool("smtp.relay_enabled"),
		ScoreTimeout:    d.get("smtp.score_timeout"),
		RelayTimeout:    d.get("smtp.relay_timeout"),
		MaxMessageBytes: c.GetInt64("smtp.max_message_bytes"),
		MaxRecipients:   c.GetInt("smtp.max_recipients"),
		SnippetBytes:    c.GetInt("smtp.snippet_bytes"),
		ScoreHeader:     c.GetString("smtp.headers.score"),
		TierHeader:      c.GetString("smtp.headers.tier"),
		ModelHeader:     c.GetString("smtp.headers.model"),
		ReasonHeader:    c.GetString("smtp.headers.reason"),
	}
	return opts, d.err
}

// GetCache returns the cache tier configuration
func (c *Config) GetCache() (cache.Config, error) {
	d := &durations{c: c}
	cfg := cache.Config{
		Hot:              cache.TierConfig{Capacity: c.GetInt("cache.hot.capacity"), TTL: d.get("cache.hot.ttl")},
		Warm:             cache.TierConfig{Capacity: c.GetInt("cache.warm.capacity"), TTL: d.get("cache.warm.ttl")},
		Pattern:          cache.TierConfig{Capacity: c.GetInt("cache.pattern.capacity"), TTL: d.get("cache.pattern.ttl")},
		Shards:           c.GetInt("cache.shards"),
		CleanupFrequency: d.get("cache.cleanup_frequency"),
	}
	return cfg, d.err
}

// GetRouter returns the tier classifier configuration
func (c *Config) GetRouter() router.Options {
	return router.Options{
		ShortThreshold:  c.GetInt("router.short_threshold"),
		MediumThreshold: c.GetInt("router.medium_threshold"),
		SimplePatterns:  c.GetStringSlice("router.simple_patterns"),
	}
}

// GetTiers returns the fallback chain of every tier
func (c *Config) GetTiers() (map[core.Tier][]invoker.Route, error) {
	var raw map[string][]invoker.Route
	if err := c.v.UnmarshalKey("tiers", &raw); err != nil {
		return nil, fmt.Errorf("failed to decode tiers: %w", err)
	}

	routes := make(map[core.Tier][]invoker.Route, len(raw))
	for name, chain := range raw {
		tier, ok := core.ParseTier(name)
		if !ok {
			return nil, fmt.Errorf("unknown tier %q in configuration", name)
		}
		for i, r := range chain {
			if r.Provider == "" || r.Model == "" {
				return nil, fmt.Errorf("tier %s route %d needs a provider and a model", name, i)
			}
		}
		routes[tier] = chain
	}
	return routes, nil
}

// GetInvoker returns the model invoker configuration including tier routes
func (c *Config) GetInvoker() (invoker.Options, error) {
	routes, err := c.GetTiers()
	if err != nil {
		return invoker.Options{}, err
	}

	var limits map[string]invoker.RateLimit
	if err := c.v.UnmarshalKey("invoker.rate_limits", &limits); err != nil {
		return invoker.Options{}, fmt.Errorf("failed to decode rate limits: %w", err)
	}

	d := &durations{c: c}
	opts := invoker.Options{
		Routes: routes,
		Retry: invoker.Policy{
			MaxAttempts: c.GetInt("invoker.retry.max_attempts"),
			BaseDelay:   d.get("invoker.retry.base_delay"),
			MaxDelay:    d.get("invoker.retry.max_delay"),
			Jitter:      c.GetFloat64("invoker.retry.jitter"),
		},
		CallTimeout: d.get("invoker.call_timeout"),
		Breaker: invoker.BreakerConfig{
			FailureThreshold:  c.GetInt("invoker.breaker.failure_threshold"),
			Cooldown:          d.get("invoker.breaker.cooldown"),
			PermanentCooldown: d.get("invoker.breaker.permanent_cooldown"),
		},
		RateLimits:                limits,
		EstimatedPromptTokens:     c.GetInt("invoker.estimated_prompt_tokens"),
		EstimatedCompletionTokens: c.GetInt("invoker.estimated_completion_tokens"),
	}
	return opts, d.err
}

// GetMaxSnippetBytes returns how much of an email body is sent to a model
func (c *Config) GetMaxSnippetBytes() int {
	return c.GetInt("invoker.max_snippet_bytes")
}

// GetBudget returns the budget tracker configuration
func (c *Config) GetBudget() (budget.Options, error) {
	var overrides map[string]budget.Limits
	if err := c.v.UnmarshalKey("budget.overrides", &overrides); err != nil {
		return budget.Options{}, fmt.Errorf("failed to decode budget overrides: %w", err)
	}

	d := &durations{c: c}
	opts := budget.Options{
		Defaults: budget.Limits{
			DailyCents:   c.GetFloat64("budget.daily_cents"),
			MonthlyCents: c.GetFloat64("budget.monthly_cents"),
		},
		Overrides:      overrides,
		WarnRatio:      c.GetFloat64("budget.warn_ratio"),
		Stripes:        c.GetInt("budget.stripes"),
		HydrateTimeout: d.get("budget.hydrate_timeout"),
	}
	return opts, d.err
}

// GetDatabase returns the database gateway configuration
func (c *Config) GetDatabase() (store.Config, error) {
	d := &durations{c: c}
	cfg := store.Config{
		Driver:             c.GetString("database.driver"),
		DSN:                c.GetString("database.dsn"),
		MaxConnections:     c.GetInt("database.max_connections"),
		AcquireTimeout:     d.get("database.acquire_timeout"),
		ConnMaxLifetime:    d.get("database.conn_max_lifetime"),
		SlowQueryThreshold: d.get("database.slow_query_threshold"),
		ReadCacheTTL:       d.get("database.read_cache_ttl"),
		ChunkSize:          c.GetInt("database.chunk_size"),
		Migrate:            c.GetBool("database.migrate"),
	}
	return cfg, d.err
}

// GetMonitor returns the performance monitor configuration. Configured SLAs
// override the defaults per operation.
func (c *Config) GetMonitor() (MonitorConfig, error) {
	var slas map[string]time.Duration
	if err := c.v.UnmarshalKey("monitor.slas", &slas); err != nil {
		return MonitorConfig{}, fmt.Errorf("failed to decode SLAs: %w", err)
	}
	var rules []core.AlertRule
	if err := c.v.UnmarshalKey("monitor.rules", &rules); err != nil {
		return MonitorConfig{}, fmt.Errorf("failed to decode alert rules: %w", err)
	}

	merged := monitor.DefaultSLAs()
	for op, target := range slas {
		merged[op] = target
	}

	d := &durations{c: c}
	cfg := MonitorConfig{
		Options: monitor.Options{
			WindowSize:       c.GetInt("monitor.window_size"),
			SLAs:             merged,
			Rules:            rules,
			AlertQueueSize:   c.GetInt("monitor.alert_queue_size"),
			DeliveryTimeout:  d.get("monitor.delivery_timeout"),
			ViolationHistory: c.GetInt("monitor.violation_history"),
		},
		HealthTimeout: d.get("monitor.health_timeout"),
		HealthHistory: c.GetInt("monitor.health_history"),
	}
	return cfg, d.err
}

// GetWebhook returns the alert webhook configuration; an empty URL disables delivery
func (c *Config) GetWebhook() (webhook.Options, error) {
	timeout, err := c.GetDuration("webhook.timeout")
	if err != nil {
		return webhook.Options{}, err
	}
	return webhook.Options{
		URL:     c.GetString("webhook.url"),
		Headers: c.v.GetStringMapString("webhook.headers"),
		Timeout: timeout,
	}, nil
}

// GetPipeline returns the batch scoring configuration
func (c *Config) GetPipeline() (core.ServiceOptions, error) {
	d := &durations{c: c}
	opts := core.ServiceOptions{
		BatchConcurrency:  c.GetInt("pipeline.batch_concurrency"),
		BatchTimeout:      d.get("pipeline.batch_timeout"),
		PersistTimeout:    d.get("pipeline.persist_timeout"),
		DefaultBatchLimit: c.GetInt("pipeline.default_batch_limit"),
		MaxBatchLimit:     c.GetInt("pipeline.max_batch_limit"),
	}
	return opts, d.err
}
