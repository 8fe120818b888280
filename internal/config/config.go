package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store       StoreConfig       `yaml:"store" mapstructure:"store"`
	Anthropic   AnthropicConfig   `yaml:"anthropic" mapstructure:"anthropic"`
	Breaker     BreakerConfig     `yaml:"breaker" mapstructure:"breaker"`
	Cache       CacheConfig       `yaml:"cache" mapstructure:"cache"`
	Extract     ExtractConfig     `yaml:"extract" mapstructure:"extract"`
	Validation  ValidationConfig  `yaml:"validation" mapstructure:"validation"`
	RateLimit   RateLimitConfig   `yaml:"ratelimit" mapstructure:"ratelimit"`
	Session     SessionConfig     `yaml:"session" mapstructure:"session"`
	Proxy       ProxyConfig       `yaml:"proxy" mapstructure:"proxy"`
	Fingerprint FingerprintConfig `yaml:"fingerprint" mapstructure:"fingerprint"`
	Collect     CollectConfig     `yaml:"collect" mapstructure:"collect"`
	Sources     []SourceConfig    `yaml:"sources" mapstructure:"sources"`
	Batch       BatchConfig       `yaml:"batch" mapstructure:"batch"`
	Server      ServerConfig      `yaml:"server" mapstructure:"server"`
	Monitoring  MonitoringConfig  `yaml:"monitoring" mapstructure:"monitoring"`
	Pricing     PricingConfig     `yaml:"pricing" mapstructure:"pricing"`
	Log         LogConfig         `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// AnthropicConfig holds Anthropic API settings for the extraction gateway.
type AnthropicConfig struct {
	Key               string  `yaml:"key" mapstructure:"key"`
	BaseURL           string  `yaml:"base_url" mapstructure:"base_url"`
	Model             string  `yaml:"model" mapstructure:"model"`
	MaxTokens         int64   `yaml:"max_tokens" mapstructure:"max_tokens"`
	Temperature       float64 `yaml:"temperature" mapstructure:"temperature"`
	CallTimeoutSecs   int     `yaml:"call_timeout_secs" mapstructure:"call_timeout_secs"`
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	Burst             int     `yaml:"burst" mapstructure:"burst"`
	SystemCacheTTL    string  `yaml:"system_cache_ttl" mapstructure:"system_cache_ttl"`
	MaxAttempts       int     `yaml:"max_attempts" mapstructure:"max_attempts"`
}

// BreakerConfig configures the per-service circuit breakers.
type BreakerConfig struct {
	FailureThreshold  int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	FailureWindowSecs int `yaml:"failure_window_secs" mapstructure:"failure_window_secs"`
	ResetTimeoutSecs  int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// CacheConfig configures the extraction cache.
type CacheConfig struct {
	MaxEntries int `yaml:"max_entries" mapstructure:"max_entries"`
	TTLHours   int `yaml:"ttl_hours" mapstructure:"ttl_hours"`
}

// ExtractConfig configures field extraction.
type ExtractConfig struct {
	MaxContentChars   int     `yaml:"max_content_chars" mapstructure:"max_content_chars"`
	DefaultConfidence float64 `yaml:"default_confidence" mapstructure:"default_confidence"`
	FallbackCap       float64 `yaml:"fallback_cap" mapstructure:"fallback_cap"`
}

// ValidationConfig configures the listing validator.
type ValidationConfig struct {
	Threshold           float64  `yaml:"threshold" mapstructure:"threshold"`
	HardRequired        []string `yaml:"hard_required" mapstructure:"hard_required"`
	SoftRequired        []string `yaml:"soft_required" mapstructure:"soft_required"`
	MaxPrice            float64  `yaml:"max_price" mapstructure:"max_price"`
	MissingPenalty      float64  `yaml:"missing_penalty" mapstructure:"missing_penalty"`
	RangePenalty        float64  `yaml:"range_penalty" mapstructure:"range_penalty"`
	InconsistentPenalty float64  `yaml:"inconsistent_penalty" mapstructure:"inconsistent_penalty"`
}

// RateLimitConfig configures the default per-source request budget.
// Sources may override capacity and margin individually.
type RateLimitConfig struct {
	WindowSecs   int     `yaml:"window_secs" mapstructure:"window_secs"`
	Capacity     int     `yaml:"capacity" mapstructure:"capacity"`
	SafetyMargin float64 `yaml:"safety_margin" mapstructure:"safety_margin"`
}

// SessionConfig configures session persistence.
type SessionConfig struct {
	Backend      string `yaml:"backend" mapstructure:"backend"`
	Dir          string `yaml:"dir" mapstructure:"dir"`
	AutosaveSecs int    `yaml:"autosave_secs" mapstructure:"autosave_secs"`
}

// ProxyConfig configures the outbound proxy pool.
type ProxyConfig struct {
	Addresses    []string `yaml:"addresses" mapstructure:"addresses"`
	MaxFailures  int      `yaml:"max_failures" mapstructure:"max_failures"`
	CooldownSecs int      `yaml:"cooldown_secs" mapstructure:"cooldown_secs"`
}

// FingerprintConfig overrides the browser fingerprint pools. Empty pools keep
// the built-in defaults.
type FingerprintConfig struct {
	UserAgents  []string `yaml:"user_agents" mapstructure:"user_agents"`
	Languages   []string `yaml:"languages" mapstructure:"languages"`
	MinJitterMs int      `yaml:"min_jitter_ms" mapstructure:"min_jitter_ms"`
	MaxJitterMs int      `yaml:"max_jitter_ms" mapstructure:"max_jitter_ms"`
}

// CollectConfig configures the collection transports and fetch retries.
type CollectConfig struct {
	TimeoutSecs      int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxBodyBytes     int64  `yaml:"max_body_bytes" mapstructure:"max_body_bytes"`
	BrowserURL       string `yaml:"browser_url" mapstructure:"browser_url"`
	NavTimeoutSecs   int    `yaml:"nav_timeout_secs" mapstructure:"nav_timeout_secs"`
	MaxAttempts      int    `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int    `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffSecs   int    `yaml:"max_backoff_secs" mapstructure:"max_backoff_secs"`
}

// SourceConfig defines one upstream listing source.
type SourceConfig struct {
	Name                string            `yaml:"name" mapstructure:"name"`
	Kind                string            `yaml:"kind" mapstructure:"kind"`
	URLTemplate         string            `yaml:"url_template" mapstructure:"url_template"`
	AuthHeader          string            `yaml:"auth_header" mapstructure:"auth_header"`
	AuthValue           string            `yaml:"auth_value" mapstructure:"auth_value"`
	Query               map[string]string `yaml:"query" mapstructure:"query"`
	LoginMarkers        []string          `yaml:"login_markers" mapstructure:"login_markers"`
	AuthenticatedMarker string            `yaml:"authenticated_marker" mapstructure:"authenticated_marker"`
	ProbeURL            string            `yaml:"probe_url" mapstructure:"probe_url"`
	Rendered            bool              `yaml:"rendered" mapstructure:"rendered"`
	Capacity            int               `yaml:"capacity" mapstructure:"capacity"`
	SafetyMargin        float64           `yaml:"safety_margin" mapstructure:"safety_margin"`
}

// BatchConfig configures batch processing.
type BatchConfig struct {
	Concurrency     int `yaml:"concurrency" mapstructure:"concurrency"`
	ItemTimeoutSecs int `yaml:"item_timeout_secs" mapstructure:"item_timeout_secs"`
	ItemAttempts    int `yaml:"item_attempts" mapstructure:"item_attempts"`
	RunTimeoutSecs  int `yaml:"run_timeout_secs" mapstructure:"run_timeout_secs"`
}

// ServerConfig configures the status server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// MonitoringConfig configures health checks and alerting.
type MonitoringConfig struct {
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	DeadLetterThreshold  int     `yaml:"dead_letter_threshold" mapstructure:"dead_letter_threshold"`
}

// PricingConfig overrides the built-in per-model token prices.
type PricingConfig struct {
	Anthropic map[string]ModelPricing `yaml:"anthropic" mapstructure:"anthropic"`
}

// ModelPricing holds per-model token pricing (USD per million tokens).
type ModelPricing struct {
	Input         float64 `yaml:"input" mapstructure:"input"`
	Output        float64 `yaml:"output" mapstructure:"output"`
	CacheWriteMul float64 `yaml:"cache_write_mul" mapstructure:"cache_write_mul"`
	CacheReadMul  float64 `yaml:"cache_read_mul" mapstructure:"cache_read_mul"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("LISTING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "listings.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	// Keys without a meaningful default still need one so env overrides
	// are seen by Unmarshal.
	v.SetDefault("anthropic.key", "")
	v.SetDefault("anthropic.base_url", "")
	v.SetDefault("collect.browser_url", "")
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 1024)
	v.SetDefault("anthropic.temperature", 0.0)
	v.SetDefault("anthropic.call_timeout_secs", 30)
	v.SetDefault("anthropic.requests_per_second", 2.0)
	v.SetDefault("anthropic.burst", 2)
	v.SetDefault("anthropic.system_cache_ttl", "5m")
	v.SetDefault("anthropic.max_attempts", 3)
	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.failure_window_secs", 60)
	v.SetDefault("breaker.reset_timeout_secs", 30)
	v.SetDefault("cache.max_entries", 1000)
	v.SetDefault("cache.ttl_hours", 168)
	v.SetDefault("extract.max_content_chars", 20000)
	v.SetDefault("extract.default_confidence", 0.9)
	v.SetDefault("extract.fallback_cap", 0.8)
	v.SetDefault("validation.threshold", 0.7)
	v.SetDefault("validation.hard_required", []string{"address"})
	v.SetDefault("validation.soft_required", []string{"price", "bedrooms", "bathrooms", "square_feet"})
	v.SetDefault("validation.max_price", 500_000_000.0)
	v.SetDefault("validation.missing_penalty", 0.05)
	v.SetDefault("validation.range_penalty", 0.25)
	v.SetDefault("validation.inconsistent_penalty", 0.15)
	v.SetDefault("ratelimit.window_secs", 3600)
	v.SetDefault("ratelimit.capacity", 60)
	v.SetDefault("ratelimit.safety_margin", 0.1)
	v.SetDefault("session.backend", "store")
	v.SetDefault("session.dir", ".sessions")
	v.SetDefault("session.autosave_secs", 300)
	v.SetDefault("proxy.max_failures", 3)
	v.SetDefault("proxy.cooldown_secs", 300)
	v.SetDefault("fingerprint.min_jitter_ms", 200)
	v.SetDefault("fingerprint.max_jitter_ms", 1200)
	v.SetDefault("collect.timeout_secs", 30)
	v.SetDefault("collect.max_body_bytes", 5<<20)
	v.SetDefault("collect.nav_timeout_secs", 30)
	v.SetDefault("collect.max_attempts", 3)
	v.SetDefault("collect.initial_backoff_ms", 1000)
	v.SetDefault("collect.max_backoff_secs", 30)
	v.SetDefault("batch.concurrency", 5)
	v.SetDefault("batch.item_timeout_secs", 60)
	v.SetDefault("batch.item_attempts", 2)
	v.SetDefault("batch.run_timeout_secs", 0)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("monitoring.check_interval_secs", 60)
	v.SetDefault("monitoring.failure_rate_threshold", 0.5)
	v.SetDefault("monitoring.dead_letter_threshold", 100)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a command mode depends on. Modes are "run"
// (collect and extract targets), "extract" (extract local files or dead
// letters), "store" (maintenance against the store only) and "serve".
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "run":
		errs = append(errs, c.validateStore()...)
		errs = append(errs, c.validateBatch()...)
		errs = append(errs, c.validateExtraction()...)
		errs = append(errs, c.validateSources()...)
	case "extract":
		errs = append(errs, c.validateStore()...)
		errs = append(errs, c.validateBatch()...)
		errs = append(errs, c.validateExtraction()...)
	case "store":
		errs = append(errs, c.validateStore()...)
	case "serve":
		errs = append(errs, c.validateStore()...)
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateStore() []string {
	var errs []string
	switch c.Store.Driver {
	case "", "sqlite":
	case "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required for postgres")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q must be sqlite or postgres", c.Store.Driver))
	}
	return errs
}

func (c *Config) validateBatch() []string {
	var errs []string
	if c.Batch.Concurrency < 1 || c.Batch.Concurrency > 100 {
		errs = append(errs, "batch.concurrency must be between 1 and 100")
	}
	if c.Batch.ItemTimeoutSecs <= 0 {
		errs = append(errs, "batch.item_timeout_secs must be > 0")
	}
	if c.Batch.ItemAttempts < 1 {
		errs = append(errs, "batch.item_attempts must be >= 1")
	}
	if c.Batch.RunTimeoutSecs < 0 {
		errs = append(errs, "batch.run_timeout_secs must be >= 0")
	}
	return errs
}

func (c *Config) validateExtraction() []string {
	var errs []string
	if !unit(c.Validation.Threshold) {
		errs = append(errs, "validation.threshold must be between 0 and 1")
	}
	for name, p := range map[string]float64{
		"missing_penalty":      c.Validation.MissingPenalty,
		"range_penalty":        c.Validation.RangePenalty,
		"inconsistent_penalty": c.Validation.InconsistentPenalty,
	} {
		if !unit(p) {
			errs = append(errs, fmt.Sprintf("validation.%s must be between 0 and 1", name))
		}
	}
	if !unit(c.Extract.FallbackCap) {
		errs = append(errs, "extract.fallback_cap must be between 0 and 1")
	}
	if !unit(c.Extract.DefaultConfidence) {
		errs = append(errs, "extract.default_confidence must be between 0 and 1")
	}
	return errs
}

func (c *Config) validateSources() []string {
	var errs []string
	if len(c.Sources) == 0 {
		errs = append(errs, "at least one source is required")
	}
	seen := make(map[string]bool, len(c.Sources))
	for i, s := range c.Sources {
		switch {
		case s.Name == "":
			errs = append(errs, fmt.Sprintf("sources[%d].name is required", i))
		case seen[s.Name]:
			errs = append(errs, fmt.Sprintf("sources[%d].name %q is duplicated", i, s.Name))
		}
		seen[s.Name] = true
		if s.Kind != "api" && s.Kind != "page" {
			errs = append(errs, fmt.Sprintf("sources[%d].kind must be api or page", i))
		}
	}
	return errs
}

func unit(f float64) bool { return f >= 0 && f <= 1 }

// Source returns the source named name.
func (c *Config) Source(name string) (SourceConfig, bool) {
	for _, s := range c.Sources {
		if s.Name == name {
			return s, true
		}
	}
	return SourceConfig{}, false
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
