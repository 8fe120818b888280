package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/listing-cli/internal/collect"
	"github.com/sells-group/listing-cli/internal/config"
	"github.com/sells-group/listing-cli/internal/extract"
	"github.com/sells-group/listing-cli/internal/model"
	"github.com/sells-group/listing-cli/internal/ratelimit"
	"github.com/sells-group/listing-cli/internal/resilience"
)

func TestRateLimitConfig_PerSourceOverrides(t *testing.T) {
	rc := config.RateLimitConfig{WindowSecs: 3600, Capacity: 100, SafetyMargin: 0.1}
	got := rateLimitConfig(rc, []config.SourceConfig{
		{Name: "acme", Capacity: 30},
		{Name: "homes", Capacity: 10, SafetyMargin: 0.5},
		{Name: "plain"},
	})

	assert.Equal(t, time.Hour, got.Window)
	assert.Equal(t, ratelimit.SourceLimit{Capacity: 100, SafetyMargin: 0.1}, got.Default)
	assert.Equal(t, ratelimit.SourceLimit{Capacity: 30, SafetyMargin: 0.1}, got.Sources["acme"])
	assert.Equal(t, ratelimit.SourceLimit{Capacity: 10, SafetyMargin: 0.5}, got.Sources["homes"])
	assert.NotContains(t, got.Sources, "plain")
}

func TestRateLimitConfig_DefaultsBoundTrailingHour(t *testing.T) {
	c := testConfig(t)

	got := rateLimitConfig(c.RateLimit, nil)
	assert.Equal(t, time.Hour, got.Window)
	assert.Equal(t, ratelimit.SourceLimit{Capacity: 60, SafetyMargin: 0.1}, got.Default)
}

func TestFingerprintConfig(t *testing.T) {
	def := fingerprintConfig(config.FingerprintConfig{})
	assert.NotEmpty(t, def.UserAgents)
	assert.NotEmpty(t, def.Viewports)

	got := fingerprintConfig(config.FingerprintConfig{
		UserAgents:  []string{"ua-1"},
		Languages:   []string{"en-GB"},
		MinJitterMs: 50,
		MaxJitterMs: 75,
	})
	assert.Equal(t, []string{"ua-1"}, got.UserAgents)
	assert.Equal(t, []string{"en-GB"}, got.Languages)
	assert.Equal(t, 50*time.Millisecond, got.MinJitter)
	assert.Equal(t, 75*time.Millisecond, got.MaxJitter)
	assert.Equal(t, def.Viewports, got.Viewports)
}

func TestCollectRetry(t *testing.T) {
	def := resilience.DefaultRetryConfig()
	assert.Equal(t, def, collectRetry(config.CollectConfig{}))

	got := collectRetry(config.CollectConfig{MaxAttempts: 5, InitialBackoffMs: 250, MaxBackoffSecs: 9})
	assert.Equal(t, 5, got.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, got.InitialBackoff)
	assert.Equal(t, 9*time.Second, got.MaxBackoff)
}

func TestBreakerConfig(t *testing.T) {
	got := breakerConfig(config.BreakerConfig{FailureThreshold: 2, FailureWindowSecs: 10, ResetTimeoutSecs: 4})
	assert.Equal(t, 2, got.FailureThreshold)
	assert.Equal(t, 10*time.Second, got.FailureWindow)
	assert.Equal(t, 4*time.Second, got.ResetTimeout)
	assert.NotNil(t, got.ShouldTrip)
	assert.NotNil(t, got.Neutral)

	def := breakerConfig(config.BreakerConfig{})
	assert.Equal(t, resilience.DefaultCircuitBreakerConfig().FailureThreshold, def.FailureThreshold)
}

func TestGatewayConfig(t *testing.T) {
	got := gatewayConfig(config.AnthropicConfig{
		Model:             "claude-haiku-4-5-20251001",
		MaxTokens:         512,
		CallTimeoutSecs:   12,
		RequestsPerSecond: 3,
		Burst:             4,
		SystemCacheTTL:    "5m",
		MaxAttempts:       6,
	})
	assert.Equal(t, "claude-haiku-4-5-20251001", got.Model)
	assert.Equal(t, int64(512), got.MaxTokens)
	assert.Equal(t, 12*time.Second, got.CallTimeout)
	assert.InDelta(t, 3.0, got.RequestsPerSecond, 1e-9)
	assert.Equal(t, 4, got.Burst)
	assert.Equal(t, 6, got.Retry.MaxAttempts)
	assert.Equal(t, time.Second, got.Retry.InitialBackoff)
	assert.InDelta(t, 2.0, got.Retry.Multiplier, 1e-9)
	assert.Zero(t, got.Retry.JitterFraction)
	assert.Equal(t, time.Second, got.Retry.Backoff(0))
	assert.Equal(t, 2*time.Second, got.Retry.Backoff(1))
}

func TestGatewayConfig_LoadedDefaults(t *testing.T) {
	c := testConfig(t)

	got := gatewayConfig(c.Anthropic)
	assert.Equal(t, 3, got.Retry.MaxAttempts)
	assert.Equal(t, time.Second, got.Retry.InitialBackoff)
	assert.Zero(t, got.Retry.JitterFraction)
}

func TestPricingRates_OverridesDefaults(t *testing.T) {
	rates := pricingRates(config.PricingConfig{Anthropic: map[string]config.ModelPricing{
		"claude-haiku-4-5-20251001": {Input: 1, Output: 5},
		"in-house":                  {Input: 2, Output: 3},
	}})
	assert.InDelta(t, 1.0, rates.Anthropic["claude-haiku-4-5-20251001"].Input, 1e-9)
	assert.Contains(t, rates.Anthropic, "in-house")
	assert.Contains(t, rates.Anthropic, "claude-sonnet-4-5-20250929")
}

func TestValidatorAndPipelineConfig(t *testing.T) {
	vc := validatorConfig(config.ValidationConfig{Threshold: 0.7, HardRequired: []string{"address"}, MaxPrice: 10})
	assert.InDelta(t, 0.7, vc.Threshold, 1e-9)
	assert.Equal(t, []string{"address"}, vc.HardRequired)

	pc := pipelineConfig(config.BatchConfig{Concurrency: 3, ItemTimeoutSecs: 20, ItemAttempts: 2, RunTimeoutSecs: 600})
	assert.Equal(t, 3, pc.Concurrency)
	assert.Equal(t, 20*time.Second, pc.ItemTimeout)
	assert.Equal(t, 2, pc.ItemAttempts)
	assert.Equal(t, 10*time.Minute, pc.RunTimeout)
}

func TestPromptsFor_APISourcesUseJSONStrategy(t *testing.T) {
	p := promptsFor([]config.SourceConfig{
		{Name: "acme", Kind: "api"},
		{Name: "homes", Kind: "page"},
	})

	item := model.NewRawItem(model.Target{Source: "acme", ExternalID: "1"}, "application/json", []byte(`{}`), time.Now())
	assert.Equal(t, extract.JSONPrompt(item, "{}"), p.For("acme")(item, "{}"))
	assert.Equal(t, extract.PagePrompt(item, "{}"), p.For("homes")(item, "{}"))
	assert.NotContains(t, p, "homes")
}

func TestSourceFor(t *testing.T) {
	src := sourceFor(config.SourceConfig{
		Name:         "acme",
		Kind:         "api",
		URLTemplate:  "https://api.acme.example/{id}",
		AuthHeader:   "X-Api-Key",
		AuthValue:    "secret",
		LoginMarkers: []string{"Sign in"},
		Rendered:     true,
	})
	assert.Equal(t, "acme", src.Name)
	assert.Equal(t, collect.SourceAPI, src.Kind)
	assert.Equal(t, "X-Api-Key", src.AuthHeader)
	assert.Equal(t, []string{"Sign in"}, src.LoginMarkers)
	assert.True(t, src.Rendered)
}

func TestSortedKeys(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, sortedKeys(map[string]int{"c": 1, "a": 2, "b": 3}))
	assert.Empty(t, sortedKeys(map[string]bool{}))
}

func TestInitEnv_ExtractOnly(t *testing.T) {
	cfg = testConfig(t)
	defer func() { cfg = nil }()

	env, err := initEnv(context.Background(), "extract", false, nil)
	require.NoError(t, err)
	defer env.Close()

	assert.NotNil(t, env.Store)
	assert.NotNil(t, env.Extractor)
	assert.NotNil(t, env.Pipeline)
	assert.NotNil(t, env.Cache)
	assert.NotNil(t, env.Costs)
	assert.Empty(t, env.Clients)
	assert.Nil(t, env.Limiter)
}

func TestInitEnv_RunRequiresSources(t *testing.T) {
	cfg = testConfig(t)
	defer func() { cfg = nil }()

	_, err := initEnv(context.Background(), "run", true, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one source is required")
}

func TestInitEnv_CollectingBuildsClientsPerSource(t *testing.T) {
	cfg = testConfig(t)
	defer func() { cfg = nil }()
	cfg.Anthropic.Key = "test-key"
	cfg.Session.Backend = "file"
	cfg.Sources = []config.SourceConfig{
		{Name: "acme", Kind: "api", URLTemplate: "http://127.0.0.1:1/{id}"},
		{Name: "homes", Kind: "page", URLTemplate: "http://127.0.0.1:1/h/{id}"},
	}

	env, err := initEnv(context.Background(), "run", true, nil)
	require.NoError(t, err)
	defer env.Close()

	assert.Equal(t, []string{"acme", "homes"}, sortedKeys(env.Clients))
	assert.Equal(t, []string{"acme", "homes"}, sortedKeys(env.Sessions))
	assert.NotNil(t, env.Limiter)
	assert.NotNil(t, env.Proxies)
	assert.Equal(t, 0, env.Proxies.Len())

	stop := env.startAutosave(context.Background(), time.Hour)
	stop()
	stop()
}

func TestCachePrune_RunE(t *testing.T) {
	cfg = testConfig(t)
	defer func() { cfg = nil }()

	var out bytes.Buffer
	cachePruneCmd.SetOut(&out)
	defer cachePruneCmd.SetOut(nil)
	cachePruneCmd.SetContext(context.Background())
	defer cachePruneCmd.SetContext(context.TODO())

	require.NoError(t, cachePruneCmd.RunE(cachePruneCmd, nil))
	assert.Equal(t, "pruned 0 expired cache entries\n", out.String())
}

func TestSessionClear_RunE(t *testing.T) {
	cfg = testConfig(t)
	defer func() { cfg = nil }()

	var out bytes.Buffer
	sessionClearCmd.SetOut(&out)
	defer sessionClearCmd.SetOut(nil)
	sessionClearCmd.SetContext(context.Background())
	defer sessionClearCmd.SetContext(context.TODO())

	require.NoError(t, sessionClearCmd.RunE(sessionClearCmd, []string{"acme", "homes"}))
	assert.Equal(t, "cleared session for acme\ncleared session for homes\n", out.String())
}
