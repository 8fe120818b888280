package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "listings.db", cfg.Store.DatabaseURL)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 5, cfg.Batch.Concurrency)
	assert.Equal(t, 60, cfg.Batch.ItemTimeoutSecs)
	assert.Equal(t, 2, cfg.Batch.ItemAttempts)
	assert.Equal(t, 0, cfg.Batch.RunTimeoutSecs)
	assert.Equal(t, "claude-haiku-4-5-20251001", cfg.Anthropic.Model)
	assert.Equal(t, int64(1024), cfg.Anthropic.MaxTokens)
	assert.Equal(t, 1000, cfg.Cache.MaxEntries)
	assert.Equal(t, 168, cfg.Cache.TTLHours)
	assert.InDelta(t, 0.7, cfg.Validation.Threshold, 0.001)
	assert.Equal(t, []string{"address"}, cfg.Validation.HardRequired)
	assert.Equal(t, []string{"price", "bedrooms", "bathrooms", "square_feet"}, cfg.Validation.SoftRequired)
	assert.InDelta(t, 0.1, cfg.RateLimit.SafetyMargin, 0.001)
	assert.Equal(t, 3600, cfg.RateLimit.WindowSecs)
	assert.InDelta(t, 0.8, cfg.Extract.FallbackCap, 0.001)
	assert.Equal(t, "store", cfg.Session.Backend)
	assert.Equal(t, 300, cfg.Session.AutosaveSecs)
	assert.Equal(t, 3, cfg.Proxy.MaxFailures)
	assert.Equal(t, int64(5<<20), cfg.Collect.MaxBodyBytes)
	assert.Equal(t, 60, cfg.Monitoring.CheckIntervalSecs)
	assert.Empty(t, cfg.Sources)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost/listings
log:
  level: debug
  format: console
batch:
  concurrency: 10
sources:
  - name: acme
    kind: api
    url_template: https://api.acme.test/listings/{id}
    auth_header: X-Api-Key
    capacity: 120
  - name: homes
    kind: page
    rendered: true
    login_markers: ["/login", "/signin"]
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "postgres://localhost/listings", cfg.Store.DatabaseURL)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 10, cfg.Batch.Concurrency)
	// Defaults still apply for unset values
	assert.Equal(t, 2, cfg.Batch.ItemAttempts)

	require.Len(t, cfg.Sources, 2)
	assert.Equal(t, "acme", cfg.Sources[0].Name)
	assert.Equal(t, "https://api.acme.test/listings/{id}", cfg.Sources[0].URLTemplate)
	assert.Equal(t, 120, cfg.Sources[0].Capacity)
	assert.True(t, cfg.Sources[1].Rendered)
	assert.Equal(t, []string{"/login", "/signin"}, cfg.Sources[1].LoginMarkers)

	src, ok := cfg.Source("homes")
	require.True(t, ok)
	assert.Equal(t, "page", src.Kind)
	_, ok = cfg.Source("missing")
	assert.False(t, ok)
}

func TestLoadPricingFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
pricing:
  anthropic:
    claude-haiku-4-5-20251001:
      input: 1.0
      output: 5.0
      cache_write_mul: 1.25
      cache_read_mul: 0.1
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := Load()
	require.NoError(t, err)

	p, ok := cfg.Pricing.Anthropic["claude-haiku-4-5-20251001"]
	require.True(t, ok)
	assert.Equal(t, 1.0, p.Input)
	assert.Equal(t, 5.0, p.Output)
	assert.Equal(t, 0.1, p.CacheReadMul)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	t.Setenv("LISTING_STORE_DRIVER", "postgres")
	t.Setenv("LISTING_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	// Env overrides file
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	chdirTemp(t)

	t.Setenv("LISTING_BATCH_CONCURRENCY", "12")
	t.Setenv("LISTING_ANTHROPIC_KEY", "sk-ant-test")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 12, cfg.Batch.Concurrency)
	assert.Equal(t, "sk-ant-test", cfg.Anthropic.Key)
}

func TestLoadMalformedFile(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("store: [unclosed"), 0o644))

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "config: read file")
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

// validDefaults returns a Config with all defaults populated for validation tests.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.Store.Driver = "sqlite"
	cfg.Batch.Concurrency = 5
	cfg.Batch.ItemTimeoutSecs = 60
	cfg.Batch.ItemAttempts = 2
	cfg.Validation.Threshold = 0.7
	cfg.Validation.MissingPenalty = 0.05
	cfg.Validation.RangePenalty = 0.25
	cfg.Validation.InconsistentPenalty = 0.15
	cfg.Extract.DefaultConfidence = 0.9
	cfg.Extract.FallbackCap = 0.6
	cfg.Server.Port = 8080
	cfg.Sources = []SourceConfig{{Name: "acme", Kind: "api"}}
	return cfg
}

func TestValidateRun_AllPresent(t *testing.T) {
	assert.NoError(t, validDefaults().Validate("run"))
}

func TestValidateRun_NoSources(t *testing.T) {
	cfg := validDefaults()
	cfg.Sources = nil

	err := cfg.Validate("run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one source is required")

	// Extract mode does not collect.
	assert.NoError(t, cfg.Validate("extract"))
}

func TestValidateRun_BadSources(t *testing.T) {
	cfg := validDefaults()
	cfg.Sources = []SourceConfig{
		{Name: "acme", Kind: "api"},
		{Name: "acme", Kind: "page"},
		{Name: "", Kind: "feed"},
	}

	err := cfg.Validate("run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `sources[1].name "acme" is duplicated`)
	assert.Contains(t, err.Error(), "sources[2].name is required")
	assert.Contains(t, err.Error(), "sources[2].kind must be api or page")
}

func TestValidateStore_Postgres(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.Driver = "postgres"

	err := cfg.Validate("store")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url is required")

	cfg.Store.DatabaseURL = "postgres://localhost/listings"
	assert.NoError(t, cfg.Validate("store"))
}

func TestValidateStore_UnknownDriver(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.Driver = "mysql"

	err := cfg.Validate("store")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `store.driver "mysql" must be sqlite or postgres`)
}

func TestValidateServe_InvalidPort(t *testing.T) {
	cfg := validDefaults()
	cfg.Server.Port = 0

	err := cfg.Validate("serve")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")
}

func TestValidateUnknownMode(t *testing.T) {
	cfg := validDefaults()
	err := cfg.Validate("unknown")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}

func TestValidateConcurrencyBounds(t *testing.T) {
	cfg := validDefaults()

	cfg.Batch.Concurrency = 0
	err := cfg.Validate("run")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "batch.concurrency must be between 1 and 100")

	cfg.Batch.Concurrency = 101
	err = cfg.Validate("run")
	assert.Error(t, err)

	cfg.Batch.Concurrency = 100
	assert.NoError(t, cfg.Validate("run"))
}

func TestValidateBatchTimeouts(t *testing.T) {
	cfg := validDefaults()
	cfg.Batch.ItemTimeoutSecs = 0
	cfg.Batch.ItemAttempts = 0
	cfg.Batch.RunTimeoutSecs = -1

	err := cfg.Validate("extract")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "batch.item_timeout_secs must be > 0")
	assert.Contains(t, err.Error(), "batch.item_attempts must be >= 1")
	assert.Contains(t, err.Error(), "batch.run_timeout_secs must be >= 0")
}

func TestValidateThresholds(t *testing.T) {
	cfg := validDefaults()

	cfg.Validation.Threshold = 1.1
	err := cfg.Validate("run")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "validation.threshold")

	cfg.Validation.Threshold = 0.7
	cfg.Validation.RangePenalty = -0.1
	err = cfg.Validate("run")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "validation.range_penalty")

	cfg.Validation.RangePenalty = 0.25
	cfg.Extract.FallbackCap = 2
	err = cfg.Validate("run")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "extract.fallback_cap")

	cfg.Extract.FallbackCap = 0.6
	assert.NoError(t, cfg.Validate("run"))
}
