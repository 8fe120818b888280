package main

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/listing-cli/internal/cache"
	"github.com/sells-group/listing-cli/internal/collect"
	"github.com/sells-group/listing-cli/internal/config"
	"github.com/sells-group/listing-cli/internal/cost"
	"github.com/sells-group/listing-cli/internal/extract"
	"github.com/sells-group/listing-cli/internal/fingerprint"
	"github.com/sells-group/listing-cli/internal/llm"
	"github.com/sells-group/listing-cli/internal/monitoring"
	"github.com/sells-group/listing-cli/internal/pipeline"
	"github.com/sells-group/listing-cli/internal/proxy"
	"github.com/sells-group/listing-cli/internal/ratelimit"
	"github.com/sells-group/listing-cli/internal/resilience"
	"github.com/sells-group/listing-cli/internal/session"
	"github.com/sells-group/listing-cli/internal/store"
	"github.com/sells-group/listing-cli/internal/validate"
	"github.com/sells-group/listing-cli/pkg/anthropic"
)

// listingEnv holds the shared components used by the run, extract and
// deadletters commands.
type listingEnv struct {
	Store     store.Store
	Sink      monitoring.Sink
	Breakers  *resilience.ServiceBreakers
	Limiter   *ratelimit.Limiter
	Proxies   *proxy.Pool
	Clients   map[string]*collect.Client
	Sessions  map[string]*session.Store
	Cache     *cache.Cache
	Costs     *cost.Tracker
	Extractor *extract.Extractor
	Pipeline  *pipeline.Pipeline
}

// Close releases clients and the store.
func (e *listingEnv) Close() {
	for name, c := range e.Clients {
		if err := c.Close(); err != nil {
			zap.L().Warn("close collection client", zap.String("source", name), zap.Error(err))
		}
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initStore opens the configured store and migrates it.
func initStore(ctx context.Context) (store.Store, error) {
	st, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.DatabaseURL, &store.PoolConfig{
		MaxConns: cfg.Store.MaxConns,
		MinConns: cfg.Store.MinConns,
	})
	if err != nil {
		return nil, eris.Wrap(err, "open store")
	}
	return st, nil
}

// initEnv validates cfg for mode and builds the shared components. Sources
// get collection clients only when collecting is set. Callers should defer
// env.Close().
func initEnv(ctx context.Context, mode string, collecting bool, sink monitoring.Sink) (*listingEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	if sink == nil {
		sink = monitoring.LogSink{}
	}
	env := &listingEnv{
		Store:    st,
		Sink:     sink,
		Breakers: resilience.NewServiceBreakers(breakerConfig(cfg.Breaker)),
		Clients:  make(map[string]*collect.Client),
		Sessions: make(map[string]*session.Store),
		Costs:    cost.NewTracker(cost.NewCalculator(pricingRates(cfg.Pricing))),
	}
	env.Breakers.OnStateChange(llm.BreakerEvents(sink))

	env.Cache = cache.New(cache.Config{
		MaxEntries: cfg.Cache.MaxEntries,
		TTL:        time.Duration(cfg.Cache.TTLHours) * time.Hour,
	}, st)

	var gateway extract.Gateway
	if cfg.Anthropic.Key != "" {
		client := anthropic.NewClient(cfg.Anthropic.Key, anthropic.ClientOptions{BaseURL: cfg.Anthropic.BaseURL})
		gc := gatewayConfig(cfg.Anthropic)
		gc.Usage = env.Costs
		gateway = llm.New(client, gc, env.Breakers.Get(llm.ServiceName), sink)
	} else {
		zap.L().Warn("LISTING_ANTHROPIC_KEY not set, extracting with the fallback extractor only")
	}

	env.Extractor = extract.New(gateway, env.Cache, promptsFor(cfg.Sources), extract.Config{
		MaxContentChars:   cfg.Extract.MaxContentChars,
		DefaultConfidence: cfg.Extract.DefaultConfidence,
		FallbackCap:       cfg.Extract.FallbackCap,
	}, sink)

	if collecting {
		if err := env.initCollection(); err != nil {
			env.Close()
			return nil, err
		}
	}

	collectors := make(map[string]pipeline.Collector, len(env.Clients))
	for name, c := range env.Clients {
		collectors[name] = c
	}
	env.Pipeline = pipeline.New(pipeline.Deps{
		Collectors:  collectors,
		Extractor:   env.Extractor,
		Validator:   validate.New(validatorConfig(cfg.Validation)),
		Records:     st,
		DeadLetters: st,
		Sink:        sink,
	}, pipelineConfig(cfg.Batch))

	return env, nil
}

// initCollection builds one client per configured source over the shared
// limiter, proxy pool and fingerprint profile.
func (e *listingEnv) initCollection() error {
	e.Limiter = ratelimit.New(rateLimitConfig(cfg.RateLimit, cfg.Sources), e.Sink)

	pool, err := proxy.New(cfg.Proxy.Addresses, proxy.Config{
		MaxFailures: cfg.Proxy.MaxFailures,
		Cooldown:    time.Duration(cfg.Proxy.CooldownSecs) * time.Second,
	}, e.Sink)
	if err != nil {
		return eris.Wrap(err, "init proxy pool")
	}
	e.Proxies = pool

	profile := fingerprint.NewProfile(fingerprintConfig(cfg.Fingerprint))
	blobs := sessionBlobs(e.Store)

	for _, sc := range cfg.Sources {
		// Each source owns its transport so cookies and browser state stay
		// per source.
		var transport collect.Transport
		if sc.Rendered {
			transport = collect.NewRenderedTransport(collect.RenderedOptions{
				RemoteURL:  cfg.Collect.BrowserURL,
				NavTimeout: time.Duration(cfg.Collect.NavTimeoutSecs) * time.Second,
			})
		} else {
			transport = collect.NewHTTPTransport(collect.HTTPOptions{
				Timeout:      time.Duration(cfg.Collect.TimeoutSecs) * time.Second,
				MaxBodyBytes: cfg.Collect.MaxBodyBytes,
			})
		}

		sessions := session.NewStore(sc.Name, blobs, e.Sink)
		client, err := collect.NewClient(sourceFor(sc), transport, collect.Options{
			Limiter:  e.Limiter,
			Proxies:  pool,
			Profile:  profile,
			Sessions: sessions,
			Retry:    collectRetry(cfg.Collect),
			Sink:     e.Sink,
		})
		if err != nil {
			return eris.Wrapf(err, "init source %s", sc.Name)
		}
		e.Clients[sc.Name] = client
		e.Sessions[sc.Name] = sessions
	}
	return nil
}

// startAutosave periodically saves every source session until the returned
// stop func is called. stop waits for the loops and then saves once more.
func (e *listingEnv) startAutosave(ctx context.Context, interval time.Duration) (stop func()) {
	loopCtx, cancel := context.WithCancel(ctx)
	var dones []<-chan struct{}
	for _, name := range sortedKeys(e.Clients) {
		dones = append(dones, e.Sessions[name].StartAutosave(loopCtx, interval, e.Clients[name].CaptureSession))
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			for _, d := range dones {
				<-d
			}
			saveCtx := context.WithoutCancel(ctx)
			for _, name := range sortedKeys(e.Clients) {
				if err := e.Clients[name].SaveSession(saveCtx); err != nil {
					zap.L().Warn("final session save failed", zap.String("source", name), zap.Error(err))
				}
			}
		})
	}
}

// sessionBlobs picks where session snapshots live.
func sessionBlobs(st store.Store) session.BlobStore {
	if cfg.Session.Backend == "file" {
		return session.NewFileBlobStore(cfg.Session.Dir)
	}
	return store.SessionBlobs(st)
}

func sourceFor(sc config.SourceConfig) collect.Source {
	return collect.Source{
		Name:                sc.Name,
		Kind:                collect.SourceKind(sc.Kind),
		URLTemplate:         sc.URLTemplate,
		AuthHeader:          sc.AuthHeader,
		AuthValue:           sc.AuthValue,
		Query:               sc.Query,
		LoginMarkers:        sc.LoginMarkers,
		AuthenticatedMarker: sc.AuthenticatedMarker,
		ProbeURL:            sc.ProbeURL,
		Rendered:            sc.Rendered,
	}
}

// promptsFor uses the JSON strategy for API sources and the page strategy
// for everything else.
func promptsFor(sources []config.SourceConfig) extract.Prompts {
	p := extract.DefaultPrompts()
	for _, sc := range sources {
		if collect.SourceKind(sc.Kind) == collect.SourceAPI {
			p[sc.Name] = extract.JSONPrompt
		}
	}
	return p
}

func rateLimitConfig(rc config.RateLimitConfig, sources []config.SourceConfig) ratelimit.Config {
	out := ratelimit.Config{
		Window:  time.Duration(rc.WindowSecs) * time.Second,
		Default: ratelimit.SourceLimit{Capacity: rc.Capacity, SafetyMargin: rc.SafetyMargin},
		Sources: make(map[string]ratelimit.SourceLimit),
	}
	for _, sc := range sources {
		if sc.Capacity <= 0 {
			continue
		}
		margin := sc.SafetyMargin
		if margin == 0 {
			margin = rc.SafetyMargin
		}
		out.Sources[sc.Name] = ratelimit.SourceLimit{Capacity: sc.Capacity, SafetyMargin: margin}
	}
	return out
}

func fingerprintConfig(fc config.FingerprintConfig) fingerprint.Config {
	out := fingerprint.DefaultConfig()
	if len(fc.UserAgents) > 0 {
		out.UserAgents = fc.UserAgents
	}
	if len(fc.Languages) > 0 {
		out.Languages = fc.Languages
	}
	if fc.MinJitterMs > 0 {
		out.MinJitter = time.Duration(fc.MinJitterMs) * time.Millisecond
	}
	if fc.MaxJitterMs > 0 {
		out.MaxJitter = time.Duration(fc.MaxJitterMs) * time.Millisecond
	}
	return out
}

func collectRetry(cc config.CollectConfig) resilience.RetryConfig {
	return resilience.RetryPolicy(
		cc.MaxAttempts,
		time.Duration(cc.InitialBackoffMs)*time.Millisecond,
		time.Duration(cc.MaxBackoffSecs)*time.Second,
		0, -1,
	)
}

func breakerConfig(bc config.BreakerConfig) resilience.CircuitBreakerConfig {
	out := resilience.BreakerPolicy(
		bc.FailureThreshold,
		time.Duration(bc.FailureWindowSecs)*time.Second,
		time.Duration(bc.ResetTimeoutSecs)*time.Second,
	)
	out.ShouldTrip = llm.ShouldTrip
	out.Neutral = llm.Neutral
	return out
}

// gatewayConfig retries LLM timeouts from a 1s base, doubling, without jitter.
func gatewayConfig(ac config.AnthropicConfig) llm.Config {
	return llm.Config{
		Model:             ac.Model,
		MaxTokens:         ac.MaxTokens,
		Temperature:       ac.Temperature,
		CallTimeout:       time.Duration(ac.CallTimeoutSecs) * time.Second,
		RequestsPerSecond: ac.RequestsPerSecond,
		Burst:             ac.Burst,
		SystemCacheTTL:    ac.SystemCacheTTL,
		Retry:             resilience.RetryPolicy(ac.MaxAttempts, time.Second, 0, 2, 0),
	}
}

// pricingRates layers configured prices over the built-in table.
func pricingRates(pc config.PricingConfig) cost.Rates {
	over := make(map[string]cost.ModelRate, len(pc.Anthropic))
	for model, p := range pc.Anthropic {
		over[model] = cost.ModelRate{
			Input:         p.Input,
			Output:        p.Output,
			CacheWriteMul: p.CacheWriteMul,
			CacheReadMul:  p.CacheReadMul,
		}
	}
	return cost.DefaultRates().WithOverrides(over)
}

func validatorConfig(vc config.ValidationConfig) validate.Config {
	return validate.Config{
		Threshold:           vc.Threshold,
		HardRequired:        vc.HardRequired,
		SoftRequired:        vc.SoftRequired,
		MaxPrice:            vc.MaxPrice,
		MissingPenalty:      vc.MissingPenalty,
		RangePenalty:        vc.RangePenalty,
		InconsistentPenalty: vc.InconsistentPenalty,
	}
}

func pipelineConfig(bc config.BatchConfig) pipeline.Config {
	return pipeline.Config{
		Concurrency:  bc.Concurrency,
		ItemTimeout:  time.Duration(bc.ItemTimeoutSecs) * time.Second,
		ItemAttempts: bc.ItemAttempts,
		RunTimeout:   time.Duration(bc.RunTimeoutSecs) * time.Second,
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
