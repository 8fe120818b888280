// Package extract turns raw listing payloads into structured fields, using
// the LLM gateway when it can and a deterministic fallback when it cannot.
package extract

import (
	"context"
	"errors"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/sells-group/listing-cli/internal/cache"
	"github.com/sells-group/listing-cli/internal/llm"
	"github.com/sells-group/listing-cli/internal/model"
	"github.com/sells-group/listing-cli/internal/monitoring"
)

// Gateway is the model call the extractor depends on.
type Gateway interface {
	Extract(ctx context.Context, p llm.Prompt) (*llm.Output, error)
}

// Config tunes the extractor.
type Config struct {
	MaxContentChars int
	// DefaultConfidence applies when the model omits its own. Default 0.9.
	DefaultConfidence float64
	FallbackCap       float64
}

// Stats counts extraction outcomes.
type Stats struct {
	LLM      int64 `json:"llm"`
	Cached   int64 `json:"cached"`
	Fallback int64 `json:"fallback"`
}

// Extractor runs cache → model → schema parse, degrading to the fallback.
type Extractor struct {
	gateway  Gateway
	cache    *cache.Cache
	prompts  Prompts
	prep     *Preparer
	fallback *Fallback
	sink     monitoring.Sink
	defConf  float64

	llmCount      atomic.Int64
	cachedCount   atomic.Int64
	fallbackCount atomic.Int64
}

// New creates an extractor. gateway and c may be nil: without a gateway
// every item goes to the fallback, without a cache nothing is memoised.
func New(gateway Gateway, c *cache.Cache, prompts Prompts, cfg Config, sink monitoring.Sink) *Extractor {
	if prompts == nil {
		prompts = DefaultPrompts()
	}
	if cfg.DefaultConfidence <= 0 || cfg.DefaultConfidence > 1 {
		cfg.DefaultConfidence = 0.9
	}
	return &Extractor{
		gateway:  gateway,
		cache:    c,
		prompts:  prompts,
		prep:     NewPreparer(cfg.MaxContentChars),
		fallback: NewFallback(cfg.FallbackCap),
		sink:     monitoring.OrNop(sink),
		defConf:  cfg.DefaultConfidence,
	}
}

// Extract returns structured fields for item. It only fails when ctx is
// done; every model or schema failure degrades to the fallback extractor.
func (e *Extractor) Extract(ctx context.Context, item *model.RawItem) (*model.ExtractedFields, error) {
	key := cache.Key(item.Payload, item.Source, PromptVersion)

	if e.cache != nil {
		if hit, ok := e.cache.Get(ctx, key); ok {
			e.cachedCount.Add(1)
			f := hit.Fields
			f.Confidence = hit.Confidence
			f.StampProvenance(model.ProvenanceCached)
			return f, nil
		}
	}

	if e.gateway == nil {
		return e.runFallback(item, "no_gateway", nil), nil
	}

	content := e.prep.Prepare(item)
	prompt := e.prompts.For(item.Source)(item, content)

	out, err := e.gateway.Extract(ctx, prompt)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var le *llm.Error
		if errors.As(err, &le) {
			return e.runFallback(item, string(le.Kind), err), nil
		}
		return e.runFallback(item, "error", err), nil
	}

	fields, conf, hasConf, err := parseAnswer(out.Object)
	if err != nil {
		return e.runFallback(item, "schema", err), nil
	}
	if !hasConf {
		conf = e.defConf
	}
	fields.Confidence = clamp01(conf)
	fields.StampProvenance(model.ProvenanceLLM)

	if e.cache != nil {
		e.cache.Put(ctx, key, fields)
	}
	e.llmCount.Add(1)
	return fields, nil
}

func (e *Extractor) runFallback(item *model.RawItem, reason string, cause error) *model.ExtractedFields {
	e.fallbackCount.Add(1)
	f := e.fallback.Extract(item)

	fields := []zap.Field{
		zap.String("source", item.Source),
		zap.String("external_id", item.ExternalID),
		zap.String("reason", reason),
		zap.Float64("confidence", f.Confidence),
	}
	if cause != nil {
		fields = append(fields, zap.Error(cause))
	}
	zap.L().Info("extract: using fallback extractor", fields...)

	e.sink.Emit(monitoring.NewEvent(monitoring.EventExtractFallback, item.Source, map[string]any{
		"external_id": item.ExternalID,
		"reason":      reason,
	}))
	return f
}

// Stats returns outcome counters.
func (e *Extractor) Stats() Stats {
	return Stats{
		LLM:      e.llmCount.Load(),
		Cached:   e.cachedCount.Load(),
		Fallback: e.fallbackCount.Load(),
	}
}
