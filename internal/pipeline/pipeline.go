// Package pipeline runs collect, extract and validate over a batch of
// targets with bounded concurrency.
package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/listing-cli/internal/collect"
	"github.com/sells-group/listing-cli/internal/model"
	"github.com/sells-group/listing-cli/internal/monitoring"
	"github.com/sells-group/listing-cli/internal/resilience"
	"github.com/sells-group/listing-cli/internal/validate"
)

// Collector fetches the raw item for a target.
type Collector interface {
	Fetch(ctx context.Context, target model.Target) (*model.RawItem, error)
}

// Extractor turns a raw item into fields. It fails only when ctx is done.
type Extractor interface {
	Extract(ctx context.Context, item *model.RawItem) (*model.ExtractedFields, error)
}

// Validator scores extracted fields.
type Validator interface {
	Validate(f *model.ExtractedFields) validate.Report
}

// RecordSink receives every valid listing.
type RecordSink interface {
	SaveListing(ctx context.Context, l model.Listing) error
}

// Config tunes a run.
type Config struct {
	Concurrency  int           `mapstructure:"concurrency"`
	ItemTimeout  time.Duration `mapstructure:"item_timeout"`
	ItemAttempts int           `mapstructure:"item_attempts"`
	// RunTimeout bounds the whole run. Zero means no deadline.
	RunTimeout time.Duration `mapstructure:"run_timeout"`
	// Retry spaces item attempts. MaxAttempts and ShouldRetry are overridden.
	Retry resilience.RetryConfig `mapstructure:"-"`
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 5
	}
	if c.ItemTimeout <= 0 {
		c.ItemTimeout = 60 * time.Second
	}
	if c.ItemAttempts <= 0 {
		c.ItemAttempts = 2
	}
	if c.Retry.InitialBackoff <= 0 {
		c.Retry.InitialBackoff = 2 * time.Second
		c.Retry.JitterFraction = 0.1
	}
	c.Retry.MaxAttempts = c.ItemAttempts
	c.Retry.ShouldRetry = retryable
	return c
}

// Deps are the shared collaborators of a run. Collectors is keyed by source
// name and may be nil when only ProcessItems is used. Records, DeadLetters
// and Sink are optional.
type Deps struct {
	Collectors  map[string]Collector
	Extractor   Extractor
	Validator   Validator
	Records     RecordSink
	DeadLetters resilience.DeadLetterSink
	Sink        monitoring.Sink
}

// Pipeline is a batch processor. One Pipeline may run several batches; its
// metrics accumulate across them.
type Pipeline struct {
	deps    Deps
	cfg     Config
	sink    monitoring.Sink
	metrics metrics

	nowFunc func() time.Time
}

// New creates a pipeline.
func New(deps Deps, cfg Config) *Pipeline {
	return &Pipeline{
		deps:    deps,
		cfg:     cfg.withDefaults(),
		sink:    monitoring.OrNop(deps.Sink),
		nowFunc: time.Now,
	}
}

// Metrics returns a snapshot of the run counters.
func (p *Pipeline) Metrics() monitoring.PipelineMetrics {
	return p.metrics.snapshot()
}

// job is one unit of work: a target to collect, or a pre-fetched item.
type job struct {
	target model.Target
	item   *model.RawItem
}

// Process collects, extracts and validates every target. The returned
// channel yields exactly one Result per target and closes when all are
// terminal. Callers must drain it.
func (p *Pipeline) Process(ctx context.Context, targets []model.Target) <-chan model.Result {
	jobs := make([]job, len(targets))
	for i, t := range targets {
		jobs[i] = job{target: t}
	}
	return p.run(ctx, jobs)
}

// ProcessItems extracts and validates pre-fetched items.
func (p *Pipeline) ProcessItems(ctx context.Context, items []*model.RawItem) <-chan model.Result {
	jobs := make([]job, len(items))
	for i, it := range items {
		jobs[i] = job{target: it.Target(), item: it}
	}
	return p.run(ctx, jobs)
}

func (p *Pipeline) run(parent context.Context, jobs []job) <-chan model.Result {
	out := make(chan model.Result)

	go func() {
		defer close(out)

		ctx, cancel := context.WithCancelCause(parent)
		defer cancel(nil)
		if p.cfg.RunTimeout > 0 {
			var stop context.CancelFunc
			ctx, stop = context.WithTimeout(ctx, p.cfg.RunTimeout)
			defer stop()
		}

		started := p.nowFunc()
		zap.L().Info("pipeline: run started",
			zap.Int("items", len(jobs)),
			zap.Int("concurrency", p.cfg.Concurrency),
		)

		var g errgroup.Group
		g.SetLimit(p.cfg.Concurrency)

		for _, j := range jobs {
			if ctx.Err() != nil {
				out <- p.abandoned(ctx, j)
				continue
			}
			g.Go(func() error {
				out <- p.processJob(ctx, cancel, j)
				return nil
			})
		}
		_ = g.Wait()

		m := p.Metrics()
		zap.L().Info("pipeline: run finished",
			zap.Int64("processed", m.Processed),
			zap.Int64("succeeded", m.Succeeded),
			zap.Int64("failed", m.Failed),
			zap.Int64("dead_lettered", m.DeadLettered),
			zap.Duration("elapsed", p.nowFunc().Sub(started)),
		)
		p.sink.Emit(monitoring.NewEvent(monitoring.EventPipelineRunFinished, "", map[string]any{
			"processed":     m.Processed,
			"succeeded":     m.Succeeded,
			"failed":        m.Failed,
			"dead_lettered": m.DeadLettered,
		}))
	}()

	return out
}

// abandoned is the terminal result of a job the run never started.
func (p *Pipeline) abandoned(ctx context.Context, j job) model.Result {
	err := runError(ctx)
	res := model.Result{Target: j.target, Item: j.item, Err: err, Error: err.Error()}
	p.metrics.processed.Add(1)
	p.metrics.failed.Add(1)
	p.emitDone(res)
	return res
}

func (p *Pipeline) processJob(ctx context.Context, cancelRun context.CancelCauseFunc, j job) model.Result {
	if ctx.Err() != nil {
		return p.abandoned(ctx, j)
	}
	p.metrics.enter()
	defer p.metrics.leave()

	start := p.nowFunc()
	log := zap.L().With(zap.String("source", j.target.Source), zap.String("external_id", j.target.ExternalID))

	res := model.Result{Target: j.target}
	item := j.item
	attempts := 0

	retry := p.cfg.Retry
	retry.OnRetry = resilience.RetryLogger("pipeline", j.target.Key())
	fields, err := resilience.DoVal(ctx, retry, func(ctx context.Context) (*model.ExtractedFields, error) {
		attempts++
		itemCtx, cancel := context.WithTimeout(ctx, p.cfg.ItemTimeout)
		defer cancel()

		f, err := p.attempt(itemCtx, j.target, &item)
		if err != nil && ctx.Err() == nil && errors.Is(itemCtx.Err(), context.DeadlineExceeded) {
			err = &TimeoutError{After: p.cfg.ItemTimeout, Err: err}
		}
		return f, err
	})

	// A collection failure counts the transport attempts of the last item
	// attempt.
	if n := collect.AttemptsOf(err); n > 1 {
		attempts += n - 1
	}
	res.Item = item
	res.Attempts = attempts
	p.metrics.processed.Add(1)

	if err != nil {
		p.metrics.failed.Add(1)
		switch {
		case ctx.Err() != nil:
			err = eris.Wrap(runError(ctx), "pipeline: run stopped")
		case errors.Is(err, collect.ErrNoConnectivity):
			cancelRun(err)
			log.Error("pipeline: no connectivity, cancelling run", zap.Error(err))
		default:
			res.DeadLettered = p.deadLetter(ctx, j.target, item, err, attempts)
		}
		res.Err = err
		res.Error = err.Error()
		res.Duration = p.nowFunc().Sub(start)
		if !res.DeadLettered {
			log.Warn("pipeline: item failed", zap.Int("attempts", attempts), zap.Error(err))
		}
		p.emitDone(res)
		return res
	}

	p.metrics.countExtraction(fields)

	rep := p.deps.Validator.Validate(fields)
	fields.Confidence = rep.Confidence
	res.Fields = fields
	res.Valid = rep.Valid
	res.Confidence = rep.Confidence
	res.Issues = rep.Issues

	if res.Valid && p.deps.Records != nil {
		if err := p.deps.Records.SaveListing(context.WithoutCancel(ctx), model.NewListing(res, p.nowFunc())); err != nil {
			log.Error("pipeline: save listing failed", zap.Error(err))
			res.Valid = false
			res.Err = err
			res.Error = err.Error()
		}
	}

	if res.Valid {
		p.metrics.succeeded.Add(1)
	} else {
		p.metrics.failed.Add(1)
		if res.Err == nil {
			log.Info("pipeline: item rejected by validation",
				zap.Float64("confidence", res.Confidence),
				zap.Int("issues", len(res.Issues)),
			)
		}
	}

	res.Duration = p.nowFunc().Sub(start)
	p.emitDone(res)
	return res
}

// attempt runs the collect and extract steps. A fetched item is kept in
// *item so a retry only repeats what failed.
func (p *Pipeline) attempt(ctx context.Context, target model.Target, item **model.RawItem) (*model.ExtractedFields, error) {
	if *item == nil {
		c, ok := p.deps.Collectors[target.Source]
		if !ok {
			return nil, eris.Errorf("pipeline: no collector for source %q", target.Source)
		}
		fetched, err := c.Fetch(ctx, target)
		if err != nil {
			return nil, err
		}
		*item = fetched
	}
	return p.deps.Extractor.Extract(ctx, *item)
}

func (p *Pipeline) deadLetter(ctx context.Context, target model.Target, item *model.RawItem, err error, attempts int) bool {
	dl := resilience.NewDeadLetter(target, item, err, attempts, p.nowFunc())
	p.metrics.deadLettered.Add(1)

	zap.L().Warn("pipeline: item dead-lettered",
		zap.String("source", target.Source),
		zap.String("external_id", target.ExternalID),
		zap.String("error_kind", dl.ErrorKind),
		zap.Int("attempts", attempts),
		zap.Error(err),
	)
	p.sink.Emit(monitoring.NewEvent(monitoring.EventPipelineDeadLetter, target.Source, map[string]any{
		"external_id": target.ExternalID,
		"error_kind":  dl.ErrorKind,
		"attempts":    attempts,
	}))

	if p.deps.DeadLetters != nil {
		if recErr := p.deps.DeadLetters.RecordDeadLetter(context.WithoutCancel(ctx), dl); recErr != nil {
			zap.L().Error("pipeline: record dead letter failed",
				zap.String("id", dl.ID),
				zap.Error(recErr),
			)
		}
	}
	return true
}

func (p *Pipeline) emitDone(res model.Result) {
	fields := map[string]any{
		"external_id": res.Target.ExternalID,
		"valid":       res.Valid,
		"confidence":  res.Confidence,
		"attempts":    res.Attempts,
		"duration":    res.Duration,
	}
	if res.Err != nil {
		fields["error"] = res.Error
	}
	if res.DeadLettered {
		fields["dead_lettered"] = true
	}
	p.sink.Emit(monitoring.NewEvent(monitoring.EventPipelineItemDone, res.Target.Source, fields))
}

// runError returns why the run context ended.
func runError(ctx context.Context) error {
	if cause := context.Cause(ctx); cause != nil {
		return cause
	}
	return ctx.Err()
}
