// Package monitoring carries observability events, the status snapshot and
// threshold alerts for a collection run.
package monitoring

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Event types emitted by the pipeline components.
const (
	EventRateLimitAdmitted   = "ratelimit.admitted"
	EventRateLimitThrottled  = "ratelimit.throttled"
	EventRateLimitResumed    = "ratelimit.resumed"
	EventCircuitStateChange  = "circuit.state_change"
	EventProxyUnhealthy      = "proxy.unhealthy"
	EventProxyReadmitted     = "proxy.readmitted"
	EventProxyDegraded       = "proxy.degraded"
	EventSessionSaved        = "session.saved"
	EventSessionInvalidated  = "session.invalidated"
	EventCollectBlocked      = "collect.blocked"
	EventExtractFallback     = "extract.fallback"
	EventPipelineItemDone    = "pipeline.item_done"
	EventPipelineDeadLetter  = "pipeline.dead_lettered"
	EventPipelineRunFinished = "pipeline.run_finished"
)

// Event is a single observability signal. Fields holds event-specific data
// such as "wait", "from" and "to".
type Event struct {
	Type   string         `json:"type"`
	Source string         `json:"source,omitempty"`
	Fields map[string]any `json:"fields,omitempty"`
	Time   time.Time      `json:"time"`
}

// NewEvent stamps an event with the current time.
func NewEvent(typ, source string, fields map[string]any) Event {
	return Event{Type: typ, Source: source, Fields: fields, Time: time.Now().UTC()}
}

// Sink receives events. Implementations must be safe for concurrent use and
// must not block for long.
type Sink interface {
	Emit(e Event)
}

// Nop discards every event.
type Nop struct{}

// Emit implements Sink.
func (Nop) Emit(Event) {}

// OrNop returns s, or a Nop sink when s is nil.
func OrNop(s Sink) Sink {
	if s == nil {
		return Nop{}
	}
	return s
}

// FuncSink adapts a function to Sink.
type FuncSink func(e Event)

// Emit implements Sink.
func (f FuncSink) Emit(e Event) { f(e) }

// Fanout delivers each event to every sink in order.
type Fanout []Sink

// Emit implements Sink.
func (f Fanout) Emit(e Event) {
	for _, s := range f {
		if s != nil {
			s.Emit(e)
		}
	}
}

// LogSink writes events to the global zap logger.
type LogSink struct{}

// Emit implements Sink.
func (LogSink) Emit(e Event) {
	fields := make([]zap.Field, 0, len(e.Fields)+2)
	fields = append(fields, zap.String("event", e.Type))
	if e.Source != "" {
		fields = append(fields, zap.String("source", e.Source))
	}
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fields = append(fields, zap.Any(k, e.Fields[k]))
	}

	if ce := zap.L().Check(levelFor(e.Type), e.Type); ce != nil {
		ce.Write(fields...)
	}
}

func levelFor(typ string) zapcore.Level {
	switch typ {
	case EventCircuitStateChange, EventProxyUnhealthy, EventProxyDegraded,
		EventSessionInvalidated, EventCollectBlocked, EventPipelineDeadLetter:
		return zapcore.WarnLevel
	case EventRateLimitThrottled, EventExtractFallback, EventPipelineRunFinished:
		return zapcore.InfoLevel
	default:
		return zapcore.DebugLevel
	}
}

// Recorder keeps every emitted event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Emit implements Sink.
func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of all recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// ByType returns the recorded events of the given type.
func (r *Recorder) ByType(typ string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

// Count returns how many events of the given type were recorded.
func (r *Recorder) Count(typ string) int {
	return len(r.ByType(typ))
}
