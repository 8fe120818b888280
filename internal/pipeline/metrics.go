package pipeline

import (
	"sync/atomic"

	"github.com/sells-group/listing-cli/internal/model"
	"github.com/sells-group/listing-cli/internal/monitoring"
)

// metrics holds run counters. All fields are updated atomically.
type metrics struct {
	processed    atomic.Int64
	succeeded    atomic.Int64
	failed       atomic.Int64
	deadLettered atomic.Int64
	cacheHits    atomic.Int64
	extractions  atomic.Int64
	fallbacks    atomic.Int64
	inFlight     atomic.Int64
	maxInFlight  atomic.Int64
}

func (m *metrics) enter() {
	n := m.inFlight.Add(1)
	for {
		peak := m.maxInFlight.Load()
		if n <= peak || m.maxInFlight.CompareAndSwap(peak, n) {
			return
		}
	}
}

func (m *metrics) leave() {
	m.inFlight.Add(-1)
}

// countExtraction records where an item's fields came from.
func (m *metrics) countExtraction(f *model.ExtractedFields) {
	m.extractions.Add(1)
	switch provenanceOf(f) {
	case model.ProvenanceCached:
		m.cacheHits.Add(1)
	case model.ProvenanceFallback, "":
		m.fallbacks.Add(1)
	}
}

func (m *metrics) snapshot() monitoring.PipelineMetrics {
	out := monitoring.PipelineMetrics{
		Processed:    m.processed.Load(),
		Succeeded:    m.succeeded.Load(),
		Failed:       m.failed.Load(),
		DeadLettered: m.deadLettered.Load(),
		CacheHits:    m.cacheHits.Load(),
		Extractions:  m.extractions.Load(),
		Fallbacks:    m.fallbacks.Load(),
		InFlight:     m.inFlight.Load(),
		MaxInFlight:  m.maxInFlight.Load(),
	}
	if out.Extractions > 0 {
		out.CacheHitRate = float64(out.CacheHits) / float64(out.Extractions)
	}
	if out.Processed > 0 {
		out.FailureRate = float64(out.Failed) / float64(out.Processed)
	}
	return out
}

// provenanceOf returns the provenance shared by the populated fields, or ""
// when nothing was extracted.
func provenanceOf(f *model.ExtractedFields) model.Provenance {
	if f == nil {
		return ""
	}
	for _, k := range f.Populated() {
		if p, ok := f.Provenance[k]; ok {
			return p
		}
	}
	return ""
}
