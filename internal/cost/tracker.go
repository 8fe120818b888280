// Package cost prices Claude token usage and keeps per-run totals.
package cost

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/sells-group/listing-cli/pkg/anthropic"
)

// ModelTotals is the accumulated usage of one model.
type ModelTotals struct {
	Model            string  `json:"model"`
	Calls            int64   `json:"calls"`
	InputTokens      int64   `json:"input_tokens"`
	OutputTokens     int64   `json:"output_tokens"`
	CacheWriteTokens int64   `json:"cache_write_tokens"`
	CacheReadTokens  int64   `json:"cache_read_tokens"`
	USD              float64 `json:"usd"`
}

// Summary is the run-wide usage, split by model.
type Summary struct {
	Calls        int64         `json:"calls"`
	InputTokens  int64         `json:"input_tokens"`
	OutputTokens int64         `json:"output_tokens"`
	USD          float64       `json:"usd"`
	Models       []ModelTotals `json:"models,omitempty"`
}

// Tracker accumulates usage across concurrent calls.
type Tracker struct {
	calc *Calculator

	mu     sync.Mutex
	models map[string]*ModelTotals
	warned map[string]bool
}

// NewTracker creates a tracker pricing calls with calc.
func NewTracker(calc *Calculator) *Tracker {
	return &Tracker{
		calc:   calc,
		models: make(map[string]*ModelTotals),
		warned: make(map[string]bool),
	}
}

// Record adds one call's usage.
func (t *Tracker) Record(model string, u anthropic.TokenUsage) {
	usd := t.calc.Claude(model, u)

	t.mu.Lock()
	defer t.mu.Unlock()

	m, ok := t.models[model]
	if !ok {
		m = &ModelTotals{Model: model}
		t.models[model] = m
	}
	m.Calls++
	m.InputTokens += u.InputTokens
	m.OutputTokens += u.OutputTokens
	m.CacheWriteTokens += u.CacheCreationInputTokens
	m.CacheReadTokens += u.CacheReadInputTokens
	m.USD += usd

	if !t.calc.Known(model) && !t.warned[model] {
		t.warned[model] = true
		zap.L().Warn("cost: no pricing for model, cost reported as 0", zap.String("model", model))
	}
}

// Summary returns the totals so far, models sorted by name.
func (t *Tracker) Summary() Summary {
	t.mu.Lock()
	defer t.mu.Unlock()

	var s Summary
	for _, m := range t.models {
		s.Calls += m.Calls
		s.InputTokens += m.InputTokens
		s.OutputTokens += m.OutputTokens
		s.USD += m.USD
		s.Models = append(s.Models, *m)
	}
	sort.Slice(s.Models, func(i, j int) bool { return s.Models[i].Model < s.Models[j].Model })
	return s
}
