package cost

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/listing-cli/pkg/anthropic"
)

func testRates() Rates {
	return Rates{
		Anthropic: map[string]ModelRate{
			"haiku": {
				Input: 0.80, Output: 4.00,
				CacheWriteMul: 1.25, CacheReadMul: 0.1,
			},
			"sonnet": {
				Input: 3.00, Output: 15.00,
				CacheWriteMul: 1.25, CacheReadMul: 0.1,
			},
		},
	}
}

func TestClaude(t *testing.T) {
	t.Parallel()
	calc := NewCalculator(testRates())

	tests := []struct {
		name  string
		model string
		usage anthropic.TokenUsage
		want  float64
	}{
		{
			name:  "haiku simple",
			model: "haiku",
			usage: anthropic.TokenUsage{InputTokens: 1000000, OutputTokens: 100000},
			want:  0.80 + 0.40,
		},
		{
			name:  "haiku with cache",
			model: "haiku",
			usage: anthropic.TokenUsage{
				InputTokens: 500000, OutputTokens: 50000,
				CacheCreationInputTokens: 200000, CacheReadInputTokens: 300000,
			},
			// in: 0.40, out: 0.20, cw: 0.2 * 0.80 * 1.25, cr: 0.3 * 0.80 * 0.1
			want: 0.40 + 0.20 + 0.20 + 0.024,
		},
		{
			name:  "sonnet",
			model: "sonnet",
			usage: anthropic.TokenUsage{InputTokens: 1000000, OutputTokens: 100000},
			want:  3.00 + 1.50,
		},
		{
			name:  "unknown model returns 0",
			model: "unknown",
			usage: anthropic.TokenUsage{InputTokens: 1000000, OutputTokens: 1000000},
			want:  0,
		},
		{
			name:  "zero tokens returns 0",
			model: "haiku",
			want:  0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.InDelta(t, tt.want, calc.Claude(tt.model, tt.usage), 0.001)
		})
	}
}

func TestDefaultRates(t *testing.T) {
	t.Parallel()
	rates := DefaultRates()

	assert.Contains(t, rates.Anthropic, "claude-haiku-4-5-20251001")
	assert.Contains(t, rates.Anthropic, "claude-sonnet-4-5-20250929")
	assert.Contains(t, rates.Anthropic, "claude-opus-4-6")
}

func TestWithOverrides(t *testing.T) {
	t.Parallel()
	base := testRates()
	got := base.WithOverrides(map[string]ModelRate{
		"haiku":  {Input: 1, Output: 5},
		"custom": {Input: 2, Output: 2},
	})

	assert.InDelta(t, 1.0, got.Anthropic["haiku"].Input, 1e-9)
	assert.InDelta(t, 3.0, got.Anthropic["sonnet"].Input, 1e-9)
	assert.Contains(t, got.Anthropic, "custom")
	assert.InDelta(t, 0.80, base.Anthropic["haiku"].Input, 1e-9, "base must not change")
}

func TestTracker_Summary(t *testing.T) {
	t.Parallel()
	tr := NewTracker(NewCalculator(testRates()))

	tr.Record("sonnet", anthropic.TokenUsage{InputTokens: 1000000})
	tr.Record("haiku", anthropic.TokenUsage{InputTokens: 1000000, OutputTokens: 100000})
	tr.Record("haiku", anthropic.TokenUsage{CacheReadInputTokens: 1000000})
	tr.Record("mystery", anthropic.TokenUsage{InputTokens: 10})

	s := tr.Summary()
	assert.Equal(t, int64(4), s.Calls)
	assert.Equal(t, int64(2000010), s.InputTokens)
	assert.Equal(t, int64(100000), s.OutputTokens)
	assert.InDelta(t, 3.00+1.20+0.08, s.USD, 0.001)

	require.Len(t, s.Models, 3)
	assert.Equal(t, "haiku", s.Models[0].Model)
	assert.Equal(t, int64(2), s.Models[0].Calls)
	assert.Equal(t, int64(1000000), s.Models[0].CacheReadTokens)
	assert.Equal(t, "mystery", s.Models[1].Model)
	assert.InDelta(t, 0.0, s.Models[1].USD, 1e-9)
}

func TestTracker_Concurrent(t *testing.T) {
	t.Parallel()
	tr := NewTracker(NewCalculator(testRates()))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr.Record("haiku", anthropic.TokenUsage{InputTokens: 10, OutputTokens: 1})
		}()
	}
	wg.Wait()

	s := tr.Summary()
	assert.Equal(t, int64(50), s.Calls)
	assert.Equal(t, int64(500), s.InputTokens)
}
