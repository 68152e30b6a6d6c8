package cost

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/reqident/pkg/anthropic"
)

func testRates() Rates {
	return Rates{
		"haiku": {
			Input: 1.00, Output: 5.00,
			CacheWriteMul: 1.25, CacheReadMul: 0.1,
		},
		"sonnet": {
			Input: 3.00, Output: 15.00,
			CacheWriteMul: 1.25, CacheReadMul: 0.1,
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
			name:  "haiku input and output",
			model: "haiku",
			usage: anthropic.TokenUsage{InputTokens: 1_000_000, OutputTokens: 100_000},
			want:  1.00 + 0.50,
		},
		{
			name:  "sonnet with cache",
			model: "sonnet",
			usage: anthropic.TokenUsage{
				InputTokens:              200_000,
				OutputTokens:             10_000,
				CacheCreationInputTokens: 100_000,
				CacheReadInputTokens:     1_000_000,
			},
			// 0.6 + 0.15 + 0.375 + 0.3
			want: 1.425,
		},
		{
			name:  "unknown model",
			model: "gpt",
			usage: anthropic.TokenUsage{InputTokens: 1_000_000},
			want:  0,
		},
		{
			name:  "zero usage",
			model: "haiku",
			want:  0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.InDelta(t, tt.want, calc.Claude(tt.model, tt.usage), 1e-9)
		})
	}
}

func TestKnown(t *testing.T) {
	t.Parallel()
	calc := NewCalculator(testRates())
	assert.True(t, calc.Known("haiku"))
	assert.False(t, calc.Known("opus"))
}

func TestDefaultRates(t *testing.T) {
	t.Parallel()
	rates := DefaultRates()
	assert.Contains(t, rates, "claude-haiku-4-5-20251001")
	assert.Contains(t, rates, "claude-sonnet-4-5-20250929")
	for model, r := range rates {
		assert.Positive(t, r.Input, model)
		assert.Greater(t, r.Output, r.Input, model)
	}
}

func TestMerge(t *testing.T) {
	t.Parallel()
	merged := Merge(DefaultRates(), Rates{
		"claude-haiku-4-5-20251001": {Input: 2, Output: 10},
		"claude-opus-4-6":           {Input: 15, Output: 75},
	})
	assert.Len(t, merged, 3)
	assert.InDelta(t, 2.0, merged["claude-haiku-4-5-20251001"].Input, 1e-9)
	assert.InDelta(t, 3.0, merged["claude-sonnet-4-5-20250929"].Input, 1e-9)
	assert.Len(t, DefaultRates(), 2, "defaults are not mutated")
}
