package ingestion

import (
	"testing"
	"time"

	"github.com/poiesic/kbingest/chunking"
	"github.com/stretchr/testify/assert"
)

func TestAdjustedProgress(t *testing.T) {
	tests := []struct {
		progress int
		want     float64
	}{
		{-5, 0},
		{0, 0},
		{10, 2.5},
		{20, 5},
		{50, 45},
		{80, 85},
		{90, 92.5},
		{100, 100},
		{140, 100},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, AdjustedProgress(tt.progress), 1e-9, "progress %d", tt.progress)
	}

	prev := AdjustedProgress(0)
	for p := 1; p <= 100; p++ {
		cur := AdjustedProgress(p)
		assert.Greater(t, cur, prev, "not increasing at %d", p)
		prev = cur
	}
}

func TestBaselineDuration(t *testing.T) {
	tests := []struct {
		name     string
		size     int64
		strategy chunking.Strategy
		want     time.Duration
	}{
		{"empty file", 0, chunking.StrategyToken, 30 * time.Second},
		{"half of small bucket", 25 * kb, chunking.StrategyToken, 45 * time.Second},
		{"medium bucket start", 50 * kb, chunking.StrategyToken, 60 * time.Second},
		{"large bucket start", 500 * kb, chunking.StrategyToken, 180 * time.Second},
		{"xlarge bucket start", 5 * mb, chunking.StrategyToken, 300 * time.Second},
		{"xlarge ten megabytes on", 15 * mb, chunking.StrategyToken, 900 * time.Second},
		{"semantic is slowest", 0, chunking.StrategySemantic, 54 * time.Second},
		{"chapter", 50 * kb, chunking.StrategyChapter, 90 * time.Second},
		{"unknown strategy", 0, chunking.Strategy("mystery"), 30 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, BaselineDuration(tt.size, tt.strategy).Round(time.Millisecond))
		})
	}

	assert.Greater(t, BaselineDuration(kb, chunking.StrategySemantic), BaselineDuration(kb, chunking.StrategyToken))
}

func TestEstimateRemaining(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	// 50 raw points are 45% of the run; 90s elapsed means 110s to go, plus 10%.
	assert.Equal(t, 121*time.Second, EstimateRemaining(50, start, start.Add(90*time.Second), 0, chunking.StrategyToken))

	assert.Equal(t, BaselineDuration(kb, chunking.StrategyParagraph),
		EstimateRemaining(0, start, start.Add(time.Minute), kb, chunking.StrategyParagraph))
	assert.Equal(t, BaselineDuration(kb, chunking.StrategyParagraph),
		EstimateRemaining(40, time.Time{}, start, kb, chunking.StrategyParagraph))
	assert.Zero(t, EstimateRemaining(100, start, start.Add(time.Minute), kb, chunking.StrategyToken))

	early := EstimateRemaining(10, start, start.Add(10*time.Second), 0, chunking.StrategyToken)
	late := EstimateRemaining(90, start, start.Add(10*time.Second), 0, chunking.StrategyToken)
	assert.Greater(t, early, late)
}
