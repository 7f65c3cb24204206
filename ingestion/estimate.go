package ingestion

import (
	"time"

	"github.com/poiesic/kbingest/chunking"
)

const (
	kb = 1024
	mb = 1024 * kb

	// minimumEstimate is the floor of BaselineDuration.
	minimumEstimate = 30 * time.Second

	// DefaultAverageProcessing is assumed when no task completed recently.
	DefaultAverageProcessing = 120 * time.Second

	// averageWindow bounds which completed tasks feed the processing average.
	averageWindow = 7 * 24 * time.Hour
)

// sizeBucket maps file sizes in [from, to) onto a linear duration ramp.
type sizeBucket struct {
	from, to int64
	base     time.Duration
	span     time.Duration
	per      int64 // bytes covered by span
}

var sizeBuckets = []sizeBucket{
	{0, 50 * kb, 30 * time.Second, 30 * time.Second, 50 * kb},
	{50 * kb, 500 * kb, 60 * time.Second, 120 * time.Second, 450 * kb},
	{500 * kb, 5 * mb, 180 * time.Second, 300 * time.Second, 4500 * kb},
	{5 * mb, 1 << 62, 300 * time.Second, 600 * time.Second, 10 * mb},
}

// strategyFactors scales the size-based baseline by how costly each strategy is.
var strategyFactors = map[chunking.Strategy]float64{
	chunking.StrategyToken:           1.0,
	chunking.StrategyFixedLength:     1.0,
	chunking.StrategySentence:        1.1,
	chunking.StrategyCustomDelimiter: 1.1,
	chunking.StrategyParagraph:       1.2,
	chunking.StrategySlidingWindow:   1.3,
	chunking.StrategyChapter:         1.5,
	chunking.StrategyRecursive:       1.6,
	chunking.StrategySemantic:        1.8,
}

// AdjustedProgress maps raw progress onto the share of wall-clock time it
// represents. The first 20 points cover 5% of the run, the middle 60 points
// 80% and the last 20 points the remaining 15%.
func AdjustedProgress(progress int) float64 {
	p := float64(min(max(progress, 0), 100))
	switch {
	case p <= 20:
		return p * 0.25
	case p <= 80:
		return 5 + (p-20)*4/3
	default:
		return 85 + (p-80)*0.75
	}
}

// BaselineDuration estimates how long a file of the given size takes to
// ingest with the given strategy.
func BaselineDuration(size int64, strategy chunking.Strategy) time.Duration {
	size = max(size, 0)
	var d time.Duration
	for _, b := range sizeBuckets {
		if size < b.to {
			d = b.base + time.Duration(float64(b.span)*float64(size-b.from)/float64(b.per))
			break
		}
	}
	if f, ok := strategyFactors[strategy]; ok {
		d = time.Duration(float64(d) * f)
	}
	return max(d, minimumEstimate)
}

// EstimateRemaining predicts the time left for a processing task. Before any
// progress is reported the size-based baseline stands in for the whole run.
func EstimateRemaining(progress int, startedAt, now time.Time, size int64, strategy chunking.Strategy) time.Duration {
	if progress >= 100 {
		return 0
	}
	adjusted := AdjustedProgress(progress)
	elapsed := now.Sub(startedAt)
	if startedAt.IsZero() || elapsed <= 0 || adjusted <= 0 {
		return BaselineDuration(size, strategy)
	}
	total := float64(elapsed) / (adjusted / 100)
	remaining := (total - float64(elapsed)) * 1.1
	return time.Duration(remaining).Round(time.Second)
}
