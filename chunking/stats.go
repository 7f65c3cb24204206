package chunking

import "context"

// Stats summarizes a set of chunks.
type Stats struct {
	Count     int     `json:"count"`
	TotalSize int     `json:"total_size"`
	MinSize   int     `json:"min_size"`
	MaxSize   int     `json:"max_size"`
	AvgSize   float64 `json:"avg_size"`
}

// Summarize computes size statistics in characters.
func Summarize(chunks []string) Stats {
	stats := Stats{Count: len(chunks)}
	for i, c := range chunks {
		n := runeLen(c)
		stats.TotalSize += n
		if i == 0 || n < stats.MinSize {
			stats.MinSize = n
		}
		if n > stats.MaxSize {
			stats.MaxSize = n
		}
	}
	if stats.Count > 0 {
		stats.AvgSize = float64(stats.TotalSize) / float64(stats.Count)
	}
	return stats
}

// Preview is the result of a dry-run split.
type Preview struct {
	Strategy Strategy `json:"strategy"`
	Chunks   []string `json:"chunks"`
	Stats    Stats    `json:"stats"`
}

// Preview splits text without persisting anything. Strategy reflects the
// strategy actually used after any fallback.
func (e *Engine) Preview(ctx context.Context, text string, cfg Config) (*Preview, error) {
	used := cfg.Strategy
	if used == "" {
		used = StrategyToken
	}
	if s, ok := ParseStrategy(string(used)); ok {
		used = s
	} else {
		used = StrategyToken
	}
	chunks, err := e.Split(ctx, text, cfg)
	if err != nil {
		return nil, err
	}
	return &Preview{Strategy: used, Chunks: chunks, Stats: Summarize(chunks)}, nil
}
