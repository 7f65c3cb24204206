package chunking

import (
	"fmt"
	"strings"
)

// Strategy selects a splitting algorithm.
type Strategy string

const (
	StrategyToken           Strategy = "token"
	StrategyFixedLength     Strategy = "fixed_length"
	StrategySentence        Strategy = "sentence"
	StrategyParagraph       Strategy = "paragraph"
	StrategyChapter         Strategy = "chapter"
	StrategySemantic        Strategy = "semantic"
	StrategyRecursive       Strategy = "recursive"
	StrategySlidingWindow   Strategy = "sliding_window"
	StrategyCustomDelimiter Strategy = "custom_delimiter"
)

// Strategies lists every supported strategy.
var Strategies = []Strategy{
	StrategyToken,
	StrategyFixedLength,
	StrategySentence,
	StrategyParagraph,
	StrategyChapter,
	StrategySemantic,
	StrategyRecursive,
	StrategySlidingWindow,
	StrategyCustomDelimiter,
}

// ParseStrategy maps a name to a Strategy. Hyphens and case are tolerated.
func ParseStrategy(name string) (Strategy, bool) {
	normalized := Strategy(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "-", "_"))
	for _, s := range Strategies {
		if s == normalized {
			return s, true
		}
	}
	return "", false
}

// Config controls how text is split. Sizes are measured in characters.
type Config struct {
	Strategy            Strategy      `yaml:"strategy" envconfig:"STRATEGY"`
	ChunkSize           int           `yaml:"chunk_size" envconfig:"CHUNK_SIZE"`
	MinChunkSize        int           `yaml:"min_chunk_size" envconfig:"MIN_CHUNK_SIZE"`
	MaxChunkSize        int           `yaml:"max_chunk_size" envconfig:"MAX_CHUNK_SIZE"`
	OverlapSize         int           `yaml:"overlap_size" envconfig:"OVERLAP_SIZE"`
	SimilarityThreshold float64       `yaml:"similarity_threshold" envconfig:"SIMILARITY_THRESHOLD"`
	CustomDelimiter     string        `yaml:"custom_delimiter" envconfig:"CUSTOM_DELIMITER"`
	WindowSize          int           `yaml:"window_size" envconfig:"WINDOW_SIZE"`
	StepSize            int           `yaml:"step_size" envconfig:"STEP_SIZE"`
	Chapter             ChapterConfig `yaml:"chapter" envconfig:"CHAPTER"`
}

// ChapterConfig tunes the chapter strategy.
type ChapterConfig struct {
	// MaxChapterSize is the ceiling above which a chapter is split along paragraphs.
	MaxChapterSize int `yaml:"max_chapter_size" envconfig:"MAX_CHAPTER_SIZE"`
	// ChunkSize is used when no heading is found and the text is packed by paragraphs.
	ChunkSize int `yaml:"chunk_size" envconfig:"CHUNK_SIZE"`
	// Patterns restricts detection to the named heading families. Empty enables all.
	Patterns []string `yaml:"patterns" envconfig:"PATTERNS"`
	// KeepChapters skips the final pass that merges adjacent chapters up to
	// the chunk ceiling, so each chapter stays its own chunk.
	KeepChapters bool `yaml:"keep_chapters" envconfig:"KEEP_CHAPTERS"`
}

const (
	DefaultChunkSize           = 500
	DefaultMinChunkSize        = 50
	DefaultMaxChunkSize        = 2000
	DefaultOverlapSize         = 100
	DefaultSimilarityThreshold = 0.7
	DefaultCustomDelimiter     = "\n\n"
	DefaultWindowSize          = 3
	DefaultStepSize            = 1
	DefaultMaxChapterSize      = 5000
	DefaultChapterChunkSize    = 1000
)

// DefaultConfig returns the token strategy with default sizes.
func DefaultConfig() Config {
	return Config{
		Strategy:            StrategyToken,
		ChunkSize:           DefaultChunkSize,
		MinChunkSize:        DefaultMinChunkSize,
		MaxChunkSize:        DefaultMaxChunkSize,
		OverlapSize:         DefaultOverlapSize,
		SimilarityThreshold: DefaultSimilarityThreshold,
		CustomDelimiter:     DefaultCustomDelimiter,
		WindowSize:          DefaultWindowSize,
		StepSize:            DefaultStepSize,
		Chapter: ChapterConfig{
			MaxChapterSize: DefaultMaxChapterSize,
			ChunkSize:      DefaultChapterChunkSize,
		},
	}
}

// Normalize fills unset fields with defaults and repairs values that would
// stall a splitter. The strategy name is left alone; Split handles unknown names.
func (c *Config) Normalize() {
	if c.Strategy == "" {
		c.Strategy = StrategyToken
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.MinChunkSize < 0 {
		c.MinChunkSize = 0
	}
	if c.MaxChunkSize <= 0 {
		c.MaxChunkSize = DefaultMaxChunkSize
	}
	if c.MaxChunkSize < c.MinChunkSize {
		c.MaxChunkSize = c.MinChunkSize
	}
	if c.OverlapSize < 0 {
		c.OverlapSize = 0
	}
	if c.SimilarityThreshold <= 0 {
		c.SimilarityThreshold = DefaultSimilarityThreshold
	}
	if c.CustomDelimiter == "" {
		c.CustomDelimiter = DefaultCustomDelimiter
	}
	if c.WindowSize <= 0 {
		c.WindowSize = DefaultWindowSize
	}
	if c.StepSize <= 0 {
		c.StepSize = DefaultStepSize
	}
	if c.Chapter.MaxChapterSize <= 0 {
		c.Chapter.MaxChapterSize = DefaultMaxChapterSize
	}
	if c.Chapter.ChunkSize <= 0 {
		c.Chapter.ChunkSize = DefaultChapterChunkSize
	}
}

// Validate reports configuration values that are outright invalid.
func (c *Config) Validate() error {
	if c.SimilarityThreshold < 0 || c.SimilarityThreshold > 1 {
		return fmt.Errorf("similarity_threshold must be within [0, 1], got %v", c.SimilarityThreshold)
	}
	for _, name := range c.Chapter.Patterns {
		if _, ok := patternByName(name); !ok {
			return fmt.Errorf("unknown chapter pattern %q", name)
		}
	}
	return nil
}
