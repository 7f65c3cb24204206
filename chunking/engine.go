package chunking

import (
	"context"
	"log/slog"
	"strings"

	"github.com/poiesic/kbingest/ai"
)

// FallbackEvent is reported when a requested strategy is unknown and the
// token strategy is used instead.
type FallbackEvent struct {
	Requested string
	Used      Strategy
}

// Engine splits text according to a Config. It is safe for concurrent use.
type Engine struct {
	logger   *slog.Logger
	embedder ai.Embedder
	observer func(FallbackEvent)
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithEmbedder supplies sentence embeddings to the semantic strategy.
func WithEmbedder(embedder ai.Embedder) Option {
	return func(e *Engine) {
		e.embedder = embedder
	}
}

// WithFallbackObserver registers a callback for strategy fallbacks.
func WithFallbackObserver(fn func(FallbackEvent)) Option {
	return func(e *Engine) {
		e.observer = fn
	}
}

// NewEngine creates an Engine.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	e.logger = e.logger.With("component", "chunking")
	return e
}

// Split divides text into ordered chunks. Empty or whitespace-only text
// yields no chunks. The only error returned is context cancellation.
func (e *Engine) Split(ctx context.Context, text string, cfg Config) ([]string, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	cfg.Normalize()

	strategy, ok := ParseStrategy(string(cfg.Strategy))
	if !ok {
		e.logger.Warn("unknown chunking strategy, falling back", "requested", cfg.Strategy, "used", StrategyToken)
		if e.observer != nil {
			e.observer(FallbackEvent{Requested: string(cfg.Strategy), Used: StrategyToken})
		}
		strategy = StrategyToken
	}

	var chunks []string
	switch strategy {
	case StrategyFixedLength:
		chunks = splitFixedLength(text, cfg)
	case StrategySentence:
		chunks = splitBySentences(text, cfg)
	case StrategyParagraph:
		chunks = splitByParagraphs(text, cfg)
	case StrategyChapter:
		chunks = splitChapters(text, cfg)
	case StrategySemantic:
		var err error
		if chunks, err = e.splitSemantic(ctx, text, cfg); err != nil {
			return nil, err
		}
	case StrategyRecursive:
		chunks = splitRecursive(text, cfg)
	case StrategySlidingWindow:
		chunks = splitSlidingWindow(text, cfg)
	case StrategyCustomDelimiter:
		return splitCustomDelimiter(text, cfg), nil
	default:
		chunks = splitByTokens(text, cfg)
	}

	chunks = postProcess(chunks, cfg)
	e.logger.Debug("text split", "strategy", strategy, "chunks", len(chunks), "chars", runeLen(text))
	return chunks, nil
}

var defaultEngine = NewEngine()

// Split divides text using an engine without an embedder.
func Split(text string, cfg Config) []string {
	chunks, _ := defaultEngine.Split(context.Background(), text, cfg)
	return chunks
}
