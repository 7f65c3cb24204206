package reembed

import (
	"context"
	"fmt"

	"github.com/poiesic/kbingest/ai"
	"github.com/poiesic/kbingest/core"
)

// BatchProcessor embeds batches of chunks.
type BatchProcessor struct {
	embedder ai.Embedder
	backoff  Backoff
}

// NewBatchProcessor creates a batch processor retrying failed embedding
// requests on the given schedule.
func NewBatchProcessor(embedder ai.Embedder, backoff Backoff) *BatchProcessor {
	return &BatchProcessor{
		embedder: embedder,
		backoff:  backoff,
	}
}

// Process returns one unit-length vector per chunk, in order.
func (bp *BatchProcessor) Process(ctx context.Context, chunks []*core.Chunk) ([][]float32, error) {
	if len(chunks) == 0 {
		return nil, nil
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}

	var embeddings [][]float32
	err := RetryWithBackoff(ctx, bp.backoff, func(ctx context.Context) error {
		var err error
		embeddings, err = bp.embedder.EmbedTexts(ctx, texts)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: after %d attempts: %w", core.ErrEmbedding, bp.backoff.Attempts, err)
	}
	if len(embeddings) != len(chunks) {
		return nil, fmt.Errorf("%w: expected %d embeddings, got %d", core.ErrEmbedding, len(chunks), len(embeddings))
	}

	vectors := make([][]float32, len(embeddings))
	for i, e := range embeddings {
		vectors[i] = NormalizeVector(e)
	}
	return vectors, nil
}
