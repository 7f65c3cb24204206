package ingestion

import (
	"context"
	"errors"
	"fmt"

	"github.com/poiesic/kbingest/ai"
	"github.com/poiesic/kbingest/core"
)

// embeddingStage generates vectors for the run's stored chunks.
type embeddingStage struct {
	embedder ai.Embedder
	size     int
}

var _ stage = (*embeddingStage)(nil)

func newEmbeddingStage(embedder ai.Embedder, size int) *embeddingStage {
	return &embeddingStage{embedder: embedder, size: size}
}

func (es *embeddingStage) band() band { return bandEmbed }
func (es *embeddingStage) batch() int { return es.size }

// process embeds chunks [lo, hi). Chunks keep the text they were stored with.
func (es *embeddingStage) process(ctx context.Context, r *run, lo, hi int) error {
	texts := make([]string, 0, hi-lo)
	for _, c := range r.chunks[lo:hi] {
		texts = append(texts, c.Content)
	}

	r.logger.Debug("generating embeddings", "from", lo, "to", hi)
	vectors, err := es.embedder.EmbedTexts(ctx, texts)
	if err != nil {
		r.logger.Error("error generating embeddings", "err", err)
		if !errors.Is(err, core.ErrEmbedding) {
			err = fmt.Errorf("%w: %v", core.ErrEmbedding, err)
		}
		return err
	}
	if len(vectors) != len(texts) {
		return fmt.Errorf("%w: embedding result mismatch. expected %d, received %d", core.ErrEmbedding, len(texts), len(vectors))
	}
	r.vectors = append(r.vectors, vectors...)
	return nil
}
