package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/poiesic/kbingest/ai"
	"github.com/poiesic/kbingest/core"
	"github.com/poiesic/kbingest/storage"
	"github.com/poiesic/kbingest/vectorindex"
)

const (
	// DefaultMinSimilarity drops hits below this cosine similarity.
	DefaultMinSimilarity = 0.60

	verbatimBoost = 0.3

	// candidateFactor widens the index query so the verbatim boost can
	// promote chunks ranked just outside maxHits.
	candidateFactor = 2
)

// Index is the read side of the vector store.
type Index interface {
	Search(ctx context.Context, tenant core.TenantID, requester *core.Requester, query []float32, topK int, metric vectorindex.Metric) ([]vectorindex.Result, error)
}

// Result is one ranked chunk.
type Result struct {
	Chunk *core.Chunk
	// Document is nil when the chunk's ingestion never committed.
	Document   *core.Document
	Similarity float32
	Score      float32
	Verbatim   bool
}

// Searcher provides semantic search over a tenant's chunks.
type Searcher struct {
	tenants       storage.TenantRepository
	documents     storage.DocumentRepository
	chunks        storage.ChunkRepository
	index         Index
	embedder      ai.Embedder
	minSimilarity float32
	logger        *slog.Logger
}

// Option configures a Searcher.
type Option func(*Searcher) error

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Searcher) error {
		if logger == nil {
			logger = slog.Default()
		}
		s.logger = logger
		return nil
	}
}

// WithMinSimilarity sets the cosine similarity a hit needs to be returned.
func WithMinSimilarity(v float32) Option {
	return func(s *Searcher) error {
		if v < -1 || v > 1 {
			return fmt.Errorf("minimum similarity %v outside [-1, 1]", v)
		}
		s.minSimilarity = v
		return nil
	}
}

// NewSearcher creates a new searcher.
func NewSearcher(
	tenants storage.TenantRepository,
	documents storage.DocumentRepository,
	chunks storage.ChunkRepository,
	index Index,
	embedder ai.Embedder,
	opts ...Option,
) (*Searcher, error) {
	if tenants == nil || documents == nil || chunks == nil {
		return nil, ErrRepositoryRequired
	}
	if index == nil {
		return nil, ErrIndexRequired
	}
	if embedder == nil {
		return nil, ErrEmbedderRequired
	}

	s := &Searcher{
		tenants:       tenants,
		documents:     documents,
		chunks:        chunks,
		index:         index,
		embedder:      embedder,
		minSimilarity: DefaultMinSimilarity,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	s.logger = s.logger.With("component", "searcher")
	return s, nil
}

// FindSimilar returns up to maxHits chunks of tenant most similar to query,
// ranked by score.
func (s *Searcher) FindSimilar(ctx context.Context, tenant core.TenantID, requester *core.Requester, query string, maxHits int) ([]*Result, error) {
	return s.FindSimilarWithMonitor(ctx, tenant, requester, query, maxHits, nil)
}

// FindSimilarWithMonitor is FindSimilar with a monitor receiving callbacks at
// each stage.
func (s *Searcher) FindSimilarWithMonitor(ctx context.Context, tenant core.TenantID, requester *core.Requester, query string, maxHits int, monitor SearchMonitor) ([]*Result, error) {
	if monitor == nil {
		monitor = &noopMonitor{}
	}
	if maxHits <= 0 {
		return []*Result{}, nil
	}
	if err := core.ValidateTenantID(tenant); err != nil {
		return nil, err
	}
	t, err := s.tenants.GetTenant(ctx, tenant)
	if err != nil {
		return nil, err
	}
	if err := core.CheckOwnership(requester, t); err != nil {
		return nil, err
	}

	monitor.Start(tenant, query)

	embedding, err := s.embedder.EmbedText(ctx, query)
	if err != nil {
		s.logger.Error("error generating embedding for query", "query", query, "err", err)
		return nil, fmt.Errorf("%w: %v", core.ErrEmbedding, err)
	}

	hits, err := s.index.Search(ctx, tenant, requester, embedding, maxHits*candidateFactor, vectorindex.MetricCosine)
	if err != nil {
		s.logger.Error("error querying for similar chunks", "tenant", tenant, "err", err)
		return nil, err
	}
	monitor.AfterSemanticSearch(hits)

	similarity := make(map[core.ID]float32, len(hits))
	ids := make([]core.ID, 0, len(hits))
	for _, hit := range hits {
		if hit.Score < s.minSimilarity {
			continue
		}
		if _, dup := similarity[hit.ChunkID]; dup {
			continue
		}
		similarity[hit.ChunkID] = hit.Score
		ids = append(ids, hit.ChunkID)
	}
	if len(ids) == 0 {
		monitor.Finish(nil)
		return []*Result{}, nil
	}

	chunks, err := s.chunks.GetChunks(ctx, ids...)
	if err != nil {
		s.logger.Error("error retrieving chunks", "chunkCount", len(ids), "err", err)
		return nil, err
	}
	monitor.AfterChunkRetrieval(chunks)

	docs := make(map[core.ID]*core.Document)
	results := make([]*Result, 0, len(chunks))
	for _, chunk := range chunks {
		if chunk == nil {
			continue
		}
		doc, seen := docs[chunk.DocumentID]
		if !seen {
			doc, err = s.documents.GetDocument(ctx, chunk.DocumentID)
			if err != nil && !errors.Is(err, storage.ErrNotFound) {
				return nil, err
			}
			docs[chunk.DocumentID] = doc
		}

		sim := similarity[chunk.ID]
		verbatim := containsAllQueryWords(chunk.Content, query)
		score := sim
		if verbatim {
			score += verbatimBoost
		}
		monitor.Hit(chunk, sim, verbatim)
		results = append(results, &Result{
			Chunk:      chunk,
			Document:   doc,
			Similarity: sim,
			Score:      score,
			Verbatim:   verbatim,
		})
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if len(results) > maxHits {
		results = results[:maxHits]
	}
	monitor.Finish(results)
	s.logger.Debug("search complete", "tenant", tenant, "candidates", len(hits), "results", len(results))
	return results, nil
}
