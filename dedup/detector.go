// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package dedup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	"github.com/panjf2000/ants/v2"
	"github.com/poiesic/kbingest/ai"
	"github.com/poiesic/kbingest/core"
	"github.com/poiesic/kbingest/storage"
	"github.com/poiesic/kbingest/vectorindex"
)

const (
	DefaultBatchSize = 16
	DefaultCacheSize = 10000
)

var (
	// ErrRepositoryRequired is returned when a repository is not provided.
	ErrRepositoryRequired = errors.New("repository required")

	// ErrIndexRequired is returned when a vector index is not provided.
	ErrIndexRequired = errors.New("vector index required")

	// ErrEmbedderRequired is returned when an embedder is not provided.
	ErrEmbedderRequired = errors.New("embedder required")
)

// Index is the read side of the vector store.
type Index interface {
	Search(ctx context.Context, tenant core.TenantID, requester *core.Requester, query []float32, topK int, metric vectorindex.Metric) ([]vectorindex.Result, error)
}

// Detector finds duplicated content within and across tenants.
type Detector struct {
	tenants   storage.TenantRepository
	documents storage.DocumentRepository
	chunks    storage.ChunkRepository
	index     Index
	embedder  ai.Embedder
	pool      *ants.Pool
	batchSize int
	cacheSize int
	logger    *slog.Logger

	// cache holds embeddings by chunk id. Entries are tagged with the
	// content hash so an edited chunk is embedded again.
	mu    sync.Mutex
	cache map[core.ID]cachedVector
}

type cachedVector struct {
	hash   core.ID
	vector []float32
}

// Option configures a Detector.
type Option func(*Detector) error

// WithPoolSize sets how many embedding batches run concurrently.
// Default is runtime.NumCPU() / 2, with a minimum of 1.
func WithPoolSize(size int) Option {
	return func(d *Detector) error {
		if size < 1 {
			size = 1
		}
		pool, err := ants.NewPool(size)
		if err != nil {
			return err
		}
		if d.pool != nil {
			d.pool.Release()
		}
		d.pool = pool
		return nil
	}
}

// WithBatchSize sets how many chunks go into one embedding request.
func WithBatchSize(n int) Option {
	return func(d *Detector) error {
		if n < 1 {
			n = 1
		}
		d.batchSize = n
		return nil
	}
}

// WithCacheSize bounds the embedding cache. Zero disables it.
func WithCacheSize(n int) Option {
	return func(d *Detector) error {
		d.cacheSize = max(n, 0)
		return nil
	}
}

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(d *Detector) error {
		if logger == nil {
			logger = slog.Default()
		}
		d.logger = logger
		return nil
	}
}

// NewDetector creates a duplicate detector.
func NewDetector(
	tenants storage.TenantRepository,
	documents storage.DocumentRepository,
	chunks storage.ChunkRepository,
	index Index,
	embedder ai.Embedder,
	opts ...Option,
) (*Detector, error) {
	if tenants == nil || documents == nil || chunks == nil {
		return nil, ErrRepositoryRequired
	}
	if index == nil {
		return nil, ErrIndexRequired
	}
	if embedder == nil {
		return nil, ErrEmbedderRequired
	}

	poolSize := max(runtime.NumCPU()/2, 1)
	pool, err := ants.NewPool(poolSize)
	if err != nil {
		return nil, err
	}

	d := &Detector{
		tenants:   tenants,
		documents: documents,
		chunks:    chunks,
		index:     index,
		embedder:  embedder,
		pool:      pool,
		batchSize: DefaultBatchSize,
		cacheSize: DefaultCacheSize,
		logger:    slog.Default(),
		cache:     make(map[core.ID]cachedVector),
	}
	for _, opt := range opts {
		if optErr := opt(d); optErr != nil {
			d.Release()
			return nil, optErr
		}
	}
	d.logger = d.logger.With("component", "dedup")
	return d, nil
}

// Release stops the worker pool. The detector must not be used afterwards.
func (d *Detector) Release() {
	if d.pool != nil {
		d.pool.Release()
	}
}

// authorize loads the tenant and checks the requester may read it.
func (d *Detector) authorize(ctx context.Context, tenant core.TenantID, requester *core.Requester) (*core.Tenant, error) {
	if err := core.ValidateTenantID(tenant); err != nil {
		return nil, err
	}
	t, err := d.tenants.GetTenant(ctx, tenant)
	if err != nil {
		return nil, err
	}
	if err := core.CheckOwnership(requester, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (d *Detector) cached(c *core.Chunk) ([]float32, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.cache[c.ID]
	if !ok || v.hash != c.ContentHash {
		return nil, false
	}
	return v.vector, true
}

func (d *Detector) remember(c *core.Chunk, vector []float32) {
	if d.cacheSize == 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.cache) >= d.cacheSize {
		clear(d.cache)
	}
	d.cache[c.ID] = cachedVector{hash: c.ContentHash, vector: vector}
}

// embedChunks returns an embedding per chunk id. Chunks sharing a content
// hash are embedded once. Batches run on the pool; a failed batch is logged
// and its chunks are left out. ErrEmbedding is returned only when nothing
// could be embedded.
func (d *Detector) embedChunks(ctx context.Context, chunks []*core.Chunk) (map[core.ID][]float32, error) {
	out := make(map[core.ID][]float32, len(chunks))
	byHash := make(map[core.ID][]*core.Chunk)
	var todo []*core.Chunk
	for _, c := range chunks {
		if v, ok := d.cached(c); ok {
			out[c.ID] = v
			continue
		}
		if _, seen := byHash[c.ContentHash]; !seen {
			todo = append(todo, c)
		}
		byHash[c.ContentHash] = append(byHash[c.ContentHash], c)
	}

	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		failures int
		lastErr  error
	)
	for lo := 0; lo < len(todo); lo += d.batchSize {
		batch := todo[lo:min(lo+d.batchSize, len(todo))]
		wg.Add(1)
		err := d.pool.Submit(func() {
			defer wg.Done()
			texts := make([]string, len(batch))
			for i, c := range batch {
				texts[i] = c.Content
			}
			vectors, err := d.embedder.EmbedTexts(ctx, texts)
			if err == nil && len(vectors) != len(texts) {
				err = errors.New("embedding result count mismatch")
			}
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				d.logger.Warn("could not embed chunk batch", "chunks", len(batch), "err", err)
				failures++
				lastErr = err
				return
			}
			for i, c := range batch {
				for _, same := range byHash[c.ContentHash] {
					out[same.ID] = vectors[i]
					d.remember(same, vectors[i])
				}
			}
		})
		if err != nil {
			wg.Done()
			wg.Wait()
			return nil, err
		}
	}
	wg.Wait()

	if len(out) == 0 && failures > 0 {
		return nil, fmt.Errorf("%w: %v", core.ErrEmbedding, lastErr)
	}
	return out, nil
}

func (d *Detector) embedText(ctx context.Context, text string) ([]float32, error) {
	vector, err := d.embedder.EmbedText(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrEmbedding, err)
	}
	return vector, nil
}

// hydrate loads chunk records and their documents for search results.
func (d *Detector) hydrate(ctx context.Context, ids []core.ID) (map[core.ID]*core.Chunk, map[core.ID]*core.Document, error) {
	chunks, err := d.chunks.GetChunks(ctx, ids...)
	if err != nil {
		return nil, nil, err
	}
	byID := make(map[core.ID]*core.Chunk, len(chunks))
	docs := make(map[core.ID]*core.Document)
	for _, c := range chunks {
		byID[c.ID] = c
		if _, ok := docs[c.DocumentID]; ok {
			continue
		}
		doc, err := d.documents.GetDocument(ctx, c.DocumentID)
		if err != nil {
			// Chunks of a failed ingestion have no committed document.
			if errors.Is(err, storage.ErrNotFound) {
				docs[c.DocumentID] = nil
				continue
			}
			return nil, nil, err
		}
		docs[c.DocumentID] = doc
	}
	return byID, docs, nil
}
