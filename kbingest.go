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

// Package kbingest wires the storage, vector index, ingestion queue, search
// and duplicate detection packages into one service over a data directory.
package kbingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/poiesic/kbingest/ai"
	"github.com/poiesic/kbingest/ai/openai"
	"github.com/poiesic/kbingest/chunking"
	"github.com/poiesic/kbingest/config"
	"github.com/poiesic/kbingest/core"
	"github.com/poiesic/kbingest/dedup"
	"github.com/poiesic/kbingest/extract"
	"github.com/poiesic/kbingest/ingestion"
	"github.com/poiesic/kbingest/reembed"
	"github.com/poiesic/kbingest/search"
	"github.com/poiesic/kbingest/storage/badger"
	"github.com/poiesic/kbingest/textfilter"
	"github.com/poiesic/kbingest/vectorindex"
)

// Service is an opened kbingest data directory.
type Service struct {
	config   *config.Config
	stores   *badger.Stores
	index    *vectorindex.Store
	provider ai.Provider
	engine   *chunking.Engine
	queue    *ingestion.Queue
	detector *dedup.Detector
	searcher *search.Searcher
	logger   *slog.Logger
}

// Option configures Open.
type Option func(*options)

type options struct {
	provider  ai.Provider
	extractor ingestion.Extractor
	inMemory  bool
	logger    *slog.Logger
}

// WithProvider replaces the OpenAI-compatible embedding provider.
func WithProvider(p ai.Provider) Option {
	return func(o *options) {
		o.provider = p
	}
}

// WithExtractor replaces the local file and URL extractor.
func WithExtractor(e ingestion.Extractor) Option {
	return func(o *options) {
		o.extractor = e
	}
}

// WithInMemoryDatabase keeps records in memory. Indexes and staged files
// still live under the data directory.
func WithInMemoryDatabase() Option {
	return func(o *options) {
		o.inMemory = true
	}
}

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// Open validates cfg and opens every component. The ingestion worker is not
// running until Start is called.
func Open(cfg *config.Config, opts ...Option) (*Service, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := &options{logger: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	s := &Service{config: cfg, logger: o.logger.With("component", "kbingest")}
	ok := false
	defer func() {
		if !ok {
			s.Close()
		}
	}()

	var err error
	if s.stores, err = badger.OpenStores(cfg.DatabaseDir(), o.inMemory); err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	kind, _ := vectorindex.ParseKind(cfg.Index.Kind)
	s.index, err = vectorindex.NewStore(cfg.IndexDir(),
		vectorindex.WithTenantResolver(s.stores.Tenants),
		vectorindex.WithDefaultKind(kind),
		vectorindex.WithLogger(o.logger))
	if err != nil {
		return nil, fmt.Errorf("open vector store: %w", err)
	}

	s.provider = o.provider
	if s.provider == nil {
		if s.provider, err = openai.NewProvider(&cfg.Embedding); err != nil {
			return nil, fmt.Errorf("embedding provider: %w", err)
		}
	}
	embedder := s.provider.Embedder()
	s.engine = chunking.NewEngine(chunking.WithLogger(o.logger), chunking.WithEmbedder(embedder))

	extractor := o.extractor
	if extractor == nil {
		extractor = extract.NewLocal(extract.WithLogger(o.logger))
	}
	queueOpts := []ingestion.Option{
		ingestion.WithLogger(o.logger),
		ingestion.WithCapacity(cfg.Queue.Capacity),
		ingestion.WithPollInterval(cfg.Queue.PollInterval),
		ingestion.WithStatusTTL(cfg.Queue.StatusTTL),
		ingestion.WithStagingDir(cfg.StagingDir()),
		ingestion.WithEmbedBatchSize(cfg.Queue.EmbedBatchSize),
		ingestion.WithChunkingEngine(s.engine),
	}
	if cfg.Filter.Enabled {
		filter, err := loadFilter(cfg.Filter, o.logger)
		if err != nil {
			return nil, err
		}
		queueOpts = append(queueOpts, ingestion.WithTextFilter(filter))
	}
	repos := ingestion.Repositories{
		Tasks:     s.stores.Tasks,
		Tenants:   s.stores.Tenants,
		Documents: s.stores.Documents,
		Chunks:    s.stores.Chunks,
	}
	if s.queue, err = ingestion.NewQueue(repos, s.index, extractor, embedder, queueOpts...); err != nil {
		return nil, fmt.Errorf("ingestion queue: %w", err)
	}

	dedupOpts := []dedup.Option{
		dedup.WithLogger(o.logger),
		dedup.WithBatchSize(cfg.Dedup.BatchSize),
		dedup.WithCacheSize(cfg.Dedup.CacheSize),
	}
	if cfg.Dedup.PoolSize > 0 {
		dedupOpts = append(dedupOpts, dedup.WithPoolSize(cfg.Dedup.PoolSize))
	}
	s.detector, err = dedup.NewDetector(s.stores.Tenants, s.stores.Documents, s.stores.Chunks, s.index, embedder, dedupOpts...)
	if err != nil {
		return nil, fmt.Errorf("duplicate detector: %w", err)
	}
	s.searcher, err = search.NewSearcher(s.stores.Tenants, s.stores.Documents, s.stores.Chunks, s.index, embedder, search.WithLogger(o.logger))
	if err != nil {
		return nil, fmt.Errorf("searcher: %w", err)
	}

	ok = true
	return s, nil
}

func loadFilter(cfg config.FilterConfig, logger *slog.Logger) (*textfilter.Filter, error) {
	dict, err := textfilter.LoadDictionary(cfg.Dictionary)
	if err != nil {
		return nil, fmt.Errorf("text filter: %w", err)
	}
	return textfilter.New(dict, textfilter.WithLogger(logger), textfilter.WithMode(textfilter.Mode(cfg.Mode)))
}

// Start runs the ingestion worker until ctx is cancelled or Close is called.
func (s *Service) Start(ctx context.Context) error {
	return s.queue.Start(ctx)
}

// Close stops the worker and releases every component.
func (s *Service) Close() error {
	var errs []error
	if s.queue != nil {
		s.queue.Stop()
	}
	if s.detector != nil {
		s.detector.Release()
	}
	if s.provider != nil {
		if err := s.provider.Close(); err != nil {
			s.logger.Error("error closing embedding provider", "err", err)
			errs = append(errs, err)
		}
	}
	if s.stores != nil {
		if err := s.stores.Close(); err != nil {
			s.logger.Error("error closing database", "err", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Service) Config() *config.Config     { return s.config }
func (s *Service) Stores() *badger.Stores     { return s.stores }
func (s *Service) Index() *vectorindex.Store  { return s.index }
func (s *Service) Embedder() ai.Embedder      { return s.provider.Embedder() }
func (s *Service) Engine() *chunking.Engine   { return s.engine }
func (s *Service) Queue() *ingestion.Queue    { return s.queue }
func (s *Service) Detector() *dedup.Detector  { return s.detector }
func (s *Service) Searcher() *search.Searcher { return s.searcher }

// CreateKnowledgeBase registers a tenant owned by requester and creates its
// empty index. A zero dimension uses the provider's; an empty kind uses the
// configured default.
func (s *Service) CreateKnowledgeBase(ctx context.Context, requester *core.Requester, id core.TenantID, name string, dimension int, kind vectorindex.Kind) (*core.Tenant, error) {
	if requester == nil || requester.UserID == "" {
		return nil, fmt.Errorf("%w: requester required", core.ErrValidation)
	}
	if dimension == 0 {
		dimension = s.provider.Dimension()
	}
	if kind == "" {
		kind = vectorindex.Kind(s.config.Index.Kind)
	}
	if _, ok := vectorindex.ParseKind(string(kind)); !ok {
		return nil, fmt.Errorf("%w: unknown index kind %q", core.ErrValidation, kind)
	}
	if name == "" {
		name = string(id)
	}

	tenant := &core.Tenant{ID: id, OwnerID: requester.UserID, Name: name, Dimension: dimension, IndexKind: string(kind)}
	if err := s.stores.Tenants.CreateTenant(ctx, tenant); err != nil {
		return nil, err
	}
	if err := s.index.CreateIndex(ctx, id, requester, dimension, kind); err != nil {
		if delErr := s.stores.Tenants.DeleteTenant(ctx, id); delErr != nil {
			s.logger.Error("could not roll back tenant", "tenant", id, "err", delErr)
		}
		return nil, err
	}
	s.logger.Info("created knowledge base", "tenant", id, "owner", requester.UserID, "dimension", dimension, "kind", kind)
	return tenant, nil
}

// KnowledgeBaseInfo describes a tenant and its index.
type KnowledgeBaseInfo struct {
	Tenant    *core.Tenant
	Documents []*core.Document
	Chunks    int
	// Index is nil when the tenant has no readable index.
	Index *vectorindex.Info
}

// authorize loads a tenant the requester may access.
func (s *Service) authorize(ctx context.Context, requester *core.Requester, id core.TenantID) (*core.Tenant, error) {
	if err := core.ValidateTenantID(id); err != nil {
		return nil, err
	}
	tenant, err := s.stores.Tenants.GetTenant(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := core.CheckOwnership(requester, tenant); err != nil {
		return nil, err
	}
	return tenant, nil
}

// KnowledgeBase returns a tenant with its documents and index statistics.
func (s *Service) KnowledgeBase(ctx context.Context, requester *core.Requester, id core.TenantID) (*KnowledgeBaseInfo, error) {
	tenant, err := s.authorize(ctx, requester, id)
	if err != nil {
		return nil, err
	}
	docs, err := s.stores.Documents.ListDocuments(ctx, id)
	if err != nil {
		return nil, err
	}
	chunks, err := s.stores.Chunks.ListChunksByTenant(ctx, id, 0, 0)
	if err != nil {
		return nil, err
	}
	info, err := s.index.IndexInfo(ctx, id, requester)
	if err != nil {
		return nil, err
	}
	return &KnowledgeBaseInfo{Tenant: tenant, Documents: docs, Chunks: len(chunks), Index: info}, nil
}

// ListKnowledgeBases returns the tenants requester can access.
func (s *Service) ListKnowledgeBases(ctx context.Context, requester *core.Requester) ([]*core.Tenant, error) {
	return s.stores.Tenants.ListTenants(ctx, requester)
}

// DeleteKnowledgeBase removes a tenant's documents, chunks and index, then
// the tenant itself. Tasks are kept for their owners to inspect.
func (s *Service) DeleteKnowledgeBase(ctx context.Context, requester *core.Requester, id core.TenantID) error {
	if _, err := s.authorize(ctx, requester, id); err != nil {
		return err
	}
	defer s.queue.LockTenant(id)()
	docs, err := s.stores.Documents.ListDocuments(ctx, id)
	if err != nil {
		return err
	}
	for _, doc := range docs {
		if err := s.stores.Documents.DeleteDocument(ctx, doc.ID); err != nil {
			return fmt.Errorf("delete document %d: %w", doc.ID, err)
		}
	}
	if err := s.index.CleanupIndex(ctx, id, requester); err != nil {
		return err
	}
	if err := s.stores.Tenants.DeleteTenant(ctx, id); err != nil {
		return err
	}
	s.logger.Info("deleted knowledge base", "tenant", id, "documents", len(docs))
	return nil
}

// DeleteDocument removes a document, its chunks and their vectors. The
// surviving chunks are pointed at their renumbered vector ids.
func (s *Service) DeleteDocument(ctx context.Context, requester *core.Requester, docID core.ID) error {
	doc, err := s.stores.Documents.GetDocument(ctx, docID)
	if err != nil {
		return err
	}
	if _, err := s.authorize(ctx, requester, doc.TenantID); err != nil {
		return err
	}
	defer s.queue.LockTenant(doc.TenantID)()
	// Another delete may have won the race for the lock.
	if _, err := s.stores.Documents.GetDocument(ctx, docID); err != nil {
		return err
	}
	chunks, err := s.stores.Chunks.ListChunksByDocument(ctx, docID)
	if err != nil {
		return err
	}
	var vectorIDs []int64
	for _, c := range chunks {
		if c.HasVector() {
			vectorIDs = append(vectorIDs, c.VectorID)
		}
	}

	var remap map[int64]int64
	if len(vectorIDs) > 0 {
		if remap, err = s.index.DeleteVectors(ctx, doc.TenantID, requester, vectorIDs); err != nil {
			return err
		}
	}
	if err := s.stores.Documents.DeleteDocument(ctx, docID); err != nil {
		return err
	}
	if remap != nil {
		if err := s.stores.Chunks.RemapVectorIDs(ctx, doc.TenantID, remap); err != nil {
			return err
		}
	}
	s.logger.Info("deleted document", "tenant", doc.TenantID, "document", docID, "chunks", len(chunks), "vectors", len(vectorIDs))
	return nil
}

// DeleteVectors drops vector ids from a tenant's index and clears or remaps
// the chunk rows that referenced them. Chunks stay stored.
func (s *Service) DeleteVectors(ctx context.Context, requester *core.Requester, id core.TenantID, vectorIDs []int64) error {
	if _, err := s.authorize(ctx, requester, id); err != nil {
		return err
	}
	defer s.queue.LockTenant(id)()
	remap, err := s.index.DeleteVectors(ctx, id, requester, vectorIDs)
	if err != nil {
		return err
	}
	return s.stores.Chunks.RemapVectorIDs(ctx, id, remap)
}

// CleanupIndex removes a tenant's index files. Its chunks stay stored but no
// longer carry a vector until they are re-embedded.
func (s *Service) CleanupIndex(ctx context.Context, requester *core.Requester, id core.TenantID) error {
	if _, err := s.authorize(ctx, requester, id); err != nil {
		return err
	}
	defer s.queue.LockTenant(id)()
	if err := s.index.CleanupIndex(ctx, id, requester); err != nil {
		return err
	}
	return s.stores.Chunks.RemapVectorIDs(ctx, id, map[int64]int64{})
}

// RebuildIndex rewrites a tenant's index from its stored vectors, dropping
// entries whose chunk no longer exists, and renumbers the chunks' vector ids.
func (s *Service) RebuildIndex(ctx context.Context, requester *core.Requester, id core.TenantID) (int, error) {
	if _, err := s.authorize(ctx, requester, id); err != nil {
		return 0, err
	}
	defer s.queue.LockTenant(id)()
	entries, err := s.index.Vectors(ctx, id, requester)
	if err != nil {
		return 0, err
	}
	chunkIDs := make([]core.ID, len(entries))
	for i, e := range entries {
		chunkIDs[i] = e.ChunkID
	}
	existing, err := s.stores.Chunks.GetChunks(ctx, chunkIDs...)
	if err != nil {
		return 0, err
	}
	alive := make(map[core.ID]bool, len(existing))
	for _, c := range existing {
		alive[c.ID] = true
	}

	var ids []core.ID
	var vectors [][]float32
	for _, e := range entries {
		if alive[e.ChunkID] {
			ids = append(ids, e.ChunkID)
			vectors = append(vectors, e.Vector)
		}
	}
	newIDs, err := s.index.RebuildIndex(ctx, id, requester, ids, vectors)
	if err != nil {
		return 0, err
	}
	assignments := make(map[core.ID]int64, len(ids))
	for i, chunkID := range ids {
		assignments[chunkID] = newIDs[i]
	}
	if err := s.stores.Chunks.SetVectorIDs(ctx, assignments); err != nil {
		return 0, err
	}
	s.logger.Info("rebuilt index", "tenant", id, "vectors", len(ids), "dropped", len(entries)-len(ids))
	return len(ids), nil
}

// Reembed regenerates every vector of a tenant with the current embedder.
func (s *Service) Reembed(ctx context.Context, requester *core.Requester, id core.TenantID, cfg *reembed.Config, progress io.Writer) error {
	if _, err := s.authorize(ctx, requester, id); err != nil {
		return err
	}
	r, err := reembed.NewReembedder(s.stores.Chunks, s.index, s.provider.Embedder(), cfg, progress)
	if err != nil {
		return err
	}
	defer s.queue.LockTenant(id)()
	return r.Run(ctx, id)
}
