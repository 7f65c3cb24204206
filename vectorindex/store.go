package vectorindex

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/poiesic/kbingest/core"
)

// TenantResolver looks up tenant records for ownership checks.
type TenantResolver interface {
	GetTenant(ctx context.Context, id core.TenantID) (*core.Tenant, error)
}

// Store keeps one on-disk vector index per tenant under a root directory.
//
// Each tenant's index is held in memory as an immutable snapshot. Writers for
// a tenant are serialized and publish a new snapshot once the artifacts are on
// disk; searches read whichever snapshot was current when they started.
type Store struct {
	root        string
	logger      *slog.Logger
	resolver    TenantResolver
	defaultKind Kind

	mu      sync.Mutex
	tenants map[core.TenantID]*tenantState
}

type tenantState struct {
	mu     sync.RWMutex
	loaded bool
	idx    *index
}

// Option configures a Store.
type Option func(*Store) error

// WithLogger sets the logger. Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) error {
		if logger == nil {
			logger = slog.Default()
		}
		s.logger = logger
		return nil
	}
}

// WithTenantResolver enables ownership checks against tenant records.
// Without a resolver only internal and admin requesters are allowed.
func WithTenantResolver(resolver TenantResolver) Option {
	return func(s *Store) error {
		s.resolver = resolver
		return nil
	}
}

// WithDefaultKind sets the kind used when an index is created implicitly.
func WithDefaultKind(kind Kind) Option {
	return func(s *Store) error {
		if _, ok := ParseKind(string(kind)); !ok {
			return fmt.Errorf("%w: unknown index kind %q", core.ErrValidation, kind)
		}
		s.defaultKind = kind
		return nil
	}
}

// NewStore opens (creating if needed) an index root directory.
func NewStore(root string, opts ...Option) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("%w: index root is empty", core.ErrValidation)
	}
	s := &Store{
		root:        root,
		logger:      slog.Default(),
		defaultKind: KindFlat,
		tenants:     make(map[core.TenantID]*tenantState),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	s.logger = s.logger.With("component", "vectorindex")
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrIndexIO, err)
	}
	return s, nil
}

// Root returns the directory holding all tenant indexes.
func (s *Store) Root() string {
	return s.root
}

func (s *Store) dir(tenant core.TenantID) string {
	return filepath.Join(s.root, string(tenant))
}

func (s *Store) state(tenant core.TenantID) *tenantState {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, ok := s.tenants[tenant]
	if !ok {
		ts = &tenantState{}
		s.tenants[tenant] = ts
	}
	return ts
}

// authorize runs before any disk access.
func (s *Store) authorize(ctx context.Context, tenant core.TenantID, requester *core.Requester) error {
	if err := core.ValidateTenantID(tenant); err != nil {
		return err
	}
	if requester == nil || requester.IsAdmin {
		return nil
	}
	if s.resolver == nil {
		return fmt.Errorf("%w: no tenant resolver to verify ownership of %q", core.ErrPermissionDenied, tenant)
	}
	record, err := s.resolver.GetTenant(ctx, tenant)
	if err != nil {
		return err
	}
	return core.CheckOwnership(requester, record)
}

// loadLocked reads the tenant's artifacts on first use. ts.mu must be held for writing.
func (s *Store) loadLocked(ts *tenantState, tenant core.TenantID) error {
	if ts.loaded {
		return nil
	}
	ix, err := load(s.dir(tenant))
	switch {
	case errors.Is(err, errNoIndex):
		ts.idx = nil
	case err != nil:
		return fmt.Errorf("%w: tenant %s: %v", core.ErrIndexIO, tenant, err)
	default:
		ts.idx = ix
	}
	ts.loaded = true
	return nil
}

func (s *Store) snapshot(tenant core.TenantID) (*index, error) {
	ts := s.state(tenant)
	ts.mu.RLock()
	if ts.loaded {
		ix := ts.idx
		ts.mu.RUnlock()
		return ix, nil
	}
	ts.mu.RUnlock()

	ts.mu.Lock()
	defer ts.mu.Unlock()
	if err := s.loadLocked(ts, tenant); err != nil {
		return nil, err
	}
	return ts.idx, nil
}

// CreateIndex allocates an empty index for the tenant. It is a no-op when an
// index already exists. An empty kind selects the store default.
func (s *Store) CreateIndex(ctx context.Context, tenant core.TenantID, requester *core.Requester, dimension int, kind Kind) error {
	if err := s.authorize(ctx, tenant, requester); err != nil {
		return err
	}
	if dimension <= 0 {
		return fmt.Errorf("%w: dimension must be positive, got %d", core.ErrValidation, dimension)
	}
	if kind == "" {
		kind = s.defaultKind
	}
	if _, ok := ParseKind(string(kind)); !ok {
		return fmt.Errorf("%w: unknown index kind %q", core.ErrValidation, kind)
	}

	ts := s.state(tenant)
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if err := s.loadLocked(ts, tenant); err != nil {
		return err
	}
	if ts.idx != nil {
		return nil
	}

	ix := s.emptyIndex(tenant, kind, dimension)
	if err := s.commit(tenant, ix); err != nil {
		return fmt.Errorf("%w: create index for %s: %v", core.ErrIndexIO, tenant, err)
	}
	ts.idx = ix
	s.logger.Info("created index", "tenant", tenant, "dimension", dimension, "kind", kind)
	return nil
}

func (s *Store) emptyIndex(tenant core.TenantID, kind Kind, dimension int) *index {
	now := time.Now().UTC()
	return newIndex(kind, dimension, metadata{
		Tenant:    tenant,
		Dimension: dimension,
		Kind:      kind,
		CreatedAt: now,
		UpdatedAt: now,
	})
}

// coerce fits every vector to dim, logging once per call when any was changed.
func (s *Store) coerce(tenant core.TenantID, vectors [][]float32, dim int) [][]float32 {
	out := make([][]float32, len(vectors))
	mismatched := 0
	from := 0
	for i, v := range vectors {
		var changed bool
		out[i], changed = CoerceDimension(v, dim)
		if changed {
			mismatched++
			from = len(v)
		}
	}
	if mismatched > 0 {
		s.logger.Warn("coerced vector dimension", "tenant", tenant, "from", from, "to", dim, "vectors", mismatched)
	}
	return out
}

func checkBatch(chunkIDs []core.ID, vectors [][]float32) error {
	if len(chunkIDs) != len(vectors) {
		return fmt.Errorf("%w: %d chunk ids for %d vectors", core.ErrValidation, len(chunkIDs), len(vectors))
	}
	return nil
}

// AddVectors appends vectors to the tenant's index, creating it with the
// dimension of the first vector if absent. It returns the assigned vector ids,
// which continue from the index's previous total.
func (s *Store) AddVectors(ctx context.Context, tenant core.TenantID, requester *core.Requester, chunkIDs []core.ID, vectors [][]float32) ([]int64, error) {
	if err := s.authorize(ctx, tenant, requester); err != nil {
		return nil, err
	}
	if err := checkBatch(chunkIDs, vectors); err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, nil
	}

	ts := s.state(tenant)
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if err := s.loadLocked(ts, tenant); err != nil {
		return nil, err
	}
	current := ts.idx
	if current == nil {
		current = s.emptyIndex(tenant, s.defaultKind, len(vectors[0]))
	}

	next := current.withAppended(chunkIDs, s.coerce(tenant, vectors, current.dim))
	next.meta.TotalVectors = next.size()
	next.meta.UpdatedAt = time.Now().UTC()
	if err := s.commit(tenant, next); err != nil {
		return nil, fmt.Errorf("%w: add vectors for %s: %v", core.ErrIndexIO, tenant, err)
	}
	ts.idx = next

	ids := make([]int64, len(vectors))
	for i := range ids {
		ids[i] = int64(current.size() + i)
	}
	return ids, nil
}

// Search ranks the tenant's vectors against query. A missing or unreadable
// index yields no results rather than an error. An empty metric means l2.
func (s *Store) Search(ctx context.Context, tenant core.TenantID, requester *core.Requester, query []float32, topK int, metric Metric) ([]Result, error) {
	if err := s.authorize(ctx, tenant, requester); err != nil {
		return nil, err
	}
	ix, err := s.snapshot(tenant)
	if err != nil {
		s.logger.Error("search skipped unreadable index", "tenant", tenant, "err", err)
		return nil, nil
	}
	if ix == nil || len(query) == 0 {
		return nil, nil
	}
	q, changed := CoerceDimension(query, ix.dim)
	if changed {
		s.logger.Warn("coerced query dimension", "tenant", tenant, "from", len(query), "to", ix.dim)
	}
	if metric == "" {
		metric = MetricL2
	}
	return ix.search(q, topK, metric), nil
}

// RebuildIndex replaces the tenant's index with exactly the given vectors,
// numbered 0..len-1. The dimension and kind of an existing index are kept.
func (s *Store) RebuildIndex(ctx context.Context, tenant core.TenantID, requester *core.Requester, chunkIDs []core.ID, vectors [][]float32) ([]int64, error) {
	if err := s.authorize(ctx, tenant, requester); err != nil {
		return nil, err
	}
	if err := checkBatch(chunkIDs, vectors); err != nil {
		return nil, err
	}

	ts := s.state(tenant)
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if err := s.loadLocked(ts, tenant); err != nil {
		s.logger.Warn("rebuilding over unreadable index", "tenant", tenant, "err", err)
		ts.idx, ts.loaded = nil, true
	}

	kind, dim, generation := s.defaultKind, 0, 0
	if ts.idx != nil {
		kind, dim, generation = ts.idx.kind, ts.idx.dim, ts.idx.meta.Generation
	} else if len(vectors) > 0 {
		dim = len(vectors[0])
	}
	if dim <= 0 {
		return nil, fmt.Errorf("%w: cannot rebuild %s without a dimension", core.ErrValidation, tenant)
	}

	next := s.emptyIndex(tenant, kind, dim).withAppended(chunkIDs, s.coerce(tenant, vectors, dim))
	next.meta.TotalVectors = next.size()
	next.meta.Generation = generation + 1
	if err := s.commit(tenant, next); err != nil {
		return nil, fmt.Errorf("%w: rebuild %s: %v", core.ErrIndexIO, tenant, err)
	}
	ts.idx = next
	s.logger.Info("rebuilt index", "tenant", tenant, "vectors", next.size(), "generation", next.meta.Generation)

	ids := make([]int64, len(vectors))
	for i := range ids {
		ids[i] = int64(i)
	}
	return ids, nil
}

// DeleteVectors drops the given vector ids and renumbers the survivors densely
// from 0. The returned map holds old id to new id for every retained vector.
// Ids outside the index are ignored.
func (s *Store) DeleteVectors(ctx context.Context, tenant core.TenantID, requester *core.Requester, vectorIDs []int64) (map[int64]int64, error) {
	if err := s.authorize(ctx, tenant, requester); err != nil {
		return nil, err
	}

	ts := s.state(tenant)
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if err := s.loadLocked(ts, tenant); err != nil {
		return nil, err
	}
	current := ts.idx
	if current == nil {
		return nil, fmt.Errorf("%w: tenant %s has no index", core.ErrIndexIO, tenant)
	}

	drop := make(map[int64]struct{}, len(vectorIDs))
	for _, id := range vectorIDs {
		drop[id] = struct{}{}
	}

	next := newIndex(current.kind, current.dim, current.meta)
	remap := make(map[int64]int64, current.size())
	for i := 0; i < current.size(); i++ {
		if _, gone := drop[int64(i)]; gone {
			continue
		}
		remap[int64(i)] = int64(next.size())
		next.data = append(next.data, current.vector(i)...)
		next.chunkIDs = append(next.chunkIDs, current.chunkIDs[i])
	}
	next.meta.TotalVectors = next.size()
	next.meta.Generation++
	next.meta.UpdatedAt = time.Now().UTC()

	if err := s.commit(tenant, next); err != nil {
		return nil, fmt.Errorf("%w: delete vectors from %s: %v", core.ErrIndexIO, tenant, err)
	}
	ts.idx = next
	s.logger.Info("deleted vectors", "tenant", tenant, "removed", current.size()-next.size(), "remaining", next.size())
	return remap, nil
}

// commit publishes ix as the tenant's new on-disk generation and drops the
// older ones.
func (s *Store) commit(tenant core.TenantID, ix *index) error {
	dir := s.dir(tenant)
	name, err := commit(dir, ix)
	if err != nil {
		return err
	}
	if err := prune(dir, name); err != nil {
		s.logger.Warn("could not remove old index generations", "tenant", tenant, "err", err)
	}
	return nil
}

// CleanupIndex removes all on-disk artifacts for the tenant.
func (s *Store) CleanupIndex(ctx context.Context, tenant core.TenantID, requester *core.Requester) error {
	if err := s.authorize(ctx, tenant, requester); err != nil {
		return err
	}
	ts := s.state(tenant)
	ts.mu.Lock()
	defer ts.mu.Unlock()
	// Dropping CURRENT first leaves no readable index if removal is interrupted.
	if err := os.Remove(filepath.Join(s.dir(tenant), currentFile)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: cleanup %s: %v", core.ErrIndexIO, tenant, err)
	}
	if err := os.RemoveAll(s.dir(tenant)); err != nil {
		return fmt.Errorf("%w: cleanup %s: %v", core.ErrIndexIO, tenant, err)
	}
	ts.idx, ts.loaded = nil, true
	s.logger.Info("removed index", "tenant", tenant)
	return nil
}

// IndexInfo describes the tenant's index, or returns nil when there is none
// or it cannot be read.
func (s *Store) IndexInfo(ctx context.Context, tenant core.TenantID, requester *core.Requester) (*Info, error) {
	if err := s.authorize(ctx, tenant, requester); err != nil {
		return nil, err
	}
	ix, err := s.snapshot(tenant)
	if err != nil {
		s.logger.Error("index info unavailable", "tenant", tenant, "err", err)
		return nil, nil
	}
	if ix == nil {
		return nil, nil
	}
	return &Info{
		Tenant:       tenant,
		Dimension:    ix.dim,
		Kind:         ix.kind,
		TotalVectors: ix.size(),
		MappingCount: len(ix.chunkIDs),
		Generation:   ix.meta.Generation,
		CreatedAt:    ix.meta.CreatedAt,
		UpdatedAt:    ix.meta.UpdatedAt,
	}, nil
}

// Vectors returns copies of every stored vector with its ids, in vector id order.
func (s *Store) Vectors(ctx context.Context, tenant core.TenantID, requester *core.Requester) ([]Entry, error) {
	if err := s.authorize(ctx, tenant, requester); err != nil {
		return nil, err
	}
	ix, err := s.snapshot(tenant)
	if err != nil {
		return nil, err
	}
	if ix == nil {
		return nil, nil
	}
	entries := make([]Entry, ix.size())
	for i := range entries {
		entries[i] = Entry{
			VectorID: int64(i),
			ChunkID:  ix.chunkIDs[i],
			Vector:   append([]float32(nil), ix.vector(i)...),
		}
	}
	return entries, nil
}

// ListTenants returns the tenants that have an index on disk, sorted.
func (s *Store) ListTenants() ([]core.TenantID, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrIndexIO, err)
	}
	var tenants []core.TenantID
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.root, e.Name(), currentFile)); err == nil {
			tenants = append(tenants, core.TenantID(e.Name()))
		}
	}
	sort.Slice(tenants, func(i, j int) bool { return tenants[i] < tenants[j] })
	return tenants, nil
}
