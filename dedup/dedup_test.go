package dedup

import (
	"context"
	"errors"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/poiesic/kbingest/ai/mock"
	"github.com/poiesic/kbingest/core"
	"github.com/poiesic/kbingest/storage/badger"
	"github.com/poiesic/kbingest/vectorindex"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	alice = &core.Requester{UserID: "alice"}
	bob   = &core.Requester{UserID: "bob"}
	admin = &core.Requester{UserID: "root", IsAdmin: true}
)

// vectors are chosen so similarities are known exactly.
var vectors = map[string][]float32{
	"apple pie recipe":  {1, 0, 0, 0},
	"apple pie recipe!": {0.99, 0.14, 0, 0},
	"banana bread":      {0, 1, 0, 0},
	"banana loaf":       {0, 0.9, 0.436, 0},
	"cherry tart":       {0, 0, 1, 0},
}

var corpus = []string{"apple pie recipe", "apple pie recipe!", "banana bread", "banana loaf", "cherry tart", "apple pie recipe"}

// tableEmbedder looks vectors up by text and remembers what it embedded.
type tableEmbedder struct {
	*mock.MockEmbedder
	mu       sync.Mutex
	embedded []string
}

func newTableEmbedder() *tableEmbedder {
	e := &tableEmbedder{MockEmbedder: mock.NewMockEmbedderWithDimension(4)}
	lookup := func(text string) []float32 {
		if v, ok := vectors[text]; ok {
			return v
		}
		return []float32{0, 0, 0, 1}
	}
	e.EmbedTextFunc = func(ctx context.Context, text string) ([]float32, error) {
		return lookup(text), nil
	}
	e.EmbedTextsFunc = func(ctx context.Context, texts []string) ([][]float32, error) {
		e.mu.Lock()
		e.embedded = append(e.embedded, texts...)
		e.mu.Unlock()
		out := make([][]float32, len(texts))
		for i, text := range texts {
			out[i] = lookup(text)
		}
		return out, nil
	}
	return e
}

func (e *tableEmbedder) embeddedTexts() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.embedded...)
}

type fixture struct {
	stores   *badger.Stores
	index    *vectorindex.Store
	embedder *tableEmbedder
	detector *Detector
	chunks   []*core.Chunk
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	ctx := context.Background()
	stores, err := badger.NewMemoryStores()
	require.NoError(t, err)
	t.Cleanup(func() { stores.Close() })

	require.NoError(t, stores.Tenants.CreateTenant(ctx, &core.Tenant{ID: "kb1", OwnerID: "alice", Name: "Recipes", Dimension: 4}))
	require.NoError(t, stores.Tenants.CreateTenant(ctx, &core.Tenant{ID: "kb2", OwnerID: "bob", Name: "Bakery", Dimension: 4}))

	index, err := vectorindex.NewStore(t.TempDir(), vectorindex.WithTenantResolver(stores.Tenants))
	require.NoError(t, err)

	f := &fixture{stores: stores, index: index, embedder: newTableEmbedder()}
	f.chunks = f.load(t, "kb1", corpus)
	f.load(t, "kb2", []string{"apple pie recipe", "cherry tart"})

	f.detector, err = NewDetector(stores.Tenants, stores.Documents, stores.Chunks, index, f.embedder, opts...)
	require.NoError(t, err)
	t.Cleanup(f.detector.Release)
	return f
}

// load stores texts as one committed document with indexed vectors.
func (f *fixture) load(t *testing.T, tenant core.TenantID, texts []string) []*core.Chunk {
	t.Helper()
	ctx := context.Background()
	docID, err := f.stores.Documents.NextDocumentID(ctx)
	require.NoError(t, err)

	chunks := make([]*core.Chunk, len(texts))
	for i, text := range texts {
		chunks[i] = &core.Chunk{TenantID: tenant, DocumentID: docID, Index: i, Content: text, Size: utf8.RuneCountInString(text), VectorID: core.NoVector}
	}
	chunks, err = f.stores.Chunks.AddChunks(ctx, chunks...)
	require.NoError(t, err)

	ids := make([]core.ID, len(chunks))
	vecs := make([][]float32, len(chunks))
	for i, c := range chunks {
		ids[i] = c.ID
		vecs[i] = vectors[c.Content]
	}
	vectorIDs, err := f.index.AddVectors(ctx, tenant, nil, ids, vecs)
	require.NoError(t, err)
	assignments := make(map[core.ID]int64)
	for i, id := range vectorIDs {
		assignments[ids[i]] = id
	}
	require.NoError(t, f.stores.Chunks.SetVectorIDs(ctx, assignments))
	require.NoError(t, f.stores.Documents.CommitDocument(ctx, &core.Document{
		ID: docID, TenantID: tenant, Name: string(tenant) + ".txt", ChunkCount: len(chunks),
	}))
	return chunks
}

func TestClassifyDuplicateType(t *testing.T) {
	tests := []struct {
		score float64
		typ   DuplicateType
		risk  RiskLevel
	}{
		{1, TypeExact, RiskCritical},
		{0.95, TypeExact, RiskCritical},
		{0.9499, TypeHigh, RiskHigh},
		{0.85, TypeHigh, RiskHigh},
		{0.8, TypeModerate, RiskMedium},
		{0.75, TypeModerate, RiskMedium},
		{0.7, TypeLow, RiskLow},
		{0.65, TypeLow, RiskLow},
		{0.6499, TypeMinimal, RiskMinimal},
		{0, TypeMinimal, RiskMinimal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.typ, ClassifyDuplicateType(tt.score), "score %v", tt.score)
		assert.Equal(t, tt.risk, AssessRiskLevel(tt.score), "score %v", tt.score)
	}
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, CosineSimilarity([]float32{1, 2}, []float32{2, 4}), 1e-9)
	assert.InDelta(t, 0.0, CosineSimilarity([]float32{1, 0}, []float32{0, 3}), 1e-9)
	assert.InDelta(t, -1.0, CosineSimilarity([]float32{1, 0}, []float32{-1, 0}), 1e-9)
	assert.Zero(t, CosineSimilarity([]float32{0, 0}, []float32{1, 1}))
	assert.Zero(t, CosineSimilarity([]float32{1}, []float32{1, 1}))
}

func TestNewDetectorRequiresCollaborators(t *testing.T) {
	stores, err := badger.NewMemoryStores()
	require.NoError(t, err)
	defer stores.Close()
	index, err := vectorindex.NewStore(t.TempDir())
	require.NoError(t, err)

	_, err = NewDetector(nil, stores.Documents, stores.Chunks, index, mock.NewMockEmbedder())
	assert.ErrorIs(t, err, ErrRepositoryRequired)
	_, err = NewDetector(stores.Tenants, stores.Documents, stores.Chunks, nil, mock.NewMockEmbedder())
	assert.ErrorIs(t, err, ErrIndexRequired)
	_, err = NewDetector(stores.Tenants, stores.Documents, stores.Chunks, index, nil)
	assert.ErrorIs(t, err, ErrEmbedderRequired)
}

func TestFindDuplicateGroups(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	groups, err := f.detector.FindDuplicateGroups(ctx, f.chunks, 0.8, 0)
	require.NoError(t, err)
	require.Len(t, groups, 2)

	apple := groups[0].Members
	require.Len(t, apple, 3)
	assert.Equal(t, f.chunks[0].ID, apple[0].Chunk.ID)
	assert.Equal(t, 1.0, apple[0].Similarity)
	assert.Equal(t, f.chunks[1].ID, apple[1].Chunk.ID)
	assert.InDelta(t, 0.9902, apple[1].Similarity, 1e-4)
	assert.Equal(t, f.chunks[5].ID, apple[2].Chunk.ID)
	assert.Equal(t, 1.0, apple[2].Similarity, "identical content scores 1")

	banana := groups[1].Members
	require.Len(t, banana, 2)
	assert.Equal(t, "banana loaf", banana[1].Chunk.Content)
	assert.Equal(t, TypeHigh, banana[1].Type)

	// Identical texts are embedded once.
	assert.Len(t, f.embedder.embeddedTexts(), 5)
}

func TestFindDuplicateGroupsLimitAndThreshold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	groups, err := f.detector.FindDuplicateGroups(ctx, f.chunks, 0.8, 1)
	require.NoError(t, err)
	assert.Len(t, groups, 1)

	groups, err = f.detector.FindDuplicateGroups(ctx, f.chunks, 0.995, 0)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Len(t, groups[0].Members, 2)

	groups, err = f.detector.FindDuplicateGroups(ctx, f.chunks[:1], 0.8, 0)
	require.NoError(t, err)
	assert.Empty(t, groups)
}

// groupedPairs lists every pair of chunks that share a group.
func groupedPairs(groups []Group) map[[2]core.ID]bool {
	pairs := make(map[[2]core.ID]bool)
	for _, g := range groups {
		for i, a := range g.Members {
			for _, b := range g.Members[i+1:] {
				x, y := a.Chunk.ID, b.Chunk.ID
				if x > y {
					x, y = y, x
				}
				pairs[[2]core.ID{x, y}] = true
			}
		}
	}
	return pairs
}

func TestFindDuplicateGroupsLooserThresholdKeepsPairs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Strictest first.
	thresholds := []float64{1.0, 0.995, 0.95, 0.9, 0.85, 0.8, 0.5}
	var stricter map[[2]core.ID]bool
	for _, threshold := range thresholds {
		groups, err := f.detector.FindDuplicateGroups(ctx, f.chunks, threshold, 0)
		require.NoError(t, err)
		pairs := groupedPairs(groups)
		for pair := range stricter {
			assert.True(t, pairs[pair], "pair %v lost at threshold %v", pair, threshold)
		}
		assert.GreaterOrEqual(t, len(pairs), len(stricter), "threshold %v", threshold)
		stricter = pairs
	}
	assert.Len(t, stricter, 4, "three apple chunks plus the banana pair")
}

func TestFindDuplicateGroupsMemoizes(t *testing.T) {
	f := newFixture(t, WithBatchSize(2), WithPoolSize(3))
	ctx := context.Background()

	_, err := f.detector.FindDuplicateGroups(ctx, f.chunks, 0.8, 0)
	require.NoError(t, err)
	calls := f.embedder.CallCount()
	assert.Equal(t, 3, calls, "five distinct texts in batches of two")

	_, err = f.detector.FindDuplicateGroups(ctx, f.chunks, 0.9, 0)
	require.NoError(t, err)
	assert.Equal(t, calls, f.embedder.CallCount())
	assert.Len(t, f.embedder.embeddedTexts(), 5)
}

func TestFindDuplicateGroupsEmbeddingFailure(t *testing.T) {
	f := newFixture(t)
	f.embedder.EmbedTextsFunc = func(ctx context.Context, texts []string) ([][]float32, error) {
		return nil, errors.New("model offline")
	}

	_, err := f.detector.FindDuplicateGroups(context.Background(), f.chunks, 0.8, 0)
	assert.ErrorIs(t, err, core.ErrEmbedding)
}

func TestCheckContent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.detector.CheckContent(ctx, "kb1", alice, "apple pie recipe", CheckOptions{})
	require.NoError(t, err)
	assert.Equal(t, "Recipes", res.Tenant.Name)
	require.Len(t, res.Matches, 3)
	assert.Equal(t, 1.0, res.Matches[0].Similarity)
	assert.Equal(t, TypeExact, res.Matches[0].Type)
	assert.Equal(t, RiskCritical, res.Matches[0].Risk)
	assert.Equal(t, "apple pie recipe", res.Matches[0].Content)
	require.NotNil(t, res.Matches[0].Document)
	assert.Equal(t, "kb1.txt", res.Matches[0].Document.Name)

	last := res.Matches[2]
	assert.Equal(t, "apple pie recipe!", last.Content)
	assert.InDelta(t, 0.8769, last.Similarity, 1e-3)
	assert.Equal(t, TypeHigh, last.Type)

	stats := res.Statistics
	assert.Equal(t, 6, stats.TotalChecked)
	assert.Equal(t, 3, stats.DuplicatesFound)
	assert.Equal(t, 0.5, stats.DuplicateRatio)
	assert.Equal(t, 1.0, stats.HighestSimilarity)
	assert.InDelta(t, (1+1+0.8769)/3, stats.AverageSimilarity, 1e-3)
}

func TestCheckContentErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.detector.CheckContent(ctx, "kb1", alice, "  ", CheckOptions{})
	assert.ErrorIs(t, err, core.ErrValidation)
	_, err = f.detector.CheckContent(ctx, "kb1", bob, "apple pie recipe", CheckOptions{})
	assert.ErrorIs(t, err, core.ErrPermissionDenied)
	_, err = f.detector.CheckContent(ctx, "kb9", alice, "apple pie recipe", CheckOptions{})
	assert.ErrorIs(t, err, core.ErrTenantNotFound)
}

func TestBatchCheck(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.detector.BatchCheck(ctx, "kb1", alice, BatchOptions{MinChunkSize: 1})
	require.NoError(t, err)
	assert.Len(t, res.Groups, 2)
	assert.Equal(t, BatchStatistics{TotalChunks: 6, Groups: 2, DuplicateChunks: 5, DuplicateRatio: 0.8333}, res.Statistics)

	// The default minimum size excludes every chunk in this corpus.
	res, err = f.detector.BatchCheck(ctx, "kb1", alice, BatchOptions{})
	require.NoError(t, err)
	assert.Empty(t, res.Groups)
	assert.Zero(t, res.Statistics.TotalChunks)

	_, err = f.detector.BatchCheck(ctx, "kb1", bob, BatchOptions{})
	assert.ErrorIs(t, err, core.ErrPermissionDenied)
}

func TestTenantStatistics(t *testing.T) {
	f := newFixture(t)

	stats, err := f.detector.TenantStatistics(context.Background(), "kb1", admin, 0.8)
	require.NoError(t, err)
	assert.Equal(t, 6, stats.TotalChunks)
	assert.Equal(t, 1, stats.TotalDocuments)
	assert.InDelta(t, 13.83, stats.AverageChunkSize, 0.01)
	assert.Equal(t, []LengthCount{{Length: 11, Count: 2}, {Length: 16, Count: 2}}, stats.SharedLengths)
	assert.Equal(t, 2, stats.Groups)
	assert.Equal(t, 5, stats.DuplicateChunks)
	assert.Equal(t, map[DuplicateType]int{TypeExact: 2, TypeHigh: 1}, stats.ByType)
}

func TestTraceSources(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sources, err := f.detector.TraceSources(ctx, admin, "cherry tart", TraceOptions{Origin: "kb1", Scope: ScopeAll})
	require.NoError(t, err)
	require.Len(t, sources, 2)
	byTenant := map[core.TenantID]Source{}
	for _, s := range sources {
		assert.Equal(t, 1.0, s.Similarity)
		byTenant[s.Tenant] = s
	}
	assert.True(t, byTenant["kb1"].Internal)
	assert.False(t, byTenant["kb2"].Internal)
	assert.Equal(t, "Bakery", byTenant["kb2"].TenantName)

	// Alice can only reach her own tenant.
	sources, err = f.detector.TraceSources(ctx, alice, "cherry tart", TraceOptions{Origin: "kb1", Scope: ScopeAll})
	require.NoError(t, err)
	require.Len(t, sources, 1)
	assert.Equal(t, core.TenantID("kb1"), sources[0].Tenant)

	sources, err = f.detector.TraceSources(ctx, alice, "apple pie recipe", TraceOptions{Origin: "kb1", Limit: 2})
	require.NoError(t, err)
	require.Len(t, sources, 2)
	assert.GreaterOrEqual(t, sources[0].Similarity, sources[1].Similarity)

	_, err = f.detector.TraceSources(ctx, bob, "apple", TraceOptions{Origin: "kb1"})
	assert.ErrorIs(t, err, core.ErrPermissionDenied)
	_, err = f.detector.TraceSources(ctx, alice, "apple", TraceOptions{Origin: "kb1", Scope: "galaxy"})
	assert.ErrorIs(t, err, core.ErrValidation)
}
