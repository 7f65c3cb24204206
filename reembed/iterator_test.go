package reembed

import (
	"context"
	"fmt"
	"testing"

	"github.com/poiesic/kbingest/core"
	"github.com/poiesic/kbingest/storage/badger"
	"github.com/poiesic/kbingest/vectorindex"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	stores *badger.Stores
	index  *vectorindex.Store
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()
	stores, err := badger.NewMemoryStores()
	require.NoError(t, err)
	t.Cleanup(func() { stores.Close() })
	index, err := vectorindex.NewStore(t.TempDir())
	require.NoError(t, err)
	return &testEnv{stores: stores, index: index}
}

// addIndexed stores n chunks for tenant and indexes them with raw vectors.
func (e *testEnv) addIndexed(t *testing.T, tenant core.TenantID, n int) []*core.Chunk {
	t.Helper()
	chunks := e.addUnindexed(t, tenant, n)
	ids := make([]core.ID, n)
	vectors := make([][]float32, n)
	for i, c := range chunks {
		ids[i] = c.ID
		vectors[i] = []float32{float32(i + 1), 2, 0}
	}
	vectorIDs, err := e.index.AddVectors(context.Background(), tenant, nil, ids, vectors)
	require.NoError(t, err)
	assignments := make(map[core.ID]int64, n)
	for i, c := range chunks {
		assignments[c.ID] = vectorIDs[i]
		c.VectorID = vectorIDs[i]
	}
	require.NoError(t, e.stores.Chunks.SetVectorIDs(context.Background(), assignments))
	return chunks
}

func (e *testEnv) addUnindexed(t *testing.T, tenant core.TenantID, n int) []*core.Chunk {
	t.Helper()
	chunks := make([]*core.Chunk, n)
	for i := range chunks {
		content := fmt.Sprintf("chunk %d of %s", i, tenant)
		chunks[i] = &core.Chunk{TenantID: tenant, DocumentID: 1, Index: i, Content: content, Size: len(content), VectorID: core.NoVector}
	}
	chunks, err := e.stores.Chunks.AddChunks(context.Background(), chunks...)
	require.NoError(t, err)
	return chunks
}

func TestChunkIterator_Batches(t *testing.T) {
	env := setupTestEnv(t)
	env.addIndexed(t, "kb1", 7)
	env.addUnindexed(t, "kb1", 2)
	env.addIndexed(t, "kb2", 3)

	batches, total, err := NewChunkIterator(env.stores.Chunks, "kb1", 3).Batches(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, total)
	require.Len(t, batches, 3)
	assert.Len(t, batches[0], 3)
	assert.Len(t, batches[1], 3)
	assert.Len(t, batches[2], 1)

	var last core.ID
	for _, batch := range batches {
		for _, c := range batch {
			assert.Equal(t, core.TenantID("kb1"), c.TenantID)
			assert.True(t, c.HasVector())
			assert.Greater(t, c.ID, last)
			last = c.ID
		}
	}
}

func TestChunkIterator_EmptyTenant(t *testing.T) {
	env := setupTestEnv(t)
	batches, total, err := NewChunkIterator(env.stores.Chunks, "kb1", 10).Batches(context.Background())
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, batches)
}

func TestChunkIterator_InvalidBatchSize(t *testing.T) {
	env := setupTestEnv(t)
	it := NewChunkIterator(env.stores.Chunks, "kb1", 0)
	assert.Equal(t, DefaultBatchSize, it.batchSize)
}

func TestChunkIterator_ContextCancellation(t *testing.T) {
	env := setupTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := NewChunkIterator(env.stores.Chunks, "kb1", 10).Batches(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
