package badger

import (
	"context"
	"testing"

	"github.com/poiesic/kbingest/core"
	"github.com/poiesic/kbingest/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addDocumentChunks(t *testing.T, stores *Stores, tenant core.TenantID, contents ...string) (core.ID, []*core.Chunk) {
	t.Helper()
	ctx := context.Background()
	docID, err := stores.Documents.NextDocumentID(ctx)
	require.NoError(t, err)

	chunks := make([]*core.Chunk, len(contents))
	for i, content := range contents {
		chunks[i] = &core.Chunk{
			TenantID:   tenant,
			DocumentID: docID,
			Index:      i,
			Content:    content,
			Size:       len([]rune(content)),
			VectorID:   core.NoVector,
		}
	}
	added, err := stores.Chunks.AddChunks(ctx, chunks...)
	require.NoError(t, err)
	return docID, added
}

func TestChunkRepository_AddAndGet(t *testing.T) {
	stores := setupStores(t)
	ctx := context.Background()

	_, chunks := addDocumentChunks(t, stores, "kb1", "alpha", "beta", "gamma")
	for _, chunk := range chunks {
		assert.NotZero(t, chunk.ID)
		assert.Equal(t, core.IDFromContent(chunk.Content), chunk.ContentHash)
	}

	got, err := stores.Chunks.GetChunks(ctx, chunks[2].ID, 999999, chunks[0].ID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "gamma", got[0].Content)
	assert.Equal(t, "alpha", got[1].Content)
	assert.False(t, got[0].HasVector())
}

func TestChunkRepository_ListByTenantAndDocument(t *testing.T) {
	stores := setupStores(t)
	ctx := context.Background()

	docID, _ := addDocumentChunks(t, stores, "kb1", "short", "a much longer chunk", "tiny")
	addDocumentChunks(t, stores, "kb10", "other tenant chunk")

	all, err := stores.Chunks.ListChunksByTenant(ctx, "kb1", 0, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	large, err := stores.Chunks.ListChunksByTenant(ctx, "kb1", 10, 0)
	require.NoError(t, err)
	require.Len(t, large, 1)
	assert.Equal(t, "a much longer chunk", large[0].Content)

	limited, err := stores.Chunks.ListChunksByTenant(ctx, "kb1", 0, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	ordered, err := stores.Chunks.ListChunksByDocument(ctx, docID)
	require.NoError(t, err)
	require.Len(t, ordered, 3)
	for i, chunk := range ordered {
		assert.Equal(t, i, chunk.Index)
	}
}

func TestChunkRepository_VectorIDs(t *testing.T) {
	stores := setupStores(t)
	ctx := context.Background()

	_, chunks := addDocumentChunks(t, stores, "kb1", "one", "two", "three")
	require.NoError(t, stores.Chunks.SetVectorIDs(ctx, map[core.ID]int64{
		chunks[0].ID: 0,
		chunks[1].ID: 1,
		chunks[2].ID: 2,
	}))

	// Vector 1 was deleted; 2 slides down to 1
	require.NoError(t, stores.Chunks.RemapVectorIDs(ctx, "kb1", map[int64]int64{0: 0, 2: 1}))

	got, err := stores.Chunks.GetChunks(ctx, chunks[0].ID, chunks[1].ID, chunks[2].ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got[0].VectorID)
	assert.Equal(t, core.NoVector, got[1].VectorID)
	assert.Equal(t, int64(1), got[2].VectorID)

	byVector, err := stores.Chunks.GetChunksByVectorIDs(ctx, "kb1", 1, 7)
	require.NoError(t, err)
	require.Len(t, byVector, 1)
	assert.Equal(t, "three", byVector[1].Content)

	err = stores.Chunks.SetVectorIDs(ctx, map[core.ID]int64{424242: 3})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDocumentRepository_CommitAndDelete(t *testing.T) {
	stores := setupStores(t)
	ctx := context.Background()

	docID, chunks := addDocumentChunks(t, stores, "kb1", "one", "two")

	// Not visible until committed
	_, err := stores.Documents.GetDocument(ctx, docID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	doc := &core.Document{ID: docID, TenantID: "kb1", Name: "notes.txt", ChunkCount: 2}
	require.NoError(t, stores.Documents.CommitDocument(ctx, doc))

	docs, err := stores.Documents.ListDocuments(ctx, "kb1")
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "notes.txt", docs[0].Name)

	require.NoError(t, stores.Documents.DeleteDocument(ctx, docID))

	remaining, err := stores.Chunks.GetChunks(ctx, chunks[0].ID, chunks[1].ID)
	require.NoError(t, err)
	assert.Empty(t, remaining)

	byTenant, err := stores.Chunks.ListChunksByTenant(ctx, "kb1", 0, 0)
	require.NoError(t, err)
	assert.Empty(t, byTenant)
}

func TestTenantRepository(t *testing.T) {
	stores := setupStores(t)
	ctx := context.Background()

	require.NoError(t, stores.Tenants.CreateTenant(ctx, &core.Tenant{ID: "kb1", OwnerID: "alice", Dimension: 4, IndexKind: "flat"}))
	require.NoError(t, stores.Tenants.CreateTenant(ctx, &core.Tenant{ID: "kb2", OwnerID: "bob", Dimension: 4, IndexKind: "flat"}))

	err := stores.Tenants.CreateTenant(ctx, &core.Tenant{ID: "kb1", OwnerID: "alice", Dimension: 4})
	assert.ErrorIs(t, err, storage.ErrDuplicateKey)

	err = stores.Tenants.CreateTenant(ctx, &core.Tenant{ID: "../escape", OwnerID: "alice", Dimension: 4})
	assert.ErrorIs(t, err, core.ErrValidation)

	tenant, err := stores.Tenants.GetTenant(ctx, "kb1")
	require.NoError(t, err)
	assert.Equal(t, "alice", tenant.OwnerID)
	assert.False(t, tenant.CreatedAt.IsZero())

	mine, err := stores.Tenants.ListTenants(ctx, &core.Requester{UserID: "alice"})
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, core.TenantID("kb1"), mine[0].ID)

	all, err := stores.Tenants.ListTenants(ctx, &core.Requester{UserID: "root", IsAdmin: true})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, stores.Tenants.DeleteTenant(ctx, "kb2"))
	_, err = stores.Tenants.GetTenant(ctx, "kb2")
	assert.ErrorIs(t, err, core.ErrTenantNotFound)
}
