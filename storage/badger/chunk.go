package badger

import (
	"context"
	"errors"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/poiesic/kbingest/core"
	"github.com/poiesic/kbingest/storage"
)

// ChunkRepository implements storage.ChunkRepository for BadgerDB.
type ChunkRepository struct {
	backend *Backend
	idSeq   *badger.Sequence
}

var _ storage.ChunkRepository = (*ChunkRepository)(nil)

// NewChunkRepository creates a new ChunkRepository.
func NewChunkRepository(backend *Backend) (*ChunkRepository, error) {
	idSeq, err := backend.GetSequence(chunkIDSeq)
	if err != nil {
		return nil, err
	}

	return &ChunkRepository{
		backend: backend,
		idSeq:   idSeq,
	}, nil
}

// Close releases the ID sequence.
func (r *ChunkRepository) Close() error {
	return r.idSeq.Release()
}

// AddChunks assigns ids from the sequence and writes chunks with their index entries.
// A write batch is used so large documents never exceed the transaction size limit.
func (r *ChunkRepository) AddChunks(ctx context.Context, chunks ...*core.Chunk) ([]*core.Chunk, error) {
	if len(chunks) == 0 {
		return chunks, nil
	}
	wb := r.backend.db.NewWriteBatch()
	defer wb.Cancel()

	now := time.Now().UTC()
	for _, chunk := range chunks {
		id, err := nextID(r.idSeq)
		if err != nil {
			return nil, err
		}
		chunk.ID = core.ID(id)
		chunk.CreatedAt = now
		if chunk.ContentHash == 0 {
			chunk.ContentHash = core.IDFromContent(chunk.Content)
		}
		if err := writeChunk(wb, chunk); err != nil {
			return nil, err
		}
	}
	if err := wb.Flush(); err != nil {
		return nil, err
	}
	return chunks, nil
}

// SetVectorIDs records the vector id assigned to each chunk.
func (r *ChunkRepository) SetVectorIDs(ctx context.Context, assignments map[core.ID]int64) error {
	if len(assignments) == 0 {
		return nil
	}
	ids := make([]core.ID, 0, len(assignments))
	for id := range assignments {
		ids = append(ids, id)
	}
	chunks, err := r.GetChunks(ctx, ids...)
	if err != nil {
		return err
	}
	if len(chunks) != len(ids) {
		return storage.ErrNotFound
	}

	wb := r.backend.db.NewWriteBatch()
	defer wb.Cancel()
	for _, chunk := range chunks {
		chunk.VectorID = assignments[chunk.ID]
		if err := wb.Set(makeChunkKey(chunk.ID), storage.MarshalChunk(chunk)); err != nil {
			return err
		}
	}
	return wb.Flush()
}

// GetChunks retrieves chunks by id. Missing ids are skipped.
func (r *ChunkRepository) GetChunks(ctx context.Context, ids ...core.ID) ([]*core.Chunk, error) {
	results := make([]*core.Chunk, 0, len(ids))
	err := r.backend.WithTx(func(tx *badger.Txn) error {
		for _, id := range ids {
			chunk, err := readChunk(tx, id)
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			results = append(results, chunk)
		}
		return nil
	}, false)
	return results, err
}

// ListChunksByTenant walks the tenant index in chunk id order.
func (r *ChunkRepository) ListChunksByTenant(ctx context.Context, tenant core.TenantID, minSize, limit int) ([]*core.Chunk, error) {
	var chunks []*core.Chunk
	err := r.backend.WithTx(func(tx *badger.Txn) error {
		prefix := makeTenantScopedPrefix(chunkTenantIndex, tenant)
		return scanPrefix(tx, prefix, false, func(key, _ []byte) error {
			chunk, err := readChunk(tx, idFromKeySuffix(key))
			if errors.Is(err, storage.ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			if chunk.Size < minSize {
				return nil
			}
			chunks = append(chunks, chunk)
			if limit > 0 && len(chunks) >= limit {
				return errStopScan
			}
			return nil
		})
	}, false)
	return chunks, err
}

// GetChunksByVectorIDs returns the tenant's chunks that carry one of the
// given vector ids, keyed by vector id.
func (r *ChunkRepository) GetChunksByVectorIDs(ctx context.Context, tenant core.TenantID, vectorIDs ...int64) (map[int64]*core.Chunk, error) {
	wanted := make(map[int64]struct{}, len(vectorIDs))
	for _, id := range vectorIDs {
		wanted[id] = struct{}{}
	}
	found := make(map[int64]*core.Chunk, len(vectorIDs))
	if len(wanted) == 0 {
		return found, nil
	}
	err := r.backend.WithTx(func(tx *badger.Txn) error {
		prefix := makeTenantScopedPrefix(chunkTenantIndex, tenant)
		return scanPrefix(tx, prefix, false, func(key, _ []byte) error {
			chunk, err := readChunk(tx, idFromKeySuffix(key))
			if errors.Is(err, storage.ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			if _, ok := wanted[chunk.VectorID]; ok && chunk.HasVector() {
				found[chunk.VectorID] = chunk
				if len(found) == len(wanted) {
					return errStopScan
				}
			}
			return nil
		})
	}, false)
	return found, err
}

// ListChunksByDocument walks the document index, which is ordered by chunk index.
func (r *ChunkRepository) ListChunksByDocument(ctx context.Context, doc core.ID) ([]*core.Chunk, error) {
	var chunks []*core.Chunk
	err := r.backend.WithTx(func(tx *badger.Txn) error {
		return scanPrefix(tx, makePartialChunkDocumentKey(doc), false, func(_, val []byte) error {
			id, err := storage.UnmarshalID(val)
			if err != nil {
				return err
			}
			chunk, err := readChunk(tx, id)
			if errors.Is(err, storage.ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			chunks = append(chunks, chunk)
			return nil
		})
	}, false)
	return chunks, err
}

// RemapVectorIDs rewrites the vector ids of a tenant's chunks.
func (r *ChunkRepository) RemapVectorIDs(ctx context.Context, tenant core.TenantID, remap map[int64]int64) error {
	chunks, err := r.ListChunksByTenant(ctx, tenant, 0, 0)
	if err != nil {
		return err
	}

	wb := r.backend.db.NewWriteBatch()
	defer wb.Cancel()
	for _, chunk := range chunks {
		if !chunk.HasVector() {
			continue
		}
		next, ok := remap[chunk.VectorID]
		if !ok {
			next = core.NoVector
		}
		if next == chunk.VectorID {
			continue
		}
		chunk.VectorID = next
		if err := wb.Set(makeChunkKey(chunk.ID), storage.MarshalChunk(chunk)); err != nil {
			return err
		}
	}
	return wb.Flush()
}

func writeChunk(wb *badger.WriteBatch, chunk *core.Chunk) error {
	if err := wb.Set(makeChunkKey(chunk.ID), storage.MarshalChunk(chunk)); err != nil {
		return err
	}
	if err := wb.Set(makeChunkTenantKey(chunk.TenantID, chunk.ID), nil); err != nil {
		return err
	}
	return wb.Set(makeChunkDocumentKey(chunk.DocumentID, chunk.Index), storage.MarshalID(chunk.ID))
}

func readChunk(tx *badger.Txn, id core.ID) (*core.Chunk, error) {
	item, err := tx.Get(makeChunkKey(id))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	var chunk *core.Chunk
	err = item.Value(func(val []byte) error {
		var err error
		chunk, err = storage.UnmarshalChunk(val)
		return err
	})
	return chunk, err
}
