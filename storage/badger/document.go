package badger

import (
	"context"
	"errors"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/poiesic/kbingest/core"
	"github.com/poiesic/kbingest/storage"
)

// DocumentRepository implements storage.DocumentRepository for BadgerDB.
type DocumentRepository struct {
	backend *Backend
	idSeq   *badger.Sequence
}

var _ storage.DocumentRepository = (*DocumentRepository)(nil)

// NewDocumentRepository creates a new DocumentRepository.
func NewDocumentRepository(backend *Backend) (*DocumentRepository, error) {
	idSeq, err := backend.GetSequence(documentIDSeq)
	if err != nil {
		return nil, err
	}
	return &DocumentRepository{
		backend: backend,
		idSeq:   idSeq,
	}, nil
}

// Close releases the ID sequence.
func (r *DocumentRepository) Close() error {
	return r.idSeq.Release()
}

// NextDocumentID reserves a document id.
func (r *DocumentRepository) NextDocumentID(ctx context.Context) (core.ID, error) {
	id, err := nextID(r.idSeq)
	return core.ID(id), err
}

// CommitDocument stores the document and its tenant index entry.
func (r *DocumentRepository) CommitDocument(ctx context.Context, doc *core.Document) error {
	if doc.ID == 0 {
		id, err := r.NextDocumentID(ctx)
		if err != nil {
			return err
		}
		doc.ID = id
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}
	return r.backend.WithRetryTx(func(tx *badger.Txn) error {
		if err := tx.Set(makeDocumentKey(doc.ID), storage.MarshalDocument(doc)); err != nil {
			return err
		}
		if err := tx.Set(makeDocumentTenantKey(doc.TenantID, doc.ID), nil); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// GetDocument retrieves a document by ID.
func (r *DocumentRepository) GetDocument(ctx context.Context, id core.ID) (*core.Document, error) {
	var doc *core.Document
	err := r.backend.WithTx(func(tx *badger.Txn) error {
		var err error
		doc, err = readDocument(tx, id)
		return err
	}, false)
	return doc, err
}

// ListDocuments returns the committed documents of a tenant in id order.
func (r *DocumentRepository) ListDocuments(ctx context.Context, tenant core.TenantID) ([]*core.Document, error) {
	var docs []*core.Document
	err := r.backend.WithTx(func(tx *badger.Txn) error {
		prefix := makeTenantScopedPrefix(documentTenantIndex, tenant)
		return scanPrefix(tx, prefix, false, func(key, _ []byte) error {
			doc, err := readDocument(tx, idFromKeySuffix(key))
			if errors.Is(err, storage.ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			docs = append(docs, doc)
			return nil
		})
	}, false)
	return docs, err
}

// DeleteDocument removes the document, its chunks and every index entry pointing at them.
func (r *DocumentRepository) DeleteDocument(ctx context.Context, id core.ID) error {
	doc, err := r.GetDocument(ctx, id)
	if err != nil {
		return err
	}

	var keys [][]byte
	err = r.backend.WithTx(func(tx *badger.Txn) error {
		return scanPrefix(tx, makePartialChunkDocumentKey(id), false, func(key, val []byte) error {
			chunkID, err := storage.UnmarshalID(val)
			if err != nil {
				return err
			}
			keys = append(keys,
				append([]byte{}, key...),
				makeChunkKey(chunkID),
				makeChunkTenantKey(doc.TenantID, chunkID))
			return nil
		})
	}, false)
	if err != nil {
		return err
	}
	keys = append(keys, makeDocumentKey(id), makeDocumentTenantKey(doc.TenantID, id))

	wb := r.backend.db.NewWriteBatch()
	defer wb.Cancel()
	for _, key := range keys {
		if err := wb.Delete(key); err != nil {
			return err
		}
	}
	return wb.Flush()
}

func readDocument(tx *badger.Txn, id core.ID) (*core.Document, error) {
	item, err := tx.Get(makeDocumentKey(id))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	var doc *core.Document
	err = item.Value(func(val []byte) error {
		var err error
		doc, err = storage.UnmarshalDocument(val)
		return err
	})
	return doc, err
}
