package badger

import (
	"encoding/binary"
	"time"

	"github.com/poiesic/kbingest/core"
)

// Key prefixes for different data types. Every prefix ends in ':' so that no
// prefix is a leading substring of another family.
const (
	taskPrefix          = "tsk:"
	taskCreatedPrefix   = "tskc:"
	tenantPrefix        = "ten:"
	documentPrefix      = "doc:"
	documentTenantIndex = "docten:"
	chunkPrefix         = "chk:"
	chunkTenantIndex    = "chkten:"
	chunkDocumentIndex  = "chkdoc:"
	documentIDSeq       = "seq:doc"
	chunkIDSeq          = "seq:chk"
)

// makeTaskKey generates a key for a task by ID.
func makeTaskKey(id string) []byte {
	return []byte(taskPrefix + id)
}

// makeTaskCreatedKey generates a composite key for the creation-time index.
// Format: prefix:timestamp:id
func makeTaskCreatedKey(createdAt time.Time, id string) []byte {
	prefixBytes := []byte(taskCreatedPrefix)
	buf := make([]byte, len(prefixBytes)+8+len(id))
	offset := copy(buf, prefixBytes)
	// Write in BigEndian order so lexicographic sort works correctly
	binary.BigEndian.PutUint64(buf[offset:], uint64(createdAt.UnixMicro()))
	offset += 8
	copy(buf[offset:], id)
	return buf
}

// makeTenantKey generates a key for a tenant by ID.
func makeTenantKey(id core.TenantID) []byte {
	return []byte(tenantPrefix + string(id))
}

// makeDocumentKey generates a key for a document by ID.
func makeDocumentKey(id core.ID) []byte {
	return appendID([]byte(documentPrefix), id)
}

// makeTenantScopedPrefix generates the partial key shared by all index
// entries of one tenant. Format: prefix:tenant\x00
func makeTenantScopedPrefix(prefix string, tenant core.TenantID) []byte {
	buf := make([]byte, 0, len(prefix)+len(tenant)+1)
	buf = append(buf, prefix...)
	buf = append(buf, tenant...)
	return append(buf, 0)
}

// makeDocumentTenantKey generates a composite key for the tenant index of documents.
func makeDocumentTenantKey(tenant core.TenantID, id core.ID) []byte {
	return appendID(makeTenantScopedPrefix(documentTenantIndex, tenant), id)
}

// makeChunkKey generates a key for a chunk by ID.
func makeChunkKey(id core.ID) []byte {
	return appendID([]byte(chunkPrefix), id)
}

// makeChunkTenantKey generates a composite key for the tenant index of chunks.
func makeChunkTenantKey(tenant core.TenantID, id core.ID) []byte {
	return appendID(makeTenantScopedPrefix(chunkTenantIndex, tenant), id)
}

// makePartialChunkDocumentKey generates the partial key for a document's chunks.
// Format: prefix:docID
func makePartialChunkDocumentKey(doc core.ID) []byte {
	return appendID([]byte(chunkDocumentIndex), doc)
}

// makeChunkDocumentKey generates a composite key ordering chunks within a document.
// Format: prefix:docID:index
func makeChunkDocumentKey(doc core.ID, index int) []byte {
	buf := makePartialChunkDocumentKey(doc)
	return binary.BigEndian.AppendUint64(buf, uint64(index))
}

func appendID(buf []byte, id core.ID) []byte {
	return binary.BigEndian.AppendUint64(buf, uint64(id))
}

// idFromKeySuffix reads the BigEndian ID stored in the last 8 bytes of key.
func idFromKeySuffix(key []byte) core.ID {
	return core.ID(binary.BigEndian.Uint64(key[len(key)-8:]))
}
