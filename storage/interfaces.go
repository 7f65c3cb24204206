package storage

import (
	"context"
	"time"

	"github.com/poiesic/kbingest/core"
)

// Repository provides common storage operations shared across all repositories.
// Implementations must be thread-safe and support concurrent access.
type Repository interface {
	// Close releases resources held by the repository.
	Close() error
}

// TaskFilter narrows ListTasks. Zero values mean "no constraint".
type TaskFilter struct {
	OwnerID  string
	Statuses []core.TaskStatus
	Since    time.Time // CreatedAt >= Since
	Limit    int
	// Newest returns the most recently created tasks first.
	Newest bool
}

// TaskRepository persists ingestion task records.
type TaskRepository interface {
	Repository

	// CreateTask stores a new task. Returns ErrDuplicateKey if the id exists.
	CreateTask(ctx context.Context, task *core.Task) error

	// GetTask returns the task or core.ErrTaskNotFound.
	GetTask(ctx context.Context, id string) (*core.Task, error)

	// UpdateTask applies fn to the stored task inside one read-write transaction
	// and stores the result. Tasks already in a terminal state are passed to fn
	// but any change to them is rejected with core.ErrTaskFinalized.
	UpdateTask(ctx context.Context, id string, fn func(task *core.Task) error) (*core.Task, error)

	// DeleteTask removes the task record. Returns core.ErrTaskNotFound if absent
	// and core.ErrTaskProcessing if the task is being processed.
	DeleteTask(ctx context.Context, id string) error

	// ListTasks returns tasks ordered by creation time (oldest first unless filter.Newest).
	ListTasks(ctx context.Context, filter TaskFilter) ([]*core.Task, error)

	// CountByStatus returns the number of tasks in each status.
	CountByStatus(ctx context.Context) (map[core.TaskStatus]int, error)
}

// TenantRepository persists knowledge base records.
type TenantRepository interface {
	Repository

	// CreateTenant stores a new tenant. Returns ErrDuplicateKey if it exists.
	CreateTenant(ctx context.Context, tenant *core.Tenant) error

	// GetTenant returns the tenant or core.ErrTenantNotFound.
	GetTenant(ctx context.Context, id core.TenantID) (*core.Tenant, error)

	// ListTenants returns the tenants the requester may access, ordered by id.
	ListTenants(ctx context.Context, requester *core.Requester) ([]*core.Tenant, error)

	// DeleteTenant removes the tenant record.
	DeleteTenant(ctx context.Context, id core.TenantID) error
}

// DocumentRepository persists committed documents.
type DocumentRepository interface {
	Repository

	// NextDocumentID reserves an id before the document is committed, so chunks
	// can reference their document while it is still being ingested.
	NextDocumentID(ctx context.Context) (core.ID, error)

	// CommitDocument stores the document record, making it visible.
	CommitDocument(ctx context.Context, doc *core.Document) error

	// GetDocument returns the document or ErrNotFound.
	GetDocument(ctx context.Context, id core.ID) (*core.Document, error)

	// ListDocuments returns the committed documents of a tenant.
	ListDocuments(ctx context.Context, tenant core.TenantID) ([]*core.Document, error)

	// DeleteDocument removes a document and all of its chunks.
	DeleteDocument(ctx context.Context, id core.ID) error
}

// ChunkRepository persists chunk records.
type ChunkRepository interface {
	Repository

	// AddChunks assigns ids and stores the chunks.
	AddChunks(ctx context.Context, chunks ...*core.Chunk) ([]*core.Chunk, error)

	// SetVectorIDs records the vector id assigned to each chunk.
	SetVectorIDs(ctx context.Context, assignments map[core.ID]int64) error

	// GetChunks returns the chunks that exist among ids, in the order given.
	GetChunks(ctx context.Context, ids ...core.ID) ([]*core.Chunk, error)

	// ListChunksByTenant returns a tenant's chunks with Size >= minSize in id order.
	// limit <= 0 means no limit.
	ListChunksByTenant(ctx context.Context, tenant core.TenantID, minSize, limit int) ([]*core.Chunk, error)

	// GetChunksByVectorIDs returns the tenant's chunks carrying the given vector ids.
	GetChunksByVectorIDs(ctx context.Context, tenant core.TenantID, vectorIDs ...int64) (map[int64]*core.Chunk, error)

	// ListChunksByDocument returns a document's chunks ordered by Index.
	ListChunksByDocument(ctx context.Context, doc core.ID) ([]*core.Chunk, error)

	// RemapVectorIDs rewrites vector ids of a tenant's chunks after the index
	// renumbered them. Chunks whose old id is missing from remap lose their vector.
	RemapVectorIDs(ctx context.Context, tenant core.TenantID, remap map[int64]int64) error
}
