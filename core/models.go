package core

import (
	"encoding/binary"
	"time"

	"github.com/go-crypt/x/blake2b"
)

// ID is a unique identifier for stored entities.
// It is generated using content-based hashing or database sequences.
type ID uint64

// IDFromContent generates a deterministic ID from text content using BLAKE2b hashing.
// Identical chunk text always produces the same hash.
func IDFromContent(text string) ID {
	h, _ := blake2b.New(8, nil) // 8 bytes = 64 bits
	h.Write([]byte(text))
	sum := h.Sum(nil)
	return ID(binary.LittleEndian.Uint64(sum))
}

// TenantID names a knowledge base. It doubles as the directory name of the
// tenant's vector index, so it is restricted to filesystem-safe characters.
type TenantID string

// NoVector marks a chunk that has not been embedded yet.
const NoVector int64 = -1

// Requester identifies who is calling a tenant-scoped operation.
// A nil *Requester means an internal call that skips ownership checks.
type Requester struct {
	UserID  string
	IsAdmin bool
}

// Tenant is a knowledge base: an isolated collection of documents with its own vector index.
type Tenant struct {
	ID        TenantID
	OwnerID   string
	Name      string
	Dimension int
	IndexKind string
	CreatedAt time.Time
}

// Document is the caller-visible record of one ingested source. It is only
// committed once its chunks and vectors are both written.
type Document struct {
	ID             ID
	TenantID       TenantID
	TaskID         string
	Name           string
	Source         string
	FileSize       int64
	ChunkingMethod string
	ChunkCount     int
	CreatedAt      time.Time
}

// Chunk is a contiguous span of extracted text belonging to one document.
type Chunk struct {
	ID          ID
	TenantID    TenantID
	DocumentID  ID
	Index       int // 0-based ordinal within the document
	Content     string
	Size        int // character count
	VectorID    int64
	ContentHash ID
	CreatedAt   time.Time
}

// HasVector reports whether the chunk has been assigned a vector id.
func (c *Chunk) HasVector() bool {
	return c.VectorID != NoVector
}

// TaskStatus is the lifecycle state of an ingestion task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskCancelled  TaskStatus = "cancelled"
)

// IsTerminal reports whether no further transition may leave this status.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// Task is one document's journey from raw source to indexed chunks.
type Task struct {
	ID             string
	TenantID       TenantID
	OwnerID        string
	DocumentName   string
	Source         string
	StagingPath    string // removed when the task is deleted
	FileSize       int64
	ChunkingMethod string
	ChunkingConfig []byte // YAML-encoded chunking configuration
	Status         TaskStatus
	Progress       int
	StatusMessage  string
	ChunkCount     int
	ErrorMessage   string
	CreatedAt      time.Time
	StartedAt      time.Time
	CompletedAt    time.Time
}

// Transition moves the task to next, enforcing the state machine:
// pending -> processing -> {completed | failed | cancelled}.
func (t *Task) Transition(next TaskStatus, now time.Time) error {
	if t.Status.IsTerminal() {
		return ErrTaskFinalized
	}
	switch {
	case t.Status == TaskPending && next == TaskProcessing:
		t.StartedAt = now
		t.Progress = 0
	case t.Status == TaskProcessing && next == TaskCompleted:
		t.Progress = 100
		t.CompletedAt = now
	case t.Status == TaskProcessing && (next == TaskFailed || next == TaskCancelled):
		t.CompletedAt = now
	default:
		return ErrInvalidTransition
	}
	t.Status = next
	return nil
}

// Advance raises progress to p. Progress never decreases and is capped at 100.
func (t *Task) Advance(p int, message string) {
	if p > 100 {
		p = 100
	}
	if p > t.Progress {
		t.Progress = p
	}
	if message != "" {
		t.StatusMessage = message
	}
}

// Owns reports whether the requester may act on a record owned by ownerID.
func (r *Requester) Owns(ownerID string) bool {
	if r == nil || r.IsAdmin {
		return true
	}
	return r.UserID == ownerID
}
