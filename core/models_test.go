package core

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestIDFromContent(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		wantSame bool
	}{
		{
			name:     "same content produces same ID",
			content:  "test content",
			wantSame: true,
		},
		{
			name:     "empty string",
			content:  "",
			wantSame: true,
		},
		{
			name:     "long content",
			content:  "This is a much longer piece of content that should still hash consistently",
			wantSame: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id1 := IDFromContent(tt.content)
			id2 := IDFromContent(tt.content)

			if tt.wantSame && id1 != id2 {
				t.Errorf("IDFromContent() produced different IDs for same content: %d vs %d", id1, id2)
			}
		})
	}
}

func TestIDFromContent_Different(t *testing.T) {
	id1 := IDFromContent("content1")
	id2 := IDFromContent("content2")

	if id1 == id2 {
		t.Errorf("IDFromContent() produced same ID for different content")
	}
}

func TestChunk_HasVector(t *testing.T) {
	if (&Chunk{VectorID: NoVector}).HasVector() {
		t.Error("HasVector() = true for NoVector")
	}
	if !(&Chunk{VectorID: 0}).HasVector() {
		t.Error("HasVector() = false for vector id 0")
	}
}

func TestTask_Transition(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		from    TaskStatus
		to      TaskStatus
		wantErr error
	}{
		{"pending to processing", TaskPending, TaskProcessing, nil},
		{"processing to completed", TaskProcessing, TaskCompleted, nil},
		{"processing to failed", TaskProcessing, TaskFailed, nil},
		{"processing to cancelled", TaskProcessing, TaskCancelled, nil},
		{"pending to completed", TaskPending, TaskCompleted, ErrInvalidTransition},
		{"pending to pending", TaskPending, TaskPending, ErrInvalidTransition},
		{"processing to pending", TaskProcessing, TaskPending, ErrInvalidTransition},
		{"completed is final", TaskCompleted, TaskProcessing, ErrTaskFinalized},
		{"failed is final", TaskFailed, TaskCompleted, ErrTaskFinalized},
		{"cancelled is final", TaskCancelled, TaskFailed, ErrTaskFinalized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task := &Task{Status: tt.from, Progress: 30}
			err := task.Transition(tt.to, now)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Transition() error = %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr != nil {
				if task.Status != tt.from {
					t.Errorf("status changed to %s after rejected transition", task.Status)
				}
				return
			}
			if task.Status != tt.to {
				t.Errorf("Status = %s, want %s", task.Status, tt.to)
			}
		})
	}
}

func TestTask_TransitionTimestamps(t *testing.T) {
	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	end := start.Add(time.Minute)

	task := &Task{Status: TaskPending, Progress: 10}
	if err := task.Transition(TaskProcessing, start); err != nil {
		t.Fatal(err)
	}
	if !task.StartedAt.Equal(start) || task.Progress != 0 {
		t.Errorf("after processing: StartedAt = %v, Progress = %d", task.StartedAt, task.Progress)
	}
	if err := task.Transition(TaskCompleted, end); err != nil {
		t.Fatal(err)
	}
	if !task.CompletedAt.Equal(end) || task.Progress != 100 {
		t.Errorf("after completed: CompletedAt = %v, Progress = %d", task.CompletedAt, task.Progress)
	}
	if !task.Status.IsTerminal() {
		t.Error("completed task is not terminal")
	}
}

func TestTask_Advance(t *testing.T) {
	task := &Task{Status: TaskProcessing}

	task.Advance(40, "embedding")
	task.Advance(20, "")
	if task.Progress != 40 {
		t.Errorf("Progress = %d, want 40: progress must not decrease", task.Progress)
	}
	if task.StatusMessage != "embedding" {
		t.Errorf("StatusMessage = %q, want %q", task.StatusMessage, "embedding")
	}

	task.Advance(150, "indexing")
	if task.Progress != 100 {
		t.Errorf("Progress = %d, want 100", task.Progress)
	}
	if task.StatusMessage != "indexing" {
		t.Errorf("StatusMessage = %q, want %q", task.StatusMessage, "indexing")
	}
}

func TestRequester_Owns(t *testing.T) {
	var internal *Requester
	tests := []struct {
		name      string
		requester *Requester
		want      bool
	}{
		{"internal caller", internal, true},
		{"admin", &Requester{UserID: "root", IsAdmin: true}, true},
		{"owner", &Requester{UserID: "alice"}, true},
		{"stranger", &Requester{UserID: "bob"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.requester.Owns("alice"); got != tt.want {
				t.Errorf("Owns() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTaskError(t *testing.T) {
	cause := fmt.Errorf("%w: service unavailable", ErrEmbedding)
	err := error(&TaskError{Phase: "embedding", Err: cause})

	if !errors.Is(err, ErrEmbedding) {
		t.Error("TaskError does not unwrap to its cause")
	}
	if want := "embedding: embedding failed: service unavailable"; err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}
