package badger

import (
	"context"
	"testing"
	"time"

	"github.com/poiesic/kbingest/core"
	"github.com/poiesic/kbingest/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupStores(t *testing.T) *Stores {
	t.Helper()
	stores, err := NewMemoryStores()
	require.NoError(t, err)
	t.Cleanup(func() { stores.Close() })
	return stores
}

func newTask(id, owner string, created time.Time) *core.Task {
	return &core.Task{
		ID:        id,
		TenantID:  "kb1",
		OwnerID:   owner,
		Source:    "/tmp/" + id + ".txt",
		Status:    core.TaskPending,
		CreatedAt: created,
	}
}

func TestTaskRepository_CreateAndGet(t *testing.T) {
	stores := setupStores(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	task := newTask("t1", "alice", now)
	task.ChunkingConfig = []byte("strategy: paragraph\n")
	require.NoError(t, stores.Tasks.CreateTask(ctx, task))

	got, err := stores.Tasks.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, task, got)

	err = stores.Tasks.CreateTask(ctx, task)
	assert.ErrorIs(t, err, storage.ErrDuplicateKey)

	_, err = stores.Tasks.GetTask(ctx, "missing")
	assert.ErrorIs(t, err, core.ErrTaskNotFound)
}

func TestTaskRepository_UpdateTask(t *testing.T) {
	stores := setupStores(t)
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, stores.Tasks.CreateTask(ctx, newTask("t1", "alice", now)))

	updated, err := stores.Tasks.UpdateTask(ctx, "t1", func(task *core.Task) error {
		return task.Transition(core.TaskProcessing, now)
	})
	require.NoError(t, err)
	assert.Equal(t, core.TaskProcessing, updated.Status)

	_, err = stores.Tasks.UpdateTask(ctx, "t1", func(task *core.Task) error {
		return task.Transition(core.TaskCancelled, now)
	})
	require.NoError(t, err)

	// Terminal tasks reject every change
	_, err = stores.Tasks.UpdateTask(ctx, "t1", func(task *core.Task) error {
		task.Advance(50, "late progress")
		return nil
	})
	assert.ErrorIs(t, err, core.ErrTaskFinalized)

	got, err := stores.Tasks.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, core.TaskCancelled, got.Status)
	assert.Equal(t, 0, got.Progress)

	// A no-op mutation on a terminal task is fine
	_, err = stores.Tasks.UpdateTask(ctx, "t1", func(task *core.Task) error { return nil })
	assert.NoError(t, err)
}

func TestTaskRepository_ListTasks(t *testing.T) {
	stores := setupStores(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	require.NoError(t, stores.Tasks.CreateTask(ctx, newTask("t1", "alice", base)))
	require.NoError(t, stores.Tasks.CreateTask(ctx, newTask("t2", "bob", base.Add(time.Minute))))
	require.NoError(t, stores.Tasks.CreateTask(ctx, newTask("t3", "alice", base.Add(2*time.Minute))))

	all, err := stores.Tasks.ListTasks(ctx, storage.TaskFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"t1", "t2", "t3"}, taskIDs(all))

	newest, err := stores.Tasks.ListTasks(ctx, storage.TaskFilter{Newest: true, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"t3", "t2"}, taskIDs(newest))

	mine, err := stores.Tasks.ListTasks(ctx, storage.TaskFilter{OwnerID: "alice"})
	require.NoError(t, err)
	assert.Equal(t, []string{"t1", "t3"}, taskIDs(mine))

	recent, err := stores.Tasks.ListTasks(ctx, storage.TaskFilter{Since: base.Add(30 * time.Second)})
	require.NoError(t, err)
	assert.Equal(t, []string{"t2", "t3"}, taskIDs(recent))
}

func TestTaskRepository_DeleteAndCount(t *testing.T) {
	stores := setupStores(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, stores.Tasks.CreateTask(ctx, newTask("t1", "alice", now)))
	require.NoError(t, stores.Tasks.CreateTask(ctx, newTask("t2", "alice", now.Add(time.Second))))
	_, err := stores.Tasks.UpdateTask(ctx, "t2", func(task *core.Task) error {
		return task.Transition(core.TaskProcessing, now)
	})
	require.NoError(t, err)

	counts, err := stores.Tasks.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[core.TaskPending])
	assert.Equal(t, 1, counts[core.TaskProcessing])

	require.NoError(t, stores.Tasks.DeleteTask(ctx, "t1"))
	assert.ErrorIs(t, stores.Tasks.DeleteTask(ctx, "t1"), core.ErrTaskNotFound)
	assert.ErrorIs(t, stores.Tasks.DeleteTask(ctx, "t2"), core.ErrTaskProcessing)
	got, err := stores.Tasks.GetTask(ctx, "t2")
	require.NoError(t, err)
	assert.Equal(t, core.TaskProcessing, got.Status)

	all, err := stores.Tasks.ListTasks(ctx, storage.TaskFilter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"t2"}, taskIDs(all))
}

func taskIDs(tasks []*core.Task) []string {
	ids := make([]string, len(tasks))
	for i, task := range tasks {
		ids[i] = task.ID
	}
	return ids
}
