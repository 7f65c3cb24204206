package badger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/dgraph-io/badger/v4"
	"github.com/poiesic/kbingest/core"
	"github.com/poiesic/kbingest/storage"
)

// TaskRepository implements storage.TaskRepository for BadgerDB.
type TaskRepository struct {
	backend *Backend
}

var _ storage.TaskRepository = (*TaskRepository)(nil)

// NewTaskRepository creates a new TaskRepository.
func NewTaskRepository(backend *Backend) *TaskRepository {
	return &TaskRepository{backend: backend}
}

// Close is a no-op; the backend owns the database handle.
func (r *TaskRepository) Close() error {
	return nil
}

// CreateTask stores a new task along with its creation-time index entry.
func (r *TaskRepository) CreateTask(ctx context.Context, task *core.Task) error {
	return r.backend.WithRetryTx(func(tx *badger.Txn) error {
		key := makeTaskKey(task.ID)
		if _, err := tx.Get(key); err == nil {
			return storage.ErrDuplicateKey
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := tx.Set(key, storage.MarshalTask(task)); err != nil {
			return err
		}
		if err := tx.Set(makeTaskCreatedKey(task.CreatedAt, task.ID), []byte(task.ID)); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// GetTask retrieves a task by ID.
func (r *TaskRepository) GetTask(ctx context.Context, id string) (*core.Task, error) {
	var task *core.Task
	err := r.backend.WithTx(func(tx *badger.Txn) error {
		var err error
		task, err = readTask(tx, id)
		return err
	}, false)
	return task, err
}

// UpdateTask runs fn against the stored task and persists the result.
func (r *TaskRepository) UpdateTask(ctx context.Context, id string, fn func(task *core.Task) error) (*core.Task, error) {
	var updated *core.Task
	err := r.backend.WithRetryTx(func(tx *badger.Txn) error {
		task, err := readTask(tx, id)
		if err != nil {
			return err
		}
		before := storage.MarshalTask(task)
		wasTerminal := task.Status.IsTerminal()

		if err := fn(task); err != nil {
			return err
		}

		after := storage.MarshalTask(task)
		if bytes.Equal(before, after) {
			updated = task
			return nil
		}
		if wasTerminal {
			return core.ErrTaskFinalized
		}
		if err := tx.Set(makeTaskKey(id), after); err != nil {
			return err
		}
		updated = task
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// DeleteTask removes a task and its index entry. The status is checked in
// the same transaction, so a task claimed by the worker concurrently is
// refused with core.ErrTaskProcessing rather than deleted mid-run.
func (r *TaskRepository) DeleteTask(ctx context.Context, id string) error {
	return r.backend.WithRetryTx(func(tx *badger.Txn) error {
		task, err := readTask(tx, id)
		if err != nil {
			return err
		}
		if task.Status == core.TaskProcessing {
			return fmt.Errorf("%w: task %s", core.ErrTaskProcessing, id)
		}
		if err := tx.Delete(makeTaskCreatedKey(task.CreatedAt, task.ID)); err != nil {
			return err
		}
		if err := tx.Delete(makeTaskKey(id)); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// ListTasks walks the creation-time index and applies the filter.
func (r *TaskRepository) ListTasks(ctx context.Context, filter storage.TaskFilter) ([]*core.Task, error) {
	var tasks []*core.Task
	err := r.backend.WithTx(func(tx *badger.Txn) error {
		return scanPrefix(tx, []byte(taskCreatedPrefix), filter.Newest, func(_, val []byte) error {
			task, err := readTask(tx, string(val))
			if errors.Is(err, core.ErrTaskNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			if !matchesFilter(task, filter) {
				return nil
			}
			tasks = append(tasks, task)
			if filter.Limit > 0 && len(tasks) >= filter.Limit {
				return errStopScan
			}
			return nil
		})
	}, false)
	return tasks, err
}

// CountByStatus tallies tasks per status.
func (r *TaskRepository) CountByStatus(ctx context.Context) (map[core.TaskStatus]int, error) {
	counts := make(map[core.TaskStatus]int)
	err := r.backend.WithTx(func(tx *badger.Txn) error {
		return scanPrefix(tx, []byte(taskPrefix), false, func(_, val []byte) error {
			task, err := storage.UnmarshalTask(val)
			if err != nil {
				return err
			}
			counts[task.Status]++
			return nil
		})
	}, false)
	return counts, err
}

func matchesFilter(task *core.Task, filter storage.TaskFilter) bool {
	if filter.OwnerID != "" && task.OwnerID != filter.OwnerID {
		return false
	}
	if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, task.Status) {
		return false
	}
	if !filter.Since.IsZero() && task.CreatedAt.Before(filter.Since) {
		return false
	}
	return true
}

func readTask(tx *badger.Txn, id string) (*core.Task, error) {
	item, err := tx.Get(makeTaskKey(id))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, core.ErrTaskNotFound
		}
		return nil, err
	}
	var task *core.Task
	err = item.Value(func(val []byte) error {
		var err error
		task, err = storage.UnmarshalTask(val)
		return err
	})
	return task, err
}
