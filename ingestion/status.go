package ingestion

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/poiesic/kbingest/chunking"
	"github.com/poiesic/kbingest/core"
	"github.com/poiesic/kbingest/storage"
)

const (
	// listLimit caps ListTasks.
	listLimit = 50

	// pendingWindow caps the pending tasks shown in a queue snapshot.
	pendingWindow = 10
)

// TaskView is a task as shown to its owner, with derived queue information.
type TaskView struct {
	core.Task
	// EstimatedRemaining is advisory. It is zero for finished tasks.
	EstimatedRemaining time.Duration
	// QueuePosition is 1 for the next task to run and 0 when not pending.
	QueuePosition int
}

// TimeEstimate summarizes how long the queue will take to drain.
type TimeEstimate struct {
	AverageProcessing time.Duration
	CurrentRemaining  time.Duration
	TotalWait         time.Duration
}

// QueueSnapshot is the queue as seen by one requester.
type QueueSnapshot struct {
	Pending    int
	Processing int
	Completed  int
	Failed     int
	Cancelled  int
	// Current is the processing task, or nil when idle.
	Current  *TaskView
	Window   []*TaskView
	Estimate TimeEstimate
	At       time.Time
}

type cachedSnapshot struct {
	snap *QueueSnapshot
	at   time.Time
}

// ClearScope selects which finished tasks ClearTasks removes.
type ClearScope string

const (
	ClearCompleted ClearScope = "completed"
	ClearFailed    ClearScope = "failed"
	ClearAll       ClearScope = "all"
)

func (s ClearScope) statuses() ([]core.TaskStatus, error) {
	switch s {
	case ClearCompleted:
		return []core.TaskStatus{core.TaskCompleted}, nil
	case ClearFailed:
		return []core.TaskStatus{core.TaskFailed, core.TaskCancelled}, nil
	case ClearAll:
		return []core.TaskStatus{core.TaskPending, core.TaskCompleted, core.TaskFailed, core.TaskCancelled}, nil
	}
	return nil, fmt.Errorf("%w: unknown clear scope %q", core.ErrValidation, s)
}

// invalidateLocked drops every cached snapshot. The caller holds cacheMu.
func (q *Queue) invalidateLocked() {
	clear(q.cache)
}

func cacheKey(requester *core.Requester) string {
	if requester == nil {
		return "\x00internal"
	}
	if requester.IsAdmin {
		return "\x00admin:" + requester.UserID
	}
	return requester.UserID
}

// owned loads a task and checks that the requester may see it.
func (q *Queue) owned(ctx context.Context, id string, requester *core.Requester) (*core.Task, error) {
	task, err := q.repos.Tasks.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if !requester.Owns(task.OwnerID) {
		return nil, fmt.Errorf("%w: task %s belongs to another user", core.ErrPermissionDenied, id)
	}
	return task, nil
}

// Task returns a task with its remaining time estimate and queue position.
func (q *Queue) Task(ctx context.Context, id string, requester *core.Requester) (*TaskView, error) {
	task, err := q.owned(ctx, id, requester)
	if err != nil {
		return nil, err
	}
	view := q.view(task)
	if task.Status == core.TaskPending {
		pending, err := q.repos.Tasks.ListTasks(ctx, storage.TaskFilter{Statuses: []core.TaskStatus{core.TaskPending}})
		if err != nil {
			return nil, err
		}
		view.QueuePosition = queuePosition(task, pending)
	}
	return view, nil
}

func (q *Queue) view(task *core.Task) *TaskView {
	v := &TaskView{Task: *task}
	strategy := chunking.Strategy(task.ChunkingMethod)
	switch task.Status {
	case core.TaskProcessing:
		v.EstimatedRemaining = EstimateRemaining(task.Progress, task.StartedAt, q.now(), task.FileSize, strategy)
	case core.TaskPending:
		v.EstimatedRemaining = BaselineDuration(task.FileSize, strategy)
	}
	return v
}

// queuePosition counts the pending tasks that run before task. Tasks of the
// same owner created at the same instant or earlier go first, as do other
// owners' tasks created strictly earlier.
func queuePosition(task *core.Task, pending []*core.Task) int {
	ahead := 0
	for _, p := range pending {
		if p.ID == task.ID {
			continue
		}
		if p.OwnerID == task.OwnerID && !p.CreatedAt.After(task.CreatedAt) {
			ahead++
		} else if p.OwnerID != task.OwnerID && p.CreatedAt.Before(task.CreatedAt) {
			ahead++
		}
	}
	return ahead + 1
}

// Cancel marks a processing task cancelled. The worker stops at its next
// progress write; work already in flight is not interrupted.
func (q *Queue) Cancel(ctx context.Context, id string, requester *core.Requester) error {
	if _, err := q.owned(ctx, id, requester); err != nil {
		return err
	}
	_, err := q.writeTask(ctx, id, func(t *core.Task) error {
		if err := t.Transition(core.TaskCancelled, q.now()); err != nil {
			return fmt.Errorf("cancel task in status %s: %w", t.Status, err)
		}
		t.ErrorMessage = "cancelled by user"
		t.StatusMessage = "cancelled"
		return nil
	})
	if err != nil {
		return err
	}
	q.logger.Info("task cancelled", "task", id)
	return nil
}

// Delete removes a task that is not processing, along with its staged
// source. Documents and chunks it produced are kept.
func (q *Queue) Delete(ctx context.Context, id string, requester *core.Requester) error {
	task, err := q.owned(ctx, id, requester)
	if err != nil {
		return err
	}
	if task.Status == core.TaskProcessing {
		return fmt.Errorf("%w: task %s", core.ErrTaskProcessing, id)
	}
	if err := q.deleteTask(ctx, task); err != nil {
		return err
	}
	q.logger.Info("task deleted", "task", id)
	return nil
}

// deleteTask removes the record and then its staging file. The repository
// rechecks the status, so task may be a stale read.
func (q *Queue) deleteTask(ctx context.Context, task *core.Task) error {
	q.cacheMu.Lock()
	err := q.repos.Tasks.DeleteTask(ctx, task.ID)
	q.invalidateLocked()
	q.cacheMu.Unlock()
	if err != nil {
		return err
	}
	q.removeStaging(task)
	return nil
}

// ListTasks returns the requester's 50 most recent tasks. Admins see everyone's.
func (q *Queue) ListTasks(ctx context.Context, requester *core.Requester) ([]*TaskView, error) {
	filter := storage.TaskFilter{Limit: listLimit, Newest: true}
	if requester != nil && !requester.IsAdmin {
		filter.OwnerID = requester.UserID
	}
	tasks, err := q.repos.Tasks.ListTasks(ctx, filter)
	if err != nil {
		return nil, err
	}
	views := make([]*TaskView, len(tasks))
	for i, t := range tasks {
		views[i] = q.view(t)
	}
	return views, nil
}

// ClearTasks deletes the requester's tasks in scope and returns how many were
// removed. Processing tasks are never cleared.
func (q *Queue) ClearTasks(ctx context.Context, requester *core.Requester, scope ClearScope) (int, error) {
	statuses, err := scope.statuses()
	if err != nil {
		return 0, err
	}
	filter := storage.TaskFilter{Statuses: statuses}
	if requester != nil && !requester.IsAdmin {
		filter.OwnerID = requester.UserID
	}
	tasks, err := q.repos.Tasks.ListTasks(ctx, filter)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, t := range tasks {
		if err := q.deleteTask(ctx, t); err != nil {
			// DeleteTask refuses a task the worker claimed after it was listed.
			q.logger.Warn("could not clear task", "task", t.ID, "err", err)
			continue
		}
		removed++
	}
	q.logger.Info("cleared tasks", "scope", scope, "removed", removed)
	return removed, nil
}

// Status returns the queue snapshot for requester. Snapshots are cached for
// the status TTL; any task write invalidates them.
func (q *Queue) Status(ctx context.Context, requester *core.Requester) (*QueueSnapshot, error) {
	key := cacheKey(requester)
	now := q.now()

	q.cacheMu.Lock()
	defer q.cacheMu.Unlock()
	if c, ok := q.cache[key]; ok && now.Sub(c.at) < q.statusTTL {
		return c.snap, nil
	}
	snap, err := q.snapshot(ctx, requester, now)
	if err != nil {
		return nil, err
	}
	q.cache[key] = cachedSnapshot{snap: snap, at: now}
	return snap, nil
}

func (q *Queue) snapshot(ctx context.Context, requester *core.Requester, now time.Time) (*QueueSnapshot, error) {
	counts, err := q.repos.Tasks.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	snap := &QueueSnapshot{
		Pending:    counts[core.TaskPending],
		Processing: counts[core.TaskProcessing],
		Completed:  counts[core.TaskCompleted],
		Failed:     counts[core.TaskFailed],
		Cancelled:  counts[core.TaskCancelled],
		At:         now,
	}

	processing, err := q.repos.Tasks.ListTasks(ctx, storage.TaskFilter{Statuses: []core.TaskStatus{core.TaskProcessing}, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(processing) > 0 {
		snap.Current = q.view(processing[0])
		snap.Estimate.CurrentRemaining = snap.Current.EstimatedRemaining
	}

	pending, err := q.repos.Tasks.ListTasks(ctx, storage.TaskFilter{Statuses: []core.TaskStatus{core.TaskPending}})
	if err != nil {
		return nil, err
	}
	snap.Window = pendingViews(q, pending, requester)

	avg, err := q.averageProcessing(ctx, now)
	if err != nil {
		return nil, err
	}
	snap.Estimate.AverageProcessing = avg
	snap.Estimate.TotalWait = snap.Estimate.CurrentRemaining + time.Duration(len(pending))*avg
	return snap, nil
}

// pendingViews orders pending tasks with the requester's own first, then by
// creation time, and returns the first pendingWindow of them.
func pendingViews(q *Queue, pending []*core.Task, requester *core.Requester) []*TaskView {
	ordered := make([]*core.Task, len(pending))
	copy(ordered, pending)
	mine := func(t *core.Task) bool {
		return requester != nil && t.OwnerID == requester.UserID
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if mine(a) != mine(b) {
			return mine(a)
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	if len(ordered) > pendingWindow {
		ordered = ordered[:pendingWindow]
	}
	views := make([]*TaskView, len(ordered))
	for i, t := range ordered {
		views[i] = q.view(t)
		views[i].QueuePosition = queuePosition(t, pending)
	}
	return views
}

// averageProcessing is the mean run time of tasks completed in the last week.
func (q *Queue) averageProcessing(ctx context.Context, now time.Time) (time.Duration, error) {
	done, err := q.repos.Tasks.ListTasks(ctx, storage.TaskFilter{
		Statuses: []core.TaskStatus{core.TaskCompleted},
		Since:    now.Add(-averageWindow),
	})
	if err != nil {
		return 0, err
	}
	var total time.Duration
	n := 0
	for _, t := range done {
		if t.StartedAt.IsZero() || t.CompletedAt.Before(t.StartedAt) {
			continue
		}
		total += t.CompletedAt.Sub(t.StartedAt)
		n++
	}
	if n == 0 {
		return DefaultAverageProcessing, nil
	}
	return total / time.Duration(n), nil
}
