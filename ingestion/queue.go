package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/poiesic/kbingest/ai"
	"github.com/poiesic/kbingest/chunking"
	"github.com/poiesic/kbingest/core"
	"github.com/poiesic/kbingest/storage"
	"github.com/poiesic/kbingest/textfilter"
	"github.com/poiesic/kbingest/vectorindex"
	"gopkg.in/yaml.v3"
)

const (
	DefaultCapacity     = 128
	DefaultPollInterval = 2 * time.Second
	DefaultStatusTTL    = 5 * time.Second
	DefaultEmbedBatch   = 8
)

// Extractor turns a source (file path or URL) into text.
type Extractor interface {
	Extract(ctx context.Context, source string) (string, error)
}

// TextFilter cleans chunk text before it is stored and embedded.
type TextFilter interface {
	Filter(ctx context.Context, text string) (string, textfilter.Report, error)
}

// VectorIndex is the part of the vector store the pipeline writes to.
type VectorIndex interface {
	CreateIndex(ctx context.Context, tenant core.TenantID, requester *core.Requester, dimension int, kind vectorindex.Kind) error
	AddVectors(ctx context.Context, tenant core.TenantID, requester *core.Requester, chunkIDs []core.ID, vectors [][]float32) ([]int64, error)
}

// Repositories groups the stores the queue reads and writes.
type Repositories struct {
	Tasks     storage.TaskRepository
	Tenants   storage.TenantRepository
	Documents storage.DocumentRepository
	Chunks    storage.ChunkRepository
}

// Queue accepts ingestion tasks and processes them one at a time.
type Queue struct {
	repos     Repositories
	index     VectorIndex
	extractor Extractor
	embedder  ai.Embedder
	filter    TextFilter
	engine    *chunking.Engine

	stagingDir   string
	capacity     int
	pollInterval time.Duration
	statusTTL    time.Duration
	embedBatch   int
	now          func() time.Time
	logger       *slog.Logger

	work chan string

	// gate admits one pipeline run at a time.
	gate    sync.Mutex
	current atomic.Pointer[string]

	tenants tenantLocks

	// cacheMu guards the status cache and is held across every task write so
	// invalidation is atomic with the write.
	cacheMu sync.Mutex
	cache   map[string]cachedSnapshot

	startOnce sync.Once
	stopOnce  sync.Once
	started   atomic.Bool
	stop      chan struct{}
	done      chan struct{}
}

// Option configures a Queue.
type Option func(*Queue) error

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) error {
		if logger == nil {
			logger = slog.Default()
		}
		q.logger = logger
		return nil
	}
}

// WithCapacity sets the size of the work channel. A full channel never blocks
// Submit; the worker's idle poll picks up whatever did not fit.
func WithCapacity(n int) Option {
	return func(q *Queue) error {
		if n < 1 {
			return fmt.Errorf("queue capacity must be positive, got %d", n)
		}
		q.capacity = n
		return nil
	}
}

// WithPollInterval sets how often an idle worker looks for pending tasks.
func WithPollInterval(d time.Duration) Option {
	return func(q *Queue) error {
		if d <= 0 {
			return fmt.Errorf("poll interval must be positive, got %s", d)
		}
		q.pollInterval = d
		return nil
	}
}

// WithStatusTTL sets how long a queue snapshot may be served from cache.
func WithStatusTTL(d time.Duration) Option {
	return func(q *Queue) error {
		q.statusTTL = d
		return nil
	}
}

// WithStagingDir copies local sources into dir at submission. The copy is
// what the worker reads and what Delete removes.
func WithStagingDir(dir string) Option {
	return func(q *Queue) error {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
		q.stagingDir = dir
		return nil
	}
}

// WithTextFilter enables the filtering phase.
func WithTextFilter(filter TextFilter) Option {
	return func(q *Queue) error {
		q.filter = filter
		return nil
	}
}

// WithChunkingEngine replaces the default chunking engine.
func WithChunkingEngine(engine *chunking.Engine) Option {
	return func(q *Queue) error {
		q.engine = engine
		return nil
	}
}

// WithEmbedBatchSize sets how many chunks go into one embedding request.
func WithEmbedBatchSize(n int) Option {
	return func(q *Queue) error {
		if n < 1 {
			n = 1
		}
		q.embedBatch = n
		return nil
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) error {
		q.now = now
		return nil
	}
}

// NewQueue creates a queue. Call Start to begin processing.
func NewQueue(repos Repositories, index VectorIndex, extractor Extractor, embedder ai.Embedder, opts ...Option) (*Queue, error) {
	switch {
	case repos.Tasks == nil:
		return nil, ErrTaskRepositoryRequired
	case repos.Tenants == nil:
		return nil, ErrTenantRepositoryRequired
	case repos.Documents == nil:
		return nil, ErrDocumentRepositoryRequired
	case repos.Chunks == nil:
		return nil, ErrChunkRepositoryRequired
	case index == nil:
		return nil, ErrIndexRequired
	case extractor == nil:
		return nil, ErrExtractorRequired
	case embedder == nil:
		return nil, ErrEmbedderRequired
	}

	q := &Queue{
		repos:        repos,
		index:        index,
		extractor:    extractor,
		embedder:     embedder,
		capacity:     DefaultCapacity,
		pollInterval: DefaultPollInterval,
		statusTTL:    DefaultStatusTTL,
		embedBatch:   DefaultEmbedBatch,
		now:          func() time.Time { return time.Now().UTC() },
		logger:       slog.Default(),
		cache:        make(map[string]cachedSnapshot),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		if err := opt(q); err != nil {
			return nil, err
		}
	}
	q.logger = q.logger.With("component", "ingestion")
	if q.engine == nil {
		q.engine = chunking.NewEngine(chunking.WithLogger(q.logger), chunking.WithEmbedder(embedder))
	}
	q.work = make(chan string, q.capacity)
	return q, nil
}

// SubmitRequest describes a document to ingest.
type SubmitRequest struct {
	Tenant    core.TenantID
	Requester *core.Requester
	// Source is a local file path or an http(s) URL.
	Source string
	// Name is shown in task listings. Defaults to the source's base name.
	Name     string
	Chunking chunking.Config
}

// Submit stores a pending task and returns its id without waiting for processing.
func (q *Queue) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	if req.Requester == nil || req.Requester.UserID == "" {
		return "", fmt.Errorf("%w: requester is required", core.ErrValidation)
	}
	if err := core.ValidateTenantID(req.Tenant); err != nil {
		return "", err
	}
	if strings.TrimSpace(req.Source) == "" {
		return "", fmt.Errorf("%w: source is empty", core.ErrValidation)
	}
	cfg := req.Chunking
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", core.ErrValidation, err)
	}

	tenant, err := q.repos.Tenants.GetTenant(ctx, req.Tenant)
	if err != nil {
		return "", err
	}
	if err := core.CheckOwnership(req.Requester, tenant); err != nil {
		return "", err
	}

	encoded, err := yaml.Marshal(cfg)
	if err != nil {
		return "", err
	}
	name := req.Name
	if name == "" {
		name = filepath.Base(req.Source)
	}
	task := &core.Task{
		ID:             uuid.NewString(),
		TenantID:       req.Tenant,
		OwnerID:        req.Requester.UserID,
		DocumentName:   name,
		Source:         req.Source,
		ChunkingMethod: string(cfg.Strategy),
		ChunkingConfig: encoded,
		Status:         core.TaskPending,
		StatusMessage:  "waiting in queue",
		CreatedAt:      q.now(),
	}
	if !isURL(req.Source) {
		if err := q.stage(task); err != nil {
			return "", err
		}
	}
	if err := core.ValidateTask(task); err != nil {
		return "", err
	}

	q.cacheMu.Lock()
	err = q.repos.Tasks.CreateTask(ctx, task)
	q.invalidateLocked()
	q.cacheMu.Unlock()
	if err != nil {
		q.removeStaging(task)
		return "", err
	}

	q.logger.Info("task submitted", "task", task.ID, "tenant", task.TenantID, "source", task.Source, "strategy", task.ChunkingMethod)
	q.enqueue(task.ID)
	return task.ID, nil
}

func isURL(source string) bool {
	return strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://")
}

// stage records the source size and, with a staging directory, copies the
// file there under a content-derived name.
func (q *Queue) stage(task *core.Task) error {
	info, err := os.Stat(task.Source)
	if err != nil {
		return fmt.Errorf("%w: source %q: %v", core.ErrValidation, task.Source, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%w: source %q is a directory", core.ErrValidation, task.Source)
	}
	task.FileSize = info.Size()
	if q.stagingDir == "" {
		return nil
	}

	data, err := os.ReadFile(task.Source)
	if err != nil {
		return fmt.Errorf("%w: source %q: %v", core.ErrValidation, task.Source, err)
	}
	name := fmt.Sprintf("%s-%016x%s", task.ID, uint64(core.IDFromContent(string(data))), filepath.Ext(task.Source))
	path := filepath.Join(q.stagingDir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return err
	}
	task.StagingPath = path
	return nil
}

func (q *Queue) removeStaging(task *core.Task) {
	if task.StagingPath == "" {
		return
	}
	if err := os.Remove(task.StagingPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		q.logger.Warn("could not remove staging file", "task", task.ID, "path", task.StagingPath, "err", err)
	}
}

func (q *Queue) enqueue(id string) {
	select {
	case q.work <- id:
	default:
		q.logger.Debug("work channel full, task left for polling", "task", id)
	}
}

// Start recovers tasks left by a previous process and launches the worker.
// Tasks that were processing when that process stopped are marked failed;
// pending tasks are queued again in creation order.
func (q *Queue) Start(ctx context.Context) error {
	var err error
	q.startOnce.Do(func() {
		if err = q.recoverTasks(ctx); err != nil {
			return
		}
		q.started.Store(true)
		go q.loop(ctx)
	})
	return err
}

func (q *Queue) recoverTasks(ctx context.Context) error {
	stale, err := q.repos.Tasks.ListTasks(ctx, storage.TaskFilter{Statuses: []core.TaskStatus{core.TaskProcessing}})
	if err != nil {
		return err
	}
	for _, task := range stale {
		_, err := q.writeTask(ctx, task.ID, func(t *core.Task) error {
			if err := t.Transition(core.TaskFailed, q.now()); err != nil {
				return err
			}
			t.ErrorMessage = "interrupted by restart"
			return nil
		})
		if err != nil {
			q.logger.Warn("could not fail interrupted task", "task", task.ID, "err", err)
		}
	}

	pending, err := q.repos.Tasks.ListTasks(ctx, storage.TaskFilter{Statuses: []core.TaskStatus{core.TaskPending}})
	if err != nil {
		return err
	}
	for _, task := range pending {
		q.enqueue(task.ID)
	}
	if len(stale)+len(pending) > 0 {
		q.logger.Info("recovered tasks", "failed", len(stale), "requeued", len(pending))
	}
	return nil
}

// Stop ends the worker after its current task and waits for it to exit.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() {
		close(q.stop)
	})
	if q.started.Load() {
		<-q.done
	}
}

func (q *Queue) loop(ctx context.Context) {
	defer close(q.done)
	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.stop:
			return
		case id := <-q.work:
			q.process(ctx, id)
		case <-ticker.C:
			q.poll(ctx)
		}
	}
}

// poll processes the oldest pending task, if any.
func (q *Queue) poll(ctx context.Context) {
	pending, err := q.repos.Tasks.ListTasks(ctx, storage.TaskFilter{Statuses: []core.TaskStatus{core.TaskPending}, Limit: 1})
	if err != nil {
		q.logger.Error("polling for pending tasks", "err", err)
		return
	}
	if len(pending) > 0 {
		q.process(ctx, pending[0].ID)
	}
}

// writeTask applies fn to the stored task and invalidates the status cache
// under the same lock.
func (q *Queue) writeTask(ctx context.Context, id string, fn func(*core.Task) error) (*core.Task, error) {
	q.cacheMu.Lock()
	defer q.cacheMu.Unlock()
	task, err := q.repos.Tasks.UpdateTask(ctx, id, fn)
	q.invalidateLocked()
	return task, err
}

// process runs one task through the pipeline. Tasks that are no longer
// pending are skipped, so duplicate deliveries are harmless.
func (q *Queue) process(ctx context.Context, id string) {
	q.gate.Lock()
	defer q.gate.Unlock()

	task, err := q.writeTask(ctx, id, func(t *core.Task) error {
		if err := t.Transition(core.TaskProcessing, q.now()); err != nil {
			return err
		}
		t.StatusMessage = "starting"
		return nil
	})
	if err != nil {
		if errors.Is(err, core.ErrTaskNotFound) || errors.Is(err, core.ErrInvalidTransition) || errors.Is(err, core.ErrTaskFinalized) {
			q.logger.Debug("skipping task", "task", id, "reason", err)
			return
		}
		q.logger.Error("could not start task", "task", id, "err", err)
		return
	}

	q.current.Store(&id)
	defer q.current.Store(nil)

	logger := q.logger.With("task", id, "tenant", task.TenantID)
	logger.Info("processing task", "source", task.Source, "strategy", task.ChunkingMethod)
	started := time.Now()

	count, err := q.execute(ctx, task, logger)
	q.finish(ctx, id, count, err, logger)
	logger.Info("task finished", "chunks", count, "elapsed", time.Since(started), "err", err)
}

func (q *Queue) execute(ctx context.Context, task *core.Task, logger *slog.Logger) (count int, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("pipeline panicked", "panic", r)
			err = &core.TaskError{Phase: "pipeline", Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	return newRun(q, task, logger).execute(ctx)
}

func (q *Queue) finish(ctx context.Context, id string, count int, runErr error, logger *slog.Logger) {
	if errors.Is(runErr, errCancelled) {
		logger.Info("run abandoned after cancellation")
		return
	}

	_, err := q.writeTask(ctx, id, func(t *core.Task) error {
		if runErr != nil {
			if err := t.Transition(core.TaskFailed, q.now()); err != nil {
				return err
			}
			t.ErrorMessage = runErr.Error()
			t.StatusMessage = "failed"
			return nil
		}
		if err := t.Transition(core.TaskCompleted, q.now()); err != nil {
			return err
		}
		t.ChunkCount = count
		t.StatusMessage = fmt.Sprintf("completed with %d chunks", count)
		return nil
	})
	switch {
	case errors.Is(err, core.ErrTaskFinalized):
		logger.Info("task was cancelled before it could finish")
	case err != nil:
		logger.Error("could not record task outcome", "err", err)
	case runErr != nil:
		logger.Warn("task failed", "err", runErr)
	}
}

// Current returns the id of the task being processed, or "".
func (q *Queue) Current() string {
	if id := q.current.Load(); id != nil {
		return *id
	}
	return ""
}
