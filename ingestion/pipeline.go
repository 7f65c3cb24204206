// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/poiesic/kbingest/chunking"
	"github.com/poiesic/kbingest/core"
	"github.com/poiesic/kbingest/vectorindex"
	"gopkg.in/yaml.v3"
)

// band is the slice of the 0-100 progress scale owned by one phase.
type band struct {
	phase   string
	lo, hi  int
	message string
}

var (
	bandInitialize   = band{"initialize", 0, 10, "initializing"}
	bandExtract      = band{"extract", 10, 25, "extracting text"}
	bandChunk        = band{"chunk", 25, 40, "splitting text into chunks"}
	bandLoadEmbedder = band{"load_embedder", 40, 55, "loading embedding backend"}
	bandCreateIndex  = band{"create_index", 55, 60, "preparing vector index"}
	bandFilter       = band{"filter", 60, 75, "filtering chunk text"}
	bandPersist      = band{"persist_chunks", 75, 85, "saving chunks"}
	bandEmbed        = band{"embed", 85, 96, "embedding chunks"}
	bandVectors      = band{"persist_vectors", 96, 100, "saving vectors"}
)

// run carries one task through the pipeline.
type run struct {
	q        *Queue
	task     *core.Task
	logger   *slog.Logger
	progress int

	tenant  *core.Tenant
	cfg     chunking.Config
	docID   core.ID
	text    string
	texts   []string
	chunks  []*core.Chunk
	vectors [][]float32
}

func newRun(q *Queue, task *core.Task, logger *slog.Logger) *run {
	return &run{q: q, task: task, logger: logger}
}

// advance records progress and re-reads the task. A task that is no longer
// processing ends the run with errCancelled.
func (r *run) advance(ctx context.Context, p int, message string) error {
	_, err := r.q.writeTask(ctx, r.task.ID, func(t *core.Task) error {
		if t.Status != core.TaskProcessing {
			return errCancelled
		}
		t.Advance(p, message)
		return nil
	})
	if errors.Is(err, core.ErrTaskNotFound) {
		return errCancelled
	}
	if err != nil {
		return err
	}
	if p > r.progress {
		r.progress = p
	}
	return nil
}

func fail(b band, err error) error {
	return &core.TaskError{Phase: b.phase, Err: err}
}

// execute runs every phase and returns the number of chunks indexed.
func (r *run) execute(ctx context.Context) (int, error) {
	steps := []func(context.Context) error{
		r.initialize,
		r.extract,
		r.split,
		r.loadEmbedder,
		r.createIndex,
		func(ctx context.Context) error { return r.runStage(ctx, r.filterStage()) },
		func(ctx context.Context) error { return r.runStage(ctx, &persistStage{}) },
		func(ctx context.Context) error { return r.runStage(ctx, newEmbeddingStage(r.q.embedder, r.q.embedBatch)) },
		r.persistVectors,
	}
	for _, step := range steps {
		if err := step(ctx); err != nil {
			return 0, err
		}
	}
	return len(r.chunks), nil
}

func (r *run) initialize(ctx context.Context) error {
	if err := r.advance(ctx, bandInitialize.lo, bandInitialize.message); err != nil {
		return err
	}
	cfg := chunking.DefaultConfig()
	if len(r.task.ChunkingConfig) > 0 {
		if err := yaml.Unmarshal(r.task.ChunkingConfig, &cfg); err != nil {
			return fail(bandInitialize, fmt.Errorf("%w: chunking config: %v", core.ErrValidation, err))
		}
	}
	cfg.Normalize()
	r.cfg = cfg

	tenant, err := r.q.repos.Tenants.GetTenant(ctx, r.task.TenantID)
	if err != nil {
		return fail(bandInitialize, err)
	}
	r.tenant = tenant
	return r.advance(ctx, bandInitialize.hi, "initialized")
}

func (r *run) extract(ctx context.Context) error {
	if err := r.advance(ctx, bandExtract.lo, bandExtract.message); err != nil {
		return err
	}
	source := r.task.Source
	if r.task.StagingPath != "" {
		source = r.task.StagingPath
	}
	text, err := r.q.extractor.Extract(ctx, source)
	if err != nil {
		if !errors.Is(err, core.ErrExtraction) {
			err = fmt.Errorf("%w: %v", core.ErrExtraction, err)
		}
		return fail(bandExtract, err)
	}
	if strings.TrimSpace(text) == "" {
		return fail(bandExtract, fmt.Errorf("%w: %s has no text", core.ErrExtraction, r.task.Source))
	}
	r.text = text
	chars := utf8.RuneCountInString(text)
	r.logger.Debug("extracted text", "chars", chars)
	return r.advance(ctx, bandExtract.hi, fmt.Sprintf("extracted %d characters", chars))
}

func (r *run) split(ctx context.Context) error {
	if err := r.advance(ctx, bandChunk.lo, bandChunk.message); err != nil {
		return err
	}
	pieces, err := r.q.engine.Split(ctx, r.text, r.cfg)
	if err != nil {
		return fail(bandChunk, err)
	}
	for _, p := range pieces {
		if strings.TrimSpace(p) != "" {
			r.texts = append(r.texts, p)
		}
	}
	if len(r.texts) == 0 {
		return fail(bandChunk, ErrNoChunks)
	}
	r.logger.Debug("split document", "strategy", r.cfg.Strategy, "chunks", len(r.texts))
	return r.advance(ctx, bandChunk.hi, fmt.Sprintf("split into %d chunks", len(r.texts)))
}

func (r *run) loadEmbedder(ctx context.Context) error {
	if err := r.advance(ctx, bandLoadEmbedder.lo, bandLoadEmbedder.message); err != nil {
		return err
	}
	if d, ok := r.q.embedder.(interface{ Dimension() int }); ok && d.Dimension() != r.tenant.Dimension {
		r.logger.Warn("embedder dimension differs from knowledge base, vectors will be coerced",
			"embedder", d.Dimension(), "tenant_dimension", r.tenant.Dimension)
	}
	return r.advance(ctx, bandLoadEmbedder.hi, "embedding backend ready")
}

func (r *run) createIndex(ctx context.Context) error {
	if err := r.advance(ctx, bandCreateIndex.lo, bandCreateIndex.message); err != nil {
		return err
	}
	// Ownership was checked at submission, so the index is opened as an internal caller.
	kind := vectorindex.Kind(r.tenant.IndexKind)
	if err := r.q.index.CreateIndex(ctx, r.tenant.ID, nil, r.tenant.Dimension, kind); err != nil {
		return fail(bandCreateIndex, err)
	}
	return r.advance(ctx, bandCreateIndex.hi, "vector index ready")
}

func (r *run) persistVectors(ctx context.Context) error {
	if err := r.advance(ctx, bandVectors.lo, bandVectors.message); err != nil {
		return err
	}
	unlock := r.q.LockTenant(r.tenant.ID)
	defer unlock()
	// The knowledge base may have been deleted while this run was embedding.
	if _, err := r.q.repos.Tenants.GetTenant(ctx, r.tenant.ID); err != nil {
		return fail(bandVectors, err)
	}

	chunkIDs := make([]core.ID, len(r.chunks))
	for i, c := range r.chunks {
		chunkIDs[i] = c.ID
	}
	vectorIDs, err := r.q.index.AddVectors(ctx, r.tenant.ID, nil, chunkIDs, r.vectors)
	if err != nil {
		return fail(bandVectors, err)
	}
	assignments := make(map[core.ID]int64, len(vectorIDs))
	for i, id := range vectorIDs {
		assignments[chunkIDs[i]] = id
		r.chunks[i].VectorID = id
	}
	if err := r.q.repos.Chunks.SetVectorIDs(ctx, assignments); err != nil {
		return fail(bandVectors, err)
	}

	doc := &core.Document{
		ID:             r.docID,
		TenantID:       r.tenant.ID,
		TaskID:         r.task.ID,
		Name:           r.task.DocumentName,
		Source:         r.task.Source,
		FileSize:       r.task.FileSize,
		ChunkingMethod: string(r.cfg.Strategy),
		ChunkCount:     len(r.chunks),
		CreatedAt:      r.q.now(),
	}
	if err := r.q.repos.Documents.CommitDocument(ctx, doc); err != nil {
		return fail(bandVectors, err)
	}
	r.logger.Info("document committed", "document", doc.ID, "chunks", doc.ChunkCount)
	return r.advance(ctx, bandVectors.hi-1, "vectors saved")
}
