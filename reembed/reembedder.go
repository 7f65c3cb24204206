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

package reembed

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/poiesic/kbingest/ai"
	"github.com/poiesic/kbingest/core"
	"github.com/poiesic/kbingest/storage"
)

// Config holds configuration for the reembedding operation.
type Config struct {
	// BatchSize is the number of chunks in each embedding request
	BatchSize int

	// ReportInterval is how often to report progress (number of chunks)
	ReportInterval int

	// Workers is how many batches are embedded concurrently
	Workers int

	// MaxRetries is the maximum number of attempts per batch
	MaxRetries int

	// RetryDelay is the base delay for exponential backoff
	RetryDelay time.Duration

	// MaxRetryDelay caps the backoff delay; zero means no cap
	MaxRetryDelay time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		BatchSize:      DefaultBatchSize,
		ReportInterval: 100,
		Workers:        max(runtime.NumCPU()/2, 1),
		MaxRetries:     3,
		RetryDelay:     time.Second,
		MaxRetryDelay:  30 * time.Second,
	}
}

// Index rebuilds a tenant's vector index.
type Index interface {
	RebuildIndex(ctx context.Context, tenant core.TenantID, requester *core.Requester, chunkIDs []core.ID, vectors [][]float32) ([]int64, error)
}

// Reembedder regenerates every vector of a tenant.
type Reembedder struct {
	chunks    storage.ChunkRepository
	index     Index
	config    *Config
	progress  io.Writer
	processor *BatchProcessor
	logger    *slog.Logger
}

// NewReembedder creates a new reembedder.
// progress: where to write progress output (typically os.Stderr)
func NewReembedder(chunks storage.ChunkRepository, index Index, embedder ai.Embedder, config *Config, progress io.Writer) (*Reembedder, error) {
	if chunks == nil {
		return nil, ErrRepositoryRequired
	}
	if index == nil {
		return nil, ErrIndexRequired
	}
	if embedder == nil {
		return nil, ErrEmbedderRequired
	}
	if config == nil {
		config = DefaultConfig()
	}
	if progress == nil {
		progress = io.Discard
	}

	backoff := Backoff{Attempts: config.MaxRetries, BaseDelay: config.RetryDelay, MaxDelay: config.MaxRetryDelay}
	return &Reembedder{
		chunks:    chunks,
		index:     index,
		config:    config,
		progress:  progress,
		processor: NewBatchProcessor(embedder, backoff),
		logger:    slog.Default().With("component", "reembed"),
	}, nil
}

// Run re-embeds every indexed chunk of tenant, rebuilds the tenant's index
// from the new vectors and points the chunks at their new vector ids. The
// index is left untouched when any batch fails.
func (r *Reembedder) Run(ctx context.Context, tenant core.TenantID) error {
	if err := core.ValidateTenantID(tenant); err != nil {
		return err
	}
	batches, total, err := NewChunkIterator(r.chunks, tenant, r.config.BatchSize).Batches(ctx)
	if err != nil {
		return fmt.Errorf("failed to list chunks: %w", err)
	}
	if total == 0 {
		fmt.Fprintf(r.progress, "No indexed chunks in %s (0 chunks)\n", tenant)
		return nil
	}

	fmt.Fprintf(r.progress, "Re-embedding %d chunks of %s (batch size: %d)\n", total, tenant, r.config.BatchSize)
	tracker := NewProgressTracker(r.progress, "Progress", total, r.config.ReportInterval)
	tracker.Start()

	vectors, err := r.embedAll(ctx, batches, tracker)
	if err != nil {
		return err
	}

	ids := make([]core.ID, 0, total)
	flat := make([][]float32, 0, total)
	for i, batch := range batches {
		for j, c := range batch {
			ids = append(ids, c.ID)
			flat = append(flat, vectors[i][j])
		}
	}
	vectorIDs, err := r.index.RebuildIndex(ctx, tenant, nil, ids, flat)
	if err != nil {
		return fmt.Errorf("failed to rebuild index: %w", err)
	}
	assignments := make(map[core.ID]int64, len(ids))
	for i, id := range ids {
		assignments[id] = vectorIDs[i]
	}
	if err := r.chunks.SetVectorIDs(ctx, assignments); err != nil {
		return fmt.Errorf("failed to update chunk vector ids: %w", err)
	}

	tracker.Finish()
	elapsed := tracker.Elapsed()
	fmt.Fprintf(r.progress, "Re-embedding complete. Processed %d chunks in %v (%.1f chunks/sec)\n",
		total, elapsed.Round(time.Millisecond), float64(total)/max(elapsed.Seconds(), 1e-9))
	r.logger.Info("reembedded tenant", "tenant", tenant, "chunks", total, "elapsed", elapsed)
	return nil
}

// embedAll embeds the batches on a worker pool. The first failure cancels
// the remaining batches and is returned.
func (r *Reembedder) embedAll(ctx context.Context, batches [][]*core.Chunk, tracker *ProgressTracker) ([][][]float32, error) {
	pool, err := ants.NewPool(max(r.config.Workers, 1))
	if err != nil {
		return nil, err
	}
	defer pool.Release()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		firstErr error
	)
	results := make([][][]float32, len(batches))
	for i, batch := range batches {
		wg.Add(1)
		submitErr := pool.Submit(func() {
			defer wg.Done()
			vectors, err := r.processor.Process(ctx, batch)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("failed to process batch %d: %w", i, err)
					cancel()
				}
				return
			}
			results[i] = vectors
			tracker.Add(len(batch))
		})
		if submitErr != nil {
			wg.Done()
			mu.Lock()
			if firstErr == nil {
				firstErr = submitErr
			}
			mu.Unlock()
			cancel()
			break
		}
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	return results, nil
}
