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

	"github.com/poiesic/kbingest/core"
	"github.com/poiesic/kbingest/storage"
)

const (
	// DefaultBatchSize is the default number of chunks embedded per request.
	DefaultBatchSize = 100
)

// ChunkIterator splits a tenant's indexed chunks into batches.
type ChunkIterator struct {
	repo      storage.ChunkRepository
	tenant    core.TenantID
	batchSize int
}

// NewChunkIterator creates an iterator over tenant's chunks.
// batchSize <= 0 selects DefaultBatchSize.
func NewChunkIterator(repo storage.ChunkRepository, tenant core.TenantID, batchSize int) *ChunkIterator {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &ChunkIterator{
		repo:      repo,
		tenant:    tenant,
		batchSize: batchSize,
	}
}

// Batches returns the tenant's chunks that carry a vector, in chunk id
// order, cut into batches. Chunks without a vector never reached the index
// and are left out. The second result is the number of chunks.
func (it *ChunkIterator) Batches(ctx context.Context) ([][]*core.Chunk, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	all, err := it.repo.ListChunksByTenant(ctx, it.tenant, 0, 0)
	if err != nil {
		return nil, 0, err
	}

	indexed := all[:0]
	for _, c := range all {
		if c.HasVector() {
			indexed = append(indexed, c)
		}
	}

	var batches [][]*core.Chunk
	for lo := 0; lo < len(indexed); lo += it.batchSize {
		batches = append(batches, indexed[lo:min(lo+it.batchSize, len(indexed))])
	}
	return batches, len(indexed), nil
}
