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
	"strings"
	"unicode/utf8"

	"github.com/poiesic/kbingest/core"
)

// persistBatch is the number of chunk records written per transaction.
const persistBatch = 10

// stage is a per-chunk pipeline phase. Stages work through the run's chunk
// texts in batches; progress moves linearly across the stage's band.
type stage interface {
	// band returns the progress band the stage reports into.
	band() band

	// batch returns how many chunks process handles per call.
	batch() int

	// process handles chunks [lo, hi) of the run.
	process(ctx context.Context, r *run, lo, hi int) error
}

func (r *run) runStage(ctx context.Context, s stage) error {
	b := s.band()
	if err := r.advance(ctx, b.lo, b.message); err != nil {
		return err
	}
	n := len(r.texts)
	size := max(s.batch(), 1)
	for lo := 0; lo < n; lo += size {
		hi := min(lo+size, n)
		if err := s.process(ctx, r, lo, hi); err != nil {
			if errors.Is(err, errCancelled) {
				return err
			}
			return fail(b, err)
		}
		p := b.lo + (b.hi-b.lo)*hi/n
		if p == r.progress && hi < n {
			continue
		}
		if err := r.advance(ctx, p, fmt.Sprintf("%s (%d/%d)", b.message, hi, n)); err != nil {
			return err
		}
	}
	return nil
}

// filterStage runs the optional text filter over each chunk. A filter failure
// leaves that chunk unchanged.
type filterStage struct {
	filter   TextFilter
	stops    int
	replaced int
}

func (r *run) filterStage() stage {
	if r.q.filter == nil {
		return &skipStage{b: band{bandFilter.phase, bandFilter.lo, bandFilter.hi, "text filter disabled"}}
	}
	return &filterStage{filter: r.q.filter}
}

func (s *filterStage) band() band { return bandFilter }
func (s *filterStage) batch() int { return 1 }

func (s *filterStage) process(ctx context.Context, r *run, lo, hi int) error {
	for i := lo; i < hi; i++ {
		out, report, err := s.filter.Filter(ctx, r.texts[i])
		if err != nil {
			r.logger.Warn("text filter failed, keeping chunk as is", "chunk", i, "err", err)
			continue
		}
		if strings.TrimSpace(out) == "" {
			continue
		}
		r.texts[i] = out
		s.stops += report.StopWordsRemoved
		s.replaced += report.SensitiveReplaced
	}
	if hi == len(r.texts) && s.stops+s.replaced > 0 {
		r.logger.Info("filtered chunks", "stop_words_removed", s.stops, "sensitive_replaced", s.replaced)
	}
	return nil
}

// skipStage reports its band without doing any work.
type skipStage struct {
	b band
}

func (s *skipStage) band() band { return s.b }
func (s *skipStage) batch() int { return 1 << 30 }

func (s *skipStage) process(context.Context, *run, int, int) error { return nil }

// persistStage stores chunk records. Chunks carry no vector until the
// embedding and indexing stages finish.
type persistStage struct{}

func (s *persistStage) band() band { return bandPersist }
func (s *persistStage) batch() int { return persistBatch }

func (s *persistStage) process(ctx context.Context, r *run, lo, hi int) error {
	if r.docID == 0 {
		id, err := r.q.repos.Documents.NextDocumentID(ctx)
		if err != nil {
			return err
		}
		r.docID = id
	}
	batch := make([]*core.Chunk, 0, hi-lo)
	for i := lo; i < hi; i++ {
		batch = append(batch, &core.Chunk{
			TenantID:    r.tenant.ID,
			DocumentID:  r.docID,
			Index:       i,
			Content:     r.texts[i],
			Size:        utf8.RuneCountInString(r.texts[i]),
			VectorID:    core.NoVector,
			ContentHash: core.IDFromContent(r.texts[i]),
		})
	}
	stored, err := r.q.repos.Chunks.AddChunks(ctx, batch...)
	if err != nil {
		return err
	}
	r.chunks = append(r.chunks, stored...)
	return nil
}
