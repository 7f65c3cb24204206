package dedup

import (
	"context"

	"github.com/poiesic/kbingest/core"
)

// Member is one chunk of a duplicate group. Similarity is measured against
// the group's first chunk, which scores 1.
type Member struct {
	Chunk      *core.Chunk
	Similarity float64
	Type       DuplicateType
}

// Group is a set of at least two mutually similar chunks.
type Group struct {
	Members []Member
}

// FindDuplicateGroups clusters chunks whose cosine similarity to a group's
// first chunk reaches threshold. Each chunk joins at most one group, groups
// of one are dropped, and the scan stops once maxGroups groups are found
// (maxGroups <= 0 means no limit). Chunks with equal content hashes score 1
// without comparing vectors. Chunks that could not be embedded are skipped.
func (d *Detector) FindDuplicateGroups(ctx context.Context, chunks []*core.Chunk, threshold float64, maxGroups int) ([]Group, error) {
	if len(chunks) < 2 {
		return nil, nil
	}
	vectors, err := d.embedChunks(ctx, chunks)
	if err != nil {
		return nil, err
	}

	// Keep input order, minus chunks without a vector.
	candidates := make([]*core.Chunk, 0, len(chunks))
	for _, c := range chunks {
		if _, ok := vectors[c.ID]; ok {
			candidates = append(candidates, c)
		}
	}
	d.logger.Debug("grouping chunks", "chunks", len(candidates), "threshold", threshold)

	var groups []Group
	consumed := make([]bool, len(candidates))
	for i, lead := range candidates {
		if consumed[i] {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		consumed[i] = true
		group := Group{Members: []Member{{Chunk: lead, Similarity: 1, Type: TypeExact}}}
		for j := i + 1; j < len(candidates); j++ {
			if consumed[j] {
				continue
			}
			other := candidates[j]
			score := 1.0
			if lead.ContentHash != other.ContentHash {
				score = CosineSimilarity(vectors[lead.ID], vectors[other.ID])
			}
			if score >= threshold {
				consumed[j] = true
				group.Members = append(group.Members, Member{Chunk: other, Similarity: round4(score), Type: ClassifyDuplicateType(score)})
			}
		}
		if len(group.Members) > 1 {
			groups = append(groups, group)
			if maxGroups > 0 && len(groups) >= maxGroups {
				d.logger.Debug("reached group limit", "groups", maxGroups)
				break
			}
		}
	}
	return groups, nil
}
