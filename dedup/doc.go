// Package dedup finds duplicated and near-duplicated content in knowledge bases.
//
// CheckContent and TraceSources compare new text against stored vectors with
// a nearest-neighbour search. BatchCheck and TenantStatistics embed a
// tenant's chunks and group them by pairwise cosine similarity. Grouping is
// quadratic in the number of chunks; callers bound it with a minimum chunk
// size and a group limit.
//
// Scores are bucketed into duplicate tiers and risk levels with the same cut
// points: 0.95, 0.85, 0.75 and 0.65.
package dedup
