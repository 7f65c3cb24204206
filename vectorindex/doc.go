// Package vectorindex persists one nearest-neighbour index per tenant.
//
// A tenant's index is an append-only arena of float32 vectors plus a mapping
// from vector id (the arena position) to chunk id, stored as index.bin,
// mapping.bin and meta.yaml. Every write produces a complete generation
// directory <root>/<tenant>/gen-NNNNNNNN/ and then atomically renames the
// CURRENT file to name it, so a crash at any point leaves the previous
// generation readable. Vector ids are dense and
// are renumbered by DeleteVectors and RebuildIndex; callers must apply the
// returned remap to anything that stores them.
//
// Searches use an exact scan for small populations and cosine ranking. For l2
// ranking over larger populations the index kind selects an HNSW graph or an
// IVF cluster index, built lazily from the arena on first search.
package vectorindex
