package vectorindex

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/poiesic/kbingest/core"
)

// Kind selects the in-memory search structure built over a tenant's vectors.
type Kind string

const (
	// KindFlat scans every vector.
	KindFlat Kind = "flat"
	// KindHNSW searches a hierarchical navigable small world graph.
	KindHNSW Kind = "hnsw"
	// KindIVF probes the nearest k-means clusters.
	KindIVF Kind = "ivf"
)

// ParseKind maps a name to a Kind.
func ParseKind(name string) (Kind, bool) {
	switch k := Kind(name); k {
	case KindFlat, KindHNSW, KindIVF:
		return k, true
	}
	return "", false
}

// Metric selects how search results are ranked.
type Metric string

const (
	// MetricL2 ranks by Euclidean distance.
	MetricL2 Metric = "l2"
	// MetricCosine normalizes query and candidates and ranks by dot product.
	MetricCosine Metric = "cosine"
)

// Result is one ranked search hit.
type Result struct {
	ChunkID  core.ID `json:"chunk_id"`
	VectorID int64   `json:"vector_id"`
	// Distance is the Euclidean distance for l2 and 1-similarity for cosine.
	Distance float32 `json:"distance"`
	// Score is 1/(1+distance) for l2 and cosine similarity for cosine.
	Score float32 `json:"score"`
	Rank  int     `json:"rank"`
}

// Entry pairs a stored vector with its ids.
type Entry struct {
	VectorID int64
	ChunkID  core.ID
	Vector   []float32
}

// Info describes a tenant's index.
type Info struct {
	Tenant       core.TenantID `json:"tenant"`
	Dimension    int           `json:"dimension"`
	Kind         Kind          `json:"kind"`
	TotalVectors int           `json:"total_vectors"`
	MappingCount int           `json:"mapping_count"`
	Generation   int           `json:"generation"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// exactScanLimit is the population at or below which approximate structures
// are skipped in favor of a full scan.
const exactScanLimit = 64

// annSearcher returns candidate positions ordered by ascending L2 distance.
type annSearcher interface {
	search(query []float32, k int) []int
}

// index is an immutable snapshot of one tenant's vectors. Writers build a new
// index and swap it in; readers may keep using the old one.
type index struct {
	kind     Kind
	dim      int
	data     []float32
	chunkIDs []core.ID
	meta     metadata

	annOnce sync.Once
	ann     annSearcher
}

func newIndex(kind Kind, dim int, meta metadata) *index {
	return &index{kind: kind, dim: dim, meta: meta}
}

func (ix *index) size() int {
	return len(ix.chunkIDs)
}

func (ix *index) vector(i int) []float32 {
	return ix.data[i*ix.dim : (i+1)*ix.dim]
}

// withAppended returns a new snapshot with the vectors appended.
func (ix *index) withAppended(chunkIDs []core.ID, vectors [][]float32) *index {
	next := newIndex(ix.kind, ix.dim, ix.meta)
	next.data = make([]float32, len(ix.data), len(ix.data)+len(vectors)*ix.dim)
	copy(next.data, ix.data)
	next.chunkIDs = make([]core.ID, len(ix.chunkIDs), len(ix.chunkIDs)+len(chunkIDs))
	copy(next.chunkIDs, ix.chunkIDs)
	for i, v := range vectors {
		next.data = append(next.data, v...)
		next.chunkIDs = append(next.chunkIDs, chunkIDs[i])
	}
	return next
}

func (ix *index) searcher() annSearcher {
	ix.annOnce.Do(func() {
		if ix.size() <= exactScanLimit {
			return
		}
		switch ix.kind {
		case KindHNSW:
			ix.ann = buildHNSW(ix, defaultHNSWParams)
		case KindIVF:
			ix.ann = buildIVF(ix, defaultIVFParams)
		}
	})
	return ix.ann
}

func (ix *index) search(query []float32, k int, metric Metric) []Result {
	n := ix.size()
	if n == 0 || k <= 0 {
		return nil
	}
	k = min(k, n)

	var results []Result
	if metric == MetricCosine {
		q := normalized(query)
		results = make([]Result, n)
		for i := 0; i < n; i++ {
			sim := dot(q, normalized(ix.vector(i)))
			results[i] = Result{ChunkID: ix.chunkIDs[i], VectorID: int64(i), Score: sim, Distance: 1 - sim}
		}
		sort.SliceStable(results, func(a, b int) bool { return results[a].Score > results[b].Score })
	} else {
		var candidates []int
		if ann := ix.searcher(); ann != nil {
			candidates = ann.search(query, k)
		} else {
			candidates = exactL2(ix, query, k)
		}
		results = make([]Result, len(candidates))
		for i, pos := range candidates {
			d := float32(math.Sqrt(float64(l2Squared(query, ix.vector(pos)))))
			results[i] = Result{ChunkID: ix.chunkIDs[pos], VectorID: int64(pos), Distance: d, Score: 1 / (1 + d)}
		}
	}

	if len(results) > k {
		results = results[:k]
	}
	for i := range results {
		results[i].Rank = i + 1
	}
	return results
}

func exactL2(ix *index, query []float32, k int) []int {
	type scored struct {
		pos  int
		dist float32
	}
	all := make([]scored, ix.size())
	for i := range all {
		all[i] = scored{pos: i, dist: l2Squared(query, ix.vector(i))}
	}
	sort.SliceStable(all, func(a, b int) bool { return all[a].dist < all[b].dist })
	out := make([]int, min(k, len(all)))
	for i := range out {
		out[i] = all[i].pos
	}
	return out
}

func l2Squared(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}

func dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

func normalized(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	out := make([]float32, len(v))
	if sum == 0 {
		return out
	}
	inv := float32(1 / math.Sqrt(sum))
	for i, x := range v {
		out[i] = x * inv
	}
	return out
}

// CoerceDimension pads v with zeros or truncates it to dim. The input is
// never modified; changed reports whether the length differed.
func CoerceDimension(v []float32, dim int) (out []float32, changed bool) {
	out = make([]float32, dim)
	copy(out, v)
	return out, len(v) != dim
}
