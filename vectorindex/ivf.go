package vectorindex

import (
	"math"
	"sort"
)

type ivfParams struct {
	nprobe     int
	iterations int
}

var defaultIVFParams = ivfParams{nprobe: 4, iterations: 10}

type ivf struct {
	ix        *index
	nprobe    int
	centroids [][]float32
	lists     [][]int
}

// buildIVF clusters the vectors with k-means into roughly sqrt(n) lists.
// Centroids are seeded at evenly spaced vectors so builds are deterministic.
func buildIVF(ix *index, params ivfParams) *ivf {
	n := ix.size()
	nlist := max(1, int(math.Round(math.Sqrt(float64(n)))))

	centroids := make([][]float32, nlist)
	for c := range centroids {
		centroids[c] = append([]float32(nil), ix.vector(c*n/nlist)...)
	}

	assign := make([]int, n)
	for iter := 0; iter < params.iterations; iter++ {
		for i := 0; i < n; i++ {
			assign[i] = nearestCentroid(centroids, ix.vector(i))
		}
		sums := make([][]float64, nlist)
		counts := make([]int, nlist)
		for c := range sums {
			sums[c] = make([]float64, ix.dim)
		}
		for i, c := range assign {
			counts[c]++
			for d, x := range ix.vector(i) {
				sums[c][d] += float64(x)
			}
		}
		for c := range centroids {
			if counts[c] == 0 {
				continue
			}
			for d := range centroids[c] {
				centroids[c][d] = float32(sums[c][d] / float64(counts[c]))
			}
		}
	}

	// Final assignment against the final centroids, so each vector sits in
	// the list of its nearest centroid.
	lists := make([][]int, nlist)
	for i := 0; i < n; i++ {
		c := nearestCentroid(centroids, ix.vector(i))
		lists[c] = append(lists[c], i)
	}
	return &ivf{ix: ix, nprobe: params.nprobe, centroids: centroids, lists: lists}
}

func nearestCentroid(centroids [][]float32, v []float32) int {
	best, bestDist := 0, float32(math.MaxFloat32)
	for c, centroid := range centroids {
		if d := l2Squared(v, centroid); d < bestDist {
			best, bestDist = c, d
		}
	}
	return best
}

func (f *ivf) search(q []float32, k int) []int {
	order := make([]candidate, len(f.centroids))
	for c, centroid := range f.centroids {
		order[c] = candidate{node: c, dist: l2Squared(q, centroid)}
	}
	sort.SliceStable(order, func(a, b int) bool { return order[a].dist < order[b].dist })

	var hits []candidate
	for _, c := range order[:min(f.nprobe, len(order))] {
		for _, pos := range f.lists[c.node] {
			hits = append(hits, candidate{node: pos, dist: l2Squared(q, f.ix.vector(pos))})
		}
	}
	sort.SliceStable(hits, func(a, b int) bool { return hits[a].dist < hits[b].dist })
	if len(hits) > k {
		hits = hits[:k]
	}
	out := make([]int, len(hits))
	for i, h := range hits {
		out[i] = h.node
	}
	return out
}
