package vectorindex

import (
	"container/heap"
	"math"
	"math/rand"
)

type hnswParams struct {
	m              int
	efConstruction int
	efSearch       int
	seed           int64
}

var defaultHNSWParams = hnswParams{m: 16, efConstruction: 100, efSearch: 64, seed: 42}

type hnsw struct {
	ix         *index
	params     hnswParams
	levelMult  float64
	entry      int
	maxLevel   int
	neighbours [][][]int32
	rng        *rand.Rand
}

func buildHNSW(ix *index, params hnswParams) *hnsw {
	h := &hnsw{
		ix:         ix,
		params:     params,
		levelMult:  1 / math.Log(float64(params.m)),
		entry:      -1,
		neighbours: make([][][]int32, ix.size()),
		rng:        rand.New(rand.NewSource(params.seed)),
	}
	for i := 0; i < ix.size(); i++ {
		h.insert(i)
	}
	return h
}

func (h *hnsw) maxNeighbours(level int) int {
	if level == 0 {
		return 2 * h.params.m
	}
	return h.params.m
}

func (h *hnsw) dist(q []float32, node int) float32 {
	return l2Squared(q, h.ix.vector(node))
}

func (h *hnsw) insert(node int) {
	level := int(math.Floor(-math.Log(1-h.rng.Float64()) * h.levelMult))
	h.neighbours[node] = make([][]int32, level+1)

	if h.entry < 0 {
		h.entry = node
		h.maxLevel = level
		return
	}

	q := h.ix.vector(node)
	ep := h.entry
	for l := h.maxLevel; l > level; l-- {
		ep = h.greedy(q, ep, l)
	}
	for l := min(level, h.maxLevel); l >= 0; l-- {
		found := h.searchLayer(q, ep, h.params.efConstruction, l)
		selected := found
		if len(selected) > h.params.m {
			selected = selected[:h.params.m]
		}
		for _, c := range selected {
			h.neighbours[node][l] = append(h.neighbours[node][l], int32(c.node))
			h.link(c.node, node, l)
		}
		ep = found[0].node
	}
	if level > h.maxLevel {
		h.maxLevel = level
		h.entry = node
	}
}

// link adds node to from's neighbour list at level, pruning to the closest.
func (h *hnsw) link(from, node, level int) {
	list := append(h.neighbours[from][level], int32(node))
	limit := h.maxNeighbours(level)
	if len(list) > limit {
		base := h.ix.vector(from)
		cands := make([]candidate, len(list))
		for i, n := range list {
			cands[i] = candidate{node: int(n), dist: h.dist(base, int(n))}
		}
		sortCandidates(cands)
		list = list[:0]
		for _, c := range cands[:limit] {
			list = append(list, int32(c.node))
		}
	}
	h.neighbours[from][level] = list
}

func (h *hnsw) greedy(q []float32, ep, level int) int {
	best := h.dist(q, ep)
	for changed := true; changed; {
		changed = false
		for _, n := range h.neighbours[ep][level] {
			if d := h.dist(q, int(n)); d < best {
				best, ep, changed = d, int(n), true
			}
		}
	}
	return ep
}

// searchLayer returns up to ef nodes closest to q at level, nearest first.
func (h *hnsw) searchLayer(q []float32, ep, ef, level int) []candidate {
	visited := map[int]struct{}{ep: {}}
	start := candidate{node: ep, dist: h.dist(q, ep)}
	frontier := &minHeap{start}
	results := &maxHeap{start}

	for frontier.Len() > 0 {
		c := heap.Pop(frontier).(candidate)
		if results.Len() >= ef && c.dist > (*results)[0].dist {
			break
		}
		for _, n := range h.neighbours[c.node][level] {
			node := int(n)
			if _, seen := visited[node]; seen {
				continue
			}
			visited[node] = struct{}{}
			d := h.dist(q, node)
			if results.Len() < ef || d < (*results)[0].dist {
				heap.Push(frontier, candidate{node: node, dist: d})
				heap.Push(results, candidate{node: node, dist: d})
				if results.Len() > ef {
					heap.Pop(results)
				}
			}
		}
	}

	out := make([]candidate, results.Len())
	copy(out, *results)
	sortCandidates(out)
	return out
}

func (h *hnsw) search(q []float32, k int) []int {
	if h.entry < 0 {
		return nil
	}
	ep := h.entry
	for l := h.maxLevel; l > 0; l-- {
		ep = h.greedy(q, ep, l)
	}
	found := h.searchLayer(q, ep, max(h.params.efSearch, k), 0)
	if len(found) > k {
		found = found[:k]
	}
	out := make([]int, len(found))
	for i, c := range found {
		out[i] = c.node
	}
	return out
}

type candidate struct {
	node int
	dist float32
}

func sortCandidates(c []candidate) {
	// insertion sort; lists are short
	for i := 1; i < len(c); i++ {
		for j := i; j > 0 && (c[j].dist < c[j-1].dist || (c[j].dist == c[j-1].dist && c[j].node < c[j-1].node)); j-- {
			c[j], c[j-1] = c[j-1], c[j]
		}
	}
}

type minHeap []candidate

func (h minHeap) Len() int           { return len(h) }
func (h minHeap) Less(i, j int) bool { return h[i].dist < h[j].dist }
func (h minHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x any)        { *h = append(*h, x.(candidate)) }
func (h *minHeap) Pop() any {
	old := *h
	x := old[len(old)-1]
	*h = old[:len(old)-1]
	return x
}

type maxHeap []candidate

func (h maxHeap) Len() int           { return len(h) }
func (h maxHeap) Less(i, j int) bool { return h[i].dist > h[j].dist }
func (h maxHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *maxHeap) Push(x any)        { *h = append(*h, x.(candidate)) }
func (h *maxHeap) Pop() any {
	old := *h
	x := old[len(old)-1]
	*h = old[:len(old)-1]
	return x
}
