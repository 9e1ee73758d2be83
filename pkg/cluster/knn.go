package cluster

import (
	"container/heap"
	"runtime"
	"sort"
	"sync"

	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/mat"

	"github.com/scgo/scpipe/pkg/errors"
)

// Neighbors holds each cell's k nearest neighbors in embedding space,
// ordered by increasing distance. A cell is never its own neighbor.
type Neighbors struct {
	K    int
	Idx  [][]int32
	Dist [][]float64
}

// KNN computes the exact Euclidean k-nearest-neighbor lists over the
// rows of x. Query rows are striped across workers (0 means one per
// CPU); each cell's list depends only on the matrix, so the result is
// identical for any worker count. Distance ties are broken by the
// lower index.
func KNN(x *mat.Dense, k, workers int) (*Neighbors, error) {
	n, _ := x.Dims()
	if k <= 0 {
		return nil, errors.Newf(errors.ErrorTypeValidation, "neighbor count %d must be positive", k)
	}
	if k > n-1 {
		return nil, errors.Newf(errors.ErrorTypeValidation,
			"neighbor count %d needs more than %d cells", k, n)
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers > n {
		workers = n
	}

	nb := &Neighbors{
		K:    k,
		Idx:  make([][]int32, n),
		Dist: make([][]float64, n),
	}

	var wg sync.WaitGroup
	stripe := (n + workers - 1) / workers
	for lo := 0; lo < n; lo += stripe {
		hi := lo + stripe
		if hi > n {
			hi = n
		}
		wg.Add(1)
		go func(lo, hi int) {
			defer wg.Done()
			h := make(nnHeap, 0, k+1)
			for i := lo; i < hi; i++ {
				knnQuery(x, i, k, &h, nb)
			}
		}(lo, hi)
	}
	wg.Wait()
	return nb, nil
}

// knnQuery fills cell i's neighbor list, maintaining the k best
// candidates in h (worker-local scratch).
func knnQuery(x *mat.Dense, i, k int, h *nnHeap, nb *Neighbors) {
	n, _ := x.Dims()
	row := x.RawRowView(i)
	*h = (*h)[:0]
	for j := 0; j < n; j++ {
		if j == i {
			continue
		}
		d := sqDist(row, x.RawRowView(j))
		if len(*h) < k {
			heap.Push(h, nnPair{idx: int32(j), dist: d})
			continue
		}
		if top := (*h)[0]; d < top.dist || (d == top.dist && int32(j) < top.idx) {
			(*h)[0] = nnPair{idx: int32(j), dist: d}
			heap.Fix(h, 0)
		}
	}

	pairs := append([]nnPair(nil), *h...)
	sort.Slice(pairs, func(a, b int) bool {
		if pairs[a].dist != pairs[b].dist {
			return pairs[a].dist < pairs[b].dist
		}
		return pairs[a].idx < pairs[b].idx
	})

	nb.Idx[i] = make([]int32, k)
	nb.Dist[i] = make([]float64, k)
	for p, pr := range pairs {
		nb.Idx[i][p] = pr.idx
		nb.Dist[i][p] = pr.dist
	}
}

// nnPair is one candidate neighbor during the kNN scan.
type nnPair struct {
	idx  int32
	dist float64
}

// nnHeap is a max-heap on distance (farthest candidate on top) so the
// k current-best neighbors can be maintained with O(log k) updates.
type nnHeap []nnPair

func (h nnHeap) Len() int { return len(h) }
func (h nnHeap) Less(i, j int) bool {
	if h[i].dist != h[j].dist {
		return h[i].dist > h[j].dist
	}
	return h[i].idx > h[j].idx
}
func (h nnHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *nnHeap) Push(x interface{}) { *h = append(*h, x.(nnPair)) }
func (h *nnHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

// SNN builds the shared-nearest-neighbor graph: cells are connected
// when one appears in the other's kNN list, weighted by the Jaccard
// overlap of their neighborhoods (each including the cell itself).
// Edges with weight at or below prune are dropped. Every cell has a
// node even if all its edges are pruned.
func SNN(nb *Neighbors, prune float64) (*simple.WeightedUndirectedGraph, int, error) {
	if nb == nil || len(nb.Idx) == 0 {
		return nil, 0, errors.New(errors.ErrorTypeValidation, "no neighbor lists")
	}
	if prune < 0 || prune >= 1 {
		return nil, 0, errors.Newf(errors.ErrorTypeValidation, "prune threshold %g must be in [0, 1)", prune)
	}

	n := len(nb.Idx)
	g := simple.NewWeightedUndirectedGraph(0, 0)
	for i := 0; i < n; i++ {
		g.AddNode(simple.Node(i))
	}

	// self-inclusive sorted neighborhoods for the Jaccard overlaps
	sets := make([][]int32, n)
	for i := range sets {
		s := make([]int32, 0, nb.K+1)
		s = append(s, nb.Idx[i]...)
		s = append(s, int32(i))
		sort.Slice(s, func(a, b int) bool { return s[a] < s[b] })
		sets[i] = s
	}

	edges := 0
	for i := 0; i < n; i++ {
		for _, j32 := range nb.Idx[i] {
			j := int(j32)
			if g.HasEdgeBetween(int64(i), int64(j)) {
				continue
			}
			if w := jaccard(sets[i], sets[j]); w > prune {
				g.SetWeightedEdge(simple.WeightedEdge{
					F: simple.Node(i),
					T: simple.Node(j),
					W: w,
				})
				edges++
			}
		}
	}
	return g, edges, nil
}

// jaccard computes |a∩b| / |a∪b| over two sorted index slices.
func jaccard(a, b []int32) float64 {
	inter := 0
	for p, q := 0, 0; p < len(a) && q < len(b); {
		switch {
		case a[p] == b[q]:
			inter++
			p++
			q++
		case a[p] < b[q]:
			p++
		default:
			q++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
