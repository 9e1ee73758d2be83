package cluster

import (
	"math/rand/v2"
	"sort"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/community"
	"gonum.org/v1/gonum/graph/simple"

	"github.com/scgo/scpipe/pkg/errors"
)

// Louvain runs two-phase modularity optimization (local moves, then
// community aggregation) on an SNN graph whose nodes are numbered
// 0..n-1. maxLevels bounds the aggregation loop; node visiting order
// is drawn from the seed, so results are reproducible. It returns one
// community label per node, numbered in first-occurrence order, and
// the modularity of the final partition.
func Louvain(g *simple.WeightedUndirectedGraph, resolution float64, seed int64, maxLevels int) ([]int, float64, error) {
	if g == nil {
		return nil, 0, errors.New(errors.ErrorTypeValidation, "nil graph")
	}
	if resolution <= 0 {
		return nil, 0, errors.Newf(errors.ErrorTypeValidation, "resolution %g must be positive", resolution)
	}
	if maxLevels <= 0 {
		return nil, 0, errors.Newf(errors.ErrorTypeValidation, "level cap %d must be positive", maxLevels)
	}

	lg, err := fromGonum(g)
	if err != nil {
		return nil, 0, err
	}
	n := lg.n

	// a graph with no surviving edges has nothing to optimize; every
	// cell is its own community
	if lg.m2 == 0 {
		labels := make([]int, n)
		for i := range labels {
			labels[i] = i
		}
		return labels, 0, nil
	}

	rng := rand.New(rand.NewPCG(uint64(seed), uint64(seed)))
	assign := make([]int, n)
	for i := range assign {
		assign[i] = i
	}

	for level := 0; level < maxLevels; level++ {
		comm, moved := lg.localMove(rng, resolution)
		if !moved {
			break
		}
		comm, nc := compactLabels(comm)
		for i := range assign {
			assign[i] = comm[assign[i]]
		}
		if nc == lg.n {
			break
		}
		lg = lg.aggregate(comm, nc)
	}

	labels, nc := compactLabels(assign)
	return labels, partitionQ(g, labels, nc, resolution), nil
}

// partitionQ scores a labeling against the original graph.
func partitionQ(g *simple.WeightedUndirectedGraph, labels []int, nc int, resolution float64) float64 {
	comms := make([][]graph.Node, nc)
	for i, l := range labels {
		comms[l] = append(comms[l], simple.Node(i))
	}
	return community.Q(g, comms, resolution)
}

// louvainGraph is the flattened adjacency used during optimization.
// Self-loops accumulate aggregated intra-community weight and count
// twice toward a node's degree.
type louvainGraph struct {
	n    int
	adj  [][]int32
	adjW [][]float64
	self []float64
	k    []float64 // weighted degree per node
	m2   float64   // sum of all degrees (twice the total weight)
}

// fromGonum extracts a deterministic CSR-style adjacency from g.
// Nodes must be exactly 0..n-1.
func fromGonum(g *simple.WeightedUndirectedGraph) (*louvainGraph, error) {
	n := g.Nodes().Len()
	lg := &louvainGraph{
		n:    n,
		adj:  make([][]int32, n),
		adjW: make([][]float64, n),
		self: make([]float64, n),
		k:    make([]float64, n),
	}

	for i := 0; i < n; i++ {
		if g.Node(int64(i)) == nil {
			return nil, errors.Newf(errors.ErrorTypeData, "graph nodes are not contiguous: missing %d", i)
		}
		var ids []int
		to := g.From(int64(i))
		for to.Next() {
			ids = append(ids, int(to.Node().ID()))
		}
		sort.Ints(ids)

		lg.adj[i] = make([]int32, len(ids))
		lg.adjW[i] = make([]float64, len(ids))
		for p, j := range ids {
			w, _ := g.Weight(int64(i), int64(j))
			lg.adj[i][p] = int32(j)
			lg.adjW[i][p] = w
			lg.k[i] += w
		}
	}
	for i := range lg.k {
		lg.m2 += lg.k[i]
	}
	return lg, nil
}

// localMove sweeps nodes in seeded random order, greedily reassigning
// each to the neighbor community with the best modularity gain, until
// a full sweep makes no move. It returns the node-to-community map for
// this level and whether anything moved.
func (lg *louvainGraph) localMove(rng *rand.Rand, resolution float64) ([]int, bool) {
	comm := make([]int, lg.n)
	tot := make([]float64, lg.n)
	for i := range comm {
		comm[i] = i
		tot[i] = lg.k[i]
	}

	// scratch for w(i -> community); reset per node via the touched list
	wTo := make([]float64, lg.n)
	var touched []int

	anyMoved := false
	for {
		movedInSweep := false
		for _, i := range rng.Perm(lg.n) {
			c := comm[i]
			tot[c] -= lg.k[i]

			touched = touched[:0]
			for p, j := range lg.adj[i] {
				d := comm[j]
				if wTo[d] == 0 {
					touched = append(touched, d)
				}
				wTo[d] += lg.adjW[i][p]
			}
			sort.Ints(touched)

			best, bestGain := c, wTo[c]-resolution*lg.k[i]*tot[c]/lg.m2
			for _, d := range touched {
				if d == c {
					continue
				}
				if gain := wTo[d] - resolution*lg.k[i]*tot[d]/lg.m2; gain > bestGain {
					best, bestGain = d, gain
				}
			}

			for _, d := range touched {
				wTo[d] = 0
			}

			comm[i] = best
			tot[best] += lg.k[i]
			if best != c {
				movedInSweep = true
				anyMoved = true
			}
		}
		if !movedInSweep {
			break
		}
	}
	return comm, anyMoved
}

// aggregate collapses each community into a super-node. Intra-community
// weight (plus existing self-loops) becomes the super-node's self-loop.
func (lg *louvainGraph) aggregate(comm []int, nc int) *louvainGraph {
	out := &louvainGraph{
		n:    nc,
		adj:  make([][]int32, nc),
		adjW: make([][]float64, nc),
		self: make([]float64, nc),
		k:    make([]float64, nc),
		m2:   lg.m2,
	}

	cross := make([]map[int]float64, nc)
	for i := 0; i < lg.n; i++ {
		c := comm[i]
		out.self[c] += lg.self[i]
		for p, j := range lg.adj[i] {
			d := comm[j]
			if c == d {
				// each undirected edge is visited from both ends
				out.self[c] += lg.adjW[i][p] / 2
				continue
			}
			if cross[c] == nil {
				cross[c] = make(map[int]float64)
			}
			cross[c][d] += lg.adjW[i][p]
		}
	}

	for c := 0; c < nc; c++ {
		ids := make([]int, 0, len(cross[c]))
		for d := range cross[c] {
			ids = append(ids, d)
		}
		sort.Ints(ids)
		out.adj[c] = make([]int32, len(ids))
		out.adjW[c] = make([]float64, len(ids))
		for p, d := range ids {
			out.adj[c][p] = int32(d)
			out.adjW[c][p] = cross[c][d]
			out.k[c] += cross[c][d]
		}
		out.k[c] += 2 * out.self[c]
	}
	return out
}
