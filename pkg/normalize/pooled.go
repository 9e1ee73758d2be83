package normalize

import (
	"context"
	"math"
	"sort"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/scgo/scpipe/pkg/cluster"
	"github.com/scgo/scpipe/pkg/config"
	"github.com/scgo/scpipe/pkg/dataset"
	"github.com/scgo/scpipe/pkg/errors"
	"github.com/scgo/scpipe/pkg/logger"
	"github.com/scgo/scpipe/pkg/matrix"
	"github.com/scgo/scpipe/pkg/reduce"
)

func init() {
	_ = Register("pooled", func(cfg *config.NormalizeConfig) (Normalizer, error) {
		if cfg.ScaleFactor <= 0 {
			return nil, errors.Newf(errors.ErrorTypeConfig, "scale factor %g must be positive", cfg.ScaleFactor)
		}
		if cfg.Pooled.MinClusterSize <= 0 {
			return nil, errors.Newf(errors.ErrorTypeConfig,
				"min cluster size %d must be positive", cfg.Pooled.MinClusterSize)
		}
		sizes := cfg.Pooled.PoolSizes
		if len(sizes) == 0 {
			sizes = defaultPoolSizes
		}
		for _, s := range sizes {
			if s <= 0 {
				return nil, errors.Newf(errors.ErrorTypeConfig, "pool size %d must be positive", s)
			}
		}
		return &pooledNormalizer{
			scale:   cfg.ScaleFactor,
			base:    cfg.LogBase,
			minSize: cfg.Pooled.MinClusterSize,
			sizes:   sizes,
		}, nil
	})
}

const (
	// ridge weight pulling the deconvolution toward library-size
	// factors; keeps the normal equations positive definite when the
	// ring pools alone are rank deficient
	deconvRidge = 0.01

	// bounds on the dense submatrix used for coarse clustering
	quickClusterGenes = 500
	quickClusterDims  = 10
	quickClusterIters = 50
)

// defaultPoolSizes is the ladder of ring-pool sizes, 21 through 101 in
// steps of 5. Odd sizes keep each pool centered on its starting cell.
var defaultPoolSizes = []int{21, 26, 31, 36, 41, 46, 51, 56, 61, 66, 71, 76, 81, 86, 91, 96, 101}

// pooledNormalizer estimates per-cell size factors by summing cells
// into overlapping pools, estimating one robust factor per pool, and
// solving the linear system that relates pool factors back to their
// member cells. Pooling suppresses the zero inflation that makes
// per-cell ratio estimates unstable in sparse data.
type pooledNormalizer struct {
	scale   float64
	base    string
	minSize int
	sizes   []int
}

// Name implements Normalizer.
func (p *pooledNormalizer) Name() string { return "pooled" }

// Normalize implements Normalizer.
func (p *pooledNormalizer) Normalize(ctx context.Context, ds *dataset.Dataset, seed int64) (*Result, error) {
	lib, err := libSizes(ds)
	if err != nil {
		return nil, err
	}
	n := ds.NumCells()

	labels, nClusters, err := p.coarseClusters(ds, lib, seed)
	if err != nil {
		return nil, err
	}
	logger.WithContext(ctx).Debug("coarse clusters for pooling",
		zap.Int("clusters", nClusters),
		zap.Int("cells", n),
	)

	refAll := meanProfile(ds.Counts)

	rel := make([]float64, n)
	for c := 0; c < nClusters; c++ {
		var idx []int
		for j, l := range labels {
			if l == c {
				idx = append(idx, j)
			}
		}

		relC, refC, geneSub, err := p.deconvolve(ds.Counts, idx, lib)
		if err != nil {
			return nil, err
		}

		scale := clusterScale(refC, geneSub, refAll)
		if !(scale > 0) || math.IsInf(scale, 0) {
			return nil, errors.Newf(errors.ErrorTypeNumeric,
				"cannot rescale pooling cluster %d against the full dataset", c)
		}
		for i, j := range idx {
			rel[j] = relC[i] * scale
		}
	}

	clamped, err := clampFactors(rel)
	if err != nil {
		return nil, err
	}
	if clamped > 0 {
		logger.WithContext(ctx).Warn("clamped non-positive size factors",
			zap.Int("count", clamped),
		)
	}

	// center factors at unit mean, then restore the count scale so the
	// stored layer matches what lognorm would produce for balanced data
	meanRel := floats.Sum(rel) / float64(n)
	meanLib := floats.Sum(lib) / float64(n)
	sf := make([]float64, n)
	for j := range rel {
		sf[j] = rel[j] / meanRel * meanLib / p.scale
	}

	ds.Norm = logLayer(ds.Counts, sf, p.base)
	ds.Cells.SizeFactors = sf
	return &Result{SizeFactors: sf, ClampedFactors: clamped}, nil
}

// coarseClusters groups cells so pooling happens among transcriptional
// neighbors: log library-size-normalized expression of the top
// expressed genes, a small PCA, then k-means with a minimum group
// size.
func (p *pooledNormalizer) coarseClusters(ds *dataset.Dataset, lib []float64, seed int64) ([]int, int, error) {
	n := ds.NumCells()
	k := n / p.minSize
	if k <= 1 {
		return make([]int, n), 1, nil
	}

	sums, _, _ := ds.Counts.RowStats()
	order := make([]int, len(sums))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool {
		if sums[order[a]] != sums[order[b]] {
			return sums[order[a]] > sums[order[b]]
		}
		return order[a] < order[b]
	})
	g := min(quickClusterGenes, ds.NumGenes())

	pos := make([]int, ds.NumGenes())
	for i := range pos {
		pos[i] = -1
	}
	for c, gi := range order[:g] {
		pos[gi] = c
	}

	medLib := median(lib)
	dense := mat.NewDense(n, g, nil)
	for j := 0; j < n; j++ {
		rows, vals := ds.Counts.Col(j)
		for q, r := range rows {
			if c := pos[r]; c != -1 {
				dense.Set(j, c, math.Log1p(vals[q]/lib[j]*medLib))
			}
		}
	}

	emb, _, err := reduce.PCA(dense, min(quickClusterDims, n, g))
	if err != nil {
		return nil, 0, errors.Wrap(err, errors.ErrorTypeNumeric, "embedding cells for coarse clustering")
	}
	labels, err := cluster.KMeans(emb, k, seed, quickClusterIters)
	if err != nil {
		return nil, 0, err
	}
	return cluster.EnforceMinSize(emb, labels, p.minSize)
}

// deconvolve estimates size factors for one cluster's cells relative
// to the cluster's average profile. The returned factors align with
// idx; refC and geneSub describe the cluster reference over the genes
// expressed in the cluster.
func (p *pooledNormalizer) deconvolve(counts *matrix.CSC, idx []int, lib []float64) ([]float64, []float64, []int, error) {
	nc := len(idx)

	// genes with any expression in this cluster
	seen := make([]bool, counts.Rows())
	for _, j := range idx {
		rows, _ := counts.Col(j)
		for _, r := range rows {
			seen[r] = true
		}
	}
	geneSub := make([]int, 0)
	gpos := make([]int, counts.Rows())
	for i := range gpos {
		gpos[i] = -1
	}
	for gi, s := range seen {
		if s {
			gpos[gi] = len(geneSub)
			geneSub = append(geneSub, gi)
		}
	}
	nG := len(geneSub)

	// raw profiles, ordered around a ring by depth so each pool mixes
	// cells of similar coverage
	ring := make([]int, nc)
	for i := range ring {
		ring[i] = i
	}
	sort.Slice(ring, func(a, b int) bool {
		la, lb := lib[idx[ring[a]]], lib[idx[ring[b]]]
		if la != lb {
			return la < lb
		}
		return idx[ring[a]] < idx[ring[b]]
	})

	y := make([][]float64, nc)
	refC := make([]float64, nG)
	for i := range ring {
		j := idx[ring[i]]
		y[i] = make([]float64, nG)
		rows, vals := counts.Col(j)
		for q, r := range rows {
			y[i][gpos[r]] = vals[q]
		}
		floats.Add(refC, y[i])
	}
	floats.Scale(1/float64(nc), refC)

	if nc == 1 {
		return []float64{1}, refC, geneSub, nil
	}

	// accumulate the normal equations of the pool system directly:
	// each ring window contributes one equation sum(t_members) = phi
	m := mat.NewSymDense(nc, nil)
	b := make([]float64, nc)
	pooled := make([]float64, nG)
	ratios := make([]float64, nG)

	for _, s := range cappedSizes(p.sizes, nc) {
		for i := range pooled {
			pooled[i] = 0
		}
		for t := 0; t < s; t++ {
			floats.Add(pooled, y[t])
		}
		for start := 0; start < nc; start++ {
			if start > 0 {
				floats.Sub(pooled, y[start-1])
				floats.Add(pooled, y[(start-1+s)%nc])
			}

			for g := range pooled {
				ratios[g] = pooled[g] / refC[g]
			}
			phi := median(ratios)

			for a := 0; a < s; a++ {
				ia := (start + a) % nc
				b[ia] += phi
				for bb := a; bb < s; bb++ {
					ib := (start + bb) % nc
					lo, hi := ia, ib
					if lo > hi {
						lo, hi = hi, lo
					}
					m.SetSym(lo, hi, m.At(lo, hi)+1)
				}
			}
		}
	}

	// ridge toward within-cluster library-size factors
	clusterLib := 0.0
	for _, j := range idx {
		clusterLib += lib[j]
	}
	clusterLib /= float64(nc)
	for i := range ring {
		m.SetSym(i, i, m.At(i, i)+deconvRidge)
		b[i] += deconvRidge * lib[idx[ring[i]]] / clusterLib
	}

	var chol mat.Cholesky
	if ok := chol.Factorize(m); !ok {
		return nil, nil, nil, errors.New(errors.ErrorTypeNumeric,
			"size-factor deconvolution system is not positive definite")
	}
	sol := mat.NewVecDense(nc, nil)
	if err := chol.SolveVecTo(sol, mat.NewVecDense(nc, b)); err != nil {
		return nil, nil, nil, errors.Wrap(err, errors.ErrorTypeNumeric, "solving size-factor deconvolution")
	}

	rel := make([]float64, nc)
	for i := range ring {
		rel[ring[i]] = sol.AtVec(i)
	}
	return rel, refC, geneSub, nil
}

// cappedSizes caps the pool-size ladder at the cluster size and
// removes duplicates.
func cappedSizes(sizes []int, nc int) []int {
	set := make(map[int]bool, len(sizes))
	out := make([]int, 0, len(sizes))
	for _, s := range sizes {
		if s > nc {
			s = nc
		}
		if s < 1 || set[s] {
			continue
		}
		set[s] = true
		out = append(out, s)
	}
	sort.Ints(out)
	return out
}

// meanProfile returns the average expression per gene over all cells.
func meanProfile(m *matrix.CSC) []float64 {
	ref, _, _ := m.RowStats()
	floats.Scale(1/float64(m.Cols()), ref)
	return ref
}

// clusterScale computes the median ratio of a cluster's reference
// profile to the dataset-wide profile, making factors from different
// clusters comparable.
func clusterScale(refC []float64, geneSub []int, refAll []float64) float64 {
	ratios := make([]float64, 0, len(geneSub))
	for g, gi := range geneSub {
		if refAll[gi] > 0 {
			ratios = append(ratios, refC[g]/refAll[gi])
		}
	}
	if len(ratios) == 0 {
		return math.NaN()
	}
	return median(ratios)
}

// clampFactors replaces non-positive estimates with the smallest
// positive one, in place, returning how many were clamped.
func clampFactors(sf []float64) (int, error) {
	minPos := math.Inf(1)
	for _, v := range sf {
		if v > 0 && v < minPos {
			minPos = v
		}
	}
	if math.IsInf(minPos, 1) {
		return 0, errors.New(errors.ErrorTypeNumeric, "all deconvolved size factors are non-positive")
	}
	clamped := 0
	for i, v := range sf {
		if v <= 0 {
			sf[i] = minPos
			clamped++
		}
	}
	return clamped, nil
}

// median returns the middle value of xs (the mean of the two middle
// values for even lengths). xs is not modified.
func median(xs []float64) float64 {
	c := append([]float64(nil), xs...)
	sort.Float64s(c)
	mid := len(c) / 2
	if len(c)%2 == 1 {
		return c[mid]
	}
	return (c[mid-1] + c[mid]) / 2
}
