package hvg

import (
	"context"
	"math"
	"sort"

	"github.com/scgo/scpipe/pkg/config"
	"github.com/scgo/scpipe/pkg/dataset"
	"github.com/scgo/scpipe/pkg/errors"
	"github.com/scgo/scpipe/pkg/matrix"
)

func init() {
	_ = Register("vst", func(cfg *config.HVGConfig) (Selector, error) {
		if cfg.NTop <= 0 {
			return nil, errors.Newf(errors.ErrorTypeConfig, "top gene count %d must be positive", cfg.NTop)
		}
		if cfg.Span <= 0 || cfg.Span > 1 {
			return nil, errors.Newf(errors.ErrorTypeConfig, "span %g must be in (0, 1]", cfg.Span)
		}
		return &vstSelector{nTop: cfg.NTop, span: cfg.Span}, nil
	})
}

// vstSelector ranks genes by the variance of their standardized raw
// counts. The expected standard deviation at each gene's mean comes
// from a trend fitted in log10 space, and standardized values are
// clipped from above so a single outlier cell cannot carry a gene
// into the selection.
type vstSelector struct {
	nTop int
	span float64
}

// Name implements Selector.
func (s *vstSelector) Name() string { return "vst" }

// Select implements Selector.
func (s *vstSelector) Select(ctx context.Context, ds *dataset.Dataset) (*Result, error) {
	n := ds.NumCells()
	if n < 2 {
		return nil, errors.New(errors.ErrorTypeData, "feature selection needs at least 2 cells")
	}

	means, variances := geneMoments(ds.Counts)
	nGenes := len(means)

	// the trend is fitted only on genes that vary at all
	var fitIdx []int
	for g, v := range variances {
		if v > 0 {
			fitIdx = append(fitIdx, g)
		}
	}
	if len(fitIdx) < 2 {
		return nil, errors.New(errors.ErrorTypeNumeric, "too few expressed genes to fit a variance trend")
	}

	fx := make([]float64, len(fitIdx))
	fy := make([]float64, len(fitIdx))
	for i, g := range fitIdx {
		fx[i] = math.Log10(means[g])
		fy[i] = math.Log10(variances[g])
	}
	fit, err := loessFit(fx, fy, s.span)
	if err != nil {
		return nil, err
	}

	expected := make([]float64, nGenes)
	for i, g := range fitIdx {
		expected[g] = math.Pow(10, fit[i])
	}

	std := standardizedVariance(ds.Counts, means, expected, math.Sqrt(float64(n)))

	order := rankDesc(std)
	top := min(s.nTop, nGenes)
	selected := make([]bool, nGenes)
	ids := make([]string, top)
	for i := 0; i < top; i++ {
		selected[order[i]] = true
		ids[i] = ds.Genes.IDs[order[i]]
	}

	return &Result{
		IDs: ids,
		Table: &dataset.VarianceTable{
			Method:       "vst",
			Means:        means,
			Variances:    variances,
			Expected:     expected,
			Standardized: std,
			Selected:     selected,
		},
	}, nil
}

// standardizedVariance computes, per gene, the variance of
// (count-mean)/sd with values clipped from above at clipMax. Zero
// entries all standardize to -mean/sd, so they contribute in bulk
// without being materialized.
func standardizedVariance(counts *matrix.CSC, means, expected []float64, clipMax float64) []float64 {
	n := counts.Cols()
	nGenes := counts.Rows()

	sumSq := make([]float64, nGenes)
	nnz := make([]int, nGenes)
	for j := 0; j < n; j++ {
		rows, vals := counts.Col(j)
		for q, r := range rows {
			sd := math.Sqrt(expected[r])
			if sd == 0 {
				continue
			}
			z := (vals[q] - means[r]) / sd
			if z > clipMax {
				z = clipMax
			}
			sumSq[r] += z * z
			nnz[r]++
		}
	}

	std := make([]float64, nGenes)
	for g := range std {
		sd := math.Sqrt(expected[g])
		if sd == 0 {
			continue
		}
		z0 := -means[g] / sd
		std[g] = (sumSq[g] + float64(n-nnz[g])*z0*z0) / float64(n-1)
	}
	return std
}

// rankDesc returns gene indices ordered by value descending, ties by
// index ascending.
func rankDesc(v []float64) []int {
	order := make([]int, len(v))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool {
		if v[order[a]] != v[order[b]] {
			return v[order[a]] > v[order[b]]
		}
		return order[a] < order[b]
	})
	return order
}
