package hvg

import (
	"context"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/scgo/scpipe/pkg/config"
	"github.com/scgo/scpipe/pkg/dataset"
	"github.com/scgo/scpipe/pkg/errors"
)

func init() {
	_ = Register("trend", func(cfg *config.HVGConfig) (Selector, error) {
		if cfg.Span <= 0 || cfg.Span > 1 {
			return nil, errors.Newf(errors.ErrorTypeConfig, "span %g must be in (0, 1]", cfg.Span)
		}
		if cfg.FDRThreshold <= 0 || cfg.FDRThreshold >= 1 {
			return nil, errors.Newf(errors.ErrorTypeConfig, "fdr threshold %g must be in (0, 1)", cfg.FDRThreshold)
		}
		return &trendSelector{span: cfg.Span, fdr: cfg.FDRThreshold}, nil
	})
}

// trendSelector decomposes each gene's variance of normalized
// expression into the technical level predicted by a mean-variance
// trend plus a biological remainder, then tests the remainder for
// significance. Assumes most genes are not variable, so the trend can
// be fitted on all of them and the spread of residuals estimates the
// noise of the decomposition.
type trendSelector struct {
	span float64
	fdr  float64
}

// Name implements Selector.
func (s *trendSelector) Name() string { return "trend" }

// Select implements Selector.
func (s *trendSelector) Select(ctx context.Context, ds *dataset.Dataset) (*Result, error) {
	if ds.Norm == nil {
		return nil, errors.New(errors.ErrorTypeValidation, "normalized layer missing; run normalize first")
	}
	if ds.NumCells() < 2 {
		return nil, errors.New(errors.ErrorTypeData, "feature selection needs at least 2 cells")
	}

	means, variances := geneMoments(ds.Norm)
	nGenes := len(means)

	var fitIdx []int
	for g := range means {
		if means[g] > 0 && variances[g] > 0 {
			fitIdx = append(fitIdx, g)
		}
	}
	if len(fitIdx) < 2 {
		return nil, errors.New(errors.ErrorTypeNumeric, "too few expressed genes to fit a variance trend")
	}

	fx := make([]float64, len(fitIdx))
	fy := make([]float64, len(fitIdx))
	for i, g := range fitIdx {
		fx[i] = means[g]
		fy[i] = variances[g]
	}
	fit, err := loessFit(fx, fy, s.span)
	if err != nil {
		return nil, err
	}

	expected := make([]float64, nGenes)
	for i, g := range fitIdx {
		expected[g] = math.Max(fit[i], 0)
	}

	bio := make([]float64, nGenes)
	for g := range bio {
		bio[g] = variances[g] - expected[g]
	}

	spread := madSigma(bio, fitIdx)
	pvals := make([]float64, nGenes)
	for g := range pvals {
		switch {
		case spread > 0:
			pvals[g] = distuv.UnitNormal.Survival(bio[g] / spread)
		case bio[g] > 0:
			pvals[g] = 0
		default:
			pvals[g] = 1
		}
	}
	fdr := benjaminiHochberg(pvals)

	selected := make([]bool, nGenes)
	var sel []int
	for g := range fdr {
		if fdr[g] <= s.fdr && bio[g] > 0 {
			selected[g] = true
			sel = append(sel, g)
		}
	}
	sort.Slice(sel, func(a, b int) bool {
		if bio[sel[a]] != bio[sel[b]] {
			return bio[sel[a]] > bio[sel[b]]
		}
		return sel[a] < sel[b]
	})
	ids := make([]string, len(sel))
	for i, g := range sel {
		ids[i] = ds.Genes.IDs[g]
	}

	return &Result{
		IDs: ids,
		Table: &dataset.VarianceTable{
			Method:    "trend",
			Means:     means,
			Variances: variances,
			Expected:  expected,
			Residuals: bio,
			PValues:   pvals,
			FDR:       fdr,
			Selected:  selected,
		},
	}, nil
}

// madSigma estimates the spread of the biological residuals at the
// fitted genes with the scaled median absolute deviation, which the
// variable genes themselves cannot inflate.
func madSigma(bio []float64, fitIdx []int) float64 {
	r := make([]float64, len(fitIdx))
	for i, g := range fitIdx {
		r[i] = bio[g]
	}
	sort.Float64s(r)
	med := stat.Quantile(0.5, stat.Empirical, r, nil)
	for i := range r {
		r[i] = math.Abs(r[i] - med)
	}
	sort.Float64s(r)
	// 1.4826 rescales a MAD to a normal standard deviation
	return 1.4826 * stat.Quantile(0.5, stat.Empirical, r, nil)
}

// benjaminiHochberg adjusts p-values for multiple testing, keeping the
// adjusted values monotone from the largest p down.
func benjaminiHochberg(p []float64) []float64 {
	n := len(p)
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool { return p[order[a]] < p[order[b]] })

	fdr := make([]float64, n)
	running := 1.0
	for i := n - 1; i >= 0; i-- {
		if v := p[order[i]] * float64(n) / float64(i+1); v < running {
			running = v
		}
		fdr[order[i]] = running
	}
	return fdr
}
