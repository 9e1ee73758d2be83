// Package normalize rescales raw counts so expression is comparable
// across cells with different sequencing depth.
//
// Two strategies are registered: "lognorm" divides by per-cell totals,
// and "pooled" estimates size factors by pooling cells and deconvolving
// the pooled estimates back to individual cells, which is robust to
// composition differences between cell populations. Both store the
// result as the dataset's normalized layer plus a size-factor column,
// with the invariant that expm1(norm) * sf recovers the raw count.
package normalize

import (
	"context"
	"math"

	"go.uber.org/zap"

	"github.com/scgo/scpipe/pkg/config"
	"github.com/scgo/scpipe/pkg/dataset"
	"github.com/scgo/scpipe/pkg/errors"
	"github.com/scgo/scpipe/pkg/logger"
	"github.com/scgo/scpipe/pkg/matrix"
	"github.com/scgo/scpipe/pkg/metrics"
)

// Normalizer computes a normalized expression layer for a dataset.
// Implementations mutate ds, setting Norm and Cells.SizeFactors.
// The seed drives any randomized internals; strategies without
// randomness ignore it.
type Normalizer interface {
	Name() string
	Normalize(ctx context.Context, ds *dataset.Dataset, seed int64) (*Result, error)
}

// Result reports what normalization produced.
type Result struct {
	// SizeFactors is the per-cell divisor applied to counts
	SizeFactors []float64 `json:"size_factors"`
	// ClampedFactors counts deconvolved estimates that came out
	// non-positive and were clamped to the smallest positive one
	ClampedFactors int `json:"clamped_factors,omitempty"`
}

// Run normalizes ds with the configured strategy.
func Run(ctx context.Context, ds *dataset.Dataset, cfg *config.NormalizeConfig, seed int64) (*Result, error) {
	if ds == nil {
		return nil, errors.New(errors.ErrorTypeValidation, "nil dataset")
	}

	norm, err := Create(cfg.Strategy, cfg)
	if err != nil {
		return nil, err
	}

	timer := metrics.NewTimer("normalize")
	defer timer.ObserveStage()

	res, err := norm.Normalize(ctx, ds, seed)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeInternal, "normalizing with %s", norm.Name())
	}

	ds.Cells.SizeFactors = res.SizeFactors

	metrics.StrategyRuns.WithLabelValues("normalize", norm.Name()).Inc()
	metrics.MatrixNonzeros.WithLabelValues("norm").Set(float64(ds.Norm.Nnz()))
	logger.WithContext(ctx).Info("counts normalized",
		zap.String("strategy", norm.Name()),
		zap.Int("cells", ds.NumCells()),
		zap.Int("clamped_factors", res.ClampedFactors),
	)
	return res, nil
}

// logLayer divides every stored count by its cell's size factor and
// applies the configured log transform.
func logLayer(counts *matrix.CSC, sf []float64, base string) *matrix.CSC {
	logFn := math.Log1p
	if base == "2" {
		logFn = func(v float64) float64 { return math.Log2(1 + v) }
	}
	return counts.Apply(func(_, j int, v float64) float64 {
		return logFn(v / sf[j])
	})
}

// libSizes returns the per-cell totals, rejecting empty cells: a zero
// total has no defined size factor.
func libSizes(ds *dataset.Dataset) ([]float64, error) {
	lib := ds.Counts.ColSums()
	for j, t := range lib {
		if t <= 0 {
			return nil, errors.Newf(errors.ErrorTypeNumeric,
				"cell %s has zero counts; filter empty cells before normalizing", ds.Cells.Barcodes[j])
		}
	}
	return lib, nil
}
