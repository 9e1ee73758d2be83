// Package hvg ranks genes by how much they vary beyond technical
// noise and flags the top of the ranking as highly variable.
//
// Two strategies are registered: "vst" fits a mean-variance trend on
// raw counts and ranks genes by the variance of their standardized
// values, and "trend" decomposes the variance of normalized expression
// into a fitted technical component and a biological remainder tested
// for significance. Both fill the dataset's variance table; downstream
// stages consume the selected flags.
package hvg

import (
	"context"

	"go.uber.org/zap"

	"github.com/scgo/scpipe/pkg/config"
	"github.com/scgo/scpipe/pkg/dataset"
	"github.com/scgo/scpipe/pkg/errors"
	"github.com/scgo/scpipe/pkg/logger"
	"github.com/scgo/scpipe/pkg/matrix"
	"github.com/scgo/scpipe/pkg/metrics"
)

// Selector picks highly variable genes from a dataset.
type Selector interface {
	Name() string
	Select(ctx context.Context, ds *dataset.Dataset) (*Result, error)
}

// Result reports what feature selection produced.
type Result struct {
	// IDs lists the selected gene identifiers in rank order, best first
	IDs []string `json:"ids"`
	// Table is the full per-gene decomposition, aligned with the gene axis
	Table *dataset.VarianceTable `json:"-"`
}

// Run selects variable features with the configured strategy and
// stores the variance table on the dataset.
func Run(ctx context.Context, ds *dataset.Dataset, cfg *config.HVGConfig) (*Result, error) {
	if ds == nil {
		return nil, errors.New(errors.ErrorTypeValidation, "nil dataset")
	}

	sel, err := Create(cfg.Strategy, cfg)
	if err != nil {
		return nil, err
	}

	timer := metrics.NewTimer("hvg")
	defer timer.ObserveStage()

	res, err := sel.Select(ctx, ds)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeInternal, "selecting features with %s", sel.Name())
	}

	ds.GeneVariance = res.Table
	metrics.StrategyRuns.WithLabelValues("hvg", sel.Name()).Inc()
	logger.WithContext(ctx).Info("variable features selected",
		zap.String("strategy", sel.Name()),
		zap.Int("selected", len(res.IDs)),
		zap.Int("genes", ds.NumGenes()),
	)
	return res, nil
}

// Intersect returns the identifiers present in both lists, preserving
// a's order. Strategies are compared by intersecting their outputs.
func Intersect(a, b []string) []string {
	in := make(map[string]bool, len(b))
	for _, id := range b {
		in[id] = true
	}
	out := make([]string, 0, len(a))
	for _, id := range a {
		if in[id] {
			out = append(out, id)
			in[id] = false
		}
	}
	return out
}

// geneMoments computes the per-gene mean and sample variance of a
// layer, zeros included. Cancellation can push a tiny variance
// negative, which is clamped.
func geneMoments(m *matrix.CSC) (means, variances []float64) {
	sums, sumSqs, _ := m.RowStats()
	n := float64(m.Cols())

	means = make([]float64, len(sums))
	variances = make([]float64, len(sums))
	for g := range sums {
		means[g] = sums[g] / n
		v := (sumSqs[g] - sums[g]*sums[g]/n) / (n - 1)
		if v < 0 {
			v = 0
		}
		variances[g] = v
	}
	return means, variances
}
