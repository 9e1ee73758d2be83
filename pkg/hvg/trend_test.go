package hvg

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scgo/scpipe/pkg/config"
	"github.com/scgo/scpipe/pkg/dataset"
	"github.com/scgo/scpipe/pkg/errors"
)

// geneValues builds six values with exact mean m and sample variance
// v: one cell at m+a and five at m-a/5.
func geneValues(m, v float64) []float64 {
	a := math.Sqrt(v / 0.24)
	row := []float64{m + a, m - a/5, m - a/5, m - a/5, m - a/5, m - a/5}
	return row
}

// trendDataset puts eight genes close to the line variance = 0.1*mean
// and one gene (index 3) far above it.
func trendDataset(t *testing.T) *dataset.Dataset {
	t.Helper()

	rows := [][]float64{
		geneValues(1, 0.11),
		geneValues(2, 0.19),
		geneValues(3, 0.31),
		geneValues(4, 50),
		geneValues(3.9, 0.398),
		geneValues(4.1, 0.40),
		geneValues(5, 0.51),
		geneValues(6, 0.59),
		geneValues(7, 0.712),
	}
	ds := denseDataset(t, rows)
	ds.Norm = ds.Counts.Clone()
	return ds
}

func TestTrendSelectsOutlier(t *testing.T) {
	ds := trendDataset(t)
	cfg := &config.HVGConfig{Strategy: "trend", Span: 0.4, FDRThreshold: 1e-5}

	res, err := Run(context.Background(), ds, cfg)
	require.NoError(t, err)

	assert.Equal(t, []string{"ENSG4"}, res.IDs)

	table := res.Table
	assert.Equal(t, "trend", table.Method)
	assert.Equal(t, 1, table.NumSelected())
	assert.True(t, table.Selected[3])

	// biological variance well above the trend, significant after
	// adjustment
	assert.Greater(t, table.Residuals[3], 10.0)
	assert.LessOrEqual(t, table.FDR[3], 1e-5)

	// a gene on the trend is nowhere near significance
	assert.Greater(t, table.FDR[0], 0.01)
	assert.InDelta(t, 0.11, table.Expected[0], 0.05)
}

func TestTrendRequiresNormalizedLayer(t *testing.T) {
	ds := denseDataset(t, [][]float64{{1, 2}, {2, 1}})
	cfg := &config.HVGConfig{Strategy: "trend", Span: 0.5, FDRThreshold: 1e-5}

	_, err := Run(context.Background(), ds, cfg)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
	assert.Contains(t, err.Error(), "run normalize first")
}

func TestTrendFactoryValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  *config.HVGConfig
	}{
		{name: "zero span", cfg: &config.HVGConfig{Span: 0, FDRThreshold: 1e-5}},
		{name: "zero threshold", cfg: &config.HVGConfig{Span: 0.3, FDRThreshold: 0}},
		{name: "threshold of one", cfg: &config.HVGConfig{Span: 0.3, FDRThreshold: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Create("trend", tt.cfg)
			require.Error(t, err)
			assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
		})
	}
}

func TestBenjaminiHochberg(t *testing.T) {
	fdr := benjaminiHochberg([]float64{0.01, 0.02, 0.03, 0.04})
	assert.InDeltaSlice(t, []float64{0.04, 0.04, 0.04, 0.04}, fdr, 1e-12)

	fdr = benjaminiHochberg([]float64{0.005, 0.5, 1, 0.9})
	assert.InDeltaSlice(t, []float64{0.02, 1, 1, 1}, fdr, 1e-12)
}

func TestMadSigma(t *testing.T) {
	bio := []float64{1, 2, 3, 100}
	assert.InDelta(t, 1.4826, madSigma(bio, []int{0, 1, 2, 3}), 1e-12)

	// an outlier-free majority of zeros collapses the spread
	assert.Zero(t, madSigma([]float64{0, 0, 0, 10}, []int{0, 1, 2, 3}))
}
