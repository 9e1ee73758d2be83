package filter

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scgo/scpipe/pkg/config"
	"github.com/scgo/scpipe/pkg/dataset"
	"github.com/scgo/scpipe/pkg/errors"
	"github.com/scgo/scpipe/pkg/matrix"
)

// filterDataset builds a 5 gene x 4 cell dataset with QC columns set
// by hand: cell CCC sits at exactly 50% mito, cell TTT is empty.
func filterDataset(t *testing.T) *dataset.Dataset {
	t.Helper()

	m, err := matrix.NewFromTriplets(5, 4, []matrix.Triplet{
		{Row: 0, Col: 0, Val: 1},
		{Row: 1, Col: 1, Val: 2},
		{Row: 2, Col: 2, Val: 3},
		{Row: 3, Col: 3, Val: 4},
	})
	require.NoError(t, err)

	ds, err := dataset.New(m,
		&dataset.CellTable{
			Barcodes: []string{"AAA", "CCC", "GGG", "TTT"},
			Samples:  []string{"s1", "s1", "s2", "s2"},
		},
		&dataset.GeneTable{
			IDs:   []string{"ENSG1", "ENSG2", "ENSG3", "ENSG4", "ENSG5"},
			Names: []string{"G1", "G2", "G3", "G4", "G5"},
		},
	)
	require.NoError(t, err)

	ds.Cells.TotalCounts = []float64{10, 10, 8, 0}
	ds.Cells.NFeatures = []int{3, 2, 2, 0}
	ds.Cells.PctMito = []float64{0, 50, 10, math.NaN()}
	ds.Cells.PctRibo = []float64{30, 0, 10, math.NaN()}
	ds.Genes.NCells = []int{1, 1, 1, 1, 0}
	ds.Genes.TotalCounts = []float64{1, 2, 3, 4, 0}
	return ds
}

func TestCells(t *testing.T) {
	ds := filterDataset(t)

	out, summary, err := Cells(context.Background(), ds,
		MinCounts(5), MaxPctMito(25))
	require.NoError(t, err)

	assert.Equal(t, []string{"AAA", "GGG"}, out.Cells.Barcodes)
	assert.Equal(t, 4, summary.Before)
	assert.Equal(t, 2, summary.After)
	assert.Equal(t, 2, summary.Removed)
	assert.Equal(t, 2, summary.FailedBy["pct_mito<25"])
	assert.Equal(t, 1, summary.FailedBy["min_counts>=5"])

	// the input is untouched
	assert.Equal(t, 4, ds.NumCells())
}

func TestCellsBoundaries(t *testing.T) {
	ds := filterDataset(t)

	t.Run("pct mito threshold is strict", func(t *testing.T) {
		// CCC sits at exactly 50% and must not survive a <50 cut
		out, _, err := Cells(context.Background(), ds, MaxPctMito(50))
		require.NoError(t, err)
		assert.NotContains(t, out.Cells.Barcodes, "CCC")
		assert.Contains(t, out.Cells.Barcodes, "AAA")
	})

	t.Run("min counts threshold is inclusive", func(t *testing.T) {
		out, _, err := Cells(context.Background(), ds, MinCounts(10))
		require.NoError(t, err)
		assert.Equal(t, []string{"AAA", "CCC"}, out.Cells.Barcodes)
	})

	t.Run("nan fractions never pass", func(t *testing.T) {
		out, _, err := Cells(context.Background(), ds, MaxPctMito(1000))
		require.NoError(t, err)
		assert.NotContains(t, out.Cells.Barcodes, "TTT")
	})
}

func TestCellUpperBounds(t *testing.T) {
	ds := filterDataset(t)

	t.Run("max counts is inclusive", func(t *testing.T) {
		out, _, err := Cells(context.Background(), ds, MaxCounts(8))
		require.NoError(t, err)
		assert.Equal(t, []string{"GGG", "TTT"}, out.Cells.Barcodes)
	})

	t.Run("max features is inclusive", func(t *testing.T) {
		out, _, err := Cells(context.Background(), ds, MaxFeatures(2))
		require.NoError(t, err)
		assert.Equal(t, []string{"CCC", "GGG", "TTT"}, out.Cells.Barcodes)
	})

	t.Run("max ribo percentage", func(t *testing.T) {
		pred := MaxPct("pct_ribo", 30)
		assert.Equal(t, "pct_ribo<30", pred.Name)
		out, _, err := Cells(context.Background(), ds, pred)
		require.NoError(t, err)
		assert.Equal(t, []string{"CCC", "GGG"}, out.Cells.Barcodes)
	})

	t.Run("non empty drops zero-count cells", func(t *testing.T) {
		out, summary, err := Cells(context.Background(), ds, NonEmpty())
		require.NoError(t, err)
		assert.NotContains(t, out.Cells.Barcodes, "TTT")
		assert.Equal(t, 1, summary.FailedBy["non_empty"])
	})
}

func TestCellsIdempotent(t *testing.T) {
	ds := filterDataset(t)
	preds := []CellPredicate{MinCounts(5), MinFeatures(2), MaxPctMito(25)}

	once, _, err := Cells(context.Background(), ds, preds...)
	require.NoError(t, err)
	twice, summary, err := Cells(context.Background(), once, preds...)
	require.NoError(t, err)

	assert.Equal(t, 0, summary.Removed)
	assert.Equal(t, once.Cells.Barcodes, twice.Cells.Barcodes)
	assert.Equal(t, once.Counts.Nnz(), twice.Counts.Nnz())
}

func TestCellsLockstep(t *testing.T) {
	ds := filterDataset(t)

	out, _, err := Cells(context.Background(), ds, DropBarcodes("CCC"))
	require.NoError(t, err)

	// Annotation rows and matrix columns move together.
	assert.Equal(t, []string{"AAA", "GGG", "TTT"}, out.Cells.Barcodes)
	assert.Equal(t, []float64{10, 8, 0}, out.Cells.TotalCounts)
	assert.Equal(t, ds.Counts.At(2, 2), out.Counts.At(2, 1))
	require.NoError(t, out.Validate())
}

func TestCellsAllRemoved(t *testing.T) {
	ds := filterDataset(t)

	_, _, err := Cells(context.Background(), ds, MinCounts(1e6))
	require.Error(t, err)
	assert.True(t, errors.IsEmptyResult(err))
}

func TestCellsMissingColumn(t *testing.T) {
	ds := filterDataset(t)
	ds.Cells.PctMito = nil

	_, _, err := Cells(context.Background(), ds, MaxPctMito(25))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
	assert.Contains(t, err.Error(), "run qc first")
}

func TestDropBarcodesAndKeepSamples(t *testing.T) {
	ds := filterDataset(t)

	out, _, err := Cells(context.Background(), ds, DropBarcodes("GGG"))
	require.NoError(t, err)
	assert.Equal(t, []string{"AAA", "CCC", "TTT"}, out.Cells.Barcodes)

	out, _, err = Cells(context.Background(), ds, KeepSamples("s2"))
	require.NoError(t, err)
	assert.Equal(t, []string{"GGG", "TTT"}, out.Cells.Barcodes)
	assert.Equal(t, []string{"s2", "s2"}, out.Cells.Samples)
}

func TestAnd(t *testing.T) {
	ds := filterDataset(t)
	pred := And(MinCounts(5), MaxPctMito(25))
	assert.Equal(t, "min_counts>=5 and pct_mito<25", pred.Name)
	assert.ElementsMatch(t, []string{"total_counts", "pct_mito"}, pred.Requires)

	separate, _, err := Cells(context.Background(), ds, MinCounts(5), MaxPctMito(25))
	require.NoError(t, err)
	combined, summary, err := Cells(context.Background(), ds, pred)
	require.NoError(t, err)

	// Same survivors either way; the conjunction counts once per cell.
	assert.Equal(t, separate.Cells.Barcodes, combined.Cells.Barcodes)
	assert.Equal(t, 2, summary.FailedBy[pred.Name])
}

func TestByLabel(t *testing.T) {
	ds := filterDataset(t)
	ds.Cells.Chemistry = []string{"v2", "v2", "v3", "v3"}

	t.Run("per-chemistry bounds", func(t *testing.T) {
		out, _, err := Cells(context.Background(), ds, ByLabel("chemistry",
			map[string]CellPredicate{
				"v2": MinCounts(10),
				"v3": MinCounts(5),
			}, CellPredicate{}))
		require.NoError(t, err)
		assert.Equal(t, []string{"AAA", "CCC", "GGG"}, out.Cells.Barcodes)
	})

	t.Run("unlisted labels use the fallback", func(t *testing.T) {
		out, _, err := Cells(context.Background(), ds, ByLabel("chemistry",
			map[string]CellPredicate{"v2": MinCounts(1e6)}, NonEmpty()))
		require.NoError(t, err)
		assert.Equal(t, []string{"GGG"}, out.Cells.Barcodes)
	})

	t.Run("nil fallback keeps unlisted labels", func(t *testing.T) {
		out, _, err := Cells(context.Background(), ds, ByLabel("chemistry",
			map[string]CellPredicate{"v2": MinCounts(1e6)}, CellPredicate{}))
		require.NoError(t, err)
		assert.Equal(t, []string{"GGG", "TTT"}, out.Cells.Barcodes)
	})

	t.Run("samples dispatch", func(t *testing.T) {
		out, _, err := Cells(context.Background(), ds, ByLabel("samples",
			map[string]CellPredicate{"s1": MaxPctMito(25)}, CellPredicate{}))
		require.NoError(t, err)
		assert.Equal(t, []string{"AAA", "GGG", "TTT"}, out.Cells.Barcodes)
	})

	t.Run("missing chemistry column", func(t *testing.T) {
		bare := filterDataset(t)
		_, _, err := Cells(context.Background(), bare, ByLabel("chemistry",
			map[string]CellPredicate{"v2": NonEmpty()}, CellPredicate{}))
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
		assert.Contains(t, err.Error(), "set it on the inputs")
	})
}

func TestGenes(t *testing.T) {
	ds := filterDataset(t)

	out, summary, err := Genes(context.Background(), ds, MinCells(1))
	require.NoError(t, err)
	assert.Equal(t, []string{"G1", "G2", "G3", "G4"}, out.Genes.Names)
	assert.Equal(t, 1, summary.Removed)

	out, _, err = Genes(context.Background(), ds, DropGeneNames("G2", "G4"))
	require.NoError(t, err)
	assert.Equal(t, []string{"G1", "G3", "G5"}, out.Genes.Names)
}

func TestAndGenes(t *testing.T) {
	ds := filterDataset(t)

	out, _, err := Genes(context.Background(), ds, AndGenes(MinCells(1), DropGeneNames("G2")))
	require.NoError(t, err)
	assert.Equal(t, []string{"G1", "G3", "G4"}, out.Genes.Names)
}

func TestGenesAllRemoved(t *testing.T) {
	ds := filterDataset(t)

	_, _, err := Genes(context.Background(), ds, MinCells(100))
	require.Error(t, err)
	assert.True(t, errors.IsEmptyResult(err))
}

func TestGenesMissingColumn(t *testing.T) {
	ds := filterDataset(t)
	ds.Genes.NCells = nil

	_, _, err := Genes(context.Background(), ds, MinCells(3))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}

func TestFromConfig(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg := config.NewAnalysisConfig("t")
		cells := CellsFromConfig(&cfg.Filter)
		genes := GenesFromConfig(&cfg.Filter)
		assert.Len(t, cells, 3)
		assert.Len(t, genes, 1)
	})

	t.Run("zero disables", func(t *testing.T) {
		cfg := &config.FilterConfig{MaxPctMito: 15}
		cells := CellsFromConfig(cfg)
		require.Len(t, cells, 1)
		assert.Equal(t, "pct_mito<15", cells[0].Name)
		assert.Empty(t, GenesFromConfig(cfg))
	})

	t.Run("upper bounds", func(t *testing.T) {
		cfg := &config.FilterConfig{MaxCounts: 30000, MaxFeatures: 6000}
		cells := CellsFromConfig(cfg)
		require.Len(t, cells, 2)
		assert.Equal(t, "max_counts<=30000", cells[0].Name)
		assert.Equal(t, "max_features<=6000", cells[1].Name)
	})
}
