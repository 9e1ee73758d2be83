package qc

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scgo/scpipe/pkg/config"
	"github.com/scgo/scpipe/pkg/dataset"
	"github.com/scgo/scpipe/pkg/matrix"
)

// qcDataset builds a 5-gene x 4-cell fixture. Cell 1 carries half its
// counts in the mitochondrial gene; cell 3 is empty.
//
//	MT-1  | 0  5 0 0 |
//	RPS4  | 2  0 1 0 |
//	RPL3  | 1  0 0 0 |
//	CD3D  | 7  5 0 0 |
//	NKG7  | 0  0 9 0 |
func qcDataset(t *testing.T) *dataset.Dataset {
	t.Helper()
	counts, err := matrix.NewFromTriplets(5, 4, []matrix.Triplet{
		{Row: 1, Col: 0, Val: 2},
		{Row: 2, Col: 0, Val: 1},
		{Row: 3, Col: 0, Val: 7},
		{Row: 0, Col: 1, Val: 5},
		{Row: 3, Col: 1, Val: 5},
		{Row: 1, Col: 2, Val: 1},
		{Row: 4, Col: 2, Val: 9},
	})
	require.NoError(t, err)

	ds, err := dataset.New(counts,
		&dataset.CellTable{
			Barcodes: []string{"c0", "c1", "c2", "c3"},
			Samples:  []string{"s", "s", "s", "s"},
		},
		&dataset.GeneTable{
			IDs:   []string{"E1", "E2", "E3", "E4", "E5"},
			Names: []string{"MT-1", "RPS4", "RPL3", "CD3D", "NKG7"},
		},
	)
	require.NoError(t, err)
	return ds
}

func defaultQCConfig() *config.QCConfig {
	return &config.QCConfig{
		MitoPrefixes: []string{"MT-", "mt-"},
		RiboPrefixes: []string{"RPS", "RPL"},
	}
}

func TestCompute(t *testing.T) {
	ds := qcDataset(t)
	require.NoError(t, Compute(context.Background(), ds, defaultQCConfig()))

	assert.Equal(t, []float64{10, 10, 10, 0}, ds.Cells.TotalCounts)
	assert.Equal(t, []int{3, 2, 2, 0}, ds.Cells.NFeatures)

	// Cell 1: 5 of 10 counts in MT-1.
	assert.Equal(t, 0.0, ds.Cells.PctMito[0])
	assert.Equal(t, 50.0, ds.Cells.PctMito[1])
	assert.Equal(t, 0.0, ds.Cells.PctMito[2])

	// Cell 0: RPS4(2) + RPL3(1) of 10.
	assert.Equal(t, 30.0, ds.Cells.PctRibo[0])
	assert.Equal(t, 0.0, ds.Cells.PctRibo[1])
	assert.Equal(t, 10.0, ds.Cells.PctRibo[2])

	// Zero-total cell has undefined fractions.
	assert.True(t, math.IsNaN(ds.Cells.PctMito[3]))
	assert.True(t, math.IsNaN(ds.Cells.PctRibo[3]))

	assert.Equal(t, []float64{5, 3, 1, 12, 9}, ds.Genes.TotalCounts)
	assert.Equal(t, []int{1, 2, 1, 2, 1}, ds.Genes.NCells)
}

func TestComputeFractionsWithinRange(t *testing.T) {
	ds := qcDataset(t)
	require.NoError(t, Compute(context.Background(), ds, defaultQCConfig()))

	for j, pct := range ds.Cells.PctMito {
		if math.IsNaN(pct) {
			continue
		}
		assert.GreaterOrEqual(t, pct, 0.0, "cell %d", j)
		assert.LessOrEqual(t, pct, 100.0, "cell %d", j)
	}
}

func TestComputeIsRerunSafe(t *testing.T) {
	ds := qcDataset(t)
	cfg := defaultQCConfig()
	require.NoError(t, Compute(context.Background(), ds, cfg))
	first := append([]float64(nil), ds.Cells.PctMito...)

	require.NoError(t, Compute(context.Background(), ds, cfg))
	assert.Equal(t, first, ds.Cells.PctMito)
}

func TestMatchPrefixes(t *testing.T) {
	tests := []struct {
		name     string
		names    []string
		prefixes []string
		want     []bool
	}{
		{
			name:     "human mito",
			names:    []string{"MT-CO1", "MTRNR2L8", "CD3D"},
			prefixes: []string{"MT-"},
			want:     []bool{true, false, false},
		},
		{
			name:     "case sensitive",
			names:    []string{"mt-Co1", "MT-CO1"},
			prefixes: []string{"MT-"},
			want:     []bool{false, true},
		},
		{
			name:     "mouse variant listed separately",
			names:    []string{"mt-Co1", "MT-CO1"},
			prefixes: []string{"MT-", "mt-"},
			want:     []bool{true, true},
		},
		{
			name:     "no prefixes",
			names:    []string{"MT-CO1"},
			prefixes: nil,
			want:     []bool{false},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchPrefixes(tt.names, tt.prefixes))
		})
	}
}

func TestComputeNilDataset(t *testing.T) {
	err := Compute(context.Background(), nil, defaultQCConfig())
	require.Error(t, err)
}
