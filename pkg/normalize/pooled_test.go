package normalize

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

// buildDataset assembles a dataset from dense per-cell profiles, one
// slice of gene values per cell. Zeros stay unstored.
func buildDataset(t *testing.T, nGenes int, profiles [][]float64) *dataset.Dataset {
	t.Helper()

	var trips []matrix.Triplet
	barcodes := make([]string, len(profiles))
	samples := make([]string, len(profiles))
	for j, p := range profiles {
		barcodes[j] = string(rune('A'+j)) + "AA"
		samples[j] = "s1"
		for g, v := range p {
			if v != 0 {
				trips = append(trips, matrix.Triplet{Row: int32(g), Col: int32(j), Val: v})
			}
		}
	}
	m, err := matrix.NewFromTriplets(nGenes, len(profiles), trips)
	require.NoError(t, err)

	ids := make([]string, nGenes)
	names := make([]string, nGenes)
	for g := range ids {
		ids[g] = "ENSG" + string(rune('1'+g))
		names[g] = "G" + string(rune('1'+g))
	}
	ds, err := dataset.New(m, &dataset.CellTable{Barcodes: barcodes, Samples: samples},
		&dataset.GeneTable{IDs: ids, Names: names})
	require.NoError(t, err)
	return ds
}

// scaled returns base multiplied by f.
func scaled(base []float64, f float64) []float64 {
	out := make([]float64, len(base))
	for i, v := range base {
		out[i] = v * f
	}
	return out
}

// TestPooledRecoversLibraryFactors checks the identifiable case: when
// every cell shares one expression profile, the deconvolved factors
// must match plain library-size factors.
func TestPooledRecoversLibraryFactors(t *testing.T) {
	base := []float64{5, 3, 2, 1, 1}
	profiles := make([][]float64, 8)
	for j := range profiles {
		profiles[j] = scaled(base, float64(j+1))
	}
	ds := buildDataset(t, 5, profiles)

	cfg := &config.NormalizeConfig{
		Strategy:    "pooled",
		ScaleFactor: 100,
		Pooled:      config.PooledConfig{MinClusterSize: 100},
	}
	res, err := Run(context.Background(), ds, cfg, 42)
	require.NoError(t, err)

	// library size of cell j is 12*(j+1)
	want := make([]float64, 8)
	for j := range want {
		want[j] = 12 * float64(j+1) / 100
	}
	assert.InDeltaSlice(t, want, res.SizeFactors, 1e-8)
	assert.Zero(t, res.ClampedFactors)
	assert.Equal(t, res.SizeFactors, ds.Cells.SizeFactors)
}

func TestPooledRoundTrip(t *testing.T) {
	base := []float64{5, 3, 2, 1, 1}
	profiles := make([][]float64, 8)
	for j := range profiles {
		profiles[j] = scaled(base, float64(j+1))
	}
	ds := buildDataset(t, 5, profiles)

	cfg := &config.NormalizeConfig{
		Strategy:    "pooled",
		ScaleFactor: 1e4,
		Pooled:      config.PooledConfig{MinClusterSize: 100},
	}
	res, err := Run(context.Background(), ds, cfg, 42)
	require.NoError(t, err)

	for _, tr := range ds.Counts.Triplets() {
		back := math.Expm1(ds.Norm.At(int(tr.Row), int(tr.Col))) * res.SizeFactors[tr.Col]
		assert.InDelta(t, tr.Val, back, 1e-9)
	}
}

// TestPooledTwoPopulations runs the full path with coarse clustering:
// two populations expressing disjoint marker genes, each proportional
// internally, still come out with library-size factors.
func TestPooledTwoPopulations(t *testing.T) {
	popA := []float64{20, 0, 0, 1, 1}
	popB := []float64{0, 20, 0, 1, 1}
	profiles := make([][]float64, 0, 12)
	for d := 1; d <= 6; d++ {
		profiles = append(profiles, scaled(popA, float64(d)))
	}
	for d := 1; d <= 6; d++ {
		profiles = append(profiles, scaled(popB, float64(d)))
	}
	ds := buildDataset(t, 5, profiles)

	cfg := &config.NormalizeConfig{
		Strategy:    "pooled",
		ScaleFactor: 100,
		Pooled:      config.PooledConfig{MinClusterSize: 4, PoolSizes: []int{3, 5}},
	}
	res, err := Run(context.Background(), ds, cfg, 42)
	require.NoError(t, err)

	// both populations total 22 per depth unit
	want := make([]float64, 12)
	for j := range want {
		want[j] = 22 * float64(j%6+1) / 100
	}
	assert.InDeltaSlice(t, want, res.SizeFactors, 1e-8)
}

func TestPooledDeterministic(t *testing.T) {
	popA := []float64{20, 0, 0, 1, 1}
	popB := []float64{0, 20, 0, 1, 1}
	profiles := make([][]float64, 0, 12)
	for d := 1; d <= 6; d++ {
		profiles = append(profiles, scaled(popA, float64(d)), scaled(popB, float64(d)))
	}

	cfg := &config.NormalizeConfig{
		Strategy:    "pooled",
		ScaleFactor: 100,
		Pooled:      config.PooledConfig{MinClusterSize: 4},
	}
	first, err := Run(context.Background(), buildDataset(t, 5, profiles), cfg, 7)
	require.NoError(t, err)
	second, err := Run(context.Background(), buildDataset(t, 5, profiles), cfg, 7)
	require.NoError(t, err)

	assert.Equal(t, first.SizeFactors, second.SizeFactors)
}

func TestPooledConfigValidation(t *testing.T) {
	ds := buildDataset(t, 2, [][]float64{{1, 1}, {2, 2}})

	tests := []struct {
		name string
		cfg  *config.NormalizeConfig
	}{
		{
			name: "zero min cluster size",
			cfg: &config.NormalizeConfig{
				Strategy:    "pooled",
				ScaleFactor: 100,
				Pooled:      config.PooledConfig{MinClusterSize: 0},
			},
		},
		{
			name: "non-positive pool size",
			cfg: &config.NormalizeConfig{
				Strategy:    "pooled",
				ScaleFactor: 100,
				Pooled:      config.PooledConfig{MinClusterSize: 50, PoolSizes: []int{5, 0}},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Run(context.Background(), ds, tt.cfg, 42)
			require.Error(t, err)
			assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
		})
	}
}

func TestCappedSizes(t *testing.T) {
	assert.Equal(t, []int{8}, cappedSizes([]int{21, 26, 101}, 8))
	assert.Equal(t, []int{3, 5, 10}, cappedSizes([]int{5, 3, 5, 21}, 10))
	assert.Equal(t, []int{2}, cappedSizes([]int{2}, 8))
}

func TestMedian(t *testing.T) {
	xs := []float64{3, 1, 2}
	assert.Equal(t, 2.0, median(xs))
	assert.Equal(t, []float64{3, 1, 2}, xs)

	assert.Equal(t, 2.5, median([]float64{4, 1, 3, 2}))
}

func TestClampFactors(t *testing.T) {
	sf := []float64{-1, 0, 2, 0.5}
	clamped, err := clampFactors(sf)
	require.NoError(t, err)
	assert.Equal(t, 2, clamped)
	assert.Equal(t, []float64{0.5, 0.5, 2, 0.5}, sf)

	_, err = clampFactors([]float64{-1, 0})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeNumeric))
}

func TestClusterScale(t *testing.T) {
	scale := clusterScale([]float64{2, 4}, []int{0, 2}, []float64{1, 0, 2})
	assert.Equal(t, 2.0, scale)

	// no shared expressed genes leaves the cluster unanchored
	assert.True(t, math.IsNaN(clusterScale([]float64{2}, []int{1}, []float64{1, 0, 2})))
}
