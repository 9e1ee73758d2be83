package reduce

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/scgo/scpipe/pkg/config"
	"github.com/scgo/scpipe/pkg/dataset"
	"github.com/scgo/scpipe/pkg/errors"
	"github.com/scgo/scpipe/pkg/matrix"
)

// scaleFixture builds a 3 gene x 4 cell layer: gene 0 increases across
// cells, gene 1 is constant (zero variance after centering), gene 2 is
// sparse with one extreme cell.
func scaleFixture(t *testing.T) *matrix.CSC {
	t.Helper()
	var trips []matrix.Triplet
	for j, v := range []float64{1, 2, 3, 4} {
		trips = append(trips, matrix.Triplet{Row: 0, Col: int32(j), Val: v})
	}
	for j := 0; j < 4; j++ {
		trips = append(trips, matrix.Triplet{Row: 1, Col: int32(j), Val: 5})
	}
	trips = append(trips, matrix.Triplet{Row: 2, Col: 3, Val: 100})
	m, err := matrix.NewFromTriplets(3, 4, trips)
	require.NoError(t, err)
	return m
}

func TestScale(t *testing.T) {
	norm := scaleFixture(t)

	scaled, err := Scale(norm, []int{0, 1}, 10)
	require.NoError(t, err)

	r, c := scaled.Dims()
	assert.Equal(t, 4, r)
	assert.Equal(t, 2, c)

	// gene 0: values 1..4, mean 2.5, sample sd sqrt(5/3)
	sd := math.Sqrt(5.0 / 3.0)
	for j, v := range []float64{1, 2, 3, 4} {
		assert.InDelta(t, (v-2.5)/sd, scaled.At(j, 0), 1e-12)
	}

	// gene 1 is constant, so its column must be zero, not NaN
	for j := 0; j < 4; j++ {
		assert.Zero(t, scaled.At(j, 1))
	}
}

func TestScaleClips(t *testing.T) {
	norm := scaleFixture(t)

	scaled, err := Scale(norm, []int{2}, 1)
	require.NoError(t, err)

	// the single extreme cell is clamped, the implicit zeros are not
	assert.Equal(t, 1.0, scaled.At(3, 0))
	for j := 0; j < 3; j++ {
		assert.GreaterOrEqual(t, scaled.At(j, 0), -1.0)
	}
}

func TestScaleErrors(t *testing.T) {
	norm := scaleFixture(t)

	_, err := Scale(nil, []int{0}, 10)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))

	_, err = Scale(norm, nil, 10)
	assert.True(t, errors.IsEmptyResult(err))

	_, err = Scale(norm, []int{0}, 0)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))

	_, err = Scale(norm, []int{7}, 10)
	assert.True(t, errors.IsType(err, errors.ErrorTypeData))

	_, err = Scale(norm, []int{0, 0}, 10)
	assert.True(t, errors.IsType(err, errors.ErrorTypeData))
}

func TestPCA(t *testing.T) {
	// four points on the y=x line: all variance lies on one axis
	x := mat.NewDense(4, 2, []float64{
		-2, -2,
		-1, -1,
		1, 1,
		2, 2,
	})

	scores, explained, err := PCA(x, 2)
	require.NoError(t, err)

	r, c := scores.Dims()
	assert.Equal(t, 4, r)
	assert.Equal(t, 2, c)

	// first component carries everything; its sign is arbitrary
	assert.InDelta(t, 1.0, explained[0], 1e-12)
	assert.InDelta(t, 0.0, explained[1], 1e-12)
	assert.InDelta(t, 2*math.Sqrt2, math.Abs(scores.At(0, 0)), 1e-9)
	assert.InDelta(t, 0.0, scores.At(0, 1), 1e-9)

	// opposite ends of the line project to opposite signs
	assert.Negative(t, scores.At(0, 0)*scores.At(3, 0))
}

func TestPCAValidation(t *testing.T) {
	x := mat.NewDense(4, 2, nil)

	_, _, err := PCA(x, 0)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))

	_, _, err = PCA(x, 3)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))

	one := mat.NewDense(1, 2, nil)
	_, _, err = PCA(one, 1)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}

func TestRun(t *testing.T) {
	norm := scaleFixture(t)
	ds, err := dataset.New(norm,
		&dataset.CellTable{Barcodes: []string{"a", "b", "c", "d"}},
		&dataset.GeneTable{
			IDs:   []string{"g1", "g2", "g3"},
			Names: []string{"g1", "g2", "g3"},
		},
	)
	require.NoError(t, err)
	ds.Norm = norm
	ds.GeneVariance = &dataset.VarianceTable{
		Method:   "vst",
		Selected: []bool{true, false, true},
	}

	cfg := &config.ReduceConfig{NComponents: 50, ClipValue: 10}
	require.NoError(t, Run(context.Background(), ds, cfg))

	red := ds.Reductions["pca"]
	require.NotNil(t, red)
	// 50 requested, but only min(4 cells, 2 hvgs) are feasible
	assert.Equal(t, 2, red.NumComponents())
	r, _ := red.Components.Dims()
	assert.Equal(t, 4, r)
	assert.Len(t, red.VarExplained, 2)
	assert.Equal(t, []int{0, 2}, red.FeatureIdx)
}

func TestRunRequiresUpstreamStages(t *testing.T) {
	counts := scaleFixture(t)
	ds, err := dataset.New(counts,
		&dataset.CellTable{Barcodes: []string{"a", "b", "c", "d"}},
		&dataset.GeneTable{
			IDs:   []string{"g1", "g2", "g3"},
			Names: []string{"g1", "g2", "g3"},
		},
	)
	require.NoError(t, err)

	cfg := &config.ReduceConfig{NComponents: 2, ClipValue: 10}

	err = Run(context.Background(), ds, cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "normalize first")

	ds.Norm = counts
	err = Run(context.Background(), ds, cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hvg first")

	ds.GeneVariance = &dataset.VarianceTable{Selected: []bool{false, false, false}}
	err = Run(context.Background(), ds, cfg)
	require.Error(t, err)
	assert.True(t, errors.IsEmptyResult(err))
}
