package cluster

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/scgo/scpipe/pkg/errors"
)

// blobs builds two tight 2D point groups far apart: rows 0-3 near the
// origin, rows 4-7 near (10, 10).
func blobs() *mat.Dense {
	return mat.NewDense(8, 2, []float64{
		0, 0,
		0.1, 0,
		0, 0.1,
		0.1, 0.1,
		10, 10,
		10.1, 10,
		10, 10.1,
		10.1, 10.1,
	})
}

func TestKMeans(t *testing.T) {
	x := blobs()

	labels, err := KMeans(x, 2, 42, 50)
	require.NoError(t, err)
	require.Len(t, labels, 8)

	for i := 1; i < 4; i++ {
		assert.Equal(t, labels[0], labels[i], "origin blob split")
	}
	for i := 5; i < 8; i++ {
		assert.Equal(t, labels[4], labels[i], "far blob split")
	}
	assert.NotEqual(t, labels[0], labels[4], "blobs merged")
}

func TestKMeansDeterministic(t *testing.T) {
	x := blobs()

	first, err := KMeans(x, 2, 7, 50)
	require.NoError(t, err)
	second, err := KMeans(x, 2, 7, 50)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestKMeansValidation(t *testing.T) {
	x := blobs()

	_, err := KMeans(x, 0, 42, 50)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))

	_, err = KMeans(x, 9, 42, 50)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))

	_, err = KMeans(x, 2, 42, 0)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}

func TestEnforceMinSize(t *testing.T) {
	// a straggler point beyond the far blob gets its own label
	x := mat.NewDense(8, 2, []float64{
		0, 0,
		0.1, 0,
		0, 0.1,
		0.1, 0.1,
		10, 10,
		10.1, 10,
		10, 10.1,
		10.2, 10.2,
	})
	labels := []int{0, 0, 0, 0, 1, 1, 1, 2}

	merged, nc, err := EnforceMinSize(x, labels, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, nc)
	assert.Equal(t, []int{0, 0, 0, 0, 1, 1, 1, 1}, merged)
}

func TestEnforceMinSizeCollapsesToOne(t *testing.T) {
	x := blobs()
	labels := []int{0, 0, 0, 0, 1, 1, 1, 1}

	merged, nc, err := EnforceMinSize(x, labels, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, nc)
	for _, l := range merged {
		assert.Zero(t, l)
	}
}

func TestEnforceMinSizeValidation(t *testing.T) {
	_, _, err := EnforceMinSize(blobs(), []int{0, 1}, 2)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}
