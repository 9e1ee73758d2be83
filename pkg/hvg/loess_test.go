package hvg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scgo/scpipe/pkg/errors"
)

func TestLoessFitRecoversLine(t *testing.T) {
	x := make([]float64, 10)
	y := make([]float64, 10)
	for i := range x {
		x[i] = float64(i)
		y[i] = 2*float64(i) + 1
	}

	fitted, err := loessFit(x, y, 0.5)
	require.NoError(t, err)
	assert.InDeltaSlice(t, y, fitted, 1e-9)
}

func TestLoessFitConstant(t *testing.T) {
	x := []float64{1, 2, 3, 4, 5}
	y := []float64{3, 3, 3, 3, 3}

	fitted, err := loessFit(x, y, 1)
	require.NoError(t, err)
	assert.InDeltaSlice(t, y, fitted, 1e-9)
}

func TestLoessFitIsLocal(t *testing.T) {
	// step function: a small window must not mix the two plateaus
	x := make([]float64, 10)
	y := make([]float64, 10)
	for i := range x {
		x[i] = float64(i)
		if i >= 5 {
			y[i] = 10
		}
	}

	fitted, err := loessFit(x, y, 0.3)
	require.NoError(t, err)
	assert.InDelta(t, 0, fitted[0], 1e-9)
	assert.InDelta(t, 0, fitted[1], 1e-9)
	assert.InDelta(t, 10, fitted[8], 1e-9)
	assert.InDelta(t, 10, fitted[9], 1e-9)
}

func TestLoessFitUnsortedInput(t *testing.T) {
	x := []float64{4, 0, 2, 3, 1}
	y := make([]float64, len(x))
	for i, v := range x {
		y[i] = 2*v + 1
	}

	fitted, err := loessFit(x, y, 0.8)
	require.NoError(t, err)
	assert.InDeltaSlice(t, y, fitted, 1e-9)
}

func TestLoessFitValidation(t *testing.T) {
	tests := []struct {
		name string
		x, y []float64
		span float64
	}{
		{name: "length mismatch", x: []float64{1, 2}, y: []float64{1}, span: 0.5},
		{name: "too few points", x: []float64{1}, y: []float64{1}, span: 0.5},
		{name: "zero span", x: []float64{1, 2}, y: []float64{1, 2}, span: 0},
		{name: "span above one", x: []float64{1, 2}, y: []float64{1, 2}, span: 1.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loessFit(tt.x, tt.y, tt.span)
			require.Error(t, err)
			assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
		})
	}
}
