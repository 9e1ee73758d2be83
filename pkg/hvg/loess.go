package hvg

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/scgo/scpipe/pkg/errors"
)

// loessFit smooths y as a function of x by local weighted linear
// regression: each point is fitted from the span fraction of nearest
// points, weighted by a tricube kernel. Fitted values are returned in
// the input order.
func loessFit(x, y []float64, span float64) ([]float64, error) {
	n := len(x)
	if len(y) != n {
		return nil, errors.Newf(errors.ErrorTypeValidation, "x and y lengths differ: %d vs %d", n, len(y))
	}
	if n < 2 {
		return nil, errors.New(errors.ErrorTypeValidation, "trend fit needs at least 2 points")
	}
	if span <= 0 || span > 1 {
		return nil, errors.Newf(errors.ErrorTypeValidation, "span %g must be in (0, 1]", span)
	}

	w := int(math.Ceil(span * float64(n)))
	if w < 2 {
		w = 2
	}

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool { return x[order[a]] < x[order[b]] })

	xs := make([]float64, n)
	ys := make([]float64, n)
	for i, idx := range order {
		xs[i] = x[idx]
		ys[i] = y[idx]
	}

	fitted := make([]float64, n)
	weights := make([]float64, w)
	lo := 0
	for i := 0; i < n; i++ {
		// slide the window right while that brings it closer to xs[i];
		// it must always contain i itself
		for lo+w <= i || (lo+w < n && xs[lo+w]-xs[i] < xs[i]-xs[lo]) {
			lo++
		}
		hi := lo + w

		dmax := math.Max(xs[i]-xs[lo], xs[hi-1]-xs[i])
		for j := lo; j < hi; j++ {
			weights[j-lo] = tricube(math.Abs(xs[j]-xs[i]), dmax)
		}

		alpha, beta := stat.LinearRegression(xs[lo:hi], ys[lo:hi], weights, false)
		v := alpha + beta*xs[i]
		if math.IsNaN(v) || math.IsInf(v, 0) {
			// window with no x spread; fall back to a weighted mean
			v = stat.Mean(ys[lo:hi], weights)
		}
		fitted[order[i]] = v
	}
	return fitted, nil
}

func tricube(d, dmax float64) float64 {
	if dmax <= 0 {
		return 1
	}
	u := d / dmax
	if u >= 1 {
		return 0
	}
	c := 1 - u*u*u
	return c * c * c
}
