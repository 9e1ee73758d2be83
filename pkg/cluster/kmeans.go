// Package cluster groups cells: k-means for the coarse partitions
// pooled normalization needs, and an exact kNN / shared-nearest-
// neighbor / Louvain chain for the main clustering stage.
//
// Every randomized step takes an explicit seed and is deterministic
// for a fixed one; ties are broken by index so repeated runs agree
// bit for bit.
package cluster

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/scgo/scpipe/pkg/errors"
)

// KMeans partitions the rows of x into k groups with Lloyd iterations
// and k-means++ seeding. It returns one label per row.
func KMeans(x *mat.Dense, k int, seed int64, maxIter int) ([]int, error) {
	n, _ := x.Dims()
	if k <= 0 {
		return nil, errors.Newf(errors.ErrorTypeValidation, "cluster count %d must be positive", k)
	}
	if k > n {
		return nil, errors.Newf(errors.ErrorTypeValidation, "cluster count %d exceeds %d points", k, n)
	}
	if maxIter <= 0 {
		return nil, errors.Newf(errors.ErrorTypeValidation, "iteration cap %d must be positive", maxIter)
	}

	rng := rand.New(rand.NewPCG(uint64(seed), uint64(seed)))
	centroids := seedCentroids(x, k, rng)

	labels := make([]int, n)
	for i := range labels {
		labels[i] = -1
	}

	for iter := 0; iter < maxIter; iter++ {
		changed := false
		for i := 0; i < n; i++ {
			row := x.RawRowView(i)
			best, bestD := 0, math.Inf(1)
			for c := range centroids {
				if d := sqDist(row, centroids[c]); d < bestD {
					best, bestD = c, d
				}
			}
			if labels[i] != best {
				labels[i] = best
				changed = true
			}
		}
		if !changed {
			break
		}

		centroids = computeCentroids(x, labels, k)
		fixEmptyClusters(x, labels, centroids)
	}
	return labels, nil
}

// seedCentroids picks k initial centroids with d²-weighted sampling.
func seedCentroids(x *mat.Dense, k int, rng *rand.Rand) [][]float64 {
	n, _ := x.Dims()
	centroids := make([][]float64, 0, k)
	centroids = append(centroids, append([]float64(nil), x.RawRowView(rng.IntN(n))...))

	d2 := make([]float64, n)
	for i := 0; i < n; i++ {
		d2[i] = sqDist(x.RawRowView(i), centroids[0])
	}

	for len(centroids) < k {
		next := n - 1
		if sum := floats.Sum(d2); sum > 0 {
			target := rng.Float64() * sum
			cum := 0.0
			for i, d := range d2 {
				cum += d
				if cum >= target {
					next = i
					break
				}
			}
		} else {
			// all remaining points coincide with a centroid
			next = rng.IntN(n)
		}
		centroids = append(centroids, append([]float64(nil), x.RawRowView(next)...))
		for i := 0; i < n; i++ {
			if d := sqDist(x.RawRowView(i), centroids[len(centroids)-1]); d < d2[i] {
				d2[i] = d
			}
		}
	}
	return centroids
}

// computeCentroids returns the per-cluster mean rows.
func computeCentroids(x *mat.Dense, labels []int, k int) [][]float64 {
	n, d := x.Dims()
	centroids := make([][]float64, k)
	for c := range centroids {
		centroids[c] = make([]float64, d)
	}
	counts := make([]int, k)
	for i := 0; i < n; i++ {
		floats.Add(centroids[labels[i]], x.RawRowView(i))
		counts[labels[i]]++
	}
	for c := range centroids {
		if counts[c] > 0 {
			floats.Scale(1/float64(counts[c]), centroids[c])
		}
	}
	return centroids
}

// fixEmptyClusters reseats each empty centroid on the point farthest
// from its assigned centroid, scanning in index order so the repair is
// deterministic.
func fixEmptyClusters(x *mat.Dense, labels []int, centroids [][]float64) {
	n, _ := x.Dims()
	counts := make([]int, len(centroids))
	for _, l := range labels {
		counts[l]++
	}
	taken := make(map[int]bool)
	for c := range centroids {
		if counts[c] > 0 {
			continue
		}
		far, farD := -1, -1.0
		for i := 0; i < n; i++ {
			if taken[i] || counts[labels[i]] <= 1 {
				continue
			}
			if d := sqDist(x.RawRowView(i), centroids[labels[i]]); d > farD {
				far, farD = i, d
			}
		}
		if far < 0 {
			continue
		}
		taken[far] = true
		counts[labels[far]]--
		labels[far] = c
		counts[c] = 1
		copy(centroids[c], x.RawRowView(far))
	}
}

// EnforceMinSize merges clusters smaller than minSize into the cluster
// with the nearest centroid, then compacts labels to 0..m-1 in first-
// occurrence order. It returns the new labels and cluster count.
func EnforceMinSize(x *mat.Dense, labels []int, minSize int) ([]int, int, error) {
	n, _ := x.Dims()
	if len(labels) != n {
		return nil, 0, errors.Newf(errors.ErrorTypeValidation,
			"%d labels for %d points", len(labels), n)
	}

	out := append([]int(nil), labels...)
	k := 0
	for _, l := range out {
		if l+1 > k {
			k = l + 1
		}
	}

	for {
		sizes := make([]int, k)
		for _, l := range out {
			sizes[l]++
		}

		smallest, live := -1, 0
		for c := 0; c < k; c++ {
			if sizes[c] == 0 {
				continue
			}
			live++
			if sizes[c] < minSize && (smallest == -1 || sizes[c] < sizes[smallest]) {
				smallest = c
			}
		}
		if smallest == -1 || live <= 1 {
			break
		}

		centroids := computeCentroids(x, out, k)
		nearest, nearD := -1, math.Inf(1)
		for c := 0; c < k; c++ {
			if c == smallest || sizes[c] == 0 {
				continue
			}
			if d := sqDist(centroids[smallest], centroids[c]); d < nearD {
				nearest, nearD = c, d
			}
		}
		for i, l := range out {
			if l == smallest {
				out[i] = nearest
			}
		}
	}

	compacted, nc := compactLabels(out)
	return compacted, nc, nil
}

// compactLabels renumbers labels to 0..m-1 in first-occurrence order.
func compactLabels(labels []int) ([]int, int) {
	remap := make(map[int]int)
	out := make([]int, len(labels))
	for i, l := range labels {
		m, ok := remap[l]
		if !ok {
			m = len(remap)
			remap[l] = m
		}
		out[i] = m
	}
	return out, len(remap)
}

func sqDist(a, b []float64) float64 {
	var s float64
	for i := range a {
		d := a[i] - b[i]
		s += d * d
	}
	return s
}
