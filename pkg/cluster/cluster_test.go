package cluster

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/scgo/scpipe/pkg/config"
	"github.com/scgo/scpipe/pkg/dataset"
	"github.com/scgo/scpipe/pkg/matrix"
)

// embeddedDataset builds a 6-cell dataset whose "pca" reduction holds
// two well-separated blobs of three cells each.
func embeddedDataset(t *testing.T) *dataset.Dataset {
	t.Helper()

	m, err := matrix.NewFromTriplets(2, 6, []matrix.Triplet{
		{Row: 0, Col: 0, Val: 1},
		{Row: 1, Col: 3, Val: 1},
	})
	require.NoError(t, err)

	ds, err := dataset.New(m,
		&dataset.CellTable{Barcodes: []string{"c1", "c2", "c3", "c4", "c5", "c6"}},
		&dataset.GeneTable{IDs: []string{"g1", "g2"}, Names: []string{"g1", "g2"}},
	)
	require.NoError(t, err)

	ds.Reductions["pca"] = &dataset.Reduction{
		Components: mat.NewDense(6, 2, []float64{
			0, 0,
			0.1, 0,
			0, 0.1,
			5, 5,
			5.1, 5,
			5, 5.1,
		}),
	}
	return ds
}

func TestRun(t *testing.T) {
	ds := embeddedDataset(t)

	nbCfg := &config.NeighborsConfig{K: 2, PruneThreshold: 0}
	clCfg := &config.ClusterConfig{Resolution: 1.0, MaxIterations: 10}

	require.NoError(t, Run(context.Background(), ds, nbCfg, clCfg, 42, 2))
	assert.Equal(t, []int{0, 0, 0, 1, 1, 1}, ds.Cells.Clusters)
}

func TestRunCapsK(t *testing.T) {
	ds := embeddedDataset(t)

	// k exceeding n-1 is capped rather than rejected
	nbCfg := &config.NeighborsConfig{K: 15, PruneThreshold: 1.0 / 15.0}
	clCfg := &config.ClusterConfig{Resolution: 1.0, MaxIterations: 10}

	require.NoError(t, Run(context.Background(), ds, nbCfg, clCfg, 42, 1))
	assert.Len(t, ds.Cells.Clusters, 6)
}

func TestRunRequiresReduction(t *testing.T) {
	ds := embeddedDataset(t)
	delete(ds.Reductions, "pca")

	err := Run(context.Background(), ds,
		&config.NeighborsConfig{K: 2, PruneThreshold: 0},
		&config.ClusterConfig{Resolution: 1.0, MaxIterations: 10}, 42, 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run reduce first")
}

func TestRelabelBySize(t *testing.T) {
	labels, nc := relabelBySize([]int{2, 2, 1, 1, 1, 7})
	assert.Equal(t, 3, nc)
	assert.Equal(t, []int{1, 1, 0, 0, 0, 2}, labels)

	// equal sizes keep first-occurrence order
	labels, nc = relabelBySize([]int{5, 5, 3, 3})
	assert.Equal(t, 2, nc)
	assert.Equal(t, []int{0, 0, 1, 1}, labels)
}
