package cluster

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/scgo/scpipe/pkg/config"
	"github.com/scgo/scpipe/pkg/dataset"
	"github.com/scgo/scpipe/pkg/errors"
	"github.com/scgo/scpipe/pkg/logger"
	"github.com/scgo/scpipe/pkg/metrics"
)

// Run clusters the cells of ds: exact kNN on the PCA embedding, SNN
// Jaccard weighting with pruning, then Louvain community detection.
// Labels are written to ds.Cells.Clusters, renumbered so cluster 0 is
// the largest. workers bounds the neighbor-search parallelism.
func Run(ctx context.Context, ds *dataset.Dataset, nbCfg *config.NeighborsConfig, clCfg *config.ClusterConfig, seed int64, workers int) error {
	if ds == nil {
		return errors.New(errors.ErrorTypeValidation, "nil dataset")
	}
	red := ds.Reductions["pca"]
	if red == nil || red.Components == nil {
		return errors.New(errors.ErrorTypeValidation, "no pca reduction; run reduce first")
	}
	n := ds.NumCells()
	if n < 2 {
		return errors.Newf(errors.ErrorTypeValidation, "clustering needs at least 2 cells, got %d", n)
	}

	timer := metrics.NewTimer("cluster")
	defer timer.ObserveStage()

	k := nbCfg.K
	if k > n-1 {
		logger.WithContext(ctx).Warn("capping neighbor count at cell count",
			zap.Int("requested", nbCfg.K),
			zap.Int("using", n-1),
		)
		k = n - 1
	}

	nb, err := KNN(red.Components, k, workers)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "neighbor search failed")
	}

	g, edges, err := SNN(nb, nbCfg.PruneThreshold)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "snn graph construction failed")
	}

	labels, q, err := Louvain(g, clCfg.Resolution, seed, clCfg.MaxIterations)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "community detection failed")
	}

	labels, nClusters := relabelBySize(labels)
	ds.Cells.Clusters = labels

	metrics.StrategyRuns.WithLabelValues("cluster", "louvain").Inc()
	logger.WithContext(ctx).Info("cells clustered",
		zap.Int("cells", n),
		zap.Int("k", k),
		zap.Int("snn_edges", edges),
		zap.Int("clusters", nClusters),
		zap.Float64("modularity", q),
	)
	return nil
}

// relabelBySize renumbers cluster labels by decreasing member count,
// breaking size ties by first occurrence.
func relabelBySize(labels []int) ([]int, int) {
	sizes := make(map[int]int)
	first := make(map[int]int)
	for i, l := range labels {
		if _, seen := sizes[l]; !seen {
			first[l] = i
		}
		sizes[l]++
	}

	order := make([]int, 0, len(sizes))
	for l := range sizes {
		order = append(order, l)
	}
	sort.Slice(order, func(a, b int) bool {
		if sizes[order[a]] != sizes[order[b]] {
			return sizes[order[a]] > sizes[order[b]]
		}
		return first[order[a]] < first[order[b]]
	})

	remap := make(map[int]int, len(order))
	for rank, l := range order {
		remap[l] = rank
	}
	out := make([]int, len(labels))
	for i, l := range labels {
		out[i] = remap[l]
	}
	return out, len(order)
}
