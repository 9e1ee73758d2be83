package pipeline

import (
	"context"
	"path/filepath"

	"github.com/scgo/scpipe/pkg/bundle"
	"github.com/scgo/scpipe/pkg/cluster"
	"github.com/scgo/scpipe/pkg/config"
	"github.com/scgo/scpipe/pkg/errors"
	"github.com/scgo/scpipe/pkg/filter"
	"github.com/scgo/scpipe/pkg/hvg"
	"github.com/scgo/scpipe/pkg/ingest"
	"github.com/scgo/scpipe/pkg/normalize"
	"github.com/scgo/scpipe/pkg/qc"
	"github.com/scgo/scpipe/pkg/reduce"
	"github.com/scgo/scpipe/pkg/score"
)

// FromConfig assembles the standard stage sequence: ingest, qc, filter,
// normalize, hvg, reduce, cluster, optionally cell-cycle scoring, then
// bundle export when an output directory is set.
func FromConfig(cfg *config.AnalysisConfig) (*Pipeline, error) {
	if cfg == nil {
		return nil, errors.New(errors.ErrorTypeConfig, "nil config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid config")
	}

	stages := []Stage{
		ingestStage{},
		qcStage{},
		filterStage{},
		normalizeStage{},
		hvgStage{},
		reduceStage{},
		clusterStage{},
	}
	if cfg.CellCycle.Enabled {
		stages = append(stages, scoreStage{})
	}
	if cfg.Output.Dir != "" {
		stages = append(stages, exportStage{})
	}
	return New(cfg.Name, stages...), nil
}

type ingestStage struct{}

func (ingestStage) Name() string { return "ingest" }

func (ingestStage) Run(ctx context.Context, st *State) error {
	ds, err := ingest.Load(ctx, &st.Config.Ingest)
	if err != nil {
		return err
	}
	st.Dataset = ds
	st.AddDetail("inputs", len(st.Config.Ingest.Inputs))
	return nil
}

type qcStage struct{}

func (qcStage) Name() string { return "qc" }

func (qcStage) Run(ctx context.Context, st *State) error {
	return qc.Compute(ctx, st.Dataset, &st.Config.QC)
}

type filterStage struct{}

func (filterStage) Name() string { return "filter" }

func (filterStage) Run(ctx context.Context, st *State) error {
	ds, cellSum, err := filter.Cells(ctx, st.Dataset, filter.CellsFromConfig(&st.Config.Filter)...)
	if err != nil {
		return err
	}
	ds, geneSum, err := filter.Genes(ctx, ds, filter.GenesFromConfig(&st.Config.Filter)...)
	if err != nil {
		return err
	}
	st.Dataset = ds
	st.AddDetail("cells_removed", cellSum.Removed)
	st.AddDetail("genes_removed", geneSum.Removed)
	return nil
}

type normalizeStage struct{}

func (normalizeStage) Name() string { return "normalize" }

func (normalizeStage) Run(ctx context.Context, st *State) error {
	res, err := normalize.Run(ctx, st.Dataset, &st.Config.Normalize, st.Config.Runtime.Seed)
	if err != nil {
		return err
	}
	if res.ClampedFactors > 0 {
		st.AddDetail("clamped_factors", res.ClampedFactors)
	}
	return nil
}

type hvgStage struct{}

func (hvgStage) Name() string { return "hvg" }

func (hvgStage) Run(ctx context.Context, st *State) error {
	res, err := hvg.Run(ctx, st.Dataset, &st.Config.HVG)
	if err != nil {
		return err
	}
	st.AddDetail("selected", len(res.IDs))
	return nil
}

type reduceStage struct{}

func (reduceStage) Name() string { return "reduce" }

func (reduceStage) Run(ctx context.Context, st *State) error {
	return reduce.Run(ctx, st.Dataset, &st.Config.Reduce)
}

type clusterStage struct{}

func (clusterStage) Name() string { return "cluster" }

func (clusterStage) Run(ctx context.Context, st *State) error {
	err := cluster.Run(ctx, st.Dataset, &st.Config.Neighbors, &st.Config.Cluster,
		st.Config.Runtime.Seed, st.Config.Runtime.GetWorkers())
	if err != nil {
		return err
	}
	st.AddDetail("clusters", countClusters(st.Dataset.Cells.Clusters))
	return nil
}

type scoreStage struct{}

func (scoreStage) Name() string { return "score" }

func (scoreStage) Run(ctx context.Context, st *State) error {
	res, err := score.Run(ctx, st.Dataset, &st.Config.CellCycle, st.Config.Runtime.Seed)
	if err != nil {
		return err
	}
	st.AddDetail("phase_counts", res.PhaseCounts)
	return nil
}

type exportStage struct{}

func (exportStage) Name() string { return "export" }

func (exportStage) Run(ctx context.Context, st *State) error {
	dir := filepath.Join(st.Config.Output.Dir, st.Config.Output.BundleName)
	if err := bundle.Write(ctx, dir, st.Dataset); err != nil {
		return err
	}
	st.AddDetail("bundle", dir)
	return nil
}

// countClusters returns the number of distinct labels; labels are
// contiguous from zero after relabeling.
func countClusters(labels []int) int {
	n := -1
	for _, l := range labels {
		if l > n {
			n = l
		}
	}
	return n + 1
}
