// Package pipeline orchestrates a preprocessing run as a fixed sequence
// of stages over a single in-memory dataset. Stages execute strictly
// sequentially and fail fast: the first error aborts the run. Each
// stage execution is logged, measured and traced.
package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/scgo/scpipe/pkg/config"
	"github.com/scgo/scpipe/pkg/dataset"
	"github.com/scgo/scpipe/pkg/logger"
	"github.com/scgo/scpipe/pkg/metrics"
	"github.com/scgo/scpipe/pkg/observability"
	"github.com/scgo/scpipe/pkg/pool"
)

// State carries the dataset and accumulated results through a run.
// Stages mutate it in place; there is exactly one State per run and no
// concurrent access.
type State struct {
	Config  *config.AnalysisConfig
	Dataset *dataset.Dataset
	Report  *Report

	// details collects the current stage's report annotations.
	details map[string]interface{}
}

// AddDetail records a key under the running stage's report entry.
func (st *State) AddDetail(key string, v interface{}) {
	if st.details == nil {
		st.details = make(map[string]interface{})
	}
	st.details[key] = v
}

// Stage is one step of the preprocessing sequence.
type Stage interface {
	Name() string
	Run(ctx context.Context, st *State) error
}

// Pipeline executes stages in order over a shared state.
type Pipeline struct {
	name   string
	stages []Stage
}

// New creates a pipeline from an ordered stage list.
func New(name string, stages ...Stage) *Pipeline {
	return &Pipeline{name: name, stages: stages}
}

// Stages returns the stage names in execution order.
func (p *Pipeline) Stages() []string {
	names := make([]string, len(p.stages))
	for i, s := range p.stages {
		names[i] = s.Name()
	}
	return names
}

// Run executes every stage in order. The returned error is the failing
// stage's error, unmodified, so callers can inspect its type; the run
// report records which stage failed.
func (p *Pipeline) Run(ctx context.Context, st *State) error {
	ctx = logger.ContextWithRun(ctx, pool.GenerateID(p.name))
	start := time.Now()

	if st.Report == nil {
		st.Report = NewReport(st.Config)
	}

	logger.WithContext(ctx).Info("run starting",
		zap.Strings("stages", p.Stages()),
		zap.Int64("seed", st.Config.Runtime.Seed))

	for _, s := range p.stages {
		if err := ctx.Err(); err != nil {
			st.Report.finish("failed", s.Name(), err)
			return err
		}

		sctx := logger.ContextWithStage(ctx, s.Name())
		sctx, span := observability.StartStage(sctx, s.Name())

		st.details = nil
		stageStart := time.Now()
		err := s.Run(sctx, st)
		elapsed := time.Since(stageStart)

		entry := StageReport{
			Stage:      s.Name(),
			DurationMS: float64(elapsed.Microseconds()) / 1e3,
			Details:    st.details,
		}
		if st.Dataset != nil {
			entry.Cells = st.Dataset.NumCells()
			entry.Genes = st.Dataset.NumGenes()
			span.SetInt("cells", entry.Cells)
			span.SetInt("genes", entry.Genes)
		}
		st.Report.Stages = append(st.Report.Stages, entry)
		span.End(err)

		if err != nil {
			st.Report.finish("failed", s.Name(), err)
			metrics.RunsTotal.WithLabelValues("failed").Inc()
			logger.WithContext(sctx).Error("stage failed",
				zap.Duration("elapsed", elapsed),
				zap.Error(err))
			return err
		}

		logger.WithContext(sctx).Info("stage complete",
			zap.Duration("elapsed", elapsed),
			zap.Int("cells", entry.Cells),
			zap.Int("genes", entry.Genes))
	}

	st.Report.finish("completed", "", nil)
	metrics.RunsTotal.WithLabelValues("success").Inc()
	logger.WithContext(ctx).Info("run complete",
		zap.Duration("elapsed", time.Since(start)),
		zap.Int("cells", st.Report.FinalCells()),
		zap.Int("genes", st.Report.FinalGenes()))
	return nil
}
