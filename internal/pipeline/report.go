package pipeline

import (
	"time"

	gojson "github.com/goccy/go-json"

	"github.com/scgo/scpipe/pkg/compression"
	"github.com/scgo/scpipe/pkg/config"
	"github.com/scgo/scpipe/pkg/errors"
)

// Report summarizes a run for the JSON run report.
type Report struct {
	Name       string    `json:"name"`
	Strategy   Strategy  `json:"strategies"`
	Seed       int64     `json:"seed"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	// Status is "completed" or "failed".
	Status      string `json:"status"`
	FailedStage string `json:"failed_stage,omitempty"`
	Error       string `json:"error,omitempty"`

	Stages []StageReport `json:"stages"`
}

// Strategy records which registered implementations the run used.
type Strategy struct {
	Normalize string `json:"normalize"`
	HVG       string `json:"hvg"`
}

// StageReport is one executed stage: wall time, surviving matrix shape
// and stage-specific annotations.
type StageReport struct {
	Stage      string                 `json:"stage"`
	DurationMS float64                `json:"duration_ms"`
	Cells      int                    `json:"cells"`
	Genes      int                    `json:"genes"`
	Details    map[string]interface{} `json:"details,omitempty"`
}

// NewReport starts a report for the configured run.
func NewReport(cfg *config.AnalysisConfig) *Report {
	return &Report{
		Name: cfg.Name,
		Strategy: Strategy{
			Normalize: cfg.Normalize.Strategy,
			HVG:       cfg.HVG.Strategy,
		},
		Seed:      cfg.Runtime.Seed,
		StartedAt: time.Now().UTC(),
	}
}

func (r *Report) finish(status, failedStage string, err error) {
	r.FinishedAt = time.Now().UTC()
	r.Status = status
	r.FailedStage = failedStage
	if err != nil {
		r.Error = err.Error()
	}
}

// FinalCells returns the cell count after the last completed stage.
func (r *Report) FinalCells() int {
	if len(r.Stages) == 0 {
		return 0
	}
	return r.Stages[len(r.Stages)-1].Cells
}

// FinalGenes returns the gene count after the last completed stage.
func (r *Report) FinalGenes() int {
	if len(r.Stages) == 0 {
		return 0
	}
	return r.Stages[len(r.Stages)-1].Genes
}

// Write encodes the report as indented JSON. The path's suffix selects
// compression, so "report.json.gz" produces a gzipped report.
func (r *Report) Write(path string) error {
	raw, err := gojson.MarshalIndent(r, "", "  ")
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "encoding run report")
	}

	w, err := compression.CreateFile(path)
	if err != nil {
		return errors.Wrapf(err, errors.ErrorTypeInternal, "creating run report %s", path)
	}
	if _, err := w.Write(raw); err != nil {
		w.Close()
		return errors.Wrapf(err, errors.ErrorTypeInternal, "writing run report %s", path)
	}
	if err := w.Close(); err != nil {
		return errors.Wrapf(err, errors.ErrorTypeInternal, "closing run report %s", path)
	}
	return nil
}
