// Package metrics provides performance tracking and observability for
// scpipe using Prometheus metrics. It offers collectors for the indicators
// that matter in a preprocessing run: stage durations, retained matrix
// dimensions, ingest throughput and strategy usage.
//
// # Basic Usage
//
//	// Record a completed stage
//	timer := metrics.NewTimer("qc")
//	runQC(ds)
//	metrics.StageDuration.WithLabelValues("qc").Observe(timer.Stop().Seconds())
//
//	// Track dataset dimensions after filtering
//	metrics.CellsRetained.WithLabelValues("filter").Set(float64(ds.NumCells()))
//	metrics.GenesRetained.WithLabelValues("filter").Set(float64(ds.NumGenes()))
//
//	// Track ingest throughput
//	tracker := metrics.NewThroughputTracker("sample1")
//	for scanner.Scan() {
//	    parseEntry(scanner.Bytes())
//	    tracker.Increment(1)
//	}
//	entriesPerSec := tracker.GetAndReset()
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EntriesIngested tracks the total number of matrix entries parsed
	// from input files.
	// Labels: sample (sample label), status (success/failure)
	//
	// Example:
	//	metrics.EntriesIngested.WithLabelValues("pbmc3k", "success").Add(2286884)
	EntriesIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scpipe_matrix_entries_ingested_total",
			Help: "Total number of matrix entries ingested",
		},
		[]string{"sample", "status"},
	)

	// StageDuration tracks the distribution of per-stage wall time in
	// seconds. Buckets span fast metadata stages through long ingest and
	// neighbor-search stages.
	// Labels: stage (ingest/qc/filter/normalize/hvg/scale/neighbors/cluster/score)
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "scpipe_stage_duration_seconds",
			Help: "Pipeline stage duration in seconds",
			Buckets: []float64{
				0.001, // 1ms - trivial metadata stages
				0.01,  // 10ms - small matrices
				0.1,   // 100ms
				1,     // 1s - typical QC/filter on mid-size data
				10,    // 10s - normalization, HVG
				60,    // 1m - ingest, neighbor search
				300,   // 5m - large datasets
				1800,  // 30m
			},
		},
		[]string{"stage"},
	)

	// CellsRetained tracks the number of cells present after each stage.
	CellsRetained = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scpipe_cells_retained",
			Help: "Number of cells retained after a stage",
		},
		[]string{"stage"},
	)

	// GenesRetained tracks the number of genes present after each stage.
	GenesRetained = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scpipe_genes_retained",
			Help: "Number of genes retained after a stage",
		},
		[]string{"stage"},
	)

	// MatrixNonzeros tracks the number of stored entries per matrix layer.
	MatrixNonzeros = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scpipe_matrix_nonzeros",
			Help: "Number of explicitly stored matrix entries per layer",
		},
		[]string{"layer"},
	)

	// StrategyRuns counts invocations of pluggable strategies.
	// Labels: kind (normalize/hvg), name (registered strategy name)
	//
	// Example:
	//	metrics.StrategyRuns.WithLabelValues("normalize", "lognorm").Inc()
	StrategyRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scpipe_strategy_runs_total",
			Help: "Total number of strategy invocations",
		},
		[]string{"kind", "name"},
	)

	// RunsTotal counts completed pipeline runs by outcome.
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scpipe_runs_total",
			Help: "Total number of pipeline runs",
		},
		[]string{"status"},
	)

	// IngestThroughput tracks current ingest rate in entries per second.
	IngestThroughput = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scpipe_ingest_entries_per_second",
			Help: "Current ingest throughput in matrix entries per second",
		},
		[]string{"sample"},
	)
)

// Timer provides a simple timing mechanism for measuring stage durations.
// It captures the start time on creation and calculates elapsed time on stop.
type Timer struct {
	start time.Time
	name  string
}

// NewTimer creates a new timer and starts timing immediately.
// The name parameter is for identification in logs or metrics.
//
// Example:
//
//	timer := metrics.NewTimer("normalize")
//	norm.Apply(ctx, ds)
//	duration := timer.Stop()
//	logger.Info("stage complete", zap.Duration("duration", duration))
func NewTimer(name string) *Timer {
	return &Timer{
		start: time.Now(),
		name:  name,
	}
}

// Stop stops the timer and returns the elapsed duration since creation.
// The timer can be stopped multiple times, each returning the total
// elapsed time since creation.
func (t *Timer) Stop() time.Duration {
	return time.Since(t.start)
}

// ObserveStage records the elapsed time into the StageDuration histogram
// under the timer's name and returns the duration.
func (t *Timer) ObserveStage() time.Duration {
	d := time.Since(t.start)
	StageDuration.WithLabelValues(t.name).Observe(d.Seconds())
	return d
}

// ThroughputTracker tracks ingest throughput (entries per second) over
// time windows. It automatically updates the Prometheus gauge when queried.
// Thread-safe for concurrent use.
type ThroughputTracker struct {
	mu        sync.Mutex
	count     int64     // Entries parsed since last reset
	lastReset time.Time // Time of last reset
	sample    string    // Sample label
}

// NewThroughputTracker creates a new throughput tracker for a sample.
//
// Example:
//
//	tracker := metrics.NewThroughputTracker("pbmc3k")
//	for scanner.Scan() {
//	    parse(scanner.Bytes())
//	    tracker.Increment(1)
//	}
//	rate := tracker.GetAndReset()
//	logger.Info("ingest rate", zap.Float64("entries_per_sec", rate))
func NewThroughputTracker(sample string) *ThroughputTracker {
	return &ThroughputTracker{
		lastReset: time.Now(),
		sample:    sample,
	}
}

// Increment adds n to the entry count. Safe for concurrent use.
func (t *ThroughputTracker) Increment(n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.count += n
}

// GetAndReset calculates the current throughput (entries/second),
// updates the Prometheus gauge, resets the counter, and returns
// the calculated throughput. Safe for concurrent use.
func (t *ThroughputTracker) GetAndReset() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	elapsed := time.Since(t.lastReset).Seconds()
	if elapsed == 0 {
		return 0
	}

	throughput := float64(t.count) / elapsed

	t.count = 0
	t.lastReset = time.Now()

	IngestThroughput.WithLabelValues(t.sample).Set(throughput)

	return throughput
}
