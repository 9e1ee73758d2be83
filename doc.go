// Package scpipe provides a single-cell RNA-seq preprocessing pipeline
// that turns raw droplet count matrices into an analysis-ready bundle:
// filtered cells, normalized expression, variable genes, a PCA
// embedding, graph-based clusters and optional cell-cycle scores.
//
// Every randomized step takes an explicit seed, so two runs over the
// same inputs and configuration produce bit-identical results.
//
// # Architecture
//
// A run is a fixed sequence of stages over one in-memory dataset:
//
//	ingest -> qc -> filter -> normalize -> hvg -> reduce -> cluster [-> score] [-> export]
//
// Stages communicate only through the dataset: a sparse gene-by-cell
// count matrix plus cell, gene and variance annotation tables. Each
// stage validates what it needs, mutates the dataset in place and
// fails fast on the first error.
//
// Three concerns are registry-driven so alternatives can be added
// without touching the pipeline: input formats (pkg/ingest),
// normalization strategies (pkg/normalize) and variable-gene selection
// strategies (pkg/hvg). Implementations self-register in init and are
// selected by name from the configuration.
//
// # Quick Start
//
// Run a pipeline programmatically:
//
//	import (
//	    "context"
//
//	    "github.com/scgo/scpipe/internal/pipeline"
//	    "github.com/scgo/scpipe/pkg/config"
//	)
//
//	// Configure the run
//	cfg := config.NewAnalysisConfig("pbmc3k")
//	cfg.Ingest.Inputs = []config.InputConfig{{Label: "pbmc3k", Path: "data/pbmc3k"}}
//	cfg.Output.Dir = "results"
//
//	// Assemble and run
//	p, _ := pipeline.FromConfig(cfg)
//	st := &pipeline.State{Config: cfg}
//	err := p.Run(context.Background(), st)
//
// Or drive the same run from the command line:
//
//	scpipe run --config pbmc3k.yaml
//	scpipe describe results/dataset.arrow
//	scpipe strategies
//
// # Key Packages
//
//	pkg/ingest        - Input readers (matrix-market directories, bundles)
//	pkg/qc            - Per-cell quality metrics (counts, features, mito, ribo)
//	pkg/filter        - Threshold filtering of cells and genes
//	pkg/normalize     - Depth normalization (log, pooled size factors)
//	pkg/hvg           - Highly-variable-gene selection (vst, trend)
//	pkg/reduce        - Scaling and PCA embedding
//	pkg/cluster       - kNN / SNN graph, Louvain and k-means clustering
//	pkg/score         - Cell-cycle phase scoring
//	pkg/bundle        - Arrow IPC results bundle (write and read)
//	pkg/matrix        - Compressed sparse column matrix
//	pkg/dataset       - Annotated dataset holding matrices and tables
//	pkg/config        - YAML configuration with defaults and validation
//	pkg/errors        - Structured error handling
//	pkg/logger        - High-performance structured logging
//	pkg/metrics       - Prometheus metrics collection
//	pkg/observability - Optional OpenTelemetry stage tracing
//	pkg/pool          - Object pooling for scratch buffers
//	pkg/compression   - Suffix-aware compressed file access
//
// # Data Flow
//
// Counts stay sparse end to end. Ingest builds a compressed sparse
// column matrix from coordinate-format input, QC and filtering operate
// on column slices, and normalization produces a second sparse layer
// rather than densifying. Only the reduction stage materializes a
// dense matrix, restricted to the selected variable genes.
//
// The export stage writes everything to a bundle directory: one Arrow
// IPC file per matrix layer and annotation table plus a JSON manifest.
// Bundles are self-describing and can be re-ingested with the "bundle"
// input format to resume downstream work.
//
// # Determinism
//
// Results are reproducible by construction:
//   - every random draw flows from the configured seed
//   - distance and ranking ties break toward the lower index
//   - cluster labels are relabeled by decreasing size
//   - bundle files list reductions in sorted name order
//
// # Configuration
//
// One YAML document configures a full run:
//
//	name: pbmc3k
//	ingest:
//	  inputs:
//	    - label: pbmc3k
//	      path: data/pbmc3k
//	filter:
//	  min_counts: 500
//	  max_pct_mito: 20
//	normalize:
//	  strategy: lognorm
//	hvg:
//	  strategy: vst
//	  n_top: 2000
//	output:
//	  dir: results
//
// Defaults cover a standard droplet run; configurations override only
// what they need. Environment variables are supported with ${VAR_NAME}
// syntax.
package scpipe
