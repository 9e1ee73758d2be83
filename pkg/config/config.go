// Package config provides the unified configuration system for scpipe.
// It defines a single AnalysisConfig structure that describes a complete
// preprocessing run, ensuring consistent configuration across all stages.
//
// The configuration is organized into logical sections:
//   - Ingest: Input locations, formats, feature-type selection
//   - QC: Gene-family prefixes used for QC fractions
//   - Filter: Cell and gene filtering thresholds
//   - Normalize: Normalization strategy and parameters
//   - HVG: Feature-selection strategy and parameters
//   - Reduce: Scaling and PCA settings
//   - Neighbors: kNN/SNN graph construction
//   - Cluster: Graph clustering parameters
//   - CellCycle: Cell-cycle module scoring
//   - Output: Result bundle and report destinations
//   - Observability: Metrics, tracing, logging
//   - Runtime: Seed and worker settings
//
// Example usage:
//
//	cfg := config.NewAnalysisConfig("pbmc3k")
//	cfg.Filter.MaxPctMito = 5
//	cfg.HVG.Strategy = "trend"
//
//	if err := cfg.Validate(); err != nil {
//	    log.Fatal(err)
//	}
package config

import (
	"fmt"
	"path/filepath"
	"runtime"
)

// AnalysisConfig is the single unified configuration structure for a
// preprocessing run. It provides a comprehensive set of options organized
// into per-stage sections.
type AnalysisConfig struct {
	// Name identifies the analysis run
	Name string `yaml:"name" json:"name"`
	// Version indicates the configuration version
	Version string `yaml:"version" json:"version"`

	// Ingest settings control input discovery and parsing
	Ingest IngestConfig `yaml:"ingest" json:"ingest"`

	// QC settings control per-cell quality metric computation
	QC QCConfig `yaml:"qc" json:"qc"`

	// Filter settings define cell and gene retention thresholds
	Filter FilterConfig `yaml:"filter" json:"filter"`

	// Normalize settings select and parameterize the normalization strategy
	Normalize NormalizeConfig `yaml:"normalize" json:"normalize"`

	// HVG settings select and parameterize feature selection
	HVG HVGConfig `yaml:"hvg" json:"hvg"`

	// Reduce settings control scaling and principal component analysis
	Reduce ReduceConfig `yaml:"reduce" json:"reduce"`

	// Neighbors settings control kNN/SNN graph construction
	Neighbors NeighborsConfig `yaml:"neighbors" json:"neighbors"`

	// Cluster settings control graph community detection
	Cluster ClusterConfig `yaml:"cluster" json:"cluster"`

	// CellCycle settings control module scoring of cycle phases
	CellCycle CellCycleConfig `yaml:"cell_cycle" json:"cell_cycle"`

	// Output settings define where results are written
	Output OutputConfig `yaml:"output" json:"output"`

	// Observability settings for monitoring and debugging
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`

	// Runtime settings for determinism and parallelism
	Runtime RuntimeConfig `yaml:"runtime" json:"runtime"`
}

// InputConfig describes a single input sample.
type InputConfig struct {
	// Label prefixes barcodes when multiple samples are merged
	Label string `yaml:"label" json:"label"`
	// Path points at a matrix-market directory
	Path string `yaml:"path" json:"path"`
	// Format selects the reader ("mtx_dir" is the default)
	Format string `yaml:"format" json:"format"`
	// Chemistry tags every cell of this sample with an assay chemistry
	// label ("v2", "v3"); empty leaves the column unset
	Chemistry string `yaml:"chemistry" json:"chemistry"`
}

// IngestConfig contains input parsing settings.
type IngestConfig struct {
	// Inputs lists the samples to load, in order
	Inputs []InputConfig `yaml:"inputs" json:"inputs"`
	// FeatureTypes restricts loading to the named feature types; entries
	// outside this set (antibody capture, CRISPR guides) are skipped.
	// An empty list keeps everything.
	FeatureTypes []string `yaml:"feature_types" json:"feature_types"`
	// BufferSizeKB sets the scanner buffer for matrix lines
	BufferSizeKB int `yaml:"buffer_size_kb" json:"buffer_size_kb"`
}

// QCConfig contains gene-family prefixes used for QC fractions.
type QCConfig struct {
	// MitoPrefixes mark mitochondrial genes (matched case-sensitively)
	MitoPrefixes []string `yaml:"mito_prefixes" json:"mito_prefixes"`
	// RiboPrefixes mark ribosomal protein genes
	RiboPrefixes []string `yaml:"ribo_prefixes" json:"ribo_prefixes"`
}

// FilterConfig contains cell and gene retention thresholds.
// A zero threshold disables the corresponding predicate.
type FilterConfig struct {
	// MinCounts keeps cells with at least this many total counts
	MinCounts float64 `yaml:"min_counts" json:"min_counts"`
	// MaxCounts drops cells above this many total counts, the usual
	// doublet guard
	MaxCounts float64 `yaml:"max_counts" json:"max_counts"`
	// MinFeatures keeps cells expressing at least this many genes
	MinFeatures int `yaml:"min_features" json:"min_features"`
	// MaxFeatures drops cells expressing more than this many genes
	MaxFeatures int `yaml:"max_features" json:"max_features"`
	// MaxPctMito keeps cells with mitochondrial fraction strictly below
	// this percentage (0-100)
	MaxPctMito float64 `yaml:"max_pct_mito" json:"max_pct_mito"`
	// MinCells keeps genes detected in at least this many cells
	MinCells int `yaml:"min_cells" json:"min_cells"`
}

// NormalizeConfig selects and parameterizes the normalization strategy.
type NormalizeConfig struct {
	// Strategy names a registered normalizer ("lognorm" or "pooled")
	Strategy string `yaml:"strategy" json:"strategy"`
	// ScaleFactor rescales per-cell totals before the log transform
	ScaleFactor float64 `yaml:"scale_factor" json:"scale_factor"`
	// LogBase selects the log transform: "e" (natural, the default) or "2"
	LogBase string `yaml:"log_base" json:"log_base"`
	// Pooled holds parameters specific to pooled size-factor estimation
	Pooled PooledConfig `yaml:"pooled" json:"pooled"`
}

// PooledConfig contains parameters for pooled size-factor deconvolution.
type PooledConfig struct {
	// MinClusterSize bounds the coarse clusters used for pooling
	MinClusterSize int `yaml:"min_cluster_size" json:"min_cluster_size"`
	// PoolSizes lists the ring-pool sizes; empty selects 21..101 step 5,
	// capped by cluster size
	PoolSizes []int `yaml:"pool_sizes" json:"pool_sizes"`
}

// HVGConfig selects and parameterizes feature selection.
type HVGConfig struct {
	// Strategy names a registered selector ("vst" or "trend")
	Strategy string `yaml:"strategy" json:"strategy"`
	// NTop is the number of genes kept by ranking strategies
	NTop int `yaml:"n_top" json:"n_top"`
	// Span is the loess span for the trend strategy (0-1]
	Span float64 `yaml:"span" json:"span"`
	// FDRThreshold is the BH-adjusted p-value cutoff for the trend strategy
	FDRThreshold float64 `yaml:"fdr_threshold" json:"fdr_threshold"`
}

// ReduceConfig contains scaling and PCA settings.
type ReduceConfig struct {
	// NComponents is the number of principal components to keep
	NComponents int `yaml:"n_components" json:"n_components"`
	// ClipValue truncates scaled values at +/- this magnitude
	ClipValue float64 `yaml:"clip_value" json:"clip_value"`
}

// NeighborsConfig contains kNN/SNN graph settings.
type NeighborsConfig struct {
	// K is the number of nearest neighbors per cell
	K int `yaml:"k" json:"k"`
	// PruneThreshold drops SNN edges with Jaccard weight at or below it
	PruneThreshold float64 `yaml:"prune_threshold" json:"prune_threshold"`
}

// ClusterConfig contains community detection settings.
type ClusterConfig struct {
	// Resolution scales the modularity null model; higher yields more clusters
	Resolution float64 `yaml:"resolution" json:"resolution"`
	// MaxIterations bounds the Louvain level loop
	MaxIterations int `yaml:"max_iterations" json:"max_iterations"`
}

// CellCycleConfig contains module-scoring settings.
type CellCycleConfig struct {
	// Enabled toggles the scoring stage
	Enabled bool `yaml:"enabled" json:"enabled"`
	// Bins is the number of expression bins for control selection
	Bins int `yaml:"bins" json:"bins"`
	// ControlsPerGene is the number of control genes drawn per signature gene
	ControlsPerGene int `yaml:"controls_per_gene" json:"controls_per_gene"`
	// SGenes overrides the built-in S-phase signature
	SGenes []string `yaml:"s_genes" json:"s_genes"`
	// G2MGenes overrides the built-in G2/M signature
	G2MGenes []string `yaml:"g2m_genes" json:"g2m_genes"`
}

// OutputConfig contains result destinations.
type OutputConfig struct {
	// Dir is the directory for all run outputs
	Dir string `yaml:"dir" json:"dir"`
	// BundleName is the Arrow bundle filename within Dir
	BundleName string `yaml:"bundle_name" json:"bundle_name"`
	// WriteReport toggles the JSON run report
	WriteReport bool `yaml:"write_report" json:"write_report"`
}

// ObservabilityConfig contains monitoring and observability settings.
type ObservabilityConfig struct {
	// EnableMetrics activates Prometheus metrics collection
	EnableMetrics bool `yaml:"enable_metrics" json:"enable_metrics"`
	// EnableTracing activates stage-level tracing
	EnableTracing bool `yaml:"enable_tracing" json:"enable_tracing"`
	// LogLevel sets logging verbosity (debug, info, warn, error)
	LogLevel string `yaml:"log_level" json:"log_level"`
	// TracingSampleRate controls trace sampling (0.0-1.0)
	TracingSampleRate float64 `yaml:"tracing_sample_rate" json:"tracing_sample_rate"`
}

// RuntimeConfig contains determinism and parallelism settings.
type RuntimeConfig struct {
	// Seed drives every randomized step (k-means, Louvain, control draws)
	Seed int64 `yaml:"seed" json:"seed"`
	// Workers defines the number of concurrent workers for parallel stages
	Workers int `yaml:"workers" json:"workers"`
}

// NewAnalysisConfig creates a new AnalysisConfig with defaults matching
// a standard droplet-based preprocessing run. Specific analyses override
// these as needed.
//
// Example:
//
//	cfg := config.NewAnalysisConfig("pbmc3k")
//	cfg.Normalize.Strategy = "pooled"
func NewAnalysisConfig(name string) *AnalysisConfig {
	return &AnalysisConfig{
		Name:    name,
		Version: "1.0.0",
		Ingest: IngestConfig{
			FeatureTypes: []string{"Gene Expression"},
			BufferSizeKB: 1024,
		},
		QC: QCConfig{
			MitoPrefixes: []string{"MT-", "mt-"},
			RiboPrefixes: []string{"RPS", "RPL"},
		},
		Filter: FilterConfig{
			MinCounts:   500,
			MinFeatures: 200,
			MaxPctMito:  20,
			MinCells:    3,
		},
		Normalize: NormalizeConfig{
			Strategy:    "lognorm",
			ScaleFactor: 1e4,
			LogBase:     "e",
			Pooled: PooledConfig{
				MinClusterSize: 100,
			},
		},
		HVG: HVGConfig{
			Strategy:     "vst",
			NTop:         2000,
			Span:         0.3,
			FDRThreshold: 1e-5,
		},
		Reduce: ReduceConfig{
			NComponents: 50,
			ClipValue:   10,
		},
		Neighbors: NeighborsConfig{
			K:              15,
			PruneThreshold: 1.0 / 15.0,
		},
		Cluster: ClusterConfig{
			Resolution:    1.0,
			MaxIterations: 100,
		},
		CellCycle: CellCycleConfig{
			Enabled:         false,
			Bins:            24,
			ControlsPerGene: 100,
		},
		Output: OutputConfig{
			Dir:         "results",
			BundleName:  "dataset.arrow",
			WriteReport: true,
		},
		Observability: ObservabilityConfig{
			EnableMetrics:     true,
			EnableTracing:     false,
			LogLevel:          "info",
			TracingSampleRate: 0.1,
		},
		Runtime: RuntimeConfig{
			Seed:    42,
			Workers: runtime.NumCPU(),
		},
	}
}

// Validate validates the configuration for correctness.
// It checks required fields and ensures values are within acceptable
// ranges. Callers should invoke this after loading configuration to
// catch errors before any data is read.
func (ac *AnalysisConfig) Validate() error {
	if ac.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(ac.Ingest.Inputs) == 0 {
		return fmt.Errorf("at least one input is required")
	}
	for i, in := range ac.Ingest.Inputs {
		if in.Path == "" {
			return fmt.Errorf("input %d: path is required", i)
		}
	}
	if ac.Filter.MinCounts < 0 {
		return fmt.Errorf("min_counts cannot be negative")
	}
	if ac.Filter.MaxCounts < 0 {
		return fmt.Errorf("max_counts cannot be negative")
	}
	if ac.Filter.MaxCounts > 0 && ac.Filter.MaxCounts < ac.Filter.MinCounts {
		return fmt.Errorf("max_counts must be at least min_counts")
	}
	if ac.Filter.MaxFeatures < 0 {
		return fmt.Errorf("max_features cannot be negative")
	}
	if ac.Filter.MaxFeatures > 0 && ac.Filter.MaxFeatures < ac.Filter.MinFeatures {
		return fmt.Errorf("max_features must be at least min_features")
	}
	if ac.Filter.MaxPctMito < 0 || ac.Filter.MaxPctMito > 100 {
		return fmt.Errorf("max_pct_mito must be within [0, 100]")
	}
	if ac.Normalize.Strategy == "" {
		return fmt.Errorf("normalize strategy is required")
	}
	if ac.Normalize.ScaleFactor <= 0 {
		return fmt.Errorf("scale_factor must be positive")
	}
	switch ac.Normalize.LogBase {
	case "", "e", "2":
	default:
		return fmt.Errorf("log_base must be \"e\" or \"2\", got %q", ac.Normalize.LogBase)
	}
	if ac.HVG.Strategy == "" {
		return fmt.Errorf("hvg strategy is required")
	}
	if ac.HVG.NTop <= 0 {
		return fmt.Errorf("n_top must be positive")
	}
	if ac.HVG.Span <= 0 || ac.HVG.Span > 1 {
		return fmt.Errorf("span must be within (0, 1]")
	}
	if ac.HVG.FDRThreshold <= 0 || ac.HVG.FDRThreshold > 1 {
		return fmt.Errorf("fdr_threshold must be within (0, 1]")
	}
	if ac.Reduce.NComponents <= 0 {
		return fmt.Errorf("n_components must be positive")
	}
	if ac.Reduce.ClipValue <= 0 {
		return fmt.Errorf("clip_value must be positive")
	}
	if ac.Neighbors.K <= 0 {
		return fmt.Errorf("k must be positive")
	}
	if ac.Cluster.Resolution <= 0 {
		return fmt.Errorf("resolution must be positive")
	}
	if ac.CellCycle.Enabled {
		if ac.CellCycle.Bins <= 0 {
			return fmt.Errorf("cell_cycle bins must be positive")
		}
		if ac.CellCycle.ControlsPerGene <= 0 {
			return fmt.Errorf("controls_per_gene must be positive")
		}
	}
	return nil
}

// GetWorkers returns the number of workers, ensuring it's at least 1
func (r *RuntimeConfig) GetWorkers() int {
	if r.Workers <= 0 {
		return runtime.NumCPU()
	}
	return r.Workers
}

// InputFormat returns the input's format, defaulting to "mtx_dir".
func (in *InputConfig) InputFormat() string {
	if in.Format == "" {
		return "mtx_dir"
	}
	return in.Format
}

// SampleLabel returns the configured label, falling back to the last
// path element so every sample has a usable name.
func (in *InputConfig) SampleLabel() string {
	if in.Label != "" {
		return in.Label
	}
	return filepath.Base(in.Path)
}

// BufferSize returns the scanner buffer size in bytes.
func (ic *IngestConfig) BufferSize() int {
	if ic.BufferSizeKB <= 0 {
		return 1024 * 1024
	}
	return ic.BufferSizeKB * 1024
}
