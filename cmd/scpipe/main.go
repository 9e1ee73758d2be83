package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/scgo/scpipe/internal/pipeline"
	"github.com/scgo/scpipe/pkg/bundle"
	"github.com/scgo/scpipe/pkg/config"
	"github.com/scgo/scpipe/pkg/hvg"
	"github.com/scgo/scpipe/pkg/ingest"
	"github.com/scgo/scpipe/pkg/logger"
	"github.com/scgo/scpipe/pkg/normalize"
	"github.com/scgo/scpipe/pkg/observability"
)

var version = "0.1.0"

// runOverrides carries command-line overrides applied on top of the
// loaded analysis configuration.
type runOverrides struct {
	report      string
	logLevel    string
	logLevelSet bool
	seed        int64
	seedSet     bool
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:   "scpipe",
		Short: "scpipe - Single-cell RNA-seq preprocessing pipeline",
		Long: `scpipe turns raw droplet count matrices into an analysis-ready bundle.
One YAML file configures the full run: ingest, QC, filtering, normalization,
variable-gene selection, PCA, clustering and optional cell-cycle scoring.`,
	}

	// Version command
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("scpipe v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	// Strategies command to show registered implementations
	root.AddCommand(&cobra.Command{
		Use:   "strategies",
		Short: "List registered input formats and strategies",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("Input formats:")
			for _, name := range sorted(ingest.List()) {
				fmt.Printf("  - %s\n", name)
			}
			fmt.Println("\nNormalization strategies:")
			for _, name := range sorted(normalize.List()) {
				fmt.Printf("  - %s\n", name)
			}
			fmt.Println("\nVariable-gene selection strategies:")
			for _, name := range sorted(hvg.List()) {
				fmt.Printf("  - %s\n", name)
			}
		},
	})

	// Describe command to summarize a written bundle
	describeCmd := &cobra.Command{
		Use:   "describe <bundle-dir>",
		Short: "Summarize the contents of a results bundle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return describeBundle(args[0])
		},
	}
	root.AddCommand(describeCmd)

	// Main run command
	var configFile, reportFile, logLevel string
	var seed int64

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run an analysis pipeline",
		Long: `Run the preprocessing pipeline described by a YAML configuration file.

Example:
  scpipe run --config pbmc3k.yaml --report report.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAnalysis(configFile, runOverrides{
				report:      reportFile,
				logLevel:    logLevel,
				logLevelSet: cmd.Flags().Changed("log-level"),
				seed:        seed,
				seedSet:     cmd.Flags().Changed("seed"),
			})
		},
	}

	runCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to analysis configuration YAML file (required)")
	_ = runCmd.MarkFlagRequired("config")
	runCmd.Flags().StringVar(&reportFile, "report", "", "Write the run report to this path (overrides output.write_report)")
	runCmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	runCmd.Flags().Int64Var(&seed, "seed", 0, "Override the configured random seed")
	root.AddCommand(runCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// runAnalysis loads the configuration, assembles the pipeline and runs
// it. The run report is written even when a stage fails, so failed runs
// stay inspectable.
func runAnalysis(configFile string, ov runOverrides) error {
	cfg := config.NewAnalysisConfig("")
	if err := config.Load(configFile, cfg); err != nil {
		return fmt.Errorf("analysis configuration error: %w", err)
	}
	if cfg.Name == "" {
		cfg.Name = strings.TrimSuffix(filepath.Base(configFile), filepath.Ext(configFile))
	}
	if ov.seedSet {
		cfg.Runtime.Seed = ov.seed
	}

	level := cfg.Observability.LogLevel
	if ov.logLevelSet || level == "" {
		level = ov.logLevel
	}
	if err := logger.Init(logger.Config{Level: level, Encoding: "console"}); err != nil {
		return fmt.Errorf("logger initialization error: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := observability.Init(&cfg.Observability, version); err != nil {
		return fmt.Errorf("tracing initialization error: %w", err)
	}

	p, err := pipeline.FromConfig(cfg)
	if err != nil {
		return err
	}

	log := logger.Get().With(
		zap.String("component", "scpipe-cli"),
		zap.String("run", cfg.Name),
	)
	log.Info("starting analysis",
		zap.String("config", configFile),
		zap.Strings("stages", p.Stages()),
		zap.Int64("seed", cfg.Runtime.Seed))

	ctx := context.Background()
	st := &pipeline.State{Config: cfg}
	runErr := p.Run(ctx, st)

	if path := reportDestination(cfg, ov.report); path != "" && st.Report != nil {
		if err := st.Report.Write(path); err != nil {
			log.Warn("failed to write run report", zap.String("path", path), zap.Error(err))
		} else {
			log.Info("run report written", zap.String("path", path))
		}
	}

	if err := observability.Shutdown(ctx); err != nil {
		log.Warn("failed to shut down tracing", zap.Error(err))
	}

	if runErr != nil {
		return fmt.Errorf("analysis failed: %w", runErr)
	}
	return nil
}

// reportDestination picks where the run report goes. The --report flag
// wins; otherwise reports land next to the bundle when configured.
func reportDestination(cfg *config.AnalysisConfig, override string) string {
	if override != "" {
		return override
	}
	if cfg.Output.WriteReport && cfg.Output.Dir != "" {
		return filepath.Join(cfg.Output.Dir, "report.json")
	}
	return ""
}

// describeBundle prints a summary of a bundle directory. The logger is
// kept at warn so the summary stays readable on stdout.
func describeBundle(dir string) error {
	if err := logger.Init(logger.Config{Level: "warn", Encoding: "console"}); err != nil {
		return fmt.Errorf("logger initialization error: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ds, err := bundle.Read(context.Background(), dir)
	if err != nil {
		return fmt.Errorf("failed to read bundle %s: %w", dir, err)
	}

	fmt.Printf("Bundle: %s\n", dir)
	fmt.Printf("  Genes: %d\n", ds.NumGenes())
	fmt.Printf("  Cells: %d\n", ds.NumCells())
	if ds.Cells.Samples != nil {
		fmt.Printf("  Samples: %s\n", labelSummary(ds.Cells.Samples))
	}
	if ds.Cells.Chemistry != nil {
		fmt.Printf("  Chemistries: %s\n", labelSummary(ds.Cells.Chemistry))
	}
	fmt.Printf("  Count nonzeros: %d\n", ds.Counts.Nnz())
	if ds.Norm != nil {
		fmt.Printf("  Normalized nonzeros: %d\n", ds.Norm.Nnz())
	}
	if ds.GeneVariance != nil {
		fmt.Printf("  Variable genes: %d of %d (method %s)\n",
			ds.GeneVariance.NumSelected(), ds.GeneVariance.Len(), ds.GeneVariance.Method)
	}
	for _, name := range sortedKeys(ds.Reductions) {
		fmt.Printf("  Reduction %s: %d components\n", name, ds.Reductions[name].NumComponents())
	}
	if ds.Cells.Clusters != nil {
		fmt.Printf("  Clusters: %d\n", numClusters(ds.Cells.Clusters))
	}
	if ds.Cells.Phases != nil {
		fmt.Printf("  Cell-cycle phases: %s\n", labelSummary(ds.Cells.Phases))
	}
	return nil
}

func sorted(names []string) []string {
	sort.Strings(names)
	return names
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// numClusters assumes labels are contiguous from zero.
func numClusters(labels []int) int {
	n := 0
	for _, l := range labels {
		if l+1 > n {
			n = l + 1
		}
	}
	return n
}

// labelSummary renders per-label cell counts, e.g. "G1=120 G2M=30 S=50".
func labelSummary(labels []string) string {
	counts := map[string]int{}
	for _, l := range labels {
		counts[l]++
	}
	parts := make([]string, 0, len(counts))
	for _, label := range sortedKeys(counts) {
		parts = append(parts, fmt.Sprintf("%s=%d", label, counts[label]))
	}
	return strings.Join(parts, " ")
}
