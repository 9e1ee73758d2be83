// Package filter removes low-quality cells and rarely-detected genes.
//
// Filters are expressed as named predicates over the annotation tables
// and composed with AND semantics: a cell or gene survives only when
// every predicate keeps it. Per-label thresholds (a different counts
// bound for v2 chemistry than for v3, say) are built with ByLabel.
// Application is non-destructive (a new dataset is returned) and
// idempotent: predicates consult only the row they judge, so
// re-applying a filter to its own output changes nothing.
//
// Removing every cell or every gene is an error: downstream stages
// have nothing to work with, and silently returning an empty dataset
// only moves the failure somewhere harder to diagnose.
package filter

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/scgo/scpipe/pkg/config"
	"github.com/scgo/scpipe/pkg/dataset"
	"github.com/scgo/scpipe/pkg/errors"
	"github.com/scgo/scpipe/pkg/logger"
	"github.com/scgo/scpipe/pkg/metrics"
)

// CellPredicate judges one cell by its annotation row.
type CellPredicate struct {
	// Name identifies the predicate in summaries and logs
	Name string
	// Requires lists cell columns that must be computed first
	Requires []string
	// Keep reports whether cell j survives
	Keep func(cells *dataset.CellTable, j int) bool
}

// GenePredicate judges one gene by its annotation row.
type GenePredicate struct {
	Name     string
	Requires []string
	Keep     func(genes *dataset.GeneTable, i int) bool
}

// Summary reports what a filter application removed.
type Summary struct {
	Before  int            `json:"before"`
	After   int            `json:"after"`
	Removed int            `json:"removed"`
	// FailedBy counts, per predicate, how many rows it rejected.
	// Rows failing several predicates count toward each.
	FailedBy map[string]int `json:"failed_by"`
}

// Cells applies the predicates to every cell and returns a new dataset
// containing only the survivors, in their original order.
func Cells(ctx context.Context, ds *dataset.Dataset, preds ...CellPredicate) (*dataset.Dataset, *Summary, error) {
	for _, p := range preds {
		for _, col := range p.Requires {
			if !cellColumnPresent(ds.Cells, col) {
				return nil, nil, errors.Newf(errors.ErrorTypeValidation,
					"predicate %s needs cell column %s; %s", p.Name, col, columnHint(col))
			}
		}
	}

	summary := &Summary{Before: ds.NumCells(), FailedBy: make(map[string]int)}
	keep := make([]int, 0, ds.NumCells())
	for j := 0; j < ds.NumCells(); j++ {
		ok := true
		for _, p := range preds {
			if !p.Keep(ds.Cells, j) {
				summary.FailedBy[p.Name]++
				ok = false
			}
		}
		if ok {
			keep = append(keep, j)
		}
	}
	summary.After = len(keep)
	summary.Removed = summary.Before - summary.After

	if len(keep) == 0 {
		return nil, nil, errors.New(errors.ErrorTypeEmpty, "all cells removed by filters")
	}

	out, err := ds.SubsetCells(keep)
	if err != nil {
		return nil, nil, err
	}

	metrics.CellsRetained.WithLabelValues("filter").Set(float64(out.NumCells()))
	logger.WithContext(ctx).Info("cells filtered",
		zap.Int("before", summary.Before),
		zap.Int("after", summary.After),
		zap.Any("failed_by", summary.FailedBy),
	)
	return out, summary, nil
}

// Genes applies the predicates to every gene and returns a new dataset
// containing only the survivors, in their original order.
func Genes(ctx context.Context, ds *dataset.Dataset, preds ...GenePredicate) (*dataset.Dataset, *Summary, error) {
	for _, p := range preds {
		for _, col := range p.Requires {
			if !geneColumnPresent(ds.Genes, col) {
				return nil, nil, errors.Newf(errors.ErrorTypeValidation,
					"predicate %s needs gene column %s; run qc first", p.Name, col)
			}
		}
	}

	summary := &Summary{Before: ds.NumGenes(), FailedBy: make(map[string]int)}
	keep := make([]int, 0, ds.NumGenes())
	for i := 0; i < ds.NumGenes(); i++ {
		ok := true
		for _, p := range preds {
			if !p.Keep(ds.Genes, i) {
				summary.FailedBy[p.Name]++
				ok = false
			}
		}
		if ok {
			keep = append(keep, i)
		}
	}
	summary.After = len(keep)
	summary.Removed = summary.Before - summary.After

	if len(keep) == 0 {
		return nil, nil, errors.New(errors.ErrorTypeEmpty, "all genes removed by filters")
	}

	out, err := ds.SubsetGenes(keep)
	if err != nil {
		return nil, nil, err
	}

	metrics.GenesRetained.WithLabelValues("filter").Set(float64(out.NumGenes()))
	logger.WithContext(ctx).Info("genes filtered",
		zap.Int("before", summary.Before),
		zap.Int("after", summary.After),
		zap.Any("failed_by", summary.FailedBy),
	)
	return out, summary, nil
}

// MinCounts keeps cells with at least min total counts.
func MinCounts(min float64) CellPredicate {
	return CellPredicate{
		Name:     fmt.Sprintf("min_counts>=%g", min),
		Requires: []string{"total_counts"},
		Keep: func(c *dataset.CellTable, j int) bool {
			return c.TotalCounts[j] >= min
		},
	}
}

// MaxCounts keeps cells with at most max total counts.
func MaxCounts(max float64) CellPredicate {
	return CellPredicate{
		Name:     fmt.Sprintf("max_counts<=%g", max),
		Requires: []string{"total_counts"},
		Keep: func(c *dataset.CellTable, j int) bool {
			return c.TotalCounts[j] <= max
		},
	}
}

// MinFeatures keeps cells expressing at least min genes.
func MinFeatures(min int) CellPredicate {
	return CellPredicate{
		Name:     fmt.Sprintf("min_features>=%d", min),
		Requires: []string{"n_features"},
		Keep: func(c *dataset.CellTable, j int) bool {
			return c.NFeatures[j] >= min
		},
	}
}

// MaxFeatures keeps cells expressing at most max genes.
func MaxFeatures(max int) CellPredicate {
	return CellPredicate{
		Name:     fmt.Sprintf("max_features<=%d", max),
		Requires: []string{"n_features"},
		Keep: func(c *dataset.CellTable, j int) bool {
			return c.NFeatures[j] <= max
		},
	}
}

// MaxPct keeps cells whose percentage column, "pct_mito" or
// "pct_ribo", is strictly below max. NaN fractions (zero-count cells)
// never pass.
func MaxPct(column string, max float64) CellPredicate {
	return CellPredicate{
		Name:     fmt.Sprintf("%s<%g", column, max),
		Requires: []string{column},
		Keep: func(c *dataset.CellTable, j int) bool {
			return pctColumn(c, column)[j] < max
		},
	}
}

// MaxPctMito keeps cells whose mitochondrial percentage is strictly
// below max.
func MaxPctMito(max float64) CellPredicate {
	return MaxPct("pct_mito", max)
}

// NonEmpty keeps cells with at least one count. NaN totals never pass.
func NonEmpty() CellPredicate {
	return CellPredicate{
		Name:     "non_empty",
		Requires: []string{"total_counts"},
		Keep: func(c *dataset.CellTable, j int) bool {
			return c.TotalCounts[j] > 0
		},
	}
}

// DropBarcodes removes the explicitly listed cells.
func DropBarcodes(barcodes ...string) CellPredicate {
	drop := make(map[string]struct{}, len(barcodes))
	for _, bc := range barcodes {
		drop[bc] = struct{}{}
	}
	return CellPredicate{
		Name: fmt.Sprintf("drop_barcodes(%d)", len(barcodes)),
		Keep: func(c *dataset.CellTable, j int) bool {
			_, listed := drop[c.Barcodes[j]]
			return !listed
		},
	}
}

// KeepSamples keeps only cells from the listed samples.
func KeepSamples(labels ...string) CellPredicate {
	keep := make(map[string]struct{}, len(labels))
	for _, l := range labels {
		keep[l] = struct{}{}
	}
	return CellPredicate{
		Name: fmt.Sprintf("keep_samples(%d)", len(labels)),
		Keep: func(c *dataset.CellTable, j int) bool {
			_, ok := keep[c.Samples[j]]
			return ok
		},
	}
}

// And combines predicates into one; a cell survives only when every
// part keeps it. The summary counts the conjunction as a single
// predicate under the joined name.
func And(preds ...CellPredicate) CellPredicate {
	names := make([]string, len(preds))
	var requires []string
	seen := make(map[string]struct{})
	for i, p := range preds {
		names[i] = p.Name
		for _, col := range p.Requires {
			if _, dup := seen[col]; dup {
				continue
			}
			seen[col] = struct{}{}
			requires = append(requires, col)
		}
	}
	return CellPredicate{
		Name:     strings.Join(names, " and "),
		Requires: requires,
		Keep: func(c *dataset.CellTable, j int) bool {
			for _, p := range preds {
				if !p.Keep(c, j) {
					return false
				}
			}
			return true
		},
	}
}

// ByLabel dispatches each cell on a label column, "samples" or
// "chemistry", and judges it with the predicate registered for its
// label. Cells whose label has no entry fall to the fallback; a
// fallback with a nil Keep retains them unjudged.
func ByLabel(column string, byLabel map[string]CellPredicate, fallback CellPredicate) CellPredicate {
	requires := []string{column}
	seen := map[string]struct{}{column: {}}
	collect := func(p CellPredicate) {
		for _, col := range p.Requires {
			if _, dup := seen[col]; dup {
				continue
			}
			seen[col] = struct{}{}
			requires = append(requires, col)
		}
	}
	for _, p := range byLabel {
		collect(p)
	}
	collect(fallback)

	return CellPredicate{
		Name:     fmt.Sprintf("by_%s(%d)", column, len(byLabel)),
		Requires: requires,
		Keep: func(c *dataset.CellTable, j int) bool {
			p, ok := byLabel[cellLabel(c, column, j)]
			if !ok {
				p = fallback
			}
			if p.Keep == nil {
				return true
			}
			return p.Keep(c, j)
		},
	}
}

// cellLabel reads the ByLabel dispatch column.
func cellLabel(c *dataset.CellTable, column string, j int) string {
	if column == "chemistry" {
		return c.Chemistry[j]
	}
	return c.Samples[j]
}

// pctColumn reads the MaxPct target column.
func pctColumn(c *dataset.CellTable, column string) []float64 {
	if column == "pct_ribo" {
		return c.PctRibo
	}
	return c.PctMito
}

// MinCells keeps genes detected in at least min cells.
func MinCells(min int) GenePredicate {
	return GenePredicate{
		Name:     fmt.Sprintf("min_cells>=%d", min),
		Requires: []string{"n_cells"},
		Keep: func(g *dataset.GeneTable, i int) bool {
			return g.NCells[i] >= min
		},
	}
}

// DropGeneNames removes the explicitly listed genes by display name.
func DropGeneNames(names ...string) GenePredicate {
	drop := make(map[string]struct{}, len(names))
	for _, n := range names {
		drop[n] = struct{}{}
	}
	return GenePredicate{
		Name: fmt.Sprintf("drop_genes(%d)", len(names)),
		Keep: func(g *dataset.GeneTable, i int) bool {
			_, listed := drop[g.Names[i]]
			return !listed
		},
	}
}

// AndGenes is the gene-axis counterpart of And.
func AndGenes(preds ...GenePredicate) GenePredicate {
	names := make([]string, len(preds))
	var requires []string
	seen := make(map[string]struct{})
	for i, p := range preds {
		names[i] = p.Name
		for _, col := range p.Requires {
			if _, dup := seen[col]; dup {
				continue
			}
			seen[col] = struct{}{}
			requires = append(requires, col)
		}
	}
	return GenePredicate{
		Name:     strings.Join(names, " and "),
		Requires: requires,
		Keep: func(g *dataset.GeneTable, i int) bool {
			for _, p := range preds {
				if !p.Keep(g, i) {
					return false
				}
			}
			return true
		},
	}
}

// CellsFromConfig builds the configured cell predicates. Zero-valued
// thresholds disable their predicate.
func CellsFromConfig(cfg *config.FilterConfig) []CellPredicate {
	var preds []CellPredicate
	if cfg.MinCounts > 0 {
		preds = append(preds, MinCounts(cfg.MinCounts))
	}
	if cfg.MaxCounts > 0 {
		preds = append(preds, MaxCounts(cfg.MaxCounts))
	}
	if cfg.MinFeatures > 0 {
		preds = append(preds, MinFeatures(cfg.MinFeatures))
	}
	if cfg.MaxFeatures > 0 {
		preds = append(preds, MaxFeatures(cfg.MaxFeatures))
	}
	if cfg.MaxPctMito > 0 {
		preds = append(preds, MaxPctMito(cfg.MaxPctMito))
	}
	return preds
}

// GenesFromConfig builds the configured gene predicates.
func GenesFromConfig(cfg *config.FilterConfig) []GenePredicate {
	var preds []GenePredicate
	if cfg.MinCells > 0 {
		preds = append(preds, MinCells(cfg.MinCells))
	}
	return preds
}

func cellColumnPresent(c *dataset.CellTable, name string) bool {
	switch name {
	case "samples":
		return c.Samples != nil
	case "chemistry":
		return c.Chemistry != nil
	case "total_counts":
		return c.TotalCounts != nil
	case "n_features":
		return c.NFeatures != nil
	case "pct_mito":
		return c.PctMito != nil
	case "pct_ribo":
		return c.PctRibo != nil
	default:
		return false
	}
}

// columnHint names the step that would have filled a missing column.
func columnHint(col string) string {
	switch col {
	case "samples", "chemistry":
		return "set it on the inputs"
	default:
		return "run qc first"
	}
}

func geneColumnPresent(g *dataset.GeneTable, name string) bool {
	switch name {
	case "n_cells":
		return g.NCells != nil
	case "total_counts":
		return g.TotalCounts != nil
	default:
		return false
	}
}
