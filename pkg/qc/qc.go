// Package qc computes per-cell and per-gene quality metrics on the raw
// count layer.
//
// Per cell: total counts, number of detected genes, and the percentage
// of counts falling in mitochondrial and ribosomal gene families. Gene
// families are identified by display-name prefix ("MT-" for human
// mitochondrial genes, "RPS"/"RPL" for ribosomal proteins). Cells with
// zero total counts get NaN fractions; they carry no signal to divide.
//
// Per gene: the number of cells the gene is detected in and its total
// counts. All columns are written onto the dataset's annotation tables
// in place; the matrix itself is never modified.
package qc

import (
	"context"
	"math"
	"strings"

	"go.uber.org/zap"

	"github.com/scgo/scpipe/pkg/config"
	"github.com/scgo/scpipe/pkg/dataset"
	"github.com/scgo/scpipe/pkg/errors"
	"github.com/scgo/scpipe/pkg/logger"
	"github.com/scgo/scpipe/pkg/metrics"
)

// Compute fills the QC columns of both annotation tables from the raw
// count layer. Existing QC columns are overwritten, which makes the
// stage safe to re-run after filtering.
func Compute(ctx context.Context, ds *dataset.Dataset, cfg *config.QCConfig) error {
	if ds == nil || ds.Counts == nil {
		return errors.New(errors.ErrorTypeData, "qc requires a count layer")
	}
	timer := metrics.NewTimer("qc")

	mito := MatchPrefixes(ds.Genes.Names, cfg.MitoPrefixes)
	ribo := MatchPrefixes(ds.Genes.Names, cfg.RiboPrefixes)

	nCells := ds.NumCells()
	ds.Cells.TotalCounts = make([]float64, nCells)
	ds.Cells.NFeatures = make([]int, nCells)
	ds.Cells.PctMito = make([]float64, nCells)
	ds.Cells.PctRibo = make([]float64, nCells)

	zeroCells := 0
	for j := 0; j < nCells; j++ {
		idx, vals := ds.Counts.Col(j)
		var total, mitoSum, riboSum float64
		for p, row := range idx {
			v := vals[p]
			total += v
			if mito[row] {
				mitoSum += v
			}
			if ribo[row] {
				riboSum += v
			}
		}
		ds.Cells.TotalCounts[j] = total
		ds.Cells.NFeatures[j] = len(idx)
		if total == 0 {
			ds.Cells.PctMito[j] = math.NaN()
			ds.Cells.PctRibo[j] = math.NaN()
			zeroCells++
			continue
		}
		ds.Cells.PctMito[j] = 100 * mitoSum / total
		ds.Cells.PctRibo[j] = 100 * riboSum / total
	}

	geneSums, _, geneNnz := ds.Counts.RowStats()
	ds.Genes.TotalCounts = geneSums
	ds.Genes.NCells = geneNnz

	logger.WithContext(ctx).Info("qc computed",
		zap.Int("cells", nCells),
		zap.Int("genes", ds.NumGenes()),
		zap.Int("mito_genes", countTrue(mito)),
		zap.Int("ribo_genes", countTrue(ribo)),
		zap.Int("zero_count_cells", zeroCells),
		zap.Duration("elapsed", timer.ObserveStage()),
	)
	return nil
}

// MatchPrefixes marks every name carrying one of the prefixes.
// Matching is case-sensitive; configs list the case variants they
// expect ("MT-", "mt-").
func MatchPrefixes(names []string, prefixes []string) []bool {
	out := make([]bool, len(names))
	if len(prefixes) == 0 {
		return out
	}
	for i, name := range names {
		for _, p := range prefixes {
			if strings.HasPrefix(name, p) {
				out[i] = true
				break
			}
		}
	}
	return out
}

func countTrue(mask []bool) int {
	n := 0
	for _, b := range mask {
		if b {
			n++
		}
	}
	return n
}
