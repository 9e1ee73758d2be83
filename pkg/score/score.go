// Package score computes per-cell module scores for gene signatures
// and assigns cell-cycle phases from them.
//
// A module score is the mean normalized expression of a signature
// minus the mean of a control set drawn from expression-matched bins,
// which removes the depth component a plain signature mean would
// carry. Control draws are seeded, so a run is reproducible.
package score

import (
	"context"
	"math/rand/v2"
	"sort"

	"go.uber.org/zap"

	"github.com/scgo/scpipe/pkg/config"
	"github.com/scgo/scpipe/pkg/dataset"
	"github.com/scgo/scpipe/pkg/errors"
	"github.com/scgo/scpipe/pkg/logger"
	"github.com/scgo/scpipe/pkg/matrix"
	"github.com/scgo/scpipe/pkg/metrics"
)

// Sets holds the two cell-cycle signatures as gene symbols.
type Sets struct {
	S   []string
	G2M []string
}

// DefaultSets returns the built-in human signatures.
func DefaultSets() Sets {
	return Sets{S: sPhaseGenes, G2M: g2mPhaseGenes}
}

// SetsFromConfig returns the configured signatures, falling back to
// the built-ins where a list is empty.
func SetsFromConfig(cfg *config.CellCycleConfig) Sets {
	sets := DefaultSets()
	if len(cfg.SGenes) > 0 {
		sets.S = cfg.SGenes
	}
	if len(cfg.G2MGenes) > 0 {
		sets.G2M = cfg.G2MGenes
	}
	return sets
}

// Result reports what cell-cycle scoring produced.
type Result struct {
	// SGenesUsed and G2MGenesUsed count signature genes present in
	// the dataset
	SGenesUsed   int            `json:"s_genes_used"`
	G2MGenesUsed int            `json:"g2m_genes_used"`
	PhaseCounts  map[string]int `json:"phase_counts"`
}

// Run scores both cell-cycle signatures against the normalized layer
// and assigns each cell a phase.
func Run(ctx context.Context, ds *dataset.Dataset, cfg *config.CellCycleConfig, seed int64) (*Result, error) {
	if ds == nil {
		return nil, errors.New(errors.ErrorTypeValidation, "nil dataset")
	}
	if ds.Norm == nil {
		return nil, errors.New(errors.ErrorTypeValidation, "normalized layer missing; run normalize first")
	}
	if cfg.Bins <= 0 {
		return nil, errors.Newf(errors.ErrorTypeConfig, "bin count %d must be positive", cfg.Bins)
	}
	if cfg.ControlsPerGene <= 0 {
		return nil, errors.Newf(errors.ErrorTypeConfig, "controls per gene %d must be positive", cfg.ControlsPerGene)
	}

	timer := metrics.NewTimer("score")
	defer timer.ObserveStage()

	sets := SetsFromConfig(cfg)
	sIdx := matchGenes(ds.Genes.Names, sets.S)
	if len(sIdx) == 0 {
		return nil, errors.New(errors.ErrorTypeData, "no S-phase signature genes found in the dataset")
	}
	g2mIdx := matchGenes(ds.Genes.Names, sets.G2M)
	if len(g2mIdx) == 0 {
		return nil, errors.New(errors.ErrorTypeData, "no G2/M signature genes found in the dataset")
	}

	// the scorer consumes its generator in call order: S then G2M
	scorer := newModuleScorer(ds.Norm, cfg.Bins, seed)
	sScores := scorer.score(sIdx, cfg.ControlsPerGene)
	g2mScores := scorer.score(g2mIdx, cfg.ControlsPerGene)

	phases := make([]string, ds.NumCells())
	counts := map[string]int{"G1": 0, "S": 0, "G2M": 0}
	for j := range phases {
		phases[j] = assignPhase(sScores[j], g2mScores[j])
		counts[phases[j]]++
	}

	ds.Cells.SScores = sScores
	ds.Cells.G2MScores = g2mScores
	ds.Cells.Phases = phases

	metrics.StrategyRuns.WithLabelValues("score", "cell_cycle").Inc()
	logger.WithContext(ctx).Info("cell-cycle phases scored",
		zap.Int("s_genes", len(sIdx)),
		zap.Int("g2m_genes", len(g2mIdx)),
		zap.Int("g1", counts["G1"]),
		zap.Int("s", counts["S"]),
		zap.Int("g2m", counts["G2M"]),
	)

	return &Result{
		SGenesUsed:   len(sIdx),
		G2MGenesUsed: len(g2mIdx),
		PhaseCounts:  counts,
	}, nil
}

// assignPhase picks the phase with the larger score; cells where
// neither score is positive are called G1.
func assignPhase(s, g2m float64) string {
	if s <= 0 && g2m <= 0 {
		return "G1"
	}
	if s > g2m {
		return "S"
	}
	return "G2M"
}

// matchGenes maps symbols to gene indices, keeping the first match
// for a duplicated name and dropping symbols absent from the dataset.
// The result is sorted and free of duplicates.
func matchGenes(names []string, symbols []string) []int {
	byName := make(map[string]int, len(names))
	for i, n := range names {
		if _, ok := byName[n]; !ok {
			byName[n] = i
		}
	}

	var idx []int
	for _, s := range symbols {
		if i, ok := byName[s]; ok {
			idx = append(idx, i)
		}
	}
	sort.Ints(idx)

	out := idx[:0]
	for i, v := range idx {
		if i == 0 || v != idx[i-1] {
			out = append(out, v)
		}
	}
	return out
}

// moduleScorer bins genes by mean expression once and scores gene
// sets against bin-matched control draws.
type moduleScorer struct {
	layer *matrix.CSC
	rng   *rand.Rand
	bins  [][]int // gene indices per expression bin
	binOf []int   // bin index per gene
}

func newModuleScorer(layer *matrix.CSC, nBins int, seed int64) *moduleScorer {
	nGenes := layer.Rows()
	sums, _, _ := layer.RowStats()

	order := make([]int, nGenes)
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool {
		if sums[order[a]] != sums[order[b]] {
			return sums[order[a]] < sums[order[b]]
		}
		return order[a] < order[b]
	})

	if nBins > nGenes {
		nBins = nGenes
	}
	bins := make([][]int, nBins)
	binOf := make([]int, nGenes)
	for r, g := range order {
		b := r * nBins / nGenes
		bins[b] = append(bins[b], g)
		binOf[g] = b
	}

	return &moduleScorer{
		layer: layer,
		rng:   rand.New(rand.NewPCG(uint64(seed), uint64(seed))),
		bins:  bins,
		binOf: binOf,
	}
}

// score returns, per cell, the mean expression of the signature minus
// the mean of its bin-matched controls. Controls are drawn per
// signature gene from that gene's bin, without replacement within a
// draw; the union over draws forms the control set.
func (m *moduleScorer) score(sig []int, controlsPerGene int) []float64 {
	nGenes := m.layer.Rows()

	inSig := make([]bool, nGenes)
	for _, g := range sig {
		inSig[g] = true
	}

	inCtrl := make([]bool, nGenes)
	nCtrl := 0
	for _, g := range sig {
		bin := m.bins[m.binOf[g]]
		k := min(controlsPerGene, len(bin))
		for _, p := range m.rng.Perm(len(bin))[:k] {
			if c := bin[p]; !inCtrl[c] {
				inCtrl[c] = true
				nCtrl++
			}
		}
	}

	sigMeans := setMeans(m.layer, inSig, len(sig))
	ctrlMeans := setMeans(m.layer, inCtrl, nCtrl)

	out := make([]float64, len(sigMeans))
	for j := range out {
		out[j] = sigMeans[j] - ctrlMeans[j]
	}
	return out
}

// setMeans computes, per cell, the mean of the layer over member
// genes; entries the layer does not store count as zero.
func setMeans(layer *matrix.CSC, members []bool, size int) []float64 {
	out := make([]float64, layer.Cols())
	for j := range out {
		rows, vals := layer.Col(j)
		s := 0.0
		for q, r := range rows {
			if members[r] {
				s += vals[q]
			}
		}
		out[j] = s / float64(size)
	}
	return out
}
