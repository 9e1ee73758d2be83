// Package dataset defines the central Dataset container that moves
// through the pipeline: a sparse count matrix, an optional normalized
// layer, and per-cell and per-gene annotation tables kept in lockstep
// with the matrix axes.
//
// Annotation columns are nil until the stage that computes them has
// run; a non-nil column always has exactly one entry per cell or gene.
// Subsetting is non-destructive: SubsetCells and SubsetGenes return new
// datasets and leave the receiver unchanged, which is what makes filter
// application idempotent.
package dataset

import (
	"gonum.org/v1/gonum/mat"

	"github.com/scgo/scpipe/pkg/errors"
	"github.com/scgo/scpipe/pkg/matrix"
)

// CellTable holds per-cell annotations as parallel columns.
// Barcodes, Samples and Chemistry are set at ingest; the remaining
// columns are filled by later stages and stay nil until then.
type CellTable struct {
	Barcodes []string `json:"barcodes"`
	Samples  []string `json:"samples"`
	// Chemistry stays nil unless some input declares a chemistry label
	Chemistry []string `json:"chemistry,omitempty"`

	// QC columns
	TotalCounts []float64 `json:"total_counts,omitempty"`
	NFeatures   []int     `json:"n_features,omitempty"`
	PctMito     []float64 `json:"pct_mito,omitempty"`
	PctRibo     []float64 `json:"pct_ribo,omitempty"`

	// Normalization
	SizeFactors []float64 `json:"size_factors,omitempty"`

	// Clustering
	Clusters []int `json:"clusters,omitempty"`

	// Cell-cycle scoring
	SScores   []float64 `json:"s_scores,omitempty"`
	G2MScores []float64 `json:"g2m_scores,omitempty"`
	Phases    []string  `json:"phases,omitempty"`
}

// Len returns the number of cells in the table.
func (ct *CellTable) Len() int { return len(ct.Barcodes) }

// Validate checks that every non-nil column has exactly n entries.
func (ct *CellTable) Validate(n int) error {
	check := func(name string, l int, present bool) error {
		if present && l != n {
			return errors.Newf(errors.ErrorTypeData, "cell column %s has %d entries, want %d", name, l, n)
		}
		return nil
	}
	if err := check("barcodes", len(ct.Barcodes), true); err != nil {
		return err
	}
	if err := check("samples", len(ct.Samples), ct.Samples != nil); err != nil {
		return err
	}
	if err := check("chemistry", len(ct.Chemistry), ct.Chemistry != nil); err != nil {
		return err
	}
	if err := check("total_counts", len(ct.TotalCounts), ct.TotalCounts != nil); err != nil {
		return err
	}
	if err := check("n_features", len(ct.NFeatures), ct.NFeatures != nil); err != nil {
		return err
	}
	if err := check("pct_mito", len(ct.PctMito), ct.PctMito != nil); err != nil {
		return err
	}
	if err := check("pct_ribo", len(ct.PctRibo), ct.PctRibo != nil); err != nil {
		return err
	}
	if err := check("size_factors", len(ct.SizeFactors), ct.SizeFactors != nil); err != nil {
		return err
	}
	if err := check("clusters", len(ct.Clusters), ct.Clusters != nil); err != nil {
		return err
	}
	if err := check("s_scores", len(ct.SScores), ct.SScores != nil); err != nil {
		return err
	}
	if err := check("g2m_scores", len(ct.G2MScores), ct.G2MScores != nil); err != nil {
		return err
	}
	return check("phases", len(ct.Phases), ct.Phases != nil)
}

// Subset returns a new table keeping rows at the given indices, in order.
// Nil columns stay nil.
func (ct *CellTable) Subset(keep []int) *CellTable {
	return &CellTable{
		Barcodes:    subsetStrings(ct.Barcodes, keep),
		Samples:     subsetStrings(ct.Samples, keep),
		Chemistry:   subsetStrings(ct.Chemistry, keep),
		TotalCounts: subsetFloats(ct.TotalCounts, keep),
		NFeatures:   subsetInts(ct.NFeatures, keep),
		PctMito:     subsetFloats(ct.PctMito, keep),
		PctRibo:     subsetFloats(ct.PctRibo, keep),
		SizeFactors: subsetFloats(ct.SizeFactors, keep),
		Clusters:    subsetInts(ct.Clusters, keep),
		SScores:     subsetFloats(ct.SScores, keep),
		G2MScores:   subsetFloats(ct.G2MScores, keep),
		Phases:      subsetStrings(ct.Phases, keep),
	}
}

// GeneTable holds per-gene annotations as parallel columns.
type GeneTable struct {
	// IDs are stable gene identifiers (e.g. Ensembl accessions)
	IDs []string `json:"ids"`
	// Names are display symbols; QC prefix matching runs against these
	Names []string `json:"names"`
	// FeatureTypes records each row's assay type ("Gene Expression",
	// "Antibody Capture"); nil when the source has no type column
	FeatureTypes []string `json:"feature_types,omitempty"`

	// QC columns
	NCells      []int     `json:"n_cells,omitempty"`
	TotalCounts []float64 `json:"total_counts,omitempty"`
}

// Len returns the number of genes in the table.
func (gt *GeneTable) Len() int { return len(gt.IDs) }

// Validate checks that every non-nil column has exactly n entries.
func (gt *GeneTable) Validate(n int) error {
	if len(gt.IDs) != n {
		return errors.Newf(errors.ErrorTypeData, "gene column ids has %d entries, want %d", len(gt.IDs), n)
	}
	if len(gt.Names) != n {
		return errors.Newf(errors.ErrorTypeData, "gene column names has %d entries, want %d", len(gt.Names), n)
	}
	if gt.FeatureTypes != nil && len(gt.FeatureTypes) != n {
		return errors.Newf(errors.ErrorTypeData, "gene column feature_types has %d entries, want %d", len(gt.FeatureTypes), n)
	}
	if gt.NCells != nil && len(gt.NCells) != n {
		return errors.Newf(errors.ErrorTypeData, "gene column n_cells has %d entries, want %d", len(gt.NCells), n)
	}
	if gt.TotalCounts != nil && len(gt.TotalCounts) != n {
		return errors.Newf(errors.ErrorTypeData, "gene column total_counts has %d entries, want %d", len(gt.TotalCounts), n)
	}
	return nil
}

// Subset returns a new table keeping rows at the given indices, in order.
func (gt *GeneTable) Subset(keep []int) *GeneTable {
	return &GeneTable{
		IDs:          subsetStrings(gt.IDs, keep),
		Names:        subsetStrings(gt.Names, keep),
		FeatureTypes: subsetStrings(gt.FeatureTypes, keep),
		NCells:       subsetInts(gt.NCells, keep),
		TotalCounts:  subsetFloats(gt.TotalCounts, keep),
	}
}

// VarianceTable holds the per-gene variance decomposition produced by
// feature selection, aligned with the gene axis. Columns not used by
// the producing strategy stay nil.
type VarianceTable struct {
	// Method names the strategy that produced the table
	Method string `json:"method"`

	Means     []float64 `json:"means"`
	Variances []float64 `json:"variances"`

	// Expected is the fitted technical variance at each gene's mean
	Expected []float64 `json:"expected,omitempty"`
	// Residuals is the variance above the fitted trend
	Residuals []float64 `json:"residuals,omitempty"`
	// Standardized is the clipped standardized variance used for ranking
	Standardized []float64 `json:"standardized,omitempty"`

	PValues []float64 `json:"p_values,omitempty"`
	FDR     []float64 `json:"fdr,omitempty"`

	// Selected marks genes chosen as highly variable
	Selected []bool `json:"selected"`
}

// Len returns the number of genes in the table.
func (vt *VarianceTable) Len() int { return len(vt.Means) }

// NumSelected returns the number of genes marked highly variable.
func (vt *VarianceTable) NumSelected() int {
	n := 0
	for _, s := range vt.Selected {
		if s {
			n++
		}
	}
	return n
}

// SelectedIndices returns the gene indices marked highly variable, in
// ascending gene order.
func (vt *VarianceTable) SelectedIndices() []int {
	idx := make([]int, 0, vt.NumSelected())
	for i, s := range vt.Selected {
		if s {
			idx = append(idx, i)
		}
	}
	return idx
}

// Subset returns a new table keeping rows at the given indices, in order.
func (vt *VarianceTable) Subset(keep []int) *VarianceTable {
	return &VarianceTable{
		Method:       vt.Method,
		Means:        subsetFloats(vt.Means, keep),
		Variances:    subsetFloats(vt.Variances, keep),
		Expected:     subsetFloats(vt.Expected, keep),
		Residuals:    subsetFloats(vt.Residuals, keep),
		Standardized: subsetFloats(vt.Standardized, keep),
		PValues:      subsetFloats(vt.PValues, keep),
		FDR:          subsetFloats(vt.FDR, keep),
		Selected:     subsetBools(vt.Selected, keep),
	}
}

// Reduction holds a dense low-dimensional embedding of the cells.
type Reduction struct {
	// Components is cells x k
	Components *mat.Dense
	// VarExplained is the fraction of total variance per component
	VarExplained []float64
	// FeatureIdx lists the gene indices the reduction was computed from
	FeatureIdx []int
}

// NumComponents returns k.
func (r *Reduction) NumComponents() int {
	if r.Components == nil {
		return 0
	}
	_, k := r.Components.Dims()
	return k
}

// subsetRows returns a new reduction keeping the given cell rows.
func (r *Reduction) subsetRows(keep []int) *Reduction {
	out := &Reduction{
		VarExplained: append([]float64(nil), r.VarExplained...),
		FeatureIdx:   append([]int(nil), r.FeatureIdx...),
	}
	if r.Components != nil {
		_, k := r.Components.Dims()
		sub := mat.NewDense(len(keep), k, nil)
		for newI, oldI := range keep {
			sub.SetRow(newI, r.Components.RawRowView(oldI))
		}
		out.Components = sub
	}
	return out
}

// Dataset bundles the count matrix with its annotations. Counts is
// always present; Norm and the derived tables appear as stages run.
type Dataset struct {
	// Counts is the raw count layer, genes x cells
	Counts *matrix.CSC
	// Norm is the normalized layer, same shape as Counts; nil until
	// normalization has run
	Norm *matrix.CSC

	Cells *CellTable
	Genes *GeneTable

	// GeneVariance is set by feature selection
	GeneVariance *VarianceTable

	// Reductions maps a name ("pca") to an embedding
	Reductions map[string]*Reduction
}

// New creates a dataset from a count matrix and its annotation tables,
// validating the lockstep invariant.
func New(counts *matrix.CSC, cells *CellTable, genes *GeneTable) (*Dataset, error) {
	ds := &Dataset{
		Counts:     counts,
		Cells:      cells,
		Genes:      genes,
		Reductions: make(map[string]*Reduction),
	}
	if err := ds.Validate(); err != nil {
		return nil, err
	}
	return ds, nil
}

// NumCells returns the number of cells (matrix columns).
func (ds *Dataset) NumCells() int { return ds.Counts.Cols() }

// NumGenes returns the number of genes (matrix rows).
func (ds *Dataset) NumGenes() int { return ds.Counts.Rows() }

// Validate checks the lockstep invariant across every layer and table.
func (ds *Dataset) Validate() error {
	if ds.Counts == nil {
		return errors.New(errors.ErrorTypeData, "dataset has no count layer")
	}
	if ds.Cells == nil || ds.Genes == nil {
		return errors.New(errors.ErrorTypeData, "dataset is missing annotation tables")
	}
	if err := ds.Cells.Validate(ds.NumCells()); err != nil {
		return err
	}
	if err := ds.Genes.Validate(ds.NumGenes()); err != nil {
		return err
	}
	if ds.Norm != nil {
		if ds.Norm.Rows() != ds.NumGenes() || ds.Norm.Cols() != ds.NumCells() {
			return errors.Newf(errors.ErrorTypeData,
				"normalized layer is %dx%d, counts are %dx%d",
				ds.Norm.Rows(), ds.Norm.Cols(), ds.NumGenes(), ds.NumCells())
		}
	}
	if ds.GeneVariance != nil && ds.GeneVariance.Len() != ds.NumGenes() {
		return errors.Newf(errors.ErrorTypeData,
			"variance table has %d genes, dataset has %d", ds.GeneVariance.Len(), ds.NumGenes())
	}
	for name, red := range ds.Reductions {
		if red.Components != nil {
			r, _ := red.Components.Dims()
			if r != ds.NumCells() {
				return errors.Newf(errors.ErrorTypeData,
					"reduction %s has %d rows, dataset has %d cells", name, r, ds.NumCells())
			}
		}
	}
	return nil
}

// SubsetCells returns a new dataset keeping the cells at the given
// column indices, in order. Every layer, the cell table and all
// reductions are subset together; the receiver is unchanged.
func (ds *Dataset) SubsetCells(keep []int) (*Dataset, error) {
	counts, err := ds.Counts.SubsetCols(keep)
	if err != nil {
		return nil, err
	}
	out := &Dataset{
		Counts:       counts,
		Cells:        ds.Cells.Subset(keep),
		Genes:        ds.Genes,
		GeneVariance: ds.GeneVariance,
		Reductions:   make(map[string]*Reduction, len(ds.Reductions)),
	}
	if ds.Norm != nil {
		if out.Norm, err = ds.Norm.SubsetCols(keep); err != nil {
			return nil, err
		}
	}
	for name, red := range ds.Reductions {
		out.Reductions[name] = red.subsetRows(keep)
	}
	return out, nil
}

// SubsetGenes returns a new dataset keeping the genes at the given row
// indices, in order. Reductions are dropped since their feature basis
// no longer exists.
func (ds *Dataset) SubsetGenes(keep []int) (*Dataset, error) {
	counts, err := ds.Counts.SubsetRows(keep)
	if err != nil {
		return nil, err
	}
	out := &Dataset{
		Counts:     counts,
		Cells:      ds.Cells,
		Genes:      ds.Genes.Subset(keep),
		Reductions: make(map[string]*Reduction),
	}
	if ds.Norm != nil {
		if out.Norm, err = ds.Norm.SubsetRows(keep); err != nil {
			return nil, err
		}
	}
	if ds.GeneVariance != nil {
		out.GeneVariance = ds.GeneVariance.Subset(keep)
	}
	return out, nil
}

func subsetStrings(col []string, keep []int) []string {
	if col == nil {
		return nil
	}
	out := make([]string, len(keep))
	for i, k := range keep {
		out[i] = col[k]
	}
	return out
}

func subsetFloats(col []float64, keep []int) []float64 {
	if col == nil {
		return nil
	}
	out := make([]float64, len(keep))
	for i, k := range keep {
		out[i] = col[k]
	}
	return out
}

func subsetInts(col []int, keep []int) []int {
	if col == nil {
		return nil
	}
	out := make([]int, len(keep))
	for i, k := range keep {
		out[i] = col[k]
	}
	return out
}

func subsetBools(col []bool, keep []int) []bool {
	if col == nil {
		return nil
	}
	out := make([]bool, len(keep))
	for i, k := range keep {
		out[i] = col[k]
	}
	return out
}
