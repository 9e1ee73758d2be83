// Package reduce scales expression values and projects cells into a
// low-dimensional space with principal component analysis.
//
// Scaling densifies the chosen gene subset (typically the highly
// variable genes) into a cells x genes matrix, z-scores each gene and
// clips extreme values so single outlier cells cannot dominate a
// component. PCA is a thin layer over gonum's stat.PC.
package reduce

import (
	"context"
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/scgo/scpipe/pkg/config"
	"github.com/scgo/scpipe/pkg/dataset"
	"github.com/scgo/scpipe/pkg/errors"
	"github.com/scgo/scpipe/pkg/logger"
	"github.com/scgo/scpipe/pkg/matrix"
	"github.com/scgo/scpipe/pkg/metrics"
	"github.com/scgo/scpipe/pkg/pool"
)

// Scale densifies the rows of norm listed in geneIdx into a cells x
// len(geneIdx) matrix, z-scores each gene column and clips values to
// [-clip, clip]. Zero-variance genes become zero columns rather than
// NaN.
func Scale(norm *matrix.CSC, geneIdx []int, clip float64) (*mat.Dense, error) {
	if norm == nil {
		return nil, errors.New(errors.ErrorTypeValidation, "scaling needs a normalized layer")
	}
	if clip <= 0 {
		return nil, errors.Newf(errors.ErrorTypeValidation, "clip value %g must be positive", clip)
	}
	if len(geneIdx) == 0 {
		return nil, errors.New(errors.ErrorTypeEmpty, "no genes to scale")
	}

	pos := make([]int, norm.Rows())
	for i := range pos {
		pos[i] = -1
	}
	for k, g := range geneIdx {
		if g < 0 || g >= norm.Rows() {
			return nil, errors.Newf(errors.ErrorTypeData, "gene index %d outside [0, %d)", g, norm.Rows())
		}
		if pos[g] != -1 {
			return nil, errors.Newf(errors.ErrorTypeData, "duplicate gene index %d", g)
		}
		pos[g] = k
	}

	nCells := norm.Cols()
	out := mat.NewDense(nCells, len(geneIdx), nil)
	for j := 0; j < nCells; j++ {
		rows, vals := norm.Col(j)
		for p, r := range rows {
			if k := pos[r]; k != -1 {
				out.Set(j, k, vals[p])
			}
		}
	}

	col := pool.GetFloat64Slice(nCells)
	defer pool.PutFloat64Slice(col)
	for k := range geneIdx {
		mat.Col(col, k, out)
		mean, std := stat.MeanStdDev(col, nil)
		if std == 0 || math.IsNaN(std) {
			for j := 0; j < nCells; j++ {
				out.Set(j, k, 0)
			}
			continue
		}
		for j := 0; j < nCells; j++ {
			v := (col[j] - mean) / std
			if v > clip {
				v = clip
			} else if v < -clip {
				v = -clip
			}
			out.Set(j, k, v)
		}
	}
	return out, nil
}

// PCA projects the rows of x onto its first k principal components.
// It returns the cells x k score matrix and the fraction of total
// variance each component explains.
func PCA(x mat.Matrix, k int) (*mat.Dense, []float64, error) {
	r, c := x.Dims()
	if k <= 0 {
		return nil, nil, errors.Newf(errors.ErrorTypeValidation, "component count %d must be positive", k)
	}
	if k > r || k > c {
		return nil, nil, errors.Newf(errors.ErrorTypeValidation,
			"component count %d exceeds %dx%d input", k, r, c)
	}
	if r < 2 {
		return nil, nil, errors.Newf(errors.ErrorTypeValidation,
			"principal components need at least 2 cells, got %d", r)
	}

	// stat.PC centers internally for the direction vectors; the score
	// projection needs the same centering applied to the input.
	centered := mat.DenseCopyOf(x)
	col := make([]float64, r)
	for j := 0; j < c; j++ {
		mat.Col(col, j, centered)
		m := stat.Mean(col, nil)
		for i := 0; i < r; i++ {
			centered.Set(i, j, col[i]-m)
		}
	}

	var pc stat.PC
	if ok := pc.PrincipalComponents(centered, nil); !ok {
		return nil, nil, errors.New(errors.ErrorTypeNumeric, "principal component decomposition failed")
	}
	var vecs mat.Dense
	pc.VectorsTo(&vecs)
	vars := pc.VarsTo(nil)

	scores := mat.NewDense(r, k, nil)
	scores.Mul(centered, vecs.Slice(0, c, 0, k))

	explained := make([]float64, k)
	if total := floats.Sum(vars); total > 0 {
		for i := range explained {
			explained[i] = vars[i] / total
		}
	}
	return scores, explained, nil
}

// Run scales the highly variable gene submatrix and stores the PCA
// embedding under ds.Reductions["pca"]. The component count is capped
// at the feasible maximum for small datasets.
func Run(ctx context.Context, ds *dataset.Dataset, cfg *config.ReduceConfig) error {
	if ds == nil {
		return errors.New(errors.ErrorTypeValidation, "nil dataset")
	}
	if ds.Norm == nil {
		return errors.New(errors.ErrorTypeValidation, "normalized layer missing; run normalize first")
	}
	if ds.GeneVariance == nil {
		return errors.New(errors.ErrorTypeValidation, "no variance table; run hvg first")
	}
	timer := metrics.NewTimer("reduce")
	defer timer.ObserveStage()

	geneIdx := ds.GeneVariance.SelectedIndices()
	if len(geneIdx) == 0 {
		return errors.New(errors.ErrorTypeEmpty, "no genes selected as highly variable")
	}

	scaled, err := Scale(ds.Norm, geneIdx, cfg.ClipValue)
	if err != nil {
		return err
	}

	k := cfg.NComponents
	if max := min(ds.NumCells(), len(geneIdx)); k > max {
		logger.WithContext(ctx).Warn("capping principal components at feasible maximum",
			zap.Int("requested", cfg.NComponents),
			zap.Int("using", max),
		)
		k = max
	}

	scores, explained, err := PCA(scaled, k)
	if err != nil {
		return err
	}

	if ds.Reductions == nil {
		ds.Reductions = make(map[string]*dataset.Reduction)
	}
	ds.Reductions["pca"] = &dataset.Reduction{
		Components:   scores,
		VarExplained: explained,
		FeatureIdx:   geneIdx,
	}

	logger.WithContext(ctx).Info("reduction computed",
		zap.Int("cells", ds.NumCells()),
		zap.Int("hvgs", len(geneIdx)),
		zap.Int("components", k),
		zap.Float64("var_explained_pc1", explained[0]),
	)
	return nil
}
