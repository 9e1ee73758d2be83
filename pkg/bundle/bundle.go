// Package bundle persists a dataset as a directory of Arrow IPC files
// plus a JSON manifest, and reloads it losslessly.
//
// Layout inside a bundle directory:
//
//	manifest.json      shapes, format version, reduction metadata
//	counts.arrow       raw counts as coordinate triplets
//	norm.arrow         normalized layer, when present
//	obs.arrow          cell table
//	var.arrow          gene table
//	variance.arrow     per-gene variance decomposition, when present
//	reduction_*.arrow  one embedding file per reduction
//
// Optional table columns are stored only when populated, so a column
// that was nil on write is nil again after Read.
package bundle

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"time"

	gojson "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/scgo/scpipe/pkg/dataset"
	"github.com/scgo/scpipe/pkg/errors"
	"github.com/scgo/scpipe/pkg/logger"
	"github.com/scgo/scpipe/pkg/metrics"
)

// FormatVersion is written to every manifest and checked on load. Bump
// it when the file layout changes incompatibly.
const FormatVersion = 1

const (
	manifestFile = "manifest.json"
	countsFile   = "counts.arrow"
	normFile     = "norm.arrow"
	obsFile      = "obs.arrow"
	varFile      = "var.arrow"
	varianceFile = "variance.arrow"
)

// Manifest records everything about a bundle that does not live in a
// columnar file.
type Manifest struct {
	FormatVersion int       `json:"format_version"`
	CreatedAt     time.Time `json:"created_at"`

	Genes     int `json:"genes"`
	Cells     int `json:"cells"`
	CountsNnz int `json:"counts_nnz"`

	HasNorm bool `json:"has_norm"`
	NormNnz int  `json:"norm_nnz,omitempty"`

	HasVariance    bool   `json:"has_variance"`
	VarianceMethod string `json:"variance_method,omitempty"`

	Reductions map[string]ReductionMeta `json:"reductions,omitempty"`
}

// ReductionMeta carries the scalar sidecar of an embedding file.
type ReductionMeta struct {
	Components   int       `json:"components"`
	VarExplained []float64 `json:"var_explained,omitempty"`
	FeatureIdx   []int     `json:"feature_idx,omitempty"`
}

func reductionFile(name string) string { return "reduction_" + name + ".arrow" }

// Write persists the dataset under dir, creating it if needed. Every
// layer, annotation table and reduction present on the dataset is
// written; the manifest records which files exist.
func Write(ctx context.Context, dir string, ds *dataset.Dataset) error {
	if ds == nil {
		return errors.New(errors.ErrorTypeValidation, "nil dataset")
	}
	if err := ds.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, errors.ErrorTypeInternal, "creating bundle directory %s", dir)
	}

	timer := metrics.NewTimer("export")
	defer timer.ObserveStage()

	if err := writeLayer(filepath.Join(dir, countsFile), ds.Counts); err != nil {
		return err
	}
	if ds.Norm != nil {
		if err := writeLayer(filepath.Join(dir, normFile), ds.Norm); err != nil {
			return err
		}
	}
	if err := writeObs(filepath.Join(dir, obsFile), ds.Cells); err != nil {
		return err
	}
	if err := writeVar(filepath.Join(dir, varFile), ds.Genes); err != nil {
		return err
	}
	if ds.GeneVariance != nil {
		if err := writeVariance(filepath.Join(dir, varianceFile), ds.GeneVariance); err != nil {
			return err
		}
	}

	man := &Manifest{
		FormatVersion: FormatVersion,
		CreatedAt:     time.Now().UTC(),
		Genes:         ds.NumGenes(),
		Cells:         ds.NumCells(),
		CountsNnz:     ds.Counts.Nnz(),
		HasNorm:       ds.Norm != nil,
		HasVariance:   ds.GeneVariance != nil,
	}
	if ds.Norm != nil {
		man.NormNnz = ds.Norm.Nnz()
	}
	if ds.GeneVariance != nil {
		man.VarianceMethod = ds.GeneVariance.Method
	}
	if len(ds.Reductions) > 0 {
		man.Reductions = make(map[string]ReductionMeta, len(ds.Reductions))
		names := make([]string, 0, len(ds.Reductions))
		for name := range ds.Reductions {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			red := ds.Reductions[name]
			if err := writeReduction(filepath.Join(dir, reductionFile(name)), red); err != nil {
				return err
			}
			man.Reductions[name] = ReductionMeta{
				Components:   red.NumComponents(),
				VarExplained: red.VarExplained,
				FeatureIdx:   red.FeatureIdx,
			}
		}
	}

	raw, err := gojson.MarshalIndent(man, "", "  ")
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "encoding bundle manifest")
	}
	if err := os.WriteFile(filepath.Join(dir, manifestFile), raw, 0o644); err != nil {
		return errors.Wrapf(err, errors.ErrorTypeInternal, "writing bundle manifest in %s", dir)
	}

	logger.WithContext(ctx).Info("bundle written",
		zap.String("dir", dir),
		zap.Int("genes", man.Genes),
		zap.Int("cells", man.Cells),
		zap.Int("nnz", man.CountsNnz),
		zap.Bool("norm", man.HasNorm),
		zap.Int("reductions", len(man.Reductions)))
	return nil
}

// Read loads a bundle directory written by Write and rebuilds the
// dataset, including optional layers and reductions.
func Read(ctx context.Context, dir string) (*dataset.Dataset, error) {
	raw, err := os.ReadFile(filepath.Join(dir, manifestFile))
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeIngest, "reading bundle manifest in %s", dir)
	}
	var man Manifest
	if err := gojson.Unmarshal(raw, &man); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "parsing bundle manifest")
	}
	if man.FormatVersion != FormatVersion {
		return nil, errors.Newf(errors.ErrorTypeData,
			"unsupported bundle format version %d, want %d", man.FormatVersion, FormatVersion)
	}

	timer := metrics.NewTimer("import")
	defer timer.ObserveStage()

	counts, err := readLayer(filepath.Join(dir, countsFile), man.Genes, man.Cells)
	if err != nil {
		return nil, err
	}
	if counts.Nnz() != man.CountsNnz {
		return nil, errors.Newf(errors.ErrorTypeData,
			"counts layer has %d entries, manifest declares %d", counts.Nnz(), man.CountsNnz)
	}
	cells, err := readObs(filepath.Join(dir, obsFile))
	if err != nil {
		return nil, err
	}
	genes, err := readVar(filepath.Join(dir, varFile))
	if err != nil {
		return nil, err
	}
	ds, err := dataset.New(counts, cells, genes)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "bundle tables do not match its matrix")
	}

	if man.HasNorm {
		ds.Norm, err = readLayer(filepath.Join(dir, normFile), man.Genes, man.Cells)
		if err != nil {
			return nil, err
		}
		if ds.Norm.Nnz() != man.NormNnz {
			return nil, errors.Newf(errors.ErrorTypeData,
				"normalized layer has %d entries, manifest declares %d", ds.Norm.Nnz(), man.NormNnz)
		}
	}
	if man.HasVariance {
		ds.GeneVariance, err = readVariance(filepath.Join(dir, varianceFile), man.VarianceMethod)
		if err != nil {
			return nil, err
		}
	}
	for name, meta := range man.Reductions {
		red, err := readReduction(filepath.Join(dir, reductionFile(name)), meta)
		if err != nil {
			return nil, err
		}
		ds.Reductions[name] = red
	}

	if err := ds.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "bundle is internally inconsistent")
	}

	logger.WithContext(ctx).Info("bundle loaded",
		zap.String("dir", dir),
		zap.Int("genes", man.Genes),
		zap.Int("cells", man.Cells),
		zap.Int("reductions", len(man.Reductions)))
	return ds, nil
}
