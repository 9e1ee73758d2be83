// Package ingest loads raw count matrices into datasets.
//
// Readers are registered per input format in a factory registry; the
// matrix-market directory layout produced by droplet platforms
// (matrix.mtx + barcodes.tsv + features.tsv, each optionally
// gzip-compressed) is built in under the name "mtx_dir".
//
// Load reads every configured input and merges them into a single
// dataset: counts are concatenated cell-wise, barcodes are prefixed
// with their sample label, and all inputs must agree on the gene axis.
package ingest

import (
	"context"

	"go.uber.org/zap"

	"github.com/scgo/scpipe/pkg/config"
	"github.com/scgo/scpipe/pkg/dataset"
	"github.com/scgo/scpipe/pkg/errors"
	"github.com/scgo/scpipe/pkg/logger"
	"github.com/scgo/scpipe/pkg/matrix"
)

// Reader loads a single sample into a dataset.
type Reader interface {
	// Name returns the registered format name.
	Name() string
	// Read loads the input. The returned dataset has barcodes and
	// sample labels set but no QC columns.
	Read(ctx context.Context, in config.InputConfig) (*dataset.Dataset, error)
}

// Load reads all configured inputs and merges them into one dataset.
// With a single input the dataset is returned as read; with several,
// gene tables must match exactly and barcodes are prefixed with the
// sample label to stay unique.
func Load(ctx context.Context, cfg *config.IngestConfig) (*dataset.Dataset, error) {
	if len(cfg.Inputs) == 0 {
		return nil, errors.New(errors.ErrorTypeConfig, "no inputs configured")
	}

	parts := make([]*dataset.Dataset, 0, len(cfg.Inputs))
	for _, in := range cfg.Inputs {
		reader, err := Create(in.InputFormat(), cfg)
		if err != nil {
			return nil, err
		}
		ictx := logger.ContextWithSample(ctx, in.SampleLabel())
		ds, err := reader.Read(ictx, in)
		if err != nil {
			return nil, errors.Wrapf(err, errors.ErrorTypeIngest, "reading input %q", in.Path)
		}
		parts = append(parts, ds)
	}

	ds, err := merge(parts)
	if err != nil {
		return nil, err
	}
	if err := checkBarcodesUnique(ds.Cells.Barcodes); err != nil {
		return nil, err
	}

	logger.WithContext(ctx).Info("ingest complete",
		zap.Int("samples", len(parts)),
		zap.Int("genes", ds.NumGenes()),
		zap.Int("cells", ds.NumCells()),
		zap.Int("nonzeros", ds.Counts.Nnz()),
	)
	return ds, nil
}

// merge concatenates per-sample datasets along the cell axis.
func merge(parts []*dataset.Dataset) (*dataset.Dataset, error) {
	if len(parts) == 1 {
		return parts[0], nil
	}

	ref := parts[0].Genes
	mats := make([]*matrix.CSC, len(parts))
	totalCells := 0
	for i, p := range parts {
		if err := sameGenes(ref, p.Genes); err != nil {
			return nil, errors.Wrapf(err, errors.ErrorTypeIngest, "sample %d gene axis differs from sample 0", i)
		}
		mats[i] = p.Counts
		totalCells += p.NumCells()
	}

	counts, err := matrix.Hstack(mats...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeIngest, "merging count matrices")
	}

	cells := &dataset.CellTable{
		Barcodes: make([]string, 0, totalCells),
		Samples:  make([]string, 0, totalCells),
	}
	// The chemistry column exists in the merge when any sample carries
	// it; samples without a label contribute empty entries.
	for _, p := range parts {
		if p.Cells.Chemistry != nil {
			cells.Chemistry = make([]string, 0, totalCells)
			break
		}
	}
	for _, p := range parts {
		for i, bc := range p.Cells.Barcodes {
			// Prefix keeps barcodes unique across samples.
			cells.Barcodes = append(cells.Barcodes, p.Cells.Samples[i]+"_"+bc)
			cells.Samples = append(cells.Samples, p.Cells.Samples[i])
			if cells.Chemistry != nil {
				chem := ""
				if p.Cells.Chemistry != nil {
					chem = p.Cells.Chemistry[i]
				}
				cells.Chemistry = append(cells.Chemistry, chem)
			}
		}
	}

	return dataset.New(counts, cells, ref)
}

// sameGenes verifies two gene tables agree in IDs and order.
func sameGenes(a, b *dataset.GeneTable) error {
	if a.Len() != b.Len() {
		return errors.Newf(errors.ErrorTypeIngest, "gene count mismatch: %d vs %d", a.Len(), b.Len())
	}
	for i := range a.IDs {
		if a.IDs[i] != b.IDs[i] {
			return errors.Newf(errors.ErrorTypeIngest, "gene %d differs: %s vs %s", i, a.IDs[i], b.IDs[i])
		}
	}
	return nil
}

// checkBarcodesUnique rejects duplicate cell identifiers.
func checkBarcodesUnique(barcodes []string) error {
	seen := make(map[string]struct{}, len(barcodes))
	for _, bc := range barcodes {
		if _, dup := seen[bc]; dup {
			return errors.Newf(errors.ErrorTypeIngest, "duplicate barcode %q", bc)
		}
		seen[bc] = struct{}{}
	}
	return nil
}
