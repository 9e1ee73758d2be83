package ingest

import (
	"bufio"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strconv"

	"go.uber.org/zap"

	"github.com/scgo/scpipe/pkg/compression"
	"github.com/scgo/scpipe/pkg/config"
	"github.com/scgo/scpipe/pkg/dataset"
	"github.com/scgo/scpipe/pkg/errors"
	"github.com/scgo/scpipe/pkg/logger"
	"github.com/scgo/scpipe/pkg/matrix"
	"github.com/scgo/scpipe/pkg/metrics"
	"github.com/scgo/scpipe/pkg/pool"
)

func init() {
	_ = Register("mtx_dir", func(cfg *config.IngestConfig) (Reader, error) {
		return &mtxReader{
			cfg:    cfg,
			logger: logger.Get().With(zap.String("reader", "mtx_dir")),
		}, nil
	})
}

// Candidate filenames per component, checked in order. The plain name
// and its gzip form cover both cellranger v2 (genes.tsv) and v3
// (features.tsv.gz) layouts.
var (
	matrixCandidates  = []string{"matrix.mtx", "matrix.mtx.gz"}
	barcodeCandidates = []string{"barcodes.tsv", "barcodes.tsv.gz"}
	featureCandidates = []string{"features.tsv", "features.tsv.gz", "genes.tsv", "genes.tsv.gz"}
)

// mtxReader loads a matrix-market directory: one coordinate-format
// count file plus barcode and feature annotation TSVs.
type mtxReader struct {
	cfg    *config.IngestConfig
	logger *zap.Logger
}

// Name implements Reader.
func (r *mtxReader) Name() string { return "mtx_dir" }

// feature is one row of features.tsv before type selection.
type feature struct {
	id       string
	name     string
	featType string
}

// Read implements Reader.
func (r *mtxReader) Read(ctx context.Context, in config.InputConfig) (*dataset.Dataset, error) {
	label := in.SampleLabel()
	log := r.logger.With(zap.String("sample", label), zap.String("dir", in.Path))

	matrixPath, err := findFile(in.Path, matrixCandidates)
	if err != nil {
		return nil, err
	}
	barcodePath, err := findFile(in.Path, barcodeCandidates)
	if err != nil {
		return nil, err
	}
	featurePath, err := findFile(in.Path, featureCandidates)
	if err != nil {
		return nil, err
	}

	barcodes, err := r.readBarcodes(barcodePath)
	if err != nil {
		return nil, err
	}
	feats, err := r.readFeatures(featurePath)
	if err != nil {
		return nil, err
	}

	// Map raw matrix rows onto kept features; -1 drops the row.
	keep := r.selectFeatures(feats)
	rowMap := make([]int32, len(feats))
	for i := range rowMap {
		rowMap[i] = -1
	}
	genes := &dataset.GeneTable{
		IDs:   make([]string, 0, len(keep)),
		Names: make([]string, 0, len(keep)),
	}
	for _, oldIdx := range keep {
		if feats[oldIdx].featType != "" {
			genes.FeatureTypes = make([]string, 0, len(keep))
			break
		}
	}
	for newIdx, oldIdx := range keep {
		rowMap[oldIdx] = int32(newIdx)
		genes.IDs = append(genes.IDs, feats[oldIdx].id)
		genes.Names = append(genes.Names, feats[oldIdx].name)
		if genes.FeatureTypes != nil {
			genes.FeatureTypes = append(genes.FeatureTypes, feats[oldIdx].featType)
		}
	}

	if len(keep) == 0 {
		return nil, errors.Newf(errors.ErrorTypeEmpty,
			"no features of type %v in %s", r.cfg.FeatureTypes, featurePath)
	}
	if len(barcodes) == 0 {
		return nil, errors.Newf(errors.ErrorTypeEmpty, "no barcodes in %s", barcodePath)
	}

	counts, err := r.readMatrix(ctx, matrixPath, label, len(feats), len(barcodes), len(keep), rowMap)
	if err != nil {
		return nil, err
	}

	cells := &dataset.CellTable{
		Barcodes: barcodes,
		Samples:  make([]string, len(barcodes)),
	}
	for i := range cells.Samples {
		cells.Samples[i] = label
	}
	if in.Chemistry != "" {
		cells.Chemistry = make([]string, len(barcodes))
		for i := range cells.Chemistry {
			cells.Chemistry[i] = in.Chemistry
		}
	}

	log.Info("sample loaded",
		zap.Int("genes", counts.Rows()),
		zap.Int("cells", counts.Cols()),
		zap.Int("nonzeros", counts.Nnz()),
		zap.Int("features_dropped", len(feats)-len(keep)),
	)

	return dataset.New(counts, cells, genes)
}

// selectFeatures returns indices of features passing the type filter,
// in file order. Rows without a type column stay in: two-column
// legacy files are all gene expression.
func (r *mtxReader) selectFeatures(feats []feature) []int {
	if len(r.cfg.FeatureTypes) == 0 {
		keep := make([]int, len(feats))
		for i := range keep {
			keep[i] = i
		}
		return keep
	}
	allowed := make(map[string]struct{}, len(r.cfg.FeatureTypes))
	for _, t := range r.cfg.FeatureTypes {
		allowed[t] = struct{}{}
	}
	keep := make([]int, 0, len(feats))
	for i, f := range feats {
		if f.featType == "" {
			keep = append(keep, i)
			continue
		}
		if _, ok := allowed[f.featType]; ok {
			keep = append(keep, i)
		}
	}
	return keep
}

// readBarcodes reads one barcode per line.
func (r *mtxReader) readBarcodes(path string) ([]string, error) {
	rc, err := compression.OpenFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeIngest, "opening %s", path)
	}
	defer rc.Close()

	buf := pool.GlobalBufferPool.Get(64 * 1024)
	defer pool.GlobalBufferPool.Put(buf)

	var barcodes []string
	scanner := bufio.NewScanner(rc)
	scanner.Buffer(buf, r.cfg.BufferSize())
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if i := bytes.IndexByte(line, '\t'); i >= 0 {
			line = line[:i]
		}
		barcodes = append(barcodes, string(line))
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeIngest, "reading %s", path)
	}
	return barcodes, nil
}

// readFeatures reads feature rows: ID, optional display name, optional
// feature type. Missing names fall back to the ID.
func (r *mtxReader) readFeatures(path string) ([]feature, error) {
	rc, err := compression.OpenFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeIngest, "opening %s", path)
	}
	defer rc.Close()

	buf := pool.GlobalBufferPool.Get(64 * 1024)
	defer pool.GlobalBufferPool.Put(buf)

	var feats []feature
	scanner := bufio.NewScanner(rc)
	scanner.Buffer(buf, r.cfg.BufferSize())
	for scanner.Scan() {
		line := bytes.TrimRight(scanner.Bytes(), "\r\n")
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		cols := bytes.Split(line, []byte{'\t'})
		f := feature{id: string(cols[0])}
		if len(cols) > 1 {
			f.name = string(cols[1])
		} else {
			f.name = f.id
		}
		if len(cols) > 2 {
			f.featType = string(cols[2])
		}
		feats = append(feats, f)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeIngest, "reading %s", path)
	}
	return feats, nil
}

// readMatrix parses the coordinate-format count file. rawRows is the
// row count the file declares (pre-selection); rowMap sends raw row
// indices to final gene indices, -1 dropping the entry.
func (r *mtxReader) readMatrix(ctx context.Context, path, label string, rawRows, cols, keptRows int, rowMap []int32) (*matrix.CSC, error) {
	rc, err := compression.OpenFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeIngest, "opening %s", path)
	}
	defer rc.Close()

	timer := metrics.NewTimer("ingest_matrix")
	tracker := metrics.NewThroughputTracker(label)

	buf := pool.GlobalBufferPool.Get(64 * 1024)
	defer pool.GlobalBufferPool.Put(buf)

	scanner := bufio.NewScanner(rc)
	scanner.Buffer(buf, r.cfg.BufferSize())

	header, err := readMatrixHeader(scanner, path)
	if err != nil {
		return nil, err
	}
	if header.rows != rawRows {
		return nil, errors.Newf(errors.ErrorTypeIngest,
			"%s declares %d rows but feature file has %d", path, header.rows, rawRows)
	}
	if header.cols != cols {
		return nil, errors.Newf(errors.ErrorTypeIngest,
			"%s declares %d columns but barcode file has %d", path, header.cols, cols)
	}

	entries := make([]matrix.Triplet, 0, header.nnz)
	parsed := 0
	for parsed < header.nnz {
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return nil, errors.Wrapf(err, errors.ErrorTypeIngest, "reading %s", path)
			}
			return nil, errors.Newf(errors.ErrorTypeIngest,
				"%s truncated: header declares %d entries, found %d", path, header.nnz, parsed)
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if parsed%65536 == 0 && ctx.Err() != nil {
			return nil, errors.Wrap(ctx.Err(), errors.ErrorTypeIngest, "ingest canceled")
		}

		row, col, val, err := parseEntry(line, header.integer)
		if err != nil {
			return nil, errors.Wrapf(err, errors.ErrorTypeIngest, "%s entry %d", path, parsed+1)
		}
		if row < 1 || row > header.rows {
			return nil, errors.Newf(errors.ErrorTypeIngest,
				"%s entry %d: row %d outside [1, %d]", path, parsed+1, row, header.rows)
		}
		if col < 1 || col > header.cols {
			return nil, errors.Newf(errors.ErrorTypeIngest,
				"%s entry %d: col %d outside [1, %d]", path, parsed+1, col, header.cols)
		}
		if val < 0 {
			return nil, errors.Newf(errors.ErrorTypeData,
				"%s entry %d: negative count %g", path, parsed+1, val)
		}
		parsed++
		tracker.Increment(1)

		if mapped := rowMap[row-1]; mapped != -1 && val != 0 {
			entries = append(entries, matrix.Triplet{Row: mapped, Col: int32(col - 1), Val: val})
		}
	}

	for scanner.Scan() {
		if len(bytes.TrimSpace(scanner.Bytes())) != 0 {
			return nil, errors.Newf(errors.ErrorTypeIngest,
				"%s has more entries than the %d declared", path, header.nnz)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeIngest, "reading %s", path)
	}

	counts, err := matrix.NewFromTriplets(keptRows, cols, entries)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeIngest, "building matrix from %s", path)
	}
	// Coordinate files must list each (row, col) at most once.
	if dup := len(entries) - counts.Nnz(); dup > 0 {
		return nil, errors.Newf(errors.ErrorTypeData,
			"%s lists %d duplicate coordinates", path, dup)
	}

	metrics.EntriesIngested.WithLabelValues(label, "success").Add(float64(parsed))
	rate := tracker.GetAndReset()
	logger.WithContext(ctx).Debug("matrix parsed",
		zap.String("path", path),
		zap.Int("entries", parsed),
		zap.Float64("entries_per_sec", rate),
		zap.Duration("elapsed", timer.Stop()),
	)
	return counts, nil
}

// mtxHeader is the parsed banner and dimension line.
type mtxHeader struct {
	rows, cols, nnz int
	integer         bool
}

// readMatrixHeader consumes the banner, comment lines and the
// dimension line.
func readMatrixHeader(scanner *bufio.Scanner, path string) (*mtxHeader, error) {
	if !scanner.Scan() {
		return nil, errors.Newf(errors.ErrorTypeIngest, "%s is empty", path)
	}
	banner := bytes.Fields(scanner.Bytes())
	if len(banner) != 5 || string(banner[0]) != "%%MatrixMarket" {
		return nil, errors.Newf(errors.ErrorTypeIngest, "%s: malformed matrix-market banner", path)
	}
	if string(banner[1]) != "matrix" || string(banner[2]) != "coordinate" {
		return nil, errors.Newf(errors.ErrorTypeIngest,
			"%s: unsupported layout %s %s, want coordinate matrix", path, banner[1], banner[2])
	}
	field := string(banner[3])
	if field != "integer" && field != "real" {
		return nil, errors.Newf(errors.ErrorTypeIngest,
			"%s: unsupported value field %q, want integer or real", path, field)
	}
	if sym := string(banner[4]); sym != "general" {
		return nil, errors.Newf(errors.ErrorTypeIngest,
			"%s: unsupported symmetry %q, want general", path, sym)
	}

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || line[0] == '%' {
			continue
		}
		dims := bytes.Fields(line)
		if len(dims) != 3 {
			return nil, errors.Newf(errors.ErrorTypeIngest, "%s: malformed dimension line", path)
		}
		rows, err1 := atoiBytes(dims[0])
		cols, err2 := atoiBytes(dims[1])
		nnz, err3 := atoiBytes(dims[2])
		if err1 != nil || err2 != nil || err3 != nil {
			return nil, errors.Newf(errors.ErrorTypeIngest, "%s: malformed dimension line", path)
		}
		if rows <= 0 || cols <= 0 {
			return nil, errors.Newf(errors.ErrorTypeEmpty, "%s declares a %dx%d matrix", path, rows, cols)
		}
		return &mtxHeader{rows: rows, cols: cols, nnz: nnz, integer: field == "integer"}, nil
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeIngest, "reading %s", path)
	}
	return nil, errors.Newf(errors.ErrorTypeIngest, "%s: missing dimension line", path)
}

// parseEntry parses one "row col value" line.
func parseEntry(line []byte, integer bool) (row, col int, val float64, err error) {
	fields := bytes.Fields(line)
	if len(fields) != 3 {
		return 0, 0, 0, errors.Newf(errors.ErrorTypeIngest, "want 3 fields, got %d", len(fields))
	}
	if row, err = atoiBytes(fields[0]); err != nil {
		return 0, 0, 0, errors.Wrap(err, errors.ErrorTypeIngest, "row index")
	}
	if col, err = atoiBytes(fields[1]); err != nil {
		return 0, 0, 0, errors.Wrap(err, errors.ErrorTypeIngest, "col index")
	}
	if integer {
		n, aerr := atoiBytes(fields[2])
		if aerr != nil {
			return 0, 0, 0, errors.Wrap(aerr, errors.ErrorTypeIngest, "count value")
		}
		return row, col, float64(n), nil
	}
	val, err = strconv.ParseFloat(string(fields[2]), 64)
	if err != nil {
		return 0, 0, 0, errors.Wrap(err, errors.ErrorTypeIngest, "count value")
	}
	return row, col, val, nil
}

// atoiBytes parses a decimal integer without allocating a string.
func atoiBytes(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, strconv.ErrSyntax
	}
	neg := false
	if b[0] == '-' || b[0] == '+' {
		neg = b[0] == '-'
		b = b[1:]
		if len(b) == 0 {
			return 0, strconv.ErrSyntax
		}
	}
	n := 0
	for _, c := range b {
		if c < '0' || c > '9' {
			return 0, strconv.ErrSyntax
		}
		n = n*10 + int(c-'0')
	}
	if neg {
		return -n, nil
	}
	return n, nil
}

// findFile returns the first existing candidate within dir.
func findFile(dir string, candidates []string) (string, error) {
	for _, name := range candidates {
		path := filepath.Join(dir, name)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, nil
		}
	}
	return "", errors.Newf(errors.ErrorTypeIngest,
		"none of %v found in %s", candidates, dir)
}
