// Package testutil provides shared helpers for scpipe tests.
package testutil

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/scgo/scpipe/pkg/compression"
)

// TestLogger creates a logger that writes to the test output and is
// cleaned up with the test.
func TestLogger(t *testing.T) *zap.Logger {
	return zaptest.NewLogger(t)
}

// TestContext creates a context with a 30-second timeout. The caller
// must call the returned cancel function.
func TestContext(_ *testing.T) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

// WriteFile writes content through the suffix-aware compressor, so a
// ".gz" name produces a real gzip file.
func WriteFile(t *testing.T, path, content string) {
	t.Helper()
	w, err := compression.CreateFile(path)
	require.NoError(t, err)
	_, err = w.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, w.Close())
}

// WriteMTXDir lays out a matrix-market directory with the given file
// contents. With gz set every file gets the cellranger v3 gzip
// treatment.
func WriteMTXDir(t *testing.T, dir, mtx, barcodes, features string, gz bool) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	suffix := ""
	if gz {
		suffix = ".gz"
	}
	WriteFile(t, filepath.Join(dir, "matrix.mtx"+suffix), mtx)
	WriteFile(t, filepath.Join(dir, "barcodes.tsv"+suffix), barcodes)
	WriteFile(t, filepath.Join(dir, "features.tsv"+suffix), features)
}

const (
	toyMatrix = `%%MatrixMarket matrix coordinate integer general
5 4 13
1 1 5
1 2 4
1 4 6
2 1 3
2 3 2
2 4 5
3 1 2
3 2 4
3 3 1
4 2 2
4 3 3
4 4 1
5 2 10
`

	toyBarcodes = "BC01\nBC02\nBC03\nBC04\n"

	toyFeatures = "ENSG01\tG1\tGene Expression\n" +
		"ENSG02\tG2\tGene Expression\n" +
		"ENSG03\tG3\tGene Expression\n" +
		"ENSG04\tG4\tGene Expression\n" +
		"ENSGMT\tMT-1\tGene Expression\n"
)

// ToyInput writes a five-gene by four-cell matrix-market directory and
// returns its path. Gene MT-1 carries half of cell BC02's counts, so
// pct_mito for BC02 is exactly 50 and a `pct_mito < 25` filter drops
// that one cell.
func ToyInput(t *testing.T, gz bool) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "toy")
	WriteMTXDir(t, dir, toyMatrix, toyBarcodes, toyFeatures, gz)
	return dir
}
