package ingest

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scgo/scpipe/pkg/compression"
	"github.com/scgo/scpipe/pkg/config"
	"github.com/scgo/scpipe/pkg/errors"
)

const (
	testFeaturesV3 = "ENSG0001\tMT-CO1\tGene Expression\n" +
		"ENSG0002\tCD3D\tGene Expression\n" +
		"ENSG0003\tNKG7\tGene Expression\n" +
		"ENSG0004\tMS4A1\tGene Expression\n" +
		"ENSG0005\tCD19-AB\tAntibody Capture\n"

	testBarcodes = "AAAC-1\nCCCA-1\nGGGT-1\nTTTG-1\n"

	testMatrix = `%%MatrixMarket matrix coordinate integer general
% produced for reader tests
5 4 8
1 1 5
2 1 3
1 2 2
3 2 7
5 2 100
2 3 1
4 4 4
5 4 50
`
)

// writeFile writes content through the suffix-aware compressor, so a
// ".gz" name produces a real gzip file.
func writeFile(t *testing.T, path, content string) {
	t.Helper()
	w, err := compression.CreateFile(path)
	require.NoError(t, err)
	_, err = w.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, w.Close())
}

// writeMTXDir lays out a matrix-market directory. With gz set, every
// file gets the cellranger v3 gzip treatment.
func writeMTXDir(t *testing.T, dir, mtx, barcodes, features string, gz bool) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	suffix := ""
	if gz {
		suffix = ".gz"
	}
	writeFile(t, filepath.Join(dir, "matrix.mtx"+suffix), mtx)
	writeFile(t, filepath.Join(dir, "barcodes.tsv"+suffix), barcodes)
	writeFile(t, filepath.Join(dir, "features.tsv"+suffix), features)
}

func testIngestConfig(inputs ...config.InputConfig) *config.IngestConfig {
	return &config.IngestConfig{
		Inputs:       inputs,
		FeatureTypes: []string{"Gene Expression"},
	}
}

func TestMTXReaderGzip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "sample1")
	writeMTXDir(t, dir, testMatrix, testBarcodes, testFeaturesV3, true)

	cfg := testIngestConfig(config.InputConfig{Label: "s1", Path: dir})
	ds, err := Load(context.Background(), cfg)
	require.NoError(t, err)

	// The antibody-capture feature and its entries are gone.
	assert.Equal(t, 4, ds.NumGenes())
	assert.Equal(t, 4, ds.NumCells())
	assert.Equal(t, 6, ds.Counts.Nnz())

	assert.Equal(t, []string{"MT-CO1", "CD3D", "NKG7", "MS4A1"}, ds.Genes.Names)
	assert.Equal(t, []string{"Gene Expression", "Gene Expression", "Gene Expression", "Gene Expression"},
		ds.Genes.FeatureTypes)
	assert.Equal(t, []string{"AAAC-1", "CCCA-1", "GGGT-1", "TTTG-1"}, ds.Cells.Barcodes)
	assert.Equal(t, []string{"s1", "s1", "s1", "s1"}, ds.Cells.Samples)

	assert.Equal(t, 5.0, ds.Counts.At(0, 0))
	assert.Equal(t, 3.0, ds.Counts.At(1, 0))
	assert.Equal(t, 7.0, ds.Counts.At(2, 1))
	assert.Equal(t, 4.0, ds.Counts.At(3, 3))
}

func TestMTXReaderPlainLegacyGenes(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "legacy")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	// v2 layout: genes.tsv with two columns, no type column.
	legacy := `%%MatrixMarket matrix coordinate integer general
2 2 2
1 1 3
2 2 4
`
	writeFile(t, filepath.Join(dir, "matrix.mtx"), legacy)
	writeFile(t, filepath.Join(dir, "barcodes.tsv"), "AAA-1\nTTT-1\n")
	writeFile(t, filepath.Join(dir, "genes.tsv"), "ENSG1\tGENE1\nENSG2\tGENE2\n")

	cfg := testIngestConfig(config.InputConfig{Label: "old", Path: dir})
	ds, err := Load(context.Background(), cfg)
	require.NoError(t, err)

	assert.Equal(t, 2, ds.NumGenes())
	assert.Equal(t, []string{"GENE1", "GENE2"}, ds.Genes.Names)
	assert.Nil(t, ds.Genes.FeatureTypes, "two-column files carry no types")
	assert.Equal(t, 3.0, ds.Counts.At(0, 0))
}

func TestMTXReaderRealValues(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "real")
	realMtx := `%%MatrixMarket matrix coordinate real general
2 2 2
1 1 1.5
2 2 2.25
`
	writeMTXDir(t, dir, realMtx, "AAA-1\nTTT-1\n", "ENSG1\tG1\tGene Expression\nENSG2\tG2\tGene Expression\n", false)

	cfg := testIngestConfig(config.InputConfig{Label: "r", Path: dir})
	ds, err := Load(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, 1.5, ds.Counts.At(0, 0))
	assert.Equal(t, 2.25, ds.Counts.At(1, 1))
}

func TestMTXReaderErrors(t *testing.T) {
	base := t.TempDir()

	tests := []struct {
		name     string
		mtx      string
		barcodes string
		features string
		errType  errors.ErrorType
		contains string
	}{
		{
			name: "truncated entries",
			mtx: `%%MatrixMarket matrix coordinate integer general
2 2 3
1 1 1
`,
			barcodes: "A\nB\n",
			features: "E1\tG1\nE2\tG2\n",
			errType:  errors.ErrorTypeIngest,
			contains: "truncated",
		},
		{
			name: "extra entries",
			mtx: `%%MatrixMarket matrix coordinate integer general
2 2 1
1 1 1
2 2 2
`,
			barcodes: "A\nB\n",
			features: "E1\tG1\nE2\tG2\n",
			errType:  errors.ErrorTypeIngest,
			contains: "more entries",
		},
		{
			name: "bad banner",
			mtx: `%%NotMatrixMarket whatever
2 2 1
1 1 1
`,
			barcodes: "A\nB\n",
			features: "E1\tG1\nE2\tG2\n",
			errType:  errors.ErrorTypeIngest,
			contains: "banner",
		},
		{
			name: "pattern field unsupported",
			mtx: `%%MatrixMarket matrix coordinate pattern general
2 2 1
1 1
`,
			barcodes: "A\nB\n",
			features: "E1\tG1\nE2\tG2\n",
			errType:  errors.ErrorTypeIngest,
			contains: "value field",
		},
		{
			name: "row count mismatch with features",
			mtx: `%%MatrixMarket matrix coordinate integer general
3 2 1
1 1 1
`,
			barcodes: "A\nB\n",
			features: "E1\tG1\nE2\tG2\n",
			errType:  errors.ErrorTypeIngest,
			contains: "feature file",
		},
		{
			name: "negative count",
			mtx: `%%MatrixMarket matrix coordinate integer general
2 2 1
1 1 -3
`,
			barcodes: "A\nB\n",
			features: "E1\tG1\nE2\tG2\n",
			errType:  errors.ErrorTypeData,
			contains: "negative",
		},
		{
			name: "duplicate coordinates",
			mtx: `%%MatrixMarket matrix coordinate integer general
2 2 2
1 1 1
1 1 2
`,
			barcodes: "A\nB\n",
			features: "E1\tG1\nE2\tG2\n",
			errType:  errors.ErrorTypeData,
			contains: "duplicate coordinates",
		},
		{
			name: "index out of declared range",
			mtx: `%%MatrixMarket matrix coordinate integer general
2 2 1
5 1 1
`,
			barcodes: "A\nB\n",
			features: "E1\tG1\nE2\tG2\n",
			errType:  errors.ErrorTypeIngest,
			contains: "outside",
		},
		{
			name: "zero-dimension matrix",
			mtx: `%%MatrixMarket matrix coordinate integer general
0 0 0
`,
			barcodes: "A\nB\n",
			features: "E1\tG1\nE2\tG2\n",
			errType:  errors.ErrorTypeEmpty,
			contains: "0x0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := filepath.Join(base, tt.name, "d")
			writeMTXDir(t, dir, tt.mtx, tt.barcodes, tt.features, false)

			cfg := testIngestConfig(config.InputConfig{Label: "x", Path: dir})
			_, err := Load(context.Background(), cfg)
			require.Error(t, err)
			assert.True(t, errors.IsType(err, tt.errType), "got %v", err)
			assert.Contains(t, err.Error(), tt.contains)
		})
	}
}

func TestMTXReaderMissingFiles(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "incomplete")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	writeFile(t, filepath.Join(dir, "matrix.mtx"), testMatrix)

	cfg := testIngestConfig(config.InputConfig{Label: "x", Path: dir})
	_, err := Load(context.Background(), cfg)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeIngest))
	assert.Contains(t, err.Error(), "barcodes.tsv")
}

func TestMTXReaderAllFeaturesFiltered(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "antibodies")
	features := "E1\tAB1\tAntibody Capture\nE2\tAB2\tAntibody Capture\n"
	mtx := `%%MatrixMarket matrix coordinate integer general
2 2 1
1 1 1
`
	writeMTXDir(t, dir, mtx, "A\nB\n", features, false)

	cfg := testIngestConfig(config.InputConfig{Label: "x", Path: dir})
	_, err := Load(context.Background(), cfg)
	require.Error(t, err)
	assert.True(t, errors.IsEmptyResult(err))
}

func TestLoadMergesSamples(t *testing.T) {
	base := t.TempDir()
	dir1 := filepath.Join(base, "s1")
	dir2 := filepath.Join(base, "s2")
	writeMTXDir(t, dir1, testMatrix, testBarcodes, testFeaturesV3, true)
	writeMTXDir(t, dir2, testMatrix, testBarcodes, testFeaturesV3, false)

	cfg := testIngestConfig(
		config.InputConfig{Label: "s1", Path: dir1},
		config.InputConfig{Label: "s2", Path: dir2},
	)
	ds, err := Load(context.Background(), cfg)
	require.NoError(t, err)

	assert.Equal(t, 4, ds.NumGenes())
	assert.Equal(t, 8, ds.NumCells())
	assert.Equal(t, "s1_AAAC-1", ds.Cells.Barcodes[0])
	assert.Equal(t, "s2_AAAC-1", ds.Cells.Barcodes[4])
	assert.Equal(t, "s2", ds.Cells.Samples[7])

	// Same values in both halves.
	assert.Equal(t, ds.Counts.At(0, 0), ds.Counts.At(0, 4))
	assert.Equal(t, ds.Counts.At(3, 3), ds.Counts.At(3, 7))
}

func TestLoadChemistryLabels(t *testing.T) {
	base := t.TempDir()
	dir1 := filepath.Join(base, "s1")
	dir2 := filepath.Join(base, "s2")
	writeMTXDir(t, dir1, testMatrix, testBarcodes, testFeaturesV3, false)
	writeMTXDir(t, dir2, testMatrix, testBarcodes, testFeaturesV3, false)

	t.Run("mixed inputs fill missing labels with empty", func(t *testing.T) {
		cfg := testIngestConfig(
			config.InputConfig{Label: "s1", Path: dir1, Chemistry: "v3"},
			config.InputConfig{Label: "s2", Path: dir2},
		)
		ds, err := Load(context.Background(), cfg)
		require.NoError(t, err)

		require.Len(t, ds.Cells.Chemistry, 8)
		assert.Equal(t, "v3", ds.Cells.Chemistry[0])
		assert.Equal(t, "", ds.Cells.Chemistry[4])
	})

	t.Run("column stays unset without labels", func(t *testing.T) {
		cfg := testIngestConfig(
			config.InputConfig{Label: "s1", Path: dir1},
			config.InputConfig{Label: "s2", Path: dir2},
		)
		ds, err := Load(context.Background(), cfg)
		require.NoError(t, err)
		assert.Nil(t, ds.Cells.Chemistry)
	})
}

func TestLoadRejectsGeneMismatch(t *testing.T) {
	base := t.TempDir()
	dir1 := filepath.Join(base, "s1")
	dir2 := filepath.Join(base, "s2")
	writeMTXDir(t, dir1, testMatrix, testBarcodes, testFeaturesV3, false)

	otherFeatures := "ENSGX\tOTHER\tGene Expression\n" +
		"ENSG0002\tCD3D\tGene Expression\n" +
		"ENSG0003\tNKG7\tGene Expression\n" +
		"ENSG0004\tMS4A1\tGene Expression\n" +
		"ENSG0005\tCD19-AB\tAntibody Capture\n"
	writeMTXDir(t, dir2, testMatrix, testBarcodes, otherFeatures, false)

	cfg := testIngestConfig(
		config.InputConfig{Label: "s1", Path: dir1},
		config.InputConfig{Label: "s2", Path: dir2},
	)
	_, err := Load(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gene axis differs")
}

func TestLoadRejectsDuplicateBarcodes(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "dup")
	mtx := `%%MatrixMarket matrix coordinate integer general
1 2 1
1 1 1
`
	writeMTXDir(t, dir, mtx, "SAME\nSAME\n", "E1\tG1\n", false)

	cfg := testIngestConfig(config.InputConfig{Label: "d", Path: dir})
	_, err := Load(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate barcode")
}

func TestLoadUnknownFormat(t *testing.T) {
	cfg := testIngestConfig(config.InputConfig{Label: "x", Path: "/nope", Format: "hdf5"})
	_, err := Load(context.Background(), cfg)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestRegistry(t *testing.T) {
	assert.True(t, Has("mtx_dir"))
	assert.Contains(t, List(), "mtx_dir")

	r := NewRegistry()
	require.NoError(t, r.Register("custom", func(*config.IngestConfig) (Reader, error) { return nil, nil }))
	err := r.Register("custom", func(*config.IngestConfig) (Reader, error) { return nil, nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
}

func TestDefaultLabelFromDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "pbmc_subdir")
	writeMTXDir(t, dir, testMatrix, testBarcodes, testFeaturesV3, false)

	cfg := testIngestConfig(config.InputConfig{Path: dir})
	ds, err := Load(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, "pbmc_subdir", ds.Cells.Samples[0])
}
