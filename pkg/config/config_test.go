package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *AnalysisConfig {
	cfg := NewAnalysisConfig("test")
	cfg.Ingest.Inputs = []InputConfig{{Label: "s1", Path: "data/s1"}}
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*AnalysisConfig)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(*AnalysisConfig) {},
		},
		{
			name:    "missing name",
			mutate:  func(c *AnalysisConfig) { c.Name = "" },
			wantErr: "name is required",
		},
		{
			name:    "no inputs",
			mutate:  func(c *AnalysisConfig) { c.Ingest.Inputs = nil },
			wantErr: "at least one input is required",
		},
		{
			name:    "input without path",
			mutate:  func(c *AnalysisConfig) { c.Ingest.Inputs[0].Path = "" },
			wantErr: "path is required",
		},
		{
			name:    "pct mito above 100",
			mutate:  func(c *AnalysisConfig) { c.Filter.MaxPctMito = 150 },
			wantErr: "max_pct_mito",
		},
		{
			name:    "non-positive scale factor",
			mutate:  func(c *AnalysisConfig) { c.Normalize.ScaleFactor = 0 },
			wantErr: "scale_factor",
		},
		{
			name:    "span out of range",
			mutate:  func(c *AnalysisConfig) { c.HVG.Span = 1.5 },
			wantErr: "span",
		},
		{
			name:    "zero components",
			mutate:  func(c *AnalysisConfig) { c.Reduce.NComponents = 0 },
			wantErr: "n_components",
		},
		{
			name:    "zero neighbors",
			mutate:  func(c *AnalysisConfig) { c.Neighbors.K = 0 },
			wantErr: "k must be positive",
		},
		{
			name: "cell cycle without controls",
			mutate: func(c *AnalysisConfig) {
				c.CellCycle.Enabled = true
				c.CellCycle.ControlsPerGene = 0
			},
			wantErr: "controls_per_gene",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestLoadSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "analysis.yaml")

	cfg := validConfig()
	cfg.Normalize.Strategy = "pooled"
	cfg.HVG.NTop = 1500
	require.NoError(t, Save(path, cfg))

	var loaded AnalysisConfig
	require.NoError(t, Load(path, &loaded))

	assert.Equal(t, "pooled", loaded.Normalize.Strategy)
	assert.Equal(t, 1500, loaded.HVG.NTop)
	assert.Equal(t, int64(42), loaded.Runtime.Seed)
}

func TestLoadEnvSubstitution(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "analysis.yaml")

	yaml := `
name: env-test
ingest:
  inputs:
    - label: s1
      path: ${SCPIPE_TEST_DATA}/s1
output:
  dir: ${SCPIPE_TEST_OUT:-results}
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	t.Setenv("SCPIPE_TEST_DATA", "/mnt/runs")

	var loaded AnalysisConfig
	require.NoError(t, Load(path, &loaded))

	require.Len(t, loaded.Ingest.Inputs, 1)
	assert.Equal(t, "/mnt/runs/s1", loaded.Ingest.Inputs[0].Path)
	assert.Equal(t, "results", loaded.Output.Dir, "unset variable falls back to default")
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "analysis.yaml")

	yaml := `
name: typo-test
normalise:
  strategy: lognorm
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	var loaded AnalysisConfig
	err := Load(path, &loaded)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestLoadEmptyFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "analysis.yaml")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	cfg := NewAnalysisConfig("untouched")
	require.NoError(t, Load(path, cfg))
	assert.Equal(t, "untouched", cfg.Name)
}

func TestLoadMissingFile(t *testing.T) {
	var cfg AnalysisConfig
	err := Load(filepath.Join(t.TempDir(), "nope.yaml"), &cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestGetWorkers(t *testing.T) {
	r := RuntimeConfig{Workers: 0}
	assert.GreaterOrEqual(t, r.GetWorkers(), 1)

	r.Workers = 4
	assert.Equal(t, 4, r.GetWorkers())
}

func TestInputFormatDefault(t *testing.T) {
	in := InputConfig{Path: "x"}
	assert.Equal(t, "mtx_dir", in.InputFormat())

	in.Format = "mtx_dir"
	assert.Equal(t, "mtx_dir", in.InputFormat())
}
