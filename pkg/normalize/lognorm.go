package normalize

import (
	"context"

	"github.com/scgo/scpipe/pkg/config"
	"github.com/scgo/scpipe/pkg/dataset"
	"github.com/scgo/scpipe/pkg/errors"
)

func init() {
	_ = Register("lognorm", func(cfg *config.NormalizeConfig) (Normalizer, error) {
		if cfg.ScaleFactor <= 0 {
			return nil, errors.Newf(errors.ErrorTypeConfig, "scale factor %g must be positive", cfg.ScaleFactor)
		}
		return &logNormalizer{scale: cfg.ScaleFactor, base: cfg.LogBase}, nil
	})
}

// logNormalizer implements plain library-size normalization: each
// cell's counts are scaled so its total becomes the scale factor,
// then log-transformed.
type logNormalizer struct {
	scale float64
	base  string
}

// Name implements Normalizer.
func (n *logNormalizer) Name() string { return "lognorm" }

// Normalize implements Normalizer. The per-cell size factor is
// total/scale, so the stored value is log(1 + count*scale/total).
func (n *logNormalizer) Normalize(ctx context.Context, ds *dataset.Dataset, _ int64) (*Result, error) {
	lib, err := libSizes(ds)
	if err != nil {
		return nil, err
	}

	sf := make([]float64, len(lib))
	for j, t := range lib {
		sf[j] = t / n.scale
	}

	ds.Norm = logLayer(ds.Counts, sf, n.base)
	ds.Cells.SizeFactors = sf
	return &Result{SizeFactors: sf}, nil
}
