package bundle

import (
	"fmt"
	"os"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"gonum.org/v1/gonum/mat"

	"github.com/scgo/scpipe/pkg/dataset"
	"github.com/scgo/scpipe/pkg/errors"
)

// column pairs an Arrow field with an appender that copies row i of
// the source slice into the field's builder. Optional table columns
// are simply absent from the slice, so nil columns never round trip
// as zero-filled ones.
type column struct {
	field  arrow.Field
	append func(b array.Builder, i int)
}

func stringColumn(name string, vals []string) column {
	return column{
		field:  arrow.Field{Name: name, Type: arrow.BinaryTypes.String},
		append: func(b array.Builder, i int) { b.(*array.StringBuilder).Append(vals[i]) },
	}
}

func floatColumn(name string, vals []float64) column {
	return column{
		field:  arrow.Field{Name: name, Type: arrow.PrimitiveTypes.Float64},
		append: func(b array.Builder, i int) { b.(*array.Float64Builder).Append(vals[i]) },
	}
}

func intColumn(name string, vals []int) column {
	return column{
		field:  arrow.Field{Name: name, Type: arrow.PrimitiveTypes.Int64},
		append: func(b array.Builder, i int) { b.(*array.Int64Builder).Append(int64(vals[i])) },
	}
}

func boolColumn(name string, vals []bool) column {
	return column{
		field:  arrow.Field{Name: name, Type: arrow.FixedWidthTypes.Boolean},
		append: func(b array.Builder, i int) { b.(*array.BooleanBuilder).Append(vals[i]) },
	}
}

// writeTable writes nRows of the given columns to an Arrow IPC file as
// a single record batch.
func writeTable(path string, nRows int, cols []column) error {
	fields := make([]arrow.Field, len(cols))
	for i, c := range cols {
		fields[i] = c.field
	}
	schema := arrow.NewSchema(fields, nil)

	pool := memory.NewGoAllocator()
	b := array.NewRecordBuilder(pool, schema)
	defer b.Release()
	for i := 0; i < nRows; i++ {
		for c, col := range cols {
			col.append(b.Field(c), i)
		}
	}
	rec := b.NewRecord()
	defer rec.Release()

	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, errors.ErrorTypeInternal, "creating %s", path)
	}
	fw, err := ipc.NewFileWriter(f, ipc.WithSchema(schema), ipc.WithAllocator(pool))
	if err != nil {
		f.Close()
		return errors.Wrapf(err, errors.ErrorTypeInternal, "writing %s", path)
	}
	if err := fw.Write(rec); err != nil {
		f.Close()
		return errors.Wrapf(err, errors.ErrorTypeInternal, "writing %s", path)
	}
	if err := fw.Close(); err != nil {
		f.Close()
		return errors.Wrapf(err, errors.ErrorTypeInternal, "writing %s", path)
	}
	if err := f.Close(); err != nil {
		return errors.Wrapf(err, errors.ErrorTypeInternal, "closing %s", path)
	}
	return nil
}

// forEachColumn opens an Arrow IPC table file and invokes visit once
// per column per batch, in schema order.
func forEachColumn(path string, visit func(name string, col arrow.Array) error) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, errors.ErrorTypeIngest, "opening %s", path)
	}
	defer f.Close()

	fr, err := ipc.NewFileReader(f, ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		return errors.Wrapf(err, errors.ErrorTypeIngest, "reading %s", path)
	}
	defer fr.Close()

	for i := 0; i < fr.NumRecords(); i++ {
		rec, err := fr.Record(i)
		if err != nil {
			return errors.Wrapf(err, errors.ErrorTypeIngest, "reading batch %d of %s", i, path)
		}
		for c := 0; c < int(rec.NumCols()); c++ {
			if err := visit(rec.Schema().Field(c).Name, rec.Column(c)); err != nil {
				return errors.Wrapf(err, errors.ErrorTypeData, "reading column %s of %s",
					rec.Schema().Field(c).Name, path)
			}
		}
	}
	return nil
}

func appendStrings(dst []string, col arrow.Array) ([]string, error) {
	a, ok := col.(*array.String)
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeData, "column is %s, want string", col.DataType())
	}
	for i := 0; i < a.Len(); i++ {
		dst = append(dst, a.Value(i))
	}
	return dst, nil
}

func appendFloats(dst []float64, col arrow.Array) ([]float64, error) {
	a, ok := col.(*array.Float64)
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeData, "column is %s, want float64", col.DataType())
	}
	for i := 0; i < a.Len(); i++ {
		dst = append(dst, a.Value(i))
	}
	return dst, nil
}

func appendInts(dst []int, col arrow.Array) ([]int, error) {
	a, ok := col.(*array.Int64)
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeData, "column is %s, want int64", col.DataType())
	}
	for i := 0; i < a.Len(); i++ {
		dst = append(dst, int(a.Value(i)))
	}
	return dst, nil
}

func appendBools(dst []bool, col arrow.Array) ([]bool, error) {
	a, ok := col.(*array.Boolean)
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeData, "column is %s, want bool", col.DataType())
	}
	for i := 0; i < a.Len(); i++ {
		dst = append(dst, a.Value(i))
	}
	return dst, nil
}

func writeObs(path string, ct *dataset.CellTable) error {
	cols := []column{stringColumn("barcode", ct.Barcodes)}
	if ct.Samples != nil {
		cols = append(cols, stringColumn("sample", ct.Samples))
	}
	if ct.Chemistry != nil {
		cols = append(cols, stringColumn("chemistry", ct.Chemistry))
	}
	if ct.TotalCounts != nil {
		cols = append(cols, floatColumn("total_counts", ct.TotalCounts))
	}
	if ct.NFeatures != nil {
		cols = append(cols, intColumn("n_features", ct.NFeatures))
	}
	if ct.PctMito != nil {
		cols = append(cols, floatColumn("pct_mito", ct.PctMito))
	}
	if ct.PctRibo != nil {
		cols = append(cols, floatColumn("pct_ribo", ct.PctRibo))
	}
	if ct.SizeFactors != nil {
		cols = append(cols, floatColumn("size_factors", ct.SizeFactors))
	}
	if ct.Clusters != nil {
		cols = append(cols, intColumn("cluster", ct.Clusters))
	}
	if ct.SScores != nil {
		cols = append(cols, floatColumn("s_score", ct.SScores))
	}
	if ct.G2MScores != nil {
		cols = append(cols, floatColumn("g2m_score", ct.G2MScores))
	}
	if ct.Phases != nil {
		cols = append(cols, stringColumn("phase", ct.Phases))
	}
	return writeTable(path, ct.Len(), cols)
}

func readObs(path string) (*dataset.CellTable, error) {
	ct := &dataset.CellTable{}
	err := forEachColumn(path, func(name string, col arrow.Array) error {
		var err error
		switch name {
		case "barcode":
			ct.Barcodes, err = appendStrings(ct.Barcodes, col)
		case "sample":
			ct.Samples, err = appendStrings(ct.Samples, col)
		case "chemistry":
			ct.Chemistry, err = appendStrings(ct.Chemistry, col)
		case "total_counts":
			ct.TotalCounts, err = appendFloats(ct.TotalCounts, col)
		case "n_features":
			ct.NFeatures, err = appendInts(ct.NFeatures, col)
		case "pct_mito":
			ct.PctMito, err = appendFloats(ct.PctMito, col)
		case "pct_ribo":
			ct.PctRibo, err = appendFloats(ct.PctRibo, col)
		case "size_factors":
			ct.SizeFactors, err = appendFloats(ct.SizeFactors, col)
		case "cluster":
			ct.Clusters, err = appendInts(ct.Clusters, col)
		case "s_score":
			ct.SScores, err = appendFloats(ct.SScores, col)
		case "g2m_score":
			ct.G2MScores, err = appendFloats(ct.G2MScores, col)
		case "phase":
			ct.Phases, err = appendStrings(ct.Phases, col)
		default:
			err = errors.Newf(errors.ErrorTypeData, "unknown cell column %s", name)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return ct, nil
}

func writeVar(path string, gt *dataset.GeneTable) error {
	cols := []column{
		stringColumn("id", gt.IDs),
		stringColumn("name", gt.Names),
	}
	if gt.FeatureTypes != nil {
		cols = append(cols, stringColumn("feature_type", gt.FeatureTypes))
	}
	if gt.NCells != nil {
		cols = append(cols, intColumn("n_cells", gt.NCells))
	}
	if gt.TotalCounts != nil {
		cols = append(cols, floatColumn("total_counts", gt.TotalCounts))
	}
	return writeTable(path, gt.Len(), cols)
}

func readVar(path string) (*dataset.GeneTable, error) {
	gt := &dataset.GeneTable{}
	err := forEachColumn(path, func(name string, col arrow.Array) error {
		var err error
		switch name {
		case "id":
			gt.IDs, err = appendStrings(gt.IDs, col)
		case "name":
			gt.Names, err = appendStrings(gt.Names, col)
		case "feature_type":
			gt.FeatureTypes, err = appendStrings(gt.FeatureTypes, col)
		case "n_cells":
			gt.NCells, err = appendInts(gt.NCells, col)
		case "total_counts":
			gt.TotalCounts, err = appendFloats(gt.TotalCounts, col)
		default:
			err = errors.Newf(errors.ErrorTypeData, "unknown gene column %s", name)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return gt, nil
}

func writeVariance(path string, vt *dataset.VarianceTable) error {
	cols := []column{
		floatColumn("mean", vt.Means),
		floatColumn("variance", vt.Variances),
	}
	if vt.Expected != nil {
		cols = append(cols, floatColumn("expected", vt.Expected))
	}
	if vt.Residuals != nil {
		cols = append(cols, floatColumn("residual", vt.Residuals))
	}
	if vt.Standardized != nil {
		cols = append(cols, floatColumn("standardized", vt.Standardized))
	}
	if vt.PValues != nil {
		cols = append(cols, floatColumn("p_value", vt.PValues))
	}
	if vt.FDR != nil {
		cols = append(cols, floatColumn("fdr", vt.FDR))
	}
	cols = append(cols, boolColumn("selected", vt.Selected))
	return writeTable(path, vt.Len(), cols)
}

// readVariance rebuilds a variance table; the method name travels in
// the manifest rather than the columnar file.
func readVariance(path, method string) (*dataset.VarianceTable, error) {
	vt := &dataset.VarianceTable{Method: method}
	err := forEachColumn(path, func(name string, col arrow.Array) error {
		var err error
		switch name {
		case "mean":
			vt.Means, err = appendFloats(vt.Means, col)
		case "variance":
			vt.Variances, err = appendFloats(vt.Variances, col)
		case "expected":
			vt.Expected, err = appendFloats(vt.Expected, col)
		case "residual":
			vt.Residuals, err = appendFloats(vt.Residuals, col)
		case "standardized":
			vt.Standardized, err = appendFloats(vt.Standardized, col)
		case "p_value":
			vt.PValues, err = appendFloats(vt.PValues, col)
		case "fdr":
			vt.FDR, err = appendFloats(vt.FDR, col)
		case "selected":
			vt.Selected, err = appendBools(vt.Selected, col)
		default:
			err = errors.Newf(errors.ErrorTypeData, "unknown variance column %s", name)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return vt, nil
}

func writeReduction(path string, red *dataset.Reduction) error {
	rows, k := red.Components.Dims()
	cols := make([]column, k)
	for c := 0; c < k; c++ {
		cols[c] = column{
			field: arrow.Field{Name: fmt.Sprintf("c%d", c), Type: arrow.PrimitiveTypes.Float64},
			append: func(b array.Builder, i int) {
				b.(*array.Float64Builder).Append(red.Components.At(i, c))
			},
		}
	}
	return writeTable(path, rows, cols)
}

// readReduction rebuilds an embedding; component order follows the
// file's schema order.
func readReduction(path string, meta ReductionMeta) (*dataset.Reduction, error) {
	if meta.Components <= 0 {
		return nil, errors.Newf(errors.ErrorTypeData, "reduction %s has no components", path)
	}
	data := make([][]float64, meta.Components)
	next := 0
	err := forEachColumn(path, func(name string, col arrow.Array) error {
		c := next % meta.Components
		next++
		var err error
		data[c], err = appendFloats(data[c], col)
		return err
	})
	if err != nil {
		return nil, err
	}

	n := len(data[0])
	if n == 0 {
		return nil, errors.Newf(errors.ErrorTypeData, "reduction %s is empty", path)
	}
	dense := mat.NewDense(n, meta.Components, nil)
	for c := range data {
		if len(data[c]) != n {
			return nil, errors.Newf(errors.ErrorTypeData, "ragged reduction columns in %s", path)
		}
		for i, v := range data[c] {
			dense.Set(i, c, v)
		}
	}
	return &dataset.Reduction{
		Components:   dense,
		VarExplained: meta.VarExplained,
		FeatureIdx:   meta.FeatureIdx,
	}, nil
}
