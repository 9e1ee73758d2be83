package bundle

import (
	"io"
	"os"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/scgo/scpipe/pkg/errors"
	"github.com/scgo/scpipe/pkg/matrix"
)

// tripletBatchSize bounds the entries per record batch when spilling a
// sparse layer, so huge matrices never materialize a single batch.
const tripletBatchSize = 1 << 16

var tripletSchema = arrow.NewSchema([]arrow.Field{
	{Name: "row", Type: arrow.PrimitiveTypes.Int32},
	{Name: "col", Type: arrow.PrimitiveTypes.Int32},
	{Name: "val", Type: arrow.PrimitiveTypes.Float64},
}, nil)

// writeLayer spills a sparse layer to an Arrow IPC file as coordinate
// triplets in column-major order.
func writeLayer(path string, m *matrix.CSC) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, errors.ErrorTypeInternal, "creating %s", path)
	}
	if err := writeLayerTo(f, m); err != nil {
		f.Close()
		return errors.Wrapf(err, errors.ErrorTypeInternal, "writing %s", path)
	}
	if err := f.Close(); err != nil {
		return errors.Wrapf(err, errors.ErrorTypeInternal, "closing %s", path)
	}
	return nil
}

func writeLayerTo(w io.Writer, m *matrix.CSC) error {
	pool := memory.NewGoAllocator()
	fw, err := ipc.NewFileWriter(w, ipc.WithSchema(tripletSchema), ipc.WithAllocator(pool))
	if err != nil {
		return err
	}

	b := array.NewRecordBuilder(pool, tripletSchema)
	defer b.Release()
	rowB := b.Field(0).(*array.Int32Builder)
	colB := b.Field(1).(*array.Int32Builder)
	valB := b.Field(2).(*array.Float64Builder)

	flush := func() error {
		rec := b.NewRecord()
		defer rec.Release()
		return fw.Write(rec)
	}

	pending := 0
	for j := 0; j < m.Cols(); j++ {
		idx, vals := m.Col(j)
		for q := range idx {
			rowB.Append(idx[q])
			colB.Append(int32(j))
			valB.Append(vals[q])
			pending++
			if pending == tripletBatchSize {
				if err := flush(); err != nil {
					return err
				}
				pending = 0
			}
		}
	}
	if pending > 0 {
		if err := flush(); err != nil {
			return err
		}
	}
	return fw.Close()
}

// readLayer rebuilds a sparse layer of the given shape from an Arrow
// IPC triplet file.
func readLayer(path string, genes, cells int) (*matrix.CSC, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeIngest, "opening %s", path)
	}
	defer f.Close()

	fr, err := ipc.NewFileReader(f, ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeIngest, "reading %s", path)
	}
	defer fr.Close()

	var trips []matrix.Triplet
	for i := 0; i < fr.NumRecords(); i++ {
		rec, err := fr.Record(i)
		if err != nil {
			return nil, errors.Wrapf(err, errors.ErrorTypeIngest, "reading batch %d of %s", i, path)
		}
		rows, okR := rec.Column(0).(*array.Int32)
		cols, okC := rec.Column(1).(*array.Int32)
		vals, okV := rec.Column(2).(*array.Float64)
		if !okR || !okC || !okV {
			return nil, errors.Newf(errors.ErrorTypeData, "%s does not hold triplet batches", path)
		}
		for q := 0; q < int(rec.NumRows()); q++ {
			trips = append(trips, matrix.Triplet{
				Row: rows.Value(q),
				Col: cols.Value(q),
				Val: vals.Value(q),
			})
		}
	}

	out, err := matrix.NewFromTriplets(genes, cells, trips)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeData, "rebuilding layer from %s", path)
	}
	// Layers are written duplicate-free; a repeat coordinate means a
	// corrupt or hand-edited file.
	if dup := len(trips) - out.Nnz(); dup > 0 {
		return nil, errors.Newf(errors.ErrorTypeData,
			"%s lists %d duplicate coordinates", path, dup)
	}
	return out, nil
}
