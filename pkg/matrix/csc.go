// Package matrix provides the sparse count matrix used throughout scpipe.
//
// Expression data is stored in compressed sparse column (CSC) form with
// genes as rows and cells as columns, matching the orientation of the
// matrix-market exchange files produced by droplet platforms. Columns are
// the access path for per-cell operations (QC totals, normalization) and
// row-wise statistics are computed in single passes over the stored
// entries, so neither axis requires densification.
//
// CSC implements gonum's mat.Matrix, allowing matrices to flow directly
// into gonum/stat routines when a dense view is acceptable.
package matrix

import (
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/scgo/scpipe/pkg/errors"
)

// Triplet is a single (row, col, value) entry in coordinate form.
type Triplet struct {
	Row int32
	Col int32
	Val float64
}

// CSC is a compressed sparse column matrix of shape rows x cols.
// Entries within a column are sorted by row index and hold no explicit
// zeros. The zero value is not usable; construct with NewFromTriplets
// or NewRaw.
type CSC struct {
	rows int
	cols int

	// colPtr has length cols+1; column j occupies [colPtr[j], colPtr[j+1])
	colPtr []int
	rowIdx []int32
	data   []float64
}

// NewFromTriplets builds a CSC matrix from coordinate entries.
// Duplicate (row, col) entries are summed. Entries are validated
// against the given shape.
func NewFromTriplets(rows, cols int, entries []Triplet) (*CSC, error) {
	if rows <= 0 || cols <= 0 {
		return nil, errors.Newf(errors.ErrorTypeData, "matrix shape %dx%d must be positive", rows, cols)
	}

	counts := make([]int, cols+1)
	for _, e := range entries {
		if e.Row < 0 || int(e.Row) >= rows {
			return nil, errors.Newf(errors.ErrorTypeData, "row index %d outside [0, %d)", e.Row, rows)
		}
		if e.Col < 0 || int(e.Col) >= cols {
			return nil, errors.Newf(errors.ErrorTypeData, "col index %d outside [0, %d)", e.Col, cols)
		}
		counts[e.Col+1]++
	}

	colPtr := make([]int, cols+1)
	for j := 0; j < cols; j++ {
		colPtr[j+1] = colPtr[j] + counts[j+1]
	}

	rowIdx := make([]int32, len(entries))
	data := make([]float64, len(entries))
	next := make([]int, cols)
	copy(next, colPtr[:cols])
	for _, e := range entries {
		p := next[e.Col]
		rowIdx[p] = e.Row
		data[p] = e.Val
		next[e.Col]++
	}

	m := &CSC{rows: rows, cols: cols, colPtr: colPtr, rowIdx: rowIdx, data: data}
	m.sortColumns()
	m.sumDuplicates()
	return m, nil
}

// NewRaw wraps pre-built CSC storage without copying. The caller
// guarantees colPtr has length cols+1, columns are row-sorted and
// duplicate-free, and index slices share a length.
func NewRaw(rows, cols int, colPtr []int, rowIdx []int32, data []float64) *CSC {
	return &CSC{rows: rows, cols: cols, colPtr: colPtr, rowIdx: rowIdx, data: data}
}

// sortColumns sorts entries within each column by row index.
func (m *CSC) sortColumns() {
	for j := 0; j < m.cols; j++ {
		start, end := m.colPtr[j], m.colPtr[j+1]
		if end-start < 2 {
			continue
		}
		seg := colSorter{rows: m.rowIdx[start:end], vals: m.data[start:end]}
		if !sort.IsSorted(seg) {
			sort.Sort(seg)
		}
	}
}

type colSorter struct {
	rows []int32
	vals []float64
}

func (s colSorter) Len() int           { return len(s.rows) }
func (s colSorter) Less(i, j int) bool { return s.rows[i] < s.rows[j] }
func (s colSorter) Swap(i, j int) {
	s.rows[i], s.rows[j] = s.rows[j], s.rows[i]
	s.vals[i], s.vals[j] = s.vals[j], s.vals[i]
}

// sumDuplicates collapses repeated (row, col) entries in place.
func (m *CSC) sumDuplicates() {
	out := 0
	for j := 0; j < m.cols; j++ {
		start, end := m.colPtr[j], m.colPtr[j+1]
		m.colPtr[j] = out
		for p := start; p < end; p++ {
			if out > m.colPtr[j] && m.rowIdx[out-1] == m.rowIdx[p] {
				m.data[out-1] += m.data[p]
				continue
			}
			m.rowIdx[out] = m.rowIdx[p]
			m.data[out] = m.data[p]
			out++
		}
	}
	m.colPtr[m.cols] = out
	m.rowIdx = m.rowIdx[:out]
	m.data = m.data[:out]
}

// Rows returns the number of rows (genes).
func (m *CSC) Rows() int { return m.rows }

// Cols returns the number of columns (cells).
func (m *CSC) Cols() int { return m.cols }

// Nnz returns the number of explicitly stored entries.
func (m *CSC) Nnz() int { return len(m.data) }

// Dims implements mat.Matrix.
func (m *CSC) Dims() (r, c int) { return m.rows, m.cols }

// T implements mat.Matrix, returning a transposed view.
func (m *CSC) T() mat.Matrix { return mat.Transpose{Matrix: m} }

// At implements mat.Matrix. Lookup within a column is a binary search.
func (m *CSC) At(i, j int) float64 {
	if i < 0 || i >= m.rows || j < 0 || j >= m.cols {
		panic("matrix: index out of range")
	}
	start, end := m.colPtr[j], m.colPtr[j+1]
	seg := m.rowIdx[start:end]
	k := sort.Search(len(seg), func(p int) bool { return seg[p] >= int32(i) })
	if k < len(seg) && seg[k] == int32(i) {
		return m.data[start+k]
	}
	return 0
}

// Col returns views of column j's row indices and values.
// The returned slices alias internal storage and must not be mutated.
func (m *CSC) Col(j int) (idx []int32, vals []float64) {
	start, end := m.colPtr[j], m.colPtr[j+1]
	return m.rowIdx[start:end], m.data[start:end]
}

// ColNnz returns the number of stored entries in column j.
func (m *CSC) ColNnz(j int) int { return m.colPtr[j+1] - m.colPtr[j] }

// ColSum returns the sum of column j.
func (m *CSC) ColSum(j int) float64 {
	var s float64
	for _, v := range m.data[m.colPtr[j]:m.colPtr[j+1]] {
		s += v
	}
	return s
}

// ColSums returns the per-column sums for all columns.
func (m *CSC) ColSums() []float64 {
	sums := make([]float64, m.cols)
	for j := 0; j < m.cols; j++ {
		sums[j] = m.ColSum(j)
	}
	return sums
}

// RowStats accumulates per-row sum, sum of squares and nonzero count in
// a single pass over the stored entries.
func (m *CSC) RowStats() (sums, sumSqs []float64, nnz []int) {
	sums = make([]float64, m.rows)
	sumSqs = make([]float64, m.rows)
	nnz = make([]int, m.rows)
	for p, r := range m.rowIdx {
		v := m.data[p]
		sums[r] += v
		sumSqs[r] += v * v
		nnz[r]++
	}
	return sums, sumSqs, nnz
}

// RowNnz returns the per-row nonzero counts.
func (m *CSC) RowNnz() []int {
	nnz := make([]int, m.rows)
	for _, r := range m.rowIdx {
		nnz[r]++
	}
	return nnz
}

// Clone returns a deep copy of the matrix.
func (m *CSC) Clone() *CSC {
	colPtr := make([]int, len(m.colPtr))
	copy(colPtr, m.colPtr)
	rowIdx := make([]int32, len(m.rowIdx))
	copy(rowIdx, m.rowIdx)
	data := make([]float64, len(m.data))
	copy(data, m.data)
	return &CSC{rows: m.rows, cols: m.cols, colPtr: colPtr, rowIdx: rowIdx, data: data}
}

// Apply returns a new matrix with the same sparsity pattern and each
// stored entry transformed by f. Implicit zeros are untouched, so f
// must preserve zero for results to stay meaningful.
func (m *CSC) Apply(f func(row, col int, v float64) float64) *CSC {
	out := m.Clone()
	for j := 0; j < out.cols; j++ {
		for p := out.colPtr[j]; p < out.colPtr[j+1]; p++ {
			out.data[p] = f(int(out.rowIdx[p]), j, out.data[p])
		}
	}
	return out
}

// SubsetRows returns a new matrix keeping only the given rows, in the
// order provided. Row indices must be unique and in range.
func (m *CSC) SubsetRows(keep []int) (*CSC, error) {
	remap := make([]int32, m.rows)
	for i := range remap {
		remap[i] = -1
	}
	for newIdx, oldIdx := range keep {
		if oldIdx < 0 || oldIdx >= m.rows {
			return nil, errors.Newf(errors.ErrorTypeData, "row index %d outside [0, %d)", oldIdx, m.rows)
		}
		if remap[oldIdx] != -1 {
			return nil, errors.Newf(errors.ErrorTypeData, "duplicate row index %d in subset", oldIdx)
		}
		remap[oldIdx] = int32(newIdx)
	}

	colPtr := make([]int, m.cols+1)
	rowIdx := make([]int32, 0, len(m.rowIdx))
	data := make([]float64, 0, len(m.data))
	for j := 0; j < m.cols; j++ {
		for p := m.colPtr[j]; p < m.colPtr[j+1]; p++ {
			if nr := remap[m.rowIdx[p]]; nr != -1 {
				rowIdx = append(rowIdx, nr)
				data = append(data, m.data[p])
			}
		}
		colPtr[j+1] = len(rowIdx)
	}

	out := &CSC{rows: len(keep), cols: m.cols, colPtr: colPtr, rowIdx: rowIdx, data: data}
	// Keep-order row remapping can break within-column ordering.
	out.sortColumns()
	return out, nil
}

// SubsetCols returns a new matrix keeping only the given columns, in
// the order provided. Column indices must be unique and in range.
func (m *CSC) SubsetCols(keep []int) (*CSC, error) {
	seen := make([]bool, m.cols)
	nnz := 0
	for _, j := range keep {
		if j < 0 || j >= m.cols {
			return nil, errors.Newf(errors.ErrorTypeData, "col index %d outside [0, %d)", j, m.cols)
		}
		if seen[j] {
			return nil, errors.Newf(errors.ErrorTypeData, "duplicate col index %d in subset", j)
		}
		seen[j] = true
		nnz += m.ColNnz(j)
	}

	colPtr := make([]int, len(keep)+1)
	rowIdx := make([]int32, 0, nnz)
	data := make([]float64, 0, nnz)
	for newJ, oldJ := range keep {
		start, end := m.colPtr[oldJ], m.colPtr[oldJ+1]
		rowIdx = append(rowIdx, m.rowIdx[start:end]...)
		data = append(data, m.data[start:end]...)
		colPtr[newJ+1] = len(rowIdx)
	}

	return &CSC{rows: m.rows, cols: len(keep), colPtr: colPtr, rowIdx: rowIdx, data: data}, nil
}

// Hstack concatenates matrices side by side. All inputs must share the
// same number of rows.
func Hstack(mats ...*CSC) (*CSC, error) {
	if len(mats) == 0 {
		return nil, errors.New(errors.ErrorTypeData, "hstack of zero matrices")
	}
	rows := mats[0].rows
	cols, nnz := 0, 0
	for _, m := range mats {
		if m.rows != rows {
			return nil, errors.Newf(errors.ErrorTypeData, "hstack row mismatch: %d vs %d", m.rows, rows)
		}
		cols += m.cols
		nnz += m.Nnz()
	}

	colPtr := make([]int, cols+1)
	rowIdx := make([]int32, 0, nnz)
	data := make([]float64, 0, nnz)
	j := 0
	for _, m := range mats {
		for c := 0; c < m.cols; c++ {
			start, end := m.colPtr[c], m.colPtr[c+1]
			rowIdx = append(rowIdx, m.rowIdx[start:end]...)
			data = append(data, m.data[start:end]...)
			j++
			colPtr[j] = len(rowIdx)
		}
	}

	return &CSC{rows: rows, cols: cols, colPtr: colPtr, rowIdx: rowIdx, data: data}, nil
}

// Triplets returns the stored entries in column-major coordinate form.
func (m *CSC) Triplets() []Triplet {
	out := make([]Triplet, 0, m.Nnz())
	for j := 0; j < m.cols; j++ {
		for p := m.colPtr[j]; p < m.colPtr[j+1]; p++ {
			out = append(out, Triplet{Row: m.rowIdx[p], Col: int32(j), Val: m.data[p]})
		}
	}
	return out
}

// DenseTranspose materializes the matrix as a dense cells x genes
// gonum matrix, the observation-major layout expected by gonum/stat.
func (m *CSC) DenseTranspose() *mat.Dense {
	d := mat.NewDense(m.cols, m.rows, nil)
	for j := 0; j < m.cols; j++ {
		for p := m.colPtr[j]; p < m.colPtr[j+1]; p++ {
			d.Set(j, int(m.rowIdx[p]), m.data[p])
		}
	}
	return d
}
