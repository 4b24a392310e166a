// Package sparse provides a compressed sparse column (CSC) matrix with
// the accumulating kernels needed by indirect linear-system solvers:
// a counting-sort transpose and a column-parallel transpose-multiply.
package sparse

import (
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"
)

// parallelCols is the column count above which AddMulTransVec fans the
// per-column accumulation out across goroutines.
const parallelCols = 2048

// CSC is a sparse matrix in compressed sparse column form.  The
// nonzeros of column j live at positions ColPtr[j]:ColPtr[j+1] of
// RowIdx and Vals.  A CSC is immutable after construction.
type CSC struct {
	Rows, Cols int
	ColPtr     []int
	RowIdx     []int
	Vals       []float64
}

// New validates the compressed-column arrays and wraps them in a CSC.
// The slices are referenced, not copied, and must not be mutated by the
// caller afterward.
func New(rows, cols int, colptr, rowidx []int, vals []float64) (*CSC, error) {
	if rows < 0 || cols < 0 {
		return nil, fmt.Errorf("sparse: negative dimension %vx%v", rows, cols)
	}
	if len(colptr) != cols+1 {
		return nil, fmt.Errorf("sparse: colptr has length %v, want %v", len(colptr), cols+1)
	}
	if colptr[0] != 0 {
		return nil, fmt.Errorf("sparse: colptr[0] = %v, want 0", colptr[0])
	}
	for j := 0; j < cols; j++ {
		if colptr[j+1] < colptr[j] {
			return nil, fmt.Errorf("sparse: colptr decreases at column %v", j)
		}
	}
	nnz := colptr[cols]
	if len(rowidx) != nnz || len(vals) != nnz {
		return nil, fmt.Errorf("sparse: rowidx/vals have lengths %v/%v, want %v", len(rowidx), len(vals), nnz)
	}
	for _, i := range rowidx {
		if i < 0 || i >= rows {
			return nil, fmt.Errorf("sparse: row index %v out of range [0,%v)", i, rows)
		}
	}
	return &CSC{Rows: rows, Cols: cols, ColPtr: colptr, RowIdx: rowidx, Vals: vals}, nil
}

// FromDense converts any gonum matrix to CSC form, dropping exact
// zeros.
func FromDense(m mat.Matrix) *CSC {
	rows, cols := m.Dims()
	colptr := make([]int, cols+1)
	var rowidx []int
	var vals []float64
	for j := 0; j < cols; j++ {
		for i := 0; i < rows; i++ {
			if v := m.At(i, j); v != 0 {
				rowidx = append(rowidx, i)
				vals = append(vals, v)
			}
		}
		colptr[j+1] = len(vals)
	}
	return &CSC{Rows: rows, Cols: cols, ColPtr: colptr, RowIdx: rowidx, Vals: vals}
}

func (m *CSC) Dims() (int, int) { return m.Rows, m.Cols }
func (m *CSC) NNZ() int         { return m.ColPtr[m.Cols] }
func (m *CSC) T() mat.Matrix    { return mat.Transpose{Matrix: m} }

// At returns the entry at row i, column j by scanning column j's
// nonzeros.  It exists for interoperation with gonum and for tests; the
// solver kernels never access entries individually.
func (m *CSC) At(i, j int) float64 {
	if i < 0 || i >= m.Rows || j < 0 || j >= m.Cols {
		panic("sparse: index out of range")
	}
	for p := m.ColPtr[j]; p < m.ColPtr[j+1]; p++ {
		if m.RowIdx[p] == i {
			return m.Vals[p]
		}
	}
	return 0
}

// Transpose builds the compressed-column form of mᵀ with a counting
// sort: count the entries landing in each row, prefix-sum the counts
// into the new column pointers, then scatter every entry into its row's
// bucket.  The scatter shares one insertion cursor per row across all
// source columns, so it must not be parallelized over columns.
// O(nnz + rows) time.
func (m *CSC) Transpose() *CSC {
	nnz := m.NNZ()
	tp := make([]int, m.Rows+1)
	ti := make([]int, nnz)
	tx := make([]float64, nnz)

	cursor := make([]int, m.Rows)
	for _, i := range m.RowIdx {
		cursor[i]++
	}
	cumsum(tp, cursor)

	for j := 0; j < m.Cols; j++ {
		for p := m.ColPtr[j]; p < m.ColPtr[j+1]; p++ {
			q := cursor[m.RowIdx[p]]
			cursor[m.RowIdx[p]]++
			ti[q] = j // entry (i,j) lands at (j,i) of the transpose
			tx[q] = m.Vals[p]
		}
	}
	return &CSC{Rows: m.Cols, Cols: m.Rows, ColPtr: tp, RowIdx: ti, Vals: tx}
}

// cumsum writes the exclusive prefix sum of counts into ptr
// (len(ptr) == len(counts)+1) and overwrites counts with the same
// running offsets, ready for use as scatter cursors.
func cumsum(ptr, counts []int) {
	tot := 0
	for i, c := range counts {
		ptr[i] = tot
		counts[i] = tot
		tot += c
	}
	ptr[len(counts)] = tot
}

// AddMulTransVec accumulates mᵀ*x into y: for each column j it adds
// the products Vals[p]*x[RowIdx[p]] over column j's nonzeros to y[j].
// len(x) must equal the row count and len(y) the column count.  Each
// column touches only its own output slot, so wide matrices are split
// into column chunks run on separate goroutines.
func (m *CSC) AddMulTransVec(y, x []float64) {
	if len(x) != m.Rows || len(y) != m.Cols {
		panic("sparse: dimension mismatch in transpose multiply")
	}
	if m.Cols < parallelCols {
		m.addMulTrans(y, x, 0, m.Cols)
		return
	}

	var eg errgroup.Group
	nchunk := runtime.GOMAXPROCS(0)
	chunk := (m.Cols + nchunk - 1) / nchunk
	for lo := 0; lo < m.Cols; lo += chunk {
		lo, hi := lo, min(lo+chunk, m.Cols)
		eg.Go(func() error {
			m.addMulTrans(y, x, lo, hi)
			return nil
		})
	}
	eg.Wait()
}

func (m *CSC) addMulTrans(y, x []float64, lo, hi int) {
	for j := lo; j < hi; j++ {
		yj := y[j]
		for p := m.ColPtr[j]; p < m.ColPtr[j+1]; p++ {
			yj += m.Vals[p] * x[m.RowIdx[p]]
		}
		y[j] = yj
	}
}
