package sparse

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

// randDense returns a rows x cols matrix with about nfill nonzeros per
// column.
func randDense(rows, cols, nfill int) *mat.Dense {
	d := mat.NewDense(rows, cols, nil)
	for j := 0; j < cols; j++ {
		for k := 0; k < nfill; k++ {
			d.Set(rand.Intn(rows), j, 2*rand.Float64()-1)
		}
	}
	return d
}

func TestNew(t *testing.T) {
	colptr := []int{0, 1, 3}
	rowidx := []int{0, 0, 2}
	vals := []float64{1, 2, 3}

	m, err := New(3, 2, colptr, rowidx, vals)
	require.NoError(t, err)
	assert.Equal(t, 3, m.NNZ())
	assert.Equal(t, 2.0, m.At(0, 1))
	assert.Equal(t, 0.0, m.At(1, 0))

	var tests = []struct {
		name   string
		rows   int
		cols   int
		colptr []int
		rowidx []int
		vals   []float64
	}{
		{"short colptr", 3, 2, []int{0, 1}, rowidx, vals},
		{"colptr not starting at zero", 3, 2, []int{1, 1, 3}, rowidx, vals},
		{"decreasing colptr", 3, 2, []int{0, 3, 1}, rowidx, vals},
		{"rowidx length mismatch", 3, 2, colptr, []int{0, 0}, vals},
		{"vals length mismatch", 3, 2, colptr, rowidx, []float64{1, 2}},
		{"row index out of range", 2, 2, colptr, []int{0, 0, 2}, vals},
		{"negative dimension", -1, 2, colptr, rowidx, vals},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := New(test.rows, test.cols, test.colptr, test.rowidx, test.vals)
			assert.Error(t, err)
		})
	}
}

func TestFromDense(t *testing.T) {
	rows, cols, nfill := 17, 11, 4
	d := randDense(rows, cols, nfill)
	m := FromDense(d)

	assert.LessOrEqual(t, m.NNZ(), cols*nfill)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			if m.At(i, j) != d.At(i, j) {
				t.Fatalf("entry (%v,%v): got %v want %v", i, j, m.At(i, j), d.At(i, j))
			}
		}
	}
}

func TestTranspose(t *testing.T) {
	var tests = []struct {
		rows, cols, nfill int
	}{
		{1, 1, 1},
		{5, 3, 2},
		{3, 5, 2},
		{40, 25, 6},
		{25, 40, 6},
	}

	for _, test := range tests {
		a := FromDense(randDense(test.rows, test.cols, test.nfill))
		at := a.Transpose()

		require.Equal(t, a.NNZ(), at.NNZ(), "transpose changed nonzero count")
		r, c := at.Dims()
		require.Equal(t, a.Cols, r)
		require.Equal(t, a.Rows, c)

		for i := 0; i < a.Rows; i++ {
			for j := 0; j < a.Cols; j++ {
				if at.At(j, i) != a.At(i, j) {
					t.Fatalf("%vx%v: entry (%v,%v): got %v want %v",
						test.rows, test.cols, j, i, at.At(j, i), a.At(i, j))
				}
			}
		}
	}
}

func TestTransposeEmpty(t *testing.T) {
	a, err := New(4, 3, []int{0, 0, 0, 0}, nil, nil)
	require.NoError(t, err)

	at := a.Transpose()
	assert.Equal(t, 0, at.NNZ())
	r, c := at.Dims()
	assert.Equal(t, 3, r)
	assert.Equal(t, 4, c)
}

func TestAddMulTransVec(t *testing.T) {
	rows, cols, nfill := 30, 20, 5
	tol := 1e-12

	d := randDense(rows, cols, nfill)
	a := FromDense(d)

	x := make([]float64, rows)
	for i := range x {
		x[i] = 2*rand.Float64() - 1
	}
	y := make([]float64, cols)
	for j := range y {
		y[j] = float64(j) // nonzero so accumulation is exercised
	}

	var want mat.VecDense
	want.MulVec(d.T(), mat.NewVecDense(rows, x))

	got := make([]float64, cols)
	copy(got, y)
	a.AddMulTransVec(got, x)

	for j := range got {
		require.InDelta(t, y[j]+want.AtVec(j), got[j], tol, "column %v", j)
	}
}

// The chunked parallel path must produce the same accumulation as the
// sequential kernel.
func TestAddMulTransVecParallel(t *testing.T) {
	rows, nfill := 40, 3
	cols := parallelCols + 101

	a := randCSC(rows, cols, nfill)
	x := make([]float64, rows)
	for i := range x {
		x[i] = 2*rand.Float64() - 1
	}

	want := make([]float64, cols)
	a.addMulTrans(want, x, 0, cols)

	got := make([]float64, cols)
	a.AddMulTransVec(got, x)

	for j := range got {
		if got[j] != want[j] {
			t.Fatalf("column %v: parallel %v, sequential %v", j, got[j], want[j])
		}
	}
}

// randCSC builds a random matrix directly in compressed form, nfill
// entries per column (duplicate row indices simply accumulate).
func randCSC(rows, cols, nfill int) *CSC {
	colptr := make([]int, cols+1)
	rowidx := make([]int, 0, cols*nfill)
	vals := make([]float64, 0, cols*nfill)
	for j := 0; j < cols; j++ {
		for k := 0; k < nfill; k++ {
			rowidx = append(rowidx, rand.Intn(rows))
			vals = append(vals, 2*rand.Float64()-1)
		}
		colptr[j+1] = len(vals)
	}
	return &CSC{Rows: rows, Cols: cols, ColPtr: colptr, RowIdx: rowidx, Vals: vals}
}

func BenchmarkTranspose(b *testing.B) {
	size := 5000
	nfill := 6
	a := randCSC(size, size, nfill)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		a.Transpose()
	}
}

func BenchmarkAddMulTransVec(b *testing.B) {
	size := 5000
	nfill := 6
	a := randCSC(size, size, nfill)
	x := make([]float64, size)
	y := make([]float64, size)
	for i := range x {
		x[i] = 1
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		a.AddMulTransVec(y, x)
	}
}
