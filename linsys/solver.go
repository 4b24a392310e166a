// Package linsys solves the regularized normal equations
// (rho*I + AᵀA)x = b that a splitting-based conic solver must solve at
// every outer iteration.  The solve is indirect: a preconditioned
// conjugate gradient iteration over a matrix-free operator, so AᵀA is
// never formed.
package linsys

import (
	"bytes"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/floats"

	"github.com/schlepil/myscs/sparse"
)

// BestTol is the floor of the convergence-tolerance schedule and the
// tolerance factor used for final high-accuracy solves.
const BestTol = 1e-7

// State carries everything a sequence of solves against one matrix
// needs: the cached transpose, the diagonal preconditioner, reusable
// workspace vectors, and running statistics.  A State is not safe for
// concurrent Solve calls; use one State per in-flight problem.
type State struct {
	a    *sparse.CSC // referenced, not owned
	at   *sparse.CSC // cached Aᵀ, built once
	m, n int

	rho    float64
	cgRate float64

	// workspace reused across solves
	p, r, ap, z []float64 // length n
	tmp         []float64 // length m

	// inverse diagonal of rho*I + AᵀA
	precond []float64

	// running statistics, reported and reset by Summary
	cgIters   int
	solveTime time.Duration
	nsolves   int
}

// New builds solver state for A, constructing the transpose and the
// preconditioner up front.  rho weights the identity block and must be
// positive; cgRate is the exponent of the tolerance schedule (the
// tolerance for outer iteration k scales like 1/(k+1)^cgRate).
func New(a *sparse.CSC, rho, cgRate float64) (*State, error) {
	if a == nil {
		return nil, fmt.Errorf("linsys: nil matrix")
	}
	m, n := a.Dims()
	if n == 0 {
		return nil, fmt.Errorf("linsys: matrix has no columns")
	}
	if rho <= 0 {
		return nil, fmt.Errorf("linsys: rho = %v, must be positive", rho)
	}

	s := &State{
		a:      a,
		at:     a.Transpose(),
		m:      m,
		n:      n,
		rho:    rho,
		cgRate: cgRate,
		p:      make([]float64, n),
		r:      make([]float64, n),
		ap:     make([]float64, n),
		z:      make([]float64, n),
		tmp:    make([]float64, m),
	}
	s.precond = precondition(a, rho)
	return s, nil
}

// precondition returns the inverse diagonal of rho*I + AᵀA.  rho > 0
// keeps every denominator positive, even for columns with no nonzeros.
func precondition(a *sparse.CSC, rho float64) []float64 {
	diag := make([]float64, a.Cols)
	for j := 0; j < a.Cols; j++ {
		col := a.Vals[a.ColPtr[j]:a.ColPtr[j+1]]
		diag[j] = 1 / (rho + floats.Dot(col, col))
	}
	return diag
}

// Method describes the solver configuration.
func (s *State) Method() string {
	return fmt.Sprintf("sparse-indirect, nnz in A = %v, CG tol ~ 1/iter^(%.2f)", s.a.NNZ(), s.cgRate)
}

// tolerance computes the convergence tolerance for one solve: scaled by
// the right-hand-side norm, loose for early outer iterations and
// tightening as iter grows, never below BestTol.  iter < 0 selects the
// floor factor directly (final high-accuracy solve).
func (s *State) tolerance(rhs []float64, iter int) float64 {
	fac := BestTol
	if iter >= 0 {
		fac = math.Pow(float64(iter+1), -s.cgRate)
	}
	return math.Max(BestTol, floats.Norm(rhs, 2)*fac)
}

// Solve solves the block system in place.  b packs the right-hand side
// as [x-block (n entries) | y-block (m entries)] and is overwritten
// with the solution pair.  warm, if non-nil, is a length-n initial
// guess for the CG iteration, typically the previous solution.  iter is
// the outer iteration number; a negative value marks a final
// high-accuracy solve, which uses the tolerance floor and is excluded
// from the iteration statistics.
func (s *State) Solve(b, warm []float64, iter int) error {
	if len(b) != s.n+s.m {
		return fmt.Errorf("linsys: block vector has length %v, want %v", len(b), s.n+s.m)
	}
	if warm != nil && len(warm) != s.n {
		return fmt.Errorf("linsys: warm start has length %v, want %v", len(warm), s.n)
	}
	x, y := b[:s.n], b[s.n:]
	tol := s.tolerance(x, iter)

	start := time.Now()

	// reduce to the normal equations: rhs = bx + Aᵀ by
	s.a.AddMulTransVec(x, y)

	its := s.pcg(warm, x, s.n, tol)

	// reconstruct the y-block: y = A x - by
	floats.Scale(-1, y)
	s.at.AddMulTransVec(y, x)

	if iter >= 0 {
		s.cgIters += its
		s.nsolves++
	}
	s.solveTime += time.Since(start)
	return nil
}

// pcg runs a preconditioned conjugate gradient iteration on
// (rho*I + AᵀA) x = b, overwriting b with the best iterate found.
// Returns the number of iterations used; exhausting maxIts is not an
// error, the caller gets the last iterate.
func (s *State) pcg(warm, b []float64, maxIts int, tol float64) int {
	p, r, ap, z := s.p, s.r, s.ap, s.z

	if warm == nil {
		copy(r, b)
		clear(b) // b now accumulates the solution from zero
	} else {
		s.matVec(warm, r)
		floats.Scale(-1, r)
		floats.Add(r, b) // r = b - Op(warm)
		copy(b, warm)
	}
	ipzr := s.applyPrecond(z, r)
	copy(p, z)

	for i := 0; i < maxIts; i++ {
		s.matVec(p, ap)
		alpha := ipzr / floats.Dot(p, ap)
		floats.AddScaled(b, alpha, p)
		floats.AddScaled(r, -alpha, ap)
		if floats.Norm(r, 2) < tol {
			return i + 1
		}
		ipzrOld := ipzr
		ipzr = s.applyPrecond(z, r)
		floats.Scale(ipzr/ipzrOld, p)
		floats.Add(p, z)
	}
	return maxIts
}

// applyPrecond sets z = M ⊙ r and returns the inner product z·r.
func (s *State) applyPrecond(z, r []float64) float64 {
	floats.MulTo(z, s.precond, r)
	return floats.Dot(z, r)
}

// matVec applies the matrix-free operator y = rho*x + Aᵀ(A x),
// staging A x in the length-m scratch buffer.  Cost is O(nnz) per
// application.
func (s *State) matVec(x, y []float64) {
	clear(s.tmp)
	s.at.AddMulTransVec(s.tmp, x) // tmp = A x
	clear(y)
	s.a.AddMulTransVec(y, s.tmp) // y = Aᵀ tmp
	floats.AddScaled(y, s.rho, x)
}

// Summary reports the average CG iteration count and average solve time
// over the counted solves since the previous call, then resets the
// counters.  Final solves (iter < 0) contribute time but never
// iterations, and do not raise the solve count.
func (s *State) Summary() string {
	n := s.nsolves
	if n == 0 {
		n = 1
	}
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "lin-sys: avg # CG iterations: %.2f, avg solve time: %.2es",
		float64(s.cgIters)/float64(n), s.solveTime.Seconds()/float64(n))
	s.cgIters = 0
	s.solveTime = 0
	s.nsolves = 0
	return buf.String()
}
