// Package linalg provides the dense linear-algebra primitive consumed
// by every peak update: solving a small symmetric positive-definite
// system in place. Grounded on the original's LAPACK dposv_ call
// (storm_analysis/sa_library/dao_fit.c) but built on gonum's Cholesky
// decomposition, the dense-linalg library the example pack reaches for
// (see gonum.org/v1/gonum/mat usage in the CMA-ES-Chol optimizer).
package linalg

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// MaxDim is the largest system size any PSF evaluator's active
// parameter subset requires (3D analytic Gaussian, n=6).
const MaxDim = 6

// SolveSPD solves A·x = b for x, where A is an n×n symmetric
// positive-definite matrix stored row-major in a (length n*n) and b is
// length n. A is read but not mutated; the solution overwrites b in
// place, matching the original's in-place dposv_ convention. It returns
// an error if A is not numerically SPD (Cholesky factorization fails),
// leaving b unchanged.
//
// n is capped at MaxDim. Each call allocates: a gonum SymDense copy of
// A, a copy of b for the right-hand side, the solution vector, and the
// Cholesky factor's storage.
func SolveSPD(a []float64, b []float64, n int) error {
	if n <= 0 || n > MaxDim {
		return fmt.Errorf("linalg: SolveSPD: n=%d out of range [1,%d]", n, MaxDim)
	}
	if len(a) < n*n || len(b) < n {
		return fmt.Errorf("linalg: SolveSPD: short buffer for n=%d", n)
	}

	sym := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			sym.SetSym(i, j, a[i*n+j])
		}
	}

	var chol mat.Cholesky
	if ok := chol.Factorize(sym); !ok {
		return fmt.Errorf("linalg: SolveSPD: matrix is not positive-definite")
	}

	rhs := mat.NewVecDense(n, append([]float64(nil), b[:n]...))
	var x mat.VecDense
	if err := chol.SolveVecTo(&x, rhs); err != nil {
		return fmt.Errorf("linalg: SolveSPD: %w", err)
	}

	for i := 0; i < n; i++ {
		b[i] = x.AtVec(i)
	}
	return nil
}
