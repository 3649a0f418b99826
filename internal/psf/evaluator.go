// Package psf defines the PSF evaluator capability (spec.md §4.3) and
// its concrete variants: the analytic Gaussian family and the sampled
// (spline/pupil/FFT) family. Every variant is consumed uniformly by the
// iteration drivers in internal/fitstate and internal/multiplane.
package psf

import (
	"github.com/cwbudde/stormfit/internal/peak"
	"github.com/cwbudde/stormfit/internal/residual"
)

// Evaluator is the capability every PSF model exposes to the generic
// drivers, mirroring spec.md §4.3 and, in shape, the teacher's Renderer
// interface (internal/fit/renderer.go): a peak's parameters go in,
// a shape/Jacobian/validity predicate come out, uniformly across models.
type Evaluator interface {
	// Model reports the Param subset / submode this evaluator drives.
	Model() peak.Model

	// Dim is the number of active fitting parameters (n in spec §4.3).
	Dim() int

	// CalcPeakShape (re)computes the peak's model-internal scratch (the
	// row/column exponentials for a Gaussian; shape+derivative grids for
	// a sampled PSF) from its current parameters, and returns the
	// resulting footprint for use with residual.Store.Add/SubtractPeak.
	CalcPeakShape(p *peak.Peak) residual.Shape

	// CalcJH accumulates the Jacobian (length Dim()) and Hessian
	// (Dim()*Dim(), row-major, Gauss-Newton form) of the Poisson
	// log-likelihood surrogate over the peak's bounding box, reading the
	// *current* residual rates (i.e. with this peak's own shape still
	// summed in). jac and hess must be pre-sized and are zeroed by the
	// caller; CalcJH only accumulates into them.
	CalcJH(p *peak.Peak, store *residual.Store, jac, hess []float64)

	// ApplyDelta writes a Dim()-length update vector (in this model's
	// active-parameter order) into p.Params, recomputes any derived
	// parameters (e.g. width-vs-z), and returns the new (wx, wy)
	// bounding-box half-widths.
	ApplyDelta(p *peak.Peak, delta []float64) (wx, wy int)

	// Check validates HEIGHT/widths/ZCENTER and returns false (with a
	// reason) if the peak should be flagged ERROR/BAD, per spec §4.3.
	Check(p *peak.Peak, cfg peak.Config) (ok bool, reason string)

	// ZRange clamps p.Params[ZCENTER] into the evaluator's [minZ, maxZ].
	ZRange(p *peak.Peak)

	// InitPeak initializes model-specific scratch, derived parameters
	// (e.g. widths from Z) and initial (wx, wy) for a freshly appended
	// peak whose generic fields (Params, Status, Xi, Yi) are already set.
	InitPeak(p *peak.Peak)

	// CopyPeak deep-copies src's model scratch into dst (dst's plain
	// fields are assumed already copied via peak.Copy).
	CopyPeak(dst, src *peak.Peak)
}

// ParamOrder returns the active Param for each Jacobian/Hessian row,
// i.e. peak.Model(m).ActiveParams() — exposed here so drivers can map a
// raw delta vector back onto peak.Params without caring which model
// produced it.
func ParamOrder(m peak.Model) []peak.Param {
	return m.ActiveParams()
}
