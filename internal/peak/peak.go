// Package peak defines the per-emitter fit state shared by every PSF
// evaluator and iteration driver: the flat parameter vector, status
// enum, and the clamp/hysteresis bookkeeping that rides along with it.
package peak

// Param indexes the seven-element parameter vector carried by every
// peak, in the order fixed by the external contract.
type Param int

const (
	HEIGHT Param = iota
	XCENTER
	XWIDTH
	YCENTER
	YWIDTH
	BACKGROUND
	ZCENTER
	NFitting // number of entries in Params/Clamp/Sign
)

// NPeakPar is the width of the harvested result record: the seven
// fitting parameters plus STATUS and IERROR.
const NPeakPar = int(NFitting) + 2

// Status is a peak's lifecycle state.
type Status int

const (
	Running Status = iota
	Converged
	Error
	Bad
)

func (s Status) String() string {
	switch s {
	case Running:
		return "RUNNING"
	case Converged:
		return "CONVERGED"
	case Error:
		return "ERROR"
	case Bad:
		return "BAD"
	default:
		return "UNKNOWN"
	}
}

// Config collects the numeric constants fixed by the external contract
// (spec.md §6 / §9) into a per-fit-state record instead of mutable
// package globals.
type Config struct {
	Margin          int     // border band; peaks anchored inside it are flagged ERROR
	Hysteresis      float64 // integer-center anchor only moves past this offset
	LambdaUp        float64 // LM damping increase factor on a rejected step
	LambdaDown      float64 // LM damping decrease factor on an accepted step
	HeightFloor     float64 // independent-height mode floor to prevent sign flip
	RetryBudget     int     // LM driver: max damping retries before giving up on a peak
}

// DefaultConfig mirrors the constants named in spec.md §6.
func DefaultConfig() Config {
	return Config{
		Margin:      10,
		Hysteresis:  0.6,
		LambdaUp:    4.0,
		LambdaDown:  0.9,
		HeightFloor: 0.01,
		RetryBudget: 20,
	}
}

// Model is the tag identifying which PSF evaluator submode a Peak's
// scratch arrays (Gauss2DFixed) belong to, so the fit driver can stay
// generic over the evaluator capability.
type Model int

const (
	Gauss2DFixed Model = iota
	Gauss2DEqual
	Gauss3D
	GaussZCoupled
	SampledPSF
)

// ActiveParams returns the parameter subset indices a given model
// optimizes, in the Jacobian/Hessian order used by calc_JH (spec §4.3).
func (m Model) ActiveParams() []Param {
	switch m {
	case Gauss2DFixed:
		return []Param{HEIGHT, XCENTER, YCENTER, BACKGROUND}
	case Gauss2DEqual:
		return []Param{HEIGHT, XCENTER, YCENTER, XWIDTH, BACKGROUND}
	case Gauss3D:
		return []Param{HEIGHT, XCENTER, XWIDTH, YCENTER, YWIDTH, BACKGROUND}
	case GaussZCoupled, SampledPSF:
		return []Param{HEIGHT, XCENTER, YCENTER, ZCENTER, BACKGROUND}
	default:
		return nil
	}
}

// Peak is one emitter under fit. It owns its own bounding-box scratch
// (via Scratch, model-specific) and its clamp/sign memory; the residual
// Store and PSF Evaluator operate on it by reference.
type Peak struct {
	Index  int
	Status Status
	Model  Model

	// Integer bounding-box anchor and half-widths (spec §3).
	Xi, Yi int
	Wx, Wy int

	// Fitting parameters, in Param order.
	Params [int(NFitting)]float64

	// Per-parameter clamp magnitude and last-step sign, used by the
	// clamped (original-driver) update rule.
	Clamp [int(NFitting)]float64
	Sign  [int(NFitting)]int

	Error, ErrorOld float64

	// Lambda is the LM damping factor; unused by the original driver.
	Lambda float64

	// Added reports whether this peak's shape is currently summed into
	// the owning residual Store. Must be true for any non-ERROR peak
	// outside the critical section of an update step (spec §3).
	Added bool

	// Scratch is the model-specific precomputed shape/derivative cache
	// (row/column Gaussian exponentials, or sampled shape+dx/dy/dz
	// grids). Owned exclusively by this peak.
	Scratch any
}

// Offset returns the flat pixel index of this peak's bounding-box
// anchor in a W-wide image.
func (p *Peak) Offset(width int) int {
	return p.Yi*width + p.Xi
}

// ResetClamp reinitializes the clamp vector from a starting vector and
// clears the sign memory, as done by newPeaks in the original source.
func (p *Peak) ResetClamp(clampStart [int(NFitting)]float64) {
	p.Clamp = clampStart
	for i := range p.Sign {
		p.Sign[i] = 0
	}
}

// Copy copies src's plain fields into dst. Scratch is copied as a
// pointer, so dst shares src's scratch until the model package clones
// it (psf.Evaluator.CopyPeak), since its shape is model-specific.
func Copy(dst, src *Peak) {
	*dst = *src
}

// CheckMargin flags the peak ERROR if its integer anchor has drifted
// into the border band, per spec §4.2.
func (p *Peak) CheckMargin(cfg Config, width, height int) bool {
	if p.Xi < cfg.Margin || p.Xi > width-cfg.Margin-1 ||
		p.Yi < cfg.Margin || p.Yi > height-cfg.Margin-1 {
		p.Status = Error
		return true
	}
	return false
}

// UpdateAnchor applies integer-center hysteresis (spec §4.2) to the
// peak's bounding-box anchor given its current sub-pixel center.
func (p *Peak) UpdateAnchor(cfg Config) {
	if abs(p.Params[XCENTER]-float64(p.Xi)-0.5) > cfg.Hysteresis {
		p.Xi = int(p.Params[XCENTER])
	}
	if abs(p.Params[YCENTER]-float64(p.Yi)-0.5) > cfg.Hysteresis {
		p.Yi = int(p.Params[YCENTER])
	}
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
