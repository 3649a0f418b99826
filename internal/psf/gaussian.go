// Analytic Gaussian PSF evaluator: all four submodes (2D fixed width,
// 2D equal width, 3D independent widths, z-coupled widths) from one
// type, each driving a different active-parameter subset.
//
// Grounded directly on storm_analysis/sa_library/dao_fit.c's
// addPeak/update2DFixed/update2D/update3D/updateZ/calcWidth/
// calcWidthsFromZ (see DESIGN.md).
package psf

import (
	"math"

	"github.com/cwbudde/stormfit/internal/peak"
	"github.com/cwbudde/stormfit/internal/residual"
)

// ZParams holds the five width-vs-z polynomial coefficients used by
// GaussZCoupled: w(z) is evaluated as
//
//	z0 = (Z - Params[1]) / Params[2]
//	tmp = 1 + z0^2 + Params[3]*z0^3 + Params[4]*z0^4
//	WIDTH = 2 / (Params[0] * tmp)
type ZParams struct {
	Params [5]float64
}

// gaussianScratch is the per-peak precomputed row/column exponential
// cache (spec §4.3.a), owned by the Peak it is attached to.
type gaussianScratch struct {
	xt, ext []float64 // length 2*wx+1
	yt, eyt []float64 // length 2*wy+1
	wxTerm  float64   // cached tmp^2 for the z-coupled width chain rule
	wyTerm  float64
}

// GaussianEvaluator implements Evaluator for the analytic Gaussian PSF
// family. Construct one per submode.
type GaussianEvaluator struct {
	Mode     peak.Model
	MinZ     float64
	MaxZ     float64
	WxZ, WyZ ZParams // only consulted when Mode == peak.GaussZCoupled

	// InitWidth seeds XWIDTH/YWIDTH (as 1/(2σ²)) for candidates that
	// arrive without widths, e.g. finder-stage (x, y, z) triples. Zero
	// selects a σ of 1.5 pixels.
	InitWidth float64
}

var _ Evaluator = (*GaussianEvaluator)(nil)

func (g *GaussianEvaluator) Model() peak.Model { return g.Mode }

func (g *GaussianEvaluator) Dim() int { return len(g.Mode.ActiveParams()) }

func scratchOf(p *peak.Peak) *gaussianScratch {
	s, _ := p.Scratch.(*gaussianScratch)
	if s == nil {
		s = &gaussianScratch{}
		p.Scratch = s
	}
	return s
}

// calcWidth implements the original's calcWidth(): the bounding-box
// half-width implied by a Gaussian "width" parameter (1/(2*sigma^2)),
// with hysteresis against the previous half-width and a MARGIN cap.
func calcWidth(cfg peak.Config, width float64, oldW int) int {
	if width < 0 {
		return 1
	}
	newW := oldW
	tmp := 4.0 * math.Sqrt(1.0/(2.0*width))
	if math.Abs(tmp-float64(oldW)-0.5) > cfg.Hysteresis {
		newW = int(tmp)
	}
	if newW > cfg.Margin {
		newW = cfg.Margin
	}
	if newW < 1 {
		newW = 1
	}
	return newW
}

// calcWidthsFromZ updates p.Params[XWIDTH]/[YWIDTH] from p.Params[ZCENTER]
// using the width-vs-z polynomial, caching the chain-rule term (tmp^2)
// needed by CalcJH's ZCENTER column. Ported from calcWidthsFromZ.
func (g *GaussianEvaluator) calcWidthsFromZ(p *peak.Peak) {
	s := scratchOf(p)
	z := p.Params[int(peak.ZCENTER)]

	z0 := (z - g.WxZ.Params[1]) / g.WxZ.Params[2]
	z1 := z0 * z0
	z2 := z1 * z0
	z3 := z2 * z0
	tmp := 1.0 + z1 + g.WxZ.Params[3]*z2 + g.WxZ.Params[4]*z3
	s.wxTerm = tmp * tmp
	p.Params[int(peak.XWIDTH)] = 2.0 / (g.WxZ.Params[0] * tmp)

	z0 = (z - g.WyZ.Params[1]) / g.WyZ.Params[2]
	z1 = z0 * z0
	z2 = z1 * z0
	z3 = z2 * z0
	tmp = 1.0 + z1 + g.WyZ.Params[3]*z2 + g.WyZ.Params[4]*z3
	s.wyTerm = tmp * tmp
	p.Params[int(peak.YWIDTH)] = 2.0 / (g.WyZ.Params[0] * tmp)
}

// CalcPeakShape recomputes the row/column exponential cache from the
// current sub-pixel center and width(s), and returns their outer
// product as the peak's footprint (ported from addPeak's xt/ext/yt/eyt
// computation).
func (g *GaussianEvaluator) CalcPeakShape(p *peak.Peak) residual.Shape {
	s := scratchOf(p)
	wx, wy := p.Wx, p.Wy

	if cap(s.xt) < 2*wx+1 {
		s.xt = make([]float64, 2*wx+1)
		s.ext = make([]float64, 2*wx+1)
	}
	s.xt, s.ext = s.xt[:2*wx+1], s.ext[:2*wx+1]
	for k := -wx; k <= wx; k++ {
		xt := float64(p.Xi+k) - p.Params[int(peak.XCENTER)]
		s.xt[k+wx] = xt
		s.ext[k+wx] = math.Exp(-xt * xt * p.Params[int(peak.XWIDTH)])
	}

	if cap(s.yt) < 2*wy+1 {
		s.yt = make([]float64, 2*wy+1)
		s.eyt = make([]float64, 2*wy+1)
	}
	s.yt, s.eyt = s.yt[:2*wy+1], s.eyt[:2*wy+1]
	for j := -wy; j <= wy; j++ {
		yt := float64(p.Yi+j) - p.Params[int(peak.YCENTER)]
		s.yt[j+wy] = yt
		s.eyt[j+wy] = math.Exp(-yt * yt * p.Params[int(peak.YWIDTH)])
	}

	shape := make(residual.Shape, 2*wy+1)
	for j := 0; j < 2*wy+1; j++ {
		row := make([]float64, 2*wx+1)
		e := s.eyt[j]
		for k := 0; k < 2*wx+1; k++ {
			row[k] = e * s.ext[k]
		}
		shape[j] = row
	}
	return shape
}

// CalcJH accumulates the Jacobian/Hessian for whichever submode g.Mode
// selects, ported from update2DFixed / update2D / update3D / updateZ.
func (g *GaussianEvaluator) CalcJH(p *peak.Peak, store *residual.Store, jac, hess []float64) {
	s := scratchOf(p)
	n := g.Dim()
	wx, wy := p.Wx, p.Wy
	a1 := p.Params[int(peak.HEIGHT)]

	jt := make([]float64, n)

	var gx, gy float64
	if g.Mode == peak.GaussZCoupled {
		zw := func(zp ZParams, term float64) float64 {
			z0 := (p.Params[int(peak.ZCENTER)] - zp.Params[1]) / zp.Params[2]
			z1 := z0 * z0
			zt := 2.0*z0 + 3.0*zp.Params[3]*z1 + 4.0*zp.Params[4]*z1*z0
			return -2.0 * zt / (zp.Params[0] * term)
		}
		gx = zw(g.WxZ, s.wxTerm)
		gy = zw(g.WyZ, s.wyTerm)
	}

	for j := -wy; j <= wy; j++ {
		yt := s.yt[j+wy]
		eyt := s.eyt[j+wy]
		y := p.Yi + j
		base := y * store.Width
		for k := -wx; k <= wx; k++ {
			x := p.Xi + k
			m := base + x
			counts := store.BGCounts[m]
			if counts < 1 {
				counts = 1
			}
			fi := store.FData[m] + store.BGData[m]/float64(counts)
			xi := store.XData[m]
			xt := s.xt[k+wx]
			ext := s.ext[k+wx]
			eT := ext * eyt

			switch g.Mode {
			case peak.Gauss2DFixed:
				jt[0] = eT
				jt[1] = 2.0 * a1 * p.Params[int(peak.XWIDTH)] * xt * eT
				jt[2] = 2.0 * a1 * p.Params[int(peak.XWIDTH)] * yt * eT
				jt[3] = 1.0
			case peak.Gauss2DEqual:
				width := p.Params[int(peak.XWIDTH)]
				jt[0] = eT
				jt[1] = 2.0 * a1 * width * xt * eT
				jt[2] = 2.0 * a1 * width * yt * eT
				jt[3] = -a1*xt*xt*eT - a1*yt*yt*eT
				jt[4] = 1.0
			case peak.Gauss3D:
				a3 := p.Params[int(peak.XWIDTH)]
				a5 := p.Params[int(peak.YWIDTH)]
				jt[0] = eT
				jt[1] = 2.0 * a1 * a3 * xt * eT
				jt[2] = -a1 * xt * xt * eT
				jt[3] = 2.0 * a1 * a5 * yt * eT
				jt[4] = -a1 * yt * yt * eT
				jt[5] = 1.0
			case peak.GaussZCoupled:
				jt[0] = eT
				jt[1] = 2.0 * a1 * p.Params[int(peak.XWIDTH)] * xt * eT
				jt[2] = 2.0 * a1 * p.Params[int(peak.YWIDTH)] * yt * eT
				jt[3] = -a1*xt*xt*gx*eT - a1*yt*yt*gy*eT
				jt[4] = 1.0
			}

			t1 := 2.0 * (1.0 - xi/fi)
			t2 := 2.0 * xi / (fi * fi)
			for r := 0; r < n; r++ {
				jac[r] += t1 * jt[r]
				for c := r; c < n; c++ {
					hess[r*n+c] += t2 * jt[r] * jt[c]
				}
			}
		}
	}
	// Mirror the upper triangle accumulated above into the lower
	// triangle so callers can treat hess as a full symmetric matrix.
	for r := 0; r < n; r++ {
		for c := 0; c < r; c++ {
			hess[r*n+c] = hess[c*n+r]
		}
	}
}

// ApplyDelta writes delta (in this submode's active-parameter order)
// into p.Params and recomputes widths/shape, per the update*()
// functions' post-solve steps.
func (g *GaussianEvaluator) ApplyDelta(p *peak.Peak, delta []float64) (wx, wy int) {
	switch g.Mode {
	case peak.Gauss2DFixed:
		p.Params[int(peak.HEIGHT)] -= delta[0]
		p.Params[int(peak.XCENTER)] -= delta[1]
		p.Params[int(peak.YCENTER)] -= delta[2]
		p.Params[int(peak.BACKGROUND)] -= delta[3]
		return p.Wx, p.Wy
	case peak.Gauss2DEqual:
		p.Params[int(peak.HEIGHT)] -= delta[0]
		p.Params[int(peak.XCENTER)] -= delta[1]
		p.Params[int(peak.YCENTER)] -= delta[2]
		p.Params[int(peak.XWIDTH)] -= delta[3]
		// YWIDTH is tied to XWIDTH in this mode, not updated by its own
		// delta; re-deriving here keeps the coupling even when the
		// clamped driver has already written XWIDTH directly.
		p.Params[int(peak.YWIDTH)] = p.Params[int(peak.XWIDTH)]
		p.Params[int(peak.BACKGROUND)] -= delta[4]
		cfg := peak.DefaultConfig()
		nw := calcWidth(cfg, p.Params[int(peak.XWIDTH)], p.Wx)
		return nw, nw
	case peak.Gauss3D:
		p.Params[int(peak.HEIGHT)] -= delta[0]
		p.Params[int(peak.XCENTER)] -= delta[1]
		p.Params[int(peak.XWIDTH)] -= delta[2]
		p.Params[int(peak.YCENTER)] -= delta[3]
		p.Params[int(peak.YWIDTH)] -= delta[4]
		p.Params[int(peak.BACKGROUND)] -= delta[5]
		cfg := peak.DefaultConfig()
		return calcWidth(cfg, p.Params[int(peak.XWIDTH)], p.Wx), calcWidth(cfg, p.Params[int(peak.YWIDTH)], p.Wy)
	case peak.GaussZCoupled:
		p.Params[int(peak.HEIGHT)] -= delta[0]
		p.Params[int(peak.XCENTER)] -= delta[1]
		p.Params[int(peak.YCENTER)] -= delta[2]
		p.Params[int(peak.ZCENTER)] -= delta[3]
		p.Params[int(peak.BACKGROUND)] -= delta[4]
		g.calcWidthsFromZ(p)
		cfg := peak.DefaultConfig()
		return calcWidth(cfg, p.Params[int(peak.XWIDTH)], p.Wx), calcWidth(cfg, p.Params[int(peak.YWIDTH)], p.Wy)
	}
	return p.Wx, p.Wy
}

// Check validates HEIGHT/width positivity and, for the z-coupled mode,
// that ZCENTER lies in [MinZ, MaxZ], per fitDataUpdate's
// negative-height/width checks.
func (g *GaussianEvaluator) Check(p *peak.Peak, cfg peak.Config) (bool, string) {
	if p.Params[int(peak.HEIGHT)] < 0.0 {
		return false, "negative height"
	}
	if p.Params[int(peak.XWIDTH)] < 0.0 || p.Params[int(peak.YWIDTH)] < 0.0 {
		return false, "negative width"
	}
	if g.Mode == peak.GaussZCoupled {
		if p.Params[int(peak.ZCENTER)] < g.MinZ || p.Params[int(peak.ZCENTER)] > g.MaxZ {
			return false, "z outside [MinZ, MaxZ]"
		}
	}
	return true, ""
}

// ZRange clamps ZCENTER into [MinZ, MaxZ] (only meaningful for the
// z-coupled submode; a no-op otherwise).
func (g *GaussianEvaluator) ZRange(p *peak.Peak) {
	if g.Mode != peak.GaussZCoupled {
		return
	}
	p.Params[int(peak.ZCENTER)] = clampf(p.Params[int(peak.ZCENTER)], g.MinZ, g.MaxZ)
}

func clampf(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// InitPeak sets up initial widths/scratch for a freshly appended peak.
func (g *GaussianEvaluator) InitPeak(p *peak.Peak) {
	p.Model = g.Mode
	if g.Mode == peak.GaussZCoupled {
		g.calcWidthsFromZ(p)
	} else if p.Params[int(peak.XWIDTH)] <= 0 {
		w := g.InitWidth
		if w <= 0 {
			w = 1.0 / (2.0 * 1.5 * 1.5)
		}
		p.Params[int(peak.XWIDTH)] = w
		p.Params[int(peak.YWIDTH)] = w
	}
	cfg := peak.DefaultConfig()
	p.Wx = calcWidth(cfg, p.Params[int(peak.XWIDTH)], -cfg.Margin)
	p.Wy = calcWidth(cfg, p.Params[int(peak.YWIDTH)], -cfg.Margin)
	p.Scratch = &gaussianScratch{}
}

// CopyPeak deep-copies the row/column exponential cache.
func (g *GaussianEvaluator) CopyPeak(dst, src *peak.Peak) {
	s, _ := src.Scratch.(*gaussianScratch)
	if s == nil {
		dst.Scratch = &gaussianScratch{}
		return
	}
	cp := &gaussianScratch{
		xt: append([]float64(nil), s.xt...), ext: append([]float64(nil), s.ext...),
		yt: append([]float64(nil), s.yt...), eyt: append([]float64(nil), s.eyt...),
		wxTerm: s.wxTerm, wyTerm: s.wyTerm,
	}
	dst.Scratch = cp
}
