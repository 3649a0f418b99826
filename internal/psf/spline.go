// Cubic-spline sampled PSF evaluator: the PSF is pre-measured on a
// regular (z, y, x) grid (built externally, spec §1 non-goal) and
// resampled at a peak's sub-pixel offset with a Catmull-Rom tricubic
// kernel, which yields the shape and all three (dx, dy, dz) derivative
// grids from one pass — no third-party tricubic-spline library
// appears anywhere in the retrieved pack, so this interpolation is
// hand-rolled (see DESIGN.md).
package psf

import (
	"github.com/cwbudde/stormfit/internal/peak"
	"github.com/cwbudde/stormfit/internal/residual"
)

// Table is a pre-built, read-only PSF sample grid shared by every peak
// in one channel: Nz axial slices of an (Ny x Nx) oversampled PSF
// image, oversampled by Scale in each pixel direction.
type Table struct {
	Nx, Ny, Nz int
	Scale      int // samples per pixel along x/y
	ZStep      float64
	ZMin       float64
	Data       []float64 // Nz*Ny*Nx, row-major within each slice
}

func (t *Table) at(zi, yi, xi int) float64 {
	zi = clampInt(zi, 0, t.Nz-1)
	yi = clampInt(yi, 0, t.Ny-1)
	xi = clampInt(xi, 0, t.Nx-1)
	return t.Data[(zi*t.Ny+yi)*t.Nx+xi]
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// cubicWeights returns the four Catmull-Rom sample weights and their
// derivative weights for fractional offset t in [0,1).
func cubicWeights(t float64) (w, dw [4]float64) {
	t2 := t * t
	t3 := t2 * t
	w[0] = -0.5*t3 + t2 - 0.5*t
	w[1] = 1.5*t3 - 2.5*t2 + 1.0
	w[2] = -1.5*t3 + 2.0*t2 + 0.5*t
	w[3] = 0.5*t3 - 0.5*t2
	dw[0] = -1.5*t2 + 2.0*t - 0.5
	dw[1] = 4.5*t2 - 5.0*t
	dw[2] = -4.5*t2 + 4.0*t + 0.5
	dw[3] = 1.5*t2 - 1.0*t
	return
}

// splineScratch caches the evaluated shape plus the three derivative
// grids for the peak's current bounding box and sub-pixel offset.
type splineScratch struct {
	val, dx, dy, dz []float64 // (2*wy+1)*(2*wx+1), row-major
}

// SplineEvaluator implements Evaluator against a shared Table.
type SplineEvaluator struct {
	Tbl  *Table
	MinZ float64
	MaxZ float64
}

var _ Evaluator = (*SplineEvaluator)(nil)

func (s *SplineEvaluator) Model() peak.Model { return peak.SampledPSF }
func (s *SplineEvaluator) Dim() int          { return len(peak.SampledPSF.ActiveParams()) }

func splineScratchOf(p *peak.Peak) *splineScratch {
	sc, _ := p.Scratch.(*splineScratch)
	if sc == nil {
		sc = &splineScratch{}
		p.Scratch = sc
	}
	return sc
}

// sample evaluates the table and its z-derivative at fractional pixel
// offset (fx, fy) and axial position z (in the same units as ZMin and
// ZStep; converted to a slice index internally), returning value,
// d/dfx, d/dfy, d/dz.
func (s *SplineEvaluator) sample(z, fx, fy float64) (v, dvdx, dvdy, dvdz float64) {
	zf := (z - s.Tbl.ZMin) / s.Tbl.ZStep
	z0 := int(zf)
	zt := zf - float64(z0)

	ix := fx * float64(s.Tbl.Scale)
	iy := fy * float64(s.Tbl.Scale)
	x0 := int(ix)
	y0 := int(iy)
	wx, dwx := cubicWeights(ix - float64(x0))
	wy, dwy := cubicWeights(iy - float64(y0))

	var lo, hi float64
	var dloX, dhiX, dloY, dhiY float64
	for dy := 0; dy < 4; dy++ {
		var rowLo, rowHi, drowLoX, drowHiX float64
		for dx := 0; dx < 4; dx++ {
			vlo := s.Tbl.at(z0, y0+dy-1, x0+dx-1)
			vhi := s.Tbl.at(z0+1, y0+dy-1, x0+dx-1)
			rowLo += wx[dx] * vlo
			rowHi += wx[dx] * vhi
			drowLoX += dwx[dx] * vlo
			drowHiX += dwx[dx] * vhi
		}
		lo += wy[dy] * rowLo
		hi += wy[dy] * rowHi
		dloX += wy[dy] * drowLoX
		dhiX += wy[dy] * drowHiX
		dloY += dwy[dy] * rowLo
		dhiY += dwy[dy] * rowHi
	}

	v = lo*(1-zt) + hi*zt
	dvdx = (dloX*(1-zt) + dhiX*zt) * float64(s.Tbl.Scale)
	dvdy = (dloY*(1-zt) + dhiY*zt) * float64(s.Tbl.Scale)
	dvdz = (hi - lo) / s.Tbl.ZStep
	return
}

// CalcPeakShape fills the shape and dx/dy/dz scratch grids in one
// pass and returns the shape.
func (s *SplineEvaluator) CalcPeakShape(p *peak.Peak) residual.Shape {
	sc := splineScratchOf(p)
	wx, wy := p.Wx, p.Wy
	n := (2*wx + 1) * (2*wy + 1)
	if cap(sc.val) < n {
		sc.val = make([]float64, n)
		sc.dx = make([]float64, n)
		sc.dy = make([]float64, n)
		sc.dz = make([]float64, n)
	}
	sc.val, sc.dx, sc.dy, sc.dz = sc.val[:n], sc.dx[:n], sc.dy[:n], sc.dz[:n]

	cx := p.Params[int(peak.XCENTER)]
	cy := p.Params[int(peak.YCENTER)]
	cz := p.Params[int(peak.ZCENTER)]

	shape := make(residual.Shape, 2*wy+1)
	idx := 0
	for j := -wy; j <= wy; j++ {
		row := make([]float64, 2*wx+1)
		y := float64(p.Yi+j) - cy + float64(wy+1)
		for k := -wx; k <= wx; k++ {
			x := float64(p.Xi+k) - cx + float64(wx+1)
			v, dvx, dvy, dvz := s.sample(cz, x, y)
			row[k+wx] = v
			sc.val[idx] = v
			sc.dx[idx] = dvx
			sc.dy[idx] = dvy
			sc.dz[idx] = dvz
			idx++
		}
		shape[j+wy] = row
	}
	return shape
}

// CalcJH accumulates the Jacobian/Hessian using the cached derivative
// grids: HEIGHT, XCENTER, YCENTER, ZCENTER, BACKGROUND in that order,
// mirroring spec §4.3.b's shared consumption of shape+dx/dy/dz.
func (s *SplineEvaluator) CalcJH(p *peak.Peak, store *residual.Store, jac, hess []float64) {
	sc := splineScratchOf(p)
	wx, wy := p.Wx, p.Wy
	a1 := p.Params[int(peak.HEIGHT)]
	n := s.Dim()
	jt := make([]float64, n)

	idx := 0
	for j := -wy; j <= wy; j++ {
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

			jt[0] = sc.val[idx]
			jt[1] = -a1 * sc.dx[idx]
			jt[2] = -a1 * sc.dy[idx]
			jt[3] = a1 * sc.dz[idx]
			jt[4] = 1.0

			t1 := 2.0 * (1.0 - xi/fi)
			t2 := 2.0 * xi / (fi * fi)
			for r := 0; r < n; r++ {
				jac[r] += t1 * jt[r]
				for c := r; c < n; c++ {
					hess[r*n+c] += t2 * jt[r] * jt[c]
				}
			}
			idx++
		}
	}
	for r := 0; r < n; r++ {
		for c := 0; c < r; c++ {
			hess[r*n+c] = hess[c*n+r]
		}
	}
}

// ApplyDelta applies the update in (HEIGHT, XCENTER, YCENTER, ZCENTER,
// BACKGROUND) order; the bounding box for a sampled PSF is fixed by
// the table's support, not recomputed from a width parameter.
func (s *SplineEvaluator) ApplyDelta(p *peak.Peak, delta []float64) (wx, wy int) {
	p.Params[int(peak.HEIGHT)] -= delta[0]
	p.Params[int(peak.XCENTER)] -= delta[1]
	p.Params[int(peak.YCENTER)] -= delta[2]
	p.Params[int(peak.ZCENTER)] -= delta[3]
	p.Params[int(peak.BACKGROUND)] -= delta[4]
	return p.Wx, p.Wy
}

// Check validates HEIGHT and the z-range against both the evaluator's
// clamp and the table's own axial extent.
func (s *SplineEvaluator) Check(p *peak.Peak, cfg peak.Config) (bool, string) {
	if p.Params[int(peak.HEIGHT)] < 0.0 {
		return false, "negative height"
	}
	z := p.Params[int(peak.ZCENTER)]
	tableMax := s.Tbl.ZMin + s.Tbl.ZStep*float64(s.Tbl.Nz-1)
	if z < s.Tbl.ZMin || z > tableMax {
		return false, "z outside spline table bounds"
	}
	return true, ""
}

func (s *SplineEvaluator) ZRange(p *peak.Peak) {
	p.Params[int(peak.ZCENTER)] = clampf(p.Params[int(peak.ZCENTER)], s.MinZ, s.MaxZ)
}

// InitPeak sizes the initial bounding box from the table's pixel
// footprint (Nx/Scale, Ny/Scale), halved.
func (s *SplineEvaluator) InitPeak(p *peak.Peak) {
	p.Model = peak.SampledPSF
	p.Wx = (s.Tbl.Nx/s.Tbl.Scale - 1) / 2
	p.Wy = (s.Tbl.Ny/s.Tbl.Scale - 1) / 2
	p.Scratch = &splineScratch{}
}

func (s *SplineEvaluator) CopyPeak(dst, src *peak.Peak) {
	sc, _ := src.Scratch.(*splineScratch)
	if sc == nil {
		dst.Scratch = &splineScratch{}
		return
	}
	dst.Scratch = &splineScratch{
		val: append([]float64(nil), sc.val...),
		dx:  append([]float64(nil), sc.dx...),
		dy:  append([]float64(nil), sc.dy...),
		dz:  append([]float64(nil), sc.dz...),
	}
}
