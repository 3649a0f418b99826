// Pupil-function PSF evaluator: the peak shape and its x/y/z
// derivatives are obtained by inverse-transforming a complex pupil
// function (stored in k-space) with linear phase ramps for lateral
// shift and a quadratic defocus phase for dz, per
// pupilfn/pupil_fit.h's pupilPeak/pupilFit layout.
//
// The retrieved pack's only FFT library (github.com/cwbudde/algo-fft)
// exposes real-input transforms only (PlanRealT[float64,complex128]),
// not a complex-to-complex 2D transform, so the (small, Size x Size)
// inverse transform here is a direct DFT summation over math/cmplx
// (see DESIGN.md); the FFT-resampled evaluator in fftpsf.go is where
// algo-fft itself gets exercised.
package psf

import (
	"math"
	"math/cmplx"

	"github.com/cwbudde/stormfit/internal/peak"
	"github.com/cwbudde/stormfit/internal/residual"
)

// PupilFunction is the shared, read-only complex pupil sampled on a
// Size x Size k-space grid, plus the defocus kernel needed to apply an
// axial phase shift.
type PupilFunction struct {
	Size    int
	Pupil   []complex128 // Size*Size, k-space amplitude/phase
	Kx, Ky  []float64    // Size, spatial frequency per grid index
	Defocus []float64    // Size*Size, per the original's kz term
}

// pupilScratch caches the complex shape and its x/y/z derivative
// grids over the peak's current bounding box.
type pupilScratch struct {
	r             []float64 // intensity shape, flattened
	dxr, dyr, dzr []float64
}

// PupilEvaluator implements Evaluator against a shared PupilFunction.
type PupilEvaluator struct {
	Fn       *PupilFunction
	MinZ     float64
	MaxZ     float64
}

var _ Evaluator = (*PupilEvaluator)(nil)

func (p *PupilEvaluator) Model() peak.Model { return peak.SampledPSF }
func (p *PupilEvaluator) Dim() int          { return len(peak.SampledPSF.ActiveParams()) }

func pupilScratchOf(p *peak.Peak) *pupilScratch {
	s, _ := p.Scratch.(*pupilScratch)
	if s == nil {
		s = &pupilScratch{}
		p.Scratch = s
	}
	return s
}

// translated returns the pupil with the lateral shift (dx, dy) and
// axial defocus dz phase factors applied, without mutating Fn.Pupil.
func (pe *PupilEvaluator) translated(dx, dy, dz float64) []complex128 {
	n := pe.Fn.Size
	out := make([]complex128, n*n)
	for iy := 0; iy < n; iy++ {
		ky := pe.Fn.Ky[iy]
		for ix := 0; ix < n; ix++ {
			kx := pe.Fn.Kx[ix]
			idx := iy*n + ix
			phase := -2.0*math.Pi*(kx*dx+ky*dy) + dz*pe.Fn.Defocus[idx]
			out[idx] = pe.Fn.Pupil[idx] * cmplx.Exp(complex(0, phase))
		}
	}
	return out
}

// idft2 inverse-transforms a Size x Size complex pupil grid onto a
// (2*wx+1) x (2*wy+1) real-space intensity patch centered in the grid,
// by direct summation (Fn.Size is small: tens of samples per axis).
func idft2(pupil []complex128, n, wx, wy int) []float64 {
	m := (2*wx + 1) * (2*wy + 1)
	out := make([]float64, m)
	scale := 1.0 / float64(n*n)
	idx := 0
	for j := -wy; j <= wy; j++ {
		for k := -wx; k <= wx; k++ {
			var acc complex128
			for iy := 0; iy < n; iy++ {
				ky := float64(iy) / float64(n)
				for ix := 0; ix < n; ix++ {
					kx := float64(ix) / float64(n)
					phase := 2.0 * math.Pi * (kx*float64(k) + ky*float64(j))
					acc += pupil[iy*n+ix] * cmplx.Exp(complex(0, phase))
				}
			}
			acc *= complex(scale, 0)
			out[idx] = real(acc)*real(acc) + imag(acc)*imag(acc)
			idx++
		}
	}
	return out
}

// CalcPeakShape transforms the translated pupil for the peak's
// current (dx, dy, dz) into the intensity shape plus the three
// derivative grids, using small finite-difference steps in k-space
// phase (cheap relative to a second inverse transform per derivative
// since the pupil grid is small).
func (pe *PupilEvaluator) CalcPeakShape(p *peak.Peak) residual.Shape {
	s := pupilScratchOf(p)
	wx, wy := p.Wx, p.Wy
	n := pe.Fn.Size

	dx := p.Params[int(peak.XCENTER)] - math.Trunc(p.Params[int(peak.XCENTER)])
	dy := p.Params[int(peak.YCENTER)] - math.Trunc(p.Params[int(peak.YCENTER)])
	dz := p.Params[int(peak.ZCENTER)]

	const h = 1e-3
	base := pe.translated(dx, dy, dz)
	plusX := pe.translated(dx+h, dy, dz)
	plusY := pe.translated(dx, dy+h, dz)
	plusZ := pe.translated(dx, dy, dz+h)

	r0 := idft2(base, n, wx, wy)
	rX := idft2(plusX, n, wx, wy)
	rY := idft2(plusY, n, wx, wy)
	rZ := idft2(plusZ, n, wx, wy)

	m := len(r0)
	if cap(s.r) < m {
		s.r, s.dxr, s.dyr, s.dzr = make([]float64, m), make([]float64, m), make([]float64, m), make([]float64, m)
	}
	s.r, s.dxr, s.dyr, s.dzr = s.r[:m], s.dxr[:m], s.dyr[:m], s.dzr[:m]
	for i := 0; i < m; i++ {
		s.r[i] = r0[i]
		s.dxr[i] = (rX[i] - r0[i]) / h
		s.dyr[i] = (rY[i] - r0[i]) / h
		s.dzr[i] = (rZ[i] - r0[i]) / h
	}

	shape := make(residual.Shape, 2*wy+1)
	idx := 0
	for j := 0; j < 2*wy+1; j++ {
		row := make([]float64, 2*wx+1)
		for k := 0; k < 2*wx+1; k++ {
			row[k] = s.r[idx]
			idx++
		}
		shape[j] = row
	}
	return shape
}

func (pe *PupilEvaluator) CalcJH(p *peak.Peak, store *residual.Store, jac, hess []float64) {
	s := pupilScratchOf(p)
	wx, wy := p.Wx, p.Wy
	a1 := p.Params[int(peak.HEIGHT)]
	n := pe.Dim()
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

			jt[0] = s.r[idx]
			jt[1] = -a1 * s.dxr[idx]
			jt[2] = -a1 * s.dyr[idx]
			jt[3] = a1 * s.dzr[idx]
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

func (pe *PupilEvaluator) ApplyDelta(p *peak.Peak, delta []float64) (wx, wy int) {
	p.Params[int(peak.HEIGHT)] -= delta[0]
	p.Params[int(peak.XCENTER)] -= delta[1]
	p.Params[int(peak.YCENTER)] -= delta[2]
	p.Params[int(peak.ZCENTER)] -= delta[3]
	p.Params[int(peak.BACKGROUND)] -= delta[4]
	return p.Wx, p.Wy
}

func (pe *PupilEvaluator) Check(p *peak.Peak, cfg peak.Config) (bool, string) {
	if p.Params[int(peak.HEIGHT)] < 0.0 {
		return false, "negative height"
	}
	z := p.Params[int(peak.ZCENTER)]
	if z < pe.MinZ || z > pe.MaxZ {
		return false, "z outside pupil defocus range"
	}
	return true, ""
}

func (pe *PupilEvaluator) ZRange(p *peak.Peak) {
	p.Params[int(peak.ZCENTER)] = clampf(p.Params[int(peak.ZCENTER)], pe.MinZ, pe.MaxZ)
}

func (pe *PupilEvaluator) InitPeak(p *peak.Peak) {
	p.Model = peak.SampledPSF
	if p.Wx == 0 {
		p.Wx = pe.Fn.Size / 4
	}
	if p.Wy == 0 {
		p.Wy = pe.Fn.Size / 4
	}
	p.Scratch = &pupilScratch{}
}

func (pe *PupilEvaluator) CopyPeak(dst, src *peak.Peak) {
	s, _ := src.Scratch.(*pupilScratch)
	if s == nil {
		dst.Scratch = &pupilScratch{}
		return
	}
	dst.Scratch = &pupilScratch{
		r:   append([]float64(nil), s.r...),
		dxr: append([]float64(nil), s.dxr...),
		dyr: append([]float64(nil), s.dyr...),
		dzr: append([]float64(nil), s.dzr...),
	}
}
