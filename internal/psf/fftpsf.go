// FFT-resampled PSF evaluator: a high-resolution, pre-measured PSF
// slice is shifted to a peak's fractional sub-pixel offset via the
// Fourier shift theorem (forward real FFT, multiply by a linear phase
// ramp, inverse FFT), the same fast/safe real-FFT plan fallback
// pattern the retrieved pack uses for 1D correlation (see
// other_examples' analysis-distance FFT plan cache).
package psf

import (
	"errors"
	"math"

	algofft "github.com/cwbudde/algo-fft"

	"github.com/cwbudde/stormfit/internal/peak"
	"github.com/cwbudde/stormfit/internal/residual"
)

// fftRowPlan wraps a real-FFT plan for one transform length, preferring
// the fast plan and falling back to the safe one.
type fftRowPlan struct {
	n    int
	fast *algofft.FastPlanReal64
	safe *algofft.PlanRealT[float64, complex128]
}

func newFFTRowPlan(n int) (*fftRowPlan, error) {
	p := &fftRowPlan{n: n}
	if fast, err := algofft.NewFastPlanReal64(n); err == nil {
		p.fast = fast
	} else if !errors.Is(err, algofft.ErrNotImplemented) {
		return nil, err
	}
	safe, err := algofft.NewPlanReal64(n)
	if err != nil {
		if p.fast == nil {
			return nil, err
		}
	} else {
		p.safe = safe
	}
	return p, nil
}

func (p *fftRowPlan) forward(dst []complex128, src []float64) error {
	if p.fast != nil {
		p.fast.Forward(dst, src)
		return nil
	}
	if p.safe != nil {
		return p.safe.Forward(dst, src)
	}
	return errors.New("psf: missing fft forward plan")
}

func (p *fftRowPlan) inverse(dst []float64, src []complex128) error {
	if p.fast != nil {
		p.fast.Inverse(dst, src)
		return nil
	}
	if p.safe != nil {
		return p.safe.Inverse(dst, src)
	}
	return errors.New("psf: missing fft inverse plan")
}

// shift applies a fractional-sample shift to a real row via the
// Fourier shift theorem and, when deriv is true, instead returns the
// row's derivative with respect to the shift amount.
func (p *fftRowPlan) shift(row []float64, delta float64, deriv bool) ([]float64, error) {
	spec := make([]complex128, p.n/2+1)
	if err := p.forward(spec, row); err != nil {
		return nil, err
	}
	for k := range spec {
		theta := -2.0 * math.Pi * float64(k) * delta / float64(p.n)
		ramp := complex(math.Cos(theta), math.Sin(theta))
		if deriv {
			w := -2.0 * math.Pi * float64(k) / float64(p.n)
			spec[k] = spec[k] * ramp * complex(0, w)
		} else {
			spec[k] = spec[k] * ramp
		}
	}
	out := make([]float64, p.n)
	if err := p.inverse(out, spec); err != nil {
		return nil, err
	}
	return out, nil
}

// FFTTable is a shared, read-only high-resolution PSF slice stack: Nz
// axial slices of an Ny x Nx oversampled real image, oversampled by
// Scale per pixel.
type FFTTable struct {
	Nx, Ny, Nz int
	Scale      int
	ZStep      float64
	ZMin       float64
	Data       []float64 // Nz*Ny*Nx

	rowPlan *fftRowPlan
	colPlan *fftRowPlan
}

// NewFFTTable builds the row/column FFT plans alongside the table.
func NewFFTTable(nx, ny, nz, scale int, zMin, zStep float64, data []float64) (*FFTTable, error) {
	rp, err := newFFTRowPlan(nx)
	if err != nil {
		return nil, err
	}
	cp, err := newFFTRowPlan(ny)
	if err != nil {
		return nil, err
	}
	return &FFTTable{Nx: nx, Ny: ny, Nz: nz, Scale: scale, ZMin: zMin, ZStep: zStep, Data: data, rowPlan: rp, colPlan: cp}, nil
}

func (t *FFTTable) slice(zi int) []float64 {
	if zi < 0 {
		zi = 0
	}
	if zi >= t.Nz {
		zi = t.Nz - 1
	}
	return t.Data[zi*t.Ny*t.Nx : (zi+1)*t.Ny*t.Nx]
}

// resample shifts slice zi by (dx, dy) oversampled-grid samples,
// row-then-column separably, optionally differentiating one axis.
func (t *FFTTable) resample(zi int, dxSamples, dySamples float64, axis int) ([]float64, error) {
	src := t.slice(zi)
	tmp := make([]float64, len(src))
	row := make([]float64, t.Nx)
	for y := 0; y < t.Ny; y++ {
		copy(row, src[y*t.Nx:(y+1)*t.Nx])
		shifted, err := t.rowPlan.shift(row, dxSamples, axis == 1)
		if err != nil {
			return nil, err
		}
		copy(tmp[y*t.Nx:(y+1)*t.Nx], shifted)
	}

	out := make([]float64, len(src))
	col := make([]float64, t.Ny)
	for x := 0; x < t.Nx; x++ {
		for y := 0; y < t.Ny; y++ {
			col[y] = tmp[y*t.Nx+x]
		}
		shifted, err := t.colPlan.shift(col, dySamples, axis == 2)
		if err != nil {
			return nil, err
		}
		for y := 0; y < t.Ny; y++ {
			out[y*t.Nx+x] = shifted[y]
		}
	}
	return out, nil
}

type fftScratch struct {
	val, dx, dy, dz []float64
}

// FFTEvaluator implements Evaluator against a shared FFTTable.
type FFTEvaluator struct {
	Tbl  *FFTTable
	MinZ float64
	MaxZ float64
}

var _ Evaluator = (*FFTEvaluator)(nil)

func (f *FFTEvaluator) Model() peak.Model { return peak.SampledPSF }
func (f *FFTEvaluator) Dim() int          { return len(peak.SampledPSF.ActiveParams()) }

func fftScratchOf(p *peak.Peak) *fftScratch {
	s, _ := p.Scratch.(*fftScratch)
	if s == nil {
		s = &fftScratch{}
		p.Scratch = s
	}
	return s
}

func (f *FFTEvaluator) downsample(full []float64, wx, wy int) []float64 {
	scale := f.Tbl.Scale
	cx, cy := f.Tbl.Nx/2, f.Tbl.Ny/2
	out := make([]float64, (2*wx+1)*(2*wy+1))
	idx := 0
	for j := -wy; j <= wy; j++ {
		sy := cy + j*scale
		for k := -wx; k <= wx; k++ {
			sx := cx + k*scale
			out[idx] = full[sy*f.Tbl.Nx+sx]
			idx++
		}
	}
	return out
}

// CalcPeakShape resamples the nearest axial slice at the peak's
// fractional sub-pixel offset and extracts the pixel-resolution
// bounding-box patch, caching dx/dy/dz derivative grids alongside it.
func (f *FFTEvaluator) CalcPeakShape(p *peak.Peak) residual.Shape {
	s := fftScratchOf(p)
	wx, wy := p.Wx, p.Wy

	zf := (p.Params[int(peak.ZCENTER)] - f.Tbl.ZMin) / f.Tbl.ZStep
	zi := int(math.Round(zf))

	dxFrac := p.Params[int(peak.XCENTER)] - math.Trunc(p.Params[int(peak.XCENTER)])
	dyFrac := p.Params[int(peak.YCENTER)] - math.Trunc(p.Params[int(peak.YCENTER)])
	dxSamples := dxFrac * float64(f.Tbl.Scale)
	dySamples := dyFrac * float64(f.Tbl.Scale)

	val, err := f.Tbl.resample(zi, dxSamples, dySamples, 0)
	if err != nil {
		val = f.Tbl.slice(zi)
	}
	dxFull, errX := f.Tbl.resample(zi, dxSamples, dySamples, 1)
	dyFull, errY := f.Tbl.resample(zi, dxSamples, dySamples, 2)
	if errX != nil {
		dxFull = make([]float64, len(val))
	}
	if errY != nil {
		dyFull = make([]float64, len(val))
	}

	s.val = f.downsample(val, wx, wy)
	s.dx = f.downsample(dxFull, wx, wy)
	s.dy = f.downsample(dyFull, wx, wy)

	zPlus, errZ := f.Tbl.resample(zi+1, dxSamples, dySamples, 0)
	s.dz = make([]float64, len(s.val))
	if errZ == nil {
		dzFull := f.downsample(zPlus, wx, wy)
		for i := range s.dz {
			s.dz[i] = (dzFull[i] - s.val[i]) / f.Tbl.ZStep
		}
	}

	shape := make(residual.Shape, 2*wy+1)
	idx := 0
	for j := 0; j < 2*wy+1; j++ {
		row := make([]float64, 2*wx+1)
		for k := 0; k < 2*wx+1; k++ {
			row[k] = s.val[idx]
			idx++
		}
		shape[j] = row
	}
	return shape
}

func (f *FFTEvaluator) CalcJH(p *peak.Peak, store *residual.Store, jac, hess []float64) {
	s := fftScratchOf(p)
	wx, wy := p.Wx, p.Wy
	a1 := p.Params[int(peak.HEIGHT)]
	n := f.Dim()
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

			jt[0] = s.val[idx]
			jt[1] = -a1 * s.dx[idx]
			jt[2] = -a1 * s.dy[idx]
			jt[3] = a1 * s.dz[idx]
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

func (f *FFTEvaluator) ApplyDelta(p *peak.Peak, delta []float64) (wx, wy int) {
	p.Params[int(peak.HEIGHT)] -= delta[0]
	p.Params[int(peak.XCENTER)] -= delta[1]
	p.Params[int(peak.YCENTER)] -= delta[2]
	p.Params[int(peak.ZCENTER)] -= delta[3]
	p.Params[int(peak.BACKGROUND)] -= delta[4]
	return p.Wx, p.Wy
}

func (f *FFTEvaluator) Check(p *peak.Peak, cfg peak.Config) (bool, string) {
	if p.Params[int(peak.HEIGHT)] < 0.0 {
		return false, "negative height"
	}
	z := p.Params[int(peak.ZCENTER)]
	tableMax := f.Tbl.ZMin + f.Tbl.ZStep*float64(f.Tbl.Nz-1)
	if z < f.Tbl.ZMin || z > tableMax {
		return false, "z outside fft table bounds"
	}
	return true, ""
}

func (f *FFTEvaluator) ZRange(p *peak.Peak) {
	p.Params[int(peak.ZCENTER)] = clampf(p.Params[int(peak.ZCENTER)], f.MinZ, f.MaxZ)
}

func (f *FFTEvaluator) InitPeak(p *peak.Peak) {
	p.Model = peak.SampledPSF
	p.Wx = (f.Tbl.Nx/f.Tbl.Scale - 1) / 2
	p.Wy = (f.Tbl.Ny/f.Tbl.Scale - 1) / 2
	p.Scratch = &fftScratch{}
}

func (f *FFTEvaluator) CopyPeak(dst, src *peak.Peak) {
	s, _ := src.Scratch.(*fftScratch)
	if s == nil {
		dst.Scratch = &fftScratch{}
		return
	}
	dst.Scratch = &fftScratch{
		val: append([]float64(nil), s.val...),
		dx:  append([]float64(nil), s.dx...),
		dy:  append([]float64(nil), s.dy...),
		dz:  append([]float64(nil), s.dz...),
	}
}
