// Package fitstate drives one channel's peaks to convergence against
// its residual.Store, via the evaluator capability in internal/psf.
// Mirrors the teacher's pipeline.go stage structure (Optimize* methods
// walking a slice and logging per-step outcomes via slog) generalized
// from circle fitting to multi-peak PSF fitting.
package fitstate

import (
	"log/slog"

	"github.com/cwbudde/stormfit/internal/peak"
	"github.com/cwbudde/stormfit/internal/psf"
	"github.com/cwbudde/stormfit/internal/residual"
)

// FitState owns one channel's residual store, peak array, PSF
// evaluator and numeric tolerance, per spec §6's initialize().
type FitState struct {
	Store     *residual.Store
	Evaluator psf.Evaluator
	Peaks     []*peak.Peak
	Cfg       peak.Config
	Tolerance float64

	// ClampStart is the initial clamp vector applied to every new peak
	// (spec §6: "clamp entries correspond to the seven parameters").
	ClampStart [int(peak.NFitting)]float64

	// Error counters, spec §7, plus the outer-pass count.
	NDposv, NMargin, NNegHeight, NNegWidth, NNegFi, NNonDecr int
	NIterations                                              int

	nextIndex int
}

// Initialize constructs a FitState for a w x h channel image with the
// given sCMOS variance term (gain-normalized; nil for none) and clamp
// vector.
func Initialize(w, h int, scmosVariance []float64, clampStart [int(peak.NFitting)]float64, tolerance float64, ev psf.Evaluator) *FitState {
	return &FitState{
		Store:      residual.New(w, h, scmosVariance),
		Evaluator:  ev,
		Cfg:        peak.DefaultConfig(),
		Tolerance:  tolerance,
		ClampStart: clampStart,
	}
}

// NewImage supplies the next frame's pixels, per spec §6 new_image.
func (fs *FitState) NewImage(pixels []float64) {
	fs.Store.NewImage(pixels)
	for _, p := range fs.Peaks {
		p.Added = false
	}
	fs.Peaks = fs.Peaks[:0]
}

// NewPeakSeed is one candidate's starting parameters, in Param order;
// unset entries default to zero.
type NewPeakSeed struct {
	Params [int(peak.NFitting)]float64
}

// NewPeaks appends candidates, initializing each via the evaluator and
// adding it to the residual if it passes the margin/geometry checks,
// per spec §6 new_peaks and §4.7.
func (fs *FitState) NewPeaks(seeds []NewPeakSeed) {
	for _, seed := range seeds {
		p := &peak.Peak{
			Index:  fs.nextIndex,
			Status: peak.Running,
			Params: seed.Params,
		}
		fs.nextIndex++
		p.Xi = int(p.Params[peak.XCENTER])
		p.Yi = int(p.Params[peak.YCENTER])
		p.ResetClamp(fs.ClampStart)

		fs.Evaluator.InitPeak(p)
		if p.CheckMargin(fs.Cfg, fs.Store.Width, fs.Store.Height) {
			fs.NMargin++
			fs.Peaks = append(fs.Peaks, p)
			continue
		}
		if ok, reason := fs.Evaluator.Check(p, fs.Cfg); !ok {
			p.Status = peak.Error
			slog.Debug("fitstate: new peak rejected", "index", p.Index, "reason", reason)
			fs.Peaks = append(fs.Peaks, p)
			continue
		}

		shape := fs.Evaluator.CalcPeakShape(p)
		box := residual.Box{Xi: p.Xi, Yi: p.Yi, Wx: p.Wx, Wy: p.Wy, Height: p.Params[peak.HEIGHT], Bg: p.Params[peak.BACKGROUND]}
		fs.Store.AddPeak(box, shape)
		p.Added = true

		if l, err := fs.Store.CalcError(box); err == nil {
			p.Error, p.ErrorOld = l, l
		} else {
			fs.NNegFi++
			fs.Store.SubtractPeak(box, shape)
			p.Added = false
			p.Status = peak.Error
		}
		fs.Peaks = append(fs.Peaks, p)
	}
}

// GetUnconverged returns the number of peaks still RUNNING, per spec
// §6 get_unconverged.
func (fs *FitState) GetUnconverged() int {
	n := 0
	for _, p := range fs.Peaks {
		if p.Status == peak.Running {
			n++
		}
	}
	return n
}

// Result is one harvested peak record, per spec §6 get_results (the
// n*9 wide form: seven fitting parameters plus status and error).
type Result struct {
	Params [int(peak.NFitting)]float64
	Status peak.Status
	Error  float64
}

// GetResults harvests every peak's current state.
func (fs *FitState) GetResults() []Result {
	out := make([]Result, len(fs.Peaks))
	for i, p := range fs.Peaks {
		out[i] = Result{Params: p.Params, Status: p.Status, Error: p.Error}
	}
	return out
}

// GetResidual harvests the current per-pixel modeled rate.
func (fs *FitState) GetResidual(out []float64) {
	fs.Store.GetResidual(out)
}

func (fs *FitState) box(p *peak.Peak) residual.Box {
	return residual.Box{Xi: p.Xi, Yi: p.Yi, Wx: p.Wx, Wy: p.Wy, Height: p.Params[peak.HEIGHT], Bg: p.Params[peak.BACKGROUND]}
}
