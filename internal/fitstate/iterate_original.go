package fitstate

import (
	"log/slog"
	"math"

	"github.com/cwbudde/stormfit/internal/linalg"
	"github.com/cwbudde/stormfit/internal/peak"
	"github.com/cwbudde/stormfit/internal/psf"
)

// IterateOriginal runs one outer pass of the clamped fixed-damping
// driver (spec §4.4) over every RUNNING peak, in stable array order.
func (fs *FitState) IterateOriginal() {
	fs.NIterations++
	n := fs.Evaluator.Dim()
	jac := make([]float64, n)
	hess := make([]float64, n*n)
	delta := make([]float64, n)

	for _, p := range fs.Peaks {
		if p.Status != peak.Running {
			continue
		}
		fs.stepOriginal(p, jac, hess, delta, n)
	}

	for _, p := range fs.Peaks {
		if p.Status != peak.Running {
			continue
		}
		fs.convergeOriginal(p)
	}

	slog.Info("fitstate: outer iteration done", "running", fs.countStatus(peak.Running),
		"converged", fs.countStatus(peak.Converged), "error", fs.countStatus(peak.Error))
}

func (fs *FitState) countStatus(s peak.Status) int {
	n := 0
	for _, p := range fs.Peaks {
		if p.Status == s {
			n++
		}
	}
	return n
}

func (fs *FitState) stepOriginal(p *peak.Peak, jac, hess, delta []float64, n int) {
	for i := range jac {
		jac[i] = 0
	}
	for i := range hess {
		hess[i] = 0
	}

	fs.Evaluator.CalcJH(p, fs.Store, jac, hess)

	box := fs.box(p)
	shape := fs.Evaluator.CalcPeakShape(p)
	fs.Store.SubtractPeak(box, shape)
	p.Added = false

	copy(delta, jac)
	if err := linalg.SolveSPD(hess, delta, n); err != nil {
		fs.NDposv++
		p.Status = peak.Error
		slog.Debug("fitstate: solver failure", "index", p.Index, "err", err)
		return
	}

	order := psf.ParamOrder(p.Model)
	for i, par := range order {
		clamped := delta[i] / (1.0 + math.Abs(delta[i])/p.Clamp[int(par)])
		newSign := 1
		if clamped < 0 {
			newSign = -1
		}
		if p.Sign[int(par)] != 0 && p.Sign[int(par)] != newSign {
			p.Clamp[int(par)] *= 0.5
		}
		p.Sign[int(par)] = newSign
		p.Params[int(par)] -= clamped
	}

	// The clamp loop above already wrote the damped delta into
	// p.Params; ApplyDelta is called with an all-zero vector purely to
	// re-derive width-coupled state (tied widths, width-from-z) from
	// the params it just updated, and to report the refreshed box.
	p.Wx, p.Wy = fs.Evaluator.ApplyDelta(p, zeroDelta(n))
	p.UpdateAnchor(fs.Cfg)

	if p.CheckMargin(fs.Cfg, fs.Store.Width, fs.Store.Height) {
		fs.NMargin++
		return
	}
	if ok, reason := fs.Evaluator.Check(p, fs.Cfg); !ok {
		if reason == "negative height" {
			fs.NNegHeight++
		} else {
			fs.NNegWidth++
		}
		p.Status = peak.Error
		return
	}

	newShape := fs.Evaluator.CalcPeakShape(p)
	newBox := fs.box(p)
	fs.Store.AddPeak(newBox, newShape)
	p.Added = true
}

func (fs *FitState) convergeOriginal(p *peak.Peak) {
	box := fs.box(p)
	l, err := fs.Store.CalcError(box)
	if err != nil {
		fs.NNegFi++
		shape := fs.Evaluator.CalcPeakShape(p)
		fs.Store.SubtractPeak(box, shape)
		p.Added = false
		p.Status = peak.Error
		return
	}

	if p.ErrorOld != 0 && math.Abs(l-p.ErrorOld)/math.Abs(p.ErrorOld) < fs.Tolerance {
		p.Status = peak.Converged
	}
	p.Error = l
	p.ErrorOld = l
}

func zeroDelta(n int) []float64 {
	return make([]float64, n)
}
