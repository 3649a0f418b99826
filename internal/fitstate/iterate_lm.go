package fitstate

import (
	"log/slog"

	"github.com/cwbudde/stormfit/internal/linalg"
	"github.com/cwbudde/stormfit/internal/peak"
)

// IterateLM runs one Levenberg-Marquardt pass (spec §4.5) over every
// RUNNING peak, in stable array order.
func (fs *FitState) IterateLM() {
	fs.NIterations++
	n := fs.Evaluator.Dim()
	jac := make([]float64, n)
	hess := make([]float64, n*n)
	damped := make([]float64, n*n)
	delta := make([]float64, n)

	for _, p := range fs.Peaks {
		if p.Status != peak.Running {
			continue
		}
		fs.stepLM(p, jac, hess, damped, delta, n)
	}

	slog.Info("fitstate: outer iteration done", "running", fs.countStatus(peak.Running),
		"converged", fs.countStatus(peak.Converged), "error", fs.countStatus(peak.Error))
}

// restorePeak resets dst's plain fields and model scratch to snapshot,
// without aliasing snapshot's backing arrays (so snapshot stays valid
// across repeated retries). Every restore happens while the peak is
// subtracted out of the residual, so the snapshot's Added flag does
// not apply.
func (fs *FitState) restorePeak(dst, snapshot *peak.Peak) {
	*dst = *snapshot
	fs.Evaluator.CopyPeak(dst, snapshot)
	dst.Added = false
}

// stepLM runs the retry-until-accept state machine for one peak.
func (fs *FitState) stepLM(p *peak.Peak, jac, hess, damped, delta []float64, n int) {
	box := fs.box(p)
	startErr, err := fs.Store.CalcError(box)
	if err != nil {
		fs.NNegFi++
		p.Status = peak.Error
		shape := fs.Evaluator.CalcPeakShape(p)
		fs.Store.SubtractPeak(box, shape)
		p.Added = false
		return
	}
	if p.Lambda == 0 {
		p.Lambda = 1.0
	}

	shape := fs.Evaluator.CalcPeakShape(p)
	snapshot := &peak.Peak{}
	*snapshot = *p
	fs.Evaluator.CopyPeak(snapshot, p)

	for i := range jac {
		jac[i] = 0
	}
	for i := range hess {
		hess[i] = 0
	}
	fs.Evaluator.CalcJH(p, fs.Store, jac, hess)
	fs.Store.SubtractPeak(box, shape)
	p.Added = false

	for retries := 0; retries < fs.Cfg.RetryBudget; retries++ {
		copy(damped, hess)
		for i := 0; i < n; i++ {
			damped[i*n+i] *= 1.0 + p.Lambda
		}
		copy(delta, jac)

		if err := linalg.SolveSPD(damped, delta, n); err != nil {
			fs.NDposv++
			lambda := p.Lambda * fs.Cfg.LambdaUp
			fs.restorePeak(p, snapshot)
			p.Lambda = lambda
			continue
		}

		lambda := p.Lambda
		p.Wx, p.Wy = fs.Evaluator.ApplyDelta(p, delta)

		if ok, reason := fs.Evaluator.Check(p, fs.Cfg); !ok {
			fs.restorePeak(p, snapshot)
			if reason == "negative height" {
				fs.NNegHeight++
			} else {
				fs.NNegWidth++
			}
			p.Lambda = lambda * fs.Cfg.LambdaUp
			continue
		}
		p.UpdateAnchor(fs.Cfg)
		if p.CheckMargin(fs.Cfg, fs.Store.Width, fs.Store.Height) {
			fs.NMargin++
			return
		}

		newShape := fs.Evaluator.CalcPeakShape(p)
		newBox := fs.box(p)
		fs.Store.AddPeak(newBox, newShape)
		p.Added = true

		newErr, err := fs.Store.CalcError(newBox)
		if err != nil {
			fs.NNegFi++
			fs.Store.SubtractPeak(newBox, newShape)
			p.Added = false
			fs.restorePeak(p, snapshot)
			p.Lambda = lambda * fs.Cfg.LambdaUp
			continue
		}

		if newErr > startErr {
			if (newErr-startErr)/startErr < fs.Tolerance {
				p.Status = peak.Converged
				p.Error, p.ErrorOld = newErr, newErr
				return
			}
			fs.Store.SubtractPeak(newBox, newShape)
			p.Added = false
			fs.restorePeak(p, snapshot)
			p.Lambda = lambda * fs.Cfg.LambdaUp
			continue
		}

		// newErr <= startErr: commit.
		if (startErr-newErr)/startErr < fs.Tolerance {
			p.Status = peak.Converged
		}
		p.Error, p.ErrorOld = newErr, newErr
		p.Lambda = lambda * fs.Cfg.LambdaDown
		return
	}

	fs.NNonDecr++
	fs.restorePeak(p, snapshot)
	p.Status = peak.Error
	p.Added = false
	slog.Debug("fitstate: LM retry budget exhausted", "index", p.Index)
}
