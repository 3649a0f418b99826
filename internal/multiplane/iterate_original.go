package multiplane

import "github.com/cwbudde/stormfit/internal/peak"

// IterateOriginal runs the clamped single-channel driver independently
// on every channel, then re-synchronizes each logical emitter's
// status, ZCENTER and (in fixed-height mode) HEIGHT from channel 0
// across its peers, preserving the invariant spec §8 requires after
// any complete multi-plane outer step. Spec §4.6 only works out the
// coordinated update rule for the LM variant; this mirrors it in
// simplified form for the clamped driver.
func (c *Coordinator) IterateOriginal() {
	for _, ch := range c.Channels {
		ch.FS.IterateOriginal()
	}

	for g := 0; g < nGroups(c); g++ {
		peers := c.group(g)
		ch0 := peers[0]

		errored := false
		for _, p := range peers {
			if p.Status == peak.Error {
				errored = true
				break
			}
		}
		if errored {
			for ci, ch := range c.Channels {
				p := peers[ci]
				if p.Added {
					shape := ch.FS.Evaluator.CalcPeakShape(p)
					ch.FS.Store.SubtractPeak(box(p), shape)
					p.Added = false
				}
				p.Status = peak.Error
			}
			continue
		}

		for ci, ch := range c.Channels {
			p := peers[ci]
			p.Status = ch0.Status
			if ci == 0 {
				continue
			}

			same := p.Params[peak.ZCENTER] == ch0.Params[peak.ZCENTER] &&
				(!c.FixedHeight || p.Params[peak.HEIGHT] == ch0.Params[peak.HEIGHT])
			if same {
				continue
			}

			// The peak's shape in the residual was rendered from its old
			// parameters; subtract it before overwriting them, then
			// re-render and re-add so the store stays consistent.
			if p.Added {
				shape := ch.FS.Evaluator.CalcPeakShape(p)
				ch.FS.Store.SubtractPeak(box(p), shape)
				p.Added = false
			}

			p.Params[peak.ZCENTER] = ch0.Params[peak.ZCENTER]
			if c.FixedHeight {
				p.Params[peak.HEIGHT] = ch0.Params[peak.HEIGHT]
			}
			p.Wx, p.Wy = ch.FS.Evaluator.ApplyDelta(p, zeroDelta(ch.FS.Evaluator.Dim()))

			shape := ch.FS.Evaluator.CalcPeakShape(p)
			ch.FS.Store.AddPeak(box(p), shape)
			p.Added = true
			if l, err := ch.FS.Store.CalcError(box(p)); err == nil {
				p.Error, p.ErrorOld = l, l
			}
		}
	}
}
