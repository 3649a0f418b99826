// Package multiplane coordinates several single-channel fitstate.FitState
// instances that track one shared population of emitters viewed
// through different optical channels, ported from
// storm_analysis/multi_plane/mp_fit.c's mpFit/mpUpdate/mpIterateLM.
//
// Every logical emitter g has one peak per channel, at the same index
// in each channel's FitState.Peaks. Under IterateLM the coordinator
// subtracts, solves, and re-adds every peer in lockstep; IterateOriginal
// instead runs each channel's own clamped driver and then
// re-synchronizes the peers of every group.
package multiplane

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/cwbudde/stormfit/internal/fitstate"
	"github.com/cwbudde/stormfit/internal/linalg"
	"github.com/cwbudde/stormfit/internal/peak"
	"github.com/cwbudde/stormfit/internal/residual"
)

// Affine holds the three coefficients (const, y-linear, x-linear) of
// one coordinate map, per spec §9: "the affine arrays... encode
// (const, y-linear, x-linear)".
type Affine [3]float64

// Apply evaluates const + y*YLinear + x*XLinear.
func (a Affine) Apply(x, y float64) float64 {
	return a[0] + a[1]*y + a[2]*x
}

// Channel is one optical channel's fit state plus its affine maps
// to/from the channel-0 coordinate frame.
type Channel struct {
	FS *fitstate.FitState

	// Forward: channel-0 coordinates -> this channel's coordinates.
	XTo, YTo Affine
	// Inverse: this channel's coordinates -> channel-0 coordinates.
	XFrom, YFrom Affine
}

// Coordinator ties N channels together with shared z-dependent weight
// tables, per spec §4.6/§4.6.a.
type Coordinator struct {
	Channels []*Channel

	// Weight tables, each indexed [zBin*nChannels + channel].
	WBg, WH, WX, WY, WZ []float64
	ZSize               int
	ZOffset, ZScale      float64

	FixedHeight bool
	Cfg         peak.Config
	Tolerance   float64

	// heights[c] caches channel c's latest fitted HEIGHT for use as
	// the independent-height weighting factor h_c.
	heights []float64
}

// MPInitialize builds a Coordinator over already-constructed channel
// fit states (one initialize() call per channel has already happened).
func MPInitialize(tolerance float64, fixedHeight bool, channels ...*Channel) *Coordinator {
	heights := make([]float64, len(channels))
	for i := range heights {
		heights[i] = 1.0
	}
	return &Coordinator{
		Channels:    channels,
		FixedHeight: fixedHeight,
		Cfg:         peak.DefaultConfig(),
		Tolerance:   tolerance,
		heights:     heights,
	}
}

// SetTransforms installs the forward/inverse affine maps per channel,
// spec §6 mp_set_transforms.
func (c *Coordinator) SetTransforms(xTo, yTo, xFrom, yFrom []Affine) {
	for i, ch := range c.Channels {
		ch.XTo, ch.YTo = xTo[i], yTo[i]
		ch.XFrom, ch.YFrom = xFrom[i], yFrom[i]
	}
}

// SetWeights installs the z-dependent per-channel weight tables, spec
// §6 mp_set_weights. Each table is zSize*nChannels long.
func (c *Coordinator) SetWeights(wBg, wH, wX, wY, wZ []float64, zSize int) {
	c.WBg, c.WH, c.WX, c.WY, c.WZ = wBg, wH, wX, wY, wZ
	c.ZSize = zSize
}

// SetWeightsIndexing installs the z-to-weight-bin affine map, spec §6
// mp_set_weights_indexing.
func (c *Coordinator) SetWeightsIndexing(zOffset, zScale float64) {
	c.ZOffset, c.ZScale = zOffset, zScale
}

func (c *Coordinator) zBin(zCenter float64) int {
	zi := int(c.ZScale * (zCenter - c.ZOffset))
	if zi < 0 {
		zi = 0
	}
	if zi >= c.ZSize {
		zi = c.ZSize - 1
	}
	return zi
}

func box(p *peak.Peak) residual.Box {
	return residual.Box{Xi: p.Xi, Yi: p.Yi, Wx: p.Wx, Wy: p.Wy, Height: p.Params[peak.HEIGHT], Bg: p.Params[peak.BACKGROUND]}
}

// NewPeaks appends one logical emitter per (x, y, z) triple, mapping
// channel 0's coordinates into every other channel with the forward
// affine, per spec §4.7.
func (c *Coordinator) NewPeaks(x, y, z, height, bg []float64) {
	n := len(x)
	for i := 0; i < n; i++ {
		for ci, ch := range c.Channels {
			var seed fitstate.NewPeakSeed
			if ci == 0 {
				seed.Params[peak.XCENTER] = x[i]
				seed.Params[peak.YCENTER] = y[i]
			} else {
				// Intentional axis swap (spec §9): the forward map produces
				// XCENTER from the y-indexed affine (YTo) and YCENTER from
				// the x-indexed affine (XTo), mirroring the inverse-direction
				// swap in applyGroupUpdate below; do not "fix" this to use
				// XTo for x.
				seed.Params[peak.XCENTER] = ch.YTo.Apply(x[i], y[i])
				seed.Params[peak.YCENTER] = ch.XTo.Apply(x[i], y[i])
			}
			seed.Params[peak.ZCENTER] = z[i]
			seed.Params[peak.HEIGHT] = height[i]
			seed.Params[peak.BACKGROUND] = bg[i]
			ch.FS.NewPeaks([]fitstate.NewPeakSeed{seed})
		}
		c.syncNewGroup(len(c.Channels[0].FS.Peaks) - 1)
	}
}

// syncNewGroup applies the §4.7 post-initialization protocol to the
// logical emitter at peak index idx: any per-channel ERROR promotes the
// whole group to ERROR with the non-error peers subtracted out, and in
// fixed-height mode the group's HEIGHT is reset to the channel mean
// with the peaks re-added and their errors recomputed.
func (c *Coordinator) syncNewGroup(idx int) {
	peers := c.group(idx)

	groupError := false
	for _, p := range peers {
		if p.Status == peak.Error {
			groupError = true
			break
		}
	}
	if groupError {
		for ci, ch := range c.Channels {
			p := peers[ci]
			if p.Added {
				shape := ch.FS.Evaluator.CalcPeakShape(p)
				ch.FS.Store.SubtractPeak(box(p), shape)
				p.Added = false
			}
			p.Status = peak.Error
		}
		return
	}

	if c.FixedHeight {
		sum := 0.0
		for _, p := range peers {
			sum += p.Params[peak.HEIGHT]
		}
		mean := sum / float64(len(c.Channels))
		for ci, ch := range c.Channels {
			p := peers[ci]
			shape := ch.FS.Evaluator.CalcPeakShape(p)
			ch.FS.Store.SubtractPeak(box(p), shape)
			p.Added = false
			p.Params[peak.HEIGHT] = mean
			shape = ch.FS.Evaluator.CalcPeakShape(p)
			ch.FS.Store.AddPeak(box(p), shape)
			p.Added = true
			if l, err := ch.FS.Store.CalcError(box(p)); err == nil {
				p.Error, p.ErrorOld = l, l
			}
		}
	}
}

// NewPeaksKind appends candidates from a flat record array, per spec §6
// mp_new_peaks: channel 0 consumes the records directly and every other
// channel receives a copy with (x, y) pushed through its forward affine
// map, then each new group is synchronized. The record width follows
// the kind, as in fitstate.NewPeaksRaw.
func (c *Coordinator) NewPeaksKind(params []float64, kind fitstate.PeakKind, n int) error {
	if n <= 0 || len(c.Channels) == 0 {
		return nil
	}
	if len(params)%n != 0 {
		return fmt.Errorf("multiplane: NewPeaksKind: %d values do not divide into %d records", len(params), n)
	}
	stride := len(params) / n
	start := len(c.Channels[0].FS.Peaks)

	// 3- and 5-wide records lead with (x, y); the 9-wide full record
	// carries them at the XCENTER/YCENTER enum offsets.
	xOff, yOff := 0, 1
	if stride == peak.NPeakPar {
		xOff, yOff = int(peak.XCENTER), int(peak.YCENTER)
	}

	for ci, ch := range c.Channels {
		recs := params
		if ci > 0 {
			recs = append([]float64(nil), params...)
			for j := 0; j < n; j++ {
				k := j * stride
				tx, ty := params[k+xOff], params[k+yOff]
				// Intentional axis swap (spec §9), as in NewPeaks above.
				recs[k+xOff] = ch.YTo.Apply(tx, ty)
				recs[k+yOff] = ch.XTo.Apply(tx, ty)
			}
		}
		if err := ch.FS.NewPeaksRaw(recs, kind, n); err != nil {
			return err
		}
	}

	for i := start; i < start+n; i++ {
		c.syncNewGroup(i)
	}
	return nil
}

// group returns the i-th peak from every channel.
func (c *Coordinator) group(i int) []*peak.Peak {
	peers := make([]*peak.Peak, len(c.Channels))
	for ci, ch := range c.Channels {
		peers[ci] = ch.FS.Peaks[i]
	}
	return peers
}

func nGroups(c *Coordinator) int {
	if len(c.Channels) == 0 {
		return 0
	}
	return len(c.Channels[0].FS.Peaks)
}

// IterateLM runs one coordinated Levenberg-Marquardt pass over every
// logical emitter whose channel-0 peak is RUNNING, per spec §4.6.
func (c *Coordinator) IterateLM() {
	for g := 0; g < nGroups(c); g++ {
		peers := c.group(g)
		if peers[0].Status != peak.Running {
			continue
		}
		c.stepGroupLM(peers)
	}
}

func (c *Coordinator) stepGroupLM(peers []*peak.Peak) {
	nc := len(c.Channels)
	n := c.Channels[0].FS.Evaluator.Dim() // 5: HEIGHT, XCENTER, YCENTER, ZCENTER, BACKGROUND

	startErr := 0.0
	for ci, ch := range c.Channels {
		l, err := ch.FS.Store.CalcError(box(peers[ci]))
		if err != nil {
			c.abortGroup(peers, "initial calc_error failure")
			return
		}
		startErr += l
	}

	snapshots := make([]*peak.Peak, nc)
	jacs := make([][]float64, nc)
	hesss := make([][]float64, nc)
	for ci, ch := range c.Channels {
		p := peers[ci]
		snap := &peak.Peak{}
		*snap = *p
		ch.FS.Evaluator.CopyPeak(snap, p)
		snapshots[ci] = snap

		if p.Lambda == 0 {
			p.Lambda = 1.0
		}

		shape := ch.FS.Evaluator.CalcPeakShape(p)
		jac := make([]float64, n)
		hess := make([]float64, n*n)
		ch.FS.Evaluator.CalcJH(p, ch.FS.Store, jac, hess)
		ch.FS.Store.SubtractPeak(box(p), shape)
		p.Added = false
		jacs[ci], hesss[ci] = jac, hess
	}

	deltas := make([][]float64, nc)
	damped := make([]float64, n*n)

	for retries := 0; retries < c.Cfg.RetryBudget; retries++ {
		for ci := range peers {
			peers[ci].Status = peak.Running
		}

		failed := false
		for ci, ch := range c.Channels {
			copy(damped, hesss[ci])
			for i := 0; i < n; i++ {
				damped[i*n+i] *= 1.0 + peers[ci].Lambda
			}
			d := make([]float64, n)
			copy(d, jacs[ci])
			if err := linalg.SolveSPD(damped, d, n); err != nil {
				ch.FS.NDposv++
				failed = true
				break
			}
			deltas[ci] = d
		}
		if failed {
			c.bumpLambdaUp(peers)
			continue
		}

		c.applyGroupUpdate(peers, deltas)

		checkFailed := false
		for ci, ch := range c.Channels {
			if ok, reason := ch.FS.Evaluator.Check(peers[ci], c.Cfg); !ok {
				slog.Debug("multiplane: per-channel check failed", "channel", ci, "reason", reason)
				checkFailed = true
				break
			}
		}
		if checkFailed {
			c.restoreGroup(peers, snapshots)
			c.bumpLambdaUp(peers)
			continue
		}

		for ci := range peers {
			peers[ci].UpdateAnchor(c.Cfg)
		}

		newErr := 0.0
		for ci, ch := range c.Channels {
			p := peers[ci]
			shape := ch.FS.Evaluator.CalcPeakShape(p)
			ch.FS.Store.AddPeak(box(p), shape)
			p.Added = true
			l, err := ch.FS.Store.CalcError(box(p))
			if err != nil {
				ch.FS.NNegFi++
				ch.FS.Store.SubtractPeak(box(p), shape)
				p.Added = false
				newErr = math.Inf(1)
				continue
			}
			newErr += l
		}

		if math.IsInf(newErr, 1) {
			for ci, ch := range c.Channels {
				p := peers[ci]
				if p.Added {
					shape := ch.FS.Evaluator.CalcPeakShape(p)
					ch.FS.Store.SubtractPeak(box(p), shape)
					p.Added = false
				}
			}
			c.restoreGroup(peers, snapshots)
			c.bumpLambdaUp(peers)
			continue
		}

		if newErr > startErr {
			if (newErr-startErr)/startErr < c.Tolerance {
				c.commitGroup(peers, newErr)
				assertAdded(peers, nc)
				return
			}
			for ci, ch := range c.Channels {
				p := peers[ci]
				shape := ch.FS.Evaluator.CalcPeakShape(p)
				ch.FS.Store.SubtractPeak(box(p), shape)
				p.Added = false
			}
			c.restoreGroup(peers, snapshots)
			c.bumpLambdaUp(peers)
			continue
		}

		converged := (startErr-newErr)/startErr < c.Tolerance
		c.commitGroupWithLambdaDown(peers, newErr, converged)
		assertAdded(peers, nc)
		return
	}

	for _, ch := range c.Channels {
		ch.FS.NNonDecr++
	}
	c.abortGroup(peers, "LM retry budget exhausted")
	assertAdded(peers, 0)
}

func (c *Coordinator) bumpLambdaUp(peers []*peak.Peak) {
	for _, p := range peers {
		p.Lambda *= c.Cfg.LambdaUp
	}
}

// restoreGroup is only called while every peer is subtracted out of
// its residual, so the snapshot's Added flag does not apply.
func (c *Coordinator) restoreGroup(peers []*peak.Peak, snapshots []*peak.Peak) {
	for ci, ch := range c.Channels {
		lambda := peers[ci].Lambda
		*peers[ci] = *snapshots[ci]
		ch.FS.Evaluator.CopyPeak(peers[ci], snapshots[ci])
		peers[ci].Lambda = lambda
		peers[ci].Added = false
	}
}

func (c *Coordinator) commitGroup(peers []*peak.Peak, newErr float64) {
	for _, p := range peers {
		p.Status = peak.Converged
		p.Error, p.ErrorOld = newErr, newErr
	}
}

func (c *Coordinator) commitGroupWithLambdaDown(peers []*peak.Peak, newErr float64, converged bool) {
	for _, p := range peers {
		if converged {
			p.Status = peak.Converged
		}
		p.Error, p.ErrorOld = newErr, newErr
		p.Lambda *= c.Cfg.LambdaDown
	}
}

func (c *Coordinator) abortGroup(peers []*peak.Peak, reason string) {
	for ci, ch := range c.Channels {
		p := peers[ci]
		if p.Added {
			shape := ch.FS.Evaluator.CalcPeakShape(p)
			ch.FS.Store.SubtractPeak(box(p), shape)
			p.Added = false
		}
		p.Status = peak.Error
	}
	slog.Debug("multiplane: group aborted", "reason", reason)
}

// applyGroupUpdate implements the parameter averaging rule of spec
// §4.6.a, producing one coherent per-channel delta from each channel's
// raw solve output, then writing the averaged result into every peer.
func (c *Coordinator) applyGroupUpdate(peers []*peak.Peak, deltas [][]float64) {
	nc := len(c.Channels)
	zi := c.zBin(peers[0].Params[peak.ZCENTER])

	heightWeight := make([]float64, nc)
	for ci := range heightWeight {
		if c.FixedHeight {
			heightWeight[ci] = 1.0
		} else {
			heightWeight[ci] = c.heights[ci]
		}
	}

	var xNum, xDen, yNum, yDen, zNum, zDen, hNum, hDen float64
	for ci, ch := range c.Channels {
		h := heightWeight[ci]
		wx := c.weight(c.WX, zi, ci, nc)
		wy := c.weight(c.WY, zi, ci, nc)
		wz := c.weight(c.WZ, zi, ci, nc)
		wh := c.weight(c.WH, zi, ci, nc)

		dxC := deltas[ci][1]
		dyC := deltas[ci][2]

		// Intentional axis swap (spec §9): the channel-0 XCENTER
		// contribution is built from each channel's yt_Nto0 affine row
		// applied to (dy, dx), and YCENTER from the complementary
		// xt_Nto0 row; do not "fix" this to use XFrom for x.
		xNum += h * wx * (ch.YFrom[1]*dyC + ch.YFrom[2]*dxC)
		xDen += h * wx
		yNum += h * wy * (ch.XFrom[1]*dyC + ch.XFrom[2]*dxC)
		yDen += h * wy

		zNum += deltas[ci][3] * wz * h
		zDen += wz * h

		hNum += deltas[ci][0] * wh
		hDen += wh
	}

	var dX, dY, dZ float64
	if xDen != 0 {
		dX = xNum / xDen
	}
	if yDen != 0 {
		dY = yNum / yDen
	}
	if zDen != 0 {
		dZ = zNum / zDen
	}

	ch0 := peers[0]
	newX0 := ch0.Params[peak.XCENTER] - dX
	newY0 := ch0.Params[peak.YCENTER] - dY
	newZ := ch0.Params[peak.ZCENTER] - dZ

	for ci, ch := range c.Channels {
		p := peers[ci]
		if ci == 0 {
			p.Params[peak.XCENTER] = newX0
			p.Params[peak.YCENTER] = newY0
		} else {
			// Intentional axis swap (spec §9): mirrors NewPeaks' forward
			// map above and the inverse-direction swap in xNum/yNum; do
			// not "fix" this to use XTo for x.
			p.Params[peak.XCENTER] = ch.YTo.Apply(newX0, newY0)
			p.Params[peak.YCENTER] = ch.XTo.Apply(newX0, newY0)
		}
		p.Params[peak.ZCENTER] = newZ
		p.Params[peak.BACKGROUND] -= deltas[ci][4]
	}
	for ci, ch := range c.Channels {
		ch.FS.Evaluator.ZRange(peers[ci])
	}

	if c.FixedHeight {
		if hDen != 0 {
			dH := hNum / hDen
			newH := ch0.Params[peak.HEIGHT] - dH
			for _, p := range peers {
				p.Params[peak.HEIGHT] = newH
			}
		}
	} else {
		for ci, p := range peers {
			newH := p.Params[peak.HEIGHT] - deltas[ci][0]
			if newH < c.Cfg.HeightFloor {
				newH = c.Cfg.HeightFloor
			}
			p.Params[peak.HEIGHT] = newH
			c.heights[ci] = newH
		}
	}

	for ci, ch := range c.Channels {
		peers[ci].Wx, peers[ci].Wy = ch.FS.Evaluator.ApplyDelta(peers[ci], zeroDelta(ch.FS.Evaluator.Dim()))
	}
}

func (c *Coordinator) weight(table []float64, zi, channel, nc int) float64 {
	if table == nil {
		return 1.0
	}
	return table[zi*nc+channel]
}

func zeroDelta(n int) []float64 { return make([]float64, n) }

// assertAdded checks the add/subtract bookkeeping after a group step
// settles: every peer added on a commit, none on an ERROR outcome. A
// mismatch means an add or subtract was skipped somewhere.
func assertAdded(peers []*peak.Peak, want int) {
	n := 0
	for _, p := range peers {
		if p.Added {
			n++
		}
	}
	if n != want {
		slog.Warn("multiplane: add/subtract imbalance", "added", n, "want", want)
	}
}
