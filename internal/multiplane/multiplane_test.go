package multiplane

import (
	"math"
	"testing"

	"github.com/cwbudde/stormfit/internal/fitstate"
	"github.com/cwbudde/stormfit/internal/peak"
	"github.com/cwbudde/stormfit/internal/psf"
)

func TestAffineApply(t *testing.T) {
	a := Affine{1, 2, 3} // const=1, y-linear=2, x-linear=3
	got := a.Apply(4, 5) // 1 + 2*5 + 3*4 = 23
	if got != 23 {
		t.Errorf("Apply = %v, want 23", got)
	}
}

// TestAffineRotationRoundTrip checks the forward/inverse round-trip
// invariant from spec §8 for a 90-degree rotation plus translation.
func TestAffineRotationRoundTrip(t *testing.T) {
	// Forward: x' = -y + 10, y' = x + 5 (90deg rotation + translation).
	xTo := Affine{10, -1, 0}
	yTo := Affine{5, 0, 1}
	// Inverse: x = y' - 5, y = -(x' - 10) = 10 - x'.
	xFrom := Affine{-5, 1, 0}
	yFrom := Affine{10, 0, -1}

	x0, y0 := 12.3, 7.8
	xp := xTo.Apply(x0, y0)
	yp := yTo.Apply(x0, y0)
	xBack := xFrom.Apply(xp, yp)
	yBack := yFrom.Apply(xp, yp)

	if math.Abs(xBack-x0) > 1e-9 || math.Abs(yBack-y0) > 1e-9 {
		t.Errorf("round trip = (%v, %v), want (%v, %v)", xBack, yBack, x0, y0)
	}
}

func TestZBinClampsToTableRange(t *testing.T) {
	c := &Coordinator{ZSize: 10, ZOffset: 0, ZScale: 1}
	if got := c.zBin(-100); got != 0 {
		t.Errorf("zBin(-100) = %d, want 0", got)
	}
	if got := c.zBin(1000); got != 9 {
		t.Errorf("zBin(1000) = %d, want 9", got)
	}
}

func newZCoupledChannel(t *testing.T, w, h int) *Channel {
	t.Helper()
	ev := &psf.GaussianEvaluator{
		Mode: peak.GaussZCoupled,
		MinZ: -500, MaxZ: 500,
		WxZ: psf.ZParams{Params: [5]float64{0.05, 0, 1e6, 0, 0}},
		WyZ: psf.ZParams{Params: [5]float64{0.05, 0, 1e6, 0, 0}},
	}
	var clamp [int(peak.NFitting)]float64
	for i := range clamp {
		clamp[i] = 1.0
	}
	clamp[int(peak.HEIGHT)] = 100
	fs := fitstate.Initialize(w, h, nil, clamp, 1e-5, ev)
	fs.NewImage(make([]float64, w*h))
	return &Channel{FS: fs}
}

func TestNewPeaksIdentityChannelsAgreeOnCoordinates(t *testing.T) {
	ch0 := newZCoupledChannel(t, 40, 40)
	ch1 := newZCoupledChannel(t, 40, 40)
	identity := Affine{0, 0, 1}
	identityY := Affine{0, 1, 0}

	coord := MPInitialize(1e-5, true, ch0, ch1)
	coord.SetTransforms(
		[]Affine{{0, 0, 1}, identity},
		[]Affine{{0, 1, 0}, identityY},
		[]Affine{{0, 0, 1}, identity},
		[]Affine{{0, 1, 0}, identityY},
	)

	coord.NewPeaks([]float64{20.0}, []float64{20.0}, []float64{0.0}, []float64{500}, []float64{10})

	p0 := ch0.FS.Peaks[0]
	p1 := ch1.FS.Peaks[0]
	if p0.Params[peak.XCENTER] != p1.Params[peak.XCENTER] {
		t.Errorf("XCENTER mismatch across identity channels: %v vs %v", p0.Params[peak.XCENTER], p1.Params[peak.XCENTER])
	}
	if p0.Params[peak.HEIGHT] != p1.Params[peak.HEIGHT] {
		t.Errorf("fixed-height mode should equalize HEIGHT across channels: %v vs %v", p0.Params[peak.HEIGHT], p1.Params[peak.HEIGHT])
	}
}

func newRotationTestChannel(t *testing.T, w, h int) *Channel {
	t.Helper()
	ev := &psf.GaussianEvaluator{
		Mode: peak.GaussZCoupled,
		MinZ: -500, MaxZ: 500,
		WxZ: psf.ZParams{Params: [5]float64{13.333, 0, 1e6, 0, 0}},
		WyZ: psf.ZParams{Params: [5]float64{13.333, 0, 1e6, 0, 0}},
	}
	var clamp [int(peak.NFitting)]float64
	for i := range clamp {
		clamp[i] = 1.0
	}
	clamp[int(peak.HEIGHT)] = 100
	clamp[int(peak.BACKGROUND)] = 20
	fs := fitstate.Initialize(w, h, nil, clamp, 1e-6, ev)
	return &Channel{FS: fs}
}

func rotationSynthImage(w, h int, cx, cy, height, width, bg float64) []float64 {
	img := make([]float64, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			xt := float64(x) - cx
			yt := float64(y) - cy
			img[y*w+x] = bg + height*math.Exp(-xt*xt*width)*math.Exp(-yt*yt*width)
		}
	}
	return img
}

// TestRotationTransformConvergesToForwardMappedPosition covers spec §8
// seed scenario 6: a two-channel system related by a 90-degree rotation
// plus translation, seeded with non-equal x/y so the axis swap between
// XTo/YTo (spec §9) cannot go unnoticed. Each channel's synthetic image
// carries its emitter at the position the ORIGINAL's yt_0toN-for-x/
// xt_0toN-for-y convention predicts independently of the coordinator's
// own formula, so a swapped implementation would seed channel 1 at the
// wrong spot and fail to converge onto its image's true peak.
func TestRotationTransformConvergesToForwardMappedPosition(t *testing.T) {
	const w, h = 60, 60
	ch0 := newRotationTestChannel(t, w, h)
	ch1 := newRotationTestChannel(t, w, h)

	// 90-degree rotation plus translation. In the coordinator's
	// convention yTo gives channel-1 XCENTER = 5 + x and xTo gives
	// channel-1 YCENTER = 40 - y; the inverse pair follows the same
	// convention: yFrom gives channel-0 x = X - 5 and xFrom gives
	// channel-0 y = 40 - Y. The channel-0 identity maps are written the
	// same way (xt y-linear, yt x-linear).
	xTo := Affine{40, -1, 0} // Apply(x,y) = 40 - y
	yTo := Affine{5, 0, 1}   // Apply(x,y) = 5 + x
	xFrom := Affine{40, -1, 0}
	yFrom := Affine{-5, 0, 1}
	identity := Affine{0, 1, 0}
	identityY := Affine{0, 0, 1}

	coord := MPInitialize(1e-6, true, ch0, ch1)
	coord.SetTransforms(
		[]Affine{identity, xTo},
		[]Affine{identityY, yTo},
		[]Affine{identity, xFrom},
		[]Affine{identityY, yFrom},
	)

	x0, y0 := 25.3, 20.7
	height, width, bg := 900.0, 0.15, 10.0

	// Truth for channel 1, computed independently of the coordinator:
	// the original's mpNewPeaks/mpUpdate convention builds XCENTER from
	// yTo and YCENTER from xTo.
	x1 := yTo.Apply(x0, y0)
	y1 := xTo.Apply(x0, y0)

	ch0.FS.NewImage(rotationSynthImage(w, h, x0, y0, height, width, bg))
	ch1.FS.NewImage(rotationSynthImage(w, h, x1, y1, height, width, bg))

	coord.NewPeaks([]float64{x0}, []float64{y0}, []float64{0}, []float64{height * 0.9}, []float64{bg})

	for i := 0; i < 60 && coord.Channels[0].FS.GetUnconverged() > 0; i++ {
		coord.IterateLM()
	}

	p0 := ch0.FS.Peaks[0]
	p1 := ch1.FS.Peaks[0]
	if p0.Status == peak.Error || p1.Status == peak.Error {
		t.Fatalf("peaks errored: ch0=%v ch1=%v", p0.Status, p1.Status)
	}

	if math.Abs(p1.Params[peak.XCENTER]-x1) > 1e-2 || math.Abs(p1.Params[peak.YCENTER]-y1) > 1e-2 {
		t.Errorf("channel-1 position = (%v, %v), want ~(%v, %v) (forward-mapped truth)",
			p1.Params[peak.XCENTER], p1.Params[peak.YCENTER], x1, y1)
	}

	// The forward affine applied to the converged channel-0 position
	// must match the converged channel-1 position (spec §8 scenario 6).
	wantX1 := yTo.Apply(p0.Params[peak.XCENTER], p0.Params[peak.YCENTER])
	wantY1 := xTo.Apply(p0.Params[peak.XCENTER], p0.Params[peak.YCENTER])
	if math.Abs(p1.Params[peak.XCENTER]-wantX1) > 1e-6 || math.Abs(p1.Params[peak.YCENTER]-wantY1) > 1e-6 {
		t.Errorf("forward affine mismatch: channel-1 = (%v, %v), forward(channel-0) = (%v, %v)",
			p1.Params[peak.XCENTER], p1.Params[peak.YCENTER], wantX1, wantY1)
	}
}

// TestNewPeaksKindMapsForwardAffine checks the flat-record entry point
// against the slice-based one: the forward map must place channel-1's
// candidate at the yt-for-x / xt-for-y position, and fixed-height mode
// must equalize heights across channels.
func TestNewPeaksKindMapsForwardAffine(t *testing.T) {
	ch0 := newZCoupledChannel(t, 60, 60)
	ch1 := newZCoupledChannel(t, 60, 60)

	xTo := Affine{40, -1, 0}
	yTo := Affine{5, 0, 1}
	xFrom := Affine{-5, 1, 0}
	yFrom := Affine{40, 0, -1}
	identity := Affine{0, 0, 1}
	identityY := Affine{0, 1, 0}

	coord := MPInitialize(1e-5, true, ch0, ch1)
	coord.SetTransforms(
		[]Affine{identity, xTo},
		[]Affine{identityY, yTo},
		[]Affine{identity, xFrom},
		[]Affine{identityY, yFrom},
	)

	x0, y0 := 25.3, 20.7
	rec := []float64{x0, y0, 0, 500, 10}
	if err := coord.NewPeaksKind(rec, fitstate.KindHDF5, 1); err != nil {
		t.Fatalf("NewPeaksKind: %v", err)
	}

	p1 := ch1.FS.Peaks[0]
	wantX := yTo.Apply(x0, y0)
	wantY := xTo.Apply(x0, y0)
	if math.Abs(p1.Params[peak.XCENTER]-wantX) > 1e-12 || math.Abs(p1.Params[peak.YCENTER]-wantY) > 1e-12 {
		t.Errorf("channel-1 seed = (%v, %v), want (%v, %v)",
			p1.Params[peak.XCENTER], p1.Params[peak.YCENTER], wantX, wantY)
	}

	p0 := ch0.FS.Peaks[0]
	if p0.Params[peak.HEIGHT] != p1.Params[peak.HEIGHT] {
		t.Errorf("fixed-height mode should equalize heights: %v vs %v",
			p0.Params[peak.HEIGHT], p1.Params[peak.HEIGHT])
	}
}

// TestFixedHeightsIdentityChannelsStayInLockstep covers the two-channel
// identity-affine scenario: after coordinated LM iterations both
// channels must agree exactly on status, HEIGHT, ZCENTER and position.
func TestFixedHeightsIdentityChannelsStayInLockstep(t *testing.T) {
	const w, h = 40, 40
	ch0 := newRotationTestChannel(t, w, h)
	ch1 := newRotationTestChannel(t, w, h)
	identity := Affine{0, 0, 1}
	identityY := Affine{0, 1, 0}

	coord := MPInitialize(1e-6, true, ch0, ch1)
	coord.SetTransforms(
		[]Affine{identity, identity},
		[]Affine{identityY, identityY},
		[]Affine{identity, identity},
		[]Affine{identityY, identityY},
	)

	img := rotationSynthImage(w, h, 20.3, 19.7, 900, 0.15, 10)
	ch0.FS.NewImage(img)
	ch1.FS.NewImage(append([]float64(nil), img...))

	coord.NewPeaks([]float64{20.3}, []float64{19.7}, []float64{0}, []float64{800}, []float64{10})

	for i := 0; i < 40 && ch0.FS.GetUnconverged() > 0; i++ {
		coord.IterateLM()
	}

	p0 := ch0.FS.Peaks[0]
	p1 := ch1.FS.Peaks[0]
	if p0.Status != p1.Status {
		t.Fatalf("status drifted: %v vs %v", p0.Status, p1.Status)
	}
	if math.Abs(p0.Params[peak.HEIGHT]-p1.Params[peak.HEIGHT]) > 1e-9 {
		t.Errorf("HEIGHT drifted: %v vs %v", p0.Params[peak.HEIGHT], p1.Params[peak.HEIGHT])
	}
	if math.Abs(p0.Params[peak.ZCENTER]-p1.Params[peak.ZCENTER]) > 1e-9 {
		t.Errorf("ZCENTER drifted: %v vs %v", p0.Params[peak.ZCENTER], p1.Params[peak.ZCENTER])
	}
	if math.Abs(p0.Params[peak.XCENTER]-p1.Params[peak.XCENTER]) > 1e-9 ||
		math.Abs(p0.Params[peak.YCENTER]-p1.Params[peak.YCENTER]) > 1e-9 {
		t.Errorf("position drifted: (%v, %v) vs (%v, %v)",
			p0.Params[peak.XCENTER], p0.Params[peak.YCENTER],
			p1.Params[peak.XCENTER], p1.Params[peak.YCENTER])
	}
}
