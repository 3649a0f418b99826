package psf

import (
	"math"
	"testing"

	"github.com/cwbudde/stormfit/internal/peak"
)

// flatTable builds a constant-valued table so sampled derivatives
// should vanish everywhere except at slice boundaries in z.
func flatTable(val float64) *Table {
	nx, ny, nz, scale := 12, 12, 3, 2
	data := make([]float64, nx*ny*nz)
	for i := range data {
		data[i] = val
	}
	return &Table{Nx: nx, Ny: ny, Nz: nz, Scale: scale, ZStep: 100, ZMin: -100, Data: data}
}

func TestSplineFlatTableZeroGradients(t *testing.T) {
	tbl := flatTable(7.0)
	ev := &SplineEvaluator{Tbl: tbl, MinZ: -100, MaxZ: 100}

	v, dx, dy, dz := ev.sample(0, 3.0, 3.0)
	if math.Abs(v-7.0) > 1e-9 {
		t.Errorf("value = %v, want 7", v)
	}
	if math.Abs(dx) > 1e-9 || math.Abs(dy) > 1e-9 || math.Abs(dz) > 1e-9 {
		t.Errorf("expected ~0 gradients on a flat table, got dx=%v dy=%v dz=%v", dx, dy, dz)
	}
}

func TestSplineCheckRejectsOutOfRangeZ(t *testing.T) {
	tbl := flatTable(1.0)
	ev := &SplineEvaluator{Tbl: tbl, MinZ: -100, MaxZ: 100}
	p := &peak.Peak{Model: peak.SampledPSF}
	p.Params[peak.HEIGHT] = 10
	p.Params[peak.ZCENTER] = 1000
	ok, reason := ev.Check(p, peak.DefaultConfig())
	if ok || reason == "" {
		t.Errorf("expected rejection for z outside table bounds")
	}
}

func TestSplineInitPeakSizesFromTable(t *testing.T) {
	tbl := flatTable(1.0)
	ev := &SplineEvaluator{Tbl: tbl}
	p := &peak.Peak{}
	ev.InitPeak(p)
	if p.Wx <= 0 || p.Wy <= 0 {
		t.Errorf("expected positive half-widths from table, got wx=%d wy=%d", p.Wx, p.Wy)
	}
}

func TestSplineCopyPeakDeepCopies(t *testing.T) {
	tbl := flatTable(1.0)
	ev := &SplineEvaluator{Tbl: tbl}
	src := &peak.Peak{Xi: 10, Yi: 10, Wx: 2, Wy: 2}
	ev.InitPeak(src)
	src.Wx, src.Wy = 2, 2
	_ = ev.CalcPeakShape(src)

	dst := &peak.Peak{}
	ev.CopyPeak(dst, src)
	ss := src.Scratch.(*splineScratch)
	ds := dst.Scratch.(*splineScratch)
	if &ss.val[0] == &ds.val[0] {
		t.Errorf("expected independent backing arrays after CopyPeak")
	}
}
