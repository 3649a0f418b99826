package psf

import (
	"testing"

	"github.com/cwbudde/stormfit/internal/peak"
)

func flatFFTTable(t *testing.T) *FFTTable {
	t.Helper()
	nx, ny, nz, scale := 16, 16, 3, 4
	data := make([]float64, nx*ny*nz)
	for i := range data {
		data[i] = 3.0
	}
	tbl, err := NewFFTTable(nx, ny, nz, scale, -100, 100, data)
	if err != nil {
		t.Fatalf("NewFFTTable: %v", err)
	}
	return tbl
}

func TestFFTTableZeroShiftPreservesFlatSlice(t *testing.T) {
	tbl := flatFFTTable(t)
	out, err := tbl.resample(1, 0, 0, 0)
	if err != nil {
		t.Fatalf("resample: %v", err)
	}
	for i, v := range out {
		if v < 2.9 || v > 3.1 {
			t.Fatalf("out[%d] = %v, want ~3 on a flat slice with zero shift", i, v)
		}
	}
}

func TestFFTCheckRejectsOutOfRangeZ(t *testing.T) {
	tbl := flatFFTTable(t)
	ev := &FFTEvaluator{Tbl: tbl, MinZ: -100, MaxZ: 100}
	p := &peak.Peak{}
	p.Params[peak.HEIGHT] = 10
	p.Params[peak.ZCENTER] = 5000
	ok, reason := ev.Check(p, peak.DefaultConfig())
	if ok || reason == "" {
		t.Errorf("expected rejection outside table bounds")
	}
}

func TestFFTInitPeakSizesFromTable(t *testing.T) {
	tbl := flatFFTTable(t)
	ev := &FFTEvaluator{Tbl: tbl}
	p := &peak.Peak{}
	ev.InitPeak(p)
	if p.Wx <= 0 || p.Wy <= 0 {
		t.Errorf("expected positive half-widths, got wx=%d wy=%d", p.Wx, p.Wy)
	}
}

func TestFFTCopyPeakIndependentBuffers(t *testing.T) {
	tbl := flatFFTTable(t)
	ev := &FFTEvaluator{Tbl: tbl, MinZ: -100, MaxZ: 100}
	src := &peak.Peak{Xi: 8, Yi: 8}
	ev.InitPeak(src)
	ev.CalcPeakShape(src)

	dst := &peak.Peak{}
	ev.CopyPeak(dst, src)
	ss := src.Scratch.(*fftScratch)
	ds := dst.Scratch.(*fftScratch)
	if len(ss.val) > 0 && &ss.val[0] == &ds.val[0] {
		t.Errorf("expected independent backing arrays after CopyPeak")
	}
}
