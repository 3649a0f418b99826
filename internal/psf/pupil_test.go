package psf

import (
	"math"
	"testing"

	"github.com/cwbudde/stormfit/internal/peak"
)

func flatPupil(size int) *PupilFunction {
	pf := &PupilFunction{
		Size: size,
		Pupil: make([]complex128, size*size),
		Kx:    make([]float64, size),
		Ky:    make([]float64, size),
		Defocus: make([]float64, size*size),
	}
	for i := range pf.Pupil {
		pf.Pupil[i] = 1
	}
	for i := 0; i < size; i++ {
		pf.Kx[i] = float64(i) / float64(size)
		pf.Ky[i] = float64(i) / float64(size)
	}
	return pf
}

func TestPupilCheckRejectsOutOfRangeZ(t *testing.T) {
	ev := &PupilEvaluator{Fn: flatPupil(8), MinZ: -300, MaxZ: 300}
	p := &peak.Peak{}
	p.Params[peak.HEIGHT] = 10
	p.Params[peak.ZCENTER] = 1000
	ok, reason := ev.Check(p, peak.DefaultConfig())
	if ok || reason == "" {
		t.Errorf("expected rejection outside defocus range")
	}
}

func TestPupilShapePeaksNearCenter(t *testing.T) {
	ev := &PupilEvaluator{Fn: flatPupil(8), MinZ: -300, MaxZ: 300}
	p := &peak.Peak{Xi: 10, Yi: 10}
	ev.InitPeak(p)
	shape := ev.CalcPeakShape(p)
	maxVal, mi, mj := -1.0, 0, 0
	for j, row := range shape {
		for k, v := range row {
			if v > maxVal {
				maxVal, mi, mj = v, j, k
			}
		}
	}
	if math.Abs(float64(mi-p.Wy)) > 1 || math.Abs(float64(mj-p.Wx)) > 1 {
		t.Errorf("peak intensity far from box center: (%d,%d), box center (%d,%d)", mj, mi, p.Wx, p.Wy)
	}
}

func TestPupilCopyPeakIndependentBuffers(t *testing.T) {
	ev := &PupilEvaluator{Fn: flatPupil(8)}
	src := &peak.Peak{Xi: 10, Yi: 10}
	ev.InitPeak(src)
	ev.CalcPeakShape(src)

	dst := &peak.Peak{}
	ev.CopyPeak(dst, src)
	ss := src.Scratch.(*pupilScratch)
	ds := dst.Scratch.(*pupilScratch)
	if len(ss.r) > 0 && &ss.r[0] == &ds.r[0] {
		t.Errorf("expected independent backing arrays after CopyPeak")
	}
}
