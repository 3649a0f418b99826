package residual

import (
	"math"
	"testing"
)

func makeShape(wx, wy int, val float64) Shape {
	shape := make(Shape, 2*wy+1)
	for j := range shape {
		row := make([]float64, 2*wx+1)
		for k := range row {
			row[k] = val
		}
		shape[j] = row
	}
	return shape
}

func TestAddSubtractRestoresExactly(t *testing.T) {
	s := New(40, 40, nil)
	pixels := make([]float64, 40*40)
	for i := range pixels {
		pixels[i] = 10
	}
	s.NewImage(pixels)

	fBefore := append([]float64(nil), s.FData...)
	bgBefore := append([]float64(nil), s.BGData...)
	countsBefore := append([]int(nil), s.BGCounts...)

	box := Box{Xi: 20, Yi: 20, Wx: 3, Wy: 3, Height: 500, Bg: 12}
	shape := makeShape(3, 3, 0.5)

	s.AddPeak(box, shape)
	s.SubtractPeak(box, shape)

	for i := range s.FData {
		if s.FData[i] != fBefore[i] {
			t.Fatalf("FData[%d] = %v, want %v", i, s.FData[i], fBefore[i])
		}
		if s.BGData[i] != bgBefore[i] {
			t.Fatalf("BGData[%d] = %v, want %v", i, s.BGData[i], bgBefore[i])
		}
		if s.BGCounts[i] != countsBefore[i] {
			t.Fatalf("BGCounts[%d] = %v, want %v", i, s.BGCounts[i], countsBefore[i])
		}
	}
}

func TestCoverageInvariant(t *testing.T) {
	s := New(40, 40, nil)
	s.NewImage(make([]float64, 40*40))

	boxes := []Box{
		{Xi: 15, Yi: 15, Wx: 2, Wy: 2, Height: 100, Bg: 5},
		{Xi: 17, Yi: 15, Wx: 2, Wy: 2, Height: 100, Bg: 5}, // overlapping
	}
	for _, b := range boxes {
		s.AddPeak(b, makeShape(b.Wx, b.Wy, 1))
	}

	if !s.CoverageInvariant(boxes) {
		t.Errorf("coverage invariant violated")
	}
}

func TestCalcErrorZeroForExactMatch(t *testing.T) {
	s := New(40, 40, nil)
	pixels := make([]float64, 40*40)
	for i := range pixels {
		pixels[i] = 20
	}
	s.NewImage(pixels)

	box := Box{Xi: 20, Yi: 20, Wx: 2, Wy: 2, Height: 0, Bg: 20}
	shape := makeShape(2, 2, 0)
	s.AddPeak(box, shape)

	l, err := s.CalcError(box)
	if err != nil {
		t.Fatalf("CalcError: %v", err)
	}
	if math.Abs(l) > 1e-9 {
		t.Errorf("expected ~0 error for exact match, got %v", l)
	}
}

func TestCalcErrorNegativeRate(t *testing.T) {
	s := New(40, 40, nil)
	s.NewImage(make([]float64, 40*40))

	box := Box{Xi: 20, Yi: 20, Wx: 1, Wy: 1, Height: 0, Bg: 0}
	shape := makeShape(1, 1, 0)
	s.AddPeak(box, shape)

	_, err := s.CalcError(box)
	if err != ErrNegRate {
		t.Errorf("expected ErrNegRate, got %v", err)
	}
}

func TestGetResidual(t *testing.T) {
	s := New(4, 4, nil)
	s.NewImage(make([]float64, 16))
	box := Box{Xi: 2, Yi: 2, Wx: 1, Wy: 1, Height: 10, Bg: 1}
	s.AddPeak(box, makeShape(1, 1, 2))

	out := make([]float64, 16)
	s.GetResidual(out)
	if out[2*4+2] != 21 { // 10*2 + 1
		t.Errorf("residual at center = %v, want 21", out[2*4+2])
	}
}

// TestCalcErrorZeroForExactMatchWithVariance pins the sCMOS folding:
// the term reaches the observation through NewImage and the model
// through AddPeak, so an exactly-matching model stays at zero error.
func TestCalcErrorZeroForExactMatchWithVariance(t *testing.T) {
	scmos := make([]float64, 40*40)
	for i := range scmos {
		scmos[i] = 3.0
	}
	s := New(40, 40, scmos)
	pixels := make([]float64, 40*40)
	for i := range pixels {
		pixels[i] = 20
	}
	s.NewImage(pixels)

	box := Box{Xi: 20, Yi: 20, Wx: 2, Wy: 2, Height: 0, Bg: 20}
	s.AddPeak(box, makeShape(2, 2, 0))

	l, err := s.CalcError(box)
	if err != nil {
		t.Fatalf("CalcError: %v", err)
	}
	if math.Abs(l) > 1e-9 {
		t.Errorf("expected ~0 error for exact match with variance, got %v", l)
	}
}
