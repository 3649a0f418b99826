// Package residual implements the per-channel residual image store:
// the shared foreground/background/coverage accumulators every peak
// update subtracts itself from and re-adds itself to.
//
// Grounded on the bounding-box scan + accumulate idiom of the teacher's
// CPU circle renderer (internal/fit/renderer_cpu.go's renderCircle /
// compositePixel), generalized from Porter-Duff RGBA compositing to the
// additive Poisson-rate accumulation spec.md §4.2 describes, and on the
// original addPeak/subtractPeak/calcErr (dao_fit.c).
package residual

import (
	"fmt"
	"log/slog"
	"math"
)

// Shape is a peak's rendered footprint over its bounding box: a
// (2*Wy+1) x (2*Wx+1) grid of per-pixel intensity multipliers, row
// major, such that the modeled contribution at box-relative (row j,
// col k) is HEIGHT * Shape[j][k].
type Shape [][]float64

// Store holds one channel's observed image, reconstructed foreground,
// background accumulator/coverage, and sCMOS term. Single-writer: not
// safe for concurrent mutation within one frame (spec §5).
//
// The sCMOS term enters the model on both sides the way the original
// does: folded into XData when a frame arrives, and accumulated into
// BGData by every add. CalcError and the evaluators' CalcJH therefore
// see the same fi = FData + BGData/counts and xi = XData.
type Store struct {
	Width, Height int

	XData     []float64 // observed intensity plus sCMOS term
	FData     []float64 // foreground: sum of added peak shapes
	BGData    []float64 // background accumulator, sCMOS term included
	BGCounts  []int     // number of peaks currently covering each pixel
	SCMOSTerm []float64 // var/gain^2 per pixel
}

// New allocates a zeroed store sized for a w x h image with the given
// sCMOS calibration term (may be nil for an all-zero term).
func New(w, h int, scmosTerm []float64) *Store {
	n := w * h
	s := &Store{
		Width: w, Height: h,
		XData:     make([]float64, n),
		FData:     make([]float64, n),
		BGData:    make([]float64, n),
		BGCounts:  make([]int, n),
		SCMOSTerm: make([]float64, n),
	}
	if scmosTerm != nil {
		copy(s.SCMOSTerm, scmosTerm)
	}
	return s
}

// NewImage supplies the next frame's pixel data, folding the sCMOS
// term into the effective observation, and zeroes the foreground/
// background/coverage accumulators (spec §6 new_image).
func (s *Store) NewImage(pixels []float64) {
	for i := range s.XData {
		s.XData[i] = pixels[i] + s.SCMOSTerm[i]
	}
	for i := range s.FData {
		s.FData[i] = 0
		s.BGData[i] = 0
		s.BGCounts[i] = 0
	}
}

// box describes the caller's bounding-box geometry for a peak, decoupled
// from the peak package to avoid an import cycle; callers pass the
// anchor/half-widths they already track on the Peak.
type Box struct {
	Xi, Yi int
	Wx, Wy int
	Height float64
	Bg     float64
}

// AddPeak sums shape*Height into FData over the peak's bounding box,
// increments BGCounts, and accumulates (Background + sCMOS) into
// BGData. The caller is responsible for setting Peak.Added = true.
func (s *Store) AddPeak(b Box, shape Shape) {
	s.walk(b, shape, 1)
}

// SubtractPeak is the exact inverse of AddPeak with unchanged
// parameters: it restores FData/BGData/BGCounts bit-for-bit (modulo
// floating point associativity) when accumulation order matches.
func (s *Store) SubtractPeak(b Box, shape Shape) {
	s.walk(b, shape, -1)
}

func (s *Store) walk(b Box, shape Shape, sign float64) {
	for j := -b.Wy; j <= b.Wy; j++ {
		y := b.Yi + j
		row := shape[j+b.Wy]
		base := y * s.Width
		for k := -b.Wx; k <= b.Wx; k++ {
			x := b.Xi + k
			m := base + x
			s.FData[m] += sign * b.Height * row[k+b.Wx]
			s.BGCounts[m] += int(sign)
			s.BGData[m] += sign * (b.Bg + s.SCMOSTerm[m])
		}
	}
}

// ErrNegRate is returned by CalcError when a pixel's modeled rate fi
// is non-positive, making the log-likelihood undefined (spec §4.2).
var ErrNegRate = fmt.Errorf("residual: non-positive modeled rate")

// CalcError computes the Poisson-likelihood surrogate
// Σ 2·(fi − xi − xi·ln(fi/xi)) over the peak's bounding box and returns
// it. If any pixel's fi = f_data + bg_data/max(bg_counts,1) is
// non-positive, it returns ErrNegRate and the partial sum is
// meaningless (the caller must flag the peak ERROR and increment its
// n_neg_fi counter, per spec §4.2/§7).
func (s *Store) CalcError(b Box) (float64, error) {
	var l float64
	for j := -b.Wy; j <= b.Wy; j++ {
		y := b.Yi + j
		base := y * s.Width
		for k := -b.Wx; k <= b.Wx; k++ {
			x := b.Xi + k
			m := base + x
			counts := s.BGCounts[m]
			if counts < 1 {
				counts = 1
			}
			fi := s.FData[m] + s.BGData[m]/float64(counts)
			xi := s.XData[m]
			if fi <= 0 {
				slog.Debug("residual: negative modeled rate", "x", x, "y", y, "fi", fi)
				return l, ErrNegRate
			}
			if xi > 0 {
				l += 2.0 * (fi - xi - xi*math.Log(fi/xi))
			} else {
				// xi*ln(fi/xi) -> 0 as xi -> 0.
				l += 2.0 * fi
			}
		}
	}
	return l, nil
}

// CoverageInvariant reports whether BGCounts[i] equals the number of
// currently-added peaks (passed as boxes) whose bounding box covers
// pixel i, for every pixel. Used by tests to assert the invariant in
// spec §8.
func (s *Store) CoverageInvariant(boxes []Box) bool {
	want := make([]int, s.Width*s.Height)
	for _, b := range boxes {
		for j := -b.Wy; j <= b.Wy; j++ {
			base := (b.Yi + j) * s.Width
			for k := -b.Wx; k <= b.Wx; k++ {
				want[base+b.Xi+k]++
			}
		}
	}
	for i := range want {
		if want[i] != s.BGCounts[i] {
			return false
		}
	}
	return true
}

// GetResidual harvests the current per-pixel modeled rate
// (f_data + bg_data/max(bg_counts,1), sCMOS term included via BGData)
// into out, which must be length Width*Height (spec §6 get_residual).
func (s *Store) GetResidual(out []float64) {
	for i := range out {
		counts := s.BGCounts[i]
		if counts < 1 {
			counts = 1
		}
		out[i] = s.FData[i] + s.BGData[i]/float64(counts)
	}
}
