package fitstate

import (
	"fmt"
	"math"

	"github.com/cwbudde/stormfit/internal/peak"
)

// PeakKind selects the flat-record layout NewPeaksRaw accepts, matching
// the p_type strings the surrounding analysis pipeline passes through
// mp_fit.c's mpNewPeaks.
type PeakKind string

const (
	// KindFinder is a 3-wide (x, y, z) candidate from a peak finder;
	// height and background are estimated from the observed image.
	KindFinder PeakKind = "finder"
	// KindTesting is a 3-wide (x, y, z) candidate with unit height and
	// background, for exercising the fit machinery.
	KindTesting PeakKind = "testing"
	// KindHDF5 is a previously-fit localization record: 5-wide
	// (x, y, z, height, background), or 9-wide carrying the full
	// parameter set plus per-peak status and stored error.
	KindHDF5 PeakKind = "hdf5"
)

// NewPeaksRaw appends candidates from a flat record array, per spec §6
// new_peaks. The record width is len(params)/n and must match the kind:
// 3 for finder/testing, 5 or 9 for hdf5. The 9-wide form carries widths
// as Gaussian sigmas (converted to the internal 1/(2σ²) parameter, the
// same conversion the original newPeaks applies) plus STATUS and IERROR
// columns.
func (fs *FitState) NewPeaksRaw(params []float64, kind PeakKind, n int) error {
	if n <= 0 {
		return nil
	}
	if len(params)%n != 0 {
		return fmt.Errorf("fitstate: NewPeaksRaw: %d values do not divide into %d records", len(params), n)
	}
	stride := len(params) / n

	switch {
	case (kind == KindFinder || kind == KindTesting) && stride == 3:
		seeds := make([]NewPeakSeed, n)
		for i := 0; i < n; i++ {
			r := params[i*3 : i*3+3]
			seeds[i].Params[peak.XCENTER] = r[0]
			seeds[i].Params[peak.YCENTER] = r[1]
			seeds[i].Params[peak.ZCENTER] = r[2]
			if kind == KindFinder {
				h, bg := fs.estimateSeed(r[0], r[1])
				seeds[i].Params[peak.HEIGHT] = h
				seeds[i].Params[peak.BACKGROUND] = bg
			} else {
				seeds[i].Params[peak.HEIGHT] = 1.0
				seeds[i].Params[peak.BACKGROUND] = 1.0
			}
		}
		fs.NewPeaks(seeds)
		return nil

	case kind == KindHDF5 && stride == 5:
		seeds := make([]NewPeakSeed, n)
		for i := 0; i < n; i++ {
			r := params[i*5 : i*5+5]
			seeds[i].Params[peak.XCENTER] = r[0]
			seeds[i].Params[peak.YCENTER] = r[1]
			seeds[i].Params[peak.ZCENTER] = r[2]
			seeds[i].Params[peak.HEIGHT] = r[3]
			seeds[i].Params[peak.BACKGROUND] = r[4]
		}
		fs.NewPeaks(seeds)
		return nil

	case kind == KindHDF5 && stride == peak.NPeakPar:
		for i := 0; i < n; i++ {
			r := params[i*peak.NPeakPar : (i+1)*peak.NPeakPar]
			var seed NewPeakSeed
			seed.Params[peak.HEIGHT] = r[peak.HEIGHT]
			seed.Params[peak.XCENTER] = r[peak.XCENTER]
			seed.Params[peak.YCENTER] = r[peak.YCENTER]
			seed.Params[peak.BACKGROUND] = r[peak.BACKGROUND]
			seed.Params[peak.ZCENTER] = r[peak.ZCENTER]
			seed.Params[peak.XWIDTH] = sigmaToWidth(r[peak.XWIDTH])
			seed.Params[peak.YWIDTH] = sigmaToWidth(r[peak.YWIDTH])
			fs.NewPeaks([]NewPeakSeed{seed})

			p := fs.Peaks[len(fs.Peaks)-1]
			status := peak.Status(int(r[int(peak.NFitting)]))
			if p.Status == peak.Error || status == peak.Running {
				continue
			}
			// A record restored in a terminal state keeps its stored
			// error; an ERROR record must not stay in the model image.
			if status == peak.Error && p.Added {
				shape := fs.Evaluator.CalcPeakShape(p)
				fs.Store.SubtractPeak(fs.box(p), shape)
				p.Added = false
			}
			p.Status = status
			p.Error = r[int(peak.NFitting)+1]
			p.ErrorOld = p.Error
		}
		return nil
	}

	return fmt.Errorf("fitstate: NewPeaksRaw: kind %q does not accept %d-wide records", kind, stride)
}

// sigmaToWidth converts a Gaussian sigma in pixels to the internal
// width parameter 1/(2σ²), as the original newPeaks does on input.
func sigmaToWidth(sigma float64) float64 {
	if sigma <= 0 {
		return 0
	}
	return 1.0 / (2.0 * sigma * sigma)
}

// widthToSigma is the inverse conversion applied on harvest.
func widthToSigma(width float64) float64 {
	if width <= 0 {
		return 0
	}
	return math.Sqrt(1.0 / (2.0 * width))
}

// estimateSeed derives a finder candidate's starting height and
// background from the observed image: background from the bounding-box
// perimeter mean, height from the anchor pixel above it.
func (fs *FitState) estimateSeed(x, y float64) (height, bg float64) {
	w, h := fs.Store.Width, fs.Store.Height
	xi := clampInt(int(x), 0, w-1)
	yi := clampInt(int(y), 0, h-1)
	m := fs.Cfg.Margin

	sum, count := 0.0, 0
	for _, j := range []int{yi - m, yi + m} {
		jc := clampInt(j, 0, h-1)
		for k := xi - m; k <= xi+m; k++ {
			sum += fs.Store.XData[jc*w+clampInt(k, 0, w-1)]
			count++
		}
	}
	for _, k := range []int{xi - m, xi + m} {
		kc := clampInt(k, 0, w-1)
		for j := yi - m + 1; j < yi+m; j++ {
			sum += fs.Store.XData[clampInt(j, 0, h-1)*w+kc]
			count++
		}
	}
	bg = sum / float64(count)

	height = fs.Store.XData[yi*w+xi] - bg
	if height < fs.Cfg.HeightFloor {
		height = fs.Cfg.HeightFloor
	}
	return height, bg
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// GetResultsRaw harvests every peak into out as flat NPeakPar-wide
// records (the seven parameters in enum order, then STATUS, then the
// stored error), per spec §6 get_results. Width parameters are reported
// as Gaussian sigmas. out must hold len(Peaks)*NPeakPar values.
func (fs *FitState) GetResultsRaw(out []float64) error {
	if len(out) < len(fs.Peaks)*peak.NPeakPar {
		return fmt.Errorf("fitstate: GetResultsRaw: out holds %d values, need %d", len(out), len(fs.Peaks)*peak.NPeakPar)
	}
	for i, p := range fs.Peaks {
		r := out[i*peak.NPeakPar : (i+1)*peak.NPeakPar]
		r[peak.HEIGHT] = p.Params[peak.HEIGHT]
		r[peak.XCENTER] = p.Params[peak.XCENTER]
		r[peak.YCENTER] = p.Params[peak.YCENTER]
		r[peak.BACKGROUND] = p.Params[peak.BACKGROUND]
		r[peak.ZCENTER] = p.Params[peak.ZCENTER]
		r[peak.XWIDTH] = widthToSigma(p.Params[peak.XWIDTH])
		r[peak.YWIDTH] = widthToSigma(p.Params[peak.YWIDTH])
		r[int(peak.NFitting)] = float64(p.Status)
		r[int(peak.NFitting)+1] = p.Error
	}
	return nil
}

// Cleanup releases every peak's model scratch, per the ownership
// ordering in spec §5: peaks release before the fit state's arrays go.
func (fs *FitState) Cleanup() {
	for _, p := range fs.Peaks {
		p.Scratch = nil
	}
	fs.Peaks = nil
}
