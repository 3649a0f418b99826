package frame

import (
	"context"
	"math"
	"testing"

	"github.com/cwbudde/stormfit/internal/fitstate"
	"github.com/cwbudde/stormfit/internal/peak"
	"github.com/cwbudde/stormfit/internal/psf"
)

func synthImage(w, h int, cx, cy, height, width, bg float64) []float64 {
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

func TestRunnerProcessesAllJobsInOrder(t *testing.T) {
	newState := func() *fitstate.FitState {
		ev := &psf.GaussianEvaluator{Mode: peak.Gauss2DFixed}
		var clamp [int(peak.NFitting)]float64
		for i := range clamp {
			clamp[i] = 1.0
		}
		clamp[int(peak.HEIGHT)] = 100
		clamp[int(peak.BACKGROUND)] = 20
		return fitstate.Initialize(40, 40, nil, clamp, 1e-5, ev)
	}

	var seed fitstate.NewPeakSeed
	seed.Params[peak.HEIGHT] = 900
	seed.Params[peak.XCENTER] = 20
	seed.Params[peak.YCENTER] = 20
	seed.Params[peak.XWIDTH] = 0.15
	seed.Params[peak.YWIDTH] = 0.15
	seed.Params[peak.BACKGROUND] = 10

	jobs := make([]Job, 4)
	for i := range jobs {
		jobs[i] = Job{
			Index:         i,
			Pixels:        synthImage(40, 40, 20.2+float64(i)*0.01, 19.8, 1000, 0.15, 10),
			Seeds:         []fitstate.NewPeakSeed{seed},
			MaxIterations: 20,
		}
	}

	r := NewRunner(2, newState)
	results := r.Run(context.Background(), jobs)

	if len(results) != len(jobs) {
		t.Fatalf("got %d results, want %d", len(results), len(jobs))
	}
	for i, res := range results {
		if res.Index != i {
			t.Errorf("results[%d].Index = %d, want %d", i, res.Index, i)
		}
		if len(res.Results) != 1 {
			t.Errorf("results[%d] has %d peaks, want 1", i, len(res.Results))
		}
	}
}

func TestRunnerRespectsCancellation(t *testing.T) {
	newState := func() *fitstate.FitState {
		ev := &psf.GaussianEvaluator{Mode: peak.Gauss2DFixed}
		var clamp [int(peak.NFitting)]float64
		for i := range clamp {
			clamp[i] = 1.0
		}
		return fitstate.Initialize(40, 40, nil, clamp, 1e-5, ev)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	jobs := []Job{{Index: 0, Pixels: make([]float64, 1600), MaxIterations: 5}}
	r := NewRunner(1, newState)
	results := r.Run(ctx, jobs)
	if len(results) != 1 {
		t.Fatalf("expected 1 result slot even when cancelled, got %d", len(results))
	}
}
