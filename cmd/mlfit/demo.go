package main

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/spf13/cobra"

	"github.com/cwbudde/stormfit/internal/fitstate"
	"github.com/cwbudde/stormfit/internal/frame"
	"github.com/cwbudde/stormfit/internal/peak"
	"github.com/cwbudde/stormfit/internal/psf"
)

var (
	demoWidth     int
	demoHeight    int
	demoUseLM     bool
	demoNumFrames int
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Fit synthetic two-emitter frames and print the recovered parameters",
	Long: `demo builds synthetic Poisson-noised images in memory and drives the
Gauss2DFixed evaluator to convergence, one frame per worker. It exists
to exercise the library end to end; it does not read or write images.`,
	RunE: runDemo,
}

func init() {
	demoCmd.Flags().IntVar(&demoWidth, "width", 64, "synthetic frame width in pixels")
	demoCmd.Flags().IntVar(&demoHeight, "height", 64, "synthetic frame height in pixels")
	demoCmd.Flags().BoolVar(&demoUseLM, "lm", true, "use the Levenberg-Marquardt driver instead of the clamped driver")
	demoCmd.Flags().IntVar(&demoNumFrames, "frames", 4, "number of synthetic frames to fit concurrently")
	rootCmd.AddCommand(demoCmd)
}

func syntheticFrame(w, h int, cx, cy, height, sigma, bg float64, rng *rand.Rand) []float64 {
	img := make([]float64, w*h)
	inv2s2 := 1.0 / (2 * sigma * sigma)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			dx := float64(x) - cx
			dy := float64(y) - cy
			rate := bg + height*math.Exp(-(dx*dx+dy*dy)*inv2s2)
			img[y*w+x] = poisson(rng, rate)
		}
	}
	return img
}

func poisson(rng *rand.Rand, lambda float64) float64 {
	if lambda < 30 {
		l := math.Exp(-lambda)
		k := 0.0
		p := 1.0
		for {
			p *= rng.Float64()
			if p <= l {
				return k
			}
			k++
		}
	}
	return math.Max(0, lambda+math.Sqrt(lambda)*rng.NormFloat64())
}

func runDemo(cmd *cobra.Command, args []string) error {
	rng := rand.New(rand.NewSource(1))

	w, h := demoWidth, demoHeight
	cx1, cy1 := float64(w)/2-4, float64(h)/2
	cx2, cy2 := float64(w)/2+4, float64(h)/2

	jobs := make([]frame.Job, demoNumFrames)
	for i := range jobs {
		img1 := syntheticFrame(w, h, cx1, cy1, 900, 1.3, 15, rng)
		img2 := syntheticFrame(w, h, cx2, cy2, 700, 1.3, 0, rng)
		combined := make([]float64, w*h)
		for px := range combined {
			combined[px] = img1[px] + img2[px] - 15
		}

		var seed1, seed2 fitstate.NewPeakSeed
		seed1.Params[peak.HEIGHT] = 800
		seed1.Params[peak.XCENTER] = cx1 + 0.3
		seed1.Params[peak.YCENTER] = cy1 - 0.2
		seed1.Params[peak.XWIDTH] = 1.0 / (2 * 1.3 * 1.3)
		seed1.Params[peak.YWIDTH] = 1.0 / (2 * 1.3 * 1.3)
		seed1.Params[peak.BACKGROUND] = 15

		seed2 = seed1
		seed2.Params[peak.HEIGHT] = 600
		seed2.Params[peak.XCENTER] = cx2 - 0.3
		seed2.Params[peak.YCENTER] = cy2 + 0.2

		jobs[i] = frame.Job{
			Index:         i,
			Pixels:        combined,
			Seeds:         []fitstate.NewPeakSeed{seed1, seed2},
			MaxIterations: 40,
			UseLM:         demoUseLM,
		}
	}

	newState := func() *fitstate.FitState {
		ev := &psf.GaussianEvaluator{Mode: peak.Gauss2DFixed}
		var clamp [int(peak.NFitting)]float64
		clamp[peak.HEIGHT] = 100
		clamp[peak.XCENTER] = 1
		clamp[peak.YCENTER] = 1
		clamp[peak.XWIDTH] = 0.1
		clamp[peak.YWIDTH] = 0.1
		clamp[peak.BACKGROUND] = 20
		return fitstate.Initialize(w, h, nil, clamp, 1e-6, ev)
	}

	runner := frame.NewRunner(2, newState)
	results := runner.Run(cmd.Context(), jobs)

	for _, res := range results {
		if res.Err != nil {
			fmt.Printf("frame %d: error: %v\n", res.Index, res.Err)
			continue
		}
		fmt.Printf("frame %d (%d iterations):\n", res.Index, res.Iterations)
		for pi, r := range res.Results {
			fmt.Printf("  peak %d: status=%s x=%.3f y=%.3f height=%.1f bg=%.1f error=%.2f\n",
				pi, r.Status, r.Params[peak.XCENTER], r.Params[peak.YCENTER],
				r.Params[peak.HEIGHT], r.Params[peak.BACKGROUND], r.Error)
		}
	}
	return nil
}
