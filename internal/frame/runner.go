// Package frame drives many independent frames' fits concurrently.
// Parallelism is coarse-grained at the frame level only (spec §5): each
// worker owns one frame's FitState end to end, never touching another
// worker's residual store. Grounded on the teacher's goroutine-per-job
// dispatch and context-cancellation checks (internal/server/worker.go's
// runJob), generalized from one optimization job to many frames drawn
// from a bounded worker pool.
package frame

import (
	"context"
	"log/slog"
	"sync"

	"github.com/cwbudde/stormfit/internal/fitstate"
)

// Job is one frame's fit input: its pixel data, the candidate peaks to
// seed, and how many outer iterations to drive before harvesting.
type Job struct {
	Index         int
	Pixels        []float64
	Seeds         []fitstate.NewPeakSeed
	MaxIterations int
	UseLM         bool
}

// Result is one frame's harvested outcome.
type Result struct {
	Index     int
	Results   []fitstate.Result
	Residual  []float64
	Iterations int
	Err       error
}

// Runner dispatches frame jobs across a bounded pool of goroutines,
// each backed by its own FitState built from New.
type Runner struct {
	New     func() *fitstate.FitState
	Workers int
}

// NewRunner constructs a Runner with the given worker count (clamped
// to at least 1) and per-worker FitState factory.
func NewRunner(workers int, newState func() *fitstate.FitState) *Runner {
	if workers < 1 {
		workers = 1
	}
	return &Runner{New: newState, Workers: workers}
}

// Run drives every job to completion (or ctx cancellation) and returns
// results in job order. A cancelled context stops dispatching new jobs
// but lets in-flight jobs finish their current outer iteration.
func (r *Runner) Run(ctx context.Context, jobs []Job) []Result {
	results := make([]Result, len(jobs))
	jobCh := make(chan Job)
	var wg sync.WaitGroup

	for w := 0; w < r.Workers; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for job := range jobCh {
				results[job.Index] = r.runOne(ctx, job)
			}
		}(w)
	}

	go func() {
		defer close(jobCh)
		for _, job := range jobs {
			select {
			case <-ctx.Done():
				return
			case jobCh <- job:
			}
		}
	}()

	wg.Wait()
	return results
}

func (r *Runner) runOne(ctx context.Context, job Job) Result {
	fs := r.New()
	fs.NewImage(job.Pixels)
	fs.NewPeaks(job.Seeds)

	slog.Debug("frame: fit started", "frame", job.Index, "peaks", len(job.Seeds))

	iterations := 0
	for iterations < job.MaxIterations && fs.GetUnconverged() > 0 {
		select {
		case <-ctx.Done():
			return Result{Index: job.Index, Results: fs.GetResults(), Iterations: iterations, Err: ctx.Err()}
		default:
		}
		if job.UseLM {
			fs.IterateLM()
		} else {
			fs.IterateOriginal()
		}
		iterations++
	}

	residual := make([]float64, len(job.Pixels))
	fs.GetResidual(residual)

	slog.Debug("frame: fit finished", "frame", job.Index, "iterations", iterations, "unconverged", fs.GetUnconverged())

	return Result{Index: job.Index, Results: fs.GetResults(), Residual: residual, Iterations: iterations}
}
