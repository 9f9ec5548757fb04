package grading

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/berth-dev/gradeloop/internal/preprocess"
	"github.com/berth-dev/gradeloop/internal/session"
	"github.com/berth-dev/gradeloop/internal/tools"
)

// StepResult is the outcome of one plan step.
type StepResult struct {
	Step PlanStep
	Page preprocess.PageResult
}

// Executor runs a validated plan. Steps for different pages run
// concurrently; steps for the same page run in plan order. Execute returns
// only after every step has finished.
type Executor struct {
	pipeline    *preprocess.Pipeline
	maxParallel int
}

// NewExecutor creates an Executor.
func NewExecutor(pipeline *preprocess.Pipeline, maxParallel int) *Executor {
	if maxParallel <= 0 {
		maxParallel = 4
	}
	return &Executor{pipeline: pipeline, maxParallel: maxParallel}
}

// Execute runs steps against images and returns results in plan order.
// st is only read, before any work is dispatched.
func (e *Executor) Execute(ctx context.Context, st *session.State, subject Subject, images []tools.Image, steps []PlanStep) []StepResult {
	byIndex := make(map[int]tools.Image, len(images))
	for _, img := range images {
		byIndex[img.Index] = img
	}

	type job struct {
		pos  int
		step PlanStep
		img  tools.Image
		opts preprocess.Options
	}
	perPage := make(map[int][]job)
	var order []int
	for pos, step := range steps {
		page, err := step.Page()
		if err != nil {
			continue
		}
		img, ok := byIndex[page]
		if !ok {
			continue
		}
		if _, ok := perPage[page]; !ok {
			order = append(order, page)
		}
		perPage[page] = append(perPage[page], job{pos: pos, step: step, img: img, opts: optionsFor(st, step.Step, img)})
	}

	results := make([]StepResult, len(steps))
	done := make([]bool, len(steps))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.maxParallel)
	for _, page := range order {
		jobs := perPage[page]
		g.Go(func() error {
			for _, j := range jobs {
				res := e.pipeline.ProcessImage(gctx, j.img, string(subject), j.opts)
				results[j.pos] = StepResult{Step: j.step, Page: res}
				done[j.pos] = true
			}
			return nil
		})
	}
	_ = g.Wait()

	out := make([]StepResult, 0, len(steps))
	for i, r := range results {
		if done[i] {
			out = append(out, r)
		}
	}
	return out
}

func optionsFor(st *session.State, name tools.Name, img tools.Image) preprocess.Options {
	if name.Capability() == tools.CapabilityOCR {
		return preprocess.Options{OCR: true, OCRTool: name}
	}
	return preprocess.Options{
		Slice:            true,
		UseCache:         true,
		SkipLocator:      name == tools.RegionDetector,
		KnownSliceFailed: st.SliceFailed(img.Hash),
	}
}
