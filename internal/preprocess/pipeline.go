// Package preprocess turns page images into grading evidence: OCR text and
// figure/question slices found through a three-tier fallback (cache,
// model locator, deterministic detector).
package preprocess

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/berth-dev/gradeloop/internal/execute"
	"github.com/berth-dev/gradeloop/internal/metrics"
	"github.com/berth-dev/gradeloop/internal/retry"
	"github.com/berth-dev/gradeloop/internal/tools"
)

// WarnNoFigure is recorded when no slicing tier found a region.
const WarnNoFigure = "no_figure_detected"

// Slice sources reported in PageResult.SliceSource.
const (
	SourceCache    = "cache"
	SourceLocator  = string(tools.Locator)
	SourceDetector = string(tools.RegionDetector)
)

// Invoker runs one tool capability for one page.
type Invoker interface {
	Invoke(ctx context.Context, name tools.Name, in tools.Input) execute.Call
}

// Config tunes the pipeline.
type Config struct {
	MaxSlicesPerPage int
	MaxParallel      int
}

// Options select what to do for one page.
type Options struct {
	OCR      bool
	OCRTool  tools.Name // defaults to tools.OCR
	Slice    bool
	UseCache bool
	// SkipLocator goes straight to the deterministic detector.
	SkipLocator bool
	// KnownSliceFailed is set when the run already recorded a slicing
	// failure for this image; slicing is then skipped.
	KnownSliceFailed bool
}

// PageResult is everything processing one page produced. It is applied to
// session state by the caller after all pages have finished.
type PageResult struct {
	Page        int
	Hash        string
	OCR         *execute.Call
	OCRText     string
	SliceCalls  []execute.Call
	Slices      []tools.Slice
	SliceSource string
	SliceFailed bool // every tier ran and found nothing; memoized
	SliceSkip   bool // not attempted because of a known failure
	CacheHit    bool // slices came from the shared cache
	Warnings    []string
}

// Calls returns every tool call made for the page in execution order.
func (r PageResult) Calls() []execute.Call {
	var out []execute.Call
	if r.OCR != nil {
		out = append(out, *r.OCR)
	}
	return append(out, r.SliceCalls...)
}

// Pipeline processes pages. It is safe for concurrent use.
type Pipeline struct {
	inv     Invoker
	slicer  *tools.Slicer
	cache   *tools.ResultCache
	cfg     Config
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates a Pipeline. cache may be nil.
func New(inv Invoker, slicer *tools.Slicer, cache *tools.ResultCache, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Pipeline {
	if cfg.MaxSlicesPerPage <= 0 {
		cfg.MaxSlicesPerPage = 6
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{inv: inv, slicer: slicer, cache: cache, cfg: cfg, metrics: m, logger: logger}
}

// ProcessImage extracts evidence from one page. It never fails: missing
// regions, tool errors and upload problems become warnings on the result.
func (p *Pipeline) ProcessImage(ctx context.Context, img tools.Image, subject string, opts Options) PageResult {
	res := PageResult{Page: img.Index, Hash: img.Hash}
	in := tools.Input{Image: img, Subject: subject}

	if opts.OCR {
		name := opts.OCRTool
		if name == "" {
			name = tools.OCR
		}
		call := p.inv.Invoke(ctx, name, in)
		res.OCR = &call
		res.Warnings = append(res.Warnings, call.Warnings...)
		switch call.Result.Status {
		case tools.StatusOK:
			res.OCRText = call.Result.Text()
		case tools.StatusEmpty:
			res.Warnings = append(res.Warnings, fmt.Sprintf("ocr_empty: page %d", img.Index+1))
		}
	}

	if opts.Slice {
		p.slice(ctx, img, in, opts, &res)
	}
	return res
}

func (p *Pipeline) slice(ctx context.Context, img tools.Image, in tools.Input, opts Options, res *PageResult) {
	if opts.KnownSliceFailed || p.cache.SliceFailed(ctx, img.Hash) {
		res.SliceSkip = true
		res.Warnings = append(res.Warnings, WarnNoFigure)
		return
	}

	if opts.UseCache {
		slices, hit := p.cache.Slices(ctx, img.Hash)
		p.metrics.CacheLookup("slices", hit)
		if hit {
			res.Slices, res.SliceSource, res.CacheHit = slices, SourceCache, true
			return
		}
	}

	regions, source, settled := p.locate(ctx, in, opts.SkipLocator, res)
	if len(regions) == 0 {
		res.Warnings = append(res.Warnings, WarnNoFigure)
		p.markFailed(ctx, img, settled, res)
		return
	}
	if len(regions) > p.cfg.MaxSlicesPerPage {
		regions = regions[:p.cfg.MaxSlicesPerPage]
	}

	slices, err := p.upload(ctx, img, regions, res)
	if err != nil {
		p.logger.Warn("slicing failed", "page", img.Index, "error", err)
		res.Warnings = append(res.Warnings, fmt.Sprintf("slice_upload_failed: page %d (%s)", img.Index+1, retry.Code(err)))
		return
	}
	if len(slices) == 0 {
		res.Warnings = append(res.Warnings, WarnNoFigure)
		p.markFailed(ctx, img, true, res)
		return
	}
	res.Slices, res.SliceSource = slices, source
	p.cache.PutSlices(ctx, img.Hash, slices)
}

// markFailed memoizes a slicing failure for img. Only a settled outcome is
// remembered: every tier ran to completion and found nothing. A tier that
// errored or was cut off by the run deadline says nothing about the image.
func (p *Pipeline) markFailed(ctx context.Context, img tools.Image, settled bool, res *PageResult) {
	if !settled || ctx.Err() != nil {
		p.logger.Debug("slicing inconclusive, not memoized", "page", img.Index, "ctx_err", ctx.Err())
		return
	}
	res.SliceFailed = true
	p.cache.MarkSliceFailed(ctx, img.Hash)
}

// upload crops and stores regions and journals the storage step as its own
// call.
func (p *Pipeline) upload(ctx context.Context, img tools.Image, regions []tools.Region, res *PageResult) ([]tools.Slice, error) {
	slices, stats, err := p.slicer.Slice(ctx, img, regions)
	call := execute.Call{Tool: tools.SliceUpload, Page: img.Index, Duration: stats.Duration}
	if err != nil {
		call.Result = tools.Failure(stats.ErrorCode, retry.IsTransient(err), err.Error())
	} else {
		call.Result = tools.Success(&tools.Payload{Slices: slices}, 0)
	}
	call.Runs = []execute.Run{{
		Tool:      tools.SliceUpload,
		Attempts:  stats.Attempts,
		Status:    call.Result.Status,
		ErrorCode: call.Result.ErrorCode,
		Duration:  stats.Duration,
	}}
	if stats.Uploads > 0 {
		p.metrics.ToolCall(string(tools.SliceUpload), string(call.Result.Status), stats.Duration)
		p.metrics.ToolRetries(string(tools.SliceUpload), stats.Attempts)
		res.SliceCalls = append(res.SliceCalls, call)
	}
	return slices, err
}

// locate runs tier 2 and, when it yields nothing, tier 3. settled reports
// whether the last tier that ran finished without error.
func (p *Pipeline) locate(ctx context.Context, in tools.Input, skipLocator bool, res *PageResult) ([]tools.Region, string, bool) {
	if skipLocator {
		return p.detect(ctx, in, res)
	}
	call := p.inv.Invoke(ctx, tools.Locator, in)
	res.SliceCalls = append(res.SliceCalls, call)
	res.Warnings = append(res.Warnings, call.Warnings...)
	if call.Result.OK() && call.Result.Data != nil && len(call.Result.Data.Regions) > 0 {
		src := SourceLocator
		if call.Result.FallbackUsed != "" {
			src = call.Result.FallbackUsed
		}
		return call.Result.Data.Regions, src, true
	}
	if ctx.Err() != nil {
		return nil, "", false
	}
	if call.Result.FallbackUsed == string(tools.RegionDetector) {
		return nil, "", call.Result.Status != tools.StatusError
	}

	return p.detect(ctx, in, res)
}

func (p *Pipeline) detect(ctx context.Context, in tools.Input, res *PageResult) ([]tools.Region, string, bool) {
	call := p.inv.Invoke(ctx, tools.RegionDetector, in)
	res.SliceCalls = append(res.SliceCalls, call)
	res.Warnings = append(res.Warnings, call.Warnings...)
	settled := call.Result.Status != tools.StatusError && ctx.Err() == nil
	if call.Result.OK() && call.Result.Data != nil {
		return call.Result.Data.Regions, SourceDetector, settled
	}
	return nil, "", settled
}

// ProcessAll runs ProcessImage for every image concurrently, bounded by
// MaxParallel, and returns results in image order once all have finished.
func (p *Pipeline) ProcessAll(ctx context.Context, images []tools.Image, subject string, opts func(tools.Image) (Options, bool)) []PageResult {
	results := make([]PageResult, len(images))
	run := make([]bool, len(images))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.MaxParallel)
	for i, img := range images {
		o, ok := opts(img)
		if !ok {
			continue
		}
		run[i] = true
		g.Go(func() error {
			results[i] = p.ProcessImage(gctx, img, subject, o)
			return nil
		})
	}
	_ = g.Wait()

	out := make([]PageResult, 0, len(images))
	for i, r := range results {
		if run[i] {
			out = append(out, r)
		}
	}
	return out
}
