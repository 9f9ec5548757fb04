package grading

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/berth-dev/gradeloop/internal/log"
	"github.com/berth-dev/gradeloop/internal/metrics"
	"github.com/berth-dev/gradeloop/internal/preprocess"
	"github.com/berth-dev/gradeloop/internal/retry"
	"github.com/berth-dev/gradeloop/internal/session"
	"github.com/berth-dev/gradeloop/internal/tools"
)

const tracerName = "github.com/berth-dev/gradeloop/internal/grading"

// Config holds the loop defaults. A Request budget overrides the budget
// fields for one run.
type Config struct {
	MaxIterations       int
	ConfidenceThreshold float64
	MaxTokens           int // 0 = unlimited
	Timeout             time.Duration
	FinalizeTimeout     time.Duration
	MaxParallel         int
}

// Deps are the collaborators of an Orchestrator. Pipeline, Planner,
// Reflector and Aggregator are required; everything else is optional.
type Deps struct {
	Fetcher    tools.Fetcher
	Pipeline   *preprocess.Pipeline
	Planner    *Planner
	Reflector  *Reflector
	Aggregator *Aggregator
	Store      session.Store
	Audit      *log.Logger
	Metrics    *metrics.Metrics
	Tracer     trace.Tracer
	Logger     *slog.Logger
	Observer   Observer
	Now        func() time.Time
}

// Orchestrator runs grading sessions. One Orchestrator serves any number
// of concurrent runs; each run owns its own session state.
type Orchestrator struct {
	cfg      Config
	fetcher  tools.Fetcher
	pipeline *preprocess.Pipeline
	executor *Executor
	planner  *Planner
	reflect  *Reflector
	agg      *Aggregator
	store    session.Store
	audit    *log.Logger
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	logger   *slog.Logger
	observer Observer
	now      func() time.Time
}

// NewOrchestrator wires an Orchestrator.
func NewOrchestrator(d Deps, cfg Config) *Orchestrator {
	if cfg.MaxIterations < 0 {
		cfg.MaxIterations = 0
	}
	// Config validation rejects a zero threshold, so zero here means unset.
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = 0.9
	}
	if cfg.FinalizeTimeout <= 0 {
		cfg.FinalizeTimeout = 60 * time.Second
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 4
	}
	o := &Orchestrator{
		cfg:      cfg,
		fetcher:  d.Fetcher,
		pipeline: d.Pipeline,
		executor: NewExecutor(d.Pipeline, cfg.MaxParallel),
		planner:  d.Planner,
		reflect:  d.Reflector,
		agg:      d.Aggregator,
		store:    d.Store,
		audit:    d.Audit,
		metrics:  d.Metrics,
		tracer:   d.Tracer,
		logger:   d.Logger,
		observer: d.Observer,
		now:      d.Now,
	}
	if o.fetcher == nil {
		o.fetcher = tools.DefaultFetcher()
	}
	if o.tracer == nil {
		o.tracer = otel.Tracer(tracerName)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.observer == nil {
		o.observer = NopObserver{}
	}
	if o.now == nil {
		o.now = time.Now
	}
	return o
}

// Config returns the loop defaults.
func (o *Orchestrator) Config() Config { return o.cfg }

// limits is a Budget resolved against the orchestrator defaults.
type limits struct {
	MaxIterations int
	MaxTokens     int
	Timeout       time.Duration
}

func (o *Orchestrator) budget(b *Budget) limits {
	out := limits{MaxIterations: o.cfg.MaxIterations, MaxTokens: o.cfg.MaxTokens, Timeout: o.cfg.Timeout}
	if b == nil {
		return out
	}
	if b.MaxIterations != nil && *b.MaxIterations >= 0 {
		out.MaxIterations = *b.MaxIterations
	}
	if b.MaxTokens > 0 {
		out.MaxTokens = b.MaxTokens
	}
	if b.Timeout > 0 {
		out.Timeout = b.Timeout
	}
	return out
}

// run carries the per-run values the loop steps share.
type run struct {
	st      *session.State
	subject Subject
	images  []tools.Image
	budget  limits
	start   time.Time
	last    *ReflectionVerdict // most recent reflection, nil when none ran
}

// Run grades one submission. It returns an error only for unusable input:
// no images, an unknown subject, or no image that could be loaded. Every
// other problem ends up in the result's warnings. When the wall-clock or
// token budget runs out the loop stops and the evidence gathered so far is
// aggregated and gated.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*GradeResult, error) {
	if len(req.Images) == 0 {
		return nil, ErrNoImages
	}
	subject, err := ParseSubject(req.Subject)
	if err != nil {
		return nil, err
	}

	r := &run{subject: subject, budget: o.budget(req.Budget), start: o.now()}
	r.st = session.New(req.SessionID, req.Images, string(subject), r.start)

	ctx, span := o.tracer.Start(ctx, "grading.run", trace.WithAttributes(
		attribute.String("session", r.st.SessionID),
		attribute.String("subject", string(subject)),
		attribute.Int("pages", len(req.Images)),
		attribute.Int("max_iterations", r.budget.MaxIterations),
	))
	defer span.End()

	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if r.budget.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, r.budget.Timeout)
	}
	defer cancel()

	o.metrics.RunStarted()
	o.event(log.LogEvent{Event: log.EventRunStarted, Session: r.st.SessionID, Subject: string(subject), Pages: len(req.Images)})
	o.save(ctx, r.st)

	r.images = o.loadImages(runCtx, r.st)
	if len(r.images) == 0 {
		err := fmt.Errorf("%w: %s", ErrNoUsableImages, strings.Join(r.st.Warnings, "; "))
		o.fail(ctx, r, span, err)
		return nil, err
	}

	o.preprocess(runCtx, r)
	budgetStop, passed := o.loop(ctx, runCtx, r)

	if !passed && !budgetStop {
		if reason := exhaustedReason(runCtx, r.st, r.budget); reason != "" {
			r.st.AddWarning("budget_exhausted: " + reason)
			budgetStop = true
		}
	}

	// Finalization gets its own deadline so an expired run budget still
	// produces a gated result.
	fctx, fcancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.FinalizeTimeout)
	defer fcancel()
	result := o.finalize(fctx, r, budgetStop)

	span.SetAttributes(
		attribute.String("status", string(result.Status)),
		attribute.Int("iterations", r.st.ReflectionCount),
		attribute.Int("tokens", r.st.TokensUsed),
	)
	return result, nil
}

func (o *Orchestrator) loadImages(ctx context.Context, st *session.State) []tools.Image {
	images := make([]tools.Image, len(st.ImageURLs))
	errs := make([]error, len(st.ImageURLs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.MaxParallel)
	for i, ref := range st.ImageURLs {
		g.Go(func() error {
			images[i], errs[i] = tools.LoadImage(gctx, o.fetcher, i, ref)
			return nil
		})
	}
	_ = g.Wait()

	usable := make([]tools.Image, 0, len(images))
	for i, err := range errs {
		if err != nil {
			o.logger.Warn("image unusable", "session", st.SessionID, "page", i+1, "error", err)
			st.AddWarning(fmt.Sprintf("image_unusable: page %d (%s)", i+1, imageErrorCode(err)))
			continue
		}
		usable = append(usable, images[i])
	}
	return usable
}

func imageErrorCode(err error) string {
	if errors.Is(err, tools.ErrEmptyImage) {
		return "empty"
	}
	return retry.Code(err)
}

// preprocess runs the OCR pass over every page. On the fast path, pages
// whose own text suggests a figure are sliced here as well since no
// planner will ask for it.
func (o *Orchestrator) preprocess(ctx context.Context, r *run) {
	ctx, span := o.tracer.Start(ctx, "grading.preprocess")
	defer span.End()

	results := o.pipeline.ProcessAll(ctx, r.images, string(r.subject), func(tools.Image) (preprocess.Options, bool) {
		return preprocess.Options{OCR: true}, true
	})
	for _, res := range results {
		o.applyPage(r.st, 0, res)
	}

	risk := HasVisualRisk(r.st.OCRText)
	if missing := MissingVisualPages(r.st, r.images); r.budget.MaxIterations == 0 && len(missing) > 0 && ctx.Err() == nil {
		want := make(map[int]bool, len(missing))
		for _, page := range missing {
			want[page] = true
		}
		results = o.pipeline.ProcessAll(ctx, r.images, string(r.subject), func(img tools.Image) (preprocess.Options, bool) {
			if !want[img.Index] {
				return preprocess.Options{}, false
			}
			return preprocess.Options{Slice: true, UseCache: true, KnownSliceFailed: r.st.SliceFailed(img.Hash)}, true
		})
		for _, res := range results {
			o.applyPage(r.st, 0, res)
		}
	}

	r.st.SetMeta("visual_risk", strconv.FormatBool(risk))
	if markers := VisualRiskMarkers(r.st.OCRText); len(markers) > 0 {
		r.st.SetMeta("visual_risk_markers", strings.Join(markers, ","))
	}
	if pages := RiskyPages(r.st, r.images); len(pages) > 0 {
		r.st.SetMeta("visual_risk_pages", pageList(pages))
	}
	r.st.Touch(o.now())
	o.event(log.LogEvent{
		Event:    log.EventPreprocessComplete,
		Session:  r.st.SessionID,
		Pages:    len(r.images),
		Warnings: r.st.Warnings,
		Data: map[string]any{
			"ocr_chars":   len(r.st.OCRText),
			"slices":      r.st.SliceCount(),
			"visual_risk": risk,
		},
	})
	o.save(ctx, r.st)
}

// loop runs PLANNING -> EXECUTING -> REFLECTING until the reflector is
// satisfied, the planner has nothing left to do or a budget runs out.
// reflection_count never exceeds the iteration budget.
func (o *Orchestrator) loop(ctx, runCtx context.Context, r *run) (budgetStop, passed bool) {
	st := r.st

	for st.ReflectionCount < r.budget.MaxIterations {
		if reason := exhaustedReason(runCtx, st, r.budget); reason != "" {
			st.AddWarning("budget_exhausted: " + reason)
			return true, false
		}
		iteration := st.ReflectionCount + 1
		iterCtx, span := o.tracer.Start(runCtx, "grading.iteration", trace.WithAttributes(attribute.Int("iteration", iteration)))

		o.setPhase(st, session.PhasePlanning, iteration)
		plan := o.planner.Plan(iterCtx, st, PlanInput{
			Subject:       r.subject,
			Iteration:     iteration,
			MaxIterations: r.budget.MaxIterations,
			Images:        r.images,
			VisualRisk:    HasVisualRisk(st.OCRText),
			Verdict:       r.last,
		})
		st.AddTokens(plan.Tokens)
		for _, w := range plan.Warnings {
			st.AddWarning(w)
		}
		o.event(log.LogEvent{
			Event:     log.EventPlanProposed,
			Session:   st.SessionID,
			Iteration: iteration,
			Steps:     stepNames(plan.Steps),
			Tokens:    plan.Tokens,
			Warnings:  plan.Warnings,
		})
		if len(plan.Steps) == 0 {
			span.End()
			return false, r.last != nil && r.last.Pass && r.last.Confidence >= o.cfg.ConfidenceThreshold
		}
		for _, s := range plan.Steps {
			st.AppendPlan(session.PlanEntry{Iteration: iteration, Step: s.Step, Args: s.Args})
		}

		o.setPhase(st, session.PhaseExecuting, iteration)
		results := o.executor.Execute(iterCtx, st, r.subject, r.images, plan.Steps)
		for _, res := range results {
			o.applyPage(st, iteration, res.Page)
		}

		o.setPhase(st, session.PhaseReflecting, iteration)
		refl := o.reflect.Reflect(iterCtx, st, r.subject, r.images, HasVisualRisk(st.OCRText), results)
		st.AddTokens(refl.Tokens)
		st.ReflectionCount++
		v := refl.Verdict
		r.last = &v
		pass := v.Pass
		o.event(log.LogEvent{
			Event:      log.EventReflection,
			Session:    st.SessionID,
			Iteration:  iteration,
			Pass:       &pass,
			Confidence: v.Confidence,
			Issues:     v.Issues,
			Reason:     v.Suggestion,
			Tokens:     refl.Tokens,
		})
		span.SetAttributes(attribute.Bool("pass", v.Pass), attribute.Float64("confidence", v.Confidence))
		span.End()

		st.Touch(o.now())
		o.save(ctx, st)

		if v.Pass && v.Confidence >= o.cfg.ConfidenceThreshold {
			return false, true
		}
	}

	if r.last != nil {
		st.AddWarning(fmt.Sprintf("max_iterations_reached: %d (last confidence %.2f)", r.budget.MaxIterations, r.last.Confidence))
		return true, false
	}
	return false, false
}

func exhaustedReason(ctx context.Context, st *session.State, b limits) string {
	if b.MaxTokens > 0 && st.TokensUsed >= b.MaxTokens {
		return "tokens"
	}
	if ctx.Err() != nil {
		return "timeout"
	}
	return ""
}

func (o *Orchestrator) finalize(ctx context.Context, r *run, budgetStop bool) *GradeResult {
	st := r.st
	ctx, span := o.tracer.Start(ctx, "grading.finalize")
	defer span.End()

	o.setPhase(st, session.PhaseFinalizing, st.ReflectionCount)
	risk := HasVisualRisk(st.OCRText)
	agg := o.agg.Aggregate(ctx, st, r.subject, r.images, risk)
	st.AddTokens(agg.Tokens)
	st.SetMeta("aggregation_mode", agg.Mode)

	dec := Gate(st, agg, GateInput{
		MissingVisualPages: MissingVisualPages(st, r.images),
		SliceCount:         st.SliceCount(),
		HasText:            strings.TrimSpace(st.OCRText) != "",
		BudgetExhausted:    budgetStop,
		LastVerdict:        r.last,
		Threshold:          o.cfg.ConfidenceThreshold,
	})

	reasons := make([]string, 0, len(dec.Downgrades))
	for reason := range dec.Downgrades {
		reasons = append(reasons, reason)
	}
	sort.Strings(reasons)
	for _, reason := range reasons {
		n := dec.Downgrades[reason]
		o.metrics.GateDowngrade(reason, n)
		o.event(log.LogEvent{Event: log.EventGateDowngrade, Session: st.SessionID, Reason: reason, Items: n})
	}

	result := dec.Result
	st.Result = &result
	st.Phase = session.PhaseDone
	st.Touch(o.now())
	o.save(ctx, st)

	elapsed := o.now().Sub(r.start)
	o.event(log.LogEvent{
		Event:      log.EventRunComplete,
		Session:    st.SessionID,
		Iteration:  st.ReflectionCount,
		Status:     string(result.Status),
		Items:      len(result.Items),
		Warnings:   result.Warnings,
		Tokens:     st.TokensUsed,
		DurationMs: elapsed.Milliseconds(),
	})
	o.metrics.RunFinished(string(result.Status), st.ReflectionCount, elapsed)
	o.metrics.Tokens(st.TokensUsed)
	o.observer.PhaseChanged(st.SessionID, session.PhaseDone, st.ReflectionCount)
	o.observer.Finished(st.SessionID, &result)

	o.logger.Info("grading run complete",
		"session", st.SessionID,
		"status", result.Status,
		"items", len(result.Items),
		"iterations", st.ReflectionCount,
		"tokens", st.TokensUsed,
		"warnings", len(result.Warnings),
	)
	return &result
}

func (o *Orchestrator) fail(ctx context.Context, r *run, span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	elapsed := o.now().Sub(r.start)
	r.st.Touch(o.now())
	o.save(ctx, r.st)
	o.event(log.LogEvent{
		Event:      log.EventRunFailed,
		Session:    r.st.SessionID,
		Error:      err.Error(),
		Warnings:   r.st.Warnings,
		DurationMs: elapsed.Milliseconds(),
	})
	o.metrics.RunFinished(string(session.StatusFailed), 0, elapsed)
	o.logger.Error("grading run failed", "session", r.st.SessionID, "error", err)
}

// applyPage folds one page's outcome into the session state. It is only
// called from the goroutine driving the run, after the dispatch that
// produced res has been joined.
func (o *Orchestrator) applyPage(st *session.State, iteration int, res preprocess.PageResult) {
	for _, call := range res.Calls() {
		for _, rn := range call.Runs {
			st.RecordAttempt(rn.Tool, rn.Attempts, rn.Status)
		}
		key := fmt.Sprintf("%s:%d", call.Tool, call.Page)
		st.RecordResult(key, call.Result)
		st.AddTokens(call.Tokens)

		tc := session.ToolCall{
			Iteration:    iteration,
			Tool:         call.Tool,
			Key:          key,
			Status:       call.Result.Status,
			ErrorCode:    call.Result.ErrorCode,
			Attempts:     call.Attempts(),
			FallbackUsed: call.Result.FallbackUsed,
			Cached:       call.Cached,
			DurationMS:   call.Duration.Milliseconds(),
		}
		st.AppendCall(tc)

		page := call.Page
		o.event(log.LogEvent{
			Event:        log.EventToolCall,
			Session:      st.SessionID,
			Iteration:    iteration,
			Tool:         string(call.Tool),
			Page:         &page,
			Status:       string(tc.Status),
			ErrorCode:    tc.ErrorCode,
			Attempts:     tc.Attempts,
			FallbackUsed: tc.FallbackUsed,
			Cached:       tc.Cached,
			Tokens:       call.Tokens,
			DurationMs:   tc.DurationMS,
		})
		o.observer.ToolFinished(st.SessionID, tc)
	}

	for _, w := range res.Warnings {
		st.AddWarning(w)
	}
	if res.OCRText != "" {
		st.SetPageText(res.Page, res.OCRText)
	}
	if len(res.Slices) > 0 {
		st.AddSlices(res.Slices)
		st.SetMeta(fmt.Sprintf("page_%d_slice_source", res.Page+1), res.SliceSource)
	}
	if res.SliceFailed || res.SliceSkip {
		st.MarkSliceFailed(res.Hash)
	}
}

func (o *Orchestrator) setPhase(st *session.State, phase session.Phase, iteration int) {
	st.Phase = phase
	o.observer.PhaseChanged(st.SessionID, phase, iteration)
}

// save persists st. A store failure degrades recovery, not grading, so it
// only leaves a warning.
func (o *Orchestrator) save(ctx context.Context, st *session.State) {
	if o.store == nil {
		return
	}
	if err := o.store.Save(ctx, st); err != nil {
		o.logger.Warn("saving session", "session", st.SessionID, "error", err)
		st.AddWarning("session_save_failed")
	}
}

func (o *Orchestrator) event(e log.LogEvent) {
	if err := o.audit.Append(e); err != nil {
		o.logger.Warn("writing audit event", "event", e.Event, "error", err)
	}
}

func stepNames(steps []PlanStep) []string {
	out := make([]string, 0, len(steps))
	for _, s := range steps {
		page, _ := s.Page()
		out = append(out, fmt.Sprintf("%s(%d)", s.Step, page))
	}
	return out
}
