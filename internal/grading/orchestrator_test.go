package grading

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/berth-dev/gradeloop/internal/cache"
	"github.com/berth-dev/gradeloop/internal/execute"
	"github.com/berth-dev/gradeloop/internal/llm"
	"github.com/berth-dev/gradeloop/internal/log"
	"github.com/berth-dev/gradeloop/internal/preprocess"
	"github.com/berth-dev/gradeloop/internal/retry"
	"github.com/berth-dev/gradeloop/internal/session"
	"github.com/berth-dev/gradeloop/internal/testutil"
	"github.com/berth-dev/gradeloop/internal/tools"
)

type stubTool struct {
	name  tools.Name
	calls atomic.Int32
	fn    func(ctx context.Context, in tools.Input) tools.ToolResult
}

func (s *stubTool) Name() tools.Name { return s.name }

func (s *stubTool) Call(ctx context.Context, in tools.Input) tools.ToolResult {
	s.calls.Add(1)
	return s.fn(ctx, in)
}

func stub(name tools.Name, r tools.ToolResult) *stubTool {
	return &stubTool{name: name, fn: func(context.Context, tools.Input) tools.ToolResult { return r }}
}

func textStub(name tools.Name, text string) *stubTool {
	return stub(name, tools.Success(&tools.Payload{Text: text}, 10))
}

// hangStub blocks until its context ends.
func hangStub(name tools.Name) *stubTool {
	return &stubTool{name: name, fn: func(ctx context.Context, _ tools.Input) tools.ToolResult {
		<-ctx.Done()
		return tools.Failure(tools.CodeTimeout, true)
	}}
}

type recorder struct {
	mu       sync.Mutex
	phases   []session.Phase
	calls    []session.ToolCall
	finished *GradeResult
}

func (r *recorder) PhaseChanged(_ string, p session.Phase, _ int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.phases = append(r.phases, p)
}

func (r *recorder) ToolFinished(_ string, c session.ToolCall) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, c)
}

func (r *recorder) Finished(_ string, res *GradeResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = res
}

type rigConfig struct {
	cfg        Config
	invoker    execute.Config
	cache      *tools.ResultCache
	planner    llm.Client
	reflector  llm.Client
	aggregator llm.Client
}

type rig struct {
	orch  *Orchestrator
	store *session.MemoryStore
	audit *log.Logger
	obs   *recorder
	dir   string
}

func newRig(t *testing.T, rc rigConfig, ts ...tools.Tool) *rig {
	t.Helper()
	reg, err := tools.NewRegistry(ts...)
	require.NoError(t, err)

	if rc.cache == nil {
		rc.cache = tools.NewResultCache(cache.NewMemory(128, time.Hour), time.Hour, nil)
	}
	if rc.invoker.Policy.MaxAttempts == 0 {
		rc.invoker.Policy = retry.Policy{MaxAttempts: 3}
	}
	quiet := slog.New(slog.DiscardHandler)
	inv := execute.NewInvoker(reg, rc.invoker, execute.WithCache(rc.cache), execute.WithLogger(quiet))

	dir := t.TempDir()
	pipeline := preprocess.New(inv, tools.NewSlicer(tools.DirUploader{Dir: t.TempDir()}), rc.cache, preprocess.Config{}, nil, quiet)
	audit, err := log.NewLogger(dir)
	require.NoError(t, err)

	r := &rig{store: session.NewMemoryStore(time.Hour), audit: audit, obs: &recorder{}, dir: dir}
	r.orch = NewOrchestrator(Deps{
		Pipeline:   pipeline,
		Planner:    NewPlanner(rc.planner, PlannerConfig{}, quiet),
		Reflector:  NewReflector(rc.reflector, "", 0, quiet),
		Aggregator: NewAggregator(rc.aggregator, "", 0, quiet),
		Store:      r.store,
		Audit:      audit,
		Logger:     quiet,
		Observer:   r.obs,
	}, rc.cfg)
	return r
}

func (r *rig) page(t *testing.T, name string, data []byte) string {
	return testutil.WritePage(t, r.dir, name, data)
}

func (r *rig) state(t *testing.T, id string) *session.State {
	t.Helper()
	st, err := r.store.Load(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, st)
	return st
}

func (r *rig) events(t *testing.T, id, kind string) []log.LogEvent {
	t.Helper()
	all, err := r.audit.ForSession(id)
	require.NoError(t, err)
	var out []log.LogEvent
	for _, e := range all {
		if e.Event == kind {
			out = append(out, e)
		}
	}
	return out
}

func graded(items ...string) *llm.Scripted {
	return (&llm.Scripted{}).Reply(`{"items":[`+strings.Join(items, ",")+`],"uncertain":false}`, 50)
}

func item(id, verdict string, conf float64, figure bool) string {
	return fmt.Sprintf(`{"question_id":%q,"verdict":%q,"reason":"checked","confidence":%.2f,"uses_figure":%t}`, id, verdict, conf, figure)
}

func hasWarning(warnings []string, prefix string) bool {
	for _, w := range warnings {
		if strings.HasPrefix(w, prefix) {
			return true
		}
	}
	return false
}

func TestRun_TextOnlyHomeworkNeverSlices(t *testing.T) {
	ocr := textStub(tools.OCR, "1. 1 + 1 = 2\n2. 2 + 3 = 5")
	locator := stub(tools.Locator, tools.NoResult(tools.CodeNoRegions))
	detector := stub(tools.RegionDetector, tools.NoResult(tools.CodeNoRegions))
	planner := (&llm.Scripted{}).Reply(`{"steps":[]}`, 20)
	agg := graded(item("q1", "correct", 0.95, false), item("q2", "correct", 0.96, false))

	r := newRig(t, rigConfig{cfg: Config{MaxIterations: 2}, planner: planner, aggregator: agg},
		ocr, textStub(tools.OCRFallback, "unused"), locator, detector)
	page := r.page(t, "p1.png", testutil.BlankPage(t, 200, 260))

	res, err := r.orch.Run(context.Background(), Request{Images: []string{page}, Subject: "math", SessionID: "text-only"})
	require.NoError(t, err)

	assert.Equal(t, session.StatusDone, res.Status)
	assert.Empty(t, res.Warnings)
	require.Len(t, res.Items, 2)
	assert.Equal(t, session.VerdictCorrect, res.Items[0].Verdict)

	assert.Zero(t, locator.calls.Load())
	assert.Zero(t, detector.calls.Load())
	reqs := agg.Requests()
	require.Len(t, reqs, 1)
	assert.Empty(t, reqs[0].Images)

	st := r.state(t, "text-only")
	assert.Equal(t, ModeTextOnly, st.PreprocessMeta["aggregation_mode"])
	assert.Equal(t, session.PhaseDone, st.Phase)
	require.NotNil(t, st.Result)
	assert.Equal(t, session.StatusDone, st.Result.Status)
	for _, c := range st.ToolLog {
		assert.False(t, c.Tool.IsSlicing(), "unexpected slicing call %s", c.Tool)
	}
	assert.Equal(t, 80, st.TokensUsed)
}

func TestRun_MissingFigureIsDowngraded(t *testing.T) {
	locator := stub(tools.Locator, tools.NoResult(tools.CodeNoRegions))
	agg := graded(item("q1", "correct", 0.92, true), item("q2", "incorrect", 0.95, false))

	r := newRig(t, rigConfig{cfg: Config{MaxIterations: 2}, aggregator: agg},
		textStub(tools.OCR, "如图，∠ABC = 60°，求∠ACB。\n2. 3 × 4 = 11"),
		locator,
		tools.NewDetector(tools.DefaultDetectorConfig()))
	page := r.page(t, "p1.png", testutil.BlankPage(t, 240, 240))

	res, err := r.orch.Run(context.Background(), Request{Images: []string{page}, Subject: "math", SessionID: "no-figure"})
	require.NoError(t, err)

	st := r.state(t, "no-figure")
	require.NotEmpty(t, st.PlanHistory)
	assert.Equal(t, tools.Locator, st.PlanHistory[0].Step, "slicing is planned before finalizing")
	assert.EqualValues(t, 1, locator.calls.Load())
	assert.Equal(t, 1, st.ReflectionCount)
	assert.Len(t, st.SliceFailedCache, 1)

	assert.Equal(t, session.StatusNeedsReview, res.Status)
	require.Len(t, res.Items, 2)
	assert.Equal(t, session.VerdictUncertain, res.Items[0].Verdict)
	assert.True(t, res.Items[0].Downgraded)
	assert.Equal(t, session.VerdictIncorrect, res.Items[1].Verdict)
	assert.True(t, hasWarning(res.Warnings, "missing_visual_evidence"))
	assert.True(t, hasWarning(res.Warnings, preprocess.WarnNoFigure))

	downgrades := r.events(t, "no-figure", log.EventGateDowngrade)
	require.Len(t, downgrades, 1)
	assert.Equal(t, ReasonMissingVisual, downgrades[0].Reason)
	assert.Equal(t, 1, downgrades[0].Items)
}

func TestRun_LocatorOutageFallsBackToDetector(t *testing.T) {
	locator := stub(tools.Locator, tools.Failure(tools.CodeUnavailable, true))
	agg := graded(item("q1", "correct", 0.93, true))

	r := newRig(t, rigConfig{cfg: Config{MaxIterations: 2}, aggregator: agg},
		textStub(tools.OCR, "As shown in the figure, find angle ABC."),
		locator,
		tools.NewDetector(tools.DefaultDetectorConfig()))
	page := r.page(t, "fig.png", testutil.FigurePage(t, 400, 400, image.Rect(100, 100, 200, 200)))

	res, err := r.orch.Run(context.Background(), Request{Images: []string{page}, Subject: "math", SessionID: "fallback"})
	require.NoError(t, err)

	st := r.state(t, "fallback")
	assert.Equal(t, 3, st.AttemptedTools[tools.Locator].Attempts)
	assert.Positive(t, st.SliceCount())
	assert.Equal(t, string(tools.RegionDetector), st.PreprocessMeta["page_1_slice_source"])
	assert.True(t, hasWarning(st.Warnings, "fallback_used: locate_regions -> detect_regions"))

	var sliceCall *session.ToolCall
	for i := range st.ToolLog {
		if st.ToolLog[i].Tool == tools.Locator {
			sliceCall = &st.ToolLog[i]
		}
	}
	require.NotNil(t, sliceCall)
	assert.Equal(t, string(tools.RegionDetector), sliceCall.FallbackUsed)

	assert.Equal(t, session.StatusDone, res.Status)
	reqs := agg.Requests()
	require.Len(t, reqs, 1)
	assert.Len(t, reqs[0].Images, 1+st.SliceCount())
	assert.Equal(t, session.VerdictCorrect, res.Items[0].Verdict)
}

func TestRun_OCRTimeoutsUseFallback(t *testing.T) {
	ocr := hangStub(tools.OCR)
	fallback := textStub(tools.OCRFallback, "1. 7 - 2 = 5")
	agg := graded(item("q1", "correct", 0.97, false))

	r := newRig(t, rigConfig{
		cfg:        Config{MaxIterations: 1},
		invoker:    execute.Config{Policy: retry.Policy{MaxAttempts: 3}, ToolTimeout: 20 * time.Millisecond},
		aggregator: agg,
	}, ocr, fallback)
	page := r.page(t, "p1.png", testutil.BlankPage(t, 120, 180))

	res, err := r.orch.Run(context.Background(), Request{Images: []string{page}, Subject: "math", SessionID: "timeouts"})
	require.NoError(t, err)

	st := r.state(t, "timeouts")
	assert.EqualValues(t, 3, ocr.calls.Load())
	assert.Equal(t, 3, st.AttemptedTools[tools.OCR].Attempts)
	assert.Equal(t, tools.StatusError, st.AttemptedTools[tools.OCR].LastStatus)
	assert.Equal(t, 1, st.AttemptedTools[tools.OCRFallback].Attempts)

	require.NotEmpty(t, st.ToolLog)
	assert.Equal(t, string(tools.OCRFallback), st.ToolLog[0].FallbackUsed)
	assert.Equal(t, 4, st.ToolLog[0].Attempts)
	assert.Contains(t, st.OCRText, "7 - 2 = 5")

	assert.True(t, hasWarning(res.Warnings, "fallback_used: ocr -> ocr_fallback on page 1 (timeout)"))
	require.Len(t, res.Items, 1)
	assert.Equal(t, session.VerdictCorrect, res.Items[0].Verdict)
}

func TestRun_FastPathSkipsLoop(t *testing.T) {
	planner := &llm.Scripted{}
	reflector := &llm.Scripted{}
	agg := graded(item("q1", "correct", 0.95, false))

	r := newRig(t, rigConfig{cfg: Config{MaxIterations: 0}, planner: planner, reflector: reflector, aggregator: agg},
		textStub(tools.OCR, "Translate: I like apples."))
	page := r.page(t, "p1.png", testutil.BlankPage(t, 150, 150))

	res, err := r.orch.Run(context.Background(), Request{Images: []string{page}, Subject: "english", SessionID: "fast"})
	require.NoError(t, err)

	assert.Equal(t, session.StatusDone, res.Status)
	assert.Empty(t, planner.Requests())
	assert.Empty(t, reflector.Requests())
	assert.Len(t, agg.Requests(), 1)

	st := r.state(t, "fast")
	assert.Zero(t, st.ReflectionCount)
	assert.Empty(t, st.PlanHistory)
	assert.NotContains(t, r.obs.phases, session.PhasePlanning)
	assert.Equal(t, []session.Phase{session.PhaseFinalizing, session.PhaseDone}, r.obs.phases)
	assert.Same(t, res, r.obs.finished)
}

func TestRun_FastPathSlicesRiskyPages(t *testing.T) {
	agg := graded(item("q1", "correct", 0.95, true))
	locator := stub(tools.Locator, tools.NoResult(tools.CodeNoRegions))

	r := newRig(t, rigConfig{cfg: Config{MaxIterations: 0}, aggregator: agg},
		textStub(tools.OCR, "Read the graph and give the slope."),
		locator,
		tools.NewDetector(tools.DefaultDetectorConfig()))
	page := r.page(t, "fig.png", testutil.FigurePage(t, 400, 400, image.Rect(100, 100, 200, 200)))

	res, err := r.orch.Run(context.Background(), Request{Images: []string{page}, Subject: "math", SessionID: "fast-risk"})
	require.NoError(t, err)

	st := r.state(t, "fast-risk")
	assert.EqualValues(t, 1, locator.calls.Load())
	assert.Positive(t, st.SliceCount())
	assert.Equal(t, session.StatusDone, res.Status)
	assert.Equal(t, ModeSlicesAndPages, st.PreprocessMeta["aggregation_mode"])

	assert.Equal(t, 1, st.AttemptedTools[tools.SliceUpload].Attempts)
	var uploads int
	for _, c := range st.ToolLog {
		if c.Tool == tools.SliceUpload {
			uploads++
			assert.Equal(t, tools.StatusOK, c.Status)
		}
	}
	assert.Equal(t, 1, uploads)
}

func TestRun_FastPathMixedRiskPages(t *testing.T) {
	ocr := &stubTool{name: tools.OCR, fn: func(_ context.Context, in tools.Input) tools.ToolResult {
		if in.Image.Index == 0 {
			return tools.Success(&tools.Payload{Text: "1. 如图，∠ABC = 60°，求∠ACB。"}, 1)
		}
		return tools.Success(&tools.Payload{Text: "2. 3 + 4 = 7"}, 1)
	}}
	locator := stub(tools.Locator, tools.NoResult(tools.CodeNoRegions))
	agg := graded(item("1", "correct", 0.95, true), item("2", "correct", 0.95, false))

	r := newRig(t, rigConfig{cfg: Config{MaxIterations: 0}, aggregator: agg},
		ocr, locator, tools.NewDetector(tools.DefaultDetectorConfig()))
	pages := []string{
		r.page(t, "figure-question.png", testutil.BlankPage(t, 240, 240)),
		r.page(t, "plain.png", testutil.FigurePage(t, 400, 400, image.Rect(100, 100, 200, 200))),
	}

	res, err := r.orch.Run(context.Background(), Request{Images: pages, Subject: "math", SessionID: "mixed"})
	require.NoError(t, err)

	st := r.state(t, "mixed")
	assert.EqualValues(t, 1, locator.calls.Load(), "only the risky page is sliced")
	assert.Zero(t, st.PageSlices(1))
	assert.Zero(t, st.SliceCount())
	assert.Equal(t, "1", st.PreprocessMeta["visual_risk_pages"])

	assert.Equal(t, session.StatusNeedsReview, res.Status)
	require.Len(t, res.Items, 2)
	assert.Equal(t, session.VerdictUncertain, res.Items[0].Verdict)
	assert.True(t, res.Items[0].Downgraded)
	assert.Equal(t, session.VerdictCorrect, res.Items[1].Verdict)
	assert.Contains(t, res.Warnings, "missing_visual_evidence: page 1 references a figure but no figure slice was obtained")
}

func TestRun_SliceOfOtherPageDoesNotCoverRiskyPage(t *testing.T) {
	ocr := &stubTool{name: tools.OCR, fn: func(_ context.Context, in tools.Input) tools.ToolResult {
		if in.Image.Index == 0 {
			return tools.Success(&tools.Payload{Text: "1. As shown in the figure, find angle ABC."}, 1)
		}
		return tools.Success(&tools.Payload{Text: "2. 3 + 4 = 7"}, 1)
	}}
	figure := tools.Success(&tools.Payload{Regions: []tools.Region{
		{Kind: tools.SliceQuestion, Box: tools.Box{X0: 90, Y0: 90, X1: 210, Y1: 210}},
	}}, 3)
	locator := &stubTool{name: tools.Locator, fn: func(_ context.Context, in tools.Input) tools.ToolResult {
		if in.Image.Index == 1 {
			return figure
		}
		return tools.NoResult(tools.CodeNoRegions)
	}}
	planner := (&llm.Scripted{}).Reply(`{"steps":[{"step":"locate_regions","args":{"image":1}}]}`, 5)
	reflector := (&llm.Scripted{}).Reply(`{"pass":true,"confidence":0.97}`, 5)
	agg := graded(item("1", "correct", 0.95, true), item("2", "correct", 0.95, false))

	r := newRig(t, rigConfig{cfg: Config{MaxIterations: 1}, planner: planner, reflector: reflector, aggregator: agg},
		ocr, locator, tools.NewDetector(tools.DefaultDetectorConfig()))
	pages := []string{
		r.page(t, "figure-question.png", testutil.BlankPage(t, 240, 240)),
		r.page(t, "plain.png", testutil.FigurePage(t, 400, 400, image.Rect(100, 100, 200, 200))),
	}

	res, err := r.orch.Run(context.Background(), Request{Images: pages, Subject: "math", SessionID: "cross-page"})
	require.NoError(t, err)

	st := r.state(t, "cross-page")
	assert.Positive(t, st.PageSlices(1))
	assert.Zero(t, st.PageSlices(0))
	assert.Equal(t, session.StatusNeedsReview, res.Status)
	require.Len(t, res.Items, 2)
	assert.Equal(t, session.VerdictUncertain, res.Items[0].Verdict)
	assert.Contains(t, res.Items[0].Reason, "downgraded: missing_visual_evidence")
	assert.Contains(t, res.Warnings, "gate_downgrade: missing_visual_evidence (figure never seen on page 1)")
}

func TestRun_ReflectionCountBoundedByBudget(t *testing.T) {
	planner := &llm.Scripted{Fallback: &llm.Response{Text: `{"steps":[{"step":"ocr_fallback","args":{"image":0}}]}`}}
	reflector := &llm.Scripted{Fallback: &llm.Response{Text: `{"pass":false,"confidence":0.4,"issues":["q2 illegible"]}`}}
	agg := graded(item("q1", "correct", 0.95, false), item("q2", "incorrect", 0.6, false))

	r := newRig(t, rigConfig{cfg: Config{MaxIterations: 3}, planner: planner, reflector: reflector, aggregator: agg},
		textStub(tools.OCR, "1. 4 + 4 = 8\n2. ???"), textStub(tools.OCRFallback, "1. 4 + 4 = 8\n2. ???"))
	page := r.page(t, "p1.png", testutil.BlankPage(t, 210, 210))

	res, err := r.orch.Run(context.Background(), Request{Images: []string{page}, Subject: "math", SessionID: "capped"})
	require.NoError(t, err)

	st := r.state(t, "capped")
	assert.Equal(t, 3, st.ReflectionCount)
	assert.Len(t, reflector.Requests(), 3)
	assert.True(t, hasWarning(res.Warnings, "max_iterations_reached: 3"))

	assert.Equal(t, session.StatusNeedsReview, res.Status)
	for _, it := range res.Items {
		assert.Equal(t, session.VerdictUncertain, it.Verdict)
		assert.True(t, it.Downgraded)
	}
	assert.True(t, hasWarning(res.Warnings, "gate_downgrade: budget_exhausted"))
	assert.Len(t, r.events(t, "capped", log.EventReflection), 3)
}

func TestRun_TokenBudgetStopsLoop(t *testing.T) {
	planner := &llm.Scripted{Fallback: &llm.Response{
		Text:  `{"steps":[{"step":"ocr_fallback","args":{"image":0}}]}`,
		Usage: llm.Usage{TotalTokens: 500},
	}}
	reflector := &llm.Scripted{Fallback: &llm.Response{Text: `{"pass":false,"confidence":0.3}`}}
	agg := graded(item("q1", "correct", 0.95, false))

	r := newRig(t, rigConfig{cfg: Config{MaxIterations: 3, MaxTokens: 400}, planner: planner, reflector: reflector, aggregator: agg},
		textStub(tools.OCR, "1. 9 / 3 = 3"), textStub(tools.OCRFallback, "1. 9 / 3 = 3"))
	page := r.page(t, "p1.png", testutil.BlankPage(t, 220, 100))

	res, err := r.orch.Run(context.Background(), Request{Images: []string{page}, Subject: "math", SessionID: "tokens"})
	require.NoError(t, err)

	st := r.state(t, "tokens")
	assert.Equal(t, 1, st.ReflectionCount)
	assert.Contains(t, res.Warnings, "budget_exhausted: tokens")
	assert.Equal(t, session.StatusNeedsReview, res.Status)
	assert.Equal(t, session.VerdictUncertain, res.Items[0].Verdict)
}

func TestRun_TimeoutStillFinalizes(t *testing.T) {
	agg := (&llm.Scripted{}).Reply(`{"items":[],"uncertain":true}`, 5)
	r := newRig(t, rigConfig{cfg: Config{MaxIterations: 2}, aggregator: agg},
		hangStub(tools.OCR), hangStub(tools.OCRFallback))
	page := r.page(t, "p1.png", testutil.BlankPage(t, 90, 90))

	start := time.Now()
	res, err := r.orch.Run(context.Background(), Request{
		Images:    []string{page},
		Subject:   "math",
		SessionID: "slow",
		Budget:    &Budget{MaxIterations: Iterations(2), Timeout: 50 * time.Millisecond},
	})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)

	assert.Equal(t, session.StatusFailed, res.Status)
	assert.Contains(t, res.Warnings, "budget_exhausted: timeout")
	assert.Len(t, agg.Requests(), 1, "aggregation runs after the run deadline")

	st := r.state(t, "slow")
	assert.Zero(t, st.ReflectionCount)
	assert.Equal(t, session.PhaseDone, st.Phase)
}

func TestRun_SharedCacheAcrossRuns(t *testing.T) {
	rc := tools.NewResultCache(cache.NewMemory(64, time.Hour), time.Hour, nil)
	ocr := textStub(tools.OCR, "1. 5 + 5 = 10")
	agg := &llm.Scripted{Fallback: &llm.Response{Text: `{"items":[` + item("q1", "correct", 0.95, false) + `]}`}}

	r := newRig(t, rigConfig{cfg: Config{MaxIterations: 1}, cache: rc, aggregator: agg}, ocr)
	page := r.page(t, "p1.png", testutil.BlankPage(t, 140, 170))

	for _, id := range []string{"first", "second"} {
		res, err := r.orch.Run(context.Background(), Request{Images: []string{page}, Subject: "math", SessionID: id})
		require.NoError(t, err)
		assert.Equal(t, session.StatusDone, res.Status)
	}

	assert.EqualValues(t, 1, ocr.calls.Load())
	first, second := r.state(t, "first"), r.state(t, "second")
	assert.Equal(t, first.OCRText, second.OCRText)
	require.Len(t, second.ToolLog, 1)
	assert.True(t, second.ToolLog[0].Cached)
}

func TestRun_MultiplePagesKeepOrder(t *testing.T) {
	ocr := &stubTool{name: tools.OCR, fn: func(_ context.Context, in tools.Input) tools.ToolResult {
		return tools.Success(&tools.Payload{Text: fmt.Sprintf("answers of page %d", in.Image.Index+1)}, 1)
	}}
	agg := graded(item("q1", "correct", 0.95, false))
	r := newRig(t, rigConfig{cfg: Config{MaxIterations: 1}, aggregator: agg}, ocr)

	pages := []string{
		r.page(t, "a.png", testutil.BlankPage(t, 100, 101)),
		r.page(t, "b.png", testutil.BlankPage(t, 100, 102)),
		r.page(t, "c.png", testutil.BlankPage(t, 100, 103)),
	}
	_, err := r.orch.Run(context.Background(), Request{Images: pages, Subject: "math", SessionID: "pages"})
	require.NoError(t, err)

	st := r.state(t, "pages")
	assert.Equal(t, "[page 1]\nanswers of page 1\n\n[page 2]\nanswers of page 2\n\n[page 3]\nanswers of page 3", st.OCRText)
	assert.Len(t, r.events(t, "pages", log.EventToolCall), 3)
}

func TestRun_InputErrors(t *testing.T) {
	r := newRig(t, rigConfig{cfg: Config{MaxIterations: 1}}, textStub(tools.OCR, "x"))

	_, err := r.orch.Run(context.Background(), Request{Subject: "math"})
	assert.ErrorIs(t, err, ErrNoImages)

	page := r.page(t, "p1.png", testutil.BlankPage(t, 50, 50))
	_, err = r.orch.Run(context.Background(), Request{Images: []string{page}, Subject: "chemistry"})
	assert.ErrorIs(t, err, ErrInvalidSubject)

	_, err = r.orch.Run(context.Background(), Request{
		Images:    []string{r.dir + "/missing-1.png", r.dir + "/missing-2.png"},
		Subject:   "math",
		SessionID: "unusable",
	})
	require.ErrorIs(t, err, ErrNoUsableImages)
	assert.Contains(t, err.Error(), "image_unusable: page 2")

	failed := r.events(t, "unusable", log.EventRunFailed)
	require.Len(t, failed, 1)
	assert.NotEmpty(t, failed[0].Warnings)
}

func TestRun_UnusablePageIsWarned(t *testing.T) {
	agg := graded(item("q1", "correct", 0.95, false))
	r := newRig(t, rigConfig{cfg: Config{MaxIterations: 1}, aggregator: agg}, textStub(tools.OCR, "1. 2 + 2 = 4"))
	page := r.page(t, "p1.png", testutil.BlankPage(t, 60, 60))

	res, err := r.orch.Run(context.Background(), Request{Images: []string{page, r.dir + "/gone.png"}, Subject: "math"})
	require.NoError(t, err)
	assert.Equal(t, session.StatusDone, res.Status)
	assert.True(t, hasWarning(res.Warnings, "image_unusable: page 2"))
}

func TestRun_NonImageUploadIsUnusable(t *testing.T) {
	r := newRig(t, rigConfig{cfg: Config{MaxIterations: 1}}, textStub(tools.OCR, "x"))
	notes := r.page(t, "notes.txt", []byte("this is not an image at all"))

	_, err := r.orch.Run(context.Background(), Request{Images: []string{notes}, Subject: "math", SessionID: "text-file"})
	require.ErrorIs(t, err, ErrNoUsableImages)
	assert.Contains(t, err.Error(), "image_unusable: page 1 (decode_failed)")
}

func TestBudgetOverrides(t *testing.T) {
	o := NewOrchestrator(Deps{}, Config{MaxIterations: 2, MaxTokens: 1000, Timeout: time.Minute})

	tests := []struct {
		name string
		in   *Budget
		want Budget
	}{
		{"nil keeps defaults", nil, Budget{MaxTokens: 1000, Timeout: time.Minute}},
		{"tokens only keeps iterations", &Budget{MaxTokens: 500}, Budget{MaxTokens: 500, Timeout: time.Minute}},
		{"zero iterations is the fast path", &Budget{MaxIterations: Iterations(0)}, Budget{MaxIterations: Iterations(0), MaxTokens: 1000, Timeout: time.Minute}},
		{"negative iterations keep default", &Budget{MaxIterations: Iterations(-1)}, Budget{MaxTokens: 1000, Timeout: time.Minute}},
		{"all overridden", &Budget{MaxIterations: Iterations(3), MaxTokens: 50, Timeout: time.Second},
			Budget{MaxIterations: Iterations(3), MaxTokens: 50, Timeout: time.Second}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := o.budget(tt.in)
			want := 2
			if tt.want.MaxIterations != nil {
				want = *tt.want.MaxIterations
			}
			assert.Equal(t, want, got.MaxIterations)
			assert.Equal(t, tt.want.MaxTokens, got.MaxTokens)
			assert.Equal(t, tt.want.Timeout, got.Timeout)
		})
	}
}
