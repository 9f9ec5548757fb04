package execute

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/berth-dev/gradeloop/internal/cache"
	"github.com/berth-dev/gradeloop/internal/retry"
	"github.com/berth-dev/gradeloop/internal/tools"
)

// scriptTool returns its results in order, repeating the last one.
type scriptTool struct {
	name    tools.Name
	results []tools.ToolResult
	calls   atomic.Int32
}

func (s *scriptTool) Name() tools.Name { return s.name }

func (s *scriptTool) Call(_ context.Context, _ tools.Input) tools.ToolResult {
	i := int(s.calls.Add(1)) - 1
	if i >= len(s.results) {
		i = len(s.results) - 1
	}
	return s.results[i]
}

var fastPolicy = retry.Policy{MaxAttempts: 3}

func page(i int) tools.Input {
	return tools.Input{Image: tools.Image{Index: i, Hash: "hash-" + string(rune('a'+i))}}
}

func newInvoker(t *testing.T, opts []Option, ts ...tools.Tool) *Invoker {
	t.Helper()
	reg, err := tools.NewRegistry(ts...)
	require.NoError(t, err)
	return NewInvoker(reg, Config{Policy: fastPolicy, ToolTimeout: time.Second}, opts...)
}

func TestInvokeSuccessCachesOCR(t *testing.T) {
	ocr := &scriptTool{name: tools.OCR, results: []tools.ToolResult{tools.Success(&tools.Payload{Text: "x = 2"}, 9)}}
	rc := tools.NewResultCache(cache.NewMemory(8, time.Hour), time.Hour, nil)
	inv := newInvoker(t, []Option{WithCache(rc)}, ocr)

	first := inv.Invoke(context.Background(), tools.OCR, page(0))
	assert.True(t, first.Result.OK())
	assert.False(t, first.Cached)
	assert.Equal(t, 1, first.Attempts())
	assert.Equal(t, 9, first.Tokens)

	second := inv.Invoke(context.Background(), tools.OCR, page(0))
	assert.True(t, second.Cached)
	assert.Equal(t, "x = 2", second.Result.Text())
	assert.Equal(t, first.Result.Text(), second.Result.Text())
	assert.Equal(t, int32(1), ocr.calls.Load(), "cache hit must not call the tool again")
	assert.Zero(t, second.Attempts())
}

func TestInvokeExhaustedRetriesUseFallback(t *testing.T) {
	timeout := tools.Failure(tools.CodeTimeout, true)
	ocr := &scriptTool{name: tools.OCR, results: []tools.ToolResult{timeout}}
	alt := &scriptTool{name: tools.OCRFallback, results: []tools.ToolResult{tools.Success(&tools.Payload{Text: "alt"}, 3)}}
	inv := newInvoker(t, nil, ocr, alt)

	call := inv.Invoke(context.Background(), tools.OCR, page(1))
	require.True(t, call.Result.OK())
	assert.Equal(t, string(tools.OCRFallback), call.Result.FallbackUsed)
	assert.Equal(t, int32(3), ocr.calls.Load())
	require.Len(t, call.Runs, 2)
	assert.Equal(t, Run{Tool: tools.OCR, Attempts: 3, Status: tools.StatusError, ErrorCode: tools.CodeTimeout}, withoutDuration(call.Runs[0]))
	assert.Equal(t, 1, call.Runs[1].Attempts)
	assert.Equal(t, []string{"fallback_used: ocr -> ocr_fallback on page 2 (timeout)"}, call.Warnings)
}

func TestInvokeNonRetryableFailureIsRecordedNotRetried(t *testing.T) {
	loc := &scriptTool{name: tools.Locator, results: []tools.ToolResult{tools.Failure(tools.CodeBadOutput, false)}}
	det := &scriptTool{name: tools.RegionDetector, results: []tools.ToolResult{tools.NoResult(tools.CodeNoRegions)}}
	inv := newInvoker(t, nil, loc, det)

	call := inv.Invoke(context.Background(), tools.Locator, page(0))
	assert.Equal(t, tools.StatusError, call.Result.Status)
	assert.Equal(t, int32(1), loc.calls.Load())
	assert.Zero(t, det.calls.Load())
	assert.Equal(t, []string{"tool_failed: locate_regions on page 1 (bad_output)"}, call.Warnings)
}

func TestInvokeFallbackFailureIsReported(t *testing.T) {
	down := tools.Failure(tools.CodeUnavailable, true)
	ocr := &scriptTool{name: tools.OCR, results: []tools.ToolResult{down}}
	alt := &scriptTool{name: tools.OCRFallback, results: []tools.ToolResult{down}}
	inv := newInvoker(t, nil, ocr, alt)

	call := inv.Invoke(context.Background(), tools.OCR, page(0))
	assert.Equal(t, tools.StatusError, call.Result.Status)
	assert.Equal(t, string(tools.OCRFallback), call.Result.FallbackUsed)
	assert.Equal(t, 6, call.Attempts())
	assert.Contains(t, call.Warnings, "tool_failed: ocr_fallback on page 1 (unavailable)")
}

func TestInvokeOpenBreakerSkipsToFallback(t *testing.T) {
	ocr := &scriptTool{name: tools.OCR, results: []tools.ToolResult{tools.Failure(tools.CodeBadOutput, false)}}
	alt := &scriptTool{name: tools.OCRFallback, results: []tools.ToolResult{tools.Success(&tools.Payload{Text: "alt"}, 0)}}
	inv := newInvoker(t, []Option{WithBreakers(NewBreakers(2, time.Hour))}, ocr, alt)
	ctx := context.Background()

	inv.Invoke(ctx, tools.OCR, page(0))
	inv.Invoke(ctx, tools.OCR, page(1))
	require.Equal(t, int32(2), ocr.calls.Load())

	call := inv.Invoke(ctx, tools.OCR, page(2))
	assert.Equal(t, int32(2), ocr.calls.Load(), "open breaker must not call the tool")
	assert.True(t, call.Result.OK())
	assert.Equal(t, string(tools.OCRFallback), call.Result.FallbackUsed)
	assert.Equal(t, tools.CodeBreakerOpen, call.Runs[0].ErrorCode)
	assert.Zero(t, call.Runs[0].Attempts)
}

func TestInvokeUnregisteredTool(t *testing.T) {
	inv := newInvoker(t, nil)
	call := inv.Invoke(context.Background(), tools.RegionDetector, page(0))
	assert.Equal(t, tools.StatusError, call.Result.Status)
	assert.Equal(t, tools.CodeUnknownTool, call.Result.ErrorCode)
}

func TestInvokeAppliesPerAttemptTimeout(t *testing.T) {
	var calls atomic.Int32
	slow := tools.Func{ToolName: tools.Locator, Fn: func(ctx context.Context, _ tools.Input) tools.ToolResult {
		calls.Add(1)
		<-ctx.Done()
		return tools.Failure("unavailable", false)
	}}
	reg, err := tools.NewRegistry(slow)
	require.NoError(t, err)
	inv := NewInvoker(reg, Config{Policy: retry.Policy{MaxAttempts: 2}, ToolTimeout: 20 * time.Millisecond})

	call := inv.Invoke(context.Background(), tools.Locator, page(0))
	assert.Equal(t, tools.CodeTimeout, call.Result.ErrorCode)
	assert.True(t, call.Result.Retryable)
	assert.Equal(t, int32(2), calls.Load())
}

func withoutDuration(r Run) Run {
	r.Duration = 0
	return r
}
