package execute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/berth-dev/gradeloop/internal/metrics"
	"github.com/berth-dev/gradeloop/internal/retry"
	"github.com/berth-dev/gradeloop/internal/tools"
)

const tracerName = "github.com/berth-dev/gradeloop/internal/execute"

// Config bounds a single tool invocation.
type Config struct {
	Policy      retry.Policy
	ToolTimeout time.Duration // per attempt
}

// Run is one tool that ran, or was refused, during an invocation.
type Run struct {
	Tool      tools.Name
	Attempts  int
	Status    tools.Status
	ErrorCode string
	Duration  time.Duration
}

// Call is the outcome of invoking one capability for one page: the final
// result after cache, retries and fallback, plus what it took to get there.
// It carries no reference to session state; the caller applies it.
type Call struct {
	Tool     tools.Name
	Page     int
	Result   tools.ToolResult
	Runs     []Run
	Cached   bool
	Tokens   int
	Warnings []string
	Duration time.Duration
}

// Attempts returns the total attempts made across all runs.
func (c Call) Attempts() int {
	n := 0
	for _, r := range c.Runs {
		n += r.Attempts
	}
	return n
}

// Invoker executes tools by name. It is safe for concurrent use and is
// shared across runs; per-run bookkeeping lives in the returned Call.
type Invoker struct {
	registry *tools.Registry
	cache    *tools.ResultCache
	breakers *Breakers
	policy   retry.Policy
	timeout  time.Duration
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	logger   *slog.Logger
}

// Option configures an Invoker.
type Option func(*Invoker)

// WithCache enables content-hash caching of OCR results.
func WithCache(c *tools.ResultCache) Option { return func(i *Invoker) { i.cache = c } }

// WithBreakers enables per-tool circuit breaking.
func WithBreakers(b *Breakers) Option { return func(i *Invoker) { i.breakers = b } }

// WithMetrics records tool activity.
func WithMetrics(m *metrics.Metrics) Option { return func(i *Invoker) { i.metrics = m } }

// WithTracer overrides the global tracer.
func WithTracer(t trace.Tracer) Option { return func(i *Invoker) { i.tracer = t } }

// WithLogger sets the operational logger.
func WithLogger(l *slog.Logger) Option { return func(i *Invoker) { i.logger = l } }

// NewInvoker creates an Invoker over reg.
func NewInvoker(reg *tools.Registry, cfg Config, opts ...Option) *Invoker {
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = 60 * time.Second
	}
	inv := &Invoker{
		registry: reg,
		policy:   cfg.Policy,
		timeout:  cfg.ToolTimeout,
		tracer:   otel.Tracer(tracerName),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(inv)
	}
	return inv
}

// Cache returns the result cache, which may be nil.
func (inv *Invoker) Cache() *tools.ResultCache { return inv.cache }

// Metrics returns the metrics sink, which may be nil.
func (inv *Invoker) Metrics() *metrics.Metrics { return inv.metrics }

// Invoke runs the named tool for one page. OCR results are served from
// the cache when present. A transient failure that survives every retry,
// or a tool whose breaker is open, is replaced by the tool's fallback and
// the result carries fallback_used. Invoke never returns an error: every
// outcome is a ToolResult.
func (inv *Invoker) Invoke(ctx context.Context, name tools.Name, in tools.Input) Call {
	start := time.Now()
	page := in.Image.Index
	ctx, span := inv.tracer.Start(ctx, "tool "+string(name), trace.WithAttributes(
		attribute.String("tool", string(name)),
		attribute.Int("page", page),
	))
	defer span.End()

	call := Call{Tool: name, Page: page}
	ocr := name.Capability() == tools.CapabilityOCR

	if ocr {
		text, hit := inv.cache.OCR(ctx, in.Image.Hash)
		inv.metrics.CacheLookup(string(tools.CapabilityOCR), hit)
		if hit {
			call.Result = tools.Success(&tools.Payload{Text: text}, 0)
			call.Cached = true
			call.Duration = time.Since(start)
			span.SetAttributes(attribute.Bool("cached", true))
			return call
		}
	}

	res := inv.run(ctx, name, in, &call)
	if res.Status == tools.StatusError && (res.Retryable || res.ErrorCode == tools.CodeBreakerOpen) && ctx.Err() == nil {
		if fb, ok := name.Fallback(); ok && inv.registry.Has(fb) {
			inv.metrics.Fallback(string(name))
			call.Warnings = append(call.Warnings,
				fmt.Sprintf("fallback_used: %s -> %s on page %d (%s)", name, fb, page+1, res.ErrorCode))
			fres := inv.run(ctx, fb, in, &call)
			fres.FallbackUsed = string(fb)
			res = fres
		}
	}

	if res.Status == tools.StatusError {
		failed := name
		if res.FallbackUsed != "" {
			failed = tools.Name(res.FallbackUsed)
		}
		call.Warnings = append(call.Warnings,
			fmt.Sprintf("tool_failed: %s on page %d (%s)", failed, page+1, res.ErrorCode))
		span.SetStatus(codes.Error, res.ErrorCode)
	}
	if res.OK() && ocr {
		inv.cache.PutOCR(ctx, in.Image.Hash, res.Text())
	}

	call.Result = res
	call.Duration = time.Since(start)
	span.SetAttributes(
		attribute.String("status", string(res.Status)),
		attribute.Int("attempts", call.Attempts()),
		attribute.String("fallback_used", res.FallbackUsed),
	)
	return call
}

// run executes one tool with retries and breaker accounting and appends
// a Run to call.
func (inv *Invoker) run(ctx context.Context, name tools.Name, in tools.Input, call *Call) tools.ToolResult {
	start := time.Now()
	tool, ok := inv.registry.Get(name)
	if !ok {
		res := tools.Failure(tools.CodeUnknownTool, false, fmt.Sprintf("tool %s is not registered", name))
		call.Runs = append(call.Runs, Run{Tool: name, Status: res.Status, ErrorCode: res.ErrorCode})
		return res
	}

	var cb *CircuitBreaker
	if inv.breakers != nil {
		cb = inv.breakers.For(name)
		if !cb.Allow() {
			res := tools.Failure(tools.CodeBreakerOpen, false, fmt.Sprintf("circuit breaker open for %s", name))
			call.Runs = append(call.Runs, Run{Tool: name, Status: res.Status, ErrorCode: res.ErrorCode})
			inv.metrics.ToolCall(string(name), tools.CodeBreakerOpen, 0)
			return res
		}
	}

	tokens := 0
	res, attempts := retry.Run(ctx, inv.policy, func(ctx context.Context, attempt int) tools.ToolResult {
		actx, cancel := context.WithTimeout(ctx, inv.timeout)
		defer cancel()
		r := tool.Call(actx, in)
		if r.Status == tools.StatusError && errors.Is(actx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			r.ErrorCode, r.Retryable = tools.CodeTimeout, true
		}
		tokens += r.Tokens
		if r.Status == tools.StatusError {
			inv.logger.Debug("tool attempt failed",
				"tool", name, "page", in.Image.Index, "attempt", attempt,
				"error_code", r.ErrorCode, "retryable", r.Retryable)
		}
		return r
	}, func(r tools.ToolResult) bool {
		return r.Status == tools.StatusError && r.Retryable && ctx.Err() == nil
	})
	res.Tokens = tokens
	call.Tokens += tokens

	if cb != nil {
		if res.Status == tools.StatusError {
			if cb.RecordFailure() {
				inv.logger.Warn("circuit breaker opened", "tool", name, "failures", cb.ConsecutiveFailures())
			}
		} else {
			cb.RecordSuccess()
		}
	}

	d := time.Since(start)
	inv.metrics.ToolCall(string(name), string(res.Status), d)
	inv.metrics.ToolRetries(string(name), attempts)
	call.Runs = append(call.Runs, Run{
		Tool: name, Attempts: attempts, Status: res.Status, ErrorCode: res.ErrorCode, Duration: d,
	})
	return res
}
