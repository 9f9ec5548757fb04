package grading

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"math"
	"text/template"

	"github.com/berth-dev/gradeloop/internal/llm"
	"github.com/berth-dev/gradeloop/internal/session"
	"github.com/berth-dev/gradeloop/internal/tools"
	"github.com/berth-dev/gradeloop/prompts"
)

// Issues raised by the deterministic checks.
const (
	IssueMissingVisual = "missing_visual_evidence"
	IssueUnparsable    = "reflection_unparsable"
)

// Reflection is the reflector's output for one iteration.
type Reflection struct {
	Verdict ReflectionVerdict
	Tokens  int
	Parsed  bool
}

// Reflector decides whether the evidence is sufficient to finalize.
type Reflector struct {
	client    llm.Client
	model     string
	maxTokens int
	tmpl      *template.Template
	logger    *slog.Logger
}

// NewReflector creates a Reflector. A nil client scores evidence with the
// deterministic checks alone.
func NewReflector(client llm.Client, model string, maxTokens int, logger *slog.Logger) *Reflector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reflector{
		client:    client,
		model:     model,
		maxTokens: maxTokens,
		tmpl:      template.Must(template.New("reflector").Option("missingkey=error").Parse(prompts.ReflectorTemplate)),
		logger:    logger,
	}
}

// Reflect scores the evidence after an iteration. An unparsable model
// reply is a failing verdict with zero confidence.
func (r *Reflector) Reflect(ctx context.Context, st *session.State, subject Subject, images []tools.Image, visualRisk bool, last []StepResult) Reflection {
	var out Reflection
	if r.client == nil {
		out.Verdict = ReflectionVerdict{Pass: true, Confidence: 0.95}
		out.Parsed = true
	} else {
		out = r.ask(ctx, st, subject, visualRisk, last)
	}
	r.guard(&out.Verdict, st, images, visualRisk)
	return out
}

func (r *Reflector) ask(ctx context.Context, st *session.State, subject Subject, visualRisk bool, last []StepResult) Reflection {
	failed := Reflection{Verdict: ReflectionVerdict{Pass: false, Confidence: 0, Issues: []string{IssueUnparsable}}}

	prompt, err := r.render(st, subject, visualRisk, last)
	if err != nil {
		r.logger.Warn("rendering reflector prompt", "error", err)
		return failed
	}
	resp, err := r.client.Complete(ctx, llm.Request{
		Model:     r.model,
		System:    prompts.ReflectorSystemPrompt,
		Prompt:    prompt,
		JSON:      true,
		MaxTokens: r.maxTokens,
	})
	if err != nil {
		r.logger.Warn("reflector call failed", "session", st.SessionID, "error", err)
		return failed
	}
	failed.Tokens = resp.Usage.TotalTokens

	var v ReflectionVerdict
	if err := llm.DecodeJSON(resp.Text, &v); err != nil {
		r.logger.Warn("reflector output unparsable", "session", st.SessionID, "error", err)
		return failed
	}
	if math.IsNaN(v.Confidence) {
		v.Confidence = 0
	}
	v.Confidence = math.Max(0, math.Min(1, v.Confidence))
	return Reflection{Verdict: v, Tokens: resp.Usage.TotalTokens, Parsed: true}
}

// guard lowers the verdict when evidence is demonstrably missing. It never
// raises pass or confidence.
func (r *Reflector) guard(v *ReflectionVerdict, st *session.State, images []tools.Image, visualRisk bool) {
	for _, img := range images {
		if !st.HasPageText(img.Index) {
			v.Pass = false
			v.Issues = appendIssue(v.Issues, fmt.Sprintf("missing_text: page %d", img.Index+1))
		}
	}
	if missing := MissingVisualPages(st, images); visualRisk && len(missing) > 0 {
		v.Pass = false
		v.Confidence = math.Min(v.Confidence, 0.5)
		v.Issues = appendIssue(v.Issues, IssueMissingVisual)
		if v.Suggestion == "" {
			v.Suggestion = "locate and crop the figures referenced on page " + pageList(missing)
		}
	}
	if !v.Pass && v.Confidence > 0.5 {
		v.Confidence = 0.5
	}
}

func appendIssue(issues []string, issue string) []string {
	for _, i := range issues {
		if i == issue {
			return issues
		}
	}
	return append(issues, issue)
}

type resultView struct {
	Tool         tools.Name
	Page         int
	Status       tools.Status
	FallbackUsed string
	ErrorCode    string
}

func (r *Reflector) render(st *session.State, subject Subject, visualRisk bool, last []StepResult) (string, error) {
	data := struct {
		Subject    Subject
		VisualRisk bool
		SliceCount int
		OCRText    string
		Results    []resultView
	}{
		Subject:    subject,
		VisualRisk: visualRisk,
		SliceCount: st.SliceCount(),
		OCRText:    st.OCRText,
	}
	for _, sr := range last {
		for _, c := range sr.Page.Calls() {
			data.Results = append(data.Results, resultView{
				Tool:         c.Tool,
				Page:         c.Page,
				Status:       c.Result.Status,
				FallbackUsed: c.Result.FallbackUsed,
				ErrorCode:    c.Result.ErrorCode,
			})
		}
	}

	var buf bytes.Buffer
	if err := r.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render reflector prompt: %w", err)
	}
	return buf.String(), nil
}
