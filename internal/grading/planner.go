package grading

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"text/template"

	"github.com/berth-dev/gradeloop/internal/llm"
	"github.com/berth-dev/gradeloop/internal/retry"
	"github.com/berth-dev/gradeloop/internal/session"
	"github.com/berth-dev/gradeloop/internal/tools"
	"github.com/berth-dev/gradeloop/prompts"
)

// PlannerConfig tunes planning.
type PlannerConfig struct {
	Model     string
	MaxTokens int
	MaxSteps  int
	// FailureThreshold is the attempt count after which a tool whose last
	// call failed is not planned again in the run.
	FailureThreshold int
}

// Planner proposes the next tool calls. Model output is only a proposal:
// validation and the policy rules below always have the last word.
type Planner struct {
	client llm.Client
	cfg    PlannerConfig
	tmpl   *template.Template
	logger *slog.Logger
}

// NewPlanner creates a Planner. A nil client plans deterministically.
func NewPlanner(client llm.Client, cfg PlannerConfig, logger *slog.Logger) *Planner {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = 4
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{
		client: client,
		cfg:    cfg,
		tmpl:   template.Must(template.New("planner").Option("missingkey=error").Parse(prompts.PlannerTemplate)),
		logger: logger,
	}
}

// PlanInput is the compacted view the planner works from.
type PlanInput struct {
	Subject       Subject
	Iteration     int
	MaxIterations int
	Images        []tools.Image // usable pages only
	VisualRisk    bool
	Verdict       *ReflectionVerdict // previous iteration's reflection
}

// Plan is the validated result of one planning round.
type Plan struct {
	Steps     []PlanStep
	Warnings  []string
	Defaulted bool
	Tokens    int
}

type planReply struct {
	Steps []struct {
		Step string         `json:"step"`
		Args map[string]any `json:"args"`
	} `json:"steps"`
}

// Plan proposes the steps for the next iteration. An empty plan means no
// further tools are needed. It never fails: a model error or unparsable
// reply yields the safe default plan.
func (p *Planner) Plan(ctx context.Context, st *session.State, in PlanInput) Plan {
	var out Plan
	var proposed []PlanStep

	if p.client == nil {
		proposed = p.defaultSteps(st, in)
	} else {
		steps, tokens, err := p.propose(ctx, st, in)
		out.Tokens = tokens
		if err != nil {
			p.logger.Warn("planner output unusable, using default plan", "session", st.SessionID, "error", err)
			out.Defaulted = true
			out.Warnings = append(out.Warnings, fmt.Sprintf("plan_defaulted: %s", retry.Code(err)))
			proposed = p.defaultSteps(st, in)
		} else {
			proposed = steps
		}
	}

	steps, warnings := p.enforce(st, in, proposed)
	out.Steps = steps
	out.Warnings = append(out.Warnings, warnings...)
	return out
}

func (p *Planner) propose(ctx context.Context, st *session.State, in PlanInput) ([]PlanStep, int, error) {
	prompt, err := p.render(st, in)
	if err != nil {
		return nil, 0, retry.Permanent("render_failed", err)
	}
	resp, err := p.client.Complete(ctx, llm.Request{
		Model:     p.cfg.Model,
		System:    prompts.PlannerSystemPrompt,
		Prompt:    prompt,
		JSON:      true,
		MaxTokens: p.cfg.MaxTokens,
	})
	if err != nil {
		return nil, 0, err
	}
	tokens := resp.Usage.TotalTokens

	var reply planReply
	if err := llm.DecodeJSON(resp.Text, &reply); err != nil {
		return nil, tokens, retry.Permanent(tools.CodeBadOutput, err)
	}
	steps := make([]PlanStep, 0, len(reply.Steps))
	for _, s := range reply.Steps {
		args := make(map[string]string, len(s.Args))
		for k, v := range s.Args {
			args[k] = fmt.Sprint(v)
		}
		steps = append(steps, PlanStep{Step: tools.Name(s.Step), Args: args})
	}
	return steps, tokens, nil
}

type pageEvidence struct {
	Index       int
	OCRChars    int
	Slices      int
	SliceFailed bool
}

type attemptView struct {
	Tool       tools.Name
	Attempts   int
	LastStatus tools.Status
}

type planView struct {
	Iteration int
	Step      tools.Name
	ArgsText  string
}

func (p *Planner) render(st *session.State, in PlanInput) (string, error) {
	data := struct {
		Subject       Subject
		Pages         int
		Iteration     int
		MaxIterations int
		VisualRisk    bool
		MaxSteps      int
		PageEvidence  []pageEvidence
		Attempts      []attemptView
		RecentPlans   []planView
		Issues        []string
		Suggestion    string
	}{
		Subject:       in.Subject,
		Pages:         len(st.ImageURLs),
		Iteration:     in.Iteration,
		MaxIterations: in.MaxIterations,
		VisualRisk:    in.VisualRisk,
		MaxSteps:      p.cfg.MaxSteps,
	}
	for _, img := range in.Images {
		data.PageEvidence = append(data.PageEvidence, pageEvidence{
			Index:       img.Index,
			OCRChars:    len([]rune(st.PageText[img.Index])),
			Slices:      st.PageSlices(img.Index),
			SliceFailed: st.SliceFailed(img.Hash),
		})
	}
	for name, a := range st.AttemptedTools {
		data.Attempts = append(data.Attempts, attemptView{Tool: name, Attempts: a.Attempts, LastStatus: a.LastStatus})
	}
	sort.Slice(data.Attempts, func(i, j int) bool { return data.Attempts[i].Tool < data.Attempts[j].Tool })
	for _, e := range st.RecentPlans(2) {
		data.RecentPlans = append(data.RecentPlans, planView{Iteration: e.Iteration, Step: e.Step, ArgsText: argsText(e.Args)})
	}
	if in.Verdict != nil {
		data.Issues = in.Verdict.Issues
		data.Suggestion = in.Verdict.Suggestion
	}

	var buf bytes.Buffer
	if err := p.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render planner prompt: %w", err)
	}
	return buf.String(), nil
}

func argsText(args map[string]string) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+args[k])
	}
	return strings.Join(parts, " ")
}

// defaultSteps is the safe plan: transcribe pages that have no text yet.
func (p *Planner) defaultSteps(st *session.State, in PlanInput) []PlanStep {
	var steps []PlanStep
	for _, img := range in.Images {
		if !st.HasPageText(img.Index) {
			steps = append(steps, stepFor(tools.OCR, img.Index))
		}
	}
	return steps
}

// exhausted reports whether name already failed often enough in this run
// that it must not be planned again.
func (p *Planner) exhausted(st *session.State, name tools.Name) bool {
	a, ok := st.AttemptedTools[name]
	return ok && a.LastStatus == tools.StatusError && a.Attempts >= p.cfg.FailureThreshold
}

// enforce validates proposed steps and applies the planning rules:
// unknown tools and pages are rejected, exhausted tools are replaced by
// their fallback, redundant steps are dropped, visual evidence is
// requested first when it is missing, and the plan is capped.
func (p *Planner) enforce(st *session.State, in PlanInput, proposed []PlanStep) ([]PlanStep, []string) {
	var warnings []string
	pages := make(map[int]tools.Image, len(in.Images))
	for _, img := range in.Images {
		pages[img.Index] = img
	}

	type key struct {
		name tools.Name
		page int
	}
	seen := make(map[key]bool)
	var slicing, other []PlanStep

	add := func(name tools.Name, page int) {
		img := pages[page]
		if name.IsSlicing() && (st.PageSlices(page) > 0 || st.SliceFailed(img.Hash)) {
			return
		}
		if name == tools.OCR && st.HasPageText(page) {
			return
		}
		k := key{name, page}
		if seen[k] {
			return
		}
		seen[k] = true
		if name.IsSlicing() {
			slicing = append(slicing, stepFor(name, page))
		} else {
			other = append(other, stepFor(name, page))
		}
	}

	for _, s := range proposed {
		name, err := tools.ParseName(string(s.Step))
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("plan_step_rejected: %s (unknown tool)", s.Step))
			continue
		}
		page, err := s.Page()
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("plan_step_rejected: %s (%v)", name, err))
			continue
		}
		if _, ok := pages[page]; !ok {
			warnings = append(warnings, fmt.Sprintf("plan_step_rejected: %s (page %d out of range)", name, page))
			continue
		}
		if p.exhausted(st, name) {
			fb, ok := name.Fallback()
			if !ok || p.exhausted(st, fb) {
				warnings = append(warnings, fmt.Sprintf("plan_step_dropped: %s exhausted", name))
				continue
			}
			warnings = append(warnings, fmt.Sprintf("plan_substituted: %s -> %s", name, fb))
			name = fb
		}
		add(name, page)
	}

	if in.VisualRisk {
		planned := make(map[int]bool, len(slicing))
		for _, s := range slicing {
			page, _ := s.Page()
			planned[page] = true
		}
		slicer := tools.Locator
		if p.exhausted(st, slicer) {
			slicer = tools.RegionDetector
		}
		if !p.exhausted(st, slicer) {
			for _, page := range MissingVisualPages(st, in.Images) {
				if !planned[page] {
					add(slicer, page)
				}
			}
		}
	}

	steps := append(slicing, other...)
	if len(steps) > p.cfg.MaxSteps {
		warnings = append(warnings, fmt.Sprintf("plan_truncated: %d steps capped to %d", len(steps), p.cfg.MaxSteps))
		steps = steps[:p.cfg.MaxSteps]
	}
	return steps, warnings
}

