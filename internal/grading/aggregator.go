package grading

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"os"
	"strings"
	"text/template"

	"github.com/berth-dev/gradeloop/internal/llm"
	"github.com/berth-dev/gradeloop/internal/retry"
	"github.com/berth-dev/gradeloop/internal/session"
	"github.com/berth-dev/gradeloop/internal/tools"
	"github.com/berth-dev/gradeloop/prompts"
)

// Aggregation input modes.
const (
	ModeTextOnly       = "text_only"
	ModeSlicesAndPages = "slices_and_pages"
)

// Aggregation is the aggregator's raw output, before the gate.
type Aggregation struct {
	Items     []GradeItem
	Uncertain bool
	Mode      string
	Images    []string // image inputs sent, in order
	Tokens    int
	Fallback  bool // the model produced nothing usable
	Warning   string
}

// Aggregator turns the accumulated evidence into per-question verdicts.
type Aggregator struct {
	client    llm.Client
	model     string
	maxTokens int
	tmpl      *template.Template
	logger    *slog.Logger
}

// NewAggregator creates an Aggregator. A nil client yields a single
// uncertain item.
func NewAggregator(client llm.Client, model string, maxTokens int, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		client:    client,
		model:     model,
		maxTokens: maxTokens,
		tmpl:      template.Must(template.New("aggregator").Option("missingkey=error").Parse(prompts.AggregatorTemplate)),
		logger:    logger,
	}
}

type aggregatorReply struct {
	Items     []GradeItem `json:"items"`
	Uncertain bool        `json:"uncertain"`
}

// Mode picks the input strategy: text only when nothing suggests a figure
// matters, otherwise the original pages plus every slice.
func Mode(st *session.State, visualRisk bool) string {
	if !visualRisk && st.SliceCount() == 0 {
		return ModeTextOnly
	}
	return ModeSlicesAndPages
}

// Aggregate grades every question. It never fails: unusable model output
// becomes one uncertain item covering the whole submission.
func (a *Aggregator) Aggregate(ctx context.Context, st *session.State, subject Subject, images []tools.Image, visualRisk bool) Aggregation {
	agg := Aggregation{Mode: Mode(st, visualRisk)}
	var sliceRefs []string
	if agg.Mode == ModeSlicesAndPages {
		for _, img := range images {
			agg.Images = append(agg.Images, img.ModelURL())
		}
		counts := make(map[tools.SliceKind]int)
		for _, s := range st.Slices {
			agg.Images = append(agg.Images, inlineLocal(s.URL))
			sliceRefs = append(sliceRefs, fmt.Sprintf("slice:%s:%d (page %d)", s.Kind, counts[s.Kind], s.Page))
			counts[s.Kind]++
		}
	}

	if a.client == nil {
		return a.fallback(agg, "aggregation_unavailable: no grading model configured")
	}

	var buf bytes.Buffer
	err := a.tmpl.Execute(&buf, struct {
		Subject   Subject
		Mode      string
		SliceRefs []string
		OCRText   string
	}{subject, agg.Mode, sliceRefs, st.OCRText})
	if err != nil {
		a.logger.Warn("rendering aggregator prompt", "error", err)
		return a.fallback(agg, "aggregation_failed: render_failed")
	}

	resp, err := a.client.Complete(ctx, llm.Request{
		Model:     a.model,
		System:    prompts.AggregatorSystemPrompt,
		Prompt:    buf.String(),
		Images:    agg.Images,
		JSON:      true,
		MaxTokens: a.maxTokens,
	})
	if err != nil {
		a.logger.Warn("aggregator call failed", "session", st.SessionID, "error", err)
		return a.fallback(agg, fmt.Sprintf("aggregation_failed: %s", retry.Code(err)))
	}
	agg.Tokens = resp.Usage.TotalTokens

	var reply aggregatorReply
	if err := llm.DecodeJSON(resp.Text, &reply); err != nil {
		a.logger.Warn("aggregator output unparsable", "session", st.SessionID, "error", err)
		return a.fallback(agg, "aggregation_failed: bad_output")
	}
	agg.Items = normalizeItems(reply.Items)
	agg.Uncertain = reply.Uncertain
	return agg
}

func (a *Aggregator) fallback(agg Aggregation, warning string) Aggregation {
	agg.Fallback = true
	agg.Warning = warning
	agg.Items = []GradeItem{{
		QuestionID: "all",
		Verdict:    session.VerdictUncertain,
		Reason:     "automatic grading could not produce verdicts",
	}}
	agg.Uncertain = true
	return agg
}

func normalizeItems(items []GradeItem) []GradeItem {
	out := make([]GradeItem, 0, len(items))
	for i, it := range items {
		it.QuestionID = strings.TrimSpace(it.QuestionID)
		if it.QuestionID == "" {
			it.QuestionID = fmt.Sprintf("q%d", i+1)
		}
		switch it.Verdict {
		case session.VerdictCorrect, session.VerdictIncorrect, session.VerdictUncertain:
		default:
			it.Reason = strings.TrimSpace(fmt.Sprintf("%s (unrecognized verdict %q)", it.Reason, it.Verdict))
			it.Verdict = session.VerdictUncertain
		}
		if math.IsNaN(it.Confidence) {
			it.Confidence = 0
		}
		it.Confidence = math.Max(0, math.Min(1, it.Confidence))
		it.Downgraded = false
		out = append(out, it)
	}
	return out
}

// inlineLocal turns file:// slice URLs into data URIs so remote models can
// read slices stored on local disk. Other URLs pass through.
func inlineLocal(url string) string {
	path, ok := strings.CutPrefix(url, "file://")
	if !ok {
		return url
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return url
	}
	return llm.DataURI(http.DetectContentType(data), data)
}
