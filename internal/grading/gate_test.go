package grading

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/berth-dev/gradeloop/internal/session"
	"github.com/berth-dev/gradeloop/internal/tools"
)

func gateState() *session.State {
	st := session.New("gate", []string{"p1.png"}, "math", time.Unix(0, 0))
	st.SetPageText(0, "1. 2 + 2 = 4")
	return st
}

func TestGate(t *testing.T) {
	correct := GradeItem{QuestionID: "q1", Verdict: session.VerdictCorrect, Reason: "ok", Confidence: 0.95}
	figure := GradeItem{QuestionID: "q2", Verdict: session.VerdictIncorrect, Reason: "wrong angle", Confidence: 0.92, UsesFigure: true}
	shaky := GradeItem{QuestionID: "q3", Verdict: session.VerdictCorrect, Reason: "probably", Confidence: 0.6}

	tests := []struct {
		name       string
		items      []GradeItem
		uncertain  bool
		in         GateInput
		wantStatus session.Status
		verdicts   []session.Verdict
		wantWarn   string
	}{
		{
			name:       "clean evidence passes through",
			items:      []GradeItem{correct},
			in:         GateInput{HasText: true, Threshold: 0.9},
			wantStatus: session.StatusDone,
			verdicts:   []session.Verdict{session.VerdictCorrect},
		},
		{
			name:       "missing figure downgrades figure items only",
			items:      []GradeItem{correct, figure},
			in:         GateInput{HasText: true, MissingVisualPages: []int{0}, Threshold: 0.9},
			wantStatus: session.StatusNeedsReview,
			verdicts:   []session.Verdict{session.VerdictCorrect, session.VerdictUncertain},
			wantWarn:   "missing_visual_evidence",
		},
		{
			name:       "missing figure without flagged items downgrades everything",
			items:      []GradeItem{correct},
			in:         GateInput{HasText: true, MissingVisualPages: []int{0}, Threshold: 0.9},
			wantStatus: session.StatusNeedsReview,
			verdicts:   []session.Verdict{session.VerdictUncertain},
			wantWarn:   "gate_downgrade: missing_visual_evidence",
		},
		{
			name:       "slices on every risky page satisfy visual risk",
			items:      []GradeItem{figure},
			in:         GateInput{HasText: true, SliceCount: 2, Threshold: 0.9},
			wantStatus: session.StatusDone,
			verdicts:   []session.Verdict{session.VerdictIncorrect},
		},
		{
			name:  "budget exhausted with failing reflection downgrades everything",
			items: []GradeItem{correct, shaky},
			in: GateInput{HasText: true, BudgetExhausted: true, Threshold: 0.9,
				LastVerdict: &ReflectionVerdict{Pass: false, Confidence: 0.4}},
			wantStatus: session.StatusNeedsReview,
			verdicts:   []session.Verdict{session.VerdictUncertain, session.VerdictUncertain},
			wantWarn:   "gate_downgrade: budget_exhausted",
		},
		{
			name:  "budget exhausted after a passing reflection keeps verdicts",
			items: []GradeItem{correct},
			in: GateInput{HasText: true, BudgetExhausted: true, Threshold: 0.9,
				LastVerdict: &ReflectionVerdict{Pass: true, Confidence: 0.95}},
			wantStatus: session.StatusDone,
			verdicts:   []session.Verdict{session.VerdictCorrect},
		},
		{
			name:  "failing reflection downgrades low confidence items",
			items: []GradeItem{correct, shaky},
			in: GateInput{HasText: true, Threshold: 0.9,
				LastVerdict: &ReflectionVerdict{Pass: false, Confidence: 0.5}},
			wantStatus: session.StatusNeedsReview,
			verdicts:   []session.Verdict{session.VerdictCorrect, session.VerdictUncertain},
			wantWarn:   "gate_downgrade: insufficient_evidence",
		},
		{
			name:       "aggregator uncertainty needs review",
			items:      []GradeItem{correct},
			uncertain:  true,
			in:         GateInput{HasText: true, Threshold: 0.9},
			wantStatus: session.StatusNeedsReview,
			verdicts:   []session.Verdict{session.VerdictCorrect},
			wantWarn:   "aggregator_uncertain",
		},
		{
			name:       "no items needs review",
			in:         GateInput{HasText: true, Threshold: 0.9},
			wantStatus: session.StatusNeedsReview,
			wantWarn:   "no_items",
		},
		{
			name:       "no evidence at all fails",
			items:      []GradeItem{correct},
			in:         GateInput{Threshold: 0.9},
			wantStatus: session.StatusFailed,
			wantWarn:   "no_evidence",
			verdicts:   []session.Verdict{session.VerdictCorrect},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := gateState()
			d := Gate(st, Aggregation{Items: tt.items, Uncertain: tt.uncertain}, tt.in)

			assert.Equal(t, tt.wantStatus, d.Result.Status)
			require.Len(t, d.Result.Items, len(tt.verdicts))
			for i, v := range tt.verdicts {
				assert.Equal(t, v, d.Result.Items[i].Verdict, "item %d", i)
			}
			if tt.wantWarn != "" {
				assert.True(t, hasWarning(d.Result.Warnings, tt.wantWarn), "warnings: %v", d.Result.Warnings)
			}
			if d.Result.Status != session.StatusDone {
				assert.NotEmpty(t, d.Result.Warnings)
			}
			if len(d.Downgrades) > 0 {
				assert.True(t, hasWarning(d.Result.Warnings, "gate_downgrade:"))
			}
		})
	}
}

func TestGate_NeverUpgrades(t *testing.T) {
	st := gateState()
	agg := Aggregation{Items: []GradeItem{
		{QuestionID: "q1", Verdict: session.VerdictUncertain, Confidence: 0.99},
		{QuestionID: "q2", Verdict: session.VerdictCorrect, Confidence: 0.99},
	}}
	d := Gate(st, agg, GateInput{HasText: true, Threshold: 0.9, LastVerdict: &ReflectionVerdict{Pass: true, Confidence: 0.99}})

	assert.Equal(t, session.VerdictUncertain, d.Result.Items[0].Verdict)
	assert.False(t, d.Result.Items[0].Downgraded)
	assert.Equal(t, session.StatusNeedsReview, d.Result.Status)
	assert.Contains(t, d.Result.Warnings, "uncertain_items: q1")
}

func TestGate_DoesNotMutateAggregation(t *testing.T) {
	st := gateState()
	items := []GradeItem{{QuestionID: "q1", Verdict: session.VerdictCorrect, Confidence: 0.9, UsesFigure: true, EvidenceRefs: []string{"page:1"}}}
	d := Gate(st, Aggregation{Items: items}, GateInput{HasText: true, MissingVisualPages: []int{0}, Threshold: 0.9})

	assert.Equal(t, session.VerdictCorrect, items[0].Verdict)
	assert.Equal(t, session.VerdictUncertain, d.Result.Items[0].Verdict)
	assert.Contains(t, d.Result.Items[0].Reason, "downgraded: missing_visual_evidence")
	assert.Equal(t, 1, d.Downgrades[ReasonMissingVisual])
}

func TestGate_LowConfidenceWarning(t *testing.T) {
	st := gateState()
	agg := Aggregation{Items: []GradeItem{{QuestionID: "q7", Verdict: session.VerdictCorrect, Confidence: 0.7}}}
	d := Gate(st, agg, GateInput{HasText: true, Threshold: 0.9})

	assert.Equal(t, session.StatusDone, d.Result.Status)
	assert.Contains(t, d.Result.Warnings, "low_confidence_items: q7")
}

func TestGate_MissingFigureNamesThePage(t *testing.T) {
	st := gateState()
	agg := Aggregation{Items: []GradeItem{
		{QuestionID: "1", Verdict: session.VerdictCorrect, Confidence: 0.95, UsesFigure: true},
		{QuestionID: "2", Verdict: session.VerdictCorrect, Confidence: 0.95},
	}}
	d := Gate(st, agg, GateInput{HasText: true, MissingVisualPages: []int{0, 2}, SliceCount: 1, Threshold: 0.9})

	assert.Equal(t, session.StatusNeedsReview, d.Result.Status)
	assert.Equal(t, session.VerdictUncertain, d.Result.Items[0].Verdict)
	assert.Equal(t, session.VerdictCorrect, d.Result.Items[1].Verdict)
	assert.Contains(t, d.Result.Warnings, "missing_visual_evidence: page 1, 3 references a figure but no figure slice was obtained")
	assert.Contains(t, d.Result.Warnings, "gate_downgrade: missing_visual_evidence (figure never seen on page 1, 3)")
}

func TestMissingVisualPages(t *testing.T) {
	images := pages(2)
	st := session.New("m", []string{"p1.png", "p2.png"}, "math", time.Unix(0, 0))
	st.SetPageText(0, "1. 如图，∠ABC = 60°")
	st.SetPageText(1, "2. 3 + 4 = 7")
	assert.Equal(t, []int{0}, RiskyPages(st, images))
	assert.Equal(t, []int{0}, MissingVisualPages(st, images))

	st.AddSlices([]tools.Slice{{Kind: tools.SliceFigure, URL: "file:///tmp/p2.png", Page: 1}})
	assert.Equal(t, []int{0}, MissingVisualPages(st, images), "a slice of page 2 does not cover page 1")

	st.AddSlices([]tools.Slice{{Kind: tools.SliceFigure, URL: "file:///tmp/p1.png", Page: 0}})
	assert.Empty(t, MissingVisualPages(st, images))

	plain := session.New("p", []string{"p1.png"}, "math", time.Unix(0, 0))
	plain.SetPageText(0, "1. 2 + 2 = 4")
	assert.Empty(t, RiskyPages(plain, pages(1)))
}
