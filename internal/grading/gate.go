package grading

import (
	"fmt"
	"strings"

	"github.com/berth-dev/gradeloop/internal/session"
)

// Downgrade reasons.
const (
	ReasonMissingVisual       = "missing_visual_evidence"
	ReasonBudgetExhausted     = "budget_exhausted"
	ReasonReflectionFailed    = "insufficient_evidence"
	ReasonAggregatorUncertain = "aggregator_uncertain"
)

// GateInput is what the gate inspects besides the aggregation.
type GateInput struct {
	// MissingVisualPages are the pages whose text references a figure but
	// that have no slice of their own.
	MissingVisualPages []int
	SliceCount         int
	HasText            bool
	BudgetExhausted    bool
	LastVerdict        *ReflectionVerdict // nil when no reflection ran
	Threshold          float64
}

// GateDecision is the gated result plus what the gate changed.
type GateDecision struct {
	Result     GradeResult
	Downgrades map[string]int // reason -> items downgraded
}

// Gate applies the conservative pass. Items can only move from a definitive
// verdict to uncertain, never back. Every downgrade adds a warning to st,
// and a result that is not a clean success always carries warnings.
func Gate(st *session.State, agg Aggregation, in GateInput) GateDecision {
	items := make([]GradeItem, len(agg.Items))
	copy(items, agg.Items)
	for i := range items {
		items[i].EvidenceRefs = append([]string(nil), items[i].EvidenceRefs...)
	}
	d := GateDecision{Downgrades: make(map[string]int)}

	downgrade := func(reason, detail string, pick func(GradeItem) bool) {
		n := 0
		for i := range items {
			if !definitive(items[i]) || !pick(items[i]) {
				continue
			}
			items[i].Verdict = session.VerdictUncertain
			items[i].Downgraded = true
			items[i].Reason = strings.TrimSpace(fmt.Sprintf("%s [downgraded: %s]", items[i].Reason, reason))
			n++
		}
		if n > 0 {
			d.Downgrades[reason] += n
			st.AddWarning(fmt.Sprintf("gate_downgrade: %s (%s)", reason, detail))
		}
	}

	if agg.Warning != "" {
		st.AddWarning(agg.Warning)
	}

	if len(in.MissingVisualPages) > 0 {
		pages := pageList(in.MissingVisualPages)
		st.AddWarning(fmt.Sprintf("missing_visual_evidence: page %s references a figure but no figure slice was obtained", pages))
		figureItems := false
		for _, it := range items {
			if it.UsesFigure {
				figureItems = true
				break
			}
		}
		downgrade(ReasonMissingVisual, "figure never seen on page "+pages, func(it GradeItem) bool {
			return !figureItems || it.UsesFigure
		})
	}

	reflectionFailed := in.LastVerdict != nil && (!in.LastVerdict.Pass || in.LastVerdict.Confidence < in.Threshold)

	if in.BudgetExhausted && (in.LastVerdict == nil || reflectionFailed) {
		downgrade(ReasonBudgetExhausted, "stopped before evidence was sufficient", func(GradeItem) bool { return true })
	}

	if reflectionFailed {
		downgrade(ReasonReflectionFailed, fmt.Sprintf("reflection confidence %.2f", in.LastVerdict.Confidence),
			func(it GradeItem) bool { return it.Confidence < in.Threshold })
	}

	if agg.Uncertain && !agg.Fallback {
		st.AddWarning(ReasonAggregatorUncertain + ": the grader reported uncertainty")
	}

	status := session.StatusDone
	var uncertainIDs, lowConfidence []string
	for _, it := range items {
		if it.Verdict == session.VerdictUncertain {
			uncertainIDs = append(uncertainIDs, it.QuestionID)
		} else if it.Confidence > 0 && it.Confidence < in.Threshold {
			lowConfidence = append(lowConfidence, it.QuestionID)
		}
	}
	switch {
	case !in.HasText && in.SliceCount == 0:
		status = session.StatusFailed
		st.AddWarning("no_evidence: no page yielded text or slices")
	case len(items) == 0:
		status = session.StatusNeedsReview
		st.AddWarning("no_items: the grader returned no questions")
	case len(uncertainIDs) > 0 || len(d.Downgrades) > 0 || agg.Uncertain:
		status = session.StatusNeedsReview
		if len(uncertainIDs) > 0 {
			st.AddWarning("uncertain_items: " + strings.Join(uncertainIDs, ", "))
		}
	}
	if len(lowConfidence) > 0 {
		st.AddWarning("low_confidence_items: " + strings.Join(lowConfidence, ", "))
	}

	warnings := append([]string(nil), st.Warnings...)
	if warnings == nil {
		warnings = []string{}
	}
	d.Result = GradeResult{Status: status, Items: items, Warnings: warnings}
	return d
}

func definitive(it GradeItem) bool {
	return it.Verdict == session.VerdictCorrect || it.Verdict == session.VerdictIncorrect
}
