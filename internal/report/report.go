// Package report generates grading reports from a finished session and its
// audit trail.
package report

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/berth-dev/gradeloop/internal/log"
	"github.com/berth-dev/gradeloop/internal/session"
	"github.com/berth-dev/gradeloop/internal/tools"
)

// Report holds the aggregated statistics of one grading session.
type Report struct {
	SessionID  string
	Subject    string
	Status     session.Status
	Pages      int
	Items      []session.GradeItem
	Correct    int
	Incorrect  int
	Uncertain  int
	Downgraded int
	Iterations int
	ToolCalls  int
	Fallbacks  int
	Failures   int
	CacheHits  int
	Slices     int
	Tokens     int
	Duration   time.Duration
	Warnings   []string
}

// GenerateReport builds a Report from the stored state and the audit events
// of the session. events may be empty; the duration is then left at zero.
func GenerateReport(st *session.State, events []log.LogEvent) *Report {
	r := &Report{
		SessionID:  st.SessionID,
		Subject:    st.Subject,
		Pages:      len(st.ImageURLs),
		Iterations: st.ReflectionCount,
		ToolCalls:  len(st.ToolLog),
		Slices:     st.SliceCount(),
		Tokens:     st.TokensUsed,
		Warnings:   st.Warnings,
	}

	for _, c := range st.ToolLog {
		switch {
		case c.Cached:
			r.CacheHits++
		case c.Status == tools.StatusError:
			r.Failures++
		}
		if c.FallbackUsed != "" {
			r.Fallbacks++
		}
	}

	if st.Result != nil {
		r.Status = st.Result.Status
		r.Items = st.Result.Items
		r.Warnings = st.Result.Warnings
		for _, it := range st.Result.Items {
			switch it.Verdict {
			case session.VerdictCorrect:
				r.Correct++
			case session.VerdictIncorrect:
				r.Incorrect++
			default:
				r.Uncertain++
			}
			if it.Downgraded {
				r.Downgraded++
			}
		}
	}

	r.Duration = computeDuration(events)
	return r
}

// FormatReport produces a markdown summary of the session.
func FormatReport(r *Report) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Grading Report: %s\n\n", r.SessionID)

	status := string(r.Status)
	if status == "" {
		status = "unfinished"
	}
	fmt.Fprintf(&b, "- Subject:     %s\n", r.Subject)
	fmt.Fprintf(&b, "- Status:      %s\n", status)
	fmt.Fprintf(&b, "- Pages:       %d\n", r.Pages)
	fmt.Fprintf(&b, "- Iterations:  %d\n", r.Iterations)
	fmt.Fprintf(&b, "- Tool calls:  %d (%d cached, %d fallbacks, %d failed)\n", r.ToolCalls, r.CacheHits, r.Fallbacks, r.Failures)
	fmt.Fprintf(&b, "- Slices:      %d\n", r.Slices)
	fmt.Fprintf(&b, "- Tokens:      %d\n", r.Tokens)
	if r.Duration > 0 {
		fmt.Fprintf(&b, "- Duration:    %s\n", formatDuration(r.Duration))
	}
	b.WriteString("\n")

	if len(r.Items) > 0 {
		fmt.Fprintf(&b, "## Questions (%d correct, %d incorrect, %d uncertain)\n\n", r.Correct, r.Incorrect, r.Uncertain)
		b.WriteString("| Question | Verdict | Confidence | Reason |\n")
		b.WriteString("|---|---|---|---|\n")
		for _, it := range r.Items {
			conf := "-"
			if it.Confidence > 0 {
				conf = fmt.Sprintf("%.2f", it.Confidence)
			}
			fmt.Fprintf(&b, "| %s | %s | %s | %s |\n", it.QuestionID, it.Verdict, conf, escapeCell(it.Reason))
		}
		b.WriteString("\n")
		if r.Downgraded > 0 {
			fmt.Fprintf(&b, "%d verdict(s) were downgraded to uncertain for lack of evidence.\n\n", r.Downgraded)
		}
	}

	if len(r.Warnings) > 0 {
		b.WriteString("## Warnings\n\n")
		for _, w := range r.Warnings {
			fmt.Fprintf(&b, "- %s\n", w)
		}
		b.WriteString("\n")
	}

	return b.String()
}

// WriteReport writes the formatted report to {dir}/{session}.md and returns
// the path. Creates dir if it does not exist.
func WriteReport(dir string, r *Report) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating report directory: %w", err)
	}

	path := filepath.Join(dir, r.SessionID+".md")
	if err := os.WriteFile(path, []byte(FormatReport(r)), 0644); err != nil {
		return "", fmt.Errorf("writing report file: %w", err)
	}
	return path, nil
}

func escapeCell(s string) string {
	s = strings.ReplaceAll(s, "|", `\|`)
	return strings.ReplaceAll(s, "\n", " ")
}

// computeDuration calculates the run duration from its events. It uses the
// first run_started event and the last run_complete or run_failed event,
// falling back to the last event's timestamp.
func computeDuration(events []log.LogEvent) time.Duration {
	var start, end time.Time
	for _, e := range events {
		if e.Event == log.EventRunStarted && start.IsZero() {
			start = e.Time
		}
		if !e.Time.IsZero() {
			end = e.Time
		}
		if e.Event == log.EventRunComplete || e.Event == log.EventRunFailed {
			end = e.Time
		}
	}

	if start.IsZero() || end.IsZero() {
		return 0
	}
	if d := end.Sub(start); d > 0 {
		return d
	}
	return 0
}

// formatDuration produces a human-readable duration string such as "5m 32s"
// or "1h 12m 5s". Sub-second durations are shown as "< 1s".
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return "< 1s"
	}

	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60

	switch {
	case h > 0:
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	case m > 0:
		return fmt.Sprintf("%dm %ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}
