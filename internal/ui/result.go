package ui

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/berth-dev/gradeloop/internal/session"
	"github.com/berth-dev/gradeloop/internal/tools"
)

const (
	primaryColor   = "#7C3AED" // Purple
	secondaryColor = "#10B981" // Green
	warningColor   = "#F59E0B" // Amber
	errorColor     = "#EF4444" // Red
	dimColor       = "#6B7280" // Gray
)

var (
	// BoxStyle frames a rendered result.
	BoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color(primaryColor)).
			Padding(0, 1)

	TitleStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color(primaryColor)).Bold(true)
	DimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color(dimColor))
	SuccessStyle = lipgloss.NewStyle().Foreground(lipgloss.Color(secondaryColor))
	ErrorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color(errorColor))
	WarningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color(warningColor))
)

// statusStyle picks the style for a result status.
func statusStyle(s session.Status) lipgloss.Style {
	switch s {
	case session.StatusDone:
		return SuccessStyle.Bold(true)
	case session.StatusNeedsReview:
		return WarningStyle.Bold(true)
	default:
		return ErrorStyle.Bold(true)
	}
}

func verdictMark(v session.Verdict) string {
	switch v {
	case session.VerdictCorrect:
		return SuccessStyle.Render("✓")
	case session.VerdictIncorrect:
		return ErrorStyle.Render("✗")
	default:
		return WarningStyle.Render("?")
	}
}

// RenderResult formats a grade result for the terminal.
func RenderResult(sessionID string, res *session.GradeResult) string {
	if res == nil {
		return DimStyle.Render("no result")
	}
	var b strings.Builder
	b.WriteString(TitleStyle.Render("Grading result"))
	b.WriteString("  ")
	b.WriteString(statusStyle(res.Status).Render(strings.ToUpper(string(res.Status))))
	b.WriteString("\n")
	b.WriteString(DimStyle.Render("session " + sessionID))
	b.WriteString("\n\n")

	if len(res.Items) == 0 {
		b.WriteString(DimStyle.Render("no questions graded"))
		b.WriteString("\n")
	}
	for _, it := range res.Items {
		line := fmt.Sprintf("%s %-6s %-10s %s", verdictMark(it.Verdict), it.QuestionID, it.Verdict, it.Reason)
		if it.Confidence > 0 {
			line += DimStyle.Render(fmt.Sprintf(" (%.2f)", it.Confidence))
		}
		b.WriteString(line)
		b.WriteString("\n")
		if len(it.EvidenceRefs) > 0 {
			b.WriteString(DimStyle.Render("         evidence: " + strings.Join(it.EvidenceRefs, ", ")))
			b.WriteString("\n")
		}
	}

	if len(res.Warnings) > 0 {
		b.WriteString("\n")
		b.WriteString(WarningStyle.Render("Warnings"))
		b.WriteString("\n")
		for _, w := range res.Warnings {
			b.WriteString(WarningStyle.Render("  ! ") + w + "\n")
		}
	}
	return BoxStyle.Render(strings.TrimRight(b.String(), "\n"))
}

// RenderSession formats the persisted working memory of a run.
func RenderSession(st *session.State) string {
	var b strings.Builder
	b.WriteString(TitleStyle.Render("Session " + st.SessionID))
	b.WriteString("\n")
	fmt.Fprintf(&b, "subject: %s  phase: %s  pages: %d\n", st.Subject, st.Phase, len(st.ImageURLs))
	fmt.Fprintf(&b, "iterations: %d  tokens: %d  slices: %d\n", st.ReflectionCount, st.TokensUsed, st.SliceCount())
	b.WriteString(DimStyle.Render(fmt.Sprintf("created %s, updated %s",
		st.CreatedAt.Format("2006-01-02 15:04:05"), st.UpdatedAt.Format("2006-01-02 15:04:05"))))
	b.WriteString("\n")

	if len(st.AttemptedTools) > 0 {
		b.WriteString("\n" + TitleStyle.Render("Tools") + "\n")
		names := make([]string, 0, len(st.AttemptedTools))
		for n := range st.AttemptedTools {
			names = append(names, string(n))
		}
		sort.Strings(names)
		for _, n := range names {
			a := st.AttemptedTools[tools.Name(n)]
			fmt.Fprintf(&b, "  %-15s attempts=%d failures=%d last=%s\n", n, a.Attempts, a.Failures, a.LastStatus)
		}
	}

	if len(st.PlanHistory) > 0 {
		b.WriteString("\n" + TitleStyle.Render("Plan history") + "\n")
		for _, e := range st.PlanHistory {
			fmt.Fprintf(&b, "  #%d %s image=%s\n", e.Iteration, e.Step, e.Args["image"])
		}
	}

	if len(st.PreprocessMeta) > 0 {
		b.WriteString("\n" + TitleStyle.Render("Preprocessing") + "\n")
		keys := make([]string, 0, len(st.PreprocessMeta))
		for k := range st.PreprocessMeta {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "  %s: %s\n", k, st.PreprocessMeta[k])
		}
	}

	out := BoxStyle.Render(strings.TrimRight(b.String(), "\n"))
	if st.Result != nil {
		out += "\n" + RenderResult(st.SessionID, st.Result)
	}
	return out
}

// RenderSessionList formats stored session summaries as a table.
func RenderSessionList(items []session.Summary) string {
	if len(items) == 0 {
		return DimStyle.Render("no sessions stored")
	}
	var b strings.Builder
	b.WriteString(TitleStyle.Render(fmt.Sprintf("%-36s  %-8s  %-10s  %-12s  %5s  %s", "SESSION", "SUBJECT", "PHASE", "STATUS", "PAGES", "UPDATED")))
	b.WriteString("\n")
	for _, s := range items {
		status := string(s.Status)
		if status == "" {
			status = "-"
		}
		fmt.Fprintf(&b, "%-36s  %-8s  %-10s  %s  %5d  %s\n",
			s.ID, s.Subject, s.Phase, statusStyle(s.Status).Width(12).Render(status), s.Pages,
			DimStyle.Render(s.UpdatedAt.Format("2006-01-02 15:04")))
	}
	return strings.TrimRight(b.String(), "\n")
}
