// Package ui provides terminal UI components for gradeloop.
// This file implements the progress display shown while a submission is graded.
package ui

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/term"

	"github.com/berth-dev/gradeloop/internal/session"
	"github.com/berth-dev/gradeloop/internal/tools"
)

// ProgressDisplay renders phase transitions and tool calls of one grading
// run. It implements grading.Observer.
type ProgressDisplay struct {
	mu         sync.Mutex
	out        io.Writer
	title      string
	isTTY      bool
	phase      session.Phase
	iteration  int
	calls      []session.ToolCall
	linesDrawn int
	started    time.Time
	phaseStart time.Time
	now        func() time.Time
}

// NewProgressDisplay creates a ProgressDisplay writing to stdout.
func NewProgressDisplay(title string) *ProgressDisplay {
	return newProgressDisplay(title, os.Stdout, term.IsTerminal(int(os.Stdout.Fd())))
}

func newProgressDisplay(title string, out io.Writer, tty bool) *ProgressDisplay {
	return &ProgressDisplay{
		out:   out,
		title: title,
		isTTY: tty,
		now:   time.Now,
	}
}

// PhaseChanged records a loop phase transition.
func (p *ProgressDisplay) PhaseChanged(_ string, phase session.Phase, iteration int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	if p.started.IsZero() {
		p.started = now
	}
	p.phase, p.iteration, p.phaseStart = phase, iteration, now
	if !p.isTTY {
		fmt.Fprintf(p.out, "[%s] %s\n", strings.ToUpper(string(phase)), iterationLabel(iteration))
		return
	}
	p.renderTTY()
}

// ToolFinished records one tool outcome.
func (p *ProgressDisplay) ToolFinished(_ string, call session.ToolCall) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started.IsZero() {
		p.started = p.now()
	}
	p.calls = append(p.calls, call)
	if !p.isTTY {
		fmt.Fprintln(p.out, formatCallPlain(call))
		return
	}
	p.renderTTY()
}

// Finished prints the closing summary line.
func (p *ProgressDisplay) Finished(_ string, result *session.GradeResult) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.isTTY && p.linesDrawn > 0 {
		fmt.Fprint(p.out, "\n")
	}
	failed, fallbacks := 0, 0
	for _, c := range p.calls {
		if c.Status == tools.StatusError {
			failed++
		}
		if c.FallbackUsed != "" {
			fallbacks++
		}
	}
	status := "no result"
	if result != nil {
		status = string(result.Status)
	}
	fmt.Fprintf(p.out, "Graded in %s: %s, %d tool calls", formatDuration(p.now().Sub(p.started)), status, len(p.calls))
	if fallbacks > 0 {
		fmt.Fprintf(p.out, ", %d fallbacks", fallbacks)
	}
	if failed > 0 {
		fmt.Fprintf(p.out, ", %d failed", failed)
	}
	fmt.Fprintln(p.out)
}

// renderTTY draws the display in place using ANSI escape codes. Only the
// most recent calls are shown so the block height stays bounded.
func (p *ProgressDisplay) renderTTY() {
	if p.linesDrawn > 0 {
		fmt.Fprintf(p.out, "\033[%dA", p.linesDrawn)
	}

	var buf strings.Builder
	buf.WriteString(fmt.Sprintf("\033[2K\033[1m✎ gradeloop - %q\033[0m\n", p.title))
	buf.WriteString(fmt.Sprintf("\033[2K  %s %s  \033[90m[%s]\033[0m\n",
		phaseIcon(p.phase), phaseLabel(p.phase, p.iteration), formatDuration(p.now().Sub(p.phaseStart))))

	const window = 6
	recent := p.calls
	if len(recent) > window {
		recent = recent[len(recent)-window:]
	}
	for _, c := range recent {
		buf.WriteString("\033[2K")
		buf.WriteString(formatCallLine(c))
		buf.WriteString("\n")
	}

	fmt.Fprint(p.out, buf.String())
	p.linesDrawn = 2 + len(recent)
}

func iterationLabel(iteration int) string {
	if iteration == 0 {
		return "preprocessing"
	}
	return fmt.Sprintf("iteration %d", iteration)
}

func phaseLabel(phase session.Phase, iteration int) string {
	if phase == session.PhaseFinalizing || phase == session.PhaseDone {
		return string(phase)
	}
	return fmt.Sprintf("%s (%s)", phase, iterationLabel(iteration))
}

// formatCallLine formats a tool call with ANSI colors and status icons.
func formatCallLine(c session.ToolCall) string {
	return fmt.Sprintf("    %s %-15s %s  %s", callIcon(c), c.Tool, c.Key, callDetail(c))
}

// formatCallPlain formats a tool call for non-TTY output.
func formatCallPlain(c session.ToolCall) string {
	status := strings.ToUpper(string(c.Status))
	if c.Cached {
		status += " (cached)"
	}
	line := fmt.Sprintf("[%s] %s attempts=%d %dms", status, c.Key, c.Attempts, c.DurationMS)
	if c.FallbackUsed != "" {
		line += " fallback=" + c.FallbackUsed
	}
	if c.ErrorCode != "" {
		line += " error=" + c.ErrorCode
	}
	return line
}

func phaseIcon(phase session.Phase) string {
	switch phase {
	case session.PhaseDone:
		return "\033[32m✅\033[0m"
	case session.PhaseFinalizing:
		return "\033[35m⚖\033[0m"
	default:
		return "\033[33m⏳\033[0m"
	}
}

func callIcon(c session.ToolCall) string {
	switch {
	case c.Status == tools.StatusError:
		return "\033[31m❌\033[0m"
	case c.FallbackUsed != "":
		return "\033[33m↪\033[0m"
	case c.Status == tools.StatusEmpty:
		return "\033[90m○\033[0m"
	default:
		return "\033[32m✓\033[0m"
	}
}

func callDetail(c session.ToolCall) string {
	switch {
	case c.Cached:
		return "\033[90m[cached]\033[0m"
	case c.Status == tools.StatusError:
		return fmt.Sprintf("\033[31m[%s after %d attempts]\033[0m", c.ErrorCode, c.Attempts)
	case c.FallbackUsed != "":
		return fmt.Sprintf("\033[33m[via %s, %dms]\033[0m", c.FallbackUsed, c.DurationMS)
	default:
		return fmt.Sprintf("\033[90m[%dms]\033[0m", c.DurationMS)
	}
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	d = d.Round(time.Second)
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	m := int(d.Minutes())
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%dm%ds", m, s)
}
