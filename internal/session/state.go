// Package session holds the working memory of one grading run and the
// stores that persist it between iterations.
package session

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/berth-dev/gradeloop/internal/tools"
)

// Phase is a state of the grading loop.
type Phase string

const (
	PhasePlanning   Phase = "planning"
	PhaseExecuting  Phase = "executing"
	PhaseReflecting Phase = "reflecting"
	PhaseFinalizing Phase = "finalizing"
	PhaseDone       Phase = "done"
)

// Verdict is the grading outcome for one question.
type Verdict string

const (
	VerdictCorrect   Verdict = "correct"
	VerdictIncorrect Verdict = "incorrect"
	VerdictUncertain Verdict = "uncertain"
)

// Status is the overall outcome of a run.
type Status string

const (
	StatusDone        Status = "done"
	StatusNeedsReview Status = "needs_review"
	StatusFailed      Status = "failed"
)

// GradeItem is the verdict for one question.
type GradeItem struct {
	QuestionID   string   `json:"question_id"`
	Verdict      Verdict  `json:"verdict"`
	Reason       string   `json:"reason"`
	EvidenceRefs []string `json:"evidence_refs,omitempty"`
	UsesFigure   bool     `json:"uses_figure,omitempty"`
	Confidence   float64  `json:"confidence,omitempty"`
	Downgraded   bool     `json:"downgraded,omitempty"`
}

// GradeResult is the finalized output of a run.
type GradeResult struct {
	Status   Status      `json:"status"`
	Items    []GradeItem `json:"items"`
	Warnings []string    `json:"warnings"`
}

// PlanEntry is one executed plan step, kept for audit.
type PlanEntry struct {
	Iteration int               `json:"iteration"`
	Step      tools.Name        `json:"step"`
	Args      map[string]string `json:"args,omitempty"`
}

// Attempt tracks how often a tool ran in this run and how it last ended.
type Attempt struct {
	Attempts   int          `json:"attempts"`
	Failures   int          `json:"failures"`
	LastStatus tools.Status `json:"last_status"`
}

// ToolCall is one entry of the call journal.
type ToolCall struct {
	Iteration    int          `json:"iteration"`
	Tool         tools.Name   `json:"tool"`
	Key          string       `json:"key"`
	Status       tools.Status `json:"status"`
	ErrorCode    string       `json:"error_code,omitempty"`
	Attempts     int          `json:"attempts"`
	FallbackUsed string       `json:"fallback_used,omitempty"`
	Cached       bool         `json:"cached,omitempty"`
	DurationMS   int64        `json:"duration_ms"`
}

// State is the serializable working memory of one grading run. It has a
// single writer: the loop that owns the run.
type State struct {
	SessionID string   `json:"session_id"`
	ImageURLs []string `json:"image_urls"`
	Subject   string   `json:"subject,omitempty"`

	OCRText        string                       `json:"ocr_text,omitempty"`
	PageText       map[int]string               `json:"page_text,omitempty"`
	SliceURLs      map[tools.SliceKind][]string `json:"slice_urls,omitempty"`
	Slices         []tools.Slice                `json:"slices,omitempty"`
	PreprocessMeta map[string]string            `json:"preprocess_meta,omitempty"`

	PlanHistory      []PlanEntry                 `json:"plan_history,omitempty"`
	ToolResults      map[string]tools.ToolResult `json:"tool_results,omitempty"`
	ToolLog          []ToolCall                  `json:"tool_log,omitempty"`
	AttemptedTools   map[tools.Name]Attempt      `json:"attempted_tools,omitempty"`
	SliceFailedCache map[string]bool             `json:"slice_failed_cache,omitempty"`

	ReflectionCount int          `json:"reflection_count"`
	Warnings        []string     `json:"warnings,omitempty"`
	TokensUsed      int          `json:"tokens_used"`
	Phase           Phase        `json:"phase"`
	Result          *GradeResult `json:"result,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewID returns a fresh session id.
func NewID() string {
	return uuid.New().String()
}

// New creates the state for a run. Only identity and inputs are set.
func New(id string, imageURLs []string, subject string, now time.Time) *State {
	if id == "" {
		id = NewID()
	}
	urls := make([]string, len(imageURLs))
	copy(urls, imageURLs)
	return &State{
		SessionID: id,
		ImageURLs: urls,
		Subject:   subject,
		Phase:     PhasePlanning,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// AddWarning appends w unless it is already present.
func (s *State) AddWarning(w string) {
	if w == "" {
		return
	}
	for _, existing := range s.Warnings {
		if existing == w {
			return
		}
	}
	s.Warnings = append(s.Warnings, w)
}

// SetMeta records a preprocessing diagnostic.
func (s *State) SetMeta(key, value string) {
	if s.PreprocessMeta == nil {
		s.PreprocessMeta = make(map[string]string)
	}
	s.PreprocessMeta[key] = value
}

// SetPageText stores OCR text for a page and rebuilds the combined text
// in page order.
func (s *State) SetPageText(page int, text string) {
	if s.PageText == nil {
		s.PageText = make(map[int]string)
	}
	s.PageText[page] = text

	pages := make([]int, 0, len(s.PageText))
	for p := range s.PageText {
		pages = append(pages, p)
	}
	sort.Ints(pages)

	var b strings.Builder
	for _, p := range pages {
		t := s.PageText[p]
		if t == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		if len(s.ImageURLs) > 1 {
			fmt.Fprintf(&b, "[page %d]\n", p+1)
		}
		b.WriteString(t)
	}
	s.OCRText = b.String()
}

// HasPageText reports whether OCR text exists for page.
func (s *State) HasPageText(page int) bool {
	return s.PageText[page] != ""
}

// AddSlices records slices for their pages. URLs already present are skipped.
func (s *State) AddSlices(slices []tools.Slice) {
	if len(slices) == 0 {
		return
	}
	if s.SliceURLs == nil {
		s.SliceURLs = make(map[tools.SliceKind][]string)
	}
	seen := make(map[string]bool, len(s.Slices))
	for _, sl := range s.Slices {
		seen[sl.URL] = true
	}
	for _, sl := range slices {
		if seen[sl.URL] {
			continue
		}
		seen[sl.URL] = true
		s.Slices = append(s.Slices, sl)
		s.SliceURLs[sl.Kind] = append(s.SliceURLs[sl.Kind], sl.URL)
	}
}

// SliceCount returns the number of slices across all kinds.
func (s *State) SliceCount() int {
	return len(s.Slices)
}

// PageSlices returns the number of slices taken from page.
func (s *State) PageSlices(page int) int {
	n := 0
	for _, sl := range s.Slices {
		if sl.Page == page {
			n++
		}
	}
	return n
}

// MarkSliceFailed memoizes that slicing found nothing for an image.
func (s *State) MarkSliceFailed(imageID string) {
	if s.SliceFailedCache == nil {
		s.SliceFailedCache = make(map[string]bool)
	}
	s.SliceFailedCache[imageID] = true
}

// SliceFailed reports whether slicing already failed for an image in this run.
func (s *State) SliceFailed(imageID string) bool {
	return s.SliceFailedCache[imageID]
}

// RecordAttempt adds attempts invocations of a tool ending in status.
func (s *State) RecordAttempt(name tools.Name, attempts int, status tools.Status) {
	if s.AttemptedTools == nil {
		s.AttemptedTools = make(map[tools.Name]Attempt)
	}
	a := s.AttemptedTools[name]
	a.Attempts += attempts
	a.LastStatus = status
	if status == tools.StatusError {
		a.Failures++
	}
	s.AttemptedTools[name] = a
}

// RecordResult stores the latest result for key. A failed result never
// replaces an earlier successful one.
func (s *State) RecordResult(key string, r tools.ToolResult) {
	if s.ToolResults == nil {
		s.ToolResults = make(map[string]tools.ToolResult)
	}
	if prev, ok := s.ToolResults[key]; ok && prev.OK() && !r.OK() {
		return
	}
	s.ToolResults[key] = r
}

// AppendCall adds an entry to the call journal.
func (s *State) AppendCall(c ToolCall) {
	s.ToolLog = append(s.ToolLog, c)
}

// AppendPlan records executed plan steps.
func (s *State) AppendPlan(entries ...PlanEntry) {
	s.PlanHistory = append(s.PlanHistory, entries...)
}

// RecentPlans returns the plan entries of the last n iterations.
func (s *State) RecentPlans(n int) []PlanEntry {
	if n <= 0 || len(s.PlanHistory) == 0 {
		return nil
	}
	last := s.PlanHistory[len(s.PlanHistory)-1].Iteration
	var out []PlanEntry
	for _, e := range s.PlanHistory {
		if e.Iteration > last-n {
			out = append(out, e)
		}
	}
	return out
}

// AddTokens accumulates model token usage.
func (s *State) AddTokens(n int) {
	if n > 0 {
		s.TokensUsed += n
	}
}

// Touch sets the update time.
func (s *State) Touch(now time.Time) {
	s.UpdatedAt = now
}
