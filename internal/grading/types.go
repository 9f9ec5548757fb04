// Package grading runs the autonomous grading loop: it plans evidence
// gathering, executes tools, reflects on sufficiency, aggregates verdicts
// and passes them through a conservative gate.
package grading

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/berth-dev/gradeloop/internal/session"
	"github.com/berth-dev/gradeloop/internal/tools"
)

// Input errors. These are the only failures Run returns; everything else
// ends up as a warning on the result.
var (
	ErrNoImages       = errors.New("no images given")
	ErrNoUsableImages = errors.New("none of the images could be loaded")
	ErrInvalidSubject = errors.New("invalid subject")
)

type (
	GradeResult = session.GradeResult
	GradeItem   = session.GradeItem
)

// Subject is the homework subject.
type Subject string

const (
	SubjectMath    Subject = "math"
	SubjectEnglish Subject = "english"
)

// ParseSubject validates s.
func ParseSubject(s string) (Subject, error) {
	switch Subject(strings.ToLower(strings.TrimSpace(s))) {
	case SubjectMath:
		return SubjectMath, nil
	case SubjectEnglish:
		return SubjectEnglish, nil
	}
	return "", fmt.Errorf("%w: %q (want math or english)", ErrInvalidSubject, s)
}

// Budget bounds one run. A nil or negative MaxIterations keeps the
// orchestrator default; 0 is the fast path with no planning, execution or
// reflection. Zero MaxTokens or Timeout keep the orchestrator defaults.
type Budget struct {
	MaxIterations *int
	MaxTokens     int
	Timeout       time.Duration
}

// Iterations returns a MaxIterations value for a Budget literal.
func Iterations(n int) *int { return &n }

// Request is one grading run.
type Request struct {
	Images    []string // URLs or local paths, in page order
	Subject   string
	SessionID string  // generated when empty
	Budget    *Budget // nil uses the orchestrator defaults
}

// PlanStep is one proposed tool call.
type PlanStep struct {
	Step tools.Name        `json:"step"`
	Args map[string]string `json:"args"`
}

// Page returns the page index argument.
func (s PlanStep) Page() (int, error) {
	v, ok := s.Args["image"]
	if !ok {
		return 0, errors.New("missing image argument")
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("image argument %q is not a page index", v)
	}
	return n, nil
}

func stepFor(name tools.Name, page int) PlanStep {
	return PlanStep{Step: name, Args: map[string]string{"image": strconv.Itoa(page)}}
}

// ReflectionVerdict scores whether the evidence is sufficient.
type ReflectionVerdict struct {
	Pass       bool     `json:"pass"`
	Confidence float64  `json:"confidence"`
	Issues     []string `json:"issues"`
	Suggestion string   `json:"suggestion"`
}
