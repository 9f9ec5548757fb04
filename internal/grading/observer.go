package grading

import (
	"github.com/berth-dev/gradeloop/internal/session"
)

// Observer receives progress notifications from a run. Calls are made from
// the goroutine driving the run, in order.
type Observer interface {
	PhaseChanged(sessionID string, phase session.Phase, iteration int)
	ToolFinished(sessionID string, call session.ToolCall)
	Finished(sessionID string, result *GradeResult)
}

// NopObserver ignores every notification.
type NopObserver struct{}

func (NopObserver) PhaseChanged(string, session.Phase, int) {}
func (NopObserver) ToolFinished(string, session.ToolCall)   {}
func (NopObserver) Finished(string, *GradeResult)           {}
