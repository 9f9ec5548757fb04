// Package log provides the grading audit trail and operational logger setup.
// Audit events are appended as JSON lines to .gradeloop/log.jsonl.
package log

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Event type constants.
const (
	EventRunStarted         = "run_started"
	EventPreprocessComplete = "preprocess_complete"
	EventPlanProposed       = "plan_proposed"
	EventToolCall           = "tool_call"
	EventReflection         = "reflection"
	EventGateDowngrade      = "gate_downgrade"
	EventRunComplete        = "run_complete"
	EventRunFailed          = "run_failed"
)

// LogEvent represents a single audit event.
type LogEvent struct {
	Time         time.Time      `json:"time"`
	Event        string         `json:"event"`
	Session      string         `json:"session,omitempty"`
	Iteration    int            `json:"iteration,omitempty"`
	Subject      string         `json:"subject,omitempty"`
	Pages        int            `json:"pages,omitempty"`
	Tool         string         `json:"tool,omitempty"`
	Page         *int           `json:"page,omitempty"`
	Status       string         `json:"status,omitempty"`
	ErrorCode    string         `json:"error_code,omitempty"`
	Attempts     int            `json:"attempts,omitempty"`
	FallbackUsed string         `json:"fallback_used,omitempty"`
	Cached       bool           `json:"cached,omitempty"`
	Steps        []string       `json:"steps,omitempty"`
	Pass         *bool          `json:"pass,omitempty"`
	Confidence   float64        `json:"confidence,omitempty"`
	Issues       []string       `json:"issues,omitempty"`
	Reason       string         `json:"reason,omitempty"`
	Items        int            `json:"items,omitempty"`
	Warnings     []string       `json:"warnings,omitempty"`
	Error        string         `json:"error,omitempty"`
	Tokens       int            `json:"tokens,omitempty"`
	DurationMs   int64          `json:"duration_ms,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
}

// Logger writes append-only JSONL events to a log file.
type Logger struct {
	path string
	mu   sync.Mutex
}

// NewLogger creates a Logger that writes to .gradeloop/log.jsonl inside dir.
// Creates the .gradeloop/ directory if it does not already exist.
// Does not truncate an existing log file.
func NewLogger(dir string) (*Logger, error) {
	stateDir := filepath.Join(dir, ".gradeloop")
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("create .gradeloop directory: %w", err)
	}

	return &Logger{
		path: filepath.Join(stateDir, "log.jsonl"),
	}, nil
}

// Path returns the log file location.
func (l *Logger) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Append writes a single LogEvent as one JSON line to the log file.
// If event.Time is the zero value, it is automatically set to time.Now().UTC().
// A nil Logger discards the event.
// Thread-safe via mutex.
func (l *Logger) Append(event LogEvent) error {
	if l == nil {
		return nil
	}
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal log event: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write log event: %w", err)
	}

	return nil
}

// ReadAll reads and parses all events from the log file.
// Returns an empty slice (not an error) if the file does not exist.
func (l *Logger) ReadAll() ([]LogEvent, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []LogEvent{}, nil
		}
		return nil, fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()

	var events []LogEvent
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var event LogEvent
		if err := json.Unmarshal(line, &event); err != nil {
			return nil, fmt.Errorf("parse log line %d: %w", lineNum, err)
		}
		events = append(events, event)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read log file: %w", err)
	}

	return events, nil
}

// ForSession returns the events of one session in write order.
func (l *Logger) ForSession(id string) ([]LogEvent, error) {
	all, err := l.ReadAll()
	if err != nil {
		return nil, err
	}
	out := make([]LogEvent, 0, len(all))
	for _, e := range all {
		if e.Session == id {
			out = append(out, e)
		}
	}
	return out, nil
}
