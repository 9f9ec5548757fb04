// Package tools defines the uniform ToolResult contract, the closed set of
// tool capabilities the planner may name, and their implementations.
package tools

import (
	"github.com/berth-dev/gradeloop/internal/retry"
)

// Status is the outcome class of one tool call.
type Status string

const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
	StatusEmpty Status = "empty"
)

// SliceKind classifies a cropped region.
type SliceKind string

const (
	SliceFigure   SliceKind = "figure"
	SliceQuestion SliceKind = "question"
)

// Valid reports whether k is a known slice kind.
func (k SliceKind) Valid() bool {
	return k == SliceFigure || k == SliceQuestion
}

// Error codes carried in ToolResult.ErrorCode.
const (
	CodeTimeout      = "timeout"
	CodeUnavailable  = "unavailable"
	CodeRateLimited  = "rate_limited"
	CodeBadOutput    = "bad_output"
	CodeNoRegions    = "no_regions"
	CodeFetchFailed  = "fetch_failed"
	CodeDecodeFailed = "decode_failed"
	CodeUploadFailed = "upload_failed"
	CodeBreakerOpen  = "breaker_open"
	CodeUnknownTool  = "unknown_tool"
	CodeCanceled     = "canceled"
)

// Box is a pixel rectangle in page coordinates, [X0,X1) x [Y0,Y1).
type Box struct {
	X0 int `json:"x0"`
	Y0 int `json:"y0"`
	X1 int `json:"x1"`
	Y1 int `json:"y1"`
}

// Empty reports whether the box has no area.
func (b Box) Empty() bool {
	return b.X1 <= b.X0 || b.Y1 <= b.Y0
}

// Region is a located area of a page.
type Region struct {
	Kind SliceKind `json:"kind"`
	Box  Box       `json:"box"`
}

// Slice is an uploaded crop of a page region.
type Slice struct {
	Kind SliceKind `json:"kind"`
	URL  string    `json:"url"`
	Page int       `json:"page"`
	Box  Box       `json:"box"`
}

// Payload is the tool-specific data of a result. Each tool fills the field
// matching its capability.
type Payload struct {
	Text    string   `json:"text,omitempty"`
	Regions []Region `json:"regions,omitempty"`
	Slices  []Slice  `json:"slices,omitempty"`
}

// ToolResult is returned by every tool call, success or failure.
// Expected failures are values, never panics or errors.
type ToolResult struct {
	Status       Status   `json:"status"`
	Data         *Payload `json:"data,omitempty"`
	Warnings     []string `json:"warnings,omitempty"`
	ErrorCode    string   `json:"error_code,omitempty"`
	Retryable    bool     `json:"retryable,omitempty"`
	FallbackUsed string   `json:"fallback_used,omitempty"`
	Tokens       int      `json:"tokens,omitempty"`
}

// OK reports whether the call succeeded.
func (r ToolResult) OK() bool {
	return r.Status == StatusOK
}

// Text returns the payload text, or "" when there is none.
func (r ToolResult) Text() string {
	if r.Data == nil {
		return ""
	}
	return r.Data.Text
}

// Success builds an ok result.
func Success(data *Payload, tokens int) ToolResult {
	return ToolResult{Status: StatusOK, Data: data, Tokens: tokens}
}

// NoResult builds an empty result: the call worked but found nothing.
func NoResult(code string, warnings ...string) ToolResult {
	return ToolResult{Status: StatusEmpty, ErrorCode: code, Warnings: warnings}
}

// Failure builds an error result.
func Failure(code string, retryable bool, warnings ...string) ToolResult {
	return ToolResult{Status: StatusError, ErrorCode: code, Retryable: retryable, Warnings: warnings}
}

// FromError converts a classified error into an error result.
func FromError(err error) ToolResult {
	return Failure(retry.Code(err), retry.IsTransient(err), err.Error())
}
