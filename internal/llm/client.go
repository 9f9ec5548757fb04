// Package llm defines the model capability the grading core calls: one
// request/response exchange with optional images and JSON output. The raw
// vendor API lives behind Client so the orchestration never depends on it.
package llm

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
)

// Request is a single model exchange.
type Request struct {
	Model       string   // empty means the client's default model
	System      string   // system instructions
	Prompt      string   // user text
	Images      []string // image URLs or data URIs, sent after the prompt
	JSON        bool     // ask for a JSON object response
	MaxTokens   int      // completion cap; 0 leaves it to the provider
	Temperature float32
}

// Usage reports token consumption for one exchange.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is the model's reply.
type Response struct {
	Text  string
	Usage Usage
}

// Client is implemented by every model backend.
type Client interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// ClientFunc adapts a function to the Client interface.
type ClientFunc func(ctx context.Context, req Request) (Response, error)

// Complete calls f(ctx, req).
func (f ClientFunc) Complete(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}

// DataURI encodes raw image bytes for inline transmission.
func DataURI(mimeType string, data []byte) string {
	return fmt.Sprintf("data:%s;base64,%s", mimeType, base64.StdEncoding.EncodeToString(data))
}

// Scripted replays queued responses in order and records every request.
// When the queue is empty it returns Fallback, or an error if Fallback is nil.
type Scripted struct {
	mu       sync.Mutex
	queue    []scriptedReply
	requests []Request
	Fallback *Response
}

type scriptedReply struct {
	resp Response
	err  error
}

// Reply queues a successful response with the given text and token count.
func (s *Scripted) Reply(text string, tokens int) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, scriptedReply{resp: Response{Text: text, Usage: Usage{TotalTokens: tokens}}})
	return s
}

// Fail queues an error.
func (s *Scripted) Fail(err error) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, scriptedReply{err: err})
	return s
}

func (s *Scripted) Complete(ctx context.Context, req Request) (Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	if len(s.queue) == 0 {
		if s.Fallback != nil {
			return *s.Fallback, nil
		}
		return Response{}, fmt.Errorf("scripted client: no reply queued")
	}
	next := s.queue[0]
	s.queue = s.queue[1:]
	return next.resp, next.err
}

// Requests returns a copy of every request seen so far.
func (s *Scripted) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.requests))
	copy(out, s.requests)
	return out
}
