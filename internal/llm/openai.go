package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/berth-dev/gradeloop/internal/retry"
)

// OpenAIConfig configures an OpenAI-compatible chat completion backend.
type OpenAIConfig struct {
	APIKey            string
	BaseURL           string        // empty uses the public endpoint
	Model             string        // default model when a request names none
	RequestsPerSecond float64       // 0 disables client-side rate limiting
	Timeout           time.Duration // per-request HTTP timeout
	Logger            *slog.Logger
}

// OpenAI implements Client on top of go-openai. Vision input is sent as
// image_url message parts, which OpenAI-compatible VLM gateways accept.
type OpenAI struct {
	client  *openai.Client
	model   string
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewOpenAI builds a client. APIKey falls back to $OPENAI_API_KEY.
func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("no API key configured for model backend")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("no default model configured")
	}

	clientCfg := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	if cfg.Timeout > 0 {
		clientCfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		burst := int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &OpenAI{
		client:  openai.NewClientWithConfig(clientCfg),
		model:   cfg.Model,
		limiter: limiter,
		logger:  logger,
	}, nil
}

// Complete sends one chat completion request.
func (o *OpenAI) Complete(ctx context.Context, req Request) (Response, error) {
	if o.limiter != nil {
		if err := o.limiter.Wait(ctx); err != nil {
			return Response{}, retry.Transient("rate_limited", err)
		}
	}

	model := req.Model
	if model == "" {
		model = o.model
	}

	chatReq := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    buildMessages(req),
		Temperature: req.Temperature,
	}
	if req.MaxTokens > 0 {
		chatReq.MaxCompletionTokens = req.MaxTokens
	}
	if req.JSON {
		chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	start := time.Now()
	resp, err := o.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		o.logger.Warn("model call failed", "model", model, "error", err, "duration_ms", time.Since(start).Milliseconds())
		return Response{}, classify(err)
	}
	if len(resp.Choices) == 0 {
		return Response{}, retry.Permanent("bad_output", errors.New("model returned no choices"))
	}

	o.logger.Debug("model call complete",
		"model", model,
		"images", len(req.Images),
		"total_tokens", resp.Usage.TotalTokens,
		"finish_reason", resp.Choices[0].FinishReason,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return Response{
		Text: resp.Choices[0].Message.Content,
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

func buildMessages(req Request) []openai.ChatCompletionMessage {
	var messages []openai.ChatCompletionMessage
	if strings.TrimSpace(req.System) != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}

	if len(req.Images) == 0 {
		return append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: req.Prompt,
		})
	}

	parts := []openai.ChatMessagePart{{Type: openai.ChatMessagePartTypeText, Text: req.Prompt}}
	for _, url := range req.Images {
		parts = append(parts, openai.ChatMessagePart{
			Type: openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{
				URL:    url,
				Detail: openai.ImageURLDetailHigh,
			},
		})
	}
	return append(messages, openai.ChatCompletionMessage{
		Role:         openai.ChatMessageRoleUser,
		MultiContent: parts,
	})
}

// classify maps API failures onto the retry taxonomy.
func classify(err error) error {
	if errors.Is(err, context.Canceled) {
		return retry.Permanent("canceled", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return retry.Transient("timeout", err)
	}

	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}

	switch {
	case status == http.StatusTooManyRequests:
		return retry.Transient("rate_limited", err)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return retry.Transient("timeout", err)
	case status >= 500:
		return retry.Transient("unavailable", err)
	case status >= 400:
		return retry.Permanent("rejected", err)
	}
	if retry.IsTransient(err) {
		return retry.Transient("timeout", err)
	}
	// Transport failures without a status are usually connection resets.
	return retry.Transient("unavailable", err)
}
