package tools

import (
	"context"
	"strings"

	"github.com/berth-dev/gradeloop/internal/llm"
	"github.com/berth-dev/gradeloop/prompts"
)

// VisionOCR transcribes a page with a vision model. The same type serves
// both the primary and the fallback OCR tool, configured with different
// models.
type VisionOCR struct {
	name      Name
	client    llm.Client
	model     string
	maxTokens int
}

// NewVisionOCR creates an OCR tool registered under name.
func NewVisionOCR(name Name, client llm.Client, model string, maxTokens int) *VisionOCR {
	return &VisionOCR{name: name, client: client, model: model, maxTokens: maxTokens}
}

func (o *VisionOCR) Name() Name { return o.name }

func (o *VisionOCR) Call(ctx context.Context, in Input) ToolResult {
	resp, err := o.client.Complete(ctx, llm.Request{
		Model:     o.model,
		Prompt:    prompts.OCRPrompt,
		Images:    []string{in.Image.ModelURL()},
		MaxTokens: o.maxTokens,
	})
	if err != nil {
		return FromError(err)
	}
	text := strings.TrimSpace(resp.Text)
	if text == "" {
		r := NoResult("", "ocr_empty")
		r.Tokens = resp.Usage.TotalTokens
		return r
	}
	return Success(&Payload{Text: text}, resp.Usage.TotalTokens)
}
