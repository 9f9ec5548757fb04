package tools

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg" // register decoders for DecodeConfig
	_ "image/png"
	"math"

	"github.com/berth-dev/gradeloop/internal/llm"
	"github.com/berth-dev/gradeloop/prompts"
)

// ModelLocator asks a vision model for figure and question regions.
type ModelLocator struct {
	client    llm.Client
	model     string
	maxTokens int
}

// NewModelLocator creates the locate_regions tool.
func NewModelLocator(client llm.Client, model string, maxTokens int) *ModelLocator {
	return &ModelLocator{client: client, model: model, maxTokens: maxTokens}
}

func (l *ModelLocator) Name() Name { return Locator }

type locatorReply struct {
	Regions []struct {
		Kind string    `json:"kind"`
		Box  []float64 `json:"box"`
	} `json:"regions"`
}

func (l *ModelLocator) Call(ctx context.Context, in Input) ToolResult {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(in.Image.Data))
	if err != nil {
		return Failure(CodeDecodeFailed, false, fmt.Sprintf("decoding page %d: %v", in.Image.Index, err))
	}

	resp, err := l.client.Complete(ctx, llm.Request{
		Model:     l.model,
		Prompt:    prompts.LocatorPrompt,
		Images:    []string{in.Image.ModelURL()},
		JSON:      true,
		MaxTokens: l.maxTokens,
	})
	if err != nil {
		return FromError(err)
	}

	regions, err := parseRegions(resp.Text, cfg.Width, cfg.Height)
	if err != nil {
		r := Failure(CodeBadOutput, false, err.Error())
		r.Tokens = resp.Usage.TotalTokens
		return r
	}
	if len(regions) == 0 {
		r := NoResult(CodeNoRegions)
		r.Tokens = resp.Usage.TotalTokens
		return r
	}
	return Success(&Payload{Regions: regions}, resp.Usage.TotalTokens)
}

// parseRegions decodes a locator reply and converts normalized boxes to
// pixel boxes. Entries with an unknown kind or degenerate box are skipped;
// a reply that is not the expected JSON shape is an error.
func parseRegions(text string, width, height int) ([]Region, error) {
	var reply locatorReply
	if err := llm.DecodeJSON(text, &reply); err != nil {
		return nil, err
	}
	var out []Region
	for _, r := range reply.Regions {
		kind := SliceKind(r.Kind)
		if !kind.Valid() || len(r.Box) != 4 {
			continue
		}
		box := Box{
			X0: scale(r.Box[0], width),
			Y0: scale(r.Box[1], height),
			X1: scale(r.Box[2], width),
			Y1: scale(r.Box[3], height),
		}
		if box.Empty() {
			continue
		}
		out = append(out, Region{Kind: kind, Box: box})
	}
	return out, nil
}

func scale(v float64, size int) int {
	if math.IsNaN(v) {
		return 0
	}
	v = math.Max(0, math.Min(1, v))
	return int(math.Round(v * float64(size)))
}
