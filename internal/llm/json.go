package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNoJSON is returned when a reply contains no JSON object.
var ErrNoJSON = errors.New("no JSON object in model output")

// DecodeJSON decodes the outermost JSON object in a model reply into v.
// Surrounding prose and markdown fences are tolerated; anything else about
// the object must be valid JSON.
func DecodeJSON(text string, v any) error {
	obj := extractJSONObject(text)
	if obj == "" {
		return ErrNoJSON
	}
	if err := json.Unmarshal([]byte(obj), v); err != nil {
		return fmt.Errorf("decoding model output: %w", err)
	}
	return nil
}

func extractJSONObject(text string) string {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < 0 || end <= start {
		return ""
	}
	return strings.TrimSpace(text[start : end+1])
}
