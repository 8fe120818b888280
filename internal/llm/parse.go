package llm

import (
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"
)

// ParseObject pulls a single JSON object out of model output that may be
// wrapped in prose or markdown fences.
func ParseObject(text string) (map[string]any, error) {
	cleaned := cleanJSON(text)
	if cleaned == "" {
		return nil, eris.New("llm: empty response")
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(cleaned), &obj); err != nil {
		return nil, eris.Wrap(err, "llm: response is not a json object")
	}
	if obj == nil {
		return nil, eris.New("llm: response is null")
	}
	return obj, nil
}

// cleanJSON attempts to extract a JSON object from text that may contain
// markdown code fences or other wrapping.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)

	// Strip markdown code fences.
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	// Find first { and last }.
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}

	return strings.TrimSpace(text)
}
