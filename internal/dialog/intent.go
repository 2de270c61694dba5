package dialog

import (
	"encoding/json"
	"fmt"
	"strings"
)

type intentResponse struct {
	Intent     string  `json:"intent"`
	Confidence float64 `json:"confidence"`
}

// parseIntentResponse reads the classifier's JSON reply. Models sometimes
// wrap the object in prose or fences, so the parser takes the outermost
// brace pair it can find.
func parseIntentResponse(text string) (string, float64, error) {
	obj := extractJSONObject(text)
	if obj == "" {
		return "", 0, fmt.Errorf("no JSON object in classifier reply")
	}
	var r intentResponse
	if err := json.Unmarshal([]byte(obj), &r); err != nil {
		return "", 0, fmt.Errorf("classifier reply is not valid JSON: %w", err)
	}
	r.Intent = strings.TrimSpace(r.Intent)
	if r.Intent == "" {
		return "", 0, fmt.Errorf("classifier reply names no intent")
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return "", 0, fmt.Errorf("classifier confidence %v out of range", r.Confidence)
	}
	return r.Intent, r.Confidence, nil
}

func extractJSONObject(text string) string {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return ""
	}
	return text[start : end+1]
}
