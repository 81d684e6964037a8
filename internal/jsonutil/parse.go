// Package jsonutil extracts JSON from model responses that may wrap it in
// markdown code fences or surround it with prose.
package jsonutil

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNoJSON is returned when a response contains no object or array.
var ErrNoJSON = errors.New("no JSON content found")

// StripMarkdownFences removes a ```json ... ``` (or bare ```) wrapper.
// Text without an opening fence is returned trimmed but otherwise unchanged.
func StripMarkdownFences(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	_, body, found := strings.Cut(text, "\n")
	if !found {
		return text
	}
	if i := strings.LastIndex(body, "```"); i >= 0 {
		body = body[:i]
	}
	return strings.TrimSpace(body)
}

// ExtractJSON returns the span from the first '{' or '[' to the last
// matching closing delimiter.
func ExtractJSON(text string) (string, error) {
	start := strings.IndexAny(text, "{[")
	if start < 0 {
		return "", ErrNoJSON
	}
	closing := "}"
	if text[start] == '[' {
		closing = "]"
	}
	end := strings.LastIndex(text, closing)
	if end < start {
		return "", fmt.Errorf("no closing %s found", closing)
	}
	return text[start : end+1], nil
}

// ParseJSON strips fences, extracts the JSON payload and unmarshals it into T.
func ParseJSON[T any](raw string) (T, error) {
	var result T
	payload, err := ExtractJSON(StripMarkdownFences(raw))
	if err != nil {
		return result, fmt.Errorf("%w (raw length: %d)", err, len(raw))
	}
	if err := json.Unmarshal([]byte(payload), &result); err != nil {
		preview := payload
		if len(preview) > 200 {
			preview = preview[:200] + "..."
		}
		return result, fmt.Errorf("invalid JSON: %w (text: %s)", err, preview)
	}
	return result, nil
}
