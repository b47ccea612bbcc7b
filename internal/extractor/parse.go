package extractor

import (
	"encoding/json"
	"fmt"
	"strings"
)

// parseExtraction decodes the model's JSON verdict, recovering from the
// usual decorations: markdown code fences, prefix/suffix prose, truncated
// trailing text after the object.
func parseExtraction(raw string) (*extractionPayload, error) {
	raw = strings.TrimSpace(raw)

	if strings.HasPrefix(raw, "```") {
		lines := strings.Split(raw, "\n")
		if len(lines) >= 3 && strings.HasPrefix(strings.TrimSpace(lines[len(lines)-1]), "```") {
			raw = strings.TrimSpace(strings.Join(lines[1:len(lines)-1], "\n"))
		}
	}

	var payload extractionPayload
	if err := json.Unmarshal([]byte(raw), &payload); err == nil {
		return &payload, nil
	}

	start, end := findJSONBounds(raw)
	if start < 0 {
		return nil, fmt.Errorf("no JSON object in output: %q", truncate(raw, 120))
	}
	if err := json.Unmarshal([]byte(raw[start:end]), &payload); err != nil {
		return nil, fmt.Errorf("malformed JSON in output: %w", err)
	}
	return &payload, nil
}

// findJSONBounds locates the first balanced top-level JSON object in s,
// ignoring braces inside string literals. Returns (-1, -1) when none closes.
func findJSONBounds(s string) (int, int) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return -1, -1
	}

	depth := 0
	inStr := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inStr {
			if ch == '\\' {
				i++
				continue
			}
			if ch == '"' {
				inStr = false
			}
			continue
		}
		switch ch {
		case '"':
			inStr = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return start, i + 1
			}
		}
	}
	return -1, -1
}
