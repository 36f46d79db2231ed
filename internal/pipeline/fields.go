package pipeline

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/hidarameen/Hodhod/internal/storage"
)

// extractFields pulls the trailing fenced JSON block the generate prompt
// asked for, returning the text without the block and the requested
// fields. A missing or malformed block degrades to the whole text with
// empty fields; structured extraction is best-effort.
func extractFields(text string, specs []storage.FieldSpec) (string, map[string]string) {
	fields := map[string]string{}

	block, body, ok := splitJSONBlock(text)
	if !ok {
		return text, fields
	}

	var raw map[string]any
	if err := json.Unmarshal([]byte(block), &raw); err != nil {
		return text, fields
	}

	for _, spec := range specs {
		v, ok := raw[spec.Name]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case string:
			fields[spec.Name] = t
		case float64:
			fields[spec.Name] = strconv.FormatFloat(t, 'f', -1, 64)
		case bool:
			if t {
				fields[spec.Name] = "true"
			} else {
				fields[spec.Name] = "false"
			}
		default:
			if b, err := json.Marshal(v); err == nil {
				fields[spec.Name] = string(b)
			}
		}
	}
	return body, fields
}

// splitJSONBlock finds the last fenced ```json block, or failing that the
// last brace-balanced object at the end of the text.
func splitJSONBlock(text string) (block, body string, ok bool) {
	if i := strings.LastIndex(text, "```json"); i >= 0 {
		rest := text[i+len("```json"):]
		if j := strings.Index(rest, "```"); j >= 0 {
			block = strings.TrimSpace(rest[:j])
			body = strings.TrimSpace(text[:i] + rest[j+3:])
			return block, body, true
		}
	}

	// Bare object fallback: some models omit the fence.
	end := strings.LastIndex(text, "}")
	if end < 0 {
		return "", text, false
	}
	depth := 0
	for i := end; i >= 0; i-- {
		switch text[i] {
		case '}':
			depth++
		case '{':
			depth--
			if depth == 0 {
				return strings.TrimSpace(text[i : end+1]), strings.TrimSpace(text[:i] + text[end+1:]), true
			}
		}
	}
	return "", text, false
}
