// Package rules evaluates datapoint path expressions against parsed
// telemetry payloads.
package rules

import (
	"fmt"

	"github.com/ohler55/ojg/jp"
	"github.com/ohler55/ojg/oj"
)

// ParsePayload parses a raw JSON payload into a generic document.
func ParsePayload(payload []byte) (any, error) {
	doc, err := oj.Parse(payload)
	if err != nil {
		return nil, fmt.Errorf("parse payload: %w", err)
	}
	return doc, nil
}

// Extract applies the path expression to doc and returns the first
// match. The boolean reports whether any match was found. The document
// is never mutated; the result depends only on doc and path.
func Extract(doc any, path string) (any, bool, error) {
	expr, err := jp.ParseString(path)
	if err != nil {
		return nil, false, fmt.Errorf("parse path %q: %w", path, err)
	}
	matches := expr.Get(doc)
	if len(matches) == 0 {
		return nil, false, nil
	}
	return matches[0], true, nil
}

// SkipValue reports whether an extracted value carries no usable
// attribute update. JSON null and empty strings are skipped; zero and
// false are forwarded.
func SkipValue(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && s == ""
}
