// Package template implements the narrow substitution language used in
// workflow resources. It supports {{ path }} expressions with dotted field
// access, [n] array indexing, and the default and toJSON filters. There are
// no loops, conditionals, or function calls: resource-authored strings must
// not reach a general templating runtime.
package template

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Render substitutes every {{ ... }} expression in tmpl against ctx.
// An expression that resolves to nothing renders as the empty string unless
// a default filter supplies a fallback.
func Render(tmpl string, ctx map[string]any) (string, error) {
	var out strings.Builder
	rest := tmpl

	for {
		start := strings.Index(rest, "{{")
		if start < 0 {
			out.WriteString(rest)
			return out.String(), nil
		}

		out.WriteString(rest[:start])
		rest = rest[start+2:]

		end := strings.Index(rest, "}}")
		if end < 0 {
			return "", fmt.Errorf("unterminated expression in template")
		}

		expr := strings.TrimSpace(rest[:end])
		rest = rest[end+2:]

		val, err := eval(expr, ctx)
		if err != nil {
			return "", err
		}
		out.WriteString(val)
	}
}

// eval resolves a single expression: a path followed by zero or more filters.
func eval(expr string, ctx map[string]any) (string, error) {
	if expr == "" {
		return "", fmt.Errorf("empty expression")
	}

	parts := strings.Split(expr, "|")
	path := strings.TrimSpace(parts[0])

	val, found := Lookup(ctx, path)

	for _, raw := range parts[1:] {
		filter := strings.TrimSpace(raw)
		switch {
		case strings.HasPrefix(filter, "default "):
			if !found || val == nil {
				fallback, err := parseLiteral(strings.TrimSpace(strings.TrimPrefix(filter, "default ")))
				if err != nil {
					return "", fmt.Errorf("filter %q: %w", filter, err)
				}
				val = fallback
				found = true
			}
		case filter == "toJSON":
			encoded, err := json.Marshal(val)
			if err != nil {
				return "", fmt.Errorf("toJSON: %w", err)
			}
			return string(encoded), nil
		default:
			return "", fmt.Errorf("unknown filter %q", filter)
		}
	}

	if !found || val == nil {
		return "", nil
	}
	return Stringify(val), nil
}

// Lookup resolves a dotted path with optional [n] indexing against data.
// A leading dot is tolerated. Returns the value and whether it was found.
func Lookup(data map[string]any, path string) (any, bool) {
	path = strings.TrimPrefix(path, ".")
	if path == "" {
		return nil, false
	}

	var current any = data
	for _, seg := range strings.Split(path, ".") {
		key, indexes, err := splitIndexes(seg)
		if err != nil {
			return nil, false
		}

		if key != "" {
			obj, ok := current.(map[string]any)
			if !ok {
				return nil, false
			}
			current, ok = obj[key]
			if !ok {
				return nil, false
			}
		}

		for _, idx := range indexes {
			arr, ok := current.([]any)
			if !ok || idx < 0 || idx >= len(arr) {
				return nil, false
			}
			current = arr[idx]
		}
	}

	return current, true
}

// splitIndexes separates "alerts[0][1]" into "alerts" and [0, 1].
func splitIndexes(seg string) (string, []int, error) {
	open := strings.Index(seg, "[")
	if open < 0 {
		return seg, nil, nil
	}

	key := seg[:open]
	var indexes []int
	rest := seg[open:]

	for rest != "" {
		if !strings.HasPrefix(rest, "[") {
			return "", nil, fmt.Errorf("malformed index in %q", seg)
		}
		close := strings.Index(rest, "]")
		if close < 0 {
			return "", nil, fmt.Errorf("unterminated index in %q", seg)
		}
		idx, err := strconv.Atoi(rest[1:close])
		if err != nil {
			return "", nil, fmt.Errorf("index in %q: %w", seg, err)
		}
		indexes = append(indexes, idx)
		rest = rest[close+1:]
	}

	return key, indexes, nil
}

// parseLiteral accepts a quoted string or a bare token as a filter argument.
func parseLiteral(s string) (any, error) {
	if s == "" {
		return nil, fmt.Errorf("missing argument")
	}
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1], nil
		}
	}
	return s, nil
}

// Stringify renders a looked-up value for interpolation. Maps and slices
// render as compact JSON so they stay parseable downstream.
func Stringify(val any) string {
	switch v := val.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		// JSON numbers decode as float64; keep integers unadorned.
		if v == float64(int64(v)) {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'g', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(encoded)
	}
}
