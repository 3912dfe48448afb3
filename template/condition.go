package template

import (
	"fmt"
	"strings"
)

// EvalCondition evaluates `<path> == <literal>` or `<path> != <literal>`
// against ctx. Surrounding {{ }} delimiters are tolerated. A missing or
// empty path equals nothing: `==` is false and `!=` is true.
func EvalCondition(cond string, ctx map[string]any) (bool, error) {
	expr := strings.TrimSpace(cond)

	var path, literal string
	var negate bool
	switch {
	case strings.Contains(expr, "!="):
		parts := strings.SplitN(expr, "!=", 2)
		path, literal = parts[0], parts[1]
		negate = true
	case strings.Contains(expr, "=="):
		parts := strings.SplitN(expr, "==", 2)
		path, literal = parts[0], parts[1]
	default:
		return false, fmt.Errorf("condition %q: expected == or !=", cond)
	}

	// Delimiters may wrap the whole expression or just the path, so each
	// side sheds its own half after the split.
	path = stripDelims(path)
	literal = strings.Trim(stripDelims(literal), `"'`)

	rendered, err := Render("{{ "+path+" }}", ctx)
	if err != nil {
		return false, err
	}

	if rendered == "" {
		return negate, nil
	}
	if negate {
		return rendered != literal, nil
	}
	return rendered == literal, nil
}

func stripDelims(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "{{")
	s = strings.TrimSuffix(s, "}}")
	return strings.TrimSpace(s)
}
