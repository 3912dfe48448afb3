// Package agent implements the LLM investigation runtime: a bounded
// tool-calling loop with risk assessment, human approval suspension, and
// structured analysis parsing.
package agent

import (
	"regexp"
	"strings"

	"github.com/quellops/quell/tools"
)

// maxFixCommandLength bounds commands accepted from model output.
const maxFixCommandLength = 1000

// SafetyConfig gates commands proposed by the model.
type SafetyConfig struct {
	// ApprovalVerbs are kubectl verbs that always need a human decision
	// before execution.
	ApprovalVerbs []string

	// dangerous matches command shapes that are refused outright,
	// approval or not.
	dangerous []*regexp.Regexp
}

// DefaultSafetyConfig returns the standard gate.
func DefaultSafetyConfig() *SafetyConfig {
	return &SafetyConfig{
		ApprovalVerbs: []string{"delete", "scale", "patch", "replace", "drain", "cordon"},
		dangerous: []*regexp.Regexp{
			regexp.MustCompile(`rm\s+-rf?\s+/`),
			regexp.MustCompile(`kubectl\s+delete\s+namespace`),
			regexp.MustCompile(`kubectl\s+delete\s+.*--all\b`),
			regexp.MustCompile(`:\(\)\s*\{.*\};:`),
			regexp.MustCompile(`>\s*/dev/sd[a-z]`),
		},
	}
}

// CheckCommand refuses commands that are dangerous regardless of approval.
func (s *SafetyConfig) CheckCommand(command string) error {
	if len(command) > maxFixCommandLength {
		return tools.Deny("fix", "command exceeds %d characters", maxFixCommandLength)
	}
	lowered := strings.ToLower(command)
	for _, pattern := range s.dangerous {
		if pattern.MatchString(lowered) {
			return tools.Deny("fix", "command matches blocked pattern %q", pattern.String())
		}
	}
	return nil
}

// RequiresApproval reports whether a proposed command needs a human
// decision before it may run.
func (s *SafetyConfig) RequiresApproval(command string) bool {
	fields := strings.Fields(strings.ToLower(command))
	for i, f := range fields {
		if f == "kubectl" && i+1 < len(fields) {
			return s.verbNeedsApproval(fields[i+1])
		}
	}
	// Non-kubectl commands always need a human.
	return true
}

func (s *SafetyConfig) verbNeedsApproval(verb string) bool {
	for _, v := range s.ApprovalVerbs {
		if verb == v {
			return true
		}
	}
	return false
}
