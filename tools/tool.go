// Package tools provides the safety-gated tools exposed to agent steps:
// read-only kubectl, PromQL queries, allowlisted HTTP fetches, and a
// predefined script library. Every invocation is risk-assessed and audited.
package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/quellops/quell/llm"
)

// RiskLevel classifies the blast radius of a tool invocation.
type RiskLevel int

const (
	RiskLow RiskLevel = iota
	RiskMedium
	RiskHigh
)

func (r RiskLevel) String() string {
	switch r {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	default:
		return "unknown"
	}
}

// AssessCommandRisk maps a command verb to a risk level. Destructive verbs
// are high, mutating verbs medium, read verbs low, anything unrecognized
// medium.
func AssessCommandRisk(command string) RiskLevel {
	fields := strings.Fields(strings.ToLower(command))
	verb := ""
	for _, f := range fields {
		if f == "kubectl" || strings.HasPrefix(f, "-") {
			continue
		}
		verb = f
		break
	}

	switch verb {
	case "delete", "remove", "drain", "cordon", "replace":
		return RiskHigh
	case "patch", "scale", "apply", "rollout", "annotate", "label":
		return RiskMedium
	case "get", "describe", "logs", "events", "top", "explain", "version":
		return RiskLow
	default:
		return RiskMedium
	}
}

// DeniedError reports a tool invocation refused by the safety gate.
type DeniedError struct {
	Tool   string
	Reason string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("tool %s denied: %s", e.Tool, e.Reason)
}

// Deny builds a structured denial.
func Deny(tool, format string, args ...any) error {
	return &DeniedError{Tool: tool, Reason: fmt.Sprintf(format, args...)}
}

// Tool is one callable capability offered to agents.
type Tool interface {
	// Name returns the tool identifier.
	Name() string

	// Definition describes the tool for the LLM.
	Definition() llm.ToolDefinition

	// Risk classifies an invocation before execution.
	Risk(args map[string]any) RiskLevel

	// Execute runs the invocation and returns its observation text.
	// Safety violations return *DeniedError.
	Execute(ctx context.Context, args map[string]any) (string, error)
}

// Registry holds registered tools.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Registering an existing name replaces it.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions returns LLM tool definitions for the requested names,
// skipping any that are not registered.
func (r *Registry) Definitions(names []string) []llm.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var defs []llm.ToolDefinition
	for _, name := range names {
		if t, ok := r.tools[name]; ok {
			defs = append(defs, t.Definition())
		}
	}
	return defs
}

// stringArg extracts a required string argument.
func stringArg(args map[string]any, key string) (string, bool) {
	v, ok := args[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok && s != ""
}
