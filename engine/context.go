// Package engine executes workflow runs: a bounded queue feeds a worker
// pool that walks each workflow's steps, persists progress, and fans
// results out to sinks. Agent steps may suspend mid-run for human
// approval and resume later.
package engine

import (
	"encoding/json"

	"github.com/quellops/quell/template"
)

// RunContext accumulates state across a run's steps. Templates see it as
// {input, outputs, metadata}, with "steps" aliasing "outputs" so both
// spellings of a step reference resolve.
type RunContext struct {
	Input    map[string]any `json:"input"`
	Outputs  map[string]any `json:"outputs"`
	Metadata map[string]any `json:"metadata"`
}

// NewRunContext builds a context from the run's input document.
func NewRunContext(input map[string]any) *RunContext {
	if input == nil {
		input = map[string]any{}
	}
	return &RunContext{
		Input:    input,
		Outputs:  map[string]any{},
		Metadata: map[string]any{},
	}
}

// ParseRunContext restores a context from a run's persisted input JSON.
func ParseRunContext(raw json.RawMessage) (*RunContext, error) {
	var input map[string]any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &input); err != nil {
			return nil, err
		}
	}
	return NewRunContext(input), nil
}

// SetOutput records a step's output under its name.
func (c *RunContext) SetOutput(step string, out map[string]any) {
	if out == nil {
		out = map[string]any{}
	}
	c.Outputs[step] = out
}

// TemplateContext returns the document templates render against.
func (c *RunContext) TemplateContext() map[string]any {
	return map[string]any{
		"input":    c.Input,
		"outputs":  c.Outputs,
		"steps":    c.Outputs,
		"metadata": c.Metadata,
	}
}

// Render expands a template against the current context.
func (c *RunContext) Render(tmpl string) (string, error) {
	return template.Render(tmpl, c.TemplateContext())
}

// RenderOutputs expands the workflow's named output templates against the
// final context.
func (c *RunContext) RenderOutputs(templates map[string]string) (map[string]any, error) {
	if len(templates) == 0 {
		return map[string]any{}, nil
	}
	out := make(map[string]any, len(templates))
	for name, tmpl := range templates {
		rendered, err := template.Render(tmpl, c.TemplateContext())
		if err != nil {
			return nil, err
		}
		out[name] = rendered
	}
	return out, nil
}
