package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/quellops/quell/agent"
	"github.com/quellops/quell/metrics"
	"github.com/quellops/quell/resource"
	"github.com/quellops/quell/template"
)

// DefaultStepTimeout applies when a step declares no timeoutMinutes.
const DefaultStepTimeout = 10 * time.Minute

// StepError marks a step failure that fails the run.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// StepResult is the outcome of executing one step.
type StepResult struct {
	// Output is the step's contribution to the run context.
	Output map[string]any
	// Skipped is set when the step's condition evaluated false.
	Skipped bool
	// Suspended is set when an agent step parked for approval.
	Suspended *agent.SuspendedState
}

// StepExecutor runs individual workflow steps.
type StepExecutor struct {
	runner CommandRunner
	agents *agent.Runtime
	logger *slog.Logger
}

// NewStepExecutor wires step execution. agents may be nil when no agent
// steps are declared.
func NewStepExecutor(runner CommandRunner, agents *agent.Runtime, logger *slog.Logger) *StepExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &StepExecutor{runner: runner, agents: agents, logger: logger}
}

// Execute runs one step against the run context.
func (e *StepExecutor) Execute(ctx context.Context, step resource.Step, rt resource.RuntimeSpec, runCtx *RunContext) (*StepResult, error) {
	if step.Condition != "" {
		pass, err := EvalCondition(step.Condition, runCtx)
		if err != nil {
			return nil, &StepError{Step: step.Name, Err: err}
		}
		if !pass {
			// Conditional steps always record which branch was taken so
			// later steps can reference the outcome.
			if step.Type == resource.StepConditional {
				return &StepResult{Output: map[string]any{"matched": "false"}}, nil
			}
			return &StepResult{Skipped: true}, nil
		}
	}

	timeout := DefaultStepTimeout
	if step.TimeoutMinutes > 0 {
		timeout = time.Duration(step.TimeoutMinutes) * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now()
	defer func() {
		metrics.StepDuration.WithLabelValues(step.Type).Observe(time.Since(started).Seconds())
	}()

	switch step.Type {
	case resource.StepCLI:
		return e.executeCLI(ctx, step, rt, runCtx)
	case resource.StepConditional:
		return &StepResult{Output: map[string]any{"matched": "true"}}, nil
	case resource.StepAgent:
		return e.executeAgent(ctx, step, rt, runCtx)
	default:
		return nil, &StepError{Step: step.Name, Err: fmt.Errorf("unknown step type %q", step.Type)}
	}
}

func (e *StepExecutor) executeCLI(ctx context.Context, step resource.Step, rt resource.RuntimeSpec, runCtx *RunContext) (*StepResult, error) {
	command, err := runCtx.Render(step.Command)
	if err != nil {
		return nil, &StepError{Step: step.Name, Err: fmt.Errorf("render command: %w", err)}
	}

	runner := e.runner
	if kr, ok := runner.(*KubectlRunner); ok && rt.Image != "" {
		override := *kr
		override.Image = rt.Image
		runner = &override
	}

	out, err := runner.Run(ctx, command, rt.Environment)
	if err != nil {
		return nil, &StepError{Step: step.Name, Err: err}
	}
	return &StepResult{Output: map[string]any{"stdout": strings.TrimSpace(out)}}, nil
}

func (e *StepExecutor) executeAgent(ctx context.Context, step resource.Step, rt resource.RuntimeSpec, runCtx *RunContext) (*StepResult, error) {
	if e.agents == nil {
		return nil, &StepError{Step: step.Name, Err: fmt.Errorf("no agent runtime configured")}
	}
	if step.Agent == nil {
		return nil, &StepError{Step: step.Name, Err: fmt.Errorf("agent step missing agent spec")}
	}

	goal, err := runCtx.Render(step.Agent.Goal)
	if err != nil {
		return nil, &StepError{Step: step.Name, Err: fmt.Errorf("render goal: %w", err)}
	}

	outcome, err := e.agents.Investigate(ctx, goal, agent.StepOptions{
		Tools:            step.Agent.Tools,
		MaxIterations:    step.Agent.MaxIterations,
		ApprovalRequired: step.Agent.ApprovalRequired,
		Provider:         rt.LLM.Provider,
		Model:            rt.LLM.Model,
		Temperature:      rt.LLM.Temperature,
		MaxTokens:        rt.LLM.MaxTokens,
	})
	if err != nil {
		return nil, &StepError{Step: step.Name, Err: err}
	}
	return e.agentStepResult(outcome)
}

// ResumeAgent continues a suspended agent step after a human decision.
func (e *StepExecutor) ResumeAgent(ctx context.Context, state *agent.SuspendedState, approved bool) (*StepResult, error) {
	if e.agents == nil {
		return nil, fmt.Errorf("no agent runtime configured")
	}
	outcome, err := e.agents.Resume(ctx, state, approved)
	if err != nil {
		return nil, err
	}
	return e.agentStepResult(outcome)
}

func (e *StepExecutor) agentStepResult(outcome *agent.Outcome) (*StepResult, error) {
	if outcome.Suspended != nil {
		return &StepResult{Suspended: outcome.Suspended}, nil
	}
	metrics.AgentIterations.Observe(float64(outcome.Result.Iterations))
	return &StepResult{Output: resultOutput(outcome.Result)}, nil
}

// resultOutput flattens an analysis result for the template context.
func resultOutput(res *agent.Result) map[string]any {
	out := map[string]any{
		"root_cause":      res.RootCause,
		"findings":        res.Findings,
		"recommendations": res.Recommendations,
		"can_auto_fix":    fmt.Sprintf("%t", res.CanAutoFix),
		"confidence":      res.Confidence,
		"iterations":      res.Iterations,
	}
	if res.FixCommand != "" {
		out["fix_command"] = res.FixCommand
	}
	if res.FixApplied {
		out["fix_applied"] = "true"
		out["fix_output"] = res.FixOutput
	}
	if res.Note != "" {
		out["note"] = res.Note
	}
	return out
}

// EvalCondition evaluates a step condition against the run context.
func EvalCondition(cond string, runCtx *RunContext) (bool, error) {
	return template.EvalCondition(cond, runCtx.TemplateContext())
}
