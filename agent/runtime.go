package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"time"

	"github.com/quellops/quell/llm"
	"github.com/quellops/quell/tools"
)

// Defaults for the investigation loop.
const (
	DefaultMaxIterations = 15
	DefaultTimeout       = 300 * time.Second
)

const systemPrompt = `You are an SRE incident investigator. Use the available tools to gather
evidence, then produce a final analysis in exactly this format:

ROOT CAUSE: <one paragraph>

FINDINGS:
- <finding>

RECOMMENDATIONS:
- <recommendation>

AUTO-FIX: yes|no
<single kubectl command when yes>

Only propose an auto-fix when the evidence clearly supports a single safe
command. Never propose destructive commands.`

// StepOptions configures one investigation.
type StepOptions struct {
	Tools            []string `json:"tools,omitempty"`
	MaxIterations    int      `json:"max_iterations,omitempty"`
	ApprovalRequired bool     `json:"approval_required,omitempty"`

	Provider    string   `json:"provider,omitempty"`
	Model       string   `json:"model,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`

	Timeout time.Duration `json:"timeout,omitempty"`
}

// Outcome is either a completed Result or a SuspendedState awaiting a
// human decision, never both.
type Outcome struct {
	Result    *Result
	Suspended *SuspendedState
}

// FixExecutor applies an approved fix command.
type FixExecutor func(ctx context.Context, command string) (string, error)

// LocalFixExecutor runs the fix on the local host.
func LocalFixExecutor(ctx context.Context, command string) (string, error) {
	out, err := exec.CommandContext(ctx, "sh", "-c", command).CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("fix command: %w: %s", err, string(out))
	}
	return string(out), nil
}

// Runtime drives investigations against an LLM with gated tools.
type Runtime struct {
	client   llm.Completer
	registry *tools.Registry
	safety   *SafetyConfig
	fixExec  FixExecutor
	logger   *slog.Logger

	maxIterations int
	timeout       time.Duration
}

// RuntimeOption configures a Runtime.
type RuntimeOption func(*Runtime)

// WithSafetyConfig overrides the default safety gate.
func WithSafetyConfig(s *SafetyConfig) RuntimeOption {
	return func(r *Runtime) { r.safety = s }
}

// WithFixExecutor overrides how approved fixes are applied.
func WithFixExecutor(exec FixExecutor) RuntimeOption {
	return func(r *Runtime) { r.fixExec = exec }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) RuntimeOption {
	return func(r *Runtime) { r.logger = logger }
}

// WithBounds overrides the default iteration and wall-clock limits.
// Per-step options still win over these.
func WithBounds(maxIterations int, timeout time.Duration) RuntimeOption {
	return func(r *Runtime) {
		if maxIterations > 0 {
			r.maxIterations = maxIterations
		}
		if timeout > 0 {
			r.timeout = timeout
		}
	}
}

// NewRuntime creates an investigation runtime.
func NewRuntime(client llm.Completer, registry *tools.Registry, opts ...RuntimeOption) *Runtime {
	r := &Runtime{
		client:        client,
		registry:      registry,
		safety:        DefaultSafetyConfig(),
		fixExec:       LocalFixExecutor,
		logger:        slog.Default(),
		maxIterations: DefaultMaxIterations,
		timeout:       DefaultTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Investigate runs the bounded tool-calling loop for a goal.
func (r *Runtime) Investigate(ctx context.Context, goal string, opts StepOptions) (*Outcome, error) {
	messages := []llm.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: goal},
	}
	return r.loop(ctx, goal, messages, 0, opts)
}

// Resume continues a suspended investigation after a human decision.
// Idempotence by approval id is enforced by the caller; Resume itself is
// a pure continuation of the serialized state.
func (r *Runtime) Resume(ctx context.Context, state *SuspendedState, approved bool) (*Outcome, error) {
	switch state.Kind {
	case SuspendToolCall:
		return r.resumeToolCall(ctx, state, approved)
	case SuspendFix:
		return r.resumeFix(ctx, state, approved)
	default:
		return nil, fmt.Errorf("unknown suspension kind %q", state.Kind)
	}
}

func (r *Runtime) resumeToolCall(ctx context.Context, state *SuspendedState, approved bool) (*Outcome, error) {
	if state.PendingCall == nil {
		return nil, fmt.Errorf("tool_call suspension missing pending call")
	}

	messages := state.Messages
	if approved {
		tool, ok := r.registry.Get(state.PendingCall.Name)
		if !ok {
			return nil, fmt.Errorf("tool %q no longer registered", state.PendingCall.Name)
		}
		observation := r.runTool(ctx, tool, *state.PendingCall)
		messages = append(messages, llm.Message{
			Role: "tool", ToolCallID: state.PendingCall.ID, Content: observation,
		})
	} else {
		messages = append(messages, llm.Message{
			Role: "tool", ToolCallID: state.PendingCall.ID,
			Content: "Tool call denied by operator. Continue without this tool.",
		})
	}

	return r.loop(ctx, state.Goal, messages, state.Iteration+1, state.Step)
}

func (r *Runtime) resumeFix(ctx context.Context, state *SuspendedState, approved bool) (*Outcome, error) {
	res := state.PartialResult
	if res == nil {
		res = &Result{FixCommand: state.PendingFix, CanAutoFix: true}
	}

	if !approved {
		res.CanAutoFix = false
		res.FixCommand = ""
		res.Note = "Human denied the proposed fix. Manual intervention required."
		return &Outcome{Result: res}, nil
	}

	if err := r.safety.CheckCommand(state.PendingFix); err != nil {
		res.CanAutoFix = false
		res.Note = fmt.Sprintf("approved fix refused by safety gate: %v", err)
		return &Outcome{Result: res}, nil
	}

	out, err := r.fixExec(ctx, state.PendingFix)
	if err != nil {
		res.Note = fmt.Sprintf("fix execution failed: %v", err)
		return &Outcome{Result: res}, nil
	}

	res.FixApplied = true
	res.FixOutput = out
	return &Outcome{Result: res}, nil
}

// loop is the core iteration. startIter carries across suspensions so the
// bound holds over the whole investigation, not per segment.
func (r *Runtime) loop(ctx context.Context, goal string, messages []llm.Message, startIter int, opts StepOptions) (*Outcome, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = r.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	maxIter := opts.MaxIterations
	if maxIter <= 0 {
		maxIter = r.maxIterations
	}

	defs := r.registry.Definitions(opts.Tools)

	for iter := startIter; iter < maxIter; iter++ {
		resp, err := r.client.Complete(ctx, llm.Request{
			Provider:    opts.Provider,
			Model:       opts.Model,
			Messages:    messages,
			Temperature: opts.Temperature,
			MaxTokens:   opts.MaxTokens,
			Tools:       defs,
		})
		if err != nil {
			return nil, fmt.Errorf("llm completion: %w", err)
		}

		if len(resp.ToolCalls) == 0 {
			return r.finish(ctx, goal, resp.Content, messages, iter+1, opts)
		}

		messages = append(messages, llm.Message{
			Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls,
		})

		for i, call := range resp.ToolCalls {
			tool, allowed := r.lookupAllowed(call.Name, opts.Tools)
			if !allowed {
				messages = append(messages, llm.Message{
					Role: "tool", ToolCallID: call.ID,
					Content: fmt.Sprintf("tool %q is not available for this step", call.Name),
				})
				continue
			}

			risk := tool.Risk(call.Arguments)
			if risk == tools.RiskHigh || (opts.ApprovalRequired && risk >= tools.RiskMedium) {
				state := newSuspension(SuspendToolCall)
				state.Goal = goal
				state.Messages = dropUnanswered(messages, resp.ToolCalls[i+1:])
				state.Iteration = iter
				call := call
				state.PendingCall = &call
				state.Risk = risk.String()
				state.Tools = opts.Tools
				state.Step = opts

				r.logger.Info("Investigation suspended for approval",
					"tool", call.Name,
					"risk", risk.String(),
					"approval_id", state.ApprovalID)
				return &Outcome{Suspended: state}, nil
			}

			observation := r.runTool(ctx, tool, call)
			messages = append(messages, llm.Message{
				Role: "tool", ToolCallID: call.ID, Content: observation,
			})
		}
	}

	// Iteration budget exhausted without a final analysis.
	return &Outcome{Result: &Result{
		Iterations: maxIter,
		Confidence: 0.1,
		Note:       "iteration budget exhausted before a final analysis",
	}}, nil
}

// finish parses the final analysis and applies the fix gate.
func (r *Runtime) finish(ctx context.Context, goal, content string, messages []llm.Message, iterations int, opts StepOptions) (*Outcome, error) {
	res := ParseAnalysis(content)
	res.Iterations = iterations

	if !res.CanAutoFix || res.FixCommand == "" {
		return &Outcome{Result: res}, nil
	}

	if err := r.safety.CheckCommand(res.FixCommand); err != nil {
		res.CanAutoFix = false
		res.Note = fmt.Sprintf("proposed fix refused by safety gate: %v", err)
		res.FixCommand = ""
		return &Outcome{Result: res}, nil
	}

	if opts.ApprovalRequired || r.safety.RequiresApproval(res.FixCommand) {
		state := newSuspension(SuspendFix)
		state.Goal = goal
		state.Messages = messages
		state.Iteration = iterations
		state.PendingFix = res.FixCommand
		state.PartialResult = res
		state.Risk = tools.AssessCommandRisk(res.FixCommand).String()
		state.Step = opts

		r.logger.Info("Fix suspended for approval",
			"command", res.FixCommand,
			"risk", state.Risk,
			"approval_id", state.ApprovalID)
		return &Outcome{Suspended: state}, nil
	}

	out, err := r.fixExec(ctx, res.FixCommand)
	if err != nil {
		res.Note = fmt.Sprintf("fix execution failed: %v", err)
		return &Outcome{Result: res}, nil
	}
	res.FixApplied = true
	res.FixOutput = out
	return &Outcome{Result: res}, nil
}

// lookupAllowed resolves a tool only if the step's allowlist names it.
func (r *Runtime) lookupAllowed(name string, allowlist []string) (tools.Tool, bool) {
	listed := false
	for _, allowed := range allowlist {
		if allowed == name {
			listed = true
			break
		}
	}
	if !listed {
		return nil, false
	}
	return r.registry.Get(name)
}

// runTool executes a call, folding errors and denials into observation
// text so the model can react.
func (r *Runtime) runTool(ctx context.Context, tool tools.Tool, call llm.ToolCall) string {
	out, err := tool.Execute(ctx, call.Arguments)
	if err != nil {
		return fmt.Sprintf("error: %v", err)
	}
	if out == "" {
		return "(no output)"
	}
	return out
}

// dropUnanswered strips tool calls that will never get observations from
// the last assistant message. Suspension parks the first gated call; later
// calls in the same batch are discarded so the replayed history stays
// well-formed.
func dropUnanswered(messages []llm.Message, unanswered []llm.ToolCall) []llm.Message {
	if len(unanswered) == 0 || len(messages) == 0 {
		return messages
	}
	out := make([]llm.Message, len(messages))
	copy(out, messages)

	var last *llm.Message
	for i := len(out) - 1; i >= 0; i-- {
		if out[i].Role == "assistant" {
			last = &out[i]
			break
		}
	}
	if last == nil {
		return out
	}
	kept := make([]llm.ToolCall, 0, len(last.ToolCalls))
	for _, call := range last.ToolCalls {
		drop := false
		for _, u := range unanswered {
			if call.ID == u.ID {
				drop = true
				break
			}
		}
		if !drop {
			kept = append(kept, call)
		}
	}
	last.ToolCalls = kept
	return out
}
