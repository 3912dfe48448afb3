package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quellops/quell/agent"
	"github.com/quellops/quell/metrics"
	"github.com/quellops/quell/resource"
	"github.com/quellops/quell/store"
)

// DefaultWorkers is the worker pool size.
const DefaultWorkers = 4

// Approval resolution errors.
var (
	ErrApprovalNotFound = errors.New("approval not found")
	ErrApprovalConflict = errors.New("approval already resolved with a different decision")
)

// SinkDispatcher fans a terminal run result out to the workflow's sinks.
// Implementations must not fail the run; delivery errors are their own
// concern.
type SinkDispatcher interface {
	Dispatch(ctx context.Context, run *store.Run, sinkNames []string, namespace string, result map[string]any)
}

// PendingApproval describes one suspended investigation.
type PendingApproval struct {
	ApprovalID string `json:"approval_id"`
	RunID      string `json:"run_id"`
	Workflow   string `json:"workflow"`
	Step       string `json:"step"`
	Kind       string `json:"kind"`
	Risk       string `json:"risk"`
	Summary    string `json:"summary"`
}

// pendingRun holds everything needed to continue a suspended run.
type pendingRun struct {
	run       *store.Run
	wfRes     *resource.Resource
	runCtx    *RunContext
	stepIdx   int
	state     *agent.SuspendedState
	recordID  string
	startedAt time.Time
}

// Engine drains the run queue with a worker pool, executing workflows
// step by step and fanning results out to sinks.
type Engine struct {
	mu      sync.RWMutex
	running bool
	cancel  context.CancelFunc
	baseCtx context.Context
	wg      sync.WaitGroup

	queue    *Queue
	workers  int
	store    store.Store
	registry *resource.Registry
	executor *StepExecutor
	sinks    SinkDispatcher
	logger   *slog.Logger

	apMu     sync.Mutex
	pending  map[string]*pendingRun
	resolved map[string]bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithWorkers sets the worker pool size.
func WithWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithQueue replaces the default run queue.
func WithQueue(q *Queue) Option {
	return func(e *Engine) { e.queue = q }
}

// WithSinkDispatcher sets the sink fan-out.
func WithSinkDispatcher(d SinkDispatcher) Option {
	return func(e *Engine) { e.sinks = d }
}

// WithEngineLogger sets the logger.
func WithEngineLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// SetSinkDispatcher installs the fan-out after construction. Must be
// called before Start; the sink dispatcher and the engine reference each
// other, so one side has to be wired late.
func (e *Engine) SetSinkDispatcher(d SinkDispatcher) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sinks = d
}

// New creates an engine.
func New(st store.Store, registry *resource.Registry, executor *StepExecutor, opts ...Option) *Engine {
	e := &Engine{
		queue:    NewQueue(0),
		workers:  DefaultWorkers,
		store:    st,
		registry: registry,
		executor: executor,
		logger:   slog.Default(),
		pending:  map[string]*pendingRun{},
		resolved: map[string]bool{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start launches the worker pool.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return fmt.Errorf("engine already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	e.baseCtx = ctx
	e.cancel = cancel
	e.running = true

	for i := 0; i < e.workers; i++ {
		e.wg.Add(1)
		go e.worker(ctx, i)
	}
	e.logger.Info("Engine started", "workers", e.workers, "queue_capacity", cap(e.queue.ch))
	return nil
}

// Stop cancels workers and waits up to timeout for them to drain.
func (e *Engine) Stop(timeout time.Duration) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	e.cancel()
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("engine stop timed out after %s", timeout)
	}
}

// Running reports lifecycle state for readiness checks.
func (e *Engine) Running() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running
}

// EnqueueWorkflow creates a pending run and queues it. The workflow must
// be reconciled ready. Returns the run id.
func (e *Engine) EnqueueWorkflow(ctx context.Context, namespace, name string, input map[string]any) (string, error) {
	wfRes, ok := e.registry.GetByName(resource.KindWorkflow, namespace, name)
	if !ok {
		return "", fmt.Errorf("workflow %s/%s not found", namespace, name)
	}
	if wfRes.Status.Phase != resource.PhaseReady {
		return "", fmt.Errorf("workflow %s/%s not ready (phase %s)", namespace, name, wfRes.Status.Phase)
	}

	encoded, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("encode run input: %w", err)
	}
	run := store.NewRun(name, namespace, encoded)
	run.AlertID = inputID(input, "alert", "id")
	run.SourceEventID = inputID(input, "source", "event_id")
	if err := e.store.SaveRun(ctx, run); err != nil {
		return "", err
	}

	if err := e.queue.TryEnqueue(run); err != nil {
		if cerr := e.store.CompleteRun(ctx, run.ID, store.RunPhaseFailed, nil, err.Error()); cerr != nil {
			e.logger.Error("Failed to record queue rejection", "run_id", run.ID, "error", cerr)
		}
		return "", err
	}

	e.logger.Info("Run enqueued", "run_id", run.ID, "workflow", name, "namespace", namespace)
	return run.ID, nil
}

// inputID digs a string id out of the run input document.
func inputID(input map[string]any, section, field string) string {
	sec, ok := input[section].(map[string]any)
	if !ok {
		return ""
	}
	id, _ := sec[field].(string)
	return id
}

func (e *Engine) worker(ctx context.Context, id int) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case run := <-e.queue.Chan():
			e.queue.Taken()
			e.executeRun(ctx, run)
		}
	}
}

func (e *Engine) executeRun(ctx context.Context, run *store.Run) {
	wfRes, ok := e.registry.GetByName(resource.KindWorkflow, run.Namespace, run.WorkflowName)
	if !ok {
		e.failRun(ctx, run, nil, nil, fmt.Errorf("workflow %s/%s no longer registered", run.Namespace, run.WorkflowName))
		return
	}

	runCtx, err := ParseRunContext(run.Input)
	if err != nil {
		e.failRun(ctx, run, wfRes, nil, fmt.Errorf("decode run input: %w", err))
		return
	}

	if err := e.store.UpdateRunProgress(ctx, run.ID, store.RunPhaseRunning, ""); err != nil {
		e.logger.Error("Failed to mark run running", "run_id", run.ID, "error", err)
	}
	e.logger.Info("Run started", "run_id", run.ID, "workflow", run.WorkflowName)

	e.runSteps(ctx, run, wfRes, runCtx, 0)
}

// runSteps executes steps from startIdx. It returns after the run reaches
// a terminal phase or suspends for approval.
func (e *Engine) runSteps(ctx context.Context, run *store.Run, wfRes *resource.Resource, runCtx *RunContext, startIdx int) {
	wf := wfRes.Workflow
	for i := startIdx; i < len(wf.Steps); i++ {
		step := wf.Steps[i]

		rec := &store.StepRecord{
			ID:        uuid.New().String(),
			RunID:     run.ID,
			Name:      step.Name,
			Type:      step.Type,
			Status:    store.StepStatusRunning,
			StartedAt: time.Now().UTC(),
		}
		if err := e.store.SaveStepRecord(ctx, rec); err != nil {
			e.logger.Error("Failed to save step record", "run_id", run.ID, "step", step.Name, "error", err)
		}
		if err := e.store.UpdateRunProgress(ctx, run.ID, store.RunPhaseRunning, step.Name); err != nil {
			e.logger.Error("Failed to update run progress", "run_id", run.ID, "error", err)
		}

		res, err := e.executor.Execute(ctx, step, wf.Runtime, runCtx)
		if err != nil {
			e.finishStep(ctx, rec, store.StepStatusFailed, nil, err.Error())
			e.failRun(ctx, run, wfRes, runCtx, err)
			return
		}

		switch {
		case res.Skipped:
			e.finishStep(ctx, rec, store.StepStatusSkipped, nil, "")

		case res.Suspended != nil:
			e.parkRun(ctx, run, wfRes, runCtx, i, rec, res.Suspended)
			return

		default:
			output, merr := json.Marshal(res.Output)
			if merr != nil {
				output = nil
			}
			e.finishStep(ctx, rec, store.StepStatusSucceeded, output, "")
			runCtx.SetOutput(step.Name, res.Output)
		}
	}

	e.completeRun(ctx, run, wfRes, runCtx)
}

func (e *Engine) finishStep(ctx context.Context, rec *store.StepRecord, status string, output json.RawMessage, errMsg string) {
	now := time.Now().UTC()
	rec.Status = status
	rec.Output = output
	rec.Error = errMsg
	rec.Suspended = nil
	rec.FinishedAt = &now
	if err := e.store.SaveStepRecord(ctx, rec); err != nil {
		e.logger.Error("Failed to finish step record", "run_id", rec.RunID, "step", rec.Name, "error", err)
	}
}

// parkRun records the suspension and registers the approval.
func (e *Engine) parkRun(ctx context.Context, run *store.Run, wfRes *resource.Resource, runCtx *RunContext, stepIdx int, rec *store.StepRecord, state *agent.SuspendedState) {
	suspended, err := state.Marshal()
	if err != nil {
		e.finishStep(ctx, rec, store.StepStatusFailed, nil, fmt.Sprintf("serialize suspension: %v", err))
		e.failRun(ctx, run, wfRes, runCtx, err)
		return
	}

	rec.Status = store.StepStatusWaitingApproval
	rec.Suspended = suspended
	if err := e.store.SaveStepRecord(ctx, rec); err != nil {
		e.logger.Error("Failed to save suspended step", "run_id", run.ID, "step", rec.Name, "error", err)
	}

	e.apMu.Lock()
	e.pending[state.ApprovalID] = &pendingRun{
		run: run, wfRes: wfRes, runCtx: runCtx,
		stepIdx: stepIdx, state: state,
		recordID: rec.ID, startedAt: rec.StartedAt,
	}
	e.apMu.Unlock()
	metrics.ApprovalsPending.Inc()

	e.logger.Info("Run suspended for approval",
		"run_id", run.ID,
		"step", rec.Name,
		"approval_id", state.ApprovalID,
		"kind", state.Kind,
		"risk", state.Risk)
}

// ResolveApproval applies a human decision to a suspended run. Repeating
// a decision is a no-op; contradicting one is an error.
func (e *Engine) ResolveApproval(ctx context.Context, approvalID string, approved bool) error {
	e.apMu.Lock()
	if prior, done := e.resolved[approvalID]; done {
		e.apMu.Unlock()
		if prior == approved {
			return nil
		}
		return ErrApprovalConflict
	}
	pa, ok := e.pending[approvalID]
	if !ok {
		e.apMu.Unlock()
		return ErrApprovalNotFound
	}
	delete(e.pending, approvalID)
	e.resolved[approvalID] = approved
	e.apMu.Unlock()
	metrics.ApprovalsPending.Dec()

	e.logger.Info("Approval resolved",
		"approval_id", approvalID,
		"run_id", pa.run.ID,
		"approved", approved)

	res, err := e.executor.ResumeAgent(ctx, pa.state, approved)

	// The resumed record keeps the step's original start time.
	step := pa.wfRes.Workflow.Steps[pa.stepIdx]
	rec := &store.StepRecord{
		ID: pa.recordID, RunID: pa.run.ID,
		Name: step.Name, Type: step.Type,
		StartedAt: pa.startedAt,
	}

	if err != nil {
		e.finishStep(ctx, rec, store.StepStatusFailed, nil, err.Error())
		e.failRun(ctx, pa.run, pa.wfRes, pa.runCtx, err)
		return nil
	}

	if res.Suspended != nil {
		e.parkRun(ctx, pa.run, pa.wfRes, pa.runCtx, pa.stepIdx, rec, res.Suspended)
		return nil
	}

	output, merr := json.Marshal(res.Output)
	if merr != nil {
		output = nil
	}
	e.finishStep(ctx, rec, store.StepStatusSucceeded, output, "")
	pa.runCtx.SetOutput(step.Name, res.Output)

	// Continue the remaining steps off the request goroutine.
	runCtx := e.runContext()
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runSteps(runCtx, pa.run, pa.wfRes, pa.runCtx, pa.stepIdx+1)
	}()
	return nil
}

// PendingApprovals lists suspended investigations awaiting a decision.
func (e *Engine) PendingApprovals() []PendingApproval {
	e.apMu.Lock()
	defer e.apMu.Unlock()
	out := make([]PendingApproval, 0, len(e.pending))
	for id, pa := range e.pending {
		summary := pa.state.PendingFix
		if pa.state.PendingCall != nil {
			summary = pa.state.PendingCall.Name
		}
		out = append(out, PendingApproval{
			ApprovalID: id,
			RunID:      pa.run.ID,
			Workflow:   pa.run.WorkflowName,
			Step:       pa.wfRes.Workflow.Steps[pa.stepIdx].Name,
			Kind:       pa.state.Kind,
			Risk:       pa.state.Risk,
			Summary:    summary,
		})
	}
	return out
}

func (e *Engine) runContext() context.Context {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.baseCtx != nil {
		return e.baseCtx
	}
	return context.Background()
}

func (e *Engine) completeRun(ctx context.Context, run *store.Run, wfRes *resource.Resource, runCtx *RunContext) {
	outputs, err := runCtx.RenderOutputs(wfRes.Workflow.Outputs)
	if err != nil {
		e.failRun(ctx, run, wfRes, runCtx, fmt.Errorf("render outputs: %w", err))
		return
	}

	encoded, merr := json.Marshal(outputs)
	if merr != nil {
		encoded = nil
	}
	if err := e.store.CompleteRun(ctx, run.ID, store.RunPhaseSucceeded, encoded, ""); err != nil {
		e.logger.Error("Failed to complete run", "run_id", run.ID, "error", err)
	}
	metrics.RunsTotal.WithLabelValues(run.WorkflowName, store.RunPhaseSucceeded).Inc()
	e.logger.Info("Run succeeded", "run_id", run.ID, "workflow", run.WorkflowName)

	e.dispatchSinks(ctx, run, wfRes, runCtx, outputs, "")
}

func (e *Engine) failRun(ctx context.Context, run *store.Run, wfRes *resource.Resource, runCtx *RunContext, cause error) {
	if err := e.store.CompleteRun(ctx, run.ID, store.RunPhaseFailed, nil, cause.Error()); err != nil {
		e.logger.Error("Failed to record run failure", "run_id", run.ID, "error", err)
	}
	metrics.RunsTotal.WithLabelValues(run.WorkflowName, store.RunPhaseFailed).Inc()
	e.logger.Error("Run failed", "run_id", run.ID, "workflow", run.WorkflowName, "error", cause)

	if wfRes != nil {
		e.dispatchSinks(ctx, run, wfRes, runCtx, nil, cause.Error())
	}
}

// dispatchSinks builds the result document and hands it to the sink
// dispatcher. Sink failures never change the run phase.
func (e *Engine) dispatchSinks(ctx context.Context, run *store.Run, wfRes *resource.Resource, runCtx *RunContext, outputs map[string]any, runErr string) {
	if e.sinks == nil || len(wfRes.Workflow.Sinks) == 0 {
		return
	}

	var result map[string]any
	if runCtx != nil {
		result = runCtx.TemplateContext()
	} else {
		result = map[string]any{}
	}
	result["run"] = map[string]any{
		"id":       run.ID,
		"workflow": run.WorkflowName,
		"phase":    phaseFor(runErr),
		"error":    runErr,
	}
	if outputs != nil {
		result["result"] = outputs
	}

	e.sinks.Dispatch(ctx, run, wfRes.Workflow.Sinks, run.Namespace, result)
}

func phaseFor(runErr string) string {
	if runErr != "" {
		return store.RunPhaseFailed
	}
	return store.RunPhaseSucceeded
}
