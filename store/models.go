package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Alert status values.
const (
	AlertStatusFiring   = "firing"
	AlertStatusResolved = "resolved"
)

// Run phase values.
const (
	RunPhasePending   = "pending"
	RunPhaseRunning   = "running"
	RunPhaseSucceeded = "succeeded"
	RunPhaseFailed    = "failed"
)

// Step status values.
const (
	StepStatusRunning         = "running"
	StepStatusSucceeded       = "succeeded"
	StepStatusFailed          = "failed"
	StepStatusSkipped         = "skipped"
	StepStatusWaitingApproval = "waiting_approval"
)

// DedupOutcome classifies an incoming alert against stored state.
type DedupOutcome int

const (
	// DedupNew means no prior alert shares the fingerprint; a run may fire.
	DedupNew DedupOutcome = iota
	// DedupDuplicate means a firing alert with the same fingerprint arrived
	// inside the dedup window; no new run fires.
	DedupDuplicate
	// DedupUpdated means the stored alert was refreshed (window elapsed or
	// the alert reopened after resolution); a run may fire.
	DedupUpdated
)

func (o DedupOutcome) String() string {
	switch o {
	case DedupNew:
		return "new"
	case DedupDuplicate:
		return "duplicate"
	case DedupUpdated:
		return "updated"
	default:
		return "unknown"
	}
}

// Alert is a normalized alert as persisted.
type Alert struct {
	ID          string            `db:"id" json:"id"`
	Fingerprint string            `db:"fingerprint" json:"fingerprint"`
	Name        string            `db:"name" json:"name"`
	Severity    string            `db:"severity" json:"severity"`
	Status      string            `db:"status" json:"status"`
	Labels      map[string]string `db:"-" json:"labels"`
	Annotations map[string]string `db:"-" json:"annotations"`
	Source      string            `db:"source" json:"source"`
	ReceivedAt  time.Time         `db:"received_at" json:"received_at"`
	UpdatedAt   time.Time         `db:"updated_at" json:"updated_at"`
}

// NewAlert builds an alert with a fresh id and fingerprint.
func NewAlert(name, severity, source string, labels, annotations map[string]string) *Alert {
	now := time.Now().UTC()
	return &Alert{
		ID:          uuid.New().String(),
		Fingerprint: Fingerprint(name, labels),
		Name:        name,
		Severity:    severity,
		Status:      AlertStatusFiring,
		Labels:      labels,
		Annotations: annotations,
		Source:      source,
		ReceivedAt:  now,
		UpdatedAt:   now,
	}
}

// Run is a workflow execution record.
type Run struct {
	ID            string          `db:"id" json:"id"`
	WorkflowName  string          `db:"workflow_name" json:"workflow_name"`
	Namespace     string          `db:"namespace" json:"namespace"`
	AlertID       string          `db:"alert_id" json:"alert_id,omitempty"`
	SourceEventID string          `db:"source_event_id" json:"source_event_id,omitempty"`
	Phase         string          `db:"phase" json:"phase"`
	CurrentStep   string          `db:"current_step" json:"current_step,omitempty"`
	Input         json.RawMessage `db:"input" json:"input,omitempty"`
	Outputs       json.RawMessage `db:"outputs" json:"outputs,omitempty"`
	Error         string          `db:"error" json:"error,omitempty"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
	StartedAt     *time.Time      `db:"started_at" json:"started_at,omitempty"`
	FinishedAt    *time.Time      `db:"finished_at" json:"finished_at,omitempty"`
}

// NewRun builds a pending run for a workflow.
func NewRun(workflowName, namespace string, input json.RawMessage) *Run {
	return &Run{
		ID:           uuid.New().String(),
		WorkflowName: workflowName,
		Namespace:    namespace,
		Phase:        RunPhasePending,
		Input:        input,
		CreatedAt:    time.Now().UTC(),
	}
}

// StepRecord is the per-step progress row for a run.
type StepRecord struct {
	ID         string          `db:"id" json:"id"`
	RunID      string          `db:"run_id" json:"run_id"`
	Name       string          `db:"name" json:"name"`
	Type       string          `db:"type" json:"type"`
	Status     string          `db:"status" json:"status"`
	Output     json.RawMessage `db:"output" json:"output,omitempty"`
	Error      string          `db:"error" json:"error,omitempty"`
	Suspended  json.RawMessage `db:"suspended" json:"suspended,omitempty"`
	StartedAt  time.Time       `db:"started_at" json:"started_at"`
	FinishedAt *time.Time      `db:"finished_at" json:"finished_at,omitempty"`
}

// SourceEvent records one accepted or rejected webhook delivery.
type SourceEvent struct {
	ID         string    `db:"id" json:"id"`
	SourceName string    `db:"source_name" json:"source_name"`
	Namespace  string    `db:"namespace" json:"namespace"`
	AlertID    string    `db:"alert_id" json:"alert_id,omitempty"`
	Outcome    string    `db:"outcome" json:"outcome"`
	Detail     string    `db:"detail" json:"detail,omitempty"`
	ReceivedAt time.Time `db:"received_at" json:"received_at"`
}

// SinkOutput records one sink delivery attempt outcome.
type SinkOutput struct {
	ID        string    `db:"id" json:"id"`
	RunID     string    `db:"run_id" json:"run_id"`
	SinkName  string    `db:"sink_name" json:"sink_name"`
	SinkType  string    `db:"sink_type" json:"sink_type"`
	Status    string    `db:"status" json:"status"`
	Attempts  int       `db:"attempts" json:"attempts"`
	Error     string    `db:"error" json:"error,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// ResourceRecord persists a reconciled resource and its status.
type ResourceRecord struct {
	Kind      string          `db:"kind" json:"kind"`
	Namespace string          `db:"namespace" json:"namespace"`
	Name      string          `db:"name" json:"name"`
	Spec      json.RawMessage `db:"spec" json:"spec"`
	Status    json.RawMessage `db:"status" json:"status,omitempty"`
	UpdatedAt time.Time       `db:"updated_at" json:"updated_at"`
}
