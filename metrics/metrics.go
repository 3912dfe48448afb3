// Package metrics defines the prometheus instrumentation shared across
// the control plane.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/quellops/quell/tools"
)

var (
	// AlertsReceived counts webhook alerts by source and outcome
	// (accepted, duplicate, filtered, rejected).
	AlertsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quell_alerts_received_total",
		Help: "Webhook alerts received, by source and outcome.",
	}, []string{"source", "outcome"})

	// RunsTotal counts workflow runs reaching a terminal phase.
	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quell_workflow_runs_total",
		Help: "Workflow runs by workflow and terminal phase.",
	}, []string{"workflow", "phase"})

	// QueueDepth tracks pending runs in the execution queue.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "quell_queue_depth",
		Help: "Runs waiting in the execution queue.",
	})

	// StepDuration observes step execution time by type.
	StepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "quell_step_duration_seconds",
		Help:    "Step execution duration by step type.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"type"})

	// AgentIterations observes LLM loop length per investigation.
	AgentIterations = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "quell_agent_iterations",
		Help:    "LLM iterations per agent investigation.",
		Buckets: []float64{1, 2, 3, 5, 8, 10, 15, 20},
	})

	// ToolInvocations counts tool calls by tool and outcome.
	ToolInvocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quell_tool_invocations_total",
		Help: "Agent tool invocations by tool and outcome.",
	}, []string{"tool", "outcome"})

	// SinkDeliveries counts sink deliveries by type and outcome.
	SinkDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quell_sink_deliveries_total",
		Help: "Sink deliveries by sink type and outcome.",
	}, []string{"type", "outcome"})

	// ApprovalsPending tracks investigations parked for a human decision.
	ApprovalsPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "quell_approvals_pending",
		Help: "Suspended investigations awaiting approval.",
	})
)

// ToolAuditSink adapts the tool audit trail onto the counters.
type ToolAuditSink struct{}

// RecordToolCall implements tools.AuditSink.
func (ToolAuditSink) RecordToolCall(rec tools.AuditRecord) {
	ToolInvocations.WithLabelValues(rec.Tool, rec.Outcome).Inc()
}
