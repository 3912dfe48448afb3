// Package sink delivers terminal run results to their declared
// destinations: stdout, slack webhooks, alertmanager, or another
// workflow. Deliveries retry with backoff and every attempt outcome is
// persisted; a sink failure never changes the run's phase.
package sink

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"

	"github.com/quellops/quell/metrics"
	"github.com/quellops/quell/resource"
	"github.com/quellops/quell/store"
	"github.com/quellops/quell/template"
)

// Delivery retry policy.
const (
	maxAttempts    = 3
	retryBaseDelay = 500 * time.Millisecond
)

// Delivery statuses persisted per sink.
const (
	StatusDelivered = "delivered"
	StatusFailed    = "failed"
	StatusSkipped   = "skipped"
)

// DeliveryError wraps a failed delivery with the sink identity.
type DeliveryError struct {
	Sink string
	Type string
	Err  error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("sink %s (%s): %v", e.Sink, e.Type, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Enqueuer starts chained workflows for workflow sinks.
type Enqueuer interface {
	EnqueueWorkflow(ctx context.Context, namespace, name string, input map[string]any) (string, error)
}

// Dispatcher resolves sink resources and fans results out to them.
type Dispatcher struct {
	registry   *resource.Registry
	store      store.Store
	enqueuer   Enqueuer
	httpClient *http.Client
	slackPost  slackPoster
	stdout     io.Writer
	logger     *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithHTTPClient overrides the client for alertmanager sinks.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.httpClient = c }
}

// WithStdout redirects stdout sink output.
func WithStdout(w io.Writer) Option {
	return func(d *Dispatcher) { d.stdout = w }
}

// WithSlackPoster overrides slack webhook delivery.
func WithSlackPoster(p slackPoster) Option {
	return func(d *Dispatcher) { d.slackPost = p }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

// NewDispatcher wires sink fan-out. enqueuer may be nil when no workflow
// sinks are declared.
func NewDispatcher(registry *resource.Registry, st store.Store, enqueuer Enqueuer, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		registry:   registry,
		store:      st,
		enqueuer:   enqueuer,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		slackPost:  postSlackWebhook,
		stdout:     os.Stdout,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch delivers the result to every named sink. Failures are logged
// and persisted, never returned to the engine.
func (d *Dispatcher) Dispatch(ctx context.Context, run *store.Run, sinkNames []string, namespace string, result map[string]any) {
	for _, name := range sinkNames {
		d.dispatchOne(ctx, run, namespace, name, result)
	}
}

func (d *Dispatcher) dispatchOne(ctx context.Context, run *store.Run, namespace, name string, result map[string]any) {
	res, ok := d.registry.GetByName(resource.KindSink, namespace, name)
	if !ok {
		d.record(ctx, run, name, "unknown", StatusFailed, 0, fmt.Sprintf("sink %s/%s not registered", namespace, name))
		return
	}
	spec := res.Sink

	if spec.Condition != "" {
		pass, err := template.EvalCondition(spec.Condition, result)
		if err != nil {
			d.record(ctx, run, name, spec.Type, StatusFailed, 0, fmt.Sprintf("condition: %v", err))
			return
		}
		if !pass {
			d.record(ctx, run, name, spec.Type, StatusSkipped, 0, "")
			metrics.SinkDeliveries.WithLabelValues(spec.Type, StatusSkipped).Inc()
			return
		}
	}

	attempts := 0
	err := retry.Do(
		func() error {
			attempts++
			return d.deliver(ctx, spec, namespace, run, result)
		},
		retry.Attempts(maxAttempts),
		retry.Delay(retryBaseDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
	)

	if err != nil {
		derr := &DeliveryError{Sink: name, Type: spec.Type, Err: err}
		d.logger.Error("Sink delivery failed",
			"run_id", run.ID, "sink", name, "type", spec.Type,
			"attempts", attempts, "error", err)
		d.record(ctx, run, name, spec.Type, StatusFailed, attempts, derr.Error())
		metrics.SinkDeliveries.WithLabelValues(spec.Type, StatusFailed).Inc()
		return
	}

	d.logger.Info("Sink delivered", "run_id", run.ID, "sink", name, "type", spec.Type, "attempts", attempts)
	d.record(ctx, run, name, spec.Type, StatusDelivered, attempts, "")
	metrics.SinkDeliveries.WithLabelValues(spec.Type, StatusDelivered).Inc()
}

func (d *Dispatcher) deliver(ctx context.Context, spec *resource.SinkSpec, namespace string, run *store.Run, result map[string]any) error {
	switch spec.Type {
	case resource.SinkStdout:
		return d.deliverStdout(spec, run, result)
	case resource.SinkSlack:
		return d.deliverSlack(ctx, spec, run, result)
	case resource.SinkAlertmanager:
		return d.deliverAlertmanager(ctx, spec, run, result)
	case resource.SinkWorkflow:
		return d.deliverWorkflow(ctx, spec, namespace, result)
	default:
		return fmt.Errorf("unknown sink type %q", spec.Type)
	}
}

func (d *Dispatcher) deliverWorkflow(ctx context.Context, spec *resource.SinkSpec, namespace string, result map[string]any) error {
	if d.enqueuer == nil {
		return fmt.Errorf("no enqueuer configured for workflow sink")
	}
	_, err := d.enqueuer.EnqueueWorkflow(ctx, namespace, spec.Config.Workflow, result)
	return err
}

func (d *Dispatcher) record(ctx context.Context, run *store.Run, name, sinkType, status string, attempts int, errMsg string) {
	out := &store.SinkOutput{
		ID:        uuid.New().String(),
		RunID:     run.ID,
		SinkName:  name,
		SinkType:  sinkType,
		Status:    status,
		Attempts:  attempts,
		Error:     errMsg,
		CreatedAt: time.Now().UTC(),
	}
	if err := d.store.SaveSinkOutput(ctx, out); err != nil {
		d.logger.Error("Failed to save sink output", "run_id", run.ID, "sink", name, "error", err)
	}
}
