// Package events publishes run lifecycle notifications to NATS so other
// systems can observe the control plane without polling the API.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/quellops/quell/engine"
	"github.com/quellops/quell/store"
)

// Publisher emits run results on <prefix>.runs.<workflow>.
type Publisher struct {
	nc     *nats.Conn
	prefix string
	logger *slog.Logger
}

// Connect dials NATS. An empty prefix defaults to "quell".
func Connect(url, prefix string, logger *slog.Logger) (*Publisher, error) {
	if prefix == "" {
		prefix = "quell"
	}
	if logger == nil {
		logger = slog.Default()
	}

	nc, err := nats.Connect(url,
		nats.Name("quell"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, err
	}
	return &Publisher{nc: nc, prefix: prefix, logger: logger}, nil
}

// Close drains the connection.
func (p *Publisher) Close() {
	if err := p.nc.Drain(); err != nil {
		p.logger.Warn("NATS drain failed", "error", err)
	}
}

// runEvent is the published message body.
type runEvent struct {
	RunID     string         `json:"run_id"`
	Workflow  string         `json:"workflow"`
	Namespace string         `json:"namespace"`
	Result    map[string]any `json:"result"`
	EmittedAt time.Time      `json:"emitted_at"`
}

// PublishRunResult emits one run's terminal result. Publish failures are
// logged, never propagated.
func (p *Publisher) PublishRunResult(run *store.Run, result map[string]any) {
	body, err := json.Marshal(runEvent{
		RunID:     run.ID,
		Workflow:  run.WorkflowName,
		Namespace: run.Namespace,
		Result:    result,
		EmittedAt: time.Now().UTC(),
	})
	if err != nil {
		p.logger.Error("Failed to encode run event", "run_id", run.ID, "error", err)
		return
	}

	subject := p.prefix + ".runs." + run.WorkflowName
	if err := p.nc.Publish(subject, body); err != nil {
		p.logger.Warn("Failed to publish run event", "subject", subject, "error", err)
	}
}

// DispatcherWithEvents decorates a sink dispatcher so every terminal run
// also publishes to NATS.
type DispatcherWithEvents struct {
	inner     engine.SinkDispatcher
	publisher *Publisher
}

// WrapDispatcher adds event publishing in front of inner.
func WrapDispatcher(inner engine.SinkDispatcher, publisher *Publisher) *DispatcherWithEvents {
	return &DispatcherWithEvents{inner: inner, publisher: publisher}
}

// Dispatch implements engine.SinkDispatcher.
func (d *DispatcherWithEvents) Dispatch(ctx context.Context, run *store.Run, sinkNames []string, namespace string, result map[string]any) {
	d.publisher.PublishRunResult(run, result)
	if d.inner != nil {
		d.inner.Dispatch(ctx, run, sinkNames, namespace, result)
	}
}
