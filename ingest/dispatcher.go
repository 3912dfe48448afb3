package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/quellops/quell/metrics"
	"github.com/quellops/quell/resource"
	"github.com/quellops/quell/store"
)

// NotFoundError reports an unclaimed webhook path. Maps to 404.
type NotFoundError struct {
	Path string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no source claims path %s", e.Path)
}

// Enqueuer starts workflow runs for accepted alerts.
type Enqueuer interface {
	EnqueueWorkflow(ctx context.Context, namespace, name string, input map[string]any) (string, error)
}

// AcceptedAlert links one accepted alert to its run.
type AcceptedAlert struct {
	AlertID string `json:"alert_id"`
	Name    string `json:"name"`
	RunID   string `json:"run_id"`
	Outcome string `json:"outcome"` // "new" or "updated"
}

// Receipt summarizes one webhook delivery.
type Receipt struct {
	Source     string          `json:"source"`
	Accepted   []AcceptedAlert `json:"accepted"`
	Duplicates int             `json:"duplicates"`
	Filtered   int             `json:"filtered"`
	Resolved   int             `json:"resolved"`
}

// Dispatcher routes webhook deliveries to sources and accepted alerts to
// the engine.
type Dispatcher struct {
	registry *resource.Registry
	store    store.Store
	enqueuer Enqueuer
	limiter  *RateLimiter
	logger   *slog.Logger
}

// NewDispatcher wires the ingest path.
func NewDispatcher(registry *resource.Registry, st store.Store, enqueuer Enqueuer, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		registry: registry,
		store:    st,
		enqueuer: enqueuer,
		limiter:  NewRateLimiter(),
		logger:   logger,
	}
}

// Handle processes one webhook delivery. The error, when non-nil, is one
// of NotFoundError, AuthError, RateLimitError, ParseError, or an enqueue
// failure.
func (d *Dispatcher) Handle(ctx context.Context, path string, r *http.Request, body []byte) (*Receipt, error) {
	src, ok := d.registry.SourceForPath(path)
	if !ok {
		return nil, &NotFoundError{Path: path}
	}
	sourceName := src.Metadata.Name
	webhook := src.Source.Webhook

	if err := Authenticate(webhook.Auth, r, body); err != nil {
		d.recordEvent(ctx, src, "", "rejected", err.Error())
		metrics.AlertsReceived.WithLabelValues(sourceName, "rejected").Inc()
		return nil, err
	}

	if !d.limiter.Allow(src.Key().String(), webhook.RateLimitPerMinute) {
		d.recordEvent(ctx, src, "", "rejected", "rate limit exceeded")
		metrics.AlertsReceived.WithLabelValues(sourceName, "rejected").Inc()
		return nil, &RateLimitError{Source: sourceName}
	}

	alerts, err := ParseAlerts(webhook.Format, body)
	if err != nil {
		d.recordEvent(ctx, src, "", "rejected", err.Error())
		metrics.AlertsReceived.WithLabelValues(sourceName, "rejected").Inc()
		return nil, err
	}

	receipt := &Receipt{Source: sourceName}
	for _, parsed := range alerts {
		if err := d.handleAlert(ctx, src, parsed, receipt); err != nil {
			return receipt, err
		}
	}
	return receipt, nil
}

func (d *Dispatcher) handleAlert(ctx context.Context, src *resource.Resource, parsed ParsedAlert, receipt *Receipt) error {
	sourceName := src.Metadata.Name
	webhook := src.Source.Webhook

	if parsed.Status == store.AlertStatusResolved {
		d.resolveAlert(ctx, src, parsed)
		receipt.Resolved++
		return nil
	}

	if !MatchFilters(webhook.Filters, parsed.Labels) {
		d.recordEvent(ctx, src, "", "filtered", "alert "+parsed.Name)
		metrics.AlertsReceived.WithLabelValues(sourceName, "filtered").Inc()
		receipt.Filtered++
		return nil
	}

	alert := store.NewAlert(parsed.Name, parsed.Severity(), sourceName, parsed.Labels, parsed.Annotations)
	if parsed.GeneratorURL != "" {
		if alert.Annotations == nil {
			alert.Annotations = map[string]string{}
		}
		alert.Annotations["generatorURL"] = parsed.GeneratorURL
	}

	outcome, err := d.store.DeduplicateAlert(ctx, alert, webhook.DedupWindow())
	if err != nil {
		return fmt.Errorf("deduplicate alert: %w", err)
	}
	if outcome == store.DedupDuplicate {
		d.recordEvent(ctx, src, alert.ID, "duplicate", "alert "+parsed.Name)
		metrics.AlertsReceived.WithLabelValues(sourceName, "duplicate").Inc()
		receipt.Duplicates++
		return nil
	}

	event := d.recordEvent(ctx, src, alert.ID, "accepted", "alert "+parsed.Name)
	metrics.AlertsReceived.WithLabelValues(sourceName, "accepted").Inc()

	runID, err := d.enqueuer.EnqueueWorkflow(ctx, src.Metadata.Namespace, src.Source.TriggerWorkflow, runInput(src, alert, event))
	if err != nil {
		return fmt.Errorf("enqueue workflow %s: %w", src.Source.TriggerWorkflow, err)
	}

	d.logger.Info("Alert accepted",
		"source", sourceName,
		"alert", parsed.Name,
		"severity", alert.Severity,
		"outcome", outcome.String(),
		"run_id", runID)

	receipt.Accepted = append(receipt.Accepted, AcceptedAlert{
		AlertID: alert.ID,
		Name:    parsed.Name,
		RunID:   runID,
		Outcome: outcome.String(),
	})
	return nil
}

// resolveAlert marks the stored alert resolved without triggering a run.
func (d *Dispatcher) resolveAlert(ctx context.Context, src *resource.Resource, parsed ParsedAlert) {
	fingerprint := store.Fingerprint(parsed.Name, parsed.Labels)
	existing, err := d.store.GetAlertByFingerprint(ctx, fingerprint)
	if err != nil {
		if !store.IsNotFound(err) {
			d.logger.Error("Failed to look up alert for resolution", "alert", parsed.Name, "error", err)
		}
		return
	}
	if err := d.store.ResolveAlert(ctx, existing.ID); err != nil {
		d.logger.Error("Failed to resolve alert", "alert_id", existing.ID, "error", err)
		return
	}
	d.recordEvent(ctx, src, existing.ID, "resolved", "alert "+parsed.Name)
	metrics.AlertsReceived.WithLabelValues(src.Metadata.Name, "resolved").Inc()
}

func (d *Dispatcher) recordEvent(ctx context.Context, src *resource.Resource, alertID, outcome, detail string) *store.SourceEvent {
	ev := &store.SourceEvent{
		ID:         uuid.New().String(),
		SourceName: src.Metadata.Name,
		Namespace:  src.Metadata.Namespace,
		AlertID:    alertID,
		Outcome:    outcome,
		Detail:     detail,
		ReceivedAt: time.Now().UTC(),
	}
	if err := d.store.SaveSourceEvent(ctx, ev); err != nil {
		d.logger.Error("Failed to save source event", "source", src.Metadata.Name, "error", err)
	}
	return ev
}

// runInput builds the run's input document.
func runInput(src *resource.Resource, alert *store.Alert, event *store.SourceEvent) map[string]any {
	return map[string]any{
		"alert": map[string]any{
			"id":          alert.ID,
			"name":        alert.Name,
			"severity":    alert.Severity,
			"status":      alert.Status,
			"fingerprint": alert.Fingerprint,
			"labels":      alert.Labels,
			"annotations": alert.Annotations,
		},
		"source": map[string]any{
			"name":      src.Metadata.Name,
			"namespace": src.Metadata.Namespace,
			"event_id":  event.ID,
			"context":   src.Source.Context,
		},
	}
}

// MatchFilters reports whether labels satisfy every filter. A filter on a
// missing key never matches.
func MatchFilters(filters []resource.Filter, labels map[string]string) bool {
	for _, f := range filters {
		value, ok := labels[f.Key]
		if !ok {
			return false
		}
		switch f.Operator {
		case "", "=":
			if value != f.Value {
				return false
			}
		case "!=":
			if value == f.Value {
				return false
			}
		case "=~":
			re, err := regexp.Compile(f.Value)
			if err != nil || !re.MatchString(value) {
				return false
			}
		default:
			return false
		}
	}
	return true
}
