package ingest

import (
	"encoding/json"
	"fmt"
	"time"
)

// ParseError reports an unusable payload. Maps to 400.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse payload: %s", e.Reason)
}

// ParsedAlert is a payload alert normalized across formats.
type ParsedAlert struct {
	Name        string
	Status      string // "firing" or "resolved"
	Labels      map[string]string
	Annotations map[string]string
	StartsAt    time.Time
	EndsAt      time.Time
	// GeneratorURL and UpstreamFingerprint carry through from
	// AlertManager payloads for annotation only; identity uses our own
	// fingerprint.
	GeneratorURL        string
	UpstreamFingerprint string
}

// Severity derives the alert severity from labels, defaulting to warning.
func (a ParsedAlert) Severity() string {
	switch a.Labels["severity"] {
	case "critical":
		return "critical"
	case "info":
		return "info"
	default:
		return "warning"
	}
}

// amPayload is the AlertManager v2 webhook body.
type amPayload struct {
	Status            string            `json:"status"`
	Alerts            []amAlert         `json:"alerts"`
	GroupLabels       map[string]string `json:"groupLabels"`
	CommonLabels      map[string]string `json:"commonLabels"`
	CommonAnnotations map[string]string `json:"commonAnnotations"`
}

type amAlert struct {
	Status       string            `json:"status"`
	Labels       map[string]string `json:"labels"`
	Annotations  map[string]string `json:"annotations"`
	StartsAt     time.Time         `json:"startsAt"`
	EndsAt       time.Time         `json:"endsAt"`
	GeneratorURL string            `json:"generatorURL"`
	Fingerprint  string            `json:"fingerprint"`
}

// promAlert is a single raw Prometheus alert.
type promAlert struct {
	Labels      map[string]string `json:"labels"`
	Annotations map[string]string `json:"annotations"`
	State       string            `json:"state"`
	ActiveAt    time.Time         `json:"activeAt"`
}

// genericAlert is the minimal JSON shape for custom senders.
type genericAlert struct {
	Name        string            `json:"name"`
	Alertname   string            `json:"alertname"`
	Status      string            `json:"status"`
	Severity    string            `json:"severity"`
	Labels      map[string]string `json:"labels"`
	Annotations map[string]string `json:"annotations"`
}

// ParseAlerts decodes a webhook body in the source's declared format.
func ParseAlerts(format string, body []byte) ([]ParsedAlert, error) {
	switch format {
	case "", "alertmanager":
		return parseAlertmanager(body)
	case "prometheus":
		return parsePrometheus(body)
	case "json":
		return parseGeneric(body)
	default:
		return nil, &ParseError{Reason: fmt.Sprintf("unknown format %q", format)}
	}
}

func parseAlertmanager(body []byte) ([]ParsedAlert, error) {
	var payload amPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, &ParseError{Reason: err.Error()}
	}
	if len(payload.Alerts) == 0 {
		return nil, &ParseError{Reason: "payload has no alerts"}
	}

	out := make([]ParsedAlert, 0, len(payload.Alerts))
	for _, a := range payload.Alerts {
		labels := mergeMaps(payload.CommonLabels, a.Labels)
		name := labels["alertname"]
		if name == "" {
			return nil, &ParseError{Reason: "alert missing alertname label"}
		}
		status := a.Status
		if status == "" {
			status = payload.Status
		}
		out = append(out, ParsedAlert{
			Name:                name,
			Status:              normalizeStatus(status),
			Labels:              labels,
			Annotations:         mergeMaps(payload.CommonAnnotations, a.Annotations),
			StartsAt:            a.StartsAt,
			EndsAt:              a.EndsAt,
			GeneratorURL:        a.GeneratorURL,
			UpstreamFingerprint: a.Fingerprint,
		})
	}
	return out, nil
}

func parsePrometheus(body []byte) ([]ParsedAlert, error) {
	var a promAlert
	if err := json.Unmarshal(body, &a); err != nil {
		return nil, &ParseError{Reason: err.Error()}
	}
	name := a.Labels["alertname"]
	if name == "" {
		return nil, &ParseError{Reason: "alert missing alertname label"}
	}
	status := "firing"
	if a.State == "inactive" || a.State == "resolved" {
		status = "resolved"
	}
	return []ParsedAlert{{
		Name:        name,
		Status:      status,
		Labels:      copyMap(a.Labels),
		Annotations: copyMap(a.Annotations),
		StartsAt:    a.ActiveAt,
	}}, nil
}

func parseGeneric(body []byte) ([]ParsedAlert, error) {
	var a genericAlert
	if err := json.Unmarshal(body, &a); err != nil {
		return nil, &ParseError{Reason: err.Error()}
	}

	name := a.Name
	if name == "" {
		name = a.Alertname
	}
	if name == "" {
		name = a.Labels["alertname"]
	}
	if name == "" {
		return nil, &ParseError{Reason: "alert missing name"}
	}

	labels := copyMap(a.Labels)
	if labels == nil {
		labels = map[string]string{}
	}
	if _, ok := labels["alertname"]; !ok {
		labels["alertname"] = name
	}
	if a.Severity != "" {
		labels["severity"] = a.Severity
	}

	return []ParsedAlert{{
		Name:        name,
		Status:      normalizeStatus(a.Status),
		Labels:      labels,
		Annotations: copyMap(a.Annotations),
	}}, nil
}

func normalizeStatus(status string) string {
	if status == "resolved" {
		return "resolved"
	}
	return "firing"
}

// mergeMaps overlays specific entries onto common ones; specific wins.
func mergeMaps(common, specific map[string]string) map[string]string {
	out := make(map[string]string, len(common)+len(specific))
	for k, v := range common {
		out[k] = v
	}
	for k, v := range specific {
		out[k] = v
	}
	return out
}

func copyMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
