package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/quellops/quell/resource"
	"github.com/quellops/quell/store"
	"github.com/quellops/quell/template"
)

// amPostAlert is the AlertManager v2 POST /api/v2/alerts body entry.
type amPostAlert struct {
	Labels      map[string]string `json:"labels"`
	Annotations map[string]string `json:"annotations"`
}

// deliverAlertmanager posts the original alert back annotated with the
// investigation outcome.
func (d *Dispatcher) deliverAlertmanager(ctx context.Context, spec *resource.SinkSpec, run *store.Run, result map[string]any) error {
	endpoint := spec.Config.Endpoint
	if endpoint == "" {
		return fmt.Errorf("alertmanager sink missing endpoint")
	}
	url := strings.TrimSuffix(endpoint, "/") + "/api/v2/alerts"

	labels := map[string]string{"quell_run": run.ID}
	if raw, ok := template.Lookup(result, "input.alert.labels"); ok {
		if m, ok := raw.(map[string]any); ok {
			for k, v := range m {
				labels[k] = template.Stringify(v)
			}
		}
	}

	annotations := map[string]string{
		"quell_workflow": run.WorkflowName,
	}
	if phase, ok := template.Lookup(result, "run.phase"); ok {
		annotations["quell_phase"] = template.Stringify(phase)
	}
	if outputs, ok := result["result"].(map[string]any); ok {
		for name, val := range outputs {
			annotations["quell_"+name] = template.Stringify(val)
		}
	}

	body, err := json.Marshal([]amPostAlert{{Labels: labels, Annotations: annotations}})
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 300 {
		return fmt.Errorf("alertmanager returned %d", resp.StatusCode)
	}
	return nil
}
