package sink

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/quellops/quell/resource"
	"github.com/quellops/quell/store"
	"github.com/quellops/quell/template"
)

func (d *Dispatcher) deliverStdout(spec *resource.SinkSpec, run *store.Run, result map[string]any) error {
	if spec.Config.Format == "json" {
		encoded, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("encode result: %w", err)
		}
		_, err = fmt.Fprintln(d.stdout, string(encoded))
		return err
	}
	if spec.Config.Template != "" {
		rendered, err := template.Render(spec.Config.Template, result)
		if err != nil {
			return fmt.Errorf("render sink template: %w", err)
		}
		_, err = fmt.Fprintln(d.stdout, rendered)
		return err
	}
	_, err := fmt.Fprint(d.stdout, textSummary(run, result))
	return err
}

// textSummary renders the human-readable result block.
func textSummary(run *store.Run, result map[string]any) string {
	var b strings.Builder
	fmt.Fprintf(&b, "=== workflow %s (%s) ===\n", run.WorkflowName, run.ID)

	phase, _ := template.Lookup(result, "run.phase")
	fmt.Fprintf(&b, "phase: %s\n", template.Stringify(phase))

	if errMsg, ok := template.Lookup(result, "run.error"); ok {
		if s := template.Stringify(errMsg); s != "" {
			fmt.Fprintf(&b, "error: %s\n", s)
		}
	}

	if outputs, ok := result["result"].(map[string]any); ok && len(outputs) > 0 {
		b.WriteString("outputs:\n")
		keys := make([]string, 0, len(outputs))
		for k := range outputs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "  %s: %s\n", k, template.Stringify(outputs[k]))
		}
	}
	return b.String()
}
