package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/quellops/quell/llm"
)

// maxQueryLength bounds PromQL queries accepted from the model.
const maxQueryLength = 1000

// PromQLTool executes instant and range queries against a Prometheus
// endpoint and formats the result for the model.
type PromQLTool struct {
	Endpoint   string
	HTTPClient *http.Client
}

// NewPromQLTool creates the tool against a Prometheus base URL.
func NewPromQLTool(endpoint string) *PromQLTool {
	return &PromQLTool{
		Endpoint:   strings.TrimSuffix(endpoint, "/"),
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (p *PromQLTool) Name() string { return "promql" }

func (p *PromQLTool) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        "promql",
		Description: "Run a PromQL query against Prometheus. Supply range_minutes for a range query.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "PromQL expression",
				},
				"range_minutes": map[string]any{
					"type":        "integer",
					"description": "Optional: query this many minutes of history at 1m resolution",
				},
			},
			"required": []string{"query"},
		},
	}
}

func (p *PromQLTool) Risk(map[string]any) RiskLevel { return RiskLow }

func (p *PromQLTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	query, ok := stringArg(args, "query")
	if !ok {
		return "", Deny("promql", "missing query argument")
	}
	if err := validateQuery(query); err != nil {
		return "", err
	}

	endpoint := p.Endpoint + "/api/v1/query"
	params := url.Values{"query": {query}}

	if rangeMin := intArg(args, "range_minutes"); rangeMin > 0 {
		endpoint = p.Endpoint + "/api/v1/query_range"
		now := time.Now()
		params.Set("start", fmt.Sprintf("%d", now.Add(-time.Duration(rangeMin)*time.Minute).Unix()))
		params.Set("end", fmt.Sprintf("%d", now.Unix()))
		params.Set("step", "60")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return "", fmt.Errorf("promql request: %w", err)
	}

	resp, err := p.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("promql query: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("promql read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("prometheus returned status %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	return formatPrometheusResponse(body)
}

// validateQuery rejects expressions that smuggle multiple statements or
// exceed the length bound.
func validateQuery(query string) error {
	if len(query) > maxQueryLength {
		return Deny("promql", "query exceeds %d characters", maxQueryLength)
	}
	for _, forbidden := range []string{";", "&&", "||"} {
		if strings.Contains(query, forbidden) {
			return Deny("promql", "query contains forbidden sequence %q", forbidden)
		}
	}
	return nil
}

// prometheusResponse is the subset of the query API response we render.
type prometheusResponse struct {
	Status string `json:"status"`
	Data   struct {
		ResultType string `json:"resultType"`
		Result     []struct {
			Metric map[string]string `json:"metric"`
			Value  []any             `json:"value"`
			Values [][]any           `json:"values"`
		} `json:"result"`
	} `json:"data"`
	Error string `json:"error"`
}

// formatPrometheusResponse renders results one series per line:
// metric{labels} => value.
func formatPrometheusResponse(body []byte) (string, error) {
	var resp prometheusResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("parse prometheus response: %w", err)
	}
	if resp.Status != "success" {
		return "", fmt.Errorf("prometheus query failed: %s", resp.Error)
	}
	if len(resp.Data.Result) == 0 {
		return "no results", nil
	}

	var out strings.Builder
	for _, series := range resp.Data.Result {
		out.WriteString(formatMetric(series.Metric))
		if len(series.Value) == 2 {
			fmt.Fprintf(&out, " => %v", series.Value[1])
		} else if n := len(series.Values); n > 0 {
			last := series.Values[n-1]
			if len(last) == 2 {
				fmt.Fprintf(&out, " => %v (latest of %d samples)", last[1], n)
			}
		}
		out.WriteString("\n")
	}
	return out.String(), nil
}

func formatMetric(metric map[string]string) string {
	name := metric["__name__"]
	var labels []string
	for k, v := range metric {
		if k != "__name__" {
			labels = append(labels, fmt.Sprintf("%s=%q", k, v))
		}
	}
	if len(labels) == 0 {
		return name
	}
	// Stable order for tests and logs.
	sort.Strings(labels)
	return name + "{" + strings.Join(labels, ",") + "}"
}

func intArg(args map[string]any, key string) int {
	switch v := args[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}
