package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/quellops/quell/llm"
)

// HTTPTool fetches URLs with GET or HEAD, restricted to an allowlist of
// domains. The default allowlist only reaches localhost.
type HTTPTool struct {
	AllowedDomains []string
	HTTPClient     *http.Client
}

// NewHTTPTool creates the tool. Empty allowedDomains defaults to localhost.
func NewHTTPTool(allowedDomains []string) *HTTPTool {
	if len(allowedDomains) == 0 {
		allowedDomains = []string{"localhost", "127.0.0.1"}
	}
	return &HTTPTool{
		AllowedDomains: allowedDomains,
		HTTPClient:     &http.Client{Timeout: 15 * time.Second},
	}
}

func (h *HTTPTool) Name() string { return "http" }

func (h *HTTPTool) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        "http",
		Description: "Fetch a URL with GET or HEAD. Only allowlisted domains are reachable.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"url": map[string]any{
					"type":        "string",
					"description": "URL to fetch",
				},
				"method": map[string]any{
					"type":        "string",
					"description": "GET (default) or HEAD",
				},
			},
			"required": []string{"url"},
		},
	}
}

func (h *HTTPTool) Risk(map[string]any) RiskLevel { return RiskLow }

func (h *HTTPTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	rawURL, ok := stringArg(args, "url")
	if !ok {
		return "", Deny("http", "missing url argument")
	}

	method := http.MethodGet
	if m, ok := stringArg(args, "method"); ok {
		method = strings.ToUpper(m)
	}
	if method != http.MethodGet && method != http.MethodHead {
		return "", Deny("http", "method %s not allowed (GET, HEAD)", method)
	}

	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", Deny("http", "malformed url %q", rawURL)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", Deny("http", "scheme %q not allowed", parsed.Scheme)
	}
	if !h.domainAllowed(parsed.Hostname()) {
		return "", Deny("http", "domain %q not in allowlist", parsed.Hostname())
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("http request: %w", err)
	}

	resp, err := h.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("http fetch: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return "", fmt.Errorf("http read body: %w", err)
	}

	return fmt.Sprintf("HTTP %d\n%s", resp.StatusCode, truncate(string(body), 16384)), nil
}

func (h *HTTPTool) domainAllowed(host string) bool {
	host = strings.ToLower(host)
	for _, domain := range h.AllowedDomains {
		domain = strings.ToLower(domain)
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return true
		}
	}
	return false
}
