package tools

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quellops/quell/llm"
)

func TestAssessCommandRisk(t *testing.T) {
	cases := []struct {
		command string
		want    RiskLevel
	}{
		{"kubectl delete pod api-7f9c", RiskHigh},
		{"kubectl drain node-1", RiskHigh},
		{"kubectl patch deployment api", RiskMedium},
		{"kubectl scale deployment api --replicas=6", RiskMedium},
		{"kubectl get pods", RiskLow},
		{"kubectl describe pod api-7f9c", RiskLow},
		{"kubectl logs api-7f9c", RiskLow},
		{"kubectl frobnicate", RiskMedium},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, AssessCommandRisk(tc.command), tc.command)
	}
}

func TestKubectlParseCommand(t *testing.T) {
	k := NewKubectlTool(nil, "default")

	parsed, err := k.parseCommand("kubectl get pods -n production -o wide")
	require.NoError(t, err)
	assert.Equal(t, "get", parsed.verb)
	assert.Equal(t, []string{"pods"}, parsed.args)
	assert.Equal(t, "production", parsed.namespace)
	assert.Equal(t, []string{"-o", "wide"}, parsed.flags)

	parsed, err = k.parseCommand("get pods -l app=api --sort-by .metadata.creationTimestamp")
	require.NoError(t, err)
	assert.Equal(t, []string{"pods"}, parsed.args)
	assert.Equal(t, []string{"-l", "app=api", "--sort-by", ".metadata.creationTimestamp"}, parsed.flags)

	// Equals-form values need no pairing.
	parsed, err = k.parseCommand("get pods -o=json")
	require.NoError(t, err)
	assert.Equal(t, []string{"-o=json"}, parsed.flags)
}

func TestKubectlRejectsWriteVerbs(t *testing.T) {
	k := NewKubectlTool(nil, "")
	for _, cmd := range []string{
		"delete pod api-7f9c",
		"kubectl apply -f manifest.yaml",
		"patch deployment api",
		"scale deployment api --replicas=0",
		"exec -it api-7f9c -- sh",
	} {
		_, err := k.Execute(context.Background(), map[string]any{"command": cmd})
		var denied *DeniedError
		require.ErrorAs(t, err, &denied, cmd)
	}
}

func TestKubectlNamespaceAllowlist(t *testing.T) {
	k := NewKubectlTool([]string{"production", "staging"}, "production")

	_, err := k.parseCommand("get pods -n kube-system")
	var denied *DeniedError
	require.ErrorAs(t, err, &denied)

	parsed, err := k.parseCommand("get pods -n staging")
	require.NoError(t, err)
	assert.Equal(t, "staging", parsed.namespace)

	_, err = k.parseCommand("get pods --all-namespaces")
	require.ErrorAs(t, err, &denied)
}

func TestKubectlBlockedFlags(t *testing.T) {
	k := NewKubectlTool(nil, "")
	_, err := k.parseCommand("get pods --kubeconfig=/tmp/stolen")
	var denied *DeniedError
	assert.ErrorAs(t, err, &denied)
}

func TestPromQLValidation(t *testing.T) {
	var denied *DeniedError

	assert.NoError(t, validateQuery(`rate(http_requests_total{job="api"}[5m])`))

	err := validateQuery("up; drop table")
	require.ErrorAs(t, err, &denied)

	err = validateQuery("up && up")
	require.ErrorAs(t, err, &denied)

	long := make([]byte, maxQueryLength+1)
	for i := range long {
		long[i] = 'x'
	}
	err = validateQuery(string(long))
	require.ErrorAs(t, err, &denied)
}

func TestPromQLExecute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/query", r.URL.Path)
		assert.Equal(t, "up", r.URL.Query().Get("query"))
		w.Write([]byte(`{"status":"success","data":{"resultType":"vector","result":[
			{"metric":{"__name__":"up","job":"api"},"value":[1700000000,"1"]}]}}`))
	}))
	defer srv.Close()

	p := NewPromQLTool(srv.URL)
	out, err := p.Execute(context.Background(), map[string]any{"query": "up"})
	require.NoError(t, err)
	assert.Contains(t, out, `up{job="api"} => 1`)
}

func TestPromQLRangeQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/query_range", r.URL.Path)
		assert.NotEmpty(t, r.URL.Query().Get("start"))
		w.Write([]byte(`{"status":"success","data":{"resultType":"matrix","result":[
			{"metric":{"__name__":"up"},"values":[[1,"0"],[2,"1"]]}]}}`))
	}))
	defer srv.Close()

	p := NewPromQLTool(srv.URL)
	out, err := p.Execute(context.Background(), map[string]any{"query": "up", "range_minutes": float64(5)})
	require.NoError(t, err)
	assert.Contains(t, out, "latest of 2 samples")
}

func TestPromQLErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"error","error":"bad expression"}`))
	}))
	defer srv.Close()

	p := NewPromQLTool(srv.URL)
	_, err := p.Execute(context.Background(), map[string]any{"query": "up"})
	assert.ErrorContains(t, err, "bad expression")
}

func TestHTTPToolAllowlist(t *testing.T) {
	h := NewHTTPTool([]string{"example.com"})
	var denied *DeniedError

	_, err := h.Execute(context.Background(), map[string]any{"url": "https://evil.test/steal"})
	require.ErrorAs(t, err, &denied)

	_, err = h.Execute(context.Background(), map[string]any{"url": "https://example.com/x", "method": "POST"})
	require.ErrorAs(t, err, &denied)

	_, err = h.Execute(context.Background(), map[string]any{"url": "ftp://example.com/x"})
	require.ErrorAs(t, err, &denied)
}

func TestHTTPToolFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("pong"))
	}))
	defer srv.Close()

	h := NewHTTPTool(nil) // defaults to localhost
	out, err := h.Execute(context.Background(), map[string]any{"url": srv.URL + "/ping"})
	require.NoError(t, err)
	assert.Contains(t, out, "HTTP 200")
	assert.Contains(t, out, "pong")
}

func TestHTTPToolSubdomainMatch(t *testing.T) {
	h := NewHTTPTool([]string{"example.com"})
	assert.True(t, h.domainAllowed("api.example.com"))
	assert.True(t, h.domainAllowed("example.com"))
	assert.False(t, h.domainAllowed("notexample.com"))
}

func TestScriptToolLibraryOnly(t *testing.T) {
	s := NewScriptTool([]Script{
		{Name: "disk-usage", Body: "df -h", Risk: RiskLow},
	})

	var denied *DeniedError
	_, err := s.Execute(context.Background(), map[string]any{"name": "rm-everything"})
	require.ErrorAs(t, err, &denied)

	_, err = s.Execute(context.Background(), map[string]any{"name": "disk-usage", "args": []any{"; rm -rf /"}})
	require.ErrorAs(t, err, &denied)
}

func TestScriptToolExecutes(t *testing.T) {
	s := NewScriptTool([]Script{
		{Name: "greet", Body: `echo "hello $1"`, Risk: RiskLow},
	})
	out, err := s.Execute(context.Background(), map[string]any{"name": "greet", "args": []any{"world"}})
	require.NoError(t, err)
	assert.Contains(t, out, "hello world")
}

func TestRegistryDefinitions(t *testing.T) {
	reg := NewRegistry()
	reg.Register(NewKubectlTool(nil, ""))
	reg.Register(NewHTTPTool(nil))

	defs := reg.Definitions([]string{"kubectl", "missing", "http"})
	require.Len(t, defs, 2)
	assert.Equal(t, "kubectl", defs[0].Name)
	assert.Equal(t, []string{"http", "kubectl"}, reg.Names())
}

// captureSink collects audit records for assertions.
type captureSink struct{ records []AuditRecord }

func (c *captureSink) RecordToolCall(rec AuditRecord) { c.records = append(c.records, rec) }

func TestRecordingToolAudit(t *testing.T) {
	sink := &captureSink{}
	inner := NewScriptTool([]Script{{Name: "noop", Body: "true", Risk: RiskLow}})
	rec := WithRecording(inner, sink, slog.Default())

	_, err := rec.Execute(context.Background(), map[string]any{"name": "noop"})
	require.NoError(t, err)

	_, err = rec.Execute(context.Background(), map[string]any{"name": "unknown"})
	require.Error(t, err)

	require.Len(t, sink.records, 2)
	assert.Equal(t, "ok", sink.records[0].Outcome)
	assert.Equal(t, "low", sink.records[0].Risk)
	assert.Equal(t, "denied", sink.records[1].Outcome)
	assert.NotEmpty(t, sink.records[0].ArgsDigest)
}

func TestRecordingToolErrorOutcome(t *testing.T) {
	sink := &captureSink{}
	rec := WithRecording(&errorTool{}, sink, nil)

	_, err := rec.Execute(context.Background(), nil)
	require.Error(t, err)
	require.Len(t, sink.records, 1)
	assert.Equal(t, "error", sink.records[0].Outcome)
}

// errorTool fails with a plain error, not a denial.
type errorTool struct{}

func (e *errorTool) Name() string                       { return "boom" }
func (e *errorTool) Definition() llm.ToolDefinition     { return llm.ToolDefinition{Name: "boom"} }
func (e *errorTool) Risk(map[string]any) RiskLevel { return RiskMedium }
func (e *errorTool) Execute(context.Context, map[string]any) (string, error) {
	return "", errors.New("backend down")
}

func TestDigestArgsStable(t *testing.T) {
	a := DigestArgs(map[string]any{"command": "get pods", "n": 1})
	b := DigestArgs(map[string]any{"n": 1, "command": "get pods"})
	assert.Equal(t, a, b)
	assert.Len(t, a, 16)
}
