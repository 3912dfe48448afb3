package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quellops/quell/agent"
	"github.com/quellops/quell/engine"
	"github.com/quellops/quell/ingest"
	"github.com/quellops/quell/llm/providers"
	"github.com/quellops/quell/resource"
	"github.com/quellops/quell/sink"
	"github.com/quellops/quell/store"
	"github.com/quellops/quell/tools"
)

// fakeRuns satisfies the Runs seam for handler tests.
type fakeRuns struct {
	running  bool
	resolved map[string]bool
	err      error
	pending  []engine.PendingApproval
}

func (f *fakeRuns) Running() bool { return f.running }

func (f *fakeRuns) ResolveApproval(_ context.Context, id string, approved bool) error {
	if f.err != nil {
		return f.err
	}
	if f.resolved == nil {
		f.resolved = map[string]bool{}
	}
	f.resolved[id] = approved
	return nil
}

func (f *fakeRuns) PendingApprovals() []engine.PendingApproval { return f.pending }

func testStack(t *testing.T) (*Server, *store.MemoryStore, *engine.Engine) {
	t.Helper()

	registry := resource.NewRegistry()
	wf := &resource.Resource{
		Kind:     resource.KindWorkflow,
		Metadata: resource.Metadata{Name: "investigate", Namespace: "default"},
		Workflow: &resource.WorkflowSpec{
			Steps: []resource.Step{{Name: "noop", Type: resource.StepCLI, Command: "true"}},
		},
	}
	wf.Status.Phase = resource.PhaseReady
	registry.Upsert(wf)

	src := &resource.Resource{
		Kind:     resource.KindSource,
		Metadata: resource.Metadata{Name: "prod", Namespace: "default"},
		Source: &resource.SourceSpec{
			Type:            "webhook",
			TriggerWorkflow: "investigate",
			Webhook: resource.WebhookConfig{
				Path: "/alerts",
				Auth: resource.AuthConfig{Type: "bearer", Token: "s3cret"},
			},
		},
	}
	src.Status.Phase = resource.PhaseReady
	registry.Upsert(src)

	st := store.NewMemoryStore()
	eng := engine.New(st, registry, engine.NewStepExecutor(engine.LocalRunner{}, nil, nil))
	dispatcher := ingest.NewDispatcher(registry, st, eng, nil)
	return New(":0", st, dispatcher, eng, nil), st, eng
}

const amBody = `{
  "status": "firing",
  "alerts": [{"status": "firing", "labels": {"alertname": "PodCrashLooping", "severity": "critical"}}]
}`

func postWebhook(srv *Server, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhook/alerts", strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestWebhookAccepted(t *testing.T) {
	srv, st, _ := testStack(t)

	rec := postWebhook(srv, "s3cret", amBody)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var receipt ingest.Receipt
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &receipt))
	require.Len(t, receipt.Accepted, 1)
	assert.Equal(t, "PodCrashLooping", receipt.Accepted[0].Name)
	assert.NotEmpty(t, receipt.Accepted[0].RunID)

	run, err := st.GetRun(context.Background(), receipt.Accepted[0].RunID)
	require.NoError(t, err)
	assert.Equal(t, "investigate", run.WorkflowName)
	assert.Equal(t, receipt.Accepted[0].AlertID, run.AlertID)
	assert.NotEmpty(t, run.SourceEventID)
}

func TestWebhookErrors(t *testing.T) {
	srv, _, _ := testStack(t)

	// Wrong token.
	rec := postWebhook(srv, "wrong", amBody)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Unknown path.
	req := httptest.NewRequest(http.MethodPost, "/webhook/nope", strings.NewReader(amBody))
	req.Header.Set("Authorization", "Bearer s3cret")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// Malformed body.
	rec = postWebhook(srv, "s3cret", "not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var errBody map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errBody))
	assert.Equal(t, float64(http.StatusBadRequest), errBody["code"])
}

func TestHealthAndReadiness(t *testing.T) {
	srv, _, eng := testStack(t)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	// Engine not started yet.
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	require.NoError(t, eng.Start(context.Background()))
	defer eng.Stop(2 * time.Second)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRunsAPI(t *testing.T) {
	srv, st, _ := testStack(t)

	run := store.NewRun("investigate", "default", nil)
	require.NoError(t, st.SaveRun(context.Background(), run))
	require.NoError(t, st.SaveStepRecord(context.Background(), &store.StepRecord{
		ID: "rec-1", RunID: run.ID, Name: "noop", Type: "cli", Status: store.StepStatusSucceeded,
	}))

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/runs", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Runs []*store.Run `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Runs, 1)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/runs/"+run.ID, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var detail struct {
		Run   *store.Run          `json:"run"`
		Steps []*store.StepRecord `json:"steps"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detail))
	assert.Equal(t, run.ID, detail.Run.ID)
	require.Len(t, detail.Steps, 1)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/runs/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/runs?limit=zero", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestApprovalsAPI(t *testing.T) {
	runs := &fakeRuns{running: true, pending: []engine.PendingApproval{
		{ApprovalID: "ap-1", RunID: "run-1", Workflow: "investigate", Kind: "fix", Risk: "medium"},
	}}
	srv := New(":0", store.NewMemoryStore(), nil, runs, nil)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/approvals", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ap-1")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/approvals/ap-1", strings.NewReader(`{"approved": true}`))
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, runs.resolved["ap-1"])

	// Missing decision field.
	req = httptest.NewRequest(http.MethodPost, "/api/v1/approvals/ap-1", strings.NewReader(`{}`))
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Unknown and conflicting approvals map to 404 and 409.
	runs.err = engine.ErrApprovalNotFound
	req = httptest.NewRequest(http.MethodPost, "/api/v1/approvals/nope", strings.NewReader(`{"approved": false}`))
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	runs.err = engine.ErrApprovalConflict
	req = httptest.NewRequest(http.MethodPost, "/api/v1/approvals/ap-1", strings.NewReader(`{"approved": false}`))
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

// syncBuffer guards the sink output against the engine worker writing
// while the test reads.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestWebhookToSinkEndToEnd(t *testing.T) {
	registry := resource.NewRegistry()

	wf := &resource.Resource{
		Kind:     resource.KindWorkflow,
		Metadata: resource.Metadata{Name: "investigate", Namespace: "default"},
		Workflow: &resource.WorkflowSpec{
			Steps: []resource.Step{
				{Name: "diagnose", Type: resource.StepAgent, Agent: &resource.AgentSpec{
					Goal: "Diagnose {{ input.alert.name }}",
				}},
			},
			Outputs: map[string]string{"cause": "{{ outputs.diagnose.root_cause }}"},
			Sinks:   []string{"console"},
		},
	}
	wf.Status.Phase = resource.PhaseReady
	registry.Upsert(wf)

	src := &resource.Resource{
		Kind:     resource.KindSource,
		Metadata: resource.Metadata{Name: "prod", Namespace: "default"},
		Source: &resource.SourceSpec{
			Type:            "webhook",
			TriggerWorkflow: "investigate",
			Webhook: resource.WebhookConfig{
				Path: "/alerts",
				Auth: resource.AuthConfig{Type: "bearer", Token: "s3cret"},
			},
		},
	}
	src.Status.Phase = resource.PhaseReady
	registry.Upsert(src)

	console := &resource.Resource{
		Kind:     resource.KindSink,
		Metadata: resource.Metadata{Name: "console", Namespace: "default"},
		Sink:     &resource.SinkSpec{Type: resource.SinkStdout},
	}
	console.Status.Phase = resource.PhaseReady
	registry.Upsert(console)

	st := store.NewMemoryStore()
	agents := agent.NewRuntime(providers.NewMockCompleter(), tools.NewRegistry())
	eng := engine.New(st, registry, engine.NewStepExecutor(engine.LocalRunner{}, agents, nil))
	out := &syncBuffer{}
	eng.SetSinkDispatcher(sink.NewDispatcher(registry, st, eng, sink.WithStdout(out)))
	srv := New(":0", st, ingest.NewDispatcher(registry, st, eng, nil), eng, nil)

	require.NoError(t, eng.Start(context.Background()))
	t.Cleanup(func() { _ = eng.Stop(2 * time.Second) })

	body := `{
	  "status": "firing",
	  "alerts": [{"status": "firing", "labels": {"alertname": "DiskSpaceLow", "severity": "warning"}}]
	}`
	rec := postWebhook(srv, "s3cret", body)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var receipt ingest.Receipt
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &receipt))
	require.Len(t, receipt.Accepted, 1)
	runID := receipt.Accepted[0].RunID

	var run *store.Run
	require.Eventually(t, func() bool {
		got, err := st.GetRun(context.Background(), runID)
		if err != nil {
			return false
		}
		run = got
		return got.Phase == store.RunPhaseSucceeded
	}, 5*time.Second, 10*time.Millisecond)

	var outputs map[string]any
	require.NoError(t, json.Unmarshal(run.Outputs, &outputs))
	cause, _ := outputs["cause"].(string)
	assert.Contains(t, cause, "Insufficient evidence")

	// Sink delivery happens after the run completes.
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "Insufficient evidence")
	}, 5*time.Second, 10*time.Millisecond)
	assert.Contains(t, out.String(), "workflow investigate")

	require.Eventually(t, func() bool { return len(st.SinkOutputs()) == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, sink.StatusDelivered, st.SinkOutputs()[0].Status)
}
