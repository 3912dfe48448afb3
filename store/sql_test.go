package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestSQLite(t *testing.T) *SQLStore {
	t.Helper()
	s, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteAlertRoundTrip(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()

	alert := newTestAlert("PodCrashLooping")
	require.NoError(t, s.SaveAlert(ctx, alert))

	got, err := s.GetAlertByFingerprint(ctx, alert.Fingerprint)
	require.NoError(t, err)
	assert.Equal(t, alert.ID, got.ID)
	assert.Equal(t, alert.Labels, got.Labels)
	assert.Equal(t, alert.Annotations, got.Annotations)
	assert.Equal(t, AlertStatusFiring, got.Status)
}

func TestSQLiteAlertNotFound(t *testing.T) {
	s := openTestSQLite(t)
	_, err := s.GetAlertByFingerprint(context.Background(), "nope")
	assert.True(t, IsNotFound(err))
}

func TestSQLiteDeduplicate(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()

	outcome, err := s.DeduplicateAlert(ctx, newTestAlert("PodCrashLooping"), 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, DedupNew, outcome)

	outcome, err = s.DeduplicateAlert(ctx, newTestAlert("PodCrashLooping"), 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, DedupDuplicate, outcome)

	// A different alert name fingerprints separately.
	outcome, err = s.DeduplicateAlert(ctx, newTestAlert("HighCPUUsage"), 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, DedupNew, outcome)
}

func TestSQLiteDeduplicateConcurrent(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()

	// Concurrent deliveries of one fingerprint must produce exactly one
	// alert row and one DedupNew outcome.
	const deliveries = 8
	var wg sync.WaitGroup
	outcomes := make(chan DedupOutcome, deliveries)
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome, err := s.DeduplicateAlert(ctx, newTestAlert("PodCrashLooping"), time.Minute)
			assert.NoError(t, err)
			outcomes <- outcome
		}()
	}
	wg.Wait()
	close(outcomes)

	newCount := 0
	for outcome := range outcomes {
		if outcome == DedupNew {
			newCount++
		}
	}
	assert.Equal(t, 1, newCount)

	var rows int
	require.NoError(t, s.db.GetContext(ctx, &rows, `SELECT COUNT(*) FROM alerts`))
	assert.Equal(t, 1, rows)
}

func TestSQLiteRunLifecycle(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()

	run := NewRun("diagnose-crash", "production", []byte(`{"alertname":"PodCrashLooping"}`))
	require.NoError(t, s.SaveRun(ctx, run))

	require.NoError(t, s.UpdateRunProgress(ctx, run.ID, RunPhaseRunning, "diagnose"))
	require.NoError(t, s.CompleteRun(ctx, run.ID, RunPhaseFailed, nil, "step diagnose: exit status 1"))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunPhaseFailed, got.Phase)
	assert.Equal(t, "step diagnose: exit status 1", got.Error)
	assert.JSONEq(t, `{"alertname":"PodCrashLooping"}`, string(got.Input))
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.FinishedAt)
}

func TestSQLiteStepRecords(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()

	first := &StepRecord{
		ID: "s1", RunID: "r1", Name: "check", Type: "cli",
		Status: StepStatusSucceeded, Output: []byte(`{"stdout":"ok"}`),
		StartedAt: time.Now().UTC().Add(-time.Second),
	}
	second := &StepRecord{
		ID: "s2", RunID: "r1", Name: "diagnose", Type: "agent",
		Status: StepStatusWaitingApproval, Suspended: []byte(`{"iteration":3}`),
		StartedAt: time.Now().UTC(),
	}
	require.NoError(t, s.SaveStepRecord(ctx, first))
	require.NoError(t, s.SaveStepRecord(ctx, second))

	steps, err := s.GetStepRecords(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, "check", steps[0].Name)
	assert.JSONEq(t, `{"iteration":3}`, string(steps[1].Suspended))
}

func TestSQLiteSourceEventsAndSinkOutputs(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()

	require.NoError(t, s.SaveSourceEvent(ctx, &SourceEvent{
		ID: "e1", SourceName: "am", Namespace: "prod", Outcome: "accepted",
		ReceivedAt: time.Now().UTC(),
	}))
	require.NoError(t, s.SaveSinkOutput(ctx, &SinkOutput{
		ID: "o1", RunID: "r1", SinkName: "notify", SinkType: "slack",
		Status: "delivered", Attempts: 1, CreatedAt: time.Now().UTC(),
	}))
}

func TestSQLiteResourceUpsert(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()

	rec := &ResourceRecord{
		Kind: "Source", Namespace: "prod", Name: "am",
		Spec: []byte(`{"type":"webhook"}`), UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.SaveResource(ctx, rec))

	rec.Status = []byte(`{"phase":"ready"}`)
	require.NoError(t, s.SaveResource(ctx, rec))
	require.NoError(t, s.DeleteResource(ctx, "Source", "prod", "am"))
}
