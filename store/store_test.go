package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFingerprintStable(t *testing.T) {
	labels := map[string]string{"pod": "api-7f9c", "namespace": "production", "severity": "critical"}
	a := Fingerprint("PodCrashLooping", labels)
	b := Fingerprint("PodCrashLooping", map[string]string{"severity": "critical", "pod": "api-7f9c", "namespace": "production"})
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
}

func TestFingerprintVariesByNameAndLabels(t *testing.T) {
	labels := map[string]string{"pod": "api-7f9c"}
	assert.NotEqual(t, Fingerprint("PodCrashLooping", labels), Fingerprint("HighCPUUsage", labels))
	assert.NotEqual(t,
		Fingerprint("PodCrashLooping", labels),
		Fingerprint("PodCrashLooping", map[string]string{"pod": "api-8d2a"}))
}

func newTestAlert(name string) *Alert {
	return NewAlert(name, "critical", "prod/am", map[string]string{"pod": "api-7f9c"}, map[string]string{"summary": "crashing"})
}

func TestMemoryDeduplicateNew(t *testing.T) {
	s := NewMemoryStore()
	outcome, err := s.DeduplicateAlert(context.Background(), newTestAlert("PodCrashLooping"), 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, DedupNew, outcome)
}

func TestMemoryDeduplicateWithinWindow(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	first := newTestAlert("PodCrashLooping")
	_, err := s.DeduplicateAlert(ctx, first, 30*time.Second)
	require.NoError(t, err)

	second := newTestAlert("PodCrashLooping")
	outcome, err := s.DeduplicateAlert(ctx, second, 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, DedupDuplicate, outcome)

	// The duplicate must not be stored as a new alert.
	stored, err := s.GetAlertByFingerprint(ctx, first.Fingerprint)
	require.NoError(t, err)
	assert.Equal(t, first.ID, stored.ID)
}

func TestMemoryDeduplicateReopensResolved(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	first := newTestAlert("PodCrashLooping")
	_, err := s.DeduplicateAlert(ctx, first, 30*time.Second)
	require.NoError(t, err)
	require.NoError(t, s.ResolveAlert(ctx, first.ID))

	second := newTestAlert("PodCrashLooping")
	outcome, err := s.DeduplicateAlert(ctx, second, 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, DedupUpdated, outcome)

	stored, err := s.GetAlertByFingerprint(ctx, second.Fingerprint)
	require.NoError(t, err)
	assert.Equal(t, AlertStatusFiring, stored.Status)
	assert.Equal(t, second.ID, stored.ID)
}

func TestMemoryDeduplicateWindowElapsed(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	first := newTestAlert("PodCrashLooping")
	first.UpdatedAt = time.Now().UTC().Add(-time.Minute)
	require.NoError(t, s.SaveAlert(ctx, first))

	second := newTestAlert("PodCrashLooping")
	outcome, err := s.DeduplicateAlert(ctx, second, 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, DedupUpdated, outcome)
}

func TestMemoryRunLifecycle(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	run := NewRun("diagnose-crash", "production", []byte(`{"alertname":"PodCrashLooping"}`))
	require.NoError(t, s.SaveRun(ctx, run))

	require.NoError(t, s.UpdateRunProgress(ctx, run.ID, RunPhaseRunning, "diagnose"))
	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunPhaseRunning, got.Phase)
	assert.Equal(t, "diagnose", got.CurrentStep)
	require.NotNil(t, got.StartedAt)

	require.NoError(t, s.CompleteRun(ctx, run.ID, RunPhaseSucceeded, []byte(`{"summary":"ok"}`), ""))
	got, err = s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunPhaseSucceeded, got.Phase)
	assert.Empty(t, got.CurrentStep)
	require.NotNil(t, got.FinishedAt)
}

func TestMemoryRunNotFound(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.GetRun(context.Background(), "missing")
	assert.True(t, IsNotFound(err))

	err = s.UpdateRunProgress(context.Background(), "missing", RunPhaseRunning, "")
	assert.True(t, IsNotFound(err))
}

func TestMemoryListRunsNewestFirst(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	older := NewRun("wf", "default", nil)
	older.CreatedAt = time.Now().UTC().Add(-time.Hour)
	newer := NewRun("wf", "default", nil)
	require.NoError(t, s.SaveRun(ctx, older))
	require.NoError(t, s.SaveRun(ctx, newer))

	runs, err := s.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, newer.ID, runs[0].ID)

	runs, err = s.ListRuns(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestMemoryStepRecordUpsert(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	rec := &StepRecord{
		ID: "step-1", RunID: "run-1", Name: "diagnose", Type: "agent",
		Status: StepStatusRunning, StartedAt: time.Now().UTC(),
	}
	require.NoError(t, s.SaveStepRecord(ctx, rec))

	rec.Status = StepStatusSucceeded
	require.NoError(t, s.SaveStepRecord(ctx, rec))

	steps, err := s.GetStepRecords(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, StepStatusSucceeded, steps[0].Status)
}

func TestStoreErrorTransient(t *testing.T) {
	err := &StoreError{Op: "save run", Transient: true, Err: assert.AnError}
	assert.True(t, IsTransient(err))
	assert.False(t, IsTransient(assert.AnError))
	assert.ErrorIs(t, err, assert.AnError)
}
