// Package store persists alerts, workflow runs, step progress, source
// events, sink outputs, and reconciled resources. Implementations: an
// in-memory store for tests and single-process default, and a sqlx-backed
// store for sqlite and postgres.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Store is the persistence interface shared by all backends.
type Store interface {
	// SaveAlert inserts or replaces an alert by id.
	SaveAlert(ctx context.Context, alert *Alert) error

	// GetAlertByFingerprint returns the most recent alert with the
	// fingerprint, or NotFound.
	GetAlertByFingerprint(ctx context.Context, fingerprint string) (*Alert, error)

	// DeduplicateAlert applies the dedup window to an incoming alert.
	// DedupNew: nothing stored, alert persisted. DedupDuplicate: a firing
	// alert with the same fingerprint exists inside the window; its
	// UpdatedAt is refreshed and the incoming alert is not stored.
	// DedupUpdated: the stored alert was stale or resolved; the incoming
	// alert replaces it as a fresh firing record.
	DeduplicateAlert(ctx context.Context, alert *Alert, window time.Duration) (DedupOutcome, error)

	// ResolveAlert marks an alert resolved.
	ResolveAlert(ctx context.Context, id string) error

	// SaveRun inserts a run.
	SaveRun(ctx context.Context, run *Run) error

	// UpdateRunProgress records a phase transition and the current step.
	UpdateRunProgress(ctx context.Context, id, phase, currentStep string) error

	// CompleteRun records the terminal phase, outputs, and error.
	CompleteRun(ctx context.Context, id, phase string, outputs []byte, runErr string) error

	// GetRun fetches a run by id, or NotFound.
	GetRun(ctx context.Context, id string) (*Run, error)

	// ListRuns returns the most recent runs, newest first.
	ListRuns(ctx context.Context, limit int) ([]*Run, error)

	// SaveStepRecord inserts or replaces a step record by id.
	SaveStepRecord(ctx context.Context, rec *StepRecord) error

	// GetStepRecords returns step records for a run in start order.
	GetStepRecords(ctx context.Context, runID string) ([]*StepRecord, error)

	// SaveSourceEvent inserts a source event.
	SaveSourceEvent(ctx context.Context, ev *SourceEvent) error

	// SaveSinkOutput inserts a sink output.
	SaveSinkOutput(ctx context.Context, out *SinkOutput) error

	// SaveResource upserts a resource record by (kind, namespace, name).
	SaveResource(ctx context.Context, rec *ResourceRecord) error

	// DeleteResource removes a resource record.
	DeleteResource(ctx context.Context, kind, namespace, name string) error

	// Close releases backend handles.
	Close() error
}

// ErrNotFound reports a missing row.
var ErrNotFound = errors.New("not found")

// IsNotFound reports whether err is a missing-row error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// StoreError wraps a backend failure with a retryability hint.
type StoreError struct {
	Op        string
	Transient bool
	Err       error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is a store error worth retrying.
func IsTransient(err error) bool {
	var se *StoreError
	return errors.As(err, &se) && se.Transient
}
