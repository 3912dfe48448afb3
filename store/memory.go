package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store. It backs tests and the default
// single-binary deployment where no database is configured.
type MemoryStore struct {
	mu        sync.RWMutex
	alerts    map[string]*Alert // keyed by id
	runs      map[string]*Run
	steps     map[string][]*StepRecord // keyed by run id
	events    []*SourceEvent
	sinks     []*SinkOutput
	resources map[string]*ResourceRecord // keyed by kind/namespace/name
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		alerts:    make(map[string]*Alert),
		runs:      make(map[string]*Run),
		steps:     make(map[string][]*StepRecord),
		resources: make(map[string]*ResourceRecord),
	}
}

func (s *MemoryStore) SaveAlert(_ context.Context, alert *Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *alert
	s.alerts[alert.ID] = &cp
	return nil
}

func (s *MemoryStore) GetAlertByFingerprint(_ context.Context, fingerprint string) (*Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *Alert
	for _, a := range s.alerts {
		if a.Fingerprint != fingerprint {
			continue
		}
		if latest == nil || a.UpdatedAt.After(latest.UpdatedAt) {
			latest = a
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (s *MemoryStore) DeduplicateAlert(_ context.Context, alert *Alert, window time.Duration) (DedupOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var existing *Alert
	for _, a := range s.alerts {
		if a.Fingerprint != alert.Fingerprint {
			continue
		}
		if existing == nil || a.UpdatedAt.After(existing.UpdatedAt) {
			existing = a
		}
	}

	now := time.Now().UTC()
	if existing == nil {
		cp := *alert
		s.alerts[alert.ID] = &cp
		return DedupNew, nil
	}

	if existing.Status == AlertStatusFiring && now.Sub(existing.UpdatedAt) < window {
		existing.UpdatedAt = now
		return DedupDuplicate, nil
	}

	// Stale or resolved: the incoming alert reopens the fingerprint.
	cp := *alert
	s.alerts[alert.ID] = &cp
	return DedupUpdated, nil
}

func (s *MemoryStore) ResolveAlert(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[id]
	if !ok {
		return ErrNotFound
	}
	a.Status = AlertStatusResolved
	a.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) SaveRun(_ context.Context, run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *run
	s.runs[run.ID] = &cp
	return nil
}

func (s *MemoryStore) UpdateRunProgress(_ context.Context, id, phase, currentStep string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return ErrNotFound
	}
	run.Phase = phase
	run.CurrentStep = currentStep
	if phase == RunPhaseRunning && run.StartedAt == nil {
		now := time.Now().UTC()
		run.StartedAt = &now
	}
	return nil
}

func (s *MemoryStore) CompleteRun(_ context.Context, id, phase string, outputs []byte, runErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	run.Phase = phase
	run.CurrentStep = ""
	run.Outputs = outputs
	run.Error = runErr
	run.FinishedAt = &now
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, id string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *run
	return &cp, nil
}

func (s *MemoryStore) ListRuns(_ context.Context, limit int) ([]*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := make([]*Run, 0, len(s.runs))
	for _, r := range s.runs {
		cp := *r
		runs = append(runs, &cp)
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

func (s *MemoryStore) SaveStepRecord(_ context.Context, rec *StepRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	steps := s.steps[rec.RunID]
	for i, existing := range steps {
		if existing.ID == rec.ID {
			steps[i] = &cp
			return nil
		}
	}
	s.steps[rec.RunID] = append(steps, &cp)
	return nil
}

func (s *MemoryStore) GetStepRecords(_ context.Context, runID string) ([]*StepRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	steps := s.steps[runID]
	out := make([]*StepRecord, len(steps))
	for i, rec := range steps {
		cp := *rec
		out[i] = &cp
	}
	return out, nil
}

func (s *MemoryStore) SaveSourceEvent(_ context.Context, ev *SourceEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *ev
	s.events = append(s.events, &cp)
	return nil
}

func (s *MemoryStore) SaveSinkOutput(_ context.Context, out *SinkOutput) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *out
	s.sinks = append(s.sinks, &cp)
	return nil
}

func (s *MemoryStore) SaveResource(_ context.Context, rec *ResourceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.resources[rec.Kind+"/"+rec.Namespace+"/"+rec.Name] = &cp
	return nil
}

func (s *MemoryStore) DeleteResource(_ context.Context, kind, namespace, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.resources, kind+"/"+namespace+"/"+name)
	return nil
}

func (s *MemoryStore) Close() error { return nil }

// SourceEvents returns a copy of recorded source events, oldest first.
// Test helper.
func (s *MemoryStore) SourceEvents() []*SourceEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*SourceEvent, len(s.events))
	for i, ev := range s.events {
		cp := *ev
		out[i] = &cp
	}
	return out
}

// SinkOutputs returns a copy of recorded sink outputs, oldest first.
// Test helper.
func (s *MemoryStore) SinkOutputs() []*SinkOutput {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*SinkOutput, len(s.sinks))
	for i, so := range s.sinks {
		cp := *so
		out[i] = &cp
	}
	return out
}

// Resources returns a copy of persisted resource records. Test helper.
func (s *MemoryStore) Resources() []*ResourceRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*ResourceRecord, 0, len(s.resources))
	for _, rec := range s.resources {
		cp := *rec
		out = append(out, &cp)
	}
	return out
}
