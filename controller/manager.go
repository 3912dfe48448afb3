package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/quellops/quell/resource"
	"github.com/quellops/quell/store"
)

// Reconcile cadence.
const (
	RequeueInterval = 5 * time.Minute
	backoffBase     = 5 * time.Second
	backoffMax      = 5 * time.Minute
)

// Reconciler validates one resource kind and computes its status. A
// returned error means a transient failure worth retrying; validation
// failures set phase=failed and return nil.
type Reconciler interface {
	Kind() resource.Kind
	Reconcile(ctx context.Context, res *resource.Resource) error
}

// Manager consumes resource events, runs the per-kind reconcilers, and
// publishes results to the registry and store. Reconcile errors retry
// with exponential backoff; everything requeues periodically so broken
// references heal once their target appears.
type Manager struct {
	mu      sync.RWMutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	registry    *resource.Registry
	store       store.Store
	events      <-chan resource.Event
	reconcilers map[resource.Kind]Reconciler
	logger      *slog.Logger

	stateMu  sync.Mutex
	desired  map[resource.Key]*resource.Resource
	attempts map[resource.Key]int
	retryCh  chan resource.Key
}

// NewManager wires the three reconcilers over an event stream.
func NewManager(registry *resource.Registry, st store.Store, events <-chan resource.Event, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		registry:    registry,
		store:       st,
		events:      events,
		reconcilers: map[resource.Kind]Reconciler{},
		logger:      logger,
		desired:     map[resource.Key]*resource.Resource{},
		attempts:    map[resource.Key]int{},
		retryCh:     make(chan resource.Key, 64),
	}
	for _, r := range []Reconciler{
		NewSourceReconciler(registry),
		NewWorkflowReconciler(registry),
		NewSinkReconciler(registry),
	} {
		m.reconcilers[r.Kind()] = r
	}
	return m
}

// Start launches the reconcile loop.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return fmt.Errorf("controller manager already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true

	m.wg.Add(1)
	go m.run(ctx)
	m.logger.Info("Controller manager started")
	return nil
}

// Stop cancels the loop and waits up to timeout.
func (m *Manager) Stop(timeout time.Duration) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	m.cancel()
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("controller manager stop timed out after %s", timeout)
	}
}

func (m *Manager) run(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(RequeueInterval)
	defer ticker.Stop()

	events := m.events
	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			m.Apply(ctx, ev)

		case key := <-m.retryCh:
			m.reconcileKey(ctx, key)

		case <-ticker.C:
			m.ReconcileAll(ctx)
		}
	}
}

// Apply processes one resource event synchronously.
func (m *Manager) Apply(ctx context.Context, ev resource.Event) {
	key := ev.Resource.Key()
	switch ev.Type {
	case resource.EventDelete:
		m.handleDelete(ctx, ev.Resource)
	default:
		m.stateMu.Lock()
		m.desired[key] = ev.Resource
		m.stateMu.Unlock()
		m.reconcileKey(ctx, key)
	}
}

// ReconcileAll re-runs every known resource. Cross-kind references that
// failed earlier heal here once their target exists.
func (m *Manager) ReconcileAll(ctx context.Context) {
	m.stateMu.Lock()
	keys := make([]resource.Key, 0, len(m.desired))
	for key := range m.desired {
		keys = append(keys, key)
	}
	m.stateMu.Unlock()

	for _, key := range keys {
		m.reconcileKey(ctx, key)
	}
}

func (m *Manager) reconcileKey(ctx context.Context, key resource.Key) {
	m.stateMu.Lock()
	res, ok := m.desired[key]
	m.stateMu.Unlock()
	if !ok {
		return
	}

	rec, ok := m.reconcilers[key.Kind]
	if !ok {
		m.logger.Warn("No reconciler for kind", "kind", key.Kind)
		return
	}

	if err := rec.Reconcile(ctx, res); err != nil {
		m.scheduleRetry(ctx, key, err)
		return
	}

	m.stateMu.Lock()
	delete(m.attempts, key)
	m.stateMu.Unlock()

	m.registry.Upsert(res)
	m.persist(ctx, res)

	if key.Kind == resource.KindSource && res.Source != nil {
		m.arbitratePath(ctx, res.Source.Webhook.Path)
	}

	m.logger.Info("Resource reconciled",
		"kind", key.Kind, "namespace", key.Namespace, "name", key.Name,
		"phase", res.Status.Phase)
}

func (m *Manager) handleDelete(ctx context.Context, res *resource.Resource) {
	key := res.Key()

	m.stateMu.Lock()
	delete(m.desired, key)
	delete(m.attempts, key)
	m.stateMu.Unlock()

	m.registry.Delete(key)
	if err := m.store.DeleteResource(ctx, string(key.Kind), key.Namespace, key.Name); err != nil && !store.IsNotFound(err) {
		m.logger.Error("Failed to delete resource record", "key", key.String(), "error", err)
	}

	// A deleted source releases its path claim to the next claimant.
	if key.Kind == resource.KindSource && res.Source != nil {
		m.arbitratePath(ctx, res.Source.Webhook.Path)
	}

	m.logger.Info("Resource deleted", "kind", key.Kind, "namespace", key.Namespace, "name", key.Name)
}

// arbitratePath grants a webhook path to the lexicographically first
// valid claimant and demotes the rest.
func (m *Manager) arbitratePath(ctx context.Context, path string) {
	claimants := m.registry.PathClaimants(path)
	claimed := false
	for _, res := range claimants {
		if !isValidated(res) {
			continue
		}
		if !claimed {
			claimed = true
			res.Status.SetCondition(resource.ConditionPathClaimed, "True", ReasonPathClaimed, "")
			res.Status.Phase = resource.PhaseReady
		} else {
			res.Status.SetCondition(resource.ConditionPathClaimed, "False", ReasonPathConflict,
				fmt.Sprintf("path %s already claimed", path))
			res.Status.Phase = resource.PhaseFailed
		}
		m.registry.Upsert(res)
		m.persist(ctx, res)
	}
}

// isValidated reports whether spec and references held, independent of
// path arbitration.
func isValidated(res *resource.Resource) bool {
	validated, workflowRef := false, false
	for _, cond := range res.Status.Conditions {
		switch cond.Type {
		case resource.ConditionValidated:
			validated = cond.Status == "True"
		case resource.ConditionWorkflowRef:
			workflowRef = cond.Status == "True"
		}
	}
	return validated && workflowRef
}

func (m *Manager) scheduleRetry(ctx context.Context, key resource.Key, cause error) {
	m.stateMu.Lock()
	m.attempts[key]++
	attempt := m.attempts[key]
	m.stateMu.Unlock()

	delay := backoffBase << (attempt - 1)
	if delay > backoffMax || delay <= 0 {
		delay = backoffMax
	}

	m.logger.Warn("Reconcile failed, retrying",
		"key", key.String(), "attempt", attempt, "delay", delay, "error", cause)

	m.wg.Add(1)
	time.AfterFunc(delay, func() {
		defer m.wg.Done()
		select {
		case <-ctx.Done():
		case m.retryCh <- key:
		}
	})
}

func (m *Manager) persist(ctx context.Context, res *resource.Resource) {
	spec, err := res.SpecJSON()
	if err != nil {
		m.logger.Error("Failed to encode resource spec", "key", res.Key().String(), "error", err)
		return
	}
	status, err := json.Marshal(res.Status)
	if err != nil {
		status = nil
	}
	rec := &store.ResourceRecord{
		Kind:      string(res.Kind),
		Namespace: res.Metadata.Namespace,
		Name:      res.Metadata.Name,
		Spec:      spec,
		Status:    status,
		UpdatedAt: time.Now().UTC(),
	}
	if err := m.store.SaveResource(ctx, rec); err != nil {
		m.logger.Error("Failed to persist resource", "key", res.Key().String(), "error", err)
	}
}
