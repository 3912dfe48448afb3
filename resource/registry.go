package resource

import (
	"sort"
	"sync"
)

// EventType classifies a resource change.
type EventType string

const (
	EventCreate EventType = "create"
	EventUpdate EventType = "update"
	EventDelete EventType = "delete"
)

// Event is one resource change delivered to the controllers.
type Event struct {
	Type     EventType
	Resource *Resource
}

// Registry is the live, thread-safe view of reconciled resources. It also
// maintains the webhook path index: at most one ready Source owns a path.
type Registry struct {
	mu        sync.RWMutex
	resources map[Key]*Resource
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{resources: make(map[Key]*Resource)}
}

// Upsert stores a resource, replacing any prior version.
func (r *Registry) Upsert(res *Resource) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resources[res.Key()] = res
}

// Delete removes a resource.
func (r *Registry) Delete(key Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.resources, key)
}

// Get returns a resource by key.
func (r *Registry) Get(key Key) (*Resource, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res, ok := r.resources[key]
	return res, ok
}

// GetByName finds a resource of a kind by namespace and name.
func (r *Registry) GetByName(kind Kind, namespace, name string) (*Resource, bool) {
	return r.Get(Key{Kind: kind, Namespace: namespace, Name: name})
}

// List returns all resources of a kind, sorted by namespace/name.
func (r *Registry) List(kind Kind) []*Resource {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Resource
	for _, res := range r.resources {
		if res.Kind == kind {
			out = append(out, res)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Metadata.Namespace != out[j].Metadata.Namespace {
			return out[i].Metadata.Namespace < out[j].Metadata.Namespace
		}
		return out[i].Metadata.Name < out[j].Metadata.Name
	})
	return out
}

// SourceForPath returns the Source that owns a webhook path. Ownership goes
// to the lexicographically smallest namespace/name among ready sources
// claiming the path, so routing stays deterministic under conflicts.
func (r *Registry) SourceForPath(path string) (*Resource, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var winner *Resource
	for _, res := range r.resources {
		if res.Kind != KindSource || res.Source == nil {
			continue
		}
		if res.Source.Webhook.Path != path || res.Status.Phase != PhaseReady {
			continue
		}
		if winner == nil || lessByName(res, winner) {
			winner = res
		}
	}
	return winner, winner != nil
}

// PathClaimants returns every Source claiming a path, ready or not, sorted
// by namespace/name. The reconciler uses this to mark losers failed.
func (r *Registry) PathClaimants(path string) []*Resource {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Resource
	for _, res := range r.resources {
		if res.Kind == KindSource && res.Source != nil && res.Source.Webhook.Path == path {
			out = append(out, res)
		}
	}
	sort.Slice(out, func(i, j int) bool { return lessByName(out[i], out[j]) })
	return out
}

func lessByName(a, b *Resource) bool {
	if a.Metadata.Namespace != b.Metadata.Namespace {
		return a.Metadata.Namespace < b.Metadata.Namespace
	}
	return a.Metadata.Name < b.Metadata.Name
}
