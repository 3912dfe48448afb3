package resource

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceDelay coalesces rapid editor write bursts into one reload.
const debounceDelay = 200 * time.Millisecond

// Watcher loads resource manifests from a directory and emits events as
// files change. Each .yaml/.yml file may hold multiple documents.
type Watcher struct {
	dir    string
	events chan Event
	logger *slog.Logger

	mu    sync.Mutex
	known map[string]map[Key]*Resource // file path -> resources from it
}

// NewWatcher creates a watcher over dir. Events are delivered on Events().
func NewWatcher(dir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		dir:    dir,
		events: make(chan Event, 64),
		logger: logger,
		known:  make(map[string]map[Key]*Resource),
	}
}

// Events returns the resource event channel. Closed when Run returns.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Run performs an initial directory load and then watches for changes until
// ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer close(w.events)

	if err := w.loadDir(ctx); err != nil {
		return err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	if err := fsw.Add(w.dir); err != nil {
		return err
	}

	pending := make(map[string]struct{})
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if !isManifestFile(ev.Name) {
				continue
			}
			pending[ev.Name] = struct{}{}
			if timer == nil {
				timer = time.NewTimer(debounceDelay)
			} else {
				timer.Reset(debounceDelay)
			}
			timerC = timer.C

		case <-timerC:
			timerC = nil
			for path := range pending {
				w.reloadFile(ctx, path)
			}
			pending = make(map[string]struct{})

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("Resource watcher error", "error", err)
		}
	}
}

func (w *Watcher) loadDir(ctx context.Context) error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || !isManifestFile(entry.Name()) {
			continue
		}
		w.reloadFile(ctx, filepath.Join(w.dir, entry.Name()))
	}
	return nil
}

// reloadFile reparses one manifest file and emits the diff against what the
// file previously declared. A removed or unreadable file deletes its
// resources; a parse error keeps the previous state.
func (w *Watcher) reloadFile(ctx context.Context, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			w.emitRemoval(ctx, path)
			return
		}
		w.logger.Warn("Read manifest failed", "path", path, "error", err)
		return
	}

	resources, err := ParseManifests(data)
	if err != nil {
		w.logger.Warn("Parse manifest failed, keeping previous state", "path", path, "error", err)
		return
	}

	current := make(map[Key]*Resource, len(resources))
	for _, res := range resources {
		current[res.Key()] = res
	}

	w.mu.Lock()
	previous := w.known[path]
	w.known[path] = current
	w.mu.Unlock()

	for key, res := range current {
		evType := EventCreate
		if _, existed := previous[key]; existed {
			evType = EventUpdate
		}
		w.emit(ctx, Event{Type: evType, Resource: res})
	}
	for key, res := range previous {
		if _, still := current[key]; !still {
			w.emit(ctx, Event{Type: EventDelete, Resource: res})
		}
	}
}

func (w *Watcher) emitRemoval(ctx context.Context, path string) {
	w.mu.Lock()
	previous := w.known[path]
	delete(w.known, path)
	w.mu.Unlock()

	for _, res := range previous {
		w.emit(ctx, Event{Type: EventDelete, Resource: res})
	}
}

func (w *Watcher) emit(ctx context.Context, ev Event) {
	select {
	case w.events <- ev:
	case <-ctx.Done():
	}
}

func isManifestFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}
