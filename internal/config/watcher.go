package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"onemcp/pkg/logging"
)

// DefaultDebounceInterval groups rapid successive file events (editors
// write-then-rename, some write in chunks) into a single reload.
const DefaultDebounceInterval = 300 * time.Millisecond

// MinDebounceInterval is the floor for the debounce window.
const MinDebounceInterval = 100 * time.Millisecond

// ReloadEvent is published after the config file changed and was reloaded.
type ReloadEvent struct {
	// Snapshot is the newly loaded config; empty on load failure.
	Snapshot *Snapshot

	// Diff describes the change relative to the previous snapshot.
	Diff *Diff

	Timestamp time.Time
}

// Watcher watches the config file and emits a ReloadEvent per effective
// change. The watch is installed on the parent directory because editors
// typically replace the file via rename, which drops a watch installed on
// the file itself.
type Watcher struct {
	mu sync.Mutex

	path     string
	debounce time.Duration

	watcher *fsnotify.Watcher
	current *Snapshot

	pending *time.Timer
	stopCh  chan struct{}
	running bool
}

// NewWatcher creates a watcher for the config file at path. The initial
// snapshot is the baseline for the first diff.
func NewWatcher(path string, initial *Snapshot, debounce time.Duration) *Watcher {
	if debounce < MinDebounceInterval {
		debounce = DefaultDebounceInterval
	}
	if initial == nil {
		initial = EmptySnapshot()
	}
	return &Watcher{
		path:     path,
		debounce: debounce,
		current:  initial,
		stopCh:   make(chan struct{}),
	}
}

// Start begins watching. Events are delivered on the provided channel
// until ctx is cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context, events chan<- ReloadEvent) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.mu.Unlock()
		return err
	}
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		watcher.Close()
		w.mu.Unlock()
		return err
	}

	w.watcher = watcher
	w.running = true
	w.stopCh = make(chan struct{})
	w.mu.Unlock()

	go w.processEvents(ctx, events)

	logging.Info("Config", "Watching %s for changes", w.path)
	return nil
}

func (w *Watcher) processEvents(ctx context.Context, events chan<- ReloadEvent) {
	for {
		select {
		case <-ctx.Done():
			w.cancelPending()
			return

		case <-w.stopCh:
			w.cancelPending()
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleFsEvent(event, events)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Error("Config", err, "Filesystem watcher error")
		}
	}
}

func (w *Watcher) handleFsEvent(event fsnotify.Event, events chan<- ReloadEvent) {
	if filepath.Clean(event.Name) != filepath.Clean(w.path) {
		return
	}
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	// Collapse bursts: restart the timer on every event.
	if w.pending != nil {
		w.pending.Stop()
	}
	w.pending = time.AfterFunc(w.debounce, func() {
		w.reload(events)
	})
}

// reload loads the file, computes the diff against the current snapshot
// and publishes a ReloadEvent when something actually changed.
func (w *Watcher) reload(events chan<- ReloadEvent) {
	snapshot, err := Load(w.path)
	if err != nil {
		logging.Error("Config", err, "Reload failed, applying empty config")
	}

	w.mu.Lock()
	diff := ComputeDiff(w.current, snapshot)
	w.current = snapshot
	w.mu.Unlock()

	if diff.IsEmpty() {
		logging.Debug("Config", "Reload produced no effective change")
		return
	}

	logging.Info("Config", "Config changed: %d added, %d removed, %d changed",
		len(diff.Added), len(diff.Removed), len(diff.Changed))

	select {
	case events <- ReloadEvent{Snapshot: snapshot, Diff: diff, Timestamp: time.Now()}:
	default:
		logging.Warn("Config", "Reload event channel full, dropping event")
	}
}

// Current returns the most recently loaded snapshot.
func (w *Watcher) Current() *Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

func (w *Watcher) cancelPending() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pending != nil {
		w.pending.Stop()
		w.pending = nil
	}
}

// Stop gracefully stops the watcher.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return
	}
	w.running = false
	close(w.stopCh)

	if w.watcher != nil {
		if err := w.watcher.Close(); err != nil {
			logging.Error("Config", err, "Error closing filesystem watcher")
		}
		w.watcher = nil
	}
}
