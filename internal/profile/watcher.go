package profile

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"credwrap/pkg/logging"
)

// DefaultDebounceInterval is how long the watcher waits after the last
// change before reading the state file.
const DefaultDebounceInterval = 100 * time.Millisecond

// StateWatcherConfig configures a StateWatcher.
type StateWatcherConfig struct {
	// Path is the state file to watch.
	Path string

	// Debounce collapses bursts of file events. Zero uses DefaultDebounceInterval.
	Debounce time.Duration

	// OnChange is called with the new state whenever the current profile
	// changes, including when another process switched it.
	OnChange func(State)
}

// StateWatcher reports changes of the current profile made by any process.
// It watches the state file's directory because atomic writes replace the
// file rather than modifying it.
type StateWatcher struct {
	mu sync.Mutex

	config    StateWatcherConfig
	fsWatcher *fsnotify.Watcher
	stopCh    chan struct{}
	running   bool
	last      string

	debounceMu    sync.Mutex
	debounceTimer *time.Timer
}

// NewStateWatcher creates a stopped watcher.
func NewStateWatcher(config StateWatcherConfig) *StateWatcher {
	if config.Debounce <= 0 {
		config.Debounce = DefaultDebounceInterval
	}
	return &StateWatcher{config: config}
}

// Start begins watching. The current state at start time is the baseline;
// OnChange fires only for later changes.
func (w *StateWatcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	dir := filepath.Dir(w.config.Path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}

	w.fsWatcher = watcher
	w.stopCh = make(chan struct{})
	w.running = true
	w.last = w.readCurrent().Current()

	go w.processEvents(watcher.Events, watcher.Errors, w.stopCh)

	logging.Debug("State", "Watching %s for profile switches", w.config.Path)
	return nil
}

func (w *StateWatcher) processEvents(eventsCh <-chan fsnotify.Event, errorsCh <-chan error, stopCh <-chan struct{}) {
	for {
		select {
		case <-stopCh:
			return
		case event, ok := <-eventsCh:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(w.config.Path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.triggerDebounced()
		case err, ok := <-errorsCh:
			if !ok {
				return
			}
			logging.Error("State", err, "fsnotify error")
		}
	}
}

func (w *StateWatcher) triggerDebounced() {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(w.config.Debounce, w.check)
}

func (w *StateWatcher) check() {
	st := w.readCurrent()

	w.mu.Lock()
	if !w.running || st.Current() == w.last {
		w.mu.Unlock()
		return
	}
	w.last = st.Current()
	callback := w.config.OnChange
	w.mu.Unlock()

	if callback != nil {
		callback(st)
	}
}

// readCurrent reads the state file without locking. Writers replace the
// file atomically, so a reader always sees a complete document.
func (w *StateWatcher) readCurrent() State {
	// #nosec G304 -- path comes from configuration
	data, err := os.ReadFile(w.config.Path)
	if err != nil {
		return State{}
	}
	return decodeState(data, w.config.Path)
}

// Stop stops the watcher. It is safe to call more than once.
func (w *StateWatcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return nil
	}
	w.running = false
	close(w.stopCh)

	w.debounceMu.Lock()
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
		w.debounceTimer = nil
	}
	w.debounceMu.Unlock()

	err := w.fsWatcher.Close()
	w.fsWatcher = nil
	return err
}
