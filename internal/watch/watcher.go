// Package watch reports frame documents that appear in watched directories.
package watch

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"reticulum/internal/fsutil"
)

// DefaultSettle is how long a file must stay unchanged before it is reported.
const DefaultSettle = 2 * time.Second

// Event is a frame document that is ready for processing.
type Event struct {
	Path      string    `json:"path"`
	Operation string    `json:"operation"` // "created", "modified"
	Time      time.Time `json:"time"`
}

// Watcher monitors directories for new or rewritten frame documents. A file
// is reported once writes to it have been quiet for the settle interval.
type Watcher struct {
	watcher *fsnotify.Watcher
	dirs    []string
	settle  time.Duration
	log     *slog.Logger
	events  chan Event
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once

	mu      sync.Mutex
	pending map[string]pendingFile
}

type pendingFile struct {
	op   string
	last time.Time
}

// New creates a watcher over dirs and their subdirectories. A non-positive
// settle selects DefaultSettle.
func New(dirs []string, settle time.Duration, log *slog.Logger) (*Watcher, error) {
	if len(dirs) == 0 {
		return nil, errors.New("no directories to watch")
	}
	if settle <= 0 {
		settle = DefaultSettle
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		watcher: fw,
		dirs:    dirs,
		settle:  settle,
		log:     log,
		events:  make(chan Event, 100),
		done:    make(chan struct{}),
		pending: make(map[string]pendingFile),
	}, nil
}

// Events delivers ready frame documents. It is closed by Stop.
func (w *Watcher) Events() <-chan Event { return w.events }

// Start begins monitoring the configured directories.
func (w *Watcher) Start() error {
	for _, dir := range w.dirs {
		if err := w.addTree(dir); err != nil {
			return err
		}
	}
	w.wg.Add(1)
	go w.processEvents()
	return nil
}

// Stop stops the watcher and closes the event channel.
func (w *Watcher) Stop() error {
	var err error
	w.once.Do(func() {
		close(w.done)
		err = w.watcher.Close()
		w.wg.Wait()
		close(w.events)
	})
	return err
}

func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(path); err != nil {
			return err
		}
		w.log.Info("watching directory", "dir", path)
		return nil
	})
}

func (w *Watcher) processEvents() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.settle / 4)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Error("filesystem watcher error", "error", err)

		case now := <-ticker.C:
			w.flush(now)

		case <-w.done:
			return
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	var op string
	switch {
	case event.Op&fsnotify.Create == fsnotify.Create:
		op = "created"
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.addTree(event.Name); err != nil {
				w.log.Warn("failed to watch new directory", "dir", event.Name, "error", err)
			}
			return
		}
	case event.Op&fsnotify.Write == fsnotify.Write:
		op = "modified"
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		w.mu.Lock()
		delete(w.pending, event.Name)
		w.mu.Unlock()
		return
	default:
		return
	}

	if !fsutil.IsFrameDocument(event.Name) {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	p, seen := w.pending[event.Name]
	if !seen {
		p.op = op
	}
	p.last = time.Now()
	w.pending[event.Name] = p
}

// flush emits files whose last write is older than the settle interval.
func (w *Watcher) flush(now time.Time) {
	w.mu.Lock()
	var ready []string
	for path, p := range w.pending {
		if now.Sub(p.last) >= w.settle {
			ready = append(ready, path)
		}
	}
	sort.Strings(ready)
	out := make([]Event, 0, len(ready))
	for _, path := range ready {
		out = append(out, Event{Path: path, Operation: w.pending[path].op, Time: now})
		delete(w.pending, path)
	}
	w.mu.Unlock()

	for _, ev := range out {
		select {
		case w.events <- ev:
		default:
			w.log.Warn("event buffer full, dropping event", "path", ev.Path)
		}
	}
}
