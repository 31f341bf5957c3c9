// Package watch turns a drop directory into ingest batches. fsnotify
// events are filtered through glob patterns, debounced so editor write
// bursts coalesce, and checked for a stable size before a path is
// handed to the scheduler.
package watch

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
)

// DefaultInclude covers the supported document extensions.
var DefaultInclude = []string{"**/*.csv", "**/*.pdf", "**/*.xlsx", "**/*.xls"}

// DefaultIgnore drops editor droppings and partial downloads.
var DefaultIgnore = []string{"**/.*", "*.tmp", "*.partial", "~$*"}

type Options struct {
	Dir      string
	Include  []string
	Ignore   []string
	Debounce time.Duration
	Logger   *zerolog.Logger
}

type pendingFile struct {
	lastEvent time.Time
	lastSize  int64
}

// Watcher watches one directory and emits batches of settled paths.
type Watcher struct {
	dir      string
	include  []string
	ignore   []string
	debounce time.Duration
	log      zerolog.Logger

	watcher *fsnotify.Watcher
	batches chan []string
	errs    chan error
	done    chan struct{}
	wg      sync.WaitGroup

	mu      sync.Mutex
	running bool
	pending map[string]pendingFile
}

func New(opts Options) (*Watcher, error) {
	dir := strings.TrimSpace(opts.Dir)
	if dir == "" {
		return nil, errors.New("watch directory is required")
	}
	include := opts.Include
	if len(include) == 0 {
		include = DefaultInclude
	}
	ignore := opts.Ignore
	if len(ignore) == 0 {
		ignore = DefaultIgnore
	}
	for _, pattern := range append(append([]string{}, include...), ignore...) {
		if !doublestar.ValidatePattern(pattern) {
			return nil, errors.Errorf("invalid glob pattern: %s", pattern)
		}
	}
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	log := zerolog.Nop()
	if opts.Logger != nil {
		log = *opts.Logger
	}
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Errorf("create fsnotify watcher: %w", err)
	}
	return &Watcher{
		dir:      filepath.Clean(dir),
		include:  include,
		ignore:   ignore,
		debounce: debounce,
		log:      log,
		watcher:  fsWatcher,
		batches:  make(chan []string, 16),
		errs:     make(chan error, 10),
		done:     make(chan struct{}),
		pending:  map[string]pendingFile{},
	}, nil
}

func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return errors.New("watcher already running")
	}
	if err := w.watcher.Add(w.dir); err != nil {
		return errors.Errorf("watch %s: %w", w.dir, err)
	}
	w.running = true
	w.wg.Add(1)
	go w.loop()
	return nil
}

// Stop closes the underlying watcher and blocks until the event loop
// has drained. Batches and Errors channels are closed on return.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	close(w.done)
	err := w.watcher.Close()
	w.wg.Wait()
	close(w.batches)
	close(w.errs)
	if err != nil {
		return errors.Errorf("close watcher: %w", err)
	}
	return nil
}

// Batches emits settled path batches. Closed when the watcher stops.
func (w *Watcher) Batches() <-chan []string {
	return w.batches
}

func (w *Watcher) Errors() <-chan error {
	return w.errs
}

func (w *Watcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	flushEvery := w.debounce / 4
	if flushEvery < 10*time.Millisecond {
		flushEvery = 10 * time.Millisecond
	}
	ticker := time.NewTicker(flushEvery)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.observe(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			select {
			case w.errs <- err:
			case <-w.done:
				return
			}

		case <-ticker.C:
			batch := w.collectSettled(time.Now())
			if len(batch) == 0 {
				continue
			}
			select {
			case w.batches <- batch:
			case <-w.done:
				return
			}
		}
	}
}

func (w *Watcher) observe(event fsnotify.Event) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
		return
	}
	path := event.Name
	if !w.accepts(path) {
		return
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return
	}
	w.mu.Lock()
	w.pending[path] = pendingFile{lastEvent: time.Now(), lastSize: info.Size()}
	w.mu.Unlock()
}

// collectSettled returns paths whose debounce window elapsed and whose
// size held still since the last event. A file still growing gets its
// window refreshed rather than dropped.
func (w *Watcher) collectSettled(now time.Time) []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	var batch []string
	for path, state := range w.pending {
		if now.Sub(state.lastEvent) < w.debounce {
			continue
		}
		info, err := os.Stat(path)
		if err != nil {
			delete(w.pending, path)
			continue
		}
		if info.Size() != state.lastSize {
			w.pending[path] = pendingFile{lastEvent: now, lastSize: info.Size()}
			continue
		}
		batch = append(batch, path)
		delete(w.pending, path)
	}
	sort.Strings(batch)
	return batch
}

// accepts runs the ignore patterns first, then the include patterns,
// matching both the bare filename and the path relative to the watch
// root. Matching is case-insensitive on the filename.
func (w *Watcher) accepts(path string) bool {
	name := strings.ToLower(filepath.Base(path))
	rel, err := filepath.Rel(w.dir, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		rel = name
	}
	rel = strings.ToLower(filepath.ToSlash(rel))

	for _, pattern := range w.ignore {
		if matched, _ := doublestar.Match(pattern, name); matched {
			return false
		}
		if matched, _ := doublestar.Match(pattern, rel); matched {
			return false
		}
	}
	for _, pattern := range w.include {
		if matched, _ := doublestar.Match(pattern, name); matched {
			return true
		}
		if matched, _ := doublestar.Match(pattern, rel); matched {
			return true
		}
	}
	return false
}
