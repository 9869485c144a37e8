// Package watcher reports debounced document changes under the watch root.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/dshills/knowledge-engine/internal/walker"
	"github.com/dshills/knowledge-engine/pkg/types"
)

// Kind classifies a change.
type Kind string

const (
	KindCreate Kind = "create"
	KindModify Kind = "modify"
	KindDelete Kind = "delete"
	// KindRescan asks the consumer to reconcile the whole root, after the
	// watcher recovered from an outage or dropped events.
	KindRescan Kind = "rescan"
)

// Change is one debounced notification.
type Change struct {
	Path      string
	Key       string
	Kind      Kind
	Timestamp time.Time
}

// Defaults for Options.
const (
	DefaultDebounce       = 2 * time.Second
	DefaultRetryBase      = 500 * time.Millisecond
	DefaultRetryMax       = 30 * time.Second
	DefaultHealthInterval = 5 * time.Second
	DefaultBuffer         = 256
)

// ErrAlreadyStarted is returned by a second Start.
var ErrAlreadyStarted = errors.New("watcher already started")

// Options configures a Watcher.
type Options struct {
	Filter         walker.Filter
	Debounce       time.Duration
	RetryBase      time.Duration
	RetryMax       time.Duration
	HealthInterval time.Duration
	Buffer         int
	Logger         *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Debounce <= 0 {
		o.Debounce = DefaultDebounce
	}
	if o.RetryBase <= 0 {
		o.RetryBase = DefaultRetryBase
	}
	if o.RetryMax < o.RetryBase {
		o.RetryMax = DefaultRetryMax
		if o.RetryMax < o.RetryBase {
			o.RetryMax = o.RetryBase
		}
	}
	if o.HealthInterval <= 0 {
		o.HealthInterval = DefaultHealthInterval
	}
	if o.Buffer <= 0 {
		o.Buffer = DefaultBuffer
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Watcher observes a directory tree. It never touches indexed data; when the
// root becomes unreachable it reports ErrUnavailable, keeps retrying, and
// emits a rescan once it is back.
type Watcher struct {
	root   string
	opts   Options
	logger *slog.Logger

	events    chan Change
	errs      chan error
	available atomic.Bool

	mu       sync.Mutex
	fsw      *fsnotify.Watcher
	timers   map[string]*time.Timer
	seen     map[string]struct{}
	started  bool
	stopped  bool
	flushing sync.WaitGroup

	cancel context.CancelFunc
	quit   chan struct{}
	done   chan struct{}
}

// New creates a watcher for root. The root is not touched until Start.
func New(root string, opts Options) (*Watcher, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("watcher: resolve root: %w", err)
	}
	opts = opts.withDefaults()
	return &Watcher{
		root:   abs,
		opts:   opts,
		logger: opts.Logger.With("component", "watcher"),
		events: make(chan Change, opts.Buffer),
		errs:   make(chan error, 16),
		timers: make(map[string]*time.Timer),
		seen:   make(map[string]struct{}),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}, nil
}

// Events delivers debounced changes. Closed after Stop.
func (w *Watcher) Events() <-chan Change { return w.events }

// Errors delivers ErrUnavailable-wrapped failures. Closed after Stop.
func (w *Watcher) Errors() <-chan error { return w.errs }

// Available reports whether the root is currently being watched.
func (w *Watcher) Available() bool { return w.available.Load() }

// Root returns the absolute watch root.
func (w *Watcher) Root() string { return w.root }

// Start begins watching in the background. A missing root is reported on
// Errors and retried rather than failing Start.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return ErrAlreadyStarted
	}
	w.started = true

	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	go w.run(ctx)
	return nil
}

// Stop ends watching, drops pending debounced changes and closes the
// channels.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	close(w.quit)
	started := w.started
	for key, t := range w.timers {
		t.Stop()
		delete(w.timers, key)
	}
	w.mu.Unlock()

	if started {
		w.cancel()
		<-w.done
	}
	w.flushing.Wait()
	w.available.Store(false)
	close(w.events)
	close(w.errs)
	return nil
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	defer w.detach()

	delay := w.opts.RetryBase
	recovering := false
	for {
		if err := w.attach(); err != nil {
			w.fail(err)
			recovering = true
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			delay *= 2
			if delay > w.opts.RetryMax {
				delay = w.opts.RetryMax
			}
			continue
		}

		delay = w.opts.RetryBase
		w.available.Store(true)
		if recovering {
			w.logger.Info("watch root available again", "root", w.root)
			w.emit(Change{Path: w.root, Kind: KindRescan, Timestamp: time.Now()})
			recovering = false
		}

		err := w.loop(ctx)
		if err == nil {
			return
		}
		w.detach()
		w.fail(err)
		recovering = true
	}
}

// attach verifies the root and registers every non-excluded directory.
func (w *Watcher) attach() error {
	info, err := os.Stat(w.root)
	if err != nil {
		return fmt.Errorf("%w: watch root: %v", types.ErrUnavailable, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: watch root %s is not a directory", types.ErrUnavailable, w.root)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("%w: create watcher: %v", types.ErrUnavailable, err)
	}
	w.mu.Lock()
	w.fsw = fsw
	w.mu.Unlock()

	files, err := w.addTree(w.root)
	if err != nil {
		w.detach()
		return fmt.Errorf("%w: watch %s: %v", types.ErrUnavailable, w.root, err)
	}

	w.mu.Lock()
	w.seen = make(map[string]struct{}, len(files))
	for _, key := range files {
		w.seen[key] = struct{}{}
	}
	w.mu.Unlock()
	return nil
}

func (w *Watcher) detach() {
	w.mu.Lock()
	fsw := w.fsw
	w.fsw = nil
	w.mu.Unlock()
	w.available.Store(false)
	if fsw != nil {
		_ = fsw.Close()
	}
}

func (w *Watcher) fail(err error) {
	w.available.Store(false)
	w.logger.Warn("watcher unavailable", "root", w.root, "error", err)
	select {
	case w.errs <- err:
	default:
	}
}

// addTree watches dir and its accepted subdirectories, returning the keys
// of the accepted files found.
func (w *Watcher) addTree(dir string) ([]string, error) {
	w.mu.Lock()
	fsw := w.fsw
	w.mu.Unlock()
	if fsw == nil {
		return nil, errors.New("watcher detached")
	}

	var files []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if p == dir {
				return walkErr
			}
			return nil
		}
		key, err := walker.Key(w.root, p)
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if w.opts.Filter.SkipDir(key) {
				return filepath.SkipDir
			}
			if err := fsw.Add(p); err != nil {
				if p == dir {
					return err
				}
				w.logger.Warn("cannot watch directory", "path", p, "error", err)
			}
			return nil
		}
		if d.Type().IsRegular() && w.opts.Filter.Match(key) {
			files = append(files, key)
		}
		return nil
	})
	return files, err
}

// loop processes fsnotify events until ctx ends (nil) or the root is lost.
func (w *Watcher) loop(ctx context.Context) error {
	w.mu.Lock()
	fsw := w.fsw
	w.mu.Unlock()

	health := time.NewTicker(w.opts.HealthInterval)
	defer health.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fsw.Events:
			if !ok {
				return fmt.Errorf("%w: event stream closed", types.ErrUnavailable)
			}
			if err := w.handle(ev); err != nil {
				return err
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return fmt.Errorf("%w: error stream closed", types.ErrUnavailable)
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				w.logger.Warn("watcher dropped events", "root", w.root)
				w.emit(Change{Path: w.root, Kind: KindRescan, Timestamp: time.Now()})
				continue
			}
			return fmt.Errorf("%w: %v", types.ErrUnavailable, err)
		case <-health.C:
			if _, err := os.Stat(w.root); err != nil {
				return fmt.Errorf("%w: watch root: %v", types.ErrUnavailable, err)
			}
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) error {
	if ev.Name == w.root {
		if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
			return fmt.Errorf("%w: watch root %s removed", types.ErrUnavailable, w.root)
		}
		return nil
	}

	key, err := walker.Key(w.root, ev.Name)
	if err != nil {
		return nil
	}

	if ev.Has(fsnotify.Create) {
		if info, err := os.Lstat(ev.Name); err == nil && info.IsDir() {
			if w.opts.Filter.SkipDir(key) {
				return nil
			}
			files, err := w.addTree(ev.Name)
			if err != nil {
				w.logger.Warn("cannot watch new directory", "path", ev.Name, "error", err)
			}
			for _, f := range files {
				w.schedule(f)
			}
			return nil
		}
	}

	if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
		// A directory leaving the tree takes its files with it.
		w.scheduleSubtree(key)
	}

	if ev.Op == fsnotify.Chmod || !w.opts.Filter.Match(key) {
		return nil
	}
	w.schedule(key)
	return nil
}

func (w *Watcher) scheduleSubtree(dirKey string) {
	prefix := dirKey + "/"
	w.mu.Lock()
	var keys []string
	for key := range w.seen {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	w.mu.Unlock()
	for _, key := range keys {
		w.schedule(key)
	}
}

// schedule (re)starts the debounce timer for key.
func (w *Watcher) schedule(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	if t, ok := w.timers[key]; ok {
		t.Reset(w.opts.Debounce)
		return
	}
	w.timers[key] = time.AfterFunc(w.opts.Debounce, func() { w.flush(key) })
}

// flush emits the change for key based on what is on disk now.
func (w *Watcher) flush(key string) {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	delete(w.timers, key)
	w.flushing.Add(1)
	defer w.flushing.Done()

	path := walker.Path(w.root, key)
	_, known := w.seen[key]
	var kind Kind
	info, err := os.Stat(path)
	switch {
	case err == nil && info.Mode().IsRegular():
		kind = KindModify
		if !known {
			kind = KindCreate
			w.seen[key] = struct{}{}
		}
	case err == nil:
		// Became a directory or something else; nothing to index.
		w.mu.Unlock()
		return
	case known:
		kind = KindDelete
		delete(w.seen, key)
	default:
		// Created and removed within one window.
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	w.emit(Change{Path: path, Key: key, Kind: kind, Timestamp: time.Now()})
}

// emit delivers c, giving up once the watcher is stopping.
func (w *Watcher) emit(c Change) {
	w.logger.Debug("change", "key", c.Key, "kind", c.Kind)
	select {
	case w.events <- c:
	case <-w.quit:
	}
}
