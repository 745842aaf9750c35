// Package watcher monitors a dynamic set of directory trees with fsnotify
// and produces a stream of file events.
package watcher

import (
	"context"
	"errors"
	"fmt"
	iofs "io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"vigil-go/internal/fs"
	"vigil-go/internal/vigil"
)

// RootFailure reports that a root can no longer be monitored. The root has
// already been dropped from the registry when the failure is delivered.
type RootFailure struct {
	Root vigil.WatchedRoot
	Err  error
	At   time.Time
}

// Config configures a Watcher.
type Config struct {
	CoalesceWindow time.Duration // duplicate (path, kind) events inside it are collapsed
	Exclusions     *fs.Exclusions
	Buffer         int
	Clock          vigil.Clock
	Logger         vigil.Logger
	Events         vigil.EventSink
}

type eventKey struct {
	path string
	kind vigil.ChangeKind
}

// Watcher is a recursive watcher over the roots in its Registry.
type Watcher struct {
	fsw      *fsnotify.Watcher
	registry *Registry
	window   time.Duration
	exclude  *fs.Exclusions
	clock    vigil.Clock
	logger   vigil.Logger
	sink     vigil.EventSink

	mu     sync.Mutex
	dirs   map[string]struct{}    // directories holding an fsnotify watch
	recent map[eventKey]time.Time // last emission per (path, kind)

	events   chan vigil.FileEvent
	failures chan RootFailure
}

// New creates a Watcher. Call Run to start producing events.
func New(cfg Config) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	w := &Watcher{
		fsw:      fsw,
		registry: NewRegistry(),
		window:   cfg.CoalesceWindow,
		exclude:  cfg.Exclusions,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
		sink:     cfg.Events,
		dirs:     make(map[string]struct{}),
		recent:   make(map[eventKey]time.Time),
		failures: make(chan RootFailure, 16),
	}
	buf := cfg.Buffer
	if buf <= 0 {
		buf = 1024
	}
	w.events = make(chan vigil.FileEvent, buf)
	if w.exclude == nil {
		w.exclude = fs.NewExclusions(nil, nil)
	}
	if w.clock == nil {
		w.clock = vigil.RealClock{}
	}
	if w.logger == nil {
		w.logger = vigil.NewNopLogger()
	}
	if w.sink == nil {
		w.sink = vigil.NopSink{}
	}
	return w, nil
}

// Registry returns the root registry.
func (w *Watcher) Registry() *Registry { return w.registry }

// Watching reports whether path is registered as a root itself.
func (w *Watcher) Watching(path string) bool {
	_, ok := w.registry.Get(path)
	return ok
}

// Roots returns the current roots.
func (w *Watcher) Roots() []vigil.WatchedRoot { return w.registry.Roots() }

// Events returns the event stream. It is closed when Run returns and is
// never reopened.
func (w *Watcher) Events() <-chan vigil.FileEvent { return w.events }

// Failures returns root failures. It is closed when Run returns. Callers
// must keep draining it while Run is active.
func (w *Watcher) Failures() <-chan RootFailure { return w.failures }

// Watch starts monitoring root and everything beneath it. Watching an
// existing root updates its priority and expiry.
func (w *Watcher) Watch(root string, priority vigil.Priority, expiry time.Time) error {
	abs, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("resolving %s: %w", root, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return fmt.Errorf("watching %s: %w", abs, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("watching %s: not a directory", abs)
	}

	wr := vigil.WatchedRoot{Path: abs, Priority: priority, Expiry: expiry, Dynamic: !expiry.IsZero()}
	isNew := w.registry.Put(wr)
	if err := w.addRecursive(abs); err != nil {
		if isNew {
			w.registry.Remove(abs)
		}
		return err
	}
	if isNew {
		w.logger.Info("watching root", "root", abs, "priority", priority.String(), "dynamic", wr.Dynamic)
	}
	return nil
}

// Unwatch stops monitoring root. Events already emitted are unaffected.
func (w *Watcher) Unwatch(root string) error {
	abs, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("resolving %s: %w", root, err)
	}
	if _, ok := w.registry.Remove(abs); !ok {
		return fmt.Errorf("unwatch %s: %w", abs, vigil.ErrNotFound)
	}
	w.dropDirs(abs)
	w.logger.Info("unwatched root", "root", abs)
	return nil
}

// Run delivers events until ctx ends, then closes the watcher and both
// output channels.
func (w *Watcher) Run(ctx context.Context) error {
	defer close(w.failures)
	defer close(w.events)
	defer w.fsw.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				w.logger.Warn("watch event queue overflowed; some changes were not observed")
			} else {
				w.logger.Error("watch error", "error", err)
			}
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if !w.handle(ctx, ev) {
				return nil
			}
		}
	}
}

// handle processes one fsnotify event. It returns false when ctx ended
// while delivering.
func (w *Watcher) handle(ctx context.Context, ev fsnotify.Event) bool {
	path := filepath.Clean(ev.Name)
	kind := changeKind(ev.Op)
	if kind == "" {
		return true
	}

	if kind == vigil.ChangeRemove || kind == vigil.ChangeRename {
		if root, ok := w.registry.Get(path); ok {
			w.registry.Remove(path)
			w.dropDirs(path)
			return w.sendFailure(ctx, RootFailure{
				Root: root,
				Err:  fmt.Errorf("root %s was %sd", path, kind),
				At:   w.clock.Now(),
			})
		}
		if w.isWatchedDir(path) {
			w.dropDirs(path)
		}
	}

	root, ok := w.registry.Lookup(path)
	if !ok {
		return true
	}

	if kind == vigil.ChangeCreate {
		if info, err := os.Lstat(path); err == nil && info.IsDir() {
			return w.adoptDir(ctx, root, path)
		}
	}
	return w.emit(ctx, root, path, kind)
}

// adoptDir watches a directory created under a root and emits create events
// for files that landed in it before the watch was in place.
func (w *Watcher) adoptDir(ctx context.Context, root vigil.WatchedRoot, dir string) bool {
	if reason, ok := w.exclude.Match(dir); ok && reason != fs.ReasonTemp {
		return true
	}
	if err := w.addRecursive(dir); err != nil {
		w.logger.Warn("cannot watch new directory", "dir", dir, "error", err)
	}
	var files []string
	filepath.WalkDir(dir, func(p string, d iofs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if reason, ok := w.exclude.Match(p); ok && reason != fs.ReasonTemp {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() {
			files = append(files, p)
		}
		return nil
	})
	for _, f := range files {
		if !w.emit(ctx, root, f, vigil.ChangeCreate) {
			return false
		}
	}
	return true
}

func (w *Watcher) emit(ctx context.Context, root vigil.WatchedRoot, path string, kind vigil.ChangeKind) bool {
	if _, excluded := w.exclude.Match(path); excluded {
		return true
	}
	now := w.clock.Now()
	if w.coalesced(eventKey{path, kind}, now) {
		return true
	}
	ev := vigil.FileEvent{Path: path, Kind: kind, ObservedAt: now, Root: root.Path, Priority: root.Priority}
	select {
	case w.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// coalesced reports whether an identical event was emitted within the
// window and records this one otherwise. A path seen for the first time is
// never coalesced.
func (w *Watcher) coalesced(key eventKey, now time.Time) bool {
	if w.window <= 0 {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if last, ok := w.recent[key]; ok && now.Sub(last) < w.window {
		return true
	}
	w.recent[key] = now
	if len(w.recent) > 4096 {
		for k, t := range w.recent {
			if now.Sub(t) >= w.window {
				delete(w.recent, k)
			}
		}
	}
	return false
}

func (w *Watcher) sendFailure(ctx context.Context, f RootFailure) bool {
	w.logger.Error("watched root failed", "root", f.Root.Path, "error", f.Err)
	w.sink.Publish(vigil.Event{
		Kind:    vigil.EventRootFailed,
		Time:    f.At,
		Path:    f.Root.Path,
		Message: f.Err.Error(),
	})
	select {
	case w.failures <- f:
		return true
	case <-ctx.Done():
		return false
	}
}

// addRecursive places a watch on dir and every directory below it. Failing
// on dir itself is an error; failures below it are logged and skipped.
func (w *Watcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(p string, d iofs.DirEntry, err error) error {
		if err != nil {
			if p == dir {
				return fmt.Errorf("watching %s: %w", p, err)
			}
			w.logger.Warn("skipping unreadable directory", "dir", p, "error", err)
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if reason, ok := w.exclude.Match(p); ok && reason != fs.ReasonTemp {
			return filepath.SkipDir
		}

		w.mu.Lock()
		defer w.mu.Unlock()
		if _, ok := w.dirs[p]; ok {
			return nil
		}
		if err := w.fsw.Add(p); err != nil {
			if p == dir {
				return fmt.Errorf("watching %s: %w", p, err)
			}
			w.logger.Warn("cannot watch directory", "dir", p, "error", err)
			return filepath.SkipDir
		}
		w.dirs[p] = struct{}{}
		return nil
	})
}

func (w *Watcher) isWatchedDir(path string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.dirs[path]
	return ok
}

// dropDirs removes the watches under path that no remaining root covers.
func (w *Watcher) dropDirs(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for d := range w.dirs {
		if !vigil.Within(path, d) {
			continue
		}
		if _, covered := w.registry.Lookup(d); covered {
			continue
		}
		// The kernel drops watches on deleted directories by itself.
		_ = w.fsw.Remove(d)
		delete(w.dirs, d)
	}
}

func changeKind(op fsnotify.Op) vigil.ChangeKind {
	switch {
	case op.Has(fsnotify.Create):
		return vigil.ChangeCreate
	case op.Has(fsnotify.Write):
		return vigil.ChangeWrite
	case op.Has(fsnotify.Remove):
		return vigil.ChangeRemove
	case op.Has(fsnotify.Rename):
		return vigil.ChangeRename
	case op.Has(fsnotify.Chmod):
		return vigil.ChangeChmod
	}
	return ""
}
