// Package watcher turns filesystem notifications for workspace directories
// into typed file events. Sessions watching the same workspace share one
// fsnotify watch; each session receives every event on its own queue.
package watcher

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/fruitsalade/workspace-sync/internal/events"
	"github.com/fruitsalade/workspace-sync/internal/logging"
	"github.com/fruitsalade/workspace-sync/internal/metrics"
	"github.com/fruitsalade/workspace-sync/internal/workspace"
)

// ErrWatcher is returned when a filesystem watch cannot be established.
var ErrWatcher = errors.New("watcher")

// Kind classifies a file event.
type Kind string

const (
	KindChanged Kind = "changed"
	KindRemoved Kind = "removed"
)

// Event is a change to one file in a workspace.
type Event struct {
	Kind Kind
	File workspace.UploadedFile
}

// Hub owns the live filesystem watches.
type Hub struct {
	store *workspace.Store

	mu     sync.Mutex
	dirs   map[string]*dirWatch
	closed bool
}

type dirWatch struct {
	id   string
	dir  string
	fsw  *fsnotify.Watcher
	log  *zap.Logger
	subs map[*Subscription]struct{}
}

// Subscription is one consumer of a workspace's events.
type Subscription struct {
	hub   *Hub
	dw    *dirWatch
	queue *events.Queue[Event]
	once  sync.Once
}

// NewHub creates a hub resolving workspace directories through store.
func NewHub(store *workspace.Store) *Hub {
	return &Hub{
		store: store,
		dirs:  make(map[string]*dirWatch),
	}
}

// Subscribe starts receiving events for workspace id. The workspace
// directory must exist. The caller must Close the subscription.
//
// An existing shared watch is re-armed on the current directory, so a
// workspace that was deleted and recreated while other sessions still held
// the watch delivers events again to every session.
func (h *Hub) Subscribe(id string) (*Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, fmt.Errorf("%w: hub closed", ErrWatcher)
	}

	dw, ok := h.dirs[id]
	if ok {
		if err := dw.fsw.Add(dw.dir); err != nil {
			return nil, fmt.Errorf("%w: watch %s: %v", ErrWatcher, id, err)
		}
	} else {
		dir := h.store.Dir(id)
		fsw, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("%w: create watcher: %v", ErrWatcher, err)
		}
		if err := fsw.Add(dir); err != nil {
			fsw.Close()
			return nil, fmt.Errorf("%w: watch %s: %v", ErrWatcher, id, err)
		}
		dw = &dirWatch{
			id:   id,
			dir:  dir,
			fsw:  fsw,
			log:  logging.ForWorkspace(id),
			subs: make(map[*Subscription]struct{}),
		}
		h.dirs[id] = dw
		go h.run(dw)
		dw.log.Debug("watch started")
	}

	sub := &Subscription{
		hub:   h,
		dw:    dw,
		queue: events.NewQueue[Event](),
	}
	dw.subs[sub] = struct{}{}
	metrics.SetWatchesActive(len(h.dirs))
	return sub, nil
}

// Refresh re-arms the shared watch for id, if one exists, on the current
// workspace directory. Callers that recreate a workspace directory call it
// before writing into it so open sessions see the new files.
func (h *Hub) Refresh(id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	dw, ok := h.dirs[id]
	if !ok {
		return nil
	}
	if err := dw.fsw.Add(dw.dir); err != nil {
		return fmt.Errorf("%w: watch %s: %v", ErrWatcher, id, err)
	}
	return nil
}

// Active returns the number of live filesystem watches.
func (h *Hub) Active() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.dirs)
}

// Close stops every watch and ends every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	dirs := h.dirs
	h.dirs = make(map[string]*dirWatch)
	h.mu.Unlock()

	for _, dw := range dirs {
		for sub := range dw.subs {
			sub.queue.Close()
		}
		dw.fsw.Close()
	}
	metrics.SetWatchesActive(0)
}

func (h *Hub) unsubscribe(sub *Subscription) {
	var stale *fsnotify.Watcher

	h.mu.Lock()
	dw := sub.dw
	if cur, ok := h.dirs[dw.id]; ok && cur == dw {
		delete(dw.subs, sub)
		if len(dw.subs) == 0 {
			delete(h.dirs, dw.id)
			stale = dw.fsw
		}
	}
	active := len(h.dirs)
	h.mu.Unlock()

	sub.queue.Close()
	if stale != nil {
		stale.Close()
		dw.log.Debug("watch stopped")
	}
	metrics.SetWatchesActive(active)
}

func (h *Hub) run(dw *dirWatch) {
	for {
		select {
		case ev, ok := <-dw.fsw.Events:
			if !ok {
				return
			}
			if e, ok := h.translate(dw, ev); ok {
				h.dispatch(dw, e)
			}
		case err, ok := <-dw.fsw.Errors:
			if !ok {
				return
			}
			dw.log.Warn("watcher error", zap.Error(err))
		}
	}
}

// translate maps a raw notification to a file event. Chmod, events on the
// workspace directory itself, and notifications without a usable file name
// (left over from a removed directory's watch) are dropped.
func (h *Hub) translate(dw *dirWatch, ev fsnotify.Event) (Event, bool) {
	if ev.Name == "" || filepath.Clean(ev.Name) == filepath.Clean(dw.dir) {
		return Event{}, false
	}
	name := filepath.Base(ev.Name)
	if !workspace.IsValidFilename(name) {
		return Event{}, false
	}
	file := workspace.NewUploadedFile(dw.id, name)

	switch {
	case ev.Has(fsnotify.Create), ev.Has(fsnotify.Write):
		info, err := os.Lstat(ev.Name)
		if err != nil || !info.Mode().IsRegular() {
			return Event{}, false
		}
		return Event{Kind: KindChanged, File: file}, true
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		return Event{Kind: KindRemoved, File: file}, true
	default:
		return Event{}, false
	}
}

func (h *Hub) dispatch(dw *dirWatch, e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range dw.subs {
		sub.queue.Push(e)
	}
}

// Events returns the subscription's event stream. It is closed when the
// subscription or the hub is closed.
func (s *Subscription) Events() <-chan Event {
	return s.queue.Out()
}

// Close ends the subscription, releasing the filesystem watch when it was the
// last one for its workspace. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() { s.hub.unsubscribe(s) })
}
