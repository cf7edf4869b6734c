// Package stream implements the session stream core: it tails
// asciinema recording files as they grow, prunes history for newly
// attached viewers down to the currently visible frame, and fans live
// events out to any number of subscribers per session.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/hewigovens/vibetunnel/internal/info"
)

// SessionIndex is notified when a stream broadcasts its exit sentinel.
// Implementations record the terminal status of the session.
type SessionIndex interface {
	MarkExited(ctx context.Context, sessionID string, exitCode int) error
}

// watcherInfo is the per-session fan-out state. At most one exists per
// session, and it owns the single OS watch handle for that session's
// stream file.
type watcherInfo struct {
	sessionID  string
	streamPath string

	mu         sync.Mutex
	subs       map[*subscriber]struct{}
	lastOffset int64
	lastSize   int64
	lastMtime  time.Time
	lineBuffer []byte

	watcher   *fsnotify.Watcher
	done      chan struct{}
	closeOnce sync.Once
}

func (w *watcherInfo) close() {
	w.closeOnce.Do(func() {
		close(w.done)
		if w.watcher != nil {
			if err := w.watcher.Close(); err != nil {
				slog.Debug("failed to close stream watcher", "session", w.sessionID, "error", err)
			}
		}
	})
}

// Registry coordinates subscribers and watchers across sessions.
// Attach and Detach for the same session are serialized; broadcasts
// interleave freely but never write to a detached sink.
type Registry struct {
	store *info.Store
	index SessionIndex

	mu       sync.Mutex
	watchers map[string]*watcherInfo
	closed   bool
}

// NewRegistry creates a Registry. index may be nil when no session
// index is wired in.
func NewRegistry(store *info.Store, index SessionIndex) *Registry {
	return &Registry{
		store:    store,
		index:    index,
		watchers: make(map[string]*watcherInfo),
	}
}

// Attach registers a subscriber for a session. The first subscriber
// creates the session's watcher; every subscriber gets its own pruned
// replay of the backlog before live events flow.
func (r *Registry) Attach(sessionID, streamPath string, sink Sink) error {
	streamPath = filepath.Clean(streamPath)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return errors.New("stream: registry is closed")
	}

	w, ok := r.watchers[sessionID]
	if !ok {
		var err error
		w, err = r.newWatcherInfo(sessionID, streamPath)
		if err != nil {
			r.mu.Unlock()
			return err
		}
		r.watchers[sessionID] = w
		go r.runWatcher(w)
	}

	sub := newSubscriber(sink)
	w.mu.Lock()
	w.subs[sub] = struct{}{}
	// The replay pass covers the file up to what the tail reader has
	// already consumed; everything past capOffset reaches the new
	// subscriber through live broadcasts. Adding the subscriber and
	// reading the offset under one lock means no byte is delivered
	// twice or dropped between the two paths.
	capOffset := w.lastOffset
	w.mu.Unlock()
	r.mu.Unlock()

	go func() {
		r.replay(sessionID, streamPath, capOffset, sub)
		sub.markLive()
	}()
	return nil
}

func (r *Registry) newWatcherInfo(sessionID, streamPath string) (*watcherInfo, error) {
	w := &watcherInfo{
		sessionID:  sessionID,
		streamPath: streamPath,
		subs:       make(map[*subscriber]struct{}),
		done:       make(chan struct{}),
	}

	if st, err := os.Stat(streamPath); err == nil {
		w.lastOffset = st.Size()
		w.lastSize = st.Size()
		w.lastMtime = st.ModTime()
	} else {
		// The stream file may not exist yet; the watcher picks up
		// its creation.
		slog.Debug("stream file not found at attach", "session", sessionID, "path", streamPath, "error", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("stream: failed to create watcher: %w", err)
	}
	// Watch the parent directory so creation of the file is seen too.
	if err := watcher.Add(filepath.Dir(streamPath)); err != nil {
		slog.Debug("failed to watch stream directory", "session", sessionID, "error", err)
	}
	w.watcher = watcher
	return w, nil
}

// Detach removes a subscriber. Once it returns, no further writes occur
// to the sink. The last detach for a session tears down its watcher.
func (r *Registry) Detach(sessionID string, sink Sink) {
	r.mu.Lock()
	w, ok := r.watchers[sessionID]
	if !ok {
		r.mu.Unlock()
		return
	}

	w.mu.Lock()
	var target *subscriber
	for sub := range w.subs {
		if sub.sink == sink {
			target = sub
			break
		}
	}
	if target != nil {
		delete(w.subs, target)
	}
	empty := len(w.subs) == 0
	w.mu.Unlock()

	if empty {
		delete(r.watchers, sessionID)
		w.close()
	}
	r.mu.Unlock()

	if target != nil {
		target.remove()
	}
}

// Close tears down every watcher. Sinks are left open; their owners
// terminate them.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for sessionID, w := range r.watchers {
		w.close()
		delete(r.watchers, sessionID)
	}
}

// SubscriberCount reports the number of attached subscribers for a
// session.
func (r *Registry) SubscriberCount(sessionID string) int {
	r.mu.Lock()
	w, ok := r.watchers[sessionID]
	r.mu.Unlock()
	if !ok {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.subs)
}

func (r *Registry) markExited(sessionID string, exitCode int) {
	if r.index == nil {
		return
	}
	if err := r.index.MarkExited(context.Background(), sessionID, exitCode); err != nil {
		slog.Debug("failed to mark session exited", "session", sessionID, "error", err)
	}
}
