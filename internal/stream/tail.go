package stream

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/hewigovens/vibetunnel/internal/cast"
)

// runWatcher consumes file change notifications for one session and
// drives tail reads. It exits when the watcher is torn down.
func (r *Registry) runWatcher(w *watcherInfo) {
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.streamPath {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
				r.tail(w)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("stream watcher error", "session", w.sessionID, "error", err)
		}
	}
}

// tail reads bytes appended since the last successful read and
// broadcasts every complete line. Offsets are bytes, never characters:
// multi-byte UTF-8 sequences may straddle reads and are reassembled in
// the line buffer.
func (r *Registry) tail(w *watcherInfo) {
	st, err := os.Stat(w.streamPath)
	if err != nil {
		slog.Error("failed to stat stream file", "session", w.sessionID, "error", err)
		return
	}
	size := st.Size()
	mtime := st.ModTime()

	w.mu.Lock()
	if size <= w.lastSize && !mtime.After(w.lastMtime) {
		// Coalesced notification with nothing new.
		w.mu.Unlock()
		return
	}
	offset := w.lastOffset
	if size <= offset {
		// Truncation or a same-size rewrite. Offsets never shrink;
		// treat as no new data.
		w.lastSize = size
		w.lastMtime = mtime
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	buf := make([]byte, size-offset)
	f, err := os.Open(w.streamPath)
	if err != nil {
		slog.Error("failed to open stream file", "session", w.sessionID, "error", err)
		return
	}
	n, err := f.ReadAt(buf, offset)
	if cerr := f.Close(); cerr != nil {
		slog.Debug("failed to close stream file after tail read", "session", w.sessionID, "error", cerr)
	}
	if err != nil && err != io.EOF {
		slog.Error("failed to read stream file", "session", w.sessionID, "offset", offset, "error", err)
		return
	}
	if n == 0 {
		return
	}

	w.mu.Lock()
	w.lineBuffer = append(w.lineBuffer, buf[:n]...)
	var lines [][]byte
	for {
		i := bytes.IndexByte(w.lineBuffer, '\n')
		if i < 0 {
			break
		}
		line := make([]byte, i)
		copy(line, w.lineBuffer[:i])
		lines = append(lines, line)
		w.lineBuffer = w.lineBuffer[i+1:]
	}
	w.lastOffset = offset + int64(n)
	w.lastSize = size
	w.lastMtime = mtime

	subs := make([]*subscriber, 0, len(w.subs))
	for sub := range w.subs {
		subs = append(subs, sub)
	}
	w.mu.Unlock()

	for _, line := range lines {
		r.broadcastLine(w.sessionID, subs, line)
	}
}

// broadcastLine classifies one complete line and delivers it to every
// subscriber. Headers are dropped for subscribers that already have
// one; exit events end each stream; unparseable lines are forwarded as
// synthetic output so raw writer text is not lost.
func (r *Registry) broadcastLine(sessionID string, subs []*subscriber, line []byte) {
	if len(bytes.TrimSpace(line)) == 0 {
		return
	}

	now := time.Now()
	header, ev := cast.ParseLine(line)
	switch {
	case header != nil:
		for _, sub := range subs {
			sub.enqueue(queued{header: header, at: now})
		}
	case ev != nil && ev.Type == cast.EventExit:
		for _, sub := range subs {
			sub.enqueue(queued{ev: ev, at: now})
		}
		r.markExited(sessionID, ev.ExitCode)
	case ev != nil:
		for _, sub := range subs {
			sub.enqueue(queued{ev: ev, at: now})
		}
	default:
		slog.Debug("forwarding unparseable stream line as raw output", "session", sessionID)
		for _, sub := range subs {
			sub.enqueue(queued{raw: line, at: now})
		}
	}
}
