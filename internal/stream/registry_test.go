package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"pgregory.net/rapid"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (r *Registry) watcherCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.watchers)
}

func TestAttachDetachWatcherLifecycle(t *testing.T) {
	reg, store, _ := newTestRegistry(t)
	path := writeStream(t, store, "sess-1", pruneFixture)

	sinkA := &captureSink{}
	sinkB := &captureSink{}
	if err := reg.Attach("sess-1", path, sinkA); err != nil {
		t.Fatalf("attach A: %v", err)
	}
	if err := reg.Attach("sess-1", path, sinkB); err != nil {
		t.Fatalf("attach B: %v", err)
	}

	if got := reg.watcherCount(); got != 1 {
		t.Fatalf("watcher count = %d, want 1 with two subscribers", got)
	}
	if got := reg.SubscriberCount("sess-1"); got != 2 {
		t.Fatalf("subscriber count = %d, want 2", got)
	}

	reg.Detach("sess-1", sinkA)
	if got := reg.watcherCount(); got != 1 {
		t.Fatalf("watcher count = %d after first detach, want 1", got)
	}

	reg.Detach("sess-1", sinkB)
	if got := reg.watcherCount(); got != 0 {
		t.Fatalf("watcher count = %d after last detach, want 0", got)
	}

	// Idempotent.
	reg.Detach("sess-1", sinkB)
}

func TestAttachReplaysThenTailsLiveEvents(t *testing.T) {
	reg, store, _ := newTestRegistry(t)
	path := writeStream(t, store, "sess-1", "{\"version\":2,\"width\":80,\"height\":24}\n[1.0,\"o\",\"a\"]\n")

	sink := &captureSink{}
	if err := reg.Attach("sess-1", path, sink); err != nil {
		t.Fatalf("attach: %v", err)
	}
	defer reg.Detach("sess-1", sink)

	waitFor(t, "backlog", func() bool { return len(sink.snapshot()) >= 2 })
	records := sink.snapshot()
	if records[1] != `[0,"o","a"]` {
		t.Fatalf("backlog = %v", records)
	}

	appendStream(t, path, "[2.0,\"o\",\"b\"]\n")
	waitFor(t, "live event", func() bool { return len(sink.snapshot()) >= 3 })

	var ev []any
	if err := json.Unmarshal([]byte(sink.snapshot()[2]), &ev); err != nil {
		t.Fatalf("parse live record: %v", err)
	}
	if ev[1] != "o" || ev[2] != "b" {
		t.Fatalf("live record = %v", ev)
	}
	if ts, ok := ev[0].(float64); !ok || ts < 0 {
		t.Fatalf("live timestamp = %v, want non-negative relative seconds", ev[0])
	}
}

func TestAttachBeforeFileExists(t *testing.T) {
	reg, store, _ := newTestRegistry(t)
	if err := os.MkdirAll(store.SessionDir("sess-1"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	path := filepath.Join(store.SessionDir("sess-1"), "stream.cast")

	sink := &captureSink{}
	if err := reg.Attach("sess-1", path, sink); err != nil {
		t.Fatalf("attach: %v", err)
	}
	defer reg.Detach("sess-1", sink)

	// Writer shows up after the viewer.
	appendStream(t, path, "{\"version\":2,\"width\":80,\"height\":24}\n[0.0,\"o\",\"hi\"]\n")

	waitFor(t, "header and first event", func() bool { return len(sink.snapshot()) >= 2 })
	records := sink.snapshot()
	if w, h := headerDims(t, records[0]); w != 80 || h != 24 {
		t.Fatalf("header = %q", records[0])
	}
	var ev []any
	if err := json.Unmarshal([]byte(records[1]), &ev); err != nil {
		t.Fatalf("parse record: %v", err)
	}
	if ev[1] != "o" || ev[2] != "hi" {
		t.Fatalf("record = %v", ev)
	}
}

func TestLiveExitClosesEverySinkAndMarksIndex(t *testing.T) {
	reg, store, _ := newTestRegistry(t)
	index := &fakeIndex{}
	reg.index = index
	path := writeStream(t, store, "sess-9", "{\"version\":2,\"width\":80,\"height\":24}\n")

	sinkA := &captureSink{}
	sinkB := &captureSink{}
	if err := reg.Attach("sess-9", path, sinkA); err != nil {
		t.Fatalf("attach A: %v", err)
	}
	if err := reg.Attach("sess-9", path, sinkB); err != nil {
		t.Fatalf("attach B: %v", err)
	}
	defer reg.Detach("sess-9", sinkA)
	defer reg.Detach("sess-9", sinkB)

	waitFor(t, "headers", func() bool {
		return len(sinkA.snapshot()) >= 1 && len(sinkB.snapshot()) >= 1
	})

	appendStream(t, path, "[\"exit\",3,\"sess-9\"]\n")

	waitFor(t, "exit propagation", func() bool { return sinkA.isClosed() && sinkB.isClosed() })
	for _, sink := range []*captureSink{sinkA, sinkB} {
		records := sink.snapshot()
		if records[len(records)-1] != `["exit",3,"sess-9"]` {
			t.Fatalf("records = %v, want trailing exit", records)
		}
	}

	waitFor(t, "index update", func() bool { return index.count() == 1 })
	id, code := index.last()
	if id != "sess-9" || code != 3 {
		t.Fatalf("index marked %q/%d, want sess-9/3", id, code)
	}
}

func TestBroadcastForwardsRawLines(t *testing.T) {
	reg, store, _ := newTestRegistry(t)
	path := writeStream(t, store, "sess-1", "{\"version\":2,\"width\":80,\"height\":24}\n")

	sink := &captureSink{}
	if err := reg.Attach("sess-1", path, sink); err != nil {
		t.Fatalf("attach: %v", err)
	}
	defer reg.Detach("sess-1", sink)

	waitFor(t, "header", func() bool { return len(sink.snapshot()) >= 1 })
	appendStream(t, path, "plain writer text\n")

	waitFor(t, "raw line", func() bool { return len(sink.snapshot()) >= 2 })
	var ev []any
	if err := json.Unmarshal([]byte(sink.snapshot()[1]), &ev); err != nil {
		t.Fatalf("parse synthetic record: %v", err)
	}
	if ev[1] != "o" || ev[2] != "plain writer text" {
		t.Fatalf("synthetic record = %v", ev)
	}
}

func TestTailSplitsLinesAcrossReads(t *testing.T) {
	reg, store, _ := newTestRegistry(t)
	path := writeStream(t, store, "sess-1", "")

	sink := &captureSink{}
	sub := newSubscriber(sink)
	sub.markLive()
	w := newManualWatcher("sess-1", path, sub)

	// An event line arrives in two writes, split inside a multi-byte
	// character of the payload.
	full := "[0.1,\"o\",\"héllo wörld\"]\n"
	cut := strings.Index(full, "é") + 1 // in the middle of the 2-byte é
	appendStream(t, path, full[:cut])
	reg.tail(w)
	if got := sink.snapshot(); len(got) != 0 {
		t.Fatalf("partial line delivered: %v", got)
	}

	appendStream(t, path, full[cut:])
	reg.tail(w)
	records := sink.snapshot()
	if len(records) != 1 {
		t.Fatalf("records = %v, want 1", records)
	}
	var ev []any
	if err := json.Unmarshal([]byte(records[0]), &ev); err != nil {
		t.Fatalf("parse record: %v", err)
	}
	if ev[2] != "héllo wörld" {
		t.Fatalf("payload corrupted: %q", ev[2])
	}
}

func TestTailIgnoresTruncation(t *testing.T) {
	reg, store, _ := newTestRegistry(t)
	path := writeStream(t, store, "sess-1", "[0.1,\"o\",\"a\"]\n")

	sink := &captureSink{}
	sub := newSubscriber(sink)
	sub.markLive()
	w := newManualWatcher("sess-1", path, sub)
	reg.tail(w)
	waitFor(t, "first event", func() bool { return len(sink.snapshot()) == 1 })

	if err := os.Truncate(path, 0); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	reg.tail(w)
	if got := sink.snapshot(); len(got) != 1 {
		t.Fatalf("records after truncation = %v", got)
	}

	w.mu.Lock()
	offset := w.lastOffset
	w.mu.Unlock()
	if offset != int64(len("[0.1,\"o\",\"a\"]\n")) {
		t.Fatalf("offset shrank to %d", offset)
	}
}

// TestTailDeliversExactBytes is the byte-accuracy law: whatever payload
// lines the writer appends after attach arrive unmodified, regardless
// of how the writes are chunked.
func TestTailDeliversExactBytes(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		reg, store, _ := newTestRegistry(t)
		sessionID := "sess-prop"
		path := writeStream(t, store, sessionID, "")

		sink := &captureSink{}
		sub := newSubscriber(sink)
		sub.markLive()
		w := newManualWatcher(sessionID, path, sub)

		numEvents := rapid.IntRange(1, 20).Draw(rt, "num_events")
		var payloads []string
		var content strings.Builder
		for i := 0; i < numEvents; i++ {
			payload := rapid.String().Draw(rt, fmt.Sprintf("payload_%d", i))
			payloads = append(payloads, payload)
			line, err := json.Marshal([]any{float64(i), "o", payload})
			if err != nil {
				rt.Fatalf("marshal: %v", err)
			}
			content.Write(line)
			content.WriteByte('\n')
		}

		// Append in arbitrary chunks, tailing after each one.
		data := []byte(content.String())
		for len(data) > 0 {
			n := rapid.IntRange(1, len(data)).Draw(rt, "chunk")
			appendBytes(rt, path, data[:n])
			data = data[n:]
			reg.tail(w)
		}

		records := sink.snapshot()
		if len(records) != numEvents {
			rt.Fatalf("delivered %d records, want %d", len(records), numEvents)
		}
		for i, record := range records {
			var ev []any
			if err := json.Unmarshal([]byte(record), &ev); err != nil {
				rt.Fatalf("parse record %d: %v", i, err)
			}
			if ev[2] != payloads[i] {
				rt.Fatalf("payload %d = %q, want %q", i, ev[2], payloads[i])
			}
		}
	})
}

func newManualWatcher(sessionID, path string, subs ...*subscriber) *watcherInfo {
	w := &watcherInfo{
		sessionID:  sessionID,
		streamPath: filepath.Clean(path),
		subs:       make(map[*subscriber]struct{}),
		done:       make(chan struct{}),
	}
	for _, sub := range subs {
		w.subs[sub] = struct{}{}
	}
	return w
}

func appendStream(t *testing.T, path, data string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open for append: %v", err)
	}
	if _, err := f.WriteString(data); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func appendBytes(rt *rapid.T, path string, data []byte) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		rt.Fatalf("open for append: %v", err)
	}
	if _, err := f.Write(data); err != nil {
		rt.Fatalf("append: %v", err)
	}
	if err := f.Close(); err != nil {
		rt.Fatalf("close: %v", err)
	}
}

type fakeIndex struct {
	mu       sync.Mutex
	sessions []string
	codes    []int
}

func (f *fakeIndex) MarkExited(_ context.Context, sessionID string, exitCode int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions = append(f.sessions, sessionID)
	f.codes = append(f.codes, exitCode)
	return nil
}

func (f *fakeIndex) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}

func (f *fakeIndex) last() (string, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sessions) == 0 {
		return "", 0
	}
	return f.sessions[len(f.sessions)-1], f.codes[len(f.codes)-1]
}
