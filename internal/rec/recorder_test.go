package rec

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hewigovens/vibetunnel/internal/cast"
)

func TestSplitCompleteRunes(t *testing.T) {
	cases := []struct {
		in       string
		complete string
		rest     string
	}{
		{"hello", "hello", ""},
		{"", "", ""},
		{"héllo", "héllo", ""},
		{"h\xc3", "h", "\xc3"},             // é split after its first byte
		{"\xe4\xb8", "", "\xe4\xb8"},       // 3-byte rune, two bytes so far
		{"ok\xf0\x9f\x98", "ok", "\xf0\x9f\x98"}, // 4-byte emoji, three bytes so far
	}
	for _, tc := range cases {
		complete, rest := splitCompleteRunes([]byte(tc.in))
		if string(complete) != tc.complete || string(rest) != tc.rest {
			t.Fatalf("splitCompleteRunes(%q) = %q, %q, want %q, %q", tc.in, complete, rest, tc.complete, tc.rest)
		}
	}
}

func TestRecorderProducesValidStream(t *testing.T) {
	dir := t.TempDir()
	streamPath := filepath.Join(dir, "stream.cast")

	recorder, err := Start(Options{
		SessionID:  "sess-rec",
		Argv:       []string{"/bin/sh", "-c", "printf ready; exit 7"},
		StreamPath: streamPath,
		Cols:       100,
		Rows:       40,
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer recorder.Close()

	if code := recorder.Wait(); code != 7 {
		t.Fatalf("exit code = %d, want 7", code)
	}

	data, err := os.ReadFile(streamPath)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) < 2 {
		t.Fatalf("stream = %q", data)
	}

	header, ev := cast.ParseLine([]byte(lines[0]))
	if header == nil || ev != nil {
		t.Fatalf("first line is not a header: %q", lines[0])
	}
	if header.Width != 100 || header.Height != 40 {
		t.Fatalf("header dims = %dx%d", header.Width, header.Height)
	}

	var sawOutput bool
	for _, line := range lines[1 : len(lines)-1] {
		_, ev := cast.ParseLine([]byte(line))
		if ev == nil {
			t.Fatalf("unparseable event line %q", line)
		}
		if ev.Type == cast.EventOutput && strings.Contains(ev.Data, "ready") {
			sawOutput = true
		}
	}
	if !sawOutput {
		t.Fatalf("command output not recorded: %q", data)
	}

	_, exit := cast.ParseLine([]byte(lines[len(lines)-1]))
	if exit == nil || exit.Type != cast.EventExit {
		t.Fatalf("last line is not the exit sentinel: %q", lines[len(lines)-1])
	}
	if exit.ExitCode != 7 || exit.SessionID != "sess-rec" {
		t.Fatalf("exit sentinel = %+v", exit)
	}
}

func TestRecorderResizeEvent(t *testing.T) {
	dir := t.TempDir()
	streamPath := filepath.Join(dir, "stream.cast")

	recorder, err := Start(Options{
		SessionID:  "sess-rsz",
		Argv:       []string{"/bin/sh", "-c", "sleep 1"},
		StreamPath: streamPath,
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer recorder.Close()

	if err := recorder.Resize(90, 25); err != nil {
		t.Fatalf("resize: %v", err)
	}
	recorder.Wait()

	data, err := os.ReadFile(streamPath)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	if !strings.Contains(string(data), `"r","90x25"`) {
		t.Fatalf("resize event missing from stream: %q", data)
	}
}

func TestRecorderValidation(t *testing.T) {
	if _, err := Start(Options{Argv: []string{"/bin/true"}, StreamPath: "x"}); err == nil {
		t.Fatal("start without session id succeeded")
	}
	if _, err := Start(Options{SessionID: "s", StreamPath: filepath.Join(t.TempDir(), "s.cast")}); err == nil {
		t.Fatal("start without argv succeeded")
	}
}

func TestRecorderCloseTerminatesChild(t *testing.T) {
	dir := t.TempDir()
	recorder, err := Start(Options{
		SessionID:  "sess-close",
		Argv:       []string{"/bin/sh", "-c", "sleep 30"},
		StreamPath: filepath.Join(dir, "stream.cast"),
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := recorder.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	done := make(chan int, 1)
	go func() { done <- recorder.Wait() }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("child did not exit after Close")
	}
}
