// vtrec records a command running in a PTY as a vibetunnel session:
// it creates the session's control directory, metadata record and
// stream file, optionally registers the session with a running server,
// and forwards local input and window resizes to the child.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	creackpty "github.com/creack/pty"
	"github.com/google/uuid"

	"github.com/hewigovens/vibetunnel/internal/info"
	"github.com/hewigovens/vibetunnel/internal/rec"
)

func main() {
	os.Exit(run())
}

func run() int {
	homeDir, _ := os.UserHomeDir()

	controlDir := flag.String("control-dir", filepath.Join(homeDir, ".vibetunnel", "control"), "control directory for session files")
	name := flag.String("name", "", "human-readable session name")
	cols := flag.Uint("cols", 120, "initial terminal columns")
	rows := flag.Uint("rows", 30, "initial terminal rows")
	recordInput := flag.Bool("record-input", false, "record keystrokes into the stream")
	serverURL := flag.String("server", "", "vibetunnel server base URL to register the session with")
	token := flag.String("token", "", "server auth token")
	flag.Parse()

	argv := flag.Args()
	if len(argv) == 0 {
		shell := os.Getenv("SHELL")
		if shell == "" {
			shell = "/bin/sh"
		}
		argv = []string{shell}
	}

	sessionID := uuid.NewString()
	store := info.NewStore(*controlDir)
	streamPath := filepath.Join(store.SessionDir(sessionID), "stream.cast")

	record := &info.Record{}
	for key, value := range map[string]any{
		"name":      *name,
		"command":   strings.Join(argv, " "),
		"cols":      *cols,
		"rows":      *rows,
		"startedAt": time.Now().UTC().Format(time.RFC3339),
	} {
		if err := record.SetField(key, value); err != nil {
			slog.Error("failed to build session record", "error", err)
			return 1
		}
	}
	if err := store.Create(sessionID, record); err != nil {
		slog.Error("failed to create session record", "error", err)
		return 1
	}

	recorder, err := rec.Start(rec.Options{
		SessionID:   sessionID,
		Argv:        argv,
		StreamPath:  streamPath,
		Cols:        uint16(*cols),
		Rows:        uint16(*rows),
		RecordInput: *recordInput,
	})
	if err != nil {
		slog.Error("failed to start recording", "error", err)
		return 1
	}
	defer recorder.Close()

	if *serverURL != "" {
		registerSession(*serverURL, *token, sessionID, *name, streamPath, int(*cols), int(*rows))
	}
	fmt.Fprintf(os.Stderr, "recording session %s -> %s\n", sessionID, streamPath)

	// Mirror local window size changes into the recording.
	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	go func() {
		for range winch {
			if size, err := creackpty.GetsizeFull(os.Stdin); err == nil {
				if err := recorder.Resize(size.Cols, size.Rows); err != nil {
					slog.Debug("resize failed", "error", err)
				}
			}
		}
	}()

	go func() {
		buf := make([]byte, 1024)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				if _, werr := recorder.Write(buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	code := recorder.Wait()
	signal.Stop(winch)
	close(winch)
	return code
}

// registerSession best-effort posts the session to the server's index
// so it shows up in listings immediately.
func registerSession(baseURL, token, sessionID, name, streamPath string, cols, rows int) {
	body, err := json.Marshal(map[string]any{
		"id":          sessionID,
		"name":        name,
		"stream_path": streamPath,
		"cols":        cols,
		"rows":        rows,
	})
	if err != nil {
		slog.Debug("failed to encode registration", "error", err)
		return
	}

	req, err := http.NewRequest(http.MethodPost, strings.TrimSuffix(baseURL, "/")+"/api/sessions", bytes.NewReader(body))
	if err != nil {
		slog.Debug("failed to build registration request", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		slog.Debug("session registration failed", "error", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		slog.Debug("session registration rejected", "status", resp.StatusCode)
	}
}
