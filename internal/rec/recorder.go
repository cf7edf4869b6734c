// Package rec records a command running inside a PTY as an asciinema
// v2 stream file, the producer side of the session stream contract:
// header first, then LF-terminated event lines, then the exit sentinel.
package rec

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
	"unicode/utf8"

	creackpty "github.com/creack/pty"
)

// Options configures a recording session.
type Options struct {
	SessionID   string
	Argv        []string
	WorkDir     string
	Env         []string
	StreamPath  string
	Cols        uint16
	Rows        uint16
	RecordInput bool
}

// Recorder wraps a child process in a PTY and appends everything it
// emits to the stream file.
type Recorder struct {
	sessionID   string
	cmd         *exec.Cmd
	ptmx        *os.File
	recordInput bool

	mu      sync.Mutex
	out     *os.File
	start   time.Time
	partial []byte
	closed  bool

	closeOnce sync.Once
	done      chan int
}

// Start spawns the command and begins recording. The header line is on
// disk before Start returns, so readers always see it first.
func Start(opts Options) (*Recorder, error) {
	if opts.SessionID == "" {
		return nil, errors.New("rec: session id must not be empty")
	}
	if len(opts.Argv) == 0 {
		return nil, errors.New("rec: argv must not be empty")
	}
	if opts.Cols == 0 {
		opts.Cols = 120
	}
	if opts.Rows == 0 {
		opts.Rows = 30
	}

	out, err := os.OpenFile(opts.StreamPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("rec: failed to open stream file: %w", err)
	}

	r := &Recorder{
		sessionID:   opts.SessionID,
		recordInput: opts.RecordInput,
		out:         out,
		start:       time.Now(),
		done:        make(chan int, 1),
	}

	header := map[string]any{
		"version":   2,
		"width":     int(opts.Cols),
		"height":    int(opts.Rows),
		"timestamp": r.start.Unix(),
	}
	if err := r.writeLine(header); err != nil {
		out.Close()
		return nil, err
	}

	cmd := exec.Command(opts.Argv[0], opts.Argv[1:]...)
	cmd.Dir = opts.WorkDir
	if len(opts.Env) > 0 {
		cmd.Env = opts.Env
	}

	ptmx, err := creackpty.StartWithSize(cmd, &creackpty.Winsize{
		Cols: opts.Cols,
		Rows: opts.Rows,
	})
	if err != nil {
		out.Close()
		return nil, fmt.Errorf("rec: failed to start pty: %w", err)
	}
	r.cmd = cmd
	r.ptmx = ptmx

	go r.readPump()
	go r.waitExit()

	return r, nil
}

// readPump copies PTY output into the stream file. Reads can split a
// multi-byte character; the incomplete tail is held back until the
// next read so every payload is valid UTF-8.
func (r *Recorder) readPump() {
	buf := make([]byte, 4096)
	for {
		n, err := r.ptmx.Read(buf)
		if n > 0 {
			r.recordOutput(buf[:n])
		}
		if err != nil {
			return
		}
	}
}

func (r *Recorder) recordOutput(data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	chunk := append(r.partial, data...)
	complete, rest := splitCompleteRunes(chunk)
	r.partial = append([]byte(nil), rest...)
	if len(complete) == 0 {
		return
	}
	r.appendEventLocked("o", string(complete))
}

// splitCompleteRunes cuts b at the last complete UTF-8 rune boundary.
func splitCompleteRunes(b []byte) (complete, rest []byte) {
	for cut := len(b); cut > 0 && cut > len(b)-utf8.UTFMax; cut-- {
		if r, size := utf8.DecodeLastRune(b[:cut]); r != utf8.RuneError || size > 1 {
			return b[:cut], b[cut:]
		}
	}
	if len(b) <= utf8.UTFMax {
		return nil, b
	}
	return b, nil
}

// waitExit appends the exit sentinel once the child is gone, then
// closes the stream file.
func (r *Recorder) waitExit() {
	err := r.cmd.Wait()
	code := 0
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code = exitErr.ExitCode()
	} else if err != nil {
		code = 1
	}

	r.mu.Lock()
	if len(r.partial) > 0 {
		// Flush whatever is left, replacement characters and all.
		r.appendEventLocked("o", string(r.partial))
		r.partial = nil
	}
	_ = r.writeLineLocked([]any{"exit", code, r.sessionID})
	r.closed = true
	_ = r.out.Close()
	r.mu.Unlock()

	r.done <- code
}

// Wait blocks until the child exits and returns its exit code.
func (r *Recorder) Wait() int {
	return <-r.done
}

// Write forwards input to the child, optionally recording it.
func (r *Recorder) Write(data []byte) (int, error) {
	if r.recordInput {
		r.mu.Lock()
		r.appendEventLocked("i", string(data))
		r.mu.Unlock()
	}
	return r.ptmx.Write(data)
}

// Resize changes the PTY window size and records a resize event.
func (r *Recorder) Resize(cols, rows uint16) error {
	if err := creackpty.Setsize(r.ptmx, &creackpty.Winsize{Cols: cols, Rows: rows}); err != nil {
		return err
	}
	r.mu.Lock()
	r.appendEventLocked("r", fmt.Sprintf("%dx%d", cols, rows))
	r.mu.Unlock()
	return nil
}

// Close terminates the child (SIGTERM) and releases the PTY. The exit
// sentinel is still written by waitExit. Safe to call multiple times.
func (r *Recorder) Close() error {
	var err error
	r.closeOnce.Do(func() {
		if r.cmd.Process != nil {
			_ = r.cmd.Process.Signal(syscall.SIGTERM)
		}
		err = r.ptmx.Close()
	})
	return err
}

func (r *Recorder) appendEventLocked(kind, data string) {
	_ = r.writeLineLocked([]any{r.elapsed(), kind, data})
}

func (r *Recorder) elapsed() float64 {
	return time.Since(r.start).Seconds()
}

func (r *Recorder) writeLine(v any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writeLineLocked(v)
}

func (r *Recorder) writeLineLocked(v any) error {
	if r.closed {
		return errors.New("rec: recorder is closed")
	}
	line, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("rec: failed to encode record: %w", err)
	}
	if _, err := r.out.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("rec: failed to append record: %w", err)
	}
	return nil
}
