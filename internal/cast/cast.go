// Package cast parses the asciinema v2 recording format used for
// session stream files: one JSON object header line followed by
// JSON array event lines, all LF-terminated UTF-8.
package cast

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

type EventType string

const (
	EventOutput EventType = "o"
	EventInput  EventType = "i"
	EventResize EventType = "r"
	EventExit   EventType = "exit"
)

// clearSequence is ESC [ 3 J ("erase saved lines"). Its presence in an
// output payload marks everything before it as no longer visible.
const clearSequence = "\x1b[3J"

// Header is the first line of a recording. Unknown fields are preserved
// so a re-encoded header stays faithful to what the writer produced.
type Header struct {
	Version int
	Width   int
	Height  int

	fields map[string]json.RawMessage
}

// Event is one recorded line after the header. Time and Data are set for
// output, input and resize events; ExitCode and SessionID for exit events.
type Event struct {
	Type      EventType
	Time      float64
	Data      string
	ExitCode  int
	SessionID string
}

// ParseLine classifies one line of a recording. At most one of the
// returned pointers is non-nil; both are nil for lines that are not a
// valid header or event record.
func ParseLine(line []byte) (*Header, *Event) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return nil, nil
	}
	switch trimmed[0] {
	case '{':
		h, err := ParseHeader(trimmed)
		if err != nil {
			return nil, nil
		}
		return h, nil
	case '[':
		ev, err := parseEvent(trimmed)
		if err != nil {
			return nil, nil
		}
		return nil, ev
	}
	return nil, nil
}

// ParseHeader decodes a header line. The object must carry numeric
// version, width and height fields.
func ParseHeader(line []byte) (*Header, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(line, &fields); err != nil {
		return nil, fmt.Errorf("cast: invalid header: %w", err)
	}

	h := &Header{fields: fields}
	for key, dst := range map[string]*int{"version": &h.Version, "width": &h.Width, "height": &h.Height} {
		raw, ok := fields[key]
		if !ok {
			return nil, fmt.Errorf("cast: header missing %q", key)
		}
		if err := json.Unmarshal(raw, dst); err != nil {
			return nil, fmt.Errorf("cast: header field %q: %w", key, err)
		}
	}
	return h, nil
}

func parseEvent(line []byte) (*Event, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(line, &parts); err != nil {
		return nil, fmt.Errorf("cast: invalid event: %w", err)
	}
	if len(parts) < 3 {
		return nil, fmt.Errorf("cast: event has %d elements, want at least 3", len(parts))
	}

	var t float64
	if err := json.Unmarshal(parts[0], &t); err == nil {
		var kind string
		if err := json.Unmarshal(parts[1], &kind); err != nil {
			return nil, fmt.Errorf("cast: event type: %w", err)
		}
		switch EventType(kind) {
		case EventOutput, EventInput, EventResize:
		default:
			return nil, fmt.Errorf("cast: unknown event type %q", kind)
		}
		var data string
		if err := json.Unmarshal(parts[2], &data); err != nil {
			return nil, fmt.Errorf("cast: event payload: %w", err)
		}
		return &Event{Type: EventType(kind), Time: t, Data: data}, nil
	}

	var marker string
	if err := json.Unmarshal(parts[0], &marker); err != nil || marker != string(EventExit) {
		return nil, fmt.Errorf("cast: unrecognized event marker")
	}
	var code int
	if err := json.Unmarshal(parts[1], &code); err != nil {
		return nil, fmt.Errorf("cast: exit code: %w", err)
	}
	var sessionID string
	if err := json.Unmarshal(parts[2], &sessionID); err != nil {
		return nil, fmt.Errorf("cast: exit session id: %w", err)
	}
	return &Event{Type: EventExit, ExitCode: code, SessionID: sessionID}, nil
}

// ContainsClear reports whether ev is an output event whose payload
// carries the clear sequence. The payload is scanned as an opaque
// string; no terminal emulation is performed.
func ContainsClear(ev *Event) bool {
	return ev != nil && ev.Type == EventOutput && strings.Contains(ev.Data, clearSequence)
}

// ParseResize decodes a "COLSxROWS" resize payload.
func ParseResize(data string) (cols, rows int, err error) {
	lhs, rhs, ok := strings.Cut(data, "x")
	if !ok {
		return 0, 0, fmt.Errorf("cast: invalid resize payload %q", data)
	}
	cols, err = strconv.Atoi(lhs)
	if err != nil {
		return 0, 0, fmt.Errorf("cast: invalid resize cols %q: %w", data, err)
	}
	rows, err = strconv.Atoi(rhs)
	if err != nil {
		return 0, 0, fmt.Errorf("cast: invalid resize rows %q: %w", data, err)
	}
	if cols <= 0 || rows <= 0 {
		return 0, 0, fmt.Errorf("cast: non-positive resize dimensions %q", data)
	}
	return cols, rows, nil
}

// SetSize overrides the header dimensions used by Encode.
func (h *Header) SetSize(cols, rows int) {
	h.Width = cols
	h.Height = rows
}

// Encode renders the header as a single-line JSON object, carrying the
// current Width/Height and every other field the original header had.
func (h *Header) Encode() ([]byte, error) {
	fields := make(map[string]json.RawMessage, len(h.fields))
	for k, v := range h.fields {
		fields[k] = v
	}
	fields["version"] = json.RawMessage(strconv.Itoa(h.Version))
	fields["width"] = json.RawMessage(strconv.Itoa(h.Width))
	fields["height"] = json.RawMessage(strconv.Itoa(h.Height))
	return json.Marshal(fields)
}

// Encode renders the event as a single-line JSON array with its
// timestamp replaced by t. Exit events keep their literal marker and
// ignore t.
func (e *Event) Encode(t float64) ([]byte, error) {
	if e.Type == EventExit {
		return json.Marshal([]any{string(EventExit), e.ExitCode, e.SessionID})
	}
	return json.Marshal([]any{t, string(e.Type), e.Data})
}
