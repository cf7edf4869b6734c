// Package info persists per-session metadata records in the control
// directory, one JSON file per session next to its recording. Records
// are created by the session spawner; the stream core only updates
// records that already exist.
package info

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrNoRecord is returned when a session has no metadata record on disk.
var ErrNoRecord = errors.New("no session record")

const recordFile = "session.json"

// Record is one session's metadata. Fields other than LastClearOffset
// are owned by the spawner and passed through untouched.
type Record struct {
	LastClearOffset int64

	fields map[string]json.RawMessage
}

func (r *Record) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	r.fields = fields
	r.LastClearOffset = 0
	if raw, ok := fields["lastClearOffset"]; ok {
		if err := json.Unmarshal(raw, &r.LastClearOffset); err != nil {
			return fmt.Errorf("invalid lastClearOffset: %w", err)
		}
	}
	return nil
}

func (r *Record) MarshalJSON() ([]byte, error) {
	fields := make(map[string]json.RawMessage, len(r.fields)+1)
	for k, v := range r.fields {
		fields[k] = v
	}
	offset, err := json.Marshal(r.LastClearOffset)
	if err != nil {
		return nil, err
	}
	fields["lastClearOffset"] = offset
	return json.Marshal(fields)
}

// SetField stores an extra field on the record, replacing any previous
// value under the same key.
func (r *Record) SetField(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode field %q: %w", key, err)
	}
	if r.fields == nil {
		r.fields = make(map[string]json.RawMessage)
	}
	r.fields[key] = raw
	return nil
}

// Field decodes an extra field into dst. It reports whether the field
// was present and decoded.
func (r *Record) Field(key string, dst any) bool {
	raw, ok := r.fields[key]
	if !ok {
		return false
	}
	return json.Unmarshal(raw, dst) == nil
}

// Store reads and writes session records under a control directory.
// The layout is <dir>/<sessionID>/session.json.
type Store struct {
	dir string
}

func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// RecordPath returns the metadata file path for a session.
func (s *Store) RecordPath(sessionID string) string {
	return filepath.Join(s.dir, sessionID, recordFile)
}

// SessionDir returns the per-session control directory.
func (s *Store) SessionDir(sessionID string) string {
	return filepath.Join(s.dir, sessionID)
}

// Load reads a session's record. Returns ErrNoRecord if none exists.
func (s *Store) Load(sessionID string) (*Record, error) {
	data, err := os.ReadFile(s.RecordPath(sessionID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoRecord
		}
		return nil, fmt.Errorf("failed to read session record: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to parse session record: %w", err)
	}
	return &rec, nil
}

// Save updates an existing record. It refuses to materialize a record
// that is not already on disk (returns ErrNoRecord) so that partial
// session records never appear from the reader side.
func (s *Store) Save(sessionID string, rec *Record) error {
	path := s.RecordPath(sessionID)
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNoRecord
		}
		return fmt.Errorf("failed to stat session record: %w", err)
	}
	return s.write(path, rec)
}

// Create writes a record unconditionally, creating the session's
// control directory. This is the spawner-side entry point.
func (s *Store) Create(sessionID string, rec *Record) error {
	dir := s.SessionDir(sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}
	return s.write(s.RecordPath(sessionID), rec)
}

// write persists rec atomically via a temp file + os.Rename so that
// concurrent readers never observe a partially written record.
func (s *Store) write(path string, rec *Record) (err error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode session record: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), recordFile+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to persist session record: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			os.Remove(tmpName)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to persist session record: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("failed to persist session record: %w", err)
	}
	if err = os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to persist session record: %w", err)
	}
	return nil
}
