package db

import (
	"fmt"
	"time"
)

const (
	StatusRunning = "running"
	StatusExited  = "exited"
)

// Session is one row of the session index. ExitCode and ExitedAt are
// set once the stream's exit sentinel has been observed.
type Session struct {
	ID         string     `json:"id"`
	Name       string     `json:"name,omitempty"`
	StreamPath string     `json:"stream_path"`
	Cols       int        `json:"cols"`
	Rows       int        `json:"rows"`
	Status     string     `json:"status"`
	ExitCode   *int       `json:"exit_code,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	ExitedAt   *time.Time `json:"exited_at,omitempty"`
}

func nowUTC() time.Time {
	return time.Now().UTC()
}

func formatTimestamp(ts time.Time) string {
	if ts.IsZero() {
		ts = nowUTC()
	}
	return ts.UTC().Format(time.RFC3339)
}

func parseTimestamp(v string) (time.Time, error) {
	ts, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", v, err)
	}
	return ts, nil
}
