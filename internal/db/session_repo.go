package db

import (
	"context"
	"database/sql"
	"fmt"
)

type SessionRepo struct {
	db *sql.DB
}

func NewSessionRepo(db *sql.DB) *SessionRepo {
	return &SessionRepo{db: db}
}

func (r *SessionRepo) Create(ctx context.Context, session *Session) error {
	if session.ID == "" {
		return fmt.Errorf("session id is required")
	}
	if session.StreamPath == "" {
		return fmt.Errorf("session stream path is required")
	}
	if session.Status == "" {
		session.Status = StatusRunning
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = nowUTC()
	}

	_, err := r.db.ExecContext(ctx, `
INSERT INTO sessions (id, name, stream_path, cols, rows, status, exit_code, created_at, exited_at)
VALUES (?, ?, ?, ?, ?, ?, NULL, ?, NULL)
`, session.ID, session.Name, session.StreamPath, session.Cols, session.Rows, session.Status, formatTimestamp(session.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func (r *SessionRepo) Get(ctx context.Context, id string) (*Session, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id, name, stream_path, cols, rows, status, exit_code, created_at, exited_at
FROM sessions
WHERE id = ?
`, id)

	s, err := scanSession(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get session %q: %w", id, err)
	}
	return s, nil
}

func (r *SessionRepo) List(ctx context.Context) ([]*Session, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, name, stream_path, cols, rows, status, exit_code, created_at, exited_at
FROM sessions
ORDER BY created_at DESC
`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	sessions := []*Session{}
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed while iterating sessions: %w", err)
	}
	return sessions, nil
}

// MarkExited records a session's terminal status. It satisfies the
// stream core's SessionIndex and is a no-op for unknown sessions.
func (r *SessionRepo) MarkExited(ctx context.Context, id string, exitCode int) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE sessions
SET status = ?, exit_code = ?, exited_at = ?
WHERE id = ?
`, StatusExited, exitCode, formatTimestamp(nowUTC()), id)
	if err != nil {
		return fmt.Errorf("failed to mark session %q exited: %w", id, err)
	}
	return nil
}

func (r *SessionRepo) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete session %q: %w", id, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var s Session
	var exitCode sql.NullInt64
	var createdAtRaw string
	var exitedAtRaw sql.NullString

	if err := row.Scan(&s.ID, &s.Name, &s.StreamPath, &s.Cols, &s.Rows, &s.Status, &exitCode, &createdAtRaw, &exitedAtRaw); err != nil {
		return nil, err
	}

	if exitCode.Valid {
		code := int(exitCode.Int64)
		s.ExitCode = &code
	}

	var err error
	s.CreatedAt, err = parseTimestamp(createdAtRaw)
	if err != nil {
		return nil, err
	}
	if exitedAtRaw.Valid {
		ts, err := parseTimestamp(exitedAtRaw.String)
		if err != nil {
			return nil, err
		}
		s.ExitedAt = &ts
	}
	return &s, nil
}
