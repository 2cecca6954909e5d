// Package history records served requests in SQLite.
// Uses pure-Go SQLite (modernc.org/sqlite) — no cgo required.
//
// History is strictly best-effort observability: every failure is
// returned to the caller to be logged and forgotten, never to stop the
// daemon. Only the parent writes here — the controller inserts a row
// after each fork, the reaper closes it out with the exit code — so the
// store must never be touched on the child path.
package history

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps the SQLite database recording served requests.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the history database at the given path.
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}

	// WAL keeps the reaper's updates from stalling behind controller inserts.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS requests (
			pid         INTEGER NOT NULL,
			argv0       TEXT NOT NULL,
			argc        INTEGER NOT NULL,
			cwd         TEXT NOT NULL,
			started_at  TEXT NOT NULL,
			exit_code   INTEGER,
			finished_at TEXT
		)
	`)
	return err
}

// Record is one served request.
type Record struct {
	Pid        int
	Argv0      string
	Argc       int
	CWD        string
	StartedAt  time.Time
	ExitCode   *int
	FinishedAt *time.Time
}

// Insert records a freshly forked child.
func (s *Store) Insert(pid int, argv0 string, argc int, cwd string) error {
	_, err := s.db.Exec(`
		INSERT INTO requests (pid, argv0, argc, cwd, started_at)
		VALUES (?, ?, ?, ?, ?)
	`, pid, argv0, argc, cwd, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert request: %w", err)
	}
	return nil
}

// Finish closes out the most recent open row for pid with its exit code.
// Pids recycle; only the row still missing an exit code is eligible.
func (s *Store) Finish(pid, exitCode int) error {
	_, err := s.db.Exec(`
		UPDATE requests SET exit_code = ?, finished_at = ?
		WHERE rowid = (
			SELECT rowid FROM requests
			WHERE pid = ? AND exit_code IS NULL
			ORDER BY started_at DESC LIMIT 1
		)
	`, exitCode, time.Now().UTC().Format(time.RFC3339Nano), pid)
	if err != nil {
		return fmt.Errorf("finish request: %w", err)
	}
	return nil
}

// Recent returns up to limit most recently started requests.
func (s *Store) Recent(limit int) ([]Record, error) {
	rows, err := s.db.Query(`
		SELECT pid, argv0, argc, cwd, started_at, exit_code, finished_at
		FROM requests ORDER BY started_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query requests: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var started string
		var code sql.NullInt64
		var finished sql.NullString
		if err := rows.Scan(&r.Pid, &r.Argv0, &r.Argc, &r.CWD, &started, &code, &finished); err != nil {
			return nil, fmt.Errorf("scan request: %w", err)
		}
		r.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		if code.Valid {
			c := int(code.Int64)
			r.ExitCode = &c
		}
		if finished.Valid {
			if ts, err := time.Parse(time.RFC3339Nano, finished.String); err == nil {
				r.FinishedAt = &ts
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
