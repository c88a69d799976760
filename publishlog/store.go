// Package publishlog keeps a local record of the commits the micropub
// endpoint has made, so a deploy can be audited without walking the
// remote repository history.
package publishlog

import (
	"database/sql"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Entry is one recorded publish action.
type Entry struct {
	Path        string // repository path of the post file
	URL         string // public URL of the post
	Action      string // "create" or "update"
	Message     string // commit message
	CommittedAt time.Time
}

// Store wraps a SQLite database holding the publish log.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the log database at path, ensures the data
// directory exists, and runs schema migrations.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// WAL mode lets the request handlers append while a reader tails
	// the log; the busy timeout makes writers wait instead of failing
	// with SQLITE_BUSY.
	if _, err := db.Exec(`
		PRAGMA journal_mode=WAL;
		PRAGMA busy_timeout=5000;
		PRAGMA synchronous=NORMAL;
	`); err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(2)
	s := &Store{db: db}
	if err := s.ensureSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ensureSchema() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS publishes (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    path TEXT NOT NULL,
    url TEXT NOT NULL,
    action TEXT NOT NULL,
    message TEXT NOT NULL,
    committed_at TEXT NOT NULL
);
`)
	return err
}

// Record appends one publish entry, stamped with the current UTC time.
func (s *Store) Record(path, url, action, message string) error {
	_, err := s.db.Exec(
		`INSERT INTO publishes (path, url, action, message, committed_at) VALUES (?, ?, ?, ?, ?)`,
		path, url, action, message, time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

// Recent returns the latest entries, newest first.
func (s *Store) Recent(limit int) ([]Entry, error) {
	rows, err := s.db.Query(
		`SELECT path, url, action, message, committed_at FROM publishes ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var committedAt string
		if err := rows.Scan(&e.Path, &e.URL, &e.Action, &e.Message, &committedAt); err != nil {
			return nil, err
		}
		e.CommittedAt, _ = time.Parse(time.RFC3339, committedAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
