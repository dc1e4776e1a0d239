// Package store persists terminal session bookkeeping in sqlite, so the
// service can reconcile with the pty host after a restart.
package store

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migsqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Session statuses.
const (
	StatusRunning  = "running"
	StatusExited   = "exited"
	StatusClosed   = "closed"
	StatusOrphaned = "orphaned"
)

// Session is one terminal session row.
type Session struct {
	ID         string     `json:"id"`
	TerminalID int        `json:"terminal_id"`
	Name       string     `json:"name"`
	Title      string     `json:"title"`
	Shell      string     `json:"shell"`
	Cwd        string     `json:"cwd"`
	Persist    bool       `json:"persist"`
	Status     string     `json:"status"`
	Pid        int        `json:"pid"`
	ExitCode   *int       `json:"exit_code,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
}

type Store struct {
	db *sql.DB
}

// Open opens the sqlite database at path and applies pending migrations.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func runMigrations(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	driver, err := migsqlite.WithInstance(db, &migsqlite.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Insert records a new session.
func (s *Store) Insert(sess Session) error {
	_, err := s.db.Exec(`INSERT INTO sessions (id, terminal_id, name, title, shell, cwd, persist, status, pid, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.TerminalID, sess.Name, sess.Title, sess.Shell, sess.Cwd, sess.Persist, sess.Status, sess.Pid, sess.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert session %s: %w", sess.ID, err)
	}
	return nil
}

// MarkExited records a child process exit.
func (s *Store) MarkExited(id string, code int) error {
	_, err := s.db.Exec(`UPDATE sessions SET status = ?, exit_code = ?, ended_at = ? WHERE id = ?`,
		StatusExited, code, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("mark session %s exited: %w", id, err)
	}
	return nil
}

// MarkClosed records an explicit disposal while the child was running.
func (s *Store) MarkClosed(id string) error {
	_, err := s.db.Exec(`UPDATE sessions SET status = ?, ended_at = ? WHERE id = ? AND status = ?`,
		StatusClosed, time.Now().UTC(), id, StatusRunning)
	if err != nil {
		return fmt.Errorf("mark session %s closed: %w", id, err)
	}
	return nil
}

// MarkOrphaned flags a row whose session the host no longer knows.
func (s *Store) MarkOrphaned(id string) error {
	_, err := s.db.Exec(`UPDATE sessions SET status = ?, ended_at = ? WHERE id = ?`,
		StatusOrphaned, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("mark session %s orphaned: %w", id, err)
	}
	return nil
}

// UpdateTitle stores the latest window title.
func (s *Store) UpdateTitle(id, title string) error {
	_, err := s.db.Exec(`UPDATE sessions SET title = ? WHERE id = ?`, title, id)
	if err != nil {
		return fmt.Errorf("update session %s title: %w", id, err)
	}
	return nil
}

// UpdateCwd stores the latest working directory.
func (s *Store) UpdateCwd(id, cwd string) error {
	_, err := s.db.Exec(`UPDATE sessions SET cwd = ? WHERE id = ?`, cwd, id)
	if err != nil {
		return fmt.Errorf("update session %s cwd: %w", id, err)
	}
	return nil
}

// UpdateTerminalID rebinds a session row to a new manager id after
// adoption.
func (s *Store) UpdateTerminalID(id string, terminalID int) error {
	_, err := s.db.Exec(`UPDATE sessions SET terminal_id = ? WHERE id = ?`, terminalID, id)
	if err != nil {
		return fmt.Errorf("rebind session %s: %w", id, err)
	}
	return nil
}

// Running lists sessions recorded as running.
func (s *Store) Running() ([]Session, error) {
	rows, err := s.db.Query(selectCols + ` WHERE status = ? ORDER BY created_at`, StatusRunning)
	if err != nil {
		return nil, fmt.Errorf("list running sessions: %w", err)
	}
	return scanSessions(rows)
}

// List returns the most recent sessions, newest first.
func (s *Store) List(limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(selectCols+` ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return scanSessions(rows)
}

// Get returns one session row.
func (s *Store) Get(id string) (Session, error) {
	row := s.db.QueryRow(selectCols+` WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, fmt.Errorf("session %s: %w", id, sql.ErrNoRows)
	}
	if err != nil {
		return Session{}, fmt.Errorf("get session %s: %w", id, err)
	}
	return sess, nil
}

// Prune deletes ended non-persistent rows older than before.
func (s *Store) Prune(before time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM sessions WHERE status != ? AND persist = 0 AND created_at < ?`,
		StatusRunning, before)
	if err != nil {
		return 0, fmt.Errorf("prune sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

const selectCols = `SELECT id, terminal_id, name, title, shell, cwd, persist, status, pid, exit_code, created_at, ended_at FROM sessions`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Session, error) {
	var sess Session
	err := row.Scan(&sess.ID, &sess.TerminalID, &sess.Name, &sess.Title, &sess.Shell, &sess.Cwd,
		&sess.Persist, &sess.Status, &sess.Pid, &sess.ExitCode, &sess.CreatedAt, &sess.EndedAt)
	return sess, err
}

func scanSessions(rows *sql.Rows) ([]Session, error) {
	defer rows.Close()
	sessions := []Session{}
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}
