package store

import (
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTest(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sessions.db")
	st, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st, path
}

func insertTest(t *testing.T, st *Store, sess Session) Session {
	t.Helper()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}
	if sess.Status == "" {
		sess.Status = StatusRunning
	}
	if err := st.Insert(sess); err != nil {
		t.Fatalf("Insert(%s): %v", sess.ID, err)
	}
	return sess
}

func TestOpenMigratesAndReopens(t *testing.T) {
	st, path := openTest(t)
	insertTest(t, st, Session{ID: "a", TerminalID: 1})
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Reopening must tolerate already-applied migrations and keep data.
	st2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st2.Close()
	if _, err := st2.Get("a"); err != nil {
		t.Errorf("Get after reopen: %v", err)
	}
}

func TestInsertAndGet(t *testing.T) {
	st, _ := openTest(t)
	created := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	insertTest(t, st, Session{
		ID:         "sess-1",
		TerminalID: 4,
		Name:       "build",
		Shell:      "zsh",
		Cwd:        "/srv/app",
		Persist:    true,
		Status:     StatusRunning,
		Pid:        1234,
		CreatedAt:  created,
	})

	got, err := st.Get("sess-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.TerminalID != 4 || got.Name != "build" || got.Shell != "zsh" || got.Cwd != "/srv/app" {
		t.Errorf("row = %+v, want inserted values", got)
	}
	if !got.Persist || got.Status != StatusRunning || got.Pid != 1234 {
		t.Errorf("row = %+v, want persistent running pid 1234", got)
	}
	if got.ExitCode != nil || got.EndedAt != nil {
		t.Errorf("row = %+v, want nil exit_code and ended_at", got)
	}
	if !got.CreatedAt.Equal(created) {
		t.Errorf("created_at = %v, want %v", got.CreatedAt, created)
	}

	if _, err := st.Get("missing"); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("Get(missing) = %v, want ErrNoRows", err)
	}
}

func TestMarkExited(t *testing.T) {
	st, _ := openTest(t)
	insertTest(t, st, Session{ID: "e1", TerminalID: 1})

	if err := st.MarkExited("e1", 130); err != nil {
		t.Fatalf("MarkExited: %v", err)
	}
	got, err := st.Get("e1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusExited {
		t.Errorf("status = %q, want exited", got.Status)
	}
	if got.ExitCode == nil || *got.ExitCode != 130 {
		t.Errorf("exit_code = %v, want 130", got.ExitCode)
	}
	if got.EndedAt == nil {
		t.Error("ended_at = nil, want set")
	}
}

func TestMarkClosedOnlyRunning(t *testing.T) {
	st, _ := openTest(t)
	insertTest(t, st, Session{ID: "c1", TerminalID: 1})

	if err := st.MarkClosed("c1"); err != nil {
		t.Fatalf("MarkClosed: %v", err)
	}
	got, _ := st.Get("c1")
	if got.Status != StatusClosed {
		t.Errorf("status = %q, want closed", got.Status)
	}

	// A session that already exited keeps its exit record.
	insertTest(t, st, Session{ID: "c2", TerminalID: 2})
	if err := st.MarkExited("c2", 0); err != nil {
		t.Fatalf("MarkExited: %v", err)
	}
	if err := st.MarkClosed("c2"); err != nil {
		t.Fatalf("MarkClosed on exited: %v", err)
	}
	got, _ = st.Get("c2")
	if got.Status != StatusExited {
		t.Errorf("status = %q, want exited (close must not overwrite)", got.Status)
	}
}

func TestMarkOrphaned(t *testing.T) {
	st, _ := openTest(t)
	insertTest(t, st, Session{ID: "o1", TerminalID: 1})

	if err := st.MarkOrphaned("o1"); err != nil {
		t.Fatalf("MarkOrphaned: %v", err)
	}
	got, _ := st.Get("o1")
	if got.Status != StatusOrphaned {
		t.Errorf("status = %q, want orphaned", got.Status)
	}
}

func TestUpdates(t *testing.T) {
	st, _ := openTest(t)
	insertTest(t, st, Session{ID: "u1", TerminalID: 1})

	if err := st.UpdateTitle("u1", "htop"); err != nil {
		t.Fatalf("UpdateTitle: %v", err)
	}
	if err := st.UpdateCwd("u1", "/var/log"); err != nil {
		t.Fatalf("UpdateCwd: %v", err)
	}
	if err := st.UpdateTerminalID("u1", 9); err != nil {
		t.Fatalf("UpdateTerminalID: %v", err)
	}

	got, err := st.Get("u1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Title != "htop" || got.Cwd != "/var/log" || got.TerminalID != 9 {
		t.Errorf("row = %+v, want title htop cwd /var/log terminal 9", got)
	}
}

func TestRunning(t *testing.T) {
	st, _ := openTest(t)
	base := time.Now().UTC().Add(-time.Hour)
	insertTest(t, st, Session{ID: "r2", TerminalID: 2, CreatedAt: base.Add(2 * time.Minute)})
	insertTest(t, st, Session{ID: "r1", TerminalID: 1, CreatedAt: base.Add(time.Minute)})
	insertTest(t, st, Session{ID: "dead", TerminalID: 3, Status: StatusExited, CreatedAt: base})

	rows, err := st.Running()
	if err != nil {
		t.Fatalf("Running: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("Running() returned %d rows, want 2", len(rows))
	}
	// Ordered oldest first so reconciliation adopts in creation order.
	if rows[0].ID != "r1" || rows[1].ID != "r2" {
		t.Errorf("order = %s, %s, want r1, r2", rows[0].ID, rows[1].ID)
	}
}

func TestListNewestFirst(t *testing.T) {
	st, _ := openTest(t)
	base := time.Now().UTC().Add(-time.Hour)
	for i, id := range []string{"l1", "l2", "l3"} {
		insertTest(t, st, Session{ID: id, TerminalID: i, CreatedAt: base.Add(time.Duration(i) * time.Minute)})
	}

	rows, err := st.List(2)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("List(2) returned %d rows, want 2", len(rows))
	}
	if rows[0].ID != "l3" || rows[1].ID != "l2" {
		t.Errorf("order = %s, %s, want l3, l2", rows[0].ID, rows[1].ID)
	}

	rows, err = st.List(0) // zero means the default limit
	if err != nil {
		t.Fatalf("List(0): %v", err)
	}
	if len(rows) != 3 {
		t.Errorf("List(0) returned %d rows, want 3", len(rows))
	}
}

func TestPrune(t *testing.T) {
	st, _ := openTest(t)
	old := time.Now().UTC().AddDate(0, 0, -30)
	fresh := time.Now().UTC()

	insertTest(t, st, Session{ID: "old-closed", Status: StatusClosed, CreatedAt: old})
	insertTest(t, st, Session{ID: "old-exited", Status: StatusExited, CreatedAt: old})
	insertTest(t, st, Session{ID: "old-persist", Status: StatusClosed, Persist: true, CreatedAt: old})
	insertTest(t, st, Session{ID: "old-running", Status: StatusRunning, CreatedAt: old})
	insertTest(t, st, Session{ID: "fresh-closed", Status: StatusClosed, CreatedAt: fresh})

	n, err := st.Prune(time.Now().UTC().AddDate(0, 0, -7))
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if n != 2 {
		t.Errorf("Prune removed %d rows, want 2", n)
	}

	for _, id := range []string{"old-persist", "old-running", "fresh-closed"} {
		if _, err := st.Get(id); err != nil {
			t.Errorf("Get(%s) after prune = %v, want kept", id, err)
		}
	}
	for _, id := range []string{"old-closed", "old-exited"} {
		if _, err := st.Get(id); !errors.Is(err, sql.ErrNoRows) {
			t.Errorf("Get(%s) = %v, want pruned", id, err)
		}
	}
}
