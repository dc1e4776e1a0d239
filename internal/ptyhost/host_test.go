package ptyhost

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/termhost/termhost/internal/backend"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type output struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func collectData(h backend.Handle) *output {
	o := &output{}
	h.Events().Data.Subscribe(func(d []byte) {
		o.mu.Lock()
		o.buf.Write(d)
		o.mu.Unlock()
	})
	return o
}

func (o *output) contains(s string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return strings.Contains(o.buf.String(), s)
}

type testHost struct {
	socket  string
	pidPath string
}

// startTestHost runs a host on a socket under t.TempDir and stops it
// when the test ends.
func startTestHost(t *testing.T) testHost {
	t.Helper()
	dir := t.TempDir()
	th := testHost{
		socket:  filepath.Join(dir, "host.sock"),
		pidPath: filepath.Join(dir, "host.pid"),
	}
	h := New(Options{
		SocketPath: th.socket,
		PidPath:    th.pidPath,
		Logger:     testLogger(),
		Local:      backend.LocalOptions{Logger: testLogger()},
	})

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		if err := h.Run(ctx); err != nil {
			t.Errorf("host run: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-stopped:
		case <-time.After(5 * time.Second):
			t.Error("host did not stop")
		}
	})

	waitFor(t, "host to answer", func() bool {
		c, err := Connect(th.socket, testLogger())
		if err != nil {
			return false
		}
		defer c.Close()
		pctx, pcancel := context.WithTimeout(context.Background(), time.Second)
		defer pcancel()
		return c.Ping(pctx) == nil
	})
	return th
}

func dialTestHost(t *testing.T, socket string) *Client {
	t.Helper()
	c, err := Connect(socket, testLogger())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestHostSessionLifecycle(t *testing.T) {
	th := startTestHost(t)
	c := dialTestHost(t, th.socket)
	ctx := context.Background()
	dir := t.TempDir()

	pidData, err := os.ReadFile(th.pidPath)
	if err != nil {
		t.Fatalf("pid file: %v", err)
	}
	if pid, _ := strconv.Atoi(string(pidData)); pid != os.Getpid() {
		t.Errorf("pid file = %q, want %d", pidData, os.Getpid())
	}

	h, err := c.CreateProcess(ctx, backend.CreateOptions{
		SessionID:  "life0001",
		Name:       "copycat",
		Executable: "cat",
		Cwd:        dir,
		Cols:       80,
		Rows:       24,
	})
	if err != nil {
		t.Fatalf("CreateProcess: %v", err)
	}
	if h.SessionID() != "life0001" {
		t.Errorf("session id = %q, want life0001", h.SessionID())
	}

	readyCh := make(chan backend.ReadyEvent, 1)
	h.Events().Ready.Subscribe(func(e backend.ReadyEvent) { readyCh <- e })
	titleCh := make(chan string, 1)
	h.Events().Title.Subscribe(func(s string) { titleCh <- s })
	out := collectData(h)

	if err := h.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if h.Pid() <= 0 {
		t.Errorf("pid = %d after start, want > 0", h.Pid())
	}

	select {
	case e := <-readyCh:
		if e.Pid != h.Pid() || e.Cwd != dir {
			t.Errorf("ready = %+v, want pid %d cwd %q", e, h.Pid(), dir)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no ready event relayed")
	}
	select {
	case title := <-titleCh:
		if title != "copycat" {
			t.Errorf("title = %q, want copycat", title)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no title event relayed")
	}

	if err := h.Input([]byte("ping\n")); err != nil {
		t.Fatalf("Input: %v", err)
	}
	waitFor(t, "echoed output", func() bool { return out.contains("ping") })

	if got := string(h.Replay()); !strings.Contains(got, "ping") {
		t.Errorf("replay = %q, want it to contain ping", got)
	}
	if err := h.AckDataEvent(5); err != nil {
		t.Errorf("AckDataEvent: %v", err)
	}
	if err := h.Resize(100, 30); err != nil {
		t.Errorf("Resize: %v", err)
	}

	cwd, err := h.InitialCwd(ctx)
	if err != nil || cwd != dir {
		t.Errorf("InitialCwd = %q, %v, want %q", cwd, err, dir)
	}
	if cwd, err = h.Cwd(ctx); err != nil || cwd == "" {
		t.Errorf("Cwd = %q, %v, want a directory", cwd, err)
	}

	sessions, err := c.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != "life0001" || !sessions[0].Running {
		t.Fatalf("List = %+v, want one running life0001", sessions)
	}
	if sessions[0].Name != "copycat" || sessions[0].Pid != h.Pid() {
		t.Errorf("listed session = %+v", sessions[0])
	}

	if err := h.ClearBuffer(); err != nil {
		t.Errorf("ClearBuffer: %v", err)
	}
	if got := h.Replay(); len(got) != 0 {
		t.Errorf("replay after clear = %q, want empty", got)
	}

	if err := h.Shutdown(ctx, true); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	select {
	case <-h.Done():
	default:
		t.Error("Done() not closed after shutdown")
	}

	sessions, err = c.List(ctx)
	if err != nil {
		t.Fatalf("List after shutdown: %v", err)
	}
	if len(sessions) != 0 {
		t.Errorf("%d sessions after shutdown, want 0", len(sessions))
	}
}

func TestHostRelaysExitEvent(t *testing.T) {
	th := startTestHost(t)
	c := dialTestHost(t, th.socket)
	ctx := context.Background()

	h, err := c.CreateProcess(ctx, backend.CreateOptions{
		SessionID:  "exit0001",
		Executable: "/bin/sh",
		Args:       []string{"-c", "exit 3"},
	})
	if err != nil {
		t.Fatalf("CreateProcess: %v", err)
	}
	exitCh := make(chan backend.ExitEvent, 1)
	h.Events().Exit.Subscribe(func(e backend.ExitEvent) { exitCh <- e })

	if err := h.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case e := <-exitCh:
		if e.Code != 3 {
			t.Errorf("exit code = %d, want 3", e.Code)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no exit event relayed")
	}
	select {
	case <-h.Done():
	default:
		t.Error("Done() not closed after exit")
	}

	// Exited sessions are reaped, so they cannot be attached again.
	waitFor(t, "exited session reaped", func() bool {
		sessions, err := c.List(ctx)
		return err == nil && len(sessions) == 0
	})
}

func TestHostRelaysPropertyEvents(t *testing.T) {
	th := startTestHost(t)
	c := dialTestHost(t, th.socket)
	ctx := context.Background()

	h, err := c.CreateProcess(ctx, backend.CreateOptions{
		SessionID:  "prop0001",
		Name:       "tattler",
		Executable: "cat",
	})
	if err != nil {
		t.Fatalf("CreateProcess: %v", err)
	}
	propCh := make(chan backend.PropertyEvent, 8)
	h.Events().Property.Subscribe(func(e backend.PropertyEvent) { propCh <- e })

	if err := h.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := h.RefreshProperty(ctx, backend.PropertyTitle); err != nil {
		t.Fatalf("RefreshProperty: %v", err)
	}

waitProp:
	for {
		select {
		case e := <-propCh:
			if e.Property != backend.PropertyTitle {
				continue
			}
			if got, _ := e.Value.(string); got != "tattler" {
				t.Errorf("title property = %v, want tattler", e.Value)
			}
			break waitProp
		case <-time.After(5 * time.Second):
			t.Fatal("no title property event relayed")
		}
	}

	if err := h.Shutdown(ctx, true); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestHostPersistentSessionSurvivesClient(t *testing.T) {
	th := startTestHost(t)
	ctx := context.Background()

	a, err := Connect(th.socket, testLogger())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	h, err := a.CreateProcess(ctx, backend.CreateOptions{
		SessionID:     "pers0001",
		Executable:    "cat",
		ShouldPersist: true,
	})
	if err != nil {
		t.Fatalf("CreateProcess: %v", err)
	}
	out := collectData(h)
	if err := h.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := h.Input([]byte("alpha\n")); err != nil {
		t.Fatalf("Input: %v", err)
	}
	waitFor(t, "first client output", func() bool { return out.contains("alpha") })
	a.Close()

	b := dialTestHost(t, th.socket)
	sessions, err := b.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(sessions) != 1 || !sessions[0].Running || !sessions[0].Persist {
		t.Fatalf("List after disconnect = %+v, want one running persistent session", sessions)
	}

	h2, err := b.AttachProcess(ctx, "pers0001")
	if err != nil {
		t.Fatalf("AttachProcess: %v", err)
	}
	if h2.Pid() <= 0 {
		t.Errorf("pid after attach = %d, want > 0", h2.Pid())
	}
	if replay := string(h2.Replay()); !strings.Contains(replay, "alpha") {
		t.Errorf("replay after attach = %q, want it to contain alpha", replay)
	}

	out2 := collectData(h2)
	if err := h2.Input([]byte("beta\n")); err != nil {
		t.Fatalf("Input after attach: %v", err)
	}
	waitFor(t, "second client output", func() bool { return out2.contains("beta") })

	if err := h2.Shutdown(ctx, true); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestHostTransientSessionDiesWithClient(t *testing.T) {
	th := startTestHost(t)
	ctx := context.Background()

	a, err := Connect(th.socket, testLogger())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	h, err := a.CreateProcess(ctx, backend.CreateOptions{
		SessionID:  "tran0001",
		Executable: "cat",
	})
	if err != nil {
		t.Fatalf("CreateProcess: %v", err)
	}
	if err := h.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	a.Close()

	b := dialTestHost(t, th.socket)
	waitFor(t, "transient session reaped", func() bool {
		sessions, err := b.List(ctx)
		return err == nil && len(sessions) == 0
	})
	if _, err := b.AttachProcess(ctx, "tran0001"); !errors.Is(err, backend.ErrSessionNotFound) {
		t.Errorf("attach after reap = %v, want ErrSessionNotFound", err)
	}
}

func TestHostSentinelsAcrossSocket(t *testing.T) {
	th := startTestHost(t)
	c := dialTestHost(t, th.socket)
	ctx := context.Background()

	if _, err := c.AttachProcess(ctx, "ghost"); !errors.Is(err, backend.ErrSessionNotFound) {
		t.Errorf("attach unknown = %v, want ErrSessionNotFound", err)
	}

	h, err := c.CreateProcess(ctx, backend.CreateOptions{
		SessionID:  "sent0001",
		Executable: "cat",
	})
	if err != nil {
		t.Fatalf("CreateProcess: %v", err)
	}
	if err := h.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := h.Start(ctx); !errors.Is(err, backend.ErrAlreadyStarted) {
		t.Errorf("second Start = %v, want ErrAlreadyStarted", err)
	}
	if err := h.RefreshProperty(ctx, backend.Property("bogus")); !errors.Is(err, backend.ErrPropertyUnsupported) {
		t.Errorf("RefreshProperty = %v, want ErrPropertyUnsupported", err)
	}
	if _, err := c.sendRequest(ctx, Request{Command: "frobnicate"}); err == nil || !strings.Contains(err.Error(), "unknown command") {
		t.Errorf("unknown command = %v, want rejection", err)
	}

	if err := h.Shutdown(ctx, true); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestCleanStaleSocket(t *testing.T) {
	dir := t.TempDir()
	socket := filepath.Join(dir, "host.sock")
	pid := filepath.Join(dir, "host.pid")
	if err := os.WriteFile(socket, nil, 0o600); err != nil {
		t.Fatal(err)
	}

	h := New(Options{SocketPath: socket, PidPath: pid, Logger: testLogger()})
	if err := h.cleanStaleSocket(); err != nil {
		t.Fatalf("cleanStaleSocket: %v", err)
	}
	if _, err := os.Stat(socket); !os.IsNotExist(err) {
		t.Error("stale socket file not removed")
	}
}

func TestCleanStaleSocketLivePid(t *testing.T) {
	dir := t.TempDir()
	socket := filepath.Join(dir, "host.sock")
	pid := filepath.Join(dir, "host.pid")
	if err := os.WriteFile(socket, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(pid, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		t.Fatal(err)
	}

	h := New(Options{SocketPath: socket, PidPath: pid, Logger: testLogger()})
	err := h.cleanStaleSocket()
	if err == nil || !strings.Contains(err.Error(), "already running") {
		t.Fatalf("cleanStaleSocket = %v, want already-running error", err)
	}
	if _, err := os.Stat(socket); err != nil {
		t.Error("socket file removed despite live pid")
	}
}

func TestHostRefusesSecondInstance(t *testing.T) {
	th := startTestHost(t)

	h2 := New(Options{SocketPath: th.socket, PidPath: th.pidPath, Logger: testLogger()})
	err := h2.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "already running") {
		t.Fatalf("second Run = %v, want already-running error", err)
	}
}
