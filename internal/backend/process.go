package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/termhost/termhost/internal/shell"
)

const (
	shutdownGrace = 5 * time.Second
	readBufSize   = 32 * 1024
)

type processLimits struct {
	replayBytes int
	highWater   int
	lowWater    int
}

// Process is a locally spawned child process, pty-backed by default with
// a plain-pipe fallback. It implements Handle.
type Process struct {
	id        string
	requested string
	path      string
	args      []string
	name      string
	env       []string
	cols      uint16
	rows      uint16
	usePty    bool
	persist   bool
	limits    processLimits
	provider  *LocalProvider
	events    *Events

	done     chan struct{}
	quit     chan struct{}
	resume   chan struct{}
	quitOnce sync.Once
	readers  sync.WaitGroup

	mu         sync.Mutex
	started    bool
	exited     bool
	exitCode   int
	pid        int
	cmd        *exec.Cmd
	ptmx       *os.File
	stdin      io.WriteCloser
	stdout     io.ReadCloser
	stderr     io.ReadCloser
	initialCwd string
	cwd        string
	title      string
	shellType  string
	childCount int

	// Replay buffer for reconnection
	replayMu sync.Mutex
	replay   []byte

	// Flow control over unacknowledged output
	flowMu  sync.Mutex
	unacked int
	paused  bool

	scanner oscScanner // touched only by the stdout/pty reader
}

var _ Handle = (*Process)(nil)

func newProcess(id, path string, opts CreateOptions, limits processLimits, provider *LocalProvider) *Process {
	name := opts.Name
	if name == "" {
		name = filepath.Base(path)
	}
	cols, rows := opts.Cols, opts.Rows
	if cols == 0 {
		cols = 80
	}
	if rows == 0 {
		rows = 24
	}
	cwd := resolveCwd(opts.Cwd)

	env := os.Environ()
	if opts.UsePty {
		env = append(env, "TERM=xterm-256color")
	}
	env = append(env, "TERM_PROGRAM=termhost")
	if opts.UnicodeVersion != "" {
		env = append(env, "TERMHOST_UNICODE_VERSION="+opts.UnicodeVersion)
	}
	env = append(env, opts.Env...)

	return &Process{
		id:         id,
		requested:  opts.Executable,
		path:       path,
		args:       opts.Args,
		name:       name,
		env:        env,
		cols:       cols,
		rows:       rows,
		usePty:     opts.UsePty,
		persist:    opts.ShouldPersist,
		limits:     limits,
		provider:   provider,
		events:     NewEvents(),
		done:       make(chan struct{}),
		quit:       make(chan struct{}),
		resume:     make(chan struct{}, 1),
		initialCwd: cwd,
		cwd:        cwd,
		title:      name,
		shellType:  shell.TypeOf(path),
	}
}

func (s *Process) SessionID() string { return s.id }

func (s *Process) Events() *Events { return s.events }

// Done returns a channel that is closed when the child process exits.
func (s *Process) Done() <-chan struct{} { return s.done }

func (s *Process) Pid() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pid
}

// Start spawns the child process and begins relaying its output. Event
// listeners should already be attached; the ready, resolved-command,
// title and initial property events fire synchronously from here.
func (s *Process) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true

	cmd := exec.Command(s.path, s.args...)
	cmd.Dir = s.initialCwd
	cmd.Env = s.env

	var err error
	if s.usePty {
		s.ptmx, err = pty.StartWithSize(cmd, &pty.Winsize{Rows: s.rows, Cols: s.cols})
	} else {
		err = s.startPipes(cmd)
	}
	if err != nil {
		s.exited = true
		s.exitCode = -1
		s.mu.Unlock()
		close(s.done)
		s.provider.remove(s.id)
		return fmt.Errorf("start %s: %w", s.path, err)
	}

	s.cmd = cmd
	s.pid = cmd.Process.Pid
	pid := s.pid
	cwd := s.initialCwd
	title := s.title
	shellType := s.shellType
	s.mu.Unlock()

	if s.usePty {
		s.readers.Add(1)
		go s.readLoop(s.ptmx, true)
	} else {
		s.readers.Add(2)
		go s.readLoop(s.stdout, true)
		go s.readLoop(s.stderr, false)
	}
	go s.waitLoop(cmd)
	go s.pollChildren()

	s.events.Ready.Emit(ReadyEvent{Pid: pid, Cwd: cwd})
	s.events.Resolved.Emit(ResolvedCommand{Path: s.path, Args: s.args})
	s.events.Title.Emit(title)
	s.events.ShellType.Emit(shellType)
	s.events.Property.Emit(PropertyEvent{Property: PropertyInitialCwd, Value: cwd})
	s.events.Property.Emit(PropertyEvent{Property: PropertyCwd, Value: cwd})
	return nil
}

func (s *Process) startPipes(cmd *exec.Cmd) error {
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}
	s.stdin = stdin
	s.stdout = stdout
	s.stderr = stderr
	return nil
}

// readLoop drains r, feeding the replay buffer, the OSC scanner (stdout
// only) and the data stream. It blocks when unacknowledged output passes
// the high watermark.
func (s *Process) readLoop(r io.Reader, scan bool) {
	defer s.readers.Done()
	buf := make([]byte, readBufSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			if !s.ingest(data, scan) {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *Process) ingest(data []byte, scan bool) bool {
	s.appendReplay(data)
	if scan {
		s.scanner.scan(data, s.handleOSC)
	}
	s.events.Data.Emit(data)

	s.flowMu.Lock()
	s.unacked += len(data)
	block := s.unacked >= s.limits.highWater && !s.paused
	if block {
		s.paused = true
	}
	s.flowMu.Unlock()

	if block {
		select {
		case <-s.resume:
		case <-s.quit:
			return false
		case <-s.done:
			return false
		}
	}
	return true
}

func (s *Process) waitLoop(cmd *exec.Cmd) {
	if !s.usePty {
		// Pipe readers must finish before Wait closes the pipes.
		s.readers.Wait()
	}
	err := cmd.Wait()
	code := exitCodeFromError(err)

	s.mu.Lock()
	s.exited = true
	s.exitCode = code
	ptmx := s.ptmx
	s.mu.Unlock()

	if ptmx != nil {
		ptmx.Close()
	}
	close(s.done)
	s.events.Exit.Emit(ExitEvent{Code: code})
}

func exitCodeFromError(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return 128 + int(ws.Signal())
		}
		return exitErr.ExitCode()
	}
	return -1
}

func (s *Process) handleOSC(code int, payload string) {
	switch code {
	case 0, 2: // window title
		s.mu.Lock()
		changed := payload != s.title
		s.title = payload
		s.mu.Unlock()
		if changed {
			s.events.Title.Emit(payload)
			s.events.Property.Emit(PropertyEvent{Property: PropertyTitle, Value: payload})
		}
	case 7: // cwd report
		dir, ok := cwdFromFileURI(payload)
		if !ok {
			return
		}
		s.mu.Lock()
		changed := dir != s.cwd
		s.cwd = dir
		s.mu.Unlock()
		if changed {
			s.events.Property.Emit(PropertyEvent{Property: PropertyCwd, Value: dir})
		}
	}
}

// Input writes data to the child's stdin.
func (s *Process) Input(data []byte) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return ErrNotStarted
	}
	if s.exited {
		s.mu.Unlock()
		return ErrProcessExited
	}
	ptmx := s.ptmx
	stdin := s.stdin
	s.mu.Unlock()

	var err error
	if ptmx != nil {
		_, err = ptmx.Write(data)
	} else {
		_, err = stdin.Write(data)
	}
	if err != nil {
		return fmt.Errorf("write input: %w", err)
	}
	return nil
}

// Resize updates the pty geometry. Pipe-backed processes ignore it.
func (s *Process) Resize(cols, rows uint16) error {
	if cols == 0 || rows == 0 {
		return fmt.Errorf("invalid size %dx%d", cols, rows)
	}
	s.mu.Lock()
	s.cols, s.rows = cols, rows
	ptmx := s.ptmx
	exited := s.exited
	s.mu.Unlock()

	if ptmx == nil || exited {
		return nil
	}
	if err := pty.Setsize(ptmx, &pty.Winsize{Rows: rows, Cols: cols}); err != nil {
		return fmt.Errorf("resize pty: %w", err)
	}
	return nil
}

func (s *Process) appendReplay(data []byte) {
	s.replayMu.Lock()
	defer s.replayMu.Unlock()
	s.replay = append(s.replay, data...)
	if len(s.replay) > s.limits.replayBytes {
		s.replay = s.replay[len(s.replay)-s.limits.replayBytes:]
	}
}

// Replay returns a copy of the buffered output.
func (s *Process) Replay() []byte {
	s.replayMu.Lock()
	defer s.replayMu.Unlock()
	cp := make([]byte, len(s.replay))
	copy(cp, s.replay)
	return cp
}

// ClearBuffer discards the replay buffer.
func (s *Process) ClearBuffer() error {
	s.replayMu.Lock()
	s.replay = nil
	s.replayMu.Unlock()
	return nil
}

// AckDataEvent credits n delivered bytes back to the flow-control window
// and resumes a paused reader once below the low watermark.
func (s *Process) AckDataEvent(n int) error {
	if n <= 0 {
		return nil
	}
	s.flowMu.Lock()
	s.unacked -= n
	if s.unacked < 0 {
		s.unacked = 0
	}
	wake := s.paused && s.unacked <= s.limits.lowWater
	if wake {
		s.paused = false
	}
	s.flowMu.Unlock()

	if wake {
		select {
		case s.resume <- struct{}{}:
		default:
		}
	}
	return nil
}

// InitialCwd returns the directory the child was started in.
func (s *Process) InitialCwd(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialCwd, nil
}

// Cwd returns the child's current working directory, read from procfs
// when the process is alive and falling back to the last known value.
func (s *Process) Cwd(ctx context.Context) (string, error) {
	s.mu.Lock()
	pid := s.pid
	cached := s.cwd
	alive := s.started && !s.exited
	s.mu.Unlock()

	if alive && pid > 0 {
		if link, err := os.Readlink(fmt.Sprintf("/proc/%d/cwd", pid)); err == nil {
			s.mu.Lock()
			s.cwd = link
			s.mu.Unlock()
			return link, nil
		}
	}
	return cached, nil
}

// RefreshProperty re-reads a property and emits a property-changed event.
func (s *Process) RefreshProperty(ctx context.Context, p Property) error {
	switch p {
	case PropertyCwd:
		cwd, err := s.Cwd(ctx)
		if err != nil {
			return err
		}
		s.events.Property.Emit(PropertyEvent{Property: PropertyCwd, Value: cwd})
	case PropertyInitialCwd:
		cwd, _ := s.InitialCwd(ctx)
		s.events.Property.Emit(PropertyEvent{Property: PropertyInitialCwd, Value: cwd})
	case PropertyTitle:
		s.mu.Lock()
		title := s.title
		s.mu.Unlock()
		s.events.Property.Emit(PropertyEvent{Property: PropertyTitle, Value: title})
	case PropertyShellType:
		s.mu.Lock()
		st := s.shellType
		s.mu.Unlock()
		s.events.Property.Emit(PropertyEvent{Property: PropertyShellType, Value: st})
	case PropertyChildCount:
		n, err := countChildren(s.Pid())
		if err != nil {
			return ErrPropertyUnsupported
		}
		s.mu.Lock()
		s.childCount = n
		s.mu.Unlock()
		s.events.Property.Emit(PropertyEvent{Property: PropertyChildCount, Value: n})
	default:
		return ErrPropertyUnsupported
	}
	return nil
}

// Shutdown terminates the child process. Immediate kills outright;
// otherwise the child gets SIGTERM and a grace period first.
func (s *Process) Shutdown(ctx context.Context, immediate bool) error {
	s.mu.Lock()
	if !s.started {
		// Never spawned: finalize locally.
		s.started = true
		s.exited = true
		s.exitCode = -1
		s.mu.Unlock()
		s.provider.remove(s.id)
		close(s.done)
		return nil
	}
	if s.exited {
		s.mu.Unlock()
		s.provider.remove(s.id)
		return nil
	}
	cmd := s.cmd
	ptmx := s.ptmx
	s.mu.Unlock()

	s.quitOnce.Do(func() { close(s.quit) })
	s.provider.remove(s.id)

	if immediate {
		if cmd.Process != nil {
			cmd.Process.Kill()
		}
		if ptmx != nil {
			ptmx.Close()
		}
	} else {
		if cmd.Process != nil {
			cmd.Process.Signal(syscall.SIGTERM)
		}
		select {
		case <-s.done:
			return nil
		case <-time.After(shutdownGrace):
			if cmd.Process != nil {
				cmd.Process.Kill()
			}
			if ptmx != nil {
				ptmx.Close()
			}
		case <-ctx.Done():
			if cmd.Process != nil {
				cmd.Process.Kill()
			}
			if ptmx != nil {
				ptmx.Close()
			}
		}
	}

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for exit: %w", ctx.Err())
	}
}

// Detach is not supported: local sessions cannot outlive this process.
func (s *Process) Detach() error {
	return ErrDetachUnsupported
}

func (s *Process) info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionInfo{
		ID:       s.id,
		Pid:      s.pid,
		Name:     s.name,
		Title:    s.title,
		Cwd:      s.cwd,
		Persist:  s.persist,
		Running:  s.started && !s.exited,
		ExitCode: s.exitCode,
	}
}
