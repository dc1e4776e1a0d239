package backend

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/termhost/termhost/internal/shell"
)

// Defaults for replay buffering and data flow control.
const (
	DefaultReplayBytes = 100 * 1024
	DefaultHighWater   = 128 * 1024
	DefaultLowWater    = 32 * 1024
)

// LocalOptions tunes a LocalProvider.
type LocalOptions struct {
	// Logger receives provider and session logs. Defaults to slog.Default.
	Logger *slog.Logger

	// DefaultShell is used when a create request names no executable.
	// Empty means resolve from the environment.
	DefaultShell string

	// ReplayBytes caps each session's replay buffer.
	ReplayBytes int

	// HighWater, LowWater are the flow-control thresholds for
	// unacknowledged output bytes.
	HighWater int
	LowWater  int
}

// LocalProvider spawns child processes in this OS process. Sessions live
// until they are shut down or the provider is stopped; they do not
// survive the hosting process, which is what the detached host in
// internal/ptyhost exists for.
type LocalProvider struct {
	log  *slog.Logger
	opts LocalOptions

	mu       sync.RWMutex
	sessions map[string]*Process
}

var _ Provider = (*LocalProvider)(nil)

func NewLocalProvider(opts LocalOptions) *LocalProvider {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ReplayBytes <= 0 {
		opts.ReplayBytes = DefaultReplayBytes
	}
	if opts.HighWater <= 0 {
		opts.HighWater = DefaultHighWater
	}
	if opts.LowWater <= 0 || opts.LowWater >= opts.HighWater {
		opts.LowWater = opts.HighWater / 4
	}
	return &LocalProvider{
		log:      opts.Logger,
		opts:     opts,
		sessions: make(map[string]*Process),
	}
}

// CreateProcess resolves the command and working directory and registers a
// new session. The child is not spawned until Handle.Start.
func (p *LocalProvider) CreateProcess(ctx context.Context, opts CreateOptions) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	id := opts.SessionID
	if id == "" {
		id = uuid.New().String()[:8]
	}

	requested := opts.Executable
	if requested == "" {
		requested = p.opts.DefaultShell
	}
	path, err := shell.Resolve(requested)
	if err != nil {
		return nil, fmt.Errorf("resolve shell: %w", err)
	}

	proc := newProcess(id, path, opts, processLimits{
		replayBytes: p.opts.ReplayBytes,
		highWater:   p.opts.HighWater,
		lowWater:    p.opts.LowWater,
	}, p)

	p.mu.Lock()
	if _, exists := p.sessions[id]; exists {
		p.mu.Unlock()
		return nil, fmt.Errorf("session %s already exists", id)
	}
	p.sessions[id] = proc
	p.mu.Unlock()

	p.log.Debug("session created", "session", id, "shell", path, "persist", opts.ShouldPersist)
	return proc, nil
}

// AttachProcess returns the handle for a registered session. The caller
// takes over as the handle's single owner.
func (p *LocalProvider) AttachProcess(ctx context.Context, sessionID string) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.RLock()
	proc := p.sessions[sessionID]
	p.mu.RUnlock()
	if proc == nil {
		return nil, ErrSessionNotFound
	}
	return proc, nil
}

// SessionInfo is a point-in-time description of a registered session.
type SessionInfo struct {
	ID       string
	Pid      int
	Name     string
	Title    string
	Cwd      string
	Persist  bool
	Running  bool
	ExitCode int
}

// Info describes a single registered session.
func (p *LocalProvider) Info(sessionID string) (SessionInfo, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	proc := p.sessions[sessionID]
	if proc == nil {
		return SessionInfo{}, false
	}
	return proc.info(), true
}

// Sessions lists all registered sessions, running or exited.
func (p *LocalProvider) Sessions() []SessionInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]SessionInfo, 0, len(p.sessions))
	for _, proc := range p.sessions {
		out = append(out, proc.info())
	}
	return out
}

// Remove drops a session from the registry without touching its child.
// Used to forget exited sessions.
func (p *LocalProvider) Remove(sessionID string) {
	p.mu.Lock()
	delete(p.sessions, sessionID)
	p.mu.Unlock()
}

func (p *LocalProvider) remove(sessionID string) {
	p.Remove(sessionID)
}

// StopAll shuts down every registered session immediately.
func (p *LocalProvider) StopAll(ctx context.Context) {
	p.mu.Lock()
	procs := make([]*Process, 0, len(p.sessions))
	for _, proc := range p.sessions {
		procs = append(procs, proc)
	}
	p.sessions = make(map[string]*Process)
	p.mu.Unlock()

	for _, proc := range procs {
		if err := proc.Shutdown(ctx, true); err != nil {
			p.log.Warn("session shutdown failed", "session", proc.SessionID(), "error", err)
		}
	}
}

// resolveCwd maps a requested working-directory locator onto a usable
// local directory. Scheme-prefixed locators keep only their path part;
// anything that does not exist falls back to the home directory.
func resolveCwd(loc string) string {
	if i := strings.Index(loc, "://"); i >= 0 {
		loc = loc[i+len("://"):]
		if j := strings.IndexByte(loc, '/'); j >= 0 {
			loc = loc[j:]
		} else {
			loc = ""
		}
	}
	if loc != "" {
		if fi, err := os.Stat(loc); err == nil && fi.IsDir() {
			return loc
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		return home
	}
	return "/"
}
