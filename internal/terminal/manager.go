package terminal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/termhost/termhost/internal/backend"
)

// State tracks a manager's lifecycle.
type State int32

const (
	StateUninitialized State = iota
	StateCreating
	StateActive
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateCreating:
		return "creating"
	case StateActive:
		return "active"
	case StateDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// Settings supplies the configuration values a manager reads at creation
// time. Values are read fresh on every creation call, never cached
// across calls.
type Settings interface {
	PersistentSessionsEnabled() bool
	PtyEnabled() bool
	UnicodeVersion() string
}

// Manager owns the lifetime of one terminal tab's child process. It
// creates the process through a backend provider, computes whether the
// session may persist, relays the handle's events to its own observers
// while Active, and tears everything down exactly once on disposal.
//
// A manager drives at most one process; after a failed creation or a
// disposal, further work takes a fresh manager.
type Manager struct {
	id       int
	log      *slog.Logger
	provider backend.Provider
	settings Settings
	events   *backend.Events
	registry *Registry

	mu            sync.Mutex
	state         State
	handle        backend.Handle
	sessionID     string
	pid           int
	shouldPersist bool
}

func NewManager(id int, provider backend.Provider, settings Settings, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		id:       id,
		log:      log,
		provider: provider,
		settings: settings,
		events:   backend.NewEvents(),
		registry: NewRegistry(),
	}
}

func (m *Manager) ID() int { return m.id }

// Events returns the manager's observer streams. They fire only between
// successful process acquisition and the start of disposal.
func (m *Manager) Events() *backend.Events { return m.events }

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ShouldPersist reports the eligibility computed by the most recent
// creation call. Readable immediately after CreateProcess returns,
// whether or not creation succeeded.
func (m *Manager) ShouldPersist() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shouldPersist
}

// SessionID returns the backend session id, or "" before creation.
func (m *Manager) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}

// Pid returns the child process id, or 0 before the process is active.
func (m *Manager) Pid() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pid
}

// CreateProcess computes persistence eligibility, obtains a process
// handle from the provider, attaches the subscription registry to its
// event streams and starts the child. On any failure the error is
// returned to the caller, the manager never reaches Active, and no
// subscriptions stay attached.
func (m *Manager) CreateProcess(ctx context.Context, cfg LaunchConfig, cols, rows uint16, screenReaderOptimized bool) error {
	m.mu.Lock()
	switch m.state {
	case StateDisposed:
		m.mu.Unlock()
		return ErrManagerDisposed
	case StateCreating, StateActive:
		m.mu.Unlock()
		return ErrAlreadyCreated
	}
	m.state = StateCreating
	persist := ShouldPersist(cfg, m.settings.PersistentSessionsEnabled())
	m.shouldPersist = persist
	sessionID := uuid.New().String()[:8]
	m.sessionID = sessionID
	m.mu.Unlock()

	opts := backend.CreateOptions{
		SessionID:      sessionID,
		Name:           cfg.Name,
		Executable:     cfg.Executable,
		Args:           cfg.Args,
		Cwd:            cfg.Cwd,
		Cols:           cols,
		Rows:           rows,
		UnicodeVersion: m.settings.UnicodeVersion(),
		Env:            flattenEnv(cfg.Env),
		UsePty:         m.settings.PtyEnabled() && !screenReaderOptimized,
		ShouldPersist:  persist,
	}

	handle, err := m.provider.CreateProcess(ctx, opts)
	if err != nil {
		return fmt.Errorf("create process: %w", err)
	}

	m.mu.Lock()
	if m.state == StateDisposed {
		// Disposed while creation was in flight; tear the fresh handle
		// down so nothing is orphaned.
		m.mu.Unlock()
		if err := handle.Shutdown(ctx, true); err != nil {
			m.log.Warn("shutdown after disposal failed", "session", sessionID, "error", err)
		}
		return ErrManagerDisposed
	}
	m.handle = handle
	m.mu.Unlock()

	// Listeners go on before Start so the ready event cannot be missed.
	m.attach(handle)

	if err := handle.Start(ctx); err != nil {
		m.registry.Release()
		m.mu.Lock()
		m.handle = nil
		m.mu.Unlock()
		if shutErr := handle.Shutdown(ctx, true); shutErr != nil {
			m.log.Warn("cleanup after failed start", "session", sessionID, "error", shutErr)
		}
		return fmt.Errorf("start process: %w", err)
	}

	m.mu.Lock()
	if m.state == StateDisposed {
		// Disposal won the race while the child was starting; it already
		// shut the handle down and released the listeners.
		m.mu.Unlock()
		return ErrManagerDisposed
	}
	m.state = StateActive
	m.pid = handle.Pid()
	m.mu.Unlock()

	m.log.Debug("terminal active", "terminal", m.id, "session", sessionID, "persist", persist)
	return nil
}

// AttachProcess adopts an existing live backend session, used when
// reconnecting persistent sessions after a restart. Adopted sessions are
// persistent by definition; the handle is already running, so no start
// is issued and no ready event is replayed.
func (m *Manager) AttachProcess(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	switch m.state {
	case StateDisposed:
		m.mu.Unlock()
		return ErrManagerDisposed
	case StateCreating, StateActive:
		m.mu.Unlock()
		return ErrAlreadyCreated
	}
	m.state = StateCreating
	m.shouldPersist = true
	m.sessionID = sessionID
	m.mu.Unlock()

	handle, err := m.provider.AttachProcess(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("attach process: %w", err)
	}

	m.mu.Lock()
	if m.state == StateDisposed {
		m.mu.Unlock()
		if err := handle.Detach(); err != nil && !errors.Is(err, backend.ErrDetachUnsupported) {
			m.log.Warn("detach after disposal failed", "session", sessionID, "error", err)
		}
		return ErrManagerDisposed
	}
	m.handle = handle
	m.mu.Unlock()

	m.attach(handle)

	m.mu.Lock()
	if m.state == StateDisposed {
		m.mu.Unlock()
		return ErrManagerDisposed
	}
	m.state = StateActive
	m.pid = handle.Pid()
	m.mu.Unlock()

	m.log.Debug("terminal adopted", "terminal", m.id, "session", sessionID)
	return nil
}

func (m *Manager) attach(h backend.Handle) {
	src := h.Events()
	dst := m.events
	m.registry.Track(src.Ready.Subscribe(func(e backend.ReadyEvent) { dst.Ready.Emit(e) }))
	m.registry.Track(src.Exit.Subscribe(func(e backend.ExitEvent) { dst.Exit.Emit(e) }))
	m.registry.Track(src.Data.Subscribe(func(data []byte) { dst.Data.Emit(data) }))
	m.registry.Track(src.Property.Subscribe(func(e backend.PropertyEvent) { dst.Property.Emit(e) }))
	m.registry.Track(src.Title.Subscribe(func(title string) { dst.Title.Emit(title) }))
	m.registry.Track(src.ShellType.Subscribe(func(st string) { dst.ShellType.Emit(st) }))
	m.registry.Track(src.ChildCount.Subscribe(func(n int) { dst.ChildCount.Emit(n) }))
	m.registry.Track(src.Resolved.Subscribe(func(rc backend.ResolvedCommand) { dst.Resolved.Emit(rc) }))
}

// Dispose tears the manager down: the registry releases every listener
// it holds, then the handle is asked to shut down. Idempotent and safe
// under concurrent teardown. A shutdown failure is logged and never
// blocks local release; after Dispose returns, this manager contributes
// zero listeners to every handle stream.
func (m *Manager) Dispose(ctx context.Context) error {
	handle, proceed := m.beginDispose()
	if !proceed {
		return nil
	}

	m.registry.Release()

	if handle != nil {
		if err := handle.Shutdown(ctx, true); err != nil {
			m.log.Warn("process shutdown failed", "terminal", m.id, "session", handle.SessionID(), "error", err)
		}
	}
	return nil
}

// Detach releases the manager without terminating the child, leaving a
// persistent session running for later adoption. Handles that cannot be
// detached are shut down instead.
func (m *Manager) Detach(ctx context.Context) error {
	handle, proceed := m.beginDispose()
	if !proceed {
		return nil
	}

	m.registry.Release()

	if handle == nil {
		return nil
	}
	if err := handle.Detach(); err != nil {
		if errors.Is(err, backend.ErrDetachUnsupported) {
			if shutErr := handle.Shutdown(ctx, true); shutErr != nil {
				m.log.Warn("process shutdown failed", "terminal", m.id, "session", handle.SessionID(), "error", shutErr)
			}
			return nil
		}
		m.log.Warn("detach failed", "terminal", m.id, "session", handle.SessionID(), "error", err)
	}
	return nil
}

// beginDispose flips the manager into Disposed and takes ownership of
// the handle. The second caller gets proceed == false.
func (m *Manager) beginDispose() (backend.Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateDisposed {
		return nil, false
	}
	m.state = StateDisposed
	handle := m.handle
	m.handle = nil
	return handle, true
}

func (m *Manager) activeHandle() (backend.Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateActive || m.handle == nil {
		return nil, ErrNotActive
	}
	return m.handle, nil
}

// Write sends input to the child process.
func (m *Manager) Write(data []byte) error {
	h, err := m.activeHandle()
	if err != nil {
		return err
	}
	return h.Input(data)
}

// Resize updates the terminal geometry.
func (m *Manager) Resize(cols, rows uint16) error {
	h, err := m.activeHandle()
	if err != nil {
		return err
	}
	return h.Resize(cols, rows)
}

// ClearBuffer discards the session's replay buffer.
func (m *Manager) ClearBuffer() error {
	h, err := m.activeHandle()
	if err != nil {
		return err
	}
	return h.ClearBuffer()
}

// AckDataEvent acknowledges n delivered output bytes.
func (m *Manager) AckDataEvent(n int) error {
	h, err := m.activeHandle()
	if err != nil {
		return err
	}
	return h.AckDataEvent(n)
}

// Replay returns the buffered output, or nil when not active.
func (m *Manager) Replay() []byte {
	h, err := m.activeHandle()
	if err != nil {
		return nil
	}
	return h.Replay()
}

// InitialCwd returns the directory the child started in.
func (m *Manager) InitialCwd(ctx context.Context) (string, error) {
	h, err := m.activeHandle()
	if err != nil {
		return "", err
	}
	return h.InitialCwd(ctx)
}

// Cwd returns the child's current working directory.
func (m *Manager) Cwd(ctx context.Context) (string, error) {
	h, err := m.activeHandle()
	if err != nil {
		return "", err
	}
	return h.Cwd(ctx)
}

// RefreshProperty asks the handle to re-read a property. Unsupported
// properties surface backend.ErrPropertyUnsupported.
func (m *Manager) RefreshProperty(ctx context.Context, p backend.Property) error {
	h, err := m.activeHandle()
	if err != nil {
		return err
	}
	return h.RefreshProperty(ctx, p)
}
