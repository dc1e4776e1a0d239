// Package backend defines the process-creation boundary: a Provider spawns
// terminal child processes and returns Handles that expose control
// operations plus a fixed set of event streams. Two providers exist, the
// in-process pty provider in this package and the detached host client in
// internal/ptyhost.
package backend

import "context"

// Property identifies a queryable/refreshable attribute of a running
// process. The string values cross the host wire protocol.
type Property string

const (
	PropertyCwd        Property = "cwd"
	PropertyInitialCwd Property = "initialCwd"
	PropertyTitle      Property = "title"
	PropertyShellType  Property = "shellType"
	PropertyChildCount Property = "childProcessCount"
)

// ReadyEvent is emitted once a child process has been spawned.
type ReadyEvent struct {
	Pid int    `json:"pid"`
	Cwd string `json:"cwd"`
}

// ExitEvent is emitted when a child process terminates.
type ExitEvent struct {
	Code int `json:"code"`
}

// PropertyEvent is emitted when a process property changes or is refreshed.
type PropertyEvent struct {
	Property Property `json:"property"`
	Value    any      `json:"value"`
}

// ResolvedCommand reports the executable actually chosen after shell
// resolution, which may differ from the one requested.
type ResolvedCommand struct {
	Path string   `json:"path"`
	Args []string `json:"args,omitempty"`
}

// CreateOptions carries everything a provider needs to spawn a process.
type CreateOptions struct {
	// SessionID names the session. Providers assign one when empty.
	SessionID string

	// Name is a display label; falls back to the executable basename.
	Name string

	// Executable and Args select the program. An empty Executable asks the
	// provider to resolve a default shell.
	Executable string
	Args       []string

	// Cwd is the requested working directory, a local path or a
	// scheme-prefixed locator. Providers fall back to the home directory
	// when it cannot be used directly.
	Cwd string

	Cols uint16
	Rows uint16

	// UnicodeVersion is advertised to the child via environment.
	UnicodeVersion string

	// Env entries in KEY=VALUE form, merged over the provider environment.
	Env []string

	// UsePty allocates a pseudo-terminal. When false the process runs over
	// plain pipes, which drops resize support but keeps the data stream.
	UsePty bool

	// ShouldPersist marks the session as eligible to outlive the client
	// that created it. Providers may use it for restoration bookkeeping or
	// ignore it entirely.
	ShouldPersist bool
}

// Handle is the capability surface of one spawned child process. A handle
// is owned by exactly one consumer and is never shared.
type Handle interface {
	// SessionID returns the provider-scoped session identifier.
	SessionID() string

	// Pid returns the child process id, or 0 before Start.
	Pid() int

	// Start spawns the child. Events begin flowing after Start returns;
	// listeners should be attached beforehand.
	Start(ctx context.Context) error

	// Shutdown terminates the child. Immediate kills outright; otherwise
	// the child is signalled and given a grace period first.
	Shutdown(ctx context.Context, immediate bool) error

	// Detach releases the local handle while leaving the remote session
	// running. Handles that cannot outlive their owner return
	// ErrDetachUnsupported.
	Detach() error

	// Input writes keyboard/paste data to the child.
	Input(data []byte) error

	// Resize updates the terminal geometry.
	Resize(cols, rows uint16) error

	// ClearBuffer discards the replay buffer.
	ClearBuffer() error

	// AckDataEvent acknowledges n bytes of delivered data, releasing
	// flow-control backpressure.
	AckDataEvent(n int) error

	// InitialCwd returns the working directory the child started in.
	InitialCwd(ctx context.Context) (string, error)

	// Cwd returns the child's current working directory.
	Cwd(ctx context.Context) (string, error)

	// RefreshProperty re-reads a property and emits a property-changed
	// event. Unsupported properties return ErrPropertyUnsupported.
	RefreshProperty(ctx context.Context, p Property) error

	// Replay returns a copy of the buffered output.
	Replay() []byte

	// Events returns the handle's event streams.
	Events() *Events

	// Done is closed once the child has exited.
	Done() <-chan struct{}
}

// Provider spawns child processes.
type Provider interface {
	// CreateProcess prepares a handle for a new child process. The child
	// is not spawned until Handle.Start.
	CreateProcess(ctx context.Context, opts CreateOptions) (Handle, error)

	// AttachProcess returns a handle for an existing live session, used to
	// reconnect after a restart. Providers without session restoration
	// return ErrSessionNotFound.
	AttachProcess(ctx context.Context, sessionID string) (Handle, error)
}
