package backend

import "errors"

var (
	// ErrPropertyUnsupported reports that a handle cannot serve the
	// requested property. Distinct from transport failures so callers can
	// degrade instead of treating it as fatal.
	ErrPropertyUnsupported = errors.New("property not supported by this handle")

	// ErrDetachUnsupported reports that a handle's session cannot outlive
	// its owner.
	ErrDetachUnsupported = errors.New("detach not supported by this handle")

	// ErrSessionNotFound reports that a provider has no live session with
	// the given id.
	ErrSessionNotFound = errors.New("session not found")

	// ErrAlreadyStarted reports a second Start on the same handle.
	ErrAlreadyStarted = errors.New("process already started")

	// ErrNotStarted reports an operation that requires a running child.
	ErrNotStarted = errors.New("process not started")

	// ErrProcessExited reports an operation on a handle whose child has
	// already terminated.
	ErrProcessExited = errors.New("process has exited")
)
