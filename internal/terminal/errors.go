package terminal

import "errors"

var (
	// ErrManagerDisposed reports an operation on a disposed manager.
	ErrManagerDisposed = errors.New("terminal manager disposed")

	// ErrAlreadyCreated reports a second creation call on a manager that
	// already created (or is creating) its process.
	ErrAlreadyCreated = errors.New("terminal process already created")

	// ErrNotActive reports a process operation outside the Active state.
	ErrNotActive = errors.New("terminal process not active")

	// ErrNotFound reports an unknown terminal id.
	ErrNotFound = errors.New("terminal not found")
)
