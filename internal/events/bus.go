// Package events carries terminal lifecycle notifications on a typed
// in-process bus.
package events

import (
	"github.com/kelindar/event"
)

// Event type identifiers.
const (
	TypeCreated uint32 = iota + 1
	TypeExited
	TypeDisposed
)

// Event is the interface required by kelindar/event.
type Event interface {
	Type() uint32
}

// CreatedEvent fires once a terminal's child process is active.
type CreatedEvent struct {
	Terminal  int    `json:"terminal"`
	SessionID string `json:"sessionId"`
	Pid       int    `json:"pid"`
	Persist   bool   `json:"persist"`
	Adopted   bool   `json:"adopted"`
}

// Type returns the event type identifier for CreatedEvent.
func (e CreatedEvent) Type() uint32 { return TypeCreated }

// ExitedEvent fires when a terminal's child process terminates.
type ExitedEvent struct {
	Terminal  int    `json:"terminal"`
	SessionID string `json:"sessionId"`
	ExitCode  int    `json:"exitCode"`
}

// Type returns the event type identifier for ExitedEvent.
func (e ExitedEvent) Type() uint32 { return TypeExited }

// DisposedEvent fires after a terminal manager is torn down. Detached
// reports that the session was left running in the host.
type DisposedEvent struct {
	Terminal  int    `json:"terminal"`
	SessionID string `json:"sessionId"`
	Detached  bool   `json:"detached"`
}

// Type returns the event type identifier for DisposedEvent.
func (e DisposedEvent) Type() uint32 { return TypeDisposed }

// Bus wraps a kelindar/event dispatcher.
type Bus struct {
	dispatcher *event.Dispatcher
}

// New creates an event bus.
func New() *Bus {
	return &Bus{dispatcher: event.NewDispatcher()}
}

// Publish delivers ev to all subscribers of its type.
func (b *Bus) Publish(ev Event) {
	switch e := ev.(type) {
	case CreatedEvent:
		event.Publish(b.dispatcher, e)
	case ExitedEvent:
		event.Publish(b.dispatcher, e)
	case DisposedEvent:
		event.Publish(b.dispatcher, e)
	}
}

// Subscribe registers a typed handler and returns an unsubscribe
// function. The handler's parameter type selects which events it
// receives.
func (b *Bus) Subscribe(handler any) func() {
	switch h := handler.(type) {
	case func(CreatedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(ExitedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(DisposedEvent):
		return event.Subscribe(b.dispatcher, h)
	default:
		return func() {}
	}
}
