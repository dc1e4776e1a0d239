package backend

import "sync"

// Subscription is the token returned when a listener attaches to an
// emitter. Unsubscribe detaches the listener and is safe to call more
// than once; only the first call has any effect.
type Subscription struct {
	once   sync.Once
	cancel func()
}

// Unsubscribe removes the listener from its emitter.
func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.once.Do(s.cancel)
}

// Emitter fans a stream of values out to registered listeners. Listeners
// are invoked synchronously, outside the emitter lock, in unspecified
// order. The zero value is not usable; construct with NewEmitter.
type Emitter[T any] struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]func(T)
}

func NewEmitter[T any]() *Emitter[T] {
	return &Emitter[T]{subs: make(map[uint64]func(T))}
}

// Subscribe registers fn and returns its subscription token.
func (e *Emitter[T]) Subscribe(fn func(T)) *Subscription {
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.subs[id] = fn
	e.mu.Unlock()

	return &Subscription{cancel: func() {
		e.mu.Lock()
		delete(e.subs, id)
		e.mu.Unlock()
	}}
}

// Emit delivers v to every listener registered at the time of the call.
func (e *Emitter[T]) Emit(v T) {
	e.mu.RLock()
	fns := make([]func(T), 0, len(e.subs))
	for _, fn := range e.subs {
		fns = append(fns, fn)
	}
	e.mu.RUnlock()

	for _, fn := range fns {
		fn(v)
	}
}

// Listeners reports how many listeners are currently attached.
func (e *Emitter[T]) Listeners() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.subs)
}

// Events is the bundle of streams a process handle exposes. Providers
// emit on these; consumers subscribe and must not emit.
type Events struct {
	Ready      *Emitter[ReadyEvent]
	Exit       *Emitter[ExitEvent]
	Data       *Emitter[[]byte]
	Property   *Emitter[PropertyEvent]
	Title      *Emitter[string]
	ShellType  *Emitter[string]
	ChildCount *Emitter[int]
	Resolved   *Emitter[ResolvedCommand]
}

func NewEvents() *Events {
	return &Events{
		Ready:      NewEmitter[ReadyEvent](),
		Exit:       NewEmitter[ExitEvent](),
		Data:       NewEmitter[[]byte](),
		Property:   NewEmitter[PropertyEvent](),
		Title:      NewEmitter[string](),
		ShellType:  NewEmitter[string](),
		ChildCount: NewEmitter[int](),
		Resolved:   NewEmitter[ResolvedCommand](),
	}
}
