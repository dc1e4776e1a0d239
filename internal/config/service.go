package config

import (
	"log/slog"
	"sync"
)

// Subscription is an observer registration on a Service. Unsubscribe is
// idempotent.
type Subscription struct {
	once   sync.Once
	cancel func()
}

func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.once.Do(s.cancel)
}

// Service holds the live configuration and notifies observers when it
// changes. Reads return a snapshot; terminals read fresh values per
// creation rather than holding onto one.
type Service struct {
	log *slog.Logger

	mu        sync.RWMutex
	cur       Config
	nextID    uint64
	observers map[uint64]func(Config)
}

func NewService(cfg Config, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		log:       log,
		cur:       cfg,
		observers: make(map[uint64]func(Config)),
	}
}

// Snapshot returns the current configuration.
func (s *Service) Snapshot() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

// Apply replaces the configuration and notifies observers when anything
// changed. Observers run outside the service lock.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	if cfg == s.cur {
		s.mu.Unlock()
		return
	}
	s.cur = cfg
	fns := make([]func(Config), 0, len(s.observers))
	for _, fn := range s.observers {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	s.log.Info("configuration changed", "persistent_sessions", cfg.Terminal.PersistentSessions)
	for _, fn := range fns {
		fn(cfg)
	}
}

// OnChange registers fn to run after each configuration change.
func (s *Service) OnChange(fn func(Config)) *Subscription {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.observers[id] = fn
	s.mu.Unlock()

	return &Subscription{cancel: func() {
		s.mu.Lock()
		delete(s.observers, id)
		s.mu.Unlock()
	}}
}

// PersistentSessionsEnabled reports the current persistent-sessions
// setting.
func (s *Service) PersistentSessionsEnabled() bool {
	return s.Snapshot().Terminal.PersistentSessions
}

// PtyEnabled reports whether new sessions allocate a pty.
func (s *Service) PtyEnabled() bool {
	return s.Snapshot().Terminal.UsePty
}

// UnicodeVersion reports the unicode version advertised to children.
func (s *Service) UnicodeVersion() string {
	return s.Snapshot().Terminal.UnicodeVersion
}
