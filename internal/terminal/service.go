package terminal

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/termhost/termhost/internal/backend"
	"github.com/termhost/termhost/internal/events"
	"github.com/termhost/termhost/internal/metrics"
	"github.com/termhost/termhost/internal/store"
)

// Info is a snapshot of one manager for listing and API responses.
type Info struct {
	ID        int
	SessionID string
	State     string
	Name      string
	Title     string
	ShellType string
	Cwd       string
	Pid       int
	Persist   bool
	Adopted   bool
	CreatedAt time.Time
}

// entry pairs a manager with the service-side subscriptions that keep
// the store and the snapshot fields current.
type entry struct {
	m       *Manager
	adopted bool

	mu        sync.Mutex
	subs      []*backend.Subscription
	name      string
	title     string
	shellType string
	cwd       string
	createdAt time.Time
}

func (e *entry) release() {
	e.mu.Lock()
	subs := e.subs
	e.subs = nil
	e.mu.Unlock()
	for _, sub := range subs {
		sub.Unsubscribe()
	}
}

func (e *entry) info() Info {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Info{
		ID:        e.m.ID(),
		SessionID: e.m.SessionID(),
		State:     e.m.State().String(),
		Name:      e.name,
		Title:     e.title,
		ShellType: e.shellType,
		Cwd:       e.cwd,
		Pid:       e.m.Pid(),
		Persist:   e.m.ShouldPersist(),
		Adopted:   e.adopted,
		CreatedAt: e.createdAt,
	}
}

// Service owns every live terminal manager, hands out sequential ids
// and keeps the session store and event bus in step with what the
// managers report.
type Service struct {
	log      *slog.Logger
	provider backend.Provider
	settings Settings
	store    *store.Store
	bus      *events.Bus

	mu       sync.Mutex
	nextID   int
	managers map[int]*entry
}

// NewService builds a service. The store may be nil when bookkeeping is
// disabled.
func NewService(provider backend.Provider, settings Settings, st *store.Store, bus *events.Bus, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	if bus == nil {
		bus = events.New()
	}
	return &Service{
		log:      log,
		provider: provider,
		settings: settings,
		store:    st,
		bus:      bus,
		managers: make(map[int]*entry),
	}
}

// Bus exposes the lifecycle event bus.
func (s *Service) Bus() *events.Bus { return s.bus }

// Create builds a manager, launches its process and registers it. The
// manager is registered only after a fully successful creation.
func (s *Service) Create(ctx context.Context, cfg LaunchConfig, cols, rows uint16, screenReaderOptimized bool) (*Manager, error) {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.mu.Unlock()

	m := NewManager(id, s.provider, s.settings, s.log.With("terminal", id))
	ent := &entry{m: m, name: cfg.Name, createdAt: time.Now().UTC()}
	s.watch(ent)

	if err := m.CreateProcess(ctx, cfg, cols, rows, screenReaderOptimized); err != nil {
		ent.release()
		metrics.CreateFailures.Inc()
		return nil, err
	}

	s.mu.Lock()
	s.managers[id] = ent
	s.mu.Unlock()

	metrics.TerminalsCreated.Inc()
	metrics.TerminalsActive.Inc()

	if s.store != nil {
		row := store.Session{
			ID:         m.SessionID(),
			TerminalID: id,
			Name:       cfg.Name,
			Shell:      cfg.Executable,
			Cwd:        cfg.Cwd,
			Persist:    m.ShouldPersist(),
			Status:     store.StatusRunning,
			Pid:        m.Pid(),
			CreatedAt:  ent.createdAt,
		}
		if err := s.store.Insert(row); err != nil {
			s.log.Warn("record session", "session", m.SessionID(), "error", err)
		}
	}

	s.bus.Publish(events.CreatedEvent{
		Terminal:  id,
		SessionID: m.SessionID(),
		Pid:       m.Pid(),
		Persist:   m.ShouldPersist(),
	})
	return m, nil
}

// Adopt binds a new manager to a live backend session left over from a
// previous run.
func (s *Service) Adopt(ctx context.Context, sessionID, name string) (*Manager, error) {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.mu.Unlock()

	m := NewManager(id, s.provider, s.settings, s.log.With("terminal", id))
	ent := &entry{m: m, name: name, adopted: true, createdAt: time.Now().UTC()}
	s.watch(ent)

	if err := m.AttachProcess(ctx, sessionID); err != nil {
		ent.release()
		return nil, err
	}

	s.mu.Lock()
	s.managers[id] = ent
	s.mu.Unlock()

	metrics.SessionsAdopted.Inc()
	metrics.TerminalsActive.Inc()

	// Catch the snapshot fields up with the live session.
	for _, p := range []backend.Property{backend.PropertyTitle, backend.PropertyCwd} {
		if err := m.RefreshProperty(ctx, p); err != nil && !errors.Is(err, backend.ErrPropertyUnsupported) {
			s.log.Debug("refresh adopted property", "session", sessionID, "property", p, "error", err)
		}
	}

	if s.store != nil {
		if err := s.store.UpdateTerminalID(sessionID, id); err != nil {
			s.log.Warn("rebind session", "session", sessionID, "error", err)
		}
	}

	s.bus.Publish(events.CreatedEvent{
		Terminal:  id,
		SessionID: sessionID,
		Pid:       m.Pid(),
		Persist:   true,
		Adopted:   true,
	})
	return m, nil
}

// Reconcile re-adopts sessions the store believes are running. Rows
// whose session the backend no longer knows are marked orphaned.
func (s *Service) Reconcile(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	rows, err := s.store.Running()
	if err != nil {
		return err
	}
	for _, row := range rows {
		if _, err := s.Adopt(ctx, row.ID, row.Name); err != nil {
			if errors.Is(err, backend.ErrSessionNotFound) {
				if markErr := s.store.MarkOrphaned(row.ID); markErr != nil {
					s.log.Warn("mark orphaned", "session", row.ID, "error", markErr)
				}
				continue
			}
			s.log.Warn("adopt session", "session", row.ID, "error", err)
		}
	}
	return nil
}

// watch attaches the service's own listeners. They go on before the
// process exists so no early event is missed, and they survive until
// the service drops the manager.
func (s *Service) watch(ent *entry) {
	m := ent.m
	ent.subs = append(ent.subs,
		m.Events().Exit.Subscribe(func(e backend.ExitEvent) {
			metrics.TerminalExits.Inc()
			s.bus.Publish(events.ExitedEvent{Terminal: m.ID(), SessionID: m.SessionID(), ExitCode: e.Code})
			if s.store != nil {
				if err := s.store.MarkExited(m.SessionID(), e.Code); err != nil {
					s.log.Warn("record exit", "session", m.SessionID(), "error", err)
				}
			}
		}),
		m.Events().Title.Subscribe(func(title string) {
			ent.mu.Lock()
			ent.title = title
			ent.mu.Unlock()
			if s.store != nil {
				if err := s.store.UpdateTitle(m.SessionID(), title); err != nil {
					s.log.Warn("record title", "session", m.SessionID(), "error", err)
				}
			}
		}),
		m.Events().ShellType.Subscribe(func(st string) {
			ent.mu.Lock()
			ent.shellType = st
			ent.mu.Unlock()
		}),
		m.Events().Property.Subscribe(func(e backend.PropertyEvent) {
			cwd, ok := e.Value.(string)
			if e.Property != backend.PropertyCwd || !ok {
				return
			}
			ent.mu.Lock()
			ent.cwd = cwd
			ent.mu.Unlock()
			if s.store != nil {
				if err := s.store.UpdateCwd(m.SessionID(), cwd); err != nil {
					s.log.Warn("record cwd", "session", m.SessionID(), "error", err)
				}
			}
		}),
	)
}

// Get returns the manager with the given id.
func (s *Service) Get(id int) (*Manager, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ent, ok := s.managers[id]
	if !ok {
		return nil, ErrNotFound
	}
	return ent.m, nil
}

// Infos snapshots every registered terminal, ordered by id.
func (s *Service) Infos() []Info {
	s.mu.Lock()
	entries := make([]*entry, 0, len(s.managers))
	for _, ent := range s.managers {
		entries = append(entries, ent)
	}
	s.mu.Unlock()

	infos := make([]Info, 0, len(entries))
	for _, ent := range entries {
		infos = append(infos, ent.info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// InfoFor snapshots a single terminal.
func (s *Service) InfoFor(id int) (Info, error) {
	s.mu.Lock()
	ent, ok := s.managers[id]
	s.mu.Unlock()
	if !ok {
		return Info{}, ErrNotFound
	}
	return ent.info(), nil
}

// Count reports the number of registered terminals.
func (s *Service) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.managers)
}

// Dispose tears one terminal down and drops it from the service.
func (s *Service) Dispose(ctx context.Context, id int) error {
	s.mu.Lock()
	ent, ok := s.managers[id]
	if ok {
		delete(s.managers, id)
	}
	s.mu.Unlock()
	if !ok {
		return ErrNotFound
	}

	ent.release()
	if err := ent.m.Dispose(ctx); err != nil {
		return err
	}
	metrics.TerminalsActive.Dec()

	if s.store != nil {
		if err := s.store.MarkClosed(ent.m.SessionID()); err != nil {
			s.log.Warn("record close", "session", ent.m.SessionID(), "error", err)
		}
	}
	s.bus.Publish(events.DisposedEvent{Terminal: id, SessionID: ent.m.SessionID()})
	return nil
}

// DisposeAll tears every terminal down. Persistent sessions are
// detached so they keep running for the next process; everything else
// is shut down.
func (s *Service) DisposeAll(ctx context.Context) {
	s.mu.Lock()
	entries := make([]*entry, 0, len(s.managers))
	for _, ent := range s.managers {
		entries = append(entries, ent)
	}
	s.managers = make(map[int]*entry)
	s.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].m.ID() < entries[j].m.ID() })
	for _, ent := range entries {
		ent.release()
		detached := ent.m.ShouldPersist()
		if detached {
			if err := ent.m.Detach(ctx); err != nil {
				s.log.Warn("detach terminal", "terminal", ent.m.ID(), "error", err)
			}
		} else {
			if err := ent.m.Dispose(ctx); err != nil {
				s.log.Warn("dispose terminal", "terminal", ent.m.ID(), "error", err)
			}
			if s.store != nil {
				if err := s.store.MarkClosed(ent.m.SessionID()); err != nil {
					s.log.Warn("record close", "session", ent.m.SessionID(), "error", err)
				}
			}
		}
		metrics.TerminalsActive.Dec()
		s.bus.Publish(events.DisposedEvent{Terminal: ent.m.ID(), SessionID: ent.m.SessionID(), Detached: detached})
	}
}
