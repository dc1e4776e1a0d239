// Package ptyhost runs terminal sessions in a detached daemon so they
// survive restarts of the serving process. Clients talk to the daemon
// over a unix socket carrying a yamux session: the first stream is a
// JSON control channel, later streams move raw terminal bytes for one
// session each.
package ptyhost

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/hashicorp/yamux"

	"github.com/termhost/termhost/internal/backend"
)

const (
	requestTimeout = 10 * time.Second
	dataBufSize    = 32 * 1024
)

// Options configures a Host.
type Options struct {
	SocketPath string
	PidPath    string
	Logger     *slog.Logger

	// Local configures the provider that owns the actual sessions.
	Local backend.LocalOptions
}

// Host is the long-lived daemon that owns pty sessions.
type Host struct {
	log        *slog.Logger
	socketPath string
	pidPath    string
	provider   *backend.LocalProvider
}

func New(opts Options) *Host {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	if opts.Local.Logger == nil {
		opts.Local.Logger = log
	}
	return &Host{
		log:        log,
		socketPath: opts.SocketPath,
		pidPath:    opts.PidPath,
		provider:   backend.NewLocalProvider(opts.Local),
	}
}

// Run serves the unix socket until ctx is cancelled, then shuts every
// session down and removes the socket and pid files.
func (h *Host) Run(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(h.socketPath), 0o700); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	if err := h.cleanStaleSocket(); err != nil {
		return err
	}
	if err := os.WriteFile(h.pidPath, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}

	listener, err := net.Listen("unix", h.socketPath)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	h.log.Info("pty host listening", "socket", h.socketPath, "pid", os.Getpid())

	for {
		conn, err := listener.Accept()
		if err != nil {
			break // listener closed
		}
		go h.handleConn(ctx, conn)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	h.provider.StopAll(stopCtx)
	os.Remove(h.socketPath)
	os.Remove(h.pidPath)
	h.log.Info("pty host stopped")
	return nil
}

func (h *Host) handleConn(ctx context.Context, conn net.Conn) {
	mux, err := yamux.Server(conn, yamux.DefaultConfig())
	if err != nil {
		h.log.Warn("yamux server", "error", err)
		conn.Close()
		return
	}

	// The client opens the control stream first; everything after it is
	// a per-session data stream.
	ctrl, err := mux.Accept()
	if err != nil {
		mux.Close()
		return
	}

	hc := &hostConn{
		host:  h,
		log:   h.log,
		ctrl:  ctrl,
		owned: make(map[string]*ownedSession),
	}
	go hc.acceptDataStreams(mux)

	hc.controlLoop(ctx, bufio.NewReader(ctrl))
	hc.cleanup()
	mux.Close()
}

// reapOnExit drops a session from the provider once its child exits, so
// exited sessions cannot be attached later. The subscription lives as
// long as the process does.
func (h *Host) reapOnExit(handle backend.Handle) {
	id := handle.SessionID()
	handle.Events().Exit.Subscribe(func(backend.ExitEvent) {
		h.provider.Remove(id)
	})
}

// cleanStaleSocket removes a leftover socket file when no host answers
// on it anymore.
func (h *Host) cleanStaleSocket() error {
	if _, err := os.Stat(h.socketPath); os.IsNotExist(err) {
		return nil
	}

	conn, err := net.Dial("unix", h.socketPath)
	if err == nil {
		conn.Close()
		return fmt.Errorf("pty host already running (socket active)")
	}

	if pidData, err := os.ReadFile(h.pidPath); err == nil {
		if pid, err := strconv.Atoi(string(pidData)); err == nil {
			if proc, err := os.FindProcess(pid); err == nil {
				if err := proc.Signal(syscall.Signal(0)); err == nil {
					return fmt.Errorf("pty host already running (pid %d)", pid)
				}
			}
		}
	}

	h.log.Info("removing stale socket", "socket", h.socketPath)
	os.Remove(h.socketPath)
	os.Remove(h.pidPath)
	return nil
}

// ownedSession is a session bound to one client connection, together
// with the event relays feeding that client.
type ownedSession struct {
	handle  backend.Handle
	persist bool
	subs    []*backend.Subscription
}

// hostConn serves one connected client.
type hostConn struct {
	host *Host
	log  *slog.Logger

	writeMu sync.Mutex // serializes control stream writes
	ctrl    net.Conn

	mu    sync.Mutex
	owned map[string]*ownedSession
}

func (hc *hostConn) controlLoop(ctx context.Context, r *bufio.Reader) {
	for {
		req, err := readRequest(r)
		if err != nil {
			return // connection closed
		}
		hc.handleRequest(ctx, req)
	}
}

func (hc *hostConn) handleRequest(ctx context.Context, req Request) {
	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	switch req.Command {
	case cmdPing:
		hc.send(Response{ID: req.ID, Event: evtPong})
	case cmdCreate:
		hc.handleCreate(reqCtx, req)
	case cmdAttach:
		hc.handleAttach(reqCtx, req)
	case cmdStart:
		hc.handleStart(reqCtx, req)
	case cmdShutdown:
		hc.handleShutdown(reqCtx, req)
	case cmdDetach:
		hc.handleDetach(reqCtx, req)
	case cmdResize:
		hc.withSession(req, func(h backend.Handle) error { return h.Resize(req.Cols, req.Rows) })
	case cmdClear:
		hc.withSession(req, func(h backend.Handle) error { return h.ClearBuffer() })
	case cmdAck:
		hc.withSession(req, func(h backend.Handle) error { return h.AckDataEvent(req.Count) })
	case cmdRefresh:
		hc.withSession(req, func(h backend.Handle) error {
			return h.RefreshProperty(reqCtx, backend.Property(req.Property))
		})
	case cmdReplay:
		hc.handleReplay(req)
	case cmdInitialCwd:
		hc.handleCwd(reqCtx, req, true)
	case cmdCwd:
		hc.handleCwd(reqCtx, req, false)
	case cmdList:
		hc.handleList(req)
	default:
		hc.send(errorResponse(req.ID, fmt.Errorf("unknown command %q", req.Command)))
	}
}

func (hc *hostConn) handleCreate(ctx context.Context, req Request) {
	opts := backend.CreateOptions{
		SessionID:      req.SessionID,
		Name:           req.Name,
		Executable:     req.Executable,
		Args:           req.Args,
		Cwd:            req.Cwd,
		Cols:           req.Cols,
		Rows:           req.Rows,
		UnicodeVersion: req.UnicodeVersion,
		Env:            req.Env,
		UsePty:         req.UsePty,
		ShouldPersist:  req.Persist,
	}
	handle, err := hc.host.provider.CreateProcess(ctx, opts)
	if err != nil {
		hc.send(errorResponse(req.ID, err))
		return
	}
	hc.host.reapOnExit(handle)
	hc.adopt(handle, req.Persist)
	hc.send(Response{ID: req.ID, Event: evtCreated, SessionID: handle.SessionID()})
}

func (hc *hostConn) handleAttach(ctx context.Context, req Request) {
	handle, err := hc.host.provider.AttachProcess(ctx, req.SessionID)
	if err != nil {
		hc.send(errorResponse(req.ID, err))
		return
	}
	info, _ := hc.host.provider.Info(req.SessionID)
	hc.adopt(handle, info.Persist)
	hc.send(Response{ID: req.ID, Event: evtAttached, SessionID: req.SessionID, Pid: info.Pid})
}

func (hc *hostConn) handleStart(ctx context.Context, req Request) {
	handle, err := hc.session(req.SessionID)
	if err != nil {
		hc.send(errorResponse(req.ID, err))
		return
	}
	if err := handle.Start(ctx); err != nil {
		hc.send(errorResponse(req.ID, err))
		return
	}
	hc.send(Response{ID: req.ID, Event: evtStarted, SessionID: req.SessionID, Pid: handle.Pid()})
}

func (hc *hostConn) handleShutdown(ctx context.Context, req Request) {
	owned := hc.drop(req.SessionID)
	if owned == nil {
		hc.send(errorResponse(req.ID, backend.ErrSessionNotFound))
		return
	}
	if err := owned.handle.Shutdown(ctx, req.Immediate); err != nil {
		hc.send(errorResponse(req.ID, err))
		return
	}
	hc.send(Response{ID: req.ID, Event: evtOK, SessionID: req.SessionID})
}

func (hc *hostConn) handleDetach(ctx context.Context, req Request) {
	owned := hc.drop(req.SessionID)
	if owned == nil {
		hc.send(errorResponse(req.ID, backend.ErrSessionNotFound))
		return
	}
	// Transient sessions never outlive their owner.
	if !owned.persist {
		if err := owned.handle.Shutdown(ctx, true); err != nil {
			hc.log.Warn("shutdown transient session", "session", req.SessionID, "error", err)
		}
	}
	hc.send(Response{ID: req.ID, Event: evtOK, SessionID: req.SessionID})
}

func (hc *hostConn) handleReplay(req Request) {
	handle, err := hc.session(req.SessionID)
	if err != nil {
		hc.send(errorResponse(req.ID, err))
		return
	}
	hc.send(Response{ID: req.ID, Event: evtReplay, SessionID: req.SessionID, Data: handle.Replay()})
}

func (hc *hostConn) handleCwd(ctx context.Context, req Request, initial bool) {
	handle, err := hc.session(req.SessionID)
	if err != nil {
		hc.send(errorResponse(req.ID, err))
		return
	}
	var cwd string
	if initial {
		cwd, err = handle.InitialCwd(ctx)
	} else {
		cwd, err = handle.Cwd(ctx)
	}
	if err != nil {
		hc.send(errorResponse(req.ID, err))
		return
	}
	hc.send(Response{ID: req.ID, Event: evtCwd, SessionID: req.SessionID, Cwd: cwd})
}

func (hc *hostConn) handleList(req Request) {
	infos := hc.host.provider.Sessions()
	summaries := make([]SessionSummary, 0, len(infos))
	for _, info := range infos {
		summaries = append(summaries, SessionSummary{
			ID:       info.ID,
			Pid:      info.Pid,
			Name:     info.Name,
			Title:    info.Title,
			Cwd:      info.Cwd,
			Persist:  info.Persist,
			Running:  info.Running,
			ExitCode: info.ExitCode,
		})
	}
	hc.send(Response{ID: req.ID, Event: evtList, Sessions: summaries})
}

func (hc *hostConn) withSession(req Request, fn func(backend.Handle) error) {
	handle, err := hc.session(req.SessionID)
	if err != nil {
		hc.send(errorResponse(req.ID, err))
		return
	}
	if err := fn(handle); err != nil {
		hc.send(errorResponse(req.ID, err))
		return
	}
	hc.send(Response{ID: req.ID, Event: evtOK, SessionID: req.SessionID})
}

// adopt binds a session to this connection and relays its events onto
// the control stream. Data is not relayed here, it flows over the
// session's dedicated stream.
func (hc *hostConn) adopt(handle backend.Handle, persist bool) {
	id := handle.SessionID()
	ev := handle.Events()
	subs := []*backend.Subscription{
		ev.Ready.Subscribe(func(e backend.ReadyEvent) {
			hc.send(Response{Event: evtReady, SessionID: id, Pid: e.Pid, Cwd: e.Cwd})
		}),
		ev.Exit.Subscribe(func(e backend.ExitEvent) {
			hc.send(Response{Event: evtExited, SessionID: id, ExitCode: e.Code})
		}),
		ev.Title.Subscribe(func(title string) {
			hc.send(Response{Event: evtTitle, SessionID: id, Value: title})
		}),
		ev.ShellType.Subscribe(func(st string) {
			hc.send(Response{Event: evtShellType, SessionID: id, Value: st})
		}),
		ev.ChildCount.Subscribe(func(n int) {
			hc.send(Response{Event: evtChildCount, SessionID: id, Count: n})
		}),
		ev.Resolved.Subscribe(func(rc backend.ResolvedCommand) {
			hc.send(Response{Event: evtResolved, SessionID: id, Path: rc.Path, Args: rc.Args})
		}),
		ev.Property.Subscribe(func(e backend.PropertyEvent) {
			resp := Response{Event: evtProperty, SessionID: id, Property: string(e.Property)}
			switch v := e.Value.(type) {
			case string:
				resp.Value = v
			case int:
				resp.Count = v
			}
			hc.send(resp)
		}),
	}

	hc.mu.Lock()
	old := hc.owned[id]
	hc.owned[id] = &ownedSession{handle: handle, persist: persist, subs: subs}
	hc.mu.Unlock()
	if old != nil {
		for _, sub := range old.subs {
			sub.Unsubscribe()
		}
	}
}

func (hc *hostConn) session(id string) (backend.Handle, error) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	owned, ok := hc.owned[id]
	if !ok {
		return nil, backend.ErrSessionNotFound
	}
	return owned.handle, nil
}

// drop unbinds a session from this connection and releases its relays.
func (hc *hostConn) drop(id string) *ownedSession {
	hc.mu.Lock()
	owned := hc.owned[id]
	delete(hc.owned, id)
	hc.mu.Unlock()
	if owned != nil {
		for _, sub := range owned.subs {
			sub.Unsubscribe()
		}
	}
	return owned
}

func (hc *hostConn) send(resp Response) {
	hc.writeMu.Lock()
	defer hc.writeMu.Unlock()
	if err := writeControl(hc.ctrl, resp); err != nil {
		// Connection is going away; the control loop will clean up.
		return
	}
}

// acceptDataStreams binds each stream the client opens after the
// control stream to one session's raw byte flow.
func (hc *hostConn) acceptDataStreams(mux *yamux.Session) {
	for {
		stream, err := mux.Accept()
		if err != nil {
			return
		}
		go hc.serveDataStream(stream)
	}
}

func (hc *hostConn) serveDataStream(stream net.Conn) {
	defer stream.Close()

	br := bufio.NewReader(stream)
	req, err := readRequest(br)
	if err != nil || req.Command != cmdStream {
		return
	}

	handle, err := hc.session(req.SessionID)
	if err != nil {
		writeControl(stream, errorResponse(req.ID, err))
		return
	}

	// Ack before subscribing so no output frame can precede it.
	if err := writeControl(stream, Response{ID: req.ID, Event: evtBound, SessionID: req.SessionID}); err != nil {
		return
	}

	var wmu sync.Mutex
	sub := handle.Events().Data.Subscribe(func(data []byte) {
		wmu.Lock()
		defer wmu.Unlock()
		stream.Write(data)
	})
	defer sub.Unsubscribe()

	// Everything the client writes from here on is terminal input.
	buf := make([]byte, dataBufSize)
	for {
		n, err := br.Read(buf)
		if n > 0 {
			if werr := handle.Input(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// cleanup runs when the client connection dies: relays are released and
// transient sessions are shut down. Persistent sessions stay running
// for the next client to attach.
func (hc *hostConn) cleanup() {
	hc.mu.Lock()
	owned := hc.owned
	hc.owned = make(map[string]*ownedSession)
	hc.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	for id, sess := range owned {
		for _, sub := range sess.subs {
			sub.Unsubscribe()
		}
		if !sess.persist {
			if err := sess.handle.Shutdown(ctx, true); err != nil {
				hc.log.Warn("shutdown transient session", "session", id, "error", err)
			}
		}
	}
}
