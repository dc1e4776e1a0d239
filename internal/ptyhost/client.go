package ptyhost

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/hashicorp/yamux"

	"github.com/termhost/termhost/internal/backend"
)

// Client connects to the pty host and implements backend.Provider by
// proxying every session operation over the control stream.
type Client struct {
	log  *slog.Logger
	conn net.Conn
	mux  *yamux.Session
	ctrl net.Conn

	writeMu sync.Mutex // serializes control stream writes

	pendingMu sync.Mutex
	pending   map[string]chan Response

	mu       sync.Mutex
	sessions map[string]*proxyHandle

	reqCounter atomic.Uint64
	closed     chan struct{}
	closeOnce  sync.Once
}

var _ backend.Provider = (*Client)(nil)

// Connect dials the pty host at the given socket path.
func Connect(socketPath string, log *slog.Logger) (*Client, error) {
	if log == nil {
		log = slog.Default()
	}
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("connect to pty host: %w", err)
	}
	mux, err := yamux.Client(conn, yamux.DefaultConfig())
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("yamux client: %w", err)
	}
	ctrl, err := mux.Open()
	if err != nil {
		mux.Close()
		conn.Close()
		return nil, fmt.Errorf("open control stream: %w", err)
	}

	c := &Client{
		log:      log,
		conn:     conn,
		mux:      mux,
		ctrl:     ctrl,
		pending:  make(map[string]chan Response),
		sessions: make(map[string]*proxyHandle),
		closed:   make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Close disconnects from the host. Host-side sessions are untouched;
// the host itself decides what survives a disconnect.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.mux.Close()
		c.conn.Close()
	})
	return nil
}

// Closed is closed once the host connection is gone.
func (c *Client) Closed() <-chan struct{} { return c.closed }

// Ping checks that the host is responsive.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.sendRequest(ctx, Request{Command: cmdPing})
	if err != nil {
		return err
	}
	if resp.Event != evtPong {
		return fmt.Errorf("unexpected response: %s", resp.Event)
	}
	return nil
}

// List returns every session the host knows about.
func (c *Client) List(ctx context.Context) ([]SessionSummary, error) {
	resp, err := c.sendRequest(ctx, Request{Command: cmdList})
	if err != nil {
		return nil, err
	}
	return resp.Sessions, nil
}

// CreateProcess registers a session on the host and returns a proxy
// handle for it. The data stream is bound before this returns, so no
// output can be produced while unobserved.
func (c *Client) CreateProcess(ctx context.Context, opts backend.CreateOptions) (backend.Handle, error) {
	var p *proxyHandle
	if opts.SessionID != "" {
		// Register before sending so no event beats us to it.
		p = c.register(opts.SessionID)
	}

	resp, err := c.sendRequest(ctx, Request{
		Command:        cmdCreate,
		SessionID:      opts.SessionID,
		Name:           opts.Name,
		Executable:     opts.Executable,
		Args:           opts.Args,
		Cwd:            opts.Cwd,
		Cols:           opts.Cols,
		Rows:           opts.Rows,
		UnicodeVersion: opts.UnicodeVersion,
		Env:            opts.Env,
		UsePty:         opts.UsePty,
		Persist:        opts.ShouldPersist,
	})
	if err != nil {
		if p != nil {
			c.unregister(p.id)
		}
		return nil, err
	}
	if p == nil {
		p = c.register(resp.SessionID)
	}

	if err := p.openData(ctx); err != nil {
		c.unregister(p.id)
		c.dropRemote(p.id)
		return nil, err
	}
	return p, nil
}

// AttachProcess binds a proxy handle to a session already running on
// the host.
func (c *Client) AttachProcess(ctx context.Context, sessionID string) (backend.Handle, error) {
	p := c.register(sessionID)

	resp, err := c.sendRequest(ctx, Request{Command: cmdAttach, SessionID: sessionID})
	if err != nil {
		c.unregister(sessionID)
		return nil, err
	}
	p.pid.Store(int64(resp.Pid))

	if err := p.openData(ctx); err != nil {
		c.unregister(sessionID)
		return nil, err
	}
	return p, nil
}

// dropRemote asks the host to kill a session we failed to finish
// setting up, so nothing is left orphaned.
func (c *Client) dropRemote(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	if _, err := c.sendRequest(ctx, Request{Command: cmdShutdown, SessionID: sessionID, Immediate: true}); err != nil {
		c.log.Warn("drop remote session", "session", sessionID, "error", err)
	}
}

func (c *Client) register(sessionID string) *proxyHandle {
	p := &proxyHandle{
		client: c,
		id:     sessionID,
		events: backend.NewEvents(),
		done:   make(chan struct{}),
	}
	c.mu.Lock()
	c.sessions[sessionID] = p
	c.mu.Unlock()
	return p
}

func (c *Client) unregister(sessionID string) {
	c.mu.Lock()
	delete(c.sessions, sessionID)
	c.mu.Unlock()
}

func (c *Client) sendRequest(ctx context.Context, req Request) (Response, error) {
	req.ID = fmt.Sprintf("r%d", c.reqCounter.Add(1))

	ch := make(chan Response, 1)
	c.pendingMu.Lock()
	c.pending[req.ID] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, req.ID)
		c.pendingMu.Unlock()
	}()

	c.writeMu.Lock()
	err := writeControl(c.ctrl, req)
	c.writeMu.Unlock()
	if err != nil {
		return Response{}, fmt.Errorf("send request: %w", err)
	}

	select {
	case resp := <-ch:
		if resp.Event == evtError {
			return resp, responseError(resp)
		}
		return resp, nil
	case <-ctx.Done():
		return Response{}, ctx.Err()
	case <-c.closed:
		return Response{}, fmt.Errorf("host connection closed")
	}
}

func (c *Client) readLoop() {
	r := bufio.NewReader(c.ctrl)
	for {
		resp, err := readResponse(r)
		if err != nil {
			select {
			case <-c.closed:
			default:
				c.log.Warn("pty host connection lost", "error", err)
			}
			c.Close()
			return
		}

		if resp.ID == "" {
			c.handleEvent(resp)
			continue
		}

		c.pendingMu.Lock()
		ch, ok := c.pending[resp.ID]
		c.pendingMu.Unlock()
		if ok {
			ch <- resp
		}
	}
}

// handleEvent re-emits a host notification on the matching proxy,
// mirroring what a local handle would have emitted.
func (c *Client) handleEvent(resp Response) {
	c.mu.Lock()
	p := c.sessions[resp.SessionID]
	c.mu.Unlock()
	if p == nil {
		return
	}

	switch resp.Event {
	case evtReady:
		p.pid.Store(int64(resp.Pid))
		p.events.Ready.Emit(backend.ReadyEvent{Pid: resp.Pid, Cwd: resp.Cwd})
	case evtExited:
		p.exitOnce.Do(func() { close(p.done) })
		p.events.Exit.Emit(backend.ExitEvent{Code: resp.ExitCode})
	case evtTitle:
		p.events.Title.Emit(resp.Value)
	case evtShellType:
		p.events.ShellType.Emit(resp.Value)
	case evtChildCount:
		p.events.ChildCount.Emit(resp.Count)
	case evtResolved:
		p.events.Resolved.Emit(backend.ResolvedCommand{Path: resp.Path, Args: resp.Args})
	case evtProperty:
		prop := backend.Property(resp.Property)
		var value any = resp.Value
		if prop == backend.PropertyChildCount {
			value = resp.Count
		}
		p.events.Property.Emit(backend.PropertyEvent{Property: prop, Value: value})
	}
}

// proxyHandle implements backend.Handle against a host-side session.
type proxyHandle struct {
	client *Client
	id     string
	events *backend.Events

	pid      atomic.Int64
	done     chan struct{}
	exitOnce sync.Once

	dataMu sync.Mutex
	data   net.Conn
}

var _ backend.Handle = (*proxyHandle)(nil)

func (p *proxyHandle) SessionID() string       { return p.id }
func (p *proxyHandle) Pid() int                { return int(p.pid.Load()) }
func (p *proxyHandle) Events() *backend.Events { return p.events }
func (p *proxyHandle) Done() <-chan struct{}   { return p.done }

// openData opens the session's raw byte stream and waits for the host
// to bind it before any input or output can flow.
func (p *proxyHandle) openData(ctx context.Context) error {
	stream, err := p.client.mux.Open()
	if err != nil {
		return fmt.Errorf("open data stream: %w", err)
	}
	if err := writeControl(stream, Request{Command: cmdStream, SessionID: p.id}); err != nil {
		stream.Close()
		return fmt.Errorf("bind data stream: %w", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		stream.SetReadDeadline(deadline)
	} else {
		stream.SetReadDeadline(time.Now().Add(requestTimeout))
	}
	br := bufio.NewReader(stream)
	resp, err := readResponse(br)
	if err != nil {
		stream.Close()
		return fmt.Errorf("bind data stream: %w", err)
	}
	stream.SetReadDeadline(time.Time{})
	if resp.Event != evtBound {
		stream.Close()
		if resp.Event == evtError {
			return responseError(resp)
		}
		return fmt.Errorf("bind data stream: unexpected %s", resp.Event)
	}

	p.dataMu.Lock()
	p.data = stream
	p.dataMu.Unlock()

	go p.readData(br)
	return nil
}

func (p *proxyHandle) readData(br *bufio.Reader) {
	buf := make([]byte, dataBufSize)
	for {
		n, err := br.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			p.events.Data.Emit(data)
		}
		if err != nil {
			return
		}
	}
}

func (p *proxyHandle) Start(ctx context.Context) error {
	resp, err := p.client.sendRequest(ctx, Request{Command: cmdStart, SessionID: p.id})
	if err != nil {
		return err
	}
	p.pid.Store(int64(resp.Pid))
	return nil
}

func (p *proxyHandle) Shutdown(ctx context.Context, immediate bool) error {
	_, err := p.client.sendRequest(ctx, Request{Command: cmdShutdown, SessionID: p.id, Immediate: immediate})
	p.teardown(true)
	return err
}

// Detach drops this client's hold on the session without stopping it.
func (p *proxyHandle) Detach() error {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	_, err := p.client.sendRequest(ctx, Request{Command: cmdDetach, SessionID: p.id})
	p.teardown(false)
	return err
}

func (p *proxyHandle) teardown(exited bool) {
	p.client.unregister(p.id)
	p.dataMu.Lock()
	stream := p.data
	p.data = nil
	p.dataMu.Unlock()
	if stream != nil {
		stream.Close()
	}
	if exited {
		p.exitOnce.Do(func() { close(p.done) })
	}
}

func (p *proxyHandle) Input(data []byte) error {
	p.dataMu.Lock()
	defer p.dataMu.Unlock()
	if p.data == nil {
		return fmt.Errorf("write input: data stream closed")
	}
	if _, err := p.data.Write(data); err != nil {
		return fmt.Errorf("write input: %w", err)
	}
	return nil
}

func (p *proxyHandle) Resize(cols, rows uint16) error {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	_, err := p.client.sendRequest(ctx, Request{Command: cmdResize, SessionID: p.id, Cols: cols, Rows: rows})
	return err
}

func (p *proxyHandle) ClearBuffer() error {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	_, err := p.client.sendRequest(ctx, Request{Command: cmdClear, SessionID: p.id})
	return err
}

func (p *proxyHandle) AckDataEvent(n int) error {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	_, err := p.client.sendRequest(ctx, Request{Command: cmdAck, SessionID: p.id, Count: n})
	return err
}

func (p *proxyHandle) Replay() []byte {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	resp, err := p.client.sendRequest(ctx, Request{Command: cmdReplay, SessionID: p.id})
	if err != nil {
		return nil
	}
	return resp.Data
}

func (p *proxyHandle) InitialCwd(ctx context.Context) (string, error) {
	resp, err := p.client.sendRequest(ctx, Request{Command: cmdInitialCwd, SessionID: p.id})
	if err != nil {
		return "", err
	}
	return resp.Cwd, nil
}

func (p *proxyHandle) Cwd(ctx context.Context) (string, error) {
	resp, err := p.client.sendRequest(ctx, Request{Command: cmdCwd, SessionID: p.id})
	if err != nil {
		return "", err
	}
	return resp.Cwd, nil
}

func (p *proxyHandle) RefreshProperty(ctx context.Context, prop backend.Property) error {
	_, err := p.client.sendRequest(ctx, Request{Command: cmdRefresh, SessionID: p.id, Property: string(prop)})
	return err
}

// EnsureHost connects to the pty host, launching the daemon first when
// nothing answers on the socket.
func EnsureHost(ctx context.Context, socketPath string, log *slog.Logger) (*Client, error) {
	if c, err := Connect(socketPath, log); err == nil {
		if err := c.Ping(ctx); err == nil {
			log.Info("connected to running pty host")
			return c, nil
		}
		c.Close()
	}

	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate executable: %w", err)
	}

	log.Info("starting pty host")
	cmd := exec.Command(exe, "host")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start pty host: %w", err)
	}
	// Detached; never waited on.
	cmd.Process.Release()

	for i := 0; i < 40; i++ { // 40 * 50ms = 2s
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
		c, err := Connect(socketPath, log)
		if err != nil {
			continue
		}
		if err := c.Ping(ctx); err == nil {
			log.Info("pty host started")
			return c, nil
		}
		c.Close()
	}
	return nil, fmt.Errorf("pty host did not become available within 2s")
}
