package server

import (
	"bufio"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/termhost/termhost/internal/api"
	"github.com/termhost/termhost/internal/config"
	"github.com/termhost/termhost/internal/models"
	"github.com/termhost/termhost/internal/store"
	"github.com/termhost/termhost/internal/terminal"
	"github.com/termhost/termhost/internal/ws"
)

type Server struct {
	log           *slog.Logger
	handler       http.Handler
	svc           *terminal.Service
	cfg           *config.Service
	st            *store.Store
	shells        []models.ShellStatus
	hostConnected func() bool
}

func New(svc *terminal.Service, cfg *config.Service, st *store.Store, shells []models.ShellStatus, hostConnected func() bool, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	if hostConnected == nil {
		hostConnected = func() bool { return false }
	}
	s := &Server{
		log:           log,
		svc:           svc,
		cfg:           cfg,
		st:            st,
		shells:        shells,
		hostConnected: hostConnected,
	}
	s.handler = s.logging(s.recovery(s.routes()))
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	terminals := api.NewTerminalsHandler(s.svc, s.log)
	wsHandler := ws.NewHandler(s.svc, s.log)

	// Health
	mux.HandleFunc("GET /api/health", s.handleHealth)

	// Config
	mux.HandleFunc("GET /api/config", s.handleConfig)

	// Terminals
	mux.HandleFunc("GET /api/terminals", terminals.HandleList)
	mux.HandleFunc("POST /api/terminals", terminals.HandleCreate)
	mux.HandleFunc("GET /api/terminals/{id}", terminals.HandleGet)
	mux.HandleFunc("DELETE /api/terminals/{id}", terminals.HandleDelete)
	mux.HandleFunc("POST /api/terminals/{id}/resize", terminals.HandleResize)
	mux.HandleFunc("POST /api/terminals/{id}/ack", terminals.HandleAck)
	mux.HandleFunc("POST /api/terminals/{id}/clear", terminals.HandleClear)
	mux.HandleFunc("GET /api/terminals/{id}/cwd", terminals.HandleCwd)
	mux.HandleFunc("POST /api/terminals/{id}/refresh", terminals.HandleRefresh)

	// Session history, only when bookkeeping is on
	if s.st != nil {
		sessions := api.NewSessionsHandler(s.st, s.log)
		mux.HandleFunc("GET /api/sessions", sessions.HandleList)
		mux.HandleFunc("GET /api/sessions/{id}", sessions.HandleGet)
		mux.HandleFunc("POST /api/sessions/prune", sessions.HandlePrune)
	}

	// WebSocket
	mux.Handle("GET /ws/terminals/{id}", wsHandler)

	// Metrics
	mux.Handle("GET /metrics", promhttp.Handler())

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := models.HealthResponse{
		Status:        "ok",
		Shells:        s.shells,
		HostConnected: s.hostConnected(),
	}
	api.WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	api.WriteJSON(w, http.StatusOK, s.cfg.Snapshot())
}

func (s *Server) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(rw, r)

		// Websocket upgrades and metrics scrapes drown everything else out.
		if r.Header.Get("Upgrade") == "websocket" || !strings.HasPrefix(r.URL.Path, "/api") {
			return
		}
		s.log.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rw.status,
			"duration", time.Since(start).Round(time.Millisecond))
	})
}

func (s *Server) recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.log.Error("panic in handler", "method", r.Method, "path", r.URL.Path, "panic", err)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Implement http.Hijacker so websocket upgrades work through the middleware.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hj, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return hj.Hijack()
	}
	return nil, nil, fmt.Errorf("underlying ResponseWriter does not implement http.Hijacker")
}
