package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/termhost/termhost/internal/backend"
	"github.com/termhost/termhost/internal/models"
	"github.com/termhost/termhost/internal/terminal"
)

const disposeTimeout = 10 * time.Second

type TerminalsHandler struct {
	log *slog.Logger
	svc *terminal.Service
}

func NewTerminalsHandler(svc *terminal.Service, log *slog.Logger) *TerminalsHandler {
	if log == nil {
		log = slog.Default()
	}
	return &TerminalsHandler{log: log, svc: svc}
}

func (h *TerminalsHandler) HandleList(w http.ResponseWriter, _ *http.Request) {
	infos := h.svc.Infos()
	terminals := make([]models.Terminal, 0, len(infos))
	for _, info := range infos {
		terminals = append(terminals, toModel(info))
	}
	WriteJSON(w, http.StatusOK, terminals)
}

func (h *TerminalsHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var body models.CreateTerminalRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	cfg := terminal.LaunchConfig{
		Name:              body.Name,
		Executable:        body.Executable,
		Args:              body.Args,
		Cwd:               body.Cwd,
		Env:               body.Env,
		IsFeatureTerminal: body.FeatureTerminal,
	}

	m, err := h.svc.Create(r.Context(), cfg, body.Cols, body.Rows, body.ScreenReaderOptimized)
	if err != nil {
		h.log.Warn("terminal creation failed", "error", err)
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	info, err := h.svc.InfoFor(m.ID())
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteJSON(w, http.StatusCreated, toModel(info))
}

func (h *TerminalsHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	info, err := h.svc.InfoFor(id)
	if err != nil {
		WriteError(w, http.StatusNotFound, "terminal not found")
		return
	}
	WriteJSON(w, http.StatusOK, toModel(info))
}

func (h *TerminalsHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), disposeTimeout)
	defer cancel()
	if err := h.svc.Dispose(ctx, id); err != nil {
		if errors.Is(err, terminal.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "terminal not found")
			return
		}
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *TerminalsHandler) HandleResize(w http.ResponseWriter, r *http.Request) {
	m, ok := h.manager(w, r)
	if !ok {
		return
	}
	var body models.ResizeRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := m.Resize(body.Cols, body.Rows); err != nil {
		writeManagerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *TerminalsHandler) HandleAck(w http.ResponseWriter, r *http.Request) {
	m, ok := h.manager(w, r)
	if !ok {
		return
	}
	var body models.AckRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := m.AckDataEvent(body.Count); err != nil {
		writeManagerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *TerminalsHandler) HandleClear(w http.ResponseWriter, r *http.Request) {
	m, ok := h.manager(w, r)
	if !ok {
		return
	}
	if err := m.ClearBuffer(); err != nil {
		writeManagerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *TerminalsHandler) HandleCwd(w http.ResponseWriter, r *http.Request) {
	m, ok := h.manager(w, r)
	if !ok {
		return
	}
	initial, err := m.InitialCwd(r.Context())
	if err != nil {
		writeManagerError(w, err)
		return
	}
	cwd, err := m.Cwd(r.Context())
	if err != nil {
		writeManagerError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"cwd": cwd, "initial_cwd": initial})
}

func (h *TerminalsHandler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	m, ok := h.manager(w, r)
	if !ok {
		return
	}
	var body struct {
		Property string `json:"property"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := m.RefreshProperty(r.Context(), backend.Property(body.Property)); err != nil {
		writeManagerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *TerminalsHandler) manager(w http.ResponseWriter, r *http.Request) (*terminal.Manager, bool) {
	id, ok := pathID(w, r)
	if !ok {
		return nil, false
	}
	m, err := h.svc.Get(id)
	if err != nil {
		WriteError(w, http.StatusNotFound, "terminal not found")
		return nil, false
	}
	return m, true
}

func pathID(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return id, true
}

func writeManagerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, terminal.ErrNotActive), errors.Is(err, terminal.ErrManagerDisposed):
		WriteError(w, http.StatusConflict, err.Error())
	case errors.Is(err, backend.ErrPropertyUnsupported):
		WriteError(w, http.StatusNotImplemented, err.Error())
	default:
		WriteError(w, http.StatusInternalServerError, err.Error())
	}
}

func toModel(info terminal.Info) models.Terminal {
	return models.Terminal{
		ID:        info.ID,
		SessionID: info.SessionID,
		State:     info.State,
		Name:      info.Name,
		Title:     info.Title,
		ShellType: info.ShellType,
		Cwd:       info.Cwd,
		PID:       info.Pid,
		Persist:   info.Persist,
		Adopted:   info.Adopted,
		CreatedAt: info.CreatedAt,
	}
}
