package api

import (
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/termhost/termhost/internal/store"
)

const defaultSessionLimit = 50

// SessionsHandler serves the session history kept in the store: every
// session the service ever launched, including exited and orphaned ones
// that no longer have a live manager.
type SessionsHandler struct {
	log *slog.Logger
	st  *store.Store
}

func NewSessionsHandler(st *store.Store, log *slog.Logger) *SessionsHandler {
	if log == nil {
		log = slog.Default()
	}
	return &SessionsHandler{log: log, st: st}
}

func (h *SessionsHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	limit := defaultSessionLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			WriteError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	sessions, err := h.st.List(limit)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, sessions)
}

func (h *SessionsHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	sess, err := h.st.Get(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			WriteError(w, http.StatusNotFound, "session not found")
			return
		}
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, sess)
}

// HandlePrune deletes ended non-persistent rows older than the given
// number of days (default 7).
func (h *SessionsHandler) HandlePrune(w http.ResponseWriter, r *http.Request) {
	days := 7
	if raw := r.URL.Query().Get("days"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			WriteError(w, http.StatusBadRequest, "days must be a non-negative integer")
			return
		}
		days = parsed
	}

	n, err := h.st.Prune(time.Now().AddDate(0, 0, -days))
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.log.Debug("pruned sessions", "count", n, "days", days)
	WriteJSON(w, http.StatusOK, map[string]int64{"pruned": n})
}
