// Package ws attaches websocket clients to terminal managers: binary
// frames carry terminal bytes in both directions, text frames carry
// JSON control messages.
package ws

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/termhost/termhost/internal/backend"
	"github.com/termhost/termhost/internal/events"
	"github.com/termhost/termhost/internal/terminal"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// controlMsg is a JSON text frame from the client.
type controlMsg struct {
	Type string `json:"type"`
	Data struct {
		Cols  uint16 `json:"cols"`
		Rows  uint16 `json:"rows"`
		Count int    `json:"count"`
	} `json:"data"`
}

type Handler struct {
	log *slog.Logger
	svc *terminal.Service
}

func NewHandler(svc *terminal.Service, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{log: log, svc: svc}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		http.Error(w, "invalid terminal id", http.StatusBadRequest)
		return
	}
	m, err := h.svc.Get(id)
	if err != nil {
		http.Error(w, "terminal not found", http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "terminal", id, "error", err)
		return
	}
	defer conn.Close()

	log := h.log.With("terminal", id)
	log.Debug("websocket client connected")

	// Replay first so a reconnecting client repaints instantly.
	if replay := m.Replay(); len(replay) > 0 {
		if err := conn.WriteMessage(websocket.BinaryMessage, replay); err != nil {
			return
		}
	}

	output := make(chan []byte, 256)
	dataSub := m.Events().Data.Subscribe(func(data []byte) {
		select {
		case output <- data:
		default: // client too slow, it can catch up from the replay buffer
		}
	})
	defer dataSub.Unsubscribe()

	ended := make(chan struct{})
	var endOnce sync.Once
	end := func() { endOnce.Do(func() { close(ended) }) }

	exitSub := m.Events().Exit.Subscribe(func(backend.ExitEvent) { end() })
	defer exitSub.Unsubscribe()

	// A disposal elsewhere silences the manager's events, so watch the
	// lifecycle bus to shut this connection down too.
	unsubBus := h.svc.Bus().Subscribe(func(e events.DisposedEvent) {
		if e.Terminal == id {
			end()
		}
	})
	defer unsubBus()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			msgType, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			switch msgType {
			case websocket.BinaryMessage:
				if err := m.Write(msg); err != nil {
					log.Debug("input rejected", "error", err)
				}
			case websocket.TextMessage:
				h.handleControl(m, msg, log)
			}
		}
	}()

	// Single writer: everything sent to the client goes through here.
	for {
		select {
		case data := <-output:
			if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				return
			}
		case <-ended:
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"))
			log.Debug("websocket closed, session ended")
			return
		case <-gone:
			log.Debug("websocket client disconnected")
			return
		}
	}
}

func (h *Handler) handleControl(m *terminal.Manager, msg []byte, log *slog.Logger) {
	var ctl controlMsg
	if err := json.Unmarshal(msg, &ctl); err != nil {
		return
	}
	var err error
	switch ctl.Type {
	case "resize":
		err = m.Resize(ctl.Data.Cols, ctl.Data.Rows)
	case "ack":
		err = m.AckDataEvent(ctl.Data.Count)
	case "clear":
		err = m.ClearBuffer()
	default:
		return
	}
	if err != nil {
		log.Debug("control message failed", "type", ctl.Type, "error", err)
	}
}
