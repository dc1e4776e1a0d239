package ptyhost

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/termhost/termhost/internal/backend"
)

// Frame types for the binary protocol.
const (
	frameControl byte = 0x01 // JSON control message
)

// Command types for JSON control messages.
const (
	cmdPing       = "ping"
	cmdCreate     = "create"
	cmdAttach     = "attach"
	cmdStart      = "start"
	cmdShutdown   = "shutdown"
	cmdDetach     = "detach"
	cmdResize     = "resize"
	cmdClear      = "clear"
	cmdAck        = "ack"
	cmdReplay     = "replay"
	cmdInitialCwd = "initial_cwd"
	cmdCwd        = "cwd"
	cmdRefresh    = "refresh"
	cmdList       = "list"
	cmdStream     = "stream" // data stream header, not a control command
)

// Event types sent from host to client. Responses carry the request ID
// they answer; session notifications carry no ID.
const (
	evtOK       = "ok"
	evtError    = "error"
	evtPong     = "pong"
	evtCreated  = "created"
	evtAttached = "attached"
	evtStarted  = "started"
	evtReplay   = "replay"
	evtCwd      = "cwd"
	evtList     = "list"
	evtBound    = "bound"

	evtReady      = "ready"
	evtExited     = "exited"
	evtTitle      = "title"
	evtShellType  = "shell_type"
	evtChildCount = "child_count"
	evtProperty   = "property"
	evtResolved   = "resolved"
)

// Error codes so the client can map failures back onto sentinel errors.
const (
	codeNotFound            = "not_found"
	codePropertyUnsupported = "property_unsupported"
	codeAlreadyStarted      = "already_started"
)

// Request is a JSON control message from client to host.
type Request struct {
	ID      string `json:"id"`
	Command string `json:"command"`

	SessionID string `json:"session_id,omitempty"`

	// Create fields
	Name           string   `json:"name,omitempty"`
	Executable     string   `json:"executable,omitempty"`
	Args           []string `json:"args,omitempty"`
	Cwd            string   `json:"cwd,omitempty"`
	Env            []string `json:"env,omitempty"`
	UnicodeVersion string   `json:"unicode_version,omitempty"`
	UsePty         bool     `json:"use_pty,omitempty"`
	Persist        bool     `json:"persist,omitempty"`

	// Resize fields
	Cols uint16 `json:"cols,omitempty"`
	Rows uint16 `json:"rows,omitempty"`

	// Shutdown fields
	Immediate bool `json:"immediate,omitempty"`

	// Ack fields
	Count int `json:"count,omitempty"`

	// Refresh fields
	Property string `json:"property,omitempty"`
}

// Response is a JSON control message from host to client.
type Response struct {
	ID    string `json:"id,omitempty"`
	Event string `json:"event"`
	Error string `json:"error,omitempty"`
	Code  string `json:"code,omitempty"`

	SessionID string           `json:"session_id,omitempty"`
	Pid       int              `json:"pid,omitempty"`
	ExitCode  int              `json:"exit_code,omitempty"`
	Cwd       string           `json:"cwd,omitempty"`
	Value     string           `json:"value,omitempty"`
	Property  string           `json:"property,omitempty"`
	Count     int              `json:"count,omitempty"`
	Data      []byte           `json:"data,omitempty"`
	Path      string           `json:"path,omitempty"`
	Args      []string         `json:"args,omitempty"`
	Sessions  []SessionSummary `json:"sessions,omitempty"`
}

// SessionSummary describes one host-side session in a list response.
type SessionSummary struct {
	ID       string `json:"id"`
	Pid      int    `json:"pid,omitempty"`
	Name     string `json:"name,omitempty"`
	Title    string `json:"title,omitempty"`
	Cwd      string `json:"cwd,omitempty"`
	Persist  bool   `json:"persist"`
	Running  bool   `json:"running"`
	ExitCode int    `json:"exit_code,omitempty"`
}

// Wire format:
//   [4 bytes big-endian length][1 byte frame type][payload]
// The control stream carries frameControl frames end to end. A data
// stream starts with one frameControl Request{Command: "stream"} header
// and one frameControl Response{Event: "bound"} ack, then switches to
// raw terminal bytes in both directions.

const maxFrameSize = 10 * 1024 * 1024

func writeFrame(w io.Writer, frameType byte, payload []byte) error {
	length := uint32(1 + len(payload)) // frame type + payload
	if err := binary.Write(w, binary.BigEndian, length); err != nil {
		return fmt.Errorf("write length: %w", err)
	}
	if _, err := w.Write([]byte{frameType}); err != nil {
		return fmt.Errorf("write frame type: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}
	return nil
}

func writeControl(w io.Writer, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return writeFrame(w, frameControl, data)
}

func readFrame(r io.Reader) (byte, []byte, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return 0, nil, err
	}
	if length == 0 {
		return 0, nil, fmt.Errorf("empty frame")
	}
	if length > maxFrameSize {
		return 0, nil, fmt.Errorf("frame too large: %d", length)
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, nil, err
	}
	return buf[0], buf[1:], nil
}

func readRequest(r io.Reader) (Request, error) {
	frameType, payload, err := readFrame(r)
	if err != nil {
		return Request{}, err
	}
	if frameType != frameControl {
		return Request{}, fmt.Errorf("unexpected frame type 0x%02x", frameType)
	}
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return Request{}, fmt.Errorf("bad control message: %w", err)
	}
	return req, nil
}

func readResponse(r io.Reader) (Response, error) {
	frameType, payload, err := readFrame(r)
	if err != nil {
		return Response{}, err
	}
	if frameType != frameControl {
		return Response{}, fmt.Errorf("unexpected frame type 0x%02x", frameType)
	}
	var resp Response
	if err := json.Unmarshal(payload, &resp); err != nil {
		return Response{}, fmt.Errorf("bad control message: %w", err)
	}
	return resp, nil
}

// errorResponse maps a host-side error onto an error response, tagging
// sentinel errors with a code the client can translate back.
func errorResponse(id string, err error) Response {
	resp := Response{ID: id, Event: evtError, Error: err.Error()}
	switch {
	case errors.Is(err, backend.ErrSessionNotFound):
		resp.Code = codeNotFound
	case errors.Is(err, backend.ErrPropertyUnsupported):
		resp.Code = codePropertyUnsupported
	case errors.Is(err, backend.ErrAlreadyStarted):
		resp.Code = codeAlreadyStarted
	}
	return resp
}

// responseError translates an error response back into the sentinel the
// host tagged, so errors.Is works across the socket.
func responseError(resp Response) error {
	switch resp.Code {
	case codeNotFound:
		return backend.ErrSessionNotFound
	case codePropertyUnsupported:
		return backend.ErrPropertyUnsupported
	case codeAlreadyStarted:
		return backend.ErrAlreadyStarted
	}
	return fmt.Errorf("host: %s", resp.Error)
}
