package models

import "time"

// CreateTerminalRequest is the payload for POST /api/terminals.
type CreateTerminalRequest struct {
	Name                  string            `json:"name,omitempty"`
	Executable            string            `json:"executable,omitempty"`
	Args                  []string          `json:"args,omitempty"`
	Cwd                   string            `json:"cwd,omitempty"`
	Env                   map[string]string `json:"env,omitempty"`
	FeatureTerminal       bool              `json:"feature_terminal,omitempty"`
	Cols                  uint16            `json:"cols,omitempty"`
	Rows                  uint16            `json:"rows,omitempty"`
	ScreenReaderOptimized bool              `json:"screen_reader_optimized,omitempty"`
}

// Terminal is the API view of a terminal manager.
type Terminal struct {
	ID        int       `json:"id"`
	SessionID string    `json:"session_id"`
	State     string    `json:"state"`
	Name      string    `json:"name"`
	Title     string    `json:"title"`
	ShellType string    `json:"shell_type,omitempty"`
	Cwd       string    `json:"cwd,omitempty"`
	PID       int       `json:"pid,omitempty"`
	Persist   bool      `json:"persist"`
	Adopted   bool      `json:"adopted,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ResizeRequest is the payload for POST /api/terminals/{id}/resize.
type ResizeRequest struct {
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

// AckRequest is the payload for POST /api/terminals/{id}/ack.
type AckRequest struct {
	Count int `json:"count"`
}

type ShellStatus struct {
	Name      string `json:"name"`
	Installed bool   `json:"installed"`
	Path      string `json:"path,omitempty"`
}

type HealthResponse struct {
	Status        string        `json:"status"`
	Shells        []ShellStatus `json:"shells"`
	HostConnected bool          `json:"host_connected"`
}
