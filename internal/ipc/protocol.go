package ipc

import "github.com/al-bashkir/tgbridge/internal/session"

// MessageType represents the type of IPC message
type MessageType string

const (
	// MessageTypeAdminRequest is sent from the CLI to the daemon
	MessageTypeAdminRequest MessageType = "admin_request"
	// MessageTypeAdminResponse is sent from the daemon to the CLI
	MessageTypeAdminResponse MessageType = "admin_response"
)

// Command selects the admin operation.
type Command string

const (
	// CommandList returns a snapshot of the session pool.
	CommandList Command = "list"
	// CommandReap evicts idle sessions immediately.
	CommandReap Command = "reap"
	// CommandDisconnect logs a user out and deletes the persisted session.
	CommandDisconnect Command = "disconnect"
)

// AdminRequest is sent by `tgbridge sessions ...` over the control socket.
type AdminRequest struct {
	Type    MessageType `json:"type"`
	Command Command     `json:"command"`
	// UserID is required by CommandDisconnect.
	UserID string `json:"user_id,omitempty"`
	// MaxIdleSeconds overrides the configured idle threshold of CommandReap.
	// Zero evicts every session.
	MaxIdleSeconds *int `json:"max_idle_seconds,omitempty"`
}

// AdminResponse is sent from the daemon back to the CLI
type AdminResponse struct {
	Type     MessageType    `json:"type"`
	Status   string         `json:"status"` // "ok" or "error"
	Sessions []session.Info `json:"sessions,omitempty"`
	Reaped   int            `json:"reaped,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// ResponseStatus constants
const (
	StatusOK    = "ok"
	StatusError = "error"
)
