// Package session pools live messaging-network connections, one per user.
package session

import (
	"time"

	"github.com/al-bashkir/tgbridge/internal/protocol"
)

// State is the position of a record in the login handshake.
type State string

const (
	// StateCodeSent: a login code was requested and PendingCodeHash is set.
	StateCodeSent State = "code_sent"
	// StatePasswordRequired: the code was accepted but a cloud password is needed.
	StatePasswordRequired State = "password_required"
	// StateConnected: the session is authorized.
	StateConnected State = "connected"
)

// Record is one user's live connection and handshake progress.
// It is owned by the Pool; the Client must never be closed by anyone else.
// Once inserted, fields may only be mutated through Pool.Update while holding
// the user's lock (Pool.Lock).
type Record struct {
	// UserID is the caller identity that owns this record
	UserID string

	// Client is the live connection owned by this record
	Client protocol.Client

	// SerializedSession is the latest opaque session, refreshed on every
	// successful handshake step
	SerializedSession string

	// PhoneNumber is fixed when the handshake starts
	PhoneNumber string

	// PendingCodeHash is non-empty only in StateCodeSent
	PendingCodeHash string

	// TwoFactorPending is true only in StatePasswordRequired
	TwoFactorPending bool

	// Persisted is true once SerializedSession has reached durable storage
	Persisted bool

	State     State
	CreatedAt time.Time

	// guarded by Pool.mu
	lastActivity time.Time
}

// NewCodeSentRecord builds a record for a handshake that has just sent a code.
func NewCodeSentRecord(userID, phone string, client protocol.Client, codeHash string) *Record {
	now := time.Now()
	return &Record{
		UserID:          userID,
		Client:          client,
		PhoneNumber:     phone,
		PendingCodeHash: codeHash,
		State:           StateCodeSent,
		CreatedAt:       now,
		lastActivity:    now,
	}
}

// NewConnectedRecord builds a record for a restored, already authorized session.
func NewConnectedRecord(userID string, client protocol.Client, serialized string) *Record {
	now := time.Now()
	return &Record{
		UserID:            userID,
		Client:            client,
		SerializedSession: serialized,
		Persisted:         true,
		State:             StateConnected,
		CreatedAt:         now,
		lastActivity:      now,
	}
}

// RequirePassword moves a code-sent record to StatePasswordRequired.
func (r *Record) RequirePassword() {
	r.PendingCodeHash = ""
	r.TwoFactorPending = true
	r.State = StatePasswordRequired
}

// MarkConnected moves the record to StateConnected with the given session.
func (r *Record) MarkConnected(serialized string) {
	r.PendingCodeHash = ""
	r.TwoFactorPending = false
	r.SerializedSession = serialized
	r.Persisted = false
	r.State = StateConnected
}

// Info is a read-only view of a record for listings.
type Info struct {
	UserID       string    `json:"user_id"`
	State        State     `json:"state"`
	PhoneNumber  string    `json:"phone_number,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

func (r *Record) info() Info {
	return Info{
		UserID:       r.UserID,
		State:        r.State,
		PhoneNumber:  r.PhoneNumber,
		CreatedAt:    r.CreatedAt,
		LastActivity: r.lastActivity,
	}
}
