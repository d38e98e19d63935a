// Package protocol defines the contract between the session bridge and an
// external messaging network client.
package protocol

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnavailable is returned by every operation of the disabled client.
	ErrUnavailable = errors.New("messaging network unavailable")

	// ErrConnectionClosed means the client connection is gone and cannot be
	// reused; the owner must discard it.
	ErrConnectionClosed = errors.New("client connection closed")

	// ErrEntityNotFound is returned by GetEntity for an unknown id.
	ErrEntityNotFound = errors.New("entity not found")
)

// SignInOutcome is the result of a sign-in attempt with a phone code.
type SignInOutcome int

const (
	// SignInFailed means the code was rejected; the accompanying error holds the reason.
	SignInFailed SignInOutcome = iota
	// SignInSuccess means the session is now authorized.
	SignInSuccess
	// SignInPasswordNeeded means the account has two-factor auth enabled and
	// the cloud password must be checked next.
	SignInPasswordNeeded
)

func (o SignInOutcome) String() string {
	switch o {
	case SignInSuccess:
		return "success"
	case SignInPasswordNeeded:
		return "password_needed"
	default:
		return "failed"
	}
}

// EntityKind classifies a conversation peer.
type EntityKind string

const (
	KindUser    EntityKind = "user"
	KindGroup   EntityKind = "group"
	KindChannel EntityKind = "channel"
)

// Message is a short summary of a message.
type Message struct {
	ID       int       `json:"id"`
	Text     string    `json:"text"`
	Date     time.Time `json:"date"`
	Outgoing bool      `json:"outgoing"`
}

// Entity is a user, group or channel as seen by the signed-in account.
type Entity struct {
	// ID is the marked conversation id (see telegram.MarkedID).
	ID int64
	// AccessHash is the network-specific token needed to address the peer.
	AccessHash int64
	Kind       EntityKind
	Title      string
	Username   string
	About      string
	CreatedAt  time.Time

	ParticipantCount int
	UnreadCount      int
	LastMessage      *Message
}

// Participant is a member of a group conversation.
type Participant struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Username  string `json:"username,omitempty"`
	Phone     string `json:"phone,omitempty"`
	Bot       bool   `json:"bot,omitempty"`
}

// Client is one live connection to the messaging network. Every method may
// block on network I/O and should be called with a bounded context.
type Client interface {
	Connect(ctx context.Context) error
	// Disconnect is idempotent.
	Disconnect(ctx context.Context) error
	// Alive reports whether the connection is still open. It never blocks on
	// the network.
	Alive() bool

	// SendCode requests a login code for phone and returns the code hash
	// required by SignIn.
	SendCode(ctx context.Context, phone string) (string, error)
	SignIn(ctx context.Context, phone, code, codeHash string) (SignInOutcome, error)
	CheckPassword(ctx context.Context, password string) error
	IsAuthorized(ctx context.Context) (bool, error)

	ListDialogs(ctx context.Context, limit int) ([]Entity, error)
	GetEntity(ctx context.Context, id int64) (Entity, error)
	GetParticipants(ctx context.Context, entity Entity, limit int) ([]Participant, error)

	// SerializeSession returns the opaque session string to persist.
	SerializeSession(ctx context.Context) (string, error)
}

// Factory creates clients. serialized is empty for a fresh login and holds a
// previously persisted session otherwise.
type Factory interface {
	NewClient(serialized string) (Client, error)
	// Available reports whether the factory can reach a real network.
	Available() bool
}
