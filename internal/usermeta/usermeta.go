// Package usermeta records per-user messaging connection progress so the rest
// of the product can observe it without touching live sessions.
package usermeta

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by Load when nothing is recorded for the user.
var ErrNotFound = errors.New("user session metadata not found")

// Metadata is the externally visible connection status of one user.
type Metadata struct {
	PhoneNumber      string    `yaml:"phone_number" json:"phone_number"`
	TwoFactorEnabled bool      `yaml:"two_factor_enabled" json:"two_factor_enabled"`
	Verified         bool      `yaml:"verified" json:"verified"`
	HandshakeAt      time.Time `yaml:"handshake_at,omitempty" json:"handshake_at,omitempty"`
	ConnectedAt      time.Time `yaml:"connected_at,omitempty" json:"connected_at,omitempty"`
	UpdatedAt        time.Time `yaml:"updated_at" json:"updated_at"`
}

// Store loads and saves Metadata keyed by user id.
type Store interface {
	Load(ctx context.Context, userID string) (Metadata, error)
	Save(ctx context.Context, userID string, md Metadata) error
	// Clear succeeds when nothing is recorded.
	Clear(ctx context.Context, userID string) error
}

// Open returns the backend named by kind ("memory" or "file").
func Open(kind, path string) (Store, error) {
	switch kind {
	case "", "memory":
		return NewMemoryStore(), nil
	case "file":
		return NewFileStore(path)
	default:
		return nil, fmt.Errorf("unknown metadata backend %q", kind)
	}
}
