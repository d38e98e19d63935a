// Package sessionstore persists serialized messaging sessions per user so
// they survive pool eviction and process restarts.
package sessionstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned by Read when no session is stored for the user.
var ErrNotFound = errors.New("persisted session not found")

// Store is durable per-user storage of one opaque session string.
// Concurrent writers for the same user resolve as last-writer-wins.
type Store interface {
	Write(ctx context.Context, userID, serialized string) error
	Read(ctx context.Context, userID string) (string, error)
	// Delete succeeds when nothing is stored.
	Delete(ctx context.Context, userID string) error
	Close() error
}

// Open returns the backend named by kind ("file" or "badger") rooted at dir.
func Open(kind, dir string) (Store, error) {
	switch kind {
	case "", "file":
		return NewFileStore(dir), nil
	case "badger":
		return OpenBadgerStore(dir)
	default:
		return nil, fmt.Errorf("unknown session store backend %q", kind)
	}
}

func validateUserID(userID string) error {
	if strings.TrimSpace(userID) == "" {
		return errors.New("user id is empty")
	}
	return nil
}
