package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/al-bashkir/tgbridge/internal/session"
	"github.com/al-bashkir/tgbridge/internal/sessionstore"
	"github.com/al-bashkir/tgbridge/internal/usermeta"
)

// Status states reported when the pool holds no record.
const (
	StatusRestorable   = "restorable"
	StatusDisconnected = "disconnected"
)

// Status is a user's connection status. It never touches the network.
type Status struct {
	State            string             `json:"state"`
	Connected        bool               `json:"connected"`
	PhoneNumber      string             `json:"phone_number,omitempty"`
	TwoFactorPending bool               `json:"two_factor_pending"`
	LastActivity     *time.Time         `json:"last_activity,omitempty"`
	Metadata         *usermeta.Metadata `json:"metadata,omitempty"`
}

// Status reports the user's state from the pool, falling back to the
// persisted session and recorded metadata.
func (s *Service) Status(ctx context.Context, userID string) (Status, error) {
	if err := s.checkAvailable(); err != nil {
		return Status{}, err
	}

	unlock := s.pool.Lock(userID)
	defer unlock()

	var st Status
	if md, err := s.meta.Load(ctx, userID); err == nil {
		st.Metadata = &md
		st.PhoneNumber = md.PhoneNumber
	}

	// Status must not count as activity for the reaper.
	if info, ok := s.pool.Info(userID); ok {
		st.State = string(info.State)
		st.Connected = info.State == session.StateConnected
		st.TwoFactorPending = info.State == session.StatePasswordRequired
		st.PhoneNumber = info.PhoneNumber
		last := info.LastActivity
		st.LastActivity = &last
		return st, nil
	}

	_, err := s.store.Read(ctx, userID)
	switch {
	case err == nil:
		st.State = StatusRestorable
	case errors.Is(err, sessionstore.ErrNotFound):
		st.State = StatusDisconnected
	default:
		return Status{}, fmt.Errorf("read persisted session: %w", err)
	}
	return st, nil
}
