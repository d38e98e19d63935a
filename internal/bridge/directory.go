package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/al-bashkir/tgbridge/internal/logsanitize"
	"github.com/al-bashkir/tgbridge/internal/protocol"
	"github.com/al-bashkir/tgbridge/internal/session"
	"github.com/al-bashkir/tgbridge/internal/sessionstore"
)

// Conversation is one entry of a user's dialog list.
type Conversation struct {
	ID               int64                  `json:"id"`
	Type             protocol.EntityKind    `json:"type"`
	Title            string                 `json:"title"`
	Username         string                 `json:"username,omitempty"`
	UnreadCount      int                    `json:"unread_count"`
	ParticipantCount int                    `json:"participant_count,omitempty"`
	LastMessage      *protocol.Message      `json:"last_message,omitempty"`
	Participants     []protocol.Participant `json:"participants,omitempty"`
}

// ConversationDetail is a single resolved conversation.
type ConversationDetail struct {
	Conversation
	About     string     `json:"about,omitempty"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
}

// ListConversations enumerates the user's dialogs. Groups carry up to the
// configured number of participants; a group whose participants cannot be
// fetched is listed without them.
func (s *Service) ListConversations(ctx context.Context, userID string) ([]Conversation, error) {
	if err := s.checkAvailable(); err != nil {
		return nil, err
	}

	unlock := s.pool.Lock(userID)
	defer unlock()

	var out []Conversation
	err := s.read(ctx, userID, func(rec *session.Record) error {
		cctx, cancel := s.bounded(ctx)
		dialogs, err := rec.Client.ListDialogs(cctx, s.dialogLimit)
		cancel()
		if err != nil {
			return fmt.Errorf("list dialogs: %w", err)
		}

		out = make([]Conversation, 0, len(dialogs))
		for _, e := range dialogs {
			conv := conversationOf(e)
			if e.Kind == protocol.KindGroup {
				ps, err := s.participants(ctx, rec, e, s.participantLimit)
				if err != nil {
					return err
				}
				conv.Participants = ps
			}
			out = append(out, conv)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetConversation resolves one conversation by its marked id.
func (s *Service) GetConversation(ctx context.Context, userID string, conversationID int64) (ConversationDetail, error) {
	if err := s.checkAvailable(); err != nil {
		return ConversationDetail{}, err
	}

	unlock := s.pool.Lock(userID)
	defer unlock()

	var detail ConversationDetail
	err := s.read(ctx, userID, func(rec *session.Record) error {
		e, err := s.entity(ctx, rec, conversationID)
		if err != nil {
			return err
		}

		detail = ConversationDetail{
			Conversation: conversationOf(e),
			About:        e.About,
		}
		if !e.CreatedAt.IsZero() {
			created := e.CreatedAt
			detail.CreatedAt = &created
		}
		if e.Kind == protocol.KindGroup {
			ps, err := s.participants(ctx, rec, e, s.participantLimit)
			if err != nil {
				return err
			}
			detail.Participants = ps
		}
		return nil
	})
	if err != nil {
		return ConversationDetail{}, err
	}
	return detail, nil
}

// ListParticipants returns up to limit participants of a group conversation.
// Users and broadcast channels have no listable participants and yield an
// empty slice. A limit outside (0, MaxParticipantLimit] is clamped.
func (s *Service) ListParticipants(ctx context.Context, userID string, conversationID int64, limit int) ([]protocol.Participant, error) {
	if err := s.checkAvailable(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = s.participantLimit
	}
	if limit > MaxParticipantLimit {
		limit = MaxParticipantLimit
	}

	unlock := s.pool.Lock(userID)
	defer unlock()

	var ps []protocol.Participant
	err := s.read(ctx, userID, func(rec *session.Record) error {
		e, err := s.entity(ctx, rec, conversationID)
		if err != nil {
			return err
		}
		if e.Kind != protocol.KindGroup {
			ps = []protocol.Participant{}
			return nil
		}

		cctx, cancel := s.bounded(ctx)
		ps, err = rec.Client.GetParticipants(cctx, e, limit)
		cancel()
		if err != nil {
			return fmt.Errorf("get participants: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if ps == nil {
		ps = []protocol.Participant{}
	}
	return ps, nil
}

// read runs fn against the user's connected record. If fn finds the
// connection dead, the record is evicted and fn runs once more on a session
// restored from storage. The caller holds the user lock.
func (s *Service) read(ctx context.Context, userID string, fn func(rec *session.Record) error) error {
	for attempt := 0; ; attempt++ {
		rec, err := s.connected(ctx, userID)
		if err != nil {
			return err
		}

		err = fn(rec)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, ErrConversationNotFound):
			return err
		case !errors.Is(err, protocol.ErrConnectionClosed):
			return classify(ErrRequestFailed, err)
		}

		s.pool.Remove(ctx, userID)
		if attempt > 0 {
			return fmt.Errorf("%w: %v", ErrNotConnected, err)
		}
		slog.Info("connection lost during read, restoring session",
			"user_id", logsanitize.Sanitize(userID),
			"error", err,
		)
	}
}

// connected returns the user's connected record, restoring it from the
// persisted session when the pool has none or holds a dead connection.
// The caller holds the user lock.
func (s *Service) connected(ctx context.Context, userID string) (*session.Record, error) {
	if rec, ok := s.pool.Get(userID); ok {
		if rec.State != session.StateConnected {
			return nil, fmt.Errorf("%w: handshake in state %s", ErrNotConnected, rec.State)
		}
		if rec.Client.Alive() {
			s.persist(ctx, rec)
			return rec, nil
		}
		slog.Info("pooled connection is dead, restoring session",
			"user_id", logsanitize.Sanitize(userID),
		)
		s.pool.Remove(ctx, userID)
	}
	return s.restore(ctx, userID)
}

// restore rebuilds a connected record from durable storage. The persisted
// session is deleted only when the network says it is no longer authorized;
// transport failures keep it for a later attempt.
func (s *Service) restore(ctx context.Context, userID string) (*session.Record, error) {
	serialized, err := s.store.Read(ctx, userID)
	if errors.Is(err, sessionstore.ErrNotFound) {
		return nil, ErrNotConnected
	}
	if err != nil {
		s.observer.Restore("error")
		return nil, fmt.Errorf("%w: read persisted session: %v", ErrNotConnected, err)
	}

	client, err := s.factory.NewClient(serialized)
	if err != nil {
		s.observer.Restore("error")
		return nil, classify(ErrNotConnected, fmt.Errorf("load session: %w", err))
	}

	cctx, cancel := s.bounded(ctx)
	err = client.Connect(cctx)
	cancel()
	if err != nil {
		s.discard(ctx, client)
		s.observer.Restore("error")
		return nil, classify(ErrNotConnected, fmt.Errorf("connect: %w", err))
	}

	cctx, cancel = s.bounded(ctx)
	authorized, err := client.IsAuthorized(cctx)
	cancel()
	if err != nil {
		s.discard(ctx, client)
		s.observer.Restore("error")
		return nil, classify(ErrNotConnected, fmt.Errorf("check authorization: %w", err))
	}

	if !authorized {
		s.discard(ctx, client)
		if err := s.store.Delete(ctx, userID); err != nil {
			slog.Warn("failed to delete stale session",
				"user_id", logsanitize.Sanitize(userID),
				"error", err,
			)
		}
		s.clearMeta(ctx, userID)
		s.observer.Restore("expired")
		slog.Info("persisted session expired", "user_id", logsanitize.Sanitize(userID))
		return nil, fmt.Errorf("%w: session expired", ErrNotConnected)
	}

	rec := session.NewConnectedRecord(userID, client, serialized)
	s.pool.Insert(ctx, rec)
	s.observer.Restore("restored")
	slog.Info("session restored", "user_id", logsanitize.Sanitize(userID))
	return rec, nil
}

func (s *Service) entity(ctx context.Context, rec *session.Record, id int64) (protocol.Entity, error) {
	cctx, cancel := s.bounded(ctx)
	e, err := rec.Client.GetEntity(cctx, id)
	cancel()
	if errors.Is(err, protocol.ErrEntityNotFound) {
		return protocol.Entity{}, fmt.Errorf("%w: %d", ErrConversationNotFound, id)
	}
	if err != nil {
		return protocol.Entity{}, fmt.Errorf("get entity: %w", err)
	}
	return e, nil
}

// participants fetches a group's members for a listing. Failures are logged
// and yield nil, except a dead connection, which is returned.
func (s *Service) participants(ctx context.Context, rec *session.Record, e protocol.Entity, limit int) ([]protocol.Participant, error) {
	cctx, cancel := s.bounded(ctx)
	ps, err := rec.Client.GetParticipants(cctx, e, limit)
	cancel()
	if errors.Is(err, protocol.ErrConnectionClosed) {
		return nil, fmt.Errorf("get participants: %w", err)
	}
	if err != nil {
		slog.Warn("failed to fetch participants",
			"user_id", logsanitize.Sanitize(rec.UserID),
			"conversation_id", e.ID,
			"error", err,
		)
		return nil, nil
	}
	return ps, nil
}

func conversationOf(e protocol.Entity) Conversation {
	return Conversation{
		ID:               e.ID,
		Type:             e.Kind,
		Title:            e.Title,
		Username:         e.Username,
		UnreadCount:      e.UnreadCount,
		ParticipantCount: e.ParticipantCount,
		LastMessage:      e.LastMessage,
	}
}
