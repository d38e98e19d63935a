// Package bridge drives the per-user login handshake against the messaging
// network and serves read operations over pooled connections.
package bridge

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/al-bashkir/tgbridge/internal/logsanitize"
	"github.com/al-bashkir/tgbridge/internal/protocol"
	"github.com/al-bashkir/tgbridge/internal/session"
	"github.com/al-bashkir/tgbridge/internal/sessionstore"
	"github.com/al-bashkir/tgbridge/internal/usermeta"
)

const (
	DefaultOperationTimeout = 30 * time.Second
	DefaultDialogLimit      = 100
	DefaultParticipantLimit = 50
	MaxParticipantLimit     = 200
)

// Handshake step labels reported to the Observer.
const (
	StepStart    = "start"
	StepCode     = "code"
	StepPassword = "password"
)

// Observer receives handshake and restore outcomes. Implementations must be
// safe for concurrent use.
type Observer interface {
	HandshakeStep(step, outcome string)
	Restore(outcome string)
}

type nopObserver struct{}

func (nopObserver) HandshakeStep(string, string) {}
func (nopObserver) Restore(string)               {}

// Options tunes a Service. Zero values select the defaults.
type Options struct {
	// OperationTimeout bounds every single adapter call.
	OperationTimeout time.Duration
	// DialogLimit caps how many dialogs ListConversations fetches.
	DialogLimit int
	// ParticipantLimit caps participants fetched per group.
	ParticipantLimit int
	Observer         Observer
}

// Service is the auth state machine and directory reader. All per-user
// operations are serialized through the pool's user lock; nothing here holds
// the pool's structural lock across a network call.
type Service struct {
	factory protocol.Factory
	pool    *session.Pool
	store   sessionstore.Store
	meta    usermeta.Store

	opTimeout        time.Duration
	dialogLimit      int
	participantLimit int
	observer         Observer
	now              func() time.Time
}

func New(factory protocol.Factory, pool *session.Pool, store sessionstore.Store, meta usermeta.Store, opts Options) *Service {
	if factory == nil {
		factory = protocol.DisabledFactory{}
	}
	if meta == nil {
		meta = usermeta.NewMemoryStore()
	}
	s := &Service{
		factory:          factory,
		pool:             pool,
		store:            store,
		meta:             meta,
		opTimeout:        opts.OperationTimeout,
		dialogLimit:      opts.DialogLimit,
		participantLimit: opts.ParticipantLimit,
		observer:         opts.Observer,
		now:              time.Now,
	}
	if s.opTimeout <= 0 {
		s.opTimeout = DefaultOperationTimeout
	}
	if s.dialogLimit <= 0 {
		s.dialogLimit = DefaultDialogLimit
	}
	if s.participantLimit <= 0 {
		s.participantLimit = DefaultParticipantLimit
	}
	if s.participantLimit > MaxParticipantLimit {
		s.participantLimit = MaxParticipantLimit
	}
	if s.observer == nil {
		s.observer = nopObserver{}
	}
	return s
}

// Available reports whether the messaging network adapter is configured.
func (s *Service) Available() bool {
	return s.factory.Available()
}

// Pool exposes the underlying pool for admin operations.
func (s *Service) Pool() *session.Pool {
	return s.pool
}

func (s *Service) checkAvailable() error {
	if !s.factory.Available() {
		return ErrAdapterUnavailable
	}
	return nil
}

// bounded derives the per-call deadline for one adapter operation.
func (s *Service) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

// discard disconnects a client that never made it into the pool.
func (s *Service) discard(ctx context.Context, client protocol.Client) {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opTimeout)
	defer cancel()
	if err := client.Disconnect(dctx); err != nil {
		slog.Warn("failed to disconnect discarded client", "error", err)
	}
}

// persist writes the record's serialized session to durable storage and
// marks it persisted on success. Failures are logged; a later read retries.
func (s *Service) persist(ctx context.Context, rec *session.Record) {
	if rec.Persisted || rec.SerializedSession == "" {
		return
	}
	if err := s.store.Write(ctx, rec.UserID, rec.SerializedSession); err != nil {
		slog.Error("failed to persist session",
			"user_id", logsanitize.Sanitize(rec.UserID),
			"error", err,
		)
		return
	}
	s.pool.Update(rec, func(r *session.Record) { r.Persisted = true })
}

// updateMeta applies fn to the user's metadata and saves it. Failures are
// logged and never returned.
func (s *Service) updateMeta(ctx context.Context, userID string, fn func(*usermeta.Metadata)) {
	md, err := s.meta.Load(ctx, userID)
	if err != nil && !errors.Is(err, usermeta.ErrNotFound) {
		slog.Warn("failed to load user session metadata",
			"user_id", logsanitize.Sanitize(userID),
			"error", err,
		)
		md = usermeta.Metadata{}
	}
	fn(&md)
	md.UpdatedAt = s.now()
	if err := s.meta.Save(ctx, userID, md); err != nil {
		slog.Warn("failed to save user session metadata",
			"user_id", logsanitize.Sanitize(userID),
			"error", err,
		)
	}
}

func (s *Service) clearMeta(ctx context.Context, userID string) {
	if err := s.meta.Clear(ctx, userID); err != nil {
		slog.Warn("failed to clear user session metadata",
			"user_id", logsanitize.Sanitize(userID),
			"error", err,
		)
	}
}
