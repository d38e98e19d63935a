package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/al-bashkir/tgbridge/internal/logsanitize"
	"github.com/al-bashkir/tgbridge/internal/protocol"
	"github.com/al-bashkir/tgbridge/internal/session"
	"github.com/al-bashkir/tgbridge/internal/usermeta"
)

// HandshakeResult is returned by StartHandshake.
type HandshakeResult struct {
	CodeSent bool `json:"code_sent"`
}

// StartHandshake replaces any existing record for userID with a fresh
// connection and asks the network to deliver a login code to phone.
// On failure no record is left in the pool.
func (s *Service) StartHandshake(ctx context.Context, userID, phone string) (HandshakeResult, error) {
	if err := s.checkAvailable(); err != nil {
		return HandshakeResult{}, err
	}
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return HandshakeResult{}, ErrPhoneRequired
	}

	unlock := s.pool.Lock(userID)
	defer unlock()

	// The old client is closed before the new one exists.
	s.pool.Remove(ctx, userID)

	client, err := s.factory.NewClient("")
	if err != nil {
		s.observer.HandshakeStep(StepStart, "error")
		return HandshakeResult{}, classify(ErrHandshakeFailed, err)
	}

	cctx, cancel := s.bounded(ctx)
	err = client.Connect(cctx)
	cancel()
	if err != nil {
		s.discard(ctx, client)
		s.observer.HandshakeStep(StepStart, "error")
		return HandshakeResult{}, classify(ErrHandshakeFailed, fmt.Errorf("connect: %w", err))
	}

	cctx, cancel = s.bounded(ctx)
	codeHash, err := client.SendCode(cctx, phone)
	cancel()
	if err == nil && codeHash == "" {
		err = errors.New("empty code hash")
	}
	if err != nil {
		s.discard(ctx, client)
		s.observer.HandshakeStep(StepStart, "error")
		return HandshakeResult{}, classify(ErrHandshakeFailed, fmt.Errorf("send code: %w", err))
	}

	s.pool.Insert(ctx, session.NewCodeSentRecord(userID, phone, client, codeHash))

	now := s.now()
	s.updateMeta(ctx, userID, func(md *usermeta.Metadata) {
		md.PhoneNumber = phone
		md.TwoFactorEnabled = false
		md.Verified = false
		md.HandshakeAt = now
	})

	s.observer.HandshakeStep(StepStart, "code_sent")
	slog.Info("login code requested",
		"user_id", logsanitize.Sanitize(userID),
		"phone", logsanitize.MaskPhone(phone),
	)
	return HandshakeResult{CodeSent: true}, nil
}

// SubmitCode verifies the login code for a record in StateCodeSent. It
// returns the record's state after the call.
func (s *Service) SubmitCode(ctx context.Context, userID, code string) (session.State, error) {
	if err := s.checkAvailable(); err != nil {
		return "", err
	}

	unlock := s.pool.Lock(userID)
	defer unlock()

	rec, ok := s.pool.Get(userID)
	if !ok || rec.State != session.StateCodeSent {
		return stateOf(rec), ErrNoPendingHandshake
	}

	code = strings.TrimSpace(code)
	if code == "" {
		s.observer.HandshakeStep(StepCode, "invalid")
		return rec.State, fmt.Errorf("%w: empty code", ErrInvalidCode)
	}

	cctx, cancel := s.bounded(ctx)
	outcome, err := rec.Client.SignIn(cctx, rec.PhoneNumber, code, rec.PendingCodeHash)
	cancel()

	switch outcome {
	case protocol.SignInSuccess:
		if err := s.complete(ctx, rec); err != nil {
			s.observer.HandshakeStep(StepCode, "error")
			return "", err
		}
		s.observer.HandshakeStep(StepCode, "connected")
		return session.StateConnected, nil

	case protocol.SignInPasswordNeeded:
		s.pool.Update(rec, (*session.Record).RequirePassword)
		s.updateMeta(ctx, userID, func(md *usermeta.Metadata) {
			md.TwoFactorEnabled = true
		})
		s.observer.HandshakeStep(StepCode, "password_required")
		slog.Info("two-factor password required", "user_id", logsanitize.Sanitize(userID))
		return session.StatePasswordRequired, nil
	}

	if err == nil {
		err = errors.New("sign in rejected")
	}
	if s.lost(ctx, rec, err) {
		s.observer.HandshakeStep(StepCode, "error")
		return "", classify(ErrHandshakeFailed, err)
	}
	s.observer.HandshakeStep(StepCode, "invalid")
	return rec.State, classify(ErrInvalidCode, err)
}

// SubmitPassword completes a handshake waiting for the two-factor password.
func (s *Service) SubmitPassword(ctx context.Context, userID, password string) (session.State, error) {
	if err := s.checkAvailable(); err != nil {
		return "", err
	}

	unlock := s.pool.Lock(userID)
	defer unlock()

	rec, ok := s.pool.Get(userID)
	if !ok || !rec.TwoFactorPending {
		return stateOf(rec), ErrNo2FAPending
	}

	if password == "" {
		s.observer.HandshakeStep(StepPassword, "invalid")
		return rec.State, fmt.Errorf("%w: empty password", ErrInvalidPassword)
	}

	cctx, cancel := s.bounded(ctx)
	err := rec.Client.CheckPassword(cctx, password)
	cancel()
	if err != nil {
		if s.lost(ctx, rec, err) {
			s.observer.HandshakeStep(StepPassword, "error")
			return "", classify(ErrHandshakeFailed, err)
		}
		s.observer.HandshakeStep(StepPassword, "invalid")
		return rec.State, classify(ErrInvalidPassword, err)
	}

	if err := s.complete(ctx, rec); err != nil {
		s.observer.HandshakeStep(StepPassword, "error")
		return "", err
	}
	s.observer.HandshakeStep(StepPassword, "connected")
	return session.StateConnected, nil
}

// Disconnect closes and forgets the user's connection and deletes the
// persisted session. Calling it with nothing to disconnect succeeds.
func (s *Service) Disconnect(ctx context.Context, userID string) error {
	if err := s.checkAvailable(); err != nil {
		return err
	}

	unlock := s.pool.Lock(userID)
	defer unlock()

	removed := s.pool.Remove(ctx, userID)

	if err := s.store.Delete(ctx, userID); err != nil {
		return fmt.Errorf("delete persisted session: %w", err)
	}
	s.clearMeta(ctx, userID)

	if removed {
		slog.Info("session disconnected", "user_id", logsanitize.Sanitize(userID))
	}
	return nil
}

// complete serializes and persists an authorized record and marks it
// connected. A failed durable write is logged and retried on the next read.
func (s *Service) complete(ctx context.Context, rec *session.Record) error {
	cctx, cancel := s.bounded(ctx)
	serialized, err := rec.Client.SerializeSession(cctx)
	cancel()
	if err != nil {
		s.pool.Remove(ctx, rec.UserID)
		return classify(ErrHandshakeFailed, fmt.Errorf("serialize session: %w", err))
	}

	s.pool.Update(rec, func(r *session.Record) { r.MarkConnected(serialized) })
	s.persist(ctx, rec)

	now := s.now()
	s.updateMeta(ctx, rec.UserID, func(md *usermeta.Metadata) {
		md.PhoneNumber = rec.PhoneNumber
		md.Verified = true
		md.ConnectedAt = now
	})

	slog.Info("session connected",
		"user_id", logsanitize.Sanitize(rec.UserID),
		"phone", logsanitize.MaskPhone(rec.PhoneNumber),
		"persisted", rec.Persisted,
	)
	return nil
}

// lost evicts rec when err shows its connection is no longer usable.
func (s *Service) lost(ctx context.Context, rec *session.Record, err error) bool {
	if !errors.Is(err, protocol.ErrConnectionClosed) && !errors.Is(err, protocol.ErrUnavailable) {
		return false
	}
	s.pool.Remove(ctx, rec.UserID)
	slog.Warn("connection lost during handshake, record evicted",
		"user_id", logsanitize.Sanitize(rec.UserID),
		"error", err,
	)
	return true
}

func stateOf(rec *session.Record) session.State {
	if rec == nil {
		return ""
	}
	return rec.State
}
