// Package identity resolves the caller identity of an HTTP request. The
// bridge trusts whatever user id this package yields.
package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/al-bashkir/tgbridge/internal/config"
)

var (
	// ErrMissingCredentials: the request carries no token or identity header.
	ErrMissingCredentials = errors.New("missing credentials")
	// ErrInvalidToken: the token failed verification.
	ErrInvalidToken = errors.New("invalid token")
	// ErrForbidden: the token is valid but lacks a required role.
	ErrForbidden = errors.New("insufficient roles")
)

// Identity is an authenticated caller.
type Identity struct {
	UserID string
	Roles  []string
}

// Authenticator extracts and verifies the caller identity of a request.
type Authenticator interface {
	Authenticate(r *http.Request) (Identity, error)
}

// New builds the authenticator selected by cfg.Mode. OIDC discovery runs
// here, so ctx bounds the discovery request.
func New(ctx context.Context, cfg *config.IdentityConfig) (Authenticator, error) {
	switch cfg.Mode {
	case "hmac":
		return NewHMAC(cfg)
	case "oidc":
		return NewOIDC(ctx, cfg)
	case "header":
		return NewHeader(cfg.Header), nil
	default:
		return nil, fmt.Errorf("unknown identity mode %q", cfg.Mode)
	}
}

type contextKey struct{}

// WithIdentity returns a context carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext returns the identity stored by WithIdentity.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(Identity)
	return id, ok
}

// bearerToken returns the token of an "Authorization: Bearer" header.
func bearerToken(r *http.Request) (string, error) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return "", ErrMissingCredentials
	}
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", fmt.Errorf("%w: malformed authorization header", ErrInvalidToken)
	}
	return strings.TrimSpace(token), nil
}
