package identity

import (
	"net/http"
	"strings"
)

// Header trusts a user id header set by an authenticating reverse proxy.
// Only use it when the listener is reachable through that proxy alone.
type Header struct {
	name string
}

func NewHeader(name string) *Header {
	return &Header{name: http.CanonicalHeaderKey(name)}
}

func (h *Header) Authenticate(r *http.Request) (Identity, error) {
	userID := strings.TrimSpace(r.Header.Get(h.name))
	if userID == "" {
		return Identity{}, ErrMissingCredentials
	}
	return Identity{UserID: userID}, nil
}
