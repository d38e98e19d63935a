package bridge

import (
	"errors"
	"fmt"

	"github.com/al-bashkir/tgbridge/internal/protocol"
)

// Callers branch on these with errors.Is. Adapter error text is attached as
// detail only.
var (
	// ErrHandshakeFailed: connect or send-code failed, or the connection was
	// lost mid-handshake. No record is left behind.
	ErrHandshakeFailed = errors.New("handshake failed")
	// ErrPhoneRequired: StartHandshake was called without a phone number.
	ErrPhoneRequired = errors.New("phone number is required")
	// ErrInvalidCode: the login code was rejected; the handshake may be retried.
	ErrInvalidCode = errors.New("invalid login code")
	// ErrInvalidPassword: the two-factor password was rejected.
	ErrInvalidPassword = errors.New("invalid two-factor password")
	// ErrNoPendingHandshake: SubmitCode without a record waiting for a code.
	ErrNoPendingHandshake = errors.New("no pending handshake")
	// ErrNo2FAPending: SubmitPassword without a record waiting for a password.
	ErrNo2FAPending = errors.New("no two-factor step pending")
	// ErrNotConnected: no live or restorable session for the user.
	ErrNotConnected = errors.New("not connected")
	// ErrConversationNotFound: the connection is fine but the target is unknown.
	ErrConversationNotFound = errors.New("conversation not found")
	// ErrAdapterUnavailable: the messaging network is not configured or
	// unreachable; the subsystem is disabled.
	ErrAdapterUnavailable = errors.New("messaging adapter unavailable")
	// ErrRequestFailed: a read request to the network failed on a live connection.
	ErrRequestFailed = errors.New("messaging request failed")
)

// classify wraps an adapter error into kind, unless the adapter reports it
// is unavailable.
func classify(kind error, err error) error {
	if errors.Is(err, protocol.ErrUnavailable) {
		return fmt.Errorf("%w: %v", ErrAdapterUnavailable, err)
	}
	return fmt.Errorf("%w: %v", kind, err)
}
