package httpserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/al-bashkir/tgbridge/internal/bridge"
	"github.com/al-bashkir/tgbridge/internal/identity"
)

// Stable error codes returned in the "code" field.
const (
	codeInvalidRequest       = "invalid_request"
	codePhoneRequired        = "phone_required"
	codeInvalidCode          = "invalid_code"
	codeInvalidPassword      = "invalid_password"
	codeNoPendingHandshake   = "no_pending_handshake"
	codeNo2FAPending         = "no_2fa_pending"
	codeNotConnected         = "not_connected"
	codeConversationNotFound = "conversation_not_found"
	codeHandshakeFailed      = "handshake_failed"
	codeRequestFailed        = "request_failed"
	codeAdapterUnavailable   = "adapter_unavailable"
	codeUnauthorized         = "unauthorized"
	codeForbidden            = "forbidden"
	codeRateLimited          = "rate_limited"
	codeInternal             = "internal"
)

// ErrorResponse is the JSON body of every non-2xx API response.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id,omitempty"`
}

// errorMapping pairs a sentinel with its HTTP status and code. Order
// matters only for errors wrapping more than one sentinel.
var errorMapping = []struct {
	err    error
	status int
	code   string
}{
	{bridge.ErrPhoneRequired, http.StatusBadRequest, codePhoneRequired},
	{bridge.ErrInvalidCode, http.StatusUnprocessableEntity, codeInvalidCode},
	{bridge.ErrInvalidPassword, http.StatusUnprocessableEntity, codeInvalidPassword},
	{bridge.ErrNoPendingHandshake, http.StatusConflict, codeNoPendingHandshake},
	{bridge.ErrNo2FAPending, http.StatusConflict, codeNo2FAPending},
	{bridge.ErrNotConnected, http.StatusConflict, codeNotConnected},
	{bridge.ErrConversationNotFound, http.StatusNotFound, codeConversationNotFound},
	{bridge.ErrHandshakeFailed, http.StatusBadGateway, codeHandshakeFailed},
	{bridge.ErrRequestFailed, http.StatusBadGateway, codeRequestFailed},
	{bridge.ErrAdapterUnavailable, http.StatusServiceUnavailable, codeAdapterUnavailable},
	{identity.ErrMissingCredentials, http.StatusUnauthorized, codeUnauthorized},
	{identity.ErrInvalidToken, http.StatusUnauthorized, codeUnauthorized},
	{identity.ErrForbidden, http.StatusForbidden, codeForbidden},
}

// statusOf maps err onto an HTTP status, a stable code and a client-safe
// message. Network error detail never reaches the client.
func statusOf(err error) (int, string, string) {
	for _, m := range errorMapping {
		if errors.Is(err, m.err) {
			return m.status, m.code, m.err.Error()
		}
	}
	return http.StatusInternalServerError, codeInternal, "internal server error"
}

func (s *Server) writeBridgeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, msg := statusOf(err)
	if status >= http.StatusInternalServerError {
		slog.Error("request failed",
			"request_id", requestIDFrom(r.Context()),
			"code", code,
			"error", err,
		)
	}
	writeError(w, r, status, code, msg)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	writeJSON(w, status, ErrorResponse{
		Error:     msg,
		Code:      code,
		RequestID: requestIDFrom(r.Context()),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Best-effort: headers/status may already be written.
		slog.Error("failed to encode response", "error", err)
	}
}
