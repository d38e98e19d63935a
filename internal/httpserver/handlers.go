package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/al-bashkir/tgbridge/internal/bridge"
	"github.com/al-bashkir/tgbridge/internal/identity"
	"github.com/al-bashkir/tgbridge/internal/protocol"
	"github.com/al-bashkir/tgbridge/internal/session"
)

const maxBodyBytes = 16 << 10

type handshakeRequest struct {
	// Empty is left to the bridge, which reports phone_required.
	PhoneNumber string `json:"phone_number" validate:"omitempty,e164"`
}

type codeRequest struct {
	Code string `json:"code" validate:"max=32"`
}

type passwordRequest struct {
	Password string `json:"password" validate:"max=256"`
}

// StateResponse reports the session state after a handshake step.
type StateResponse struct {
	State session.State `json:"state"`
}

// ConversationsResponse wraps a conversation listing.
type ConversationsResponse struct {
	Conversations []bridge.Conversation `json:"conversations"`
}

// ParticipantsResponse wraps a participant listing.
type ParticipantsResponse struct {
	Participants []protocol.Participant `json:"participants"`
}

func (s *Server) handleHandshake(w http.ResponseWriter, r *http.Request, id identity.Identity) {
	var req handshakeRequest
	if !s.decode(w, r, &req) {
		return
	}
	req.PhoneNumber = strings.TrimSpace(req.PhoneNumber)
	if !s.check(w, r, &req) {
		return
	}

	res, err := s.svc.StartHandshake(r.Context(), id.UserID, req.PhoneNumber)
	if err != nil {
		s.writeBridgeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCode(w http.ResponseWriter, r *http.Request, id identity.Identity) {
	var req codeRequest
	if !s.decode(w, r, &req) || !s.check(w, r, &req) {
		return
	}

	state, err := s.svc.SubmitCode(r.Context(), id.UserID, strings.TrimSpace(req.Code))
	if err != nil {
		s.writeBridgeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, StateResponse{State: state})
}

func (s *Server) handlePassword(w http.ResponseWriter, r *http.Request, id identity.Identity) {
	var req passwordRequest
	if !s.decode(w, r, &req) || !s.check(w, r, &req) {
		return
	}

	state, err := s.svc.SubmitPassword(r.Context(), id.UserID, req.Password)
	if err != nil {
		s.writeBridgeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, StateResponse{State: state})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request, id identity.Identity) {
	if err := s.svc.Disconnect(r.Context(), id.UserID); err != nil {
		s.writeBridgeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, id identity.Identity) {
	st, err := s.svc.Status(r.Context(), id.UserID)
	if err != nil {
		s.writeBridgeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request, id identity.Identity) {
	convs, err := s.svc.ListConversations(r.Context(), id.UserID)
	if err != nil {
		s.writeBridgeError(w, r, err)
		return
	}
	if convs == nil {
		convs = []bridge.Conversation{}
	}
	writeJSON(w, http.StatusOK, ConversationsResponse{Conversations: convs})
}

func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request, id identity.Identity) {
	convID, ok := conversationID(w, r)
	if !ok {
		return
	}

	detail, err := s.svc.GetConversation(r.Context(), id.UserID, convID)
	if err != nil {
		s.writeBridgeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleParticipants(w http.ResponseWriter, r *http.Request, id identity.Identity) {
	convID, ok := conversationID(w, r)
	if !ok {
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, r, http.StatusBadRequest, codeInvalidRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	parts, err := s.svc.ListParticipants(r.Context(), id.UserID, convID, limit)
	if err != nil {
		s.writeBridgeError(w, r, err)
		return
	}
	if parts == nil {
		parts = []protocol.Participant{}
	}
	writeJSON(w, http.StatusOK, ParticipantsResponse{Participants: parts})
}

func conversationID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id == 0 {
		writeError(w, r, http.StatusBadRequest, codeInvalidRequest, "conversation id must be a non-zero integer")
		return 0, false
	}
	return id, true
}

// decode reads a JSON body of at most maxBodyBytes into v.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		msg := "malformed JSON body"
		if errors.Is(err, io.EOF) {
			msg = "request body is required"
		}
		writeError(w, r, http.StatusBadRequest, codeInvalidRequest, msg)
		return false
	}
	return true
}

func (s *Server) check(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := s.validate.Struct(v); err != nil {
		writeError(w, r, http.StatusBadRequest, codeInvalidRequest, validationMessage(err))
		return false
	}
	return true
}

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "invalid request"
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "e164":
		return fmt.Sprintf("%s must be an E.164 phone number", fe.Field())
	case "max":
		return fmt.Sprintf("%s is too long", fe.Field())
	default:
		return fmt.Sprintf("%s is invalid", fe.Field())
	}
}
