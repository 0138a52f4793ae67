// Package httpapi exposes the webhook intake endpoint and the conversation
// detail view. It translates envelopes and error kinds to transport status
// codes; all domain decisions live in pkg/convo.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/pedrogs97/realmate-challenge/pkg/convo"
)

// Publisher hands validated envelopes to the intake bus. When unset, the
// handler dispatches to the service synchronously.
type Publisher interface {
	Publish(ctx context.Context, env convo.Envelope) error
}

type Handler struct {
	svc *convo.Service
	pub Publisher
	mux *http.ServeMux
}

// NewHandler builds the HTTP surface. pub is optional; with a publisher the
// webhook endpoint validates, enqueues and answers immediately.
func NewHandler(svc *convo.Service, pub Publisher) (*Handler, error) {
	if svc == nil {
		return nil, errors.New("httpapi: service is nil")
	}
	h := &Handler{svc: svc, pub: pub, mux: http.NewServeMux()}
	h.mux.HandleFunc("POST /webhook", h.handleWebhook)
	h.mux.HandleFunc("POST /webhook/", h.handleWebhook)
	h.mux.HandleFunc("GET /conversations/{id}", h.handleConversationDetail)
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// statusForEvent maps an accepted event type to its success status:
// creation 201, message intake 202, closure 200.
func statusForEvent(t convo.EventType) int {
	switch t {
	case convo.EventNewConversation:
		return http.StatusCreated
	case convo.EventNewMessage:
		return http.StatusAccepted
	default:
		return http.StatusOK
	}
}

func (h *Handler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	var env convo.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if err := env.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if h.pub != nil {
		if err := h.pub.Publish(r.Context(), env); err != nil {
			log.Error().Err(err).Str("event_type", string(env.Type)).Msg("webhook: publish failed")
			writeError(w, http.StatusInternalServerError, "failed to enqueue event")
			return
		}
		w.WriteHeader(statusForEvent(env.Type))
		return
	}

	if err := h.svc.HandleEvent(r.Context(), env); err != nil {
		status := http.StatusBadRequest
		if !isKindError(err) {
			// Infrastructure failure; let the source retry.
			status = http.StatusInternalServerError
		}
		writeError(w, status, err.Error())
		return
	}
	w.WriteHeader(statusForEvent(env.Type))
}

type conversationDetail struct {
	convo.Conversation
	Messages []convo.Message `json:"messages"`
}

func (h *Handler) handleConversationDetail(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	c, msgs, err := h.svc.ConversationDetail(r.Context(), id)
	if errors.Is(err, convo.ErrConversationNotFound) {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		log.Error().Err(err).Str("conversation_id", id).Msg("conversation detail failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, conversationDetail{Conversation: c, Messages: msgs})
}

// isKindError reports whether err is one of the caller-visible, per-event
// error kinds rather than an infrastructure failure.
func isKindError(err error) bool {
	for _, kind := range []error{
		convo.ErrConversationExists,
		convo.ErrConversationNotFound,
		convo.ErrAlreadyClosed,
		convo.ErrConversationClosed,
		convo.ErrDuplicateMessage,
		convo.ErrExpiredBuffer,
		convo.ErrUnknownEventType,
		convo.ErrInvalidEvent,
	} {
		if errors.Is(err, kind) {
			return true
		}
	}
	return false
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("failed to encode response")
	}
}
