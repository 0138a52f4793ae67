package convo

import (
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Status is the lifecycle state of a conversation. It starts OPEN and moves
// to CLOSED at most once; it never moves back.
type Status string

const (
	StatusOpen   Status = "OPEN"
	StatusClosed Status = "CLOSED"
)

// MessageType distinguishes messages received from the external party from
// replies produced by the aggregation engine.
type MessageType string

const (
	MessageInbound  MessageType = "INBOUND"
	MessageOutbound MessageType = "OUTBOUND"
)

type Conversation struct {
	ID        string    `json:"id"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"-"`
	Type           MessageType `json:"type"`
	Content        string      `json:"content"`
	Timestamp      time.Time   `json:"timestamp"`
}

// EventType is the discriminator of a webhook envelope.
type EventType string

const (
	EventNewConversation   EventType = "NEW_CONVERSATION"
	EventNewMessage        EventType = "NEW_MESSAGE"
	EventCloseConversation EventType = "CLOSE_CONVERSATION"
)

// Envelope is a webhook event as delivered by the source. Timestamp is kept
// as the raw string so buffered events preserve exactly what arrived; parsing
// happens at admission time.
type Envelope struct {
	Type      EventType `json:"type"`
	Timestamp string    `json:"timestamp"`
	Data      EventData `json:"data"`
}

type EventData struct {
	ID             string `json:"id"`
	Content        string `json:"content,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// Validate checks the per-type required data fields.
func (e Envelope) Validate() error {
	switch e.Type {
	case EventNewConversation, EventCloseConversation:
		if strings.TrimSpace(e.Data.ID) == "" {
			return errors.Wrap(ErrInvalidEvent, "data.id is required")
		}
	case EventNewMessage:
		if strings.TrimSpace(e.Data.ID) == "" {
			return errors.Wrap(ErrInvalidEvent, "data.id is required")
		}
		if strings.TrimSpace(e.Data.ConversationID) == "" {
			return errors.Wrap(ErrInvalidEvent, "data.conversation_id is required")
		}
		if e.Data.Content == "" {
			return errors.Wrap(ErrInvalidEvent, "data.content is required")
		}
	default:
		return errors.Wrapf(ErrUnknownEventType, "%q", string(e.Type))
	}
	return nil
}

// eventTimeLayouts covers the timestamp shapes the webhook source emits:
// RFC3339 with offset, and naive ISO-8601 without one.
var eventTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
}

// ParseEventTime parses a webhook timestamp. ok is false when the value does
// not match any known layout.
func ParseEventTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range eventTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
