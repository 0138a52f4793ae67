package convo

import "github.com/pkg/errors"

// Error kinds surfaced to callers. All are per-event and recoverable;
// classify with errors.Is.
var (
	// ErrConversationExists is returned when creating a conversation whose id
	// is already stored.
	ErrConversationExists = errors.New("conversation already exists")

	// ErrConversationNotFound is returned when closing or reading a
	// conversation that was never created.
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrAlreadyClosed is returned when closing a conversation twice.
	ErrAlreadyClosed = errors.New("conversation already closed")

	// ErrConversationClosed is returned when admitting a message against a
	// CLOSED conversation.
	ErrConversationClosed = errors.New("conversation is closed")

	// ErrDuplicateMessage is returned on a message id collision. Webhook
	// redelivery is expected; the id is the idempotency key.
	ErrDuplicateMessage = errors.New("message id already exists")

	// ErrExpiredBuffer is returned when a buffered message is replayed but
	// its conversation still does not exist.
	ErrExpiredBuffer = errors.New("conversation does not exist and exceeded delay tolerance")

	// ErrUnknownEventType is returned for envelope types outside the three
	// recognized kinds.
	ErrUnknownEventType = errors.New("unknown event type")

	// ErrInvalidEvent is returned when an envelope is missing required
	// per-type data fields.
	ErrInvalidEvent = errors.New("invalid event")
)
