package convo

import (
	"context"
	"time"
)

// MessageQuery filters ListMessages. Results are always ordered by message
// timestamp ascending.
type MessageQuery struct {
	// Type restricts to one direction when set.
	Type MessageType
	// After keeps only messages with timestamp strictly greater than this
	// bound when non-zero.
	After time.Time
}

// Store is the durable, transactional record of conversations and messages.
// Uniqueness on both id columns is enforced at the store level; concurrent
// creations of the same id yield exactly one success.
type Store interface {
	// CreateConversation stores a new OPEN conversation. Returns
	// ErrConversationExists on a duplicate id.
	CreateConversation(ctx context.Context, id string, now time.Time) error

	// GetConversation returns the conversation if present.
	GetConversation(ctx context.Context, id string) (Conversation, bool, error)

	// CloseConversation transitions OPEN -> CLOSED atomically. Returns
	// ErrConversationNotFound or ErrAlreadyClosed.
	CloseConversation(ctx context.Context, id string, now time.Time) error

	// CreateInbound checks conversation existence and status and inserts the
	// message in one atomic unit. Returns ErrConversationNotFound,
	// ErrConversationClosed or ErrDuplicateMessage.
	CreateInbound(ctx context.Context, msg Message) error

	// CreateOutboundBatch inserts all summary messages in one atomic unit.
	CreateOutboundBatch(ctx context.Context, msgs []Message) error

	// ListMessages returns a conversation's messages matching q, ordered by
	// timestamp ascending.
	ListMessages(ctx context.Context, conversationID string, q MessageQuery) ([]Message, error)

	// LatestOutbound returns the most recent OUTBOUND message, if any.
	LatestOutbound(ctx context.Context, conversationID string) (Message, bool, error)

	Close() error
}
