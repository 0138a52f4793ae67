package convo

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ServiceConfig wires the collaborators of a Service. Store and Cache are
// required; durations fall back to the defaults below.
type ServiceConfig struct {
	Store Store
	Cache BufferCache

	// BufferTimeout is the staleness tolerance for out-of-order messages.
	BufferTimeout time.Duration
	// AggregationDelay is how long after an admission the aggregation pass
	// fires.
	AggregationDelay time.Duration
	// GroupWindow is the maximum gap between two inbound messages of the
	// same burst.
	GroupWindow time.Duration

	// Now overrides the clock. Test hook.
	Now func() time.Time
}

const (
	DefaultBufferTimeout    = 5 * time.Minute
	DefaultAggregationDelay = 5 * time.Second
	DefaultGroupWindow      = 5 * time.Second
)

// Service is the intake surface for webhook events: it validates and applies
// conversation lifecycle transitions, gates message admission, and drives
// buffering and debounced aggregation.
type Service struct {
	store  Store
	buffer *Buffer
	agg    *Aggregator
	sched  *AggregationScheduler
	now    func() time.Time
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, errors.New("service: store is nil")
	}
	if cfg.Cache == nil {
		return nil, errors.New("service: cache is nil")
	}
	if cfg.BufferTimeout <= 0 {
		cfg.BufferTimeout = DefaultBufferTimeout
	}
	if cfg.AggregationDelay <= 0 {
		cfg.AggregationDelay = DefaultAggregationDelay
	}
	if cfg.GroupWindow <= 0 {
		cfg.GroupWindow = DefaultGroupWindow
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	buffer, err := NewBuffer(cfg.Cache, cfg.BufferTimeout)
	if err != nil {
		return nil, err
	}
	agg, err := NewAggregator(cfg.Store, cfg.GroupWindow)
	if err != nil {
		return nil, err
	}
	agg.SetClock(cfg.Now)

	s := &Service{
		store:  cfg.Store,
		buffer: buffer,
		agg:    agg,
		now:    cfg.Now,
	}
	s.sched = NewAggregationScheduler(cfg.AggregationDelay, s.runAggregation)
	return s, nil
}

// Close stops pending aggregation timers. Store and cache lifetimes belong
// to the caller.
func (s *Service) Close() error {
	if s == nil {
		return nil
	}
	s.sched.Stop()
	return nil
}

// HandleEvent validates an envelope and dispatches it by type.
func (s *Service) HandleEvent(ctx context.Context, env Envelope) error {
	if s == nil {
		return errors.New("service: nil service")
	}
	if err := env.Validate(); err != nil {
		return err
	}
	switch env.Type {
	case EventNewConversation:
		return s.CreateConversation(ctx, env)
	case EventNewMessage:
		return s.AdmitMessage(ctx, env, false)
	case EventCloseConversation:
		return s.CloseConversation(ctx, env)
	}
	return errors.Wrapf(ErrUnknownEventType, "%q", string(env.Type))
}

// CreateConversation creates an OPEN conversation and flushes any messages
// buffered under its id, with the creation event's timestamp as the flush's
// reference clock. The flush runs before the call returns so creation is
// never visible without it.
func (s *Service) CreateConversation(ctx context.Context, env Envelope) error {
	id := env.Data.ID
	if err := s.store.CreateConversation(ctx, id, s.now()); err != nil {
		return err
	}
	log.Info().Str("conversation_id", id).Msg("conversation created")
	s.buffer.FlushFor(ctx, id, env.Timestamp, s.AdmitMessage)
	return nil
}

// CloseConversation transitions the conversation to CLOSED.
func (s *Service) CloseConversation(ctx context.Context, env Envelope) error {
	if err := s.store.CloseConversation(ctx, env.Data.ID, s.now()); err != nil {
		return err
	}
	log.Info().Str("conversation_id", env.Data.ID).Msg("conversation closed")
	return nil
}

// AdmitMessage admits an inbound message against current conversation state.
// A missing conversation defers the message (first delivery) or fails with
// ErrExpiredBuffer (replay); a successful admission schedules a debounced
// aggregation pass.
func (s *Service) AdmitMessage(ctx context.Context, env Envelope, fromBuffer bool) error {
	ts, ok := ParseEventTime(env.Timestamp)
	if !ok {
		// Keep the message rather than reject it over a clock format.
		ts = s.now()
		log.Warn().
			Str("message_id", env.Data.ID).
			Str("timestamp", env.Timestamp).
			Msg("unparseable message timestamp, using receipt time")
	}
	msg := Message{
		ID:             env.Data.ID,
		ConversationID: env.Data.ConversationID,
		Type:           MessageInbound,
		Content:        env.Data.Content,
		Timestamp:      ts,
	}
	err := s.store.CreateInbound(ctx, msg)
	switch {
	case errors.Is(err, ErrConversationNotFound):
		if fromBuffer {
			return errors.Wrapf(ErrExpiredBuffer, "conversation %s", env.Data.ConversationID)
		}
		return s.buffer.Defer(ctx, env)
	case err != nil:
		return err
	}

	s.sched.Schedule(env.Data.ConversationID)
	return nil
}

func (s *Service) runAggregation(conversationID string) {
	if _, err := s.agg.AggregateConversation(context.Background(), conversationID); err != nil {
		log.Warn().Err(err).Str("conversation_id", conversationID).Msg("aggregation pass failed")
	}
}

// Aggregator exposes the aggregation engine for direct invocation.
func (s *Service) Aggregator() *Aggregator {
	if s == nil {
		return nil
	}
	return s.agg
}

// ConversationDetail returns a conversation with all its messages ordered by
// timestamp.
func (s *Service) ConversationDetail(ctx context.Context, id string) (Conversation, []Message, error) {
	c, ok, err := s.store.GetConversation(ctx, id)
	if err != nil {
		return Conversation{}, nil, err
	}
	if !ok {
		return Conversation{}, nil, errors.Wrapf(ErrConversationNotFound, "%s", id)
	}
	msgs, err := s.store.ListMessages(ctx, id, MessageQuery{})
	if err != nil {
		return Conversation{}, nil, err
	}
	return c, msgs, nil
}
