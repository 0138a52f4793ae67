package convo

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ReplayUnparseableTimestamps is the retention policy for buffered events
// whose timestamp (or whose flush reference timestamp) cannot be parsed:
// they are treated as within tolerance and replayed rather than dropped.
// Failing open here trades a possible stale replay for never losing a
// message over a clock-parsing error.
const ReplayUnparseableTimestamps = true

// BufferedEvent is a webhook event held aside because its conversation did
// not exist at admission time.
type BufferedEvent struct {
	ConversationID string   `json:"conversation_id"`
	MessageID      string   `json:"message_id"`
	Envelope       Envelope `json:"envelope"`
}

// BufferCache is the transient keyed storage behind the Buffer. Entries
// expire on their own after the ttl handed to Put; TakeAll removes what it
// returns, so each entry is observable at most once.
type BufferCache interface {
	// Put stores ev under (conversation id, message id), resetting payload
	// and expiry if the key already exists.
	Put(ctx context.Context, ev BufferedEvent, ttl time.Duration) error

	// TakeAll removes and returns every live entry for the conversation.
	// Index entries whose value already expired are discarded, not returned.
	TakeAll(ctx context.Context, conversationID string) ([]BufferedEvent, error)

	Close() error
}

// AdmitFunc re-attempts admission of a buffered event.
type AdmitFunc func(ctx context.Context, env Envelope, fromBuffer bool) error

// FlushReport counts the outcomes of one flush pass.
type FlushReport struct {
	Replayed int
	Dropped  int
	Failed   int
}

// Buffer holds messages that arrived before their conversation and replays
// them once the conversation appears, subject to a staleness tolerance.
type Buffer struct {
	cache   BufferCache
	timeout time.Duration
}

func NewBuffer(cache BufferCache, timeout time.Duration) (*Buffer, error) {
	if cache == nil {
		return nil, errors.New("buffer: cache is nil")
	}
	if timeout <= 0 {
		return nil, errors.New("buffer: timeout must be positive")
	}
	return &Buffer{cache: cache, timeout: timeout}, nil
}

// Defer stores a NEW_MESSAGE envelope until its conversation shows up or the
// tolerance window runs out. Re-deferring the same message resets its expiry.
func (b *Buffer) Defer(ctx context.Context, env Envelope) error {
	if b == nil || b.cache == nil {
		return errors.New("buffer: not initialized")
	}
	ev := BufferedEvent{
		ConversationID: env.Data.ConversationID,
		MessageID:      env.Data.ID,
		Envelope:       env,
	}
	if err := b.cache.Put(ctx, ev, b.timeout); err != nil {
		return errors.Wrap(err, "buffer: defer")
	}
	log.Debug().
		Str("conversation_id", ev.ConversationID).
		Str("message_id", ev.MessageID).
		Dur("ttl", b.timeout).
		Msg("deferred message until conversation exists")
	return nil
}

// FlushFor replays every buffered event for the conversation, using
// asOfTimestamp (the creation event's timestamp) as the reference clock for
// the staleness check. Replay errors are logged and counted, never
// propagated: one bad buffered event must not block its siblings. Every
// entry leaves the cache exactly once regardless of outcome.
func (b *Buffer) FlushFor(ctx context.Context, conversationID, asOfTimestamp string, admit AdmitFunc) FlushReport {
	report := FlushReport{}
	if b == nil || b.cache == nil || admit == nil {
		return report
	}
	entries, err := b.cache.TakeAll(ctx, conversationID)
	if err != nil {
		log.Warn().Err(err).Str("conversation_id", conversationID).Msg("buffer flush: cache scan failed")
		return report
	}
	asOf, asOfOK := ParseEventTime(asOfTimestamp)
	for _, ev := range entries {
		if !withinTolerance(asOf, asOfOK, ev.Envelope.Timestamp, b.timeout) {
			report.Dropped++
			log.Info().
				Str("conversation_id", conversationID).
				Str("message_id", ev.MessageID).
				Msg("buffer flush: dropped stale message")
			continue
		}
		if err := admit(ctx, ev.Envelope, true); err != nil {
			report.Failed++
			log.Warn().Err(err).
				Str("conversation_id", conversationID).
				Str("message_id", ev.MessageID).
				Msg("buffer flush: replay failed")
			continue
		}
		report.Replayed++
	}
	log.Info().
		Str("conversation_id", conversationID).
		Int("replayed", report.Replayed).
		Int("dropped", report.Dropped).
		Int("failed", report.Failed).
		Msg("buffer flush finished")
	return report
}

// withinTolerance reports whether a buffered event is still fresh enough to
// replay. Unparseable timestamps fall under ReplayUnparseableTimestamps.
func withinTolerance(asOf time.Time, asOfOK bool, eventTimestamp string, timeout time.Duration) bool {
	eventTime, ok := ParseEventTime(eventTimestamp)
	if !ok || !asOfOK {
		return ReplayUnparseableTimestamps
	}
	return asOf.Sub(eventTime) <= timeout
}
