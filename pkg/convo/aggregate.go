package convo

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// summaryHeader opens every outbound summary body.
const summaryHeader = "Mensagens recebidas:"

// Aggregator groups a conversation's unsummarized inbound messages into
// time-windowed bursts and emits one outbound summary per burst.
//
// Passes for the same conversation are serialized with a per-conversation
// lock: combined with the already-summarized filter, a message is summarized
// at most once even when passes overlap.
type Aggregator struct {
	store  Store
	window time.Duration
	now    func() time.Time

	mu    sync.Mutex
	locks map[string]*convLock
}

// convLock serializes aggregation passes for one conversation. Refcounted so
// the locks map holds entries only for conversations with a pass in flight.
type convLock struct {
	mu   sync.Mutex
	refs int
}

func NewAggregator(store Store, window time.Duration) (*Aggregator, error) {
	if store == nil {
		return nil, errors.New("aggregator: store is nil")
	}
	if window <= 0 {
		return nil, errors.New("aggregator: window must be positive")
	}
	return &Aggregator{
		store:  store,
		window: window,
		now:    time.Now,
		locks:  map[string]*convLock{},
	}, nil
}

// SetClock overrides the emission clock. Test hook.
func (a *Aggregator) SetClock(now func() time.Time) {
	if a == nil || now == nil {
		return
	}
	a.now = now
}

func (a *Aggregator) acquire(conversationID string) *convLock {
	a.mu.Lock()
	l, ok := a.locks[conversationID]
	if !ok {
		l = &convLock{}
		a.locks[conversationID] = l
	}
	l.refs++
	a.mu.Unlock()
	l.mu.Lock()
	return l
}

func (a *Aggregator) release(conversationID string, l *convLock) {
	l.mu.Unlock()
	a.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(a.locks, conversationID)
	}
	a.mu.Unlock()
}

// AggregateConversation runs one aggregation pass and returns the number of
// outbound summaries emitted. A missing conversation is a terminal no-op.
func (a *Aggregator) AggregateConversation(ctx context.Context, conversationID string) (int, error) {
	if a == nil || a.store == nil {
		return 0, errors.New("aggregator: not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	l := a.acquire(conversationID)
	defer a.release(conversationID, l)

	_, ok, err := a.store.GetConversation(ctx, conversationID)
	if err != nil {
		return 0, errors.Wrap(err, "aggregate: lookup conversation")
	}
	if !ok {
		return 0, nil
	}

	q := MessageQuery{Type: MessageInbound}
	if latest, ok, err := a.store.LatestOutbound(ctx, conversationID); err != nil {
		return 0, errors.Wrap(err, "aggregate: latest outbound")
	} else if ok {
		// Inbound messages at or before the last summary have already been
		// answered by a prior pass.
		q.After = latest.Timestamp
	}

	inbound, err := a.store.ListMessages(ctx, conversationID, q)
	if err != nil {
		return 0, errors.Wrap(err, "aggregate: list inbound")
	}
	if len(inbound) == 0 {
		return 0, nil
	}

	summaries := []Message{}
	for _, group := range partitionBursts(inbound, a.window) {
		summaries = append(summaries, Message{
			ID:             uuid.NewString(),
			ConversationID: conversationID,
			Type:           MessageOutbound,
			Content:        summaryContent(group),
			Timestamp:      a.now(),
		})
	}
	if err := a.store.CreateOutboundBatch(ctx, summaries); err != nil {
		return 0, errors.Wrap(err, "aggregate: emit summaries")
	}
	log.Info().
		Str("conversation_id", conversationID).
		Int("inbound", len(inbound)).
		Int("summaries", len(summaries)).
		Msg("aggregated inbound burst")
	return len(summaries), nil
}

// partitionBursts splits timestamp-ascending messages into consecutive
// groups: adjacent messages stay together while the gap between them is at
// most window. Single greedy left-to-right pass; a gap equal to the window
// still joins.
func partitionBursts(msgs []Message, window time.Duration) [][]Message {
	if len(msgs) == 0 {
		return nil
	}
	groups := [][]Message{}
	current := []Message{msgs[0]}
	for _, m := range msgs[1:] {
		prev := current[len(current)-1]
		if m.Timestamp.Sub(prev.Timestamp) <= window {
			current = append(current, m)
			continue
		}
		groups = append(groups, current)
		current = []Message{m}
	}
	return append(groups, current)
}

func summaryContent(group []Message) string {
	ids := make([]string, 0, len(group))
	for _, m := range group {
		ids = append(ids, m.ID)
	}
	return summaryHeader + "\n" + strings.Join(ids, "\n") + "\n"
}
