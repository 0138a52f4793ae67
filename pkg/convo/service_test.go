package convo

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) (*Service, *InMemoryStore, *InMemoryBufferCache) {
	t.Helper()
	store := NewInMemoryStore()
	cache := NewInMemoryBufferCache()
	svc, err := NewService(ServiceConfig{
		Store:            store,
		Cache:            cache,
		BufferTimeout:    5 * time.Minute,
		AggregationDelay: time.Hour, // timers never fire inside unit tests
		GroupWindow:      5 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc, store, cache
}

func newConversationEvent(id, ts string) Envelope {
	return Envelope{Type: EventNewConversation, Timestamp: ts, Data: EventData{ID: id}}
}

func newMessageEvent(id, convID, content, ts string) Envelope {
	return Envelope{
		Type:      EventNewMessage,
		Timestamp: ts,
		Data:      EventData{ID: id, ConversationID: convID, Content: content},
	}
}

func TestCreateConversationDuplicate(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.HandleEvent(ctx, newConversationEvent("c1", "2025-02-21T10:20:00Z")))
	err := svc.HandleEvent(ctx, newConversationEvent("c1", "2025-02-21T10:20:01Z"))
	require.ErrorIs(t, err, ErrConversationExists)
}

func TestCloseConversationTransitions(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	closeEvent := Envelope{Type: EventCloseConversation, Timestamp: "2025-02-21T10:21:00Z", Data: EventData{ID: "c1"}}

	err := svc.HandleEvent(ctx, closeEvent)
	require.ErrorIs(t, err, ErrConversationNotFound)

	require.NoError(t, svc.HandleEvent(ctx, newConversationEvent("c1", "2025-02-21T10:20:00Z")))
	require.NoError(t, svc.HandleEvent(ctx, closeEvent))

	err = svc.HandleEvent(ctx, closeEvent)
	require.ErrorIs(t, err, ErrAlreadyClosed)
}

func TestAdmitMessageAgainstClosedConversation(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.HandleEvent(ctx, newConversationEvent("c1", "2025-02-21T10:20:00Z")))
	require.NoError(t, svc.CloseConversation(ctx, Envelope{Data: EventData{ID: "c1"}}))

	err := svc.AdmitMessage(ctx, newMessageEvent("m1", "c1", "oi", "2025-02-21T10:22:00Z"), false)
	require.ErrorIs(t, err, ErrConversationClosed)

	err = svc.AdmitMessage(ctx, newMessageEvent("m1", "c1", "oi", "2025-02-21T10:22:00Z"), true)
	require.ErrorIs(t, err, ErrConversationClosed)

	msgs, err := store.ListMessages(ctx, "c1", MessageQuery{})
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestAdmitDuplicateMessage(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.HandleEvent(ctx, newConversationEvent("c1", "2025-02-21T10:20:00Z")))
	require.NoError(t, svc.HandleEvent(ctx, newMessageEvent("m1", "c1", "oi", "2025-02-21T10:20:05Z")))

	err := svc.HandleEvent(ctx, newMessageEvent("m1", "c1", "oi de novo", "2025-02-21T10:20:06Z"))
	require.ErrorIs(t, err, ErrDuplicateMessage)
}

func TestAdmitMissingConversationDefers(t *testing.T) {
	svc, store, cache := newTestService(t)
	ctx := context.Background()

	err := svc.AdmitMessage(ctx, newMessageEvent("m1", "c2", "oi", "2025-02-21T10:20:00Z"), false)
	require.NoError(t, err)

	msgs, err := store.ListMessages(ctx, "c2", MessageQuery{})
	require.NoError(t, err)
	require.Empty(t, msgs)
	require.Equal(t, 1, cache.Pending("c2"))
}

func TestReplayFromBufferMissingConversation(t *testing.T) {
	svc, _, _ := newTestService(t)

	err := svc.AdmitMessage(context.Background(), newMessageEvent("m1", "c2", "oi", "2025-02-21T10:20:00Z"), true)
	require.ErrorIs(t, err, ErrExpiredBuffer)
}

func TestDeferredMessageReplayedOnCreate(t *testing.T) {
	svc, store, cache := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.AdmitMessage(ctx, newMessageEvent("m1", "c2", "cheguei cedo", "2025-02-21T10:20:00Z"), false))
	require.NoError(t, svc.HandleEvent(ctx, newConversationEvent("c2", "2025-02-21T10:20:03Z")))

	msgs, err := store.ListMessages(ctx, "c2", MessageQuery{Type: MessageInbound})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "m1", msgs[0].ID)
	require.Equal(t, "cheguei cedo", msgs[0].Content)
	require.Equal(t, time.Date(2025, 2, 21, 10, 20, 0, 0, time.UTC), msgs[0].Timestamp.UTC())
	require.Equal(t, 0, cache.Pending("c2"))
}

func TestDeferredMessageDroppedPastTolerance(t *testing.T) {
	svc, store, cache := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.AdmitMessage(ctx, newMessageEvent("m1", "c2", "velho demais", "2025-02-21T10:00:00Z"), false))
	// Conversation appears ten minutes later, past the five minute window.
	require.NoError(t, svc.HandleEvent(ctx, newConversationEvent("c2", "2025-02-21T10:10:00Z")))

	msgs, err := store.ListMessages(ctx, "c2", MessageQuery{})
	require.NoError(t, err)
	require.Empty(t, msgs)
	require.Equal(t, 0, cache.Pending("c2"))
}

func TestUnparseableTimestampReplaysAnyway(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.AdmitMessage(ctx, newMessageEvent("m1", "c2", "oi", "not-a-time"), false))
	require.NoError(t, svc.HandleEvent(ctx, newConversationEvent("c2", "also-not-a-time")))

	msgs, err := store.ListMessages(ctx, "c2", MessageQuery{Type: MessageInbound})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "m1", msgs[0].ID)
}

func TestHandleEventUnknownType(t *testing.T) {
	svc, _, _ := newTestService(t)

	err := svc.HandleEvent(context.Background(), Envelope{Type: "DELETE_EVERYTHING", Data: EventData{ID: "c1"}})
	require.ErrorIs(t, err, ErrUnknownEventType)
}

func TestHandleEventValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	err := svc.HandleEvent(ctx, Envelope{Type: EventNewConversation, Timestamp: "2025-02-21T10:20:00Z"})
	require.ErrorIs(t, err, ErrInvalidEvent)

	err = svc.HandleEvent(ctx, Envelope{
		Type:      EventNewMessage,
		Timestamp: "2025-02-21T10:20:00Z",
		Data:      EventData{ID: "m1", ConversationID: "c1"},
	})
	require.ErrorIs(t, err, ErrInvalidEvent)
}

func TestBurstProducesOneOutbound(t *testing.T) {
	store := NewInMemoryStore()
	svc, err := NewService(ServiceConfig{
		Store:            store,
		Cache:            NewInMemoryBufferCache(),
		AggregationDelay: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	ctx := context.Background()

	require.NoError(t, svc.HandleEvent(ctx, newConversationEvent("c1", "2025-02-21T10:20:00Z")))
	require.NoError(t, svc.HandleEvent(ctx, newMessageEvent("m1", "c1", "oi", "2025-02-21T10:20:00Z")))
	require.NoError(t, svc.HandleEvent(ctx, newMessageEvent("m2", "c1", "tudo bem?", "2025-02-21T10:20:01Z")))

	require.Eventually(t, func() bool {
		msgs, err := store.ListMessages(ctx, "c1", MessageQuery{Type: MessageOutbound})
		return err == nil && len(msgs) == 1
	}, time.Second, 10*time.Millisecond)

	msgs, err := store.ListMessages(ctx, "c1", MessageQuery{Type: MessageOutbound})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Contains(t, msgs[0].Content, "m1\nm2")
}

func TestDeferBeforeCreateScenario(t *testing.T) {
	// A message referencing a conversation that only shows up three seconds
	// later must end up stored as if it had arrived in order.
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	err := svc.HandleEvent(ctx, newMessageEvent("m1", "c2", "fora de ordem", "2025-02-21T10:20:00Z"))
	require.NoError(t, err)
	require.NoError(t, svc.HandleEvent(ctx, newConversationEvent("c2", "2025-02-21T10:20:03Z")))

	msgs, err := store.ListMessages(ctx, "c2", MessageQuery{Type: MessageInbound})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, MessageInbound, msgs[0].Type)
}

func TestConversationDetail(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, _, err := svc.ConversationDetail(ctx, "nope")
	require.ErrorIs(t, err, ErrConversationNotFound)

	require.NoError(t, svc.HandleEvent(ctx, newConversationEvent("c1", "2025-02-21T10:20:00Z")))
	require.NoError(t, svc.HandleEvent(ctx, newMessageEvent("m2", "c1", "segunda", "2025-02-21T10:20:02Z")))
	require.NoError(t, svc.HandleEvent(ctx, newMessageEvent("m1", "c1", "primeira", "2025-02-21T10:20:01Z")))

	c, msgs, err := svc.ConversationDetail(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, StatusOpen, c.Status)
	require.Len(t, msgs, 2)
	require.Equal(t, "m1", msgs[0].ID)
	require.Equal(t, "m2", msgs[1].ID)
}

func TestKindErrorsAreDistinguishable(t *testing.T) {
	wrapped := errors.Wrap(ErrDuplicateMessage, "somewhere deep")
	require.ErrorIs(t, wrapped, ErrDuplicateMessage)
	require.NotErrorIs(t, wrapped, ErrConversationClosed)
}
