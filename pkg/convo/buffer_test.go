package convo

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestWithinTolerance(t *testing.T) {
	asOf, ok := ParseEventTime("2025-02-21T10:25:00Z")
	require.True(t, ok)
	timeout := 5 * time.Minute

	require.True(t, withinTolerance(asOf, true, "2025-02-21T10:20:00Z", timeout))
	require.True(t, withinTolerance(asOf, true, "2025-02-21T10:24:59Z", timeout))
	require.False(t, withinTolerance(asOf, true, "2025-02-21T10:19:59Z", timeout))

	// Unparseable timestamps fail open on either side.
	require.True(t, withinTolerance(asOf, true, "garbage", timeout))
	require.True(t, withinTolerance(time.Time{}, false, "2025-02-21T10:00:00Z", timeout))
}

func TestParseEventTimeLayouts(t *testing.T) {
	_, ok := ParseEventTime("2025-02-21T10:20:41.349308Z")
	require.True(t, ok)
	_, ok = ParseEventTime("2025-02-21T10:20:41.349308")
	require.True(t, ok)
	_, ok = ParseEventTime("2025-02-21T10:20:41-03:00")
	require.True(t, ok)
	_, ok = ParseEventTime("")
	require.False(t, ok)
	_, ok = ParseEventTime("yesterday")
	require.False(t, ok)
}

func TestBufferFlushReport(t *testing.T) {
	cache := NewInMemoryBufferCache()
	buf, err := NewBuffer(cache, 5*time.Minute)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, buf.Defer(ctx, newMessageEvent("m1", "c1", "ok", "2025-02-21T10:20:00Z")))
	require.NoError(t, buf.Defer(ctx, newMessageEvent("m2", "c1", "falha", "2025-02-21T10:20:01Z")))
	require.NoError(t, buf.Defer(ctx, newMessageEvent("m3", "c1", "velha", "2025-02-21T10:00:00Z")))

	report := buf.FlushFor(ctx, "c1", "2025-02-21T10:20:10Z", func(_ context.Context, env Envelope, fromBuffer bool) error {
		require.True(t, fromBuffer)
		if env.Data.ID == "m2" {
			return errors.New("boom")
		}
		return nil
	})
	require.Equal(t, 1, report.Replayed)
	require.Equal(t, 1, report.Failed)
	require.Equal(t, 1, report.Dropped)

	// Every entry left the cache regardless of outcome.
	require.Equal(t, 0, cache.Pending("c1"))
}

func TestBufferFlushOnlyTouchesOwnConversation(t *testing.T) {
	cache := NewInMemoryBufferCache()
	buf, err := NewBuffer(cache, 5*time.Minute)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, buf.Defer(ctx, newMessageEvent("m1", "c1", "minha", "2025-02-21T10:20:00Z")))
	require.NoError(t, buf.Defer(ctx, newMessageEvent("m2", "c2", "alheia", "2025-02-21T10:20:00Z")))

	report := buf.FlushFor(ctx, "c1", "2025-02-21T10:20:01Z", func(context.Context, Envelope, bool) error {
		return nil
	})
	require.Equal(t, 1, report.Replayed)
	require.Equal(t, 0, cache.Pending("c1"))
	require.Equal(t, 1, cache.Pending("c2"))
}

func TestBufferRedeferResetsEntry(t *testing.T) {
	cache := NewInMemoryBufferCache()
	buf, err := NewBuffer(cache, 5*time.Minute)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, buf.Defer(ctx, newMessageEvent("m1", "c1", "v1", "2025-02-21T10:20:00Z")))
	require.NoError(t, buf.Defer(ctx, newMessageEvent("m1", "c1", "v2", "2025-02-21T10:20:30Z")))
	require.Equal(t, 1, cache.Pending("c1"))

	entries, err := cache.TakeAll(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "v2", entries[0].Envelope.Data.Content)
}

func TestMemoryCacheExpiry(t *testing.T) {
	cache := NewInMemoryBufferCache()
	now := time.Date(2025, 2, 21, 10, 20, 0, 0, time.UTC)
	cache.SetClock(func() time.Time { return now })
	ctx := context.Background()

	ev := BufferedEvent{ConversationID: "c1", MessageID: "m1"}
	require.NoError(t, cache.Put(ctx, ev, 5*time.Minute))
	require.Equal(t, 1, cache.Pending("c1"))

	now = now.Add(6 * time.Minute)
	require.Equal(t, 0, cache.Pending("c1"))
	entries, err := cache.TakeAll(ctx, "c1")
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestMemoryCacheEvictsOrphanedConversations(t *testing.T) {
	// Conversations that never arrive are reclaimed by expiry, not just
	// hidden from reads.
	cache := NewInMemoryBufferCache()
	now := time.Date(2025, 2, 21, 10, 20, 0, 0, time.UTC)
	cache.SetClock(func() time.Time { return now })
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		ev := BufferedEvent{ConversationID: fmt.Sprintf("c%d", i), MessageID: "m1"}
		require.NoError(t, cache.Put(ctx, ev, 5*time.Minute))
	}
	require.Equal(t, 100, cache.retained())

	now = now.Add(time.Hour)
	require.NoError(t, cache.Put(ctx, BufferedEvent{ConversationID: "fresh", MessageID: "m1"}, 5*time.Minute))
	require.Equal(t, 1, cache.retained())
}

func (c *InMemoryBufferCache) retained() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0
	for _, byMessage := range c.entries {
		total += len(byMessage)
	}
	return total
}

func TestMemoryCacheTakeAllRemoves(t *testing.T) {
	cache := NewInMemoryBufferCache()
	ctx := context.Background()

	require.NoError(t, cache.Put(ctx, BufferedEvent{ConversationID: "c1", MessageID: "m1"}, time.Minute))
	entries, err := cache.TakeAll(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, entries, 1)

	entries, err = cache.TakeAll(ctx, "c1")
	require.NoError(t, err)
	require.Empty(t, entries)
}
