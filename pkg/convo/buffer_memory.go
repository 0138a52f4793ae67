package convo

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// InMemoryBufferCache is a BufferCache for tests and single-process runs.
// Expiry is evaluated lazily on TakeAll against an injectable clock.
type InMemoryBufferCache struct {
	mu      sync.Mutex
	entries map[string]map[string]bufferedEntry
	now     func() time.Time
}

type bufferedEntry struct {
	event     BufferedEvent
	expiresAt time.Time
}

var _ BufferCache = &InMemoryBufferCache{}

func NewInMemoryBufferCache() *InMemoryBufferCache {
	return &InMemoryBufferCache{
		entries: map[string]map[string]bufferedEntry{},
		now:     time.Now,
	}
}

// SetClock overrides the expiry clock. Test hook.
func (c *InMemoryBufferCache) SetClock(now func() time.Time) {
	if c == nil || now == nil {
		return
	}
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

func (c *InMemoryBufferCache) Close() error { return nil }

func (c *InMemoryBufferCache) Put(_ context.Context, ev BufferedEvent, ttl time.Duration) error {
	if c == nil {
		return errors.New("in-memory buffer: nil cache")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	c.evictExpiredLocked(now)
	byMessage, ok := c.entries[ev.ConversationID]
	if !ok {
		byMessage = map[string]bufferedEntry{}
		c.entries[ev.ConversationID] = byMessage
	}
	byMessage[ev.MessageID] = bufferedEntry{event: ev, expiresAt: now.Add(ttl)}
	return nil
}

// evictExpiredLocked reclaims entries past their expiry, including whole
// conversations that were never flushed. Called with c.mu held.
func (c *InMemoryBufferCache) evictExpiredLocked(now time.Time) {
	for conversationID, byMessage := range c.entries {
		for messageID, e := range byMessage {
			if now.After(e.expiresAt) {
				delete(byMessage, messageID)
			}
		}
		if len(byMessage) == 0 {
			delete(c.entries, conversationID)
		}
	}
}

func (c *InMemoryBufferCache) TakeAll(_ context.Context, conversationID string) ([]BufferedEvent, error) {
	if c == nil {
		return nil, errors.New("in-memory buffer: nil cache")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	byMessage := c.entries[conversationID]
	delete(c.entries, conversationID)

	now := c.now()
	entries := []BufferedEvent{}
	for _, e := range byMessage {
		if now.After(e.expiresAt) {
			continue
		}
		entries = append(entries, e.event)
	}
	return entries, nil
}

// Pending reports how many live entries a conversation has buffered. Test
// and observability helper.
func (c *InMemoryBufferCache) Pending(conversationID string) int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	count := 0
	for _, e := range c.entries[conversationID] {
		if now.After(e.expiresAt) {
			continue
		}
		count++
	}
	return count
}
