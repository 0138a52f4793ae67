package convo

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisBufferCache stores buffered events as TTL'd value keys plus an
// explicit per-conversation index set, so a flush addresses its pending
// message ids directly instead of scanning the keyspace by prefix.
//
// Layout:
//
//	buffer:<conv>:<msg>  JSON BufferedEvent, expires after ttl
//	buffer:idx:<conv>    set of pending message ids, expiry refreshed on Put
type RedisBufferCache struct {
	client *redis.Client
}

var _ BufferCache = &RedisBufferCache{}

func NewRedisBufferCache(addr string) (*RedisBufferCache, error) {
	if strings.TrimSpace(addr) == "" {
		return nil, errors.New("redis buffer: empty addr")
	}
	return &RedisBufferCache{client: redis.NewClient(&redis.Options{Addr: addr})}, nil
}

func (c *RedisBufferCache) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

func bufferValueKey(conversationID, messageID string) string {
	return fmt.Sprintf("buffer:%s:%s", conversationID, messageID)
}

func bufferIndexKey(conversationID string) string {
	return fmt.Sprintf("buffer:idx:%s", conversationID)
}

func (c *RedisBufferCache) Put(ctx context.Context, ev BufferedEvent, ttl time.Duration) error {
	if c == nil || c.client == nil {
		return errors.New("redis buffer: not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "redis buffer: marshal")
	}
	pipe := c.client.TxPipeline()
	pipe.Set(ctx, bufferValueKey(ev.ConversationID, ev.MessageID), payload, ttl)
	pipe.SAdd(ctx, bufferIndexKey(ev.ConversationID), ev.MessageID)
	// The index outlives the newest value key by a margin so a flush racing
	// expiry still sees the ids; stale members are dropped by TakeAll.
	pipe.Expire(ctx, bufferIndexKey(ev.ConversationID), ttl+time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "redis buffer: put")
	}
	return nil
}

func (c *RedisBufferCache) TakeAll(ctx context.Context, conversationID string) ([]BufferedEvent, error) {
	if c == nil || c.client == nil {
		return nil, errors.New("redis buffer: not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	// Draining with SPOP removes each id atomically, so a Put landing
	// mid-flush keeps its index entry for a later flush or TTL cleanup
	// instead of being orphaned by a bulk DEL.
	indexKey := bufferIndexKey(conversationID)
	messageIDs := []string{}
	for {
		batch, err := c.client.SPopN(ctx, indexKey, 128).Result()
		if err != nil {
			return nil, errors.Wrap(err, "redis buffer: drain index")
		}
		if len(batch) == 0 {
			break
		}
		messageIDs = append(messageIDs, batch...)
	}

	entries := []BufferedEvent{}
	for _, messageID := range messageIDs {
		payload, err := c.client.GetDel(ctx, bufferValueKey(conversationID, messageID)).Result()
		if errors.Is(err, redis.Nil) {
			// Value expired under the index entry; nothing left to replay.
			continue
		}
		if err != nil {
			return nil, errors.Wrap(err, "redis buffer: take value")
		}
		var ev BufferedEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			log.Warn().Err(err).
				Str("conversation_id", conversationID).
				Str("message_id", messageID).
				Msg("redis buffer: discarding undecodable entry")
			continue
		}
		entries = append(entries, ev)
	}
	return entries, nil
}
