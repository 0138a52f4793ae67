package convo

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// InMemoryStore is a mutex-guarded Store for tests and single-process dev
// runs. It mirrors the uniqueness and ordering semantics of the SQLite store.
type InMemoryStore struct {
	mu            sync.Mutex
	conversations map[string]Conversation
	messages      map[string]Message
}

var _ Store = &InMemoryStore{}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		conversations: map[string]Conversation{},
		messages:      map[string]Message{},
	}
}

func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) CreateConversation(_ context.Context, id string, now time.Time) error {
	if s == nil {
		return errors.New("in-memory store: nil store")
	}
	if strings.TrimSpace(id) == "" {
		return errors.New("in-memory store: conversation id is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[id]; ok {
		return errors.Wrapf(ErrConversationExists, "%s", id)
	}
	s.conversations[id] = Conversation{ID: id, Status: StatusOpen, CreatedAt: now, UpdatedAt: now}
	return nil
}

func (s *InMemoryStore) GetConversation(_ context.Context, id string) (Conversation, bool, error) {
	if s == nil {
		return Conversation{}, false, errors.New("in-memory store: nil store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	return c, ok, nil
}

func (s *InMemoryStore) CloseConversation(_ context.Context, id string, now time.Time) error {
	if s == nil {
		return errors.New("in-memory store: nil store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return errors.Wrapf(ErrConversationNotFound, "%s", id)
	}
	if c.Status == StatusClosed {
		return errors.Wrapf(ErrAlreadyClosed, "%s", id)
	}
	c.Status = StatusClosed
	c.UpdatedAt = now
	s.conversations[id] = c
	return nil
}

func (s *InMemoryStore) CreateInbound(_ context.Context, msg Message) error {
	if s == nil {
		return errors.New("in-memory store: nil store")
	}
	if strings.TrimSpace(msg.ID) == "" {
		return errors.New("in-memory store: message id is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[msg.ConversationID]
	if !ok {
		return errors.Wrapf(ErrConversationNotFound, "%s", msg.ConversationID)
	}
	if c.Status == StatusClosed {
		return errors.Wrapf(ErrConversationClosed, "%s", msg.ConversationID)
	}
	if _, ok := s.messages[msg.ID]; ok {
		return errors.Wrapf(ErrDuplicateMessage, "%s", msg.ID)
	}
	msg.Type = MessageInbound
	s.messages[msg.ID] = msg
	return nil
}

func (s *InMemoryStore) CreateOutboundBatch(_ context.Context, msgs []Message) error {
	if s == nil {
		return errors.New("in-memory store: nil store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, msg := range msgs {
		if _, ok := s.messages[msg.ID]; ok {
			return errors.Wrapf(ErrDuplicateMessage, "%s", msg.ID)
		}
	}
	for _, msg := range msgs {
		msg.Type = MessageOutbound
		s.messages[msg.ID] = msg
	}
	return nil
}

func (s *InMemoryStore) ListMessages(_ context.Context, conversationID string, q MessageQuery) ([]Message, error) {
	if s == nil {
		return nil, errors.New("in-memory store: nil store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	items := []Message{}
	for _, m := range s.messages {
		if m.ConversationID != conversationID {
			continue
		}
		if q.Type != "" && m.Type != q.Type {
			continue
		}
		if !q.After.IsZero() && !m.Timestamp.After(q.After) {
			continue
		}
		items = append(items, m)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Timestamp.Before(items[j].Timestamp) })
	return items, nil
}

func (s *InMemoryStore) LatestOutbound(_ context.Context, conversationID string) (Message, bool, error) {
	if s == nil {
		return Message{}, false, errors.New("in-memory store: nil store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest Message
	found := false
	for _, m := range s.messages {
		if m.ConversationID != conversationID || m.Type != MessageOutbound {
			continue
		}
		if !found || m.Timestamp.After(latest.Timestamp) {
			latest = m
			found = true
		}
	}
	return latest, found, nil
}
