package convo

import (
	"sync"
	"time"
)

// AggregateFunc runs one aggregation pass for a conversation.
type AggregateFunc func(conversationID string)

// AggregationScheduler arms at most one delayed aggregation pass per
// conversation. Admissions that land while a timer is already pending
// coalesce into the pass fired by the first admission of the burst, so N
// back-to-back messages schedule one effective pass instead of N.
type AggregationScheduler struct {
	mu      sync.Mutex
	delay   time.Duration
	fire    AggregateFunc
	pending map[string]*time.Timer
	stopped bool
}

func NewAggregationScheduler(delay time.Duration, fire AggregateFunc) *AggregationScheduler {
	if delay <= 0 {
		delay = 5 * time.Second
	}
	return &AggregationScheduler{
		delay:   delay,
		fire:    fire,
		pending: map[string]*time.Timer{},
	}
}

// Schedule requests an aggregation pass for the conversation. It reports
// whether a new timer was armed; false means a pass was already pending.
func (s *AggregationScheduler) Schedule(conversationID string) bool {
	if s == nil || s.fire == nil || conversationID == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	if _, ok := s.pending[conversationID]; ok {
		return false
	}
	s.pending[conversationID] = time.AfterFunc(s.delay, func() {
		s.mu.Lock()
		delete(s.pending, conversationID)
		stopped := s.stopped
		s.mu.Unlock()
		if stopped {
			return
		}
		s.fire(conversationID)
	})
	return true
}

// Stop cancels all pending timers. Passes already in flight finish.
func (s *AggregationScheduler) Stop() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for id, t := range s.pending {
		t.Stop()
		delete(s.pending, id)
	}
}
