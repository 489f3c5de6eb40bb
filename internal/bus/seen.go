package bus

import (
	"container/list"
	"sync"
	"time"

	"github.com/orbitquant/tradeplane/internal/clock"
)

// seenSet is a capped LRU of (topic, correlationId) keys with TTL. It
// backs the per-subscriber idempotency contract.
type seenSet struct {
	clk clock.Clock
	cap int
	ttl time.Duration

	mu  sync.Mutex
	ll  *list.List // front = most recent
	idx map[string]*list.Element
}

type seenEntry struct {
	key     string
	expires time.Time
}

func newSeenSet(clk clock.Clock, capacity int, ttl time.Duration) *seenSet {
	if capacity <= 0 {
		capacity = 4096
	}
	return &seenSet{
		clk: clk,
		cap: capacity,
		ttl: ttl,
		ll:  list.New(),
		idx: make(map[string]*list.Element),
	}
}

// AddIfNew records the key and reports whether it was unseen. Expired
// entries count as unseen and are refreshed.
func (s *seenSet) AddIfNew(key string) bool {
	now := s.clk.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.idx[key]; ok {
		ent := el.Value.(*seenEntry)
		if now.Before(ent.expires) {
			s.ll.MoveToFront(el)
			return false
		}
		ent.expires = now.Add(s.ttl)
		s.ll.MoveToFront(el)
		return true
	}

	el := s.ll.PushFront(&seenEntry{key: key, expires: now.Add(s.ttl)})
	s.idx[key] = el

	for s.ll.Len() > s.cap {
		back := s.ll.Back()
		s.ll.Remove(back)
		delete(s.idx, back.Value.(*seenEntry).key)
	}

	// Opportunistic expiry of the LRU tail keeps the map from holding
	// dead keys between cap evictions.
	for {
		back := s.ll.Back()
		if back == nil || now.Before(back.Value.(*seenEntry).expires) {
			break
		}
		s.ll.Remove(back)
		delete(s.idx, back.Value.(*seenEntry).key)
	}

	return true
}

// Len reports live entries.
func (s *seenSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ll.Len()
}
