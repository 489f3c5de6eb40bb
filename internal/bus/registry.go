package bus

import (
	"sort"
	"strings"
	"sync"

	"github.com/orbitquant/tradeplane/internal/buserr"
)

// OverflowPolicy decides what happens when a subscriber queue is full.
type OverflowPolicy string

const (
	// OverflowBlock makes the publisher wait until space frees up.
	OverflowBlock OverflowPolicy = "block"

	// OverflowDropOldest evicts the oldest queued event.
	OverflowDropOldest OverflowPolicy = "drop_oldest"

	// OverflowDropNew discards the incoming event. Default.
	OverflowDropNew OverflowPolicy = "drop_new"
)

// DefaultQueueSize bounds subscriber queues unless overridden.
const DefaultQueueSize = 10_000

// Topic describes one named event stream. A trailing '*' in Name makes it
// a prefix topic: publishes to any matching name resolve to it.
type Topic struct {
	Name string

	// Validate rejects malformed payloads at the publish boundary.
	// Nil accepts anything.
	Validate func(interface{}) error

	// QueueSize is the default subscriber queue bound for this topic.
	QueueSize int

	// Overflow is the default overflow policy for this topic.
	Overflow OverflowPolicy

	// MemorySec is the idempotency TTL for subscribers that opt in.
	MemorySec int
}

// Registry holds every registered topic. Publishing to an unregistered
// name is a validation error; this is what replaces stringly-typed emits.
type Registry struct {
	mu       sync.RWMutex
	topics   map[string]Topic
	prefixes []string // topic names ending in '*', longest first
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{topics: make(map[string]Topic)}
}

// Register adds a topic descriptor.
func (r *Registry) Register(t Topic) error {
	if t.Name == "" {
		return buserr.New(buserr.Validation, "registry.register", "empty topic name")
	}
	if t.QueueSize <= 0 {
		t.QueueSize = DefaultQueueSize
	}
	if t.Overflow == "" {
		t.Overflow = OverflowDropNew
	}
	if t.MemorySec <= 0 {
		t.MemorySec = 300
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.topics[t.Name]; exists {
		return buserr.New(buserr.Validation, "registry.register", "duplicate topic %q", t.Name)
	}
	r.topics[t.Name] = t
	if strings.HasSuffix(t.Name, "*") {
		r.prefixes = append(r.prefixes, t.Name)
		sort.Slice(r.prefixes, func(i, j int) bool { return len(r.prefixes[i]) > len(r.prefixes[j]) })
	}
	return nil
}

// MustRegister panics on registration failure. Used for the built-in
// topic table during startup.
func (r *Registry) MustRegister(t Topic) {
	if err := r.Register(t); err != nil {
		panic(err)
	}
}

// Resolve finds the descriptor governing a concrete topic name, trying an
// exact match first and then prefix topics.
func (r *Registry) Resolve(name string) (Topic, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if t, ok := r.topics[name]; ok {
		return t, true
	}
	for _, p := range r.prefixes {
		if strings.HasPrefix(name, strings.TrimSuffix(p, "*")) {
			return r.topics[p], true
		}
	}
	return Topic{}, false
}

// Names lists registered topics, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.topics))
	for n := range r.topics {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// matchesPattern reports whether a concrete topic name matches a
// subscription pattern, where a trailing '*' matches any suffix.
func matchesPattern(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(topic, strings.TrimSuffix(pattern, "*"))
	}
	return false
}
