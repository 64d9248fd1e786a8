package broker

import (
	"sync"
	"time"
)

// DefaultDeadLetterMaxSize bounds the global dead-letter queue.
const DefaultDeadLetterMaxSize = 1000

// DropPolicy selects what happens to the oldest entry when the
// dead-letter queue is full.
type DropPolicy int

const (
	// DropSilent discards the oldest entry without notice.
	DropSilent DropPolicy = iota
	// DropNotify discards the oldest entry and invokes the drop
	// callback so observers can record the loss.
	DropNotify
)

// DeadLetterEntry is a message that exhausted its retries or was
// evicted from a full queue.
type DeadLetterEntry struct {
	// Message is the original message.
	Message *Message `json:"message"`
	// Reason describes the failure.
	Reason string `json:"reason"`
	// FailedAt is when the message was dead-lettered.
	FailedAt time.Time `json:"failed_at"`
	// OriginalTopic is the topic the message was published to.
	OriginalTopic string `json:"original_topic"`
	// Subscriber is the subscriber whose delivery failed.
	Subscriber string `json:"subscriber"`
}

// DeadLetterStore is the bounded global dead-letter queue, FIFO with
// oldest-first eviction.
type DeadLetterStore struct {
	mu      sync.RWMutex
	entries []*DeadLetterEntry
	maxSize int
	policy  DropPolicy
	onDrop  func(*DeadLetterEntry)
}

// NewDeadLetterStore creates a store with the given capacity; zero or
// negative means the default cap.
func NewDeadLetterStore(maxSize int) *DeadLetterStore {
	if maxSize <= 0 {
		maxSize = DefaultDeadLetterMaxSize
	}
	return &DeadLetterStore{maxSize: maxSize}
}

// SetDropPolicy configures overflow behavior. The callback fires for
// each dropped entry when the policy is DropNotify.
func (s *DeadLetterStore) SetDropPolicy(policy DropPolicy, onDrop func(*DeadLetterEntry)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policy = policy
	s.onDrop = onDrop
}

// Push appends an entry, evicting the oldest when full.
func (s *DeadLetterStore) Push(entry *DeadLetterEntry) {
	var dropped *DeadLetterEntry
	var notify func(*DeadLetterEntry)

	s.mu.Lock()
	if len(s.entries) >= s.maxSize {
		dropped = s.entries[0]
		s.entries = s.entries[1:]
		if s.policy == DropNotify {
			notify = s.onDrop
		}
	}
	s.entries = append(s.entries, entry)
	s.mu.Unlock()

	if notify != nil && dropped != nil {
		notify(dropped)
	}
}

// List returns all entries, oldest first.
func (s *DeadLetterStore) List() []*DeadLetterEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*DeadLetterEntry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Count returns the number of entries.
func (s *DeadLetterStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Get returns the entry for the given message id.
func (s *DeadLetterStore) Get(messageID string) (*DeadLetterEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.entries {
		if e.Message.ID == messageID {
			return e, true
		}
	}
	return nil, false
}

// Remove deletes the entry for the message id, reporting whether it
// was present.
func (s *DeadLetterStore) Remove(messageID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.entries {
		if e.Message.ID == messageID {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			return true
		}
	}
	return false
}

// TakeForRetry removes and returns the entry so the broker can
// re-route it. The returned message starts a fresh delivery cycle.
func (s *DeadLetterStore) TakeForRetry(messageID string) (*DeadLetterEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.entries {
		if e.Message.ID == messageID {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			return e, true
		}
	}
	return nil, false
}
