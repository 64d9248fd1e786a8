// Package storage provides the persistence backends behind the broker:
// an in-memory store for single-node deployments and tests, a postgres
// store, and a redis store.
package storage

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/relaymq/relaymq/internal/auth"
	"github.com/relaymq/relaymq/internal/broker"
)

// MemoryStore keeps everything in process memory. It is the default
// backend and the reference implementation of broker.Store.
type MemoryStore struct {
	mu          sync.RWMutex
	topics      map[string]*broker.Topic
	messages    []*broker.StoredMessage
	byID        map[string]*broker.Message
	groups      map[string]*broker.ConsumerGroup
	deadLetters []*broker.DeadLetterEntry
	audit       []*broker.AuditRecord
	apiKeys     map[string]*auth.APIKey
	maxMessages int
}

// NewMemoryStore creates an empty store. maxMessages bounds the
// message log; zero or negative means 10000.
func NewMemoryStore(maxMessages int) *MemoryStore {
	if maxMessages <= 0 {
		maxMessages = 10000
	}
	return &MemoryStore{
		topics:      make(map[string]*broker.Topic),
		byID:        make(map[string]*broker.Message),
		groups:      make(map[string]*broker.ConsumerGroup),
		apiKeys:     make(map[string]*auth.APIKey),
		maxMessages: maxMessages,
	}
}

func (s *MemoryStore) SaveTopic(t *broker.Topic) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.topics[t.Name] = &cp
	return nil
}

func (s *MemoryStore) GetTopic(name string) (*broker.Topic, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.topics[name]
	if !ok {
		return nil, broker.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) ListTopics() ([]*broker.Topic, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*broker.Topic, 0, len(s.topics))
	for _, t := range s.topics {
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) DeleteTopic(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.topics, name)
	return nil
}

func (s *MemoryStore) UpdateTopicStats(name string, messages int64, subscribers int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.topics[name]; ok {
		t.Messages = messages
		t.Subscribers = subscribers
	}
	return nil
}

func (s *MemoryStore) SaveMessage(msg *broker.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, &broker.StoredMessage{Message: msg, SavedAt: time.Now()})
	s.byID[msg.ID] = msg
	if len(s.messages) > s.maxMessages {
		evicted := s.messages[0]
		s.messages = s.messages[1:]
		delete(s.byID, evicted.Message.ID)
	}
	return nil
}

func (s *MemoryStore) MessagesByTopic(topic string, limit int) ([]*broker.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*broker.Message
	for i := len(s.messages) - 1; i >= 0 && len(out) < limit; i-- {
		if s.messages[i].Message.Topic == topic {
			out = append(out, s.messages[i].Message)
		}
	}
	// Oldest first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *MemoryStore) MessageByID(id string) (*broker.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.byID[id]
	if !ok {
		return nil, broker.ErrNotFound
	}
	return msg, nil
}

// SearchMessages matches the query as a case-insensitive substring of
// the topic name or the raw payload.
func (s *MemoryStore) SearchMessages(query string, limit int) ([]*broker.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	needle := strings.ToLower(query)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*broker.Message
	for i := len(s.messages) - 1; i >= 0 && len(out) < limit; i-- {
		msg := s.messages[i].Message
		if strings.Contains(strings.ToLower(msg.Topic), needle) ||
			strings.Contains(strings.ToLower(string(msg.Payload)), needle) {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (s *MemoryStore) DeleteMessagesOlderThan(cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.messages[:0]
	removed := 0
	for _, sm := range s.messages {
		if sm.SavedAt.Before(cutoff) {
			delete(s.byID, sm.Message.ID)
			removed++
		} else {
			kept = append(kept, sm)
		}
	}
	s.messages = kept
	return removed, nil
}

func (s *MemoryStore) CountMessages() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages), nil
}

func (s *MemoryStore) SaveGroup(g *broker.ConsumerGroup) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups[g.Name] = g
	return nil
}

func (s *MemoryStore) GetGroup(name string) (*broker.ConsumerGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[name]
	if !ok {
		return nil, broker.ErrNotFound
	}
	return g, nil
}

func (s *MemoryStore) ListGroups() ([]*broker.ConsumerGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*broker.ConsumerGroup, 0, len(s.groups))
	for _, g := range s.groups {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) SetGroupOffset(name string, offset int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g, ok := s.groups[name]; ok {
		g.CurrentOffset = offset
	}
	return nil
}

func (s *MemoryStore) CommitGroupOffset(name string, offset int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g, ok := s.groups[name]; ok {
		g.CommittedOffset = offset
	}
	return nil
}

func (s *MemoryStore) AppendDeadLetter(entry *broker.DeadLetterEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadLetters = append(s.deadLetters, entry)
	return nil
}

func (s *MemoryStore) ListDeadLetters(limit int) ([]*broker.DeadLetterEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.deadLetters
	if len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	out := make([]*broker.DeadLetterEntry, len(entries))
	copy(out, entries)
	return out, nil
}

func (s *MemoryStore) RemoveDeadLetter(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.deadLetters {
		if e.Message.ID == messageID {
			s.deadLetters = append(s.deadLetters[:i], s.deadLetters[i+1:]...)
			return nil
		}
	}
	return nil
}

func (s *MemoryStore) CountDeadLetters() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.deadLetters), nil
}

func (s *MemoryStore) AppendAudit(rec *broker.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, rec)
	return nil
}

func (s *MemoryStore) ListAudit(filter broker.AuditFilter) ([]*broker.AuditRecord, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*broker.AuditRecord
	for i := len(s.audit) - 1; i >= 0 && len(out) < limit; i-- {
		rec := s.audit[i]
		if filter.Action != "" && rec.Action != filter.Action {
			continue
		}
		if filter.Actor != "" && rec.Actor != filter.Actor {
			continue
		}
		if !filter.Since.IsZero() && rec.Occurred.Before(filter.Since) {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *MemoryStore) SaveAPIKey(key *auth.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *key
	s.apiKeys[key.Key] = &cp
	return nil
}

func (s *MemoryStore) ListAPIKeys() ([]*auth.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*auth.APIKey, 0, len(s.apiKeys))
	for _, key := range s.apiKeys {
		cp := *key
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) TouchAPIKey(token string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.apiKeys[token]
	if !ok {
		return broker.ErrNotFound
	}
	key.LastUsed = at
	return nil
}

func (s *MemoryStore) DeleteAPIKey(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.apiKeys, token)
	return nil
}

// Close is a no-op for the memory backend.
func (s *MemoryStore) Close() {}
