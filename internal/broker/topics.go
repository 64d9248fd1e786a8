package broker

import (
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
)

// Default topic configuration applied when no override is given.
const (
	DefaultMaxQueueSize     = 1000
	DefaultMessageRetention = time.Hour
	DefaultMaxRetries       = 3
	DefaultRetryDelay       = 5 * time.Second

	// historyCap bounds per-topic history regardless of retention.
	historyCap = 1000
)

var topicNameRe = regexp.MustCompile(`^[A-Za-z0-9._*#-]+$`)

// TopicConfig holds per-topic delivery settings.
type TopicConfig struct {
	// MaxQueueSize caps each subscriber queue for the topic.
	MaxQueueSize int `json:"max_queue_size"`
	// MessageRetention bounds how long history entries are kept.
	MessageRetention time.Duration `json:"message_retention"`
	// MaxRetries caps delivery attempts before dead-lettering.
	MaxRetries int `json:"max_retries"`
	// RetryDelay is the base redelivery delay.
	RetryDelay time.Duration `json:"retry_delay"`
	// RequireAck forces queued delivery with explicit acknowledgment.
	RequireAck bool `json:"require_ack"`
}

// DefaultTopicConfig returns the default topic configuration.
func DefaultTopicConfig() TopicConfig {
	return TopicConfig{
		MaxQueueSize:     DefaultMaxQueueSize,
		MessageRetention: DefaultMessageRetention,
		MaxRetries:       DefaultMaxRetries,
		RetryDelay:       DefaultRetryDelay,
	}
}

// TopicOverrides carries optional overrides for topic creation.
type TopicOverrides struct {
	MaxQueueSize     *int           `json:"max_queue_size,omitempty"`
	MessageRetention *time.Duration `json:"message_retention,omitempty"`
	MaxRetries       *int           `json:"max_retries,omitempty"`
	RetryDelay       *time.Duration `json:"retry_delay,omitempty"`
	RequireAck       *bool          `json:"require_ack,omitempty"`
}

func (o *TopicOverrides) apply(cfg TopicConfig) TopicConfig {
	if o == nil {
		return cfg
	}
	if o.MaxQueueSize != nil {
		cfg.MaxQueueSize = *o.MaxQueueSize
	}
	if o.MessageRetention != nil {
		cfg.MessageRetention = *o.MessageRetention
	}
	if o.MaxRetries != nil {
		cfg.MaxRetries = *o.MaxRetries
	}
	if o.RetryDelay != nil {
		cfg.RetryDelay = *o.RetryDelay
	}
	if o.RequireAck != nil {
		cfg.RequireAck = *o.RequireAck
	}
	return cfg
}

// Topic is a named channel with dot-notation hierarchy.
type Topic struct {
	// Name uniquely identifies the topic.
	Name string `json:"name"`
	// CreatedAt is the creation time.
	CreatedAt time.Time `json:"created_at"`
	// Creator is the id of the client that created the topic.
	Creator string `json:"creator"`
	// Messages is the monotone count of messages recorded.
	Messages int64 `json:"messages"`
	// Subscribers caches the current subscriber count.
	Subscribers int `json:"subscribers"`
	// Config holds the topic's delivery settings.
	Config TopicConfig `json:"config"`
}

// TopicStats summarizes the registry.
type TopicStats struct {
	Topics        int      `json:"topics"`
	Subscriptions int      `json:"subscriptions"`
	Messages      int64    `json:"messages"`
	TopTopics     []*Topic `json:"top_topics"`
}

// TopicRegistry maintains topics, their subscriber-membership index,
// and the per-topic message history ring.
type TopicRegistry struct {
	mu      sync.RWMutex
	topics  map[string]*Topic
	history map[string][]*Message
	subs    map[string]map[string]struct{} // topic -> subscriber ids
}

// NewTopicRegistry creates an empty registry.
func NewTopicRegistry() *TopicRegistry {
	return &TopicRegistry{
		topics:  make(map[string]*Topic),
		history: make(map[string][]*Message),
		subs:    make(map[string]map[string]struct{}),
	}
}

// Create registers a new topic. It fails with ALREADY_EXISTS when the
// name is taken and INVALID_NAME when the name violates the charset.
func (r *TopicRegistry) Create(name, creator string, overrides *TopicOverrides) (*Topic, error) {
	if !topicNameRe.MatchString(name) {
		return nil, InvalidNameError(name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.topics[name]; ok {
		return nil, AlreadyExistsError("topic", name)
	}
	t := &Topic{
		Name:      name,
		CreatedAt: time.Now(),
		Creator:   creator,
		Config:    overrides.apply(DefaultTopicConfig()),
	}
	r.topics[name] = t
	return t, nil
}

// Delete removes a topic, its history, and its membership set. It
// returns whether the topic existed; in-flight queued messages are
// untouched.
func (r *TopicRegistry) Delete(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.topics[name]; !ok {
		return false
	}
	delete(r.topics, name)
	delete(r.history, name)
	delete(r.subs, name)
	return true
}

// Has reports whether a topic exists.
func (r *TopicRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.topics[name]
	return ok
}

// Get returns a copy of the named topic.
func (r *TopicRegistry) Get(name string) (*Topic, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.topics[name]
	if !ok {
		return nil, false
	}
	cp := *t
	return &cp, true
}

// List returns copies of all topics sorted by name.
func (r *TopicRegistry) List() []*Topic {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Topic, 0, len(r.topics))
	for _, t := range r.topics {
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// AddSubscriber adds a subscriber to the topic's membership set.
func (r *TopicRegistry) AddSubscriber(topic, subID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.subs[topic]
	if !ok {
		set = make(map[string]struct{})
		r.subs[topic] = set
	}
	set[subID] = struct{}{}
	if t, ok := r.topics[topic]; ok {
		t.Subscribers = len(set)
	}
}

// RemoveSubscriber removes a subscriber from a topic's membership set.
func (r *TopicRegistry) RemoveSubscriber(topic, subID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeSubscriberLocked(topic, subID)
}

func (r *TopicRegistry) removeSubscriberLocked(topic, subID string) {
	set, ok := r.subs[topic]
	if !ok {
		return
	}
	delete(set, subID)
	if len(set) == 0 {
		delete(r.subs, topic)
	}
	if t, ok := r.topics[topic]; ok {
		t.Subscribers = len(set)
	}
}

// RemoveSubscriberEverywhere removes the subscriber from every topic
// and returns the topics it was removed from.
func (r *TopicRegistry) RemoveSubscriberEverywhere(subID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []string
	// Snapshot topic names first: removal mutates the map.
	names := make([]string, 0, len(r.subs))
	for name := range r.subs {
		names = append(names, name)
	}
	for _, name := range names {
		if _, ok := r.subs[name][subID]; ok {
			r.removeSubscriberLocked(name, subID)
			removed = append(removed, name)
		}
	}
	return removed
}

// SubscribersOf returns the subscriber ids registered on a topic.
func (r *TopicRegistry) SubscribersOf(topic string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.subs[topic]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// RecordMessage increments the topic counter and appends the message
// to history, trimming expired entries and the length cap from the
// front.
func (r *TopicRegistry) RecordMessage(msg *Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.topics[msg.Topic]
	if !ok {
		return
	}
	t.Messages++
	h := append(r.history[msg.Topic], msg)
	h = trimHistory(h, t.Config.MessageRetention, time.Now())
	r.history[msg.Topic] = h
}

// History returns the last limit messages, most recent last.
func (r *TopicRegistry) History(topic string, limit int) []*Message {
	if limit <= 0 {
		limit = 100
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	h := r.history[topic]
	if len(h) > limit {
		h = h[len(h)-limit:]
	}
	out := make([]*Message, len(h))
	copy(out, h)
	return out
}

// TrimHistory drops expired history entries across all topics and
// returns the number removed.
func (r *TopicRegistry) TrimHistory() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	trimmed := 0
	for name, t := range r.topics {
		h := r.history[name]
		kept := trimHistory(h, t.Config.MessageRetention, now)
		trimmed += len(h) - len(kept)
		if len(kept) == 0 {
			delete(r.history, name)
		} else {
			r.history[name] = kept
		}
	}
	return trimmed
}

func trimHistory(h []*Message, retention time.Duration, now time.Time) []*Message {
	cutoff := now.Add(-retention)
	i := 0
	for i < len(h) && h[i].Timestamp.Before(cutoff) {
		i++
	}
	h = h[i:]
	if len(h) > historyCap {
		h = h[len(h)-historyCap:]
	}
	return h
}

// MatchTopics returns the concrete topic names matching a glob
// pattern: `.` is literal, `*` matches one dot-free segment, `#`
// matches any remaining suffix including dots.
func (r *TopicRegistry) MatchTopics(pattern string) []string {
	re, err := compileTopicPattern(pattern)
	if err != nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for name := range r.topics {
		if re.MatchString(name) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func compileTopicPattern(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("^")
	for _, ch := range pattern {
		switch ch {
		case '*':
			b.WriteString(`[^.]+`)
		case '#':
			b.WriteString(`.*`)
		default:
			b.WriteString(regexp.QuoteMeta(string(ch)))
		}
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}

// Stats returns registry totals plus the top 10 topics by message
// count.
func (r *TopicRegistry) Stats() TopicStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stats := TopicStats{Topics: len(r.topics)}
	top := make([]*Topic, 0, len(r.topics))
	for _, t := range r.topics {
		stats.Messages += t.Messages
		cp := *t
		top = append(top, &cp)
	}
	for _, set := range r.subs {
		stats.Subscriptions += len(set)
	}
	sort.Slice(top, func(i, j int) bool { return top[i].Messages > top[j].Messages })
	if len(top) > 10 {
		top = top[:10]
	}
	stats.TopTopics = top
	return stats
}
