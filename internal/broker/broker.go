// Package broker implements the core of a topic-based publish/subscribe
// message broker: topic registry with wildcard matching, bounded
// per-subscriber queues with retry and dead-letter promotion, consumer
// groups with leader election and selection strategies, and a
// request/reply correlator.
package broker

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// catchAllTopic is the literal topic name whose subscribers receive
// every published message.
const catchAllTopic = "#"

// janitorInterval drives the periodic TTL purge and history trim.
const janitorInterval = time.Minute

// Options configures a Broker.
type Options struct {
	// Store persists topics, messages, groups, dead letters, and
	// audit records. Nil disables persistence.
	Store Store
	// Logger is the structured logger; nil uses the standard one.
	Logger *logrus.Logger
	// TopicDefaults overrides the default topic configuration.
	TopicDefaults *TopicConfig
	// DeadLetterMaxSize caps the global DLQ.
	DeadLetterMaxSize int
	// DeadLetterDropPolicy selects overflow behavior for the DLQ.
	DeadLetterDropPolicy DropPolicy
	// RequestTimeout is the default request/reply timeout.
	RequestTimeout time.Duration
	// StoreMessageRetention bounds how long persisted messages are
	// kept; the janitor prunes older ones. Zero disables pruning.
	StoreMessageRetention time.Duration
}

// BrokerStats summarizes broker state for the metrics surface.
type BrokerStats struct {
	Uptime            time.Duration `json:"uptime"`
	TotalMessages     int64         `json:"total_messages"`
	MessagesPerSecond float64       `json:"messages_per_second"`
	Topics            int           `json:"topics"`
	Subscribers       int           `json:"subscribers"`
	OnlineSubscribers int           `json:"online_subscribers"`
	QueueDepth        int           `json:"queue_depth"`
	DeadLetters       int           `json:"dead_letters"`
	PendingRequests   int           `json:"pending_requests"`
	TopTopics         []*Topic      `json:"top_topics"`
}

// PublishOptions carries the optional attributes of a publish.
type PublishOptions struct {
	Headers       map[string]string `json:"headers,omitempty"`
	TTL           time.Duration     `json:"ttl,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	ReplyTo       string            `json:"reply_to,omitempty"`
}

// Broker coordinates the registry, queues, dead-letter store, consumer
// groups, and correlator behind the publish/subscribe/ack/request
// surface.
type Broker struct {
	registry   *TopicRegistry
	queues     *SubscriberQueues
	dlq        *DeadLetterStore
	groups     *GroupManager
	correlator *RequestCorrelator
	router     *router
	store      Store
	events     *eventBus
	logger     *logrus.Entry

	mu          sync.RWMutex
	subscribers map[string]*Subscriber
	publishers  map[string]*Publisher
	sinks       map[string]Sink

	startTime     time.Time
	totalMessages atomic.Int64
	rate          *rateWindow

	topicDefaults  TopicConfig
	requestTimeout time.Duration
	storeRetention time.Duration

	stopCh  chan struct{}
	stopped atomic.Bool
	wg      sync.WaitGroup
}

// New creates and starts a broker.
func New(opts Options) *Broker {
	store := opts.Store
	if store == nil {
		store = NopStore{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	defaults := DefaultTopicConfig()
	if opts.TopicDefaults != nil {
		defaults = *opts.TopicDefaults
	}
	requestTimeout := opts.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = DefaultRequestTimeout
	}

	dlq := NewDeadLetterStore(opts.DeadLetterMaxSize)
	b := &Broker{
		registry:       NewTopicRegistry(),
		queues:         NewSubscriberQueues(dlq),
		dlq:            dlq,
		groups:         NewGroupManager(store, logger),
		store:          store,
		events:         newEventBus(logger),
		logger:         logger.WithField("component", "broker"),
		subscribers:    make(map[string]*Subscriber),
		publishers:     make(map[string]*Publisher),
		sinks:          make(map[string]Sink),
		startTime:      time.Now(),
		rate:           newRateWindow(time.Minute),
		topicDefaults:  defaults,
		requestTimeout: requestTimeout,
		storeRetention: opts.StoreMessageRetention,
		stopCh:         make(chan struct{}),
	}
	b.router = &router{b: b}
	b.correlator = newRequestCorrelator(b)

	if opts.DeadLetterDropPolicy == DropNotify {
		dlq.SetDropPolicy(DropNotify, func(entry *DeadLetterEntry) {
			b.events.emit(Event{
				Type:       EventDeadLetterDropped,
				Topic:      entry.OriginalTopic,
				Message:    entry.Message,
				Subscriber: entry.Subscriber,
				Reason:     entry.Reason,
			})
		})
	}
	b.queues.OnDeadLetter(func(entry *DeadLetterEntry) {
		if err := b.store.AppendDeadLetter(entry); err != nil {
			b.logger.WithError(err).Warn("failed to persist dead letter")
		}
		b.events.emit(Event{
			Type:       EventMessageFailed,
			Topic:      entry.OriginalTopic,
			Message:    entry.Message,
			Subscriber: entry.Subscriber,
			Reason:     entry.Reason,
		})
	})

	b.groups.Start()
	b.wg.Add(1)
	go b.janitorLoop()
	return b
}

// Close stops the periodic jobs, the group reaper, and settles every
// pending request.
func (b *Broker) Close() {
	if !b.stopped.CompareAndSwap(false, true) {
		return
	}
	close(b.stopCh)
	b.wg.Wait()
	b.groups.Close()
	b.correlator.close()
}

// OnEvent registers a lifecycle event handler. Handler panics are
// logged and never propagate into broker operations.
func (b *Broker) OnEvent(h EventHandler) {
	b.events.subscribe(h)
}

// Groups exposes the consumer group manager.
func (b *Broker) Groups() *GroupManager { return b.groups }

// DeadLetterStore exposes the dead-letter queue.
func (b *Broker) DeadLetterStore() *DeadLetterStore { return b.dlq }

// Topics exposes the topic registry.
func (b *Broker) Topics() *TopicRegistry { return b.registry }

// Queues exposes the subscriber queue set.
func (b *Broker) Queues() *SubscriberQueues { return b.queues }

// CreateTopic explicitly creates a topic and persists it.
func (b *Broker) CreateTopic(name, creator string, overrides *TopicOverrides) (*Topic, error) {
	t, err := b.registry.Create(name, creator, b.withDefaults(overrides))
	if err != nil {
		return nil, err
	}
	if err := b.store.SaveTopic(t); err != nil {
		b.registry.Delete(name)
		return nil, PersistenceError("save topic", err)
	}
	b.audit("topic:create", creator, name, "")
	b.events.emit(Event{Type: EventTopicCreated, Topic: name})
	return t, nil
}

// DeleteTopic removes a topic; the second delete of the same name
// returns false without error. Queued messages already dispatched are
// untouched.
func (b *Broker) DeleteTopic(name, actor string) (bool, error) {
	existed := b.registry.Delete(name)
	if !existed {
		return false, nil
	}
	if err := b.store.DeleteTopic(name); err != nil {
		return true, PersistenceError("delete topic", err)
	}
	b.audit("topic:delete", actor, name, "")
	b.events.emit(Event{Type: EventTopicDeleted, Topic: name})
	return true, nil
}

// GetTopic returns the named topic.
func (b *Broker) GetTopic(name string) (*Topic, bool) { return b.registry.Get(name) }

// ListTopics returns all topics.
func (b *Broker) ListTopics() []*Topic { return b.registry.List() }

// TopicHistory returns the last messages recorded on the topic.
func (b *Broker) TopicHistory(name string, limit int) []*Message {
	return b.registry.History(name, limit)
}

// MatchTopics expands a glob pattern against the concrete topic names.
func (b *Broker) MatchTopics(pattern string) []string { return b.registry.MatchTopics(pattern) }

// Publish creates a message, records it, and routes it to matching
// subscribers. The topic is auto-created on first use.
func (b *Broker) Publish(topic string, payload json.RawMessage, publisherID string, opts *PublishOptions) (*Message, error) {
	if err := b.ensureTopic(topic, publisherID); err != nil {
		return nil, err
	}

	msg := NewMessage(topic, payload, publisherID)
	if opts != nil {
		msg.Headers = opts.Headers
		msg.TTL = opts.TTL
		msg.CorrelationID = opts.CorrelationID
		msg.ReplyTo = opts.ReplyTo
	}

	// Persist before any in-memory commit so a store failure aborts
	// the publish without corrupting broker state.
	if err := b.store.SaveMessage(msg); err != nil {
		return nil, PersistenceError("save message", err).WithTopic(topic).WithMessageID(msg.ID)
	}

	b.registry.RecordMessage(msg)
	b.recordPublisher(publisherID)
	b.totalMessages.Add(1)
	b.rate.record(msg.Timestamp)

	b.events.emit(Event{Type: EventMessagePublished, Topic: topic, Message: msg})
	b.router.route(msg)
	return msg, nil
}

// Subscribe registers a subscriber over a set of topics, auto-creating
// them, and drains any queue left from a previous life of the same
// sink. The sink is invoked synchronously during the drain.
func (b *Broker) Subscribe(clientID string, topics []string, sink Sink, spec *FilterSpec) (*Subscriber, error) {
	filter, err := NewFilter(spec)
	if err != nil {
		return nil, err
	}
	for _, topic := range topics {
		if err := b.ensureTopic(topic, clientID); err != nil {
			return nil, err
		}
	}

	now := time.Now()
	sub := &Subscriber{
		ID:         uuid.NewString(),
		ClientID:   clientID,
		Topics:     make(map[string]struct{}, len(topics)),
		CreatedAt:  now,
		LastActive: now,
		Online:     true,
		filter:     filter,
	}
	for _, topic := range topics {
		sub.Topics[topic] = struct{}{}
	}

	b.mu.Lock()
	b.subscribers[sub.ID] = sub
	b.sinks[sub.ID] = sink
	b.mu.Unlock()

	for _, topic := range topics {
		b.registry.AddSubscriber(topic, sub.ID)
	}

	b.events.emit(Event{Type: EventSubscriberConnected, Subscriber: sub.ID})
	b.drainQueue(sub.ID)

	cp := *sub
	return &cp, nil
}

// Unsubscribe removes the subscriber from the given topics, or
// entirely when topics is empty. A full unsubscribe drops the queue
// and leaves any consumer group.
func (b *Broker) Unsubscribe(subID string, topics []string) error {
	b.mu.Lock()
	sub, ok := b.subscribers[subID]
	if !ok {
		b.mu.Unlock()
		return NotFoundError("subscriber", subID)
	}
	if len(topics) > 0 {
		for _, topic := range topics {
			delete(sub.Topics, topic)
		}
	}
	total := len(topics) == 0 || len(sub.Topics) == 0
	if total {
		delete(b.subscribers, subID)
		delete(b.sinks, subID)
	}
	b.mu.Unlock()

	if total {
		b.registry.RemoveSubscriberEverywhere(subID)
		b.queues.Clear(subID)
		b.groups.Leave(subID)
		b.events.emit(Event{Type: EventSubscriberDisconnected, Subscriber: subID})
		return nil
	}
	for _, topic := range topics {
		b.registry.RemoveSubscriber(topic, subID)
	}
	return nil
}

// SetOnline flips the subscriber's online flag; transitioning to
// online drains the queue.
func (b *Broker) SetOnline(subID string, online bool) error {
	b.mu.Lock()
	sub, ok := b.subscribers[subID]
	if !ok {
		b.mu.Unlock()
		return NotFoundError("subscriber", subID)
	}
	wasOnline := sub.Online
	sub.Online = online
	sub.LastActive = time.Now()
	b.mu.Unlock()

	if online && !wasOnline {
		b.drainQueue(subID)
	}
	return nil
}

// Ack acknowledges a delivered message, removing it from the
// subscriber's queue.
func (b *Broker) Ack(subID, messageID string) bool {
	b.touch(subID)
	return b.queues.Ack(subID, messageID)
}

// Nack reports a failed delivery; the queue schedules a retry or
// promotes the message to the DLQ.
func (b *Broker) Nack(subID, messageID, reason string) bool {
	b.touch(subID)
	return b.queues.Nack(subID, messageID, reason)
}

// Request performs a request/reply round trip. See RequestCorrelator.
func (b *Broker) Request(ctx context.Context, topic string, payload json.RawMessage, requesterID string, timeout time.Duration) (*Message, error) {
	return b.correlator.Request(ctx, topic, payload, requesterID, timeout)
}

// Reply answers a request message. See RequestCorrelator.
func (b *Broker) Reply(origin *Message, payload json.RawMessage, replierID string) (*Message, error) {
	return b.correlator.Reply(origin, payload, replierID)
}

// RetryDeadLetter removes the entry from the DLQ and re-routes the
// message with a fresh delivery cycle.
func (b *Broker) RetryDeadLetter(messageID, actor string) error {
	entry, ok := b.dlq.TakeForRetry(messageID)
	if !ok {
		return NotFoundError("dead letter", messageID)
	}
	if err := b.store.RemoveDeadLetter(messageID); err != nil {
		b.logger.WithError(err).Warn("failed to remove persisted dead letter")
	}
	b.audit("dlq:retry", actor, entry.OriginalTopic, messageID)
	b.router.route(entry.Message)
	return nil
}

// RetryAllDeadLetters re-routes every DLQ entry and returns the count.
func (b *Broker) RetryAllDeadLetters(actor string) int {
	entries := b.dlq.List()
	count := 0
	for _, entry := range entries {
		if err := b.RetryDeadLetter(entry.Message.ID, actor); err == nil {
			count++
		}
	}
	return count
}

// DeleteDeadLetter drops a DLQ entry without re-routing.
func (b *Broker) DeleteDeadLetter(messageID, actor string) bool {
	if !b.dlq.Remove(messageID) {
		return false
	}
	if err := b.store.RemoveDeadLetter(messageID); err != nil {
		b.logger.WithError(err).Warn("failed to remove persisted dead letter")
	}
	b.audit("dlq:delete", actor, "", messageID)
	return true
}

// DeadLetters lists the DLQ contents, oldest first.
func (b *Broker) DeadLetters() []*DeadLetterEntry { return b.dlq.List() }

// GetSubscriber returns a snapshot of the subscriber.
func (b *Broker) GetSubscriber(subID string) (*Subscriber, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	sub, ok := b.subscribers[subID]
	if !ok {
		return nil, false
	}
	cp := *sub
	cp.Pending = b.queues.Depth(subID)
	return &cp, true
}

// Subscribers returns snapshots of all subscribers.
func (b *Broker) Subscribers() []*Subscriber {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*Subscriber, 0, len(b.subscribers))
	for id, sub := range b.subscribers {
		cp := *sub
		cp.Pending = b.queues.Depth(id)
		out = append(out, &cp)
	}
	return out
}

// Stats reports broker-wide counters.
func (b *Broker) Stats() BrokerStats {
	now := time.Now()
	topicStats := b.registry.Stats()

	b.mu.RLock()
	subs := len(b.subscribers)
	online := 0
	for _, sub := range b.subscribers {
		if sub.Online {
			online++
		}
	}
	b.mu.RUnlock()

	return BrokerStats{
		Uptime:            now.Sub(b.startTime),
		TotalMessages:     b.totalMessages.Load(),
		MessagesPerSecond: b.rate.perSecond(now),
		Topics:            topicStats.Topics,
		Subscribers:       subs,
		OnlineSubscribers: online,
		QueueDepth:        b.queues.TotalDepth(),
		DeadLetters:       b.dlq.Count(),
		PendingRequests:   b.correlator.PendingCount(),
		TopTopics:         topicStats.TopTopics,
	}
}

// ensureTopic auto-creates a topic, tolerating concurrent creation.
func (b *Broker) ensureTopic(name, creator string) error {
	if b.registry.Has(name) {
		return nil
	}
	_, err := b.CreateTopic(name, creator, nil)
	if err != nil && GetBrokerError(err) != nil && GetBrokerError(err).Code == ErrCodeAlreadyExists {
		return nil
	}
	return err
}

// deleteTopicQuiet removes a transient topic without audit or events.
func (b *Broker) deleteTopicQuiet(name string) {
	if b.registry.Delete(name) {
		if err := b.store.DeleteTopic(name); err != nil {
			b.logger.WithError(err).WithField("topic", name).Debug("failed to delete persisted topic")
		}
	}
}

func (b *Broker) withDefaults(overrides *TopicOverrides) *TopicOverrides {
	d := b.topicDefaults
	merged := &TopicOverrides{
		MaxQueueSize:     &d.MaxQueueSize,
		MessageRetention: &d.MessageRetention,
		MaxRetries:       &d.MaxRetries,
		RetryDelay:       &d.RetryDelay,
		RequireAck:       &d.RequireAck,
	}
	if overrides == nil {
		return merged
	}
	if overrides.MaxQueueSize != nil {
		merged.MaxQueueSize = overrides.MaxQueueSize
	}
	if overrides.MessageRetention != nil {
		merged.MessageRetention = overrides.MessageRetention
	}
	if overrides.MaxRetries != nil {
		merged.MaxRetries = overrides.MaxRetries
	}
	if overrides.RetryDelay != nil {
		merged.RetryDelay = overrides.RetryDelay
	}
	if overrides.RequireAck != nil {
		merged.RequireAck = overrides.RequireAck
	}
	return merged
}

func (b *Broker) topicConfig(name string) TopicConfig {
	if t, ok := b.registry.Get(name); ok {
		return t.Config
	}
	return b.topicDefaults
}

func (b *Broker) subscriberSnapshot(subID string) *Subscriber {
	b.mu.RLock()
	defer b.mu.RUnlock()
	sub, ok := b.subscribers[subID]
	if !ok {
		return nil
	}
	cp := *sub
	cp.filter = sub.filter
	return &cp
}

func (b *Broker) sinkFor(subID string) Sink {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.sinks[subID]
}

func (b *Broker) markDelivered(subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subscribers[subID]; ok {
		sub.Delivered++
		sub.LastActive = time.Now()
	}
}

func (b *Broker) touch(subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subscribers[subID]; ok {
		sub.LastActive = time.Now()
	}
}

func (b *Broker) recordPublisher(id string) {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	pub, ok := b.publishers[id]
	if !ok {
		pub = &Publisher{ID: id, FirstSeen: now}
		b.publishers[id] = pub
	}
	pub.LastSeen = now
	pub.Messages++
}

// Publishers returns snapshots of all known publishers.
func (b *Broker) Publishers() []*Publisher {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*Publisher, 0, len(b.publishers))
	for _, pub := range b.publishers {
		cp := *pub
		out = append(out, &cp)
	}
	return out
}

// enqueue places a message in the subscriber's queue with the topic's
// retry budget and emits message:queued.
func (b *Broker) enqueue(subID string, msg *Message, cfg TopicConfig) {
	qmsg := &QueuedMessage{
		Message:    msg,
		Subscriber: subID,
		QueuedAt:   time.Now(),
		MaxRetries: cfg.MaxRetries,
	}
	b.queues.Enqueue(subID, qmsg, cfg.MaxQueueSize)
	b.events.emit(Event{
		Type:       EventMessageQueued,
		Topic:      msg.Topic,
		Message:    msg,
		Subscriber: subID,
	})
}

// drainQueue delivers the subscriber's ready messages in FIFO order.
// Entries on ack-required topics stay queued until acknowledged;
// everything else leaves the queue on successful delivery. A sink
// failure re-queues the message with a failed attempt recorded.
func (b *Broker) drainQueue(subID string) {
	sub := b.subscriberSnapshot(subID)
	if sub == nil || !sub.Online {
		return
	}

	// Bounded by the current depth so redeliveries scheduled during
	// the drain cannot spin it forever.
	budget := b.queues.Depth(subID)
	delivered := make(map[string]struct{})
	for i := 0; i < budget; i++ {
		qmsg := b.queues.Dequeue(subID)
		if qmsg == nil {
			return
		}
		cfg := b.topicConfig(qmsg.Message.Topic)
		if _, seen := delivered[qmsg.Message.ID]; seen {
			b.queues.Enqueue(subID, qmsg, cfg.MaxQueueSize)
			return
		}
		if err := b.router.deliver(subID, qmsg.Message, ""); err != nil {
			// Re-queue and let Nack schedule the retry or promote to
			// the DLQ once the budget is spent.
			b.queues.Enqueue(subID, qmsg, cfg.MaxQueueSize)
			b.queues.Nack(subID, qmsg.Message.ID, err.Error())
			b.events.emit(Event{
				Type:       EventMessageFailed,
				Topic:      qmsg.Message.Topic,
				Message:    qmsg.Message,
				Subscriber: subID,
				Reason:     err.Error(),
			})
			continue
		}
		delivered[qmsg.Message.ID] = struct{}{}
		if cfg.RequireAck {
			// Delivered but unacknowledged: keep it queued.
			b.queues.Enqueue(subID, qmsg, cfg.MaxQueueSize)
		}
	}
}

// janitorLoop runs the periodic cleanup: purge expired queued
// messages, trim topic history, then redeliver any ready retries to
// online subscribers.
func (b *Broker) janitorLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.runJanitor()
		}
	}
}

func (b *Broker) runJanitor() {
	purged := b.queues.PurgeExpired()
	trimmed := b.registry.TrimHistory()
	if purged > 0 || trimmed > 0 {
		b.logger.WithFields(logrus.Fields{
			"purged":  purged,
			"trimmed": trimmed,
		}).Debug("janitor pass complete")
	}

	if b.storeRetention > 0 {
		removed, err := b.store.DeleteMessagesOlderThan(time.Now().Add(-b.storeRetention))
		if err != nil {
			b.logger.WithError(err).Warn("failed to prune persisted messages")
		} else if removed > 0 {
			b.logger.WithField("removed", removed).Debug("pruned persisted messages")
		}
	}

	b.mu.RLock()
	online := make([]string, 0, len(b.subscribers))
	for id, sub := range b.subscribers {
		if sub.Online {
			online = append(online, id)
		}
	}
	b.mu.RUnlock()
	for _, id := range online {
		if b.queues.Peek(id) != nil {
			b.drainQueue(id)
		}
	}
}

func (b *Broker) audit(action, actor, topic, detail string) {
	rec := &AuditRecord{
		ID:       uuid.NewString(),
		Action:   action,
		Actor:    actor,
		Topic:    topic,
		Detail:   detail,
		Occurred: time.Now(),
	}
	if err := b.store.AppendAudit(rec); err != nil {
		b.logger.WithError(err).WithField("action", action).Debug("failed to append audit record")
	}
}
