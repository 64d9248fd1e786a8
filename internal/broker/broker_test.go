package broker

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collector is a sink recording every delivered message.
type collector struct {
	mu   sync.Mutex
	msgs []*Message
	fail error
}

func (c *collector) Deliver(msg *Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return c.fail
	}
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func (c *collector) last() *Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.msgs) == 0 {
		return nil
	}
	return c.msgs[len(c.msgs)-1]
}

func (c *collector) all() []*Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Message, len(c.msgs))
	copy(out, c.msgs)
	return out
}

func newTestBroker(t *testing.T, opts ...func(*Options)) *Broker {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	options := Options{Logger: logger}
	for _, opt := range opts {
		opt(&options)
	}
	b := New(options)
	t.Cleanup(b.Close)
	return b
}

func TestPublishDeliversToOnlineSubscriber(t *testing.T) {
	b := newTestBroker(t)
	sink := &collector{}

	sub, err := b.Subscribe("client-1", []string{"orders.created"}, sink, nil)
	require.NoError(t, err)
	assert.True(t, sub.Online)

	msg, err := b.Publish("orders.created", json.RawMessage(`{"order":1}`), "pub-1", nil)
	require.NoError(t, err)

	require.Equal(t, 1, sink.count())
	assert.Equal(t, msg.ID, sink.last().ID)
	// Non-ack topic: nothing left queued.
	assert.Equal(t, 0, b.Queues().Depth(sub.ID))
}

func TestPublishAutoCreatesTopic(t *testing.T) {
	b := newTestBroker(t)
	_, err := b.Publish("fresh.topic", nil, "pub-1", nil)
	require.NoError(t, err)
	assert.True(t, b.Topics().Has("fresh.topic"))
}

func TestPublishInvalidTopicName(t *testing.T) {
	b := newTestBroker(t)
	_, err := b.Publish("bad topic", nil, "pub-1", nil)
	require.Error(t, err)
	assert.Equal(t, ErrCodeInvalidName, GetBrokerError(err).Code)
}

func TestOfflineSubscriberQueuesThenDrains(t *testing.T) {
	b := newTestBroker(t)
	sink := &collector{}
	sub, err := b.Subscribe("client-1", []string{"jobs"}, sink, nil)
	require.NoError(t, err)

	require.NoError(t, b.SetOnline(sub.ID, false))
	var published []string
	for i := 0; i < 3; i++ {
		msg, err := b.Publish("jobs", json.RawMessage(fmt.Sprintf(`{"i":%d}`, i)), "pub-1", nil)
		require.NoError(t, err)
		published = append(published, msg.ID)
	}
	assert.Equal(t, 0, sink.count())
	assert.Equal(t, 3, b.Queues().Depth(sub.ID))

	require.NoError(t, b.SetOnline(sub.ID, true))
	got := sink.all()
	require.Len(t, got, 3)
	assert.Equal(t, 0, b.Queues().Depth(sub.ID))
	// Drained in publish order.
	for i, msg := range got {
		assert.Equal(t, published[i], msg.ID)
	}
}

func TestQueueOverflowPromotesOldestToDLQ(t *testing.T) {
	b := newTestBroker(t)
	size := 2
	_, err := b.CreateTopic("narrow", "admin", &TopicOverrides{MaxQueueSize: &size})
	require.NoError(t, err)

	sink := &collector{}
	sub, err := b.Subscribe("client-1", []string{"narrow"}, sink, nil)
	require.NoError(t, err)
	require.NoError(t, b.SetOnline(sub.ID, false))

	var published []string
	for i := 0; i < 3; i++ {
		msg, err := b.Publish("narrow", nil, "pub-1", nil)
		require.NoError(t, err)
		published = append(published, msg.ID)
	}

	assert.Equal(t, 2, b.Queues().Depth(sub.ID))
	entries := b.DeadLetters()
	require.Len(t, entries, 1)
	assert.Equal(t, published[0], entries[0].Message.ID)
	assert.Equal(t, "queue overflow", entries[0].Reason)
	assert.Equal(t, "narrow", entries[0].OriginalTopic)
}

func TestRequireAckKeepsMessageQueuedUntilAck(t *testing.T) {
	b := newTestBroker(t)
	ack := true
	_, err := b.CreateTopic("tasks", "admin", &TopicOverrides{RequireAck: &ack})
	require.NoError(t, err)

	sink := &collector{}
	sub, err := b.Subscribe("client-1", []string{"tasks"}, sink, nil)
	require.NoError(t, err)

	msg, err := b.Publish("tasks", nil, "pub-1", nil)
	require.NoError(t, err)

	// Delivered immediately but retained until acknowledged.
	assert.Equal(t, 1, sink.count())
	assert.Equal(t, 1, b.Queues().Depth(sub.ID))

	assert.True(t, b.Ack(sub.ID, msg.ID))
	assert.Equal(t, 0, b.Queues().Depth(sub.ID))
}

func TestNackExhaustsRetriesIntoDLQ(t *testing.T) {
	b := newTestBroker(t)
	ack := true
	retries := 2
	_, err := b.CreateTopic("tasks", "admin", &TopicOverrides{RequireAck: &ack, MaxRetries: &retries})
	require.NoError(t, err)

	sink := &collector{}
	sub, err := b.Subscribe("client-1", []string{"tasks"}, sink, nil)
	require.NoError(t, err)

	msg, err := b.Publish("tasks", nil, "pub-1", nil)
	require.NoError(t, err)

	assert.True(t, b.Nack(sub.ID, msg.ID, "processing failed"))
	assert.Equal(t, 1, b.Queues().Depth(sub.ID))
	// Second nack reaches the retry cap and promotes.
	assert.True(t, b.Nack(sub.ID, msg.ID, "processing failed"))
	assert.Equal(t, 0, b.Queues().Depth(sub.ID))

	entries := b.DeadLetters()
	require.Len(t, entries, 1)
	assert.Equal(t, msg.ID, entries[0].Message.ID)
	assert.Equal(t, "tasks", entries[0].OriginalTopic)
}

func TestCatchAllSubscriberReceivesEverythingOnce(t *testing.T) {
	b := newTestBroker(t)
	sink := &collector{}
	// Subscribed both to a concrete topic and to the catch-all: each
	// message still arrives once.
	_, err := b.Subscribe("client-1", []string{"orders", "#"}, sink, nil)
	require.NoError(t, err)

	_, err = b.Publish("orders", nil, "pub-1", nil)
	require.NoError(t, err)
	_, err = b.Publish("payments", nil, "pub-1", nil)
	require.NoError(t, err)

	assert.Equal(t, 2, sink.count())
}

func TestSubscribeWithFilter(t *testing.T) {
	b := newTestBroker(t)
	sink := &collector{}
	_, err := b.Subscribe("client-1", []string{"events"}, sink, &FilterSpec{
		Headers: map[string]string{"region": "eu"},
	})
	require.NoError(t, err)

	_, err = b.Publish("events", nil, "pub-1", &PublishOptions{Headers: map[string]string{"region": "eu"}})
	require.NoError(t, err)
	_, err = b.Publish("events", nil, "pub-1", &PublishOptions{Headers: map[string]string{"region": "us"}})
	require.NoError(t, err)

	assert.Equal(t, 1, sink.count())
}

func TestSinkFailureFallsBackToQueue(t *testing.T) {
	b := newTestBroker(t)
	sink := &collector{fail: errors.New("connection reset")}
	sub, err := b.Subscribe("client-1", []string{"jobs"}, sink, nil)
	require.NoError(t, err)

	var failed []Event
	var mu sync.Mutex
	b.OnEvent(func(ev Event) {
		if ev.Type == EventMessageFailed {
			mu.Lock()
			failed = append(failed, ev)
			mu.Unlock()
		}
	})

	_, err = b.Publish("jobs", nil, "pub-1", nil)
	require.NoError(t, err)

	assert.Equal(t, 1, b.Queues().Depth(sub.ID))
	mu.Lock()
	assert.NotEmpty(t, failed)
	mu.Unlock()
}

func TestConsumerGroupRoundRobinViaRouting(t *testing.T) {
	b := newTestBroker(t)
	_, err := b.Groups().Create("workers", "jobs", StrategyRoundRobin)
	require.NoError(t, err)

	var mu sync.Mutex
	var order []string
	sinks := make(map[string]*collector)
	for _, client := range []string{"w1", "w2", "w3"} {
		client := client
		sink := &collector{}
		recorder := SinkFunc(func(msg *Message) error {
			mu.Lock()
			order = append(order, client)
			mu.Unlock()
			return sink.Deliver(msg)
		})
		sub, err := b.Subscribe(client, []string{"jobs"}, recorder, nil)
		require.NoError(t, err)
		_, err = b.Groups().Join("workers", sub.ID, client)
		require.NoError(t, err)
		sinks[client] = sink
	}

	for i := 0; i < 6; i++ {
		_, err := b.Publish("jobs", nil, "pub-1", nil)
		require.NoError(t, err)
	}

	// Load is shared, not duplicated, and strictly interleaved.
	assert.Equal(t, 2, sinks["w1"].count())
	assert.Equal(t, 2, sinks["w2"].count())
	assert.Equal(t, 2, sinks["w3"].count())
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"w1", "w2", "w3", "w1", "w2", "w3"}, order)
}

func TestUnsubscribePartialAndTotal(t *testing.T) {
	b := newTestBroker(t)
	sink := &collector{}
	sub, err := b.Subscribe("client-1", []string{"a", "b"}, sink, nil)
	require.NoError(t, err)

	require.NoError(t, b.Unsubscribe(sub.ID, []string{"a"}))
	_, err = b.Publish("a", nil, "pub-1", nil)
	require.NoError(t, err)
	_, err = b.Publish("b", nil, "pub-1", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, sink.count())

	require.NoError(t, b.Unsubscribe(sub.ID, nil))
	_, ok := b.GetSubscriber(sub.ID)
	assert.False(t, ok)

	err = b.Unsubscribe(sub.ID, nil)
	require.Error(t, err)
	assert.Equal(t, ErrCodeNotFound, GetBrokerError(err).Code)
}

func TestRetryDeadLetterReroutes(t *testing.T) {
	b := newTestBroker(t)
	ack := true
	retries := 1
	_, err := b.CreateTopic("tasks", "admin", &TopicOverrides{RequireAck: &ack, MaxRetries: &retries})
	require.NoError(t, err)

	sink := &collector{}
	sub, err := b.Subscribe("client-1", []string{"tasks"}, sink, nil)
	require.NoError(t, err)

	msg, err := b.Publish("tasks", nil, "pub-1", nil)
	require.NoError(t, err)
	require.True(t, b.Nack(sub.ID, msg.ID, "boom"))
	require.Len(t, b.DeadLetters(), 1)

	before := sink.count()
	require.NoError(t, b.RetryDeadLetter(msg.ID, "admin"))
	assert.Empty(t, b.DeadLetters())
	assert.Equal(t, before+1, sink.count())

	err = b.RetryDeadLetter(msg.ID, "admin")
	require.Error(t, err)
	assert.Equal(t, ErrCodeNotFound, GetBrokerError(err).Code)
}

func TestTopicHistoryAndStats(t *testing.T) {
	b := newTestBroker(t)
	for i := 0; i < 3; i++ {
		_, err := b.Publish("metrics.test", json.RawMessage(`{"i":1}`), "pub-1", nil)
		require.NoError(t, err)
	}

	history := b.TopicHistory("metrics.test", 0)
	assert.Len(t, history, 3)

	stats := b.Stats()
	assert.Equal(t, int64(3), stats.TotalMessages)
	assert.Equal(t, 1, stats.Topics)
	assert.Greater(t, stats.MessagesPerSecond, 0.0)
}

// pruningStore records retention sweeps against the persisted log.
type pruningStore struct {
	NopStore
	mu      sync.Mutex
	cutoffs []time.Time
}

func (s *pruningStore) DeleteMessagesOlderThan(cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cutoffs = append(s.cutoffs, cutoff)
	return 1, nil
}

func TestJanitorPrunesPersistedMessages(t *testing.T) {
	store := &pruningStore{}
	b := newTestBroker(t, func(o *Options) {
		o.Store = store
		o.StoreMessageRetention = 24 * time.Hour
	})
	b.runJanitor()

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Len(t, store.cutoffs, 1)
	assert.WithinDuration(t, time.Now().Add(-24*time.Hour), store.cutoffs[0], time.Minute)
}

func TestJanitorSkipsStorePruneWhenRetentionUnset(t *testing.T) {
	store := &pruningStore{}
	b := newTestBroker(t, func(o *Options) { o.Store = store })
	b.runJanitor()

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Empty(t, store.cutoffs)
}

func TestDrainDeliversOncePerPassAndKeepsQueueBounded(t *testing.T) {
	b := newTestBroker(t)
	ack := true
	size := 2
	_, err := b.CreateTopic("tasks", "admin", &TopicOverrides{RequireAck: &ack, MaxQueueSize: &size})
	require.NoError(t, err)

	sink := &collector{}
	sub, err := b.Subscribe("client-1", []string{"tasks"}, sink, nil)
	require.NoError(t, err)
	require.NoError(t, b.SetOnline(sub.ID, false))

	msgA, err := b.Publish("tasks", nil, "pub-1", nil)
	require.NoError(t, err)
	msgB, err := b.Publish("tasks", nil, "pub-1", nil)
	require.NoError(t, err)
	// B sits in backoff, so the drain loop sees A a second time.
	require.True(t, b.Nack(sub.ID, msgB.ID, "later"))

	require.NoError(t, b.SetOnline(sub.ID, true))

	// A is delivered once and re-queued within the topic's cap; B stays
	// queued awaiting its retry. Nothing overflows to the DLQ.
	assert.Equal(t, 1, sink.count())
	assert.Equal(t, msgA.ID, sink.last().ID)
	assert.Equal(t, 2, b.Queues().Depth(sub.ID))
	assert.Empty(t, b.DeadLetters())
}

func TestEventsEmitted(t *testing.T) {
	b := newTestBroker(t)
	var mu sync.Mutex
	seen := make(map[EventType]int)
	b.OnEvent(func(ev Event) {
		mu.Lock()
		seen[ev.Type]++
		mu.Unlock()
	})

	sink := &collector{}
	sub, err := b.Subscribe("client-1", []string{"evt"}, sink, nil)
	require.NoError(t, err)
	_, err = b.Publish("evt", nil, "pub-1", nil)
	require.NoError(t, err)
	require.NoError(t, b.Unsubscribe(sub.ID, nil))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, seen[EventSubscriberConnected])
	assert.Equal(t, 1, seen[EventMessagePublished])
	assert.Equal(t, 1, seen[EventMessageDelivered])
	assert.Equal(t, 1, seen[EventSubscriberDisconnected])
	assert.Equal(t, 1, seen[EventTopicCreated])
}

func TestEventHandlerPanicIsContained(t *testing.T) {
	b := newTestBroker(t)
	b.OnEvent(func(Event) { panic("handler bug") })

	_, err := b.Publish("safe", nil, "pub-1", nil)
	require.NoError(t, err)
}

func TestDeleteTopicIdempotent(t *testing.T) {
	b := newTestBroker(t)
	_, err := b.CreateTopic("gone", "admin", nil)
	require.NoError(t, err)

	existed, err := b.DeleteTopic("gone", "admin")
	require.NoError(t, err)
	assert.True(t, existed)

	existed, err = b.DeleteTopic("gone", "admin")
	require.NoError(t, err)
	assert.False(t, existed)
}
