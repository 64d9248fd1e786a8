package broker

import (
	"sync"
	"time"
)

// Sink consumes messages delivered to a subscriber. Implementations
// must be non-blocking or own backpressure for their connection.
type Sink interface {
	Deliver(msg *Message) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(msg *Message) error

// Deliver implements Sink.
func (f SinkFunc) Deliver(msg *Message) error { return f(msg) }

// Subscriber is an identified endpoint consuming messages from a set
// of topics.
type Subscriber struct {
	// ID uniquely identifies the subscriber.
	ID string `json:"id"`
	// ClientID is the owning client.
	ClientID string `json:"client_id"`
	// Topics is the set of subscribed topic names; the literal "#"
	// subscribes to everything.
	Topics map[string]struct{} `json:"topics"`
	// CreatedAt is the subscription time.
	CreatedAt time.Time `json:"created_at"`
	// LastActive is updated on every delivery and ack.
	LastActive time.Time `json:"last_active"`
	// Online marks whether the subscriber's sink is reachable.
	Online bool `json:"online"`
	// Pending caches the queue depth.
	Pending int `json:"pending"`
	// Delivered counts successful sink deliveries.
	Delivered int64 `json:"delivered"`

	filter *Filter
}

// TopicList returns the subscribed topics as a slice.
func (s *Subscriber) TopicList() []string {
	out := make([]string, 0, len(s.Topics))
	for name := range s.Topics {
		out = append(out, name)
	}
	return out
}

// Publisher is an identified message source, tracked for stats only.
type Publisher struct {
	ID        string    `json:"id"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
	Messages  int64     `json:"messages"`
}

// rateWindow tracks publish timestamps over a sliding window to
// report messages per second.
type rateWindow struct {
	mu     sync.Mutex
	window time.Duration
	stamps []time.Time
}

func newRateWindow(window time.Duration) *rateWindow {
	return &rateWindow{window: window}
}

func (w *rateWindow) record(t time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stamps = append(w.stamps, t)
	w.pruneLocked(t)
}

func (w *rateWindow) perSecond(now time.Time) float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked(now)
	return float64(len(w.stamps)) / w.window.Seconds()
}

func (w *rateWindow) pruneLocked(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.stamps) && w.stamps[i].Before(cutoff) {
		i++
	}
	w.stamps = w.stamps[i:]
}
