package broker

import (
	"encoding/json"
	"math/rand/v2"
	"strconv"
	"time"
)

// Message is a single published message. Messages are immutable after
// publication; components share pointers and never mutate the payload.
type Message struct {
	// ID uniquely identifies the message.
	ID string `json:"id"`
	// Topic is the topic the message was published to.
	Topic string `json:"topic"`
	// Payload is the opaque message body. It may be any JSON value;
	// the broker only inspects it for sticky-key extraction and
	// payload filters.
	Payload json.RawMessage `json:"payload"`
	// Publisher identifies the publishing client.
	Publisher string `json:"publisher"`
	// Timestamp is the publication time.
	Timestamp time.Time `json:"timestamp"`
	// Headers carry optional string metadata.
	Headers map[string]string `json:"headers,omitempty"`
	// TTL is the message time-to-live relative to Timestamp. Zero
	// means the message never expires.
	TTL time.Duration `json:"ttl,omitempty"`
	// CorrelationID links a request to its reply.
	CorrelationID string `json:"correlation_id,omitempty"`
	// ReplyTo is the topic a reply should be published to.
	ReplyTo string `json:"reply_to,omitempty"`
}

// NewMessage creates a message with a fresh ID and timestamp.
func NewMessage(topic string, payload json.RawMessage, publisher string) *Message {
	return &Message{
		ID:        newMessageID(),
		Topic:     topic,
		Payload:   payload,
		Publisher: publisher,
		Timestamp: time.Now(),
	}
}

// Expired reports whether the message's TTL has elapsed.
func (m *Message) Expired(now time.Time) bool {
	if m.TTL <= 0 {
		return false
	}
	return m.Timestamp.Add(m.TTL).Before(now)
}

// PayloadMap decodes the payload as a JSON object. It returns nil when
// the payload is not an object; callers treat that as "no fields".
func (m *Message) PayloadMap() map[string]interface{} {
	if len(m.Payload) == 0 {
		return nil
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(m.Payload, &fields); err != nil {
		return nil
	}
	return fields
}

// QueuedMessage is a message held in a subscriber's queue together
// with its delivery bookkeeping.
type QueuedMessage struct {
	// Message is the queued message.
	Message *Message `json:"message"`
	// Subscriber is the owning subscriber ID.
	Subscriber string `json:"subscriber"`
	// QueuedAt is when the message entered the queue.
	QueuedAt time.Time `json:"queued_at"`
	// Attempts counts failed delivery attempts.
	Attempts int `json:"attempts"`
	// MaxRetries caps Attempts before dead-lettering.
	MaxRetries int `json:"max_retries"`
	// NextRetryAt delays redelivery after a nack. Zero means the
	// message is ready immediately.
	NextRetryAt time.Time `json:"next_retry_at,omitempty"`
}

// Ready reports whether the message may be delivered at the given time.
func (q *QueuedMessage) Ready(now time.Time) bool {
	return q.NextRetryAt.IsZero() || !q.NextRetryAt.After(now)
}

const idAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// newMessageID builds an ID from the millisecond timestamp in base36
// plus a random base36 suffix, matching the wire format consumers
// already parse.
func newMessageID() string {
	buf := make([]byte, 0, 22)
	buf = strconv.AppendInt(buf, time.Now().UnixMilli(), 36)
	buf = append(buf, '-')
	for i := 0; i < 8; i++ {
		buf = append(buf, idAlphabet[rand.IntN(len(idAlphabet))])
	}
	return string(buf)
}
