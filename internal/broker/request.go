package broker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultRequestTimeout bounds requests that pass no explicit timeout.
const DefaultRequestTimeout = 30 * time.Second

// replyTopicPrefix namespaces the transient reply topics.
const replyTopicPrefix = "_reply."

type requestResult struct {
	msg *Message
	err error
}

// pendingRequest is a settle-once future: reply arrival, timeout, and
// cancellation race, and exactly one of them wins.
type pendingRequest struct {
	correlationID string
	requester     string
	topic         string
	sentAt        time.Time
	timeout       time.Duration

	once sync.Once
	done chan requestResult
}

func (p *pendingRequest) settle(msg *Message, err error) {
	p.once.Do(func() {
		p.done <- requestResult{msg: msg, err: err}
	})
}

// RequestCorrelator turns asynchronous delivery into a synchronous
// await: it allocates correlation ids, registers pending requests,
// matches replies, and enforces timeouts.
type RequestCorrelator struct {
	b *Broker

	mu      sync.Mutex
	pending map[string]*pendingRequest
}

func newRequestCorrelator(b *Broker) *RequestCorrelator {
	return &RequestCorrelator{
		b:       b,
		pending: make(map[string]*pendingRequest),
	}
}

// Request publishes to topic and suspends the caller until a
// correlated reply arrives, the timeout elapses, or ctx is canceled.
// The transient reply subscription and topic are torn down on the same
// path as settlement.
func (c *RequestCorrelator) Request(ctx context.Context, topic string, payload json.RawMessage, requesterID string, timeout time.Duration) (*Message, error) {
	if timeout <= 0 {
		timeout = c.b.requestTimeout
	}
	correlationID := uuid.NewString()
	replyTopic := replyTopicPrefix + sanitizeTopicSegment(requesterID) + "." + correlationID

	p := &pendingRequest{
		correlationID: correlationID,
		requester:     requesterID,
		topic:         topic,
		sentAt:        time.Now(),
		timeout:       timeout,
		done:          make(chan requestResult, 1),
	}
	c.mu.Lock()
	c.pending[correlationID] = p
	c.mu.Unlock()

	sink := SinkFunc(func(msg *Message) error {
		if msg.CorrelationID == correlationID {
			p.settle(msg, nil)
		}
		return nil
	})
	sub, err := c.b.Subscribe(requesterID, []string{replyTopic}, sink, nil)
	if err != nil {
		c.remove(correlationID)
		return nil, err
	}

	cleanup := func() {
		c.remove(correlationID)
		_ = c.b.Unsubscribe(sub.ID, nil)
		c.b.deleteTopicQuiet(replyTopic)
	}

	if _, err := c.b.Publish(topic, payload, requesterID, &PublishOptions{
		CorrelationID: correlationID,
		ReplyTo:       replyTopic,
	}); err != nil {
		cleanup()
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-p.done:
		cleanup()
		return res.msg, res.err
	case <-timer.C:
		p.settle(nil, TimeoutError(topic, correlationID))
		res := <-p.done
		cleanup()
		return res.msg, res.err
	case <-ctx.Done():
		p.settle(nil, CanceledError(topic))
		res := <-p.done
		cleanup()
		return res.msg, res.err
	}
}

// Reply publishes a correlated reply to the original message's
// reply-to topic. Messages without both a reply-to and a correlation
// id produce no reply.
func (c *RequestCorrelator) Reply(origin *Message, payload json.RawMessage, replierID string) (*Message, error) {
	if origin == nil || origin.ReplyTo == "" || origin.CorrelationID == "" {
		return nil, nil
	}
	return c.b.Publish(origin.ReplyTo, payload, replierID, &PublishOptions{
		CorrelationID: origin.CorrelationID,
	})
}

// PendingCount reports the number of in-flight requests.
func (c *RequestCorrelator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// close settles every in-flight request as canceled.
func (c *RequestCorrelator) close() {
	c.mu.Lock()
	pending := make([]*pendingRequest, 0, len(c.pending))
	for _, p := range c.pending {
		pending = append(pending, p)
	}
	c.mu.Unlock()
	for _, p := range pending {
		p.settle(nil, CanceledError(p.topic))
	}
}

func (c *RequestCorrelator) remove(correlationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, correlationID)
}

// sanitizeTopicSegment maps a client-supplied id onto the topic
// charset so reply topic names always validate. Wildcard tokens are
// rewritten too, keeping reply topics out of the catch-all namespace.
// Uniqueness comes from the correlation id, not this segment.
func sanitizeTopicSegment(s string) string {
	if s == "" {
		return "anonymous"
	}
	out := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9',
			c == '.', c == '_', c == '-':
			out[i] = c
		default:
			out[i] = '-'
		}
	}
	return string(out)
}
