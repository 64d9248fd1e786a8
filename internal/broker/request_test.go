package broker

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoResponder subscribes to topic and replies to every request with
// the given payload.
func echoResponder(t *testing.T, b *Broker, topic string, payload json.RawMessage) {
	t.Helper()
	sink := SinkFunc(func(msg *Message) error {
		_, err := b.Reply(msg, payload, "responder")
		return err
	})
	_, err := b.Subscribe("responder", []string{topic}, sink, nil)
	require.NoError(t, err)
}

func TestRequestReplyRoundTrip(t *testing.T) {
	b := newTestBroker(t)
	echoResponder(t, b, "svc.echo", json.RawMessage(`{"answer":42}`))

	resp, err := b.Request(context.Background(), "svc.echo", json.RawMessage(`{"q":"?"}`), "requester", time.Second)
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.JSONEq(t, `{"answer":42}`, string(resp.Payload))
	assert.NotEmpty(t, resp.CorrelationID)

	// The transient reply plumbing is torn down after settlement.
	assert.Equal(t, 0, b.correlator.PendingCount())
	for _, topic := range b.MatchTopics("_reply.#") {
		t.Errorf("reply topic %q leaked", topic)
	}
}

func TestRequestTimeout(t *testing.T) {
	b := newTestBroker(t)
	// Nobody subscribed to the request topic: the reply never comes.
	_, err := b.Request(context.Background(), "svc.silent", nil, "requester", 30*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTimeout))
	assert.Equal(t, ErrCodeTimeout, GetBrokerError(err).Code)

	// Timeout tears down the same resources a reply would: pending
	// entry, transient subscription, reply topic.
	assert.Equal(t, 0, b.correlator.PendingCount())
	assert.Empty(t, b.MatchTopics("_reply.#"))
	for _, sub := range b.Subscribers() {
		assert.NotEqual(t, "requester", sub.ClientID)
	}
}

func TestRequestContextCancel(t *testing.T) {
	b := newTestBroker(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := b.Request(ctx, "svc.slow", nil, "requester", time.Second)
	require.Error(t, err)
	assert.Equal(t, ErrCodeCanceled, GetBrokerError(err).Code)
	assert.Equal(t, 0, b.correlator.PendingCount())
}

func TestReplyWithoutReplyToIsNoop(t *testing.T) {
	b := newTestBroker(t)
	msg := NewMessage("plain", nil, "pub")

	resp, err := b.Reply(msg, json.RawMessage(`{}`), "responder")
	require.NoError(t, err)
	assert.Nil(t, resp)
}

func TestRequestCorrelationFiltersStrayReplies(t *testing.T) {
	b := newTestBroker(t)

	// Responder sends a stray uncorrelated message before the real
	// reply; only the correlated one settles the request.
	sink := SinkFunc(func(msg *Message) error {
		stray := &Message{ReplyTo: msg.ReplyTo, CorrelationID: "wrong"}
		if _, err := b.Reply(stray, json.RawMessage(`{"stray":true}`), "responder"); err != nil {
			return err
		}
		_, err := b.Reply(msg, json.RawMessage(`{"real":true}`), "responder")
		return err
	})
	_, err := b.Subscribe("responder", []string{"svc.mixed"}, sink, nil)
	require.NoError(t, err)

	resp, err := b.Request(context.Background(), "svc.mixed", nil, "requester", time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"real":true}`, string(resp.Payload))
}

func TestRequestSanitizesRequesterInReplyTopic(t *testing.T) {
	b := newTestBroker(t)

	var replyTo string
	sink := SinkFunc(func(msg *Message) error {
		replyTo = msg.ReplyTo
		_, err := b.Reply(msg, json.RawMessage(`{"ok":true}`), "responder")
		return err
	})
	_, err := b.Subscribe("responder", []string{"svc.lookup"}, sink, nil)
	require.NoError(t, err)

	// Requester ids come from clients and may carry characters the
	// topic charset rejects; the reply topic must still validate.
	resp, err := b.Request(context.Background(), "svc.lookup", nil, "user 7/web#1", time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(resp.Payload))
	assert.True(t, strings.HasPrefix(replyTo, "_reply.user-7-web-1."), "got %q", replyTo)
	assert.Empty(t, b.MatchTopics("_reply.#"))
}

func TestReplyTopicNaming(t *testing.T) {
	b := newTestBroker(t)

	var replyTo string
	sink := SinkFunc(func(msg *Message) error {
		replyTo = msg.ReplyTo
		_, err := b.Reply(msg, nil, "responder")
		return err
	})
	_, err := b.Subscribe("responder", []string{"svc.naming"}, sink, nil)
	require.NoError(t, err)

	_, err = b.Request(context.Background(), "svc.naming", nil, "req-7", time.Second)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(replyTo, "_reply.req-7."), "got %q", replyTo)
}
