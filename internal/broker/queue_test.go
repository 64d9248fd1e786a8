package broker

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func queued(subID string, maxRetries int) *QueuedMessage {
	return &QueuedMessage{
		Message:    NewMessage("test.topic", nil, "pub"),
		Subscriber: subID,
		QueuedAt:   time.Now(),
		MaxRetries: maxRetries,
	}
}

func TestQueueFIFO(t *testing.T) {
	q := NewSubscriberQueues(NewDeadLetterStore(0))

	first := queued("sub", 3)
	second := queued("sub", 3)
	q.Enqueue("sub", first, 10)
	q.Enqueue("sub", second, 10)

	assert.Equal(t, 2, q.Depth("sub"))
	assert.Equal(t, first.Message.ID, q.Dequeue("sub").Message.ID)
	assert.Equal(t, second.Message.ID, q.Dequeue("sub").Message.ID)
	assert.Nil(t, q.Dequeue("sub"))
}

func TestQueueOverflowEvictsOldestToDLQ(t *testing.T) {
	dlq := NewDeadLetterStore(0)
	q := NewSubscriberQueues(dlq)

	var dead []*DeadLetterEntry
	q.OnDeadLetter(func(e *DeadLetterEntry) { dead = append(dead, e) })

	oldest := queued("sub", 3)
	q.Enqueue("sub", oldest, 2)
	q.Enqueue("sub", queued("sub", 3), 2)
	q.Enqueue("sub", queued("sub", 3), 2)

	assert.Equal(t, 2, q.Depth("sub"))
	require.Equal(t, 1, dlq.Count())
	entry, ok := dlq.Get(oldest.Message.ID)
	require.True(t, ok)
	assert.Equal(t, ReasonQueueOverflow, entry.Reason)
	require.Len(t, dead, 1)
	assert.Equal(t, oldest.Message.ID, dead[0].Message.ID)
}

func TestQueueAck(t *testing.T) {
	q := NewSubscriberQueues(NewDeadLetterStore(0))
	qmsg := queued("sub", 3)
	q.Enqueue("sub", qmsg, 10)

	assert.True(t, q.Ack("sub", qmsg.Message.ID))
	assert.Equal(t, 0, q.Depth("sub"))
	assert.False(t, q.Ack("sub", qmsg.Message.ID))
}

func TestQueueNackSchedulesBackoff(t *testing.T) {
	q := NewSubscriberQueues(NewDeadLetterStore(0))
	qmsg := queued("sub", 5)
	q.Enqueue("sub", qmsg, 10)

	require.True(t, q.Nack("sub", qmsg.Message.ID, "boom"))
	assert.Equal(t, 1, qmsg.Attempts)
	// Still queued but not ready until the backoff elapses.
	assert.Equal(t, 1, q.Depth("sub"))
	assert.Nil(t, q.Dequeue("sub"))
	assert.False(t, qmsg.Ready(time.Now()))
	assert.True(t, qmsg.Ready(time.Now().Add(3*time.Second)))
}

func TestQueueNackPromotesToDLQ(t *testing.T) {
	dlq := NewDeadLetterStore(0)
	q := NewSubscriberQueues(dlq)
	qmsg := queued("sub", 1)
	q.Enqueue("sub", qmsg, 10)

	require.True(t, q.Nack("sub", qmsg.Message.ID, ""))
	assert.Equal(t, 0, q.Depth("sub"))
	require.Equal(t, 1, dlq.Count())
	entry, ok := dlq.Get(qmsg.Message.ID)
	require.True(t, ok)
	assert.Equal(t, ReasonMaxRetries, entry.Reason)
	assert.Equal(t, "sub", entry.Subscriber)
}

func TestBackoffBounds(t *testing.T) {
	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{5, 32 * time.Second},
		{6, time.Minute},
		{10, time.Minute},
		{100, time.Minute},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("attempts=%d", tc.attempts), func(t *testing.T) {
			assert.Equal(t, tc.want, backoffFor(tc.attempts))
		})
	}
}

func TestQueuePurgeExpired(t *testing.T) {
	q := NewSubscriberQueues(NewDeadLetterStore(0))

	expired := queued("sub", 3)
	expired.Message.TTL = time.Millisecond
	expired.Message.Timestamp = time.Now().Add(-time.Second)
	q.Enqueue("sub", expired, 10)
	q.Enqueue("sub", queued("sub", 3), 10)

	assert.Equal(t, 1, q.PurgeExpired())
	assert.Equal(t, 1, q.Depth("sub"))
}

func TestQueueClear(t *testing.T) {
	q := NewSubscriberQueues(NewDeadLetterStore(0))
	q.Enqueue("sub", queued("sub", 3), 10)
	q.Enqueue("other", queued("other", 3), 10)

	q.Clear("sub")
	assert.Equal(t, 0, q.Depth("sub"))
	assert.Equal(t, 1, q.TotalDepth())
}
