package broker

import (
	"sync"
	"time"
)

const (
	// backoffBase is the first nack redelivery delay.
	backoffBase = time.Second
	// backoffCap bounds the exponential backoff.
	backoffCap = time.Minute

	// ReasonQueueOverflow tags entries evicted from a full queue.
	ReasonQueueOverflow = "queue overflow"
	// ReasonMaxRetries tags entries that exhausted their retries.
	ReasonMaxRetries = "max retries exceeded"
)

// SubscriberQueues holds the bounded per-subscriber FIFO queues with
// retry scheduling. Messages leave a queue only via ack, TTL purge, or
// dead-letter promotion.
type SubscriberQueues struct {
	mu     sync.Mutex
	queues map[string][]*QueuedMessage
	dlq    *DeadLetterStore

	// onDeadLetter observes every promotion to the DLQ. May be nil.
	onDeadLetter func(*DeadLetterEntry)
}

// NewSubscriberQueues creates the queue set backed by the given DLQ.
func NewSubscriberQueues(dlq *DeadLetterStore) *SubscriberQueues {
	return &SubscriberQueues{
		queues: make(map[string][]*QueuedMessage),
		dlq:    dlq,
	}
}

// OnDeadLetter registers the dead-letter observer.
func (q *SubscriberQueues) OnDeadLetter(fn func(*DeadLetterEntry)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onDeadLetter = fn
}

// Enqueue appends a message to the subscriber's queue. At capacity the
// oldest entry is evicted and promoted to the DLQ with the overflow
// reason.
func (q *SubscriberQueues) Enqueue(subID string, qmsg *QueuedMessage, maxQueueSize int) {
	if maxQueueSize <= 0 {
		maxQueueSize = DefaultMaxQueueSize
	}

	var evicted *QueuedMessage
	q.mu.Lock()
	queue := q.queues[subID]
	if len(queue) >= maxQueueSize {
		evicted = queue[0]
		queue = queue[1:]
	}
	q.queues[subID] = append(queue, qmsg)
	notify := q.onDeadLetter
	q.mu.Unlock()

	if evicted != nil {
		q.deadLetter(evicted, ReasonQueueOverflow, notify)
	}
}

// Dequeue removes and returns the first ready message: entries still
// awaiting their backoff are skipped, not reordered around.
func (q *SubscriberQueues) Dequeue(subID string) *QueuedMessage {
	now := time.Now()
	q.mu.Lock()
	defer q.mu.Unlock()
	queue := q.queues[subID]
	for i, qmsg := range queue {
		if qmsg.Ready(now) {
			q.queues[subID] = append(queue[:i:i], queue[i+1:]...)
			return qmsg
		}
	}
	return nil
}

// Peek returns the first ready message without removing it.
func (q *SubscriberQueues) Peek(subID string) *QueuedMessage {
	now := time.Now()
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, qmsg := range q.queues[subID] {
		if qmsg.Ready(now) {
			return qmsg
		}
	}
	return nil
}

// All returns a snapshot of the subscriber's queue in FIFO order.
func (q *SubscriberQueues) All(subID string) []*QueuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	queue := q.queues[subID]
	out := make([]*QueuedMessage, len(queue))
	copy(out, queue)
	return out
}

// Depth returns the subscriber's queue length.
func (q *SubscriberQueues) Depth(subID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[subID])
}

// TotalDepth returns the length of all queues combined.
func (q *SubscriberQueues) TotalDepth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	total := 0
	for _, queue := range q.queues {
		total += len(queue)
	}
	return total
}

// Ack removes the message by id, reporting whether it was found.
func (q *SubscriberQueues) Ack(subID, messageID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	queue := q.queues[subID]
	for i, qmsg := range queue {
		if qmsg.Message.ID == messageID {
			q.queues[subID] = append(queue[:i:i], queue[i+1:]...)
			return true
		}
	}
	return false
}

// Nack records a failed delivery. When attempts reach the retry cap
// the message is promoted to the DLQ; otherwise redelivery is
// scheduled with exponential backoff capped at one minute.
func (q *SubscriberQueues) Nack(subID, messageID, reason string) bool {
	var promoted *QueuedMessage
	var notify func(*DeadLetterEntry)

	q.mu.Lock()
	queue := q.queues[subID]
	found := false
	for i, qmsg := range queue {
		if qmsg.Message.ID != messageID {
			continue
		}
		found = true
		qmsg.Attempts++
		if qmsg.Attempts >= qmsg.MaxRetries {
			q.queues[subID] = append(queue[:i:i], queue[i+1:]...)
			promoted = qmsg
			notify = q.onDeadLetter
		} else {
			qmsg.NextRetryAt = time.Now().Add(backoffFor(qmsg.Attempts))
		}
		break
	}
	q.mu.Unlock()

	if promoted != nil {
		if reason == "" {
			reason = ReasonMaxRetries
		}
		q.deadLetter(promoted, reason, notify)
	}
	return found
}

// Clear drops the subscriber's queue entirely.
func (q *SubscriberQueues) Clear(subID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.queues, subID)
}

// PurgeExpired removes queued messages whose TTL elapsed and returns
// the count purged.
func (q *SubscriberQueues) PurgeExpired() int {
	now := time.Now()
	q.mu.Lock()
	defer q.mu.Unlock()
	purged := 0
	for subID, queue := range q.queues {
		kept := queue[:0]
		for _, qmsg := range queue {
			if qmsg.Message.Expired(now) {
				purged++
			} else {
				kept = append(kept, qmsg)
			}
		}
		if len(kept) == 0 {
			delete(q.queues, subID)
		} else {
			q.queues[subID] = kept
		}
	}
	return purged
}

func (q *SubscriberQueues) deadLetter(qmsg *QueuedMessage, reason string, notify func(*DeadLetterEntry)) {
	entry := &DeadLetterEntry{
		Message:       qmsg.Message,
		Reason:        reason,
		FailedAt:      time.Now(),
		OriginalTopic: qmsg.Message.Topic,
		Subscriber:    qmsg.Subscriber,
	}
	q.dlq.Push(entry)
	if notify != nil {
		notify(entry)
	}
}

// backoffFor returns min(1s * 2^attempts, 60s).
func backoffFor(attempts int) time.Duration {
	if attempts >= 6 {
		return backoffCap
	}
	d := backoffBase << uint(attempts)
	if d > backoffCap {
		return backoffCap
	}
	return d
}
