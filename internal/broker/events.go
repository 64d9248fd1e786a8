package broker

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// EventType tags a broker lifecycle event.
type EventType string

const (
	EventMessagePublished      EventType = "message:published"
	EventMessageDelivered      EventType = "message:delivered"
	EventMessageQueued         EventType = "message:queued"
	EventMessageFailed         EventType = "message:failed"
	EventSubscriberConnected   EventType = "subscriber:connected"
	EventSubscriberDisconnected EventType = "subscriber:disconnected"
	EventTopicCreated          EventType = "topic:created"
	EventTopicDeleted          EventType = "topic:deleted"
	EventDeadLetterDropped     EventType = "dlq:dropped"
)

// Event is a broker lifecycle notification delivered to observers.
type Event struct {
	Type       EventType `json:"type"`
	Topic      string    `json:"topic,omitempty"`
	Message    *Message  `json:"message,omitempty"`
	Subscriber string    `json:"subscriber,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Time       time.Time `json:"time"`
}

// EventHandler observes broker events. Handlers must not block;
// panics are recovered and logged, never propagated into the
// originating operation.
type EventHandler func(Event)

type eventBus struct {
	mu       sync.RWMutex
	handlers []EventHandler
	logger   *logrus.Entry
}

func newEventBus(logger *logrus.Logger) *eventBus {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &eventBus{logger: logger.WithField("component", "events")}
}

func (b *eventBus) subscribe(h EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

func (b *eventBus) emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	b.mu.RLock()
	handlers := b.handlers
	b.mu.RUnlock()
	for _, h := range handlers {
		b.dispatch(h, ev)
	}
}

func (b *eventBus) dispatch(h EventHandler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.WithFields(logrus.Fields{
				"event": ev.Type,
				"panic": r,
			}).Error("event handler panicked")
		}
	}()
	h(ev)
}
