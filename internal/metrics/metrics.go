// Package metrics exposes broker activity as Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/relaymq/relaymq/internal/broker"
)

// Metrics holds the broker's Prometheus collectors. Counters follow
// broker events; gauges sample broker stats at scrape time.
type Metrics struct {
	Published   *prometheus.CounterVec
	Delivered   *prometheus.CounterVec
	Queued      *prometheus.CounterVec
	Failed      *prometheus.CounterVec
	DeadDropped prometheus.Counter
	Latency     prometheus.Histogram

	Connects    prometheus.Counter
	Disconnects prometheus.Counter
}

// New registers the collectors on reg and wires them to the broker's
// event stream and stats.
func New(reg prometheus.Registerer, namespace string, b *broker.Broker) *Metrics {
	if namespace == "" {
		namespace = "relaymq"
	}
	factory := promauto.With(reg)

	m := &Metrics{
		Published: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_published_total",
			Help:      "Messages published, by topic.",
		}, []string{"topic"}),
		Delivered: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_delivered_total",
			Help:      "Messages delivered to subscriber sinks, by topic.",
		}, []string{"topic"}),
		Queued: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_queued_total",
			Help:      "Messages placed in subscriber queues, by topic.",
		}, []string{"topic"}),
		Failed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_failed_total",
			Help:      "Delivery failures including dead-letter promotions, by topic.",
		}, []string{"topic"}),
		DeadDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dead_letters_dropped_total",
			Help:      "Dead-letter entries dropped because the DLQ was full.",
		}),
		Latency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_latency_seconds",
			Help:      "Time from publish to successful sink delivery.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 10),
		}),
		Connects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscriber_connects_total",
			Help:      "Subscriber connections.",
		}),
		Disconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscriber_disconnects_total",
			Help:      "Subscriber disconnections.",
		}),
	}

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "topics",
		Help:      "Current topic count.",
	}, func() float64 { return float64(b.Stats().Topics) })
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "subscribers",
		Help:      "Current subscriber count.",
	}, func() float64 { return float64(b.Stats().Subscribers) })
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_depth",
		Help:      "Messages currently queued across all subscribers.",
	}, func() float64 { return float64(b.Stats().QueueDepth) })
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "dead_letters",
		Help:      "Entries currently in the dead-letter queue.",
	}, func() float64 { return float64(b.Stats().DeadLetters) })
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pending_requests",
		Help:      "Request/reply calls awaiting a reply.",
	}, func() float64 { return float64(b.Stats().PendingRequests) })
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "messages_per_second",
		Help:      "Publish rate over the last minute.",
	}, func() float64 { return b.Stats().MessagesPerSecond })

	b.OnEvent(m.observe)
	return m
}

func (m *Metrics) observe(ev broker.Event) {
	switch ev.Type {
	case broker.EventMessagePublished:
		m.Published.WithLabelValues(ev.Topic).Inc()
	case broker.EventMessageDelivered:
		m.Delivered.WithLabelValues(ev.Topic).Inc()
		if ev.Message != nil {
			m.Latency.Observe(ev.Time.Sub(ev.Message.Timestamp).Seconds())
		}
	case broker.EventMessageQueued:
		m.Queued.WithLabelValues(ev.Topic).Inc()
	case broker.EventMessageFailed:
		m.Failed.WithLabelValues(ev.Topic).Inc()
	case broker.EventDeadLetterDropped:
		m.DeadDropped.Inc()
	case broker.EventSubscriberConnected:
		m.Connects.Inc()
	case broker.EventSubscriberDisconnected:
		m.Disconnects.Inc()
	}
}
