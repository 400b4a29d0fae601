package metrics

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the process-wide instruments for the conversation core.
type Metrics struct {
	MessagesAccepted  prometheus.Counter
	StreamsCompleted  prometheus.Counter
	StreamsFailed     prometheus.Counter
	EventsAppended    prometheus.Counter
	ActiveStreams     prometheus.Gauge
	PersistQueueDepth prometheus.GaugeFunc
	PersistDropped    prometheus.CounterFunc
}

// QueueStats is implemented by the persistence service.
type QueueStats interface {
	QueueDepth() int
	DroppedTotal() int64
}

// New registers the instruments on a fresh registry and returns both.
func New(queue QueueStats) (*Metrics, *prometheus.Registry) {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	m := &Metrics{
		MessagesAccepted: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatcore_messages_accepted_total",
			Help: "User turns accepted by process-message.",
		}),
		StreamsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatcore_streams_completed_total",
			Help: "Streaming sessions that reached end.",
		}),
		StreamsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatcore_streams_failed_total",
			Help: "Streaming sessions that terminated with an error.",
		}),
		EventsAppended: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatcore_events_appended_total",
			Help: "Events appended to the streaming event log.",
		}),
		ActiveStreams: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chatcore_active_streams",
			Help: "Streaming sessions currently active.",
		}),
	}

	if queue != nil {
		m.PersistQueueDepth = factory.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "chatcore_persist_queue_depth",
			Help: "Completions waiting for the persistence workers.",
		}, func() float64 { return float64(queue.QueueDepth()) })
		m.PersistDropped = factory.NewCounterFunc(prometheus.CounterOpts{
			Name: "chatcore_persist_dropped_total",
			Help: "Completions dropped because the persistence queue was full.",
		}, func() float64 { return float64(queue.DroppedTotal()) })
	}

	return m, registry
}

// Handler returns the gin handler serving the registry.
func Handler(registry *prometheus.Registry) gin.HandlerFunc {
	h := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	return gin.WrapH(h)
}
