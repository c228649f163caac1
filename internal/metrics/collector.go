package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	io_prometheus_client "github.com/prometheus/client_model/go"
)

// Drop reasons used as the reason label of DroppedMessages
const (
	ReasonDecode       = "decode_error"
	ReasonUnrecognized = "unrecognized"
	ReasonUnmapped     = "unmapped_token"
	ReasonNotLive      = "update_before_snapshot"
	ReasonInconsistent = "inconsistent_book"
	ReasonStale        = "stale_timestamp"
	ReasonParse        = "parse_error"
)

// Collector holds every Prometheus metric exported by marketfeed. Each
// Collector owns its own registry so tests never collide on registration.
type Collector struct {
	registry *prometheus.Registry

	FramesReceived    *prometheus.CounterVec
	DroppedMessages   *prometheus.CounterVec
	EventsPublished   *prometheus.CounterVec
	InconsistentBooks *prometheus.CounterVec
	Heartbeats        *prometheus.CounterVec
	Connections       *prometheus.CounterVec
	QueueDropped      prometheus.Counter
	QueueDepth        prometheus.Gauge
	SinkErrors        *prometheus.CounterVec
	SinkLatency       *prometheus.HistogramVec
	BreakerState      *prometheus.GaugeVec
}

// NewCollector creates and registers all metrics
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),

		FramesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketfeed_frames_received_total",
				Help: "Websocket frames received per platform",
			},
			[]string{"platform"},
		),
		DroppedMessages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketfeed_dropped_messages_total",
				Help: "Inbound messages dropped per platform and reason",
			},
			[]string{"platform", "reason"},
		),
		EventsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketfeed_events_published_total",
				Help: "Normalized events handed to the publisher",
			},
			[]string{"platform", "kind"},
		),
		InconsistentBooks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketfeed_inconsistent_books_total",
				Help: "Order book publishes suppressed because the book was crossed or one-sided",
			},
			[]string{"platform", "symbol"},
		),
		Heartbeats: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketfeed_heartbeat_acks_total",
				Help: "Heartbeat acknowledgements received",
			},
			[]string{"platform"},
		),
		Connections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketfeed_connections_total",
				Help: "Successful websocket connections, including reconnects",
			},
			[]string{"platform"},
		),
		QueueDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "marketfeed_publish_queue_dropped_total",
				Help: "Events dropped because the publish queue was full",
			},
		),
		QueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "marketfeed_publish_queue_depth",
				Help: "Events waiting in the publish queue",
			},
		),
		SinkErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketfeed_sink_errors_total",
				Help: "Delivery failures per sink, including breaker rejections",
			},
			[]string{"sink"},
		),
		SinkLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "marketfeed_sink_delivery_seconds",
				Help:    "Time spent delivering one envelope to a sink",
				Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
			},
			[]string{"sink"},
		),
		BreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "marketfeed_sink_breaker_state",
				Help: "Circuit breaker state per sink (0=closed, 1=half-open, 2=open)",
			},
			[]string{"sink"},
		),
	}

	c.registry.MustRegister(
		c.FramesReceived,
		c.DroppedMessages,
		c.EventsPublished,
		c.InconsistentBooks,
		c.Heartbeats,
		c.Connections,
		c.QueueDropped,
		c.QueueDepth,
		c.SinkErrors,
		c.SinkLatency,
		c.BreakerState,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry exposes the underlying registry for gathering
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the metrics in the Prometheus exposition format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Drop counts one dropped inbound message
func (c *Collector) Drop(platform, reason string) {
	c.DroppedMessages.WithLabelValues(platform, reason).Inc()
}

// CounterValue reads the current value of a counter
func CounterValue(counter prometheus.Counter) float64 {
	m := &io_prometheus_client.Metric{}
	if err := counter.Write(m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

// GaugeValue reads the current value of a gauge
func GaugeValue(gauge prometheus.Gauge) float64 {
	m := &io_prometheus_client.Metric{}
	if err := gauge.Write(m); err != nil {
		return 0
	}
	return m.GetGauge().GetValue()
}
