package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rickgao/lighter-stream/internal/connection"
)

const namespace = "lighter_stream"

// Collector implements connection.Metrics on top of a Prometheus registry.
type Collector struct {
	gatherer prometheus.Gatherer

	state          prometheus.Gauge
	transitions    *prometheus.CounterVec
	framesSent     *prometheus.CounterVec
	framesReceived *prometheus.CounterVec
	decodeErrors   prometheus.Counter
	evictions      prometheus.Counter
	reconnectDelay prometheus.Histogram
	handlerErrors  prometheus.Counter
}

// New registers the collector's metrics with reg. A nil reg gets a fresh
// registry, which keeps tests independent.
func New(reg *prometheus.Registry) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Collector{
		gatherer: reg,
		state: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "state",
			Help:      "Current connection state (0=idle 1=connecting 2=open 3=authenticating 4=reconnecting 5=closed)",
		}),
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "transitions_total",
			Help:      "State transitions by source and destination state",
		}, []string{"from", "to"}),
		framesSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "frames",
			Name:      "sent_total",
			Help:      "Frames written to the socket by type",
		}, []string{"type"}),
		framesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "frames",
			Name:      "received_total",
			Help:      "Decoded inbound frames by kind",
		}, []string{"kind"}),
		decodeErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "frames",
			Name:      "decode_errors_total",
			Help:      "Inbound frames dropped as malformed",
		}),
		evictions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "evictions_total",
			Help:      "Outbound frames evicted because the queue was full",
		}),
		reconnectDelay: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "reconnect_delay_seconds",
			Help:      "Backoff delay scheduled before each reconnect attempt",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 8), // 0.5s ~ 64s
		}),
		handlerErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "handler_errors_total",
			Help:      "Subscription handlers that returned an error or panicked",
		}),
	}
}

var _ connection.Metrics = (*Collector)(nil)

func (c *Collector) ObserveTransition(from, to connection.State) {
	c.state.Set(float64(to))
	c.transitions.WithLabelValues(from.String(), to.String()).Inc()
}

func (c *Collector) ObserveFrameSent(kind string) {
	c.framesSent.WithLabelValues(kind).Inc()
}

func (c *Collector) ObserveFrameReceived(kind string) {
	c.framesReceived.WithLabelValues(kind).Inc()
}

func (c *Collector) ObserveDecodeError() { c.decodeErrors.Inc() }

func (c *Collector) ObserveQueueEviction() { c.evictions.Inc() }

func (c *Collector) ObserveReconnectDelay(d time.Duration) {
	c.reconnectDelay.Observe(d.Seconds())
}

// ObserveHandlerError counts a failed subscription handler.
func (c *Collector) ObserveHandlerError(error) { c.handlerErrors.Inc() }

// Handler serves the collector's registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}
