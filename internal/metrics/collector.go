package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wesleyorama2/volley/internal/stats"
)

// Collector exports statistics events as Prometheus metrics.
type Collector struct {
	registry    *prometheus.Registry
	Requests    *prometheus.CounterVec
	Latency     *prometheus.HistogramVec
	Bytes       *prometheus.CounterVec
	ActiveUsers prometheus.Gauge
}

var _ stats.Sink = (*Collector)(nil)

// NewCollector creates a collector registered on its own registry.
func NewCollector() *Collector {
	r := prometheus.NewRegistry()
	c := &Collector{
		registry: r,
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "volley",
			Name:      "requests_total",
			Help:      "Completed requests by name and status",
		}, []string{"name", "status"}),
		Latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "volley",
			Name:      "request_duration_seconds",
			Help:      "Request duration by name",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
		}, []string{"name"}),
		Bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "volley",
			Name:      "bytes_total",
			Help:      "Bytes transferred by direction",
		}, []string{"direction"}),
		ActiveUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "volley",
			Name:      "active_users",
			Help:      "Number of running virtual users",
		}),
	}
	r.MustRegister(c.Requests, c.Latency, c.Bytes, c.ActiveUsers)
	return c
}

// Record implements stats.Sink.
func (c *Collector) Record(ev stats.Event) {
	name := RequestKey(ev)
	c.Requests.WithLabelValues(name, string(ev.Status)).Inc()
	c.Latency.WithLabelValues(name).Observe(ev.Duration().Seconds())
	c.Bytes.WithLabelValues("sent").Add(float64(ev.BytesSent))
	c.Bytes.WithLabelValues("received").Add(float64(ev.BytesReceived))
}

// Registry returns the registry the metrics are registered on.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// SetActiveUsers sets the running users gauge.
func (c *Collector) SetActiveUsers(n int) {
	c.ActiveUsers.Set(float64(n))
}
