// Package metrics exposes request and worker lifecycle counters in the
// Prometheus text format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rdeer/pkg/protocol"
	"rdeer/pkg/registry"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "rdeer"

// Collector implements registry.Observer and server.RequestObserver on top
// of its own Prometheus registry.
type Collector struct {
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	transitions     *prometheus.CounterVec
	restarts        *prometheus.CounterVec
	discovered      prometheus.Counter
	removed         prometheus.Counter

	registry *prometheus.Registry
}

// New creates a Collector. An empty namespace uses DefaultNamespace.
func New(namespace string) *Collector {
	if namespace == "" {
		namespace = DefaultNamespace
	}

	c := &Collector{
		registry: prometheus.NewRegistry(),
	}

	c.requests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of client requests",
		},
		[]string{"op", "status", "kind"},
	)

	c.requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Duration of client requests",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120},
		},
		[]string{"op"},
	)

	c.transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "index_transitions_total",
			Help:      "Total number of index status transitions",
		},
		[]string{"from", "to"},
	)

	c.restarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_restarts_total",
			Help:      "Total number of workers restarted after an error",
		},
		[]string{"index"},
	)

	c.discovered = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "indexes_discovered_total",
		Help:      "Total number of indexes found under the root",
	})

	c.removed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "indexes_removed_total",
		Help:      "Total number of indexes that disappeared from the root",
	})

	c.registry.MustRegister(
		c.requests,
		c.requestDuration,
		c.transitions,
		c.restarts,
		c.discovered,
		c.removed,
	)

	return c
}

// StatusCounter reports how many indexes currently have a status.
// *registry.Registry satisfies it through Names.
type StatusCounter interface {
	Names(status protocol.Status) []string
}

// TrackIndexes registers one gauge per status, read from src at scrape time.
func (c *Collector) TrackIndexes(namespace string, src StatusCounter) {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	for _, st := range []protocol.Status{
		protocol.StatusAvailable,
		protocol.StatusLoading,
		protocol.StatusRunning,
		protocol.StatusError,
	} {
		c.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace:   namespace,
				Name:        "indexes",
				Help:        "Number of indexes per status",
				ConstLabels: prometheus.Labels{"status": string(st)},
			},
			func() float64 { return float64(len(src.Names(st))) },
		))
	}
}

// Observe implements registry.Observer.
func (c *Collector) Observe(ev registry.Event) {
	switch ev.Type {
	case protocol.EventDiscovered:
		c.discovered.Inc()
	case protocol.EventRemoved:
		c.removed.Inc()
	case protocol.EventTransition:
		c.transitions.WithLabelValues(string(ev.From), string(ev.To)).Inc()
		if ev.From == protocol.StatusError && ev.To == protocol.StatusLoading {
			c.restarts.WithLabelValues(ev.Index).Inc()
		}
	}
}

// ObserveRequest implements server.RequestObserver.
func (c *Collector) ObserveRequest(ev protocol.RequestEvent) {
	op := ev.Op
	if op == "" {
		op = "unknown"
	}
	c.requests.WithLabelValues(op, ev.Status, string(ev.Kind)).Inc()
	c.requestDuration.WithLabelValues(op).Observe(ev.Duration.Seconds())
}

// Registry returns the Prometheus registry for custom handler setup.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the collected metrics.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
