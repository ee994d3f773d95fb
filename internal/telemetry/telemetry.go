// Package telemetry exposes Prometheus instruments describing the relay itself.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "bpmetrics"

// Relay groups relay instruments registered on a private registry.
type Relay struct {
	registry *prometheus.Registry

	Requests          prometheus.Counter
	Pings             prometheus.Counter
	MalformedRequests prometheus.Counter
	QueueDrops        prometheus.Counter
	MalformedBatches  prometheus.Counter
	Events            *prometheus.CounterVec
	StoreErrors       prometheus.Counter
	Flushes           prometheus.Counter
	FlushFailures     prometheus.Counter
	FlushedNames      prometheus.Counter
	DroppedNames      prometheus.Counter
	Spooled           prometheus.Counter
	SpoolPending      prometheus.Gauge
	SpoolCorrupt      prometheus.Counter
	QueueDepth        prometheus.Gauge
}

// New creates instruments on a fresh registry, with Go and process collectors.
// Params: none.
// Returns: relay instruments.
func New() *Relay {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Relay{
		registry: registry,
		Requests: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "frontdoor", Name: "requests_total",
			Help: "Non-ping requests acknowledged by the front door.",
		}),
		Pings: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "frontdoor", Name: "pings_total",
			Help: "Ping requests answered with pong.",
		}),
		MalformedRequests: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "frontdoor", Name: "malformed_requests_total",
			Help: "Requests with fewer than three frames.",
		}),
		QueueDrops: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "frontdoor", Name: "queue_drops_total",
			Help: "Payloads acknowledged but dropped because the job queue was full.",
		}),
		MalformedBatches: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "worker", Name: "malformed_batches_total",
			Help: "Payloads that could not be parsed as a batch.",
		}),
		Events: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "worker", Name: "events_total",
			Help: "Events applied by the worker, by kind.",
		}, []string{"kind"}),
		StoreErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "worker", Name: "store_errors_total",
			Help: "Failed key/value writes.",
		}),
		Flushes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "flusher", Name: "flushes_total",
			Help: "Non-empty flushes delivered to graphite.",
		}),
		FlushFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "flusher", Name: "failures_total",
			Help: "Flushes that failed on every graphite address.",
		}),
		FlushedNames: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "flusher", Name: "names_total",
			Help: "Metric lines delivered to graphite.",
		}),
		DroppedNames: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "flusher", Name: "dropped_names_total",
			Help: "Counter names dropped after a failed flush because the pending cap was reached.",
		}),
		Spooled: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "spool", Name: "payloads_total",
			Help: "Undelivered flush payloads written to the disk spool.",
		}),
		SpoolPending: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "spool", Name: "pending",
			Help: "Payloads waiting in the disk spool.",
		}),
		SpoolCorrupt: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "spool", Name: "corrupt_records_total",
			Help: "Spool records dropped because they could not be read back.",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "worker", Name: "queue_depth",
			Help: "Payloads waiting in the job queue at the last flush.",
		}),
	}
}

// Handler serves the registry in Prometheus exposition format.
func (r *Relay) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}
