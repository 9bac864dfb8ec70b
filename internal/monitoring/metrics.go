// Package monitoring holds the Prometheus metric set for the fleet core.
package monitoring

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the coordination core.
type Metrics struct {
	// Bus metrics
	BusPublished     *prometheus.CounterVec
	BusDelivered     *prometheus.CounterVec
	BusHandlerErrors *prometheus.CounterVec

	// Request/response metrics
	RequestDuration *prometheus.HistogramVec
	RequestTimeouts *prometheus.CounterVec

	// Sweeper metrics
	SweeperTransitions *prometheus.CounterVec
	SweeperErrors      prometheus.Counter

	// Dispatch metrics
	DispatchResults  *prometheus.CounterVec
	DispatchDuration prometheus.Histogram

	// Fleet gauges, updated by the sweeper each tick
	FleetIdentities *prometheus.GaugeVec
	SlotsByStatus   *prometheus.GaugeVec
}

// New creates and registers the metric set against the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		BusPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fulcrum_bus_published_total",
				Help: "Envelopes handed to the transport, by channel",
			},
			[]string{"channel"},
		),
		BusDelivered: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fulcrum_bus_delivered_total",
				Help: "Envelopes delivered to local subscribers, by type",
			},
			[]string{"type"},
		),
		BusHandlerErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fulcrum_bus_handler_errors_total",
				Help: "Subscriber panics recovered by the bus, by type",
			},
			[]string{"type"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fulcrum_bus_request_duration_seconds",
				Help:    "Round-trip time of completed request/response calls",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"type"},
		),
		RequestTimeouts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fulcrum_bus_request_timeouts_total",
				Help: "Requests that expired without a response, by type",
			},
			[]string{"type"},
		),
		SweeperTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fulcrum_sweeper_transitions_total",
				Help: "Status transitions applied by the heartbeat sweeper",
			},
			[]string{"kind", "status"},
		),
		SweeperErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "fulcrum_sweeper_errors_total",
				Help: "Storage errors the sweeper logged and skipped",
			},
		),
		DispatchResults: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fulcrum_dispatch_results_total",
				Help: "Slot dispatch outcomes (assigned or rejection reason)",
			},
			[]string{"result"},
		),
		DispatchDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "fulcrum_dispatch_duration_seconds",
				Help:    "Time spent choosing a slot per request",
				Buckets: prometheus.DefBuckets,
			},
		),
		FleetIdentities: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "fulcrum_fleet_identities",
				Help: "Identities known to the registry, by kind and status",
			},
			[]string{"kind", "status"},
		),
		SlotsByStatus: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "fulcrum_fleet_slots",
				Help: "Slots across all backends, by status",
			},
			[]string{"status"},
		),
	}
}

var (
	defaultOnce sync.Once
	defaultSet  *Metrics
)

// Default returns the process-wide metric set registered against the default
// Prometheus registry.
func Default() *Metrics {
	defaultOnce.Do(func() {
		defaultSet = New(prometheus.DefaultRegisterer)
	})
	return defaultSet
}
