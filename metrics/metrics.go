// Package metrics exports runtime counters to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/reglet-dev/filament-host/domain/ports"
)

// Turn status labels.
const (
	StatusCommitted   = "committed"
	StatusAborted     = "aborted"
	StatusPanicked    = "panicked"
	StatusError       = "error"
	StatusRejected    = "rejected"
	StatusQuarantined = "quarantined"
)

// Gateway outcome labels.
const (
	OutcomeOK      = "ok"
	OutcomeDenied  = "denied"
	OutcomeInvalid = "invalid"
	OutcomeFailed  = "failed"
)

// Collector holds the runtime metrics. Create one per registry.
type Collector struct {
	turns           *prometheus.CounterVec
	turnDuration    prometheus.Histogram
	eventsCommitted prometheus.Counter
	gatewayRequests *prometheus.CounterVec
	arenaBytes      prometheus.Gauge
}

var _ ports.Metrics = (*Collector)(nil)

// New registers the runtime metrics on reg. A nil reg uses the default
// registerer.
func New(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{
		turns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "filament_turns_total",
				Help: "Total number of weave turns by final status.",
			},
			[]string{"status"},
		),
		turnDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "filament_turn_duration_seconds",
				Help:    "Wall time of weave turns in seconds.",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
			},
		),
		eventsCommitted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "filament_events_committed_total",
				Help: "Total number of events committed to timelines.",
			},
		),
		gatewayRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "filament_gateway_requests_total",
				Help: "Total number of gateway requests by service and outcome.",
			},
			[]string{"service", "outcome"},
		),
		arenaBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "filament_arena_bytes",
				Help: "Arena bytes currently reserved across all contexts.",
			},
		),
	}

	for _, col := range []prometheus.Collector{c.turns, c.turnDuration, c.eventsCommitted, c.gatewayRequests, c.arenaBytes} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}

	// Make the status series visible before the first turn.
	for _, status := range []string{StatusCommitted, StatusAborted, StatusPanicked, StatusError, StatusRejected, StatusQuarantined} {
		c.turns.WithLabelValues(status)
	}
	return c, nil
}

// ObserveTurn counts a finished turn and records its duration.
func (c *Collector) ObserveTurn(status string, d time.Duration) {
	c.turns.WithLabelValues(status).Inc()
	c.turnDuration.Observe(d.Seconds())
}

func (c *Collector) AddEventsCommitted(n int) {
	if n > 0 {
		c.eventsCommitted.Add(float64(n))
	}
}

func (c *Collector) IncGatewayRequest(service, outcome string) {
	c.gatewayRequests.WithLabelValues(service, outcome).Inc()
}

// ArenaGauge is the gauge handed to arena.WithGauge.
func (c *Collector) ArenaGauge() prometheus.Gauge {
	return c.arenaBytes
}
