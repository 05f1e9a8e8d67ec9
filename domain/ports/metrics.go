package ports

import "time"

// Metrics receives runtime observations. metrics.Collector is the
// Prometheus implementation.
type Metrics interface {
	ObserveTurn(status string, d time.Duration)
	AddEventsCommitted(n int)
	IncGatewayRequest(service, outcome string)
}

// NopMetrics discards every observation.
type NopMetrics struct{}

func (NopMetrics) ObserveTurn(string, time.Duration) {}
func (NopMetrics) AddEventsCommitted(int)            {}
func (NopMetrics) IncGatewayRequest(string, string)  {}
