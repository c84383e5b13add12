package metrics

import (
	"time"

	"github.com/vietddude/scrapeguard/internal/resilience/circuit"
)

// CircuitObserver exports breaker events to Prometheus.
type CircuitObserver struct{}

var _ circuit.Observer = CircuitObserver{}

func (CircuitObserver) OnStateChange(name string, from, to circuit.State, _ circuit.Stats) {
	CircuitState.WithLabelValues(name).Set(float64(to))
	CircuitTransitionsTotal.WithLabelValues(name, from.String(), to.String()).Inc()
}

func (CircuitObserver) OnSuccess(name string, _ time.Duration) {
	CircuitCallsTotal.WithLabelValues(name, "success").Inc()
}

func (CircuitObserver) OnFailure(name string, _ time.Duration, _ error) {
	CircuitCallsTotal.WithLabelValues(name, "failure").Inc()
}

func (CircuitObserver) OnTimeout(name string, _ time.Duration) {
	CircuitCallsTotal.WithLabelValues(name, "timeout").Inc()
}

func (CircuitObserver) OnReject(name string, _ circuit.State) {
	CircuitCallsTotal.WithLabelValues(name, "rejected").Inc()
}
