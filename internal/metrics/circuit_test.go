package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/vietddude/scrapeguard/internal/resilience/circuit"
)

func TestCircuitObserver(t *testing.T) {
	obs := CircuitObserver{}

	obs.OnStateChange("metrics-test", circuit.StateClosed, circuit.StateOpen, circuit.Stats{})
	assert.Equal(t, 1.0, testutil.ToFloat64(CircuitState.WithLabelValues("metrics-test")))
	assert.Equal(t, 1.0, testutil.ToFloat64(
		CircuitTransitionsTotal.WithLabelValues("metrics-test", "CLOSED", "OPEN")))

	obs.OnFailure("metrics-test", time.Millisecond, errors.New("boom"))
	obs.OnReject("metrics-test", circuit.StateOpen)
	obs.OnReject("metrics-test", circuit.StateOpen)
	assert.Equal(t, 1.0, testutil.ToFloat64(CircuitCallsTotal.WithLabelValues("metrics-test", "failure")))
	assert.Equal(t, 2.0, testutil.ToFloat64(CircuitCallsTotal.WithLabelValues("metrics-test", "rejected")))
}
