package circuit

import (
	"log/slog"
	"time"
)

// Observer receives breaker events. Calls are made asynchronously and a
// panicking observer is recovered, so implementations may block or fail
// without affecting the breaker.
type Observer interface {
	OnStateChange(name string, from, to State, stats Stats)
	OnSuccess(name string, latency time.Duration)
	OnFailure(name string, latency time.Duration, err error)
	OnTimeout(name string, timeout time.Duration)
	OnReject(name string, state State)
}

// NoopObserver ignores every event. Embed it to implement a subset.
type NoopObserver struct{}

func (NoopObserver) OnStateChange(string, State, State, Stats) {}
func (NoopObserver) OnSuccess(string, time.Duration)           {}
func (NoopObserver) OnFailure(string, time.Duration, error)    {}
func (NoopObserver) OnTimeout(string, time.Duration)           {}
func (NoopObserver) OnReject(string, State)                    {}

// LogObserver writes state changes to a slog logger.
type LogObserver struct {
	NoopObserver
	Log *slog.Logger
}

func (o LogObserver) OnStateChange(name string, from, to State, stats Stats) {
	log := o.Log
	if log == nil {
		log = slog.Default()
	}
	switch to {
	case StateOpen:
		log.Error("Circuit opened, requests will fast-fail",
			"circuit", name, "from", from.String(),
			"failure_rate", stats.FailureRate, "requests", stats.TotalRequests,
			"next_attempt", stats.NextAttemptTime)
	case StateHalfOpen:
		log.Info("Circuit half-open, probing recovery", "circuit", name)
	case StateClosed:
		log.Info("Circuit closed", "circuit", name, "from", from.String())
	}
}
