package circuit

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrOpen matches any rejection by an open (or probing) circuit.
	ErrOpen = errors.New("circuit breaker is open")

	// ErrTimeout matches any call that exceeded the breaker timeout.
	ErrTimeout = errors.New("circuit breaker call timed out")
)

// OpenError is returned without invoking the wrapped call.
type OpenError struct {
	Name  string
	Stats Stats
}

func (e *OpenError) Error() string {
	if e.Stats.State == StateHalfOpen {
		return fmt.Sprintf("circuit %s is half-open and a probe is in flight", e.Name)
	}
	return fmt.Sprintf("circuit %s is open until %s", e.Name, e.Stats.NextAttemptTime.Format(time.RFC3339))
}

func (e *OpenError) Is(target error) bool { return target == ErrOpen }

// TimeoutError is returned when the wrapped call outlived the breaker timeout.
type TimeoutError struct {
	Name    string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("circuit %s: call exceeded %s", e.Name, e.Timeout)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }
