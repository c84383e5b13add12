package circuit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

type outcome struct {
	at      time.Time
	success bool
}

// ticket is handed out by admit and returned with the call outcome.
type ticket struct {
	probe      bool
	generation uint64
}

// Breaker guards calls into a single dependency.
type Breaker struct {
	mu sync.Mutex

	cfg   Config
	state State

	// Rolling window of timestamped outcomes, oldest first
	window []outcome

	consecutiveFailures int
	lastFailure         time.Time
	lastSuccess         time.Time
	nextAttempt         time.Time

	// Single-probe HALF_OPEN bookkeeping
	probeInFlight bool
	// forced pins the breaker OPEN until an operator closes or resets it
	forced bool
	// generation increments on every transition so stale probes are ignored
	generation uint64

	observers []Observer
	log       *slog.Logger
	nowFn     func() time.Time
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock overrides the breaker clock, primarily for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.nowFn = now }
}

// WithObserver registers an event observer.
func WithObserver(o Observer) Option {
	return func(b *Breaker) {
		if o != nil {
			b.observers = append(b.observers, o)
		}
	}
}

// WithLogger sets the logger used for observer panics.
func WithLogger(log *slog.Logger) Option {
	return func(b *Breaker) {
		if log != nil {
			b.log = log
		}
	}
}

// New creates a breaker in the CLOSED state.
func New(cfg Config, opts ...Option) (*Breaker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	b := &Breaker{
		cfg:   cfg.withDefaults(),
		state: StateClosed,
		log:   slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Name returns the breaker name.
func (b *Breaker) Name() string { return b.cfg.Name }

// Config returns the effective configuration.
func (b *Breaker) Config() Config { return b.cfg }

// Execute runs fn under breaker protection. fn receives a context that is
// cancelled once the breaker timeout elapses.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	t, err := b.admit()
	if err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	type result struct {
		err       error
		panicked  bool
		panicInfo any
	}
	done := make(chan result, 1)
	start := b.now()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{panicked: true, panicInfo: r}
			}
		}()
		done <- result{err: fn(callCtx)}
	}()

	select {
	case res := <-done:
		latency := b.now().Sub(start)
		switch {
		case res.panicked:
			b.record(t, false)
			b.notify(func(o Observer) {
				o.OnFailure(b.cfg.Name, latency, fmt.Errorf("panic: %v", res.panicInfo))
			})
			panic(res.panicInfo)
		case res.err == nil:
			b.record(t, true)
			b.notify(func(o Observer) { o.OnSuccess(b.cfg.Name, latency) })
			return nil
		case ctx.Err() != nil:
			// Caller gave up; says nothing about the dependency.
			b.release(t)
			return res.err
		case callCtx.Err() == context.DeadlineExceeded && errors.Is(res.err, context.DeadlineExceeded):
			b.record(t, false)
			b.notify(func(o Observer) { o.OnTimeout(b.cfg.Name, b.cfg.Timeout) })
			return &TimeoutError{Name: b.cfg.Name, Timeout: b.cfg.Timeout}
		default:
			b.record(t, false)
			b.notify(func(o Observer) { o.OnFailure(b.cfg.Name, latency, res.err) })
			return res.err
		}
	case <-callCtx.Done():
		if ctx.Err() != nil {
			b.release(t)
			return ctx.Err()
		}
		b.record(t, false)
		b.notify(func(o Observer) { o.OnTimeout(b.cfg.Name, b.cfg.Timeout) })
		return &TimeoutError{Name: b.cfg.Name, Timeout: b.cfg.Timeout}
	}
}

// Call is Execute for functions that return a value.
func Call[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := b.Execute(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

// admit decides whether a call may proceed.
func (b *Breaker) admit() (ticket, error) {
	b.mu.Lock()
	changes := b.updateStateLocked()

	var (
		t   ticket
		err error
	)
	switch b.state {
	case StateClosed:
		t = ticket{generation: b.generation}
	case StateOpen:
		err = &OpenError{Name: b.cfg.Name, Stats: b.statsLocked()}
	case StateHalfOpen:
		if b.probeInFlight {
			err = &OpenError{Name: b.cfg.Name, Stats: b.statsLocked()}
		} else {
			b.probeInFlight = true
			t = ticket{probe: true, generation: b.generation}
		}
	}
	state := b.state
	b.mu.Unlock()

	b.publish(changes)
	if err != nil {
		b.notify(func(o Observer) { o.OnReject(b.cfg.Name, state) })
	}
	return t, err
}

// record books an outcome and applies the transition rules.
func (b *Breaker) record(t ticket, success bool) {
	b.mu.Lock()
	now := b.now()

	b.window = append(b.window, outcome{at: now, success: success})
	b.pruneLocked(now)

	if success {
		b.consecutiveFailures = 0
		b.lastSuccess = now
	} else {
		b.consecutiveFailures++
		b.lastFailure = now
	}

	var changes []transition
	if t.probe && t.generation == b.generation && b.state == StateHalfOpen {
		b.probeInFlight = false
		if success {
			changes = append(changes, b.transitionLocked(StateClosed))
		} else {
			changes = append(changes, b.transitionLocked(StateOpen))
		}
	} else if b.state == StateClosed && !success && b.shouldTripLocked() {
		changes = append(changes, b.transitionLocked(StateOpen))
	}
	b.mu.Unlock()

	b.publish(changes)
}

// release frees a probe slot without recording an outcome.
func (b *Breaker) release(t ticket) {
	if !t.probe {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if t.generation == b.generation && b.state == StateHalfOpen {
		b.probeInFlight = false
	}
}

// shouldTripLocked evaluates the CLOSED trip policy over the current window.
func (b *Breaker) shouldTripLocked() bool {
	total := len(b.window)
	if total == 0 || total < b.cfg.VolumeThreshold {
		return false
	}
	return b.failureRateLocked() >= b.cfg.ErrorThresholdPercentage
}

func (b *Breaker) failureRateLocked() float64 {
	if len(b.window) == 0 {
		return 0
	}
	failures := 0
	for _, o := range b.window {
		if !o.success {
			failures++
		}
	}
	return float64(failures) / float64(len(b.window)) * 100
}

// pruneLocked drops outcomes older than the rolling window.
func (b *Breaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.cfg.RollingWindow)
	i := 0
	for i < len(b.window) && !b.window[i].at.After(cutoff) {
		i++
	}
	if i > 0 {
		b.window = append(b.window[:0], b.window[i:]...)
	}
}

// updateStateLocked moves OPEN to HALF_OPEN once the reset timeout elapsed.
func (b *Breaker) updateStateLocked() []transition {
	if b.state == StateOpen && !b.forced && !b.now().Before(b.nextAttempt) {
		return []transition{b.transitionLocked(StateHalfOpen)}
	}
	return nil
}

type transition struct {
	from, to State
	stats    Stats
}

func (b *Breaker) transitionLocked(to State) transition {
	from := b.state
	b.state = to
	b.generation++
	b.probeInFlight = false

	switch to {
	case StateOpen:
		b.nextAttempt = b.now().Add(b.cfg.ResetTimeout)
	case StateHalfOpen:
		b.nextAttempt = time.Time{}
	case StateClosed:
		b.window = b.window[:0]
		b.consecutiveFailures = 0
		b.nextAttempt = time.Time{}
		b.forced = false
	}
	return transition{from: from, to: to, stats: b.statsLocked()}
}

func (b *Breaker) publish(changes []transition) {
	for _, c := range changes {
		b.notify(func(o Observer) { o.OnStateChange(b.cfg.Name, c.from, c.to, c.stats) })
	}
}

// notify delivers an event to every observer on its own goroutine.
func (b *Breaker) notify(fn func(o Observer)) {
	for _, o := range b.observers {
		go func(o Observer) {
			defer func() {
				if r := recover(); r != nil {
					b.log.Error("Circuit observer panicked", "circuit", b.cfg.Name, "panic", r)
				}
			}()
			fn(o)
		}(o)
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	changes := b.updateStateLocked()
	state := b.state
	b.mu.Unlock()
	b.publish(changes)
	return state
}

// Stats returns a consistent snapshot.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	changes := b.updateStateLocked()
	b.pruneLocked(b.now())
	stats := b.statsLocked()
	b.mu.Unlock()
	b.publish(changes)
	return stats
}

func (b *Breaker) statsLocked() Stats {
	s := Stats{
		Name:                b.cfg.Name,
		State:               b.state,
		TotalRequests:       len(b.window),
		FailureRate:         b.failureRateLocked(),
		ConsecutiveFailures: b.consecutiveFailures,
		LastFailureTime:     b.lastFailure,
		LastSuccessTime:     b.lastSuccess,
		NextAttemptTime:     b.nextAttempt,
	}
	for _, o := range b.window {
		if o.success {
			s.Successes++
		} else {
			s.Failures++
		}
	}
	return s
}

// ForceOpen pins the breaker OPEN until ForceClose or Reset.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	var changes []transition
	if b.state != StateOpen {
		changes = append(changes, b.transitionLocked(StateOpen))
	}
	b.forced = true
	b.mu.Unlock()
	b.publish(changes)
}

// ForceClose closes the breaker and clears the rolling window.
func (b *Breaker) ForceClose() {
	b.mu.Lock()
	var changes []transition
	if b.state != StateClosed {
		changes = append(changes, b.transitionLocked(StateClosed))
	}
	b.window = b.window[:0]
	b.forced = false
	b.mu.Unlock()
	b.publish(changes)
}

// Reset closes the breaker and forgets every statistic.
func (b *Breaker) Reset() {
	b.mu.Lock()
	var changes []transition
	if b.state != StateClosed {
		changes = append(changes, b.transitionLocked(StateClosed))
	}
	b.window = nil
	b.consecutiveFailures = 0
	b.lastFailure = time.Time{}
	b.lastSuccess = time.Time{}
	b.forced = false
	b.mu.Unlock()
	b.publish(changes)
}

func (b *Breaker) now() time.Time {
	if b.nowFn != nil {
		return b.nowFn()
	}
	return time.Now()
}
