package circuit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

var errDependency = errors.New("dependency failed")

func succeed(context.Context) error { return nil }
func fail(context.Context) error    { return errDependency }

func newTestBreaker(t *testing.T, opts ...Option) (*Breaker, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	cfg := Config{
		Name:                     "search-api",
		Timeout:                  1000 * time.Millisecond,
		ErrorThresholdPercentage: 50,
		ResetTimeout:             2000 * time.Millisecond,
		VolumeThreshold:          4,
	}
	b, err := New(cfg, append([]Option{WithClock(clock.Now)}, opts...)...)
	require.NoError(t, err)
	return b, clock
}

func TestBreaker_TripAndRecover(t *testing.T) {
	b, clock := newTestBreaker(t)
	ctx := context.Background()

	require.NoError(t, b.Execute(ctx, succeed))
	require.NoError(t, b.Execute(ctx, succeed))
	require.ErrorIs(t, b.Execute(ctx, fail), errDependency)
	assert.Equal(t, StateClosed, b.State(), "three calls are below the volume threshold")
	require.ErrorIs(t, b.Execute(ctx, fail), errDependency)
	assert.Equal(t, StateOpen, b.State())

	var calls int32
	err := b.Execute(ctx, func(context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	var openErr *OpenError
	require.ErrorAs(t, err, &openErr)
	assert.ErrorIs(t, err, ErrOpen)
	assert.Equal(t, StateOpen, openErr.Stats.State)
	assert.Equal(t, 4, openErr.Stats.TotalRequests)
	assert.InDelta(t, 50.0, openErr.Stats.FailureRate, 0.001)
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls), "open circuit must not invoke the call")

	clock.Advance(2000 * time.Millisecond)
	require.NoError(t, b.Execute(ctx, func(context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, StateClosed, b.State())

	stats := b.Stats()
	assert.Equal(t, 0, stats.TotalRequests, "closing clears the rolling window")
	assert.True(t, stats.NextAttemptTime.IsZero())
}

func TestBreaker_ProbeFailureReopens(t *testing.T) {
	b, clock := newTestBreaker(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_ = b.Execute(ctx, succeed)
		_ = b.Execute(ctx, fail)
	}
	require.Equal(t, StateOpen, b.State())

	clock.Advance(2 * time.Second)
	assert.Equal(t, StateHalfOpen, b.State())

	require.ErrorIs(t, b.Execute(ctx, fail), errDependency)
	assert.Equal(t, StateOpen, b.State())

	stats := b.Stats()
	assert.Equal(t, clock.Now().Add(2*time.Second), stats.NextAttemptTime)
	require.ErrorIs(t, b.Execute(ctx, succeed), ErrOpen)
}

func TestBreaker_VolumeThreshold(t *testing.T) {
	b, _ := newTestBreaker(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, fail)
	}
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 3, b.Stats().ConsecutiveFailures)

	_ = b.Execute(ctx, fail)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_RollingWindowDropsOldOutcomes(t *testing.T) {
	b, clock := newTestBreaker(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, fail)
	}
	clock.Advance(DefaultRollingWindow + time.Second)

	stats := b.Stats()
	assert.Equal(t, 0, stats.TotalRequests)
	assert.Equal(t, 3, stats.ConsecutiveFailures)

	// Old failures no longer count towards the volume threshold
	_ = b.Execute(ctx, fail)
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 1, b.Stats().TotalRequests)
}

func TestBreaker_BelowThresholdStaysClosed(t *testing.T) {
	b, _ := newTestBreaker(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, succeed)
	}
	_ = b.Execute(ctx, fail)
	assert.Equal(t, StateClosed, b.State(), "25% failure rate is below 50%")
}

func TestBreaker_TimeoutCountsAsFailure(t *testing.T) {
	b, err := New(Config{
		Name:                     "ai-api",
		Timeout:                  20 * time.Millisecond,
		ErrorThresholdPercentage: 50,
		ResetTimeout:             time.Minute,
		VolumeThreshold:          1,
	})
	require.NoError(t, err)

	released := make(chan struct{})
	err = b.Execute(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		close(released)
		return ctx.Err()
	})

	var timeoutErr *TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 20*time.Millisecond, timeoutErr.Timeout)

	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("wrapped call context was not cancelled")
	}
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_ErrorsPassThroughUnmodified(t *testing.T) {
	b, _ := newTestBreaker(t)
	err := b.Execute(context.Background(), fail)
	assert.Same(t, errDependency, err)
}

func TestBreaker_CallReturnsValue(t *testing.T) {
	b, _ := newTestBreaker(t)
	html, err := Call(context.Background(), b, func(context.Context) (string, error) {
		return "<html></html>", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "<html></html>", html)

	_, err = Call(context.Background(), b, func(context.Context) (string, error) {
		return "", errDependency
	})
	assert.ErrorIs(t, err, errDependency)
	assert.Equal(t, 1, b.Stats().Failures)
}

func TestBreaker_SingleProbeInHalfOpen(t *testing.T) {
	b, clock := newTestBreaker(t)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		_ = b.Execute(ctx, fail)
	}
	require.Equal(t, StateOpen, b.State())
	clock.Advance(2 * time.Second)

	started := make(chan struct{})
	proceed := make(chan struct{})
	probeDone := make(chan error, 1)
	go func() {
		probeDone <- b.Execute(ctx, func(context.Context) error {
			close(started)
			<-proceed
			return nil
		})
	}()
	<-started

	var calls int32
	err := b.Execute(ctx, func(context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	var openErr *OpenError
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, StateHalfOpen, openErr.Stats.State)
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))

	close(proceed)
	require.NoError(t, <-probeDone)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_CallerCancellationNotCounted(t *testing.T) {
	b, _ := newTestBreaker(t)
	ctx, cancel := context.WithCancel(context.Background())

	err := b.Execute(ctx, func(callCtx context.Context) error {
		cancel()
		<-callCtx.Done()
		return callCtx.Err()
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, b.Stats().TotalRequests)
}

func TestBreaker_ManualOverrides(t *testing.T) {
	b, clock := newTestBreaker(t)
	ctx := context.Background()

	b.ForceOpen()
	assert.Equal(t, StateOpen, b.State())
	clock.Advance(time.Hour)
	assert.Equal(t, StateOpen, b.State(), "forced open ignores the reset timeout")
	require.ErrorIs(t, b.Execute(ctx, succeed), ErrOpen)

	b.ForceClose()
	assert.Equal(t, StateClosed, b.State())
	require.NoError(t, b.Execute(ctx, succeed))

	_ = b.Execute(ctx, fail)
	b.Reset()
	stats := b.Stats()
	assert.Equal(t, StateClosed, stats.State)
	assert.Zero(t, stats.TotalRequests)
	assert.Zero(t, stats.ConsecutiveFailures)
	assert.True(t, stats.LastFailureTime.IsZero())
}

type recordingObserver struct {
	NoopObserver
	changes chan [2]State
}

func (o *recordingObserver) OnStateChange(_ string, from, to State, _ Stats) {
	o.changes <- [2]State{from, to}
}

type panickingObserver struct{ NoopObserver }

func (panickingObserver) OnStateChange(string, State, State, Stats) { panic("observer bug") }
func (panickingObserver) OnFailure(string, time.Duration, error)    { panic("observer bug") }

func TestBreaker_ObserversAreIsolated(t *testing.T) {
	rec := &recordingObserver{changes: make(chan [2]State, 4)}
	b, _ := newTestBreaker(t, WithObserver(panickingObserver{}), WithObserver(rec))
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.ErrorIs(t, b.Execute(ctx, fail), errDependency)
	}
	assert.Equal(t, StateOpen, b.State())

	select {
	case change := <-rec.changes:
		assert.Equal(t, [2]State{StateClosed, StateOpen}, change)
	case <-time.After(time.Second):
		t.Fatal("observer was not notified")
	}
}

func TestConfig_Validate(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
	_, err = New(Config{Name: "x", ErrorThresholdPercentage: 101})
	assert.Error(t, err)
	_, err = New(Config{Name: "x", ResetTimeout: -time.Second})
	assert.Error(t, err)

	b, err := New(Config{Name: "x", ErrorThresholdPercentage: 50})
	require.NoError(t, err)
	assert.Equal(t, DefaultRollingWindow, b.Config().RollingWindow)
	assert.Equal(t, DefaultTimeout, b.Config().Timeout)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "CLOSED", StateClosed.String())
	assert.Equal(t, "OPEN", StateOpen.String())
	assert.Equal(t, "HALF_OPEN", StateHalfOpen.String())
}
