package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/scrapeguard/internal/core/domain"
)

type venueContext struct {
	URL string `json:"url"`
}

func TestReplayer_ProcessDue(t *testing.T) {
	q, clock := newTestQueue(t, Config{})
	ctx := context.Background()

	ok, err := q.Enqueue(ctx, Failure{
		Type:    domain.OperationTypeVenueVerification,
		Err:     errScrape,
		Context: venueContext{URL: "https://example.test/venue/1"},
	})
	require.NoError(t, err)
	flaky, err := q.Enqueue(ctx, Failure{Type: domain.OperationTypeDiscovery, Err: errScrape})
	require.NoError(t, err)
	gone, err := q.Enqueue(ctx, Failure{Type: domain.OperationTypeMenuScrape, Err: errScrape})
	require.NoError(t, err)
	orphan, err := q.Enqueue(ctx, Failure{Type: domain.OperationTypeDishExtraction, Err: errScrape})
	require.NoError(t, err)

	var replayedURL string
	r := NewReplayer(q, nil)
	r.Handle(domain.OperationTypeVenueVerification, func(_ context.Context, op *domain.FailedOperation) error {
		var vc venueContext
		if err := json.Unmarshal(op.Context, &vc); err != nil {
			return Permanent(err)
		}
		replayedURL = vc.URL
		return nil
	})
	r.Handle(domain.OperationTypeDiscovery, func(context.Context, *domain.FailedOperation) error {
		return errors.New("search API timeout")
	})
	r.Handle(domain.OperationTypeMenuScrape, func(context.Context, *domain.FailedOperation) error {
		return Permanent(errors.New("venue closed"))
	})

	report, err := r.ProcessDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{Processed: 4, Resolved: 1, Retried: 1, Escalated: 2}, report)
	assert.Equal(t, "https://example.test/venue/1", replayedURL)

	got, err := q.Get(ctx, ok.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OperationStatusResolved, got.Status)

	got, err = q.Get(ctx, flaky.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OperationStatusPendingRetry, got.Status)
	assert.Equal(t, 2, got.Attempts)
	assert.Equal(t, "search API timeout", got.Error)
	assert.Equal(t, clock.Now().Add(5*time.Minute), *got.NextRetryAt)

	got, err = q.Get(ctx, gone.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OperationStatusRequiresManual, got.Status)
	assert.Contains(t, got.ManualReason, "venue closed")

	got, err = q.Get(ctx, orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OperationStatusRequiresManual, got.Status)
	assert.Contains(t, got.ManualReason, "no replay handler")

	// nothing is due until the backoff elapses
	report, err = r.ProcessDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Processed)
}

func TestReplayer_PanickingHandlerIsRetried(t *testing.T) {
	q, _ := newTestQueue(t, Config{})
	ctx := context.Background()

	op, err := q.Enqueue(ctx, Failure{Type: domain.OperationTypeDiscovery, Err: errScrape})
	require.NoError(t, err)

	r := NewReplayer(q, nil)
	r.Handle(domain.OperationTypeDiscovery, func(context.Context, *domain.FailedOperation) error {
		panic("nil map")
	})

	report, err := r.ProcessDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Retried)

	got, err := q.Get(ctx, op.ID)
	require.NoError(t, err)
	assert.Contains(t, got.Error, "panicked")
}

func TestPermanent(t *testing.T) {
	cause := errors.New("404")
	err := Permanent(cause)
	assert.ErrorIs(t, err, ErrPermanent)
	assert.ErrorIs(t, err, cause)
}

func TestReplayer_DeferredKeepsAttempts(t *testing.T) {
	q, clock := newTestQueue(t, Config{})
	ctx := context.Background()

	op, err := q.Enqueue(ctx, Failure{Type: domain.OperationTypeMenuScrape, Err: errScrape, MaxAttempts: 2})
	require.NoError(t, err)

	reopen := clock.Now().Add(30 * time.Second)
	r := NewReplayer(q, nil)
	r.Handle(domain.OperationTypeMenuScrape, func(context.Context, *domain.FailedOperation) error {
		return Defer(errors.New("circuit deliveroo is open"), reopen)
	})

	for i := 0; i < 3; i++ {
		report, err := r.ProcessDue(ctx)
		require.NoError(t, err)
		assert.Equal(t, Report{Processed: 1, Deferred: 1}, report)

		got, err := q.Get(ctx, op.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, got.Attempts)
		assert.Equal(t, domain.OperationStatusPendingRetry, got.Status)
		require.NotNil(t, got.NextRetryAt)
		assert.Equal(t, reopen, *got.NextRetryAt)

		clock.Advance(time.Minute)
		reopen = clock.Now().Add(30 * time.Second)
	}
}

func TestQueue_PostponeRequiresPending(t *testing.T) {
	q, clock := newTestQueue(t, Config{})
	ctx := context.Background()

	op, err := q.Enqueue(ctx, Failure{Type: domain.OperationTypeDiscovery, Err: errScrape})
	require.NoError(t, err)

	got, err := q.Postpone(ctx, op.ID, clock.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, clock.Now(), *got.NextRetryAt, "past deadlines are due now")

	_, err = q.MarkRequiresManual(ctx, op.ID, "operator")
	require.NoError(t, err)
	_, err = q.Postpone(ctx, op.ID, clock.Now())
	assert.ErrorIs(t, err, ErrNotPending)
}
