package dlq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vietddude/scrapeguard/internal/core/domain"
	"github.com/vietddude/scrapeguard/internal/metrics"
)

// ErrPermanent marks a replay failure that retrying cannot fix. Handlers
// wrap it to escalate the operation straight to manual handling.
var ErrPermanent = errors.New("permanent failure")

// Permanent wraps err so the replayer escalates instead of rescheduling.
func Permanent(err error) error {
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// DeferredError asks the replayer to try again later without booking an
// attempt. Handlers return it when the work was never actually tried.
type DeferredError struct {
	Until time.Time
	Err   error
}

func (e *DeferredError) Error() string {
	return fmt.Sprintf("deferred until %s: %v", e.Until.Format(time.RFC3339), e.Err)
}

func (e *DeferredError) Unwrap() error { return e.Err }

// Defer wraps err so the replayer reschedules the operation at until.
func Defer(err error, until time.Time) error {
	return &DeferredError{Until: until, Err: err}
}

// Handler replays one operation from its stored context.
type Handler func(ctx context.Context, op *domain.FailedOperation) error

// Report summarises one replay pass.
type Report struct {
	Processed int `json:"processed"`
	Resolved  int `json:"resolved"`
	Retried   int `json:"retried"`
	Escalated int `json:"escalated"`
	Deferred  int `json:"deferred"`
	Errors    int `json:"errors"`
}

// Replayer drains due operations through per-type handlers.
type Replayer struct {
	queue *Queue
	log   *slog.Logger

	mu       sync.RWMutex
	handlers map[domain.OperationType]Handler
}

// NewReplayer creates a replayer over queue.
func NewReplayer(queue *Queue, log *slog.Logger) *Replayer {
	if log == nil {
		log = slog.Default()
	}
	return &Replayer{
		queue:    queue,
		log:      log,
		handlers: make(map[domain.OperationType]Handler),
	}
}

// Handle registers the handler for an operation type, replacing any previous one.
func (r *Replayer) Handle(t domain.OperationType, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[t] = h
}

func (r *Replayer) handler(t domain.OperationType) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[t]
	return h, ok
}

// ProcessDue replays every due operation once. Individual replay failures
// are booked on the operation; only storage errors are returned.
func (r *Replayer) ProcessDue(ctx context.Context) (Report, error) {
	ops, err := r.queue.GetRetryable(ctx)
	if err != nil {
		return Report{}, err
	}

	var resolved, retried, escalated, deferred, failed int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.queue.cfg.Concurrency)

	for _, op := range ops {
		g.Go(func() error {
			result, err := r.replay(gctx, op)
			if err != nil {
				atomic.AddInt64(&failed, 1)
				r.log.Error("Failed to book replay outcome", "id", op.ID, "type", op.Type, "error", err)
				return nil
			}
			metrics.DLQReplaysTotal.WithLabelValues(string(op.Type), result).Inc()
			switch result {
			case "resolved":
				atomic.AddInt64(&resolved, 1)
			case "retried":
				atomic.AddInt64(&retried, 1)
			case "escalated":
				atomic.AddInt64(&escalated, 1)
			case "deferred":
				atomic.AddInt64(&deferred, 1)
			}
			return nil
		})
	}
	_ = g.Wait()

	report := Report{
		Processed: len(ops),
		Resolved:  int(resolved),
		Retried:   int(retried),
		Escalated: int(escalated),
		Deferred:  int(deferred),
		Errors:    int(failed),
	}
	if report.Processed > 0 {
		r.log.Info("Replayed failed operations",
			"processed", report.Processed,
			"resolved", report.Resolved,
			"retried", report.Retried,
			"escalated", report.Escalated,
			"deferred", report.Deferred)
	}
	r.refreshGauge(ctx)
	return report, nil
}

// replay runs the handler and books the outcome.
func (r *Replayer) replay(ctx context.Context, op *domain.FailedOperation) (string, error) {
	h, ok := r.handler(op.Type)
	if !ok {
		_, err := r.queue.MarkRequiresManual(ctx, op.ID, fmt.Sprintf("no replay handler for %s", op.Type))
		return "escalated", err
	}

	herr := safeCall(ctx, h, op)
	var deferred *DeferredError
	switch {
	case herr == nil:
		_, err := r.queue.MarkResolved(ctx, op.ID)
		return "resolved", err
	case errors.As(herr, &deferred):
		_, err := r.queue.Postpone(ctx, op.ID, deferred.Until)
		return "deferred", err
	case errors.Is(herr, ErrPermanent):
		_, err := r.queue.MarkRequiresManual(ctx, op.ID, herr.Error())
		return "escalated", err
	default:
		updated, err := r.queue.RetryOperation(ctx, op.ID, herr)
		if err != nil {
			return "", err
		}
		if updated.Status == domain.OperationStatusRequiresManual {
			return "escalated", nil
		}
		return "retried", nil
	}
}

func safeCall(ctx context.Context, h Handler, op *domain.FailedOperation) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("replay handler panicked: %v", rec)
		}
	}()
	return h(ctx, op)
}

func (r *Replayer) refreshGauge(ctx context.Context) {
	stats, err := r.queue.Stats(ctx, domain.OperationFilter{})
	if err != nil {
		r.log.Warn("Failed to refresh DLQ gauge", "error", err)
		return
	}
	for _, s := range []domain.OperationStatus{
		domain.OperationStatusPendingRetry,
		domain.OperationStatusRequiresManual,
		domain.OperationStatusResolved,
	} {
		metrics.DLQItems.WithLabelValues(string(s)).Set(float64(stats.ByStatus[s]))
	}
}
