package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/vietddude/scrapeguard/internal/infra/storage"
)

// Pruner deletes raw health events based on retention policy.
type Pruner struct {
	retention time.Duration
	repo      storage.HealthEventPruner
	log       *slog.Logger
	nowFn     func() time.Time
}

// NewPruner creates a new Pruner worker.
func NewPruner(retention time.Duration, repo storage.HealthEventPruner, log *slog.Logger) *Pruner {
	if log == nil {
		log = slog.Default()
	}
	return &Pruner{
		retention: retention,
		repo:      repo,
		log:       log,
		nowFn:     time.Now,
	}
}

// Interval is how often the pruner runs: a tenth of the retention period,
// between one minute and one hour.
func (p *Pruner) Interval() time.Duration {
	interval := min(p.retention/10, 1*time.Hour)
	return max(interval, 1*time.Minute)
}

// Start runs the pruner loop.
func (p *Pruner) Start(ctx context.Context) {
	if p.retention <= 0 {
		return // Retention disabled
	}

	ticker := time.NewTicker(p.Interval())
	defer ticker.Stop()

	// Initial prune
	p.Prune(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Prune(ctx)
		}
	}
}

// Prune deletes events older than the retention period once.
func (p *Pruner) Prune(ctx context.Context) int64 {
	cutoff := p.nowFn().Add(-p.retention)
	deleted, err := p.repo.DeleteEventsBefore(ctx, cutoff)
	if err != nil {
		p.log.Error("Failed to prune health events", "cutoff", cutoff, "error", err)
		return 0
	}
	if deleted > 0 {
		p.log.Debug("Pruned health events", "deleted", deleted, "cutoff", cutoff)
	}
	return deleted
}
