package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/vietddude/vaultwatch/internal/indexing/metrics"
	"github.com/vietddude/vaultwatch/internal/infra/storage"
)

// Pruner deletes settled dead letters past their retention.
type Pruner struct {
	retention time.Duration
	repo      storage.FailedEventRepository
	log       *slog.Logger
	now       func() time.Time
}

// NewPruner creates a new Pruner worker.
func NewPruner(retention time.Duration, repo storage.FailedEventRepository, logger *slog.Logger) *Pruner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pruner{
		retention: retention,
		repo:      repo,
		log:       logger.With("component", "pruner"),
		now:       time.Now,
	}
}

// Start runs the pruner loop.
func (p *Pruner) Start(ctx context.Context) {
	if p.retention <= 0 {
		return // Retention disabled
	}

	// Check every 10% of the retention period, between 1 minute and 1 hour.
	interval := min(p.retention/10, 1*time.Hour)
	interval = max(interval, 1*time.Minute)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

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

// Prune runs one pass and returns the number of deleted entries.
func (p *Pruner) Prune(ctx context.Context) int64 {
	cutoff := p.now().Add(-p.retention)
	n, err := p.repo.DeleteResolvedBefore(ctx, cutoff)
	if err != nil {
		p.log.Error("Failed to prune dead letters", "cutoff", cutoff, "error", err)
		return 0
	}
	if n > 0 {
		metrics.DeadLetterPruned.Add(float64(n))
		p.log.Info("Pruned settled dead letters", "count", n, "cutoff", cutoff)
	}
	return n
}
