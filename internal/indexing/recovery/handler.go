// Package recovery replays dead-lettered events until they apply or are
// given up on.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/vietddude/vaultwatch/internal/core/domain"
	"github.com/vietddude/vaultwatch/internal/indexing/metrics"
	"github.com/vietddude/vaultwatch/internal/infra/storage"
)

// Replayer re-applies one dead-lettered event.
type Replayer interface {
	Replay(ctx context.Context, fe *domain.FailedEvent) error
}

// Handler processes the dead-letter queue of one source.
type Handler struct {
	sourceID string
	repo     storage.FailedEventRepository
	replayer Replayer
	strategy RetryStrategy
	log      *slog.Logger
	now      func() time.Time
}

// NewHandler creates a new dead-letter handler.
func NewHandler(
	sourceID string,
	repo storage.FailedEventRepository,
	replayer Replayer,
	strategy RetryStrategy,
	logger *slog.Logger,
) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		sourceID: sourceID,
		repo:     repo,
		replayer: replayer,
		strategy: strategy,
		log:      logger.With("component", "recovery", "source", sourceID),
		now:      time.Now,
	}
}

// ProcessNext replays the event with the oldest attempt if its backoff has
// elapsed. attempted is false when the queue is empty or nothing is due.
func (h *Handler) ProcessNext(ctx context.Context) (attempted bool, err error) {
	fe, err := h.repo.GetNext(ctx, h.sourceID)
	if err != nil {
		return false, fmt.Errorf("failed to get next failed event: %w", err)
	}
	if fe == nil {
		return false, nil
	}

	delay := h.strategy.GetDelay(fe.RetryCount)
	if h.now().Before(fe.LastAttempt.Add(delay)) {
		return false, nil
	}
	return true, h.attempt(ctx, fe)
}

// Retry replays the event with the given id immediately, ignoring backoff.
func (h *Handler) Retry(ctx context.Context, id string) error {
	pending, err := h.repo.GetAll(ctx, h.sourceID)
	if err != nil {
		return fmt.Errorf("failed to list failed events: %w", err)
	}
	for _, fe := range pending {
		if fe.ID == id {
			return h.attempt(ctx, fe)
		}
	}
	return fmt.Errorf("failed event %s: %w", id, storage.ErrNotFound)
}

func (h *Handler) attempt(ctx context.Context, fe *domain.FailedEvent) error {
	defer h.observePending(ctx)

	replayErr := h.replayer.Replay(ctx, fe)
	if replayErr == nil {
		metrics.ReplaysTotal.WithLabelValues(h.sourceID, "resolved").Inc()
		h.log.Info("Replayed failed event",
			"id", fe.ID,
			"block", fe.BlockNumber,
			"tx", fe.TxHash,
			"log_index", fe.LogIndex,
			"attempts", fe.RetryCount+1,
		)
		if err := h.repo.MarkResolved(ctx, fe.ID); err != nil {
			return fmt.Errorf("failed to resolve event %s: %w", fe.ID, err)
		}
		return nil
	}

	if !h.strategy.ShouldRetry(replayErr, fe.RetryCount+1) {
		metrics.ReplaysTotal.WithLabelValues(h.sourceID, "ignored").Inc()
		h.log.Warn("Giving up on failed event",
			"id", fe.ID,
			"block", fe.BlockNumber,
			"tx", fe.TxHash,
			"log_index", fe.LogIndex,
			"attempts", fe.RetryCount+1,
			"error", replayErr,
		)
		if err := h.repo.MarkIgnored(ctx, fe.ID); err != nil {
			return fmt.Errorf("failed to ignore event %s: %w", fe.ID, err)
		}
		return nil
	}

	metrics.ReplaysTotal.WithLabelValues(h.sourceID, "retry").Inc()
	h.log.Debug("Replay failed, will retry",
		"id", fe.ID,
		"attempts", fe.RetryCount+1,
		"error", replayErr,
	)
	if err := h.repo.IncrementRetry(ctx, fe.ID, replayErr.Error()); err != nil {
		return fmt.Errorf("failed to increment retry: %w", err)
	}
	return nil
}

// Run drains due events every interval until ctx is done.
func (h *Handler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		h.drain(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// drainLimit bounds the work of one pass so a large queue cannot starve ctx.
const drainLimit = 100

func (h *Handler) drain(ctx context.Context) {
	for range drainLimit {
		if ctx.Err() != nil {
			return
		}
		attempted, err := h.ProcessNext(ctx)
		if err != nil {
			h.log.Error("Dead-letter replay failed", "error", err)
			return
		}
		if !attempted {
			return
		}
	}
}

func (h *Handler) observePending(ctx context.Context) {
	if n, err := h.repo.Count(ctx, h.sourceID); err == nil {
		metrics.DeadLetterPending.WithLabelValues(h.sourceID).Set(float64(n))
	}
}
