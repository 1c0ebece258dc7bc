package recovery

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/vietddude/vaultwatch/internal/core/domain"
	"github.com/vietddude/vaultwatch/internal/core/logging"
	"github.com/vietddude/vaultwatch/internal/indexing/indexer"
	"github.com/vietddude/vaultwatch/internal/infra/storage/memory"
)

const source = "vault-manager"

// =============================================================================
// Fake Replayer
// =============================================================================

type fakeReplayer struct {
	err   error
	calls []string
}

func (r *fakeReplayer) Replay(_ context.Context, fe *domain.FailedEvent) error {
	r.calls = append(r.calls, fe.ID)
	return r.err
}

func newQueue(t *testing.T, events ...*domain.FailedEvent) *memory.FailedRepo {
	t.Helper()
	repo := memory.NewFailedRepo(memory.NewMemoryStorage())
	for _, fe := range events {
		fe.SourceID = source
		if err := repo.Add(context.Background(), fe); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	return repo
}

func failedAt(id string, block uint64, lastAttempt time.Time) *domain.FailedEvent {
	return &domain.FailedEvent{
		ID:          id,
		TxHash:      fmt.Sprintf("0x%064x", block),
		BlockNumber: block,
		Error:       "deadlock detected",
		LastAttempt: lastAttempt,
	}
}

func newTestHandler(repo *memory.FailedRepo, r Replayer, s RetryStrategy) *Handler {
	return NewHandler(source, repo, r, s, logging.NewDiscard())
}

// =============================================================================
// Strategy Tests
// =============================================================================

func TestBackoff_Delay(t *testing.T) {
	strategy := DefaultBackoff(nil)
	strategy.InitialDelay = 1 * time.Second
	strategy.MaxDelay = 10 * time.Second

	// Attempt 0: 1*2^0 = 1s
	if d := strategy.GetDelay(0); d != 1*time.Second {
		t.Errorf("expected 1s, got %v", d)
	}

	// Attempt 1: 1*2^1 = 2s
	if d := strategy.GetDelay(1); d != 2*time.Second {
		t.Errorf("expected 2s, got %v", d)
	}

	// Attempt 2: 1*2^2 = 4s
	if d := strategy.GetDelay(2); d != 4*time.Second {
		t.Errorf("expected 4s, got %v", d)
	}

	// Attempt 10: Cap at MaxDelay (10s)
	if d := strategy.GetDelay(10); d != 10*time.Second {
		t.Errorf("expected 10s, got %v", d)
	}
}

func TestBackoff_ShouldRetry(t *testing.T) {
	strategy := DefaultBackoff(nil)
	strategy.MaxAttempts = 3

	if !strategy.ShouldRetry(errors.New("err"), 0) {
		t.Error("should retry attempt 0")
	}
	if !strategy.ShouldRetry(errors.New("err"), 2) {
		t.Error("should retry attempt 2")
	}
	if strategy.ShouldRetry(errors.New("err"), 3) {
		t.Error("should NOT retry attempt 3 (max reached)")
	}
	permanent := fmt.Errorf("%w: tx 0x01 log 0 is no longer a tracked event", indexer.ErrNotReplayable)
	if strategy.ShouldRetry(permanent, 0) {
		t.Error("should NOT retry an event that cannot decode")
	}
}

// =============================================================================
// Handler Tests
// =============================================================================

func TestHandler_ProcessNext_Success(t *testing.T) {
	repo := newQueue(t, failedAt("fail-1", 100, time.Now().Add(-time.Hour)))
	replayer := &fakeReplayer{}
	handler := newTestHandler(repo, replayer, DefaultBackoff(nil))
	ctx := context.Background()

	attempted, err := handler.ProcessNext(ctx)
	if err != nil {
		t.Fatalf("ProcessNext failed: %v", err)
	}
	if !attempted || len(replayer.calls) != 1 {
		t.Fatal("expected one replay")
	}

	if n, _ := repo.Count(ctx, source); n != 0 {
		t.Errorf("expected event to be resolved, %d pending", n)
	}
}

func TestHandler_ProcessNext_Wait(t *testing.T) {
	// Just attempted, so the 30s initial delay has not elapsed.
	repo := newQueue(t, failedAt("fail-1", 100, time.Now()))
	replayer := &fakeReplayer{}
	handler := newTestHandler(repo, replayer, DefaultBackoff(nil))

	attempted, err := handler.ProcessNext(context.Background())
	if err != nil {
		t.Fatalf("ProcessNext failed: %v", err)
	}
	if attempted || len(replayer.calls) != 0 {
		t.Error("should NOT have replayed (too early)")
	}
}

func TestHandler_ProcessNext_FailAndIncrement(t *testing.T) {
	repo := newQueue(t, failedAt("fail-1", 100, time.Now().Add(-time.Hour)))
	replayer := &fakeReplayer{err: errors.New("connection reset by peer")}
	handler := newTestHandler(repo, replayer, DefaultBackoff(nil))
	ctx := context.Background()

	if _, err := handler.ProcessNext(ctx); err != nil {
		t.Fatalf("ProcessNext failed: %v", err)
	}

	pending, _ := repo.GetAll(ctx, source)
	if len(pending) != 1 {
		t.Fatal("event should stay in queue")
	}
	if pending[0].RetryCount != 1 {
		t.Errorf("expected retry count 1, got %d", pending[0].RetryCount)
	}
	if pending[0].Error != "connection reset by peer" {
		t.Errorf("expected last error recorded, got %q", pending[0].Error)
	}

	// The fresh attempt pushes the next try out by the backoff.
	if attempted, _ := handler.ProcessNext(ctx); attempted {
		t.Error("expected backoff after a failed attempt")
	}
}

func TestHandler_GivesUpAfterMaxAttempts(t *testing.T) {
	fe := failedAt("fail-1", 100, time.Now().Add(-time.Hour))
	fe.RetryCount = 2
	repo := newQueue(t, fe)
	strategy := DefaultBackoff(nil)
	strategy.MaxAttempts = 3
	handler := newTestHandler(repo, &fakeReplayer{err: errors.New("still failing")}, strategy)
	handler.now = func() time.Time { return time.Now().Add(24 * time.Hour) }
	ctx := context.Background()

	if _, err := handler.ProcessNext(ctx); err != nil {
		t.Fatalf("ProcessNext failed: %v", err)
	}
	if n, _ := repo.Count(ctx, source); n != 0 {
		t.Errorf("expected event to be ignored, %d pending", n)
	}

	// Ignored events are settled and can be pruned.
	deleted, err := repo.DeleteResolvedBefore(ctx, time.Now().Add(time.Minute))
	if err != nil || deleted != 1 {
		t.Errorf("expected 1 settled event, got %d (%v)", deleted, err)
	}
}

func TestHandler_PermanentFailureIgnoredImmediately(t *testing.T) {
	repo := newQueue(t, failedAt("fail-1", 100, time.Now().Add(-time.Hour)))
	replayer := &fakeReplayer{err: fmt.Errorf("%w: unmarshal stored log", indexer.ErrNotReplayable)}
	handler := newTestHandler(repo, replayer, DefaultBackoff(nil))
	ctx := context.Background()

	if _, err := handler.ProcessNext(ctx); err != nil {
		t.Fatalf("ProcessNext failed: %v", err)
	}
	if n, _ := repo.Count(ctx, source); n != 0 {
		t.Errorf("expected permanent failure to be ignored, %d pending", n)
	}
}

func TestHandler_Retry(t *testing.T) {
	repo := newQueue(t,
		failedAt("fail-1", 100, time.Now()),
		failedAt("fail-2", 101, time.Now()),
	)
	replayer := &fakeReplayer{}
	handler := newTestHandler(repo, replayer, DefaultBackoff(nil))
	ctx := context.Background()

	if err := handler.Retry(ctx, "fail-2"); err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	if len(replayer.calls) != 1 || replayer.calls[0] != "fail-2" {
		t.Errorf("expected fail-2 replayed despite backoff, got %v", replayer.calls)
	}
	if n, _ := repo.Count(ctx, source); n != 1 {
		t.Errorf("expected 1 pending, got %d", n)
	}

	if err := handler.Retry(ctx, "missing"); err == nil {
		t.Error("expected error for unknown id")
	}
}

func TestHandler_RunDrainsDueEvents(t *testing.T) {
	old := time.Now().Add(-time.Hour)
	repo := newQueue(t,
		failedAt("fail-1", 100, old),
		failedAt("fail-2", 101, old.Add(time.Second)),
		failedAt("fail-3", 102, time.Now().Add(time.Hour)),
	)
	replayer := &fakeReplayer{}
	handler := newTestHandler(repo, replayer, DefaultBackoff(nil))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		handler.Run(ctx, time.Hour)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for {
		if n, _ := repo.Count(context.Background(), source); n == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("due events were not drained")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done

	pending, _ := repo.GetAll(context.Background(), source)
	if len(pending) != 1 || pending[0].ID != "fail-3" {
		t.Errorf("expected only the not-yet-due event left, got %v", pending)
	}
}
