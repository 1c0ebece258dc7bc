package worker

import (
	"context"
	"testing"
	"time"

	"github.com/vietddude/vaultwatch/internal/core/domain"
	"github.com/vietddude/vaultwatch/internal/core/logging"
	"github.com/vietddude/vaultwatch/internal/infra/storage/memory"
)

func TestPruner_Prune(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewFailedRepo(memory.NewMemoryStorage())

	for _, id := range []string{"resolved", "ignored", "pending"} {
		if err := repo.Add(ctx, &domain.FailedEvent{ID: id, SourceID: "vault-manager"}); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	if err := repo.MarkResolved(ctx, "resolved"); err != nil {
		t.Fatalf("MarkResolved: %v", err)
	}
	if err := repo.MarkIgnored(ctx, "ignored"); err != nil {
		t.Fatalf("MarkIgnored: %v", err)
	}

	p := NewPruner(24*time.Hour, repo, logging.NewDiscard())

	// Nothing is old enough yet.
	if n := p.Prune(ctx); n != 0 {
		t.Errorf("expected nothing pruned, got %d", n)
	}

	p.now = func() time.Time { return time.Now().Add(48 * time.Hour) }
	if n := p.Prune(ctx); n != 2 {
		t.Errorf("expected 2 settled entries pruned, got %d", n)
	}
	if n, _ := repo.Count(ctx, "vault-manager"); n != 1 {
		t.Errorf("pending entries must survive pruning, got %d", n)
	}
}

func TestPruner_DisabledReturnsImmediately(t *testing.T) {
	p := NewPruner(0, memory.NewFailedRepo(memory.NewMemoryStorage()), logging.NewDiscard())
	done := make(chan struct{})
	go func() {
		p.Start(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start should return when retention is disabled")
	}
}
