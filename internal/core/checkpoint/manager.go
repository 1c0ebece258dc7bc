// Package checkpoint owns the last fully processed block of each source.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vietddude/vaultwatch/internal/core/domain"
	"github.com/vietddude/vaultwatch/internal/indexing/metrics"
	"github.com/vietddude/vaultwatch/internal/infra/storage"
)

var (
	// ErrCheckpointNotFound is returned when a checkpoint doesn't exist.
	ErrCheckpointNotFound = errors.New("checkpoint not found")

	// ErrCheckpointRegression is returned when an advance would move the
	// checkpoint backwards.
	ErrCheckpointRegression = errors.New("checkpoint regression")
)

// Manager handles checkpoint operations with monotonic advance.
type Manager interface {
	// Get returns the checkpoint, or ErrCheckpointNotFound.
	Get(ctx context.Context, sourceID string) (domain.Checkpoint, error)

	// Initialize creates the checkpoint at block unless one exists, and
	// returns the stored checkpoint either way.
	Initialize(ctx context.Context, sourceID string, block uint64) (domain.Checkpoint, error)

	// Advance moves cp forward to block and persists it. The returned
	// checkpoint is only different from cp when the write succeeded.
	Advance(ctx context.Context, cp domain.Checkpoint, block uint64) (domain.Checkpoint, error)

	// Reset moves the checkpoint to block unconditionally. Operator use only.
	Reset(ctx context.Context, sourceID string, block uint64) (domain.Checkpoint, error)

	// GetLag returns how many blocks the checkpoint trails latestBlock.
	GetLag(ctx context.Context, sourceID string, latestBlock uint64) (int64, error)

	// GetMetrics returns throughput metrics for a source.
	GetMetrics(sourceID string) Metrics
}

// DefaultManager implements Manager on top of a repository.
type DefaultManager struct {
	repo       storage.CheckpointRepository
	mu         sync.Mutex
	collectors map[string]*MetricsCollector
	now        func() time.Time
}

// NewManager creates a new checkpoint manager.
func NewManager(repo storage.CheckpointRepository) *DefaultManager {
	return &DefaultManager{
		repo:       repo,
		collectors: make(map[string]*MetricsCollector),
		now:        time.Now,
	}
}

// Get returns the checkpoint for sourceID.
func (m *DefaultManager) Get(ctx context.Context, sourceID string) (domain.Checkpoint, error) {
	cp, err := m.repo.Get(ctx, sourceID)
	if err != nil {
		return domain.Checkpoint{}, fmt.Errorf("failed to get checkpoint: %w", err)
	}
	if cp == nil {
		return domain.Checkpoint{}, fmt.Errorf("%w: %s", ErrCheckpointNotFound, sourceID)
	}
	return *cp, nil
}

// Initialize creates the checkpoint at block if missing.
func (m *DefaultManager) Initialize(ctx context.Context, sourceID string, block uint64) (domain.Checkpoint, error) {
	existing, err := m.repo.Get(ctx, sourceID)
	if err != nil {
		return domain.Checkpoint{}, fmt.Errorf("failed to get checkpoint: %w", err)
	}
	if existing != nil {
		m.observe(*existing)
		return *existing, nil
	}

	cp := domain.Checkpoint{
		SourceID:           sourceID,
		LastProcessedBlock: block,
		LastUpdated:        m.now(),
	}
	if err := m.repo.Save(ctx, &cp); err != nil {
		return domain.Checkpoint{}, fmt.Errorf("failed to save checkpoint: %w", err)
	}
	m.observe(cp)
	return cp, nil
}

// Advance moves cp forward to block.
func (m *DefaultManager) Advance(ctx context.Context, cp domain.Checkpoint, block uint64) (domain.Checkpoint, error) {
	if block < cp.LastProcessedBlock {
		return cp, fmt.Errorf("%w: at %d, got %d", ErrCheckpointRegression, cp.LastProcessedBlock, block)
	}
	if block == cp.LastProcessedBlock {
		return cp, nil
	}

	next := domain.Checkpoint{
		SourceID:           cp.SourceID,
		LastProcessedBlock: block,
		LastUpdated:        m.now(),
	}
	if err := m.repo.Save(ctx, &next); err != nil {
		return cp, fmt.Errorf("failed to save checkpoint: %w", err)
	}
	m.observe(next)
	return next, nil
}

// Reset moves the checkpoint to block, in either direction.
func (m *DefaultManager) Reset(ctx context.Context, sourceID string, block uint64) (domain.Checkpoint, error) {
	cp := domain.Checkpoint{
		SourceID:           sourceID,
		LastProcessedBlock: block,
		LastUpdated:        m.now(),
	}
	if err := m.repo.Save(ctx, &cp); err != nil {
		return domain.Checkpoint{}, fmt.Errorf("failed to save checkpoint: %w", err)
	}

	m.mu.Lock()
	if c, ok := m.collectors[sourceID]; ok {
		c.Reset()
	}
	m.mu.Unlock()
	m.observe(cp)
	return cp, nil
}

// GetLag returns how many blocks behind the chain tip the checkpoint is.
func (m *DefaultManager) GetLag(ctx context.Context, sourceID string, latestBlock uint64) (int64, error) {
	cp, err := m.Get(ctx, sourceID)
	if err != nil {
		return 0, err
	}
	return int64(latestBlock) - int64(cp.LastProcessedBlock), nil
}

// GetMetrics returns throughput metrics for a source.
func (m *DefaultManager) GetMetrics(sourceID string) Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.collectors[sourceID]; ok {
		return c.GetMetrics()
	}
	return Metrics{}
}

func (m *DefaultManager) observe(cp domain.Checkpoint) {
	metrics.CheckpointBlock.WithLabelValues(cp.SourceID).Set(float64(cp.LastProcessedBlock))

	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.collectors[cp.SourceID]
	if !ok {
		c = NewMetricsCollector(100)
		m.collectors[cp.SourceID] = c
	}
	c.RecordAdvance(cp.LastProcessedBlock, cp.LastUpdated)
}
