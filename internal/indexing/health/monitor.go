package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vietddude/vaultwatch/internal/indexing/indexer"
	"github.com/vietddude/vaultwatch/internal/infra/storage"
)

// StatusSource reports the state of an indexing loop.
type StatusSource interface {
	GetStatus() indexer.Status
}

// Thresholds decide when a source is degraded or critical.
type Thresholds struct {
	LagDegraded        uint64
	LagCritical        uint64
	DeadLetterCritical int
	// StaleAfter is how long without a successful tick is critical.
	StaleAfter time.Duration
	// CacheFor limits how often queues are counted.
	CacheFor time.Duration
}

// DefaultThresholds suit a loop polling every few seconds with batches of
// a hundred blocks.
func DefaultThresholds() Thresholds {
	return Thresholds{
		LagDegraded:        100,
		LagCritical:        1000,
		DeadLetterCritical: 50,
		StaleAfter:         5 * time.Minute,
		CacheFor:           10 * time.Second,
	}
}

// Monitor aggregates health status from the indexer and its queues.
type Monitor struct {
	sources    []StatusSource
	failedRepo storage.FailedEventRepository
	thresholds Thresholds
	now        func() time.Time

	mu         sync.Mutex
	lastCheck  time.Time
	lastReport HealthReport
}

// NewMonitor creates a new health monitor. failedRepo may be nil.
func NewMonitor(sources []StatusSource, failedRepo storage.FailedEventRepository, thresholds Thresholds) *Monitor {
	return &Monitor{
		sources:    sources,
		failedRepo: failedRepo,
		thresholds: thresholds,
		now:        time.Now,
	}
}

// CheckHealth evaluates every source. Results are cached for CacheFor.
func (m *Monitor) CheckHealth(ctx context.Context) HealthReport {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if !m.lastCheck.IsZero() && now.Sub(m.lastCheck) < m.thresholds.CacheFor {
		return m.lastReport
	}

	report := HealthReport{
		SystemStatus: StatusHealthy,
		Sources:      make(map[string]SourceHealth, len(m.sources)),
	}
	for _, src := range m.sources {
		h := m.evaluate(ctx, src.GetStatus(), now)
		report.Sources[h.SourceID] = h
		report.SystemStatus = worst(report.SystemStatus, h.Status)
	}

	m.lastCheck = now
	m.lastReport = report
	return report
}

func (m *Monitor) evaluate(ctx context.Context, st indexer.Status, now time.Time) SourceHealth {
	h := SourceHealth{
		SourceID:      st.SourceID,
		Status:        StatusHealthy,
		Checkpoint:    st.Checkpoint,
		LatestBlock:   st.LatestBlock,
		LastTickAt:    st.LastTickAt,
		LastSuccessAt: st.LastSuccessAt,
		LastError:     st.LastError,
	}
	if st.Lag > 0 {
		h.BlockLag = uint64(st.Lag)
	}
	mark := func(s SystemStatus, format string, args ...any) {
		h.Status = worst(h.Status, s)
		h.Reasons = append(h.Reasons, fmt.Sprintf(format, args...))
	}

	switch {
	case h.BlockLag > m.thresholds.LagCritical:
		mark(StatusCritical, "lag %d blocks", h.BlockLag)
	case h.BlockLag > m.thresholds.LagDegraded:
		mark(StatusDegraded, "lag %d blocks", h.BlockLag)
	}

	if m.failedRepo != nil {
		if n, err := m.failedRepo.Count(ctx, st.SourceID); err != nil {
			mark(StatusDegraded, "dead-letter queue unavailable")
		} else {
			h.DeadLetters = n
			switch {
			case n > m.thresholds.DeadLetterCritical:
				mark(StatusCritical, "%d dead letters", n)
			case n > 0:
				mark(StatusDegraded, "%d dead letters", n)
			}
		}
	}

	if st.LastError != "" {
		mark(StatusDegraded, "last tick failed")
	}
	// Only judge staleness once the loop has ticked at all.
	if !st.LastTickAt.IsZero() && m.thresholds.StaleAfter > 0 {
		since := st.LastSuccessAt
		if since.IsZero() {
			since = st.LastTickAt
		}
		if now.Sub(since) > m.thresholds.StaleAfter {
			mark(StatusCritical, "no successful tick for %s", now.Sub(since).Truncate(time.Second))
		}
	}
	return h
}
