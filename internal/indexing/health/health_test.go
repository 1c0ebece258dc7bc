package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/vietddude/vaultwatch/internal/core/domain"
	"github.com/vietddude/vaultwatch/internal/indexing/indexer"
	"github.com/vietddude/vaultwatch/internal/infra/storage"
	"github.com/vietddude/vaultwatch/internal/infra/storage/memory"
)

// =============================================================================
// Stubs
// =============================================================================

type stubSource struct {
	status indexer.Status
}

func (s *stubSource) GetStatus() indexer.Status { return s.status }

// brokenQueue fails every count.
type brokenQueue struct {
	storage.FailedEventRepository
}

func (brokenQueue) Count(context.Context, string) (int, error) {
	return 0, errors.New("dial tcp: connection refused")
}

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func status(lag int64) indexer.Status {
	return indexer.Status{
		SourceID:      "vault-manager",
		Checkpoint:    1000,
		LatestBlock:   1000 + uint64(lag),
		Lag:           lag,
		LastTickAt:    now.Add(-10 * time.Second),
		LastSuccessAt: now.Add(-10 * time.Second),
	}
}

func queue(t *testing.T, pending int) storage.FailedEventRepository {
	t.Helper()
	repo := memory.NewFailedRepo(memory.NewMemoryStorage())
	for range pending {
		if err := repo.Add(context.Background(), &domain.FailedEvent{SourceID: "vault-manager"}); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	return repo
}

func newTestMonitor(st indexer.Status, repo storage.FailedEventRepository) *Monitor {
	m := NewMonitor([]StatusSource{&stubSource{status: st}}, repo, DefaultThresholds())
	m.now = func() time.Time { return now }
	return m
}

// =============================================================================
// Tests
// =============================================================================

func TestMonitor_Status(t *testing.T) {
	tests := []struct {
		name    string
		status  indexer.Status
		pending int
		want    SystemStatus
	}{
		{"healthy", status(5), 0, StatusHealthy},
		{"lag degraded", status(150), 0, StatusDegraded},
		{"lag critical", status(2000), 0, StatusCritical},
		{"dead letters degraded", status(5), 2, StatusDegraded},
		{"dead letters critical", status(5), 51, StatusCritical},
		{"last tick failed", func() indexer.Status {
			s := status(5)
			s.LastError = "latest block: 503"
			return s
		}(), 0, StatusDegraded},
		{"stale", func() indexer.Status {
			s := status(5)
			s.LastSuccessAt = now.Add(-time.Hour)
			return s
		}(), 0, StatusCritical},
		{"not started yet", indexer.Status{SourceID: "vault-manager"}, 0, StatusHealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report := newTestMonitor(tt.status, queue(t, tt.pending)).CheckHealth(context.Background())
			h := report.Sources["vault-manager"]
			if h.Status != tt.want {
				t.Errorf("expected %s, got %s (%v)", tt.want, h.Status, h.Reasons)
			}
			if report.SystemStatus != tt.want {
				t.Errorf("expected system %s, got %s", tt.want, report.SystemStatus)
			}
			if h.DeadLetters != tt.pending {
				t.Errorf("expected %d dead letters, got %d", tt.pending, h.DeadLetters)
			}
		})
	}
}

func TestMonitor_QueueUnavailable(t *testing.T) {
	report := newTestMonitor(status(5), brokenQueue{}).CheckHealth(context.Background())
	if got := report.Sources["vault-manager"].Status; got != StatusDegraded {
		t.Errorf("expected degraded, got %s", got)
	}
}

func TestMonitor_CachesReport(t *testing.T) {
	src := &stubSource{status: status(5)}
	m := NewMonitor([]StatusSource{src}, nil, DefaultThresholds())
	clock := now
	m.now = func() time.Time { return clock }

	if got := m.CheckHealth(context.Background()).SystemStatus; got != StatusHealthy {
		t.Fatalf("expected healthy, got %s", got)
	}

	src.status = status(5000)
	clock = clock.Add(time.Second)
	if got := m.CheckHealth(context.Background()).SystemStatus; got != StatusHealthy {
		t.Errorf("expected cached healthy report, got %s", got)
	}

	clock = clock.Add(time.Minute)
	if got := m.CheckHealth(context.Background()).SystemStatus; got != StatusCritical {
		t.Errorf("expected refreshed critical report, got %s", got)
	}
}

func TestServer_Endpoints(t *testing.T) {
	tests := []struct {
		name     string
		lag      int64
		wantCode int
		want     SystemStatus
	}{
		{"healthy", 5, http.StatusOK, StatusHealthy},
		{"degraded is still up", 150, http.StatusOK, StatusDegraded},
		{"critical", 5000, http.StatusServiceUnavailable, StatusCritical},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := NewServer(newTestMonitor(status(tt.lag), nil), 0)

			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
			if rec.Code != tt.wantCode {
				t.Errorf("expected %d, got %d", tt.wantCode, rec.Code)
			}
			var body map[string]string
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body["status"] != string(tt.want) {
				t.Errorf("expected %s, got %s", tt.want, body["status"])
			}

			rec = httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/detailed", nil))
			var report HealthReport
			if err := json.NewDecoder(rec.Body).Decode(&report); err != nil {
				t.Fatalf("decode detailed: %v", err)
			}
			if report.Sources["vault-manager"].BlockLag != uint64(tt.lag) {
				t.Errorf("expected lag %d, got %+v", tt.lag, report.Sources)
			}
		})
	}
}

func TestServer_Metrics(t *testing.T) {
	srv := NewServer(newTestMonitor(status(5), nil), 0)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 from /metrics, got %d", rec.Code)
	}
}
