// Package health provides system health monitoring and status reporting.
package health

import "time"

// SystemStatus represents the overall health state of the system or a component.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusDegraded SystemStatus = "degraded"
	StatusCritical SystemStatus = "critical"
)

// rank orders statuses so the worst one can be picked.
func (s SystemStatus) rank() int {
	switch s {
	case StatusCritical:
		return 2
	case StatusDegraded:
		return 1
	}
	return 0
}

func worst(a, b SystemStatus) SystemStatus {
	if b.rank() > a.rank() {
		return b
	}
	return a
}

// SourceHealth contains health metrics for one indexed source.
type SourceHealth struct {
	SourceID      string       `json:"source_id"`
	Status        SystemStatus `json:"status"`
	Checkpoint    uint64       `json:"checkpoint"`
	LatestBlock   uint64       `json:"latest_block"`
	BlockLag      uint64       `json:"block_lag"`
	DeadLetters   int          `json:"dead_letters"`
	LastTickAt    time.Time    `json:"last_tick_at,omitzero"`
	LastSuccessAt time.Time    `json:"last_success_at,omitzero"`
	LastError     string       `json:"last_error,omitempty"`
	Reasons       []string     `json:"reasons,omitempty"`
}

// HealthReport contains the full system health report.
type HealthReport struct {
	SystemStatus SystemStatus            `json:"system_status"`
	Sources      map[string]SourceHealth `json:"sources"`
}
