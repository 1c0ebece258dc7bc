package checkpoint

import (
	"time"
)

// advanceRecord holds timing data for one checkpoint write.
type advanceRecord struct {
	Block     uint64
	WrittenAt time.Time
}

// Metrics holds checkpoint throughput data.
type Metrics struct {
	BlocksPerSecond float64
	LastAdvanceAt   time.Time
	LastBlock       uint64
}

// MetricsCollector tracks checkpoint advances over a sliding window.
type MetricsCollector struct {
	windowSize int             // number of advances to track
	records    []advanceRecord // ring buffer of advances
}

// NewMetricsCollector creates a collector keeping windowSize advances.
func NewMetricsCollector(windowSize int) *MetricsCollector {
	return &MetricsCollector{
		windowSize: windowSize,
		records:    make([]advanceRecord, 0, windowSize),
	}
}

// RecordAdvance records a checkpoint write.
func (mc *MetricsCollector) RecordAdvance(block uint64, at time.Time) {
	record := advanceRecord{Block: block, WrittenAt: at}

	if len(mc.records) >= mc.windowSize {
		// Shift elements left, drop oldest
		copy(mc.records, mc.records[1:])
		mc.records[len(mc.records)-1] = record
	} else {
		mc.records = append(mc.records, record)
	}
}

// GetMetrics returns current metrics.
func (mc *MetricsCollector) GetMetrics() Metrics {
	var m Metrics
	if len(mc.records) == 0 {
		return m
	}
	last := mc.records[len(mc.records)-1]
	m.LastAdvanceAt = last.WrittenAt
	m.LastBlock = last.Block

	if len(mc.records) >= 2 {
		first := mc.records[0]
		duration := last.WrittenAt.Sub(first.WrittenAt)
		if duration > 0 && last.Block > first.Block {
			m.BlocksPerSecond = float64(last.Block-first.Block) / duration.Seconds()
		}
	}
	return m
}

// Reset clears all collected metrics.
func (mc *MetricsCollector) Reset() {
	mc.records = mc.records[:0]
}
