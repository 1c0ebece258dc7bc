package domain

import "time"

// Checkpoint is the last fully processed block for one tracked source.
type Checkpoint struct {
	SourceID           string    `db:"source_id"`
	LastProcessedBlock uint64    `db:"last_processed_block"`
	LastUpdated        time.Time `db:"last_updated"`
}

// Next returns the first block the next tick should read.
func (c Checkpoint) Next() uint64 {
	return c.LastProcessedBlock + 1
}
