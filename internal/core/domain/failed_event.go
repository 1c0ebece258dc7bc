package domain

import (
	"encoding/json"
	"time"
)

// FailedEvent is a decoded event whose persistence failed and was skipped.
// RawLog holds the original log JSON so the event can be re-decoded on replay.
type FailedEvent struct {
	ID             string            `json:"id"`
	SourceID       string            `json:"source_id"`
	TxHash         string            `json:"tx_hash"`
	LogIndex       uint              `json:"log_index"`
	BlockNumber    uint64            `json:"block_number"`
	BlockTimestamp time.Time         `json:"block_timestamp"`
	RawLog         json.RawMessage   `json:"raw_log"`
	Error          string            `json:"error"`
	RetryCount     int               `json:"retry_count"`
	Status         FailedEventStatus `json:"status"`
	LastAttempt    time.Time         `json:"last_attempt"`
	CreatedAt      time.Time         `json:"created_at"`
}

// FailedEventStatus represents the status of a dead-letter entry
type FailedEventStatus string

const (
	FailedEventStatusPending  FailedEventStatus = "pending"
	FailedEventStatusResolved FailedEventStatus = "resolved"
	FailedEventStatusIgnored  FailedEventStatus = "ignored"
)
