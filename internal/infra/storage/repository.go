package storage

import (
	"context"
	"errors"
	"time"

	"github.com/vietddude/vaultwatch/internal/core/domain"
)

var (
	// ErrPersistenceFatal marks storage failures that retrying cannot fix,
	// such as a lost connection or a schema mismatch. The tick aborts.
	ErrPersistenceFatal = errors.New("fatal persistence error")

	// ErrNotFound is returned by lookups that require a row.
	ErrNotFound = errors.New("not found")
)

// EventStore persists decoded events and the state derived from them.
type EventStore interface {
	// Begin starts a unit of work covering one event.
	Begin(ctx context.Context) (EventTx, error)

	// GetEntityState returns the current state for key, or nil if unseen.
	GetEntityState(ctx context.Context, key string) (*domain.EntityState, error)

	// ListHistory returns the history of key ordered by (block, log index).
	ListHistory(ctx context.Context, key string) ([]*domain.EntityHistory, error)

	// CountRawEvents returns the number of stored raw events.
	CountRawEvents(ctx context.Context) (int, error)
}

// EventTx groups the writes for one event. Nothing is visible to readers
// until Commit.
type EventTx interface {
	// InsertRawEvent stores the raw event. inserted is false when an event
	// with the same (tx hash, log index) already exists.
	InsertRawEvent(ctx context.Context, ev *domain.RawEvent) (inserted bool, err error)

	// UpsertEntityState merges u into the stored state and returns the result.
	UpsertEntityState(ctx context.Context, u domain.StateUpdate) (*domain.EntityState, error)

	// AppendHistory appends one history row.
	AppendHistory(ctx context.Context, h *domain.EntityHistory) error

	Commit() error
	// Rollback is safe to call after Commit.
	Rollback() error
}

// CheckpointRepository handles checkpoint storage.
type CheckpointRepository interface {
	// Get returns the checkpoint for sourceID, or nil if none exists.
	Get(ctx context.Context, sourceID string) (*domain.Checkpoint, error)

	// Save creates or replaces the checkpoint.
	Save(ctx context.Context, cp *domain.Checkpoint) error
}

// FailedEventRepository is the dead-letter queue for events that could not
// be persisted.
type FailedEventRepository interface {
	// Add adds a failed event.
	Add(ctx context.Context, fe *domain.FailedEvent) error

	// GetNext returns the pending event with the oldest attempt, or nil.
	GetNext(ctx context.Context, sourceID string) (*domain.FailedEvent, error)

	// GetAll returns all pending events.
	GetAll(ctx context.Context, sourceID string) ([]*domain.FailedEvent, error)

	// IncrementRetry records a failed replay attempt.
	IncrementRetry(ctx context.Context, id string, errMsg string) error

	// MarkResolved marks an event as replayed.
	MarkResolved(ctx context.Context, id string) error

	// MarkIgnored gives up on an event.
	MarkIgnored(ctx context.Context, id string) error

	// Count returns the number of pending events.
	Count(ctx context.Context, sourceID string) (int, error)

	// DeleteResolvedBefore removes resolved and ignored events older than cutoff.
	DeleteResolvedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
