// Package indexer drives the extract, decode, persist and advance cycle.
package indexer

import (
	"context"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/core/types"

	"github.com/vietddude/vaultwatch/internal/core/checkpoint"
	"github.com/vietddude/vaultwatch/internal/core/domain"
	"github.com/vietddude/vaultwatch/internal/indexing/decoder"
	"github.com/vietddude/vaultwatch/internal/infra/chain/evm"
	"github.com/vietddude/vaultwatch/internal/infra/storage"
)

// Indexer is the main orchestrator that coordinates all components
type Indexer interface {
	// Initialize prepares storage and returns the starting checkpoint.
	Initialize(ctx context.Context) (domain.Checkpoint, error)

	// RunTick processes the next batch after cp and returns the new checkpoint.
	RunTick(ctx context.Context, cp domain.Checkpoint) (domain.Checkpoint, TickResult, error)

	// Run loops RunTick until ctx is cancelled or Stop is called.
	Run(ctx context.Context) error

	// Stop gracefully stops the indexer
	Stop() error

	// GetStatus returns current indexing status
	GetStatus() Status
}

// Chain is the subset of the chain client the loop needs.
type Chain interface {
	LatestBlock(ctx context.Context) (uint64, error)
	Block(ctx context.Context, number uint64) (*evm.Block, error)
}

// LogExtractor fetches ordered logs for an inclusive range.
type LogExtractor interface {
	Extract(ctx context.Context, from, to uint64) ([]types.Log, error)
}

// PersistFailurePolicy decides how far the checkpoint moves when some
// events of a batch failed to persist.
type PersistFailurePolicy string

const (
	// PolicyAdvance dead-letters failed events and advances to the batch end.
	PolicyAdvance PersistFailurePolicy = "advance"
	// PolicyHold stops the checkpoint just before the first failed block.
	PolicyHold PersistFailurePolicy = "hold"
)

// Config holds indexer configuration
type Config struct {
	SourceID     string
	Chain        Chain
	Extractor    LogExtractor
	Decoder      *decoder.Decoder
	Events       storage.EventStore
	Checkpoints  checkpoint.Manager
	FailedEvents storage.FailedEventRepository

	// Migrate, when set, is run first by Initialize.
	Migrate func(ctx context.Context) error

	PollInterval     time.Duration
	ErrorBackoff     time.Duration
	TickTimeout      time.Duration
	BatchSize        uint64
	StartBlock       uint64
	Lookback         uint64
	FetchConcurrency int
	OnPersistFailure PersistFailurePolicy

	Logger *slog.Logger
}

// TickOutcome summarizes what a tick did.
type TickOutcome string

const (
	OutcomeAdvanced TickOutcome = "advanced"
	OutcomeIdle     TickOutcome = "idle"
	OutcomeHeld     TickOutcome = "held"
	OutcomeFailed   TickOutcome = "failed"
)

// TickResult reports the work done by one tick.
type TickResult struct {
	Outcome     TickOutcome
	From        uint64
	To          uint64
	LatestBlock uint64
	Logs        int
	Applied     int
	Duplicates  int
	Unknown     int
	Malformed   int
	Failed      int
	// CheckpointWriteFailed is set when every event was handled but the new
	// checkpoint could not be stored.
	CheckpointWriteFailed bool
	CheckpointWriteError  string
}

// Status is a snapshot of the loop for health reporting.
type Status struct {
	SourceID      string
	Checkpoint    uint64
	LatestBlock   uint64
	Lag           int64
	Running       bool
	LastTickAt    time.Time
	LastSuccessAt time.Time
	LastError     string
	LastResult    TickResult
}
