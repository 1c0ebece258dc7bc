// Package extractor fetches protocol logs over a block range.
package extractor

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/vietddude/vaultwatch/internal/indexing/metrics"
	"github.com/vietddude/vaultwatch/internal/infra/chain/evm"
	"github.com/vietddude/vaultwatch/internal/infra/rpc/routing"
)

// DefaultChunkSize is used when no chunk size is configured.
const DefaultChunkSize = 1000

// ErrExtraction wraps every failure to fetch a range.
var ErrExtraction = errors.New("extraction failed")

// LogSource fetches logs for an inclusive block range.
type LogSource interface {
	Logs(ctx context.Context, f evm.LogFilter, from, to uint64) ([]types.Log, error)
}

// Extractor fetches logs in chunks. When the provider rejects a chunk for its
// size, the chunk is halved and retried, down to a single block. The reduced
// size is kept for later calls.
type Extractor struct {
	source   LogSource
	filter   evm.LogFilter
	sourceID string
	chunk    atomic.Uint64
	log      *slog.Logger
}

// New creates an extractor for the given contracts and topics.
func New(source LogSource, addresses []common.Address, topics []common.Hash, chunkSize uint64, sourceID string, logger *slog.Logger) *Extractor {
	if chunkSize == 0 {
		chunkSize = DefaultChunkSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	e := &Extractor{
		source:   source,
		filter:   evm.LogFilter{Addresses: addresses, Topics: topics},
		sourceID: sourceID,
		log:      logger,
	}
	e.chunk.Store(chunkSize)
	return e
}

// ChunkSize returns the current chunk size.
func (e *Extractor) ChunkSize() uint64 {
	return e.chunk.Load()
}

// Extract returns all logs in [from, to] ordered by (block number, log index).
func (e *Extractor) Extract(ctx context.Context, from, to uint64) ([]types.Log, error) {
	if from > to {
		return nil, nil
	}

	var logs []types.Log
	cursor := from
	for cursor <= to {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		size := e.chunk.Load()
		r := Range{Start: cursor, End: min(cursor+size-1, to)}
		// Guard against overflow near the top of the uint64 range.
		if r.End < cursor {
			r.End = to
		}

		chunk, err := e.source.Logs(ctx, e.filter, r.Start, r.End)
		if err != nil {
			if routing.IsRangeTooLarge(err) && r.Size() > 1 {
				half := max(r.Size()/2, 1)
				e.chunk.Store(half)
				metrics.ChunkHalvingsTotal.WithLabelValues(e.sourceID).Inc()
				e.log.Warn("Log range rejected, halving chunk",
					"range", r.String(),
					"chunk_size", half,
				)
				continue
			}
			return nil, fmt.Errorf("%w: range %s: %w", ErrExtraction, r, err)
		}

		logs = append(logs, chunk...)
		cursor = r.End + 1
		if cursor == 0 {
			break
		}
	}

	slices.SortStableFunc(logs, func(a, b types.Log) int {
		return cmp.Or(cmp.Compare(a.BlockNumber, b.BlockNumber), cmp.Compare(a.Index, b.Index))
	})

	e.log.Debug("Extracted logs", "from", from, "to", to, "count", len(logs))
	return logs, nil
}
