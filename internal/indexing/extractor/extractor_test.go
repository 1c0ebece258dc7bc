package extractor

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/ethereum/go-ethereum/core/types"

	"github.com/vietddude/vaultwatch/internal/core/logging"
	"github.com/vietddude/vaultwatch/internal/infra/chain/evm"
	"github.com/vietddude/vaultwatch/internal/infra/rpc/provider"
	"github.com/vietddude/vaultwatch/internal/infra/rpc/routing"
)

// fakeSource rejects any range wider than limit and serves one log per
// block from blocks.
type fakeSource struct {
	limit  uint64
	blocks map[uint64][]uint
	calls  []Range
	failAt uint64
}

func (f *fakeSource) Logs(_ context.Context, _ evm.LogFilter, from, to uint64) ([]types.Log, error) {
	f.calls = append(f.calls, Range{Start: from, End: to})
	if f.limit > 0 && to-from+1 > f.limit {
		return nil, fmt.Errorf("%w: query returned more than 10000 results", routing.ErrRangeTooLarge)
	}
	if f.failAt != 0 && from <= f.failAt && f.failAt <= to {
		return nil, errors.New("connection reset")
	}
	var out []types.Log
	// Return in reverse to check ordering is restored.
	for b := to; ; b-- {
		for i := len(f.blocks[b]) - 1; i >= 0; i-- {
			out = append(out, types.Log{BlockNumber: b, Index: f.blocks[b][i]})
		}
		if b == from {
			break
		}
	}
	return out, nil
}

func TestParseRange(t *testing.T) {
	r, err := ParseRange("50-52")
	if err != nil || r != (Range{50, 52}) || r.Size() != 3 {
		t.Fatalf("unexpected %v %v", r, err)
	}
	if _, err := ParseRange("52-50"); err == nil {
		t.Error("expected error for inverted range")
	}
	if _, err := ParseRange("abc"); err == nil {
		t.Error("expected error for garbage")
	}
}

func TestExtract_FixedChunks(t *testing.T) {
	src := &fakeSource{blocks: map[uint64][]uint{5: {0}, 1500: {3, 1}, 2400: {0}}}
	e := New(src, nil, nil, 1000, "test", logging.NewDiscard())

	logs, err := e.Extract(context.Background(), 1, 2500)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if len(src.calls) != 3 {
		t.Errorf("expected 3 calls, got %v", src.calls)
	}
	if len(logs) != 4 {
		t.Fatalf("expected 4 logs, got %d", len(logs))
	}
	order := [][2]uint64{{5, 0}, {1500, 1}, {1500, 3}, {2400, 0}}
	for i, o := range order {
		if logs[i].BlockNumber != o[0] || uint64(logs[i].Index) != o[1] {
			t.Errorf("log %d: expected %v, got (%d,%d)", i, o, logs[i].BlockNumber, logs[i].Index)
		}
	}
}

func TestExtract_HalvesOnRangeTooLarge(t *testing.T) {
	src := &fakeSource{limit: 300, blocks: map[uint64][]uint{100: {0}, 999: {2}}}
	e := New(src, nil, nil, 1000, "test", logging.NewDiscard())

	logs, err := e.Extract(context.Background(), 0, 999)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("expected 2 logs, got %d", len(logs))
	}
	// 1000 -> 500 -> 250 blocks per chunk.
	if got := e.ChunkSize(); got != 250 {
		t.Errorf("expected chunk size 250, got %d", got)
	}
	for _, c := range src.calls[2:] {
		if c.Size() > 250 {
			t.Errorf("call after halving exceeded chunk: %s", c)
		}
	}

	// The reduced size carries over to the next call.
	src.calls = nil
	if _, err := e.Extract(context.Background(), 1000, 1249); err != nil {
		t.Fatalf("second Extract failed: %v", err)
	}
	if len(src.calls) != 1 {
		t.Errorf("expected a single call at reduced size, got %v", src.calls)
	}
}

func TestExtract_SingleBlockTooLargeFails(t *testing.T) {
	e := New(alwaysTooLarge{}, nil, nil, 4, "test", logging.NewDiscard())

	_, err := e.Extract(context.Background(), 10, 13)
	if !errors.Is(err, ErrExtraction) {
		t.Fatalf("expected ErrExtraction, got %v", err)
	}
	if !errors.Is(err, routing.ErrRangeTooLarge) {
		t.Errorf("expected cause to be kept, got %v", err)
	}
	if e.ChunkSize() != 1 {
		t.Errorf("expected chunk size 1, got %d", e.ChunkSize())
	}
}

func TestExtract_OtherErrorsFail(t *testing.T) {
	src := &fakeSource{failAt: 1200}
	e := New(src, nil, nil, 1000, "test", logging.NewDiscard())

	logs, err := e.Extract(context.Background(), 1, 2000)
	if !errors.Is(err, ErrExtraction) {
		t.Fatalf("expected ErrExtraction, got %v", err)
	}
	if logs != nil {
		t.Error("no partial results are returned")
	}
	if e.ChunkSize() != 1000 {
		t.Errorf("chunk size must not change, got %d", e.ChunkSize())
	}
}

// headSource rejects ranges past its head the way nodes do.
type headSource struct{ head uint64 }

func (s headSource) Logs(_ context.Context, _ evm.LogFilter, from, to uint64) ([]types.Log, error) {
	if to > s.head {
		return nil, &provider.RPCError{Code: -32000, Message: "block range extends beyond current head block"}
	}
	return nil, nil
}

func TestExtract_RangeWordingDoesNotHalve(t *testing.T) {
	e := New(headSource{head: 500}, nil, nil, 1000, "test", logging.NewDiscard())

	if _, err := e.Extract(context.Background(), 1, 900); !errors.Is(err, ErrExtraction) {
		t.Fatalf("expected ErrExtraction, got %v", err)
	}
	if e.ChunkSize() != 1000 {
		t.Errorf("chunk size must not change, got %d", e.ChunkSize())
	}
}

func TestExtract_EmptyRange(t *testing.T) {
	src := &fakeSource{}
	e := New(src, nil, nil, 0, "test", logging.NewDiscard())
	logs, err := e.Extract(context.Background(), 10, 9)
	if err != nil || logs != nil || len(src.calls) != 0 {
		t.Errorf("expected no work, got %v %v %v", logs, err, src.calls)
	}
	if e.ChunkSize() != DefaultChunkSize {
		t.Errorf("expected default chunk size, got %d", e.ChunkSize())
	}
}

type alwaysTooLarge struct{}

func (alwaysTooLarge) Logs(context.Context, evm.LogFilter, uint64, uint64) ([]types.Log, error) {
	return nil, routing.ErrRangeTooLarge
}
