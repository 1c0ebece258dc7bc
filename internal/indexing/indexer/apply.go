package indexer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vietddude/vaultwatch/internal/core/domain"
	"github.com/vietddude/vaultwatch/internal/infra/chain/evm"
	"github.com/vietddude/vaultwatch/internal/infra/storage"
)

type applyOutcome string

const (
	applied   applyOutcome = "applied"
	duplicate applyOutcome = "duplicate"
)

// apply persists one event in its own unit of work:
// raw insert, then state upsert, then history. A duplicate raw event means
// the event was fully applied before, so state and history are left alone.
func (p *Pipeline) apply(ctx context.Context, ev domain.Event, ts time.Time) (applyOutcome, error) {
	tx, err := p.cfg.Events.Begin(ctx)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	inserted, err := tx.InsertRawEvent(ctx, domain.NewRawEvent(ev, ts))
	if err != nil {
		return "", err
	}
	if !inserted {
		if err := tx.Commit(); err != nil {
			return "", err
		}
		return duplicate, nil
	}

	if err := ev.Accept(&stateWriter{ctx: ctx, tx: tx, ts: ts}); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return applied, nil
}

// stateWriter maps each event kind onto a state update and history row.
type stateWriter struct {
	ctx context.Context
	tx  storage.EventTx
	ts  time.Time
}

var _ domain.EventVisitor = (*stateWriter)(nil)

func (w *stateWriter) VisitEntityUpdated(e *domain.EntityUpdated) error {
	status, known := domain.StatusForOperation(e.Role, e.Operation)
	return w.write(e, domain.StateUpdate{
		EntityKey:      e.EntityKey(),
		Collateral:     e.Collateral,
		Debt:           e.Debt,
		Ratio:          domain.CollateralRatio(e.Collateral, e.Debt),
		Status:         status,
		StatusKnown:    known,
		BlockNumber:    e.BlockNumber,
		LogIndex:       e.LogIndex,
		BlockTimestamp: w.ts,
	}, e.Operation)
}

func (w *stateWriter) VisitEntityLiquidated(e *domain.EntityLiquidated) error {
	return w.write(e, domain.StateUpdate{
		EntityKey:      e.EntityKey(),
		Collateral:     e.Collateral,
		Debt:           e.Debt,
		Ratio:          domain.CollateralRatio(e.Collateral, e.Debt),
		Status:         domain.StatusLiquidated,
		StatusKnown:    true,
		BlockNumber:    e.BlockNumber,
		LogIndex:       e.LogIndex,
		BlockTimestamp: w.ts,
	}, e.Operation)
}

func (w *stateWriter) write(ev domain.Event, up domain.StateUpdate, op uint8) error {
	st, err := w.tx.UpsertEntityState(w.ctx, up)
	if err != nil {
		return err
	}

	// History records what this event said; status falls back to the stored
	// one for operation codes without a mapping.
	status := st.Status
	if up.StatusKnown {
		status = up.Status
	}
	meta := ev.Meta()
	return w.tx.AppendHistory(w.ctx, &domain.EntityHistory{
		EntityKey:   up.EntityKey,
		Collateral:  up.Collateral,
		Debt:        up.Debt,
		Ratio:       up.Ratio,
		Status:      status,
		Kind:        ev.Kind(),
		Operation:   int16(op),
		BlockNumber: meta.BlockNumber,
		TxHash:      meta.TxHash.Hex(),
		LogIndex:    meta.LogIndex,
		Timestamp:   w.ts,
	})
}

// blockTimes resolves the timestamp of every distinct block among events,
// with at most FetchConcurrency requests in flight.
func (p *Pipeline) blockTimes(ctx context.Context, events []decodedLog) (map[uint64]time.Time, error) {
	seen := make(map[uint64]struct{})
	var blocks []uint64
	for _, d := range events {
		n := d.ev.Meta().BlockNumber
		if _, ok := seen[n]; !ok {
			seen[n] = struct{}{}
			blocks = append(blocks, n)
		}
	}

	var mu sync.Mutex
	times := make(map[uint64]time.Time, len(blocks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.FetchConcurrency)
	for _, n := range blocks {
		g.Go(func() error {
			b, err := p.cfg.Chain.Block(gctx, n)
			if err != nil {
				return fmt.Errorf("block %d: %w", n, err)
			}
			mu.Lock()
			times[n] = blockTime(b)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return times, nil
}

func blockTime(b *evm.Block) time.Time {
	if b == nil {
		return time.Time{}
	}
	return b.Timestamp
}
