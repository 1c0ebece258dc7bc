package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/core/types"

	"github.com/vietddude/vaultwatch/internal/core/checkpoint"
	"github.com/vietddude/vaultwatch/internal/core/domain"
	"github.com/vietddude/vaultwatch/internal/indexing/metrics"
	"github.com/vietddude/vaultwatch/internal/infra/storage"
)

// Pipeline implements the Indexer interface
type Pipeline struct {
	cfg     Config
	log     *slog.Logger
	running atomic.Bool
	stop    chan struct{}
	once    sync.Once

	mu     sync.RWMutex
	status Status
}

// NewPipeline creates a new indexing pipeline
func NewPipeline(cfg Config) *Pipeline {
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 100
	}
	if cfg.FetchConcurrency <= 0 {
		cfg.FetchConcurrency = 4
	}
	if cfg.OnPersistFailure == "" {
		cfg.OnPersistFailure = PolicyAdvance
	}
	if cfg.TickTimeout <= 0 {
		cfg.TickTimeout = 5 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		cfg:    cfg,
		log:    logger.With("source", cfg.SourceID),
		stop:   make(chan struct{}),
		status: Status{SourceID: cfg.SourceID},
	}
}

// Initialize runs migrations, checks the provider and creates the checkpoint
// if it does not exist yet. It is idempotent.
func (p *Pipeline) Initialize(ctx context.Context) (domain.Checkpoint, error) {
	if p.cfg.Migrate != nil {
		if err := p.cfg.Migrate(ctx); err != nil {
			return domain.Checkpoint{}, fmt.Errorf("migrate: %w", err)
		}
	}

	latest, err := p.cfg.Chain.LatestBlock(ctx)
	if err != nil {
		return domain.Checkpoint{}, fmt.Errorf("provider unreachable: %w", err)
	}
	p.observeHead(latest)

	start := p.initialCheckpoint(latest)
	cp, err := p.cfg.Checkpoints.Initialize(ctx, p.cfg.SourceID, start)
	if err != nil {
		return domain.Checkpoint{}, err
	}

	p.mu.Lock()
	p.status.Checkpoint = cp.LastProcessedBlock
	p.status.Lag = int64(latest) - int64(cp.LastProcessedBlock)
	p.mu.Unlock()

	p.log.Info("Indexer initialized",
		"checkpoint", cp.LastProcessedBlock,
		"latest", latest,
	)
	return cp, nil
}

// initialCheckpoint is start_block-1 when configured, otherwise lookback
// blocks behind the head.
func (p *Pipeline) initialCheckpoint(latest uint64) uint64 {
	if p.cfg.StartBlock > 0 {
		return p.cfg.StartBlock - 1
	}
	if latest > p.cfg.Lookback {
		return latest - p.cfg.Lookback
	}
	return 0
}

// decodedLog pairs an event with the log it came from.
type decodedLog struct {
	ev  domain.Event
	raw types.Log
}

// RunTick processes (cp, min(cp+batch, latest)]. The returned checkpoint only
// differs from cp when the tick succeeded and the new checkpoint is durable.
func (p *Pipeline) RunTick(ctx context.Context, cp domain.Checkpoint) (domain.Checkpoint, TickResult, error) {
	start := time.Now()
	res := TickResult{Outcome: OutcomeFailed, From: cp.Next()}
	defer func() {
		metrics.TicksTotal.WithLabelValues(p.cfg.SourceID, string(res.Outcome)).Inc()
		metrics.TickDuration.WithLabelValues(p.cfg.SourceID).Observe(time.Since(start).Seconds())
	}()

	next, err := p.runTick(ctx, cp, &res)
	p.record(next, res, err)
	return next, res, err
}

func (p *Pipeline) runTick(ctx context.Context, cp domain.Checkpoint, res *TickResult) (domain.Checkpoint, error) {
	latest, err := p.cfg.Chain.LatestBlock(ctx)
	if err != nil {
		return cp, fmt.Errorf("latest block: %w", err)
	}
	p.observeHead(latest)
	res.LatestBlock = latest

	if cp.LastProcessedBlock >= latest {
		res.Outcome = OutcomeIdle
		res.To = cp.LastProcessedBlock
		return cp, nil
	}

	from := cp.Next()
	to := min(from+p.cfg.BatchSize-1, latest)
	res.To = to

	logs, err := p.cfg.Extractor.Extract(ctx, from, to)
	if err != nil {
		return cp, err
	}
	res.Logs = len(logs)

	events := p.decode(logs, res)

	times, err := p.blockTimes(ctx, events)
	if err != nil {
		return cp, err
	}

	// Apply strictly in chain order.
	slices.SortStableFunc(events, func(a, b decodedLog) int {
		am, bm := a.ev.Meta(), b.ev.Meta()
		switch {
		case am.Before(bm):
			return -1
		case bm.Before(am):
			return 1
		}
		return 0
	})

	var (
		failed      bool
		firstFailed uint64
		mustHold    bool
	)
	for _, d := range events {
		meta := d.ev.Meta()
		ts := times[meta.BlockNumber]

		outcome, err := p.apply(ctx, d.ev, ts)
		if err != nil {
			if errors.Is(err, storage.ErrPersistenceFatal) {
				return cp, fmt.Errorf("persist block %d tx %s log %d: %w", meta.BlockNumber, meta.TxHash.Hex(), meta.LogIndex, err)
			}
			res.Failed++
			metrics.EventsTotal.WithLabelValues(p.cfg.SourceID, string(d.ev.Kind()), "failed").Inc()
			if !failed {
				failed = true
				firstFailed = meta.BlockNumber
			}
			p.log.Error("Failed to persist event",
				"block", meta.BlockNumber,
				"tx", meta.TxHash.Hex(),
				"log_index", meta.LogIndex,
				"kind", d.ev.Kind(),
				"error", err,
			)
			if dlErr := p.deadLetter(ctx, d.raw, ts, err); dlErr != nil {
				// Without a dead letter the event would be lost by advancing.
				mustHold = true
				p.log.Error("Failed to record dead letter",
					"block", meta.BlockNumber,
					"tx", meta.TxHash.Hex(),
					"log_index", meta.LogIndex,
					"error", dlErr,
				)
			}
			continue
		}

		switch outcome {
		case applied:
			res.Applied++
		case duplicate:
			res.Duplicates++
		}
		metrics.EventsTotal.WithLabelValues(p.cfg.SourceID, string(d.ev.Kind()), string(outcome)).Inc()
	}

	target := to
	res.Outcome = OutcomeAdvanced
	if failed && (p.cfg.OnPersistFailure == PolicyHold || mustHold) {
		// firstFailed is at least from, so the target never drops below cp.
		target = max(firstFailed-1, cp.LastProcessedBlock)
		res.Outcome = OutcomeHeld
	}

	next, err := p.cfg.Checkpoints.Advance(ctx, cp, target)
	if err != nil {
		if errors.Is(err, checkpoint.ErrCheckpointRegression) {
			return cp, err
		}
		res.CheckpointWriteFailed = true
		res.CheckpointWriteError = err.Error()
		res.Outcome = OutcomeFailed
		p.log.Error("Checkpoint write failed, range will be reprocessed",
			"from", from,
			"to", target,
			"error", err,
		)
		return cp, nil
	}

	p.log.Info("Tick complete",
		"from", from,
		"to", to,
		"checkpoint", next.LastProcessedBlock,
		"latest", latest,
		"logs", res.Logs,
		"applied", res.Applied,
		"duplicates", res.Duplicates,
		"failed", res.Failed,
	)
	return next, nil
}

// decode turns logs into events, skipping unknown and malformed ones.
func (p *Pipeline) decode(logs []types.Log, res *TickResult) []decodedLog {
	events := make([]decodedLog, 0, len(logs))
	for _, lg := range logs {
		ev, ok, err := p.cfg.Decoder.Decode(lg)
		if !ok {
			res.Unknown++
			metrics.UnknownLogsTotal.WithLabelValues(p.cfg.SourceID).Inc()
			p.log.Debug("Skipping unknown log",
				"block", lg.BlockNumber,
				"tx", lg.TxHash.Hex(),
				"log_index", lg.Index,
				"address", lg.Address.Hex(),
			)
			continue
		}
		if err != nil {
			res.Malformed++
			metrics.DecodeFailuresTotal.WithLabelValues(p.cfg.SourceID).Inc()
			p.log.Warn("Skipping malformed log",
				"block", lg.BlockNumber,
				"tx", lg.TxHash.Hex(),
				"log_index", lg.Index,
				"error", err,
			)
			continue
		}
		events = append(events, decodedLog{ev: ev, raw: lg})
	}
	return events
}

func (p *Pipeline) deadLetter(ctx context.Context, lg types.Log, ts time.Time, cause error) error {
	if p.cfg.FailedEvents == nil {
		return errors.New("no dead-letter store configured")
	}
	raw, err := json.Marshal(&lg)
	if err != nil {
		return fmt.Errorf("marshal log: %w", err)
	}
	fe := &domain.FailedEvent{
		SourceID:       p.cfg.SourceID,
		TxHash:         lg.TxHash.Hex(),
		LogIndex:       lg.Index,
		BlockNumber:    lg.BlockNumber,
		BlockTimestamp: ts,
		RawLog:         raw,
		Error:          cause.Error(),
		Status:         domain.FailedEventStatusPending,
	}
	if err := p.cfg.FailedEvents.Add(ctx, fe); err != nil {
		return err
	}
	if n, err := p.cfg.FailedEvents.Count(ctx, p.cfg.SourceID); err == nil {
		metrics.DeadLetterPending.WithLabelValues(p.cfg.SourceID).Set(float64(n))
	}
	return nil
}

// ErrNotReplayable marks dead letters that can never be applied, however
// often they are retried.
var ErrNotReplayable = errors.New("event not replayable")

// Replay decodes a dead-lettered log again and applies it.
func (p *Pipeline) Replay(ctx context.Context, fe *domain.FailedEvent) error {
	var lg types.Log
	if err := json.Unmarshal(fe.RawLog, &lg); err != nil {
		return fmt.Errorf("%w: unmarshal stored log: %w", ErrNotReplayable, err)
	}
	ev, ok, err := p.cfg.Decoder.Decode(lg)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNotReplayable, err)
	}
	if !ok {
		return fmt.Errorf("%w: tx %s log %d is no longer a tracked event", ErrNotReplayable, fe.TxHash, fe.LogIndex)
	}
	outcome, err := p.apply(ctx, ev, fe.BlockTimestamp)
	if err != nil {
		return err
	}
	metrics.EventsTotal.WithLabelValues(p.cfg.SourceID, string(ev.Kind()), string(outcome)).Inc()
	return nil
}

// Run initializes the checkpoint once, then ticks until stopped.
func (p *Pipeline) Run(ctx context.Context) error {
	cp, err := p.Initialize(ctx)
	if err != nil {
		return err
	}
	return p.RunFrom(ctx, cp)
}

// RunFrom ticks from an initialized checkpoint until stopped. A tick is
// never interrupted by cancellation of ctx; it runs under TickTimeout.
func (p *Pipeline) RunFrom(ctx context.Context, cp domain.Checkpoint) error {
	if !p.running.CompareAndSwap(false, true) {
		return fmt.Errorf("pipeline already running")
	}
	defer p.running.Store(false)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.stop:
			return nil
		default:
		}

		tickCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.TickTimeout)
		next, res, err := p.RunTick(tickCtx, cp)
		cancel()
		cp = next

		delay := p.cfg.PollInterval
		switch {
		case err != nil:
			delay = p.cfg.ErrorBackoff
			p.log.Error("Tick failed",
				"from", res.From,
				"to", res.To,
				"backoff", delay,
				"error", err,
			)
		case res.Outcome == OutcomeAdvanced && res.LatestBlock > cp.LastProcessedBlock+p.cfg.BatchSize:
			// Catching up: more than one batch behind.
			delay = 0
		}

		if !p.wait(ctx, delay) {
			return nil
		}
	}
}

func (p *Pipeline) wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-p.stop:
		return false
	case <-t.C:
		return true
	}
}

// Stop stops the pipeline
func (p *Pipeline) Stop() error {
	p.once.Do(func() { close(p.stop) })
	return nil
}

// GetStatus returns the current status
func (p *Pipeline) GetStatus() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s := p.status
	s.Running = p.running.Load()
	return s
}

func (p *Pipeline) observeHead(latest uint64) {
	metrics.ChainLatestBlock.WithLabelValues(p.cfg.SourceID).Set(float64(latest))
	p.mu.Lock()
	p.status.LatestBlock = latest
	p.mu.Unlock()
}

func (p *Pipeline) record(cp domain.Checkpoint, res TickResult, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	p.status.LastTickAt = now
	p.status.LastResult = res
	p.status.Checkpoint = cp.LastProcessedBlock
	p.status.Lag = int64(p.status.LatestBlock) - int64(cp.LastProcessedBlock)
	switch {
	case err != nil:
		p.status.LastError = err.Error()
		return
	case res.CheckpointWriteFailed:
		// The tick itself succeeded but made no durable progress.
		p.status.LastError = "checkpoint write: " + res.CheckpointWriteError
		return
	}
	p.status.LastError = ""
	p.status.LastSuccessAt = now
}
