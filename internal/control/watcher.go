// Package control assembles the indexer and its supporting workers from
// configuration and manages their lifecycle.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/vietddude/vaultwatch/internal/core/checkpoint"
	"github.com/vietddude/vaultwatch/internal/core/config"
	"github.com/vietddude/vaultwatch/internal/core/domain"
	"github.com/vietddude/vaultwatch/internal/core/worker"
	"github.com/vietddude/vaultwatch/internal/indexing/extractor"
	"github.com/vietddude/vaultwatch/internal/indexing/health"
	"github.com/vietddude/vaultwatch/internal/indexing/indexer"
	"github.com/vietddude/vaultwatch/internal/indexing/recovery"
)

// ErrLeaseHeld is returned by Run when another instance owns the source.
var ErrLeaseHeld = errors.New("another instance holds the source lease")

// Watcher is the main application struct that manages the indexer lifecycle.
type Watcher struct {
	cfg          *config.AppConfig
	stores       *Stores
	pipeline     *indexer.Pipeline
	recovery     *recovery.Handler
	pruner       *worker.Pruner
	healthMon    *health.Monitor
	healthServer *health.Server
	leaseOwner   string
	log          *slog.Logger
}

// NewWatcher creates a new Watcher instance with all dependencies initialized.
func NewWatcher(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	sourceID := cfg.Chain.SourceID

	dec, err := NewDecoder(cfg)
	if err != nil {
		return nil, err
	}
	client, err := NewChainClient(cfg, logger)
	if err != nil {
		return nil, err
	}

	stores, err := OpenStores(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	cpMgr := checkpoint.NewManager(stores.Checkpoints)
	ext := extractor.New(client, dec.Addresses(), dec.Topics(), cfg.Indexer.ChunkSize, sourceID, logger)

	pipeline := indexer.NewPipeline(indexer.Config{
		SourceID:         sourceID,
		Chain:            client,
		Extractor:        ext,
		Decoder:          dec,
		Events:           stores.Events,
		Checkpoints:      cpMgr,
		FailedEvents:     stores.FailedEvents,
		Migrate:          stores.Migrate,
		PollInterval:     cfg.Indexer.PollInterval,
		ErrorBackoff:     cfg.Indexer.ErrorBackoff,
		TickTimeout:      cfg.Indexer.TickTimeout,
		BatchSize:        cfg.Indexer.BatchSize,
		StartBlock:       cfg.Indexer.StartBlock,
		Lookback:         cfg.Indexer.Lookback,
		FetchConcurrency: cfg.Indexer.FetchConcurrency,
		OnPersistFailure: indexer.PersistFailurePolicy(cfg.Indexer.OnPersistFailure),
		Logger:           logger.With("component", "indexer"),
	})

	w := &Watcher{
		cfg:        cfg,
		stores:     stores,
		pipeline:   pipeline,
		leaseOwner: uuid.NewString(),
		log:        logger,
	}

	if cfg.Recovery.IsEnabled() {
		strategy := recovery.DefaultBackoff(nil)
		strategy.MaxAttempts = cfg.Recovery.MaxAttempts
		w.recovery = recovery.NewHandler(sourceID, stores.FailedEvents, pipeline, strategy, logger)
		w.pruner = worker.NewPruner(cfg.Recovery.Retention, stores.FailedEvents, logger)
	}

	w.healthMon = health.NewMonitor([]health.StatusSource{pipeline}, stores.FailedEvents, health.DefaultThresholds())
	if cfg.Server.Port >= 0 {
		w.healthServer = health.NewServer(w.healthMon, cfg.Server.Port)
	}

	return w, nil
}

// Pipeline returns the indexing pipeline.
func (w *Watcher) Pipeline() *indexer.Pipeline { return w.pipeline }

// Recovery returns the dead-letter handler, or nil when recovery is disabled.
func (w *Watcher) Recovery() *recovery.Handler { return w.recovery }

// Health returns the current health report.
func (w *Watcher) Health(ctx context.Context) health.HealthReport {
	return w.healthMon.CheckHealth(ctx)
}

// DeadLetters returns the pending dead-lettered events of the source.
func (w *Watcher) DeadLetters(ctx context.Context) ([]*domain.FailedEvent, error) {
	return w.stores.FailedEvents.GetAll(ctx, w.cfg.Chain.SourceID)
}

// ReplayDeadLetter replays one dead-lettered event now, ignoring its backoff.
// A replay that fails again leaves the event pending with its retry count
// increased.
func (w *Watcher) ReplayDeadLetter(ctx context.Context, id string) error {
	if w.stores.Migrate != nil {
		if err := w.stores.Migrate(ctx); err != nil {
			return err
		}
	}
	h := w.recovery
	if h == nil {
		h = recovery.NewHandler(w.cfg.Chain.SourceID, w.stores.FailedEvents, w.pipeline, recovery.DefaultBackoff(nil), w.log)
	}
	return h.Retry(ctx, id)
}

// Run initializes the indexer and blocks until ctx is cancelled, Stop is
// called or the source lease is lost. It fails fast when initialization
// cannot reach the provider or the datastore.
func (w *Watcher) Run(ctx context.Context) error {
	sourceID := w.cfg.Chain.SourceID

	if w.stores.Redis != nil {
		ok, err := w.stores.Redis.AcquireLease(ctx, sourceID, w.leaseOwner, w.leaseTTL())
		if err != nil {
			return fmt.Errorf("failed to acquire lease: %w", err)
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrLeaseHeld, sourceID)
		}
		defer w.releaseLease()
	}

	cp, err := w.pipeline.Initialize(ctx)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	start := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	if w.stores.Redis != nil {
		start(func() { w.keepLease(ctx, cancel) })
	}
	if w.healthServer != nil {
		start(func() {
			if err := w.healthServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				w.log.Error("Health server failed", "error", err)
			}
		})
	}
	if w.stores.DB != nil {
		w.stores.DB.StartMetricsCollector(ctx)
	}
	if w.recovery != nil {
		start(func() { w.recovery.Run(ctx, w.cfg.Recovery.Interval) })
		start(func() { w.pruner.Start(ctx) })
	}

	w.log.Info("Starting indexer", "source", sourceID, "checkpoint", cp.LastProcessedBlock)
	runErr := w.pipeline.RunFrom(ctx, cp)

	cancel()
	if w.healthServer != nil {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		if err := w.healthServer.Stop(shutdownCtx); err != nil {
			w.log.Warn("Failed to stop health server", "error", err)
		}
		done()
	}
	wg.Wait()
	return runErr
}

func (w *Watcher) leaseTTL() time.Duration {
	if w.cfg.Redis.LeaseTTL > 0 {
		return w.cfg.Redis.LeaseTTL
	}
	return 30 * time.Second
}

// keepLease refreshes the lease and stops the watcher if it is lost.
func (w *Watcher) keepLease(ctx context.Context, cancel context.CancelFunc) {
	ttl := w.leaseTTL()
	ticker := time.NewTicker(ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		ok, err := w.stores.Redis.RefreshLease(ctx, w.cfg.Chain.SourceID, w.leaseOwner, ttl)
		if err != nil {
			w.log.Warn("Failed to refresh lease", "error", err)
			continue
		}
		if !ok {
			w.log.Error("Lease lost, stopping", "source", w.cfg.Chain.SourceID)
			cancel()
			return
		}
	}
}

func (w *Watcher) releaseLease() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.stores.Redis.ReleaseLease(ctx, w.cfg.Chain.SourceID, w.leaseOwner); err != nil {
		w.log.Warn("Failed to release lease", "error", err)
	}
}

// Stop asks Run to return after the current tick.
func (w *Watcher) Stop() error {
	return w.pipeline.Stop()
}

// Close releases storage connections. Call it after Run returns.
func (w *Watcher) Close() error {
	var err error
	err = multierr.Append(err, w.pipeline.Stop())
	err = multierr.Append(err, w.stores.Close())
	return err
}
