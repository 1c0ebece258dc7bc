package control

import (
	"context"
	"fmt"
	"log/slog"

	"go.uber.org/multierr"

	"github.com/vietddude/vaultwatch/internal/core/config"
	redisclient "github.com/vietddude/vaultwatch/internal/infra/redis"
	"github.com/vietddude/vaultwatch/internal/infra/storage"
	"github.com/vietddude/vaultwatch/internal/infra/storage/memory"
	"github.com/vietddude/vaultwatch/internal/infra/storage/postgres"
)

// Stores bundles the repositories selected by configuration.
type Stores struct {
	Events       storage.EventStore
	Checkpoints  storage.CheckpointRepository
	FailedEvents storage.FailedEventRepository

	// DB and Redis are nil when not configured.
	DB    *postgres.DB
	Redis *redisclient.Client

	// Migrate is nil for stores without a schema.
	Migrate func(ctx context.Context) error
}

// OpenStores connects the configured backends.
//
// PostgreSQL holds everything when configured. Redis then mirrors the
// checkpoint. Without PostgreSQL, events and the checkpoint live in memory
// together, so a restart never resumes past state that was lost with the
// process. Redis then only keeps dead letters.
func OpenStores(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger) (*Stores, error) {
	s := &Stores{}

	if cfg.Database.URL != "" {
		db, err := postgres.NewDB(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to init db: %w", err)
		}
		s.DB = db
		s.Events = postgres.NewEventStore(db)
		s.Checkpoints = postgres.NewCheckpointRepo(db)
		s.FailedEvents = postgres.NewFailedEventRepo(db)
		s.Migrate = db.Migrate
		logger.Info("Using PostgreSQL storage")
	} else {
		store := memory.NewMemoryStorage()
		s.Events = memory.NewEventStore(store)
		s.Checkpoints = memory.NewCheckpointRepo(store)
		s.FailedEvents = memory.NewFailedRepo(store)
		logger.Warn("Using memory storage, indexed state is lost on exit")
	}

	if cfg.Redis.URL == "" {
		return s, nil
	}
	client, err := redisclient.NewClient(cfg.Redis)
	if err != nil {
		// Redis only adds durability on top of the primary store.
		logger.Warn("Failed to connect to Redis, continuing without it", "error", err)
		return s, nil
	}
	s.Redis = client

	if s.DB != nil {
		s.Checkpoints = redisclient.NewMirroredCheckpointRepo(s.Checkpoints, redisclient.NewCheckpointRepo(client), logger)
		logger.Info("Mirroring checkpoint to Redis")
	} else {
		s.FailedEvents = redisclient.NewFailedEventRepo(client)
		logger.Info("Using Redis for dead letters, checkpoint stays in memory with the events")
	}
	return s, nil
}

// Close closes every open connection.
func (s *Stores) Close() error {
	var err error
	if s.Redis != nil {
		err = multierr.Append(err, s.Redis.Close())
	}
	if s.DB != nil {
		err = multierr.Append(err, s.DB.Close())
	}
	return err
}
