package redis

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vietddude/vaultwatch/internal/core/domain"
	"github.com/vietddude/vaultwatch/internal/infra/storage"
)

// CheckpointRepo stores checkpoints as redis hashes with fields
// "block" and "updated" (unix milliseconds).
type CheckpointRepo struct {
	rdb *redis.Client
}

// NewCheckpointRepo creates a Redis-backed checkpoint repository.
func NewCheckpointRepo(client *Client) *CheckpointRepo {
	return &CheckpointRepo{rdb: client.rdb}
}

var _ storage.CheckpointRepository = (*CheckpointRepo)(nil)

// Get returns the checkpoint, or nil if the key does not exist.
func (r *CheckpointRepo) Get(ctx context.Context, sourceID string) (*domain.Checkpoint, error) {
	vals, err := r.rdb.HGetAll(ctx, checkpointKey(sourceID)).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall failed: %w", err)
	}
	if len(vals) == 0 {
		return nil, nil
	}

	block, err := strconv.ParseUint(vals["block"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid checkpoint block %q: %w", vals["block"], err)
	}
	cp := &domain.Checkpoint{SourceID: sourceID, LastProcessedBlock: block}
	if ms, err := strconv.ParseInt(vals["updated"], 10, 64); err == nil {
		cp.LastUpdated = time.UnixMilli(ms)
	}
	return cp, nil
}

// Save writes the checkpoint.
func (r *CheckpointRepo) Save(ctx context.Context, cp *domain.Checkpoint) error {
	updated := cp.LastUpdated
	if updated.IsZero() {
		updated = time.Now()
	}
	err := r.rdb.HSet(ctx, checkpointKey(cp.SourceID),
		"block", strconv.FormatUint(cp.LastProcessedBlock, 10),
		"updated", strconv.FormatInt(updated.UnixMilli(), 10),
	).Err()
	if err != nil {
		return fmt.Errorf("hset failed: %w", err)
	}
	return nil
}

// MirroredCheckpointRepo writes through to a primary store and copies every
// saved checkpoint to a mirror. Only the primary decides durability; mirror
// failures are logged.
type MirroredCheckpointRepo struct {
	primary storage.CheckpointRepository
	mirror  storage.CheckpointRepository
	log     *slog.Logger
}

// NewMirroredCheckpointRepo wraps primary with a mirror.
func NewMirroredCheckpointRepo(primary, mirror storage.CheckpointRepository, logger *slog.Logger) *MirroredCheckpointRepo {
	if logger == nil {
		logger = slog.Default()
	}
	return &MirroredCheckpointRepo{primary: primary, mirror: mirror, log: logger}
}

var _ storage.CheckpointRepository = (*MirroredCheckpointRepo)(nil)

// Get reads from the primary.
func (r *MirroredCheckpointRepo) Get(ctx context.Context, sourceID string) (*domain.Checkpoint, error) {
	return r.primary.Get(ctx, sourceID)
}

// Save writes the primary, then the mirror.
func (r *MirroredCheckpointRepo) Save(ctx context.Context, cp *domain.Checkpoint) error {
	if err := r.primary.Save(ctx, cp); err != nil {
		return err
	}
	if err := r.mirror.Save(ctx, cp); err != nil {
		r.log.Warn("Failed to mirror checkpoint",
			"source", cp.SourceID,
			"block", cp.LastProcessedBlock,
			"error", err,
		)
	}
	return nil
}
