package redis

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/vietddude/vaultwatch/internal/core/domain"
	"github.com/vietddude/vaultwatch/internal/infra/storage"
)

// FailedEventRepo implements storage.FailedEventRepository using Redis.
// Pending ids live in a sorted set scored by last attempt; each event is a
// JSON string key.
type FailedEventRepo struct {
	rdb *redis.Client
}

// NewFailedEventRepo creates a new Redis-backed failed event repository.
func NewFailedEventRepo(client *Client) *FailedEventRepo {
	return &FailedEventRepo{rdb: client.rdb}
}

var _ storage.FailedEventRepository = (*FailedEventRepo)(nil)

// Add adds a failed event to the queue.
func (r *FailedEventRepo) Add(ctx context.Context, fe *domain.FailedEvent) error {
	if fe.ID == "" {
		fe.ID = uuid.NewString()
	}
	if fe.Status == "" {
		fe.Status = domain.FailedEventStatusPending
	}
	now := time.Now()
	if fe.CreatedAt.IsZero() {
		fe.CreatedAt = now
	}
	if fe.LastAttempt.IsZero() {
		fe.LastAttempt = now
	}
	return r.save(ctx, fe)
}

func (r *FailedEventRepo) save(ctx context.Context, fe *domain.FailedEvent) error {
	data, err := json.Marshal(fe)
	if err != nil {
		return fmt.Errorf("failed to marshal failed event: %w", err)
	}

	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, failedEventKey(fe.ID), data, 0)
		if fe.Status == domain.FailedEventStatusPending {
			pipe.ZAdd(ctx, failedQueueKey(fe.SourceID), redis.Z{
				Score:  float64(fe.LastAttempt.UnixMilli()),
				Member: fe.ID,
			})
		} else {
			pipe.ZRem(ctx, failedQueueKey(fe.SourceID), fe.ID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save failed event: %w", err)
	}
	return nil
}

func (r *FailedEventRepo) load(ctx context.Context, id string) (*domain.FailedEvent, error) {
	data, err := r.rdb.Get(ctx, failedEventKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed event %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get failed event: %w", err)
	}
	var fe domain.FailedEvent
	if err := json.Unmarshal(data, &fe); err != nil {
		return nil, fmt.Errorf("failed to unmarshal failed event: %w", err)
	}
	return &fe, nil
}

// GetNext returns the pending event with the oldest attempt.
func (r *FailedEventRepo) GetNext(ctx context.Context, sourceID string) (*domain.FailedEvent, error) {
	for {
		ids, err := r.rdb.ZRange(ctx, failedQueueKey(sourceID), 0, 0).Result()
		if err != nil {
			return nil, fmt.Errorf("zrange failed: %w", err)
		}
		if len(ids) == 0 {
			return nil, nil
		}

		fe, err := r.load(ctx, ids[0])
		if errors.Is(err, storage.ErrNotFound) {
			// Data deleted but ID still in queue, remove it
			r.rdb.ZRem(ctx, failedQueueKey(sourceID), ids[0])
			continue
		}
		return fe, err
	}
}

// GetAll returns all pending events.
func (r *FailedEventRepo) GetAll(ctx context.Context, sourceID string) ([]*domain.FailedEvent, error) {
	ids, err := r.rdb.ZRange(ctx, failedQueueKey(sourceID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("zrange failed: %w", err)
	}

	events := make([]*domain.FailedEvent, 0, len(ids))
	for _, id := range ids {
		fe, err := r.load(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		events = append(events, fe)
	}
	slices.SortFunc(events, func(a, b *domain.FailedEvent) int {
		return cmp.Or(cmp.Compare(a.BlockNumber, b.BlockNumber), cmp.Compare(a.LogIndex, b.LogIndex))
	})
	return events, nil
}

// IncrementRetry increments retry count and moves the event to the back.
func (r *FailedEventRepo) IncrementRetry(ctx context.Context, id string, errMsg string) error {
	fe, err := r.load(ctx, id)
	if err != nil {
		return err
	}
	fe.RetryCount++
	fe.Error = errMsg
	fe.LastAttempt = time.Now()
	return r.save(ctx, fe)
}

// MarkResolved marks an event as replayed.
func (r *FailedEventRepo) MarkResolved(ctx context.Context, id string) error {
	return r.setStatus(ctx, id, domain.FailedEventStatusResolved)
}

// MarkIgnored gives up on an event.
func (r *FailedEventRepo) MarkIgnored(ctx context.Context, id string) error {
	return r.setStatus(ctx, id, domain.FailedEventStatusIgnored)
}

func (r *FailedEventRepo) setStatus(ctx context.Context, id string, status domain.FailedEventStatus) error {
	fe, err := r.load(ctx, id)
	if err != nil {
		return err
	}
	fe.Status = status
	fe.LastAttempt = time.Now()
	return r.save(ctx, fe)
}

// Count returns the number of pending events.
func (r *FailedEventRepo) Count(ctx context.Context, sourceID string) (int, error) {
	count, err := r.rdb.ZCard(ctx, failedQueueKey(sourceID)).Result()
	if err != nil {
		return 0, fmt.Errorf("zcard failed: %w", err)
	}
	return int(count), nil
}

// DeleteResolvedBefore removes settled events older than cutoff.
func (r *FailedEventRepo) DeleteResolvedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	iter := r.rdb.Scan(ctx, 0, failedEventKey("*"), 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		data, err := r.rdb.Get(ctx, key).Bytes()
		if err != nil {
			continue
		}
		var fe domain.FailedEvent
		if err := json.Unmarshal(data, &fe); err != nil {
			continue
		}
		if fe.Status == domain.FailedEventStatusPending || !fe.LastAttempt.Before(cutoff) {
			continue
		}
		if err := r.rdb.Del(ctx, key).Err(); err != nil {
			return deleted, fmt.Errorf("failed to delete failed event: %w", err)
		}
		deleted++
	}
	if err := iter.Err(); err != nil {
		return deleted, fmt.Errorf("scan failed: %w", err)
	}
	return deleted, nil
}
