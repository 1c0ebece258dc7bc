// Package memory provides in-process storage for tests and dry runs.
package memory

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/vaultwatch/internal/core/domain"
	"github.com/vietddude/vaultwatch/internal/infra/storage"
)

type rawKey struct {
	txHash   string
	logIndex uint
}

type MemoryStorage struct {
	raw         map[rawKey]*domain.RawEvent
	states      map[string]*domain.EntityState
	history     []*domain.EntityHistory
	checkpoints map[string]*domain.Checkpoint
	failed      map[string]*domain.FailedEvent
	mu          sync.RWMutex

	// txMu serializes units of work; only one may be open at a time.
	txMu sync.Mutex
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		raw:         make(map[rawKey]*domain.RawEvent),
		states:      make(map[string]*domain.EntityState),
		checkpoints: make(map[string]*domain.Checkpoint),
		failed:      make(map[string]*domain.FailedEvent),
	}
}

// -----------------------------------------------------------------------------
// Event Store
// -----------------------------------------------------------------------------

type EventStore struct {
	store *MemoryStorage
}

func NewEventStore(store *MemoryStorage) *EventStore {
	return &EventStore{store: store}
}

var _ storage.EventStore = (*EventStore)(nil)

func (s *EventStore) Begin(ctx context.Context) (storage.EventTx, error) {
	s.store.txMu.Lock()
	if err := ctx.Err(); err != nil {
		s.store.txMu.Unlock()
		return nil, err
	}
	return &unitOfWork{
		store:  s.store,
		raw:    make(map[rawKey]*domain.RawEvent),
		states: make(map[string]*domain.EntityState),
	}, nil
}

func (s *EventStore) GetEntityState(ctx context.Context, key string) (*domain.EntityState, error) {
	s.store.mu.RLock()
	defer s.store.mu.RUnlock()
	st, ok := s.store.states[key]
	if !ok {
		return nil, nil
	}
	c := *st
	return &c, nil
}

func (s *EventStore) ListHistory(ctx context.Context, key string) ([]*domain.EntityHistory, error) {
	s.store.mu.RLock()
	defer s.store.mu.RUnlock()
	var out []*domain.EntityHistory
	for _, h := range s.store.history {
		if h.EntityKey == key {
			c := *h
			out = append(out, &c)
		}
	}
	slices.SortStableFunc(out, func(a, b *domain.EntityHistory) int {
		return cmp.Or(cmp.Compare(a.BlockNumber, b.BlockNumber), cmp.Compare(a.LogIndex, b.LogIndex))
	})
	return out, nil
}

func (s *EventStore) CountRawEvents(ctx context.Context) (int, error) {
	s.store.mu.RLock()
	defer s.store.mu.RUnlock()
	return len(s.store.raw), nil
}

// unitOfWork stages writes and publishes them on Commit.
type unitOfWork struct {
	store   *MemoryStorage
	raw     map[rawKey]*domain.RawEvent
	states  map[string]*domain.EntityState
	history []*domain.EntityHistory
	done    bool
}

func (u *unitOfWork) InsertRawEvent(ctx context.Context, ev *domain.RawEvent) (bool, error) {
	if u.done {
		return false, fmt.Errorf("transaction already completed")
	}
	k := rawKey{txHash: ev.TxHash, logIndex: ev.LogIndex}
	if _, ok := u.raw[k]; ok {
		return false, nil
	}
	u.store.mu.RLock()
	_, exists := u.store.raw[k]
	u.store.mu.RUnlock()
	if exists {
		return false, nil
	}
	c := *ev
	c.Payload = maps.Clone(ev.Payload)
	u.raw[k] = &c
	return true, nil
}

func (u *unitOfWork) UpsertEntityState(ctx context.Context, up domain.StateUpdate) (*domain.EntityState, error) {
	if u.done {
		return nil, fmt.Errorf("transaction already completed")
	}
	st, ok := u.states[up.EntityKey]
	if !ok {
		u.store.mu.RLock()
		committed, exists := u.store.states[up.EntityKey]
		u.store.mu.RUnlock()
		if exists {
			c := *committed
			st = &c
		}
	}
	if st == nil {
		st = up.NewEntityState()
	} else {
		up.Apply(st)
	}
	u.states[up.EntityKey] = st
	out := *st
	return &out, nil
}

func (u *unitOfWork) AppendHistory(ctx context.Context, h *domain.EntityHistory) error {
	if u.done {
		return fmt.Errorf("transaction already completed")
	}
	c := *h
	u.history = append(u.history, &c)
	return nil
}

func (u *unitOfWork) Commit() error {
	if u.done {
		return fmt.Errorf("transaction already completed")
	}
	u.store.mu.Lock()
	maps.Copy(u.store.raw, u.raw)
	maps.Copy(u.store.states, u.states)
	u.store.history = append(u.store.history, u.history...)
	u.store.mu.Unlock()
	u.finish()
	return nil
}

func (u *unitOfWork) Rollback() error {
	if !u.done {
		u.finish()
	}
	return nil
}

func (u *unitOfWork) finish() {
	u.done = true
	u.store.txMu.Unlock()
}

// -----------------------------------------------------------------------------
// Checkpoint Repository
// -----------------------------------------------------------------------------

type CheckpointRepo struct {
	store *MemoryStorage
}

func NewCheckpointRepo(store *MemoryStorage) *CheckpointRepo {
	return &CheckpointRepo{store: store}
}

func (r *CheckpointRepo) Get(ctx context.Context, sourceID string) (*domain.Checkpoint, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	cp, ok := r.store.checkpoints[sourceID]
	if !ok {
		return nil, nil
	}
	c := *cp
	return &c, nil
}

func (r *CheckpointRepo) Save(ctx context.Context, cp *domain.Checkpoint) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	c := *cp
	if c.LastUpdated.IsZero() {
		c.LastUpdated = time.Now()
	}
	r.store.checkpoints[cp.SourceID] = &c
	return nil
}

// -----------------------------------------------------------------------------
// Failed Event Repository
// -----------------------------------------------------------------------------

type FailedRepo struct {
	store *MemoryStorage
}

func NewFailedRepo(store *MemoryStorage) *FailedRepo {
	return &FailedRepo{store: store}
}

var _ storage.FailedEventRepository = (*FailedRepo)(nil)

func (r *FailedRepo) Add(ctx context.Context, fe *domain.FailedEvent) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
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
	c := *fe
	r.store.failed[fe.ID] = &c
	return nil
}

func (r *FailedRepo) pending(sourceID string) []*domain.FailedEvent {
	var out []*domain.FailedEvent
	for _, fe := range r.store.failed {
		if fe.SourceID == sourceID && fe.Status == domain.FailedEventStatusPending {
			out = append(out, fe)
		}
	}
	return out
}

func (r *FailedRepo) GetNext(ctx context.Context, sourceID string) (*domain.FailedEvent, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	pending := r.pending(sourceID)
	if len(pending) == 0 {
		return nil, nil
	}
	next := slices.MinFunc(pending, func(a, b *domain.FailedEvent) int {
		return cmp.Or(a.LastAttempt.Compare(b.LastAttempt), cmp.Compare(a.ID, b.ID))
	})
	c := *next
	return &c, nil
}

func (r *FailedRepo) GetAll(ctx context.Context, sourceID string) ([]*domain.FailedEvent, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	pending := r.pending(sourceID)
	out := make([]*domain.FailedEvent, 0, len(pending))
	for _, fe := range pending {
		c := *fe
		out = append(out, &c)
	}
	slices.SortFunc(out, func(a, b *domain.FailedEvent) int {
		return cmp.Or(cmp.Compare(a.BlockNumber, b.BlockNumber), cmp.Compare(a.LogIndex, b.LogIndex))
	})
	return out, nil
}

func (r *FailedRepo) IncrementRetry(ctx context.Context, id string, errMsg string) error {
	return r.mutate(id, func(fe *domain.FailedEvent) {
		fe.RetryCount++
		fe.Error = errMsg
		fe.LastAttempt = time.Now()
	})
}

func (r *FailedRepo) MarkResolved(ctx context.Context, id string) error {
	return r.mutate(id, func(fe *domain.FailedEvent) {
		fe.Status = domain.FailedEventStatusResolved
		fe.LastAttempt = time.Now()
	})
}

func (r *FailedRepo) MarkIgnored(ctx context.Context, id string) error {
	return r.mutate(id, func(fe *domain.FailedEvent) {
		fe.Status = domain.FailedEventStatusIgnored
		fe.LastAttempt = time.Now()
	})
}

func (r *FailedRepo) mutate(id string, fn func(*domain.FailedEvent)) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	fe, ok := r.store.failed[id]
	if !ok {
		return fmt.Errorf("failed event %s: %w", id, storage.ErrNotFound)
	}
	fn(fe)
	return nil
}

func (r *FailedRepo) Count(ctx context.Context, sourceID string) (int, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	return len(r.pending(sourceID)), nil
}

func (r *FailedRepo) DeleteResolvedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	var n int64
	for id, fe := range r.store.failed {
		if fe.Status != domain.FailedEventStatusPending && fe.LastAttempt.Before(cutoff) {
			delete(r.store.failed, id)
			n++
		}
	}
	return n, nil
}
