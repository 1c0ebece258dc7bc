package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/vietddude/vaultwatch/internal/core/domain"
	"github.com/vietddude/vaultwatch/internal/infra/storage"
)

// EventStore implements storage.EventStore using PostgreSQL.
type EventStore struct {
	db *DB
}

// NewEventStore creates a new PostgreSQL event store.
func NewEventStore(db *DB) *EventStore {
	return &EventStore{db: db}
}

var _ storage.EventStore = (*EventStore)(nil)

const entityStateColumns = `entity_key, collateral, debt, ratio, status, liquidated_at, closed_at,
	first_seen_at, updated_at, last_event_block, last_log_index`

// Begin starts a unit of work for one event.
func (s *EventStore) Begin(ctx context.Context) (storage.EventTx, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, wrap("begin transaction", err)
	}
	return &UnitOfWork{tx: tx}, nil
}

// GetEntityState returns the state for key, or nil if unseen.
func (s *EventStore) GetEntityState(ctx context.Context, key string) (*domain.EntityState, error) {
	var st domain.EntityState
	err := s.db.GetContext(ctx, &st, `SELECT `+entityStateColumns+` FROM entity_state WHERE entity_key = $1`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("get entity state", err)
	}
	return &st, nil
}

// ListHistory returns the history of key in chain order.
func (s *EventStore) ListHistory(ctx context.Context, key string) ([]*domain.EntityHistory, error) {
	query := `
		SELECT entity_key, collateral, debt, ratio, status, event_kind, operation,
		       block_number, tx_hash, log_index, timestamp
		FROM entity_history
		WHERE entity_key = $1
		ORDER BY block_number, log_index
	`
	var rows []*domain.EntityHistory
	if err := s.db.SelectContext(ctx, &rows, query, key); err != nil {
		return nil, wrap("list history", err)
	}
	return rows, nil
}

// CountRawEvents returns the number of stored raw events.
func (s *EventStore) CountRawEvents(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM raw_events`); err != nil {
		return 0, wrap("count raw events", err)
	}
	return n, nil
}

// UnitOfWork bundles the writes for one event into a single database
// transaction, ensuring atomicity (all succeed or all fail).
type UnitOfWork struct {
	tx *sqlx.Tx
}

// InsertRawEvent stores ev unless (tx_hash, log_index) already exists.
func (u *UnitOfWork) InsertRawEvent(ctx context.Context, ev *domain.RawEvent) (bool, error) {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return false, fmt.Errorf("failed to marshal payload: %w", err)
	}

	query := `
		INSERT INTO raw_events (tx_hash, log_index, block_number, block_timestamp, event_kind,
		                        contract_address, entity_key, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb)
		ON CONFLICT (tx_hash, log_index) DO NOTHING
	`
	res, err := u.tx.ExecContext(ctx, query,
		ev.TxHash,
		int64(ev.LogIndex),
		int64(ev.BlockNumber),
		ev.BlockTimestamp.UTC(),
		string(ev.Kind),
		ev.ContractAddress,
		ev.EntityKey,
		string(payload),
	)
	if isUniqueViolation(err) {
		return false, nil
	}
	if err != nil {
		return false, wrap("insert raw event", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrap("insert raw event", err)
	}
	return n == 1, nil
}

// UpsertEntityState merges up into entity_state. Values and status follow
// the latest (block, log index); terminal timestamps keep their first value.
func (u *UnitOfWork) UpsertEntityState(ctx context.Context, up domain.StateUpdate) (*domain.EntityState, error) {
	insertStatus := domain.StatusActive
	if up.StatusKnown {
		insertStatus = up.Status
	}
	var liquidatedAt, closedAt *time.Time
	ts := up.BlockTimestamp.UTC()
	if up.StatusKnown && up.Status.SetsLiquidatedAt() {
		liquidatedAt = &ts
	}
	if up.StatusKnown && up.Status.SetsClosedAt() {
		closedAt = &ts
	}

	query := `
		INSERT INTO entity_state AS s (` + entityStateColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8, $9, $10)
		ON CONFLICT (entity_key) DO UPDATE SET
			collateral = CASE WHEN ` + newerThanStored + ` THEN EXCLUDED.collateral ELSE s.collateral END,
			debt       = CASE WHEN ` + newerThanStored + ` THEN EXCLUDED.debt ELSE s.debt END,
			ratio      = CASE WHEN ` + newerThanStored + ` THEN EXCLUDED.ratio ELSE s.ratio END,
			status     = CASE WHEN ` + newerThanStored + ` AND $11 THEN EXCLUDED.status ELSE s.status END,
			updated_at = CASE WHEN ` + newerThanStored + ` THEN EXCLUDED.updated_at ELSE s.updated_at END,
			liquidated_at = COALESCE(s.liquidated_at, EXCLUDED.liquidated_at),
			closed_at     = COALESCE(s.closed_at, EXCLUDED.closed_at),
			last_event_block = CASE WHEN ` + newerThanStored + ` THEN EXCLUDED.last_event_block ELSE s.last_event_block END,
			last_log_index   = CASE WHEN ` + newerThanStored + ` THEN EXCLUDED.last_log_index ELSE s.last_log_index END
		RETURNING ` + entityStateColumns

	var st domain.EntityState
	err := u.tx.GetContext(ctx, &st, query,
		up.EntityKey,
		up.Collateral,
		up.Debt,
		up.Ratio,
		string(insertStatus),
		liquidatedAt,
		closedAt,
		ts,
		int64(up.BlockNumber),
		int64(up.LogIndex),
		up.StatusKnown,
	)
	if err != nil {
		return nil, wrap("upsert entity state", err)
	}
	return &st, nil
}

const newerThanStored = `(EXCLUDED.last_event_block, EXCLUDED.last_log_index) >= (s.last_event_block, s.last_log_index)`

// AppendHistory appends one history row.
func (u *UnitOfWork) AppendHistory(ctx context.Context, h *domain.EntityHistory) error {
	query := `
		INSERT INTO entity_history (entity_key, collateral, debt, ratio, status, event_kind, operation,
		                            block_number, tx_hash, log_index, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := u.tx.ExecContext(ctx, query,
		h.EntityKey,
		h.Collateral,
		h.Debt,
		h.Ratio,
		string(h.Status),
		string(h.Kind),
		h.Operation,
		int64(h.BlockNumber),
		h.TxHash,
		int64(h.LogIndex),
		h.Timestamp.UTC(),
	)
	return wrap("append history", err)
}

// Commit commits the transaction.
func (u *UnitOfWork) Commit() error {
	if u.tx == nil {
		return fmt.Errorf("transaction already completed")
	}
	err := u.tx.Commit()
	u.tx = nil
	return wrap("commit", err)
}

// Rollback rolls back the transaction. Safe to call multiple times.
func (u *UnitOfWork) Rollback() error {
	if u.tx == nil {
		return nil // Already committed or rolled back
	}
	err := u.tx.Rollback()
	u.tx = nil
	return err
}
