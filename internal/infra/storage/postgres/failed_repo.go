package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/vaultwatch/internal/core/domain"
	"github.com/vietddude/vaultwatch/internal/infra/storage"
)

// FailedEventRepo implements storage.FailedEventRepository using PostgreSQL.
type FailedEventRepo struct {
	db *DB
}

// NewFailedEventRepo creates a new PostgreSQL failed event repository.
func NewFailedEventRepo(db *DB) *FailedEventRepo {
	return &FailedEventRepo{db: db}
}

var _ storage.FailedEventRepository = (*FailedEventRepo)(nil)

type failedEventRow struct {
	ID             string    `db:"id"`
	SourceID       string    `db:"source_id"`
	TxHash         string    `db:"tx_hash"`
	LogIndex       uint      `db:"log_index"`
	BlockNumber    uint64    `db:"block_number"`
	BlockTimestamp time.Time `db:"block_timestamp"`
	RawLog         []byte    `db:"raw_log"`
	ErrorMsg       string    `db:"error_msg"`
	RetryCount     int       `db:"retry_count"`
	Status         string    `db:"status"`
	LastAttempt    time.Time `db:"last_attempt"`
	CreatedAt      time.Time `db:"created_at"`
}

func (row failedEventRow) toDomain() *domain.FailedEvent {
	return &domain.FailedEvent{
		ID:             row.ID,
		SourceID:       row.SourceID,
		TxHash:         row.TxHash,
		LogIndex:       row.LogIndex,
		BlockNumber:    row.BlockNumber,
		BlockTimestamp: row.BlockTimestamp,
		RawLog:         row.RawLog,
		Error:          row.ErrorMsg,
		RetryCount:     row.RetryCount,
		Status:         domain.FailedEventStatus(row.Status),
		LastAttempt:    row.LastAttempt,
		CreatedAt:      row.CreatedAt,
	}
}

const failedEventColumns = `id, source_id, tx_hash, log_index, block_number, block_timestamp,
	raw_log, error_msg, retry_count, status, last_attempt, created_at`

// Add adds a failed event. An empty ID is assigned a new UUID.
func (r *FailedEventRepo) Add(ctx context.Context, fe *domain.FailedEvent) error {
	if fe.ID == "" {
		fe.ID = uuid.NewString()
	}
	if fe.Status == "" {
		fe.Status = domain.FailedEventStatusPending
	}
	now := time.Now().UTC()
	if fe.CreatedAt.IsZero() {
		fe.CreatedAt = now
	}
	if fe.LastAttempt.IsZero() {
		fe.LastAttempt = now
	}
	rawLog := string(fe.RawLog)
	if rawLog == "" {
		rawLog = "null"
	}

	query := `
		INSERT INTO failed_events (` + failedEventColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $9, $10, $11, $12)
	`
	_, err := r.db.ExecContext(ctx, query,
		fe.ID,
		fe.SourceID,
		fe.TxHash,
		int64(fe.LogIndex),
		int64(fe.BlockNumber),
		fe.BlockTimestamp.UTC(),
		rawLog,
		fe.Error,
		fe.RetryCount,
		string(fe.Status),
		fe.LastAttempt,
		fe.CreatedAt,
	)
	return wrap("add failed event", err)
}

// GetNext returns the pending event with the oldest attempt.
func (r *FailedEventRepo) GetNext(ctx context.Context, sourceID string) (*domain.FailedEvent, error) {
	query := `
		SELECT ` + failedEventColumns + `
		FROM failed_events
		WHERE source_id = $1 AND status = 'pending'
		ORDER BY last_attempt ASC
		LIMIT 1
	`
	var row failedEventRow
	err := r.db.GetContext(ctx, &row, query, sourceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil // No pending failed events
	}
	if err != nil {
		return nil, wrap("get failed event", err)
	}
	return row.toDomain(), nil
}

// GetAll returns all pending events (for debugging/monitoring).
func (r *FailedEventRepo) GetAll(ctx context.Context, sourceID string) ([]*domain.FailedEvent, error) {
	query := `
		SELECT ` + failedEventColumns + `
		FROM failed_events
		WHERE source_id = $1 AND status = 'pending'
		ORDER BY block_number, log_index
	`
	var rows []failedEventRow
	if err := r.db.SelectContext(ctx, &rows, query, sourceID); err != nil {
		return nil, wrap("get all failed events", err)
	}

	events := make([]*domain.FailedEvent, 0, len(rows))
	for _, row := range rows {
		events = append(events, row.toDomain())
	}
	return events, nil
}

// IncrementRetry increments retry count and updates timestamp.
func (r *FailedEventRepo) IncrementRetry(ctx context.Context, id string, errMsg string) error {
	query := `
		UPDATE failed_events
		SET retry_count = retry_count + 1, last_attempt = NOW(), error_msg = $2
		WHERE id = $1
	`
	return r.update(ctx, "increment retry", query, id, errMsg)
}

// MarkResolved marks a failed event as resolved.
func (r *FailedEventRepo) MarkResolved(ctx context.Context, id string) error {
	return r.setStatus(ctx, id, domain.FailedEventStatusResolved)
}

// MarkIgnored marks a failed event as given up.
func (r *FailedEventRepo) MarkIgnored(ctx context.Context, id string) error {
	return r.setStatus(ctx, id, domain.FailedEventStatusIgnored)
}

func (r *FailedEventRepo) setStatus(ctx context.Context, id string, status domain.FailedEventStatus) error {
	query := `UPDATE failed_events SET status = $2, last_attempt = NOW() WHERE id = $1`
	return r.update(ctx, "mark "+string(status), query, id, string(status))
}

func (r *FailedEventRepo) update(ctx context.Context, op, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return wrap(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrap(op, err)
	}
	if n == 0 {
		return fmt.Errorf("failed to %s: %w", op, storage.ErrNotFound)
	}
	return nil
}

// Count returns the number of pending failed events.
func (r *FailedEventRepo) Count(ctx context.Context, sourceID string) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM failed_events
		WHERE source_id = $1 AND status = 'pending'
	`
	var count int
	if err := r.db.GetContext(ctx, &count, query, sourceID); err != nil {
		return 0, wrap("count failed events", err)
	}
	return count, nil
}

// DeleteResolvedBefore removes settled events last touched before cutoff.
func (r *FailedEventRepo) DeleteResolvedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM failed_events WHERE status IN ('resolved', 'ignored') AND last_attempt < $1`
	res, err := r.db.ExecContext(ctx, query, cutoff.UTC())
	if err != nil {
		return 0, wrap("delete resolved failed events", err)
	}
	return res.RowsAffected()
}
