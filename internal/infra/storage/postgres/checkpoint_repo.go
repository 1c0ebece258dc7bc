package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/vietddude/vaultwatch/internal/core/domain"
	"github.com/vietddude/vaultwatch/internal/infra/storage"
)

// CheckpointRepo implements storage.CheckpointRepository using PostgreSQL.
type CheckpointRepo struct {
	db *DB
}

// NewCheckpointRepo creates a new PostgreSQL checkpoint repository.
func NewCheckpointRepo(db *DB) *CheckpointRepo {
	return &CheckpointRepo{db: db}
}

var _ storage.CheckpointRepository = (*CheckpointRepo)(nil)

// Get retrieves the checkpoint for sourceID.
func (r *CheckpointRepo) Get(ctx context.Context, sourceID string) (*domain.Checkpoint, error) {
	var cp domain.Checkpoint
	err := r.db.GetContext(ctx, &cp,
		`SELECT source_id, last_processed_block, last_updated FROM checkpoint WHERE source_id = $1`,
		sourceID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil // Not found
	}
	if err != nil {
		return nil, wrap("get checkpoint", err)
	}
	return &cp, nil
}

// Save creates or replaces the checkpoint.
func (r *CheckpointRepo) Save(ctx context.Context, cp *domain.Checkpoint) error {
	updated := cp.LastUpdated
	if updated.IsZero() {
		updated = time.Now()
	}
	query := `
		INSERT INTO checkpoint (source_id, last_processed_block, last_updated)
		VALUES ($1, $2, $3)
		ON CONFLICT (source_id) DO UPDATE SET
			last_processed_block = EXCLUDED.last_processed_block,
			last_updated = EXCLUDED.last_updated
	`
	_, err := r.db.ExecContext(ctx, query, cp.SourceID, int64(cp.LastProcessedBlock), updated.UTC())
	return wrap("save checkpoint", err)
}
