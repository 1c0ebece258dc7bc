package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// RawEvent is the immutable record of one decoded log.
// Unique by (TxHash, LogIndex).
type RawEvent struct {
	TxHash          string            `db:"tx_hash"`
	LogIndex        uint              `db:"log_index"`
	BlockNumber     uint64            `db:"block_number"`
	BlockTimestamp  time.Time         `db:"block_timestamp"`
	Kind            EventKind         `db:"event_kind"`
	ContractAddress string            `db:"contract_address"`
	EntityKey       string            `db:"entity_key"`
	Payload         map[string]string `db:"-"`
}

// NewRawEvent builds the raw record for ev.
func NewRawEvent(ev Event, blockTime time.Time) *RawEvent {
	m := ev.Meta()
	return &RawEvent{
		TxHash:          m.TxHash.Hex(),
		LogIndex:        m.LogIndex,
		BlockNumber:     m.BlockNumber,
		BlockTimestamp:  blockTime,
		Kind:            ev.Kind(),
		ContractAddress: EntityKey(m.Contract),
		EntityKey:       ev.EntityKey(),
		Payload:         ev.Payload(),
	}
}

// EntityState is the current derived state of one vault.
type EntityState struct {
	EntityKey      string              `db:"entity_key"`
	Collateral     decimal.Decimal     `db:"collateral"`
	Debt           decimal.Decimal     `db:"debt"`
	Ratio          decimal.NullDecimal `db:"ratio"`
	Status         EntityStatus        `db:"status"`
	LiquidatedAt   *time.Time          `db:"liquidated_at"`
	ClosedAt       *time.Time          `db:"closed_at"`
	FirstSeenAt    time.Time           `db:"first_seen_at"`
	UpdatedAt      time.Time           `db:"updated_at"`
	LastEventBlock uint64              `db:"last_event_block"`
	LastLogIndex   uint                `db:"last_log_index"`
}

// StateUpdate carries the values one event contributes to an entity.
type StateUpdate struct {
	EntityKey  string
	Collateral decimal.Decimal
	Debt       decimal.Decimal
	Ratio      decimal.NullDecimal
	// Status is applied only when StatusKnown is set; unknown operation
	// codes leave the stored status alone.
	Status         EntityStatus
	StatusKnown    bool
	BlockNumber    uint64
	LogIndex       uint
	BlockTimestamp time.Time
}

// Newer reports whether the update is at or after the position stored in s.
func (u StateUpdate) Newer(s *EntityState) bool {
	if u.BlockNumber != s.LastEventBlock {
		return u.BlockNumber > s.LastEventBlock
	}
	return u.LogIndex >= s.LastLogIndex
}

// Apply merges u into s. Numeric fields and status follow the latest event;
// terminal timestamps are first-write-wins.
func (u StateUpdate) Apply(s *EntityState) {
	if u.Newer(s) {
		s.Collateral = u.Collateral
		s.Debt = u.Debt
		s.Ratio = u.Ratio
		if u.StatusKnown {
			s.Status = u.Status
		}
		s.UpdatedAt = u.BlockTimestamp
		s.LastEventBlock = u.BlockNumber
		s.LastLogIndex = u.LogIndex
	}
	if !u.StatusKnown {
		return
	}
	ts := u.BlockTimestamp
	if u.Status.SetsLiquidatedAt() && s.LiquidatedAt == nil {
		s.LiquidatedAt = &ts
	}
	if u.Status.SetsClosedAt() && s.ClosedAt == nil {
		s.ClosedAt = &ts
	}
}

// NewEntityState creates the initial state for the first event of a key.
func (u StateUpdate) NewEntityState() *EntityState {
	s := &EntityState{
		EntityKey:   u.EntityKey,
		Status:      StatusActive,
		FirstSeenAt: u.BlockTimestamp,
	}
	u.Apply(s)
	return s
}

// EntityHistory is an append-only snapshot taken at each applied event.
type EntityHistory struct {
	EntityKey   string              `db:"entity_key"`
	Collateral  decimal.Decimal     `db:"collateral"`
	Debt        decimal.Decimal     `db:"debt"`
	Ratio       decimal.NullDecimal `db:"ratio"`
	Status      EntityStatus        `db:"status"`
	Kind        EventKind           `db:"event_kind"`
	Operation   int16               `db:"operation"`
	BlockNumber uint64              `db:"block_number"`
	TxHash      string              `db:"tx_hash"`
	LogIndex    uint                `db:"log_index"`
	Timestamp   time.Time           `db:"timestamp"`
}

// CollateralRatio returns collateral*100/debt rounded to 4 places,
// or null when there is no debt.
func CollateralRatio(collateral, debt decimal.Decimal) decimal.NullDecimal {
	if debt.IsZero() {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(collateral.Mul(decimal.NewFromInt(100)).DivRound(debt, 4))
}
