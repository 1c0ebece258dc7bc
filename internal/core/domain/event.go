package domain

import (
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// EventKind is the closed set of event kinds the indexer understands.
type EventKind string

const (
	KindEntityUpdated    EventKind = "EntityUpdated"
	KindEntityLiquidated EventKind = "EntityLiquidated"
	KindUnknown          EventKind = "Unknown"
)

// ContractRole identifies which protocol contract emitted a log.
// Operation codes are only meaningful together with the role.
type ContractRole string

const (
	RoleVaultManager       ContractRole = "vault_manager"
	RoleBorrowerOperations ContractRole = "borrower_operations"
)

// Valid reports whether r is a known role.
func (r ContractRole) Valid() bool {
	return r == RoleVaultManager || r == RoleBorrowerOperations
}

// LogMeta locates a decoded event on chain.
type LogMeta struct {
	Contract    common.Address `json:"contract"`
	Role        ContractRole   `json:"role"`
	BlockNumber uint64         `json:"block_number"`
	BlockHash   common.Hash    `json:"block_hash"`
	TxHash      common.Hash    `json:"tx_hash"`
	TxIndex     uint           `json:"tx_index"`
	LogIndex    uint           `json:"log_index"`
}

// Before orders events by (block number, log index).
func (m LogMeta) Before(o LogMeta) bool {
	if m.BlockNumber != o.BlockNumber {
		return m.BlockNumber < o.BlockNumber
	}
	return m.LogIndex < o.LogIndex
}

// Event is a decoded protocol log.
//
// The set of implementations is closed: it is sealed by an unexported method,
// and consumers branch on the concrete kind through EventVisitor. Adding a kind
// means adding a visitor method, which breaks every consumer at compile time
// until it handles the new kind.
type Event interface {
	Kind() EventKind
	Meta() LogMeta
	// EntityKey is the lowercase hex owner address the event applies to.
	EntityKey() string
	// Payload returns the decoded fields as strings, for raw event storage.
	Payload() map[string]string
	Accept(v EventVisitor) error

	sealed()
}

// EventVisitor handles every event kind.
type EventVisitor interface {
	VisitEntityUpdated(e *EntityUpdated) error
	VisitEntityLiquidated(e *EntityLiquidated) error
}

// EntityUpdated is emitted whenever a vault's debt or collateral changes.
type EntityUpdated struct {
	LogMeta
	Owner      common.Address
	Debt       decimal.Decimal
	Collateral decimal.Decimal
	Stake      decimal.Decimal
	Operation  uint8
}

func (e *EntityUpdated) Kind() EventKind { return KindEntityUpdated }
func (e *EntityUpdated) Meta() LogMeta { return e.LogMeta }
func (e *EntityUpdated) EntityKey() string { return EntityKey(e.Owner) }
func (e *EntityUpdated) Accept(v EventVisitor) error { return v.VisitEntityUpdated(e) }
func (e *EntityUpdated) sealed() {}
func (e *EntityUpdated) Payload() map[string]string {
	return map[string]string{
		"owner":      EntityKey(e.Owner),
		"debt":       e.Debt.String(),
		"collateral": e.Collateral.String(),
		"stake":      e.Stake.String(),
		"operation":  strconv.Itoa(int(e.Operation)),
	}
}

// EntityLiquidated is emitted when a vault is liquidated.
type EntityLiquidated struct {
	LogMeta
	Owner      common.Address
	Debt       decimal.Decimal
	Collateral decimal.Decimal
	Operation  uint8
}

func (e *EntityLiquidated) Kind() EventKind { return KindEntityLiquidated }
func (e *EntityLiquidated) Meta() LogMeta { return e.LogMeta }
func (e *EntityLiquidated) EntityKey() string { return EntityKey(e.Owner) }
func (e *EntityLiquidated) Accept(v EventVisitor) error { return v.VisitEntityLiquidated(e) }
func (e *EntityLiquidated) sealed() {}
func (e *EntityLiquidated) Payload() map[string]string {
	return map[string]string{
		"owner":      EntityKey(e.Owner),
		"debt":       e.Debt.String(),
		"collateral": e.Collateral.String(),
		"operation":  strconv.Itoa(int(e.Operation)),
	}
}

// EntityKey normalizes an owner address into the entity key.
func EntityKey(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}
