package domain

// EntityStatus is the lifecycle status of a vault.
//
//	active → {closed_by_owner, liquidated, redeemed}
//
// The three successors are terminal for the current lifecycle segment. An
// owner may open a new vault afterwards, which starts a new segment as active.
type EntityStatus string

const (
	StatusActive        EntityStatus = "active"
	StatusClosedByOwner EntityStatus = "closed_by_owner"
	StatusLiquidated    EntityStatus = "liquidated"
	StatusRedeemed      EntityStatus = "redeemed"
)

// IsTerminal reports whether s ends a lifecycle segment.
func (s EntityStatus) IsTerminal() bool {
	switch s {
	case StatusClosedByOwner, StatusLiquidated, StatusRedeemed:
		return true
	}
	return false
}

// SetsLiquidatedAt reports whether reaching s stamps liquidated_at.
func (s EntityStatus) SetsLiquidatedAt() bool { return s == StatusLiquidated }

// SetsClosedAt reports whether reaching s stamps closed_at.
func (s EntityStatus) SetsClosedAt() bool {
	return s == StatusClosedByOwner || s == StatusRedeemed
}

// Operation codes carried by VaultUpdated / VaultLiquidated, per emitting contract.
var operationStatus = map[ContractRole]map[uint8]EntityStatus{
	RoleVaultManager: {
		0: StatusActive,     // applyPendingRewards
		1: StatusLiquidated, // liquidateInNormalMode
		2: StatusLiquidated, // liquidateInRecoveryMode
		3: StatusRedeemed,   // redeemCollateral
	},
	RoleBorrowerOperations: {
		0: StatusActive,        // openVault
		1: StatusClosedByOwner, // closeVault
		2: StatusActive,        // adjustVault
	},
}

// StatusForOperation maps an operation code to the status it drives.
// ok is false for codes the role does not define.
func StatusForOperation(role ContractRole, op uint8) (EntityStatus, bool) {
	s, ok := operationStatus[role][op]
	return s, ok
}
