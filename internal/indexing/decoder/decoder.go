// Package decoder turns raw protocol logs into typed events.
//
// A static table maps topic0 (the keccak hash of the canonical event
// declaration) to one of the known event kinds. Logs with any other topic0,
// or emitted by contracts that are not tracked, are Unknown and skipped.
package decoder

import (
	_ "embed"
	"errors"
	"fmt"
	"math/big"
	"slices"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"github.com/vietddude/vaultwatch/internal/core/domain"
)

//go:embed vault_events.abi.json
var vaultEventsABI string

// ErrMalformedLog is returned when a log has a known topic0 but its topics or
// data do not match the event layout.
var ErrMalformedLog = errors.New("malformed log")

// Event argument names in the protocol ABI.
const (
	argOwner      = "_borrower"
	argDebt       = "_debt"
	argCollateral = "_coll"
	argStake      = "_stake"
	argOperation  = "_operation"
)

// EventNames binds ABI event names to the indexed kinds.
type EventNames struct {
	EntityUpdated    string
	EntityLiquidated string
}

// DefaultEventNames are the protocol's event names.
var DefaultEventNames = EventNames{
	EntityUpdated:    "VaultUpdated",
	EntityLiquidated: "VaultLiquidated",
}

type binding struct {
	kind  domain.EventKind
	event abi.Event
}

// Decoder decodes logs of tracked contracts.
type Decoder struct {
	roles map[common.Address]domain.ContractRole
	table map[common.Hash]binding
}

// New builds a decoder for the given contracts.
func New(roles map[common.Address]domain.ContractRole, names EventNames) (*Decoder, error) {
	parsed, err := abi.JSON(strings.NewReader(vaultEventsABI))
	if err != nil {
		return nil, fmt.Errorf("parse abi: %w", err)
	}

	d := &Decoder{
		roles: roles,
		table: make(map[common.Hash]binding, 2),
	}

	required := map[domain.EventKind][]string{
		domain.KindEntityUpdated:    {argDebt, argCollateral, argStake, argOperation},
		domain.KindEntityLiquidated: {argDebt, argCollateral, argOperation},
	}
	for kind, name := range map[domain.EventKind]string{
		domain.KindEntityUpdated:    names.EntityUpdated,
		domain.KindEntityLiquidated: names.EntityLiquidated,
	} {
		ev, ok := parsed.Events[name]
		if !ok {
			return nil, fmt.Errorf("event %q not in abi", name)
		}
		if err := checkLayout(ev, required[kind]); err != nil {
			return nil, fmt.Errorf("event %s: %w", name, err)
		}
		d.table[ev.ID] = binding{kind: kind, event: ev}
	}

	return d, nil
}

func checkLayout(ev abi.Event, fields []string) error {
	indexed := 0
	for _, in := range ev.Inputs {
		if in.Indexed {
			indexed++
		}
	}
	if indexed != 1 || !ev.Inputs[0].Indexed || ev.Inputs[0].Name != argOwner {
		return fmt.Errorf("expected a single indexed %s argument", argOwner)
	}
	have := make(map[string]bool)
	for _, in := range ev.Inputs.NonIndexed() {
		have[in.Name] = true
	}
	for _, f := range fields {
		if !have[f] {
			return fmt.Errorf("missing argument %s", f)
		}
	}
	return nil
}

// Topics returns the topic0 values of all known kinds, sorted.
func (d *Decoder) Topics() []common.Hash {
	topics := make([]common.Hash, 0, len(d.table))
	for h := range d.table {
		topics = append(topics, h)
	}
	slices.SortFunc(topics, func(a, b common.Hash) int { return a.Cmp(b) })
	return topics
}

// Addresses returns the tracked contract addresses, sorted.
func (d *Decoder) Addresses() []common.Address {
	addrs := make([]common.Address, 0, len(d.roles))
	for a := range d.roles {
		addrs = append(addrs, a)
	}
	slices.SortFunc(addrs, func(a, b common.Address) int { return a.Cmp(b) })
	return addrs
}

// Kind classifies lg without decoding it.
func (d *Decoder) Kind(lg types.Log) domain.EventKind {
	if len(lg.Topics) == 0 {
		return domain.KindUnknown
	}
	if _, tracked := d.roles[lg.Address]; !tracked {
		return domain.KindUnknown
	}
	if b, ok := d.table[lg.Topics[0]]; ok {
		return b.kind
	}
	return domain.KindUnknown
}

// Decode decodes lg. ok is false for Unknown logs, which are not an error.
// A known log that fails to decode returns an error wrapping ErrMalformedLog.
func (d *Decoder) Decode(lg types.Log) (ev domain.Event, ok bool, err error) {
	if d.Kind(lg) == domain.KindUnknown {
		return nil, false, nil
	}
	b := d.table[lg.Topics[0]]

	if len(lg.Topics) != 2 {
		return nil, true, malformed(lg, "expected 2 topics, got %d", len(lg.Topics))
	}
	owner := common.BytesToAddress(lg.Topics[1].Bytes())

	values := make(map[string]any)
	if err := b.event.Inputs.UnpackIntoMap(values, lg.Data); err != nil {
		return nil, true, malformed(lg, "unpack data: %v", err)
	}

	meta := domain.LogMeta{
		Contract:    lg.Address,
		Role:        d.roles[lg.Address],
		BlockNumber: lg.BlockNumber,
		BlockHash:   lg.BlockHash,
		TxHash:      lg.TxHash,
		TxIndex:     lg.TxIndex,
		LogIndex:    lg.Index,
	}

	f := fields{values: values}
	switch b.kind {
	case domain.KindEntityUpdated:
		ev = &domain.EntityUpdated{
			LogMeta:    meta,
			Owner:      owner,
			Debt:       f.amount(argDebt),
			Collateral: f.amount(argCollateral),
			Stake:      f.amount(argStake),
			Operation:  f.u8(argOperation),
		}
	case domain.KindEntityLiquidated:
		ev = &domain.EntityLiquidated{
			LogMeta:    meta,
			Owner:      owner,
			Debt:       f.amount(argDebt),
			Collateral: f.amount(argCollateral),
			Operation:  f.u8(argOperation),
		}
	}
	if f.err != nil {
		return nil, true, malformed(lg, "%v", f.err)
	}
	return ev, true, nil
}

func malformed(lg types.Log, format string, args ...any) error {
	return fmt.Errorf("%w: tx %s log %d: %s", ErrMalformedLog, lg.TxHash.Hex(), lg.Index, fmt.Sprintf(format, args...))
}

// fields reads typed values out of an unpacked argument map, keeping the
// first type error.
type fields struct {
	values map[string]any
	err    error
}

func (f *fields) amount(name string) decimal.Decimal {
	v, ok := f.values[name].(*big.Int)
	if !ok {
		f.fail(name, f.values[name])
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, 0)
}

func (f *fields) u8(name string) uint8 {
	v, ok := f.values[name].(uint8)
	if !ok {
		f.fail(name, f.values[name])
		return 0
	}
	return v
}

func (f *fields) fail(name string, got any) {
	if f.err == nil {
		f.err = fmt.Errorf("argument %s has unexpected type %T", name, got)
	}
}
