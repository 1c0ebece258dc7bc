// Package decodertest builds protocol logs for tests.
package decodertest

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Event signatures as declared by the protocol contracts.
const (
	VaultUpdatedSig    = "VaultUpdated(address,uint256,uint256,uint256,uint8)"
	VaultLiquidatedSig = "VaultLiquidated(address,uint256,uint256,uint8)"
)

var (
	uint256Ty, _ = abi.NewType("uint256", "", nil)
	uint8Ty, _   = abi.NewType("uint8", "", nil)

	updatedData = abi.Arguments{
		{Name: "_debt", Type: uint256Ty},
		{Name: "_coll", Type: uint256Ty},
		{Name: "_stake", Type: uint256Ty},
		{Name: "_operation", Type: uint8Ty},
	}
	liquidatedData = abi.Arguments{
		{Name: "_debt", Type: uint256Ty},
		{Name: "_coll", Type: uint256Ty},
		{Name: "_operation", Type: uint8Ty},
	}

	// VaultUpdatedTopic is topic0 of VaultUpdated.
	VaultUpdatedTopic = common.HexToHash("0x1682adcf84a5197a236a80c9ffe2e7233619140acb7839754c27cdc21799192c")
	// VaultLiquidatedTopic is topic0 of VaultLiquidated.
	VaultLiquidatedTopic = common.HexToHash("0x7495fe27166ca7c7fb38d10e09b0d0f029a5704bac8952a9545063644de73c10")
)

// Log is a builder for a protocol log.
type Log struct {
	Contract common.Address
	Block    uint64
	TxHash   common.Hash
	Index    uint
}

// Updated builds a VaultUpdated log.
func (l Log) Updated(owner common.Address, debt, coll, stake int64, op uint8) types.Log {
	data, err := updatedData.Pack(big.NewInt(debt), big.NewInt(coll), big.NewInt(stake), op)
	if err != nil {
		panic(err)
	}
	return l.build(VaultUpdatedTopic, owner, data)
}

// Liquidated builds a VaultLiquidated log.
func (l Log) Liquidated(owner common.Address, debt, coll int64, op uint8) types.Log {
	data, err := liquidatedData.Pack(big.NewInt(debt), big.NewInt(coll), op)
	if err != nil {
		panic(err)
	}
	return l.build(VaultLiquidatedTopic, owner, data)
}

// Unknown builds a log with an unrecognized topic0.
func (l Log) Unknown() types.Log {
	return l.build(common.HexToHash("0xdeadbeef"), common.Address{}, nil)
}

func (l Log) build(topic0 common.Hash, owner common.Address, data []byte) types.Log {
	txHash := l.TxHash
	if txHash == (common.Hash{}) {
		txHash = common.BigToHash(new(big.Int).SetUint64(l.Block*1000 + uint64(l.Index) + 1))
	}
	if data == nil {
		data = []byte{}
	}
	return types.Log{
		Address:     l.Contract,
		Topics:      []common.Hash{topic0, common.BytesToHash(owner.Bytes())},
		Data:        data,
		BlockNumber: l.Block,
		BlockHash:   common.BigToHash(new(big.Int).SetUint64(l.Block)),
		TxHash:      txHash,
		Index:       l.Index,
	}
}

// Address parses a hex address, for table-driven tests.
func Address(s string) common.Address {
	if !strings.HasPrefix(s, "0x") {
		s = "0x" + s
	}
	return common.HexToAddress(s)
}
