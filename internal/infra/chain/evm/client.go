// Package evm is the chain client: a thin, retrying JSON-RPC wrapper exposing
// exactly the four reads the indexer needs. Nothing is cached.
package evm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/vietddude/vaultwatch/internal/indexing/metrics"
	"github.com/vietddude/vaultwatch/internal/infra/rpc/provider"
	"github.com/vietddude/vaultwatch/internal/infra/rpc/routing"
)

var (
	// ErrBlockNotFound is returned when the provider has no such block yet.
	ErrBlockNotFound = errors.New("block not found")

	// ErrReceiptNotFound is returned for unknown or pending transactions.
	ErrReceiptNotFound = errors.New("receipt not found")
)

// Block is the subset of a block header the indexer uses.
type Block struct {
	Number    uint64
	Hash      common.Hash
	Timestamp time.Time
}

// Receipt is the subset of a transaction receipt the indexer uses.
type Receipt struct {
	TxHash      common.Hash
	BlockNumber uint64
	Status      uint64
	Logs        []types.Log
}

// LogFilter selects logs by emitting contract and topic0.
type LogFilter struct {
	Addresses []common.Address
	Topics    []common.Hash // any of these as topic0
}

// Client implements the chain client over one or more providers. Transient
// failures rotate to the next provider before the retry.
type Client struct {
	providers []provider.Provider
	policy    routing.Policy
	timeout   time.Duration
	current   atomic.Uint32
	log       *slog.Logger
}

// NewClient creates a chain client. callTimeout bounds every single attempt.
func NewClient(
	providers []provider.Provider,
	policy routing.Policy,
	callTimeout time.Duration,
	logger *slog.Logger,
) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		providers: providers,
		policy:    policy,
		timeout:   callTimeout,
		log:       logger,
	}
	if c.policy.OnRetry == nil {
		c.policy.OnRetry = func(attempt int, delay time.Duration, err error) {
			c.log.Warn("Retrying RPC call", "attempt", attempt, "delay", delay, "error", err)
		}
	}
	return c
}

// LatestBlock returns the current chain head.
func (c *Client) LatestBlock(ctx context.Context) (uint64, error) {
	var height hexutil.Uint64
	if err := c.call(ctx, "eth_blockNumber", nil, &height); err != nil {
		return 0, err
	}
	return uint64(height), nil
}

// Logs returns all logs in [from, to] matching f. Providers that reject the
// range for its size surface routing.ErrRangeTooLarge.
func (c *Client) Logs(ctx context.Context, f LogFilter, from, to uint64) ([]types.Log, error) {
	query := map[string]any{
		"fromBlock": hexutil.EncodeUint64(from),
		"toBlock":   hexutil.EncodeUint64(to),
	}
	if len(f.Addresses) > 0 {
		query["address"] = f.Addresses
	}
	if len(f.Topics) > 0 {
		query["topics"] = [][]common.Hash{f.Topics}
	}

	var logs []types.Log
	if err := c.call(ctx, "eth_getLogs", []any{query}, &logs); err != nil {
		return nil, fmt.Errorf("logs %d-%d: %w", from, to, err)
	}
	return logs, nil
}

// Block returns the header fields of block number.
func (c *Client) Block(ctx context.Context, number uint64) (*Block, error) {
	var raw *struct {
		Number    hexutil.Uint64 `json:"number"`
		Hash      common.Hash    `json:"hash"`
		Timestamp hexutil.Uint64 `json:"timestamp"`
	}
	if err := c.call(ctx, "eth_getBlockByNumber", []any{hexutil.EncodeUint64(number), false}, &raw); err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: %d", ErrBlockNotFound, number)
	}
	return &Block{
		Number:    uint64(raw.Number),
		Hash:      raw.Hash,
		Timestamp: time.Unix(int64(raw.Timestamp), 0).UTC(),
	}, nil
}

// Receipt returns the receipt of a mined transaction.
func (c *Client) Receipt(ctx context.Context, txHash common.Hash) (*Receipt, error) {
	var raw *struct {
		TxHash      common.Hash    `json:"transactionHash"`
		BlockNumber hexutil.Uint64 `json:"blockNumber"`
		Status      hexutil.Uint64 `json:"status"`
		Logs        []types.Log    `json:"logs"`
	}
	if err := c.call(ctx, "eth_getTransactionReceipt", []any{txHash}, &raw); err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: %s", ErrReceiptNotFound, txHash.Hex())
	}
	return &Receipt{
		TxHash:      raw.TxHash,
		BlockNumber: uint64(raw.BlockNumber),
		Status:      uint64(raw.Status),
		Logs:        raw.Logs,
	}, nil
}

func (c *Client) call(ctx context.Context, method string, params []any, out any) error {
	if len(c.providers) == 0 {
		return errors.New("no providers configured")
	}

	return c.policy.Do(ctx, func(ctx context.Context, attempt int) error {
		idx := int(c.current.Load()) % len(c.providers)
		p := c.providers[idx]

		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		raw, err := p.Call(callCtx, method, params)
		if err == nil {
			if err = json.Unmarshal(raw, out); err != nil {
				err = fmt.Errorf("decode %s result: %w", method, err)
			}
		}
		if err == nil {
			return nil
		}

		if routing.IsRangeTooLarge(err) && !errors.Is(err, routing.ErrRangeTooLarge) {
			err = fmt.Errorf("%w: %w", routing.ErrRangeTooLarge, err)
		}
		class := routing.ClassifyError(err)
		metrics.RPCErrorsTotal.WithLabelValues(p.GetName(), class.String()).Inc()
		if class == routing.ClassTransient && len(c.providers) > 1 {
			c.current.CompareAndSwap(uint32(idx), uint32((idx+1)%len(c.providers)))
		}
		return fmt.Errorf("%s via %s: %w", method, p.GetName(), err)
	})
}
