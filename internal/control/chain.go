package control

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/vietddude/vaultwatch/internal/core/config"
	"github.com/vietddude/vaultwatch/internal/indexing/decoder"
	"github.com/vietddude/vaultwatch/internal/infra/chain/evm"
	"github.com/vietddude/vaultwatch/internal/infra/rpc/provider"
	"github.com/vietddude/vaultwatch/internal/infra/rpc/routing"
)

// NewChainClient builds the chain client over every configured provider.
func NewChainClient(cfg *config.AppConfig, logger *slog.Logger) (*evm.Client, error) {
	if len(cfg.Chain.Providers) == 0 {
		return nil, errors.New("no providers configured")
	}
	providers := make([]provider.Provider, 0, len(cfg.Chain.Providers))
	for _, p := range cfg.Chain.Providers {
		var opts []provider.Option
		if p.RequestsPerSecond > 0 {
			opts = append(opts, provider.WithRateLimit(p.RequestsPerSecond))
		}
		providers = append(providers, provider.NewHTTPProvider(p.Name, p.URL, cfg.Chain.CallTimeout, opts...))
	}

	policy := routing.NewPolicy(cfg.Retry.MaxAttempts, cfg.Retry.InitialDelay, cfg.Retry.MaxDelay)
	return evm.NewClient(providers, policy, cfg.Chain.CallTimeout, logger.With("component", "chain")), nil
}

// NewDecoder builds the decoder for the configured contracts.
func NewDecoder(cfg *config.AppConfig) (*decoder.Decoder, error) {
	dec, err := decoder.New(cfg.Chain.ContractRoles(), decoder.EventNames{
		EntityUpdated:    cfg.Chain.Events.EntityUpdated,
		EntityLiquidated: cfg.Chain.Events.EntityLiquidated,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build decoder: %w", err)
	}
	return dec, nil
}
