package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mcuadros/go-defaults"
	"gopkg.in/yaml.v2"

	"github.com/vietddude/vaultwatch/internal/core/domain"
)

// Persist failure policies.
const (
	PolicyAdvance = "advance"
	PolicyHold    = "hold"
)

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML content, expanding environment variables first.
func Parse(data []byte) (*AppConfig, error) {
	var cfg AppConfig
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	defaults.SetDefaults(&cfg)
	for i := range cfg.Chain.Providers {
		if cfg.Chain.Providers[i].Name == "" {
			cfg.Chain.Providers[i].Name = fmt.Sprintf("provider-%d", i)
		}
	}
	cfg.Indexer.OnPersistFailure = strings.ToLower(strings.TrimSpace(cfg.Indexer.OnPersistFailure))
	for i := range cfg.Chain.Contracts {
		if cfg.Chain.Contracts[i].Role == "" {
			cfg.Chain.Contracts[i].Role = string(domain.RoleVaultManager)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the settings the indexer cannot run without.
func (c *AppConfig) Validate() error {
	var errs []error

	if len(c.Chain.Providers) == 0 {
		errs = append(errs, errors.New("chain.providers: at least one provider is required"))
	}
	for i, p := range c.Chain.Providers {
		if p.URL == "" {
			errs = append(errs, fmt.Errorf("chain.providers[%d]: url is required", i))
		}
	}

	if len(c.Chain.Contracts) == 0 {
		errs = append(errs, errors.New("chain.contracts: at least one contract is required"))
	}
	for i, ct := range c.Chain.Contracts {
		if !common.IsHexAddress(ct.Address) {
			errs = append(errs, fmt.Errorf("chain.contracts[%d]: invalid address %q", i, ct.Address))
		}
		if !domain.ContractRole(ct.Role).Valid() {
			errs = append(errs, fmt.Errorf("chain.contracts[%d]: unknown role %q", i, ct.Role))
		}
	}

	if c.Indexer.BatchSize == 0 {
		errs = append(errs, errors.New("indexer.batch_size must be positive"))
	}
	if c.Indexer.ChunkSize == 0 {
		errs = append(errs, errors.New("indexer.chunk_size must be positive"))
	}
	switch c.Indexer.OnPersistFailure {
	case PolicyAdvance, PolicyHold:
	default:
		errs = append(errs, fmt.Errorf("indexer.on_persist_failure: unknown policy %q", c.Indexer.OnPersistFailure))
	}
	if c.Retry.MaxAttempts <= 0 {
		errs = append(errs, errors.New("retry.max_attempts must be positive"))
	}

	return errors.Join(errs...)
}

// ContractRoles maps each tracked contract address to its role.
func (c ChainConfig) ContractRoles() map[common.Address]domain.ContractRole {
	roles := make(map[common.Address]domain.ContractRole, len(c.Contracts))
	for _, ct := range c.Contracts {
		roles[common.HexToAddress(ct.Address)] = domain.ContractRole(ct.Role)
	}
	return roles
}
