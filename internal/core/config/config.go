package config

import (
	"time"

	redisclient "github.com/vietddude/vaultwatch/internal/infra/redis"
	"github.com/vietddude/vaultwatch/internal/infra/storage/postgres"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server   ServerConfig       `yaml:"server"`
	Logging  LoggingConfig      `yaml:"logging"`
	Chain    ChainConfig        `yaml:"chain"`
	Indexer  IndexerConfig      `yaml:"indexer"`
	Retry    RetryConfig        `yaml:"retry"`
	Recovery RecoveryConfig     `yaml:"recovery"`
	Database postgres.Config    `yaml:"database"`
	Redis    redisclient.Config `yaml:"redis"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port" default:"8080"` // negative disables the server
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `yaml:"level"        default:"info"` // debug, info, warn, error
	Format     string `yaml:"format"       default:"text"` // json, text
	File       string `yaml:"file"`                        // empty = console only
	MaxSizeMB  int    `yaml:"max_size_mb"  default:"100"`
	MaxBackups int    `yaml:"max_backups"  default:"5"`
	MaxAgeDays int    `yaml:"max_age_days" default:"30"`
}

// ChainConfig describes the chain, its providers and the tracked contracts.
type ChainConfig struct {
	SourceID    string           `yaml:"source_id"    default:"vault-manager"`
	CallTimeout time.Duration    `yaml:"call_timeout" default:"15s"`
	Providers   []ProviderConfig `yaml:"providers"`
	Contracts   []ContractConfig `yaml:"contracts"`
	Events      EventsConfig     `yaml:"events"`
}

// ProviderConfig holds settings for an RPC provider.
type ProviderConfig struct {
	Name              string  `yaml:"name"`
	URL               string  `yaml:"url"`
	RequestsPerSecond float64 `yaml:"requests_per_second"` // 0 = unlimited
}

// ContractConfig is one tracked contract.
type ContractConfig struct {
	Address string `yaml:"address"`
	Role    string `yaml:"role"` // vault_manager, borrower_operations
}

// EventsConfig binds ABI event names to the indexed event kinds.
type EventsConfig struct {
	EntityUpdated    string `yaml:"entity_updated"    default:"VaultUpdated"`
	EntityLiquidated string `yaml:"entity_liquidated" default:"VaultLiquidated"`
}

// IndexerConfig controls the tick loop.
type IndexerConfig struct {
	PollInterval     time.Duration `yaml:"poll_interval"      default:"12s"`
	ErrorBackoff     time.Duration `yaml:"error_backoff"      default:"24s"`
	BatchSize        uint64        `yaml:"batch_size"         default:"100"`
	ChunkSize        uint64        `yaml:"chunk_size"         default:"1000"`
	StartBlock       uint64        `yaml:"start_block"`
	Lookback         uint64        `yaml:"lookback"           default:"1000"`
	FetchConcurrency int           `yaml:"fetch_concurrency"  default:"4"`
	OnPersistFailure string        `yaml:"on_persist_failure" default:"advance"` // advance, hold
	TickTimeout      time.Duration `yaml:"tick_timeout"       default:"5m"`
}

// RetryConfig bounds retries of external calls.
type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"  default:"3"`
	InitialDelay time.Duration `yaml:"initial_delay" default:"500ms"`
	MaxDelay     time.Duration `yaml:"max_delay"     default:"10s"`
}

// RecoveryConfig controls dead-letter replay and pruning.
type RecoveryConfig struct {
	Enabled     *bool         `yaml:"enabled"`
	Interval    time.Duration `yaml:"interval"     default:"30s"`
	MaxAttempts int           `yaml:"max_attempts" default:"5"`
	Retention   time.Duration `yaml:"retention"    default:"168h"`
}

// IsEnabled defaults to true when unset.
func (r RecoveryConfig) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}
