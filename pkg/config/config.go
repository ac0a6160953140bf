package config

import (
	"fmt"
	"os"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config represents the relay node configuration
type Config struct {
	Server     ServerConfig           `yaml:"server"`
	Database   DatabaseConfig         `yaml:"database"`
	Logging    LoggingConfig          `yaml:"logging"`
	Monitoring MonitoringConfig       `yaml:"monitoring"`
	Auth       AuthConfig             `yaml:"auth"`
	Bids       BidsConfig             `yaml:"bids"`
	Engine     EngineConfig           `yaml:"engine"`
	Queue      QueueConfig            `yaml:"queue"`
	Keys       KeysConfig             `yaml:"keys"`
	Chains     map[string]ChainConfig `yaml:"chains" validate:"required,min=2,dive"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Host              string        `yaml:"host" default:"0.0.0.0"`
	Port              int           `yaml:"port" default:"8080" validate:"gt=0,lte=65535"`
	ReadTimeout       time.Duration `yaml:"read_timeout" default:"15s"`
	WriteTimeout      time.Duration `yaml:"write_timeout" default:"15s"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" default:"60s"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout" default:"30s"`
	MiddlewareTimeout time.Duration `yaml:"middleware_timeout" default:"60s"`
}

// DatabaseConfig contains database connection settings
type DatabaseConfig struct {
	Host         string `yaml:"host" default:"localhost" validate:"required"`
	Port         int    `yaml:"port" default:"5432" validate:"gt=0"`
	User         string `yaml:"user" validate:"required"`
	Password     string `yaml:"password"`
	Database     string `yaml:"database" validate:"required"`
	SSLMode      string `yaml:"ssl_mode" default:"disable" validate:"oneof=disable require verify-full"`
	MaxOpenConns int    `yaml:"max_open_conns" default:"20"`
}

// LoggingConfig contains logger settings
type LoggingConfig struct {
	Level      string `yaml:"level" default:"info"`
	Format     string `yaml:"format" default:"json" validate:"oneof=json console"`
	OutputPath string `yaml:"output_path" default:"stdout"`
}

// MonitoringConfig toggles the metrics endpoint and sets how often node
// health is written to the database
type MonitoringConfig struct {
	Enabled             bool          `yaml:"enabled"`
	HealthFlushInterval time.Duration `yaml:"health_flush_interval" default:"30s" validate:"gt=0"`
}

// AuthConfig guards the intake endpoints with a service token.
// An empty JWTSecret disables authentication.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	Issuer    string `yaml:"issuer" default:"transfer-relay-api"`
}

// BidsConfig points at the externally owned bid table
type BidsConfig struct {
	Path           string        `yaml:"path" validate:"required"`
	ReloadInterval time.Duration `yaml:"reload_interval" default:"30s" validate:"gt=0"`
	Watch          bool          `yaml:"watch"`
}

// EngineConfig holds the lifecycle retry policy
type EngineConfig struct {
	MaxRetries           int           `yaml:"max_retries" default:"5" validate:"gte=0"`
	MaxTransientAttempts int           `yaml:"max_transient_attempts" default:"10" validate:"gt=0"`
	ConfirmationTimeout  time.Duration `yaml:"confirmation_timeout" default:"10m" validate:"gt=0"`
	PollInitialInterval  time.Duration `yaml:"poll_initial_interval" default:"2s" validate:"gt=0"`
	PollMaxInterval      time.Duration `yaml:"poll_max_interval" default:"1m" validate:"gt=0"`
	BidRecheckDelay      time.Duration `yaml:"bid_recheck_delay" default:"5s" validate:"gt=0"`
	RecoveryInterval     time.Duration `yaml:"recovery_interval" default:"1m" validate:"gt=0"`
	StaleAfter           time.Duration `yaml:"stale_after" default:"5m" validate:"gt=0"`
}

// QueueConfig sizes the worker pools of the dispatch layer
type QueueConfig struct {
	TransferWorkers    int           `yaml:"transfer_workers" default:"4" validate:"gt=0"`
	BidWorkers         int           `yaml:"bid_workers" default:"2" validate:"gt=0"`
	TransactionWorkers int           `yaml:"transaction_workers" default:"8" validate:"gt=0"`
	PollInterval       time.Duration `yaml:"poll_interval" default:"500ms" validate:"gt=0"`
	VisibilityTimeout  time.Duration `yaml:"visibility_timeout" default:"2m" validate:"gt=0"`
	LeaseTTL           time.Duration `yaml:"lease_ttl" default:"2m" validate:"gt=0"`
	LeaseRetryDelay    time.Duration `yaml:"lease_retry_delay" default:"1s" validate:"gt=0"`
}

// KeysConfig holds the encrypted signer keys. MasterKey is a 32 byte hex key.
type KeysConfig struct {
	MasterKey string            `yaml:"master_key" validate:"required,len=64,hexadecimal"`
	Handles   []KeyHandleConfig `yaml:"handles" validate:"required,min=1,dive"`
}

// KeyHandleConfig is one custodial key scoped to one chain
type KeyHandleConfig struct {
	ID           string `yaml:"id" validate:"required"`
	Chain        string `yaml:"chain" validate:"required"`
	EncryptedKey string `yaml:"encrypted_key" validate:"required,base64"`
}

// ChainConfig contains per-chain RPC and submission settings
type ChainConfig struct {
	Kind              string          `yaml:"kind" default:"evm" validate:"oneof=evm"`
	Disabled          bool            `yaml:"disabled"`
	Provider          string          `yaml:"provider" validate:"required,url"`
	FallbackProviders []string        `yaml:"fallback_providers" validate:"dive,url"`
	ProviderTimeout   time.Duration   `yaml:"provider_timeout" default:"10s"`
	RequestsPerSecond float64         `yaml:"requests_per_second" default:"20"`
	ChainID           int64           `yaml:"chain_id" validate:"gt=0"`
	AverageBlockTime  time.Duration   `yaml:"average_block_time" default:"12s"`
	Confirmations     uint64          `yaml:"confirmations" default:"12"`
	BridgeContract    string          `yaml:"bridge_contract" validate:"required,eth_addr"`
	Signer            string          `yaml:"signer" validate:"required"`
	GasLimit          uint64          `yaml:"gas_limit" default:"300000"`
	MaxFeePerGas      decimal.Decimal `yaml:"max_fee_per_gas"`
	TipPerGas         decimal.Decimal `yaml:"tip_per_gas"`
	MaxTotalFeePerGas decimal.Decimal `yaml:"max_total_fee_per_gas"`
	FeeBumpFactor     decimal.Decimal `yaml:"fee_bump_factor"`
}

var defaultFeeBumpFactor = decimal.RequireFromString("1.125")

// Load reads the YAML file at path, expands ${ENV} references,
// applies defaults and validates the result.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse([]byte(os.ExpandEnv(string(raw))))
}

// Parse decodes, defaults and validates a YAML config document.
func Parse(raw []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("failed to apply defaults: %w", err)
	}
	for id, chain := range cfg.Chains {
		if err := defaults.Set(&chain); err != nil {
			return nil, fmt.Errorf("failed to apply defaults for chain %s: %w", id, err)
		}
		if chain.FeeBumpFactor.IsZero() {
			chain.FeeBumpFactor = defaultFeeBumpFactor
		}
		cfg.Chains[id] = chain
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func validate(cfg *Config) error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(cfg); err != nil {
		return err
	}

	handles := make(map[string]string, len(cfg.Keys.Handles))
	for _, h := range cfg.Keys.Handles {
		if _, dup := handles[h.ID]; dup {
			return fmt.Errorf("duplicate key handle %q", h.ID)
		}
		handles[h.ID] = h.Chain
	}
	for id, chain := range cfg.Chains {
		scope, ok := handles[chain.Signer]
		if !ok {
			return fmt.Errorf("chain %s references unknown signer %q", id, chain.Signer)
		}
		if scope != id {
			return fmt.Errorf("signer %q is scoped to chain %s, not %s", chain.Signer, scope, id)
		}
		if !chain.MaxFeePerGas.IsPositive() {
			return fmt.Errorf("chain %s: max_fee_per_gas must be positive", id)
		}
		if chain.FeeBumpFactor.LessThan(decimal.NewFromInt(1)) {
			return fmt.Errorf("chain %s: fee_bump_factor must be >= 1", id)
		}
	}
	if cfg.Engine.PollMaxInterval < cfg.Engine.PollInitialInterval {
		return fmt.Errorf("engine.poll_max_interval must be >= engine.poll_initial_interval")
	}
	return nil
}

// ActiveChains returns the ids of chains enabled for relaying
func (c *Config) ActiveChains() []string {
	ids := make([]string, 0, len(c.Chains))
	for id, chain := range c.Chains {
		if !chain.Disabled {
			ids = append(ids, id)
		}
	}
	return ids
}
