package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Chain     ChainConfig     `mapstructure:"chain"`
	Hub       HubConfig       `mapstructure:"hub"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Extension ExtensionConfig `mapstructure:"extension"`
	Pending   PendingConfig   `mapstructure:"pending"`
	Expiry    ExpiryConfig    `mapstructure:"expiry"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Pricing   PricingConfig   `mapstructure:"pricing"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	SSH       SSHConfig       `mapstructure:"ssh"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// ChainConfig holds the rental contract and wallet settings
type ChainConfig struct {
	RPCURL          string        `mapstructure:"rpc_url"`
	ContractAddress string        `mapstructure:"contract_address"`
	KeystoreDir     string        `mapstructure:"keystore_dir"`
	WalletAddress   string        `mapstructure:"wallet_address"`
	Passphrase      string        `mapstructure:"passphrase"`
	Confirmations   uint64        `mapstructure:"confirmations"`
	ReceiptTimeout  time.Duration `mapstructure:"receipt_timeout"`
	GasLimit        uint64        `mapstructure:"gas_limit"` // 0 = estimate
	AutoApprove     bool          `mapstructure:"auto_approve"`
}

// HubConfig holds Hub REST API settings
type HubConfig struct {
	URL            string        `mapstructure:"url"`
	Token          string        `mapstructure:"token"` // static bearer token, skips the wallet handshake
	Timeout        time.Duration `mapstructure:"timeout"`
	RequestsPerSec float64       `mapstructure:"requests_per_sec"`
	Burst          int           `mapstructure:"burst"`
	Language       string        `mapstructure:"language"` // "ko" or "en"
}

// RetryConfig holds the fixed-delay policy shared by hub start and confirm
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	Delay       time.Duration `mapstructure:"delay"`
	Jitter      time.Duration `mapstructure:"jitter"`
}

// ExtensionConfig holds session extension limits
type ExtensionConfig struct {
	MinMinutes     int `mapstructure:"min_minutes"`
	MaxExtensions  int `mapstructure:"max_extensions"` // 0 = unlimited
	DefaultMinutes int `mapstructure:"default_minutes"`
}

// PendingConfig holds pending-session tracking settings
type PendingConfig struct {
	TTL        time.Duration `mapstructure:"ttl"`
	AutoCancel bool          `mapstructure:"auto_cancel"`
}

// ExpiryConfig holds running-session expiry thresholds
type ExpiryConfig struct {
	SafeAbove     time.Duration `mapstructure:"safe_above"`
	CriticalBelow time.Duration `mapstructure:"critical_below"`
}

// CacheConfig holds query cache settings
type CacheConfig struct {
	TTL             time.Duration `mapstructure:"ttl"`
	SessionsPoll    time.Duration `mapstructure:"sessions_poll"`
	GPUsPoll        time.Duration `mapstructure:"gpus_poll"`
	WatcherInterval time.Duration `mapstructure:"watcher_interval"`
}

// PricingConfig holds fiat conversion settings
type PricingConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	URL      string        `mapstructure:"url"`
	Currency string        `mapstructure:"currency"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `mapstructure:"path"` // empty = in-memory stores
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "json" or "text"
}

// SSHConfig holds SSH verification configuration
type SSHConfig struct {
	VerifyTimeout time.Duration `mapstructure:"verify_timeout"`
	CheckInterval time.Duration `mapstructure:"check_interval"`
}

// MetricsConfig holds the prometheus listener settings
type MetricsConfig struct {
	Addr string `mapstructure:"addr"` // empty = disabled
}

// Load loads configuration from file and environment
func Load(configPath string) (*Config, error) {
	v := newViper()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	return unmarshal(v)
}

// LoadFromEnv loads configuration primarily from environment variables
func LoadFromEnv() (*Config, error) {
	v := newViper()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // .env is optional

	return unmarshal(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("RENTAL")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	bindEnvVars(v)

	return v
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Chain defaults
	v.SetDefault("chain.rpc_url", "http://127.0.0.1:8545")
	v.SetDefault("chain.keystore_dir", "./data/keystore")
	v.SetDefault("chain.confirmations", 1)
	v.SetDefault("chain.receipt_timeout", 3*time.Minute)

	// Hub defaults
	v.SetDefault("hub.url", "http://127.0.0.1:8080")
	v.SetDefault("hub.timeout", 30*time.Second)
	v.SetDefault("hub.requests_per_sec", 5.0)
	v.SetDefault("hub.burst", 5)
	v.SetDefault("hub.language", "ko")

	// Start/confirm retry defaults: 6 attempts, 5s apart
	v.SetDefault("retry.max_attempts", 6)
	v.SetDefault("retry.delay", 5*time.Second)
	v.SetDefault("retry.jitter", 0)

	// Extension defaults
	v.SetDefault("extension.min_minutes", 30)
	v.SetDefault("extension.max_extensions", 0)
	v.SetDefault("extension.default_minutes", 60)

	// Pending defaults
	v.SetDefault("pending.ttl", 10*time.Minute)
	v.SetDefault("pending.auto_cancel", false)

	// Expiry defaults
	v.SetDefault("expiry.safe_above", 60*time.Minute)
	v.SetDefault("expiry.critical_below", 15*time.Minute)

	// Cache defaults
	v.SetDefault("cache.ttl", 30*time.Second)
	v.SetDefault("cache.sessions_poll", 30*time.Second)
	v.SetDefault("cache.gpus_poll", 60*time.Second)
	v.SetDefault("cache.watcher_interval", time.Second)

	// Pricing defaults
	v.SetDefault("pricing.enabled", false)
	v.SetDefault("pricing.currency", "KRW")
	v.SetDefault("pricing.ttl", 5*time.Minute)

	// Database defaults
	v.SetDefault("database.path", "./data/rentalctl.db")

	// SSH verification defaults
	v.SetDefault("ssh.verify_timeout", 2*time.Minute)
	v.SetDefault("ssh.check_interval", 10*time.Second)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

func bindEnvVars(v *viper.Viper) {
	bindEnv := func(key string, envVar string) {
		if err := v.BindEnv(key, envVar); err != nil {
			slog.Warn("failed to bind environment variable",
				slog.String("key", key),
				slog.String("env_var", envVar),
				slog.String("error", err.Error()))
		}
	}

	// Chain and wallet
	bindEnv("chain.rpc_url", "CHAIN_RPC_URL")
	bindEnv("chain.contract_address", "CONTRACT_ADDRESS")
	bindEnv("chain.keystore_dir", "KEYSTORE_DIR")
	bindEnv("chain.wallet_address", "WALLET_ADDRESS")
	bindEnv("chain.passphrase", "WALLET_PASSPHRASE")

	// Hub
	bindEnv("hub.url", "HUB_URL")
	bindEnv("hub.token", "HUB_TOKEN")

	// Database path
	bindEnv("database.path", "DATABASE_PATH")

	// Logging
	bindEnv("logging.level", "LOG_LEVEL")
	bindEnv("logging.format", "LOG_FORMAT")
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Hub.URL == "" {
		return fmt.Errorf("HUB_URL is required")
	}
	if c.Chain.RPCURL == "" {
		return fmt.Errorf("CHAIN_RPC_URL is required")
	}
	if !common.IsHexAddress(c.Chain.ContractAddress) {
		return fmt.Errorf("CONTRACT_ADDRESS must be a hex address, got %q", c.Chain.ContractAddress)
	}
	if c.Chain.WalletAddress != "" && !common.IsHexAddress(c.Chain.WalletAddress) {
		return fmt.Errorf("WALLET_ADDRESS must be a hex address, got %q", c.Chain.WalletAddress)
	}

	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1")
	}
	if c.Retry.Delay < 0 || c.Retry.Jitter < 0 {
		return fmt.Errorf("retry delays must not be negative")
	}

	if c.Extension.MinMinutes < 1 {
		return fmt.Errorf("extension.min_minutes must be positive")
	}
	if c.Extension.DefaultMinutes < c.Extension.MinMinutes {
		return fmt.Errorf("extension.default_minutes (%d) is below the minimum (%d)",
			c.Extension.DefaultMinutes, c.Extension.MinMinutes)
	}

	if c.Pending.TTL <= 0 {
		return fmt.Errorf("pending.ttl must be positive")
	}
	if c.Expiry.CriticalBelow >= c.Expiry.SafeAbove {
		return fmt.Errorf("expiry.critical_below must be less than expiry.safe_above")
	}

	switch c.Hub.Language {
	case "", "ko", "en":
	default:
		return fmt.Errorf("hub.language must be ko or en, got %q", c.Hub.Language)
	}

	if c.Pricing.Enabled && c.Pricing.URL == "" {
		return fmt.Errorf("pricing.url is required when pricing is enabled")
	}

	return nil
}
