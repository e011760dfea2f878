package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config is the process configuration. Values come from an optional
// config.toml and YIELDLOCK_* environment variables, in that order of
// precedence: env wins.
type Config struct {
	Service ServiceConfig
	Log     LogConfig
	Store   StoreConfig
	Redis   RedisConfig
	Ledger  LedgerConfig
	Signing SigningConfig
	Escrow  EscrowConfig
	Retry   RetryConfig
}

type ServiceConfig struct {
	HTTPPort        int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	// HMACSecret enables request authentication when set.
	HMACSecret    string
	HMACClockSkew time.Duration
	// IdempotencyBackend is one of memory, file, postgres, redis.
	IdempotencyBackend   string
	IdempotencyWindow    time.Duration
	IdempotencyStorePath string
	DLQPath              string
}

type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, console
	Output string // stdout, stderr, or file path
}

type StoreConfig struct {
	// Backend is memory or postgres.
	Backend     string
	PostgresDSN string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type LedgerConfig struct {
	RPCURL string
	// PoolSecret is the platform wallet seed. Empty selects the in-process ledger.
	PoolSecret string
	// Treasury receives funding payments; defaults to the pool wallet.
	Treasury       string
	StableIssuer   string
	PoolCurrency   string
	PoolIssuer     string
	ValidityMargin uint32
	MaxFeeDrops    int64
	PollInterval   time.Duration
}

type SigningConfig struct {
	// BaseURL of the sign-request API. Empty key selects the in-process gateway.
	BaseURL   string
	APIKey    string
	APISecret string
	Timeout   time.Duration
}

type EscrowConfig struct {
	YieldRate        decimal.Decimal
	DustThreshold    decimal.Decimal
	ProvisionTimeout time.Duration
	ClaimTimeout     time.Duration
	SettleTimeout    time.Duration
}

type RetryConfig struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier int
}

const (
	envPrefix     = "YIELDLOCK"
	defaultIssuer = "rPT1Sjq2YGrBMTttX4GZHjKu9dyfzbpAYe"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.http_port", 3000)
	v.SetDefault("service.read_timeout", 15*time.Second)
	v.SetDefault("service.write_timeout", 60*time.Second)
	v.SetDefault("service.shutdown_timeout", 30*time.Second)
	v.SetDefault("service.hmac_clock_skew", 60*time.Second)
	v.SetDefault("service.idempotency_backend", "memory")
	v.SetDefault("service.idempotency_window", 24*time.Hour)
	v.SetDefault("service.idempotency_store_path", "data/idempotency.json")
	v.SetDefault("service.dlq_path", "data/dlq")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "stdout")

	v.SetDefault("store.backend", "memory")

	v.SetDefault("redis.addr", "localhost:6379")

	v.SetDefault("ledger.rpc_url", "https://s.devnet.rippletest.net:51234")
	v.SetDefault("ledger.stable_issuer", defaultIssuer)
	v.SetDefault("ledger.pool_currency", "USD")
	v.SetDefault("ledger.pool_issuer", defaultIssuer)
	v.SetDefault("ledger.validity_margin", 20)
	v.SetDefault("ledger.max_fee_drops", 1000)
	v.SetDefault("ledger.poll_interval", 2*time.Second)

	v.SetDefault("signing.base_url", "https://xumm.app/api/v1")
	v.SetDefault("signing.timeout", 10*time.Second)

	v.SetDefault("escrow.yield_rate", "0.12")
	v.SetDefault("escrow.dust_threshold", "0.000001")
	v.SetDefault("escrow.provision_timeout", 2*time.Minute)
	v.SetDefault("escrow.claim_timeout", 10*time.Minute)
	v.SetDefault("escrow.settle_timeout", 30*time.Second)

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff", 200*time.Millisecond)
	v.SetDefault("retry.max_backoff", 2*time.Second)
	v.SetDefault("retry.backoff_multiplier", 2)
}

// Load reads config.toml from the working directory or /etc/yieldlock, or the
// file named by YIELDLOCK_CONFIG, then applies environment overrides.
func Load() (*Config, error) {
	v := newViper()
	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("toml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/yieldlock")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}
	return build(v)
}

// LoadFile reads the given TOML file, then applies environment overrides.
func LoadFile(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return build(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func build(v *viper.Viper) (*Config, error) {
	yieldRate, err := decimal.NewFromString(v.GetString("escrow.yield_rate"))
	if err != nil {
		return nil, fmt.Errorf("escrow.yield_rate: %w", err)
	}
	dust, err := decimal.NewFromString(v.GetString("escrow.dust_threshold"))
	if err != nil {
		return nil, fmt.Errorf("escrow.dust_threshold: %w", err)
	}

	cfg := &Config{
		Service: ServiceConfig{
			HTTPPort:             v.GetInt("service.http_port"),
			ReadTimeout:          v.GetDuration("service.read_timeout"),
			WriteTimeout:         v.GetDuration("service.write_timeout"),
			ShutdownTimeout:      v.GetDuration("service.shutdown_timeout"),
			HMACSecret:           v.GetString("service.hmac_secret"),
			HMACClockSkew:        v.GetDuration("service.hmac_clock_skew"),
			IdempotencyBackend:   strings.ToLower(v.GetString("service.idempotency_backend")),
			IdempotencyWindow:    v.GetDuration("service.idempotency_window"),
			IdempotencyStorePath: v.GetString("service.idempotency_store_path"),
			DLQPath:              v.GetString("service.dlq_path"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			Output: v.GetString("log.output"),
		},
		Store: StoreConfig{
			Backend:     strings.ToLower(v.GetString("store.backend")),
			PostgresDSN: v.GetString("store.postgres_dsn"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Ledger: LedgerConfig{
			RPCURL:         v.GetString("ledger.rpc_url"),
			PoolSecret:     v.GetString("ledger.pool_secret"),
			Treasury:       v.GetString("ledger.treasury"),
			StableIssuer:   v.GetString("ledger.stable_issuer"),
			PoolCurrency:   v.GetString("ledger.pool_currency"),
			PoolIssuer:     v.GetString("ledger.pool_issuer"),
			ValidityMargin: v.GetUint32("ledger.validity_margin"),
			MaxFeeDrops:    v.GetInt64("ledger.max_fee_drops"),
			PollInterval:   v.GetDuration("ledger.poll_interval"),
		},
		Signing: SigningConfig{
			BaseURL:   v.GetString("signing.base_url"),
			APIKey:    v.GetString("signing.api_key"),
			APISecret: v.GetString("signing.api_secret"),
			Timeout:   v.GetDuration("signing.timeout"),
		},
		Escrow: EscrowConfig{
			YieldRate:        yieldRate,
			DustThreshold:    dust,
			ProvisionTimeout: v.GetDuration("escrow.provision_timeout"),
			ClaimTimeout:     v.GetDuration("escrow.claim_timeout"),
			SettleTimeout:    v.GetDuration("escrow.settle_timeout"),
		},
		Retry: RetryConfig{
			MaxAttempts:       v.GetInt("retry.max_attempts"),
			InitialBackoff:    v.GetDuration("retry.initial_backoff"),
			MaxBackoff:        v.GetDuration("retry.max_backoff"),
			BackoffMultiplier: v.GetInt("retry.backoff_multiplier"),
		},
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects combinations the process cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if c.Service.HTTPPort <= 0 || c.Service.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("service.http_port %d out of range", c.Service.HTTPPort))
	}
	switch c.Store.Backend {
	case "memory":
	case "postgres":
		if c.Store.PostgresDSN == "" {
			errs = append(errs, errors.New("store.postgres_dsn is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.backend %q is not one of memory, postgres", c.Store.Backend))
	}
	switch c.Service.IdempotencyBackend {
	case "memory":
	case "file":
		if c.Service.IdempotencyStorePath == "" {
			errs = append(errs, errors.New("service.idempotency_store_path is required for the file backend"))
		}
	case "postgres":
		if c.Store.PostgresDSN == "" {
			errs = append(errs, errors.New("store.postgres_dsn is required for postgres idempotency"))
		}
	case "redis":
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("redis.addr is required for redis idempotency"))
		}
	default:
		errs = append(errs, fmt.Errorf("service.idempotency_backend %q is not one of memory, file, postgres, redis", c.Service.IdempotencyBackend))
	}
	if c.Service.IdempotencyWindow <= 0 {
		errs = append(errs, errors.New("service.idempotency_window must be positive"))
	}
	if c.Ledger.PoolSecret == "" && c.Ledger.Treasury == "" {
		errs = append(errs, errors.New("one of ledger.pool_secret or ledger.treasury is required"))
	}
	if c.Ledger.PoolSecret != "" && c.Ledger.RPCURL == "" {
		errs = append(errs, errors.New("ledger.rpc_url is required with ledger.pool_secret"))
	}
	if c.Ledger.StableIssuer == "" || c.Ledger.PoolIssuer == "" || c.Ledger.PoolCurrency == "" {
		errs = append(errs, errors.New("ledger.stable_issuer, ledger.pool_currency and ledger.pool_issuer are required"))
	}
	if c.Signing.APIKey != "" && (c.Signing.APISecret == "" || c.Signing.BaseURL == "") {
		errs = append(errs, errors.New("signing.api_secret and signing.base_url are required with signing.api_key"))
	}
	if !c.Escrow.YieldRate.IsPositive() {
		errs = append(errs, errors.New("escrow.yield_rate must be positive"))
	}
	if c.Escrow.DustThreshold.IsNegative() {
		errs = append(errs, errors.New("escrow.dust_threshold must not be negative"))
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, errors.New("retry.max_attempts must be at least 1"))
	}
	return errors.Join(errs...)
}

// Addr is the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Service.HTTPPort)
}
