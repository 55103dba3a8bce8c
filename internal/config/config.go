// Package config handles configuration loading and validation for Krypton Pool.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the pool
type Config struct {
	Pool       PoolConfig       `mapstructure:"pool"`
	Coins      []CoinConfig     `mapstructure:"coins"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Postgres   PostgresConfig   `mapstructure:"postgres"`
	Stratum    StratumConfig    `mapstructure:"stratum"`
	Mining     MiningConfig     `mapstructure:"mining"`
	Validation ValidationConfig `mapstructure:"validation"`
	Unlocker   UnlockerConfig   `mapstructure:"unlocker"`
	Payments   PaymentsConfig   `mapstructure:"payments"`
	API        APIConfig        `mapstructure:"api"`
	Security   SecurityConfig   `mapstructure:"security"`
	NewRelic   NewRelicConfig   `mapstructure:"newrelic"`
	Profiling  ProfilingConfig  `mapstructure:"profiling"`
	Notify     NotifyConfig     `mapstructure:"notify"`
	Log        LogConfig        `mapstructure:"log"`
}

// PoolConfig defines pool identity settings
type PoolConfig struct {
	Name       string `mapstructure:"name"`
	InstanceID uint32 `mapstructure:"instance_id"` // distinguishes nonce space across pool instances
}

// PayoutPolicy selects how PPLNS window drift is handled for a coin.
// "corrected" divides by the actually collected total when drift exceeds
// 0.01% and raises an operator notice; "fixed-window" always divides by
// the configured window.
type PayoutPolicy string

const (
	PayoutPolicyCorrected   PayoutPolicy = "corrected"
	PayoutPolicyFixedWindow PayoutPolicy = "fixed-window"
)

// CoinConfig defines a coin served by the pool. The single non-aux coin is
// the primary chain; aux coins are merge-mined alongside it.
type CoinConfig struct {
	Name           string       `mapstructure:"name"`
	Port           int          `mapstructure:"port"`
	Algo           string       `mapstructure:"algo"`
	Aux            bool         `mapstructure:"aux"`
	HashFactor     float64      `mapstructure:"hash_factor"`
	ShareMulti     float64      `mapstructure:"share_multi"`
	PayoutPolicy   PayoutPolicy `mapstructure:"payout_policy"`
	BlocksRequired uint64       `mapstructure:"blocks_required"`
	PoolAddress    string       `mapstructure:"pool_address"`
	ReserveSize    int          `mapstructure:"reserve_size"`
	Node           NodeConfig   `mapstructure:"node"`
}

// NodeConfig defines daemon connection settings for a coin
type NodeConfig struct {
	URL                 string           `mapstructure:"url"`
	Timeout             time.Duration    `mapstructure:"timeout"`
	Upstreams           []UpstreamConfig `mapstructure:"upstreams"`
	HealthCheckInterval time.Duration    `mapstructure:"health_check_interval"`
	HealthCheckTimeout  time.Duration    `mapstructure:"health_check_timeout"`
	MaxFailures         int              `mapstructure:"max_failures"`
	RecoveryThreshold   int              `mapstructure:"recovery_threshold"`
	ZMQEndpoint         string           `mapstructure:"zmq_endpoint"`
	RefreshInterval     time.Duration    `mapstructure:"refresh_interval"`
	StaleCeiling        time.Duration    `mapstructure:"stale_ceiling"` // halt job handout past this without a fresh template
}

// UpstreamConfig defines a single upstream daemon
type UpstreamConfig struct {
	Name    string        `mapstructure:"name"`
	URL     string        `mapstructure:"url"`
	Weight  int           `mapstructure:"weight"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// RedisConfig defines Redis connection settings
type RedisConfig struct {
	URL      string `mapstructure:"url"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// PostgresConfig defines the relational store used for balances,
// payment history and operator configuration rows
type PostgresConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DSN     string `mapstructure:"dsn"`
}

// StratumConfig defines the miner-facing server settings
type StratumConfig struct {
	Bind           string        `mapstructure:"bind"`
	TLSBind        string        `mapstructure:"tls_bind"`
	TLSCert        string        `mapstructure:"tls_cert"`
	TLSKey         string        `mapstructure:"tls_key"`
	WebSocketBind  string        `mapstructure:"websocket_bind"`
	SessionTimeout time.Duration `mapstructure:"session_timeout"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
}

// MiningConfig defines difficulty and job settings
type MiningConfig struct {
	DefaultDifficulty     uint64        `mapstructure:"default_difficulty"`
	MinDifficulty         uint64        `mapstructure:"min_difficulty"`
	MaxDifficulty         uint64        `mapstructure:"max_difficulty"`
	TargetTime            float64       `mapstructure:"target_time"`   // seconds between shares
	RetargetTime          float64       `mapstructure:"retarget_time"` // seconds between retargets
	ProxyTargetTime       float64       `mapstructure:"proxy_target_time"`
	ProxyMinDifficulty    uint64        `mapstructure:"proxy_min_difficulty"`
	VariancePercent       float64       `mapstructure:"variance_percent"` // retarget hysteresis
	FixedDiffDriftFactor  float64       `mapstructure:"fixed_diff_drift_factor"`
	JobHistorySize        int           `mapstructure:"job_history_size"` // retired templates kept per algo
	JobRingSize           int           `mapstructure:"job_ring_size"`    // outstanding jobs per session
	OutdatedGracePeriod   time.Duration `mapstructure:"outdated_grace_period"`
	OutdatedDecayExponent int           `mapstructure:"outdated_decay_exponent"`
	AlgoSwitchBonus       float64       `mapstructure:"algo_switch_bonus"`  // hysteresis favoring the active algo
	AlgoSwitchMargin      float64       `mapstructure:"algo_switch_margin"` // edge required over the port default
	AlgoMinDwell          time.Duration `mapstructure:"algo_min_dwell"`
}

// ValidationConfig defines trust-based share verification settings
type ValidationConfig struct {
	TrustEnabled        bool          `mapstructure:"trust_enabled"`
	TrustCeiling        uint64        `mapstructure:"trust_ceiling"`   // never skip verification above this difficulty
	MinProbability      int32         `mapstructure:"min_probability"` // verification probability floor (of 256)
	StepDown            int32         `mapstructure:"step_down"`       // probability decrease per verified share
	Penalty             int32         `mapstructure:"penalty"`         // full-verification run after a bad share
	Threshold           int32         `mapstructure:"threshold"`
	WalletRateLimit     int           `mapstructure:"wallet_rate_limit"` // shares per wallet per minute
	TrustMaxAge         time.Duration `mapstructure:"trust_max_age"`
	PersistInterval     time.Duration `mapstructure:"persist_interval"`
	HashrateWindow      time.Duration `mapstructure:"hashrate_window"`
	HashrateLargeWindow time.Duration `mapstructure:"hashrate_large_window"`
}

// UnlockerConfig defines block maturation settings
type UnlockerConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	Interval          time.Duration `mapstructure:"interval"`
	OrphanRetryWindow time.Duration `mapstructure:"orphan_retry_window"`
}

// PaymentsConfig defines fee and donation settings used by the reward engine
type PaymentsConfig struct {
	FeeAddress      string  `mapstructure:"fee_address"`
	DevAddress      string  `mapstructure:"dev_address"`
	PoolDevAddress  string  `mapstructure:"pool_dev_address"`
	PPLNSFee        float64 `mapstructure:"pplns_fee"` // percent
	SoloFee         float64 `mapstructure:"solo_fee"`  // percent
	PPSFee          float64 `mapstructure:"pps_fee"`   // percent
	BtcFee          float64 `mapstructure:"btc_fee"`   // extra percent for bitcoin-denominated payouts
	DevDonation     float64 `mapstructure:"dev_donation"`      // percent of collected fees
	PoolDevDonation float64 `mapstructure:"pool_dev_donation"` // percent of collected fees
	AllowBitcoin    bool    `mapstructure:"allow_bitcoin"`

	WalletURL       string        `mapstructure:"wallet_url"`
	WalletUser      string        `mapstructure:"wallet_user"`
	WalletPass      string        `mapstructure:"wallet_pass"`
	MinPayout       uint64        `mapstructure:"min_payout"` // atomic units
	Interval        time.Duration `mapstructure:"interval"`
	MaxDestinations int           `mapstructure:"max_destinations"` // per transfer transaction
}

// APIConfig defines API server settings
type APIConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Bind          string        `mapstructure:"bind"`
	StatsCache    time.Duration `mapstructure:"stats_cache"`
	CORSOrigins   []string      `mapstructure:"cors_origins"`
	AdminPassword string        `mapstructure:"admin_password"` // empty disables the admin surface
}

// SecurityConfig defines ban and rate-limit settings
type SecurityConfig struct {
	BanningEnabled      bool          `mapstructure:"banning_enabled"`
	BanDuration         time.Duration `mapstructure:"ban_duration"`
	InvalidPercent      float64       `mapstructure:"invalid_percent"`
	CheckThreshold      int           `mapstructure:"check_threshold"`
	MalformedLimit      int           `mapstructure:"malformed_limit"`
	MaxConnectionsPerIP int           `mapstructure:"max_connections_per_ip"`
	ConnectionGrace     time.Duration `mapstructure:"connection_grace"`
	IPSetName           string        `mapstructure:"ipset_name"`
}

// NewRelicConfig defines APM settings
type NewRelicConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	AppName    string `mapstructure:"app_name"`
	LicenseKey string `mapstructure:"license_key"`
}

// ProfilingConfig defines pprof server settings
type ProfilingConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Bind    string `mapstructure:"bind"`
}

// NotifyConfig defines operator notification settings
type NotifyConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	DiscordURL   string `mapstructure:"discord_url"`
	TelegramBot  string `mapstructure:"telegram_bot"`
	TelegramChat string `mapstructure:"telegram_chat"`
	PoolURL      string `mapstructure:"pool_url"`
}

// LogConfig defines logging settings
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// Load reads configuration from file and environment
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/krypton-pool")
	}

	v.SetEnvPrefix("KRYPTON_POOL")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("pool.name", "Krypton Mining Pool")
	v.SetDefault("pool.instance_id", 1)

	v.SetDefault("redis.url", "127.0.0.1:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("postgres.enabled", false)

	v.SetDefault("stratum.bind", "0.0.0.0:3333")
	v.SetDefault("stratum.session_timeout", "10m")
	v.SetDefault("stratum.sweep_interval", "30s")

	v.SetDefault("mining.default_difficulty", 100000)
	v.SetDefault("mining.min_difficulty", 100)
	v.SetDefault("mining.max_difficulty", 5000000000)
	v.SetDefault("mining.target_time", 30.0)
	v.SetDefault("mining.retarget_time", 60.0)
	v.SetDefault("mining.proxy_target_time", 5.0)
	v.SetDefault("mining.proxy_min_difficulty", 10000)
	v.SetDefault("mining.variance_percent", 5.0)
	v.SetDefault("mining.fixed_diff_drift_factor", 10.0)
	v.SetDefault("mining.job_history_size", 4)
	v.SetDefault("mining.job_ring_size", 8)
	v.SetDefault("mining.outdated_grace_period", "8s")
	v.SetDefault("mining.outdated_decay_exponent", 6)
	v.SetDefault("mining.algo_switch_bonus", 0.05)
	v.SetDefault("mining.algo_switch_margin", 0.05)
	v.SetDefault("mining.algo_min_dwell", "10m")

	v.SetDefault("validation.trust_enabled", true)
	v.SetDefault("validation.trust_ceiling", 400000)
	v.SetDefault("validation.min_probability", 8)
	v.SetDefault("validation.step_down", 16)
	v.SetDefault("validation.penalty", 30)
	v.SetDefault("validation.threshold", 30)
	v.SetDefault("validation.wallet_rate_limit", 1000)
	v.SetDefault("validation.trust_max_age", "24h")
	v.SetDefault("validation.persist_interval", "2m")
	v.SetDefault("validation.hashrate_window", "10m")
	v.SetDefault("validation.hashrate_large_window", "3h")

	v.SetDefault("unlocker.enabled", true)
	v.SetDefault("unlocker.interval", "60s")
	v.SetDefault("unlocker.orphan_retry_window", "10m")

	v.SetDefault("payments.pplns_fee", 0.6)
	v.SetDefault("payments.solo_fee", 0.4)
	v.SetDefault("payments.pps_fee", 1.2)
	v.SetDefault("payments.btc_fee", 1.5)
	v.SetDefault("payments.dev_donation", 15.0)
	v.SetDefault("payments.pool_dev_donation", 15.0)
	v.SetDefault("payments.allow_bitcoin", false)
	v.SetDefault("payments.min_payout", 1000000000)
	v.SetDefault("payments.interval", "10m")
	v.SetDefault("payments.max_destinations", 16)

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.bind", "0.0.0.0:8080")
	v.SetDefault("api.stats_cache", "10s")
	v.SetDefault("api.cors_origins", []string{"*"})

	v.SetDefault("security.banning_enabled", true)
	v.SetDefault("security.ban_duration", "30m")
	v.SetDefault("security.invalid_percent", 50.0)
	v.SetDefault("security.check_threshold", 30)
	v.SetDefault("security.malformed_limit", 5)
	v.SetDefault("security.max_connections_per_ip", 100)
	v.SetDefault("security.connection_grace", "5m")

	v.SetDefault("newrelic.enabled", false)
	v.SetDefault("newrelic.app_name", "krypton-pool")

	v.SetDefault("profiling.enabled", false)
	v.SetDefault("profiling.bind", "127.0.0.1:6060")

	v.SetDefault("notify.enabled", false)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if len(c.Coins) == 0 {
		return fmt.Errorf("at least one coin must be configured")
	}

	primaries := 0
	ports := make(map[int]string)
	for i := range c.Coins {
		coin := &c.Coins[i]
		if coin.Name == "" {
			return fmt.Errorf("coins[%d].name is required", i)
		}
		if coin.Algo == "" {
			return fmt.Errorf("coin %s: algo is required", coin.Name)
		}
		if coin.Node.URL == "" && len(coin.Node.Upstreams) == 0 {
			return fmt.Errorf("coin %s: node.url or node.upstreams required", coin.Name)
		}
		if coin.PoolAddress == "" {
			return fmt.Errorf("coin %s: pool_address is required", coin.Name)
		}
		if prev, dup := ports[coin.Port]; dup {
			return fmt.Errorf("coin %s: port %d already used by %s", coin.Name, coin.Port, prev)
		}
		ports[coin.Port] = coin.Name
		if !coin.Aux {
			primaries++
		}
		if coin.HashFactor == 0 {
			coin.HashFactor = 1.0
		}
		if coin.ShareMulti == 0 {
			coin.ShareMulti = 2.0
		}
		if coin.PayoutPolicy == "" {
			coin.PayoutPolicy = PayoutPolicyCorrected
		}
		if coin.PayoutPolicy != PayoutPolicyCorrected && coin.PayoutPolicy != PayoutPolicyFixedWindow {
			return fmt.Errorf("coin %s: unknown payout_policy %q", coin.Name, coin.PayoutPolicy)
		}
		if coin.BlocksRequired == 0 {
			coin.BlocksRequired = 60
		}
		if coin.ReserveSize == 0 {
			coin.ReserveSize = 8
		}
	}
	if primaries != 1 {
		return fmt.Errorf("exactly one primary (non-aux) coin required, got %d", primaries)
	}

	if c.Payments.FeeAddress == "" {
		return fmt.Errorf("payments.fee_address is required")
	}
	if c.Payments.PPLNSFee < 0 || c.Payments.PPLNSFee > 100 {
		return fmt.Errorf("payments.pplns_fee must be between 0 and 100")
	}

	if c.Mining.MinDifficulty > c.Mining.MaxDifficulty {
		return fmt.Errorf("mining.min_difficulty must be <= max_difficulty")
	}
	if c.Mining.TargetTime <= 0 {
		return fmt.Errorf("mining.target_time must be positive")
	}
	if c.Mining.OutdatedDecayExponent <= 0 {
		return fmt.Errorf("mining.outdated_decay_exponent must be positive")
	}

	if c.Validation.MinProbability < 0 || c.Validation.MinProbability > 256 {
		return fmt.Errorf("validation.min_probability must be in [0,256]")
	}

	if c.Postgres.Enabled && c.Postgres.DSN == "" {
		return fmt.Errorf("postgres.dsn is required when postgres is enabled")
	}

	return nil
}

// Primary returns the primary (non-aux) coin
func (c *Config) Primary() *CoinConfig {
	for i := range c.Coins {
		if !c.Coins[i].Aux {
			return &c.Coins[i]
		}
	}
	return nil
}

// CoinByName looks up a coin profile
func (c *Config) CoinByName(name string) *CoinConfig {
	for i := range c.Coins {
		if c.Coins[i].Name == name {
			return &c.Coins[i]
		}
	}
	return nil
}

// CoinByPort looks up a coin profile by stratum port
func (c *Config) CoinByPort(port int) *CoinConfig {
	for i := range c.Coins {
		if c.Coins[i].Port == port {
			return &c.Coins[i]
		}
	}
	return nil
}
