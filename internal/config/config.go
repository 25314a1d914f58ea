// Package config loads the server configuration from a YAML file, an
// optional .env file, and environment overrides.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config is the full server configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Store    StoreConfig    `yaml:"store"`
	Backend  BackendConfig  `yaml:"backend"`
	Game     GameConfig     `yaml:"game"`
	Ledger   LedgerConfig   `yaml:"ledger"`
	HotOrNot HotOrNotConfig `yaml:"hotornot"`
	Sweep    SweepConfig    `yaml:"sweep"`
	Log      LogConfig      `yaml:"log"`
}

type ServerConfig struct {
	Port            string        `yaml:"port"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StoreConfig selects the persistent store.
type StoreConfig struct {
	Driver   string        `yaml:"driver"` // memory | sqlite | postgres
	DSN      string        `yaml:"dsn"`
	RedisURL string        `yaml:"redis_url"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// BackendConfig selects the ledger backend.
type BackendConfig struct {
	Mode       string        `yaml:"mode"` // mock | real
	BaseURL    string        `yaml:"base_url"`
	Token      string        `yaml:"token"`
	RatePerSec float64       `yaml:"rate_per_sec"`
	Burst      int           `yaml:"burst"`
	Timeout    time.Duration `yaml:"timeout"`
}

// GameConfig is the pump/dump round policy. Amounts are in e8s.
type GameConfig struct {
	StakeUnit        int64  `yaml:"stake_unit"`
	TideShiftDelta   uint64 `yaml:"tide_shift_delta"`
	CreatorPercent   int64  `yaml:"creator_percent"`
	LiquidityPercent int64  `yaml:"liquidity_percent"`
}

type LedgerConfig struct {
	ReconcileDelay      time.Duration `yaml:"reconcile_delay"`
	TreasuryDailyMax    int64         `yaml:"treasury_daily_max"`
	DispatchConcurrency int           `yaml:"dispatch_concurrency"`
	DispatchTimeout     time.Duration `yaml:"dispatch_timeout"`
}

// HotOrNotConfig is the hot-or-not policy. Amounts are in sats.
type HotOrNotConfig struct {
	OnboardingReward int64         `yaml:"onboarding_reward"`
	MaxVote          int64         `yaml:"max_vote"`
	TreasuryDailyMax int64         `yaml:"treasury_daily_max"`
	MaxAirdrop       int64         `yaml:"max_airdrop"`
	AirdropCooldown  time.Duration `yaml:"airdrop_cooldown"`
	ReferralReward   int64         `yaml:"referral_reward"`
}

type SweepConfig struct {
	Schedule string `yaml:"schedule"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Load reads the YAML file at path, then applies .env and environment
// overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	// .env is optional.
	_ = godotenv.Load()

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config.Load: parse YAML: %w", err)
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}
	setDefaults(&cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Store.Driver = "postgres"
		cfg.Store.DSN = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Store.Driver = "sqlite"
		cfg.Store.DSN = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Store.RedisURL = v
	}
	if v := os.Getenv("BACKEND_URL"); v != "" {
		cfg.Backend.Mode = "real"
		cfg.Backend.BaseURL = v
	}
	if v := os.Getenv("BACKEND_TOKEN"); v != "" {
		cfg.Backend.Token = v
	}
	if v := os.Getenv("TIDE_SHIFT_DELTA"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("config: TIDE_SHIFT_DELTA: %w", err)
		}
		cfg.Game.TideShiftDelta = n
	}
	if v := os.Getenv("RECONCILE_DELAY"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: RECONCILE_DELAY: %w", err)
		}
		cfg.Ledger.ReconcileDelay = d
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	return nil
}

func setDefaults(cfg *Config) {
	if cfg.Server.Port == "" {
		cfg.Server.Port = "8080"
	}
	if cfg.Server.RequestTimeout <= 0 {
		cfg.Server.RequestTimeout = 30 * time.Second
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "memory"
	}
	if cfg.Store.CacheTTL <= 0 {
		cfg.Store.CacheTTL = 30 * time.Second
	}
	if cfg.Backend.Mode == "" {
		cfg.Backend.Mode = "mock"
	}
	if cfg.Backend.RatePerSec <= 0 {
		cfg.Backend.RatePerSec = 20
	}
	if cfg.Backend.Burst <= 0 {
		cfg.Backend.Burst = 10
	}
	if cfg.Backend.Timeout <= 0 {
		cfg.Backend.Timeout = 10 * time.Second
	}
	if cfg.Game.StakeUnit <= 0 {
		cfg.Game.StakeUnit = 1_000_000 // 1 gDOLLR
	}
	if cfg.Game.TideShiftDelta == 0 {
		cfg.Game.TideShiftDelta = 10
	}
	if cfg.Game.CreatorPercent <= 0 {
		cfg.Game.CreatorPercent = 5
	}
	if cfg.Game.LiquidityPercent <= 0 {
		cfg.Game.LiquidityPercent = 5
	}
	if cfg.Ledger.ReconcileDelay <= 0 {
		cfg.Ledger.ReconcileDelay = 60 * time.Second
	}
	if cfg.Ledger.TreasuryDailyMax <= 0 {
		cfg.Ledger.TreasuryDailyMax = 10_000_000_000 // 100 DOLR
	}
	if cfg.Ledger.DispatchConcurrency <= 0 {
		cfg.Ledger.DispatchConcurrency = 16
	}
	if cfg.Ledger.DispatchTimeout <= 0 {
		cfg.Ledger.DispatchTimeout = 30 * time.Second
	}
	if cfg.HotOrNot.OnboardingReward <= 0 {
		cfg.HotOrNot.OnboardingReward = 1000
	}
	if cfg.HotOrNot.MaxVote <= 0 {
		cfg.HotOrNot.MaxVote = 200
	}
	if cfg.HotOrNot.TreasuryDailyMax <= 0 {
		cfg.HotOrNot.TreasuryDailyMax = 10_000
	}
	if cfg.HotOrNot.MaxAirdrop <= 0 {
		cfg.HotOrNot.MaxAirdrop = 100
	}
	if cfg.HotOrNot.AirdropCooldown <= 0 {
		cfg.HotOrNot.AirdropCooldown = 24 * time.Hour
	}
	if cfg.HotOrNot.ReferralReward <= 0 {
		cfg.HotOrNot.ReferralReward = 100
	}
	if cfg.Sweep.Schedule == "" {
		cfg.Sweep.Schedule = "@every 1m"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
}

func (c *Config) validate() error {
	switch c.Store.Driver {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("config: unknown store driver %q", c.Store.Driver)
	}
	if c.Store.Driver != "memory" && c.Store.DSN == "" {
		return fmt.Errorf("config: store driver %q needs a dsn", c.Store.Driver)
	}
	switch c.Backend.Mode {
	case "mock":
	case "real":
		if c.Backend.BaseURL == "" {
			return fmt.Errorf("config: real backend needs base_url")
		}
	default:
		return fmt.Errorf("config: unknown backend mode %q", c.Backend.Mode)
	}
	if c.Game.CreatorPercent+c.Game.LiquidityPercent >= 100 {
		return fmt.Errorf("config: creator and liquidity shares must leave a reward pool")
	}
	return nil
}

// Stake returns the stake unit as a decimal.
func (c *Config) Stake() decimal.Decimal {
	return decimal.NewFromInt(c.Game.StakeUnit)
}

// LogLevel parses the configured level. Unknown levels mean info.
func (c *Config) LogLevel() slog.Level {
	switch strings.ToLower(c.Log.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger builds the logger described by the log section.
func (c *Config) NewLogger() *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.LogLevel()}
	if strings.EqualFold(c.Log.Format, "text") {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
