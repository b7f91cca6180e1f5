// Package config loads server settings from an optional YAML file, a .env
// file and the process environment, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Duel     DuelConfig     `yaml:"duel"`
	Pool     PoolConfig     `yaml:"pool"`
	Events   EventsConfig   `yaml:"events"`
}

type ServerConfig struct {
	Port           string `yaml:"port"`
	Env            string `yaml:"env"`
	Debug          bool   `yaml:"debug"`
	AuthPerMinute  int    `yaml:"auth_per_minute"`
	TradePerMinute int    `yaml:"trade_per_minute"`
	ReadPerMinute  int    `yaml:"read_per_minute"`
}

type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

type AuthConfig struct {
	JWTSecret       string `yaml:"jwt_secret"`
	TokenTTLMinutes int    `yaml:"token_ttl_minutes"`
	// InternalAPIKey and InternalAPISecret register the operator account
	// that may call internal routes and resolve markets.
	InternalAPIKey    string `yaml:"internal_api_key"`
	InternalAPISecret string `yaml:"internal_api_secret"`
	InternalAddress   string `yaml:"internal_address"`
	// Accounts are the traders and players that may sign in.
	Accounts []AccountConfig `yaml:"accounts"`
}

// AccountConfig lets one API key sign in as one ledger address.
type AccountConfig struct {
	APIKey    string   `yaml:"api_key"`
	APISecret string   `yaml:"api_secret"`
	Address   string   `yaml:"address"`
	Roles     []string `yaml:"roles"`
}

type DuelConfig struct {
	FeeBps                uint16       `yaml:"fee_bps"`
	CancelCooldownSeconds int64        `yaml:"cancel_cooldown_seconds"`
	FeeCollector          string       `yaml:"fee_collector"`
	Resolvers             []string     `yaml:"resolvers"`
	Keeper                KeeperConfig `yaml:"keeper"`
}

// KeeperConfig drives the job that starts and settles duels from the
// price feed.
type KeeperConfig struct {
	Enabled          bool   `yaml:"enabled"`
	Address          string `yaml:"address"`
	Interval         string `yaml:"interval"`
	CountdownSeconds int64  `yaml:"countdown_seconds"`
	DurationSeconds  int64  `yaml:"duration_seconds"`
	ReferencePrice   uint64 `yaml:"reference_price"`
	VolatilityBps    uint16 `yaml:"volatility_bps"`
}

type PoolConfig struct {
	DefaultFeeBps  uint16   `yaml:"default_fee_bps"`
	MaxFeeBps      uint16   `yaml:"max_fee_bps"`
	BaseLiquidity  uint64   `yaml:"base_liquidity"`
	MaxQuestionLen int      `yaml:"max_question_len"`
	Resolvers      []string `yaml:"resolvers"`
}

type EventsConfig struct {
	RedisAddr        string `yaml:"redis_addr"`
	RedisPassword    string `yaml:"redis_password"`
	RedisDB          int    `yaml:"redis_db"`
	ChannelPrefix    string `yaml:"channel_prefix"`
	DispatchInterval string `yaml:"dispatch_interval"`
	BatchSize        int    `yaml:"batch_size"`
	MaxRetries       uint   `yaml:"max_retries"`
	// MaxAttempts dead-letters an event after this many publish attempts.
	MaxAttempts int `yaml:"max_attempts"`
}

// Default returns the settings used when nothing overrides them.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:           "8080",
			Env:            "development",
			AuthPerMinute:  20,
			TradePerMinute: 120,
			ReadPerMinute:  600,
		},
		Database: DatabaseConfig{DSN: "markets.db"},
		Auth: AuthConfig{
			JWTSecret:       "klear-markets-secret",
			TokenTTLMinutes: 60,
			InternalAddress: "operator",
			// Development traders; a config file's accounts list replaces them.
			Accounts: []AccountConfig{
				{APIKey: "alice_test_key", APISecret: "alice_test_secret", Address: "alice"},
				{APIKey: "bob_test_key", APISecret: "bob_test_secret", Address: "bob"},
			},
		},
		Duel: DuelConfig{
			FeeBps:                250,
			CancelCooldownSeconds: 300,
			FeeCollector:          "fee-collector",
			Keeper: KeeperConfig{
				Enabled:          true,
				Address:          "keeper",
				Interval:         "5s",
				CountdownSeconds: 10,
				DurationSeconds:  60,
				ReferencePrice:   100_000_000,
				VolatilityBps:    25,
			},
		},
		Pool: PoolConfig{
			DefaultFeeBps:  30,
			MaxFeeBps:      1_000,
			BaseLiquidity:  5_000_000_000,
			MaxQuestionLen: 200,
		},
		Events: EventsConfig{
			ChannelPrefix:    "markets",
			DispatchInterval: "2s",
			BatchSize:        100,
			MaxRetries:       5,
			MaxAttempts:      25,
		},
	}
}

// Load reads path when it is non-empty and exists, then applies .env and
// environment overrides on top.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config %q: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %q: %w", path, err)
			}
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("ENV"); v != "" {
		cfg.Server.Env = v
	}
	if v := os.Getenv("DEBUG"); v != "" {
		debug, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid DEBUG %q: %w", v, err)
		}
		cfg.Server.Debug = debug
	}
	if v := os.Getenv("DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("INTERNAL_API_KEY"); v != "" {
		cfg.Auth.InternalAPIKey = v
	}
	if v := os.Getenv("INTERNAL_API_SECRET"); v != "" {
		cfg.Auth.InternalAPISecret = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Events.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Events.RedisPassword = v
	}
	if v := os.Getenv("FEE_COLLECTOR"); v != "" {
		cfg.Duel.FeeCollector = v
	}
	// RESOLVER is a comma-separated list shared by duels and pools.
	if v := os.Getenv("RESOLVER"); v != "" {
		resolvers := splitList(v)
		cfg.Duel.Resolvers = resolvers
		cfg.Pool.Resolvers = resolvers
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks the values the services cannot run without.
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return errors.New("server port is required")
	}
	if c.Database.DSN == "" {
		return errors.New("database dsn is required")
	}
	if c.Auth.JWTSecret == "" {
		return errors.New("jwt secret is required")
	}
	if c.Auth.TokenTTLMinutes <= 0 {
		return errors.New("token ttl must be positive")
	}
	keys := make(map[string]bool, len(c.Auth.Accounts))
	for i, acct := range c.Auth.Accounts {
		if acct.APIKey == "" || acct.APISecret == "" || acct.Address == "" {
			return fmt.Errorf("auth account %d needs api_key, api_secret and address", i)
		}
		if keys[acct.APIKey] || acct.APIKey == c.Auth.InternalAPIKey {
			return fmt.Errorf("auth account %d reuses api_key %q", i, acct.APIKey)
		}
		keys[acct.APIKey] = true
	}
	if c.Duel.FeeBps > 10_000 {
		return fmt.Errorf("duel fee_bps %d exceeds 10000", c.Duel.FeeBps)
	}
	if c.Duel.CancelCooldownSeconds < 0 {
		return errors.New("duel cancel cooldown cannot be negative")
	}
	if c.Duel.FeeCollector == "" {
		return errors.New("duel fee collector is required")
	}
	if c.Pool.MaxFeeBps > 10_000 {
		return fmt.Errorf("pool max_fee_bps %d exceeds 10000", c.Pool.MaxFeeBps)
	}
	if c.Pool.DefaultFeeBps > c.Pool.MaxFeeBps {
		return fmt.Errorf("pool default_fee_bps %d exceeds max_fee_bps %d", c.Pool.DefaultFeeBps, c.Pool.MaxFeeBps)
	}
	if c.Pool.MaxQuestionLen <= 0 {
		return errors.New("pool max_question_len must be positive")
	}
	if c.Events.MaxAttempts <= 0 {
		return errors.New("events max_attempts must be positive")
	}
	if _, err := c.Events.Interval(); err != nil {
		return err
	}
	if c.Duel.Keeper.Enabled {
		if c.Duel.Keeper.Address == "" {
			return errors.New("duel keeper address is required")
		}
		if _, err := c.Duel.Keeper.KeeperInterval(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) Production() bool {
	return c.Server.Env == "production"
}

func (c *Config) TokenTTL() time.Duration {
	return time.Duration(c.Auth.TokenTTLMinutes) * time.Minute
}

func (e EventsConfig) Interval() (time.Duration, error) {
	d, err := time.ParseDuration(e.DispatchInterval)
	if err != nil {
		return 0, fmt.Errorf("invalid dispatch_interval %q: %w", e.DispatchInterval, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("dispatch_interval must be positive, got %s", d)
	}
	return d, nil
}

func (k KeeperConfig) KeeperInterval() (time.Duration, error) {
	d, err := time.ParseDuration(k.Interval)
	if err != nil {
		return 0, fmt.Errorf("invalid keeper interval %q: %w", k.Interval, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("keeper interval must be positive, got %s", d)
	}
	return d, nil
}
