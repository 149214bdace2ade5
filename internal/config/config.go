// Package config loads coordinator configuration from a YAML file with
// environment overrides for deployment secrets. A .env file is honored in
// development.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Planner   PlannerConfig   `yaml:"planner"`
	Selection SelectionConfig `yaml:"selection"`
	Collusion CollusionConfig `yaml:"collusion"`
	Payment   PaymentConfig   `yaml:"payment"`
	Quote     QuoteConfig     `yaml:"quote"`
	Chain     ChainConfig     `yaml:"chain"`
	Redis     RedisConfig     `yaml:"redis"`
	Database  DatabaseConfig  `yaml:"database"`
	Agents    []AgentSeed     `yaml:"agents"`
}

// AgentSeed registers one worker agent at boot. Production reads the
// on-chain registry instead; seeds serve development and demos.
type AgentSeed struct {
	TokenID    uint64 `yaml:"token_id"`
	Name       string `yaml:"name"`
	Capability string `yaml:"capability"`
	Endpoint   string `yaml:"endpoint"`
	Price      string `yaml:"price"` // decimal minor units
	Reputation int    `yaml:"reputation"`
	Owner      string `yaml:"owner"` // hex address
	CanHire    bool   `yaml:"can_hire"`
}

type ServerConfig struct {
	Addr              string `yaml:"addr"`
	Env               string `yaml:"env"`
	MaxCallsPerMinute int    `yaml:"max_calls_per_minute"`
}

type PlannerConfig struct {
	Endpoint    string `yaml:"endpoint"` // empty: keyword planner
	MaxSubtasks int    `yaml:"max_subtasks"`
}

type SelectionConfig struct {
	MinReputation    int     `yaml:"min_reputation"`
	ReputationWeight float64 `yaml:"reputation_weight"`
	PriceWeight      float64 `yaml:"price_weight"`
	MaxDepth         int     `yaml:"max_depth"`
	ExecuteTimeoutS  int     `yaml:"execute_timeout_seconds"`
}

type CollusionConfig struct {
	PriceMultiple   float64 `yaml:"price_multiple"`
	RepeatThreshold int     `yaml:"repeat_threshold"`
	RepeatWindowS   int     `yaml:"repeat_window_seconds"`
	CycleBound      int     `yaml:"cycle_bound"`
	HistoryCapacity int     `yaml:"history_capacity"`
}

type PaymentConfig struct {
	StreamMode       string `yaml:"stream_mode"` // batch | onchain
	StreamThreshold  int    `yaml:"stream_threshold"`
	MinMicroPayment  string `yaml:"min_micro_payment"` // minor units
	SlashFeeBps      int64  `yaml:"slash_fee_bps"`
	TreasuryAddress  string `yaml:"treasury_address"`
	CoordinatorOwner string `yaml:"coordinator_owner"`
}

type QuoteConfig struct {
	TTLSeconds     int    `yaml:"ttl_seconds"`
	CoordinatorBps int64  `yaml:"coordinator_fee_bps"`
	BufferBps      int64  `yaml:"buffer_bps"`
	PlatformBps    int64  `yaml:"platform_fee_bps"`
	SigningKey     string `yaml:"signing_key"` // env COORDINATOR_QUOTE_KEY wins
}

type ChainConfig struct {
	RPCURL         string `yaml:"rpc_url"`
	USDCAddress    string `yaml:"usdc_address"`
	PaymentAddress string `yaml:"payment_address"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"` // empty: in-process bus only
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type DatabaseConfig struct {
	URL string `yaml:"url"` // empty: in-memory quote store
}

// Load reads the YAML file, then applies environment overrides. Missing
// file is not an error; defaults plus environment carry a dev boot.
func Load(path string) (*Config, error) {
	// Best effort; absence of .env is normal outside development.
	_ = godotenv.Load()

	cfg := defaults()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("open config: %w", err)
			}
		} else {
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server:    ServerConfig{Addr: ":8080", Env: "development", MaxCallsPerMinute: 60},
		Planner:   PlannerConfig{MaxSubtasks: 8},
		Selection: SelectionConfig{MinReputation: 70, ReputationWeight: 0.6, PriceWeight: 0.4, MaxDepth: 3, ExecuteTimeoutS: 120},
		Collusion: CollusionConfig{PriceMultiple: 3, RepeatThreshold: 3, RepeatWindowS: 600, CycleBound: 4, HistoryCapacity: 512},
		Payment:   PaymentConfig{StreamMode: "batch", StreamThreshold: 50, MinMicroPayment: "1000", SlashFeeBps: 500},
		Quote:     QuoteConfig{TTLSeconds: 300, CoordinatorBps: 1000, BufferBps: 500, PlatformBps: 250},
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("COORDINATOR_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("COORDINATOR_QUOTE_KEY"); v != "" {
		cfg.Quote.SigningKey = v
	}
	if v := os.Getenv("COORDINATOR_DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("COORDINATOR_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("COORDINATOR_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("COORDINATOR_CHAIN_RPC"); v != "" {
		cfg.Chain.RPCURL = v
	}
	if v := os.Getenv("COORDINATOR_PLANNER_ENDPOINT"); v != "" {
		cfg.Planner.Endpoint = v
	}
}

// ExecuteTimeout is the worker execution bound as a Duration.
func (c *Config) ExecuteTimeout() time.Duration {
	return time.Duration(c.Selection.ExecuteTimeoutS) * time.Second
}

// QuoteTTL is the quote validity window as a Duration.
func (c *Config) QuoteTTL() time.Duration {
	return time.Duration(c.Quote.TTLSeconds) * time.Second
}

// RepeatWindow is the collusion rapid-repeat window as a Duration.
func (c *Config) RepeatWindow() time.Duration {
	return time.Duration(c.Collusion.RepeatWindowS) * time.Second
}
