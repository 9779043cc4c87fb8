// Package config loads the poolsd configuration: defaults, then a YAML file,
// then a .env file and process environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/R3E-Network/escrow_pools/internal/pools"
	"github.com/R3E-Network/escrow_pools/pkg/logger"
)

// Config is the full daemon configuration.
type Config struct {
	Server     ServerConfig         `yaml:"server"`
	Logging    logger.LoggingConfig `yaml:"logging"`
	Database   DatabaseConfig       `yaml:"database"`
	Redis      RedisConfig          `yaml:"redis"`
	Token      TokenConfig          `yaml:"token"`
	Randomness RandomnessConfig     `yaml:"randomness"`
	Scheduler  SchedulerConfig      `yaml:"scheduler"`
	Auth       AuthConfig           `yaml:"auth"`
	Raffle     RaffleDefaults       `yaml:"raffle"`
}

type ServerConfig struct {
	Host            string        `yaml:"host" env:"POOLS_HOST"`
	Port            int           `yaml:"port" env:"POOLS_PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"POOLS_READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"POOLS_WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"POOLS_SHUTDOWN_TIMEOUT"`
	CORSOrigins     []string      `yaml:"cors_origins"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig selects the snapshot store. An empty DSN keeps everything in
// memory.
type DatabaseConfig struct {
	DSN          string `yaml:"dsn" env:"DATABASE_URL"`
	MaxOpenConns int    `yaml:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns int    `yaml:"max_idle_conns" env:"DATABASE_MAX_IDLE_CONNS"`
	Migrate      bool   `yaml:"migrate" env:"DATABASE_MIGRATE"`
}

// RedisConfig enables event fan-out when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr" env:"REDIS_ADDR"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB"`
	Channel  string `yaml:"channel" env:"REDIS_CHANNEL"`
}

// TokenConfig describes the in-process token ledger.
type TokenConfig struct {
	Symbol        string           `yaml:"symbol" env:"TOKEN_SYMBOL"`
	Decimals      uint8            `yaml:"decimals" env:"TOKEN_DECIMALS"`
	EscrowAccount string           `yaml:"escrow_account" env:"TOKEN_ESCROW_ACCOUNT"`
	Owner         string           `yaml:"owner" env:"POOLS_OWNER"`
	Genesis       map[string]int64 `yaml:"genesis"`
}

type RandomnessConfig struct {
	// Mode is "local" (crypto/rand, self-fulfilling) or "external" (requests
	// are posted to OracleURL and values arrive on the callback route).
	Mode        string        `yaml:"mode" env:"RANDOMNESS_MODE"`
	Timeout     time.Duration `yaml:"timeout" env:"RANDOMNESS_TIMEOUT"`
	Delay       time.Duration `yaml:"delay" env:"RANDOMNESS_DELAY"`
	QueueSize   int           `yaml:"queue_size" env:"RANDOMNESS_QUEUE_SIZE"`
	OracleURL   string        `yaml:"oracle_url" env:"RANDOMNESS_ORACLE_URL"`
	OraclePath  string        `yaml:"oracle_path" env:"RANDOMNESS_ORACLE_PATH"`
	CallbackURL string        `yaml:"callback_url" env:"RANDOMNESS_CALLBACK_URL"`
}

type SchedulerConfig struct {
	Enabled        bool   `yaml:"enabled" env:"SCHEDULER_ENABLED"`
	LifecycleSpec  string `yaml:"lifecycle_spec" env:"SCHEDULER_LIFECYCLE_SPEC"`
	RandomnessSpec string `yaml:"randomness_spec" env:"SCHEDULER_RANDOMNESS_SPEC"`
}

type AuthConfig struct {
	JWTSecret  string  `yaml:"jwt_secret" env:"JWT_SECRET"`
	Issuer     string  `yaml:"issuer" env:"JWT_ISSUER"`
	OracleKey  string  `yaml:"oracle_key" env:"ORACLE_API_KEY"`
	RateLimit  float64 `yaml:"rate_limit" env:"RATE_LIMIT_RPS"`
	RateBurst  int     `yaml:"rate_burst" env:"RATE_LIMIT_BURST"`
	AllowNoJWT bool    `yaml:"allow_no_jwt" env:"AUTH_ALLOW_NO_JWT"`
}

// RaffleDefaults seed the first raffle created at start-up when
// CreateOnStart is set.
type RaffleDefaults struct {
	CreateOnStart bool              `yaml:"create_on_start" env:"RAFFLE_CREATE_ON_START"`
	DurationDays  int               `yaml:"duration_days" env:"RAFFLE_DURATION_DAYS"`
	UnitPrice     int64             `yaml:"unit_price" env:"RAFFLE_UNIT_PRICE"`
	PerWalletCap  int64             `yaml:"per_wallet_cap" env:"RAFFLE_PER_WALLET_CAP"`
	Shares        []int             `yaml:"shares"`
	Fees          pools.FeeSchedule `yaml:"fees"`
	Sink          pools.Sink        `yaml:"sink"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Logging: logger.LoggingConfig{Level: "info", Format: "text", Output: "stdout"},
		Database: DatabaseConfig{
			MaxOpenConns: 10,
			MaxIdleConns: 5,
			Migrate:      true,
		},
		Token: TokenConfig{
			Symbol:        "USDC",
			Decimals:      6,
			EscrowAccount: "escrow",
		},
		Randomness: RandomnessConfig{
			Mode:      "local",
			Timeout:   24 * time.Hour,
			Delay:     2 * time.Second,
			QueueSize: 64,
		},
		Scheduler: SchedulerConfig{
			Enabled:        true,
			LifecycleSpec:  "@every 1m",
			RandomnessSpec: "@every 10m",
		},
		Auth: AuthConfig{
			Issuer:    "escrow_pools",
			RateLimit: 20,
			RateBurst: 40,
		},
		Raffle: RaffleDefaults{
			DurationDays: 7,
			UnitPrice:    1,
			PerWalletCap: 100,
			Shares:       []int{50, 30, 20},
			Sink:         pools.Sink{Kind: pools.SinkBurn},
		},
	}
}

// Load builds the configuration from defaults, the YAML file at path (if
// any), envFile (if it exists) and the process environment.
func Load(path, envFile string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load env file: %w", err)
		}
	}

	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if strings.TrimSpace(c.Token.Owner) == "" {
		return fmt.Errorf("token.owner is required")
	}
	if strings.TrimSpace(c.Token.EscrowAccount) == "" {
		return fmt.Errorf("token.escrow_account is required")
	}
	switch c.Randomness.Mode {
	case "local":
	case "external":
		if strings.TrimSpace(c.Randomness.OracleURL) == "" {
			return fmt.Errorf("randomness.oracle_url is required in external mode")
		}
	default:
		return fmt.Errorf("randomness.mode %q must be local or external", c.Randomness.Mode)
	}
	if c.Randomness.Timeout <= 0 {
		return fmt.Errorf("randomness.timeout must be positive")
	}
	if err := c.Raffle.Sink.Validate(); err != nil {
		return fmt.Errorf("raffle.sink: %w", err)
	}
	if err := c.Raffle.Fees.Validate(); err != nil {
		return fmt.Errorf("raffle.fees: %w", err)
	}
	if c.Raffle.CreateOnStart {
		if err := pools.ValidateShares(c.Raffle.Shares, 10); err != nil {
			return fmt.Errorf("raffle.shares: %w", err)
		}
	}
	if c.Auth.JWTSecret == "" && !c.Auth.AllowNoJWT {
		return fmt.Errorf("auth.jwt_secret is required unless auth.allow_no_jwt is set")
	}
	return nil
}
