package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/escrow_pools/internal/pools"
)

const sampleYAML = `
server:
  port: 9090
logging:
  level: debug
  format: json
token:
  owner: operator
  escrow_account: vault
  genesis:
    alice: 1000000
randomness:
  mode: external
  timeout: 2h
  oracle_url: https://oracle.example
  callback_url: https://pools.example
auth:
  jwt_secret: s3cret
raffle:
  duration_days: 3
  unit_price: 5
  per_wallet_cap: 20
  shares: [60, 40]
  sink:
    kind: rollover
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadYAML(t *testing.T) {
	cfg, err := Load(writeFile(t, "poolsd.yaml", sampleYAML), "")
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0:9090", cfg.Server.Addr())
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "operator", cfg.Token.Owner)
	assert.Equal(t, "vault", cfg.Token.EscrowAccount)
	assert.Equal(t, int64(1000000), cfg.Token.Genesis["alice"])
	assert.Equal(t, "external", cfg.Randomness.Mode)
	assert.Equal(t, 2*time.Hour, cfg.Randomness.Timeout)
	assert.Equal(t, "https://oracle.example", cfg.Randomness.OracleURL)
	assert.Equal(t, []int{60, 40}, cfg.Raffle.Shares)
	assert.Equal(t, pools.SinkRollover, cfg.Raffle.Sink.Kind)
	assert.Equal(t, uint8(6), cfg.Token.Decimals)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	t.Setenv("POOLS_PORT", "7070")
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("RANDOMNESS_TIMEOUT", "30m")

	cfg, err := Load(writeFile(t, "poolsd.yaml", sampleYAML), "")
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, 30*time.Minute, cfg.Randomness.Timeout)
}

func TestEnvFileIsLoaded(t *testing.T) {
	envFile := writeFile(t, ".env", "POOLS_OWNER=from-dotenv\nJWT_SECRET=dotenv-secret\n")
	// t.Setenv restores the variables afterwards; godotenv only fills unset ones.
	t.Setenv("POOLS_OWNER", "")
	t.Setenv("JWT_SECRET", "")
	require.NoError(t, os.Unsetenv("POOLS_OWNER"))
	require.NoError(t, os.Unsetenv("JWT_SECRET"))

	cfg, err := Load("", envFile)
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", cfg.Token.Owner)
	assert.Equal(t, "dotenv-secret", cfg.Auth.JWTSecret)

	_, err = Load("", filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg := Default()
		cfg.Token.Owner = "operator"
		cfg.Auth.JWTSecret = "x"
		return cfg
	}
	require.NoError(t, base().Validate())

	cases := map[string]func(*Config){
		"port":       func(c *Config) { c.Server.Port = 0 },
		"owner":      func(c *Config) { c.Token.Owner = "" },
		"escrow":     func(c *Config) { c.Token.EscrowAccount = " " },
		"mode":       func(c *Config) { c.Randomness.Mode = "vrf" },
		"oracle url": func(c *Config) { c.Randomness.Mode = "external" },
		"timeout":    func(c *Config) { c.Randomness.Timeout = 0 },
		"sink":       func(c *Config) { c.Raffle.Sink.Kind = "void" },
		"fees":       func(c *Config) { c.Raffle.Fees.PlatformPercent = 40 },
		"shares":     func(c *Config) { c.Raffle.CreateOnStart = true; c.Raffle.Shares = []int{90} },
		"jwt secret": func(c *Config) { c.Auth.JWTSecret = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := base()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	open := base()
	open.Auth.JWTSecret = ""
	open.Auth.AllowNoJWT = true
	assert.NoError(t, open.Validate())
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), "")
	assert.Error(t, err)

	_, err = Load(writeFile(t, "bad.yaml", "server: [1, 2"), "")
	assert.Error(t, err)
}
