package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

type Env interface {
	Getenv(key string) string
}

type osEnv struct{}

func (osEnv) Getenv(key string) string { return os.Getenv(key) }

func OSEnv() Env { return osEnv{} }

const (
	DefaultRelayURL      = "ws://127.0.0.1:8000"
	DefaultRPCURL        = "http://127.0.0.1:8899"
	DefaultProgramID     = "GguVKxU88NUe3GLtns7Uaa6a8Pjb9USKq3WD1rjZnPS9"
	ChargerSession       = "dephy-decharge-controller"
	GachaSession         = "dephy-gacha-controller"
	DefaultPrepaidAmount = 10_000_000
	DefaultTransfer      = 5_000_000
	DefaultPayAmount     = 5_000_000
)

type RelayPoolConfig struct {
	URLs          []string      `toml:"urls"`
	Session       string        `toml:"session"`
	CheckInterval time.Duration `toml:"check_interval"`
}

type LedgerConfig struct {
	RPCURL      string        `toml:"rpc_url"`
	ProgramID   string        `toml:"program_id"`
	KeypairPath string        `toml:"keypair"`
	Timeout     time.Duration `toml:"timeout"`
}

// AdminConfig enables the admin HTTP API when Addr is set.
type AdminConfig struct {
	Addr        string        `toml:"addr"`
	TokenSecret string        `toml:"token_secret"`
	TokenIssuer string        `toml:"token_issuer"`
	TokenExpiry time.Duration `toml:"token_expiry"`
	RateLimit   int           `toml:"rate_limit_per_minute"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Pretty bool   `toml:"pretty"`
}

func defaultRelayPool() RelayPoolConfig {
	return RelayPoolConfig{URLs: []string{DefaultRelayURL}, CheckInterval: 10 * time.Second}
}

func defaultLedger() LedgerConfig {
	return LedgerConfig{RPCURL: DefaultRPCURL, ProgramID: DefaultProgramID, Timeout: 10 * time.Second}
}

func defaultAdmin() AdminConfig {
	return AdminConfig{TokenIssuer: "vending-controller", TokenExpiry: 24 * time.Hour, RateLimit: 120}
}

func decodeFile(path string, out any) error {
	if path == "" {
		return nil
	}
	if _, err := toml.DecodeFile(path, out); err != nil {
		return errors.Wrapf(err, "load config %s", path)
	}
	return nil
}

func (c *RelayPoolConfig) applyEnv(env Env) {
	if raw := env.Getenv("VENDING_RELAYS"); raw != "" {
		c.URLs = splitList(raw)
	}
	if raw := env.Getenv("VENDING_SESSION"); raw != "" {
		c.Session = raw
	}
}

func (c *LedgerConfig) applyEnv(env Env) {
	if raw := env.Getenv("VENDING_SOLANA_RPC_URL"); raw != "" {
		c.RPCURL = raw
	}
	if raw := env.Getenv("VENDING_PROGRAM_ID"); raw != "" {
		c.ProgramID = raw
	}
	if raw := env.Getenv("VENDING_SOLANA_KEYPAIR"); raw != "" {
		c.KeypairPath = raw
	}
}

func (c *AdminConfig) applyEnv(env Env) {
	if raw := env.Getenv("VENDING_ADMIN_ADDR"); raw != "" {
		c.Addr = raw
	}
	if raw := env.Getenv("VENDING_ADMIN_SECRET"); raw != "" {
		c.TokenSecret = raw
	}
}

func (c *LogConfig) applyEnv(env Env) {
	if raw := env.Getenv("VENDING_LOG_LEVEL"); raw != "" {
		c.Level = raw
	}
}

func (c RelayPoolConfig) validate() error {
	if len(c.URLs) == 0 {
		return errors.New("at least one relay url is required")
	}
	for _, u := range c.URLs {
		if !strings.HasPrefix(u, "ws://") && !strings.HasPrefix(u, "wss://") {
			return errors.Errorf("relay url %q must use ws:// or wss://", u)
		}
	}
	if c.Session == "" {
		return errors.New("relay session is required")
	}
	return nil
}

func (c LedgerConfig) validate(needKeypair bool) error {
	if c.RPCURL == "" {
		return errors.New("ledger rpc_url is required")
	}
	if c.ProgramID == "" {
		return errors.New("ledger program_id is required")
	}
	if needKeypair && c.KeypairPath == "" {
		return errors.New("ledger keypair is required")
	}
	return nil
}

func (c AdminConfig) validate() error {
	if c.Addr != "" && c.TokenSecret == "" {
		return errors.New("admin token_secret is required when admin addr is set")
	}
	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parsePositiveInt(env Env, key string) (int, bool, error) {
	raw := env.Getenv(key)
	if raw == "" {
		return 0, false, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, false, errors.Errorf("invalid %s", key)
	}
	return n, true, nil
}
