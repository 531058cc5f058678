package config

import (
	"time"

	"github.com/pkg/errors"
)

type DatabaseConfig struct {
	Driver string `toml:"driver"`
	DSN    string `toml:"dsn"`
}

type ServerConfig struct {
	KeyFile        string        `toml:"key_file"`
	PrepaidAmount  uint64        `toml:"prepaid_amount"`
	TransferAmount uint64        `toml:"transfer_amount"`
	Backtrack      time.Duration `toml:"backtrack"`

	Database DatabaseConfig  `toml:"database"`
	Relay    RelayPoolConfig `toml:"relay"`
	Ledger   LedgerConfig    `toml:"ledger"`
	Admin    AdminConfig     `toml:"admin"`
	Log      LogConfig       `toml:"log"`
}

func DefaultServerConfig() ServerConfig {
	relay := defaultRelayPool()
	relay.Session = ChargerSession
	return ServerConfig{
		KeyFile:        "data/server.key",
		PrepaidAmount:  DefaultPrepaidAmount,
		TransferAmount: DefaultTransfer,
		Backtrack:      120 * time.Second,
		Database:       DatabaseConfig{Driver: "sqlite", DSN: "data/server.db"},
		Relay:          relay,
		Ledger:         defaultLedger(),
		Admin:          defaultAdmin(),
		Log:            LogConfig{Level: "info"},
	}
}

func LoadServerConfig(path string, env Env) (ServerConfig, error) {
	cfg := DefaultServerConfig()
	if err := decodeFile(path, &cfg); err != nil {
		return ServerConfig{}, err
	}

	if raw := env.Getenv("VENDING_KEY_FILE"); raw != "" {
		cfg.KeyFile = raw
	}
	if raw := env.Getenv("VENDING_DB_DRIVER"); raw != "" {
		cfg.Database.Driver = raw
	}
	if raw := env.Getenv("VENDING_DB_DSN"); raw != "" {
		cfg.Database.DSN = raw
	}
	cfg.Relay.applyEnv(env)
	cfg.Ledger.applyEnv(env)
	cfg.Admin.applyEnv(env)
	cfg.Log.applyEnv(env)

	if err := cfg.Validate(); err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}

func (c ServerConfig) Validate() error {
	if c.KeyFile == "" {
		return errors.New("key_file is required")
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return errors.Errorf("unknown database driver %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return errors.New("database dsn is required")
	}
	if c.TransferAmount > c.PrepaidAmount {
		return errors.New("transfer_amount cannot exceed prepaid_amount")
	}
	if c.Backtrack < 0 {
		return errors.New("backtrack cannot be negative")
	}
	if err := c.Relay.validate(); err != nil {
		return err
	}
	if err := c.Ledger.validate(true); err != nil {
		return err
	}
	return c.Admin.validate()
}
