package config

import (
	"time"

	"github.com/pkg/errors"
)

const (
	ClassCharger = "charger"
	ClassGacha   = "gacha"

	PolicyEnforce = "enforce"
	PolicyLog     = "log"
)

type NodeConfig struct {
	KeyFile        string        `toml:"key_file"`
	AdminPubkey    string        `toml:"admin_pubkey"`
	TrustedPubkeys []string      `toml:"trusted_pubkeys"`
	Machines       []string      `toml:"machines"`
	Class          string        `toml:"class"`
	AutoRevert     time.Duration `toml:"auto_revert"`
	ReasonPolicy   string        `toml:"reason_policy"`
	PrepaidAmount  uint64        `toml:"prepaid_amount"`
	PayAmount      uint64        `toml:"pay_amount"`

	Relay  RelayPoolConfig `toml:"relay"`
	Ledger LedgerConfig    `toml:"ledger"`
	Admin  AdminConfig     `toml:"admin"`
	Log    LogConfig       `toml:"log"`
}

func DefaultNodeConfig() NodeConfig {
	return NodeConfig{
		KeyFile:       "data/node.key",
		Class:         ClassCharger,
		ReasonPolicy:  PolicyEnforce,
		PrepaidAmount: DefaultPrepaidAmount,
		PayAmount:     DefaultPayAmount,
		Relay:         defaultRelayPool(),
		Ledger:        defaultLedger(),
		Admin:         defaultAdmin(),
		Log:           LogConfig{Level: "info"},
	}
}

// LoadNodeConfig layers defaults, the TOML file at path (optional) and
// environment overrides, then validates the result.
func LoadNodeConfig(path string, env Env) (NodeConfig, error) {
	cfg := DefaultNodeConfig()
	if err := decodeFile(path, &cfg); err != nil {
		return NodeConfig{}, err
	}

	if raw := env.Getenv("VENDING_KEY_FILE"); raw != "" {
		cfg.KeyFile = raw
	}
	if raw := env.Getenv("VENDING_ADMIN_PUBKEY"); raw != "" {
		cfg.AdminPubkey = raw
	}
	if raw := env.Getenv("VENDING_TRUSTED_PUBKEYS"); raw != "" {
		cfg.TrustedPubkeys = splitList(raw)
	}
	if raw := env.Getenv("VENDING_MACHINES"); raw != "" {
		cfg.Machines = splitList(raw)
	}
	if raw := env.Getenv("VENDING_CLASS"); raw != "" {
		cfg.Class = raw
	}
	if seconds, ok, err := parsePositiveInt(env, "VENDING_AUTO_REVERT_SECONDS"); err != nil {
		return NodeConfig{}, err
	} else if ok {
		cfg.AutoRevert = time.Duration(seconds) * time.Second
	}
	cfg.Relay.applyEnv(env)
	cfg.Ledger.applyEnv(env)
	cfg.Admin.applyEnv(env)
	cfg.Log.applyEnv(env)

	cfg.applyClassDefaults()
	if err := cfg.Validate(); err != nil {
		return NodeConfig{}, err
	}
	return cfg, nil
}

func (c *NodeConfig) applyClassDefaults() {
	if c.Relay.Session == "" {
		if c.Class == ClassGacha {
			c.Relay.Session = GachaSession
		} else {
			c.Relay.Session = ChargerSession
		}
	}
	if c.AutoRevert <= 0 {
		c.AutoRevert = DefaultAutoRevert(c.Class)
	}
}

func DefaultAutoRevert(class string) time.Duration {
	if class == ClassGacha {
		return 10 * time.Second
	}
	return 60 * time.Second
}

func (c NodeConfig) Validate() error {
	if c.KeyFile == "" {
		return errors.New("key_file is required")
	}
	if c.AdminPubkey == "" {
		return errors.New("admin_pubkey is required")
	}
	if len(c.Machines) == 0 {
		return errors.New("at least one machine is required")
	}
	switch c.Class {
	case ClassCharger, ClassGacha:
	default:
		return errors.Errorf("unknown class %q", c.Class)
	}
	switch c.ReasonPolicy {
	case PolicyEnforce, PolicyLog:
	default:
		return errors.Errorf("unknown reason_policy %q", c.ReasonPolicy)
	}
	// The settlement server stops sessions whose lock failed with a LockFailed
	// request, which enforce drops unless its key is trusted.
	if c.Class == ClassCharger && c.ReasonPolicy == PolicyEnforce && len(c.TrustedPubkeys) == 0 {
		return errors.New("trusted_pubkeys must list the settlement server when a charger enforces reason_policy")
	}
	if c.Class == ClassGacha && c.PayAmount == 0 {
		return errors.New("pay_amount must be positive for gacha machines")
	}
	if err := c.Relay.validate(); err != nil {
		return err
	}
	if err := c.Ledger.validate(c.Class == ClassGacha); err != nil {
		return err
	}
	return c.Admin.validate()
}
