package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

type mapEnv map[string]string

func (m mapEnv) Getenv(key string) string { return m[key] }

func TestLoadRelayConfigFromEnv_Defaults(t *testing.T) {
	cfg, err := LoadRelayConfigFromEnv(mapEnv{})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg.Port != 8000 {
		t.Fatalf("expected default port 8000, got %d", cfg.Port)
	}
	if cfg.GinMode != "release" {
		t.Fatalf("expected default gin mode release, got %q", cfg.GinMode)
	}
	if cfg.Addr() != ":8000" {
		t.Fatalf("unexpected addr %q", cfg.Addr())
	}
}

func TestLoadRelayConfigFromEnv_Overrides(t *testing.T) {
	cfg, err := LoadRelayConfigFromEnv(mapEnv{"PORT": "1234", "RELAY_PUBLISH_RATE_LIMIT": "0", "RELAY_STATE_FILE": "/tmp/x.json"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg.Port != 1234 {
		t.Fatalf("expected port 1234, got %d", cfg.Port)
	}
	if cfg.PublishRateLimit != 0 {
		t.Fatalf("expected rate limit disabled, got %d", cfg.PublishRateLimit)
	}
	if cfg.StateFile != "/tmp/x.json" {
		t.Fatalf("unexpected state file %q", cfg.StateFile)
	}
}

func TestLoadRelayConfigFromEnv_Invalid(t *testing.T) {
	for _, env := range []mapEnv{
		{"PORT": "0"},
		{"PORT": "abc"},
		{"TLS_CERT_FILE": "cert.pem"},
		{"RELAY_MAX_EVENTS": "-1"},
	} {
		if _, err := LoadRelayConfigFromEnv(env); err == nil {
			t.Fatalf("expected error for %v", env)
		}
	}
}

const testMachine = "79be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f2815b16f81798"

func TestLoadNodeConfig_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.toml")
	body := `
admin_pubkey = "` + testMachine + `"
machines = ["` + testMachine + `"]
class = "gacha"

[relay]
urls = ["ws://relay-a:8000", "wss://relay-b"]

[ledger]
keypair = "/keys/bot.json"
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := LoadNodeConfig(path, mapEnv{"VENDING_SOLANA_RPC_URL": "http://rpc:8899"})
	if err != nil {
		t.Fatalf("LoadNodeConfig: %v", err)
	}
	if cfg.Relay.Session != GachaSession {
		t.Fatalf("expected gacha session, got %q", cfg.Relay.Session)
	}
	if cfg.AutoRevert != 10*time.Second {
		t.Fatalf("expected 10s auto revert, got %v", cfg.AutoRevert)
	}
	if len(cfg.Relay.URLs) != 2 {
		t.Fatalf("expected 2 relays, got %v", cfg.Relay.URLs)
	}
	if cfg.Ledger.RPCURL != "http://rpc:8899" {
		t.Fatalf("expected env override, got %q", cfg.Ledger.RPCURL)
	}
	if cfg.ReasonPolicy != PolicyEnforce {
		t.Fatalf("expected enforce policy by default, got %q", cfg.ReasonPolicy)
	}
}

func TestLoadNodeConfig_EnvOnly(t *testing.T) {
	cfg, err := LoadNodeConfig("", mapEnv{
		"VENDING_ADMIN_PUBKEY":        testMachine,
		"VENDING_TRUSTED_PUBKEYS":     testMachine,
		"VENDING_MACHINES":            testMachine + ", " + testMachine,
		"VENDING_AUTO_REVERT_SECONDS": "5",
		"VENDING_RELAYS":              "ws://a, ws://b",
	})
	if err != nil {
		t.Fatalf("LoadNodeConfig: %v", err)
	}
	if cfg.Relay.Session != ChargerSession {
		t.Fatalf("expected charger session, got %q", cfg.Relay.Session)
	}
	if cfg.AutoRevert != 5*time.Second {
		t.Fatalf("expected 5s, got %v", cfg.AutoRevert)
	}
	if len(cfg.Machines) != 2 || len(cfg.Relay.URLs) != 2 {
		t.Fatalf("expected list parsing, got %v %v", cfg.Machines, cfg.Relay.URLs)
	}
}

func TestNodeConfig_Validate(t *testing.T) {
	base := DefaultNodeConfig()
	base.AdminPubkey = testMachine
	base.Machines = []string{testMachine}
	base.TrustedPubkeys = []string{testMachine}
	base.applyClassDefaults()
	if err := base.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}

	cases := map[string]func(c *NodeConfig){
		"no machines":                     func(c *NodeConfig) { c.Machines = nil },
		"no admin":                        func(c *NodeConfig) { c.AdminPubkey = "" },
		"bad class":                       func(c *NodeConfig) { c.Class = "arcade" },
		"bad policy":                      func(c *NodeConfig) { c.ReasonPolicy = "ignore" },
		"http relay":                      func(c *NodeConfig) { c.Relay.URLs = []string{"http://relay"} },
		"gacha no key":                    func(c *NodeConfig) { c.Class = ClassGacha },
		"admin no secret":                 func(c *NodeConfig) { c.Admin.Addr = ":9000" },
		"charger enforce without trusted": func(c *NodeConfig) { c.TrustedPubkeys = nil },
	}
	for name, mutate := range cases {
		cfg := base
		cfg.Machines = append([]string(nil), base.Machines...)
		mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}

	logOnly := base
	logOnly.TrustedPubkeys = nil
	logOnly.ReasonPolicy = PolicyLog
	if err := logOnly.Validate(); err != nil {
		t.Fatalf("log policy without trusted keys: %v", err)
	}
}

func TestLoadServerConfig_Defaults(t *testing.T) {
	cfg, err := LoadServerConfig("", mapEnv{"VENDING_SOLANA_KEYPAIR": "/keys/bot.json", "VENDING_DB_DRIVER": "postgres", "VENDING_DB_DSN": "postgres://x"})
	if err != nil {
		t.Fatalf("LoadServerConfig: %v", err)
	}
	if cfg.Backtrack != 120*time.Second {
		t.Fatalf("expected 120s backtrack, got %v", cfg.Backtrack)
	}
	if cfg.PrepaidAmount != 10_000_000 || cfg.TransferAmount != 5_000_000 {
		t.Fatalf("unexpected amounts %d %d", cfg.PrepaidAmount, cfg.TransferAmount)
	}
	if cfg.Database.Driver != "postgres" {
		t.Fatalf("expected postgres driver, got %q", cfg.Database.Driver)
	}

	if _, err := LoadServerConfig("", mapEnv{}); err == nil {
		t.Fatalf("expected missing keypair error")
	}
	if _, err := LoadServerConfig("", mapEnv{"VENDING_SOLANA_KEYPAIR": "k", "VENDING_DB_DRIVER": "mysql"}); err == nil {
		t.Fatalf("expected unknown driver error")
	}
}
