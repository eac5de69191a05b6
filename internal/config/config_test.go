package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sampleJSON = `{
  "server": {"address": ":9090"},
  "storage": {"driver": "sql", "sql": {"driver": "sqlite"}},
  "escrow": {"asset": "0x036CbD53842c5426634e7929541eC2318f3dCF7e", "escrow_address": "0x9999999999999999999999999999999999999999"},
  "handoff": {"signing_base_url": "https://pay.example"},
  "web3": {"chains_file": "chains.yaml"},
  "auth": {"mode": "jwt", "jwt": {"secret": "s"}, "seeds": [{"username": "operator", "password": "pw", "permissions": ["*"]}]}
}`

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadJSONWithDefaults(t *testing.T) {
	path := writeConfig(t, "agentpayd.json", sampleJSON)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	dir := filepath.Dir(path)

	if cfg.Server.Address != ":9090" || cfg.Server.ServiceID != "agentpayd" {
		t.Fatalf("server config: %+v", cfg.Server)
	}
	if cfg.Escrow.Network != "base-sepolia" || cfg.Escrow.Decimals != 6 {
		t.Fatalf("escrow defaults missing: %+v", cfg.Escrow)
	}
	if cfg.Handoff.SweepInterval != time.Minute {
		t.Fatalf("handoff sweep interval: %s", cfg.Handoff.SweepInterval)
	}
	if cfg.Handoff.SigningBaseURL != "https://pay.example" || cfg.Handoff.Store != "sql" {
		t.Fatalf("handoff config: %+v", cfg.Handoff)
	}
	if cfg.Storage.SQL.DSN != filepath.Join(dir, "data", "agentpay.db") {
		t.Fatalf("sqlite dsn not resolved: %s", cfg.Storage.SQL.DSN)
	}
	if cfg.Web3.ChainsFile != filepath.Join(dir, "chains.yaml") {
		t.Fatalf("chains file not resolved: %s", cfg.Web3.ChainsFile)
	}
	if len(cfg.Auth.Seeds) != 1 || cfg.Auth.Seeds[0].Permissions[0] != "*" {
		t.Fatalf("auth seeds: %+v", cfg.Auth.Seeds)
	}
	if cfg.Facilitator.Timeout != 10*time.Second || cfg.Facilitator.Backoff != 250*time.Millisecond {
		t.Fatalf("facilitator defaults: %+v", cfg.Facilitator)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "agentpayd.yaml", "server:\n  address: \":9090\"\nevents:\n  driver: memory\n")
	t.Setenv("AGENTPAY_SERVER__ADDRESS", ":7070")
	t.Setenv("AGENTPAY_ESCROW__ESCROW_ADDRESS", "0x1111111111111111111111111111111111111111")
	t.Setenv("AGENTPAY_EVENTS__DRIVER", "rabbitmq")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address != ":7070" {
		t.Fatalf("env override ignored: %s", cfg.Server.Address)
	}
	if cfg.Escrow.EscrowAddress != "0x1111111111111111111111111111111111111111" {
		t.Fatalf("nested env override ignored: %+v", cfg.Escrow)
	}
	if cfg.Events.Driver != "rabbitmq" {
		t.Fatalf("events driver: %s", cfg.Events.Driver)
	}
}

func TestValidateRejectsInconsistentStores(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	cfg.Handoff.Store = "sql"
	if err := cfg.Validate(); err == nil {
		t.Fatal("sql handoff store without sql storage must fail")
	}
	cfg.Handoff.Store = "redis"
	if err := cfg.Validate(); err == nil {
		t.Fatal("redis handoff store without redis address must fail")
	}
}
