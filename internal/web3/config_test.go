package web3

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleChains = `
default: Base-Sepolia
chains:
  Base-Sepolia:
    chain_id: 84532
    rpc_url: https://sepolia.base.org
    tokens:
      USDC:
        address: "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
        decimals: 6
        name: USDC
        version: "2"
  local:
    rpc_url: http://127.0.0.1:8545
`

func TestLoadChainDefinitions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chains.yaml")
	if err := os.WriteFile(path, []byte(sampleChains), 0o600); err != nil {
		t.Fatalf("write chains: %v", err)
	}
	defs, err := LoadChainDefinitions(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if defs.Default != "base-sepolia" {
		t.Fatalf("default not normalised: %q", defs.Default)
	}
	ids := defs.ChainIDs()
	if ids["base-sepolia"] != 84532 {
		t.Fatalf("unexpected chain ids %v", ids)
	}
	if _, ok := ids["local"]; ok {
		t.Fatal("chains without chain_id must not be listed")
	}

	tok, ok := defs.Token("base-sepolia", "usdc")
	if !ok || tok.Decimals != 6 {
		t.Fatalf("token by symbol: %+v %v", tok, ok)
	}
	if _, ok := defs.Token("BASE-SEPOLIA", "0x036cbd53842c5426634e7929541ec2318f3dcf7e"); !ok {
		t.Fatal("token lookup by address should be case-insensitive")
	}
	if _, ok := defs.Token("mainnet", "usdc"); ok {
		t.Fatal("unknown network must not resolve")
	}
}

func TestLoadChainDefinitionsEmptyPath(t *testing.T) {
	defs, err := LoadChainDefinitions("")
	if err != nil || defs.Chains == nil || len(defs.Chains) != 0 {
		t.Fatalf("empty path should yield empty definitions: %+v %v", defs, err)
	}
}
