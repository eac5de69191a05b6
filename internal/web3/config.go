package web3

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config selects the chain definitions file and the payout keys.
type Config struct {
	ChainsFile   string `koanf:"chains_file" json:"chains_file"`
	DefaultChain string `koanf:"default_chain" json:"default_chain"`
	// RPCURL is used as a single "default" chain when ChainsFile is empty.
	RPCURL string `koanf:"rpc_url" json:"rpc_url"`
	// RelayerKey pays gas for transferWithAuthorization submissions.
	RelayerKey string `koanf:"relayer_key" json:"relayer_key"`
	// EscrowKey controls the escrow custody account used for payouts.
	EscrowKey string `koanf:"escrow_key" json:"escrow_key"`
}

// ChainDefinitions models the structure of configs/chains.yaml.
type ChainDefinitions struct {
	Default string                     `yaml:"default"`
	Chains  map[string]ChainDefinition `yaml:"chains"`
}

// ChainDefinition describes a single chain endpoint definition. The map key
// is the x402 network name.
type ChainDefinition struct {
	Type        string                     `yaml:"type"`
	ChainID     int64                      `yaml:"chain_id"`
	RPCURL      string                     `yaml:"rpc_url"`
	Description string                     `yaml:"description"`
	Tokens      map[string]TokenDefinition `yaml:"tokens"`
}

// TokenDefinition describes an EIP-3009 capable token on a chain.
type TokenDefinition struct {
	Address  string `yaml:"address"`
	Decimals int    `yaml:"decimals"`
	// Name and Version form the token's EIP-712 domain.
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// LoadChainDefinitions parses the YAML file containing chain metadata.
func LoadChainDefinitions(path string) (ChainDefinitions, error) {
	if strings.TrimSpace(path) == "" {
		return ChainDefinitions{Chains: map[string]ChainDefinition{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return ChainDefinitions{}, fmt.Errorf("读取链配置失败: %w", err)
	}
	return ParseChainDefinitions(content)
}

// ParseChainDefinitions decodes chain metadata and normalises network names.
func ParseChainDefinitions(content []byte) (ChainDefinitions, error) {
	var defs ChainDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return ChainDefinitions{}, fmt.Errorf("解析链配置失败: %w", err)
	}
	chains := make(map[string]ChainDefinition, len(defs.Chains))
	for name, def := range defs.Chains {
		tokens := make(map[string]TokenDefinition, len(def.Tokens))
		for symbol, tok := range def.Tokens {
			tokens[strings.ToLower(symbol)] = tok
		}
		def.Tokens = tokens
		chains[strings.ToLower(strings.TrimSpace(name))] = def
	}
	defs.Chains = chains
	defs.Default = strings.ToLower(strings.TrimSpace(defs.Default))
	return defs, nil
}

// ChainIDs returns network name to chain id for every definition that
// declares one.
func (d ChainDefinitions) ChainIDs() map[string]int64 {
	ids := make(map[string]int64, len(d.Chains))
	for name, def := range d.Chains {
		if def.ChainID > 0 {
			ids[name] = def.ChainID
		}
	}
	return ids
}

// Token looks up a token on network by symbol or by address.
func (d ChainDefinitions) Token(network, symbolOrAddress string) (TokenDefinition, bool) {
	def, ok := d.Chains[strings.ToLower(strings.TrimSpace(network))]
	if !ok {
		return TokenDefinition{}, false
	}
	key := strings.ToLower(strings.TrimSpace(symbolOrAddress))
	if tok, ok := def.Tokens[key]; ok {
		return tok, true
	}
	for _, tok := range def.Tokens {
		if strings.EqualFold(tok.Address, key) {
			return tok, true
		}
	}
	return TokenDefinition{}, false
}
