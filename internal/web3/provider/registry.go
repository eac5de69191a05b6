package provider

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/web3"
	"AgentPay-Chain/internal/web3/ethereum"
)

// Registry manages a set of chain clients keyed by x402 network name.
type Registry struct {
	defaultChain string
	defs         web3.ChainDefinitions
	clients      map[string]web3.Client
}

// NewRegistry loads chain definitions and instantiates concrete clients.
func NewRegistry(ctx context.Context, cfg web3.Config) (*Registry, error) {
	defs, err := web3.LoadChainDefinitions(cfg.ChainsFile)
	if err != nil {
		return nil, err
	}

	clients := make(map[string]web3.Client)
	for name, chain := range defs.Chains {
		chainType := strings.ToLower(strings.TrimSpace(chain.Type))
		if chainType == "" {
			chainType = "evm"
		}
		switch chainType {
		case "evm":
			client, err := ethereum.NewClient(ctx, ethereum.Config{
				Name:    name,
				RPCURL:  chain.RPCURL,
				Notes:   chain.Description,
				ChainID: chain.ChainID,
			})
			if err != nil {
				closeAll(clients)
				return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
			}
			clients[name] = client
		default:
			closeAll(clients)
			return nil, fmt.Errorf("链 %s 使用了不支持的类型 %s", name, chain.Type)
		}
	}

	if len(clients) == 0 && strings.TrimSpace(cfg.RPCURL) != "" {
		client, err := ethereum.NewClient(ctx, ethereum.Config{Name: "default", RPCURL: cfg.RPCURL})
		if err != nil {
			return nil, err
		}
		clients["default"] = client
		if cfg.DefaultChain == "" {
			cfg.DefaultChain = "default"
		}
	}

	defaultChain := cfg.DefaultChain
	if defaultChain == "" {
		defaultChain = defs.Default
	}
	return NewStaticRegistry(defs, defaultChain, clients)
}

// NewStaticRegistry builds a registry from already constructed clients.
func NewStaticRegistry(defs web3.ChainDefinitions, defaultChain string, clients map[string]web3.Client) (*Registry, error) {
	if len(clients) == 0 {
		return nil, errors.New("未配置任何链的 RPC 端点")
	}
	normalised := make(map[string]web3.Client, len(clients))
	for name, client := range clients {
		normalised[strings.ToLower(name)] = client
	}
	if defs.Chains == nil {
		defs.Chains = map[string]web3.ChainDefinition{}
	}

	defaultChain = strings.ToLower(strings.TrimSpace(defaultChain))
	if defaultChain == "" {
		names := make([]string, 0, len(normalised))
		for name := range normalised {
			names = append(names, name)
		}
		sort.Strings(names)
		defaultChain = names[0]
	}
	if _, ok := normalised[defaultChain]; !ok {
		return nil, fmt.Errorf("默认链 %s 未在配置中找到", defaultChain)
	}

	return &Registry{defaultChain: defaultChain, defs: defs, clients: normalised}, nil
}

func closeAll(clients map[string]web3.Client) {
	for _, c := range clients {
		c.Close()
	}
}

// DefaultClient returns the client configured as default chain.
func (r *Registry) DefaultClient() (web3.Client, error) {
	if r == nil {
		return nil, errors.New("未初始化的链客户端注册表")
	}
	client, ok := r.clients[r.defaultChain]
	if !ok {
		return nil, fmt.Errorf("默认链 %s 未在注册表中", r.defaultChain)
	}
	return client, nil
}

// DefaultChain returns the name of the default network.
func (r *Registry) DefaultChain() string { return r.defaultChain }

// Client returns the chain client identified by network name.
func (r *Registry) Client(network string) (web3.Client, bool) {
	if r == nil {
		return nil, false
	}
	client, ok := r.clients[strings.ToLower(strings.TrimSpace(network))]
	return client, ok
}

// Definitions exposes the loaded chain metadata.
func (r *Registry) Definitions() web3.ChainDefinitions { return r.defs }

// ChainIDs maps network names to chain ids for signers and verifiers.
func (r *Registry) ChainIDs() map[string]int64 { return r.defs.ChainIDs() }

// Close releases all clients managed by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	for name, client := range r.clients {
		if client != nil {
			client.Close()
		}
		delete(r.clients, name)
	}
}

// Chains returns the list of registered chain names.
func (r *Registry) Chains() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Check reports whether the default chain answers.
func (r *Registry) Check(ctx context.Context) error {
	client, err := r.DefaultClient()
	if err != nil {
		return err
	}
	_, err = client.FetchChainSnapshot(ctx)
	return err
}

// BalanceOf reads holder's balance of asset on network. asset is a token
// address or a symbol from the chain definitions.
func (r *Registry) BalanceOf(ctx context.Context, network, asset, holder string) (*big.Int, error) {
	client, ok := r.Client(network)
	if !ok {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "no chain client for network "+network)
	}
	token, err := r.tokenAddress(network, asset)
	if err != nil {
		return nil, err
	}
	if !common.IsHexAddress(holder) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "holder is not an address")
	}
	balance, err := web3.BalanceOf(ctx, client, token, common.HexToAddress(holder))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "read token balance",
			xerrors.WithMetadata("network", network))
	}
	return balance, nil
}

func (r *Registry) tokenAddress(network, asset string) (common.Address, error) {
	if common.IsHexAddress(asset) {
		return common.HexToAddress(asset), nil
	}
	tok, ok := r.defs.Token(network, asset)
	if !ok || !common.IsHexAddress(tok.Address) {
		return common.Address{}, xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("unknown asset %s on %s", asset, network))
	}
	return common.HexToAddress(tok.Address), nil
}
