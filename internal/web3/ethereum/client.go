package ethereum

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/ethclient/simulated"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	"AgentPay-Chain/internal/web3"
)

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name   string
	RPCURL string
	Notes  string
	// ChainID, when set, is checked against the node on first use.
	ChainID int64
}

// Backend is the subset of ethclient used by Client. Both *ethclient.Client
// and the simulated backend's client satisfy it.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	CallContract(ctx context.Context, call gethcore.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call gethcore.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *coretypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*coretypes.Receipt, error)
}

// Client implements the web3.Client interface for EVM compatible chains.
type Client struct {
	name      string
	notes     string
	rpcClient *gethrpc.Client
	backend   Backend
	// commit mines a block after each send on simulated chains.
	commit func()

	mu       sync.Mutex
	expected *big.Int
	chainID  *big.Int
	// nonces serialises transactions per sender.
	nonces map[common.Address]*sync.Mutex
}

var _ web3.Client = (*Client)(nil)

// NewClient dials the configured RPC endpoint and returns a ready-to-use client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}
	c := newClient(cfg.Name, cfg.Notes, ethclient.NewClient(rpcClient))
	c.rpcClient = rpcClient
	if cfg.ChainID > 0 {
		c.expected = big.NewInt(cfg.ChainID)
	}
	return c, nil
}

// NewSimulatedClient wraps a go-ethereum simulated backend for testing purposes.
func NewSimulatedClient(name string, sim *simulated.Backend) *Client {
	c := newClient(name, "simulated backend", sim.Client())
	c.commit = func() { sim.Commit() }
	return c
}

// NewBackendClient wraps an existing backend.
func NewBackendClient(name string, backend Backend) *Client {
	return newClient(name, "", backend)
}

func newClient(name, notes string, backend Backend) *Client {
	return &Client{name: name, notes: notes, backend: backend, nonces: make(map[common.Address]*sync.Mutex)}
}

// Name returns the network name the client was registered under.
func (c *Client) Name() string { return c.name }

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rpcClient != nil {
		c.rpcClient.Close()
		c.rpcClient = nil
	}
}

// ChainID returns the node's chain id, cached after the first call.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	cached := c.chainID
	c.mu.Unlock()
	if cached != nil {
		return new(big.Int).Set(cached), nil
	}
	id, err := c.backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取链 ID 失败: %w", err)
	}
	if c.expected != nil && c.expected.Cmp(id) != 0 {
		return nil, fmt.Errorf("链 %s 的节点返回链 ID %s，配置为 %s", c.name, id, c.expected)
	}
	c.mu.Lock()
	c.chainID = id
	c.mu.Unlock()
	return new(big.Int).Set(id), nil
}

// FetchChainSnapshot gathers lightweight metadata from the chain.
func (c *Client) FetchChainSnapshot(ctx context.Context) (web3.ChainSnapshot, error) {
	if c == nil || c.backend == nil {
		return web3.ChainSnapshot{}, errors.New("未初始化的以太坊客户端")
	}
	chainID, err := c.ChainID(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, err
	}
	blockNumber, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, fmt.Errorf("获取最新区块高度失败: %w", err)
	}
	return web3.ChainSnapshot{
		ChainID:     toHexBig(chainID),
		BlockNumber: fmt.Sprintf("0x%x", blockNumber),
		Notes:       c.notes,
	}, nil
}

// CallContract executes an eth_call.
func (c *Client) CallContract(ctx context.Context, call gethcore.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return c.backend.CallContract(ctx, call, blockNumber)
}

// TransactionReceipt returns the receipt of a mined transaction.
func (c *Client) TransactionReceipt(ctx context.Context, hash common.Hash) (*coretypes.Receipt, error) {
	return c.backend.TransactionReceipt(ctx, hash)
}

// Transact signs a legacy transaction calling to with data and broadcasts it.
// Transactions from the same key are serialised so nonces never collide.
func (c *Client) Transact(ctx context.Context, key *ecdsa.PrivateKey, to common.Address, data []byte) (common.Hash, error) {
	if key == nil {
		return common.Hash{}, errors.New("未提供交易签名器")
	}
	from := crypto.PubkeyToAddress(key.PublicKey)
	lock := c.senderLock(from)
	lock.Lock()
	defer lock.Unlock()

	chainID, err := c.ChainID(ctx)
	if err != nil {
		return common.Hash{}, err
	}
	nonce, err := c.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("查询交易计数失败: %w", err)
	}
	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("查询 gas 价格失败: %w", err)
	}
	gas, err := c.backend.EstimateGas(ctx, gethcore.CallMsg{From: from, To: &to, Data: data})
	if err != nil {
		return common.Hash{}, fmt.Errorf("估算 gas 失败: %w", err)
	}
	tx := coretypes.NewTx(&coretypes.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Gas:      gas + gas/5,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := coretypes.SignTx(tx, coretypes.LatestSignerForChainID(chainID), key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("签名交易失败: %w", err)
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("发送交易失败: %w", err)
	}
	if c.commit != nil {
		c.commit()
	}
	return signed.Hash(), nil
}

func (c *Client) senderLock(from common.Address) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	lock, ok := c.nonces[from]
	if !ok {
		lock = &sync.Mutex{}
		c.nonces[from] = lock
	}
	return lock
}

// WaitMined polls for the receipt of hash until it is available or ctx ends.
func WaitMined(ctx context.Context, client web3.Client, hash common.Hash, interval time.Duration) (*coretypes.Receipt, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		receipt, err := client.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, gethcore.NotFound) {
			return nil, fmt.Errorf("查询交易回执失败: %w", err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func toHexBig(n *big.Int) string {
	if n == nil {
		return "0x0"
	}
	return "0x" + n.Text(16)
}
