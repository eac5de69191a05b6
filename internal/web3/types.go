package web3

import (
	"context"
	"crypto/ecdsa"
	"math/big"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ChainSnapshot represents summarized network metadata for health reporting.
type ChainSnapshot struct {
	ChainID     string `json:"chainId"`
	BlockNumber string `json:"blockNumber"`
	Notes       string `json:"notes,omitempty"`
}

// Client defines the common interface that any chain implementation must
// provide so settlement and escrow payouts can talk to different networks
// uniformly.
type Client interface {
	FetchChainSnapshot(ctx context.Context) (ChainSnapshot, error)
	CallContract(ctx context.Context, call gethcore.CallMsg, blockNumber *big.Int) ([]byte, error)
	// Transact signs data for to with key and broadcasts it.
	Transact(ctx context.Context, key *ecdsa.PrivateKey, to common.Address, data []byte) (common.Hash, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	Close()
}
