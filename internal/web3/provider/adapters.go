package provider

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/escrow"
	"AgentPay-Chain/internal/payment"
	"AgentPay-Chain/internal/settlement"
	"AgentPay-Chain/internal/web3"
)

var (
	_ escrow.Transferer      = (*EscrowPayouts)(nil)
	_ escrow.DepositVerifier = (*DepositVerifier)(nil)
	_ settlement.Submitter   = (*AuthorizationSubmitter)(nil)
)

// ParseKey decodes a hex private key with or without the 0x prefix.
func ParseKey(hexKey string) (*ecdsa.PrivateKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeSignerUnavailable, err, "parse private key")
	}
	return key, nil
}

// EscrowPayouts sends ERC-20 transfers out of the escrow custody account.
type EscrowPayouts struct {
	client web3.Client
	key    *ecdsa.PrivateKey
	token  common.Address
}

// NewEscrowPayouts binds the custody key. The key must control escrowAddress.
func NewEscrowPayouts(client web3.Client, hexKey, token, escrowAddress string) (*EscrowPayouts, error) {
	key, err := ParseKey(hexKey)
	if err != nil {
		return nil, err
	}
	if !common.IsHexAddress(token) {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "escrow token is not an address")
	}
	if owner := crypto.PubkeyToAddress(key.PublicKey); !strings.EqualFold(owner.Hex(), escrowAddress) {
		return nil, xerrors.New(xerrors.CodeInitializationFailure,
			fmt.Sprintf("escrow key controls %s, not %s", owner.Hex(), escrowAddress))
	}
	return &EscrowPayouts{client: client, key: key, token: common.HexToAddress(token)}, nil
}

// Transfer pays amount base units to to.
func (p *EscrowPayouts) Transfer(ctx context.Context, to string, amount *big.Int) (string, error) {
	if !common.IsHexAddress(to) {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "payout recipient is not an address")
	}
	data, err := web3.TransferData(common.HexToAddress(to), amount)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeChainFailure, err, "encode transfer")
	}
	hash, err := p.client.Transact(ctx, p.key, p.token, data)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeChainFailure, err, "submit escrow payout")
	}
	return hash.Hex(), nil
}

// DepositVerifier checks that an activation transaction moved the deposit
// from the owner into the escrow account.
type DepositVerifier struct {
	client web3.Client
	token  common.Address
	escrow common.Address
}

// NewDepositVerifier watches token transfers into escrowAddress.
func NewDepositVerifier(client web3.Client, token, escrowAddress string) (*DepositVerifier, error) {
	if !common.IsHexAddress(token) || !common.IsHexAddress(escrowAddress) {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "deposit verifier needs token and escrow addresses")
	}
	return &DepositVerifier{client: client, token: common.HexToAddress(token), escrow: common.HexToAddress(escrowAddress)}, nil
}

// VerifyDeposit requires a successful receipt carrying a Transfer of at
// least amount from from to the escrow account.
func (v *DepositVerifier) VerifyDeposit(ctx context.Context, txHash, from string, amount *big.Int) error {
	if len(strings.TrimPrefix(txHash, "0x")) != 64 {
		return xerrors.New(xerrors.CodeInvalidArgument, "deposit txHash must be a 32-byte hex hash")
	}
	receipt, err := v.client.TransactionReceipt(ctx, common.HexToHash(txHash))
	if errors.Is(err, gethcore.NotFound) {
		return xerrors.New(xerrors.CodeConflict, "deposit transaction is not mined yet",
			xerrors.WithRetryable(true), xerrors.WithMetadata("tx_hash", txHash))
	}
	if err != nil {
		return xerrors.Wrap(xerrors.CodeChainFailure, err, "load deposit receipt")
	}
	if receipt.Status != coretypes.ReceiptStatusSuccessful {
		return xerrors.New(xerrors.CodeInvalidArgument, "deposit transaction reverted",
			xerrors.WithMetadata("tx_hash", txHash))
	}
	owner := common.HexToAddress(from)
	for _, transfer := range web3.Transfers(receipt, v.token) {
		if transfer.From == owner && transfer.To == v.escrow && transfer.Value.Cmp(amount) >= 0 {
			return nil
		}
	}
	return xerrors.New(xerrors.CodeInvalidArgument, "deposit transaction does not fund the escrow account",
		xerrors.WithMetadata("tx_hash", txHash))
}

// AuthorizationSubmitter broadcasts transferWithAuthorization on the chain
// named by each requirement, paying gas from the relayer key.
type AuthorizationSubmitter struct {
	registry *Registry
	key      *ecdsa.PrivateKey
}

// NewAuthorizationSubmitter binds the relayer key.
func NewAuthorizationSubmitter(registry *Registry, hexKey string) (*AuthorizationSubmitter, error) {
	if registry == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "chain registry is required")
	}
	key, err := ParseKey(hexKey)
	if err != nil {
		return nil, err
	}
	return &AuthorizationSubmitter{registry: registry, key: key}, nil
}

// Submit sends the signed authorization to the token contract.
func (s *AuthorizationSubmitter) Submit(ctx context.Context, auth payment.Authorization, req payment.Requirement) (string, error) {
	client, ok := s.registry.Client(req.Network)
	if !ok {
		return "", xerrors.New(xerrors.CodeSettlementRejected, "no chain client for network "+req.Network)
	}
	token, err := s.registry.tokenAddress(req.Network, req.Asset)
	if err != nil {
		return "", err
	}
	data, err := web3.TransferWithAuthorizationData(auth)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeSettlementRejected, err, "encode transferWithAuthorization")
	}
	hash, err := client.Transact(ctx, s.key, token, data)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeChainFailure, err, "submit transferWithAuthorization",
			xerrors.WithMetadata("network", req.Network))
	}
	return hash.Hex(), nil
}
