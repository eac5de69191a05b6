package provider

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"testing"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/payment"
	"AgentPay-Chain/internal/web3"
)

const usdc = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"

type sentTx struct {
	from common.Address
	to   common.Address
	data []byte
}

type fakeChain struct {
	balance  *big.Int
	receipts map[common.Hash]*coretypes.Receipt
	sent     []sentTx
}

func (f *fakeChain) FetchChainSnapshot(context.Context) (web3.ChainSnapshot, error) {
	return web3.ChainSnapshot{ChainID: "0x14a34"}, nil
}

func (f *fakeChain) CallContract(_ context.Context, call gethcore.CallMsg, _ *big.Int) ([]byte, error) {
	u256, _ := abi.NewType("uint256", "", nil)
	return abi.Arguments{{Type: u256}}.Pack(f.balance)
}

func (f *fakeChain) Transact(_ context.Context, key *ecdsa.PrivateKey, to common.Address, data []byte) (common.Hash, error) {
	f.sent = append(f.sent, sentTx{from: crypto.PubkeyToAddress(key.PublicKey), to: to, data: data})
	return common.BigToHash(big.NewInt(int64(len(f.sent)))), nil
}

func (f *fakeChain) TransactionReceipt(_ context.Context, hash common.Hash) (*coretypes.Receipt, error) {
	if r, ok := f.receipts[hash]; ok {
		return r, nil
	}
	return nil, gethcore.NotFound
}

func (f *fakeChain) Close() {}

func newRegistry(t *testing.T, chain *fakeChain) *Registry {
	t.Helper()
	defs, err := web3.ParseChainDefinitions([]byte(`
chains:
  base-sepolia:
    chain_id: 84532
    tokens:
      usdc: {address: "` + usdc + `", decimals: 6}
`))
	if err != nil {
		t.Fatalf("parse defs: %v", err)
	}
	reg, err := NewStaticRegistry(defs, "", map[string]web3.Client{"Base-Sepolia": chain})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return reg
}

func TestRegistryBalanceOfResolvesSymbols(t *testing.T) {
	chain := &fakeChain{balance: big.NewInt(5_000_000)}
	reg := newRegistry(t, chain)
	if reg.DefaultChain() != "base-sepolia" {
		t.Fatalf("unexpected default chain %s", reg.DefaultChain())
	}
	if reg.ChainIDs()["base-sepolia"] != 84532 {
		t.Fatalf("chain ids not exposed: %v", reg.ChainIDs())
	}

	holder := "0x1111111111111111111111111111111111111111"
	balance, err := reg.BalanceOf(context.Background(), "base-sepolia", "USDC", holder)
	if err != nil || balance.Int64() != 5_000_000 {
		t.Fatalf("balance by symbol: %v %v", balance, err)
	}
	if _, err := reg.BalanceOf(context.Background(), "base-sepolia", "dai", holder); !xerrors.IsCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("unknown symbol should be a validation error, got %v", err)
	}
	if _, err := reg.BalanceOf(context.Background(), "polygon", usdc, holder); !xerrors.IsCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("unknown network should be a validation error, got %v", err)
	}
	if err := reg.Check(context.Background()); err != nil {
		t.Fatalf("check: %v", err)
	}
}

func TestEscrowPayoutsRequireMatchingKey(t *testing.T) {
	key, _ := crypto.GenerateKey()
	escrowAddr := crypto.PubkeyToAddress(key.PublicKey).Hex()
	hexKey := hexutil.Encode(crypto.FromECDSA(key))
	chain := &fakeChain{}

	if _, err := NewEscrowPayouts(chain, hexKey, usdc, "0x2222222222222222222222222222222222222222"); err == nil {
		t.Fatal("mismatched escrow address must be rejected")
	}
	payouts, err := NewEscrowPayouts(chain, hexKey, usdc, escrowAddr)
	if err != nil {
		t.Fatalf("payouts: %v", err)
	}
	hash, err := payouts.Transfer(context.Background(), "0x3333333333333333333333333333333333333333", big.NewInt(42))
	if err != nil || hash == "" {
		t.Fatalf("transfer: %q %v", hash, err)
	}
	if len(chain.sent) != 1 || chain.sent[0].to != common.HexToAddress(usdc) || chain.sent[0].from.Hex() != escrowAddr {
		t.Fatalf("unexpected transaction %+v", chain.sent)
	}
}

func TestDepositVerifier(t *testing.T) {
	owner := common.HexToAddress("0x1111111111111111111111111111111111111111")
	escrowAddr := common.HexToAddress("0x9999999999999999999999999999999999999999")
	token := common.HexToAddress(usdc)
	transferTopic := crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
	okHash := common.HexToHash("0x01")
	revertedHash := common.HexToHash("0x02")

	chain := &fakeChain{receipts: map[common.Hash]*coretypes.Receipt{
		okHash: {Status: coretypes.ReceiptStatusSuccessful, Logs: []*coretypes.Log{{
			Address: token,
			Topics:  []common.Hash{transferTopic, common.BytesToHash(owner.Bytes()), common.BytesToHash(escrowAddr.Bytes())},
			Data:    common.LeftPadBytes(big.NewInt(10_000_000).Bytes(), 32),
		}}},
		revertedHash: {Status: coretypes.ReceiptStatusFailed},
	}}
	verifier, err := NewDepositVerifier(chain, usdc, escrowAddr.Hex())
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	ctx := context.Background()

	if err := verifier.VerifyDeposit(ctx, okHash.Hex(), owner.Hex(), big.NewInt(10_000_000)); err != nil {
		t.Fatalf("valid deposit rejected: %v", err)
	}
	if err := verifier.VerifyDeposit(ctx, okHash.Hex(), owner.Hex(), big.NewInt(20_000_000)); !xerrors.IsCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("short deposit accepted: %v", err)
	}
	if err := verifier.VerifyDeposit(ctx, revertedHash.Hex(), owner.Hex(), big.NewInt(1)); err == nil {
		t.Fatal("reverted deposit accepted")
	}
	err = verifier.VerifyDeposit(ctx, common.HexToHash("0x03").Hex(), owner.Hex(), big.NewInt(1))
	if !xerrors.IsCode(err, xerrors.CodeConflict) || !xerrors.RetryableError(err) {
		t.Fatalf("pending deposit should be a retryable conflict, got %v", err)
	}
}

func TestAuthorizationSubmitterRoutesByNetwork(t *testing.T) {
	chain := &fakeChain{}
	reg := newRegistry(t, chain)
	relayer, _ := crypto.GenerateKey()
	submitter, err := NewAuthorizationSubmitter(reg, hexutil.Encode(crypto.FromECDSA(relayer)))
	if err != nil {
		t.Fatalf("submitter: %v", err)
	}
	auth := payment.Authorization{
		From:        "0x1111111111111111111111111111111111111111",
		To:          "0x9999999999999999999999999999999999999999",
		Value:       "1000000",
		ValidAfter:  "0",
		ValidBefore: "9999999999",
		Nonce:       hexutil.Encode(make([]byte, 32)),
		Signature:   hexutil.Encode(append(make([]byte, 64), 27)),
	}
	req := payment.Requirement{Network: "base-sepolia", Asset: usdc}
	if _, err := submitter.Submit(context.Background(), auth, req); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(chain.sent) != 1 || chain.sent[0].to != common.HexToAddress(usdc) {
		t.Fatalf("unexpected sends %+v", chain.sent)
	}

	req.Network = "polygon"
	if _, err := submitter.Submit(context.Background(), auth, req); !xerrors.IsCode(err, xerrors.CodeSettlementRejected) {
		t.Fatalf("unknown network should be rejected, got %v", err)
	}
}
