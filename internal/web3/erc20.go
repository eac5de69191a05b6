package web3

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	"AgentPay-Chain/internal/payment"
)

const erc20JSON = `[
  {"type":"function","name":"balanceOf","stateMutability":"view",
   "inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"transfer","stateMutability":"nonpayable",
   "inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"transferWithAuthorization","stateMutability":"nonpayable",
   "inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"value","type":"uint256"},
             {"name":"validAfter","type":"uint256"},{"name":"validBefore","type":"uint256"},{"name":"nonce","type":"bytes32"},
             {"name":"v","type":"uint8"},{"name":"r","type":"bytes32"},{"name":"s","type":"bytes32"}],"outputs":[]},
  {"type":"event","name":"Transfer","anonymous":false,
   "inputs":[{"name":"from","type":"address","indexed":true},{"name":"to","type":"address","indexed":true},{"name":"value","type":"uint256","indexed":false}]}
]`

var erc20ABI = mustABI(erc20JSON)

func mustABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}

// TokenTransfer is a decoded ERC-20 Transfer log.
type TokenTransfer struct {
	Token common.Address
	From  common.Address
	To    common.Address
	Value *big.Int
}

// BalanceOf reads holder's balance of token in base units.
func BalanceOf(ctx context.Context, c Client, token, holder common.Address) (*big.Int, error) {
	data, err := erc20ABI.Pack("balanceOf", holder)
	if err != nil {
		return nil, err
	}
	out, err := c.CallContract(ctx, gethcore.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("balanceOf %s: %w", token.Hex(), err)
	}
	values, err := erc20ABI.Unpack("balanceOf", out)
	if err != nil {
		return nil, fmt.Errorf("decode balanceOf: %w", err)
	}
	balance, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("decode balanceOf: unexpected %T", values[0])
	}
	return balance, nil
}

// TransferData encodes transfer(to, amount).
func TransferData(to common.Address, amount *big.Int) ([]byte, error) {
	return erc20ABI.Pack("transfer", to, amount)
}

// TransferWithAuthorizationData encodes the EIP-3009 call for a signed
// authorization. The 65-byte signature is split into v, r, s.
func TransferWithAuthorizationData(auth payment.Authorization) ([]byte, error) {
	sig, err := hexutil.Decode(auth.Signature)
	if err != nil || len(sig) != 65 {
		return nil, fmt.Errorf("signature must be 65 bytes of hex")
	}
	nonce, err := hexutil.Decode(auth.Nonce)
	if err != nil || len(nonce) != 32 {
		return nil, fmt.Errorf("nonce must be 32 bytes of hex")
	}
	value, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok {
		return nil, fmt.Errorf("value %q is not an integer", auth.Value)
	}
	after, ok := new(big.Int).SetString(auth.ValidAfter, 10)
	if !ok {
		return nil, fmt.Errorf("validAfter %q is not an integer", auth.ValidAfter)
	}
	before, ok := new(big.Int).SetString(auth.ValidBefore, 10)
	if !ok {
		return nil, fmt.Errorf("validBefore %q is not an integer", auth.ValidBefore)
	}
	var n, r, s [32]byte
	copy(n[:], nonce)
	copy(r[:], sig[:32])
	copy(s[:], sig[32:64])
	v := sig[64]
	if v < 27 {
		v += 27
	}
	return erc20ABI.Pack("transferWithAuthorization",
		common.HexToAddress(auth.From), common.HexToAddress(auth.To),
		value, after, before, n, v, r, s)
}

// Transfers decodes every Transfer log emitted by token in receipt.
func Transfers(receipt *types.Receipt, token common.Address) []TokenTransfer {
	if receipt == nil {
		return nil
	}
	topic := erc20ABI.Events["Transfer"].ID
	var out []TokenTransfer
	for _, lg := range receipt.Logs {
		if lg == nil || lg.Address != token || len(lg.Topics) != 3 || lg.Topics[0] != topic {
			continue
		}
		out = append(out, TokenTransfer{
			Token: token,
			From:  common.BytesToAddress(lg.Topics[1].Bytes()),
			To:    common.BytesToAddress(lg.Topics[2].Bytes()),
			Value: new(big.Int).SetBytes(lg.Data),
		})
	}
	return out
}
