package escrow

import (
	"context"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	xerrors "AgentPay-Chain/internal/errors"
)

// escrowABI covers only the read selectors used to verify session state
// directly against the contract.
const escrowABI = `[
  {"type":"function","name":"getSession","stateMutability":"view",
   "inputs":[{"name":"sessionId","type":"uint256"}],
   "outputs":[{"name":"owner","type":"address"},{"name":"deposited","type":"uint256"},{"name":"released","type":"uint256"},
              {"name":"maxSpend","type":"uint256"},{"name":"expiresAt","type":"uint256"},{"name":"active","type":"bool"}]},
  {"type":"function","name":"isAgentAuthorized","stateMutability":"view",
   "inputs":[{"name":"sessionId","type":"uint256"},{"name":"agent","type":"address"}],
   "outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"remainingBalance","stateMutability":"view",
   "inputs":[{"name":"sessionId","type":"uint256"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"getAgentSpend","stateMutability":"view",
   "inputs":[{"name":"sessionId","type":"uint256"},{"name":"agent","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"sessionCounter","stateMutability":"view",
   "inputs":[],
   "outputs":[{"name":"","type":"uint256"}]}
]`

// ContractCaller is the generic eth_call primitive. *ethclient.Client
// satisfies it.
type ContractCaller interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// OnchainSession mirrors the contract's getSession tuple.
type OnchainSession struct {
	SessionID *big.Int  `json:"sessionId"`
	Owner     string    `json:"owner"`
	Deposited *big.Int  `json:"deposited"`
	Released  *big.Int  `json:"released"`
	MaxSpend  *big.Int  `json:"maxSpend"`
	ExpiresAt time.Time `json:"expiresAt"`
	Active    bool      `json:"active"`
}

// ContractReader queries the escrow contract.
type ContractReader struct {
	caller  ContractCaller
	address common.Address
	abi     abi.ABI
	timeout time.Duration
}

// NewContractReader binds a reader to the contract at address.
func NewContractReader(caller ContractCaller, address string) (*ContractReader, error) {
	if caller == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "contract caller is required")
	}
	if !common.IsHexAddress(address) {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "escrow contract address is not an address")
	}
	parsed, err := abi.JSON(strings.NewReader(escrowABI))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "parse escrow abi")
	}
	return &ContractReader{
		caller:  caller,
		address: common.HexToAddress(address),
		abi:     parsed,
		timeout: 10 * time.Second,
	}, nil
}

// Address returns the bound contract address.
func (r *ContractReader) Address() string {
	return r.address.Hex()
}

func (r *ContractReader) call(ctx context.Context, method string, args ...any) ([]any, error) {
	input, err := r.abi.Pack(method, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "pack "+method)
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	to := r.address
	out, err := r.caller.CallContract(ctx, ethereum.CallMsg{To: &to, Data: input}, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "call "+method)
	}
	values, err := r.abi.Unpack(method, out)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUpstreamFormat, err, "unpack "+method)
	}
	return values, nil
}

// GetSession reads getSession(uint256).
func (r *ContractReader) GetSession(ctx context.Context, sessionID *big.Int) (*OnchainSession, error) {
	values, err := r.call(ctx, "getSession", sessionID)
	if err != nil {
		return nil, err
	}
	if len(values) != 6 {
		return nil, xerrors.New(xerrors.CodeUpstreamFormat, "getSession returned an unexpected tuple")
	}
	owner, ok1 := values[0].(common.Address)
	deposited, ok2 := values[1].(*big.Int)
	released, ok3 := values[2].(*big.Int)
	maxSpend, ok4 := values[3].(*big.Int)
	expiresAt, ok5 := values[4].(*big.Int)
	active, ok6 := values[5].(bool)
	if !(ok1 && ok2 && ok3 && ok4 && ok5 && ok6) {
		return nil, xerrors.New(xerrors.CodeUpstreamFormat, "getSession returned unexpected types")
	}
	return &OnchainSession{
		SessionID: new(big.Int).Set(sessionID),
		Owner:     owner.Hex(),
		Deposited: deposited,
		Released:  released,
		MaxSpend:  maxSpend,
		ExpiresAt: time.Unix(expiresAt.Int64(), 0).UTC(),
		Active:    active,
	}, nil
}

// IsAgentAuthorized reads isAgentAuthorized(uint256,address).
func (r *ContractReader) IsAgentAuthorized(ctx context.Context, sessionID *big.Int, agent string) (bool, error) {
	if !common.IsHexAddress(agent) {
		return false, xerrors.New(xerrors.CodeInvalidArgument, "agent is not an address")
	}
	values, err := r.call(ctx, "isAgentAuthorized", sessionID, common.HexToAddress(agent))
	if err != nil {
		return false, err
	}
	v, ok := first[bool](values)
	if !ok {
		return false, xerrors.New(xerrors.CodeUpstreamFormat, "isAgentAuthorized returned an unexpected value")
	}
	return v, nil
}

// RemainingBalance reads remainingBalance(uint256).
func (r *ContractReader) RemainingBalance(ctx context.Context, sessionID *big.Int) (*big.Int, error) {
	return r.uint(ctx, "remainingBalance", sessionID)
}

// AgentSpend reads getAgentSpend(uint256,address).
func (r *ContractReader) AgentSpend(ctx context.Context, sessionID *big.Int, agent string) (*big.Int, error) {
	if !common.IsHexAddress(agent) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "agent is not an address")
	}
	return r.uint(ctx, "getAgentSpend", sessionID, common.HexToAddress(agent))
}

// SessionCounter reads sessionCounter().
func (r *ContractReader) SessionCounter(ctx context.Context) (*big.Int, error) {
	return r.uint(ctx, "sessionCounter")
}

func (r *ContractReader) uint(ctx context.Context, method string, args ...any) (*big.Int, error) {
	values, err := r.call(ctx, method, args...)
	if err != nil {
		return nil, err
	}
	v, ok := first[*big.Int](values)
	if !ok {
		return nil, xerrors.New(xerrors.CodeUpstreamFormat, method+" returned an unexpected value")
	}
	return v, nil
}

func first[T any](values []any) (T, bool) {
	var zero T
	if len(values) != 1 {
		return zero, false
	}
	v, ok := values[0].(T)
	return v, ok
}
