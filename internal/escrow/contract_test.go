package escrow

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	xerrors "AgentPay-Chain/internal/errors"
)

// abiCaller answers eth_call by decoding the selector and packing canned
// outputs for the matching method.
type abiCaller struct {
	t       *testing.T
	abi     abi.ABI
	outputs map[string][]any
	err     error
	lastTo  common.Address
}

func newABICaller(t *testing.T) *abiCaller {
	parsed, err := abi.JSON(strings.NewReader(escrowABI))
	if err != nil {
		t.Fatalf("parse abi: %v", err)
	}
	return &abiCaller{t: t, abi: parsed, outputs: map[string][]any{}}
}

func (c *abiCaller) CallContract(_ context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if c.err != nil {
		return nil, c.err
	}
	c.lastTo = *call.To
	method, err := c.abi.MethodById(call.Data[:4])
	if err != nil {
		c.t.Fatalf("unknown selector %x", call.Data[:4])
	}
	return method.Outputs.Pack(c.outputs[method.Name]...)
}

func TestContractReaderGetSession(t *testing.T) {
	caller := newABICaller(t)
	caller.outputs["getSession"] = []any{
		common.HexToAddress(ownerAddr), big.NewInt(10_000_000), big.NewInt(4_000_000),
		big.NewInt(10_000_000), big.NewInt(1_800_000_000), true,
	}
	reader, err := NewContractReader(caller, escrowAddr)
	if err != nil {
		t.Fatalf("new reader: %v", err)
	}
	s, err := reader.GetSession(context.Background(), big.NewInt(7))
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if s.Owner != common.HexToAddress(ownerAddr).Hex() || s.Released.Int64() != 4_000_000 || !s.Active || s.ExpiresAt.Unix() != 1_800_000_000 {
		t.Fatalf("unexpected session: %+v", s)
	}
	if caller.lastTo != common.HexToAddress(escrowAddr) {
		t.Fatalf("call sent to %s", caller.lastTo.Hex())
	}
}

func TestContractReaderScalars(t *testing.T) {
	caller := newABICaller(t)
	caller.outputs["isAgentAuthorized"] = []any{true}
	caller.outputs["remainingBalance"] = []any{big.NewInt(6_000_000)}
	caller.outputs["getAgentSpend"] = []any{big.NewInt(4_000_000)}
	caller.outputs["sessionCounter"] = []any{big.NewInt(42)}
	reader, err := NewContractReader(caller, escrowAddr)
	if err != nil {
		t.Fatalf("new reader: %v", err)
	}
	ctx := context.Background()
	id := big.NewInt(1)

	if ok, err := reader.IsAgentAuthorized(ctx, id, agentA); err != nil || !ok {
		t.Fatalf("isAgentAuthorized: %v %v", ok, err)
	}
	if v, err := reader.RemainingBalance(ctx, id); err != nil || v.Int64() != 6_000_000 {
		t.Fatalf("remainingBalance: %v %v", v, err)
	}
	if v, err := reader.AgentSpend(ctx, id, agentA); err != nil || v.Int64() != 4_000_000 {
		t.Fatalf("getAgentSpend: %v %v", v, err)
	}
	if v, err := reader.SessionCounter(ctx); err != nil || v.Int64() != 42 {
		t.Fatalf("sessionCounter: %v %v", v, err)
	}
	if _, err := reader.AgentSpend(ctx, id, "nope"); !xerrors.IsCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("bad agent should fail validation: %v", err)
	}
}

func TestContractReaderSelectors(t *testing.T) {
	parsed, _ := abi.JSON(strings.NewReader(escrowABI))
	want := map[string]string{
		"getSession":        "getSession(uint256)",
		"isAgentAuthorized": "isAgentAuthorized(uint256,address)",
		"remainingBalance":  "remainingBalance(uint256)",
		"getAgentSpend":     "getAgentSpend(uint256,address)",
		"sessionCounter":    "sessionCounter()",
	}
	for name, sig := range want {
		if got := parsed.Methods[name].Sig; got != sig {
			t.Fatalf("%s signature = %s, want %s", name, got, sig)
		}
	}
}

func TestContractReaderCallFailure(t *testing.T) {
	caller := newABICaller(t)
	caller.err = errors.New("connection refused")
	reader, _ := NewContractReader(caller, escrowAddr)
	if _, err := reader.SessionCounter(context.Background()); !xerrors.IsCode(err, xerrors.CodeChainFailure) {
		t.Fatalf("expected chain failure, got %v", err)
	}
	if _, err := NewContractReader(caller, "bad"); err == nil {
		t.Fatalf("invalid address should be rejected")
	}
}
