package eip3009

import (
	"context"
	"strconv"
	"testing"
	"time"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/payment"
)

const (
	testKey     = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	testAddress = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
)

func testRequirement() payment.Requirement {
	return payment.Requirement{
		Network:           "base-sepolia",
		MaxAmountRequired: "1000000",
		Asset:             "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		PayTo:             "0x209693Bc6afc0C5328bA36FaF03C514EF312287C",
		Resource:          "https://api.example.com/premium",
		MaxTimeoutSeconds: 120,
	}
}

func TestSignProducesVerifiableAuthorization(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	signer, err := NewSigner("0x"+testKey, WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	if signer.Address() != testAddress {
		t.Fatalf("unexpected address %s", signer.Address())
	}

	req := testRequirement()
	auth, err := signer.Sign(context.Background(), req)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if auth.ValidAfter != strconv.FormatInt(now.Unix()-60, 10) {
		t.Fatalf("validAfter = %s", auth.ValidAfter)
	}
	if auth.ValidBefore != strconv.FormatInt(now.Unix()+120, 10) {
		t.Fatalf("validBefore = %s", auth.ValidBefore)
	}
	if err := Verify(*auth, req, nil); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	tampered := *auth
	tampered.Value = "2000000"
	if err := Verify(tampered, req, nil); !xerrors.IsCode(err, xerrors.CodeSettlementRejected) {
		t.Fatalf("tampered authorization verified: %v", err)
	}
}

func TestSignUsesDefaultTimeout(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	signer, _ := NewSigner(testKey, WithClock(func() time.Time { return now }))
	req := testRequirement()
	req.MaxTimeoutSeconds = 0
	auth, err := signer.Sign(context.Background(), req)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if auth.ValidBefore != strconv.FormatInt(now.Unix()+300, 10) {
		t.Fatalf("validBefore = %s", auth.ValidBefore)
	}
}

func TestSignRejectsClosedWindow(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	signer, _ := NewSigner(testKey, WithClock(func() time.Time { return now }))
	req := testRequirement()
	req.ValidBefore = now.Unix() - 1
	if _, err := signer.Sign(context.Background(), req); !xerrors.IsCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestMissingKeyIsSignerUnavailable(t *testing.T) {
	if _, err := NewSigner(""); !xerrors.IsCode(err, xerrors.CodeSignerUnavailable) {
		t.Fatalf("expected signer unavailable, got %v", err)
	}
	var s *Signer
	if _, err := s.Sign(context.Background(), testRequirement()); !xerrors.IsCode(err, xerrors.CodeSignerUnavailable) {
		t.Fatalf("expected signer unavailable, got %v", err)
	}
}

func TestChainID(t *testing.T) {
	id, err := ChainID("eip155:84532", nil)
	if err != nil || id.Int64() != 84532 {
		t.Fatalf("eip155 form: %v %v", id, err)
	}
	id, err = ChainID("local", map[string]int64{"local": 31337})
	if err != nil || id.Int64() != 31337 {
		t.Fatalf("custom network: %v %v", id, err)
	}
	if _, err := ChainID("mars", nil); err == nil {
		t.Fatalf("unknown network accepted")
	}
}
