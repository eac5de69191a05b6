// Package eip3009 signs and verifies EIP-3009 TransferWithAuthorization
// messages using EIP-712 typed data.
package eip3009

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/payment"
)

// Default token domain, matching Circle's USDC deployments.
const (
	DefaultDomainName    = "USD Coin"
	DefaultDomainVersion = "2"
)

// KnownChainIDs maps x402 network names to EVM chain ids.
var KnownChainIDs = map[string]int64{
	"ethereum":       1,
	"sepolia":        11155111,
	"base":           8453,
	"base-sepolia":   84532,
	"polygon":        137,
	"polygon-amoy":   80002,
	"avalanche":      43114,
	"avalanche-fuji": 43113,
}

// ChainID resolves a network name, an "eip155:<id>" identifier, or an entry
// of extra.
func ChainID(network string, extra map[string]int64) (*big.Int, error) {
	network = strings.ToLower(strings.TrimSpace(network))
	if id, ok := extra[network]; ok {
		return big.NewInt(id), nil
	}
	if id, ok := KnownChainIDs[network]; ok {
		return big.NewInt(id), nil
	}
	if rest, ok := strings.CutPrefix(network, "eip155:"); ok {
		id, err := strconv.ParseInt(rest, 10, 64)
		if err == nil && id > 0 {
			return big.NewInt(id), nil
		}
	}
	return nil, xerrors.New(xerrors.CodeInvalidArgument, "unsupported network "+network)
}

// Signer holds the payer key. It never submits transactions.
type Signer struct {
	key      *ecdsa.PrivateKey
	address  common.Address
	chainIDs map[string]int64
	name     string
	version  string
	now      func() time.Time
}

// Option customises a Signer.
type Option func(*Signer)

// WithChainIDs registers additional network names.
func WithChainIDs(ids map[string]int64) Option {
	return func(s *Signer) {
		for k, v := range ids {
			s.chainIDs[strings.ToLower(k)] = v
		}
	}
}

// WithDefaultDomain sets the EIP-712 domain used when a requirement has no
// extra.name/extra.version.
func WithDefaultDomain(name, version string) Option {
	return func(s *Signer) {
		if name != "" {
			s.name = name
		}
		if version != "" {
			s.version = version
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Signer) {
		if now != nil {
			s.now = now
		}
	}
}

// NewSigner parses a hex private key (with or without 0x).
func NewSigner(hexKey string, opts ...Option) (*Signer, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if hexKey == "" {
		return nil, xerrors.New(xerrors.CodeSignerUnavailable, "no signing key configured")
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeSignerUnavailable, err, "invalid signing key")
	}
	s := &Signer{
		key:      key,
		address:  crypto.PubkeyToAddress(key.PublicKey),
		chainIDs: make(map[string]int64),
		name:     DefaultDomainName,
		version:  DefaultDomainVersion,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Address returns the payer address.
func (s *Signer) Address() string {
	if s == nil {
		return ""
	}
	return s.address.Hex()
}

// Sign produces a one-time authorization for req valid from now-60s until
// now+maxTimeoutSeconds, clamped to the requirement's own validBefore.
func (s *Signer) Sign(_ context.Context, req payment.Requirement) (*payment.Authorization, error) {
	if s == nil || s.key == nil {
		return nil, xerrors.New(xerrors.CodeSignerUnavailable, "no signer configured")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	chainID, err := ChainID(req.Network, s.chainIDs)
	if err != nil {
		return nil, err
	}
	value, _ := payment.ParseBaseUnits(req.MaxAmountRequired)

	now := s.now()
	validAfter := now.Add(-payment.ClockSkew).Unix()
	validBefore := now.Add(req.Timeout()).Unix()
	if req.ValidBefore > 0 && req.ValidBefore < validBefore {
		validBefore = req.ValidBefore
	}
	if validBefore <= now.Unix() {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "requirement validity window has already closed")
	}
	if req.ValidAfter > validAfter {
		validAfter = req.ValidAfter
	}

	nonce, err := GenerateNonce()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeSignerUnavailable, err, "generate nonce")
	}

	auth := payment.Authorization{
		From:        s.address.Hex(),
		To:          common.HexToAddress(req.PayTo).Hex(),
		Value:       value.String(),
		ValidAfter:  strconv.FormatInt(validAfter, 10),
		ValidBefore: strconv.FormatInt(validBefore, 10),
		Nonce:       hexutil.Encode(nonce[:]),
	}
	name, version := s.domain(req)
	digest, err := Digest(auth, common.HexToAddress(req.Asset), chainID, name, version)
	if err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(digest, s.key)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeSignerUnavailable, err, "sign authorization")
	}
	sig[64] += 27
	auth.Signature = "0x" + hex.EncodeToString(sig)
	return &auth, nil
}

func (s *Signer) domain(req payment.Requirement) (string, string) {
	name, version := s.name, s.version
	if req.Extra != nil {
		if req.Extra.Name != "" {
			name = req.Extra.Name
		}
		if req.Extra.Version != "" {
			version = req.Extra.Version
		}
	}
	return name, version
}

// GenerateNonce returns 32 random bytes.
func GenerateNonce() ([32]byte, error) {
	var nonce [32]byte
	_, err := rand.Read(nonce[:])
	return nonce, err
}

// TypedData builds the EIP-712 structure for auth.
func TypedData(auth payment.Authorization, token common.Address, chainID *big.Int, name, version string) (apitypes.TypedData, error) {
	fields := map[string]*big.Int{}
	for key, raw := range map[string]string{"value": auth.Value, "validAfter": auth.ValidAfter, "validBefore": auth.ValidBefore} {
		v, ok := new(big.Int).SetString(raw, 10)
		if !ok {
			return apitypes.TypedData{}, xerrors.New(xerrors.CodeInvalidArgument, "authorization field "+key+" is not an integer")
		}
		fields[key] = v
	}
	nonce, err := hexutil.Decode(auth.Nonce)
	if err != nil || len(nonce) != 32 {
		return apitypes.TypedData{}, xerrors.New(xerrors.CodeInvalidArgument, "authorization nonce must be 32 bytes")
	}
	if !common.IsHexAddress(auth.From) || !common.IsHexAddress(auth.To) {
		return apitypes.TypedData{}, xerrors.New(xerrors.CodeInvalidArgument, "authorization from/to must be addresses")
	}

	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"TransferWithAuthorization": []apitypes.Type{
				{Name: "from", Type: "address"},
				{Name: "to", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "validAfter", Type: "uint256"},
				{Name: "validBefore", Type: "uint256"},
				{Name: "nonce", Type: "bytes32"},
			},
		},
		PrimaryType: "TransferWithAuthorization",
		Domain: apitypes.TypedDataDomain{
			Name:              name,
			Version:           version,
			ChainId:           (*math.HexOrDecimal256)(chainID),
			VerifyingContract: token.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"from":        common.HexToAddress(auth.From).Hex(),
			"to":          common.HexToAddress(auth.To).Hex(),
			"value":       (*math.HexOrDecimal256)(fields["value"]),
			"validAfter":  (*math.HexOrDecimal256)(fields["validAfter"]),
			"validBefore": (*math.HexOrDecimal256)(fields["validBefore"]),
			"nonce":       common.BytesToHash(nonce).Hex(),
		},
	}, nil
}

// Digest returns keccak256("\x19\x01" || domainSeparator || structHash).
func Digest(auth payment.Authorization, token common.Address, chainID *big.Int, name, version string) ([]byte, error) {
	typed, err := TypedData(auth, token, chainID, name, version)
	if err != nil {
		return nil, err
	}
	domainSeparator, err := typed.HashStruct("EIP712Domain", typed.Domain.Map())
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "hash EIP-712 domain")
	}
	messageHash, err := typed.HashStruct(typed.PrimaryType, typed.Message)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "hash authorization message")
	}
	raw := append([]byte{0x19, 0x01}, append(domainSeparator, messageHash...)...)
	return crypto.Keccak256(raw), nil
}

// Recover returns the address that produced auth.Signature.
func Recover(auth payment.Authorization, token common.Address, chainID *big.Int, name, version string) (common.Address, error) {
	sig, err := hexutil.Decode(auth.Signature)
	if err != nil || len(sig) != crypto.SignatureLength {
		return common.Address{}, xerrors.New(xerrors.CodeSettlementRejected, "malformed signature")
	}
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	digest, err := Digest(auth, token, chainID, name, version)
	if err != nil {
		return common.Address{}, err
	}
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return common.Address{}, xerrors.Wrap(xerrors.CodeSettlementRejected, err, "recover signer")
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Verify checks that auth was signed by auth.From for the given requirement
// and that it pays at least maxAmountRequired to payTo.
func Verify(auth payment.Authorization, req payment.Requirement, chainIDs map[string]int64) error {
	chainID, err := ChainID(req.Network, chainIDs)
	if err != nil {
		return err
	}
	if !strings.EqualFold(auth.To, req.PayTo) {
		return xerrors.New(xerrors.CodeSettlementRejected, "authorization recipient does not match payTo")
	}
	value, ok := new(big.Int).SetString(auth.Value, 10)
	required, reqErr := payment.ParseBaseUnits(req.MaxAmountRequired)
	if !ok || reqErr != nil || value.Cmp(required) < 0 {
		return xerrors.New(xerrors.CodeSettlementRejected, "authorization value below maxAmountRequired")
	}
	name, version := Domain(req)
	signer, err := Recover(auth, common.HexToAddress(req.Asset), chainID, name, version)
	if err != nil {
		return err
	}
	if signer != common.HexToAddress(auth.From) {
		return xerrors.New(xerrors.CodeSettlementRejected, fmt.Sprintf("signature is from %s, not %s", signer.Hex(), auth.From))
	}
	return nil
}

// Domain returns the token's EIP-712 name and version, falling back to the
// USDC defaults.
func Domain(req payment.Requirement) (string, string) {
	name, version := DefaultDomainName, DefaultDomainVersion
	if req.Extra != nil {
		if req.Extra.Name != "" {
			name = req.Extra.Name
		}
		if req.Extra.Version != "" {
			version = req.Extra.Version
		}
	}
	return name, version
}

// AuthorizationDigest is Digest for the requirement's token and network.
func AuthorizationDigest(auth payment.Authorization, req payment.Requirement, chainIDs map[string]int64) (common.Hash, error) {
	chainID, err := ChainID(req.Network, chainIDs)
	if err != nil {
		return common.Hash{}, err
	}
	name, version := Domain(req)
	digest, err := Digest(auth, common.HexToAddress(req.Asset), chainID, name, version)
	if err != nil {
		return common.Hash{}, err
	}
	return common.BytesToHash(digest), nil
}
