package payment

import (
	"encoding/base64"
	"encoding/json"

	xerrors "AgentPay-Chain/internal/errors"
)

// ExactPayload is the scheme-specific body of an X-PAYMENT header.
type ExactPayload struct {
	Signature     string        `json:"signature"`
	Authorization Authorization `json:"authorization"`
}

// PaymentPayload is the decoded X-PAYMENT header.
type PaymentPayload struct {
	X402Version int          `json:"x402Version"`
	Scheme      string       `json:"scheme"`
	Network     string       `json:"network"`
	Payload     ExactPayload `json:"payload"`
}

// EncodeHeader builds the base64 X-PAYMENT header value for a signed
// authorization.
func EncodeHeader(network string, auth Authorization) (string, error) {
	sig := auth.Signature
	auth.Signature = ""
	raw, err := json.Marshal(PaymentPayload{
		X402Version: X402Version,
		Scheme:      SchemeExact,
		Network:     network,
		Payload:     ExactPayload{Signature: sig, Authorization: auth},
	})
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "encode payment header")
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeHeader reverses EncodeHeader and returns the authorization with its
// signature folded back in.
func DecodeHeader(header string) (PaymentPayload, Authorization, error) {
	raw, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return PaymentPayload{}, Authorization{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "payment header is not base64")
	}
	var payload PaymentPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return PaymentPayload{}, Authorization{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "payment header is not JSON")
	}
	if payload.Payload.Signature == "" {
		return PaymentPayload{}, Authorization{}, xerrors.New(xerrors.CodeInvalidArgument, "payment header has no signature")
	}
	auth := payload.Payload.Authorization
	auth.Signature = payload.Payload.Signature
	return payload, auth, nil
}

// EncodeSettlementHeader renders a settlement for X-PAYMENT-RESPONSE.
func EncodeSettlementHeader(s Settlement) string {
	raw, err := json.Marshal(s)
	if err != nil {
		return ""
	}
	return base64.StdEncoding.EncodeToString(raw)
}
