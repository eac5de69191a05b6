package payment

import (
	"testing"

	xerrors "AgentPay-Chain/internal/errors"
)

func TestParseAndFormatUnits(t *testing.T) {
	v, err := ParseUnits("10.00", 6)
	if err != nil {
		t.Fatalf("ParseUnits: %v", err)
	}
	if v.String() != "10000000" {
		t.Fatalf("unexpected base units %s", v)
	}
	if got := FormatUnits(v, 6, 2); got != "10.00" {
		t.Fatalf("FormatUnits = %q", got)
	}
	v, _ = ParseUnits("0.123456", 6)
	if got := FormatUnits(v, 6, 2); got != "0.123456" {
		t.Fatalf("FormatUnits = %q", got)
	}
	if _, err := ParseUnits("0.1234567", 6); !xerrors.IsCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("expected validation error for excess precision, got %v", err)
	}
	if _, err := ParseUnits("-1", 6); err == nil {
		t.Fatalf("negative amounts must be rejected")
	}
}

func TestDecodeChallengeShapes(t *testing.T) {
	cases := map[string]string{
		"accepts": `{"x402Version":1,"accepts":[{"payTo":"0x1","maxAmountRequired":"5","asset":"0x2","network":"base","resource":"r"}]}`,
		"wrapped": `{"paymentRequirements":{"payTo":"0x1","maxAmountRequired":"5","asset":"0x2","network":"base","resource":"r"}}`,
		"data":    `{"data":{"paymentRequirements":{"payTo":"0x1","maxAmountRequired":"5","asset":"0x2","network":"base","resource":"r"}}}`,
		"bare":    `{"payTo":"0x1","maxAmountRequired":"5","asset":"0x2","network":"base","resource":"r"}`,
	}
	for name, body := range cases {
		req, err := DecodeChallenge([]byte(body))
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if req.PayTo != "0x1" || req.MaxAmountRequired != "5" {
			t.Fatalf("%s: decoded %+v", name, req)
		}
	}

	_, err := DecodeChallenge([]byte(`{"message":"pay me"}`))
	if !xerrors.IsCode(err, xerrors.CodeUpstreamFormat) {
		t.Fatalf("expected upstream format error, got %v", err)
	}
}

func TestDecodeSettleReply(t *testing.T) {
	reply, err := DecodeSettleReply([]byte(`{"result":{"success":true,"txHash":"0xabc"}}`))
	if err != nil || !reply.Success || reply.TxHash != "0xabc" {
		t.Fatalf("result wrapper: %+v %v", reply, err)
	}
	reply, err = DecodeSettleReply([]byte(`{"success":false,"details":"nonce used"}`))
	if err != nil || reply.Success || reply.Reason() != "nonce used" {
		t.Fatalf("flat rejection: %+v %v", reply, err)
	}
	if _, err := DecodeSettleReply([]byte(`{"ok":true}`)); !xerrors.IsCode(err, xerrors.CodeUpstreamFormat) {
		t.Fatalf("expected upstream format error, got %v", err)
	}
}

func TestHeaderCarriesSignature(t *testing.T) {
	auth := Authorization{From: "0xa", To: "0xb", Value: "1", ValidAfter: "0", ValidBefore: "9", Nonce: "0x01", Signature: "0xsig"}
	header, err := EncodeHeader("base-sepolia", auth)
	if err != nil {
		t.Fatalf("EncodeHeader: %v", err)
	}
	payload, decoded, err := DecodeHeader(header)
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if payload.Network != "base-sepolia" || decoded.Signature != "0xsig" || payload.Payload.Authorization.Signature != "" {
		t.Fatalf("unexpected decode: %+v %+v", payload, decoded)
	}
}
