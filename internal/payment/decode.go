package payment

import (
	"encoding/json"

	xerrors "AgentPay-Chain/internal/errors"
)

// challengeShapes lists the 402 body layouts seen from resource servers, in
// the order they are tried. Each returns ok=false when its tag is absent.
var challengeShapes = []struct {
	name    string
	extract func(json.RawMessage) (*Requirement, bool)
}{
	{"accepts", func(raw json.RawMessage) (*Requirement, bool) {
		var body struct {
			Accepts []Requirement `json:"accepts"`
		}
		if json.Unmarshal(raw, &body) != nil || len(body.Accepts) == 0 {
			return nil, false
		}
		return &body.Accepts[0], true
	}},
	{"paymentRequirements", func(raw json.RawMessage) (*Requirement, bool) {
		var body struct {
			Req *Requirement `json:"paymentRequirements"`
		}
		if json.Unmarshal(raw, &body) != nil || body.Req == nil {
			return nil, false
		}
		return body.Req, true
	}},
	{"data.paymentRequirements", func(raw json.RawMessage) (*Requirement, bool) {
		var body struct {
			Data *struct {
				Req *Requirement `json:"paymentRequirements"`
			} `json:"data"`
		}
		if json.Unmarshal(raw, &body) != nil || body.Data == nil || body.Data.Req == nil {
			return nil, false
		}
		return body.Data.Req, true
	}},
	{"bare", func(raw json.RawMessage) (*Requirement, bool) {
		var req Requirement
		if json.Unmarshal(raw, &req) != nil || req.PayTo == "" || req.MaxAmountRequired == "" {
			return nil, false
		}
		return &req, true
	}},
}

// DecodeChallenge extracts the payment requirement from a 402 body. Unknown
// layouts fail with UPSTREAM_FORMAT_ERROR instead of passing through.
func DecodeChallenge(body []byte) (Requirement, error) {
	if !json.Valid(body) {
		return Requirement{}, xerrors.New(xerrors.CodeUpstreamFormat, "payment challenge is not JSON")
	}
	for _, shape := range challengeShapes {
		if req, ok := shape.extract(body); ok {
			return *req, nil
		}
	}
	return Requirement{}, xerrors.New(xerrors.CodeUpstreamFormat, "payment challenge has no recognizable requirement")
}

// SettleReply is the normalized reply of POST /api/pay.
type SettleReply struct {
	Success bool   `json:"success"`
	TxHash  string `json:"txHash,omitempty"`
	Network string `json:"network,omitempty"`
	Payer   string `json:"payer,omitempty"`
	Error   string `json:"error,omitempty"`
	Details string `json:"details,omitempty"`
}

// Reason returns the rejection text, preferring error over details.
func (r SettleReply) Reason() string {
	if r.Error != "" {
		return r.Error
	}
	if r.Details != "" {
		return r.Details
	}
	return "settlement rejected"
}

// DecodeSettleReply accepts the flat reply and the result/data wrapped forms.
func DecodeSettleReply(body []byte) (SettleReply, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(body, &top); err != nil {
		return SettleReply{}, xerrors.Wrap(xerrors.CodeUpstreamFormat, err, "settlement reply is not a JSON object")
	}
	for _, key := range []string{"", "result", "data"} {
		raw := json.RawMessage(body)
		if key != "" {
			inner, ok := top[key]
			if !ok {
				continue
			}
			raw = inner
		}
		var fields map[string]json.RawMessage
		if json.Unmarshal(raw, &fields) != nil {
			continue
		}
		if _, ok := fields["success"]; !ok {
			continue
		}
		var reply SettleReply
		if err := json.Unmarshal(raw, &reply); err != nil {
			return SettleReply{}, xerrors.Wrap(xerrors.CodeUpstreamFormat, err, "settlement reply has malformed fields")
		}
		return reply, nil
	}
	return SettleReply{}, xerrors.New(xerrors.CodeUpstreamFormat, "settlement reply has no success flag")
}
