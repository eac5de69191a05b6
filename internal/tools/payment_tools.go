package tools

import (
	"context"
	"net/http"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/payment"
	"AgentPay-Chain/internal/payment/resolver"
)

// paidResponse is the agent-facing rendering of resolver.Result.
type paidResponse struct {
	Status      resolver.Status      `json:"status"`
	StatusCode  int                  `json:"statusCode,omitempty"`
	Body        string               `json:"body,omitempty"`
	Requirement *payment.Requirement `json:"requirement,omitempty"`
	Settlement  *payment.Settlement  `json:"settlement,omitempty"`
	Error       *xerrors.Detail      `json:"error,omitempty"`
}

func (s *Server) registerPayment() {
	if s.deps.Resolver == nil {
		return
	}
	tool := mcp.NewTool("pay_request",
		mcp.WithDescription("Request an x402-protected resource, paying the 402 challenge when autoPay is set."),
		mcp.WithString("url", mcp.Required(), mcp.Description("Resource URL")),
		mcp.WithString("method", mcp.Description("HTTP method, GET by default")),
		mcp.WithString("body", mcp.Description("JSON request body")),
		mcp.WithBoolean("autoPay", mcp.Description("Sign and settle the challenge automatically")),
		mcp.WithString("agentId", mcp.Description("Calling agent, recorded on the task artifact")),
	)
	s.mcp.AddTool(tool, s.tracked("pay_request", s.payRequest))
}

func (s *Server) payRequest(ctx context.Context, req mcp.CallToolRequest) (any, error) {
	url, err := requireString(req, "url")
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "url must be http or https")
	}
	method := strings.ToUpper(req.GetString("method", http.MethodGet))
	var body []byte
	if raw := req.GetString("body", ""); raw != "" {
		body = []byte(raw)
	}
	call := resolver.HTTPResourceCall(s.deps.HTTPClient, method, url, body, 0)
	result, err := s.deps.Resolver.RequestWithPayment(ctx, call, req.GetBool("autoPay", false))
	if err != nil {
		return nil, err
	}
	out := paidResponse{
		Status:      result.Status,
		StatusCode:  result.StatusCode,
		Body:        string(result.Body),
		Requirement: result.Requirement,
		Settlement:  result.Settlement,
		Error:       result.Error,
	}
	if result.Status == resolver.StatusPaymentFailed && result.Error != nil {
		// The artifact records the failure; the agent still gets the full result.
		return out, xerrors.New(result.Error.Code, result.Error.Message)
	}
	return out, nil
}
