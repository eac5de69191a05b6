package tools

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/handoff"
)

func (s *Server) registerHandoff() {
	if s.deps.Handoff == nil {
		return
	}
	s.mcp.AddTool(mcp.NewTool("handoff_prepare",
		mcp.WithDescription("Record an unsigned transaction for an external wallet to sign. Never signs or broadcasts."),
		mcp.WithNumber("chainId", mcp.Required()),
		mcp.WithString("to", mcp.Required()),
		mcp.WithString("data", mcp.Description("0x-prefixed calldata")),
		mcp.WithString("value", mcp.Description("Wei as a decimal string")),
		mcp.WithString("description"),
		mcp.WithString("agentId"),
	), s.tracked("handoff_prepare", s.handoffPrepare))

	s.mcp.AddTool(mcp.NewTool("handoff_status",
		mcp.WithDescription("Poll a prepared transaction. Unknown ids report status not_found."),
		mcp.WithString("id", mcp.Required()),
	), s.plain(s.handoffStatus))
}

func (s *Server) handoffPrepare(ctx context.Context, req mcp.CallToolRequest) (any, error) {
	to, err := requireString(req, "to")
	if err != nil {
		return nil, err
	}
	chainID := req.GetInt("chainId", 0)
	if chainID <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "chainId is required")
	}
	return s.deps.Handoff.Prepare(ctx, handoff.PrepareRequest{
		ChainID:     int64(chainID),
		To:          to,
		Data:        req.GetString("data", ""),
		Value:       req.GetString("value", ""),
		Description: req.GetString("description", ""),
	})
}

func (s *Server) handoffStatus(ctx context.Context, req mcp.CallToolRequest) (any, error) {
	id, err := requireString(req, "id")
	if err != nil {
		return nil, err
	}
	view, _, err := s.deps.Handoff.Status(ctx, id)
	return view, err
}
