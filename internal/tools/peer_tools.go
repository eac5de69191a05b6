package tools

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"

	"AgentPay-Chain/internal/bridge"
	xerrors "AgentPay-Chain/internal/errors"
)

func (s *Server) registerPeer() {
	if s.deps.Peer == nil {
		return
	}
	s.mcp.AddTool(mcp.NewTool("peer_list_tools",
		mcp.WithDescription("List the tools offered by the configured MCP peer."),
	), s.plain(s.peerListTools))

	s.mcp.AddTool(mcp.NewTool("peer_call",
		mcp.WithDescription("Invoke a tool on the configured MCP peer."),
		mcp.WithString("tool", mcp.Required()),
		mcp.WithObject("arguments", mcp.Description("Arguments forwarded to the peer tool")),
		mcp.WithString("agentId"),
	), s.tracked("peer_call", s.peerCall))
}

type peerTool struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

func (s *Server) peerListTools(ctx context.Context, _ mcp.CallToolRequest) (any, error) {
	tools, err := s.deps.Peer.ListTools(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]peerTool, 0, len(tools))
	for _, t := range tools {
		out = append(out, peerTool{Name: t.Name, Description: t.Description})
	}
	return out, nil
}

type peerResult struct {
	Tool string `json:"tool"`
	Text string `json:"text"`
}

func (s *Server) peerCall(ctx context.Context, req mcp.CallToolRequest) (any, error) {
	name, err := requireString(req, "tool")
	if err != nil {
		return nil, err
	}
	args, _ := req.GetArguments()["arguments"].(map[string]any)
	if name == "peer_call" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "peer_call cannot target itself")
	}
	res, err := s.deps.Peer.CallTool(ctx, name, args)
	if err != nil {
		return nil, err
	}
	return peerResult{Tool: name, Text: bridge.ResultText(res)}, nil
}
