// Package tools exposes the payment, escrow and handoff operations as MCP
// tools. Every billable tool call is wrapped in a task artifact.
package tools

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/task"
	"AgentPay-Chain/pkg/logger"
)

// Server wraps an mcp-go server with the AgentPay tool set.
type Server struct {
	mcp  *server.MCPServer
	deps Deps
	log  *slog.Logger
}

// New registers every tool whose dependency is present in deps.
func New(name, version string, deps Deps) *Server {
	if deps.ServiceID == "" {
		deps.ServiceID = "agentpay-mcp"
	}
	s := &Server{
		mcp:  server.NewMCPServer(name, version, server.WithToolCapabilities(false)),
		deps: deps,
		log:  logger.Named("tools"),
	}
	s.registerPayment()
	s.registerSessions()
	s.registerHandoff()
	s.registerPeer()
	return s
}

// MCPServer returns the underlying server.
func (s *Server) MCPServer() *server.MCPServer { return s.mcp }

// Handler serves the tools over streamable HTTP.
func (s *Server) Handler() http.Handler {
	return server.NewStreamableHTTPServer(s.mcp)
}

type toolFunc func(ctx context.Context, req mcp.CallToolRequest) (any, error)

// tracked runs fn inside a task artifact and renders its outcome. Errors come
// back as tool errors carrying {code,message} JSON, or the partial output when
// fn returned one alongside the error.
func (s *Server) tracked(tool string, fn toolFunc) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		exec := func(ctx context.Context) (any, error) { return fn(ctx, req) }
		var (
			out any
			err error
		)
		if s.deps.Tracker != nil {
			out, err = s.deps.Tracker.WithArtifact(ctx, task.Invocation{
				AgentID:   req.GetString("agentId", "mcp"),
				ServiceID: s.deps.ServiceID,
				ToolName:  tool,
				Inputs:    req.GetArguments(),
			}, exec)
		} else {
			out, err = exec(ctx)
		}
		if err != nil {
			s.log.Warn("tool call failed",
				slog.String("tool", tool),
				slog.String("code", string(xerrors.CodeOf(err))),
				slog.Any("error", err),
			)
			if out != nil {
				// Typed nil pointers marshal to null and fall through.
				if raw, mErr := json.Marshal(out); mErr == nil && string(raw) != "null" {
					return mcp.NewToolResultError(string(raw)), nil
				}
			}
			return errorResult(err), nil
		}
		return jsonResult(out)
	}
}

// plain renders fn without an artifact, for read-only tools.
func (s *Server) plain(fn toolFunc) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		out, err := fn(ctx, req)
		if err != nil {
			return errorResult(err), nil
		}
		return jsonResult(out)
	}
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUnknown, err, "encode tool result")
	}
	return mcp.NewToolResultText(string(raw)), nil
}

func errorResult(err error) *mcp.CallToolResult {
	raw, _ := json.Marshal(map[string]xerrors.Detail{"error": xerrors.DetailOf(err)})
	return mcp.NewToolResultError(string(raw))
}

func requireString(req mcp.CallToolRequest, key string) (string, error) {
	v, err := req.RequireString(key)
	if err != nil || v == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, key+" is required")
	}
	return v, nil
}
