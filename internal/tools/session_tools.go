package tools

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"

	"AgentPay-Chain/internal/escrow"
	"AgentPay-Chain/internal/task"
)

func (s *Server) registerSessions() {
	if s.deps.Sessions == nil {
		return
	}
	s.mcp.AddTool(mcp.NewTool("session_create",
		mcp.WithDescription("Create an escrow session and return the funding requirement."),
		mcp.WithString("owner", mcp.Required(), mcp.Description("Owner wallet address")),
		mcp.WithString("maxSpend", mcp.Required(), mcp.Description("Budget in token units, e.g. \"10.00\"")),
		mcp.WithNumber("durationHours", mcp.Required(), mcp.Description("Session lifetime in hours")),
	), s.tracked("session_create", s.sessionCreate))

	s.mcp.AddTool(mcp.NewTool("session_status",
		mcp.WithDescription("Read an escrow session. Unknown ids report found=false."),
		mcp.WithString("sessionId", mcp.Required()),
	), s.plain(s.sessionStatus))

	s.mcp.AddTool(mcp.NewTool("session_check",
		mcp.WithDescription("Check whether an agent may spend an amount from a session."),
		mcp.WithString("sessionId", mcp.Required()),
		mcp.WithString("agent", mcp.Required()),
		mcp.WithString("amount", mcp.Required()),
	), s.plain(s.sessionCheck))

	s.mcp.AddTool(mcp.NewTool("session_release",
		mcp.WithDescription("Release an amount from a session to an authorized agent."),
		mcp.WithString("sessionId", mcp.Required()),
		mcp.WithString("agent", mcp.Required()),
		mcp.WithString("amount", mcp.Required()),
		mcp.WithString("executionId", mcp.Description("Idempotency key; defaults to the task artifact id")),
		mcp.WithString("agentId"),
	), s.tracked("session_release", s.sessionRelease))

	s.mcp.AddTool(mcp.NewTool("session_close",
		mcp.WithDescription("Close a session and refund the remaining budget to the owner."),
		mcp.WithString("sessionId", mcp.Required()),
	), s.tracked("session_close", s.sessionClose))
}

type createdSession struct {
	Session     *escrow.View `json:"session"`
	Requirement any          `json:"paymentRequest"`
}

func (s *Server) sessionCreate(ctx context.Context, req mcp.CallToolRequest) (any, error) {
	owner, err := requireString(req, "owner")
	if err != nil {
		return nil, err
	}
	maxSpend, err := requireString(req, "maxSpend")
	if err != nil {
		return nil, err
	}
	view, requirement, err := s.deps.Sessions.Create(ctx, owner, maxSpend, req.GetInt("durationHours", 0))
	if err != nil {
		return nil, err
	}
	return createdSession{Session: view, Requirement: requirement}, nil
}

type sessionStatus struct {
	Found   bool         `json:"found"`
	Status  string       `json:"status,omitempty"`
	Session *escrow.View `json:"session,omitempty"`
}

func (s *Server) sessionStatus(ctx context.Context, req mcp.CallToolRequest) (any, error) {
	id, err := requireString(req, "sessionId")
	if err != nil {
		return nil, err
	}
	view, found, err := s.deps.Sessions.Status(ctx, id)
	if err != nil {
		return nil, err
	}
	if !found {
		return sessionStatus{Found: false, Status: "not_found"}, nil
	}
	return sessionStatus{Found: true, Status: string(view.Status), Session: &view}, nil
}

func (s *Server) sessionCheck(ctx context.Context, req mcp.CallToolRequest) (any, error) {
	id, err := requireString(req, "sessionId")
	if err != nil {
		return nil, err
	}
	agent, err := requireString(req, "agent")
	if err != nil {
		return nil, err
	}
	amount, err := requireString(req, "amount")
	if err != nil {
		return nil, err
	}
	return s.deps.Sessions.CanExecute(ctx, id, agent, amount)
}

func (s *Server) sessionRelease(ctx context.Context, req mcp.CallToolRequest) (any, error) {
	id, err := requireString(req, "sessionId")
	if err != nil {
		return nil, err
	}
	agent, err := requireString(req, "agent")
	if err != nil {
		return nil, err
	}
	amount, err := requireString(req, "amount")
	if err != nil {
		return nil, err
	}
	executionID := req.GetString("executionId", "")
	if executionID == "" {
		executionID, _ = task.ArtifactIDFromContext(ctx)
	}
	return s.deps.Sessions.Release(ctx, id, agent, amount, executionID)
}

func (s *Server) sessionClose(ctx context.Context, req mcp.CallToolRequest) (any, error) {
	id, err := requireString(req, "sessionId")
	if err != nil {
		return nil, err
	}
	return s.deps.Sessions.Close(ctx, id)
}
