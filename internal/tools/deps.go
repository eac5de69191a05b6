package tools

import (
	"net/http"

	"AgentPay-Chain/internal/bridge"
	"AgentPay-Chain/internal/escrow"
	"AgentPay-Chain/internal/handoff"
	"AgentPay-Chain/internal/payment/resolver"
	"AgentPay-Chain/internal/task"
)

// Deps are the services behind the tools. Nil members disable their tools.
type Deps struct {
	ServiceID  string
	Tracker    *task.Tracker
	Resolver   *resolver.Resolver
	HTTPClient *http.Client
	Sessions   *escrow.Manager
	Handoff    *handoff.Service
	Peer       *bridge.Bridge
}
