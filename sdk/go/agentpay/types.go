package agentpay

import (
	"encoding/json"
	"time"
)

// Requirement is the x402 payment requirement a session deposit must satisfy.
type Requirement struct {
	Scheme            string `json:"scheme,omitempty"`
	Network           string `json:"network"`
	MaxAmountRequired string `json:"maxAmountRequired"`
	Asset             string `json:"asset"`
	PayTo             string `json:"payTo"`
	Resource          string `json:"resource"`
	Description       string `json:"description,omitempty"`
	MaxTimeoutSeconds int    `json:"maxTimeoutSeconds,omitempty"`
}

// Session is the operator view of an escrow session. Amounts are decimal
// strings in whole token units.
type Session struct {
	SessionID        string    `json:"sessionId"`
	OwnerAddress     string    `json:"ownerAddress"`
	MaxSpend         string    `json:"maxSpend"`
	Deposited        string    `json:"deposited"`
	Released         string    `json:"released"`
	Refunded         string    `json:"refunded"`
	Remaining        string    `json:"remaining"`
	Status           string    `json:"status"`
	IsActive         bool      `json:"isActive"`
	ExpiresAt        time.Time `json:"expiresAt"`
	AuthorizedAgents []string  `json:"authorizedAgents"`
	ActivationTx     string    `json:"activationTx,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`

	// Found is false when the server reported the session as not_found.
	Found bool `json:"-"`
}

// CreatedSession is returned by CreateSession.
type CreatedSession struct {
	Session        Session     `json:"session"`
	PaymentRequest Requirement `json:"paymentRequest"`
}

// CheckResult answers whether an agent may spend an amount right now.
type CheckResult struct {
	Allowed   bool   `json:"allowed"`
	Reason    string `json:"reason,omitempty"`
	Remaining string `json:"remaining"`
}

// Release is the outcome of a payment released to an agent.
type Release struct {
	SessionID   string `json:"sessionId"`
	ExecutionID string `json:"executionId"`
	Agent       string `json:"agent"`
	Amount      string `json:"amount"`
	TxHash      string `json:"txHash"`
	Released    string `json:"released"`
	Remaining   string `json:"remaining"`
	Duplicate   bool   `json:"duplicate,omitempty"`
}

// Refund is the outcome of a refund or close.
type Refund struct {
	SessionID    string    `json:"sessionId"`
	RefundAmount string    `json:"refundAmount"`
	TxHash       string    `json:"txHash"`
	ClosedAt     time.Time `json:"closedAt"`
}

// SessionEvent is one entry of a session's audit trail.
type SessionEvent struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"sessionId"`
	Type         string    `json:"eventType"`
	ActorAddress string    `json:"actorAddress,omitempty"`
	Amount       int64     `json:"amount"`
	TxHash       string    `json:"txHash,omitempty"`
	ExecutionID  string    `json:"executionId,omitempty"`
	Reversed     bool      `json:"reversed,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Task states.
const (
	TaskIdle    = "idle"
	TaskPending = "pending"
	TaskSettled = "settled"
	TaskFailed  = "failed"
)

// TaskFailure is the error recorded on a failed task.
type TaskFailure struct {
	Code      string `json:"code"`
	Cause     string `json:"cause,omitempty"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// Task is a tracked tool execution artifact.
type Task struct {
	ID        string          `json:"task_id"`
	AgentID   string          `json:"agent_id"`
	ServiceID string          `json:"service_id"`
	ToolName  string          `json:"tool_name,omitempty"`
	Inputs    json.RawMessage `json:"inputs,omitempty"`
	State     string          `json:"state"`
	Outputs   json.RawMessage `json:"outputs,omitempty"`
	Failure   *TaskFailure    `json:"error,omitempty"`
	CreatedAt int64           `json:"created_at"`
	UpdatedAt int64           `json:"updated_at"`
}

// NewTask describes a task to start tracking.
type NewTask struct {
	ID        string          `json:"task_id,omitempty"`
	AgentID   string          `json:"agent_id"`
	ServiceID string          `json:"service_id"`
	ToolName  string          `json:"tool_name,omitempty"`
	Inputs    json.RawMessage `json:"inputs,omitempty"`
}

// TaskQuery filters ListTasks. Zero values are omitted.
type TaskQuery struct {
	States    []string
	AgentID   string
	ServiceID string
	Since     time.Time
	Until     time.Time
	Limit     int
	Offset    int
	Ascending bool
	Search    string
}

// TaskStats summarises tracked tasks.
type TaskStats struct {
	Total     int `json:"total"`
	Idle      int `json:"idle"`
	Pending   int `json:"pending"`
	Settled   int `json:"settled"`
	Failed    int `json:"failed"`
	Retryable int `json:"retryable"`
}

// HandoffRequest describes a transaction for a human wallet to sign.
type HandoffRequest struct {
	ChainID     int64  `json:"chainId"`
	To          string `json:"to"`
	Data        string `json:"data,omitempty"`
	Value       string `json:"value,omitempty"`
	Description string `json:"description,omitempty"`
}

// PreparedHandoff carries the signing URL to hand to the user.
type PreparedHandoff struct {
	ID         string    `json:"id"`
	SigningURL string    `json:"signingUrl"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// Handoff is the current state of a pending wallet transaction.
type Handoff struct {
	ID         string    `json:"id"`
	ChainID    int64     `json:"chainId"`
	To         string    `json:"to"`
	Data       string    `json:"data,omitempty"`
	Value      string    `json:"value"`
	Status     string    `json:"status"`
	TxHash     string    `json:"txHash,omitempty"`
	Error      string    `json:"error,omitempty"`
	SigningURL string    `json:"signingUrl,omitempty"`
	Found      bool      `json:"found"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// Settlement is the facilitator reply to Pay.
type Settlement struct {
	Success bool   `json:"success"`
	TxHash  string `json:"txHash,omitempty"`
	Network string `json:"network,omitempty"`
	Payer   string `json:"payer,omitempty"`
	Error   string `json:"error,omitempty"`
	Details string `json:"details,omitempty"`
}
