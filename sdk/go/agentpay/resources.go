package agentpay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// CreateSession opens an escrow session and returns the deposit requirement.
func (c *Client) CreateSession(ctx context.Context, owner, maxSpend string, durationHours int) (*CreatedSession, error) {
	body := map[string]any{"ownerAddress": owner, "maxSpend": maxSpend, "durationHours": durationHours}
	var out CreatedSession
	if err := c.send(ctx, http.MethodPost, "/api/sessions/create", body, &out); err != nil {
		return nil, err
	}
	out.Session.Found = true
	return &out, nil
}

// GetSession returns the session. An unknown id yields Found == false and no error.
func (c *Client) GetSession(ctx context.Context, id string) (*Session, error) {
	var raw json.RawMessage
	if err := c.send(ctx, http.MethodGet, "/api/sessions/"+url.PathEscape(id), nil, &raw); err != nil {
		return nil, err
	}
	var head struct {
		Found  *bool  `json:"found"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(raw, &head); err == nil && head.Found != nil && !*head.Found {
		return &Session{SessionID: id, Status: head.Status}, nil
	}
	var out Session
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	out.Found = true
	return &out, nil
}

// ActivateSession records the deposit transaction and activates the session.
func (c *Client) ActivateSession(ctx context.Context, id, txHash, amount string) (*Session, error) {
	var out Session
	body := map[string]string{"txHash": txHash, "amount": amount}
	if err := c.send(ctx, http.MethodPost, "/api/sessions/"+url.PathEscape(id)+"/activate", body, &out); err != nil {
		return nil, err
	}
	out.Found = true
	return &out, nil
}

// CheckSession asks whether agent may spend amount from the session.
func (c *Client) CheckSession(ctx context.Context, id, agent, amount string) (*CheckResult, error) {
	q := url.Values{"agent": {agent}, "amount": {amount}}
	var out CheckResult
	if err := c.send(ctx, http.MethodGet, "/api/sessions/"+url.PathEscape(id)+"/check?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Release pays amount to agent. Repeating an executionID returns the original
// release with Duplicate set.
func (c *Client) Release(ctx context.Context, id, agent, amount, executionID string) (*Release, error) {
	body := map[string]string{"agent": agent, "amount": amount, "executionId": executionID}
	var out Release
	if err := c.send(ctx, http.MethodPost, "/api/sessions/"+url.PathEscape(id)+"/release", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Refund returns the unspent balance to the owner.
func (c *Client) Refund(ctx context.Context, id string) (*Refund, error) {
	return c.finish(ctx, id, "refund")
}

// CloseSession deactivates the session and refunds what remains.
func (c *Client) CloseSession(ctx context.Context, id string) (*Refund, error) {
	return c.finish(ctx, id, "close")
}

func (c *Client) finish(ctx context.Context, id, action string) (*Refund, error) {
	var out Refund
	if err := c.send(ctx, http.MethodPost, "/api/sessions/"+url.PathEscape(id)+"/"+action, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AuthorizeAgent allows agent to spend from the session.
func (c *Client) AuthorizeAgent(ctx context.Context, id, agent string) (*Session, error) {
	var out Session
	if err := c.send(ctx, http.MethodPost, "/api/sessions/"+url.PathEscape(id)+"/agents", map[string]string{"agent": agent}, &out); err != nil {
		return nil, err
	}
	out.Found = true
	return &out, nil
}

// RevokeAgent removes agent from the session.
func (c *Client) RevokeAgent(ctx context.Context, id, agent string) (*Session, error) {
	var out Session
	endpoint := "/api/sessions/" + url.PathEscape(id) + "/agents/" + url.PathEscape(agent)
	if err := c.send(ctx, http.MethodDelete, endpoint, nil, &out); err != nil {
		return nil, err
	}
	out.Found = true
	return &out, nil
}

// SessionEvents returns the session's audit trail, oldest first.
func (c *Client) SessionEvents(ctx context.Context, id string) ([]SessionEvent, error) {
	var out struct {
		Events []SessionEvent `json:"events"`
	}
	if err := c.send(ctx, http.MethodGet, "/api/sessions/"+url.PathEscape(id)+"/events", nil, &out); err != nil {
		return nil, err
	}
	return out.Events, nil
}

// Pay submits a signed X-PAYMENT header for settlement. A rejected payment is
// reported as an *APIError whose Code is the server's detail code.
func (c *Client) Pay(ctx context.Context, paymentID, paymentHeader string, requirement Requirement) (*Settlement, error) {
	body := map[string]any{
		"paymentId":           paymentID,
		"paymentHeader":       paymentHeader,
		"paymentRequirements": requirement,
	}
	var out Settlement
	err := c.send(ctx, http.MethodPost, "/api/pay", body, &out)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Code == "" {
		// /api/pay replies with the settlement shape even on failure.
		var reply Settlement
		if json.Unmarshal([]byte(apiErr.Message), &reply) == nil && reply.Error != "" {
			apiErr.Code, apiErr.Message = reply.Details, reply.Error
		}
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateTask starts tracking a tool execution.
func (c *Client) CreateTask(ctx context.Context, req NewTask) (*Task, error) {
	var out Task
	if err := c.send(ctx, http.MethodPost, "/api/tasks", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetTask returns the task with id.
func (c *Client) GetTask(ctx context.Context, id string) (*Task, error) {
	var out Task
	if err := c.send(ctx, http.MethodGet, "/api/tasks/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SettleTask marks the task settled with outputs.
func (c *Client) SettleTask(ctx context.Context, id string, outputs json.RawMessage) (*Task, error) {
	var out Task
	body := map[string]json.RawMessage{"outputs": outputs}
	if err := c.send(ctx, http.MethodPost, "/api/tasks/"+url.PathEscape(id)+"/settle", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// FailTask marks the task failed. A nil retryable lets the server classify
// the failure from code.
func (c *Client) FailTask(ctx context.Context, id, code, message string, retryable *bool) (*Task, error) {
	failure := map[string]any{"code": code, "message": message}
	if retryable != nil {
		failure["retryable"] = *retryable
	}
	var out Task
	if err := c.send(ctx, http.MethodPost, "/api/tasks/"+url.PathEscape(id)+"/fail", map[string]any{"error": failure}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListTasks returns tasks matching q.
func (c *Client) ListTasks(ctx context.Context, q TaskQuery) ([]Task, error) {
	values := url.Values{}
	if len(q.States) > 0 {
		values.Set("state", strings.Join(q.States, ","))
	}
	if q.AgentID != "" {
		values.Set("agent_id", q.AgentID)
	}
	if q.ServiceID != "" {
		values.Set("service_id", q.ServiceID)
	}
	if !q.Since.IsZero() {
		values.Set("since", strconv.FormatInt(q.Since.UnixMilli(), 10))
	}
	if !q.Until.IsZero() {
		values.Set("until", strconv.FormatInt(q.Until.UnixMilli(), 10))
	}
	if q.Limit > 0 {
		values.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Offset > 0 {
		values.Set("offset", strconv.Itoa(q.Offset))
	}
	if q.Ascending {
		values.Set("order", "asc")
	}
	if q.Search != "" {
		values.Set("q", q.Search)
	}
	endpoint := "/api/tasks"
	if len(values) > 0 {
		endpoint += "?" + values.Encode()
	}
	var out struct {
		Tasks []Task `json:"tasks"`
	}
	if err := c.send(ctx, http.MethodGet, endpoint, nil, &out); err != nil {
		return nil, err
	}
	return out.Tasks, nil
}

// TaskStats returns aggregate task counts.
func (c *Client) TaskStats(ctx context.Context) (*TaskStats, error) {
	var out TaskStats
	if err := c.send(ctx, http.MethodGet, "/api/tasks/stats", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PrepareHandoff stores a transaction for wallet signing.
func (c *Client) PrepareHandoff(ctx context.Context, req HandoffRequest) (*PreparedHandoff, error) {
	var out PreparedHandoff
	if err := c.send(ctx, http.MethodPost, "/api/handoff", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// HandoffStatus polls a prepared transaction. Unknown ids report Status "not_found".
func (c *Client) HandoffStatus(ctx context.Context, id string) (*Handoff, error) {
	var out Handoff
	if err := c.send(ctx, http.MethodGet, "/api/handoff/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
