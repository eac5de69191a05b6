// Package agentpay is a Go client for the AgentPay REST API: escrow sessions,
// task artifacts and wallet handoff.
package agentpay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sync"
	"time"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the AgentPay REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
	apiKey      string
}

// APIError is the {"error":{code,message}} body returned on failure.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
	Retryable  bool   `json:"retryable,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("agentpay api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("agentpay api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient returns a client for the API rooted at rawURL. When httpClient is
// nil a client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// Token is an issued token pair.
type Token struct {
	AccessToken  string `json:"access_token"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
}

// Login exchanges a username and password for a token and stores it.
func (c *Client) Login(ctx context.Context, username, password string) (Token, error) {
	return c.token(ctx, map[string]string{"grant_type": "password", "username": username, "password": password})
}

// LoginWithAPIKey exchanges an agent API key for a token and stores it.
func (c *Client) LoginWithAPIKey(ctx context.Context, key string) (Token, error) {
	return c.token(ctx, map[string]string{"grant_type": "api_key", "api_key": key})
}

func (c *Client) token(ctx context.Context, body map[string]string) (Token, error) {
	var token Token
	if err := c.send(ctx, http.MethodPost, "/api/auth/token", body, &token); err != nil {
		return Token{}, err
	}
	c.SetAccessToken(token.AccessToken)
	return token, nil
}

// SetAccessToken overrides the stored bearer token.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

// SetAPIKey sends key in the X-API-Key header instead of a bearer token.
func (c *Client) SetAPIKey(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.apiKey = key
}

func (c *Client) send(ctx context.Context, method, endpoint string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	endpoint, rawQuery, _ := cutQuery(endpoint)
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint), RawQuery: rawQuery}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.ResolveReference(rel).String(), body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.mu.RLock()
	switch {
	case c.apiKey != "":
		req.Header.Set("X-API-Key", c.apiKey)
	case c.accessToken != "":
		req.Header.Set("Authorization", "Bearer "+c.accessToken)
	}
	c.mu.RUnlock()
	return c.do(req, out)
}

func cutQuery(endpoint string) (string, string, bool) {
	for i := 0; i < len(endpoint); i++ {
		if endpoint[i] == '?' {
			return endpoint[:i], endpoint[i+1:], true
		}
	}
	return endpoint, "", false
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &struct {
				Error *APIError `json:"error"`
			}{Error: apiErr})
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// IsCode reports whether err is an APIError carrying code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}
