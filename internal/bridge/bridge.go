// Package bridge connects to a peer MCP server over streamable HTTP. The
// connection is opened lazily on first use and re-established once when a
// call fails at the transport level.
package bridge

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/sync/singleflight"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/retry"
	"AgentPay-Chain/pkg/logger"
)

// CodeBridgeUnavailable marks transport failures talking to the peer.
const CodeBridgeUnavailable xerrors.Code = "BRIDGE_UNAVAILABLE"

func init() {
	xerrors.Register(CodeBridgeUnavailable, xerrors.Attributes{
		Message:   "mcp peer unavailable",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
}

const defaultTimeout = 10 * time.Second

// Config describes the peer.
type Config struct {
	URL             string            `koanf:"url" json:"url"`
	Headers         map[string]string `koanf:"headers" json:"headers"`
	Timeout         time.Duration     `koanf:"timeout" json:"timeout"`
	ProtocolVersion string            `koanf:"protocol_version" json:"protocol_version"`
	ClientName      string            `koanf:"client_name" json:"client_name"`
}

// Dialer opens and initializes a client session.
type Dialer func(ctx context.Context) (client.MCPClient, error)

// Bridge is safe for concurrent use.
type Bridge struct {
	cfg    Config
	dial   Dialer
	policy retry.Policy
	group  singleflight.Group

	mu     sync.Mutex
	client client.MCPClient
	closed bool
}

// Option customizes a Bridge.
type Option func(*Bridge)

// WithDialer replaces the streamable HTTP dialer.
func WithDialer(d Dialer) Option {
	return func(b *Bridge) {
		if d != nil {
			b.dial = d
		}
	}
}

// WithPolicy replaces the reconnect-once policy.
func WithPolicy(p retry.Policy) Option {
	return func(b *Bridge) { b.policy = p }
}

// New validates cfg. No connection is opened until the first call.
func New(cfg Config, opts ...Option) (*Bridge, error) {
	cfg.URL = strings.TrimSpace(cfg.URL)
	if cfg.URL == "" {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "bridge URL is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.ProtocolVersion == "" {
		cfg.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	}
	if cfg.ClientName == "" {
		cfg.ClientName = "agentpay-bridge"
	}
	b := &Bridge{cfg: cfg, policy: retry.Once(100 * time.Millisecond).WithRetryable(isUnavailable)}
	b.dial = b.dialHTTP
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b, nil
}

func (b *Bridge) dialHTTP(ctx context.Context) (client.MCPClient, error) {
	c, err := client.NewStreamableHttpClient(b.cfg.URL, transport.WithHTTPHeaders(b.cfg.Headers))
	if err != nil {
		return nil, err
	}
	if err := c.Start(ctx); err != nil {
		c.Close()
		return nil, err
	}
	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = b.cfg.ProtocolVersion
	initReq.Params.ClientInfo = mcp.Implementation{Name: b.cfg.ClientName, Version: "1.0.0"}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// session returns the live client, dialing once across concurrent callers.
func (b *Bridge) session(ctx context.Context) (client.MCPClient, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "bridge is closed")
	}
	if b.client != nil {
		c := b.client
		b.mu.Unlock()
		return c, nil
	}
	b.mu.Unlock()

	v, err, _ := b.group.Do("dial", func() (any, error) {
		b.mu.Lock()
		if b.client != nil {
			c := b.client
			b.mu.Unlock()
			return c, nil
		}
		b.mu.Unlock()

		dialCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.cfg.Timeout)
		defer cancel()
		c, err := b.dial(dialCtx)
		if err != nil {
			return nil, xerrors.Wrap(CodeBridgeUnavailable, err, "connect to MCP peer",
				xerrors.WithMetadata("url", b.cfg.URL))
		}

		b.mu.Lock()
		defer b.mu.Unlock()
		if b.closed {
			c.Close()
			return nil, xerrors.New(xerrors.CodeInitializationFailure, "bridge is closed")
		}
		b.client = c
		logger.L().Info("connected to MCP peer", slog.String("url", b.cfg.URL))
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(client.MCPClient), nil
}

// reset drops c so the next call dials again.
func (b *Bridge) reset(c client.MCPClient) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client == c {
		b.client = nil
		c.Close()
	}
}

func call[T any](ctx context.Context, b *Bridge, op string, fn func(ctx context.Context, c client.MCPClient) (T, error)) (T, error) {
	policy := b.policy.WithOnRetry(func(attempt int, err error) {
		logger.L().Warn("MCP peer call failed, reconnecting",
			slog.String("op", op),
			slog.Int("attempt", attempt),
			slog.Any("error", err),
		)
	})
	return retry.Do(ctx, policy, func(ctx context.Context) (T, error) {
		var zero T
		c, err := b.session(ctx)
		if err != nil {
			return zero, err
		}
		callCtx := ctx
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, b.cfg.Timeout)
			defer cancel()
		}
		out, err := fn(callCtx, c)
		if err != nil {
			if ctx.Err() != nil {
				return zero, ctx.Err()
			}
			b.reset(c)
			return zero, xerrors.Wrap(CodeBridgeUnavailable, err, op+" on MCP peer")
		}
		return out, nil
	})
}

// ListTools lists the peer's tools.
func (b *Bridge) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	return call(ctx, b, "tools/list", func(ctx context.Context, c client.MCPClient) ([]mcp.Tool, error) {
		res, err := c.ListTools(ctx, mcp.ListToolsRequest{})
		if err != nil {
			return nil, err
		}
		return res.Tools, nil
	})
}

// CallTool invokes a tool on the peer. A result flagged IsError is returned
// as an EXECUTION_FAILED error carrying the peer's text.
func (b *Bridge) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	res, err := call(ctx, b, "tools/call", func(ctx context.Context, c client.MCPClient) (*mcp.CallToolResult, error) {
		req := mcp.CallToolRequest{}
		req.Params.Name = name
		req.Params.Arguments = args
		return c.CallTool(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	if res.IsError {
		return res, xerrors.New(xerrors.CodeExecutionFailed, ResultText(res),
			xerrors.WithMetadata("tool", name))
	}
	return res, nil
}

// Close releases the session. Later calls fail.
func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	if b.client == nil {
		return nil
	}
	err := b.client.Close()
	b.client = nil
	return err
}

// ResultText joins the text content of a tool result.
func ResultText(res *mcp.CallToolResult) string {
	if res == nil {
		return ""
	}
	parts := make([]string, 0, len(res.Content))
	for _, content := range res.Content {
		if text, ok := mcp.AsTextContent(content); ok {
			parts = append(parts, text.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func isUnavailable(err error) bool {
	if stdErrors.Is(err, context.Canceled) {
		return false
	}
	return xerrors.IsCode(err, CodeBridgeUnavailable)
}
