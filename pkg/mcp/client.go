// Copyright 2026 © The Ensemble Authors
// SPDX-License-Identifier: Apache-2.0

package mcp

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"regexp"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/jllopis/ensemble/pkg/core"
	"github.com/jllopis/ensemble/pkg/errors"
	"github.com/jllopis/ensemble/pkg/resilience"
)

const (
	defaultTimeout = 10 * time.Second
	defaultRetries = 2
	defaultBackoff = 200 * time.Millisecond
	clientName     = "ensemble-client"
)

// ClientOption customizes the MCP client wrapper behavior.
type ClientOption func(*Client)

// WithTimeout sets the per-request timeout. Zero disables it.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		if timeout >= 0 {
			c.timeout = timeout
		}
	}
}

// WithRetry configures retry count and initial backoff for transport errors.
// It applies to ListTools and Health; execute_task is never retried.
func WithRetry(retries int, backoff time.Duration) ClientOption {
	return func(c *Client) {
		if retries >= 0 {
			c.maxRetries = retries
		}
		if backoff > 0 {
			c.backoff = backoff
		}
	}
}

// Client calls the tools of a remote ensemble server.
type Client struct {
	mcpClient  client.MCPClient
	timeout    time.Duration
	maxRetries int
	backoff    time.Duration
}

// NewClient creates a new Client with the given MCP client implementation.
func NewClient(c client.MCPClient, opts ...ClientOption) *Client {
	cl := &Client{
		mcpClient:  c,
		timeout:    defaultTimeout,
		maxRetries: defaultRetries,
		backoff:    defaultBackoff,
	}
	for _, opt := range opts {
		opt(cl)
	}
	return cl
}

// NewClientWithStdio starts command and connects to it over Stdio.
func NewClientWithStdio(command string, args []string, opts ...ClientOption) (*Client, error) {
	stdioClient, err := client.NewStdioMCPClient(command, nil, args...)
	if err != nil {
		return nil, err
	}
	return start(stdioClient, opts...)
}

// NewClientWithStreamableHTTP connects to a Streamable HTTP server at url.
func NewClientWithStreamableHTTP(url string, opts ...ClientOption) (*Client, error) {
	httpClient, err := client.NewStreamableHttpClient(url)
	if err != nil {
		return nil, err
	}
	return start(httpClient, opts...)
}

func start(c *client.Client, opts ...ClientOption) (*Client, error) {
	if err := c.Start(context.Background()); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	initRequest := mcp.InitializeRequest{}
	initRequest.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initRequest.Params.ClientInfo = mcp.Implementation{
		Name:    clientName,
		Version: "0.1.0",
	}
	if _, err := c.Initialize(ctx, initRequest); err != nil {
		_ = c.Close()
		return nil, err
	}
	return NewClient(c, opts...), nil
}

// ListTools retrieves the list of tools available on the server.
func (c *Client) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	resp, err := resilience.DoValue(ctx, c.retryConfig(), func(ctx context.Context) (*mcp.ListToolsResult, error) {
		reqCtx, cancel := c.withTimeout(ctx)
		defer cancel()
		return c.mcpClient.ListTools(reqCtx, mcp.ListToolsRequest{})
	})
	if err != nil {
		return nil, err
	}
	return resp.Tools, nil
}

// CallTool executes a tool on the server, retrying transport errors. Use it
// for idempotent tools only.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	return resilience.DoValue(ctx, c.retryConfig(), func(ctx context.Context) (*mcp.CallToolResult, error) {
		reqCtx, cancel := c.withTimeout(ctx)
		defer cancel()
		return c.mcpClient.CallTool(reqCtx, req)
	})
}

// ExecuteTask runs task on the remote server and returns its final output.
// A failed run is returned as an EnsembleError carrying the server's code.
// The call is made once: a transport error may arrive after the server
// already ran the whole pipeline.
func (c *Client) ExecuteTask(ctx context.Context, task string) (string, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = ToolExecuteTask
	req.Params.Arguments = map[string]interface{}{"task": task}

	reqCtx, cancel := c.withTimeout(ctx)
	defer cancel()
	res, err := c.mcpClient.CallTool(reqCtx, req)
	if err != nil {
		return "", errors.New(errors.CodeUnavailable, "remote execute_task failed", err)
	}
	text := resultText(res)
	if res.IsError {
		return "", toolError(text)
	}
	return text, nil
}

// HealthReport is the decoded response of the health tool.
type HealthReport struct {
	Status     core.HealthStatus   `json:"status"`
	Components []core.HealthResult `json:"components"`
}

// Health queries the remote server's health tool.
func (c *Client) Health(ctx context.Context) (*HealthReport, error) {
	res, err := c.CallTool(ctx, ToolHealth, nil)
	if err != nil {
		return nil, errors.New(errors.CodeUnavailable, "remote health failed", err)
	}
	text := resultText(res)
	if res.IsError {
		return nil, toolError(text)
	}
	var report HealthReport
	if err := json.Unmarshal([]byte(text), &report); err != nil {
		return nil, errors.New(errors.CodeInternal, "invalid health response", err)
	}
	return &report, nil
}

// Close closes the client connection.
func (c *Client) Close() error {
	return c.mcpClient.Close()
}

func (c *Client) retryConfig() resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:  c.maxRetries + 1,
		InitialDelay: c.backoff,
		MaxDelay:     c.backoff * 8,
		Multiplier:   2,
		IsRecoverable: func(err error) bool {
			return !stderrors.Is(err, context.Canceled) && !stderrors.Is(err, context.DeadlineExceeded)
		},
	}
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

func resultText(res *mcp.CallToolResult) string {
	if res == nil {
		return ""
	}
	var parts []string
	for _, content := range res.Content {
		if text, ok := content.(mcp.TextContent); ok {
			parts = append(parts, text.Text)
		}
	}
	return strings.Join(parts, "\n")
}

var codePrefix = regexp.MustCompile(`(?s)^\[([A-Z_]+)\] (.*)$`)

// toolError rebuilds an EnsembleError from a "[CODE] message" tool result.
func toolError(text string) error {
	if m := codePrefix.FindStringSubmatch(text); m != nil {
		return errors.New(errors.ErrorCode(m[1]), m[2], nil).WithContext("remote", true)
	}
	return errors.New(errors.CodeInternal, text, nil).WithContext("remote", true)
}
