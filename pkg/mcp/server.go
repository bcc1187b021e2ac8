// Copyright 2026 © The Ensemble Authors
// SPDX-License-Identifier: Apache-2.0

// Package mcp exposes the orchestrator as Model Context Protocol tools and
// provides a client for calling a remote ensemble server.
package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jllopis/ensemble/pkg/core"
	"github.com/jllopis/ensemble/pkg/errors"
)

// Tool names served by Server.
const (
	ToolExecuteTask = "execute_task"
	ToolHealth      = "health"
)

// TaskRunner executes one task end to end.
type TaskRunner interface {
	ExecuteTask(ctx context.Context, task string) (string, error)
}

// Server wraps the mcp-go server and serves orchestration tools.
type Server struct {
	mcpServer *server.MCPServer
	runner    TaskRunner
	health    *core.HealthRegistry
	logger    *slog.Logger
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithHealth serves the checks in reg through the health tool.
func WithHealth(reg *core.HealthRegistry) ServerOption {
	return func(s *Server) { s.health = reg }
}

// WithServerLogger sets the logger.
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer creates an MCP server that runs tasks through runner.
func NewServer(name, version string, runner TaskRunner, opts ...ServerOption) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(name, version,
			server.WithToolCapabilities(true),
			server.WithRecovery(),
		),
		runner: runner,
		health: core.NewHealthRegistry(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.mcpServer.AddTool(mcp.NewTool(ToolExecuteTask,
		mcp.WithDescription("Decompose a task across role-specialised workers and return the aggregated answer"),
		mcp.WithString("task", mcp.Required(), mcp.Description("The task to complete")),
	), s.handleExecuteTask)
	s.mcpServer.AddTool(mcp.NewTool(ToolHealth,
		mcp.WithDescription("Report the health of the completion backend and journal"),
	), s.handleHealth)
	return s
}

// RegisterTool registers an extra tool with the server.
func (s *Server) RegisterTool(name, description string, handler func(ctx context.Context, args map[string]interface{}) (*mcp.CallToolResult, error)) {
	tool := mcp.NewTool(name, mcp.WithDescription(description))

	s.mcpServer.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, _ := request.Params.Arguments.(map[string]interface{})
		return handler(ctx, args)
	})
}

// MCPServer returns the underlying mcp-go server.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) handleExecuteTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := request.Params.Arguments.(map[string]interface{})
	task, _ := args["task"].(string)
	if strings.TrimSpace(task) == "" {
		err := errors.New(errors.CodeInvalidInput, "argument \"task\" must be a non-empty string", nil)
		return mcp.NewToolResultError(err.Error()), nil
	}

	out, err := s.runner.ExecuteTask(ctx, task)
	if err != nil {
		s.logger.ErrorContext(ctx, "execute_task failed", "error", err)
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(out), nil
}

func (s *Server) handleHealth(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	results, overall := s.health.CheckAll(ctx)
	body, err := json.Marshal(struct {
		Status     core.HealthStatus   `json:"status"`
		Components []core.HealthResult `json:"components"`
	}{Status: overall, Components: results})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(body)), nil
}

// ServeStdio starts the server on Stdio.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcpServer)
}

// StreamableHTTPServer returns a Streamable HTTP transport for the server.
func (s *Server) StreamableHTTPServer() *server.StreamableHTTPServer {
	return server.NewStreamableHTTPServer(s.mcpServer)
}

// ServeStreamableHTTP serves the tools over Streamable HTTP on addr.
func (s *Server) ServeStreamableHTTP(addr string) error {
	return s.StreamableHTTPServer().Start(addr)
}
