// Copyright 2026 © The Ensemble Authors
// SPDX-License-Identifier: Apache-2.0

package mcp

import (
	"context"
	"os"
	"strings"
	"testing"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/jllopis/ensemble/pkg/core"
	"github.com/jllopis/ensemble/pkg/errors"
)

const mcpStdioHelperEnv = "ENSEMBLE_MCP_STDIO_HELPER"

type runnerFunc func(ctx context.Context, task string) (string, error)

func (f runnerFunc) ExecuteTask(ctx context.Context, task string) (string, error) {
	return f(ctx, task)
}

func upperRunner() TaskRunner {
	return runnerFunc(func(_ context.Context, task string) (string, error) {
		if task == "fail" {
			return "", errors.New(errors.CodeUnavailable, "completion service unavailable during analyze", nil)
		}
		return strings.ToUpper(task), nil
	})
}

func newHTTPClient(t *testing.T, s *Server) *Client {
	t.Helper()
	httpServer := mcpserver.NewTestStreamableHTTPServer(s.MCPServer())
	t.Cleanup(httpServer.Close)

	client, err := NewClientWithStreamableHTTP(httpServer.URL, WithRetry(0, 0))
	if err != nil {
		t.Fatalf("NewClientWithStreamableHTTP error: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestServer_StreamableHTTP_ListTools(t *testing.T) {
	client := newHTTPClient(t, NewServer("ensemble-test", "1.0.0", upperRunner()))

	tools, err := client.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools error: %v", err)
	}
	names := make(map[string]bool)
	for _, tool := range tools {
		names[tool.Name] = true
	}
	if !names[ToolExecuteTask] || !names[ToolHealth] {
		t.Fatalf("expected execute_task and health tools, got %+v", tools)
	}
}

func TestServer_ExecuteTask(t *testing.T) {
	client := newHTTPClient(t, NewServer("ensemble-test", "1.0.0", upperRunner()))

	out, err := client.ExecuteTask(context.Background(), "plan a party")
	if err != nil {
		t.Fatalf("ExecuteTask error: %v", err)
	}
	if out != "PLAN A PARTY" {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestServer_ExecuteTaskFailureKeepsCode(t *testing.T) {
	client := newHTTPClient(t, NewServer("ensemble-test", "1.0.0", upperRunner()))

	_, err := client.ExecuteTask(context.Background(), "fail")
	if !errors.HasCode(err, errors.CodeUnavailable) {
		t.Fatalf("expected SERVICE_UNAVAILABLE, got %v", err)
	}
}

func TestServer_ExecuteTaskRejectsEmptyTask(t *testing.T) {
	called := false
	runner := runnerFunc(func(context.Context, string) (string, error) {
		called = true
		return "", nil
	})
	client := newHTTPClient(t, NewServer("ensemble-test", "1.0.0", runner))

	_, err := client.ExecuteTask(context.Background(), "   ")
	if !errors.HasCode(err, errors.CodeInvalidInput) {
		t.Fatalf("expected INVALID_INPUT, got %v", err)
	}
	if called {
		t.Fatalf("runner must not be called for an empty task")
	}
}

func TestServer_Health(t *testing.T) {
	reg := core.NewHealthRegistry()
	reg.Register("llm", core.HealthFunc(func(context.Context) core.HealthResult {
		return core.HealthResult{Status: core.HealthDegraded, Message: "circuit breaker half-open"}
	}))
	reg.Register("journal", core.HealthFunc(func(context.Context) core.HealthResult {
		return core.HealthResult{Status: core.HealthHealthy}
	}))
	client := newHTTPClient(t, NewServer("ensemble-test", "1.0.0", upperRunner(), WithHealth(reg)))

	report, err := client.Health(context.Background())
	if err != nil {
		t.Fatalf("Health error: %v", err)
	}
	if report.Status != core.HealthDegraded {
		t.Fatalf("expected DEGRADED, got %s", report.Status)
	}
	if len(report.Components) != 2 || report.Components[0].Component != "journal" {
		t.Fatalf("unexpected components %+v", report.Components)
	}
}

func TestToolError(t *testing.T) {
	err := toolError("[RATE_LIMITED] slow down\nretry later")
	ee, ok := errors.Find(err)
	if !ok || ee.Code != errors.CodeRateLimit || ee.Message != "slow down\nretry later" {
		t.Fatalf("unexpected error %+v", ee)
	}
	if !errors.HasCode(toolError("plain failure"), errors.CodeInternal) {
		t.Fatalf("expected INTERNAL_ERROR for uncoded text")
	}
}

func TestHelperMCPStdioServer(t *testing.T) {
	if os.Getenv(mcpStdioHelperEnv) != "1" {
		return
	}

	if err := NewServer("ensemble-stdio", "1.0.0", upperRunner()).ServeStdio(); err != nil {
		os.Exit(1)
	}
	os.Exit(0)
}

func TestClient_Stdio_ExecuteTask(t *testing.T) {
	t.Setenv(mcpStdioHelperEnv, "1")

	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("os.Executable: %v", err)
	}

	client, err := NewClientWithStdio(exe, []string{"-test.run", "TestHelperMCPStdioServer"})
	if err != nil {
		t.Fatalf("NewClientWithStdio error: %v", err)
	}
	defer client.Close()

	out, err := client.ExecuteTask(context.Background(), "hello")
	if err != nil {
		t.Fatalf("ExecuteTask error: %v", err)
	}
	if out != "HELLO" {
		t.Fatalf("unexpected output %q", out)
	}
}
