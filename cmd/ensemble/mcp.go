// Copyright 2026 © The Ensemble Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	stderrors "errors"
	"flag"
	"net/http"
	"time"

	"github.com/jllopis/ensemble/pkg/config"
	ensemblemcp "github.com/jllopis/ensemble/pkg/mcp"
)

func runMCP(ctx context.Context, flags globalFlags, cfg *config.Config, args []string) error {
	cmd := flag.NewFlagSet("mcp", flag.ContinueOnError)
	httpAddr := cmd.String("http", "", "Serve Streamable HTTP on this address instead of stdio")
	if err := cmd.Parse(args); err != nil {
		return NewInvalidArgumentError("mcp", err.Error())
	}

	a, err := newApp(cfg, appOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(context.Background()); err != nil {
			a.logger.Warn("shutdown", "error", err)
		}
	}()

	runner := ensemblemcp.TaskRunner(a.orch)
	if flags.Timeout > 0 {
		runner = timeoutRunner{next: a.orch, timeout: flags.Timeout}
	}
	srv := ensemblemcp.NewServer(serviceName, version, runner,
		ensemblemcp.WithHealth(a.health),
		ensemblemcp.WithServerLogger(a.logger),
	)

	if *httpAddr == "" {
		a.logger.Info("serving mcp", "transport", "stdio")
		return srv.ServeStdio()
	}

	httpServer := srv.StreamableHTTPServer()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()
	a.logger.Info("serving mcp", "transport", "streamable-http", "addr", *httpAddr)
	if err := httpServer.Start(*httpAddr); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// timeoutRunner bounds every served task by the global --timeout.
type timeoutRunner struct {
	next    ensemblemcp.TaskRunner
	timeout time.Duration
}

func (r timeoutRunner) ExecuteTask(ctx context.Context, task string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.next.ExecuteTask(ctx, task)
}
