// Copyright 2026 © The Ensemble Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/jllopis/ensemble/pkg/config"
	"github.com/jllopis/ensemble/pkg/core"
	"github.com/jllopis/ensemble/pkg/errors"
	"github.com/jllopis/ensemble/pkg/journal"
	"github.com/jllopis/ensemble/pkg/llm"
	"github.com/jllopis/ensemble/pkg/llm/anthropic"
	"github.com/jllopis/ensemble/pkg/llm/openai"
	"github.com/jllopis/ensemble/pkg/orchestrator"
	"github.com/jllopis/ensemble/pkg/resilience"
	"github.com/jllopis/ensemble/pkg/telemetry"
)

const serviceName = "ensemble"

// app holds the wired components shared by the run and mcp commands.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	completer *llm.Completer
	orch      *orchestrator.Orchestrator
	journal   journal.Store
	health    *core.HealthRegistry

	closers []func(context.Context) error
}

type appOptions struct {
	// emitters receive pipeline events next to the journal.
	emitters []core.EventEmitter
}

func newApp(cfg *config.Config, opts appOptions) (*app, error) {
	logger := telemetry.ConfigureSlog(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	a := &app{cfg: cfg, logger: logger, health: core.NewHealthRegistry()}

	shutdown, err := telemetry.InitWithConfig(serviceName, version, telemetryConfig(cfg.Telemetry))
	if err != nil {
		return nil, fmt.Errorf("failed to init telemetry: %w", err)
	}
	a.closers = append(a.closers, shutdown)

	metrics, err := telemetry.NewPipelineMetrics(otel.GetMeterProvider())
	if err != nil {
		_ = a.Close(context.Background())
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	provider, err := createProvider(cfg.LLM)
	if err != nil {
		_ = a.Close(context.Background())
		return nil, err
	}
	a.completer = llm.NewCompleter(provider, completerOptions(cfg.LLM, logger, metrics)...)
	a.health.Register("llm", a.completer)

	emitters := core.MultiEmitter(opts.emitters)
	if cfg.Journal.Enabled {
		store, closeStore, err := openJournal(cfg.Journal)
		if err != nil {
			_ = a.Close(context.Background())
			return nil, err
		}
		a.journal = store
		if closeStore != nil {
			a.closers = append(a.closers, closeStore)
		}
		emitters = append(emitters, journal.NewEmitter(store, logger))
		a.health.Register("journal", journalCheck(store))
	}

	a.orch = orchestrator.New(a.completer,
		orchestrator.WithLogger(logger),
		orchestrator.WithEmitter(emitters),
		orchestrator.WithMetrics(metrics),
	)
	return a, nil
}

// Close releases the journal and flushes telemetry, newest first.
func (a *app) Close(ctx context.Context) error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil && first == nil {
			first = err
		}
	}
	a.closers = nil
	return first
}

func telemetryConfig(cfg config.TelemetryConfig) telemetry.Config {
	headers := make(map[string]string, len(cfg.OTLPHeaders)+1)
	for k, v := range cfg.OTLPHeaders {
		headers[k] = v
	}
	if cfg.OTLPUser != "" && cfg.OTLPToken != "" {
		creds := base64.StdEncoding.EncodeToString([]byte(cfg.OTLPUser + ":" + cfg.OTLPToken))
		headers["Authorization"] = "Basic " + creds
	}
	return telemetry.Config{
		Exporter:     cfg.Exporter,
		OTLPEndpoint: cfg.OTLPEndpoint,
		OTLPInsecure: cfg.OTLPInsecure,
		OTLPTimeout:  time.Duration(cfg.OTLPTimeoutSeconds) * time.Second,
		OTLPHeaders:  headers,
	}
}

func createProvider(cfg config.LLMConfig) (llm.Provider, error) {
	switch strings.ToLower(cfg.Provider) {
	case "openai":
		return openai.New(
			openai.WithModel(cfg.Model),
			openai.WithBaseURL(cfg.BaseURL),
			openai.WithAPIKey(cfg.APIKey),
		), nil
	case "anthropic":
		return anthropic.New(
			anthropic.WithModel(cfg.Model),
			anthropic.WithMaxTokens(int64(cfg.MaxTokens)),
			anthropic.WithBaseURL(cfg.BaseURL),
			anthropic.WithAPIKey(cfg.APIKey),
		), nil
	case "ollama":
		return llm.NewOllama(cfg.BaseURL), nil
	case "mock":
		return llm.EchoProvider{}, nil
	default:
		return nil, errors.New(errors.CodeInvalidInput, fmt.Sprintf("unknown LLM provider: %s", cfg.Provider), nil)
	}
}

func completerOptions(cfg config.LLMConfig, logger *slog.Logger, metrics *telemetry.PipelineMetrics) []llm.CompleterOption {
	retry := resilience.DefaultRetryConfig()
	retry.MaxAttempts = cfg.MaxAttempts
	retry.OnRetry = func(attempt int, err error) {
		logger.Warn("retrying completion", "attempt", attempt, "error", err)
	}

	opts := []llm.CompleterOption{
		llm.WithModel(cfg.Model),
		llm.WithProviderName(cfg.Provider),
		llm.WithTemperature(cfg.Temperature),
		llm.WithRetry(retry),
		llm.WithLogger(logger),
		llm.WithMetrics(metrics),
	}
	if cfg.TimeoutSeconds > 0 {
		opts = append(opts, llm.WithCallTimeout(time.Duration(cfg.TimeoutSeconds)*time.Second))
	}
	if cfg.BreakerFailures > 0 {
		opts = append(opts, llm.WithCircuitBreaker(resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:             "llm",
			FailureThreshold: cfg.BreakerFailures,
			Timeout:          30 * time.Second,
			OnStateChange: func(name string, from, to resilience.CircuitBreakerState) {
				logger.Warn("circuit breaker state changed", "breaker", name, "from", string(from), "to", string(to))
				metrics.RecordCircuitBreakerState(context.Background(), name, to.Gauge())
			},
		})))
	}
	return opts
}

// openJournal opens the sqlite journal at cfg.Path, or an in-memory store
// when the path is empty.
func openJournal(cfg config.JournalConfig) (journal.Store, func(context.Context) error, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return journal.NewMemoryStore(), nil, nil
	}
	store, err := journal.Open(cfg.Path)
	if err != nil {
		return nil, nil, err
	}
	return store, func(context.Context) error { return store.Close() }, nil
}

func journalCheck(store journal.Store) core.HealthChecker {
	return core.HealthFunc(func(ctx context.Context) core.HealthResult {
		_, err := store.List(ctx, journal.Filter{Limit: 1})
		res := core.HealthResult{Component: "journal", Status: core.HealthHealthy}
		if err != nil {
			res.Status = core.HealthUnhealthy
			res.Message = err.Error()
		}
		return res
	})
}
