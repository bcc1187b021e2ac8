// Copyright 2026 © The Ensemble Authors
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/ensemble/pkg/core"
	"github.com/jllopis/ensemble/pkg/errors"
	"github.com/jllopis/ensemble/pkg/resilience"
	"github.com/jllopis/ensemble/pkg/telemetry"
)

const tracerName = "ensemble/llm"

// Completer turns a chat Provider into a prompt-in, text-out completion
// service. Each prompt is sent as a single system message. The zero
// configuration makes exactly one attempt with no per-call deadline.
type Completer struct {
	provider     Provider
	providerName string
	model        string
	temperature  float64

	retry   resilience.RetryConfig
	timeout time.Duration
	breaker *resilience.CircuitBreaker

	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *telemetry.PipelineMetrics

	mu    sync.Mutex
	usage Usage
	calls int
}

// CompleterOption configures a Completer.
type CompleterOption func(*Completer)

// WithModel sets the model sent with every request.
func WithModel(model string) CompleterOption {
	return func(c *Completer) { c.model = model }
}

// WithProviderName sets the provider label used in logs and metrics.
func WithProviderName(name string) CompleterOption {
	return func(c *Completer) { c.providerName = name }
}

// WithTemperature sets the sampling temperature; zero leaves the provider default.
func WithTemperature(t float64) CompleterOption {
	return func(c *Completer) { c.temperature = t }
}

// WithRetry sets the retry policy applied to each prompt.
func WithRetry(rc resilience.RetryConfig) CompleterOption {
	return func(c *Completer) { c.retry = rc }
}

// WithCallTimeout bounds each provider attempt.
func WithCallTimeout(d time.Duration) CompleterOption {
	return func(c *Completer) { c.timeout = d }
}

// WithCircuitBreaker guards the provider with cb.
func WithCircuitBreaker(cb *resilience.CircuitBreaker) CompleterOption {
	return func(c *Completer) { c.breaker = cb }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) CompleterOption {
	return func(c *Completer) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithTracer sets the tracer used for completion spans.
func WithTracer(t trace.Tracer) CompleterOption {
	return func(c *Completer) {
		if t != nil {
			c.tracer = t
		}
	}
}

// WithMetrics records completion metrics on pm.
func WithMetrics(pm *telemetry.PipelineMetrics) CompleterOption {
	return func(c *Completer) { c.metrics = pm }
}

// NewCompleter wraps provider.
func NewCompleter(provider Provider, opts ...CompleterOption) *Completer {
	c := &Completer{
		provider: provider,
		retry:    resilience.DefaultRetryConfig(),
		logger:   slog.Default(),
		tracer:   otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Complete submits prompt and returns the raw response text.
//
// Provider failures come back as LLM_ERROR (recoverable), rate limits and
// other classified errors keep their code, and an ended caller context is
// reported as CONTEXT_LOST.
func (c *Completer) Complete(ctx context.Context, prompt string) (string, error) {
	step := core.Step(ctx)
	ctx, span := c.tracer.Start(ctx, "llm.complete",
		trace.WithAttributes(telemetry.LLMAttributes(c.model, c.providerName, len(prompt))...),
		trace.WithAttributes(telemetry.StepAttributes(step)...),
	)
	defer span.End()

	req := ChatRequest{
		Model:       c.model,
		Messages:    []Message{{Role: RoleSystem, Content: prompt}},
		Temperature: c.temperature,
	}

	rc := c.retry
	rc.OnRetry = func(attempt int, err error) {
		c.logger.WarnContext(ctx, "retrying completion", "step", step, "attempt", attempt, "error", err)
	}

	start := time.Now()
	resp, err := resilience.DoValue(ctx, rc, func(ctx context.Context) (*ChatResponse, error) {
		return c.attempt(ctx, req)
	})
	elapsed := float64(time.Since(start).Microseconds()) / 1000
	c.metrics.RecordCompletion(ctx, step, c.providerName, elapsed, err)

	if err != nil {
		err = c.classify(ctx, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.metrics.RecordError(ctx, err, "llm")
		c.logger.DebugContext(ctx, "completion failed", "step", step, "provider", c.providerName, "error", err)
		return "", err
	}

	c.mu.Lock()
	c.usage = c.usage.Add(resp.Usage)
	c.calls++
	c.mu.Unlock()

	c.metrics.RecordTokens(ctx, c.providerName, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	span.SetAttributes(telemetry.LLMUsageAttributes(resp.Usage.PromptTokens, resp.Usage.CompletionTokens, elapsed)...)
	c.logger.DebugContext(ctx, "completion done",
		"step", step,
		"provider", c.providerName,
		"prompt_chars", len(prompt),
		"response_chars", len(resp.Content),
		"duration_ms", elapsed,
	)
	return resp.Content, nil
}

func (c *Completer) attempt(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	call := func(ctx context.Context) (*ChatResponse, error) {
		return resilience.WithTimeoutValue(ctx, resilience.TimeoutConfig{Duration: c.timeout},
			func(ctx context.Context) (*ChatResponse, error) {
				resp, err := c.provider.Chat(ctx, req)
				if err == nil && resp == nil {
					err = stderrors.New("provider returned no response")
				}
				return resp, err
			})
	}
	if c.breaker == nil {
		return call(ctx)
	}
	var resp *ChatResponse
	err := c.breaker.Call(ctx, func(ctx context.Context) error {
		var err error
		resp, err = call(ctx)
		return err
	})
	return resp, err
}

func (c *Completer) classify(ctx context.Context, err error) error {
	if ctx.Err() != nil && !errors.HasCode(err, errors.CodeContextLost) {
		return errors.New(errors.CodeContextLost, "completion aborted", ctx.Err()).
			WithContext("cause", err.Error())
	}
	if _, ok := errors.Find(err); ok {
		return err
	}
	return errors.New(errors.CodeLLMError, "completion request failed", err).
		WithRecoverable(true).
		WithAttribute(telemetry.AttrLLMProvider, c.providerName).
		WithAttribute(telemetry.AttrLLMModel, c.model)
}

// Usage returns the tokens consumed since construction or the last ResetUsage.
func (c *Completer) Usage() Usage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usage
}

// Calls returns the number of successful completions since the last reset.
func (c *Completer) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// ResetUsage zeroes the usage counters and returns the previous totals.
func (c *Completer) ResetUsage() Usage {
	c.mu.Lock()
	defer c.mu.Unlock()
	u := c.usage
	c.usage = Usage{}
	c.calls = 0
	return u
}

// Check reports provider health from the circuit breaker state.
func (c *Completer) Check(ctx context.Context) core.HealthResult {
	if c.breaker == nil {
		return core.HealthResult{Status: core.HealthHealthy, Message: "no circuit breaker configured"}
	}
	switch state := c.breaker.State(); state {
	case resilience.StateOpen:
		return core.HealthResult{Status: core.HealthUnhealthy, Message: "circuit breaker open"}
	case resilience.StateHalfOpen:
		return core.HealthResult{Status: core.HealthDegraded, Message: "circuit breaker half-open"}
	default:
		return core.HealthResult{Status: core.HealthHealthy, Message: "circuit breaker closed"}
	}
}
