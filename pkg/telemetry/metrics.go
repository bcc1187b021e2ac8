// Copyright 2026 © The Ensemble Authors
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/jllopis/ensemble/pkg/errors"
)

const meterName = "ensemble/pipeline"

// PipelineMetrics records completion calls, fallbacks, run outcomes and
// errors for the orchestration pipeline. A nil *PipelineMetrics is a no-op.
type PipelineMetrics struct {
	// completions counts provider calls by step, provider and outcome
	completions metric.Int64Counter

	// completionDuration tracks provider call latency in milliseconds
	completionDuration metric.Float64Histogram

	// tokens counts consumed tokens by direction (input/output)
	tokens metric.Int64Counter

	// fallbacks counts responses that could not be used as returned
	fallbacks metric.Int64Counter

	runs     metric.Int64Counter
	subtasks metric.Int64Counter
	errors   metric.Int64Counter

	// breakerState tracks circuit breaker state (0=open, 1=half-open, 2=closed)
	breakerState metric.Int64Gauge
}

// NewPipelineMetrics creates the pipeline instruments on mp. A nil mp uses
// the global meter provider installed by Init.
func NewPipelineMetrics(mp metric.MeterProvider) (*PipelineMetrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(meterName)

	completions, err := meter.Int64Counter(
		"ensemble.completions.total",
		metric.WithDescription("Completion calls by step, provider and outcome"),
	)
	if err != nil {
		return nil, err
	}

	completionDuration, err := meter.Float64Histogram(
		"ensemble.completions.duration",
		metric.WithDescription("Completion call latency"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	tokens, err := meter.Int64Counter(
		"ensemble.completions.tokens",
		metric.WithDescription("Tokens consumed by direction"),
	)
	if err != nil {
		return nil, err
	}

	fallbacks, err := meter.Int64Counter(
		"ensemble.fallbacks.total",
		metric.WithDescription("Model responses replaced by a default, by step and reason"),
	)
	if err != nil {
		return nil, err
	}

	runs, err := meter.Int64Counter(
		"ensemble.runs.total",
		metric.WithDescription("Orchestration runs by final status"),
	)
	if err != nil {
		return nil, err
	}

	subtasks, err := meter.Int64Counter(
		"ensemble.subtasks.total",
		metric.WithDescription("Subtasks executed by assigned role"),
	)
	if err != nil {
		return nil, err
	}

	errorCounter, err := meter.Int64Counter(
		"ensemble.errors.total",
		metric.WithDescription("Errors by code and component"),
	)
	if err != nil {
		return nil, err
	}

	breakerState, err := meter.Int64Gauge(
		"ensemble.circuitbreaker.state",
		metric.WithDescription("Circuit breaker state per component (0=open, 1=half-open, 2=closed)"),
	)
	if err != nil {
		return nil, err
	}

	return &PipelineMetrics{
		completions:        completions,
		completionDuration: completionDuration,
		tokens:             tokens,
		fallbacks:          fallbacks,
		runs:               runs,
		subtasks:           subtasks,
		errors:             errorCounter,
		breakerState:       breakerState,
	}, nil
}

// RecordCompletion records one provider call.
func (pm *PipelineMetrics) RecordCompletion(ctx context.Context, step, provider string, durationMs float64, err error) {
	if pm == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	attrs := metric.WithAttributes(
		attribute.String(AttrStep, step),
		attribute.String(AttrLLMProvider, provider),
		attribute.String("outcome", outcome),
	)
	pm.completions.Add(ctx, 1, attrs)
	pm.completionDuration.Record(ctx, durationMs, attrs)
}

// RecordTokens adds token usage for a provider call.
func (pm *PipelineMetrics) RecordTokens(ctx context.Context, provider string, input, output int) {
	if pm == nil {
		return
	}
	if input > 0 {
		pm.tokens.Add(ctx, int64(input), metric.WithAttributes(
			attribute.String(AttrLLMProvider, provider),
			attribute.String("direction", "input"),
		))
	}
	if output > 0 {
		pm.tokens.Add(ctx, int64(output), metric.WithAttributes(
			attribute.String(AttrLLMProvider, provider),
			attribute.String("direction", "output"),
		))
	}
}

// RecordFallback counts a step that substituted a default for the model output.
func (pm *PipelineMetrics) RecordFallback(ctx context.Context, step, reason string) {
	if pm == nil {
		return
	}
	pm.fallbacks.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrStep, step),
		attribute.String("reason", reason),
	))
}

// RecordRun counts a finished run with status "completed" or "failed".
func (pm *PipelineMetrics) RecordRun(ctx context.Context, status string) {
	if pm == nil {
		return
	}
	pm.runs.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrRunStatus, status)))
}

// RecordSubtask counts an executed subtask.
func (pm *PipelineMetrics) RecordSubtask(ctx context.Context, role string) {
	if pm == nil {
		return
	}
	pm.subtasks.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrWorkerRole, role)))
}

// RecordError increments the error counter for err's code and the component.
func (pm *PipelineMetrics) RecordError(ctx context.Context, err error, component string) {
	if pm == nil || err == nil {
		return
	}
	code, recoverable := "UNKNOWN", "unknown"
	if ee, ok := errors.Find(err); ok {
		code = string(ee.Code)
		recoverable = ee.RecoverableString()
	}
	pm.errors.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrErrorCode, code),
		attribute.String(AttrComponent, component),
		attribute.String("recoverable", recoverable),
	))
}

// RecordCircuitBreakerState records the breaker state (0=open, 1=half-open, 2=closed).
func (pm *PipelineMetrics) RecordCircuitBreakerState(ctx context.Context, component string, state int64) {
	if pm == nil {
		return
	}
	pm.breakerState.Record(ctx, state, metric.WithAttributes(attribute.String(AttrComponent, component)))
}
