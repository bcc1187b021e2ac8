// Copyright 2026 © The Ensemble Authors
// SPDX-License-Identifier: Apache-2.0

// Package telemetry provides logging, tracing and metrics for orchestration runs.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic conventions for Ensemble telemetry.
const (
	// Run attributes
	AttrRunID     = "ensemble.run.id"
	AttrRunTask   = "ensemble.run.task"
	AttrRunStatus = "ensemble.run.status"

	// Pipeline step attributes
	AttrStep         = "ensemble.step"
	AttrFallback     = "ensemble.fallback"
	AttrFallbackKind = "ensemble.fallback.kind"

	// Worker attributes
	AttrWorkerRole             = "ensemble.worker.role"
	AttrWorkerResponsibilities = "ensemble.worker.responsibilities"
	AttrWorkerKnowledge        = "ensemble.worker.knowledge_count"
	AttrWorkersCount           = "ensemble.workers.count"

	// Subtask attributes
	AttrSubtaskIndex = "ensemble.subtask.index"
	AttrSubtaskText  = "ensemble.subtask.text"
	AttrSubtaskCount = "ensemble.subtasks.count"

	// LLM attributes (extending standard gen_ai conventions)
	AttrLLMModel        = "gen_ai.request.model"
	AttrLLMProvider     = "gen_ai.system"
	AttrLLMPromptChars  = "gen_ai.request.prompt_chars"
	AttrLLMTokensInput  = "gen_ai.usage.input_tokens"
	AttrLLMTokensOutput = "gen_ai.usage.output_tokens"
	AttrLLMTokensTotal  = "gen_ai.usage.total_tokens"
	AttrLLMDurationMs   = "gen_ai.duration_ms"
	AttrLLMAttempt      = "gen_ai.attempt"

	// Error attributes
	AttrErrorCode = "error.code"
	AttrComponent = "component"
)

const maxTextAttr = 200

func truncate(s string) string {
	if len(s) > maxTextAttr {
		return s[:maxTextAttr] + "..."
	}
	return s
}

// RunAttributes returns attributes for the root span of an orchestration run.
func RunAttributes(runID, task string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{}
	if runID != "" {
		attrs = append(attrs, attribute.String(AttrRunID, runID))
	}
	if task != "" {
		attrs = append(attrs, attribute.String(AttrRunTask, truncate(task)))
	}
	return attrs
}

// StepAttributes returns attributes for a pipeline step span.
func StepAttributes(step string) []attribute.KeyValue {
	return []attribute.KeyValue{attribute.String(AttrStep, step)}
}

// FallbackAttributes marks a step whose response could not be used as-is.
func FallbackAttributes(kind string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Bool(AttrFallback, true),
		attribute.String(AttrFallbackKind, kind),
	}
}

// WorkerAttributes returns attributes describing a worker at call time.
func WorkerAttributes(role string, responsibilities, knowledge int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrWorkerRole, role),
		attribute.Int(AttrWorkerResponsibilities, responsibilities),
		attribute.Int(AttrWorkerKnowledge, knowledge),
	}
}

// SubtaskAttributes returns attributes for a single subtask iteration.
func SubtaskAttributes(index int, subtask string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{attribute.Int(AttrSubtaskIndex, index)}
	if subtask != "" {
		attrs = append(attrs, attribute.String(AttrSubtaskText, truncate(subtask)))
	}
	return attrs
}

// LLMAttributes returns attributes for completion call spans.
func LLMAttributes(model, provider string, promptChars int) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(AttrLLMModel, model),
		attribute.Int(AttrLLMPromptChars, promptChars),
	}
	if provider != "" {
		attrs = append(attrs, attribute.String(AttrLLMProvider, provider))
	}
	return attrs
}

// LLMUsageAttributes returns token usage attributes.
func LLMUsageAttributes(inputTokens, outputTokens int, durationMs float64) []attribute.KeyValue {
	attrs := []attribute.KeyValue{}
	if inputTokens > 0 {
		attrs = append(attrs, attribute.Int(AttrLLMTokensInput, inputTokens))
	}
	if outputTokens > 0 {
		attrs = append(attrs, attribute.Int(AttrLLMTokensOutput, outputTokens))
	}
	if inputTokens > 0 || outputTokens > 0 {
		attrs = append(attrs, attribute.Int(AttrLLMTokensTotal, inputTokens+outputTokens))
	}
	if durationMs > 0 {
		attrs = append(attrs, attribute.Float64(AttrLLMDurationMs, durationMs))
	}
	return attrs
}
