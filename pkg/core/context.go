// Copyright 2026 © The Ensemble Authors
// SPDX-License-Identifier: Apache-2.0

// Package core holds the small set of types shared by every Ensemble
// component: run identity on the context, pipeline events, subtask records
// and health checks.
package core

import (
	"context"

	"github.com/google/uuid"
)

type runIDKey struct{}
type stepKey struct{}

// Pipeline step names carried on the context and attached to telemetry.
const (
	StepAnalyze   = "analyze"
	StepDecompose = "decompose"
	StepAssign    = "assign"
	StepExecute   = "execute"
	StepAggregate = "aggregate"
)

// WithRunID attaches a run id to the context.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey{}, id)
}

// RunID returns the run id if present.
func RunID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(runIDKey{}).(string)
	return id, ok && id != ""
}

// EnsureRunID ensures a run id exists in the context.
func EnsureRunID(ctx context.Context) (context.Context, string) {
	if id, ok := RunID(ctx); ok {
		return ctx, id
	}
	id := NewRunID()
	return WithRunID(ctx, id), id
}

// NewRunID returns a fresh run identifier.
func NewRunID() string {
	return "run-" + uuid.NewString()
}

// WithStep records the pipeline step a completion call belongs to.
func WithStep(ctx context.Context, step string) context.Context {
	return context.WithValue(ctx, stepKey{}, step)
}

// Step returns the pipeline step, or "" outside a run.
func Step(ctx context.Context) string {
	step, _ := ctx.Value(stepKey{}).(string)
	return step
}
