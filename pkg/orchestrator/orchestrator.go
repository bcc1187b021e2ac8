// Copyright 2026 © The Ensemble Authors
// SPDX-License-Identifier: Apache-2.0

// Package orchestrator runs the fixed multi-role pipeline: analyze the task
// into roles, instantiate one worker per role, decompose the task, then for
// each subtask assign a worker, run it and share the result with every
// worker, and finally aggregate the results.
//
// Only completion failures abort a run. Unparseable model output is
// replaced by deterministic fallbacks.
package orchestrator

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/ensemble/pkg/core"
	"github.com/jllopis/ensemble/pkg/errors"
	"github.com/jllopis/ensemble/pkg/llm"
	"github.com/jllopis/ensemble/pkg/telemetry"
)

const tracerName = "ensemble/orchestrator"

// Fallback reasons reported in logs, metrics and events.
const (
	fallbackUnparseable  = "unparseable"
	fallbackUnknownRole  = "unknown_role"
	fallbackNoWorkers    = "no_workers"
	fallbackSubtaskParse = "subtask_parse"
)

// RunResult captures every stage of one run.
type RunResult struct {
	RunID    string           `json:"run_id"`
	Task     string           `json:"task"`
	Roles    []RoleDescriptor `json:"roles"`
	Subtasks []string         `json:"subtasks"`
	Tasks    []*core.Task     `json:"tasks"`
	Output   string           `json:"output"`
	Usage    llm.Usage        `json:"usage"`
	Duration time.Duration    `json:"duration"`
}

// Assignments returns the role chosen for each subtask, in order.
func (r *RunResult) Assignments() []string {
	out := make([]string, len(r.Tasks))
	for i, t := range r.Tasks {
		out[i] = t.AssignedTo
	}
	return out
}

// Results returns the worker output for each subtask, in order.
func (r *RunResult) Results() []string {
	out := make([]string, len(r.Tasks))
	for i, t := range r.Tasks {
		out[i] = t.Result
	}
	return out
}

// usageReporter is implemented by completion services that count tokens.
type usageReporter interface {
	Usage() llm.Usage
}

// Orchestrator owns the role to worker mapping and runs the pipeline.
// Concurrent runs on one instance are serialized.
type Orchestrator struct {
	svc     CompletionService
	workers *Registry

	runMu sync.Mutex

	logger  *slog.Logger
	tracer  trace.Tracer
	emitter core.EventEmitter
	metrics *telemetry.PipelineMetrics
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithTracer sets the tracer used for run and step spans.
func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) {
		if t != nil {
			o.tracer = t
		}
	}
}

// WithEmitter sets the receiver of pipeline events.
func WithEmitter(e core.EventEmitter) Option {
	return func(o *Orchestrator) {
		if e != nil {
			o.emitter = e
		}
	}
}

// WithMetrics records pipeline metrics on pm.
func WithMetrics(pm *telemetry.PipelineMetrics) Option {
	return func(o *Orchestrator) { o.metrics = pm }
}

// New creates an orchestrator backed by svc.
func New(svc CompletionService, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		svc:     svc,
		workers: NewRegistry(),
		logger:  slog.Default(),
		tracer:  otel.Tracer(tracerName),
		emitter: core.NoopEventEmitter{},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Workers returns the current workers in insertion order.
func (o *Orchestrator) Workers() []*Worker {
	return o.workers.Workers()
}

// Worker returns the worker registered for role.
func (o *Orchestrator) Worker(role string) (*Worker, bool) {
	return o.workers.Get(role)
}

// Roles returns the registered role names in insertion order.
func (o *Orchestrator) Roles() []string {
	return o.workers.Roles()
}

// ExecuteTask runs the pipeline for task and returns the aggregated output.
func (o *Orchestrator) ExecuteTask(ctx context.Context, task string) (string, error) {
	res, err := o.Run(ctx, task)
	if err != nil {
		return "", err
	}
	return res.Output, nil
}

// Run executes the full pipeline for task. Workers from a previous run are
// discarded first.
func (o *Orchestrator) Run(ctx context.Context, task string) (*RunResult, error) {
	o.runMu.Lock()
	defer o.runMu.Unlock()

	ctx, runID := core.EnsureRunID(ctx)
	ctx, span := o.tracer.Start(ctx, "orchestrator.run",
		trace.WithAttributes(telemetry.RunAttributes(runID, task)...))
	defer span.End()

	start := time.Now()
	var before llm.Usage
	if u, ok := o.svc.(usageReporter); ok {
		before = u.Usage()
	}

	o.workers.Reset()
	o.emit(ctx, core.EventRunStarted, "", -1, map[string]any{"task": task})
	o.logger.InfoContext(ctx, "run started", "run_id", runID)

	res := &RunResult{RunID: runID, Task: task}
	err := o.run(ctx, task, res)
	res.Duration = time.Since(start)
	if u, ok := o.svc.(usageReporter); ok {
		after := u.Usage()
		res.Usage = llm.Usage{
			PromptTokens:     after.PromptTokens - before.PromptTokens,
			CompletionTokens: after.CompletionTokens - before.CompletionTokens,
			TotalTokens:      after.TotalTokens - before.TotalTokens,
		}
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String(telemetry.AttrRunStatus, "failed"))
		o.metrics.RecordRun(ctx, "failed")
		o.metrics.RecordError(ctx, err, "orchestrator")
		payload := map[string]any{"error": err.Error()}
		if ee, ok := errors.Find(err); ok {
			payload["code"] = string(ee.Code)
		}
		o.emit(ctx, core.EventRunFailed, "", -1, payload)
		o.logger.ErrorContext(ctx, "run failed", "run_id", runID, "error", err)
		return res, err
	}

	span.SetAttributes(attribute.String(telemetry.AttrRunStatus, "completed"))
	o.metrics.RecordRun(ctx, "completed")
	o.emit(ctx, core.EventRunCompleted, "", -1, map[string]any{
		"output":      res.Output,
		"subtasks":    len(res.Subtasks),
		"duration_ms": res.Duration.Milliseconds(),
		"tokens":      res.Usage.TotalTokens,
	})
	o.logger.InfoContext(ctx, "run completed",
		"run_id", runID,
		"workers", o.workers.Len(),
		"subtasks", len(res.Subtasks),
		"duration", res.Duration,
	)
	return res, nil
}

func (o *Orchestrator) run(ctx context.Context, task string, res *RunResult) error {
	roles, err := o.AnalyzeTask(ctx, task)
	if err != nil {
		return err
	}
	res.Roles = roles
	o.CreateWorkers(ctx, roles)

	subtasks, err := o.BreakDownTask(ctx, task)
	if err != nil {
		return err
	}
	res.Subtasks = subtasks

	results := make([]string, 0, len(subtasks))
	for i, subtask := range subtasks {
		record := core.NewTask(i, subtask)
		res.Tasks = append(res.Tasks, record)

		result, err := o.runSubtask(ctx, i, record)
		if err != nil {
			record.Fail(err.Error())
			return err
		}
		results = append(results, result)
		o.ShareKnowledge(ctx, result)
	}

	out, err := o.AggregateResults(ctx, results)
	if err != nil {
		return err
	}
	res.Output = out
	return nil
}

func (o *Orchestrator) runSubtask(ctx context.Context, index int, record *core.Task) (string, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.subtask",
		trace.WithAttributes(telemetry.SubtaskAttributes(index, record.Goal)...))
	defer span.End()

	role, err := o.assign(ctx, index, record.Goal)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	record.Assign(role)

	worker, ok := o.workers.Get(role)
	if !ok {
		// Only reachable when analysis produced no descriptors at all.
		worker = NewWorker(GeneralAssistant, []string{DefaultResponsibility}, o.svc)
		o.workers.Put(worker)
		o.metrics.RecordFallback(ctx, core.StepExecute, fallbackNoWorkers)
		o.logger.WarnContext(ctx, "no workers registered, created default worker", "role", worker.Role())
		o.emit(ctx, core.EventWorkerCreated, worker.Role(), index, map[string]any{
			"responsibilities": worker.Responsibilities(),
			"fallback":         fallbackNoWorkers,
		})
	}
	span.SetAttributes(telemetry.WorkerAttributes(worker.Role(), len(worker.Responsibilities()), len(worker.Knowledge()))...)

	record.Start()
	stepCtx := core.WithStep(ctx, core.StepExecute)
	result, err := worker.PerformTask(stepCtx, record.Goal)
	if err != nil {
		err = unavailable(core.StepExecute, worker.Role(), err).WithContext("subtask_index", index)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	record.Complete(result)

	o.metrics.RecordSubtask(ctx, worker.Role())
	o.emit(ctx, core.EventSubtaskCompleted, worker.Role(), index, map[string]any{
		"subtask":     record.Goal,
		"result":      result,
		"duration_ms": record.Duration().Milliseconds(),
	})
	o.logger.DebugContext(ctx, "subtask completed", "index", index, "role", worker.Role())
	return result, nil
}

// AnalyzeTask asks the completion service which roles task needs.
// Unparseable responses fall back to a single General Assistant.
func (o *Orchestrator) AnalyzeTask(ctx context.Context, task string) ([]RoleDescriptor, error) {
	ctx, span := o.startStep(ctx, core.StepAnalyze)
	defer span.End()

	prompt := "Analyze the following task and suggest necessary roles to complete it, along with their responsibilities: " + task
	resp, err := o.complete(ctx, core.StepAnalyze, "", prompt)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	analysis := ParseAnalysis(resp)
	roles := analysis.Descriptors()
	if analysis.Kind == ParseUnparseable {
		span.SetAttributes(telemetry.FallbackAttributes(fallbackUnparseable)...)
		o.metrics.RecordFallback(ctx, core.StepAnalyze, fallbackUnparseable)
		o.logger.WarnContext(ctx, "role analysis not structured, using fallback role", "role", GeneralAssistant)
	}

	o.emit(ctx, core.EventRolesAnalyzed, "", -1, map[string]any{
		"kind":  analysis.Kind.String(),
		"roles": roleNames(roles),
	})
	o.logger.DebugContext(ctx, "roles analyzed", "kind", analysis.Kind.String(), "count", len(roles))
	return roles, nil
}

// CreateWorkers registers one worker per descriptor. A repeated role
// replaces the earlier worker in its original position.
func (o *Orchestrator) CreateWorkers(ctx context.Context, roles []RoleDescriptor) {
	for _, desc := range roles {
		w := NewWorker(desc.Role, desc.Responsibilities, o.svc)
		replaced := o.workers.Put(w)
		if replaced {
			o.logger.DebugContext(ctx, "worker replaced", "role", desc.Role)
		}
		o.emit(ctx, core.EventWorkerCreated, desc.Role, -1, map[string]any{
			"responsibilities": w.Responsibilities(),
			"replaced":         replaced,
		})
	}
}

// BreakDownTask asks the completion service to split task into subtasks.
// The response is parsed as data only; on failure the task itself is the
// single subtask.
func (o *Orchestrator) BreakDownTask(ctx context.Context, task string) ([]string, error) {
	ctx, span := o.startStep(ctx, core.StepDecompose)
	defer span.End()

	prompt := "Break down the following task into subtasks. Respond with a JSON array of strings: " + task
	resp, err := o.complete(ctx, core.StepDecompose, "", prompt)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	subtasks, fellBack := ParseSubtasks(resp, task)
	if fellBack {
		span.SetAttributes(telemetry.FallbackAttributes(fallbackSubtaskParse)...)
		o.metrics.RecordFallback(ctx, core.StepDecompose, fallbackSubtaskParse)
		o.logger.WarnContext(ctx, "subtask list not parseable, using task as the only subtask")
	}
	span.SetAttributes(attribute.Int(telemetry.AttrSubtaskCount, len(subtasks)))

	o.emit(ctx, core.EventSubtasksDecomposed, "", -1, map[string]any{
		"subtasks": subtasks,
		"fallback": fellBack,
	})
	return subtasks, nil
}

// AssignSubtask picks the role that should run subtask. With no workers it
// returns GeneralAssistant without calling the completion service; an
// answer that is not a registered role resolves to the first-inserted role.
func (o *Orchestrator) AssignSubtask(ctx context.Context, subtask string) (string, error) {
	return o.assign(ctx, -1, subtask)
}

func (o *Orchestrator) assign(ctx context.Context, index int, subtask string) (string, error) {
	ctx, span := o.startStep(ctx, core.StepAssign)
	defer span.End()

	roles := o.workers.Roles()
	if len(roles) == 0 {
		o.metrics.RecordFallback(ctx, core.StepAssign, fallbackNoWorkers)
		o.emit(ctx, core.EventSubtaskAssigned, GeneralAssistant, index, map[string]any{
			"subtask":  subtask,
			"fallback": fallbackNoWorkers,
		})
		return GeneralAssistant, nil
	}

	prompt := "Assign the following subtask to the most appropriate role: " + subtask +
		". Available roles: " + strings.Join(roles, ", ")
	resp, err := o.complete(ctx, core.StepAssign, "", prompt)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	answer := strings.TrimSpace(resp)
	payload := map[string]any{"subtask": subtask}
	role := answer
	if _, ok := o.workers.Get(answer); !ok {
		role = roles[0]
		payload["fallback"] = fallbackUnknownRole
		payload["answer"] = answer
		span.SetAttributes(telemetry.FallbackAttributes(fallbackUnknownRole)...)
		o.metrics.RecordFallback(ctx, core.StepAssign, fallbackUnknownRole)
		o.logger.WarnContext(ctx, "assigned role not registered, using first worker", "answer", answer, "role", role)
	}
	span.SetAttributes(attribute.String(telemetry.AttrWorkerRole, role))
	o.emit(ctx, core.EventSubtaskAssigned, role, index, payload)
	return role, nil
}

// ShareKnowledge appends info to the knowledge of every worker.
func (o *Orchestrator) ShareKnowledge(ctx context.Context, info string) {
	workers := o.workers.Workers()
	for _, w := range workers {
		w.AddKnowledge(info)
	}
	o.emit(ctx, core.EventKnowledgeShared, "", -1, map[string]any{
		"workers": len(workers),
		"chars":   len(info),
	})
}

// AggregateResults asks the completion service to merge results into one answer.
func (o *Orchestrator) AggregateResults(ctx context.Context, results []string) (string, error) {
	ctx, span := o.startStep(ctx, core.StepAggregate)
	defer span.End()

	prompt := "Aggregate and synthesize the following results into a coherent output: " + strings.Join(results, " ")
	out, err := o.complete(ctx, core.StepAggregate, "", prompt)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	return out, nil
}

func (o *Orchestrator) startStep(ctx context.Context, step string) (context.Context, trace.Span) {
	return o.tracer.Start(ctx, "orchestrator."+step,
		trace.WithAttributes(telemetry.StepAttributes(step)...))
}

func (o *Orchestrator) complete(ctx context.Context, step, role, prompt string) (string, error) {
	out, err := o.svc.Complete(core.WithStep(ctx, step), prompt)
	if err != nil {
		return "", unavailable(step, role, err)
	}
	return out, nil
}

func (o *Orchestrator) emit(ctx context.Context, typ core.EventType, role string, index int, payload map[string]any) {
	o.emitter.Emit(ctx, core.NewEvent(ctx, typ, role, index, payload))
}

// unavailable wraps a completion failure as the fatal run error.
func unavailable(step, role string, err error) *errors.EnsembleError {
	ee := errors.New(errors.CodeUnavailable, "completion service unavailable during "+step, err).
		WithContext("step", step).
		WithAttribute(telemetry.AttrStep, step)
	if role != "" {
		ee.WithContext("role", role).WithAttribute(telemetry.AttrWorkerRole, role)
	}
	if cause, ok := errors.Find(err); ok {
		ee.WithContext("cause_code", string(cause.Code))
	}
	return ee
}

func roleNames(roles []RoleDescriptor) []string {
	out := make([]string, len(roles))
	for i, r := range roles {
		out[i] = r.Role
	}
	return out
}
