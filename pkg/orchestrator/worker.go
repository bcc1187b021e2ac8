// Copyright 2026 © The Ensemble Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"strings"
	"sync"
)

// CompletionService turns a prompt into response text.
type CompletionService interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// CompletionFunc adapts a function to CompletionService.
type CompletionFunc func(ctx context.Context, prompt string) (string, error)

// Complete implements CompletionService.
func (f CompletionFunc) Complete(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// Worker is a role-conditioned view over the completion service. Its
// knowledge grows with every result shared during a run and is never trimmed.
type Worker struct {
	role             string
	responsibilities []string
	svc              CompletionService

	mu        sync.RWMutex
	knowledge []string
}

// NewWorker creates a worker with empty knowledge.
func NewWorker(role string, responsibilities []string, svc CompletionService) *Worker {
	return &Worker{
		role:             role,
		responsibilities: append([]string(nil), responsibilities...),
		svc:              svc,
	}
}

// Role returns the worker's role label.
func (w *Worker) Role() string { return w.role }

// Responsibilities returns a copy of the responsibilities, in order.
func (w *Worker) Responsibilities() []string {
	return append([]string(nil), w.responsibilities...)
}

// Knowledge returns a copy of the accumulated knowledge, oldest first.
func (w *Worker) Knowledge() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return append([]string(nil), w.knowledge...)
}

// AddKnowledge appends info to the worker's knowledge.
func (w *Worker) AddKnowledge(info string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.knowledge = append(w.knowledge, info)
}

// Prompt renders the instruction sent for task.
func (w *Worker) Prompt(task string) string {
	w.mu.RLock()
	knowledge := strings.Join(w.knowledge, " ")
	w.mu.RUnlock()

	var b strings.Builder
	b.WriteString("You are a ")
	b.WriteString(w.role)
	b.WriteString(". Your responsibilities are ")
	b.WriteString(strings.Join(w.responsibilities, ", "))
	b.WriteString(". Your current knowledge: ")
	b.WriteString(knowledge)
	b.WriteString(". Your task: ")
	b.WriteString(task)
	b.WriteString(". Provide your response.")
	return b.String()
}

// PerformTask submits the worker prompt for task and returns the raw response.
func (w *Worker) PerformTask(ctx context.Context, task string) (string, error) {
	return w.svc.Complete(ctx, w.Prompt(task))
}
