// Copyright 2026 © The Ensemble Authors
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"context"
	"time"
)

// EventType identifies a pipeline event emitted during a run.
type EventType string

const (
	EventRunStarted         EventType = "run.started"
	EventRolesAnalyzed      EventType = "run.roles_analyzed"
	EventWorkerCreated      EventType = "worker.created"
	EventSubtasksDecomposed EventType = "run.subtasks_decomposed"
	EventSubtaskAssigned    EventType = "subtask.assigned"
	EventSubtaskCompleted   EventType = "subtask.completed"
	EventKnowledgeShared    EventType = "knowledge.shared"
	EventRunCompleted       EventType = "run.completed"
	EventRunFailed          EventType = "run.failed"
)

// Event captures one observable transition of a run.
type Event struct {
	Type  EventType
	RunID string
	Role  string
	// SubtaskIndex is -1 for events not tied to a subtask.
	SubtaskIndex int
	Timestamp    time.Time
	Payload      map[string]any
}

// EventEmitter receives pipeline events.
type EventEmitter interface {
	Emit(ctx context.Context, event Event)
}

// NoopEventEmitter is a default no-op implementation.
type NoopEventEmitter struct{}

// Emit implements EventEmitter.
func (NoopEventEmitter) Emit(_ context.Context, _ Event) {}

// EmitterFunc adapts a function to EventEmitter.
type EmitterFunc func(ctx context.Context, event Event)

// Emit implements EventEmitter.
func (f EmitterFunc) Emit(ctx context.Context, event Event) { f(ctx, event) }

// MultiEmitter fans an event out to every emitter in order.
type MultiEmitter []EventEmitter

// Emit implements EventEmitter.
func (m MultiEmitter) Emit(ctx context.Context, event Event) {
	for _, e := range m {
		if e != nil {
			e.Emit(ctx, event)
		}
	}
}

// NewEvent builds an event stamped with the run id from ctx and the current time.
func NewEvent(ctx context.Context, eventType EventType, role string, subtaskIndex int, payload map[string]any) Event {
	runID, _ := RunID(ctx)
	return Event{
		Type:         eventType,
		RunID:        runID,
		Role:         role,
		SubtaskIndex: subtaskIndex,
		Timestamp:    time.Now().UTC(),
		Payload:      payload,
	}
}
