// Copyright 2026 © The Ensemble Authors
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"time"

	"github.com/google/uuid"
)

// TaskStatus describes the lifecycle state of a subtask.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// Task records one subtask of a run: what it asked, who ran it and what came back.
type Task struct {
	ID         string     `json:"id"`
	Index      int        `json:"index"`
	Goal       string     `json:"goal"`
	AssignedTo string     `json:"assigned_to,omitempty"`
	Status     TaskStatus `json:"status"`
	Result     string     `json:"result,omitempty"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  time.Time  `json:"started_at,omitempty"`
	FinishedAt time.Time  `json:"finished_at,omitempty"`
}

// NewTask creates a pending task with a generated ID.
func NewTask(index int, goal string) *Task {
	return &Task{
		ID:        uuid.NewString(),
		Index:     index,
		Goal:      goal,
		Status:    TaskStatusPending,
		CreatedAt: time.Now().UTC(),
	}
}

// Assign records the role chosen to run the task.
func (t *Task) Assign(role string) {
	t.AssignedTo = role
}

// Start marks the task as running.
func (t *Task) Start() {
	t.Status = TaskStatusRunning
	t.StartedAt = time.Now().UTC()
}

// Complete stores the result and marks the task completed.
func (t *Task) Complete(result string) {
	t.Status = TaskStatusCompleted
	t.Result = result
	t.FinishedAt = time.Now().UTC()
}

// Fail stores the error message and marks the task failed.
func (t *Task) Fail(msg string) {
	t.Status = TaskStatusFailed
	t.Error = msg
	t.FinishedAt = time.Now().UTC()
}

// Duration returns the time spent running, or zero if the task never finished.
func (t *Task) Duration() time.Duration {
	if t.StartedAt.IsZero() || t.FinishedAt.IsZero() {
		return 0
	}
	return t.FinishedAt.Sub(t.StartedAt)
}
