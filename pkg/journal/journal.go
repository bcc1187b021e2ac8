// Copyright 2026 © The Ensemble Authors
// SPDX-License-Identifier: Apache-2.0

// Package journal records the pipeline events of each orchestration run so
// finished runs can be listed and replayed step by step.
package journal

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jllopis/ensemble/pkg/core"
)

// Run statuses reported by Summaries.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Entry is one recorded pipeline event.
type Entry struct {
	RunID        string         `json:"run_id"`
	Type         core.EventType `json:"type"`
	Role         string         `json:"role,omitempty"`
	SubtaskIndex int            `json:"subtask_index"`
	Payload      map[string]any `json:"payload,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}

// Filter limits entry queries. Zero values match everything.
type Filter struct {
	RunID string
	Type  core.EventType
	Limit int
}

// RunSummary condenses the entries of one run.
type RunSummary struct {
	RunID      string    `json:"run_id"`
	Task       string    `json:"task"`
	Status     string    `json:"status"`
	Entries    int       `json:"entries"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Store persists journal entries.
type Store interface {
	Record(ctx context.Context, entry Entry) error
	List(ctx context.Context, filter Filter) ([]Entry, error)
	// Summaries returns the most recent runs first.
	Summaries(ctx context.Context, limit int) ([]RunSummary, error)
}

// FromEvent converts a pipeline event into a journal entry.
func FromEvent(ev core.Event) Entry {
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return Entry{
		RunID:        ev.RunID,
		Type:         ev.Type,
		Role:         ev.Role,
		SubtaskIndex: ev.SubtaskIndex,
		Payload:      ev.Payload,
		Timestamp:    ts.UTC(),
	}
}

// Emitter records every event it receives in a Store. Recording failures
// are logged and never interrupt the run.
type Emitter struct {
	store  Store
	logger *slog.Logger
}

// NewEmitter returns an EventEmitter backed by store.
func NewEmitter(store Store, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{store: store, logger: logger}
}

// Emit implements core.EventEmitter. The entry is recorded even when ctx is
// already cancelled, so a run that failed on cancellation still journals
// its terminal event.
func (e *Emitter) Emit(ctx context.Context, ev core.Event) {
	if err := e.store.Record(context.WithoutCancel(ctx), FromEvent(ev)); err != nil {
		e.logger.WarnContext(ctx, "journal record failed", "run_id", ev.RunID, "event", ev.Type, "error", err)
	}
}

var _ core.EventEmitter = (*Emitter)(nil)

// MemoryStore keeps entries in memory.
type MemoryStore struct {
	mu      sync.Mutex
	entries []Entry
}

// NewMemoryStore returns an in-memory journal store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Record appends an entry.
func (s *MemoryStore) Record(_ context.Context, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry.Payload = clonePayload(entry.Payload)
	s.entries = append(s.entries, entry)
	return nil
}

// List returns filtered entries in recording order.
func (s *MemoryStore) List(_ context.Context, filter Filter) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		if filter.RunID != "" && e.RunID != filter.RunID {
			continue
		}
		if filter.Type != "" && e.Type != filter.Type {
			continue
		}
		out = append(out, e)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// Summaries returns one summary per run, most recently started first.
func (s *MemoryStore) Summaries(_ context.Context, limit int) ([]RunSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byRun := make(map[string]*RunSummary)
	order := make(map[string]int)
	for i, e := range s.entries {
		sum, ok := byRun[e.RunID]
		if !ok {
			sum = &RunSummary{RunID: e.RunID, Status: StatusRunning, StartedAt: e.Timestamp}
			byRun[e.RunID] = sum
			order[e.RunID] = i
		}
		sum.Entries++
		sum.FinishedAt = e.Timestamp
		switch e.Type {
		case core.EventRunStarted:
			if task, ok := e.Payload["task"].(string); ok {
				sum.Task = task
			}
		case core.EventRunCompleted:
			sum.Status = StatusCompleted
		case core.EventRunFailed:
			sum.Status = StatusFailed
		}
	}

	out := make([]RunSummary, 0, len(byRun))
	for _, sum := range byRun {
		out = append(out, *sum)
	}
	sort.Slice(out, func(i, j int) bool { return order[out[i].RunID] > order[out[j].RunID] })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// clonePayload round-trips the payload through JSON so stored entries
// look the same whichever store holds them.
func clonePayload(p map[string]any) map[string]any {
	if p == nil {
		return nil
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return p
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return p
	}
	return out
}
