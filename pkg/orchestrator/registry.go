// Copyright 2026 © The Ensemble Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import "sync"

// Registry maps role names to workers and remembers insertion order.
// Replacing a role keeps its original position.
type Registry struct {
	mu      sync.RWMutex
	order   []string
	workers map[string]*Worker
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{workers: make(map[string]*Worker)}
}

// Put stores w under its role and reports whether an existing worker was replaced.
func (r *Registry) Put(w *Worker) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, exists := r.workers[w.Role()]
	if !exists {
		r.order = append(r.order, w.Role())
	}
	r.workers[w.Role()] = w
	return exists
}

// Get returns the worker registered for role.
func (r *Registry) Get(role string) (*Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[role]
	return w, ok
}

// First returns the earliest inserted worker.
func (r *Registry) First() (*Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.order) == 0 {
		return nil, false
	}
	return r.workers[r.order[0]], true
}

// Roles returns role names in insertion order.
func (r *Registry) Roles() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Workers returns workers in insertion order.
func (r *Registry) Workers() []*Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Worker, 0, len(r.order))
	for _, role := range r.order {
		out = append(out, r.workers[role])
	}
	return out
}

// Len returns the number of registered roles.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Reset removes every worker.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = nil
	r.workers = make(map[string]*Worker)
}
