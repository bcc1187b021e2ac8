// Copyright 2026 © The Ensemble Authors
// SPDX-License-Identifier: Apache-2.0

package testing

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/jllopis/ensemble/pkg/llm"
)

// ScenarioProvider is an enhanced mock provider for testing scenarios.
// It supports prompt-routed rules, scripted responses and request capture.
type ScenarioProvider struct {
	mu           sync.Mutex
	rules        []rule
	responses    []ScriptedResponse
	currentIndex int
	requests     []llm.ChatRequest
	defaultError error
}

// ScriptedResponse defines a response for the scenario provider.
type ScriptedResponse struct {
	Content string
	Error   error
	Usage   llm.Usage
	// Condition allows conditional responses based on request
	Condition func(req llm.ChatRequest) bool
}

type rule struct {
	prefix string
	resp   ScriptedResponse
}

// NewScenarioProvider creates a new scenario provider.
func NewScenarioProvider() *ScenarioProvider {
	return &ScenarioProvider{
		responses: make([]ScriptedResponse, 0),
		requests:  make([]llm.ChatRequest, 0),
	}
}

// AddResponse queues a response to be returned.
func (p *ScenarioProvider) AddResponse(content string) *ScenarioProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.responses = append(p.responses, ScriptedResponse{Content: content})
	return p
}

// AddScriptedResponse adds a fully configured response.
func (p *ScenarioProvider) AddScriptedResponse(resp ScriptedResponse) *ScenarioProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.responses = append(p.responses, resp)
	return p
}

// RespondTo answers every prompt starting with prefix with content. Rules
// are checked in registration order before the queued responses.
func (p *ScenarioProvider) RespondTo(prefix, content string) *ScenarioProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rules = append(p.rules, rule{prefix: prefix, resp: ScriptedResponse{Content: content}})
	return p
}

// FailOn returns err for every prompt starting with prefix.
func (p *ScenarioProvider) FailOn(prefix string, err error) *ScenarioProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rules = append(p.rules, rule{prefix: prefix, resp: ScriptedResponse{Error: err}})
	return p
}

// WithDefaultError sets the error to return when no responses are queued.
func (p *ScenarioProvider) WithDefaultError(err error) *ScenarioProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.defaultError = err
	return p
}

// Chat implements llm.Provider.
func (p *ScenarioProvider) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.requests = append(p.requests, req)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	prompt := PromptOf(req)
	for _, r := range p.rules {
		if strings.HasPrefix(prompt, r.prefix) {
			return respond(r.resp)
		}
	}

	for p.currentIndex < len(p.responses) {
		resp := p.responses[p.currentIndex]
		p.currentIndex++
		if resp.Condition == nil || resp.Condition(req) {
			return respond(resp)
		}
	}

	if p.defaultError != nil {
		return nil, p.defaultError
	}
	return nil, fmt.Errorf("no more scripted responses (call %d)", len(p.requests))
}

func respond(resp ScriptedResponse) (*llm.ChatResponse, error) {
	if resp.Error != nil {
		return nil, resp.Error
	}
	return &llm.ChatResponse{
		Content: resp.Content,
		Usage:   resp.Usage,
	}, nil
}

// PromptOf returns the concatenated content of a request's messages.
func PromptOf(req llm.ChatRequest) string {
	parts := make([]string, 0, len(req.Messages))
	for _, m := range req.Messages {
		parts = append(parts, m.Content)
	}
	return strings.Join(parts, "\n")
}

// Prompts returns the prompt of every captured request, in order.
func (p *ScenarioProvider) Prompts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.requests))
	for i, req := range p.requests {
		out[i] = PromptOf(req)
	}
	return out
}

// PromptsWithPrefix returns the captured prompts starting with prefix.
func (p *ScenarioProvider) PromptsWithPrefix(prefix string) []string {
	var out []string
	for _, prompt := range p.Prompts() {
		if strings.HasPrefix(prompt, prefix) {
			out = append(out, prompt)
		}
	}
	return out
}

// LastRequest returns the most recent request.
func (p *ScenarioProvider) LastRequest() *llm.ChatRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.requests) == 0 {
		return nil
	}
	req := p.requests[len(p.requests)-1]
	return &req
}

// CallCount returns the number of Chat calls made.
func (p *ScenarioProvider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

// Reset clears captured requests and rewinds the scripted queue.
func (p *ScenarioProvider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.currentIndex = 0
	p.requests = p.requests[:0]
}
