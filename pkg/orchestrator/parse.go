// Copyright 2026 © The Ensemble Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"bytes"
	"encoding/json"
	"strings"

	"gopkg.in/yaml.v3"
)

// Fallback values used when model output cannot be interpreted.
const (
	GeneralAssistant        = "General Assistant"
	DefaultRole             = "Assistant"
	DefaultResponsibility   = "Complete tasks as assigned"
	DefaultAnalysisFallback = "Complete the given task"
)

// ParseKind classifies a role analysis response.
type ParseKind int

const (
	// ParseUnparseable is anything that is not a JSON array or object.
	ParseUnparseable ParseKind = iota
	// ParseWellFormedList is a JSON array of descriptors.
	ParseWellFormedList
	// ParseWellFormedSingle is a single JSON object.
	ParseWellFormedSingle
)

func (k ParseKind) String() string {
	switch k {
	case ParseWellFormedList:
		return "list"
	case ParseWellFormedSingle:
		return "single"
	default:
		return "unparseable"
	}
}

// RoleDescriptor is a proposed role with its responsibilities.
type RoleDescriptor struct {
	Role             string   `json:"role"`
	Responsibilities []string `json:"responsibilities"`
}

// UnmarshalJSON decodes any JSON value into a descriptor, substituting
// defaults for missing or wrong-typed fields. It never fails.
func (d *RoleDescriptor) UnmarshalJSON(data []byte) error {
	*d = DecodeDescriptor(data)
	return nil
}

// DecodeDescriptor resolves one raw analysis entry into a descriptor.
// Non-object entries become the default Assistant role.
func DecodeDescriptor(raw json.RawMessage) RoleDescriptor {
	desc := RoleDescriptor{
		Role:             DefaultRole,
		Responsibilities: []string{DefaultResponsibility},
	}

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return desc
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return desc
	}

	if rawRole, ok := fields["role"]; ok {
		var role string
		if err := json.Unmarshal(rawRole, &role); err == nil && !isNull(rawRole) {
			desc.Role = role
		}
	}

	if rawResp, ok := fields["responsibilities"]; ok && !isNull(rawResp) {
		desc.Responsibilities = decodeResponsibilities(rawResp)
	}
	return desc
}

func decodeResponsibilities(raw json.RawMessage) []string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []string{s}
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err == nil {
		out := make([]string, 0, len(items))
		for _, item := range items {
			out = append(out, jsonText(item))
		}
		return out
	}
	return []string{compact(raw)}
}

// jsonText returns a JSON string's value or the compact JSON text of anything else.
func jsonText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil && !isNull(raw) {
		return s
	}
	return compact(raw)
}

func compact(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(bytes.TrimSpace(raw))
	}
	return buf.String()
}

func isNull(raw json.RawMessage) bool {
	return string(bytes.TrimSpace(raw)) == "null"
}

// Analysis is the classified response to the role analysis prompt.
type Analysis struct {
	Kind ParseKind
	// Entries holds the raw descriptors of a well-formed response.
	Entries []json.RawMessage
	// Content is the trimmed response text.
	Content string
}

// ParseAnalysis classifies a role analysis response. A surrounding Markdown
// code fence is ignored.
func ParseAnalysis(response string) Analysis {
	content := strings.TrimSpace(response)
	a := Analysis{Kind: ParseUnparseable, Content: content}

	body := []byte(stripFence(content))
	if !json.Valid(body) {
		return a
	}
	switch body[0] {
	case '[':
		var entries []json.RawMessage
		if err := json.Unmarshal(body, &entries); err != nil {
			return a
		}
		a.Kind = ParseWellFormedList
		a.Entries = entries
	case '{':
		a.Kind = ParseWellFormedSingle
		a.Entries = []json.RawMessage{json.RawMessage(body)}
	}
	return a
}

// Descriptors resolves the analysis into role descriptors. An unparseable
// response yields a single General Assistant whose responsibility is the
// response text.
func (a Analysis) Descriptors() []RoleDescriptor {
	if a.Kind == ParseUnparseable {
		resp := a.Content
		if resp == "" {
			resp = DefaultAnalysisFallback
		}
		return []RoleDescriptor{{Role: GeneralAssistant, Responsibilities: []string{resp}}}
	}
	out := make([]RoleDescriptor, 0, len(a.Entries))
	for _, raw := range a.Entries {
		out = append(out, DecodeDescriptor(raw))
	}
	return out
}

// ParseSubtasks extracts a list of subtasks from a decomposition response.
// It accepts a JSON array of strings or a flow sequence of quoted string
// scalars, optionally inside a code fence, with nothing after the closing
// bracket. Anything else, including an empty list, yields [task]. The
// second result reports whether the fallback was used.
func ParseSubtasks(response, task string) ([]string, bool) {
	body := stripFence(strings.TrimSpace(response))
	if body == "" {
		return []string{task}, true
	}

	if items, ok := parseJSONStrings(body); ok {
		if len(items) == 0 {
			return []string{task}, true
		}
		return items, false
	}
	if items, ok := parseYAMLFlowStrings(body); ok {
		if len(items) == 0 {
			return []string{task}, true
		}
		return items, false
	}
	return []string{task}, true
}

func parseJSONStrings(body string) ([]string, bool) {
	var raw []json.RawMessage
	if err := json.Unmarshal([]byte(body), &raw); err != nil {
		return nil, false
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if isNull(item) {
			return nil, false
		}
		var s string
		if err := json.Unmarshal(item, &s); err != nil {
			return nil, false
		}
		out = append(out, s)
	}
	return out, true
}

// parseYAMLFlowStrings decodes the body into a node tree only; no custom
// tags or types are resolved. Every item must be a quoted string.
func parseYAMLFlowStrings(body string) ([]string, bool) {
	if end := flowListEnd(body); end < 0 || strings.TrimSpace(body[end+1:]) != "" {
		return nil, false
	}
	var doc yaml.Node
	if err := yaml.Unmarshal([]byte(body), &doc); err != nil {
		return nil, false
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) != 1 {
		return nil, false
	}
	seq := doc.Content[0]
	if seq.Kind != yaml.SequenceNode || seq.Style&yaml.FlowStyle == 0 {
		return nil, false
	}
	out := make([]string, 0, len(seq.Content))
	for _, item := range seq.Content {
		if item.Kind != yaml.ScalarNode || item.ShortTag() != "!!str" {
			return nil, false
		}
		if item.Style&(yaml.SingleQuotedStyle|yaml.DoubleQuotedStyle) == 0 {
			return nil, false
		}
		out = append(out, item.Value)
	}
	return out, true
}

// flowListEnd returns the index of the bracket closing the list that opens
// body, or -1. Brackets inside quoted scalars are skipped; a single-quoted
// scalar escapes its quote by doubling it, a double-quoted one with a
// backslash.
func flowListEnd(body string) int {
	if !strings.HasPrefix(body, "[") {
		return -1
	}
	depth := 0
	for i := 0; i < len(body); i++ {
		switch body[i] {
		case '\'':
			for i++; i < len(body); i++ {
				if body[i] != '\'' {
					continue
				}
				if i+1 < len(body) && body[i+1] == '\'' {
					i++
					continue
				}
				break
			}
		case '"':
			for i++; i < len(body) && body[i] != '"'; i++ {
				if body[i] == '\\' {
					i++
				}
			}
		case '[':
			depth++
		case ']':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func stripFence(s string) string {
	if !strings.HasPrefix(s, "```") || !strings.HasSuffix(s, "```") || len(s) < 6 {
		return s
	}
	inner := strings.TrimSuffix(s, "```")
	if nl := strings.IndexByte(inner, '\n'); nl >= 0 {
		inner = inner[nl+1:]
	} else {
		inner = strings.TrimPrefix(inner, "```")
	}
	return strings.TrimSpace(inner)
}
