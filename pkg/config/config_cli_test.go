// Copyright 2026 © The Ensemble Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/knadh/koanf/v2"
)

func resetKoanf(t *testing.T) {
	t.Helper()
	k = koanf.New(".")
}

func TestLoadWithCLIOverrides(t *testing.T) {
	resetKoanf(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.json")
	content := []byte(`{
  "llm": {"provider": "ollama", "model": "model-a"},
  "telemetry": {"exporter": "stdout"}
}`)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("ENSEMBLE_LLM_PROVIDER", "openai")

	cfg, err := LoadWithCLI([]string{
		"--config", path,
		"--task", "ignored by the loader",
		"--set", "llm.provider=anthropic",
		"--set", "llm.max_attempts=3",
		"--set", "llm.temperature=0.7",
		"--set=journal.enabled=true",
		"--set", "telemetry.otlp_timeout_seconds=12",
	})
	if err != nil {
		t.Fatalf("LoadWithCLI failed: %v", err)
	}
	if cfg.LLM.Provider != "anthropic" {
		t.Fatalf("expected cli override provider, got %s", cfg.LLM.Provider)
	}
	if cfg.LLM.Model != "model-a" {
		t.Fatalf("expected model from file, got %s", cfg.LLM.Model)
	}
	if cfg.LLM.MaxAttempts != 3 || cfg.LLM.Temperature != 0.7 {
		t.Fatalf("expected typed llm overrides, got %+v", cfg.LLM)
	}
	if !cfg.Journal.Enabled {
		t.Fatalf("expected journal.enabled=true")
	}
	if cfg.Telemetry.Exporter != "stdout" || cfg.Telemetry.OTLPTimeoutSeconds != 12 {
		t.Fatalf("unexpected telemetry config %+v", cfg.Telemetry)
	}
}

func TestParseCLIOverridesErrors(t *testing.T) {
	resetKoanf(t)
	if _, _, err := parseCLIOverrides([]string{"--config"}); err == nil {
		t.Fatalf("expected error for missing --config value")
	}
	if _, _, err := parseCLIOverrides([]string{"--set"}); err == nil {
		t.Fatalf("expected error for missing --set value")
	}
	if _, _, err := parseCLIOverrides([]string{"--set", "invalid"}); err == nil {
		t.Fatalf("expected error for invalid --set value")
	}
	if _, _, err := parseCLIOverrides([]string{"--set", "=value"}); err == nil {
		t.Fatalf("expected error for empty --set key")
	}
}

func TestParseValueKeepsTypes(t *testing.T) {
	tests := []struct {
		raw  string
		want any
	}{
		{"3", 3},
		{"true", true},
		{"0.5", 0.5},
		{"http://localhost:4317", "http://localhost:4317"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := parseValue(tt.raw); got != tt.want {
			t.Errorf("parseValue(%q) = %#v, want %#v", tt.raw, got, tt.want)
		}
	}
}
