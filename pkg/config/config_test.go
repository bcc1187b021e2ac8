// Copyright 2026 © The Ensemble Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/jllopis/ensemble/pkg/errors"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.LLM.Provider != "openai" {
		t.Errorf("expected default provider openai, got %s", cfg.LLM.Provider)
	}
	if cfg.LLM.Model != "gpt-3.5-turbo" {
		t.Errorf("expected default model gpt-3.5-turbo, got %s", cfg.LLM.Model)
	}
	if cfg.LLM.MaxAttempts != 1 {
		t.Errorf("expected a single attempt by default, got %d", cfg.LLM.MaxAttempts)
	}
	if cfg.Telemetry.Exporter != "none" {
		t.Errorf("expected telemetry disabled by default, got %s", cfg.Telemetry.Exporter)
	}
	if cfg.Journal.Enabled {
		t.Errorf("expected journal disabled by default")
	}
}

func TestLoadEnv(t *testing.T) {
	t.Setenv("ENSEMBLE_LLM_PROVIDER", "mock")
	t.Setenv("ENSEMBLE_LLM_API_KEY", "sk-test")
	t.Setenv("ENSEMBLE_LLM_MAX_ATTEMPTS", "4")
	t.Setenv("ENSEMBLE_TELEMETRY_OTLP_ENDPOINT", "collector:4317")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.LLM.Provider != "mock" {
		t.Errorf("expected provider mock from env, got %s", cfg.LLM.Provider)
	}
	if cfg.LLM.APIKey != "sk-test" {
		t.Errorf("expected api key from env, got %q", cfg.LLM.APIKey)
	}
	if cfg.LLM.MaxAttempts != 4 {
		t.Errorf("expected max attempts 4, got %d", cfg.LLM.MaxAttempts)
	}
	if cfg.Telemetry.OTLPEndpoint != "collector:4317" {
		t.Errorf("expected otlp endpoint from env, got %q", cfg.Telemetry.OTLPEndpoint)
	}
}

func TestEnvKey(t *testing.T) {
	tests := map[string]string{
		"ENSEMBLE_LLM_BASE_URL":            "llm.base_url",
		"ENSEMBLE_LOG_LEVEL":               "log.level",
		"ENSEMBLE_TELEMETRY_OTLP_INSECURE": "telemetry.otlp_insecure",
		"ENSEMBLE_JOURNAL_PATH":            "journal.path",
	}
	for in, want := range tests {
		if got := envKey(in); got != want {
			t.Errorf("envKey(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestLoadDotEnvDoesNotOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("ENSEMBLE_DOTENV_A=from-file\nENSEMBLE_DOTENV_B=from-file\n"), 0o644); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	t.Setenv("ENSEMBLE_DOTENV_A", "from-env")
	t.Setenv("ENSEMBLE_DOTENV_B", "")
	os.Unsetenv("ENSEMBLE_DOTENV_B")

	if err := loadDotEnv(path); err != nil {
		t.Fatalf("loadDotEnv failed: %v", err)
	}
	if got := os.Getenv("ENSEMBLE_DOTENV_A"); got != "from-env" {
		t.Errorf("expected existing variable to win, got %q", got)
	}
	if got := os.Getenv("ENSEMBLE_DOTENV_B"); got != "from-file" {
		t.Errorf("expected variable from .env, got %q", got)
	}
	if err := loadDotEnv(filepath.Join(dir, "missing.env")); err != nil {
		t.Errorf("expected missing .env to be ignored, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"unknown provider", []string{"--set", "llm.provider=gemini"}},
		{"unknown exporter", []string{"--set", "telemetry.exporter=zipkin"}},
		{"zero attempts", []string{"--set", "llm.max_attempts=0"}},
		{"temperature out of range", []string{"--set", "llm.temperature=3"}},
		{"negative timeout", []string{"--set", "llm.timeout_seconds=-1"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadWithCLI(tc.args)
			if !errors.HasCode(err, errors.CodeInvalidInput) {
				t.Fatalf("expected INVALID_INPUT, got %v", err)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if !errors.HasCode(err, errors.CodeInvalidInput) {
		t.Fatalf("expected INVALID_INPUT for missing file, got %v", err)
	}
}

func TestLoadWithProfile(t *testing.T) {
	tmpDir := t.TempDir()

	baseConfig := `
llm:
  provider: "ollama"
  model: "llama3.1"
log:
  level: "info"
`
	basePath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(basePath, []byte(baseConfig), 0644); err != nil {
		t.Fatalf("failed to write base config: %v", err)
	}

	devConfig := `
llm:
  provider: "mock"
log:
  level: "debug"
`
	if err := os.WriteFile(filepath.Join(tmpDir, "config.dev.yaml"), []byte(devConfig), 0644); err != nil {
		t.Fatalf("failed to write dev config: %v", err)
	}

	prodConfig := `
llm:
  provider: "openai"
log:
  level: "warn"
`
	if err := os.WriteFile(filepath.Join(tmpDir, "config.prod.yaml"), []byte(prodConfig), 0644); err != nil {
		t.Fatalf("failed to write prod config: %v", err)
	}

	tests := []struct {
		name         string
		profile      string
		wantProvider string
		wantLogLevel string
		wantModel    string // Should inherit from base when not overridden
	}{
		{"no profile - base only", "", "ollama", "info", "llama3.1"},
		{"dev profile", "dev", "mock", "debug", "llama3.1"},
		{"prod profile", "prod", "openai", "warn", "llama3.1"},
		{"nonexistent profile - falls back to base", "staging", "ollama", "info", "llama3.1"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := LoadWithProfile(basePath, tc.profile)
			if err != nil {
				t.Fatalf("LoadWithProfile failed: %v", err)
			}

			if cfg.LLM.Provider != tc.wantProvider {
				t.Errorf("provider: got %s, want %s", cfg.LLM.Provider, tc.wantProvider)
			}
			if cfg.Log.Level != tc.wantLogLevel {
				t.Errorf("log level: got %s, want %s", cfg.Log.Level, tc.wantLogLevel)
			}
			if cfg.LLM.Model != tc.wantModel {
				t.Errorf("model: got %s, want %s", cfg.LLM.Model, tc.wantModel)
			}
		})
	}
}

func TestLoadWithCLIProfile(t *testing.T) {
	tmpDir := t.TempDir()

	basePath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(basePath, []byte("llm:\n  provider: \"ollama\"\n"), 0644); err != nil {
		t.Fatalf("failed to write base config: %v", err)
	}
	if err := os.WriteFile(filepath.Join(tmpDir, "config.dev.yaml"), []byte("llm:\n  provider: \"mock\"\n"), 0644); err != nil {
		t.Fatalf("failed to write dev config: %v", err)
	}

	tests := []struct {
		name         string
		args         []string
		wantProvider string
	}{
		{"profile flag", []string{"--config", basePath, "--profile", "dev"}, "mock"},
		{"env flag alias", []string{"--config", basePath, "--env", "dev"}, "mock"},
		{"profile with equals", []string{"--config=" + basePath, "--profile=dev"}, "mock"},
		{"env with equals", []string{"--config=" + basePath, "--env=dev"}, "mock"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := LoadWithCLI(tc.args)
			if err != nil {
				t.Fatalf("LoadWithCLI failed: %v", err)
			}

			if cfg.LLM.Provider != tc.wantProvider {
				t.Errorf("provider: got %s, want %s", cfg.LLM.Provider, tc.wantProvider)
			}
		})
	}
}

func TestLoadWithCLITelemetryHeaders(t *testing.T) {
	args := []string{
		"--set", "telemetry.exporter=otlp",
		"--set", "telemetry.otlp_endpoint=http://localhost:4317",
		"--set", "telemetry.otlp_headers.x-api-key=secret-token",
		"--set", "telemetry.otlp_headers.x-org-id=org-123",
		"--set", "telemetry.otlp_user=admin",
		"--set", "telemetry.otlp_token=password123",
	}

	cfg, err := LoadWithCLI(args)
	if err != nil {
		t.Fatalf("LoadWithCLI failed: %v", err)
	}

	if cfg.Telemetry.Exporter != "otlp" {
		t.Errorf("expected exporter otlp, got %s", cfg.Telemetry.Exporter)
	}
	if cfg.Telemetry.OTLPEndpoint != "http://localhost:4317" {
		t.Errorf("expected endpoint, got %s", cfg.Telemetry.OTLPEndpoint)
	}

	headers := cfg.Telemetry.OTLPHeaders
	if headers["x-api-key"] != "secret-token" {
		t.Errorf("expected x-api-key=secret-token, got %s", headers["x-api-key"])
	}
	if headers["x-org-id"] != "org-123" {
		t.Errorf("expected x-org-id=org-123, got %s", headers["x-org-id"])
	}
	if cfg.Telemetry.OTLPUser != "admin" || cfg.Telemetry.OTLPToken != "password123" {
		t.Errorf("expected basic auth credentials, got %q/%q", cfg.Telemetry.OTLPUser, cfg.Telemetry.OTLPToken)
	}
}

func TestProfileConfigPath(t *testing.T) {
	tmpDir := t.TempDir()

	devPath := filepath.Join(tmpDir, "config.dev.yaml")
	if err := os.WriteFile(devPath, []byte("test"), 0644); err != nil {
		t.Fatalf("failed to create dev config: %v", err)
	}

	basePath := filepath.Join(tmpDir, "config.yaml")

	tests := []struct {
		name     string
		base     string
		profile  string
		wantPath string
	}{
		{"existing profile", basePath, "dev", devPath},
		{"nonexistent profile", basePath, "prod", ""},
		{"empty profile", basePath, "", ""},
		{"empty base", "", "dev", ""},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := profileConfigPath(tc.base, tc.profile)
			if got != tc.wantPath {
				t.Errorf("profileConfigPath(%q, %q) = %q, want %q", tc.base, tc.profile, got, tc.wantPath)
			}
		})
	}
}
