// Copyright 2026 © The Ensemble Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads Ensemble settings from defaults, YAML files, a .env
// file, ENSEMBLE_* environment variables and --set overrides, in that order.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/jllopis/ensemble/pkg/errors"
)

// EnvPrefix is the prefix of environment variables mapped onto config keys.
const EnvPrefix = "ENSEMBLE_"

type Config struct {
	Log       LogConfig       `koanf:"log"`
	LLM       LLMConfig       `koanf:"llm"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
	Journal   JournalConfig   `koanf:"journal"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json, text
}

type LLMConfig struct {
	Provider    string  `koanf:"provider"` // openai, anthropic, ollama, mock
	Model       string  `koanf:"model"`
	BaseURL     string  `koanf:"base_url"`
	APIKey      string  `koanf:"api_key"`
	Temperature float64 `koanf:"temperature"`
	MaxTokens   int     `koanf:"max_tokens"`
	// TimeoutSeconds bounds each completion attempt; 0 leaves only the caller's deadline.
	TimeoutSeconds int `koanf:"timeout_seconds"`
	MaxAttempts    int `koanf:"max_attempts"`
	// BreakerFailures is the consecutive failure count that opens the
	// circuit breaker; 0 disables it.
	BreakerFailures int `koanf:"breaker_failures"`
}

type TelemetryConfig struct {
	Exporter           string            `koanf:"exporter"` // none, stdout, otlp
	OTLPEndpoint       string            `koanf:"otlp_endpoint"`
	OTLPInsecure       bool              `koanf:"otlp_insecure"`
	OTLPTimeoutSeconds int               `koanf:"otlp_timeout_seconds"`
	OTLPHeaders        map[string]string `koanf:"otlp_headers"`
	OTLPUser           string            `koanf:"otlp_user"`
	OTLPToken          string            `koanf:"otlp_token"`
}

type JournalConfig struct {
	Enabled bool   `koanf:"enabled"`
	Path    string `koanf:"path"` // sqlite file; empty keeps the journal in memory
}

// Global k instance
var k = koanf.New(".")

var (
	validProviders = map[string]bool{"openai": true, "anthropic": true, "ollama": true, "mock": true}
	validExporters = map[string]bool{"none": true, "stdout": true, "otlp": true}
)

// Load reads the config file at path (optional) on top of the defaults.
func Load(path string) (*Config, error) {
	return load(path, "", nil)
}

// LoadWithProfile loads path and then, when it exists, the sibling
// "<name>.<profile><ext>" file on top of it.
func LoadWithProfile(path, profile string) (*Config, error) {
	return load(path, profile, nil)
}

// LoadWithCLI loads configuration honouring --config, --profile (alias --env)
// and repeated --set key=value arguments. Other arguments are ignored.
func LoadWithCLI(args []string) (*Config, error) {
	opts, overrides, err := parseCLIOverrides(args)
	if err != nil {
		return nil, err
	}
	return load(opts.ConfigPath, opts.Profile, overrides)
}

func load(path, profile string, overrides []override) (*Config, error) {
	k = koanf.New(".")
	setDefaults()

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, errors.New(errors.CodeInvalidInput, "failed to load config file", err).
				WithContext("path", path)
		}
		if p := profileConfigPath(path, profile); p != "" {
			if err := k.Load(file.Provider(p), yaml.Parser()); err != nil {
				return nil, errors.New(errors.CodeInvalidInput, "failed to load profile config", err).
					WithContext("path", p)
			}
		}
	}

	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	// ENSEMBLE_LLM_API_KEY -> llm.api_key: only the first underscore
	// separates the section from the key.
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, err
	}

	for _, o := range overrides {
		if err := k.Set(o.Key, o.Value); err != nil {
			return nil, errors.New(errors.CodeInvalidInput, "invalid --set override", err).
				WithContext("key", o.Key)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults() {
	k.Set("log.level", "info")
	k.Set("log.format", "text")

	k.Set("llm.provider", "openai")
	k.Set("llm.model", "gpt-3.5-turbo")
	k.Set("llm.temperature", 0.0)
	k.Set("llm.max_tokens", 4096)
	k.Set("llm.timeout_seconds", 0)
	k.Set("llm.max_attempts", 1)
	k.Set("llm.breaker_failures", 0)

	k.Set("telemetry.exporter", "none")
	k.Set("telemetry.otlp_insecure", true)
	k.Set("telemetry.otlp_timeout_seconds", 10)

	k.Set("journal.enabled", false)
	k.Set("journal.path", "ensemble.db")
}

func envKey(s string) string {
	return strings.Replace(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "_", ".", 1)
}

// loadDotEnv populates the process environment from path without
// overriding variables that are already set. A missing file is not an error.
func loadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return errors.New(errors.CodeInvalidInput, "failed to load .env file", err).
			WithContext("path", path)
	}
	return nil
}

// Validate checks enumerated and numeric settings.
func (c *Config) Validate() error {
	if !validProviders[c.LLM.Provider] {
		return errors.New(errors.CodeInvalidInput, fmt.Sprintf("unknown llm provider %q", c.LLM.Provider), nil).
			WithContext("key", "llm.provider")
	}
	if !validExporters[c.Telemetry.Exporter] {
		return errors.New(errors.CodeInvalidInput, fmt.Sprintf("unknown telemetry exporter %q", c.Telemetry.Exporter), nil).
			WithContext("key", "telemetry.exporter")
	}
	if c.LLM.MaxAttempts < 1 {
		return errors.New(errors.CodeInvalidInput, "llm.max_attempts must be at least 1", nil)
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		return errors.New(errors.CodeInvalidInput, "llm.temperature must be between 0 and 2", nil)
	}
	if c.LLM.TimeoutSeconds < 0 || c.LLM.BreakerFailures < 0 {
		return errors.New(errors.CodeInvalidInput, "llm timeouts and thresholds must not be negative", nil)
	}
	return nil
}

// profileConfigPath returns the profile variant of base if it exists.
func profileConfigPath(base, profile string) string {
	if base == "" || profile == "" {
		return ""
	}
	ext := filepath.Ext(base)
	candidate := strings.TrimSuffix(base, ext) + "." + profile + ext
	if _, err := os.Stat(candidate); err != nil {
		return ""
	}
	return candidate
}

type cliOptions struct {
	ConfigPath string
	Profile    string
}

type override struct {
	Key   string
	Value any
}

func parseCLIOverrides(args []string) (cliOptions, []override, error) {
	var opts cliOptions
	var overrides []override

	for i := 0; i < len(args); i++ {
		name, value, hasValue := strings.Cut(args[i], "=")
		switch name {
		case "--config", "--profile", "--env", "--set":
		default:
			continue
		}
		if !hasValue {
			if i+1 >= len(args) {
				return opts, nil, errors.New(errors.CodeInvalidInput, fmt.Sprintf("missing value for %s", name), nil)
			}
			i++
			value = args[i]
		}

		switch name {
		case "--config":
			opts.ConfigPath = value
		case "--profile", "--env":
			opts.Profile = value
		case "--set":
			key, raw, ok := strings.Cut(value, "=")
			key = strings.TrimSpace(key)
			if !ok || key == "" {
				return opts, nil, errors.New(errors.CodeInvalidInput, fmt.Sprintf("invalid --set value %q, expected key=value", value), nil)
			}
			overrides = append(overrides, override{Key: key, Value: parseValue(raw)})
		}
	}
	return opts, overrides, nil
}

// parseValue decodes an override as a YAML scalar or flow collection so
// numbers, booleans and JSON objects keep their type.
func parseValue(raw string) any {
	var v any
	if err := yamlv3.Unmarshal([]byte(raw), &v); err != nil || v == nil {
		return raw
	}
	return v
}
