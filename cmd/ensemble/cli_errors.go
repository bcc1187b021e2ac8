// Copyright 2026 © The Ensemble Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/jllopis/ensemble/pkg/errors"
)

// CLIError wraps EnsembleError with CLI-specific formatting and hints.
type CLIError struct {
	*errors.EnsembleError
	Hint string
}

// NewCLIError creates a new CLI error.
func NewCLIError(ee *errors.EnsembleError, hint string) *CLIError {
	return &CLIError{
		EnsembleError: ee,
		Hint:          hint,
	}
}

// Error returns the formatted error message with hints.
func (e *CLIError) Error() string {
	if e.EnsembleError == nil {
		return "unknown error"
	}

	msg := e.EnsembleError.Error()
	if e.Hint != "" {
		msg += "\n  Hint: " + e.Hint
	}
	return msg
}

// Unwrap exposes the underlying EnsembleError.
func (e *CLIError) Unwrap() error {
	if e.EnsembleError == nil {
		return nil
	}
	return e.EnsembleError
}

// PrintError writes the error to w, as a JSON object when asJSON is set.
func (e *CLIError) PrintError(w io.Writer, asJSON bool) {
	if asJSON {
		body := map[string]any{
			"code":    e.Code,
			"message": e.Message,
		}
		if e.Hint != "" {
			body["hint"] = e.Hint
		}
		if len(e.Context) > 0 {
			body["context"] = e.Context
		}
		payload, _ := json.Marshal(map[string]any{"error": body})
		fmt.Fprintln(w, string(payload))
		return
	}

	fmt.Fprintf(w, "Error [%s]: %s\n", e.Code, e.Message)
	if e.Err != nil {
		fmt.Fprintf(w, "  Cause: %v\n", e.Err)
	}
	if e.Hint != "" {
		fmt.Fprintf(w, "  Hint: %s\n", e.Hint)
	}
}

// AsCLIError converts any error into a CLIError, keeping the code of an
// EnsembleError in its chain and attaching the hint for that code.
func AsCLIError(err error) *CLIError {
	if ce, ok := err.(*CLIError); ok {
		return ce
	}
	ee, ok := errors.Find(err)
	if !ok {
		ee = errors.New(errors.CodeInternal, err.Error(), nil)
	}
	return NewCLIError(ee, hintFor(ee))
}

func hintFor(ee *errors.EnsembleError) string {
	code := ee.Code
	if ee.Code == errors.CodeUnavailable {
		// The orchestrator wraps every completion failure; the cause's code
		// says more about what to fix.
		if cause, ok := ee.Context["cause_code"].(string); ok {
			code = errors.ErrorCode(cause)
		}
	}
	switch code {
	case errors.CodeUnauthorized:
		return "check llm.api_key or the ENSEMBLE_LLM_API_KEY environment variable"
	case errors.CodeRateLimit:
		return "the provider is rate limiting requests; raise llm.max_attempts or try again later"
	case errors.CodeTimeout, errors.CodeContextLost:
		return "try increasing --timeout or llm.timeout_seconds"
	case errors.CodeLLMError, errors.CodeUnavailable:
		return "check llm.provider, llm.base_url and that the model is reachable"
	case errors.CodeStorage:
		return "check journal.path is writable or disable the journal with --set journal.enabled=false"
	case errors.CodeNotFound:
		return "run 'ensemble runs' to list recorded runs"
	default:
		return ""
	}
}

// NewInvalidArgumentError creates an invalid argument error with CLI hints.
func NewInvalidArgumentError(arg, reason string) *CLIError {
	ee := errors.New(errors.CodeInvalidInput, fmt.Sprintf("invalid argument: %s", reason), nil).
		WithContext("argument", arg).
		WithRecoverable(false)
	return NewCLIError(ee, "run 'ensemble help' for usage information")
}

// NewConfigError creates a configuration error with CLI hints.
func NewConfigError(err error, configPath string) *CLIError {
	ee := errors.New(errors.CodeInvalidInput, "configuration error", err).
		WithContext("config_path", configPath).
		WithRecoverable(false)

	hint := "check your configuration file syntax"
	if configPath != "" {
		hint = fmt.Sprintf("check %s for syntax errors", configPath)
	}
	return NewCLIError(ee, hint)
}

// NewNotFoundError creates a not found error with CLI hints.
func NewNotFoundError(resource, name string) *CLIError {
	ee := errors.New(errors.CodeNotFound, fmt.Sprintf("%s '%s' not found", resource, name), nil).
		WithContext("resource", resource).
		WithContext("name", name).
		WithRecoverable(false)
	return NewCLIError(ee, hintFor(ee))
}

// WrapConnectionError wraps a remote connection error with CLI hints.
func WrapConnectionError(err error, addr string) *CLIError {
	ee := errors.New(errors.CodeUnavailable, "connection failed", err).
		WithContext("address", addr).
		WithRecoverable(true)
	return NewCLIError(ee, fmt.Sprintf("check that 'ensemble mcp --http' is running at %s", addr))
}

func fatal(err error, asJSON bool) {
	AsCLIError(err).PrintError(os.Stderr, asJSON)
	os.Exit(1)
}
