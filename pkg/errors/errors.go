// SPDX-License-Identifier: Apache-2.0
// Package errors provides typed errors with rich context for Ensemble.
// Only completion-service failures are fatal to a run; every other anomaly
// is smoothed over by the orchestrator and never reaches the caller.
package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// ErrorCode classifies Ensemble errors for monitoring and exit handling.
type ErrorCode string

const (
	// CodeInternal indicates an internal system error.
	CodeInternal ErrorCode = "INTERNAL_ERROR"

	// CodeInvalidInput indicates the input was invalid.
	CodeInvalidInput ErrorCode = "INVALID_INPUT"

	// CodeContextLost indicates the caller's context ended mid-operation.
	CodeContextLost ErrorCode = "CONTEXT_LOST"

	// CodeTimeout indicates an operation exceeded its time limit.
	CodeTimeout ErrorCode = "TIMEOUT"

	// CodeRateLimit indicates rate limiting was triggered.
	CodeRateLimit ErrorCode = "RATE_LIMITED"

	// CodeNotFound indicates a resource was not found.
	CodeNotFound ErrorCode = "NOT_FOUND"

	// CodeUnauthorized indicates authorization failed.
	CodeUnauthorized ErrorCode = "UNAUTHORIZED"

	// CodeLLMError indicates a single provider call failed.
	CodeLLMError ErrorCode = "LLM_ERROR"

	// CodeUnavailable indicates the completion service could not serve the run.
	// This is the only error class that aborts an orchestration run.
	CodeUnavailable ErrorCode = "SERVICE_UNAVAILABLE"

	// CodeStorage indicates a journal storage failure.
	CodeStorage ErrorCode = "STORAGE_ERROR"
)

// EnsembleError is a typed error with rich context for observability.
// It implements the error interface and can be unwrapped with errors.As().
type EnsembleError struct {
	Code        ErrorCode
	Message     string
	Err         error
	Context     map[string]interface{}
	Attributes  map[string]string
	Recoverable bool
	StatusCode  int
}

// Error implements the error interface.
func (e *EnsembleError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap implements errors.Unwrap for error chain traversal.
func (e *EnsembleError) Unwrap() error {
	return e.Err
}

// MarshalJSON implements json.Marshaler for structured logging.
func (e *EnsembleError) MarshalJSON() ([]byte, error) {
	var cause string
	if e.Err != nil {
		cause = e.Err.Error()
	}
	return json.Marshal(&struct {
		Message     string                 `json:"message"`
		Code        string                 `json:"code"`
		Err         string                 `json:"error,omitempty"`
		Recoverable bool                   `json:"recoverable"`
		StatusCode  int                    `json:"status_code"`
		Context     map[string]interface{} `json:"context,omitempty"`
		Attributes  map[string]string      `json:"attributes,omitempty"`
	}{
		Message:     e.Error(),
		Code:        string(e.Code),
		Err:         cause,
		Recoverable: e.Recoverable,
		StatusCode:  e.StatusCode,
		Context:     e.Context,
		Attributes:  e.Attributes,
	})
}

// New creates a new EnsembleError with the given code, message, and cause.
func New(code ErrorCode, msg string, cause error) *EnsembleError {
	return &EnsembleError{
		Code:       code,
		Message:    msg,
		Err:        cause,
		Context:    make(map[string]interface{}),
		Attributes: make(map[string]string),
		StatusCode: codeToStatusCode(code),
	}
}

// WithContext adds a key-value pair to the error context.
// Returns the error for method chaining.
func (e *EnsembleError) WithContext(key string, value interface{}) *EnsembleError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithAttribute adds a string attribute for OTEL traces.
// Returns the error for method chaining.
func (e *EnsembleError) WithAttribute(key, value string) *EnsembleError {
	if e.Attributes == nil {
		e.Attributes = make(map[string]string)
	}
	e.Attributes[key] = value
	return e
}

// WithRecoverable sets whether the error can be recovered from.
// Returns the error for method chaining.
func (e *EnsembleError) WithRecoverable(recoverable bool) *EnsembleError {
	e.Recoverable = recoverable
	return e
}

// Find returns the first EnsembleError in err's chain.
func Find(err error) (*EnsembleError, bool) {
	for cur := err; cur != nil; {
		if ee, ok := cur.(*EnsembleError); ok {
			return ee, true
		}
		u, ok := cur.(interface{ Unwrap() error })
		if !ok {
			break
		}
		cur = u.Unwrap()
	}
	return nil, false
}

// AsEnsembleError finds the first EnsembleError in err's chain.
// Unknown errors are wrapped as internal.
func AsEnsembleError(err error) *EnsembleError {
	if err == nil {
		return nil
	}
	if ee, ok := Find(err); ok {
		return ee
	}
	return New(CodeInternal, "wrapped error", err)
}

// HasCode reports whether err's chain carries an EnsembleError with code.
func HasCode(err error, code ErrorCode) bool {
	ee, ok := Find(err)
	return ok && ee.Code == code
}

// RecoverableString returns "true" or "false" as a string for observability.
func (e *EnsembleError) RecoverableString() string {
	if e.Recoverable {
		return "true"
	}
	return "false"
}

func codeToStatusCode(code ErrorCode) int {
	switch code {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeInvalidInput:
		return http.StatusBadRequest
	case CodeTimeout:
		return http.StatusRequestTimeout
	case CodeRateLimit:
		return http.StatusTooManyRequests
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
