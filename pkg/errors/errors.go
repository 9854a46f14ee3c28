// Copyright 2026 © The Messagebus Authors
// SPDX-License-Identifier: Apache-2.0

// Package errors provides typed error handling with rich context for the
// message bus client.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
)

// ErrorCode classifies bus errors for monitoring and recovery.
type ErrorCode string

const (
	// CodeInternal indicates an internal system error.
	CodeInternal ErrorCode = "INTERNAL_ERROR"

	// CodeInvalidInput indicates the input was invalid.
	CodeInvalidInput ErrorCode = "INVALID_INPUT"

	// CodeInvalidMessage indicates a frame could not be decoded as a bus message.
	CodeInvalidMessage ErrorCode = "INVALID_MESSAGE"

	// CodeNotConnected indicates a message was emitted before the client ran.
	CodeNotConnected ErrorCode = "NOT_CONNECTED"

	// CodeConnectionClosed indicates a write on a closed socket.
	CodeConnectionClosed ErrorCode = "CONNECTION_CLOSED"

	// CodeConnectionRefused indicates the bus did not accept the connection.
	CodeConnectionRefused ErrorCode = "CONNECTION_REFUSED"

	// CodeTimeout indicates an operation exceeded its time limit.
	CodeTimeout ErrorCode = "TIMEOUT"

	// CodeNotFound indicates a resource was not found.
	CodeNotFound ErrorCode = "NOT_FOUND"

	// CodeConfig indicates configuration could not be loaded or is invalid.
	CodeConfig ErrorCode = "CONFIG_ERROR"

	// CodeTaskFailed indicates a task runner step exited unsuccessfully.
	CodeTaskFailed ErrorCode = "TASK_FAILED"
)

// BusError is a typed error with rich context for observability.
// It implements the error interface and can be unwrapped with errors.As().
type BusError struct {
	Code        ErrorCode
	Message     string
	Err         error
	Context     map[string]interface{}
	Recoverable bool
}

// Error implements the error interface.
func (e *BusError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap implements errors.Unwrap for error chain traversal.
func (e *BusError) Unwrap() error {
	return e.Err
}

// MarshalJSON implements json.Marshaler for structured logging.
func (e *BusError) MarshalJSON() ([]byte, error) {
	cause := ""
	if e.Err != nil {
		cause = e.Err.Error()
	}
	return json.Marshal(&struct {
		Message     string                 `json:"message"`
		Code        string                 `json:"code"`
		Err         string                 `json:"error,omitempty"`
		Recoverable bool                   `json:"recoverable"`
		Context     map[string]interface{} `json:"context,omitempty"`
	}{
		Message:     e.Error(),
		Code:        string(e.Code),
		Err:         cause,
		Recoverable: e.Recoverable,
		Context:     e.Context,
	})
}

// New creates a new BusError with the given code, message, and cause.
func New(code ErrorCode, msg string, cause error) *BusError {
	return &BusError{
		Code:    code,
		Message: msg,
		Err:     cause,
		Context: make(map[string]interface{}),
	}
}

// WithContext adds a key-value pair to the error context.
// Returns the error for method chaining.
func (e *BusError) WithContext(key string, value interface{}) *BusError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithRecoverable sets whether the error can be recovered from.
// Returns the error for method chaining.
func (e *BusError) WithRecoverable(recoverable bool) *BusError {
	e.Recoverable = recoverable
	return e
}

// AsBusError attempts to convert an error to a BusError.
// Returns the error as BusError if one is in the chain, or wraps it otherwise.
func AsBusError(err error) *BusError {
	if err == nil {
		return nil
	}
	var be *BusError
	if stderrors.As(err, &be) {
		return be
	}
	return New(CodeInternal, "wrapped error", err)
}

// HasCode reports whether err carries a BusError with the given code.
func HasCode(err error, code ErrorCode) bool {
	var be *BusError
	if !stderrors.As(err, &be) {
		return false
	}
	return be.Code == code
}

// RecoverableString returns "true" or "false" as a string for observability.
func (e *BusError) RecoverableString() string {
	if e.Recoverable {
		return "true"
	}
	return "false"
}
