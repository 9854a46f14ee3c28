// Copyright 2026 © The Messagebus Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"

	"github.com/jllopis/messagebus/pkg/errors"
)

// CLIError wraps BusError with a hint for the operator.
type CLIError struct {
	*errors.BusError
	Hint string
}

// NewCLIError creates a new CLI error.
func NewCLIError(be *errors.BusError, hint string) *CLIError {
	return &CLIError{BusError: be, Hint: hint}
}

func (e *CLIError) Error() string {
	if e.BusError == nil {
		return "unknown error"
	}
	msg := e.BusError.Error()
	if e.Hint != "" {
		msg += "\n  Hint: " + e.Hint
	}
	return msg
}

func (e *CLIError) Unwrap() error {
	if e.BusError == nil {
		return nil
	}
	return e.BusError
}

// PrintError writes the error to w, as a JSON object when asJSON is set.
func (e *CLIError) PrintError(w io.Writer, asJSON bool) {
	if asJSON {
		out := map[string]any{"error": map[string]any{
			"code":    e.Code,
			"message": e.Message,
			"hint":    e.Hint,
			"context": e.Context,
		}}
		data, _ := json.Marshal(out)
		fmt.Fprintln(w, string(data))
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

// exitError carries a process exit status without printing anything more.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

// toCLIError attaches a hint matching the error code.
func toCLIError(err error, url string) *CLIError {
	var ce *CLIError
	if stderrors.As(err, &ce) {
		return ce
	}
	var be *errors.BusError
	if !stderrors.As(err, &be) {
		return NewCLIError(errors.New(errors.CodeInvalidInput, err.Error(), nil), "run 'busctl --help' for usage")
	}

	var hint string
	switch be.Code {
	case errors.CodeConnectionRefused, errors.CodeConnectionClosed:
		hint = fmt.Sprintf("check that the message bus is running at %s", url)
	case errors.CodeTimeout:
		hint = "try a longer --timeout or check that a service answers this message type"
	case errors.CodeNotFound:
		hint = "list the sections with 'busctl config show'"
	case errors.CodeConfig:
		hint = "check the --config file and MESSAGEBUS_* variables"
	case errors.CodeInvalidInput, errors.CodeInvalidMessage:
		hint = "payloads are JSON objects, e.g. '{\"utterance\": \"hello\"}'"
	}
	return NewCLIError(be, hint)
}
