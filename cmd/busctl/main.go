// Copyright 2026 © The Messagebus Authors
// SPDX-License-Identifier: Apache-2.0

// Command busctl talks to the message bus from the shell.
package main

import (
	"context"
	stderrors "errors"
	"os"
	"os/signal"
	"syscall"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := newApp(os.Stdout, os.Stderr)
	os.Exit(a.execute(ctx, os.Args[1:]))
}

// execute runs the command line and returns the process exit code.
func (a *app) execute(ctx context.Context, args []string) int {
	root := newRootCmd(a)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	a.teardown(context.Background())
	if err == nil {
		return 0
	}
	if stderrors.Is(err, context.Canceled) {
		return 130
	}

	var exit *exitError
	if stderrors.As(err, &exit) {
		toCLIError(exit.err, a.busURL()).PrintError(a.stderr, a.jsonErrors)
		return exit.code
	}
	toCLIError(err, a.busURL()).PrintError(a.stderr, a.jsonErrors)
	return 1
}
