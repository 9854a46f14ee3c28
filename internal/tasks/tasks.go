// Copyright 2026 © The Messagebus Authors
// SPDX-License-Identifier: Apache-2.0

// Package tasks runs the project's maintenance tasks.
//
// A task is a named shell script with dependencies. Scripts run in an
// embedded POSIX shell with errexit set, so the first failing command stops
// the task and every task after it.
package tasks

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"

	"github.com/dominikbraun/graph"
	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"

	"github.com/jllopis/messagebus/pkg/errors"
	"github.com/jllopis/messagebus/pkg/telemetry"
)

// Built-in task names.
const (
	UpgradeTooling = "upgrade-tooling"
	Requirements   = "requirements"
)

// Config is resolved once per invocation and exposed to scripts as
// environment variables.
type Config struct {
	ProjectDir  string
	Profile     string
	ProjectName string
	Python      string
	Manifest    string
	HasConda    bool
}

// DefaultConfig runs in the working directory with python3.
func DefaultConfig() Config {
	_, err := exec.LookPath("conda")
	return Config{
		Profile:     "default",
		ProjectName: "messagebus_client",
		Python:      "python3",
		Manifest:    "requirements.txt",
		HasConda:    err == nil,
	}
}

func (c Config) environ() expand.Environ {
	vars := os.Environ()
	vars = append(vars,
		"PYTHON="+c.Python,
		"PROJECT_NAME="+c.ProjectName,
		"PROFILE="+c.Profile,
		"MANIFEST="+c.Manifest,
		"HAS_CONDA="+strconv.FormatBool(c.HasConda),
	)
	return expand.ListEnviron(vars...)
}

// Task is a named script.
type Task struct {
	Name        string
	Description string
	Deps        []string
	Script      string
}

// Builtin returns the tasks every runner knows.
func Builtin() []Task {
	return []Task{
		{
			Name:        UpgradeTooling,
			Description: "upgrade pip, setuptools and wheel",
			Script:      `"$PYTHON" -m pip install --upgrade pip setuptools wheel`,
		},
		{
			Name:        Requirements,
			Description: "install the packages listed in the manifest",
			Deps:        []string{UpgradeTooling},
			Script:      `"$PYTHON" -m pip install -r "$MANIFEST"`,
		},
	}
}

// Runner orders and runs tasks.
type Runner struct {
	cfg    Config
	tasks  map[string]Task
	exec   interp.ExecHandlerFunc
	stdout io.Writer
	stderr io.Writer
	dryRun bool
	logger *slog.Logger
}

// Option configures a Runner.
type Option func(*Runner)

// WithTask adds or replaces a task.
func WithTask(t Task) Option {
	return func(r *Runner) {
		r.tasks[t.Name] = t
	}
}

// WithExecHandler replaces how external commands are started.
func WithExecHandler(fn interp.ExecHandlerFunc) Option {
	return func(r *Runner) {
		r.exec = fn
	}
}

// WithOutput sets where command output goes.
func WithOutput(stdout, stderr io.Writer) Option {
	return func(r *Runner) {
		if stdout != nil {
			r.stdout = stdout
		}
		if stderr != nil {
			r.stderr = stderr
		}
	}
}

// WithDryRun prints each command instead of running it.
func WithDryRun(dryRun bool) Option {
	return func(r *Runner) {
		r.dryRun = dryRun
	}
}

// WithLogger sets the runner logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = telemetry.Component(logger, "tasks")
		}
	}
}

// NewRunner creates a runner with the built-in tasks.
func NewRunner(cfg Config, opts ...Option) *Runner {
	r := &Runner{
		cfg:    cfg,
		tasks:  make(map[string]Task),
		stdout: os.Stdout,
		stderr: os.Stderr,
		logger: telemetry.Component(slog.Default(), "tasks"),
	}
	for _, t := range Builtin() {
		r.tasks[t.Name] = t
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Tasks lists the known tasks by name.
func (r *Runner) Tasks() []Task {
	out := make([]Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Plan returns the tasks needed to run name, dependencies first.
func (r *Runner) Plan(name string) ([]string, error) {
	if _, ok := r.tasks[name]; !ok {
		return nil, errors.New(errors.CodeNotFound, "unknown task", nil).WithContext("task", name)
	}

	g := graph.New(func(t Task) string { return t.Name }, graph.Directed(), graph.PreventCycles())
	for _, t := range r.tasks {
		if err := g.AddVertex(t); err != nil {
			return nil, errors.New(errors.CodeInternal, "failed to add task", err).WithContext("task", t.Name)
		}
	}
	for _, t := range r.Tasks() {
		for _, dep := range t.Deps {
			if _, ok := r.tasks[dep]; !ok {
				return nil, errors.New(errors.CodeNotFound, "unknown task dependency", nil).
					WithContext("task", t.Name).
					WithContext("dependency", dep)
			}
			if err := g.AddEdge(dep, t.Name); err != nil {
				if stderrors.Is(err, graph.ErrEdgeCreatesCycle) {
					return nil, errors.New(errors.CodeInvalidInput, "task dependencies form a cycle", err).
						WithContext("task", t.Name).
						WithContext("dependency", dep)
				}
				if stderrors.Is(err, graph.ErrEdgeAlreadyExists) {
					continue
				}
				return nil, errors.New(errors.CodeInternal, "failed to add dependency", err).
					WithContext("task", t.Name)
			}
		}
	}

	needed := make(map[string]bool)
	r.collect(name, needed)

	order, err := graph.StableTopologicalSort(g, func(a, b string) bool { return a < b })
	if err != nil {
		return nil, errors.New(errors.CodeInternal, "failed to order tasks", err)
	}
	plan := make([]string, 0, len(needed))
	for _, n := range order {
		if needed[n] {
			plan = append(plan, n)
		}
	}
	return plan, nil
}

func (r *Runner) collect(name string, seen map[string]bool) {
	if seen[name] {
		return
	}
	seen[name] = true
	for _, dep := range r.tasks[name].Deps {
		r.collect(dep, seen)
	}
}

// Run runs name after its dependencies. The first failing command ends the
// run; its exit status is carried by the returned TASK_FAILED error.
func (r *Runner) Run(ctx context.Context, name string) error {
	plan, err := r.Plan(name)
	if err != nil {
		return err
	}
	for _, n := range plan {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.runTask(ctx, r.tasks[n]); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) runTask(ctx context.Context, t Task) error {
	file, err := syntax.NewParser().Parse(strings.NewReader(t.Script), t.Name)
	if err != nil {
		return errors.New(errors.CodeInvalidInput, "failed to parse task script", err).WithContext("task", t.Name)
	}

	opts := []interp.RunnerOption{
		interp.Env(r.cfg.environ()),
		interp.StdIO(nil, r.stdout, r.stderr),
		interp.Params("-e"),
	}
	if r.cfg.ProjectDir != "" {
		opts = append(opts, interp.Dir(r.cfg.ProjectDir))
	}
	if r.exec != nil {
		fn := r.exec
		opts = append(opts, interp.ExecHandlers(func(interp.ExecHandlerFunc) interp.ExecHandlerFunc {
			return fn
		}))
	}
	runner, err := interp.New(opts...)
	if err != nil {
		return errors.New(errors.CodeInternal, "failed to initialize shell", err).WithContext("task", t.Name)
	}

	printer := syntax.NewPrinter()
	var buf strings.Builder
	r.logger.Info("running task", "task", t.Name, "dry_run", r.dryRun)
	for _, stmt := range file.Stmts {
		buf.Reset()
		if err := printer.Print(&buf, stmt); err != nil {
			return errors.New(errors.CodeInternal, "failed to print command", err).WithContext("task", t.Name)
		}
		r.logger.Debug("command", "task", t.Name, "cmd", buf.String())

		if r.dryRun {
			fmt.Fprintf(r.stdout, "+ %s\n", r.expandCommand(stmt, buf.String()))
			continue
		}
		if err := runner.Run(ctx, stmt); err != nil {
			return r.failure(ctx, t, err)
		}
		if runner.Exited() {
			return nil
		}
	}
	return nil
}

// expandCommand renders a simple command with its arguments expanded against
// the runner environment. Anything else keeps its printed form.
func (r *Runner) expandCommand(stmt *syntax.Stmt, printed string) string {
	call, ok := stmt.Cmd.(*syntax.CallExpr)
	if !ok || len(call.Assigns) > 0 || len(stmt.Redirs) > 0 {
		return printed
	}
	fields, err := expand.Fields(&expand.Config{Env: r.cfg.environ()}, call.Args...)
	if err != nil {
		r.logger.Debug("cannot expand command", "cmd", printed, "error", err)
		return printed
	}
	for i, f := range fields {
		if q, err := syntax.Quote(f, syntax.LangBash); err == nil {
			fields[i] = q
		}
	}
	return strings.Join(fields, " ")
}

func (r *Runner) failure(ctx context.Context, t Task, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var status interp.ExitStatus
	if stderrors.As(err, &status) {
		r.logger.Error("task failed", "task", t.Name, "status", int(status))
		return errors.New(errors.CodeTaskFailed, "task failed", err).
			WithContext("task", t.Name).
			WithContext("status", int(status))
	}
	r.logger.Error("task failed", "task", t.Name, "error", err)
	return errors.New(errors.CodeTaskFailed, "task failed", err).WithContext("task", t.Name)
}

// ExitCode returns the process exit code for err: 0 for nil, the failing
// command's status for a task failure and 1 otherwise.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var status interp.ExitStatus
	if stderrors.As(err, &status) && status != 0 {
		return int(status)
	}
	return 1
}

// RunRequirements upgrades the packaging tools and installs the manifest.
func RunRequirements(ctx context.Context, cfg Config, opts ...Option) error {
	return NewRunner(cfg, opts...).Run(ctx, Requirements)
}
