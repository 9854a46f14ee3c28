// Copyright 2026 © The Messagebus Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/jllopis/messagebus/internal/tasks"
	"github.com/jllopis/messagebus/pkg/client"
	"github.com/jllopis/messagebus/pkg/config"
	"github.com/jllopis/messagebus/pkg/telemetry"
)

// app holds the global flags and everything resolved from them.
type app struct {
	stdout io.Writer
	stderr io.Writer

	configPath string
	profile    string
	sets       []string
	section    string
	logLevel   string
	logFormat  string
	exporter   string
	jsonErrors bool

	cfg      *config.Config
	logger   *slog.Logger
	metrics  *telemetry.BusMetrics
	shutdown telemetry.ShutdownFunc

	// taskOptions are appended to every task runner, e.g. an exec handler.
	taskOptions []tasks.Option
	// watchOptions tune the watcher behind listen --watch.
	watchOptions []config.WatcherOption
}

func newApp(stdout, stderr io.Writer) *app {
	return &app{stdout: stdout, stderr: stderr}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "busctl",
		Short:         "Send, receive and inspect message bus traffic",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", config.DefaultPath, "configuration file")
	flags.StringVar(&a.profile, "profile", "", "configuration profile overlay")
	flags.StringArrayVar(&a.sets, "set", nil, "override a configuration key (key=value), repeatable")
	flags.StringVarP(&a.section, "section", "s", config.DefaultSection, "bus section to connect to")
	flags.StringVar(&a.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	flags.StringVar(&a.logFormat, "log-format", "", "log format (text, json)")
	flags.StringVar(&a.exporter, "telemetry", "", "telemetry exporter (none, stdout, otlp)")
	flags.BoolVar(&a.jsonErrors, "json-errors", false, "print errors as JSON")

	root.AddCommand(
		newSendCmd(a),
		newListenCmd(a),
		newEchoCmd(a),
		newWaitCmd(a),
		newRequestCmd(a),
		newCollectCmd(a),
		newConfigCmd(a),
		newRequirementsCmd(a),
		newVersionCmd(a),
	)
	return root
}

func (a *app) setup(cmd *cobra.Command) error {
	path := a.configPath
	if !cmd.Flags().Changed("config") {
		if _, err := os.Stat(path); err != nil {
			path = ""
		}
	}
	cfg, err := config.LoadWithOverrides(path, a.profile, a.sets)
	if err != nil {
		return err
	}
	a.configPath = path
	a.cfg = cfg

	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	if a.logFormat != "" {
		cfg.Log.Format = a.logFormat
	}
	if a.exporter != "" {
		cfg.Telemetry.Exporter = a.exporter
	}
	a.logger = telemetry.ConfigureSlog(a.stderr, cfg.Log.Level, cfg.Log.Format)

	shutdown, err := telemetry.InitWithConfig("busctl", version, telemetry.Config{
		Exporter:     cfg.Telemetry.Exporter,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure: cfg.Telemetry.OTLPInsecure,
		Writer:       a.stderr,
	})
	if err != nil {
		return err
	}
	a.shutdown = shutdown

	if cfg.Telemetry.Exporter != telemetry.ExporterNone {
		m, err := telemetry.NewBusMetrics()
		if err != nil {
			a.logger.Warn("metrics disabled", "error", err)
		} else {
			a.metrics = m
		}
	}
	return nil
}

// teardown flushes telemetry. It runs after failed commands too.
func (a *app) teardown(ctx context.Context) {
	if a.shutdown == nil {
		return
	}
	if err := a.shutdown(ctx); err != nil && a.logger != nil {
		a.logger.Warn("telemetry shutdown failed", "error", err)
	}
	a.shutdown = nil
}

// busConfig returns the selected bus section.
func (a *app) busConfig() (client.Config, error) {
	return a.cfg.Section(a.section)
}

func (a *app) busURL() string {
	if a.cfg == nil {
		return client.DefaultConfig().URL()
	}
	bc, err := a.busConfig()
	if err != nil {
		return fmt.Sprintf("section %q", a.section)
	}
	return bc.URL()
}

// newClient builds a client for the selected section.
func (a *app) newClient(opts ...client.Option) (*client.Client, error) {
	bc, err := a.busConfig()
	if err != nil {
		return nil, err
	}
	base := []client.Option{client.WithLogger(a.logger), client.WithMetrics(a.metrics)}
	return client.New(bc, append(base, opts...)...), nil
}

func newVersionCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the busctl version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(a.stdout, "busctl %s\n", version)
		},
	}
}
