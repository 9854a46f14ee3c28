// Copyright 2026 © The Messagebus Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jllopis/messagebus/internal/tasks"
	"github.com/jllopis/messagebus/pkg/errors"
)

func newConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the resolved configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the configuration after defaults, files, env and overrides",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := yaml.Marshal(a.cfg)
			if err != nil {
				return errors.New(errors.CodeInternal, "failed to encode configuration", err)
			}
			if a.configPath != "" {
				fmt.Fprintf(a.stdout, "# %s\n", a.configPath)
			}
			_, err = a.stdout.Write(data)
			return err
		},
	})
	return cmd
}

func newRequirementsCmd(a *app) *cobra.Command {
	var (
		dryRun     bool
		projectDir string
	)
	cmd := &cobra.Command{
		Use:   "requirements",
		Short: "Upgrade pip, setuptools and wheel, then install requirements.txt",
		Long: `Run "<python> -m pip install --upgrade pip setuptools wheel" followed by
"<python> -m pip install -r <manifest>" in the project directory. The
install step is skipped when the upgrade fails. busctl exits with the
status of the failing command.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tc := a.cfg.Tasks
			cfg := tasks.DefaultConfig()
			cfg.ProjectDir = tc.ProjectDir
			if projectDir != "" {
				cfg.ProjectDir = projectDir
			}
			if cfg.ProjectDir == "" {
				wd, err := os.Getwd()
				if err != nil {
					return errors.New(errors.CodeInternal, "failed to read working directory", err)
				}
				cfg.ProjectDir = wd
			}
			cfg.Profile = tc.Profile
			cfg.ProjectName = tc.ProjectName
			cfg.Python = tc.Python
			cfg.Manifest = tc.Manifest

			opts := append([]tasks.Option{
				tasks.WithDryRun(dryRun),
				tasks.WithOutput(a.stdout, a.stderr),
				tasks.WithLogger(a.logger),
			}, a.taskOptions...)
			err := tasks.RunRequirements(cmd.Context(), cfg, opts...)
			if err != nil && errors.HasCode(err, errors.CodeTaskFailed) {
				return &exitError{code: tasks.ExitCode(err), err: err}
			}
			return err
		},
	}
	cmd.Flags().BoolVarP(&dryRun, "dry-run", "n", false, "print the commands without running them")
	cmd.Flags().StringVar(&projectDir, "project-dir", "", "directory to run in (default: tasks.project_dir or the working directory)")
	return cmd
}
