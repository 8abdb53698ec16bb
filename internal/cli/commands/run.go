// SPDX-License-Identifier: AGPL-3.0-or-later

/*

PromptChain - a local-first orchestrator for multi-stage LLM prompt pipelines.

Copyright (C) 2025  Bartek Kus

This program is free software licensed under the terms of the GNU AGPL v3 or later.

See https://www.gnu.org/licenses/ for license details.

*/

package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/bartekus/promptchain/pkg/artifactstore"
	"github.com/bartekus/promptchain/pkg/config"
	"github.com/bartekus/promptchain/pkg/logging"
	"github.com/bartekus/promptchain/pkg/providers/llm"
	"github.com/bartekus/promptchain/pkg/runindex"
	"github.com/bartekus/promptchain/pkg/runner"
	"github.com/bartekus/promptchain/pkg/stageexec"
	"github.com/bartekus/promptchain/pkg/template"
)

// NewRunCommand builds `promptchain run`. Flag parsing is disabled so
// arbitrary --<name> <value> pairs survive to parseRunArgs instead of
// being rejected by Cobra/pflag as unknown flags.
func NewRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:                "run",
		Short:              "Run a pipeline",
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			flags, configPath, verbose, err := parseRunArgs(args)
			if err != nil {
				return err
			}
			if flags.PipelinePath == "" {
				return fmt.Errorf("--pipeline is required")
			}
			return runPipeline(cmd, flags, configPath, verbose)
		},
	}
	return cmd
}

func parseRunArgs(args []string) (flags runner.Flags, configPath string, verbose bool, err error) {
	flags.Params = map[string]string{}

	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--verbose" || arg == "-v" {
			verbose = true
			continue
		}
		if !strings.HasPrefix(arg, "--") {
			return runner.Flags{}, "", false, fmt.Errorf("unexpected positional argument %q", arg)
		}
		if i+1 >= len(args) {
			return runner.Flags{}, "", false, fmt.Errorf("flag %q requires a value", arg)
		}
		value := args[i+1]
		i++

		switch {
		case arg == "--pipeline":
			flags.PipelinePath = value
		case arg == "--run-dir":
			flags.RunDirPath = value
		case arg == "--stage":
			flags.Stage = value
		case arg == "--from-stage":
			flags.FromStage = value
		case arg == "--stop-after":
			flags.StopAfter = value
		case arg == "--config":
			configPath = value
		default:
			flags.Params[strings.TrimPrefix(arg, "--")] = value
		}
	}
	return flags, configPath, verbose, nil
}

func runPipeline(cmd *cobra.Command, flags runner.Flags, configPath string, verbose bool) error {
	if configPath == "" {
		configPath = config.DefaultConfigPath()
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := config.LoadDotEnv(".env"); err != nil {
		return fmt.Errorf("loading .env: %w", err)
	}

	logger := logging.NewLogger(verbose)
	store := artifactstore.New(cfg.RunRoot)
	executor := stageexec.New(store, template.New())
	r := runner.New(store, executor, llm.DefaultRegistry, logger)

	plan, err := r.Prepare(flags)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "run_dir: %s\n", plan.RunDir)

	ctx := context.Background()
	summary, err := r.Execute(ctx, plan)
	if idx, closeIdx, ok := openRunIndex(ctx, cfg); ok {
		if rec, stages, found, scanErr := runindex.ScanRun(store, plan.RunID); scanErr == nil && found {
			_ = idx.RecordRun(ctx, rec, stages)
		}
		closeIdx()
	}
	if err != nil {
		return err
	}
	if summary.Status != "completed" && summary.Status != "awaiting_batch" {
		return fmt.Errorf("run %s finished with status %q", plan.RunID, summary.Status)
	}
	return nil
}
