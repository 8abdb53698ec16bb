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

	"github.com/spf13/cobra"

	"github.com/bartekus/promptchain/pkg/artifactstore"
	"github.com/bartekus/promptchain/pkg/config"
	"github.com/bartekus/promptchain/pkg/runindex"
	"github.com/bartekus/promptchain/pkg/runner"
)

// NewRunsCommand builds `promptchain runs`, with `ls` and `show <run_id>`
// subcommands that query the Run Index when DATABASE_URL is configured
// and otherwise scan the run root directly — the filesystem is always
// authoritative, per spec §4.9.
func NewRunsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect past runs",
	}
	cmd.AddCommand(newRunsLsCommand())
	cmd.AddCommand(newRunsShowCommand())
	return cmd
}

func newRunsLsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "ls",
		Short: "List past runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, store, err := loadRunsContext(cmd)
			if err != nil {
				return err
			}

			if idx, closeIdx, ok := openRunIndex(ctx, cfg); ok {
				defer closeIdx()
				recs, err := idx.List(ctx)
				if err != nil {
					return fmt.Errorf("listing runs from index: %w", err)
				}
				printRunList(cmd, recs)
				return nil
			}

			recs, err := runindex.ScanRuns(store)
			if err != nil {
				return fmt.Errorf("scanning runs: %w", err)
			}
			printRunList(cmd, recs)
			return nil
		},
	}
}

func newRunsShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <run_id>",
		Short: "Show one run's summary and per-stage status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID := args[0]
			ctx := cmd.Context()
			cfg, store, err := loadRunsContext(cmd)
			if err != nil {
				return err
			}

			if idx, closeIdx, ok := openRunIndex(ctx, cfg); ok {
				defer closeIdx()
				rec, stages, found, err := idx.Get(ctx, runID)
				if err != nil {
					return fmt.Errorf("fetching run %s from index: %w", runID, err)
				}
				if found {
					printRunDetail(cmd, rec, stages)
					return nil
				}
			}

			rec, stages, found, err := runindex.ScanRun(store, runID)
			if err != nil {
				return fmt.Errorf("scanning run %s: %w", runID, err)
			}
			if !found {
				return fmt.Errorf("run %s not found under %s", runID, store.Root())
			}
			printRunDetail(cmd, rec, stages)
			return nil
		},
	}
}

func loadRunsContext(cmd *cobra.Command) (*config.Config, *artifactstore.Store, error) {
	flags := ResolveFlags(cmd)
	cfg, err := config.Load(flags.Config)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, artifactstore.New(cfg.RunRoot), nil
}

func openRunIndex(ctx context.Context, cfg *config.Config) (*runindex.Index, func(), bool) {
	if cfg.DatabaseURL == "" {
		return nil, nil, false
	}
	idx, err := runindex.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, false
	}
	return idx, func() { _ = idx.Close() }, true
}

func printRunList(cmd *cobra.Command, recs []runner.RunRecord) {
	out := cmd.OutOrStdout()
	for _, rec := range recs {
		fmt.Fprintf(out, "%s\t%s\t%s\n", rec.RunID, rec.PipelineName, rec.Status)
	}
}

func printRunDetail(cmd *cobra.Command, rec runner.RunRecord, stages map[string]string) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "run_id: %s\n", rec.RunID)
	fmt.Fprintf(out, "pipeline: %s\n", rec.PipelineName)
	fmt.Fprintf(out, "status: %s\n", rec.Status)
	fmt.Fprintf(out, "stages:\n")
	for stageID, status := range stages {
		fmt.Fprintf(out, "  %s: %s\n", stageID, status)
	}
}
