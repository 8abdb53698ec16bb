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

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
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

// NewServeMCPCommand builds `promptchain serve-mcp`, exposing the same
// Runner the `run` command drives as MCP tools over stdio, so an
// MCP-aware LLM client can kick off and inspect pipeline runs itself.
// It adds no engine logic of its own — pure CLI-adjacent collaborator
// surface, per SPEC_FULL.md §6.
func NewServeMCPCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve-mcp",
		Short: "Serve PromptChain's run_pipeline/list_runs tools over MCP stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(ResolveFlags(cmd).Config)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			s := server.NewMCPServer("promptchain", "0.0.0-dev")
			s.AddTool(runPipelineTool(), runPipelineHandler(cfg))
			s.AddTool(listRunsTool(), listRunsHandler(cfg))

			return server.ServeStdio(s)
		},
	}
}

func runPipelineTool() mcp.Tool {
	return mcp.NewTool("run_pipeline",
		mcp.WithDescription("Run a PromptChain pipeline from a YAML file and return the run directory and final status."),
		mcp.WithString("pipeline_path", mcp.Required(), mcp.Description("Path to the pipeline YAML file")),
		mcp.WithString("stage", mcp.Description("Run only this stage id")),
	)
}

func runPipelineHandler(cfg *config.Config) func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		pipelinePath, err := req.RequireString("pipeline_path")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		stage := req.GetString("stage", "")

		store := artifactstore.New(cfg.RunRoot)
		executor := stageexec.New(store, template.New())
		r := runner.New(store, executor, llm.DefaultRegistry, logging.NewLogger(false))

		plan, err := r.Prepare(runner.Flags{PipelinePath: pipelinePath, Stage: stage})
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		summary, err := r.Execute(ctx, plan)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("run_dir=%s: %v", plan.RunDir, err)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("run_dir=%s status=%s", plan.RunDir, summary.Status)), nil
	}
}

func listRunsTool() mcp.Tool {
	return mcp.NewTool("list_runs",
		mcp.WithDescription("List past PromptChain runs and their status."),
	)
}

func listRunsHandler(cfg *config.Config) func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		store := artifactstore.New(cfg.RunRoot)

		if idx, closeIdx, ok := openRunIndex(ctx, cfg); ok {
			defer closeIdx()
			recs, err := idx.List(ctx)
			if err == nil {
				return mcp.NewToolResultText(formatRunRecords(recs)), nil
			}
		}

		recs, err := runindex.ScanRuns(store)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(formatRunRecords(recs)), nil
	}
}

func formatRunRecords(recs []runner.RunRecord) string {
	out := ""
	for _, rec := range recs {
		out += fmt.Sprintf("%s\t%s\t%s\n", rec.RunID, rec.PipelineName, rec.Status)
	}
	return out
}
