// SPDX-License-Identifier: AGPL-3.0-or-later

/*

PromptChain - a local-first orchestrator for multi-stage LLM prompt pipelines.

Copyright (C) 2025  Bartek Kus

This program is free software licensed under the terms of the GNU AGPL v3 or later.

See https://www.gnu.org/licenses/ for license details.

*/

// Package cli wires together the PromptChain root Cobra command and
// global CLI options.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/bartekus/promptchain/internal/cli/commands"

	// Import providers to ensure they register themselves.
	_ "github.com/bartekus/promptchain/internal/providers/llm/batchadapter"
	_ "github.com/bartekus/promptchain/internal/providers/llm/gemini"
	_ "github.com/bartekus/promptchain/internal/providers/llm/ollama"
	_ "github.com/bartekus/promptchain/internal/providers/llm/openai"
)

// NewRootCommand constructs the PromptChain root Cobra command.
func NewRootCommand() *cobra.Command {
	version := os.Getenv("PROMPTCHAIN_VERSION")
	if version == "" {
		version = "0.0.0-dev"
	}

	cmd := &cobra.Command{
		Use:           "promptchain",
		Short:         "PromptChain – a local-first orchestrator for multi-stage LLM prompt pipelines",
		Long:          "PromptChain runs a pipeline of prompt stages against local or hosted LLM providers, writing every stage's inputs and outputs to disk as it goes.",
		SilenceUsage:  true, // don't dump usage on user errors
		SilenceErrors: true, // centralize error printing in main()
	}

	// Global flags - registered in lexicographic order for deterministic help output
	cmd.PersistentFlags().StringP("config", "c", "", "path to promptchain.yml")
	cmd.PersistentFlags().BoolP("verbose", "v", false, "enable verbose output")

	// Version command – simple and explicit.
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version number of PromptChain",
		Run: func(cmd *cobra.Command, args []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "PromptChain version %s\n", version)
		},
	})

	// Subcommands - keep registrations in lexicographic order by .Use
	// to ensure deterministic help output.
	cmd.AddCommand(commands.NewRunCommand())
	cmd.AddCommand(commands.NewRunsCommand())
	cmd.AddCommand(commands.NewServeMCPCommand())

	return cmd
}
