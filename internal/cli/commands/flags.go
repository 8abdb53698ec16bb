// SPDX-License-Identifier: AGPL-3.0-or-later

/*

PromptChain - a local-first orchestrator for multi-stage LLM prompt pipelines.

Copyright (C) 2025  Bartek Kus

This program is free software licensed under the terms of the GNU AGPL v3 or later.

See https://www.gnu.org/licenses/ for license details.

*/

package commands

import (
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/bartekus/promptchain/pkg/config"
)

// ResolvedFlags contains the resolved values for the persistent flags
// shared by every subcommand.
type ResolvedFlags struct {
	Config  string
	Verbose bool
}

// ResolveFlags resolves --config/--verbose with precedence:
// 1. Command-line flags (highest priority)
// 2. Environment variables
// 3. Built-in defaults (lowest priority)
func ResolveFlags(cmd *cobra.Command) *ResolvedFlags {
	flags := &ResolvedFlags{}

	configFlag, _ := cmd.Flags().GetString("config")
	flags.Config = resolveString(configFlag, os.Getenv("PROMPTCHAIN_CONFIG"), config.DefaultConfigPath())

	verboseFlag, _ := cmd.Flags().GetBool("verbose")
	flags.Verbose = resolveBool(verboseFlag, parseBoolEnv(os.Getenv("PROMPTCHAIN_VERBOSE")), false)

	return flags
}

// resolveString resolves a string value with precedence: flag > env > default.
func resolveString(flag, env, defaultValue string) string {
	if flag != "" {
		return flag
	}
	if env != "" {
		return env
	}
	return defaultValue
}

// resolveBool resolves a boolean value with precedence: flag > env > default.
func resolveBool(flag, env, defaultValue bool) bool {
	if flag {
		return true
	}
	if env {
		return true
	}
	return defaultValue
}

// parseBoolEnv parses a boolean from an environment variable.
// Returns false if the env var is not set or cannot be parsed.
func parseBoolEnv(value string) bool {
	if value == "" {
		return false
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return false
	}
	return parsed
}
