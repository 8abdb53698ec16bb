// SPDX-License-Identifier: AGPL-3.0-or-later

/*
PromptChain - a local-first orchestrator for multi-stage LLM prompt pipelines.

Copyright (C) 2025  Bartek Kus

This program is free software licensed under the terms of the GNU AGPL v3 or later.

See https://www.gnu.org/licenses/ for license details.

*/

package batchadapter

import (
	"github.com/bartekus/promptchain/internal/providers/llm/gemini"
	"github.com/bartekus/promptchain/internal/providers/llm/ollama"
	"github.com/bartekus/promptchain/internal/providers/llm/openai"
	"github.com/bartekus/promptchain/pkg/providers/llm"
)

// defaultMaxInFlight bounds how many items a "-batch" provider runs
// concurrently. The bound is fixed at registration; a map stage's
// max_in_flight is not passed to the batch adapters.
const defaultMaxInFlight = 4

// init registers "-batch" variants of every sync-only adapter this
// module ships, giving pipelines a batch execution_mode option even
// for providers with no native batch API.
func init() {
	llm.Register(New(ollama.New(""), defaultMaxInFlight))
	llm.Register(New(openai.New(), defaultMaxInFlight))
	llm.Register(New(gemini.New(), defaultMaxInFlight))
}
