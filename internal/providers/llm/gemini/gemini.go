// SPDX-License-Identifier: AGPL-3.0-or-later

/*
PromptChain - a local-first orchestrator for multi-stage LLM prompt pipelines.

Copyright (C) 2025  Bartek Kus

This program is free software licensed under the terms of the GNU AGPL v3 or later.

See https://www.gnu.org/licenses/ for license details.

*/

// Package gemini adapts Google's Gemini API to llm.SyncProvider, via
// google.golang.org/genai.
package gemini

import (
	"context"
	"errors"
	"os"

	"google.golang.org/genai"

	"github.com/bartekus/promptchain/pkg/engineerr"
	"github.com/bartekus/promptchain/pkg/providers/llm"
)

// Provider talks to the Gemini API through the genai client.
type Provider struct {
	apiKey string
}

// New constructs a Provider from the GEMINI_API_KEY environment
// variable. The genai client is constructed per-call since it is
// cheap and ties cleanly to the request's context.
func New() *Provider {
	return &Provider{apiKey: os.Getenv("GEMINI_API_KEY")}
}

func (p *Provider) ID() string { return "gemini" }

// Complete issues a single-turn GenerateContent call. A "budget_tokens"
// reasoning key, when present, is forwarded as a thinking budget.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResult, error) {
	if p.apiKey == "" {
		return llm.CompletionResult{}, engineerr.ProviderError(engineerr.Auth, errors.New("GEMINI_API_KEY not set"), "gemini provider not configured")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: p.apiKey, Backend: genai.BackendGeminiAPI})
	if err != nil {
		return llm.CompletionResult{}, engineerr.ProviderError(engineerr.ProviderInternal, err, "creating gemini client")
	}

	var cfg *genai.GenerateContentConfig
	if budget, ok := req.Reasoning["budget_tokens"].(float64); ok {
		b := int32(budget)
		cfg = &genai.GenerateContentConfig{ThinkingConfig: &genai.ThinkingConfig{ThinkingBudget: &b}}
	}

	content := genai.NewContentFromText(req.Prompt, genai.RoleUser)
	resp, err := client.Models.GenerateContent(ctx, req.Model, []*genai.Content{content}, cfg)
	if err != nil {
		return llm.CompletionResult{}, classifyError(err)
	}

	text := resp.Text()
	if text == "" {
		return llm.CompletionResult{}, engineerr.ProviderError(engineerr.ProviderInternal, errors.New("empty response"), "gemini returned no text")
	}

	meta := map[string]any{}
	if resp.UsageMetadata != nil {
		meta["prompt_token_count"] = resp.UsageMetadata.PromptTokenCount
		meta["candidates_token_count"] = resp.UsageMetadata.CandidatesTokenCount
	}

	return llm.CompletionResult{RawText: text, Metadata: meta}, nil
}

func classifyError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case 401, 403:
			return engineerr.ProviderError(engineerr.Auth, err, "gemini authentication failed")
		case 429:
			return engineerr.ProviderError(engineerr.RateLimit, err, "gemini rate limit exceeded")
		case 404:
			return engineerr.ProviderError(engineerr.ModelUnavailable, err, "gemini model unavailable")
		case 400, 422:
			return engineerr.ProviderError(engineerr.InvalidRequest, err, "gemini rejected the request")
		default:
			if apiErr.Code >= 500 {
				return engineerr.ProviderError(engineerr.ProviderInternal, err, "gemini internal error")
			}
		}
	}
	return engineerr.ProviderError(engineerr.Network, err, "gemini call failed")
}

func init() {
	llm.Register(New())
}
