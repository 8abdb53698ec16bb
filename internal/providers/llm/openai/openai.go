// SPDX-License-Identifier: AGPL-3.0-or-later

/*
PromptChain - a local-first orchestrator for multi-stage LLM prompt pipelines.

Copyright (C) 2025  Bartek Kus

This program is free software licensed under the terms of the GNU AGPL v3 or later.

See https://www.gnu.org/licenses/ for license details.

*/

// Package openai adapts the OpenAI chat completions API to
// llm.SyncProvider, via github.com/sashabaranov/go-openai.
package openai

import (
	"context"
	"errors"
	"net/http"
	"os"

	openaisdk "github.com/sashabaranov/go-openai"

	"github.com/bartekus/promptchain/pkg/engineerr"
	"github.com/bartekus/promptchain/pkg/providers/llm"
)

// Provider talks to the OpenAI chat completions API.
type Provider struct {
	client *openaisdk.Client
}

// New constructs a Provider from the OPENAI_API_KEY environment
// variable. The client is constructed lazily-safe: if the key is
// unset, Complete fails with an Auth-classified error rather than
// panicking at registration time.
func New() *Provider {
	key := os.Getenv("OPENAI_API_KEY")
	if key == "" {
		return &Provider{}
	}
	return &Provider{client: openaisdk.NewClient(key)}
}

func (p *Provider) ID() string { return "openai" }

// Complete issues a single-turn chat completion call. Reasoning knobs
// are forwarded as ReasoningEffort when the "effort" key is present,
// matching the o-series reasoning_effort parameter.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResult, error) {
	if p.client == nil {
		return llm.CompletionResult{}, engineerr.ProviderError(engineerr.Auth, errors.New("OPENAI_API_KEY not set"), "openai provider not configured")
	}

	chatReq := openaisdk.ChatCompletionRequest{
		Model: req.Model,
		Messages: []openaisdk.ChatCompletionMessage{
			{Role: openaisdk.ChatMessageRoleUser, Content: req.Prompt},
		},
	}
	if effort, ok := req.Reasoning["effort"].(string); ok && effort != "" {
		chatReq.ReasoningEffort = effort
	}

	resp, err := p.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return llm.CompletionResult{}, classifyError(err)
	}
	if len(resp.Choices) == 0 {
		return llm.CompletionResult{}, engineerr.ProviderError(engineerr.ProviderInternal, errors.New("no choices returned"), "openai returned an empty response")
	}

	return llm.CompletionResult{
		RawText: resp.Choices[0].Message.Content,
		Metadata: map[string]any{
			"finish_reason":     string(resp.Choices[0].FinishReason),
			"prompt_tokens":     resp.Usage.PromptTokens,
			"completion_tokens": resp.Usage.CompletionTokens,
		},
	}, nil
}

func classifyError(err error) error {
	var apiErr *openaisdk.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return engineerr.ProviderError(engineerr.Auth, err, "openai authentication failed")
		case http.StatusTooManyRequests:
			return engineerr.ProviderError(engineerr.RateLimit, err, "openai rate limit exceeded")
		case http.StatusNotFound:
			return engineerr.ProviderError(engineerr.ModelUnavailable, err, "openai model unavailable")
		case http.StatusBadRequest, http.StatusUnprocessableEntity:
			return engineerr.ProviderError(engineerr.InvalidRequest, err, "openai rejected the request")
		default:
			if apiErr.HTTPStatusCode >= 500 {
				return engineerr.ProviderError(engineerr.ProviderInternal, err, "openai internal error")
			}
		}
	}

	var reqErr *openaisdk.RequestError
	if errors.As(err, &reqErr) {
		return engineerr.ProviderError(engineerr.Network, err, "openai request failed")
	}

	return engineerr.ProviderError(engineerr.ProviderInternal, err, "openai call failed")
}

func init() {
	llm.Register(New())
}
