// SPDX-License-Identifier: AGPL-3.0-or-later

/*
PromptChain - a local-first orchestrator for multi-stage LLM prompt pipelines.

Copyright (C) 2025  Bartek Kus

This program is free software licensed under the terms of the GNU AGPL v3 or later.

See https://www.gnu.org/licenses/ for license details.

*/

// Package ollama adapts a local Ollama daemon to the llm.SyncProvider
// interface. Ollama exposes no batch API, so only sync completion is
// implemented here.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/bartekus/promptchain/pkg/engineerr"
	"github.com/bartekus/promptchain/pkg/providers/llm"
)

const defaultHost = "http://localhost:11434"

// Provider talks to a local Ollama daemon's /api/generate endpoint.
type Provider struct {
	host   string
	client *http.Client
}

// New constructs a Provider, resolving the daemon address from the
// OLLAMA_HOST environment variable if host is empty.
func New(host string) *Provider {
	if host == "" {
		host = os.Getenv("OLLAMA_HOST")
	}
	if host == "" {
		host = defaultHost
	}
	return &Provider{host: host, client: &http.Client{Timeout: 5 * time.Minute}}
}

func (p *Provider) ID() string { return "ollama" }

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type generateResponse struct {
	Response  string `json:"response"`
	Done      bool   `json:"done"`
	Error     string `json:"error"`
	TotalDur  int64  `json:"total_duration,omitempty"`
	EvalCount int    `json:"eval_count,omitempty"`
}

// Complete issues a non-streaming /api/generate request. Reasoning
// knobs are not forwarded: Ollama's generate endpoint has no standard
// reasoning/thinking parameter surface across the models it serves.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResult, error) {
	body, err := json.Marshal(generateRequest{Model: req.Model, Prompt: req.Prompt, Stream: false})
	if err != nil {
		return llm.CompletionResult{}, engineerr.ProviderError(engineerr.InvalidRequest, err, "encoding ollama request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.host+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return llm.CompletionResult{}, engineerr.ProviderError(engineerr.InvalidRequest, err, "building ollama request")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return llm.CompletionResult{}, engineerr.ProviderError(engineerr.Network, err, "calling ollama at %s", p.host)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return llm.CompletionResult{}, engineerr.ProviderError(engineerr.Network, err, "reading ollama response")
	}

	if resp.StatusCode != http.StatusOK {
		return llm.CompletionResult{}, engineerr.ProviderError(
			classifyStatus(resp.StatusCode), fmt.Errorf("status %d: %s", resp.StatusCode, data),
			"ollama request failed")
	}

	var out generateResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return llm.CompletionResult{}, engineerr.ProviderError(engineerr.ProviderInternal, err, "decoding ollama response")
	}
	if out.Error != "" {
		return llm.CompletionResult{}, engineerr.ProviderError(engineerr.ProviderInternal, fmt.Errorf("%s", out.Error), "ollama reported an error")
	}

	return llm.CompletionResult{
		RawText: out.Response,
		Metadata: map[string]any{
			"total_duration": out.TotalDur,
			"eval_count":     out.EvalCount,
		},
	}, nil
}

func classifyStatus(code int) engineerr.ProviderSubKind {
	switch {
	case code == http.StatusNotFound:
		return engineerr.ModelUnavailable
	case code == http.StatusTooManyRequests:
		return engineerr.RateLimit
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return engineerr.Auth
	case code >= 500:
		return engineerr.ProviderInternal
	default:
		return engineerr.InvalidRequest
	}
}

func init() {
	llm.Register(New(""))
}
