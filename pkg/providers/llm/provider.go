// SPDX-License-Identifier: AGPL-3.0-or-later

/*
PromptChain - a local-first orchestrator for multi-stage LLM prompt pipelines.

Copyright (C) 2025  Bartek Kus

This program is free software licensed under the terms of the GNU AGPL v3 or later.

See https://www.gnu.org/licenses/ for license details.

*/

// Package llm defines the provider interface and registry the engine
// uses to reach language models, without caring whether a given model
// lives behind a local HTTP daemon, a hosted sync API, or a hosted
// batch API.
//
// Grounded directly on pkg/providers/backend's BackendProvider +
// Registry pattern from the donor repository: an ID() identity method,
// a registry keyed by that ID with panic-on-duplicate registration, and
// a DefaultRegistry plus package-level forwarding functions for the
// common case of a single process-wide registry.
package llm

import (
	"context"

	"github.com/bartekus/promptchain/pkg/engineerr"
)

// CompletionRequest is one synchronous completion call.
type CompletionRequest struct {
	Prompt    string
	Model     string
	Reasoning map[string]any
}

// CompletionResult is a completed sync call's raw text plus whatever
// provider-specific metadata (token counts, finish reason, ...) the
// adapter chose to surface. The engine does not interpret Metadata and
// does not persist it; only RawText reaches the run directory.
type CompletionResult struct {
	RawText  string
	Metadata map[string]any
}

// Provider is the capability every registered backend must implement:
// identity. Actual work is done through the optional SyncProvider
// and/or BatchProvider interfaces — a given Provider may implement one
// or both, per spec §4.4.
type Provider interface {
	ID() string
}

// SyncProvider issues one blocking completion call.
type SyncProvider interface {
	Provider
	Complete(ctx context.Context, req CompletionRequest) (CompletionResult, error)
}

// BatchItem is one unit of work submitted to a batch.
type BatchItem struct {
	ItemID    string
	Prompt    string
	Model     string
	Reasoning map[string]any
}

// BatchStatus is the lifecycle state of a submitted batch, per spec
// §4.4's poll() states.
type BatchStatus string

const (
	BatchSubmitted BatchStatus = "submitted"
	BatchRunning   BatchStatus = "running"
	BatchCompleted BatchStatus = "completed"
	BatchFailed    BatchStatus = "failed"
)

// BatchItemResult is one item's outcome within a completed or partially
// completed batch.
type BatchItemResult struct {
	ItemID  string
	RawText string
	Err     error
}

// BatchHandle opaquely identifies a submitted batch to the provider
// that created it. The engine persists it verbatim (as a string) to
// support/stages/<id>/batch.json across process restarts.
type BatchHandle string

// BatchProvider adds asynchronous, provider-managed batch submission.
type BatchProvider interface {
	Provider
	Submit(ctx context.Context, items []BatchItem) (BatchHandle, error)
	Poll(ctx context.Context, handle BatchHandle) (BatchStatus, error)
	Fetch(ctx context.Context, handle BatchHandle) ([]BatchItemResult, error)
}

// ClassifyError wraps err as a Provider-kind engineerr.Error with the
// given sub-kind, unless it already is one.
func ClassifyError(sub engineerr.ProviderSubKind, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	if e, ok := engineerr.As(err); ok && e.Kind == engineerr.Provider {
		return err
	}
	return engineerr.ProviderError(sub, err, format, args...)
}
