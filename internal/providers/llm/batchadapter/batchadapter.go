// SPDX-License-Identifier: AGPL-3.0-or-later

/*
PromptChain - a local-first orchestrator for multi-stage LLM prompt pipelines.

Copyright (C) 2025  Bartek Kus

This program is free software licensed under the terms of the GNU AGPL v3 or later.

See https://www.gnu.org/licenses/ for license details.

*/

// Package batchadapter gives any llm.SyncProvider genuine batch
// semantics (submit/poll/fetch) by running its items through a bounded
// worker pool in the background, rather than guessing at a specific
// hosted provider's native batch wire format.
//
// Grounded on the donor's executor-wrapping-executor style
// (internal/deploy/rollout.go composed a lower-level executor behind a
// higher-level one) and its async-polling idiom for long-running
// operations (internal/infra/bootstrap/tailscale.go waited on
// background state via repeated checks). Concurrency uses
// golang.org/x/sync/errgroup plus a semaphore channel, the same pairing
// taboola-shmocker's buildkit_controller.go imports for bounded
// concurrent work; submission ids use github.com/google/uuid, as
// taboola-shmocker's signing package does for invocation ids.
package batchadapter

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/bartekus/promptchain/pkg/providers/llm"
)

// Adapter wraps a SyncProvider, adding BatchProvider capability backed
// by an in-process worker pool. It does not persist batch state itself
// — callers (the Map Scheduler) are responsible for persisting the
// returned handle and polling until Poll reports a terminal status.
type Adapter struct {
	inner       llm.SyncProvider
	maxInFlight int

	mu      sync.Mutex
	batches map[llm.BatchHandle]*batchState
}

type batchState struct {
	status  llm.BatchStatus
	results []llm.BatchItemResult
	done    chan struct{}
}

// New wraps inner with batch capability, running up to maxInFlight
// items concurrently per batch. maxInFlight <= 0 defaults to 1.
func New(inner llm.SyncProvider, maxInFlight int) *Adapter {
	if maxInFlight <= 0 {
		maxInFlight = 1
	}
	return &Adapter{
		inner:       inner,
		maxInFlight: maxInFlight,
		batches:     make(map[llm.BatchHandle]*batchState),
	}
}

// ID reports the wrapped provider's id with a "-batch" suffix, so it
// can be registered alongside the sync-only id (e.g. "openai-batch").
func (a *Adapter) ID() string { return a.inner.ID() + "-batch" }

// Submit launches background completion of every item, bounded by
// maxInFlight, and returns immediately with a handle the caller polls.
func (a *Adapter) Submit(ctx context.Context, items []llm.BatchItem) (llm.BatchHandle, error) {
	handle := llm.BatchHandle(uuid.New().String())
	state := &batchState{status: llm.BatchRunning, done: make(chan struct{})}

	a.mu.Lock()
	a.batches[handle] = state
	a.mu.Unlock()

	go a.run(ctx, handle, state, items)

	return handle, nil
}

func (a *Adapter) run(ctx context.Context, handle llm.BatchHandle, state *batchState, items []llm.BatchItem) {
	results := make([]llm.BatchItemResult, len(items))
	sem := make(chan struct{}, a.maxInFlight)
	g, gctx := errgroup.WithContext(ctx)

	for i, item := range items {
		i, item := i, item
		sem <- struct{}{}
		g.Go(func() error {
			defer func() { <-sem }()
			res, err := a.inner.Complete(gctx, llm.CompletionRequest{
				Prompt:    item.Prompt,
				Model:     item.Model,
				Reasoning: item.Reasoning,
			})
			if err != nil {
				results[i] = llm.BatchItemResult{ItemID: item.ItemID, Err: err}
				return nil // per-item failure does not abort the batch
			}
			results[i] = llm.BatchItemResult{ItemID: item.ItemID, RawText: res.RawText}
			return nil
		})
	}

	_ = g.Wait() // errors are carried per-item in results, never returned here

	a.mu.Lock()
	state.results = results
	state.status = llm.BatchCompleted
	a.mu.Unlock()
	close(state.done)
	_ = handle
}

// Poll reports the batch's current lifecycle state.
func (a *Adapter) Poll(_ context.Context, handle llm.BatchHandle) (llm.BatchStatus, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	state, ok := a.batches[handle]
	if !ok {
		return "", fmt.Errorf("batchadapter: unknown batch handle %q", handle)
	}
	return state.status, nil
}

// Fetch returns per-item results. Callers should only call Fetch after
// Poll reports BatchCompleted or BatchFailed.
func (a *Adapter) Fetch(_ context.Context, handle llm.BatchHandle) ([]llm.BatchItemResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	state, ok := a.batches[handle]
	if !ok {
		return nil, fmt.Errorf("batchadapter: unknown batch handle %q", handle)
	}
	return state.results, nil
}

var _ llm.BatchProvider = (*Adapter)(nil)
