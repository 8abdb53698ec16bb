// SPDX-License-Identifier: AGPL-3.0-or-later

/*
PromptChain - a local-first orchestrator for multi-stage LLM prompt pipelines.

Copyright (C) 2025  Bartek Kus

This program is free software licensed under the terms of the GNU AGPL v3 or later.

See https://www.gnu.org/licenses/ for license details.

*/

package mapscheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/bartekus/promptchain/pkg/artifactstore"
	"github.com/bartekus/promptchain/pkg/contextassembler"
	"github.com/bartekus/promptchain/pkg/engineerr"
	"github.com/bartekus/promptchain/pkg/jsonnorm"
	"github.com/bartekus/promptchain/pkg/pipeline"
	"github.com/bartekus/promptchain/pkg/providers/llm"
	"github.com/bartekus/promptchain/pkg/template"
)

// StageStatus is the map stage's terminal or in-progress state, per
// spec §4.5's state machine.
type StageStatus string

const (
	NotStarted    StageStatus = "not_started"
	InProgress    StageStatus = "in_progress"
	Completed     StageStatus = "completed"
	Failed        StageStatus = "failed"
	AwaitingBatch StageStatus = "awaiting_batch"
)

func toStoreKind(k pipeline.OutputKind) artifactstore.OutputKind {
	switch k {
	case pipeline.OutputJSON:
		return artifactstore.OutputJSON
	case pipeline.OutputBoth:
		return artifactstore.OutputBoth
	default:
		return artifactstore.OutputMarkdown
	}
}

// Config is everything the scheduler needs to run one map stage.
type Config struct {
	RunDir       string
	StageID      string
	OutputKind   pipeline.OutputKind
	TemplateName string
	TemplateBody string
	BaseRequest  contextassembler.Request // context shared by every item; Item field is overwritten per item
	MaxInFlight  int
	Model        string
	Reasoning    map[string]any
}

// Scheduler executes a map stage against a resolved item list.
type Scheduler struct {
	Store    *artifactstore.Store
	Renderer template.Renderer
}

// New constructs a Scheduler.
func New(store *artifactstore.Store, renderer template.Renderer) *Scheduler {
	return &Scheduler{Store: store, Renderer: renderer}
}

func (s *Scheduler) itemDir(cfg Config, itemID string) string {
	return s.Store.ItemDir(cfg.RunDir, cfg.StageID, itemID)
}

// renderItem builds context and renders the prompt for one item.
func (s *Scheduler) renderItem(cfg Config, it Item) (string, contextassembler.Assembled, error) {
	req := cfg.BaseRequest
	req.Item = &contextassembler.Item{ID: it.ID, Index: it.Index, Value: it.Value}

	assembled, err := contextassembler.Assemble(s.Renderer, cfg.TemplateName, cfg.TemplateBody, req)
	if err != nil {
		return "", contextassembler.Assembled{}, err
	}
	prompt, err := s.Renderer.Render(cfg.TemplateName, cfg.TemplateBody, assembled.All)
	if err != nil {
		return "", contextassembler.Assembled{}, err
	}
	return prompt, assembled, nil
}

// postProcess writes raw.txt and, for JSON-kind items, runs the
// Normalizer, producing the manifest entry and stage artifacts for one
// item. Identical across concurrent and batch modes, per spec §4.5.
func (s *Scheduler) postProcess(cfg Config, it Item, raw string, assembled contextassembler.Assembled, callErr error) ManifestEntry {
	dir := s.itemDir(cfg, it.ID)
	entry := ManifestEntry{ItemID: it.ID}

	if callErr != nil {
		_ = s.Store.WriteRawOnly(dir, raw)
		entry.Status = StatusFailed
		entry.Error = callErr.Error()
		entry.RawPath = relPath(cfg.RunDir, dir, "raw.txt")
		return entry
	}

	artifacts := artifactstore.StageArtifacts{
		Raw:        raw,
		OutputKind: toStoreKind(cfg.OutputKind),
		Context:    assembled.Used,
	}

	if cfg.OutputKind == pipeline.OutputMarkdown || cfg.OutputKind == pipeline.OutputBoth {
		artifacts.Markdown = raw
	}
	if cfg.OutputKind == pipeline.OutputJSON || cfg.OutputKind == pipeline.OutputBoth {
		env, err := jsonnorm.Normalize([]byte(raw))
		if err != nil {
			_ = s.Store.WriteRawOnly(dir, raw)
			entry.Status = StatusFailed
			entry.Error = err.Error()
			entry.RawPath = relPath(cfg.RunDir, dir, "raw.txt")
			return entry
		}
		b, _ := jsonEnvelope(env)
		artifacts.JSON = b
	}

	if err := s.Store.WriteStageArtifacts(dir, artifacts); err != nil {
		entry.Status = StatusFailed
		entry.Error = err.Error()
		return entry
	}

	entry.Status = StatusCompleted
	entry.RawPath = relPath(cfg.RunDir, dir, "raw.txt")
	entry.OutputPath = relPath(cfg.RunDir, dir, outputFileName(cfg.OutputKind))
	return entry
}

func outputFileName(k pipeline.OutputKind) string {
	if k == pipeline.OutputMarkdown {
		return "output.md"
	}
	return "output.json"
}

func relPath(runDir, dir, file string) string {
	// Both dir and runDir are slash-joined paths under the same root;
	// a byte-offset trim is sufficient since ItemDir/StageDir always
	// build beneath runDir.
	rel := dir
	if len(dir) > len(runDir) && dir[:len(runDir)] == runDir {
		rel = dir[len(runDir)+1:]
	}
	return rel + "/" + file
}

func jsonEnvelope(env jsonnorm.Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// RunConcurrent executes the map stage's selected, not-yet-completed
// items through a bounded worker pool of size cfg.MaxInFlight, reusing
// already-completed items without re-invocation.
func (s *Scheduler) RunConcurrent(ctx context.Context, cfg Config, items []Item, provider llm.SyncProvider) (Manifest, StageStatus, error) {
	maxInFlight := cfg.MaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = 1
	}

	writer := newManifestWriter(s.Store, manifestPath(s.Store, cfg), len(items))

	var pending []int
	for i, it := range items {
		if !it.Selected {
			_ = writer.Update(i, ManifestEntry{ItemID: it.ID, Status: StatusSkipped, Error: "unselected"})
			continue
		}
		if s.Store.IsItemCompleted(cfg.RunDir, cfg.StageID, it.ID, toStoreKind(cfg.OutputKind)) {
			dir := s.itemDir(cfg, it.ID)
			_ = writer.Update(i, ManifestEntry{
				ItemID:     it.ID,
				Status:     StatusCompleted,
				OutputPath: relPath(cfg.RunDir, dir, outputFileName(cfg.OutputKind)),
				RawPath:    relPath(cfg.RunDir, dir, "raw.txt"),
			})
			continue
		}
		_ = writer.Update(i, ManifestEntry{ItemID: it.ID, Status: StatusRunning})
		pending = append(pending, i)
	}

	var wg sync.WaitGroup
	sem := make(chan struct{}, maxInFlight)
	for _, idx := range pending {
		idx, it := idx, items[idx]
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			prompt, assembled, err := s.renderItem(cfg, it)
			if err != nil {
				_ = writer.Update(idx, ManifestEntry{ItemID: it.ID, Status: StatusFailed, Error: err.Error()})
				return
			}

			res, callErr := provider.Complete(ctx, llm.CompletionRequest{Prompt: prompt, Model: cfg.Model, Reasoning: cfg.Reasoning})
			entry := s.postProcess(cfg, it, res.RawText, assembled, callErr)
			_ = writer.Update(idx, entry)
		}()
	}
	wg.Wait()

	final := writer.Snapshot()
	return finalizeManifest(final), status(final), nil
}

func finalizeManifest(entries []ManifestEntry) Manifest {
	present := make([]ManifestEntry, 0, len(entries))
	for _, e := range entries {
		if e.ItemID != "" {
			present = append(present, e)
		}
	}
	return Manifest{Items: present}
}

func status(entries []ManifestEntry) StageStatus {
	var completed, skipped, failed int
	for _, e := range entries {
		switch e.Status {
		case StatusCompleted:
			completed++
		case StatusSkipped:
			skipped++
		case StatusFailed:
			failed++
		}
	}
	if completed+skipped+failed < len(entries) {
		return InProgress
	}
	if completed == 0 && failed > 0 {
		return Failed
	}
	return Completed
}

func manifestPath(store *artifactstore.Store, cfg Config) string {
	return store.StageDir(cfg.RunDir, cfg.StageID) + "/output.json"
}

// PollRecord is one snapshot appended to BatchState.Polls every time the
// scheduler polls the provider, per spec §4.5 step 3 ("each poll
// snapshot is appended").
type PollRecord struct {
	At     time.Time      `json:"at"`
	Status string         `json:"status"`
	Counts map[string]int `json:"counts,omitempty"`
}

// BatchState is the on-disk record at support/stages/<id>/batch.json,
// persisted so a batch submission survives process restarts.
type BatchState struct {
	SubmissionID string            `json:"submission_id"`
	SubmittedAt  time.Time         `json:"submitted_at"`
	Mapping      map[string]string `json:"mapping"` // item_id -> request_id
	Polls        []PollRecord      `json:"polls,omitempty"`
}

// itemStageShell is the minimal stage.json content written for a
// batch-mode item during prepare, before a provider result exists.
type itemStageShell struct {
	Status string `json:"status"`
}

func batchStatePath(store *artifactstore.Store, cfg Config) string {
	return store.SupportDir(cfg.RunDir, cfg.StageID) + "/batch.json"
}

// RunBatch executes the full batch lifecycle (prepare, submit, poll
// with bounded exponential backoff, fetch) within a single call. Poll
// state is written to batch.json after submission and after every poll.
// RunBatch never reads batch.json back: a later call submits a new batch
// for every selected item that has no canonical output yet, including
// items of a batch submitted earlier.
func (s *Scheduler) RunBatch(ctx context.Context, cfg Config, items []Item, provider llm.BatchProvider, pollInterval, maxPollInterval time.Duration) (Manifest, StageStatus, error) {
	writer := newManifestWriter(s.Store, manifestPath(s.Store, cfg), len(items))

	type prepared struct {
		idx    int
		item   Item
		prompt string
		ctxAll contextassembler.Assembled
	}

	var work []prepared
	for i, it := range items {
		if !it.Selected {
			_ = writer.Update(i, ManifestEntry{ItemID: it.ID, Status: StatusSkipped, Error: "unselected"})
			continue
		}
		if s.Store.IsItemCompleted(cfg.RunDir, cfg.StageID, it.ID, toStoreKind(cfg.OutputKind)) {
			dir := s.itemDir(cfg, it.ID)
			_ = writer.Update(i, ManifestEntry{
				ItemID:     it.ID,
				Status:     StatusCompleted,
				OutputPath: relPath(cfg.RunDir, dir, outputFileName(cfg.OutputKind)),
				RawPath:    relPath(cfg.RunDir, dir, "raw.txt"),
			})
			continue
		}

		prompt, assembled, err := s.renderItem(cfg, it)
		if err != nil {
			_ = writer.Update(i, ManifestEntry{ItemID: it.ID, Status: StatusFailed, Error: err.Error()})
			continue
		}

		// Step 1 — prepare: persist per-item context.json/stage.json
		// shells before submission, so the item's state is visible on
		// disk even if the process dies before the batch is submitted.
		dir := s.itemDir(cfg, it.ID)
		if err := s.Store.WriteJSON(filepath.Join(dir, "context.json"), assembled.Used); err != nil {
			_ = writer.Update(i, ManifestEntry{ItemID: it.ID, Status: StatusFailed, Error: err.Error()})
			continue
		}
		if err := s.Store.WriteJSON(filepath.Join(dir, "stage.json"), itemStageShell{Status: string(StatusSubmittedPending)}); err != nil {
			_ = writer.Update(i, ManifestEntry{ItemID: it.ID, Status: StatusFailed, Error: err.Error()})
			continue
		}

		_ = writer.Update(i, ManifestEntry{ItemID: it.ID, Status: StatusSubmittedPending})
		work = append(work, prepared{idx: i, item: it, prompt: prompt, ctxAll: assembled})
	}

	if len(work) == 0 {
		final := writer.Snapshot()
		return finalizeManifest(final), status(final), nil
	}

	batchItems := make([]llm.BatchItem, 0, len(work))
	for _, w := range work {
		batchItems = append(batchItems, llm.BatchItem{ItemID: w.item.ID, Prompt: w.prompt, Model: cfg.Model, Reasoning: cfg.Reasoning})
	}

	handle, err := provider.Submit(ctx, batchItems)
	if err != nil {
		return Manifest{}, Failed, engineerr.ProviderError(engineerr.ProviderInternal, err, "submitting batch for stage %q", cfg.StageID)
	}

	// Step 2 — submit: persist the submission id plus the item-id to
	// request-id mapping. BatchProvider.Submit returns one handle for
	// the whole batch rather than a per-item identifier, so the
	// request id is the handle scoped to the item — the composite the
	// provider implicitly uses to address that item within the batch.
	mapping := make(map[string]string, len(work))
	for _, w := range work {
		mapping[w.item.ID] = fmt.Sprintf("%s/%s", handle, w.item.ID)
	}
	state := BatchState{
		SubmissionID: string(handle),
		SubmittedAt:  time.Now().UTC(),
		Mapping:      mapping,
	}
	if err := s.Store.WriteJSON(batchStatePath(s.Store, cfg), state); err != nil {
		return Manifest{}, Failed, err
	}

	interval := pollInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	if maxPollInterval <= 0 {
		maxPollInterval = 30 * time.Second
	}

	// Step 3 — poll: each snapshot is appended, never overwritten in
	// place, so batch.json retains the full poll history.
	for {
		batchStatus, err := provider.Poll(ctx, handle)
		if err != nil {
			return Manifest{}, Failed, engineerr.ProviderError(engineerr.Network, err, "polling batch for stage %q", cfg.StageID)
		}
		state.Polls = append(state.Polls, PollRecord{
			At:     time.Now().UTC(),
			Status: string(batchStatus),
			Counts: map[string]int{"items": len(mapping)},
		})
		_ = s.Store.WriteJSON(batchStatePath(s.Store, cfg), state)

		if batchStatus == llm.BatchCompleted || batchStatus == llm.BatchFailed {
			break
		}

		select {
		case <-ctx.Done():
			return Manifest{}, AwaitingBatch, ctx.Err()
		case <-time.After(interval):
		}
		interval *= 2
		if interval > maxPollInterval {
			interval = maxPollInterval
		}
	}

	results, err := provider.Fetch(ctx, handle)
	if err != nil {
		return Manifest{}, Failed, engineerr.ProviderError(engineerr.ProviderInternal, err, "fetching batch for stage %q", cfg.StageID)
	}

	byID := make(map[string]llm.BatchItemResult, len(results))
	for _, r := range results {
		byID[r.ItemID] = r
	}

	for _, w := range work {
		res, ok := byID[w.item.ID]
		var raw string
		var callErr error
		if !ok {
			callErr = fmt.Errorf("batch fetch did not return a result for item %s", w.item.ID)
		} else if res.Err != nil {
			callErr = res.Err
		} else {
			raw = res.RawText
		}
		entry := s.postProcess(cfg, w.item, raw, w.ctxAll, callErr)
		_ = writer.Update(w.idx, entry)
	}

	final := writer.Snapshot()
	return finalizeManifest(final), status(final), nil
}
