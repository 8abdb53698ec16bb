// SPDX-License-Identifier: AGPL-3.0-or-later

/*
PromptChain - a local-first orchestrator for multi-stage LLM prompt pipelines.

Copyright (C) 2025  Bartek Kus

This program is free software licensed under the terms of the GNU AGPL v3 or later.

See https://www.gnu.org/licenses/ for license details.

*/

// Package stageexec is the Stage Executor: it runs one stage (single or
// map) end to end — assemble context, render the template, call the
// provider, parse, and persist artifacts and metadata — and owns the
// disabled-stage skip path.
//
// Grounded on internal/cli/commands/build.go's flags-resolve →
// config-load → validate → execute sequencing from the donor, applied
// here to one pipeline stage instead of one CLI command invocation.
package stageexec

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/bartekus/promptchain/pkg/artifactstore"
	"github.com/bartekus/promptchain/pkg/contextassembler"
	"github.com/bartekus/promptchain/pkg/engineerr"
	"github.com/bartekus/promptchain/pkg/jsonnorm"
	"github.com/bartekus/promptchain/pkg/mapscheduler"
	"github.com/bartekus/promptchain/pkg/pipeline"
	"github.com/bartekus/promptchain/pkg/providers/llm"
	"github.com/bartekus/promptchain/pkg/template"
	"github.com/bartekus/promptchain/pkg/value"
)

// Status is a stage's outcome for reporting and resume purposes.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// StageMeta is the content of <stage_id>.meta.json.
type StageMeta struct {
	StageID       string                 `json:"stage_id"`
	Status        Status                 `json:"status"`
	Kind          pipeline.StageKind     `json:"kind"`
	ExecutionMode pipeline.ExecutionMode `json:"execution_mode,omitempty"`
	Prompt        string                 `json:"prompt,omitempty"`
	ContextUsed   map[string]any         `json:"context_used,omitempty"`
	ErrorKind     string                 `json:"error_kind,omitempty"`
	ErrorMessage  string                 `json:"error_message,omitempty"`
	SkipReason    string                 `json:"skip_reason,omitempty"`
}

// Result is what the Runner needs after executing a stage: the status,
// and — for downstream context assembly — the stage's text/JSON output,
// ready to drop straight into a contextassembler.StageArtifact.
type Result struct {
	Status  Status
	Text    string
	JSON    value.Value
	HasJSON bool
}

// Executor runs stages against a run directory.
type Executor struct {
	Store    *artifactstore.Store
	Renderer template.Renderer
}

// New constructs an Executor.
func New(store *artifactstore.Store, renderer template.Renderer) *Executor {
	return &Executor{Store: store, Renderer: renderer}
}

// Skip writes the disabled-stage skip artifact and logs both a
// structured event and the human-readable line downstream tooling
// greps for.
func (e *Executor) Skip(runDir string, stage pipeline.Stage) (Result, error) {
	meta := StageMeta{StageID: stage.ID, Status: StatusSkipped, Kind: stage.EffectiveKind(), SkipReason: "disabled_in_yaml"}
	if err := e.Store.WriteMeta(runDir, stage.ID, meta); err != nil {
		return Result{}, err
	}
	_ = e.Store.AppendEvent(runDir, "stage_skipped", map[string]any{"stage_id": stage.ID})
	_ = e.Store.AppendLine(runDir, fmt.Sprintf("Stage %s SKIPPED (disabled in pipeline yaml)", stage.ID))
	return Result{Status: StatusSkipped}, nil
}

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

// ExecuteSingle runs a kind:single stage.
func (e *Executor) ExecuteSingle(ctx context.Context, runDir string, stage pipeline.Stage, req contextassembler.Request, provider llm.Provider, model string, reasoning map[string]any) (Result, error) {
	dir := e.Store.StageDir(runDir, stage.ID)

	assembled, err := contextassembler.Assemble(e.Renderer, stage.ID, stage.Prompt, req)
	if err != nil {
		return e.fail(runDir, dir, stage, "", err)
	}
	prompt, err := e.Renderer.Render(stage.ID, stage.Prompt, assembled.All)
	if err != nil {
		return e.fail(runDir, dir, stage, "", err)
	}

	sync, ok := llm.AsSync(provider)
	if !ok {
		return e.fail(runDir, dir, stage, prompt, engineerr.ConfigError("provider %q does not support sync completion", provider.ID()))
	}

	res, err := sync.Complete(ctx, llm.CompletionRequest{Prompt: prompt, Model: model, Reasoning: reasoning})
	if err != nil {
		return e.failWithRaw(runDir, dir, stage, prompt, res.RawText, err)
	}

	return e.finalizeSingle(runDir, dir, stage, prompt, assembled, res.RawText)
}

func (e *Executor) finalizeSingle(runDir, dir string, stage pipeline.Stage, prompt string, assembled contextassembler.Assembled, raw string) (Result, error) {
	artifacts := artifactstore.StageArtifacts{
		Raw:        raw,
		OutputKind: toStoreKind(stage.Output),
		Context:    assembled.Used,
	}

	var jsonValue value.Value
	hasJSON := false

	if stage.Output == pipeline.OutputMarkdown || stage.Output == pipeline.OutputBoth {
		artifacts.Markdown = raw
	}
	if stage.Output == pipeline.OutputJSON || stage.Output == pipeline.OutputBoth {
		env, err := jsonnorm.Normalize([]byte(raw))
		if err != nil {
			return e.failWithRaw(runDir, dir, stage, prompt, raw, err)
		}
		b, marshalErr := env.MarshalJSON()
		if marshalErr != nil {
			return e.failWithRaw(runDir, dir, stage, prompt, raw, marshalErr)
		}
		artifacts.JSON = b
		jsonValue, err = value.FromJSON(b)
		if err != nil {
			return e.failWithRaw(runDir, dir, stage, prompt, raw, err)
		}
		hasJSON = true
	}

	artifacts.StageMeta = StageMeta{
		StageID:     stage.ID,
		Status:      StatusCompleted,
		Kind:        stage.EffectiveKind(),
		Prompt:      prompt,
		ContextUsed: assembled.Used,
	}

	if err := e.Store.WriteStageArtifacts(dir, artifacts); err != nil {
		return Result{}, err
	}
	_ = e.Store.AppendEvent(runDir, "stage_completed", map[string]any{"stage_id": stage.ID})

	return Result{Status: StatusCompleted, Text: raw, JSON: jsonValue, HasJSON: hasJSON}, nil
}

func (e *Executor) fail(runDir, dir string, stage pipeline.Stage, prompt string, err error) (Result, error) {
	return e.failWithRaw(runDir, dir, stage, prompt, "", err)
}

func (e *Executor) failWithRaw(runDir, dir string, stage pipeline.Stage, prompt, raw string, err error) (Result, error) {
	_ = e.Store.WriteRawOnly(dir, raw)

	kind, sub, msg := classify(err)
	meta := StageMeta{
		StageID:      stage.ID,
		Status:       StatusFailed,
		Kind:         stage.EffectiveKind(),
		Prompt:       prompt,
		ErrorKind:    kindString(kind, sub),
		ErrorMessage: msg,
	}
	_ = e.Store.WriteMeta(runDir, stage.ID, meta)
	_ = e.Store.AppendEvent(runDir, "stage_failed", map[string]any{"stage_id": stage.ID, "error": msg})

	return Result{Status: StatusFailed}, err
}

func classify(err error) (engineerr.Kind, string, string) {
	if e, ok := engineerr.As(err); ok {
		return e.Kind, e.Sub, e.Message
	}
	return engineerr.Provider, string(engineerr.ProviderInternal), err.Error()
}

func kindString(kind engineerr.Kind, sub string) string {
	if sub == "" {
		return string(kind)
	}
	return fmt.Sprintf("%s:%s", kind, sub)
}

// ExecuteMap runs a kind:map stage by resolving its item list and
// delegating to the Map Scheduler, then recording the scheduler's
// terminal status in the root-level <stage_id>.meta.json.
func (e *Executor) ExecuteMap(ctx context.Context, runDir string, stage pipeline.Stage, pipelineStages pipeline.Pipeline, baseReq contextassembler.Request, provider llm.Provider, model string, reasoning map[string]any) (Result, error) {
	dir := e.Store.StageDir(runDir, stage.ID)

	items, err := e.resolveItems(runDir, stage, pipelineStages)
	if err != nil {
		return e.fail(runDir, dir, stage, "", err)
	}

	scheduler := mapscheduler.New(e.Store, e.Renderer)
	cfg := mapscheduler.Config{
		RunDir:       runDir,
		StageID:      stage.ID,
		OutputKind:   stage.Output,
		TemplateName: stage.ID,
		TemplateBody: stage.Prompt,
		BaseRequest:  baseReq,
		MaxInFlight:  stage.EffectiveMaxInFlight(),
		Model:        model,
		Reasoning:    reasoning,
	}

	var (
		manifest mapscheduler.Manifest
		status   mapscheduler.StageStatus
	)

	if stage.ExecutionMode == pipeline.ExecBatch {
		batchProvider, ok := llm.AsBatch(provider)
		if !ok {
			return e.fail(runDir, dir, stage, "", engineerr.ConfigError("provider %q does not support batch execution", provider.ID()))
		}
		manifest, status, err = scheduler.RunBatch(ctx, cfg, items, batchProvider, 2*time.Second, 60*time.Second)
	} else {
		syncProvider, ok := llm.AsSync(provider)
		if !ok {
			return e.fail(runDir, dir, stage, "", engineerr.ConfigError("provider %q does not support sync completion", provider.ID()))
		}
		manifest, status, err = scheduler.RunConcurrent(ctx, cfg, items, syncProvider)
	}
	if err != nil {
		return e.fail(runDir, dir, stage, "", err)
	}

	meta := StageMeta{
		StageID:       stage.ID,
		Kind:          stage.EffectiveKind(),
		ExecutionMode: stage.ExecutionMode,
	}

	switch status {
	case mapscheduler.Completed:
		meta.Status = StatusCompleted
		_ = e.Store.WriteMeta(runDir, stage.ID, meta)
		_ = e.Store.AppendEvent(runDir, "stage_completed", map[string]any{"stage_id": stage.ID, "items": len(manifest.Items)})
		jsonValue, err := manifestToValue(manifest)
		if err != nil {
			return Result{}, err
		}
		return Result{Status: StatusCompleted, JSON: jsonValue, HasJSON: stage.Output != pipeline.OutputMarkdown}, nil
	case mapscheduler.AwaitingBatch:
		meta.Status = Status("awaiting_batch")
		_ = e.Store.WriteMeta(runDir, stage.ID, meta)
		return Result{Status: Status("awaiting_batch")}, nil
	default:
		meta.Status = StatusFailed
		_ = e.Store.WriteMeta(runDir, stage.ID, meta)
		_ = e.Store.AppendEvent(runDir, "stage_failed", map[string]any{"stage_id": stage.ID})
		return Result{Status: StatusFailed}, engineerr.New(engineerr.Provider, fmt.Sprintf("map stage %q: all items failed", stage.ID))
	}
}

// manifestToValue lets a downstream stage reference a map stage's
// manifest the same way it would a single stage's JSON output, via
// stage_json[<id>] — the manifest's own entries become the envelope.
func manifestToValue(m mapscheduler.Manifest) (value.Value, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return value.Value{}, engineerr.FilesystemError(err, "marshaling map stage manifest")
	}
	return value.FromJSON(b)
}

func (e *Executor) resolveItems(runDir string, stage pipeline.Stage, p pipeline.Pipeline) ([]mapscheduler.Item, error) {
	if _, _, ok := p.StageByID(stage.ListSource); ok {
		return mapscheduler.LoadItemsFromUpstreamStage(e.Store, runDir, stage.ListSource)
	}

	info, err := os.Stat(stage.ListSource)
	if err != nil {
		return nil, engineerr.ConfigError("list_source %q is neither a stage id nor an existing file", stage.ListSource)
	}
	if info.IsDir() {
		return nil, engineerr.ConfigError("list_source %q is a directory", stage.ListSource)
	}

	if isJSONFile(stage.ListSource) {
		return mapscheduler.LoadItemsFromJSONFile(stage.ListSource)
	}
	return mapscheduler.LoadItemsFromTextFile(stage.ListSource)
}

func isJSONFile(path string) bool {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '.' {
			return path[i:] == ".json"
		}
		if path[i] == '/' {
			break
		}
	}
	return false
}
