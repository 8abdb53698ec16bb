// SPDX-License-Identifier: AGPL-3.0-or-later

/*
PromptChain - a local-first orchestrator for multi-stage LLM prompt pipelines.

Copyright (C) 2025  Bartek Kus

This program is free software licensed under the terms of the GNU AGPL v3 or later.

See https://www.gnu.org/licenses/ for license details.

*/

// Package runner is the Runner: it resolves which stages to execute,
// validates that every template reference to an upstream stage is
// satisfiable, walks the pipeline in order calling the Stage Executor,
// and publishes the declared outputs once the run succeeds.
//
// Grounded on internal/cli/commands/build.go's flags-resolve →
// config-load → validate → execute sequencing from the donor, applied
// here to a whole pipeline run instead of one build invocation.
package runner

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/bartekus/promptchain/pkg/artifactstore"
	"github.com/bartekus/promptchain/pkg/contextassembler"
	"github.com/bartekus/promptchain/pkg/engineerr"
	"github.com/bartekus/promptchain/pkg/logging"
	"github.com/bartekus/promptchain/pkg/pipeline"
	"github.com/bartekus/promptchain/pkg/providers/llm"
	"github.com/bartekus/promptchain/pkg/stageexec"
	"github.com/bartekus/promptchain/pkg/value"
)

// Flags mirrors the `promptchain run` CLI surface, per spec §6.
type Flags struct {
	PipelinePath string
	RunDirPath   string // resume into an existing run if non-empty
	Stage        string
	FromStage    string
	StopAfter    string
	Params       map[string]string // unknown --<name> <value> pairs, bound as user parameters
}

// RunRecord is the read-only, derived projection of run.json consumed by
// the Run Index — never the source of truth for run state.
type RunRecord struct {
	RunID          string    `json:"run_id"`
	PipelineName   string    `json:"pipeline_name"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at,omitempty"`
	Status         string    `json:"status"` // running, completed, failed, awaiting_batch
	StageCount     int       `json:"stage_count"`
	FailedStageIDs []string  `json:"failed_stage_ids,omitempty"`
}

// Plan is the resolved, validated execution set for one invocation,
// ready for Execute.
type Plan struct {
	RunID        string
	RunDir       string
	Pipeline     pipeline.Pipeline
	ExecutionSet map[string]bool // stage ids to (re-)execute
	Lock         *flock.Flock
	Params       map[string]value.Value
}

// Runner wires the Artifact Store, Stage Executor, and provider registry
// together to drive one pipeline run.
type Runner struct {
	Store    *artifactstore.Store
	Executor *stageexec.Executor
	Registry *llm.Registry
	Logger   logging.Logger
}

// New constructs a Runner.
func New(store *artifactstore.Store, executor *stageexec.Executor, registry *llm.Registry, logger logging.Logger) *Runner {
	if logger == nil {
		logger = logging.NewLogger(false)
	}
	return &Runner{Store: store, Executor: executor, Registry: registry, Logger: logger}
}

// Prepare loads and validates the pipeline, resolves or creates the run
// directory, computes the execution set from flags, and validates
// dependencies. The run directory exists by the time Prepare returns
// successfully, so the caller can print `run_dir: <path>` immediately —
// spec §4.7's "before anything else" requirement.
func (r *Runner) Prepare(flags Flags) (*Plan, error) {
	p, err := pipeline.Load(flags.PipelinePath)
	if err != nil {
		return nil, err
	}

	var runID, runDir string
	if flags.RunDirPath != "" {
		runID, err = r.Store.OpenRun(flags.RunDirPath)
		runDir = flags.RunDirPath
	} else {
		runID, runDir, err = r.Store.CreateRun()
	}
	if err != nil {
		return nil, err
	}

	lock, err := r.Store.Lock(runDir)
	if err != nil {
		return nil, err
	}

	execSet, err := resolveExecutionSet(*p, flags)
	if err != nil {
		lock.Unlock()
		return nil, err
	}

	if err := validateDependencies(*p, execSet, r.Store, runDir); err != nil {
		lock.Unlock()
		return nil, err
	}

	params := make(map[string]value.Value, len(flags.Params))
	for k, v := range flags.Params {
		params[k] = value.String(v)
	}
	for _, decl := range p.Params {
		if decl.Required {
			if _, ok := params[decl.Name]; !ok {
				lock.Unlock()
				return nil, engineerr.ConfigError("missing required parameter %q", decl.Name)
			}
		}
	}

	return &Plan{RunID: runID, RunDir: runDir, Pipeline: *p, ExecutionSet: execSet, Lock: lock, Params: params}, nil
}

// resolveExecutionSet implements spec §4.7's three flag combinations.
func resolveExecutionSet(p pipeline.Pipeline, flags Flags) (map[string]bool, error) {
	set := map[string]bool{}

	if flags.Stage != "" {
		if _, _, ok := p.StageByID(flags.Stage); !ok {
			return nil, engineerr.ConfigError("unknown stage %q", flags.Stage)
		}
		set[flags.Stage] = true
		return set, nil
	}

	if flags.FromStage != "" {
		_, fromIdx, ok := p.StageByID(flags.FromStage)
		if !ok {
			return nil, engineerr.ConfigError("unknown stage %q", flags.FromStage)
		}
		stopIdx := len(p.Stages) - 1
		if flags.StopAfter != "" {
			_, idx, ok := p.StageByID(flags.StopAfter)
			if !ok {
				return nil, engineerr.ConfigError("unknown stage %q", flags.StopAfter)
			}
			if idx < fromIdx {
				return nil, engineerr.ConfigError("--stop-after %q is earlier than --from-stage %q", flags.StopAfter, flags.FromStage)
			}
			stopIdx = idx
		}
		for i := fromIdx; i <= stopIdx; i++ {
			set[p.Stages[i].ID] = true
		}
		return set, nil
	}

	if flags.StopAfter != "" {
		_, stopIdx, ok := p.StageByID(flags.StopAfter)
		if !ok {
			return nil, engineerr.ConfigError("unknown stage %q", flags.StopAfter)
		}
		for i := 0; i <= stopIdx; i++ {
			set[p.Stages[i].ID] = true
		}
		return set, nil
	}

	for _, s := range p.Stages {
		set[s.ID] = true
	}
	return set, nil
}

// validateDependencies scans every in-scope stage's template for
// stage_outputs[...]/stage_json[...] references and requires each
// referenced stage to be either earlier in the pipeline and enabled, or
// already completed on disk (resumable from a prior invocation). A
// reference to a disabled stage fails fast with both ids named, per
// spec §4.7/§7.
func validateDependencies(p pipeline.Pipeline, execSet map[string]bool, store *artifactstore.Store, runDir string) error {
	for i, s := range p.Stages {
		if !execSet[s.ID] {
			continue
		}
		refs, err := contextassembler.ReferencedStageIDs(s.ID, s.Prompt)
		if err != nil {
			return err
		}
		for _, ref := range refs {
			upstream, upIdx, ok := p.StageByID(ref)
			if !ok {
				return engineerr.ConfigError("stage %q references unknown stage %q", s.ID, ref)
			}
			if !upstream.IsEnabled() {
				_ = store.AppendEvent(runDir, "error", map[string]any{"error": "disabled_dependency"})
				return engineerr.DisabledDependencyError(s.ID, ref)
			}
			if upIdx < i {
				continue // earlier and enabled: executes (or was executed) before s, in order
			}
			if store.IsStageCompleted(runDir, ref, toStoreKind(upstream.Output)) {
				continue // already completed in a prior invocation against this run dir
			}
			return engineerr.ConfigError(
				"stage %q references stage %q, which is not completed and does not precede it in the pipeline", s.ID, ref)
		}
	}
	return nil
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

// Summary is Execute's result.
type Summary struct {
	Status         string
	FailedStageIDs []string
	Executed       []string
}

// Execute walks the pipeline in order, executing or skipping each stage
// per the plan, assembling upstream context as it goes, and publishes
// outputs once the run finishes. It always releases plan.Lock before
// returning.
func (r *Runner) Execute(ctx context.Context, plan *Plan) (Summary, error) {
	defer plan.Lock.Unlock()

	record := RunRecord{
		RunID:        plan.RunID,
		PipelineName: plan.Pipeline.Name,
		StartedAt:    time.Now().UTC(),
		Status:       "running",
		StageCount:   len(plan.Pipeline.Stages),
	}
	_ = r.Store.WriteJSON(runRecordPath(plan.RunDir), record)

	var (
		upstream []contextassembler.StageArtifact
		summary  Summary
	)

	for _, stage := range plan.Pipeline.Stages {
		inScope := plan.ExecutionSet[stage.ID]

		if !inScope {
			if art, ok := r.loadExistingArtifact(plan.RunDir, stage); ok {
				upstream = append(upstream, art)
			}
			continue
		}

		if !stage.IsEnabled() {
			res, err := r.Executor.Skip(plan.RunDir, stage)
			if err != nil {
				return r.finish(plan, record, summary, err)
			}
			r.Logger.Info("stage skipped", logging.NewField("stage_id", stage.ID), logging.NewField("status", string(res.Status)))
			continue
		}

		if r.Store.IsStageCompleted(plan.RunDir, stage.ID, toStoreKind(stage.Output)) {
			r.Logger.Info("stage reused", logging.NewField("stage_id", stage.ID))
			if art, ok := r.loadExistingArtifact(plan.RunDir, stage); ok {
				upstream = append(upstream, art)
			}
			summary.Executed = append(summary.Executed, stage.ID)
			continue
		}

		provider, model, reasoning, err := r.resolveProvider(plan.Pipeline, stage)
		if err != nil {
			return r.finish(plan, record, summary, err)
		}

		req := contextassembler.Request{Params: plan.Params, UpstreamStages: upstream}
		if stage.FileInput != nil {
			req.FileInputName = stage.FileInput.Name
			req.FileInputPath = stage.FileInput.Path
		}

		var res stageexec.Result
		if stage.EffectiveKind() == pipeline.KindMap {
			res, err = r.Executor.ExecuteMap(ctx, plan.RunDir, stage, plan.Pipeline, req, provider, model, reasoning)
		} else {
			res, err = r.Executor.ExecuteSingle(ctx, plan.RunDir, stage, req, provider, model, reasoning)
		}

		summary.Executed = append(summary.Executed, stage.ID)

		if err != nil || res.Status == stageexec.StatusFailed {
			summary.FailedStageIDs = append(summary.FailedStageIDs, stage.ID)
			if err == nil {
				err = fmt.Errorf("stage %q failed", stage.ID)
			}
			return r.finish(plan, record, summary, err)
		}

		if res.Status == stageexec.Status("awaiting_batch") {
			summary.Status = "awaiting_batch"
			return r.finish(plan, record, summary, nil)
		}

		upstream = append(upstream, contextassembler.StageArtifact{
			StageID: stage.ID, Text: res.Text, JSON: res.JSON, HasJSON: res.HasJSON,
		})
	}

	if err := r.publish(plan, summary); err != nil {
		return r.finish(plan, record, summary, err)
	}

	summary.Status = "completed"
	return r.finish(plan, record, summary, nil)
}

func (r *Runner) finish(plan *Plan, record RunRecord, summary Summary, err error) (Summary, error) {
	if summary.Status == "" {
		summary.Status = "failed"
	}
	record.Status = summary.Status
	record.FinishedAt = time.Now().UTC()
	record.FailedStageIDs = summary.FailedStageIDs
	_ = r.Store.WriteJSON(runRecordPath(plan.RunDir), record)
	return summary, err
}

func runRecordPath(runDir string) string {
	return filepath.Join(runDir, "run.json")
}

// resolveProvider applies the pipeline-then-stage override precedence
// for provider/model/reasoning, per the pipeline YAML's engine-observable
// subset (spec §6).
func (r *Runner) resolveProvider(p pipeline.Pipeline, s pipeline.Stage) (llm.Provider, string, map[string]any, error) {
	id := p.Provider
	if s.Provider != "" {
		id = s.Provider
	}
	if id == "" {
		return nil, "", nil, engineerr.ConfigError("stage %q: no provider configured", s.ID)
	}
	provider, err := r.Registry.Get(id)
	if err != nil {
		return nil, "", nil, engineerr.ConfigError("stage %q: unknown provider %q", s.ID, id)
	}

	model := p.Model
	if s.Model != "" {
		model = s.Model
	}

	reasoning := map[string]any(p.Reasoning)
	if s.Reasoning != nil {
		reasoning = map[string]any(s.Reasoning)
	}

	return provider, model, reasoning, nil
}

// loadExistingArtifact reads a stage's canonical raw.txt and/or
// output.json off disk (without executing it; a map stage has only its
// output.json manifest), so a stage outside the execution set that
// completed in a prior invocation can still feed context to one inside
// the set.
func (r *Runner) loadExistingArtifact(runDir string, stage pipeline.Stage) (contextassembler.StageArtifact, bool) {
	dir := r.Store.StageDir(runDir, stage.ID)
	rawPath := filepath.Join(dir, "raw.txt")
	raw, rawErr := os.ReadFile(rawPath)

	art := contextassembler.StageArtifact{StageID: stage.ID, Text: string(raw)}

	jsonPath := filepath.Join(dir, "output.json")
	if data, err := os.ReadFile(jsonPath); err == nil {
		v, err := value.FromJSON(data)
		if err == nil {
			art.JSON = v
			art.HasJSON = true
		}
	}
	if rawErr != nil && !art.HasJSON {
		return contextassembler.StageArtifact{}, false
	}
	return art, true
}

// publish copies the declared publish set's canonical outputs into
// runs/<run_id>/output/..., per spec §4.7. If no stage declares
// publish=true, the last executed stage is published.
func (r *Runner) publish(plan *Plan, summary Summary) error {
	if len(summary.Executed) == 0 {
		return nil
	}

	publishSet := map[string]bool{}
	for _, s := range plan.Pipeline.Stages {
		if s.Publish {
			publishSet[s.ID] = true
		}
	}
	if len(publishSet) == 0 {
		publishSet[summary.Executed[len(summary.Executed)-1]] = true
	}

	outRoot := filepath.Join(plan.RunDir, "output")
	for _, stage := range plan.Pipeline.Stages {
		if !publishSet[stage.ID] {
			continue
		}
		if err := r.publishStage(plan.RunDir, outRoot, stage); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) publishStage(runDir, outRoot string, stage pipeline.Stage) error {
	dst := filepath.Join(outRoot, stage.ID)
	src := r.Store.StageDir(runDir, stage.ID)

	if stage.EffectiveKind() == pipeline.KindMap {
		itemsDir := filepath.Join(src, "items")
		entries, err := os.ReadDir(itemsDir)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return engineerr.FilesystemError(err, "reading map stage items for publish: %s", itemsDir)
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			itemSrc := filepath.Join(itemsDir, entry.Name())
			itemDst := filepath.Join(dst, entry.Name())
			if !r.Store.IsItemCompleted(runDir, stage.ID, entry.Name(), toStoreKind(stage.Output)) {
				continue
			}
			if err := copyCanonicalOutputs(itemSrc, itemDst, stage.Output); err != nil {
				return err
			}
		}
		return nil
	}

	if !r.Store.IsStageCompleted(runDir, stage.ID, toStoreKind(stage.Output)) {
		return nil
	}
	return copyCanonicalOutputs(src, dst, stage.Output)
}

// canonicalOutputNames returns the file name(s) a stage's output kind
// declares as canonical — the only files the publish pass may copy.
// Intermediate artifacts (raw.txt, stage.json, context.json) never
// appear in output/.
func canonicalOutputNames(kind pipeline.OutputKind) []string {
	switch kind {
	case pipeline.OutputJSON:
		return []string{"output.json"}
	case pipeline.OutputBoth:
		return []string{"output.md", "output.json"}
	default:
		return []string{"output.md"}
	}
}

// copyCanonicalOutputs copies only a stage's (or map item's) declared
// canonical output file(s) from src into dst, per spec §4.7's "copy
// their canonical outputs" / "intermediate artifacts are not published".
func copyCanonicalOutputs(src, dst string, kind pipeline.OutputKind) error {
	for _, name := range canonicalOutputNames(kind) {
		srcPath := filepath.Join(src, name)
		if _, err := os.Stat(srcPath); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return engineerr.FilesystemError(err, "statting %s for publish", srcPath)
		}
		if err := copyFile(srcPath, filepath.Join(dst, name)); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return engineerr.FilesystemError(err, "opening %s for publish", src)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return engineerr.FilesystemError(err, "creating publish directory for %s", dst)
	}
	out, err := os.Create(dst)
	if err != nil {
		return engineerr.FilesystemError(err, "creating %s for publish", dst)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return engineerr.FilesystemError(err, "copying %s to %s", src, dst)
	}
	return nil
}
