// SPDX-License-Identifier: AGPL-3.0-or-later

/*
PromptChain - a local-first orchestrator for multi-stage LLM prompt pipelines.

Copyright (C) 2025  Bartek Kus

This program is free software licensed under the terms of the GNU AGPL v3 or later.

See https://www.gnu.org/licenses/ for license details.

*/

// Package pipeline defines the Pipeline/Stage data model (spec §3) and
// the YAML loader that turns a pipeline file into it (SPEC_FULL §4.8).
//
// Grounded directly on pkg/config/config.go's struct-per-section YAML
// tagging and Load/validate pattern from the donor repository.
package pipeline

// StageKind is a stage's execution shape.
type StageKind string

const (
	KindSingle StageKind = "single"
	KindMap    StageKind = "map"
)

// OutputKind is what a stage is declared to produce.
type OutputKind string

const (
	OutputMarkdown OutputKind = "markdown"
	OutputJSON     OutputKind = "json"
	OutputBoth     OutputKind = "both"
)

// ExecutionMode is a map stage's concurrency strategy.
type ExecutionMode string

const (
	ExecConcurrent ExecutionMode = "concurrent"
	ExecBatch      ExecutionMode = "batch"
)

// ReasoningConfig is an opaque, provider-specific map of reasoning/
// thinking knobs (e.g. "effort", "budget_tokens"). The engine passes it
// through to the provider without interpreting it.
type ReasoningConfig map[string]any

// Pipeline is an ordered sequence of stages plus pipeline-level defaults.
type Pipeline struct {
	Name             string          `yaml:"name"`
	Provider         string          `yaml:"provider"`
	Model            string          `yaml:"model"`
	Reasoning        ReasoningConfig `yaml:"reasoning,omitempty"`
	Params           []ParamDecl     `yaml:"params,omitempty"`
	Stages           []Stage         `yaml:"stages"`

	// SourcePath is the filesystem path this pipeline was loaded from.
	// Not part of the YAML shape; set by Load.
	SourcePath string `yaml:"-"`
}

// ParamDecl declares a user parameter this pipeline accepts.
type ParamDecl struct {
	Name     string `yaml:"name"`
	Required bool   `yaml:"required,omitempty"`
}

// Stage is one prompt-driven unit within a pipeline.
type Stage struct {
	ID            string          `yaml:"id"`
	Kind          StageKind       `yaml:"kind,omitempty"`   // default: single
	Output        OutputKind      `yaml:"output"`
	Enabled       *bool           `yaml:"enabled,omitempty"` // default: true
	Model         string          `yaml:"model,omitempty"`
	Provider      string          `yaml:"provider,omitempty"`
	Reasoning     ReasoningConfig `yaml:"reasoning,omitempty"`
	Publish       bool            `yaml:"publish,omitempty"`
	FileInput     *FileInput      `yaml:"file_input,omitempty"`
	ListSource    string          `yaml:"list_source,omitempty"`
	ExecutionMode ExecutionMode   `yaml:"execution_mode,omitempty"`
	MaxInFlight   int             `yaml:"max_in_flight,omitempty"`
	Prompt        string          `yaml:"prompt"`
}

// FileInput binds a file's contents into the template context under Name.
type FileInput struct {
	Name string `yaml:"name"`
	Path string `yaml:"path"`
}

// IsEnabled reports whether the stage is enabled, defaulting to true
// when unset.
func (s Stage) IsEnabled() bool {
	if s.Enabled == nil {
		return true
	}
	return *s.Enabled
}

// EffectiveKind returns s.Kind, defaulting to KindSingle.
func (s Stage) EffectiveKind() StageKind {
	if s.Kind == "" {
		return KindSingle
	}
	return s.Kind
}

// EffectiveMaxInFlight returns s.MaxInFlight, defaulting to 1 per spec
// §4.5 ("default 1, meaning effectively sequential items").
func (s Stage) EffectiveMaxInFlight() int {
	if s.MaxInFlight <= 0 {
		return 1
	}
	return s.MaxInFlight
}

// StageByID returns the stage with the given id, if present, and its
// index in p.Stages.
func (p Pipeline) StageByID(id string) (Stage, int, bool) {
	for i, s := range p.Stages {
		if s.ID == id {
			return s, i, true
		}
	}
	return Stage{}, -1, false
}
