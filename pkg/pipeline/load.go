// SPDX-License-Identifier: AGPL-3.0-or-later

/*
PromptChain - a local-first orchestrator for multi-stage LLM prompt pipelines.

Copyright (C) 2025  Bartek Kus

This program is free software licensed under the terms of the GNU AGPL v3 or later.

See https://www.gnu.org/licenses/ for license details.

*/

package pipeline

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/bartekus/promptchain/pkg/engineerr"
)

// ErrPipelineNotFound is returned when the pipeline file does not exist
// at the given path.
var ErrPipelineNotFound = errors.New("promptchain pipeline file not found")

// DefaultPipelinePath is the conventional pipeline file name in the
// current working directory.
func DefaultPipelinePath() string {
	return "pipeline.yml"
}

// Exists reports whether a pipeline file exists at path.
func Exists(path string) (bool, error) {
	info, err := os.Stat(path)
	if err == nil {
		return !info.IsDir(), nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// Load reads, parses and validates the pipeline file at path.
//
// It returns ErrPipelineNotFound if the file does not exist, and a
// ConfigError-kind *engineerr.Error for any shape or reference problem
// found during validation.
func Load(path string) (*Pipeline, error) {
	ok, err := Exists(path)
	if err != nil {
		return nil, fmt.Errorf("checking pipeline file existence: %w", err)
	}
	if !ok {
		return nil, ErrPipelineNotFound
	}

	// nolint:gosec // G304: reading a pipeline file from a user-specified path is expected behavior
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, engineerr.FilesystemError(err, "reading pipeline file %s", path)
	}

	var p Pipeline
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, engineerr.ConfigError("parsing pipeline file %s: %v", path, err)
	}
	p.SourcePath = path

	if err := validate(&p); err != nil {
		return nil, err
	}

	return &p, nil
}

var validOutputKinds = map[OutputKind]bool{
	OutputMarkdown: true,
	OutputJSON:     true,
	OutputBoth:     true,
}

func validate(p *Pipeline) error {
	if p.Name == "" {
		return engineerr.ConfigError("pipeline: name must be non-empty")
	}
	if len(p.Stages) == 0 {
		return engineerr.ConfigError("pipeline: must declare at least one stage")
	}

	seen := make(map[string]bool, len(p.Stages))
	for i, s := range p.Stages {
		if s.ID == "" {
			return engineerr.ConfigError("pipeline: stages[%d].id must be non-empty", i)
		}
		if seen[s.ID] {
			return engineerr.ConfigError("pipeline: duplicate stage id %q", s.ID)
		}
		seen[s.ID] = true

		if !validOutputKinds[s.Output] {
			return engineerr.ConfigError(
				"pipeline: stage %q: output must be one of markdown, json, both; got %q", s.ID, s.Output)
		}
		if s.Prompt == "" {
			return engineerr.ConfigError("pipeline: stage %q: prompt must be non-empty", s.ID)
		}

		kind := s.EffectiveKind()
		if kind != KindSingle && kind != KindMap {
			return engineerr.ConfigError("pipeline: stage %q: kind must be single or map; got %q", s.ID, s.Kind)
		}

		if kind == KindSingle {
			if s.ListSource != "" {
				return engineerr.ConfigError("pipeline: stage %q: list_source is only valid on kind: map stages", s.ID)
			}
			if s.ExecutionMode != "" {
				return engineerr.ConfigError("pipeline: stage %q: execution_mode is only valid on kind: map stages", s.ID)
			}
		}

		if kind == KindMap {
			if s.ListSource == "" {
				return engineerr.ConfigError("pipeline: stage %q: kind: map requires list_source", s.ID)
			}
			if s.ExecutionMode != "" && s.ExecutionMode != ExecConcurrent && s.ExecutionMode != ExecBatch {
				return engineerr.ConfigError(
					"pipeline: stage %q: execution_mode must be concurrent or batch; got %q", s.ID, s.ExecutionMode)
			}
			// list_source must reference either an earlier stage id or an
			// existing file path.
			if _, _, ok := p.StageByID(s.ListSource); !ok {
				if _, err := os.Stat(s.ListSource); err != nil {
					return engineerr.ConfigError(
						"pipeline: stage %q: list_source %q is neither a prior stage id nor an existing file",
						s.ID, s.ListSource)
				}
			} else {
				srcIdx := indexOf(p.Stages, s.ListSource)
				if srcIdx >= i {
					return engineerr.ConfigError(
						"pipeline: stage %q: list_source %q must reference an earlier stage", s.ID, s.ListSource)
				}
			}
		}

		if s.FileInput != nil {
			if s.FileInput.Name == "" || s.FileInput.Path == "" {
				return engineerr.ConfigError("pipeline: stage %q: file_input requires name and path", s.ID)
			}
		}
	}

	return nil
}

func indexOf(stages []Stage, id string) int {
	for i, s := range stages {
		if s.ID == id {
			return i
		}
	}
	return -1
}
