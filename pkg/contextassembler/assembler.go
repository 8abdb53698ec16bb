// SPDX-License-Identifier: AGPL-3.0-or-later

/*
PromptChain - a local-first orchestrator for multi-stage LLM prompt pipelines.

Copyright (C) 2025  Bartek Kus

This program is free software licensed under the terms of the GNU AGPL v3 or later.

See https://www.gnu.org/licenses/ for license details.

*/

// Package contextassembler builds the template context for a stage or
// map item from pipeline parameters, file inputs, and upstream stage
// artifacts, and reports which of those names a given template actually
// consumed.
//
// Grounded on pkg/providers/backend/backend.go's DevOptions{Config any,
// Env map[string]string} shape — passing a flat named-value map into a
// collaborator — generalized here from deploy-time options to
// template-rendering context.
package contextassembler

import (
	"os"
	stdtemplate "text/template"
	"text/template/parse"

	"github.com/bartekus/promptchain/pkg/engineerr"
	"github.com/bartekus/promptchain/pkg/template"
	"github.com/bartekus/promptchain/pkg/value"
)

func parseTemplate(name, body string) (*parse.Tree, error) {
	t, err := stdtemplate.New(name).Parse(body)
	if err != nil {
		return nil, engineerr.ConfigError("parsing template %q: %v", name, err)
	}
	return t.Tree, nil
}

// StageArtifact is what an upstream completed stage makes available to
// downstream stages.
type StageArtifact struct {
	StageID string
	Text    string // markdown/text output, exposed as stage_outputs[<id>]
	JSON    value.Value
	HasJSON bool // whether this stage produced a parsed JSON output
}

// Item describes the current element of a map stage's list, for
// per-item context assembly.
type Item struct {
	ID    string
	Index int
	Value value.Value
}

// Request holds everything needed to assemble context for one stage or
// map item.
type Request struct {
	Params         map[string]value.Value
	UpstreamStages []StageArtifact
	FileInputName  string // empty if this stage declares no file_input
	FileInputPath  string
	Item           *Item // nil outside map-item execution
}

// Assembled is the result: context_all (everything available) and
// context_used (only the names the template actually referenced).
type Assembled struct {
	All  map[string]any
	Used map[string]any
}

// Assemble builds context_all for req, then — using r to discover which
// names templateBody references — derives context_used. It returns an
// UnresolvedContextReference (ContextError) if the template references
// a name not present in context_all, or an upstream stage_outputs/
// stage_json entry whose stage never produced that output.
func Assemble(r template.Renderer, templateName, templateBody string, req Request) (Assembled, error) {
	all := map[string]any{}

	for name, v := range req.Params {
		all[name] = v.ToAny()
	}

	stageOutputs := map[string]any{}
	stageJSON := map[string]any{}
	for _, sa := range req.UpstreamStages {
		stageOutputs[sa.StageID] = sa.Text
		if sa.HasJSON {
			stageJSON[sa.StageID] = sa.JSON.ToAny()
		}
	}
	all["stage_outputs"] = stageOutputs
	all["stage_json"] = stageJSON

	if req.FileInputName != "" {
		data, err := os.ReadFile(req.FileInputPath)
		if err != nil {
			return Assembled{}, engineerr.ContextError(
				"reading file_input %q at %q: %v", req.FileInputName, req.FileInputPath, err)
		}
		all[req.FileInputName] = string(data)
	}

	if req.Item != nil {
		itemMap, _ := req.Item.Value.Object()
		itemAny := req.Item.Value.ToAny()
		if itemMap != nil {
			flat := make(map[string]any, len(itemMap))
			for k, v := range itemMap {
				flat[k] = v.ToAny()
			}
			all["item"] = flat
		} else {
			all["item"] = itemAny
		}
		all["item_index"] = req.Item.Index
		all["item_id"] = req.Item.ID
	}

	names, err := r.ReferencedNames(templateName, templateBody)
	if err != nil {
		return Assembled{}, err
	}

	used := map[string]any{}
	for _, name := range names {
		v, ok := all[name]
		if !ok {
			return Assembled{}, engineerr.ContextError("unresolved context reference %q", name)
		}
		used[name] = v
	}

	if err := checkStageReferences(templateName, templateBody, stageOutputs, stageJSON); err != nil {
		return Assembled{}, err
	}

	return Assembled{All: all, Used: used}, nil
}

// checkStageReferences walks the template a second time looking for
// dotted field paths rooted at stage_outputs/stage_json (e.g.
// {{.stage_outputs.list_items}}), which ReferencedNames' single-level
// extraction does not resolve down to a specific stage id. Referencing
// an upstream stage id that never produced the expected artifact is
// UnresolvedContextReference per spec §4.3, even though the outer name
// ("stage_outputs") does exist in context_all.
func checkStageReferences(name, body string, stageOutputs, stageJSON map[string]any) error {
	paths, err := fieldPaths(name, body)
	if err != nil {
		return err
	}
	for _, p := range paths {
		if len(p) < 2 {
			continue
		}
		switch p[0] {
		case "stage_outputs":
			if _, ok := stageOutputs[p[1]]; !ok {
				return engineerr.ContextError("unresolved context reference stage_outputs[%q]: stage has no completed text output", p[1])
			}
		case "stage_json":
			if _, ok := stageJSON[p[1]]; !ok {
				return engineerr.ContextError("unresolved context reference stage_json[%q]: stage has no completed JSON output", p[1])
			}
		}
	}
	return nil
}

func fieldPaths(name, body string) ([][]string, error) {
	t, err := parseTemplate(name, body)
	if err != nil {
		return nil, err
	}
	var paths [][]string
	var walk func(n parse.Node)
	walk = func(n parse.Node) {
		switch v := n.(type) {
		case *parse.ListNode:
			if v == nil {
				return
			}
			for _, c := range v.Nodes {
				walk(c)
			}
		case *parse.ActionNode:
			walkPipeForPaths(v.Pipe, &paths)
		case *parse.IfNode:
			walkPipeForPaths(v.Pipe, &paths)
			walk(v.List)
			walk(v.ElseList)
		case *parse.RangeNode:
			walkPipeForPaths(v.Pipe, &paths)
			walk(v.List)
			walk(v.ElseList)
		case *parse.WithNode:
			walkPipeForPaths(v.Pipe, &paths)
			walk(v.List)
			walk(v.ElseList)
		}
	}
	walk(t.Root)
	return paths, nil
}

// ReferencedStageIDs returns the set of upstream stage ids a template
// references in dotted form ({{.stage_outputs.<id>}}/{{.stage_json.<id>}}),
// for the Runner's dependency-validation pass — it needs
// to know which stage ids a downstream stage depends on before any
// context is assembled. References written with the index function
// (index .stage_outputs "<id>") are not detected.
func ReferencedStageIDs(templateName, templateBody string) ([]string, error) {
	paths, err := fieldPaths(templateName, templateBody)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var ids []string
	for _, p := range paths {
		if len(p) < 2 {
			continue
		}
		if p[0] != "stage_outputs" && p[0] != "stage_json" {
			continue
		}
		if !seen[p[1]] {
			seen[p[1]] = true
			ids = append(ids, p[1])
		}
	}
	return ids, nil
}

func walkPipeForPaths(p *parse.PipeNode, paths *[][]string) {
	if p == nil {
		return
	}
	for _, cmd := range p.Cmds {
		for _, arg := range cmd.Args {
			if f, ok := arg.(*parse.FieldNode); ok {
				*paths = append(*paths, f.Ident)
			}
			if pn, ok := arg.(*parse.PipeNode); ok {
				walkPipeForPaths(pn, paths)
			}
		}
	}
}
