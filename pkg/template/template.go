// SPDX-License-Identifier: AGPL-3.0-or-later

/*
PromptChain - a local-first orchestrator for multi-stage LLM prompt pipelines.

Copyright (C) 2025  Bartek Kus

This program is free software licensed under the terms of the GNU AGPL v3 or later.

See https://www.gnu.org/licenses/ for license details.

*/

// Package template is the engine's prompt-rendering collaborator: a
// rendering function from (template, context) to string, plus a
// name-extraction function giving the set of context names a template
// references. The core engine treats rendering mechanics as someone
// else's concern; this package is that someone else, built on
// text/template since no pack repository imports a templating library
// directly.
package template

import (
	"bytes"
	"text/template"
	"text/template/parse"

	"github.com/bartekus/promptchain/pkg/engineerr"
)

// Renderer renders a named template against a context map and can
// report which top-level context names the template references.
type Renderer interface {
	Render(name, body string, ctx map[string]any) (string, error)
	ReferencedNames(name, body string) ([]string, error)
}

// textRenderer implements Renderer with text/template.
type textRenderer struct{}

// New returns the stdlib text/template-backed Renderer.
func New() Renderer { return textRenderer{} }

func (textRenderer) parse(name, body string) (*template.Template, error) {
	t, err := template.New(name).Option("missingkey=error").Parse(body)
	if err != nil {
		return nil, engineerr.ConfigError("parsing template %q: %v", name, err)
	}
	return t, nil
}

func (r textRenderer) Render(name, body string, ctx map[string]any) (string, error) {
	t, err := r.parse(name, body)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, ctx); err != nil {
		return "", engineerr.ContextError("rendering template %q: %v", name, err)
	}
	return buf.String(), nil
}

// ReferencedNames walks the parsed template's node tree and collects
// the set of top-level field names referenced (e.g. {{.topic}} yields
// "topic", {{.item.title}} yields "item"). Used for the context_used
// audit and for the Runner's upstream-dependency validation.
func (r textRenderer) ReferencedNames(name, body string) ([]string, error) {
	t, err := r.parse(name, body)
	if err != nil {
		return nil, err
	}

	seen := map[string]bool{}
	for _, tmpl := range t.Templates() {
		if tmpl.Tree == nil {
			continue
		}
		walkNode(tmpl.Tree.Root, seen)
	}

	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	return names, nil
}

func walkNode(n parse.Node, seen map[string]bool) {
	if n == nil {
		return
	}
	switch v := n.(type) {
	case *parse.ListNode:
		if v == nil {
			return
		}
		for _, c := range v.Nodes {
			walkNode(c, seen)
		}
	case *parse.ActionNode:
		walkPipe(v.Pipe, seen)
	case *parse.IfNode:
		walkPipe(v.Pipe, seen)
		walkNode(v.List, seen)
		walkNode(v.ElseList, seen)
	case *parse.RangeNode:
		walkPipe(v.Pipe, seen)
		walkNode(v.List, seen)
		walkNode(v.ElseList, seen)
	case *parse.WithNode:
		walkPipe(v.Pipe, seen)
		walkNode(v.List, seen)
		walkNode(v.ElseList, seen)
	case *parse.TemplateNode:
		walkPipe(v.Pipe, seen)
	}
}

func walkPipe(p *parse.PipeNode, seen map[string]bool) {
	if p == nil {
		return
	}
	for _, cmd := range p.Cmds {
		for _, arg := range cmd.Args {
			if f, ok := arg.(*parse.FieldNode); ok && len(f.Ident) > 0 {
				seen[f.Ident[0]] = true
			}
			if pn, ok := arg.(*parse.PipeNode); ok {
				walkPipe(pn, seen)
			}
		}
	}
}
