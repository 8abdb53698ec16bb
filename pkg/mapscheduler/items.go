// SPDX-License-Identifier: AGPL-3.0-or-later

/*
PromptChain - a local-first orchestrator for multi-stage LLM prompt pipelines.

Copyright (C) 2025  Bartek Kus

This program is free software licensed under the terms of the GNU AGPL v3 or later.

See https://www.gnu.org/licenses/ for license details.

*/

// Package mapscheduler executes a map stage: given a resolved item list,
// it produces one output artifact per selected item plus a manifest,
// in either a bounded concurrent worker pool or a provider-managed
// batch lifecycle.
package mapscheduler

import (
	"bufio"
	"os"
	"strings"

	"github.com/bartekus/promptchain/pkg/artifactstore"
	"github.com/bartekus/promptchain/pkg/engineerr"
	"github.com/bartekus/promptchain/pkg/jsonnorm"
	"github.com/bartekus/promptchain/pkg/value"
)

// Item is one element of a map stage's resolved list.
type Item struct {
	ID       string
	Index    int
	Value    value.Value
	Selected bool
}

// LoadItemsFromEnvelope converts an already-normalized envelope (e.g.
// loaded from an upstream stage's output.json) into the scheduler's
// Item list, preserving original order.
func LoadItemsFromEnvelope(env jsonnorm.Envelope) []Item {
	items := make([]Item, 0, len(env.Items))
	for i, it := range env.Items {
		items = append(items, Item{ID: it.ID, Index: i, Value: it.Value, Selected: it.Selected})
	}
	return items
}

// LoadItemsFromUpstreamStage reads stage_id's canonical output.json
// within runDir and normalizes it into an Item list.
func LoadItemsFromUpstreamStage(store *artifactstore.Store, runDir, stageID string) ([]Item, error) {
	path := store.StageDir(runDir, stageID) + "/output.json"
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, engineerr.FilesystemError(err, "reading upstream stage %q output for list_source", stageID)
	}
	env, err := jsonnorm.EnsureEnvelope(data)
	if err != nil {
		return nil, err
	}
	return LoadItemsFromEnvelope(env), nil
}

// LoadItemsFromJSONFile parses path as JSON through the Normalizer.
func LoadItemsFromJSONFile(path string) ([]Item, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, engineerr.FilesystemError(err, "reading list_source file %s", path)
	}
	env, err := jsonnorm.Normalize(data)
	if err != nil {
		return nil, err
	}
	return LoadItemsFromEnvelope(env), nil
}

// LoadItemsFromTextFile treats each non-empty trimmed line of path as
// one item value, with id and selection computed the same way the JSON
// Normalizer computes them for any other item.
func LoadItemsFromTextFile(path string) ([]Item, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, engineerr.FilesystemError(err, "opening list_source file %s", path)
	}
	defer f.Close()

	var items []Item
	seen := map[string]bool{}
	index := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		v := value.String(line)
		id := jsonnorm.ItemID(v)
		if seen[id] {
			continue
		}
		seen[id] = true
		items = append(items, Item{ID: id, Index: index, Value: v, Selected: true})
		index++
	}
	if err := scanner.Err(); err != nil {
		return nil, engineerr.FilesystemError(err, "scanning list_source file %s", path)
	}
	return items, nil
}
