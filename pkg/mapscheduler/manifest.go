// SPDX-License-Identifier: AGPL-3.0-or-later

/*
PromptChain - a local-first orchestrator for multi-stage LLM prompt pipelines.

Copyright (C) 2025  Bartek Kus

This program is free software licensed under the terms of the GNU AGPL v3 or later.

See https://www.gnu.org/licenses/ for license details.

*/

package mapscheduler

import (
	"sync"

	"github.com/bartekus/promptchain/pkg/artifactstore"
)

// ItemStatus is a map item's status within the manifest.
type ItemStatus string

const (
	StatusCompleted        ItemStatus = "completed"
	StatusFailed           ItemStatus = "failed"
	StatusSkipped          ItemStatus = "skipped"
	StatusSubmittedPending ItemStatus = "submitted_pending"
	StatusRunning          ItemStatus = "running"
)

// ManifestEntry is one item's row in output.json.
type ManifestEntry struct {
	ItemID     string     `json:"item_id"`
	Status     ItemStatus `json:"status"`
	OutputPath string     `json:"output_path,omitempty"`
	RawPath    string     `json:"raw_path,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// Manifest is the map stage's output.json contents.
type Manifest struct {
	Items []ManifestEntry `json:"items"`
}

// manifestWriter serializes manifest updates through a single mutex, per
// spec §5 ("the manifest ... is serialized through a single update
// channel (or equivalent mutex)"), and keeps entries in original item
// order regardless of completion order.
type manifestWriter struct {
	mu      sync.Mutex
	store   *artifactstore.Store
	path    string
	entries []ManifestEntry // indexed by original item position
}

func newManifestWriter(store *artifactstore.Store, path string, n int) *manifestWriter {
	return &manifestWriter{store: store, path: path, entries: make([]ManifestEntry, n)}
}

// Update sets the entry at idx and atomically rewrites output.json with
// every known entry so far, in original order.
func (w *manifestWriter) Update(idx int, entry ManifestEntry) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.entries[idx] = entry

	present := make([]ManifestEntry, 0, len(w.entries))
	for _, e := range w.entries {
		if e.ItemID != "" {
			present = append(present, e)
		}
	}
	return w.store.WriteJSON(w.path, Manifest{Items: present})
}

func (w *manifestWriter) Snapshot() []ManifestEntry {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]ManifestEntry, len(w.entries))
	copy(out, w.entries)
	return out
}
