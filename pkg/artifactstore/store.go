// SPDX-License-Identifier: AGPL-3.0-or-later

/*
PromptChain - a local-first orchestrator for multi-stage LLM prompt pipelines.

Copyright (C) 2025  Bartek Kus

This program is free software licensed under the terms of the GNU AGPL v3 or later.

See https://www.gnu.org/licenses/ for license details.

*/

// Package artifactstore owns the on-disk layout of a PromptChain run: it
// is the engine's observable interface and the basis for resume.
//
// Grounded directly on internal/core/state/state.go's saveState
// (temp-file + os.Rename, PID-suffixed temp name) from the donor
// repository, generalized from a single releases.json file to a full
// run directory tree.
package artifactstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/gofrs/flock"

	"github.com/bartekus/promptchain/pkg/engineerr"
)

// DefaultRunsDir is the default root under which run directories are
// created. Overridable via the PROMPTCHAIN_RUNS_DIR environment variable,
// mirroring the donor's STAGECRAFT_STATE_FILE override convention.
const DefaultRunsDir = "runs"

// OutputKind mirrors Stage.OutputKind from the pipeline data model,
// duplicated here (rather than imported) to keep this package free of a
// dependency on pkg/pipeline — the store only needs to know which files
// a stage kind produces.
type OutputKind string

const (
	OutputMarkdown OutputKind = "markdown"
	OutputJSON     OutputKind = "json"
	OutputBoth     OutputKind = "both"
)

// Store owns a single runs/ root directory.
type Store struct {
	root string
}

// New constructs a Store rooted at dir. If dir is empty, it resolves
// PROMPTCHAIN_RUNS_DIR then falls back to DefaultRunsDir.
func New(dir string) *Store {
	if dir == "" {
		dir = os.Getenv("PROMPTCHAIN_RUNS_DIR")
	}
	if dir == "" {
		dir = DefaultRunsDir
	}
	return &Store{root: dir}
}

// Root returns the configured runs/ root.
func (s *Store) Root() string { return s.root }

// generateRunID builds a run id of the form <timestamp>-<short random>,
// e.g. "20260801-120501-a1b2c3".
func generateRunID(now time.Time) string {
	return fmt.Sprintf("%s-%s", now.UTC().Format("20060102-150405"), randomSuffix(6))
}

const hexAlphabet = "0123456789abcdef"

func randomSuffix(n int) string {
	buf := make([]byte, n)
	seed := time.Now().UnixNano()
	for i := range buf {
		seed = seed*6364136223846793005 + 1442695040888963407
		buf[i] = hexAlphabet[(seed>>32)&0xf]
	}
	return string(buf)
}

// CreateRun creates a fresh run directory and returns its id and path.
func (s *Store) CreateRun() (runID string, runDir string, err error) {
	runID = generateRunID(time.Now())
	runDir = filepath.Join(s.root, runID)
	if err := os.MkdirAll(filepath.Join(runDir, "stages"), 0o750); err != nil {
		return "", "", engineerr.FilesystemError(err, "creating run directory %s", runDir)
	}
	return runID, runDir, nil
}

// OpenRun resolves an existing run directory for --run-dir resume.
func (s *Store) OpenRun(runDir string) (string, error) {
	info, err := os.Stat(runDir)
	if err != nil {
		return "", engineerr.ConfigError("run dir %q does not exist: %v", runDir, err)
	}
	if !info.IsDir() {
		return "", engineerr.ConfigError("run dir %q is not a directory", runDir)
	}
	return filepath.Base(runDir), nil
}

// Lock acquires an advisory, PID-scoped lock on the run directory for
// the duration of a runner invocation, guarding against two concurrent
// `promptchain run --run-dir` invocations interleaving writes. It is
// defense-in-depth, not a substitute for atomic writes: release is
// safe even on abnormal process exit since the lock is released by the
// OS when the holding process dies.
func (s *Store) Lock(runDir string) (*flock.Flock, error) {
	lockPath := filepath.Join(runDir, ".lock")
	fl := flock.New(lockPath)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, engineerr.FilesystemError(err, "acquiring run lock %s", lockPath)
	}
	if !ok {
		return nil, engineerr.ConfigError("run directory %s is locked by another promptchain process", runDir)
	}
	return fl, nil
}

// StageDir returns the directory for a stage's artifacts.
func (s *Store) StageDir(runDir, stageID string) string {
	return filepath.Join(runDir, "stages", stageID)
}

// ItemDir returns the directory for one map-stage item's artifacts.
func (s *Store) ItemDir(runDir, stageID, itemID string) string {
	return filepath.Join(s.StageDir(runDir, stageID), "items", itemID)
}

// SupportDir returns the directory for a stage's batch-mode support state.
func (s *Store) SupportDir(runDir, stageID string) string {
	return filepath.Join(runDir, "support", "stages", stageID)
}

// LogMirrorPath returns the optional raw.txt mirror path for log-consuming
// tooling, per spec §9 Open Questions (canonical location is
// stages/<id>/raw.txt; this is an optional mirror).
func (s *Store) LogMirrorPath(runDir, stageID string) string {
	return filepath.Join(runDir, "logs", "stages", stageID, "raw.txt")
}

// canonicalOutputPath returns the path whose existence determines
// completion for the given output kind, within dir (a stage or item dir).
func canonicalOutputPath(dir string, kind OutputKind) string {
	switch kind {
	case OutputMarkdown:
		return filepath.Join(dir, "output.md")
	case OutputJSON, OutputBoth:
		// For "both", JSON is treated as canonical per the directory
		// contract in spec §4.1 — output.json OR the map manifest.
		return filepath.Join(dir, "output.json")
	default:
		return filepath.Join(dir, "output.md")
	}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// IsStageCompleted reports whether stageID's canonical output artifact
// for kind exists (output.md for markdown, output.json for json/both). A
// map stage's manifest is output.json, so it is found only when kind is
// json or both; per-item completion is IsItemCompleted's job.
func (s *Store) IsStageCompleted(runDir, stageID string, kind OutputKind) bool {
	return exists(canonicalOutputPath(s.StageDir(runDir, stageID), kind))
}

// IsItemCompleted reports whether a map item's canonical output exists.
func (s *Store) IsItemCompleted(runDir, stageID, itemID string, kind OutputKind) bool {
	return exists(canonicalOutputPath(s.ItemDir(runDir, stageID, itemID), kind))
}

// StageArtifacts is everything a single stage execution (or one map
// item's execution) produces, ready to persist.
type StageArtifacts struct {
	Raw         string          // raw LLM response text
	Markdown    string          // present if OutputKind includes markdown
	JSON        json.RawMessage // present if OutputKind includes json (or is the map manifest)
	OutputKind  OutputKind
	StageMeta   any // marshaled to stage.json
	Context     any // marshaled to context.json
}

// atomicWrite writes data to path via write-temp-then-rename, matching
// the donor's saveState idiom (PID-suffixed temp name reduces collisions
// across concurrent invocations).
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return engineerr.FilesystemError(err, "creating directory %s", dir)
	}
	tmp := fmt.Sprintf("%s.%d.tmp", path, os.Getpid())
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return engineerr.FilesystemError(err, "writing temp file %s", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return engineerr.FilesystemError(err, "renaming %s to %s", tmp, path)
	}
	return nil
}

// WriteStageArtifacts persists one stage's (or one map item's) artifacts
// into dir, in the order the invariant in spec §4.1 requires: raw.txt
// first, then output.*, then stage.json, then context.json. This
// ordering means a crash mid-write never produces an apparently-complete
// stage (output.* present) with no raw evidence behind it.
func (s *Store) WriteStageArtifacts(dir string, a StageArtifacts) error {
	if err := atomicWrite(filepath.Join(dir, "raw.txt"), []byte(a.Raw)); err != nil {
		return err
	}

	if a.OutputKind == OutputMarkdown || a.OutputKind == OutputBoth {
		if err := atomicWrite(filepath.Join(dir, "output.md"), []byte(a.Markdown)); err != nil {
			return err
		}
	}
	if (a.OutputKind == OutputJSON || a.OutputKind == OutputBoth) && a.JSON != nil {
		if err := atomicWrite(filepath.Join(dir, "output.json"), a.JSON); err != nil {
			return err
		}
	}

	if a.StageMeta != nil {
		b, err := json.MarshalIndent(a.StageMeta, "", "  ")
		if err != nil {
			return engineerr.FilesystemError(err, "marshaling stage.json")
		}
		if err := atomicWrite(filepath.Join(dir, "stage.json"), b); err != nil {
			return err
		}
	}

	if a.Context != nil {
		b, err := json.MarshalIndent(a.Context, "", "  ")
		if err != nil {
			return engineerr.FilesystemError(err, "marshaling context.json")
		}
		if err := atomicWrite(filepath.Join(dir, "context.json"), b); err != nil {
			return err
		}
	}

	return nil
}

// WriteRawOnly persists only raw.txt — used for failure paths where
// parsing never reached output generation.
func (s *Store) WriteRawOnly(dir, raw string) error {
	return atomicWrite(filepath.Join(dir, "raw.txt"), []byte(raw))
}

// MirrorRaw writes the optional logs/stages/<id>/raw.txt mirror.
func (s *Store) MirrorRaw(runDir, stageID, raw string) error {
	return atomicWrite(s.LogMirrorPath(runDir, stageID), []byte(raw))
}

// WriteJSON marshals v and atomically writes it to path.
func (s *Store) WriteJSON(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return engineerr.FilesystemError(err, "marshaling %s", path)
	}
	return atomicWrite(path, b)
}

// ReadJSON reads and decodes a JSON file into v. Returns an *os.PathError
// wrapped through engineerr.Filesystem if the file cannot be read.
func (s *Store) ReadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return engineerr.FilesystemError(err, "reading %s", path)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return engineerr.ParseError(engineerr.InvalidJSON, err, "decoding %s", path)
	}
	return nil
}

// WriteMeta persists <stage_id>.meta.json at the run root.
func (s *Store) WriteMeta(runDir, stageID string, meta any) error {
	return s.WriteJSON(filepath.Join(runDir, stageID+".meta.json"), meta)
}

// Event is one line of the append-only run.log.
type Event struct {
	At     time.Time      `json:"at"`
	Kind   string         `json:"kind"`
	Fields map[string]any `json:"fields,omitempty"`
}

// AppendEvent appends one structured, newline-delimited JSON line to
// run.log.
func (s *Store) AppendEvent(runDir, kind string, fields map[string]any) error {
	ev := Event{At: time.Now().UTC(), Kind: kind, Fields: fields}
	b, err := json.Marshal(ev)
	if err != nil {
		return engineerr.FilesystemError(err, "marshaling event")
	}
	b = append(b, '\n')

	path := filepath.Join(runDir, "run.log")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return engineerr.FilesystemError(err, "opening %s", path)
	}
	defer f.Close()
	if _, err := f.Write(b); err != nil {
		return engineerr.FilesystemError(err, "appending to %s", path)
	}
	return nil
}

// AppendLine appends one human-readable line to run.log, alongside the
// structured JSON events AppendEvent writes. Used where a specific
// literal line is itself part of the on-disk contract (e.g. a stage
// skip notice).
func (s *Store) AppendLine(runDir, line string) error {
	path := filepath.Join(runDir, "run.log")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return engineerr.FilesystemError(err, "opening %s", path)
	}
	defer f.Close()
	if _, err := f.WriteString(line + "\n"); err != nil {
		return engineerr.FilesystemError(err, "appending to %s", path)
	}
	return nil
}

// ListRunIDs returns all run ids under root, sorted lexicographically
// (which, given the timestamp-prefixed id format, is also chronological).
func (s *Store) ListRunIDs() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, engineerr.FilesystemError(err, "reading runs root %s", s.root)
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}
