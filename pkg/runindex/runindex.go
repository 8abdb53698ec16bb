// SPDX-License-Identifier: AGPL-3.0-or-later

/*
PromptChain - a local-first orchestrator for multi-stage LLM prompt pipelines.

Copyright (C) 2025  Bartek Kus

This program is free software licensed under the terms of the GNU AGPL v3 or later.

See https://www.gnu.org/licenses/ for license details.

*/

// Package runindex is the optional secondary store that mirrors run
// history into Postgres for cross-run querying (`promptchain runs
// ls`/`show`) without scanning every run directory on disk. The
// filesystem under the run root is always authoritative; the index is
// a rebuildable cache that activates only when DATABASE_URL is set.
//
// Grounded on internal/providers/migration/raw/raw.go's
// sql.Open("pgx", ...) + ensure<table>-if-not-exists idiom, applied here
// to two tables (promptchain_runs, promptchain_run_stages) instead of one
// migrations ledger.
package runindex

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/bartekus/promptchain/pkg/artifactstore"
	"github.com/bartekus/promptchain/pkg/engineerr"
	"github.com/bartekus/promptchain/pkg/runner"
)

// Index is a Postgres-backed mirror of run.json/stage-meta state.
type Index struct {
	db *sql.DB
}

// Open connects to databaseURL, pings it, and ensures the
// promptchain_runs/promptchain_run_stages tables exist. Callers should only call Open when DATABASE_URL (or
// equivalent) is actually set — the Run Index is optional.
func Open(ctx context.Context, databaseURL string) (*Index, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, engineerr.FilesystemError(err, "connecting to run index database")
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, engineerr.FilesystemError(err, "pinging run index database")
	}

	idx := &Index{db: db}
	if err := idx.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return idx, nil
}

// Close releases the underlying connection pool.
func (idx *Index) Close() error {
	return idx.db.Close()
}

func (idx *Index) ensureSchema(ctx context.Context) error {
	const runsTable = `
		CREATE TABLE IF NOT EXISTS promptchain_runs (
			run_id           VARCHAR(255) PRIMARY KEY,
			pipeline_name    VARCHAR(255) NOT NULL,
			started_at       TIMESTAMPTZ NOT NULL,
			finished_at      TIMESTAMPTZ,
			status           VARCHAR(32) NOT NULL,
			stage_count      INTEGER NOT NULL,
			failed_stage_ids TEXT
		)
	`
	if _, err := idx.db.ExecContext(ctx, runsTable); err != nil {
		return engineerr.FilesystemError(err, "ensuring promptchain_runs table")
	}

	const stagesTable = `
		CREATE TABLE IF NOT EXISTS promptchain_run_stages (
			run_id   VARCHAR(255) NOT NULL REFERENCES promptchain_runs(run_id) ON DELETE CASCADE,
			stage_id VARCHAR(255) NOT NULL,
			status   VARCHAR(32) NOT NULL,
			PRIMARY KEY (run_id, stage_id)
		)
	`
	if _, err := idx.db.ExecContext(ctx, stagesTable); err != nil {
		return engineerr.FilesystemError(err, "ensuring promptchain_run_stages table")
	}
	return nil
}

// RecordRun upserts rec, then replaces its per-stage status rows with
// stageStatuses (stage id -> terminal status), all in one transaction.
// Called once, after a run's run.json has been finalized.
func (idx *Index) RecordRun(ctx context.Context, rec runner.RunRecord, stageStatuses map[string]string) error {
	tx, err := idx.db.BeginTx(ctx, nil)
	if err != nil {
		return engineerr.FilesystemError(err, "starting run index transaction")
	}

	failedIDs := strings.Join(rec.FailedStageIDs, ",")
	_, err = tx.ExecContext(ctx, `
		INSERT INTO promptchain_runs (run_id, pipeline_name, started_at, finished_at, status, stage_count, failed_stage_ids)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (run_id) DO UPDATE SET
			pipeline_name = EXCLUDED.pipeline_name,
			finished_at = EXCLUDED.finished_at,
			status = EXCLUDED.status,
			stage_count = EXCLUDED.stage_count,
			failed_stage_ids = EXCLUDED.failed_stage_ids
	`, rec.RunID, rec.PipelineName, rec.StartedAt, nullTime(rec.FinishedAt), rec.Status, rec.StageCount, failedIDs)
	if err != nil {
		_ = tx.Rollback()
		return engineerr.FilesystemError(err, "upserting run %s", rec.RunID)
	}

	for stageID, status := range stageStatuses {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO promptchain_run_stages (run_id, stage_id, status)
			VALUES ($1, $2, $3)
			ON CONFLICT (run_id, stage_id) DO UPDATE SET status = EXCLUDED.status
		`, rec.RunID, stageID, status)
		if err != nil {
			_ = tx.Rollback()
			return engineerr.FilesystemError(err, "upserting stage %s for run %s", stageID, rec.RunID)
		}
	}

	if err := tx.Commit(); err != nil {
		return engineerr.FilesystemError(err, "committing run index transaction")
	}
	return nil
}

// List returns every recorded run, most recently started first.
func (idx *Index) List(ctx context.Context) ([]runner.RunRecord, error) {
	rows, err := idx.db.QueryContext(ctx, `
		SELECT run_id, pipeline_name, started_at, finished_at, status, stage_count, failed_stage_ids
		FROM promptchain_runs
		ORDER BY started_at DESC
	`)
	if err != nil {
		return nil, engineerr.FilesystemError(err, "listing runs")
	}
	defer rows.Close()

	var out []runner.RunRecord
	for rows.Next() {
		var rec runner.RunRecord
		var finishedAt sql.NullTime
		var failedIDs sql.NullString
		if err := rows.Scan(&rec.RunID, &rec.PipelineName, &rec.StartedAt, &finishedAt, &rec.Status, &rec.StageCount, &failedIDs); err != nil {
			return nil, engineerr.FilesystemError(err, "scanning run row")
		}
		if finishedAt.Valid {
			rec.FinishedAt = finishedAt.Time
		}
		if failedIDs.Valid && failedIDs.String != "" {
			rec.FailedStageIDs = strings.Split(failedIDs.String, ",")
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Get returns one run's record plus its per-stage statuses, or
// (RunRecord{}, nil, false, nil) if no such run is recorded.
func (idx *Index) Get(ctx context.Context, runID string) (runner.RunRecord, map[string]string, bool, error) {
	var rec runner.RunRecord
	var finishedAt sql.NullTime
	var failedIDs sql.NullString
	row := idx.db.QueryRowContext(ctx, `
		SELECT run_id, pipeline_name, started_at, finished_at, status, stage_count, failed_stage_ids
		FROM promptchain_runs WHERE run_id = $1
	`, runID)
	err := row.Scan(&rec.RunID, &rec.PipelineName, &rec.StartedAt, &finishedAt, &rec.Status, &rec.StageCount, &failedIDs)
	if err == sql.ErrNoRows {
		return runner.RunRecord{}, nil, false, nil
	}
	if err != nil {
		return runner.RunRecord{}, nil, false, engineerr.FilesystemError(err, "fetching run %s", runID)
	}
	if finishedAt.Valid {
		rec.FinishedAt = finishedAt.Time
	}
	if failedIDs.Valid && failedIDs.String != "" {
		rec.FailedStageIDs = strings.Split(failedIDs.String, ",")
	}

	rows, err := idx.db.QueryContext(ctx, `
		SELECT stage_id, status FROM promptchain_run_stages WHERE run_id = $1
	`, runID)
	if err != nil {
		return rec, nil, true, engineerr.FilesystemError(err, "fetching stages for run %s", runID)
	}
	defer rows.Close()

	stages := map[string]string{}
	for rows.Next() {
		var stageID, status string
		if err := rows.Scan(&stageID, &status); err != nil {
			return rec, nil, true, engineerr.FilesystemError(err, "scanning stage row for run %s", runID)
		}
		stages[stageID] = status
	}
	return rec, stages, true, rows.Err()
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

// ScanRuns rebuilds run summaries directly from the run root on disk,
// used when no DATABASE_URL is configured (or as the ground truth to
// reconcile a stale index against). It reads each run's run.json,
// falling back to an "unknown" status for a run directory whose
// run.json is missing or cannot be decoded.
func ScanRuns(store *artifactstore.Store) ([]runner.RunRecord, error) {
	ids, err := store.ListRunIDs()
	if err != nil {
		return nil, err
	}

	out := make([]runner.RunRecord, 0, len(ids))
	for _, id := range ids {
		rec, ok := readRunRecord(filepath.Join(store.Root(), id))
		if !ok {
			rec = runner.RunRecord{RunID: id, Status: "unknown"}
		}
		out = append(out, rec)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].RunID > out[j].RunID })
	return out, nil
}

// ScanRun rebuilds one run's record plus its per-stage terminal statuses
// from <run_dir>/run.json and the root-level <stage_id>.meta.json files
// written by skipped and failed stages and by every map stage. A stage
// with no root-level meta file but a stage-dir stage.json (a completed
// single stage) is reported as "completed" — that stage.json is the fuller record but is not
// needed here, since this function answers only "what state is each
// stage in", not "what did it produce".
func ScanRun(store *artifactstore.Store, runID string) (runner.RunRecord, map[string]string, bool, error) {
	runDir := filepath.Join(store.Root(), runID)
	rec, ok := readRunRecord(runDir)
	if !ok {
		return runner.RunRecord{}, nil, false, nil
	}

	stages := map[string]string{}
	entries, err := os.ReadDir(runDir)
	if err != nil {
		return rec, stages, true, engineerr.FilesystemError(err, "reading run dir %s", runDir)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".meta.json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(runDir, e.Name()))
		if err != nil {
			continue
		}
		var meta struct {
			StageID string `json:"stage_id"`
			Status  string `json:"status"`
		}
		if err := json.Unmarshal(data, &meta); err != nil || meta.StageID == "" {
			continue
		}
		stages[meta.StageID] = meta.Status
	}
	for _, stageID := range completedStageIDsFrom(runDir) {
		if _, recorded := stages[stageID]; !recorded {
			stages[stageID] = "completed"
		}
	}
	return rec, stages, true, nil
}

func readRunRecord(runDir string) (runner.RunRecord, bool) {
	data, err := os.ReadFile(filepath.Join(runDir, "run.json"))
	if err != nil {
		return runner.RunRecord{}, false
	}
	var rec runner.RunRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return runner.RunRecord{}, false
	}
	return rec, true
}

// completedStageIDsFrom lists stage ids under <run_dir>/stages that hold
// a stage.json (the marker ExecuteSingle writes on success; a map stage
// records its status only in its root-level meta file).
func completedStageIDsFrom(runDir string) []string {
	stagesDir := filepath.Join(runDir, "stages")
	entries, err := os.ReadDir(stagesDir)
	if err != nil {
		return nil
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(stagesDir, e.Name(), "stage.json")); err == nil {
			ids = append(ids, e.Name())
		}
	}
	return ids
}
