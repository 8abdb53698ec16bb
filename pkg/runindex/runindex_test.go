package runindex

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bartekus/promptchain/pkg/artifactstore"
	"github.com/bartekus/promptchain/pkg/runner"
)

func TestScanRuns_ReadsRunJSONFromEachRunDir(t *testing.T) {
	root := t.TempDir()
	store := artifactstore.New(root)

	writeRun(t, root, "20260101-000000-aaa", runner.RunRecord{
		RunID: "20260101-000000-aaa", PipelineName: "demo", Status: "completed",
		StartedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), StageCount: 2,
	})
	writeRun(t, root, "20260101-010000-bbb", runner.RunRecord{
		RunID: "20260101-010000-bbb", PipelineName: "demo", Status: "failed",
		StartedAt: time.Date(2026, 1, 1, 1, 0, 0, 0, time.UTC), StageCount: 1, FailedStageIDs: []string{"intro"},
	})

	recs, err := ScanRuns(store)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "20260101-010000-bbb", recs[0].RunID, "most recent run id sorts first")
	assert.Equal(t, "failed", recs[0].Status)
	assert.Equal(t, []string{"intro"}, recs[0].FailedStageIDs)
	assert.Equal(t, "completed", recs[1].Status)
}

func TestScanRuns_UnknownStatusForRunDirMissingRunJSON(t *testing.T) {
	root := t.TempDir()
	store := artifactstore.New(root)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "20260101-000000-ccc"), 0o750))

	recs, err := ScanRuns(store)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "unknown", recs[0].Status)
}

func TestScanRun_MergesRootMetaAndStageDirCompletions(t *testing.T) {
	root := t.TempDir()
	store := artifactstore.New(root)
	runDir := filepath.Join(root, "20260101-000000-ddd")

	writeRun(t, root, "20260101-000000-ddd", runner.RunRecord{
		RunID: "20260101-000000-ddd", PipelineName: "demo", Status: "failed", StageCount: 2,
	})

	require.NoError(t, store.WriteMeta(runDir, "summary", map[string]any{
		"stage_id": "summary", "status": "skipped", "skip_reason": "disabled_in_yaml",
	}))

	stageDir := filepath.Join(runDir, "stages", "intro")
	require.NoError(t, os.MkdirAll(stageDir, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(stageDir, "stage.json"), []byte(`{"stage_id":"intro"}`), 0o600))

	rec, stages, ok, err := ScanRun(store, "20260101-000000-ddd")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "failed", rec.Status)
	assert.Equal(t, "skipped", stages["summary"])
	assert.Equal(t, "completed", stages["intro"])
}

func TestScanRun_MissingRunReturnsNotFound(t *testing.T) {
	root := t.TempDir()
	store := artifactstore.New(root)

	_, _, ok, err := ScanRun(store, "no-such-run")
	require.NoError(t, err)
	assert.False(t, ok)
}

func writeRun(t *testing.T, root, runID string, rec runner.RunRecord) {
	t.Helper()
	dir := filepath.Join(root, runID)
	require.NoError(t, os.MkdirAll(dir, 0o750))
	store := artifactstore.New(root)
	require.NoError(t, store.WriteJSON(filepath.Join(dir, "run.json"), rec))
}
