package mapscheduler

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bartekus/promptchain/pkg/artifactstore"
	"github.com/bartekus/promptchain/pkg/contextassembler"
	"github.com/bartekus/promptchain/pkg/pipeline"
	"github.com/bartekus/promptchain/pkg/providers/llm"
	"github.com/bartekus/promptchain/pkg/template"
	"github.com/bartekus/promptchain/pkg/value"
)

type fakeProvider struct {
	id   string
	fail map[string]bool
}

func (f fakeProvider) ID() string { return f.id }

func (f fakeProvider) Complete(_ context.Context, req llm.CompletionRequest) (llm.CompletionResult, error) {
	if f.fail[req.Prompt] {
		return llm.CompletionResult{}, assertErr{}
	}
	return llm.CompletionResult{RawText: "about: " + req.Prompt}, nil
}

type assertErr struct{}

func (assertErr) Error() string { return "provider failure" }

func newTestScheduler(t *testing.T) (*Scheduler, *artifactstore.Store, string) {
	t.Helper()
	root := t.TempDir()
	store := artifactstore.New(root)
	_, runDir, err := store.CreateRun()
	require.NoError(t, err)
	return New(store, template.New()), store, runDir
}

func baseConfig(runDir string) Config {
	return Config{
		RunDir:       runDir,
		StageID:      "write_each",
		OutputKind:   pipeline.OutputMarkdown,
		TemplateName: "write_each",
		TemplateBody: "Write about {{.item}}",
		BaseRequest:  contextassembler.Request{},
		MaxInFlight:  2,
	}
}

func TestRunConcurrent_AllSucceed(t *testing.T) {
	s, _, runDir := newTestScheduler(t)
	cfg := baseConfig(runDir)
	items := []Item{
		{ID: "item_1", Index: 0, Value: value.String("chess"), Selected: true},
		{ID: "item_2", Index: 1, Value: value.String("go"), Selected: true},
	}

	manifest, st, err := s.RunConcurrent(context.Background(), cfg, items, fakeProvider{id: "fake"})
	require.NoError(t, err)
	assert.Equal(t, Completed, st)
	require.Len(t, manifest.Items, 2)
	for _, e := range manifest.Items {
		assert.Equal(t, StatusCompleted, e.Status)
	}
}

func TestRunConcurrent_UnselectedItemsSkipped(t *testing.T) {
	s, _, runDir := newTestScheduler(t)
	cfg := baseConfig(runDir)
	items := []Item{
		{ID: "item_1", Index: 0, Value: value.String("chess"), Selected: false},
		{ID: "item_2", Index: 1, Value: value.String("go"), Selected: true},
	}

	manifest, st, err := s.RunConcurrent(context.Background(), cfg, items, fakeProvider{id: "fake"})
	require.NoError(t, err)
	assert.Equal(t, Completed, st)
	require.Len(t, manifest.Items, 2)
	assert.Equal(t, StatusSkipped, manifest.Items[0].Status)
	assert.Equal(t, StatusCompleted, manifest.Items[1].Status)
}

func TestRunConcurrent_PartialFailureDoesNotAbortOthers(t *testing.T) {
	s, _, runDir := newTestScheduler(t)
	cfg := baseConfig(runDir)
	items := []Item{
		{ID: "item_1", Index: 0, Value: value.String("chess"), Selected: true},
		{ID: "item_2", Index: 1, Value: value.String("go"), Selected: true},
	}

	manifest, st, err := s.RunConcurrent(context.Background(), cfg, items, fakeProvider{id: "fake", fail: map[string]bool{"Write about go": true}})
	require.NoError(t, err)
	assert.Equal(t, Completed, st) // one succeeded, so the stage as a whole is completed
	var sawFailed bool
	for _, e := range manifest.Items {
		if e.Status == StatusFailed {
			sawFailed = true
		}
	}
	assert.True(t, sawFailed)
}

func TestRunConcurrent_AllFailedYieldsFailedStatus(t *testing.T) {
	s, _, runDir := newTestScheduler(t)
	cfg := baseConfig(runDir)
	items := []Item{{ID: "item_1", Index: 0, Value: value.String("chess"), Selected: true}}

	_, st, err := s.RunConcurrent(context.Background(), cfg, items, fakeProvider{id: "fake", fail: map[string]bool{"Write about chess": true}})
	require.NoError(t, err)
	assert.Equal(t, Failed, st)
}

func TestRunConcurrent_ReusesAlreadyCompletedItem(t *testing.T) {
	s, store, runDir := newTestScheduler(t)
	cfg := baseConfig(runDir)

	dir := store.ItemDir(runDir, cfg.StageID, "item_1")
	require.NoError(t, store.WriteStageArtifacts(dir, artifactstore.StageArtifacts{
		Raw: "cached", Markdown: "cached output", OutputKind: artifactstore.OutputMarkdown,
	}))

	items := []Item{{ID: "item_1", Index: 0, Value: value.String("chess"), Selected: true}}
	manifest, st, err := s.RunConcurrent(context.Background(), cfg, items, fakeProvider{id: "fake", fail: map[string]bool{"Write about chess": true}})
	require.NoError(t, err)
	assert.Equal(t, Completed, st)
	assert.Equal(t, StatusCompleted, manifest.Items[0].Status)
}

func TestRunConcurrent_ManifestPreservesOriginalOrder(t *testing.T) {
	s, _, runDir := newTestScheduler(t)
	cfg := baseConfig(runDir)
	items := []Item{
		{ID: "item_a", Index: 0, Value: value.String("a"), Selected: true},
		{ID: "item_b", Index: 1, Value: value.String("b"), Selected: true},
		{ID: "item_c", Index: 2, Value: value.String("c"), Selected: true},
	}

	manifest, _, err := s.RunConcurrent(context.Background(), cfg, items, fakeProvider{id: "fake"})
	require.NoError(t, err)
	require.Len(t, manifest.Items, 3)
	assert.Equal(t, "item_a", manifest.Items[0].ItemID)
	assert.Equal(t, "item_b", manifest.Items[1].ItemID)
	assert.Equal(t, "item_c", manifest.Items[2].ItemID)
}

type fakeBatchProvider struct {
	id      string
	results []llm.BatchItemResult
}

func (f fakeBatchProvider) ID() string { return f.id }

func (f fakeBatchProvider) Submit(_ context.Context, items []llm.BatchItem) (llm.BatchHandle, error) {
	return llm.BatchHandle("handle-1"), nil
}

func (f fakeBatchProvider) Poll(_ context.Context, _ llm.BatchHandle) (llm.BatchStatus, error) {
	return llm.BatchCompleted, nil
}

func (f fakeBatchProvider) Fetch(_ context.Context, _ llm.BatchHandle) ([]llm.BatchItemResult, error) {
	return f.results, nil
}

func TestRunBatch_FullLifecycle(t *testing.T) {
	s, store, runDir := newTestScheduler(t)
	cfg := baseConfig(runDir)
	cfg.StageID = "batch_stage"

	items := []Item{
		{ID: "item_1", Index: 0, Value: value.String("chess"), Selected: true},
		{ID: "item_2", Index: 1, Value: value.String("go"), Selected: true},
	}

	provider := fakeBatchProvider{id: "fake-batch", results: []llm.BatchItemResult{
		{ItemID: "item_1", RawText: "about chess"},
		{ItemID: "item_2", RawText: "about go"},
	}}

	manifest, st, err := s.RunBatch(context.Background(), cfg, items, provider, time.Millisecond, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, Completed, st)
	require.Len(t, manifest.Items, 2)

	data, err := os.ReadFile(filepath.Join(store.SupportDir(runDir, cfg.StageID), "batch.json"))
	require.NoError(t, err)
	var state BatchState
	require.NoError(t, json.Unmarshal(data, &state))
	assert.Equal(t, "handle-1", state.SubmissionID)
	assert.NotEmpty(t, state.SubmissionID)
	assert.Len(t, state.Mapping, 2)
	assert.Contains(t, state.Mapping, "item_1")
	assert.NotEmpty(t, state.Polls)

	for _, id := range []string{"item_1", "item_2"} {
		shell, err := os.ReadFile(filepath.Join(store.ItemDir(runDir, cfg.StageID, id), "stage.json"))
		require.NoError(t, err)
		assert.Contains(t, string(shell), "submitted_pending")

		ctxShell, err := os.ReadFile(filepath.Join(store.ItemDir(runDir, cfg.StageID, id), "context.json"))
		require.NoError(t, err)
		assert.NotEmpty(t, ctxShell)
	}
}
