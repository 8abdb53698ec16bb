package stageexec

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bartekus/promptchain/pkg/artifactstore"
	"github.com/bartekus/promptchain/pkg/contextassembler"
	"github.com/bartekus/promptchain/pkg/engineerr"
	"github.com/bartekus/promptchain/pkg/pipeline"
	"github.com/bartekus/promptchain/pkg/providers/llm"
	"github.com/bartekus/promptchain/pkg/template"
	"github.com/bartekus/promptchain/pkg/value"
)

func paramMap(t *testing.T, m map[string]string) map[string]value.Value {
	t.Helper()
	out := make(map[string]value.Value, len(m))
	for k, v := range m {
		out[k] = value.String(v)
	}
	return out
}

func decodeJSON(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

type fakeSyncProvider struct {
	id      string
	reply   string
	failErr error
}

func (f fakeSyncProvider) ID() string { return f.id }

func (f fakeSyncProvider) Complete(_ context.Context, req llm.CompletionRequest) (llm.CompletionResult, error) {
	if f.failErr != nil {
		return llm.CompletionResult{}, f.failErr
	}
	return llm.CompletionResult{RawText: f.reply}, nil
}

func newTestExecutor(t *testing.T) (*Executor, *artifactstore.Store, string) {
	t.Helper()
	root := t.TempDir()
	store := artifactstore.New(root)
	_, runDir, err := store.CreateRun()
	require.NoError(t, err)
	return New(store, template.New()), store, runDir
}

func TestExecuteSingle_MarkdownHappyPath(t *testing.T) {
	e, store, runDir := newTestExecutor(t)
	stage := pipeline.Stage{ID: "summarize", Output: pipeline.OutputMarkdown, Prompt: "Summarize {{.topic}}"}

	res, err := e.ExecuteSingle(context.Background(), runDir, stage, contextassembler.Request{
		Params: paramMap(t, map[string]string{"topic": "go"}),
	}, fakeSyncProvider{id: "fake", reply: "go is a language"}, "model-x", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, "go is a language", res.Text)

	dir := store.StageDir(runDir, "summarize")
	raw, err := os.ReadFile(filepath.Join(dir, "raw.txt"))
	require.NoError(t, err)
	assert.Equal(t, "go is a language", string(raw))
	_, err = os.Stat(filepath.Join(dir, "output.md"))
	require.NoError(t, err)
}

func TestExecuteSingle_JSONOutputParsed(t *testing.T) {
	e, store, runDir := newTestExecutor(t)
	stage := pipeline.Stage{ID: "extract", Output: pipeline.OutputJSON, Prompt: "List items"}

	res, err := e.ExecuteSingle(context.Background(), runDir, stage, contextassembler.Request{},
		fakeSyncProvider{id: "fake", reply: `{"items":[{"name":"a"}]}`}, "model-x", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.True(t, res.HasJSON)

	dir := store.StageDir(runDir, "extract")
	_, err = os.Stat(filepath.Join(dir, "output.json"))
	require.NoError(t, err)
}

func TestExecuteSingle_ProviderFailureWritesFailedMeta(t *testing.T) {
	e, _, runDir := newTestExecutor(t)
	stage := pipeline.Stage{ID: "flaky", Output: pipeline.OutputMarkdown, Prompt: "Do a thing"}

	_, err := e.ExecuteSingle(context.Background(), runDir, stage, contextassembler.Request{},
		fakeSyncProvider{id: "fake", failErr: engineerr.ProviderError(engineerr.Network, assertErr{}, "boom")}, "model-x", nil)
	require.Error(t, err)

	var meta StageMeta
	metaPath := filepath.Join(runDir, "flaky.meta.json")
	requireReadJSON(t, metaPath, &meta)
	assert.Equal(t, StatusFailed, meta.Status)
	assert.Contains(t, meta.ErrorKind, "network")
}

func TestExecuteSingle_UnresolvedContextFailsBeforeProviderCall(t *testing.T) {
	e, _, runDir := newTestExecutor(t)
	called := false
	stage := pipeline.Stage{ID: "refs_unknown", Output: pipeline.OutputMarkdown, Prompt: "{{.nonexistent}}"}

	provider := trackingProvider{fakeSyncProvider{id: "fake", reply: "x"}, &called}
	_, err := e.ExecuteSingle(context.Background(), runDir, stage, contextassembler.Request{}, provider, "model-x", nil)
	require.Error(t, err)
	assert.False(t, called)
}

type trackingProvider struct {
	fakeSyncProvider
	called *bool
}

func (t trackingProvider) Complete(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResult, error) {
	*t.called = true
	return t.fakeSyncProvider.Complete(ctx, req)
}

func TestSkip_WritesSkippedMetaAndEvent(t *testing.T) {
	e, _, runDir := newTestExecutor(t)
	stage := pipeline.Stage{ID: "disabled_stage", Output: pipeline.OutputMarkdown, Prompt: "x"}

	res, err := e.Skip(runDir, stage)
	require.NoError(t, err)
	assert.Equal(t, StatusSkipped, res.Status)

	var meta StageMeta
	requireReadJSON(t, filepath.Join(runDir, "disabled_stage.meta.json"), &meta)
	assert.Equal(t, StatusSkipped, meta.Status)
	assert.Equal(t, "disabled_in_yaml", meta.SkipReason)

	logBytes, err := os.ReadFile(filepath.Join(runDir, "run.log"))
	require.NoError(t, err)
	assert.Contains(t, string(logBytes), "stage_skipped")
}

func TestExecuteMap_ListSourceFromTextFile(t *testing.T) {
	e, store, runDir := newTestExecutor(t)

	listPath := filepath.Join(t.TempDir(), "topics.txt")
	require.NoError(t, os.WriteFile(listPath, []byte("chess\ngo\n"), 0o644))

	stage := pipeline.Stage{
		ID:          "write_each",
		Kind:        pipeline.KindMap,
		Output:      pipeline.OutputMarkdown,
		ListSource:  listPath,
		MaxInFlight: 2,
		Prompt:      "Write about {{.item}}",
	}
	p := pipeline.Pipeline{Name: "demo", Stages: []pipeline.Stage{stage}}

	res, err := e.ExecuteMap(context.Background(), runDir, stage, p, contextassembler.Request{},
		fakeSyncProvider{id: "fake", reply: "some text"}, "model-x", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)

	var meta StageMeta
	requireReadJSON(t, filepath.Join(runDir, "write_each.meta.json"), &meta)
	assert.Equal(t, StatusCompleted, meta.Status)

	_, err = os.Stat(filepath.Join(store.StageDir(runDir, "write_each"), "output.json"))
	require.NoError(t, err)
}

func TestExecuteMap_UnknownListSourceFails(t *testing.T) {
	e, _, runDir := newTestExecutor(t)
	stage := pipeline.Stage{ID: "broken_map", Kind: pipeline.KindMap, Output: pipeline.OutputMarkdown, ListSource: "no_such_stage_or_file", Prompt: "x"}
	p := pipeline.Pipeline{Name: "demo", Stages: []pipeline.Stage{stage}}

	_, err := e.ExecuteMap(context.Background(), runDir, stage, p, contextassembler.Request{}, fakeSyncProvider{id: "fake"}, "model-x", nil)
	require.Error(t, err)
}

type assertErr struct{}

func (assertErr) Error() string { return "network failure" }

func requireReadJSON(t *testing.T, path string, v any) {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, decodeJSON(data, v))
}
