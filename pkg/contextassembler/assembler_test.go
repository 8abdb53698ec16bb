package contextassembler

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bartekus/promptchain/pkg/engineerr"
	"github.com/bartekus/promptchain/pkg/template"
	"github.com/bartekus/promptchain/pkg/value"
)

func TestAssemble_UserParamsAvailable(t *testing.T) {
	r := template.New()
	res, err := Assemble(r, "t", "Write about {{.topic}}", Request{
		Params: map[string]value.Value{"topic": value.String("chess")},
	})
	require.NoError(t, err)
	assert.Equal(t, "chess", res.Used["topic"])
	assert.Contains(t, res.All, "stage_outputs")
}

func TestAssemble_StageOutputsResolved(t *testing.T) {
	r := template.New()
	res, err := Assemble(r, "t", "{{.stage_outputs.list_items}}", Request{
		UpstreamStages: []StageArtifact{{StageID: "list_items", Text: "a, b, c"}},
	})
	require.NoError(t, err)
	assert.NotNil(t, res.Used["stage_outputs"])
}

func TestAssemble_UnresolvedStageOutputFails(t *testing.T) {
	r := template.New()
	_, err := Assemble(r, "t", "{{.stage_outputs.missing_stage}}", Request{
		UpstreamStages: []StageArtifact{{StageID: "list_items", Text: "a"}},
	})
	require.Error(t, err)
	e, ok := engineerr.As(err)
	require.True(t, ok)
	assert.Equal(t, engineerr.Context, e.Kind)
}

func TestAssemble_UnresolvedStageJSONFails(t *testing.T) {
	r := template.New()
	_, err := Assemble(r, "t", "{{.stage_json.list_items}}", Request{
		UpstreamStages: []StageArtifact{{StageID: "list_items", Text: "a", HasJSON: false}},
	})
	require.Error(t, err)
}

func TestAssemble_UnknownNameFails(t *testing.T) {
	r := template.New()
	_, err := Assemble(r, "t", "{{.not_a_thing}}", Request{})
	require.Error(t, err)
	e, ok := engineerr.As(err)
	require.True(t, ok)
	assert.Equal(t, engineerr.Context, e.Kind)
}

func TestAssemble_FileInputRead(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello notes"), 0o600))

	r := template.New()
	res, err := Assemble(r, "t", "{{.notes}}", Request{
		FileInputName: "notes",
		FileInputPath: path,
	})
	require.NoError(t, err)
	assert.Equal(t, "hello notes", res.Used["notes"])
}

func TestAssemble_FileInputMissingFails(t *testing.T) {
	r := template.New()
	_, err := Assemble(r, "t", "{{.notes}}", Request{
		FileInputName: "notes",
		FileInputPath: "/nonexistent/path.txt",
	})
	require.Error(t, err)
}

func TestAssemble_ItemContext(t *testing.T) {
	r := template.New()
	res, err := Assemble(r, "t", "{{.item.title}} #{{.item_index}} ({{.item_id}})", Request{
		Item: &Item{
			ID:    "item_abc123",
			Index: 2,
			Value: value.Object(map[string]value.Value{"title": value.String("Opening")}),
		},
	})
	require.NoError(t, err)
	assert.Contains(t, res.Used, "item")
	assert.Equal(t, 2, res.Used["item_index"])
	assert.Equal(t, "item_abc123", res.Used["item_id"])
}

func TestAssemble_ContextAllIncludesEverythingContextUsedDoesNot(t *testing.T) {
	r := template.New()
	res, err := Assemble(r, "t", "{{.topic}}", Request{
		Params: map[string]value.Value{
			"topic": value.String("chess"),
			"unused_param": value.String("ignored"),
		},
	})
	require.NoError(t, err)
	assert.Contains(t, res.All, "unused_param")
	assert.NotContains(t, res.Used, "unused_param")
}
