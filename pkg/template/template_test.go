package template

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRender_Basic(t *testing.T) {
	r := New()
	out, err := r.Render("t", "Write about {{.topic}} in {{.style}} style.", map[string]any{
		"topic": "chess",
		"style": "formal",
	})
	require.NoError(t, err)
	assert.Equal(t, "Write about chess in formal style.", out)
}

func TestRender_MissingKeyErrors(t *testing.T) {
	r := New()
	_, err := r.Render("t", "Write about {{.topic}}", map[string]any{})
	assert.Error(t, err)
}

func TestReferencedNames_SimpleFields(t *testing.T) {
	r := New()
	names, err := r.ReferencedNames("t", "{{.topic}} and {{.item}} at {{.item_index}}")
	require.NoError(t, err)
	sort.Strings(names)
	assert.Equal(t, []string{"item", "item_index", "topic"}, names)
}

func TestReferencedNames_InsideRangeAndIf(t *testing.T) {
	r := New()
	names, err := r.ReferencedNames("t", `{{if .enabled}}{{range .stage_json}}{{.name}}{{end}}{{end}}`)
	require.NoError(t, err)
	sort.Strings(names)
	assert.Contains(t, names, "enabled")
	assert.Contains(t, names, "stage_json")
}

func TestReferencedNames_NoDuplicates(t *testing.T) {
	r := New()
	names, err := r.ReferencedNames("t", "{{.topic}} {{.topic}} {{.topic}}")
	require.NoError(t, err)
	assert.Equal(t, []string{"topic"}, names)
}

func TestParse_InvalidSyntaxErrors(t *testing.T) {
	r := New()
	_, err := r.Render("t", "{{.topic", map[string]any{})
	assert.Error(t, err)
}
