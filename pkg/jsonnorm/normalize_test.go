package jsonnorm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bartekus/promptchain/pkg/engineerr"
)

func TestNormalize_ArrayRoot(t *testing.T) {
	env, err := Normalize([]byte(`[{"name":"a"},{"name":"b"}]`))
	require.NoError(t, err)
	require.Len(t, env.Items, 2)
	assert.True(t, env.Items[0].Selected)
	assert.NotEqual(t, env.Items[0].ID, env.Items[1].ID)
	assert.Equal(t, 0, env.DroppedDuplicates)
}

func TestNormalize_ObjectRootWithItems(t *testing.T) {
	env, err := Normalize([]byte(`{"items":[1,2,3],"meta":"x"}`))
	require.NoError(t, err)
	require.Len(t, env.Items, 3)
	assert.Equal(t, map[string]any{"meta": "x"}, env.Extra)
}

func TestNormalize_InvalidShape(t *testing.T) {
	_, err := Normalize([]byte(`"just a string"`))
	require.Error(t, err)
	e, ok := engineerr.As(err)
	require.True(t, ok)
	assert.Equal(t, engineerr.Parse, e.Kind)
	assert.Equal(t, string(engineerr.InvalidJSONShape), e.Sub)
}

func TestNormalize_InvalidJSON(t *testing.T) {
	_, err := Normalize([]byte(`{not json`))
	require.Error(t, err)
	e, ok := engineerr.As(err)
	require.True(t, ok)
	assert.Equal(t, engineerr.Parse, e.Kind)
	assert.Equal(t, string(engineerr.InvalidJSON), e.Sub)
}

func TestNormalize_EmptyList(t *testing.T) {
	env, err := Normalize([]byte(`[]`))
	require.NoError(t, err)
	assert.Empty(t, env.Items)
}

func TestNormalize_SelectedFlagPreserved(t *testing.T) {
	env, err := Normalize([]byte(`[{"name":"a","_selected":false},{"name":"b"}]`))
	require.NoError(t, err)
	require.Len(t, env.Items, 2)
	assert.False(t, env.Items[0].Selected)
	assert.True(t, env.Items[1].Selected)
}

func TestNormalize_DuplicatesDropped(t *testing.T) {
	env, err := Normalize([]byte(`[{"name":"a"},{"name":"a"},{"name":"b"}]`))
	require.NoError(t, err)
	require.Len(t, env.Items, 2)
	assert.Equal(t, 1, env.DroppedDuplicates)
}

func TestItemID_DeterministicAcrossReordering(t *testing.T) {
	env1, err := Normalize([]byte(`[{"a":1,"b":2}]`))
	require.NoError(t, err)
	env2, err := Normalize([]byte(`[{"b":2,"a":1}]`))
	require.NoError(t, err)
	assert.Equal(t, env1.Items[0].ID, env2.Items[0].ID)
}

func TestItemID_FormatIsStable(t *testing.T) {
	env, err := Normalize([]byte(`["chess"]`))
	require.NoError(t, err)
	require.Len(t, env.Items, 1)
	assert.Regexp(t, `^item_[0-9a-f]{16}$`, env.Items[0].ID)
}
