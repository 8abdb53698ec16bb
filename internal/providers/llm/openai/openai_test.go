package openai

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bartekus/promptchain/pkg/engineerr"
	"github.com/bartekus/promptchain/pkg/providers/llm"
)

func TestComplete_NoAPIKeyClassifiedAsAuth(t *testing.T) {
	p := &Provider{}
	_, err := p.Complete(context.Background(), llm.CompletionRequest{Prompt: "hi", Model: "gpt-4o-mini"})
	require.Error(t, err)
	e, ok := engineerr.As(err)
	require.True(t, ok)
	assert.Equal(t, string(engineerr.Auth), e.Sub)
}

func TestID(t *testing.T) {
	assert.Equal(t, "openai", (&Provider{}).ID())
}
