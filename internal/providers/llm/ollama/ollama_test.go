package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bartekus/promptchain/pkg/engineerr"
	"github.com/bartekus/promptchain/pkg/providers/llm"
)

func TestComplete_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req generateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "llama3", req.Model)
		_ = json.NewEncoder(w).Encode(generateResponse{Response: "hello", Done: true, EvalCount: 3})
	}))
	defer srv.Close()

	p := New(srv.URL)
	res, err := p.Complete(context.Background(), llm.CompletionRequest{Prompt: "hi", Model: "llama3"})
	require.NoError(t, err)
	assert.Equal(t, "hello", res.RawText)
	assert.Equal(t, 3, res.Metadata["eval_count"])
}

func TestComplete_NonOKStatusClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte("rate limited"))
	}))
	defer srv.Close()

	p := New(srv.URL)
	_, err := p.Complete(context.Background(), llm.CompletionRequest{Prompt: "hi", Model: "llama3"})
	require.Error(t, err)
	e, ok := engineerr.As(err)
	require.True(t, ok)
	assert.Equal(t, string(engineerr.RateLimit), e.Sub)
}

func TestComplete_ProviderReportedError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(generateResponse{Error: "model not loaded"})
	}))
	defer srv.Close()

	p := New(srv.URL)
	_, err := p.Complete(context.Background(), llm.CompletionRequest{Prompt: "hi", Model: "llama3"})
	require.Error(t, err)
}

func TestID(t *testing.T) {
	assert.Equal(t, "ollama", New("").ID())
}
