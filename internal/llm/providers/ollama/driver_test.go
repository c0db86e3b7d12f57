package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabrica-dev/fabrica/internal/llm"
)

func TestGenerate(t *testing.T) {
	var gotReq generateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/generate", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		_ = json.NewEncoder(w).Encode(generateResponse{Response: "erDiagram", EvalCount: 12})
	}))
	defer srv.Close()

	d := New(srv.URL)
	resp, err := d.Generate(context.Background(), llm.Request{
		Model:         "llama3",
		Prompt:        "make an ERD",
		SystemMessage: "diagrams only",
		Temperature:   0.2,
		ContextWindow: 4096,
	})
	require.NoError(t, err)
	assert.Equal(t, "erDiagram", resp.Content)
	assert.Equal(t, 12, resp.TokensGenerated)
	assert.Equal(t, "llama3", gotReq.Model)
	assert.Equal(t, "diagrams only", gotReq.System)
	assert.False(t, gotReq.Stream)
	assert.EqualValues(t, 4096, gotReq.Options["num_ctx"])
}

func TestGenerateServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(generateResponse{Error: "model not loaded"})
	}))
	defer srv.Close()

	_, err := New(srv.URL).Generate(context.Background(), llm.Request{Model: "m", Prompt: "p"})
	require.Error(t, err)
	assert.True(t, llm.IsRetryable(err))

	var lerr llm.Error
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, "ollama", lerr.Provider())
	assert.Equal(t, 500, lerr.StatusCode())
}

func TestGenerateConnectionRefusedIsRetryable(t *testing.T) {
	d := New("http://127.0.0.1:1")
	_, err := d.Generate(context.Background(), llm.Request{Model: "m", Prompt: "p"})
	require.Error(t, err)
	assert.True(t, llm.IsRetryable(err))
}

func TestListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/tags", r.URL.Path)
		_, _ = w.Write([]byte(`{"models":[{"name":"llama3:8b"},{"name":"mistral"}]}`))
	}))
	defer srv.Close()

	models, err := New(srv.URL).ListModels(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"llama3:8b", "mistral"}, models)
}

func TestUnloadSendsKeepAliveZero(t *testing.T) {
	var gotReq map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	require.NoError(t, New(srv.URL).Unload(context.Background(), "llama3"))
	assert.EqualValues(t, 0, gotReq["keep_alive"])
}
