package ollama

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/vtubeflow/llm"
	"github.com/BaSui01/vtubeflow/types"
)

func newTestBackend(t *testing.T, handler http.HandlerFunc) *Backend {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL, Model: "qwen2.5:7b"}, nil)
}

func TestComplete_Success(t *testing.T) {
	b := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)

		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "qwen2.5:7b", req["model"])
		assert.Equal(t, false, req["stream"])

		fmt.Fprint(w, `{
			"model": "qwen2.5:7b",
			"message": {"role": "assistant", "content": "hi there"},
			"done": true,
			"prompt_eval_count": 6,
			"eval_count": 3
		}`)
	})

	resp, err := b.Complete(context.Background(), &llm.ChatRequest{
		Messages: []types.ChatMessage{types.NewUserMessage("hello")},
	})

	require.NoError(t, err)
	assert.Equal(t, "hi there", resp.Content)
	assert.True(t, resp.UsageKnown)
	assert.Equal(t, 9, resp.Usage.TotalTokens)
}

func TestComplete_UpstreamError(t *testing.T) {
	b := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"error": "model not loaded"}`)
	})

	_, err := b.Complete(context.Background(), &llm.ChatRequest{
		Messages: []types.ChatMessage{types.NewUserMessage("hello")},
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "model not loaded")
}

func TestStream_NDJSON(t *testing.T) {
	b := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"message": {"content": "he"}, "done": false}`)
		fmt.Fprintln(w, `{"message": {"content": "llo"}, "done": false}`)
		fmt.Fprintln(w, `{"message": {"content": ""}, "done": true}`)
	})

	chunks, err := b.Stream(context.Background(), &llm.ChatRequest{
		Messages: []types.ChatMessage{types.NewUserMessage("hi")},
	})
	require.NoError(t, err)

	var got string
	for c := range chunks {
		require.NoError(t, c.Err)
		if c.Done {
			break
		}
		got += c.Content
	}
	assert.Equal(t, "hello", got)
}

func TestComplete_Unreachable(t *testing.T) {
	b := New(Config{BaseURL: "http://127.0.0.1:1", Model: "m"}, nil)

	_, err := b.Complete(context.Background(), &llm.ChatRequest{
		Messages: []types.ChatMessage{types.NewUserMessage("hi")},
	})

	require.Error(t, err)
	assert.True(t, types.IsRetryable(err))
}
