package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func anthropicStub(t *testing.T, capture *map[string]any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(capture))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"content":     []map[string]any{{"type": "text", "text": "ok"}},
			"stop_reason": "end_turn",
			"usage":       map[string]int{"input_tokens": 3, "output_tokens": 1},
		})
	}))
}

func TestAnthropicDefaultsMaxTokens(t *testing.T) {
	var payload map[string]any
	srv := anthropicStub(t, &payload)
	defer srv.Close()

	client, err := NewAnthropicClient("claude-test", Config{APIKey: "k", BaseURL: srv.URL})
	require.NoError(t, err)

	resp, err := client.Complete(context.Background(), CompletionRequest{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, float64(anthropicDefaultMaxTokens), payload["max_tokens"],
		"an uncapped request still sends a positive max_tokens")
}

func TestAnthropicHonorsCallerMaxTokens(t *testing.T) {
	var payload map[string]any
	srv := anthropicStub(t, &payload)
	defer srv.Close()

	client, err := NewAnthropicClient("claude-test", Config{APIKey: "k", BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), CompletionRequest{
		Messages:  []Message{{Role: "user", Content: "hi"}},
		MaxTokens: 2048,
	})
	require.NoError(t, err)
	assert.Equal(t, float64(2048), payload["max_tokens"])
}
