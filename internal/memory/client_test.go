package memory

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilClientIsInert(t *testing.T) {
	var c *Client
	assert.False(t, c.Enabled())

	result := c.PlanTask(context.Background(), "do things")
	assert.Equal(t, LevelNone, result.Level)
	assert.Nil(t, result.Phrase)
	assert.Empty(t, result.Guide())

	ops, err := c.QueryPageOperations(context.Background(), "https://example.com")
	require.NoError(t, err)
	assert.Empty(t, ops)

	require.NoError(t, c.AddBehavior(context.Background(), "s", []BehaviorMessage{{Role: "tool", Content: "x"}}))
	assert.Nil(t, NewClient("", "token"))
}

func TestPlanTask(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/memory/query", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "task", payload["as_type"])
		assert.Equal(t, "buy a widget", payload["target"])
		_ = json.NewEncoder(w).Encode(QueryResponse{
			Success:   true,
			QueryType: "task",
			Metadata:  QueryMetadata{MemoryLevel: LevelPhrase},
			CognitivePhrase: &CognitivePhrase{
				States:        []string{"portal login page"},
				Actions:       []string{"click saved filter"},
				ExecutionPlan: []string{"open the portal", "use the saved filter"},
			},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok")
	result := c.PlanTask(context.Background(), "buy a widget")
	assert.Equal(t, LevelPhrase, result.Level)
	require.NotNil(t, result.Phrase)
	assert.Contains(t, result.Guide(), "1. open the portal")
	assert.Contains(t, result.Guide(), "2. use the saved filter")

	formatted := FormatTaskMemories(result)
	assert.Contains(t, formatted, "State: portal login page")
	assert.Contains(t, formatted, "Action: click saved filter")
}

func TestPlanTaskDegradesOnFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	result := c.PlanTask(context.Background(), "anything")
	assert.Equal(t, LevelNone, result.Level)
	assert.Nil(t, result.Phrase)
	assert.Empty(t, FormatTaskMemories(result))
}

func TestPlanTaskDefaultsMissingLevel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(QueryResponse{Success: true, QueryType: "task"})
	}))
	defer srv.Close()

	result := NewClient(srv.URL, "").PlanTask(context.Background(), "anything")
	assert.Equal(t, LevelNone, result.Level)
}

func TestQueryActionsPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "action", payload["as_type"])
		assert.Equal(t, "https://example.com/login", payload["current_state"])
		_ = json.NewEncoder(w).Encode(QueryResponse{
			Success:         true,
			QueryType:       "action",
			IntentSequences: []string{"type username, type password, click login"},
			OutgoingActions: []string{"click forgot password"},
		})
	}))
	defer srv.Close()

	ops, err := NewClient(srv.URL, "").QueryPageOperations(context.Background(), "https://example.com/login")
	require.NoError(t, err)
	assert.Contains(t, ops, "1. type username, type password, click login")
	assert.Contains(t, ops, "- click forgot password")
}

func TestAddBehaviorPayload(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/memory/add", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	err := c.AddBehavior(context.Background(), "task1_sub2", []BehaviorMessage{
		{Role: "assistant", Content: `browser_click({"ref":"e1"})`},
		{Role: "tool", Content: "Clicked e1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "task1_sub2", got["session_id"])
	assert.Equal(t, true, got["skip_cognitive_phrase"])
}

func TestRecorderFlushOnlyOnSuccess(t *testing.T) {
	var writes atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writes.Add(1)
	}))
	defer srv.Close()
	c := NewClient(srv.URL, "")

	r := NewRecorder(c, "task1", "sub1")
	r.RecordAction("browser_visit", `{"url":"https://a"}`, "Visited")
	assert.Equal(t, 2, r.Len())
	r.Flush(context.Background(), false)
	assert.Equal(t, int32(0), writes.Load(), "failed subtasks are not recorded")
	assert.Equal(t, 0, r.Len(), "flush clears the buffer either way")

	r.RecordAction("browser_click", `{"ref":"e1"}`, "Clicked")
	r.Flush(context.Background(), true)
	assert.Equal(t, int32(1), writes.Load())
}

func TestPageOpsToolCaches(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		_ = json.NewEncoder(w).Encode(QueryResponse{
			Success:         true,
			QueryType:       "action",
			IntentSequences: []string{"click the blue login button"},
		})
	}))
	defer srv.Close()

	p := NewPageOpsTool(NewClient(srv.URL, ""))
	for i := 0; i < 3; i++ {
		result, err := p.Execute(context.Background(), "c1", map[string]any{"url": "https://example.com/login"})
		require.NoError(t, err)
		assert.Contains(t, result.Content, "blue login button")
	}
	assert.Equal(t, int32(1), calls.Load(), "repeat lookups come from the cache")

	p.ResetCache()
	_, err := p.Execute(context.Background(), "c2", map[string]any{"url": "https://example.com/login"})
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestPageOpsLookupSharesCache(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		_ = json.NewEncoder(w).Encode(QueryResponse{
			Success:         true,
			QueryType:       "action",
			IntentSequences: []string{"expand the date picker first"},
		})
	}))
	defer srv.Close()

	p := NewPageOpsTool(NewClient(srv.URL, ""))
	ops := p.Lookup(context.Background(), "https://example.com/report")
	assert.Contains(t, ops, "date picker")

	_, err := p.Execute(context.Background(), "c1", map[string]any{"url": "https://example.com/report"})
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load(), "tool and automatic lookups share one cache")
}

func TestPageOpsLookupSwallowsFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	p := NewPageOpsTool(NewClient(srv.URL, ""))
	assert.Empty(t, p.Lookup(context.Background(), "https://example.com"))
}
