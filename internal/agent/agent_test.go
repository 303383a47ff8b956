package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ami/internal/browser"
	amierrors "ami/internal/errors"
	"ami/internal/event"
	"ami/internal/llm"
	"ami/internal/memory"
	"ami/internal/task"
	"ami/internal/tool"
)

type echoTool struct {
	calls []string
	reply string
}

func (e *echoTool) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name: "echo",
		Parameters: llm.ParameterSchema{
			Type:       "object",
			Properties: map[string]llm.Property{"text": {Type: "string"}},
		},
	}
}
func (e *echoTool) Label() string { return "Echoing" }
func (e *echoTool) Execute(_ context.Context, _ string, params map[string]any) (*tool.Result, error) {
	text, _ := tool.StringParam(params, "text")
	e.calls = append(e.calls, text)
	reply := e.reply
	if reply == "" {
		reply = "echo: " + text
	}
	return &tool.Result{Content: reply}, nil
}

func newTestTask(t *testing.T) *task.Task {
	t.Helper()
	return task.New("t1", "prompt", t.TempDir())
}

func TestRunToolRoundTrip(t *testing.T) {
	echo := &echoTool{}
	client := llm.NewMockClient().
		ScriptToolCall("c1", "echo", map[string]any{"text": "hi"}).
		ScriptText("all done")

	a := New("worker", client, tool.NewSet(echo), "system")
	tk := newTestTask(t)

	result, err := a.Run(context.Background(), tk, "say hi")
	require.NoError(t, err)
	assert.Equal(t, "all done", result)
	assert.Equal(t, []string{"hi"}, echo.calls)

	// The tool turn carries the result linked to the call.
	messages := a.Messages()
	require.Len(t, messages, 3)
	assert.Equal(t, "tool", messages[1].Role)
	require.Len(t, messages[1].ToolResults, 1)
	assert.Equal(t, "c1", messages[1].ToolResults[0].CallID)
	assert.Equal(t, "echo: hi", messages[1].ToolResults[0].Content)
}

func TestRunEmitsLifecycleEvents(t *testing.T) {
	client := llm.NewMockClient().
		ScriptToolCall("c1", "echo", map[string]any{"text": "x"}).
		ScriptText("done")

	a := New("worker", client, tool.NewSet(&echoTool{}), "system")
	tk := newTestTask(t)

	_, err := a.Run(context.Background(), tk, "go")
	require.NoError(t, err)

	var actions []event.Action
	for {
		ev, ok := tk.Emitter.GetEvent(100 * time.Millisecond)
		if !ok {
			break
		}
		actions = append(actions, ev.Action)
	}
	assert.Equal(t, []event.Action{
		event.ActionActivateAgent,
		event.ActionActivateToolkit,
		event.ActionDeactivateToolkit,
		event.ActionDeactivateAgent,
	}, actions)
}

func TestRunUnknownToolBecomesErrorResult(t *testing.T) {
	client := llm.NewMockClient().
		ScriptToolCall("c1", "nonexistent", nil).
		ScriptText("recovered")

	a := New("worker", client, tool.NewSet(), "system")
	result, err := a.Run(context.Background(), newTestTask(t), "go")
	require.NoError(t, err)
	assert.Equal(t, "recovered", result)

	results := a.Messages()[1].ToolResults
	require.Len(t, results, 1)
	assert.True(t, results[0].IsError)
	assert.Contains(t, results[0].Content, "unknown tool")
}

func TestRunStepLimit(t *testing.T) {
	client := llm.NewMockClient()
	client.Hook = func(llm.CompletionRequest) (*llm.CompletionResponse, error) {
		return &llm.CompletionResponse{
			ToolCalls:  []llm.ToolCall{{ID: "c", Name: "echo", Arguments: map[string]any{"text": "again"}}},
			StopReason: "tool_use",
		}, nil
	}

	a := New("worker", client, tool.NewSet(&echoTool{}), "system", WithMaxSteps(3))
	_, err := a.Run(context.Background(), newTestTask(t), "loop forever")
	require.Error(t, err)
	assert.Equal(t, amierrors.KindStepLimit, amierrors.KindOf(err))
}

func TestRunCancellation(t *testing.T) {
	tk := newTestTask(t)
	client := llm.NewMockClient()
	client.Hook = func(llm.CompletionRequest) (*llm.CompletionResponse, error) {
		tk.MarkCancelled("user asked")
		return &llm.CompletionResponse{
			ToolCalls:  []llm.ToolCall{{ID: "c", Name: "echo", Arguments: map[string]any{"text": "x"}}},
			StopReason: "tool_use",
		}, nil
	}

	a := New("worker", client, tool.NewSet(&echoTool{}), "system")
	_, err := a.Run(context.Background(), tk, "go")
	require.Error(t, err)
	assert.Equal(t, amierrors.KindCancelled, amierrors.KindOf(err))
	assert.Contains(t, err.Error(), "user asked")
}

func TestRunSteeringInjection(t *testing.T) {
	tk := newTestTask(t)

	client := llm.NewMockClient().ScriptText("noted")
	a := New("worker", client, tool.NewSet(), "system")
	require.True(t, a.Steer("focus on the summary section"))

	_, err := a.Run(context.Background(), tk, "go")
	require.NoError(t, err)

	req := client.Requests[0]
	require.Len(t, req.Messages, 2)
	assert.Contains(t, req.Messages[1].Content, "focus on the summary section")
}

func TestSteerQueueBound(t *testing.T) {
	a := New("worker", llm.NewMockClient(), tool.NewSet(), "system")
	for i := 0; i < steeringQueueSize; i++ {
		require.True(t, a.Steer("msg"))
	}
	assert.False(t, a.Steer("overflow"))
	a.Reset()
	assert.True(t, a.Steer("after reset"))
}

func TestPushNoteInjection(t *testing.T) {
	client := llm.NewMockClient().ScriptText("acknowledged")
	a := New("worker", client, tool.NewSet(), "system")
	a.PushNote("Known operation sequences for https://example.com:\n1. click login")
	a.PushNote("")

	_, err := a.Run(context.Background(), newTestTask(t), "go")
	require.NoError(t, err)

	req := client.Requests[0]
	require.Len(t, req.Messages, 2)
	assert.Contains(t, req.Messages[1].Content, "Known operation sequences")
}

func TestMaxTokensFlowsIntoRequests(t *testing.T) {
	client := llm.NewMockClient().ScriptText("done")
	a := New("worker", client, tool.NewSet(), "system", WithMaxTokens(4096))
	_, err := a.Run(context.Background(), newTestTask(t), "go")
	require.NoError(t, err)
	require.Len(t, client.Requests, 1)
	assert.Equal(t, 4096, client.Requests[0].MaxTokens)
}

func TestTruncateBlanksOldToolResults(t *testing.T) {
	a := New("worker", llm.NewMockClient(), tool.NewSet(), "", WithContextLimit(200))
	big := strings.Repeat("lorem ipsum dolor sit amet ", 40)
	a.messages = []llm.Message{
		{Role: "user", Content: "go"},
		{Role: "assistant", ToolCalls: []llm.ToolCall{{ID: "c1", Name: "echo"}}},
		{Role: "tool", ToolResults: []llm.ToolResult{{CallID: "c1", Content: big}}},
		{Role: "assistant", Content: "short"},
	}

	a.truncateIfNeeded()

	require.Len(t, a.messages, 4, "messages are blanked, never removed")
	assert.Equal(t, tool.TruncatedMarker, a.messages[2].ToolResults[0].Content)
	assert.Equal(t, "c1", a.messages[2].ToolResults[0].CallID, "call linkage survives truncation")
	assert.Equal(t, "short", a.messages[3].Content)
}

func TestObserverSeesToolOutcomes(t *testing.T) {
	var seen []string
	client := llm.NewMockClient().
		ScriptToolCall("c1", "echo", map[string]any{"text": "a"}).
		ScriptText("done")

	a := New("worker", client, tool.NewSet(&echoTool{}), "system",
		WithObserver(func(name, input, outcome string) {
			seen = append(seen, name+"="+outcome)
		}))
	_, err := a.Run(context.Background(), newTestTask(t), "go")
	require.NoError(t, err)
	assert.Equal(t, []string{"echo=echo: a"}, seen)
}

func TestCloneIsIndependent(t *testing.T) {
	a := New("worker", llm.NewMockClient().ScriptText("one"), tool.NewSet(&echoTool{}), "system")
	_, err := a.Run(context.Background(), newTestTask(t), "go")
	require.NoError(t, err)
	require.NotEmpty(t, a.Messages())

	clone := a.Clone()
	assert.Empty(t, clone.Messages())
	clone.Tools().Uninstall("echo")
	_, err = a.Tools().Get("echo")
	assert.NoError(t, err)
}

func TestBrowserAgentToolsAndReset(t *testing.T) {
	tk := newTestTask(t)
	session := browser.NewFakeSession()
	b := NewBrowserAgent(llm.NewMockClient().ScriptText("done"), session, tk, nil, "1. open the portal")

	names := b.Tools().Names()
	assert.Contains(t, names, "query_page_operations")
	assert.Contains(t, names, "browser_visit")
	assert.Contains(t, names, "browser_snapshot")

	_, err := b.Run(context.Background(), tk, "go")
	require.NoError(t, err)
	assert.NotEmpty(t, b.Agent.Messages())
	b.Reset()
	assert.Empty(t, b.Agent.Messages())
}

func TestBrowserAgentInjectsPageOperationsOnNewURL(t *testing.T) {
	var queried atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		queried.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success":          true,
			"query_type":       "action",
			"intent_sequences": []string{"accept the cookie banner before anything else"},
		})
	}))
	defer srv.Close()

	tk := newTestTask(t)
	client := llm.NewMockClient().
		ScriptToolCall("c1", "browser_visit", map[string]any{"url": "https://example.com/login"}).
		ScriptToolCall("c2", "browser_visit", map[string]any{"url": "https://example.com/login"}).
		ScriptText("done")

	b := NewBrowserAgent(client, browser.NewFakeSession(), tk, memory.NewClient(srv.URL, ""), "")
	_, err := b.Run(context.Background(), tk, "log in")
	require.NoError(t, err)

	require.Len(t, client.Requests, 3)
	var injected int
	for _, msg := range client.Requests[2].Messages {
		if msg.Role == "user" && strings.Contains(msg.Content, "cookie banner") {
			injected++
		}
	}
	assert.Equal(t, 1, injected, "landing on a new URL injects its recorded operations exactly once")
	assert.Equal(t, int32(1), queried.Load(), "revisiting a URL does not re-query memory")
}

func TestExtractPageURL(t *testing.T) {
	assert.Equal(t, "https://a.example",
		extractPageURL("Visited https://a.example\nCurrent URL: https://a.example"))
	assert.Equal(t, "https://b.example/x",
		extractPageURL("Page snapshot\nURL: https://b.example/x\nTitle: B"))
	assert.Empty(t, extractPageURL("Clicked element e12"))
}
