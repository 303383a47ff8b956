package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"ami/internal/event"
	"ami/internal/executor"
	"ami/internal/llm"
	"ami/internal/planner"
	"ami/internal/task"
)

func newTestSession(t *testing.T, coordinator llm.Client, worker llm.Client) (*Session, *task.Task) {
	t.Helper()
	tk := task.New("t1", "get the quarterly numbers", t.TempDir())
	plannerClient := llm.NewMockClient()
	plannerClient.Hook = func(llm.CompletionRequest) (*llm.CompletionResponse, error) {
		return &llm.CompletionResponse{
			Content:    `<tasks><task type="code">Collect the numbers</task></tasks>`,
			StopReason: "end_turn",
		}, nil
	}
	s := NewSession(tk, Deps{
		Client:   coordinator,
		Planner:  planner.New(plannerClient, nil),
		Executor: executor.Config{Client: worker},
	})
	group, _ := errgroup.WithContext(context.Background())
	s.group = group
	return s, tk
}

func drainActions(tk *task.Task) []event.Action {
	var actions []event.Action
	for {
		ev, ok := tk.Emitter.GetEvent(100 * time.Millisecond)
		if !ok {
			return actions
		}
		actions = append(actions, ev.Action)
		if ev.Action.Terminal() {
			return actions
		}
	}
}

func TestConverseDirectAnswer(t *testing.T) {
	coordinator := llm.NewMockClient().ScriptText("The daemon runs tasks for you.")
	s, _ := newTestSession(t, coordinator, llm.NewMockClient())

	reply, err := s.converse(context.Background(), "what are you?")
	require.NoError(t, err)
	assert.Equal(t, "The daemon runs tasks for you.", reply)
}

func TestDecomposeLaunchesAndCompletes(t *testing.T) {
	worker := llm.NewMockClient().ScriptText("numbers collected: 42")
	s, tk := newTestSession(t, llm.NewMockClient(), worker)

	outcome := s.dispatch(context.Background(), llm.ToolCall{
		ID: "c1", Name: "decompose_task",
		Arguments: map[string]any{"prompt": "collect the quarterly numbers"},
	})
	assert.Contains(t, outcome, "exec_1 started")

	// A second launch while one is running is refused.
	refused := s.dispatch(context.Background(), llm.ToolCall{
		ID: "c2", Name: "decompose_task", Arguments: map[string]any{"prompt": "other"},
	})
	if s.current() != nil {
		assert.Contains(t, refused, "already in progress")
	}

	select {
	case block := <-s.completed:
		assert.Contains(t, block, "[EXECUTION COMPLETE] exec_1 succeeded")
		assert.Contains(t, block, "numbers collected: 42")
	case <-time.After(5 * time.Second):
		t.Fatal("execution never completed")
	}
	assert.Nil(t, s.current())
	assert.Contains(t, tk.Result(), "numbers collected: 42")

	var decomposed, workforceDone bool
	for {
		ev, ok := tk.Emitter.GetEvent(100 * time.Millisecond)
		if !ok {
			break
		}
		switch ev.Action {
		case event.ActionTaskDecomposed:
			decomposed = true
			assert.Equal(t, "exec_1", ev.ExecutorID, "decomposition names the executor that owns the plan")
			assert.NotEmpty(t, ev.Subtasks)
		case event.ActionWorkforceCompleted:
			workforceDone = true
			assert.Equal(t, "exec_1", ev.ExecutorID)
		}
	}
	assert.True(t, decomposed)
	assert.True(t, workforceDone)
	assert.NotEmpty(t, tk.Subtasks(), "the plan is mirrored onto the task state at launch")
}

func TestInjectMessageReachesWorkerMidFlight(t *testing.T) {
	worker := llm.NewMockClient()
	blocked := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	worker.Hook = func(llm.CompletionRequest) (*llm.CompletionResponse, error) {
		once.Do(func() { close(blocked) })
		<-release
		return &llm.CompletionResponse{Content: "done", StopReason: "end_turn"}, nil
	}
	s, _ := newTestSession(t, llm.NewMockClient(), worker)

	_ = s.dispatch(context.Background(), llm.ToolCall{
		Name: "decompose_task", Arguments: map[string]any{"prompt": "long work"},
	})
	<-blocked

	outcome := s.dispatch(context.Background(), llm.ToolCall{
		Name: "inject_message", Arguments: map[string]any{"message": "prefer the PDF export"},
	})
	assert.Contains(t, outcome, "delivered to the running worker")
	close(release)

	select {
	case <-s.completed:
	case <-time.After(5 * time.Second):
		t.Fatal("execution never completed")
	}
}

func TestWaitForStimulusTogglesWaiting(t *testing.T) {
	s, tk := newTestSession(t, llm.NewMockClient(), llm.NewMockClient())
	tk.SetStatus(task.StatusRunning)

	sawWaiting := make(chan task.Status, 1)
	go func() {
		time.Sleep(100 * time.Millisecond)
		sawWaiting <- tk.Status()
		tk.PutUserMessage("hello again")
	}()

	msg, ok := s.waitForStimulus(context.Background())
	require.True(t, ok)
	assert.Equal(t, "hello again", msg)
	assert.Equal(t, task.StatusWaiting, <-sawWaiting, "an idle session reports waiting")
	assert.Equal(t, task.StatusRunning, tk.Status(), "a stimulus puts it back to running")
}

func TestLaunchPlansWithRefinedPrompt(t *testing.T) {
	tk := task.New("t1", "original vague ask", t.TempDir())
	plannerClient := llm.NewMockClient().ScriptText(`<tasks><task type="code">Collect the numbers</task></tasks>`)
	s := NewSession(tk, Deps{
		Client:   llm.NewMockClient(),
		Planner:  planner.New(plannerClient, nil),
		Executor: executor.Config{Client: llm.NewMockClient()},
	})
	group, _ := errgroup.WithContext(context.Background())
	s.group = group

	refined := "collect the Q3 revenue numbers from the finance portal"
	_, err := s.launch(context.Background(), refined)
	require.NoError(t, err)

	require.NotEmpty(t, plannerClient.Requests)
	assert.Contains(t, plannerClient.Requests[0].Messages[0].Content, refined,
		"the coordinator's refined prompt reaches the planner")
}

func TestInjectMessageRequiresExecution(t *testing.T) {
	s, _ := newTestSession(t, llm.NewMockClient(), llm.NewMockClient())
	outcome := s.dispatch(context.Background(), llm.ToolCall{
		Name: "inject_message", Arguments: map[string]any{"message": "hurry"},
	})
	assert.Contains(t, outcome, "no execution is running")
}

func TestCancelTask(t *testing.T) {
	worker := llm.NewMockClient()
	blocked := make(chan struct{})
	worker.Hook = func(llm.CompletionRequest) (*llm.CompletionResponse, error) {
		close(blocked)
		time.Sleep(10 * time.Second)
		return &llm.CompletionResponse{Content: "done"}, nil
	}
	s, _ := newTestSession(t, llm.NewMockClient(), worker)

	_ = s.dispatch(context.Background(), llm.ToolCall{
		Name: "decompose_task", Arguments: map[string]any{"prompt": "long work"},
	})
	<-blocked

	outcome := s.dispatch(context.Background(), llm.ToolCall{Name: "cancel_task", Arguments: map[string]any{}})
	assert.Contains(t, outcome, "being cancelled")
}

func TestAttachFile(t *testing.T) {
	s, tk := newTestSession(t, llm.NewMockClient(), llm.NewMockClient())
	require.NoError(t, os.WriteFile(filepath.Join(tk.Workspace, "report.md"), []byte("# Q3"), 0o644))

	outcome := s.dispatch(context.Background(), llm.ToolCall{
		Name: "attach_file", Arguments: map[string]any{"path": "report.md"},
	})
	assert.Contains(t, outcome, "Attached report.md")

	outcome = s.dispatch(context.Background(), llm.ToolCall{
		Name: "attach_file", Arguments: map[string]any{"path": "../outside.md"},
	})
	assert.Contains(t, outcome, "Error")

	s.emitWaitConfirm()
	found := false
	for {
		ev, ok := tk.Emitter.GetEvent(100 * time.Millisecond)
		if !ok {
			break
		}
		if ev.Action == event.ActionWaitConfirm && len(ev.Attachments) == 1 {
			assert.Equal(t, "report.md", ev.Attachments[0].FileName)
			assert.Equal(t, "text/plain", ev.Attachments[0].MimeType)
			found = true
		}
	}
	assert.True(t, found)
}

func TestParseReplanTasks(t *testing.T) {
	subtasks, err := parseReplanTasks(`[{"content": "do it differently", "agent_type": "browser"}]`)
	require.NoError(t, err)
	require.Len(t, subtasks, 1)
	assert.Equal(t, "replan_1", subtasks[0].ID)
	assert.Equal(t, planner.AgentTypeBrowser, subtasks[0].AgentType)

	// Damaged JSON is repaired.
	subtasks, err = parseReplanTasks(`[{content: 'fix the filter', agent_type: 'code'},]`)
	require.NoError(t, err)
	require.Len(t, subtasks, 1)
	assert.Equal(t, "fix the filter", subtasks[0].Content)

	_, err = parseReplanTasks("")
	require.Error(t, err)
	_, err = parseReplanTasks("[]")
	require.Error(t, err)
}

func TestRunFullLoop(t *testing.T) {
	// Coordinator: first turn decomposes, after completion it summarizes.
	coordinator := llm.NewMockClient()
	coordinator.Hook = func(req llm.CompletionRequest) (*llm.CompletionResponse, error) {
		last := req.Messages[len(req.Messages)-1]
		switch {
		case last.Role == "user" && strings.Contains(last.Content, "[EXECUTION COMPLETE]"):
			return &llm.CompletionResponse{Content: "All done: numbers collected.", StopReason: "end_turn"}, nil
		case last.Role == "tool":
			return &llm.CompletionResponse{Content: "Working on it.", StopReason: "end_turn"}, nil
		default:
			return &llm.CompletionResponse{
				ToolCalls:  []llm.ToolCall{{ID: "c1", Name: "decompose_task", Arguments: map[string]any{"prompt": "collect numbers"}}},
				StopReason: "tool_use",
			}, nil
		}
	}
	worker := llm.NewMockClient().ScriptText("collected")
	s, tk := newTestSession(t, coordinator, worker)

	go func() {
		// Let the execution finish and the summary land, then hang up.
		time.Sleep(2 * time.Second)
		tk.MarkCancelled("test over")
	}()

	err := s.Run(context.Background())
	require.NoError(t, err)

	actions := drainActions(tk)
	assert.Contains(t, actions, event.ActionTaskDecomposed)
	assert.Contains(t, actions, event.ActionWorkerCompleted)
	assert.Contains(t, actions, event.ActionWorkforceCompleted)
	assert.Contains(t, actions, event.ActionEnd, "the stream stays open past workforce_completed and always closes with end")
	assert.True(t, tk.Status().Terminal())
}
