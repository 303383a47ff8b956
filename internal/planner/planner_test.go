package planner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ami/internal/event"
	"ami/internal/llm"
	"ami/internal/memory"
	"ami/internal/task"
)

func TestParseTasks(t *testing.T) {
	output := `Here is the plan:
<tasks>
  <task type="browser">Log into the portal and export the invoice list</task>
  <task type="document" depends_on="1">Summarize the invoices into totals.md</task>
  <task type="multi_modal" depends_on="1">Describe the dashboard screenshot</task>
  <task type="SHELL" depends_on="1, 2">Verify the totals add up</task>
</tasks>
Good luck!`

	subtasks := ParseTasks(output)
	require.Len(t, subtasks, 4)

	assert.Equal(t, "1", subtasks[0].ID)
	assert.Equal(t, AgentTypeBrowser, subtasks[0].AgentType)
	assert.Empty(t, subtasks[0].DependsOn)

	assert.Equal(t, AgentTypeDocument, subtasks[1].AgentType)
	assert.Equal(t, []string{"1"}, subtasks[1].DependsOn)

	assert.Equal(t, AgentTypeMultiModal, subtasks[2].AgentType)

	assert.Equal(t, AgentTypeCode, subtasks[3].AgentType, "unknown types default to code")
	assert.Equal(t, []string{"1", "2"}, subtasks[3].DependsOn)
	for _, s := range subtasks {
		assert.Equal(t, StatePending, s.State)
	}
}

func TestNormalizeAgentType(t *testing.T) {
	assert.Equal(t, AgentTypeBrowser, NormalizeAgentType(" Browser "))
	assert.Equal(t, AgentTypeDocument, NormalizeAgentType("document"))
	assert.Equal(t, AgentTypeMultiModal, NormalizeAgentType("MULTI_MODAL"))
	assert.Equal(t, AgentTypeCode, NormalizeAgentType("code"))
	assert.Equal(t, AgentTypeCode, NormalizeAgentType(""))
	assert.Equal(t, AgentTypeCode, NormalizeAgentType("spreadsheet"))
}

func TestParseTasksDropsBadDependencies(t *testing.T) {
	output := `<tasks>
  <task type="code" depends_on="1,5">First, with a self and forward reference</task>
  <task type="code" depends_on="1,junk">Second</task>
</tasks>`

	subtasks := ParseTasks(output)
	require.Len(t, subtasks, 2)
	assert.Empty(t, subtasks[0].DependsOn, "self and forward references are dropped")
	assert.Equal(t, []string{"1"}, subtasks[1].DependsOn)
}

func TestParseTasksMalformed(t *testing.T) {
	assert.Nil(t, ParseTasks("no xml at all"))
	assert.Nil(t, ParseTasks("<tasks><task>unclosed"))
	assert.Empty(t, ParseTasks("<tasks><task type=\"code\">  </task></tasks>"))
}

func newTestTask(t *testing.T) *task.Task {
	t.Helper()
	return task.New("t1", "compare prices and write a report", t.TempDir())
}

func TestPlanHappyPath(t *testing.T) {
	client := llm.NewMockClient().ScriptText(`<tasks>
  <task type="browser">Check the price on example.com</task>
  <task type="code" depends_on="1">Write report.md</task>
</tasks>`)

	tk := newTestTask(t)
	subtasks, err := New(client, nil).Plan(context.Background(), tk, "")
	require.NoError(t, err)
	require.Len(t, subtasks, 2)
	assert.Equal(t, memory.LevelNone, subtasks[0].MemoryLevel)

	var actions []event.Action
	for {
		ev, ok := tk.Emitter.GetEvent(100 * time.Millisecond)
		if !ok {
			break
		}
		actions = append(actions, ev.Action)
	}
	assert.Contains(t, actions, event.ActionMemoryQuery)
	assert.Contains(t, actions, event.ActionMemoryLevel)
	assert.NotContains(t, actions, event.ActionTaskDecomposed,
		"decomposition is announced by the session that launches the executor")
}

func TestPlanUsesRefinedPrompt(t *testing.T) {
	client := llm.NewMockClient().ScriptText(`<tasks>
  <task type="code">Fetch EUR and USD rates and chart them</task>
</tasks>`)

	tk := newTestTask(t)
	refined := "Fetch the last 30 days of EUR and USD exchange rates and produce a chart"
	subtasks, err := New(client, nil).Plan(context.Background(), tk, refined)
	require.NoError(t, err)
	require.Len(t, subtasks, 1)

	require.Len(t, client.Requests, 1)
	req := client.Requests[0]
	require.NotEmpty(t, req.Messages)
	assert.Contains(t, req.Messages[0].Content, refined,
		"the coordinator's refined prompt drives the decomposition")
	assert.NotContains(t, req.Messages[0].Content, tk.Prompt)
}

func TestPlanFallbackOnUnparseableOutput(t *testing.T) {
	client := llm.NewMockClient().ScriptText("I cannot produce XML today.")

	tk := newTestTask(t)
	subtasks, err := New(client, nil).Plan(context.Background(), tk, "")
	require.NoError(t, err)
	require.Len(t, subtasks, 1)
	assert.Equal(t, tk.Prompt, subtasks[0].Content)
	assert.Equal(t, AgentTypeCode, subtasks[0].AgentType)

	var sawWarning bool
	for {
		ev, ok := tk.Emitter.GetEvent(100 * time.Millisecond)
		if !ok {
			break
		}
		if ev.Action == event.ActionAgentReport {
			sawWarning = true
		}
	}
	assert.True(t, sawWarning)
}

func TestInjectWorkflowGuide(t *testing.T) {
	guide := "1. open the portal\n2. use the saved filter\n"

	t.Run("first browser subtask wins", func(t *testing.T) {
		subtasks := []*Subtask{
			{ID: "1", AgentType: AgentTypeCode},
			{ID: "2", AgentType: AgentTypeBrowser},
			{ID: "3", AgentType: AgentTypeBrowser},
		}
		injectWorkflowGuide(subtasks, guide)
		assert.Empty(t, subtasks[0].WorkflowGuide)
		assert.Equal(t, guide, subtasks[1].WorkflowGuide)
		assert.Empty(t, subtasks[2].WorkflowGuide, "the guide is never split")
	})

	t.Run("no browser subtask falls back to the first", func(t *testing.T) {
		subtasks := []*Subtask{
			{ID: "1", AgentType: AgentTypeCode},
			{ID: "2", AgentType: AgentTypeDocument},
		}
		injectWorkflowGuide(subtasks, guide)
		assert.Equal(t, guide, subtasks[0].WorkflowGuide)
	})
}
