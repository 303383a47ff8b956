// Package planner turns a user request into an ordered set of subtasks. It
// retrieves prior task memories, asks the model for an XML decomposition and
// parses it tolerantly, falling back to a single subtask when the model
// produces nothing usable.
package planner

import (
	"context"
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"

	"ami/internal/event"
	"ami/internal/llm"
	"ami/internal/logging"
	"ami/internal/memory"
	"ami/internal/task"
)

// Subtask states as tracked through execution.
const (
	StatePending = "pending"
	StateRunning = "running"
	StateDone    = "done"
	StateFailed  = "failed"
)

// Worker specializations a subtask can be assigned to.
const (
	AgentTypeBrowser    = "browser"
	AgentTypeDocument   = "document"
	AgentTypeCode       = "code"
	AgentTypeMultiModal = "multi_modal"
)

// NormalizeAgentType maps model-supplied type strings onto the known set,
// defaulting to code for anything unrecognized.
func NormalizeAgentType(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case AgentTypeBrowser:
		return AgentTypeBrowser
	case AgentTypeDocument:
		return AgentTypeDocument
	case AgentTypeMultiModal:
		return AgentTypeMultiModal
	default:
		return AgentTypeCode
	}
}

// Subtask is one unit of the plan, carried through execution.
type Subtask struct {
	ID            string
	Content       string
	AgentType     string
	DependsOn     []string
	State         string
	WorkflowGuide string
	MemoryLevel   string
	Result        string
	RetryCount    int
}

// View projects a subtask for UI events.
func (s *Subtask) View() event.SubtaskView {
	return event.SubtaskView{
		ID:        s.ID,
		Content:   s.Content,
		AgentType: s.AgentType,
		DependsOn: s.DependsOn,
		State:     s.State,
		Result:    s.Result,
	}
}

// Views projects a plan for UI events.
func Views(subtasks []*Subtask) []event.SubtaskView {
	views := make([]event.SubtaskView, 0, len(subtasks))
	for _, s := range subtasks {
		views = append(views, s.View())
	}
	return views
}

const plannerSystemPrompt = `You are a task planner. Decompose the user's request into the smallest
number of sequential subtasks that still separates browser work from code and
file work.

Rules:
- type="browser" for subtasks that operate web pages; type="document" for
  writing or transforming files; type="code" for shell and analysis work;
  type="multi_modal" for work over images or screenshots.
- depends_on lists the numbers of subtasks whose results this one needs.
- Keep each subtask self-contained: a worker sees only its own description
  and the results of its dependencies.

Respond with exactly one <tasks> block:
<tasks>
  <task type="browser">Find the current price of X on example.com</task>
  <task type="document" depends_on="1">Write the price to report.md</task>
</tasks>`

// Planner produces plans for new tasks.
type Planner struct {
	client llm.Client
	memory *memory.Client
	logger logging.Logger
}

func New(client llm.Client, memClient *memory.Client) *Planner {
	return &Planner{
		client: client,
		memory: memClient,
		logger: logging.NewComponentLogger("Planner"),
	}
}

// Plan decomposes a request into subtasks. The prompt is the coordinator's
// refined task description; when empty, the task's original prompt is used.
// Plan always returns at least one subtask.
func (p *Planner) Plan(ctx context.Context, t *task.Task, prompt string) ([]*Subtask, error) {
	if strings.TrimSpace(prompt) == "" {
		prompt = t.Prompt
	}

	ev := event.New(event.ActionMemoryQuery, t.ID)
	ev.Message = "retrieving task memories"
	t.Emitter.Emit(ev)

	retrieval := p.memory.PlanTask(ctx, prompt)

	levelEv := event.New(event.ActionMemoryLevel, t.ID)
	levelEv.MemoryLevel = retrieval.Level
	t.Emitter.Emit(levelEv)

	memoryBlock := memory.FormatTaskMemories(retrieval)
	if memoryBlock != "" {
		resultEv := event.New(event.ActionMemoryResult, t.ID)
		resultEv.Content = memoryBlock
		t.Emitter.Emit(resultEv)
	}

	userPrompt := prompt
	if memoryBlock != "" {
		userPrompt = memoryBlock + "\n\nUser request:\n" + prompt
	}

	resp, err := p.client.Complete(ctx, llm.CompletionRequest{
		System:   plannerSystemPrompt,
		Messages: []llm.Message{{Role: "user", Content: userPrompt}},
	})
	if err != nil {
		return nil, err
	}

	subtasks := ParseTasks(resp.Content)
	if len(subtasks) == 0 {
		// A plan the executor can run beats a planner error.
		p.logger.Warn("planner produced no parseable tasks, falling back to a single subtask")
		warn := event.New(event.ActionAgentReport, t.ID)
		warn.Message = "Could not decompose the task; executing it as a single step."
		t.Emitter.Emit(warn)
		subtasks = []*Subtask{{
			ID:        "1",
			Content:   prompt,
			AgentType: AgentTypeCode,
			State:     StatePending,
		}}
	}

	injectWorkflowGuide(subtasks, retrieval.Guide())
	for _, s := range subtasks {
		s.MemoryLevel = retrieval.Level
	}

	return subtasks, nil
}

// injectWorkflowGuide attaches the whole retrieved guide to the first browser
// subtask, or the first subtask when the plan has no browser work. Splitting
// a guide across subtasks loses the ordering that made it work.
func injectWorkflowGuide(subtasks []*Subtask, guide string) {
	if guide == "" || len(subtasks) == 0 {
		return
	}
	for _, s := range subtasks {
		if s.AgentType == AgentTypeBrowser {
			s.WorkflowGuide = guide
			return
		}
	}
	subtasks[0].WorkflowGuide = guide
}

type xmlTasks struct {
	Tasks []xmlTask `xml:"task"`
}

type xmlTask struct {
	Type      string `xml:"type,attr"`
	DependsOn string `xml:"depends_on,attr"`
	Content   string `xml:",chardata"`
}

// ParseTasks extracts the <tasks> block from model output. Text around the
// block, stray markdown fences and unknown attributes are all tolerated;
// malformed input yields an empty slice.
func ParseTasks(output string) []*Subtask {
	start := strings.Index(output, "<tasks")
	end := strings.LastIndex(output, "</tasks>")
	if start < 0 || end < 0 || end < start {
		return nil
	}
	block := output[start : end+len("</tasks>")]

	var parsed xmlTasks
	if err := xml.Unmarshal([]byte(block), &parsed); err != nil {
		return nil
	}

	var subtasks []*Subtask
	for _, raw := range parsed.Tasks {
		content := strings.TrimSpace(raw.Content)
		if content == "" {
			continue
		}
		subtasks = append(subtasks, &Subtask{
			ID:        strconv.Itoa(len(subtasks) + 1),
			Content:   content,
			AgentType: NormalizeAgentType(raw.Type),
			DependsOn: parseDependsOn(raw.DependsOn, len(subtasks)),
			State:     StatePending,
		})
	}
	return subtasks
}

// parseDependsOn resolves a depends_on attribute to earlier subtask IDs.
// Forward and self references are dropped: a dependency that can never
// complete would deadlock the whole plan.
func parseDependsOn(attr string, index int) []string {
	if strings.TrimSpace(attr) == "" {
		return nil
	}
	var deps []string
	for _, part := range strings.Split(attr, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || n < 1 || n > index {
			continue
		}
		deps = append(deps, fmt.Sprintf("%d", n))
	}
	return deps
}
