package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"ami/internal/errors"
	"ami/internal/llm"
	"ami/internal/planner"
	"ami/internal/tool"
)

const (
	contentPreviewLimit = 80
	resultPreviewLimit  = 100
	workspaceScanLimit  = 50
)

// installReplanTools gives a worker the self-replanning pair for the duration
// of its subtask.
func (e *Executor) installReplanTools(set *tool.Set, current *planner.Subtask) {
	set.Install(
		&reviewContextTool{executor: e},
		&splitHandoffTool{executor: e, current: current},
	)
}

// reviewContextTool shows a worker the plan around it and the workspace
// contents, so a split decision is made on real state rather than guesswork.
type reviewContextTool struct {
	executor *Executor
}

func (r *reviewContextTool) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        "replan_review_context",
		Description: "Review the current plan and workspace before deciding whether to split your subtask.",
		Parameters:  llm.ParameterSchema{Type: "object", Properties: map[string]llm.Property{}},
	}
}

func (r *reviewContextTool) Label() string { return "Reviewing plan" }

func (r *reviewContextTool) Execute(context.Context, string, map[string]any) (*tool.Result, error) {
	e := r.executor
	var b strings.Builder
	b.WriteString("Current plan:\n")
	for _, s := range e.Subtasks() {
		fmt.Fprintf(&b, "- [%s] %s (%s): %s", s.ID, s.State, s.AgentType, preview(s.Content, contentPreviewLimit))
		if s.Result != "" {
			fmt.Fprintf(&b, " => %s", preview(s.Result, resultPreviewLimit))
		}
		b.WriteByte('\n')
	}

	b.WriteString("\nWorkspace contents:\n")
	entries, err := os.ReadDir(e.task.Workspace)
	if err != nil {
		fmt.Fprintf(&b, "(unreadable: %v)\n", err)
	} else if len(entries) == 0 {
		b.WriteString("(empty)\n")
	} else {
		for i, entry := range entries {
			if i >= workspaceScanLimit {
				fmt.Fprintf(&b, "... and %d more entries\n", len(entries)-workspaceScanLimit)
				break
			}
			name := entry.Name()
			if entry.IsDir() {
				name += "/"
			}
			fmt.Fprintf(&b, "- %s\n", name)
		}
	}
	return &tool.Result{Content: b.String()}, nil
}

// splitHandoffTool lets an overloaded worker split its remaining work into
// new subtasks and hand off. The worker's own subtask then completes with the
// handoff summary as its result.
type splitHandoffTool struct {
	executor *Executor
	current  *planner.Subtask
}

func (s *splitHandoffTool) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name: "replan_split_and_handoff",
		Description: "Split the rest of your subtask into new subtasks and stop. " +
			`new_tasks is a JSON array like [{"content": "...", "agent_type": "browser"}]. ` +
			"summary describes what you already completed.",
		Parameters: llm.ParameterSchema{
			Type: "object",
			Properties: map[string]llm.Property{
				"new_tasks": {Type: "string", Description: "JSON array of subtasks to add"},
				"summary":   {Type: "string", Description: "What you completed before handing off"},
			},
			Required: []string{"new_tasks", "summary"},
		},
	}
}

func (s *splitHandoffTool) Label() string { return "Splitting task" }

func (s *splitHandoffTool) Execute(_ context.Context, _ string, params map[string]any) (*tool.Result, error) {
	raw, ok := tool.StringParam(params, "new_tasks")
	if !ok || strings.TrimSpace(raw) == "" {
		return nil, errors.New(errors.KindInvalidInput, "replan_split_and_handoff requires new_tasks")
	}
	summary := tool.OptionalString(params, "summary", "Work handed off to follow-up subtasks.")

	specs, err := parseNewTasks(raw)
	if err != nil {
		return nil, err
	}
	if len(specs) == 0 {
		return nil, errors.New(errors.KindInvalidInput, "new_tasks is empty")
	}

	e := s.executor
	additions := make([]*planner.Subtask, 0, len(specs))
	for _, spec := range specs {
		e.mu.Lock()
		e.dynSeq[s.current.ID]++
		seq := e.dynSeq[s.current.ID]
		e.mu.Unlock()

		additions = append(additions, &planner.Subtask{
			ID:        fmt.Sprintf("%s_dyn_%d", s.current.ID, seq),
			Content:   spec.Content,
			AgentType: planner.NormalizeAgentType(spec.AgentType),
			State:     planner.StatePending,
		})
	}

	if err := e.AddSubtasksAsync(s.current, additions); err != nil {
		return nil, err
	}
	e.setHandoffSummary(s.current.ID, summary)

	ids := make([]string, 0, len(additions))
	for _, a := range additions {
		ids = append(ids, a.ID)
	}
	return &tool.Result{Content: fmt.Sprintf(
		"Handoff accepted. Added subtasks: %s. Now summarize what you completed and stop.\nYour summary: %s",
		strings.Join(ids, ", "), summary)}, nil
}

type newTaskSpec struct {
	Content   string `json:"content"`
	AgentType string `json:"agent_type"`
}

// parseNewTasks decodes the model-supplied JSON array, repairing the common
// damage (trailing commas, single quotes, unquoted keys) first.
func parseNewTasks(raw string) ([]newTaskSpec, error) {
	var specs []newTaskSpec
	if err := json.Unmarshal([]byte(raw), &specs); err == nil {
		return compactSpecs(specs), nil
	}

	repaired, err := jsonrepair.JSONRepair(raw)
	if err != nil {
		return nil, errors.New(errors.KindInvalidInput, "new_tasks is not valid JSON: %v", err)
	}
	if err := json.Unmarshal([]byte(repaired), &specs); err != nil {
		return nil, errors.New(errors.KindInvalidInput, "new_tasks is not a JSON array of tasks: %v", err)
	}
	return compactSpecs(specs), nil
}

func compactSpecs(specs []newTaskSpec) []newTaskSpec {
	out := specs[:0]
	for _, spec := range specs {
		if strings.TrimSpace(spec.Content) != "" {
			out = append(out, spec)
		}
	}
	return out
}

func preview(s string, limit int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
