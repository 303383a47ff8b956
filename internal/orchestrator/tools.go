package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kaptinlin/jsonrepair"

	"ami/internal/llm"
	"ami/internal/planner"
)

// sessionToolDefinitions returns the coordinator's fixed tool surface.
func sessionToolDefinitions() []llm.ToolDefinition {
	return []llm.ToolDefinition{
		{
			Name:        "decompose_task",
			Description: "Plan and start executing an actionable user request. Only one execution runs at a time.",
			Parameters: llm.ParameterSchema{
				Type: "object",
				Properties: map[string]llm.Property{
					"prompt": {Type: "string", Description: "A self-contained description of what to do"},
				},
				Required: []string{"prompt"},
			},
		},
		{
			Name:        "inject_message",
			Description: "Pass guidance from the user to the currently running execution.",
			Parameters: llm.ParameterSchema{
				Type: "object",
				Properties: map[string]llm.Property{
					"message": {Type: "string", Description: "The guidance to deliver"},
				},
				Required: []string{"message"},
			},
		},
		{
			Name:        "cancel_task",
			Description: "Stop the currently running execution.",
			Parameters: llm.ParameterSchema{
				Type: "object",
				Properties: map[string]llm.Property{
					"reason": {Type: "string", Description: "Why the user wants it stopped"},
				},
			},
		},
		{
			Name: "replan_task",
			Description: "Replace the not-yet-started remainder of the running execution's plan. " +
				`new_tasks is a JSON array like [{"content": "...", "agent_type": "code", "depends_on": ["1"]}].`,
			Parameters: llm.ParameterSchema{
				Type: "object",
				Properties: map[string]llm.Property{
					"new_tasks": {Type: "string", Description: "JSON array of replacement subtasks"},
				},
				Required: []string{"new_tasks"},
			},
		},
		{
			Name:        "attach_file",
			Description: "Mark a workspace file as a deliverable to show the user.",
			Parameters: llm.ParameterSchema{
				Type: "object",
				Properties: map[string]llm.Property{
					"path": {Type: "string", Description: "Workspace-relative file path"},
				},
				Required: []string{"path"},
			},
		},
	}
}

// dispatch executes one coordinator tool call. Failures come back as text:
// the model decides how to proceed, the session keeps running.
func (s *Session) dispatch(ctx context.Context, call llm.ToolCall) string {
	switch call.Name {
	case "decompose_task":
		prompt, _ := call.Arguments["prompt"].(string)
		if prompt == "" {
			return "Error: decompose_task requires a prompt."
		}
		id, err := s.launch(ctx, prompt)
		if err != nil {
			return fmt.Sprintf("Error: %v", err)
		}
		return fmt.Sprintf("Execution %s started. You will receive an [EXECUTION COMPLETE] message when it finishes.", id)

	case "inject_message":
		message, _ := call.Arguments["message"].(string)
		if message == "" {
			return "Error: inject_message requires a message."
		}
		run := s.current()
		if run == nil {
			return "Error: no execution is running; use decompose_task instead."
		}
		if !run.exec.InjectMessage(message) {
			return "Error: no worker is accepting messages right now; try again in a moment."
		}
		return "Message delivered to the running worker."

	case "cancel_task":
		run := s.current()
		if run == nil {
			return "Error: no execution is running."
		}
		reason, _ := call.Arguments["reason"].(string)
		if reason == "" {
			reason = "cancelled by user request"
		}
		run.cancel()
		s.logger.Info("execution %s cancelled: %s", run.id, reason)
		return fmt.Sprintf("Execution %s is being cancelled.", run.id)

	case "replan_task":
		run := s.current()
		if run == nil {
			return "Error: no execution is running."
		}
		raw, _ := call.Arguments["new_tasks"].(string)
		replacement, err := parseReplanTasks(raw)
		if err != nil {
			return fmt.Sprintf("Error: %v", err)
		}
		s.task.Pause()
		err = run.exec.ReplanSubtasks(replacement)
		s.task.Resume()
		if err != nil {
			return fmt.Sprintf("Error: %v", err)
		}
		return fmt.Sprintf("Plan updated: %d replacement subtasks queued.", len(replacement))

	case "attach_file":
		path, _ := call.Arguments["path"].(string)
		if path == "" {
			return "Error: attach_file requires a path."
		}
		attachment, err := s.registerAttachment(path)
		if err != nil {
			return fmt.Sprintf("Error: %v", err)
		}
		return fmt.Sprintf("Attached %s (%d bytes).", attachment.FileName, attachment.Size)

	default:
		return fmt.Sprintf("Error: unknown tool %q.", call.Name)
	}
}

type replanSpec struct {
	ID        string   `json:"id"`
	Content   string   `json:"content"`
	AgentType string   `json:"agent_type"`
	DependsOn []string `json:"depends_on"`
}

// parseReplanTasks decodes the replacement outline, repairing damaged JSON
// first, and assigns replan-scoped IDs when the model left them out.
func parseReplanTasks(raw string) ([]*planner.Subtask, error) {
	if raw == "" {
		return nil, fmt.Errorf("replan_task requires new_tasks")
	}
	var specs []replanSpec
	if err := json.Unmarshal([]byte(raw), &specs); err != nil {
		repaired, repairErr := jsonrepair.JSONRepair(raw)
		if repairErr != nil {
			return nil, fmt.Errorf("new_tasks is not valid JSON: %w", err)
		}
		if err := json.Unmarshal([]byte(repaired), &specs); err != nil {
			return nil, fmt.Errorf("new_tasks is not a JSON array of subtasks: %w", err)
		}
	}

	var subtasks []*planner.Subtask
	for i, spec := range specs {
		if spec.Content == "" {
			continue
		}
		id := spec.ID
		if id == "" {
			id = fmt.Sprintf("replan_%d", i+1)
		}
		subtasks = append(subtasks, &planner.Subtask{
			ID:        id,
			Content:   spec.Content,
			AgentType: planner.NormalizeAgentType(spec.AgentType),
			DependsOn: spec.DependsOn,
			State:     planner.StatePending,
		})
	}
	if len(subtasks) == 0 {
		return nil, fmt.Errorf("new_tasks contained no usable subtasks")
	}
	return subtasks, nil
}
