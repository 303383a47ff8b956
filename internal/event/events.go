// Package event defines the daemon's task event fabric: a closed set of
// actions, the wire shape streamed to UI consumers, and the per-task emitter.
package event

import (
	"encoding/json"
	"time"
)

// Action tags an event. The set is closed; consumers ignore fields they do
// not understand but never see an action outside this list.
type Action string

const (
	ActionActivateAgent     Action = "activate_agent"
	ActionDeactivateAgent   Action = "deactivate_agent"
	ActionActivateToolkit   Action = "activate_toolkit"
	ActionDeactivateToolkit Action = "deactivate_toolkit"
	ActionWorkerStarted     Action = "worker_started"
	ActionWorkerCompleted   Action = "worker_completed"
	ActionWorkerFailed      Action = "worker_failed"
	ActionWorkforceStarted  Action = "workforce_started"
	ActionTaskDecomposed    Action = "task_decomposed"
	ActionSubtaskState      Action = "subtask_state"
	ActionDynamicTasksAdded Action = "dynamic_tasks_added"
	ActionTaskReplanned     Action = "task_replanned"
	ActionAgentReport       Action = "agent_report"
	ActionWaitConfirm       Action = "wait_confirm"
	ActionMemoryQuery       Action = "memory_query"
	ActionMemoryResult      Action = "memory_result"
	ActionMemoryEvent       Action = "memory_event"
	ActionMemoryLevel       Action = "memory_level"
	ActionScreenshot        Action = "screenshot"
	ActionWriteFile         Action = "write_file"
	ActionTerminalOutput    Action = "terminal"
	ActionNotice            Action = "notice"
	ActionConfirmed         Action = "confirmed"

	// workforce_completed marks an execution round finishing; the session
	// stays live for confirmation and follow-ups after it.
	ActionWorkforceCompleted Action = "workforce_completed"

	// Terminal actions close the stream.
	ActionEnd              Action = "end"
	ActionWorkforceStopped Action = "workforce_stopped"
	ActionError            Action = "error"
)

var terminalActions = map[Action]bool{
	ActionEnd:              true,
	ActionWorkforceStopped: true,
	ActionError:            true,
}

// Terminal reports whether the action signals stream completion.
func (a Action) Terminal() bool {
	return terminalActions[a]
}

// SubtaskView is the UI projection of a subtask carried in plan events.
type SubtaskView struct {
	ID        string   `json:"id"`
	Content   string   `json:"content"`
	AgentType string   `json:"agent_type"`
	DependsOn []string `json:"depends_on,omitempty"`
	State     string   `json:"state"`
	Result    string   `json:"result,omitempty"`
}

// FileAttachment describes a deliverable carried by wait_confirm events.
type FileAttachment struct {
	FileName string `json:"file_name"`
	FilePath string `json:"file_path"`
	Size     int64  `json:"size,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

// Event is the wire shape for one SSE payload. Action decides which of the
// optional fields are populated; every field is forward-compatible for
// consumers via omitempty.
type Event struct {
	Action     Action    `json:"action"`
	TaskID     string    `json:"task_id"`
	ExecutorID string    `json:"executor_id,omitempty"`
	TaskLabel  string    `json:"task_label,omitempty"`
	Timestamp  time.Time `json:"timestamp"`

	AgentName string          `json:"agent_name,omitempty"`
	ToolName  string          `json:"tool_name,omitempty"`
	ToolInput json.RawMessage `json:"tool_input,omitempty"`
	Status    string          `json:"status,omitempty"`
	Message   string          `json:"message,omitempty"`
	Content   string          `json:"content,omitempty"`

	SubtaskID string        `json:"subtask_id,omitempty"`
	Subtasks  []SubtaskView `json:"subtasks,omitempty"`

	MemoryLevel string `json:"memory_level,omitempty"`

	URL       string `json:"url,omitempty"`
	Title     string `json:"title,omitempty"`
	DataURI   string `json:"data_uri,omitempty"`
	TabID     string `json:"tab_id,omitempty"`
	WebviewID string `json:"webview_id,omitempty"`

	FileName string `json:"file_name,omitempty"`
	FilePath string `json:"file_path,omitempty"`

	Question    string           `json:"question,omitempty"`
	Context     string           `json:"context,omitempty"`
	Attachments []FileAttachment `json:"attachments,omitempty"`

	Thinking string `json:"thinking,omitempty"`
	Error    string `json:"error,omitempty"`
}

// New returns an event stamped with the current time.
func New(action Action, taskID string) Event {
	return Event{Action: action, TaskID: taskID, Timestamp: time.Now()}
}

// SSEFrame serializes the event as a single SSE data frame.
func (e Event) SSEFrame() ([]byte, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	frame := make([]byte, 0, len(payload)+8)
	frame = append(frame, "data: "...)
	frame = append(frame, payload...)
	frame = append(frame, '\n', '\n')
	return frame, nil
}

// Heartbeat is the SSE comment frame used to keep idle streams alive.
const Heartbeat = ":hb\n\n"
