package memory

import (
	"context"
	"fmt"
	"sync"

	"ami/internal/logging"
)

// Recorder accumulates the browser actions of one subtask and writes them to
// the memory service when the subtask finishes successfully. Failed subtasks
// are discarded: only behavior that worked is worth remembering.
type Recorder struct {
	client    *Client
	taskID    string
	subtaskID string
	logger    logging.Logger

	mu       sync.Mutex
	messages []BehaviorMessage
}

// NewRecorder starts a recording session for one subtask. A nil client yields
// a recorder that drops everything.
func NewRecorder(client *Client, taskID, subtaskID string) *Recorder {
	return &Recorder{
		client:    client,
		taskID:    taskID,
		subtaskID: subtaskID,
		logger:    logging.NewComponentLogger("BehaviorRecorder"),
	}
}

// RecordAction appends one tool call and its outcome.
func (r *Recorder) RecordAction(toolName, input, outcome string) {
	if r.client == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages,
		BehaviorMessage{Role: "assistant", Content: fmt.Sprintf("%s(%s)", toolName, input)},
		BehaviorMessage{Role: "tool", Content: outcome},
	)
}

// Len returns the number of recorded messages.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

// Flush writes the session when the subtask completed successfully, then
// clears the buffer. Write failures are logged, never propagated: memory is
// advisory.
func (r *Recorder) Flush(ctx context.Context, succeeded bool) {
	if r.client == nil {
		return
	}
	r.mu.Lock()
	messages := r.messages
	r.messages = nil
	r.mu.Unlock()

	if !succeeded || len(messages) == 0 {
		return
	}
	sessionID := fmt.Sprintf("%s_%s", r.taskID, r.subtaskID)
	if err := r.client.AddBehavior(ctx, sessionID, messages); err != nil {
		r.logger.Warn("behavior write for %s failed: %v", sessionID, err)
		return
	}
	r.logger.Info("recorded %d behavior messages for %s", len(messages), sessionID)
}
