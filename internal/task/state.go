// Package task holds the per-task mutable state record and the in-memory
// registry that owns task lifecycles.
package task

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"ami/internal/event"
	"ami/internal/logging"
)

// Status is the task lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusWaiting   Status = "waiting"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// steeringBound caps queued user steering messages; overflow is rejected so
// the HTTP layer can surface a 4xx.
const steeringBound = 128

// ConversationEntry is one turn of the user-visible conversation log.
type ConversationEntry struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Task is the single source of truth for a running task's mutable state.
// The executing goroutine owns it; external mutators go through the explicit
// APIs below.
type Task struct {
	ID        string
	Prompt    string
	Workspace string
	Emitter   *event.Emitter

	logger logging.Logger

	mu           sync.Mutex
	status       Status
	createdAt    time.Time
	startedAt    time.Time
	updatedAt    time.Time
	conversation []ConversationEntry
	result       string
	errText      string
	iterations   int
	toolsCalled  int
	subtasks     []event.SubtaskView

	steering     chan string
	humanResp    chan string
	humanWaiters int32

	paused   bool
	resumeCh chan struct{}

	cancelOnce   sync.Once
	cancelCh     chan struct{}
	cancelReason string
}

// New creates a pending task.
func New(id, prompt, workspace string) *Task {
	now := time.Now()
	return &Task{
		ID:        id,
		Prompt:    prompt,
		Workspace: workspace,
		Emitter:   event.NewEmitter(id),
		logger:    logging.NewComponentLogger("Task"),
		status:    StatusPending,
		createdAt: now,
		updatedAt: now,
		steering:  make(chan string, steeringBound),
		humanResp: make(chan string, 1),
		resumeCh:  make(chan struct{}),
		cancelCh:  make(chan struct{}),
	}
}

// Status returns the current lifecycle state.
func (t *Task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// SetStatus transitions the task. A cancelled task never leaves cancelled.
func (t *Task) SetStatus(status Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status == StatusCancelled {
		return
	}
	if status == StatusRunning && t.startedAt.IsZero() {
		t.startedAt = time.Now()
	}
	t.status = status
	t.updatedAt = time.Now()
}

// MarkCancelled sets status to cancelled and fires the cancel signal.
// Idempotent; the first reason wins.
func (t *Task) MarkCancelled(reason string) {
	t.cancelOnce.Do(func() {
		t.mu.Lock()
		t.status = StatusCancelled
		t.cancelReason = reason
		t.updatedAt = time.Now()
		t.mu.Unlock()
		close(t.cancelCh)
		t.logger.Info("task %s cancelled: %s", t.ID, reason)
	})
}

// Cancelled returns a channel closed when the task is cancelled.
func (t *Task) Cancelled() <-chan struct{} { return t.cancelCh }

// IsCancelled reports whether the cancel signal has fired.
func (t *Task) IsCancelled() bool {
	select {
	case <-t.cancelCh:
		return true
	default:
		return false
	}
}

// CancelReason returns the reason passed to MarkCancelled.
func (t *Task) CancelReason() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelReason
}

// Pause sets the pause flag. Agent loops block at their next safe point.
func (t *Task) Pause() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.paused {
		return
	}
	t.paused = true
	t.resumeCh = make(chan struct{})
	t.updatedAt = time.Now()
}

// Resume clears the pause flag and wakes blocked loops.
func (t *Task) Resume() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.paused {
		return
	}
	t.paused = false
	close(t.resumeCh)
	t.updatedAt = time.Now()
}

// Paused reports the pause flag.
func (t *Task) Paused() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.paused
}

// WaitResume blocks while paused, returning early on cancel or ctx done.
func (t *Task) WaitResume(ctx context.Context) error {
	t.mu.Lock()
	if !t.paused {
		t.mu.Unlock()
		return nil
	}
	resume := t.resumeCh
	t.mu.Unlock()

	select {
	case <-resume:
		return nil
	case <-t.cancelCh:
		return context.Canceled
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PutUserMessage queues a steering message. Returns false when the queue is
// full or the task is terminal.
func (t *Task) PutUserMessage(msg string) bool {
	if t.Status().Terminal() {
		return false
	}
	select {
	case t.steering <- msg:
		return true
	default:
		t.logger.Warn("steering queue full for task %s, rejecting message", t.ID)
		return false
	}
}

// GetUserMessage blocks until a steering message arrives, the timeout lapses
// (ok=false), or the task is cancelled (ok=false).
func (t *Task) GetUserMessage(timeout time.Duration) (string, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case msg := <-t.steering:
		return msg, true
	case <-t.cancelCh:
		return "", false
	case <-timer.C:
		return "", false
	}
}

// SteeringReady returns the steering channel for select-based waits. Readers
// must honor the single-consumer contract.
func (t *Task) SteeringReady() <-chan string { return t.steering }

// AwaitingHuman reports whether an agent is currently blocked on a human
// response. Routers use it to decide between the rendezvous and steering.
func (t *Task) AwaitingHuman() bool {
	return atomic.LoadInt32(&t.humanWaiters) > 0
}

// ProvideHumanResponse fills the single-slot ask_human rendezvous. At most
// one response is held; a second write while the slot is full is dropped.
func (t *Task) ProvideHumanResponse(text string) bool {
	select {
	case t.humanResp <- text:
		return true
	default:
		return false
	}
}

// WaitForHumanResponse blocks until a human response arrives or the timeout
// lapses.
func (t *Task) WaitForHumanResponse(timeout time.Duration) (string, bool) {
	atomic.AddInt32(&t.humanWaiters, 1)
	defer atomic.AddInt32(&t.humanWaiters, -1)

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp := <-t.humanResp:
		return resp, true
	case <-t.cancelCh:
		return "", false
	case <-timer.C:
		return "", false
	}
}

// AddConversation appends a turn to the conversation log.
func (t *Task) AddConversation(role, content string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conversation = append(t.conversation, ConversationEntry{
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	})
	t.updatedAt = time.Now()
}

// Conversation returns a copy of the conversation log.
func (t *Task) Conversation() []ConversationEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]ConversationEntry, len(t.conversation))
	copy(out, t.conversation)
	return out
}

// SetResult stores the accumulated result text.
func (t *Task) SetResult(result string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.result = result
	t.updatedAt = time.Now()
}

// AppendResult appends to the accumulated result text.
func (t *Task) AppendResult(result string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.result != "" {
		t.result += "\n"
	}
	t.result += result
	t.updatedAt = time.Now()
}

// Result returns the accumulated result text.
func (t *Task) Result() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result
}

// SetError records the task error text.
func (t *Task) SetError(errText string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.errText = errText
	t.updatedAt = time.Now()
}

// IncrementIterations bumps the loop-iteration counter.
func (t *Task) IncrementIterations() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.iterations++
}

// IncrementToolsCalled bumps the tools-called counter.
func (t *Task) IncrementToolsCalled() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.toolsCalled++
}

// SetSubtasks replaces the UI subtask projection.
func (t *Task) SetSubtasks(subtasks []event.SubtaskView) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subtasks = subtasks
	t.updatedAt = time.Now()
}

// Subtasks returns a copy of the UI subtask projection.
func (t *Task) Subtasks() []event.SubtaskView {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]event.SubtaskView, len(t.subtasks))
	copy(out, t.subtasks)
	return out
}

// DurationSeconds is updated_at - started_at, or updated_at - created_at
// when the task never started.
func (t *Task) DurationSeconds() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	start := t.startedAt
	if start.IsZero() {
		start = t.createdAt
	}
	return t.updatedAt.Sub(start).Seconds()
}

// UpdatedAt returns the last-modified timestamp.
func (t *Task) UpdatedAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.updatedAt
}

// CreatedAt returns the creation timestamp.
func (t *Task) CreatedAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.createdAt
}

const conversationPreviewLimit = 500

// ToJSON projects the task for list/detail endpoints. No secrets; bounded
// content previews.
func (t *Task) ToJSON() map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()

	conversation := make([]map[string]any, 0, len(t.conversation))
	for _, entry := range t.conversation {
		content := entry.Content
		if len(content) > conversationPreviewLimit {
			content = content[:conversationPreviewLimit] + "..."
		}
		conversation = append(conversation, map[string]any{
			"role":      entry.Role,
			"content":   content,
			"timestamp": entry.Timestamp.Format(time.RFC3339),
		})
	}

	start := t.startedAt
	if start.IsZero() {
		start = t.createdAt
	}

	return map[string]any{
		"task_id":      t.ID,
		"task":         t.Prompt,
		"status":       string(t.status),
		"created_at":   t.createdAt.Format(time.RFC3339),
		"updated_at":   t.updatedAt.Format(time.RFC3339),
		"duration":     t.updatedAt.Sub(start).Seconds(),
		"conversation": conversation,
		"result":       t.result,
		"error":        t.errText,
		"iterations":   t.iterations,
		"tools_called": t.toolsCalled,
		"subtasks":     t.subtasks,
	}
}
