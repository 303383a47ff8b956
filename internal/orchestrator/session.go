// Package orchestrator runs the conversational session wrapped around a
// task: a model-driven front desk that decides whether a user message starts
// an execution, steers one, cancels it, replans it, or just deserves an
// answer.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"ami/internal/errors"
	"ami/internal/event"
	"ami/internal/executor"
	"ami/internal/llm"
	"ami/internal/logging"
	"ami/internal/planner"
	"ami/internal/task"
)

const (
	// idleTimeout ends a session nobody is talking to.
	idleTimeout = 30 * time.Minute

	// previewLimit bounds execution summaries injected into the session
	// conversation.
	previewLimit = 500

	// labelLimit bounds the short execution label shown in events.
	labelLimit = 20

	maxSessionSteps = 50
)

const sessionSystemPrompt = `You are the session coordinator for a task automation daemon. The user
talks to you; workers do the actual browsing, shell and file work.

Decide what each user message means:
- A new actionable request: call decompose_task with a self-contained prompt.
- Guidance for work already running: call inject_message.
- A request to stop the current execution: call cancel_task.
- A request to change the remaining plan of the current execution: call
  replan_task with a JSON array of new subtasks.
- Sharing a produced file with the user: call attach_file.
- Anything else (questions, small talk, status): answer directly in text.

Only one execution runs at a time. When you receive an [EXECUTION COMPLETE]
message, summarize the outcome for the user in plain language.`

// Deps carries session construction inputs.
type Deps struct {
	Client   llm.Client
	Planner  *planner.Planner
	Executor executor.Config
}

type execution struct {
	id     string
	exec   *executor.Executor
	cancel context.CancelFunc
}

// Session is one conversational session over one task.
type Session struct {
	task   *task.Task
	deps   Deps
	logger logging.Logger

	mu          sync.Mutex
	running     *execution
	execSeq     int
	attachments []event.FileAttachment

	messages  []llm.Message
	completed chan string // [EXECUTION COMPLETE] blocks
	group     *errgroup.Group
}

// NewSession builds a session for a task.
func NewSession(t *task.Task, deps Deps) *Session {
	return &Session{
		task:      t,
		deps:      deps,
		logger:    logging.NewComponentLogger("Session:" + t.ID),
		completed: make(chan string, 8),
	}
}

// Run drives the session until cancellation, idle timeout, or context end.
// It always emits a terminal event before returning.
func (s *Session) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)
	s.group = group
	defer s.finish()

	// The task prompt is the first user message.
	next := s.task.Prompt
	s.task.SetStatus(task.StatusRunning)

	for {
		if s.task.IsCancelled() {
			return nil
		}

		reply, err := s.converse(ctx, next)
		if err != nil {
			if errors.Is(err, errors.KindCancelled) {
				return nil
			}
			s.task.SetError(err.Error())
			return err
		}
		if reply != "" {
			s.task.AddConversation("assistant", reply)
			s.emitReport(reply)
		}

		stimulus, ok := s.waitForStimulus(ctx)
		if !ok {
			return nil
		}
		next = stimulus
	}
}

// converse runs the coordinator conversation until the model stops calling
// tools, returning its final text.
func (s *Session) converse(ctx context.Context, userMessage string) (string, error) {
	s.task.AddConversation("user", userMessage)
	content := s.contextRefresh() + userMessage
	s.messages = append(s.messages, llm.Message{Role: "user", Content: content})

	for step := 0; step < maxSessionSteps; step++ {
		if s.task.IsCancelled() {
			return "", errors.New(errors.KindCancelled, "session cancelled")
		}

		resp, err := s.deps.Client.Complete(ctx, llm.CompletionRequest{
			System:   sessionSystemPrompt,
			Messages: s.messages,
			Tools:    sessionToolDefinitions(),
		})
		if err != nil {
			return "", err
		}
		s.messages = append(s.messages, llm.Message{
			Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls,
		})
		if len(resp.ToolCalls) == 0 {
			return resp.Content, nil
		}

		results := make([]llm.ToolResult, 0, len(resp.ToolCalls))
		for _, call := range resp.ToolCalls {
			outcome := s.dispatch(ctx, call)
			results = append(results, llm.ToolResult{CallID: call.ID, Content: outcome})
		}
		s.messages = append(s.messages, llm.Message{Role: "tool", ToolResults: results})
	}
	return "", errors.New(errors.KindStepLimit, "session exceeded %d coordination steps", maxSessionSteps)
}

// waitForStimulus blocks until the next thing worth waking the coordinator
// for: a user message, a completed execution, or nothing for too long.
func (s *Session) waitForStimulus(ctx context.Context) (string, bool) {
	idle := time.NewTimer(idleTimeout)
	defer idle.Stop()

	// Ready deliverables go out before blocking: the user decides what
	// happens next. With no execution in flight, the session is waiting on
	// the user.
	s.emitWaitConfirm()
	if s.current() == nil && !s.task.Status().Terminal() {
		s.task.SetStatus(task.StatusWaiting)
	}

	// User messages always reach the coordinator, execution in flight or
	// not: it decides whether to answer or inject them into the running
	// worker.
	select {
	case <-ctx.Done():
		return "", false
	case <-s.task.Cancelled():
		return "", false
	case block := <-s.completed:
		s.task.SetStatus(task.StatusRunning)
		return block, true
	case msg := <-s.task.SteeringReady():
		s.task.SetStatus(task.StatusRunning)
		return msg, true
	case <-idle.C:
		s.logger.Info("session idle for %s, closing", idleTimeout)
		return "", false
	}
}

// contextRefresh renders the live execution state ahead of each user turn so
// the coordinator never reasons over a stale plan.
func (s *Session) contextRefresh() string {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if running == nil {
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[Current execution %s]\n", running.id)
	for _, sub := range running.exec.Subtasks() {
		marker := ".."
		switch sub.State {
		case planner.StateDone:
			marker = "OK"
		case planner.StateRunning:
			marker = ">>"
		case planner.StateFailed:
			marker = "XX"
		}
		fmt.Fprintf(&b, "[%s] %s: %s\n", marker, sub.ID, preview(sub.Content, 80))
	}
	b.WriteString("\n")
	return b.String()
}

// launch starts an executor for a freshly planned prompt. One at a time: the
// page pool and the workspace are not partitioned between executions.
func (s *Session) launch(ctx context.Context, prompt string) (string, error) {
	s.mu.Lock()
	if s.running != nil {
		s.mu.Unlock()
		return "", errors.New(errors.KindInvalidInput, "an execution is already in progress; steer it with inject_message or cancel it first")
	}
	s.execSeq++
	id := fmt.Sprintf("exec_%d", s.execSeq)
	s.mu.Unlock()

	subtasks, err := s.deps.Planner.Plan(ctx, s.task, prompt)
	if err != nil {
		return "", err
	}

	exec := executor.New(id, s.task, subtasks, s.deps.Executor)
	runCtx, cancel := context.WithCancel(ctx)
	run := &execution{id: id, exec: exec, cancel: cancel}

	s.mu.Lock()
	s.running = run
	s.mu.Unlock()

	views := planner.Views(subtasks)
	s.task.SetSubtasks(views)
	decomposed := event.New(event.ActionTaskDecomposed, s.task.ID)
	decomposed.ExecutorID = id
	decomposed.Subtasks = views
	s.task.Emitter.Emit(decomposed)

	label := preview(prompt, labelLimit)
	ev := event.New(event.ActionNotice, s.task.ID)
	ev.ExecutorID = id
	ev.TaskLabel = label
	ev.Message = "execution started"
	s.task.Emitter.Emit(ev)

	s.group.Go(func() error {
		result, err := exec.Run(runCtx)
		cancel()

		s.mu.Lock()
		if s.running == run {
			s.running = nil
		}
		s.mu.Unlock()

		var block string
		if err != nil {
			block = fmt.Sprintf("[EXECUTION COMPLETE] %s failed: %s", id, preview(err.Error(), previewLimit))
		} else {
			s.task.AppendResult(result)
			block = fmt.Sprintf("[EXECUTION COMPLETE] %s succeeded. Result:\n%s", id, preview(result, previewLimit))
		}
		select {
		case s.completed <- block:
		default:
			s.logger.Warn("completion queue full, dropping block for %s", id)
		}
		return nil
	})

	return id, nil
}

// current returns the running execution, if any.
func (s *Session) current() *execution {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// emitWaitConfirm surfaces the latest answer and workspace deliverables when
// no execution is running.
func (s *Session) emitWaitConfirm() {
	if s.current() != nil {
		return
	}
	s.mu.Lock()
	attachments := append([]event.FileAttachment(nil), s.attachments...)
	s.mu.Unlock()

	ev := event.New(event.ActionWaitConfirm, s.task.ID)
	ev.Message = "waiting for user input"
	ev.Attachments = attachments
	s.task.Emitter.Emit(ev)
}

func (s *Session) emitReport(text string) {
	ev := event.New(event.ActionAgentReport, s.task.ID)
	ev.Content = text
	s.task.Emitter.Emit(ev)
}

// finish cancels any live execution, waits for it, and closes the stream
// with a terminal event.
func (s *Session) finish() {
	if run := s.current(); run != nil {
		run.cancel()
	}
	if s.group != nil {
		_ = s.group.Wait()
	}

	status := s.task.Status()
	if !status.Terminal() {
		if s.task.IsCancelled() {
			s.task.SetStatus(task.StatusCancelled)
		} else {
			s.task.SetStatus(task.StatusCompleted)
		}
	}

	ev := event.New(event.ActionEnd, s.task.ID)
	ev.Status = string(s.task.Status())
	ev.Content = s.task.Result()
	s.task.Emitter.Emit(ev)
}

// registerAttachment records a workspace file as a deliverable.
func (s *Session) registerAttachment(path string) (event.FileAttachment, error) {
	resolved := path
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(s.task.Workspace, path)
	}
	rel, err := filepath.Rel(s.task.Workspace, resolved)
	if err != nil || strings.HasPrefix(rel, "..") {
		return event.FileAttachment{}, errors.New(errors.KindPathTraversal, "attachment %q is outside the workspace", path)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return event.FileAttachment{}, errors.Wrap(errors.KindNotFound, err)
	}

	attachment := event.FileAttachment{
		FileName: filepath.Base(resolved),
		FilePath: resolved,
		Size:     info.Size(),
		MimeType: mimeByExtension(resolved),
	}
	s.mu.Lock()
	s.attachments = append(s.attachments, attachment)
	s.mu.Unlock()
	return attachment, nil
}

func mimeByExtension(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".txt":
		return "text/plain"
	case ".json":
		return "application/json"
	case ".csv":
		return "text/csv"
	case ".html":
		return "text/html"
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".pdf":
		return "application/pdf"
	default:
		return "application/octet-stream"
	}
}

func preview(s string, limit int) string {
	s = strings.TrimSpace(strings.ReplaceAll(s, "\n", " "))
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
