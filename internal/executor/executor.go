// Package executor runs a planned set of subtasks to completion: dependency
// ordering, per-subtask worker agents, retries, dynamic growth while running,
// and replanning of the not-yet-started remainder.
package executor

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"ami/internal/agent"
	"ami/internal/browser"
	"ami/internal/errors"
	"ami/internal/event"
	"ami/internal/llm"
	"ami/internal/logging"
	"ami/internal/memory"
	"ami/internal/planner"
	"ami/internal/task"
	"ami/internal/tool"
	"ami/internal/tool/builtin"
)

const (
	// maxRetries is how many times a failed subtask is retried with a
	// fresh conversation before it is marked failed.
	maxRetries = 2

	// depResultLimit bounds each dependency result block in a subtask
	// prompt.
	depResultLimit = 2048
)

const codeSystemPrompt = `You are a capable worker agent with file, shell and web tools, operating
inside a dedicated task workspace. Complete the assigned subtask and nothing
more. Save deliverables as files in the workspace. When finished, stop calling
tools and report concisely what you did and produced.`

// Config carries executor construction inputs.
type Config struct {
	Client       llm.Client
	Session      browser.Session // nil disables browser subtasks
	Memory       *memory.Client
	Shell        string
	MaxSteps     int
	MaxTokens    int
	ContextLimit int
}

// Executor drives one plan for one task.
type Executor struct {
	ID     string
	task   *task.Task
	config Config
	logger logging.Logger

	mu        sync.Mutex
	subtasks  []*planner.Subtask
	currentID string
	dynSeq    map[string]int
	handoffs  map[string]string
	worker    *agent.Agent
}

// New builds an executor over an already-produced plan.
func New(id string, t *task.Task, subtasks []*planner.Subtask, config Config) *Executor {
	return &Executor{
		ID:       id,
		task:     t,
		config:   config,
		logger:   logging.NewComponentLogger("Executor:" + id),
		subtasks: subtasks,
		dynSeq:   make(map[string]int),
		handoffs: make(map[string]string),
	}
}

// Subtasks returns a snapshot of the plan.
func (e *Executor) Subtasks() []*planner.Subtask {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*planner.Subtask(nil), e.subtasks...)
}

// Run executes subtasks until none can make progress. A failed subtask does
// not abort the plan: independent branches keep running, and only subtasks
// whose dependencies failed are skipped. The returned string is the result of
// the last completed subtask, the task's natural deliverable summary.
func (e *Executor) Run(ctx context.Context) (string, error) {
	started := event.New(event.ActionWorkforceStarted, e.task.ID)
	started.ExecutorID = e.ID
	e.task.Emitter.Emit(started)

	defer e.cleanupTabs()

	var lastResult string
	var failures []string
	for {
		if e.task.IsCancelled() {
			return "", errors.New(errors.KindCancelled, "task cancelled: %s", e.task.CancelReason())
		}
		if err := e.task.WaitResume(ctx); err != nil {
			return "", err
		}

		next := e.nextReady()
		if next == nil {
			if e.hasPending() && len(failures) == 0 {
				return "", errors.New(errors.KindInvalidInput, "plan deadlocked: pending subtasks with unmet dependencies")
			}
			break
		}

		result, err := e.runWithRetries(ctx, next)
		if err != nil {
			if errors.Is(err, errors.KindCancelled) {
				e.setState(next, planner.StateFailed)
				return "", err
			}
			e.failSubtask(next, err)
			failures = append(failures, fmt.Sprintf("subtask %s: %v", next.ID, err))
			failures = append(failures, e.failDependents(next.ID)...)
			continue
		}

		if summary, ok := e.takeHandoffSummary(next.ID); ok {
			result = summary
		}
		next.Result = result
		e.setState(next, planner.StateDone)
		lastResult = result

		completed := event.New(event.ActionWorkerCompleted, e.task.ID)
		completed.ExecutorID = e.ID
		completed.SubtaskID = next.ID
		completed.Content = result
		e.task.Emitter.Emit(completed)

		if next.AgentType == planner.AgentTypeBrowser {
			e.cleanupTabs()
		}
	}

	if len(failures) > 0 {
		return lastResult, errors.New(errors.KindToolFailure, "%d subtask(s) failed:\n%s",
			len(failures), strings.Join(failures, "\n"))
	}

	done := event.New(event.ActionWorkforceCompleted, e.task.ID)
	done.ExecutorID = e.ID
	done.Content = lastResult
	e.task.Emitter.Emit(done)
	return lastResult, nil
}

// failSubtask marks a subtask failed and reports it without stopping the run.
func (e *Executor) failSubtask(s *planner.Subtask, err error) {
	e.setState(s, planner.StateFailed)
	failed := event.New(event.ActionWorkerFailed, e.task.ID)
	failed.ExecutorID = e.ID
	failed.SubtaskID = s.ID
	failed.Error = err.Error()
	e.task.Emitter.Emit(failed)
}

// failDependents cascades a failure to every pending subtask that can no
// longer run because a transitive dependency failed.
func (e *Executor) failDependents(failedID string) []string {
	e.mu.Lock()
	failed := map[string]bool{failedID: true}
	for {
		grew := false
		for _, s := range e.subtasks {
			if s.State != planner.StatePending || failed[s.ID] {
				continue
			}
			for _, dep := range s.DependsOn {
				if failed[dep] {
					failed[s.ID] = true
					grew = true
					break
				}
			}
		}
		if !grew {
			break
		}
	}
	var blocked []*planner.Subtask
	for _, s := range e.subtasks {
		if s.State == planner.StatePending && failed[s.ID] {
			blocked = append(blocked, s)
		}
	}
	e.mu.Unlock()

	var reasons []string
	for _, s := range blocked {
		err := errors.New(errors.KindToolFailure, "dependency failed")
		e.failSubtask(s, err)
		reasons = append(reasons, fmt.Sprintf("subtask %s: skipped, dependency of failed subtask %s", s.ID, failedID))
	}
	return reasons
}

func (e *Executor) setHandoffSummary(subtaskID, summary string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handoffs[subtaskID] = summary
}

func (e *Executor) takeHandoffSummary(subtaskID string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	summary, ok := e.handoffs[subtaskID]
	delete(e.handoffs, subtaskID)
	return summary, ok
}

// InjectMessage hands a mid-flight user message to the worker currently
// running. Returns false when no worker is active.
func (e *Executor) InjectMessage(message string) bool {
	e.mu.Lock()
	worker := e.worker
	e.mu.Unlock()
	if worker == nil {
		return false
	}
	return worker.Steer(message)
}

func (e *Executor) setWorker(w *agent.Agent) {
	e.mu.Lock()
	e.worker = w
	e.mu.Unlock()
}

// nextReady picks the first pending subtask whose dependencies are all done,
// in plan order.
func (e *Executor) nextReady() *planner.Subtask {
	e.mu.Lock()
	defer e.mu.Unlock()

	done := make(map[string]bool, len(e.subtasks))
	for _, s := range e.subtasks {
		if s.State == planner.StateDone {
			done[s.ID] = true
		}
	}
outer:
	for _, s := range e.subtasks {
		if s.State != planner.StatePending {
			continue
		}
		for _, dep := range s.DependsOn {
			if !done[dep] {
				continue outer
			}
		}
		return s
	}
	return nil
}

func (e *Executor) hasPending() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range e.subtasks {
		if s.State == planner.StatePending {
			return true
		}
	}
	return false
}

func (e *Executor) setState(s *planner.Subtask, state string) {
	e.mu.Lock()
	s.State = state
	if state == planner.StateRunning {
		e.currentID = s.ID
	} else if e.currentID == s.ID {
		e.currentID = ""
	}
	views := planner.Views(e.subtasks)
	e.mu.Unlock()

	e.task.SetSubtasks(views)
	ev := event.New(event.ActionSubtaskState, e.task.ID)
	ev.ExecutorID = e.ID
	ev.SubtaskID = s.ID
	ev.Status = state
	ev.Subtasks = views
	e.task.Emitter.Emit(ev)
}

// runWithRetries attempts one subtask, retrying transient-looking failures
// with a fresh conversation.
func (e *Executor) runWithRetries(ctx context.Context, s *planner.Subtask) (string, error) {
	e.setState(s, planner.StateRunning)

	started := event.New(event.ActionWorkerStarted, e.task.ID)
	started.ExecutorID = e.ID
	started.SubtaskID = s.ID
	started.AgentName = s.AgentType
	started.Content = s.Content
	e.task.Emitter.Emit(started)

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if e.task.IsCancelled() {
			return "", errors.New(errors.KindCancelled, "task cancelled: %s", e.task.CancelReason())
		}
		if attempt > 0 {
			s.RetryCount = attempt
			e.logger.Warn("subtask %s attempt %d after: %v", s.ID, attempt+1, lastErr)
		}

		result, err := e.runOnce(ctx, s)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if errors.Is(err, errors.KindCancelled) {
			return "", err
		}
	}
	return "", errors.New(errors.KindToolFailure, "subtask %s failed after %d attempts: %v", s.ID, maxRetries+1, lastErr)
}

// runOnce builds the agent for one subtask attempt and runs it. Browser
// subtasks get the browser worker; document, code and multi_modal subtasks
// share the code toolset under their own agent name.
func (e *Executor) runOnce(ctx context.Context, s *planner.Subtask) (string, error) {
	prompt := e.buildPrompt(s)
	opts := []agent.Option{
		agent.WithMaxSteps(e.config.MaxSteps),
		agent.WithMaxTokens(e.config.MaxTokens),
		agent.WithContextLimit(e.config.ContextLimit),
	}

	if s.AgentType == planner.AgentTypeBrowser && e.config.Session != nil {
		recorder := memory.NewRecorder(e.config.Memory, e.task.ID, s.ID)
		observer := func(toolName, input, outcome string) {
			if strings.HasPrefix(toolName, "browser_") {
				recorder.RecordAction(toolName, input, outcome)
			}
		}
		worker := agent.NewBrowserAgent(e.config.Client, e.config.Session, e.task, e.config.Memory, s.WorkflowGuide,
			append(opts, agent.WithObserver(observer))...)
		e.installReplanTools(worker.Tools(), s)

		e.setWorker(worker.Agent)
		defer e.setWorker(nil)

		result, err := worker.Run(ctx, e.task, prompt)
		recorder.Flush(ctx, err == nil)
		return result, err
	}

	worker := agent.New(s.AgentType, e.config.Client, e.codeTools(), codeSystemPrompt, opts...)
	e.installReplanTools(worker.Tools(), s)

	e.setWorker(worker)
	defer e.setWorker(nil)
	return worker.Run(ctx, e.task, prompt)
}

func (e *Executor) codeTools() *tool.Set {
	workdir := e.task.Workspace
	return tool.NewSet(
		&builtin.FileRead{Workdir: workdir},
		&builtin.FileWrite{Workdir: workdir, TaskID: e.task.ID, Emitter: e.task.Emitter},
		&builtin.FileEdit{Workdir: workdir},
		&builtin.ListFiles{Workdir: workdir},
		&builtin.Shell{Workdir: workdir, Program: e.config.Shell, TaskID: e.task.ID, Emitter: e.task.Emitter},
		&builtin.WebFetch{},
		&builtin.WebSearch{},
		&builtin.AskHuman{Task: e.task},
	)
}

// buildPrompt assembles the worker prompt: the original request for context,
// the subtask itself, its workflow guide, and the results of its
// dependencies.
func (e *Executor) buildPrompt(s *planner.Subtask) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Original request:\n%s\n\n", e.task.Prompt)
	fmt.Fprintf(&b, "Your task:\n%s\n", s.Content)

	if s.WorkflowGuide != "" {
		fmt.Fprintf(&b, "\nWorkflow guide from previous successful runs. FOLLOW THESE STEPS:\n%s\n", s.WorkflowGuide)
	}

	e.mu.Lock()
	byID := make(map[string]*planner.Subtask, len(e.subtasks))
	for _, sub := range e.subtasks {
		byID[sub.ID] = sub
	}
	e.mu.Unlock()

	for _, dep := range s.DependsOn {
		depTask, ok := byID[dep]
		if !ok || depTask.Result == "" {
			continue
		}
		result := depTask.Result
		if len(result) > depResultLimit {
			result = result[:depResultLimit] + "\n[Truncated]"
		}
		fmt.Fprintf(&b, "\nResult of subtask %s (%s):\n%s\n", dep, depTask.Content, result)
	}

	b.WriteString("\nIf this task turns out to be much larger than described, use " +
		"replan_review_context and replan_split_and_handoff to split it instead of grinding on.")
	return b.String()
}

// unionDeps merges inherited and declared dependencies, order-preserving and
// deduplicated.
func unionDeps(inherited []string, afterID string, declared []string) []string {
	seen := make(map[string]bool)
	var deps []string
	for _, group := range [][]string{inherited, {afterID}, declared} {
		for _, dep := range group {
			if dep == "" || seen[dep] {
				continue
			}
			seen[dep] = true
			deps = append(deps, dep)
		}
	}
	return deps
}

func (e *Executor) cleanupTabs() {
	if e.config.Session == nil {
		return
	}
	if err := e.config.Session.CloseTaskTabs(context.Background(), e.task.ID); err != nil {
		e.logger.Warn("closing task tabs: %v", err)
	}
}

// AddSubtasksAsync inserts new subtasks right after the one currently
// running. They inherit its workflow guide and memory level, and their
// dependencies are the union of the spawning subtask's dependencies, the
// spawning subtask itself, and anything they declare: a split-off subtask
// must never start before the work it was split from.
func (e *Executor) AddSubtasksAsync(after *planner.Subtask, additions []*planner.Subtask) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	existing := make(map[string]bool, len(e.subtasks))
	for _, s := range e.subtasks {
		existing[s.ID] = true
	}
	for _, add := range additions {
		if add.ID == "" || existing[add.ID] {
			return errors.New(errors.KindInvalidInput, "duplicate or empty subtask id %q", add.ID)
		}
		existing[add.ID] = true
		if add.State == "" {
			add.State = planner.StatePending
		}
		add.DependsOn = unionDeps(after.DependsOn, after.ID, add.DependsOn)
		if add.WorkflowGuide == "" {
			add.WorkflowGuide = after.WorkflowGuide
		}
		add.MemoryLevel = after.MemoryLevel
	}

	insertAt := len(e.subtasks)
	for i, s := range e.subtasks {
		if s.ID == after.ID {
			insertAt = i + 1
			break
		}
	}
	grown := make([]*planner.Subtask, 0, len(e.subtasks)+len(additions))
	grown = append(grown, e.subtasks[:insertAt]...)
	grown = append(grown, additions...)
	grown = append(grown, e.subtasks[insertAt:]...)
	e.subtasks = grown

	views := planner.Views(e.subtasks)
	e.task.SetSubtasks(views)
	ev := event.New(event.ActionDynamicTasksAdded, e.task.ID)
	ev.ExecutorID = e.ID
	ev.SubtaskID = after.ID
	ev.Subtasks = views
	e.task.Emitter.Emit(ev)
	return nil
}

// ReplanSubtasks swaps the pending remainder of the plan for a new outline.
// The task must be paused: replanning under a running worker would race its
// dependency reads. Completed and running subtasks are kept untouched.
func (e *Executor) ReplanSubtasks(replacement []*planner.Subtask) error {
	if !e.task.Paused() {
		return errors.New(errors.KindInvalidInput, "pause the task before replanning")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var kept []*planner.Subtask
	known := make(map[string]bool)
	for _, s := range e.subtasks {
		if s.State != planner.StatePending {
			kept = append(kept, s)
			known[s.ID] = true
		}
	}
	for _, s := range replacement {
		if s.ID == "" || known[s.ID] {
			return errors.New(errors.KindInvalidInput, "duplicate or empty subtask id %q", s.ID)
		}
		known[s.ID] = true
		s.State = planner.StatePending
	}
	for _, s := range replacement {
		for _, dep := range s.DependsOn {
			if !known[dep] {
				return errors.New(errors.KindInvalidInput, "subtask %s depends on unknown %q", s.ID, dep)
			}
		}
	}

	e.subtasks = append(kept, replacement...)

	views := planner.Views(e.subtasks)
	e.task.SetSubtasks(views)
	ev := event.New(event.ActionTaskReplanned, e.task.ID)
	ev.ExecutorID = e.ID
	ev.Subtasks = views
	e.task.Emitter.Emit(ev)
	return nil
}
