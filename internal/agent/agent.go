// Package agent implements the multi-turn tool-calling loop: one model
// conversation advancing through think, act, observe steps until the model
// stops calling tools or a limit intervenes.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"ami/internal/errors"
	"ami/internal/event"
	"ami/internal/llm"
	"ami/internal/logging"
	"ami/internal/task"
	"ami/internal/token"
	"ami/internal/tool"
)

const (
	defaultMaxSteps = 50

	// contextCeiling triggers truncation; contextFloor is the target after
	// truncating. Old tool results are blanked in place, never removed, so
	// call/result pairing stays intact.
	contextCeiling = 180000
	contextFloor   = 150000

	// steeringQueueSize bounds pending mid-run user messages per agent.
	steeringQueueSize = 128
)

// Observer sees every tool execution. The browser agent wires a behavior
// recorder through this.
type Observer func(toolName, input, outcome string)

// Agent runs one conversation against an LLM with a tool set.
type Agent struct {
	Name string

	client       llm.Client
	tools        *tool.Set
	systemPrompt string
	maxSteps     int
	maxTokens    int
	contextLimit int
	observer     Observer
	logger       logging.Logger

	messages []llm.Message

	injectMu sync.Mutex
	steering []string
	notes    []string
}

// Option tweaks agent construction.
type Option func(*Agent)

func WithMaxSteps(n int) Option {
	return func(a *Agent) {
		if n > 0 {
			a.maxSteps = n
		}
	}
}

func WithContextLimit(n int) Option {
	return func(a *Agent) {
		if n > 0 {
			a.contextLimit = n
		}
	}
}

// WithMaxTokens caps the model's per-completion output tokens. Zero leaves
// the provider default in place.
func WithMaxTokens(n int) Option {
	return func(a *Agent) {
		if n > 0 {
			a.maxTokens = n
		}
	}
}

func WithObserver(o Observer) Option {
	return func(a *Agent) { a.observer = o }
}

// New builds an agent. The tool set is owned by the agent; callers keep a
// reference when they need to install subtask-scoped tools.
func New(name string, client llm.Client, tools *tool.Set, systemPrompt string, opts ...Option) *Agent {
	a := &Agent{
		Name:         name,
		client:       client,
		tools:        tools,
		systemPrompt: systemPrompt,
		maxSteps:     defaultMaxSteps,
		contextLimit: contextCeiling,
		logger:       logging.NewComponentLogger("Agent:" + name),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Tools exposes the agent's tool set for subtask-scoped installs.
func (a *Agent) Tools() *tool.Set { return a.tools }

// Reset clears the conversation so the agent can serve another subtask.
func (a *Agent) Reset() {
	a.messages = nil
	a.injectMu.Lock()
	a.steering = nil
	a.notes = nil
	a.injectMu.Unlock()
}

// Steer queues a mid-run user message for injection before the next model
// call. Returns false when the queue is full.
func (a *Agent) Steer(message string) bool {
	a.injectMu.Lock()
	defer a.injectMu.Unlock()
	if len(a.steering) >= steeringQueueSize {
		return false
	}
	a.steering = append(a.steering, message)
	return true
}

// PushNote queues system-originated context (memory lookups, page knowledge)
// for injection before the next model call.
func (a *Agent) PushNote(text string) {
	if text == "" {
		return
	}
	a.injectMu.Lock()
	a.notes = append(a.notes, text)
	a.injectMu.Unlock()
}

func (a *Agent) drainInjected() (steering, notes []string) {
	a.injectMu.Lock()
	steering, notes = a.steering, a.notes
	a.steering, a.notes = nil, nil
	a.injectMu.Unlock()
	return steering, notes
}

// Clone returns an agent with the same configuration, a cloned tool set and
// an empty conversation.
func (a *Agent) Clone() *Agent {
	return &Agent{
		Name:         a.Name,
		client:       a.client,
		tools:        a.tools.Clone(),
		systemPrompt: a.systemPrompt,
		maxSteps:     a.maxSteps,
		maxTokens:    a.maxTokens,
		contextLimit: a.contextLimit,
		observer:     a.observer,
		logger:       a.logger,
	}
}

// Run drives the loop for one prompt and returns the model's final text.
// Steering messages queued on the task are injected between steps; pause
// blocks between steps; cancellation aborts before each model call.
func (a *Agent) Run(ctx context.Context, t *task.Task, prompt string) (string, error) {
	a.messages = append(a.messages, llm.Message{Role: "user", Content: prompt})

	ev := event.New(event.ActionActivateAgent, t.ID)
	ev.AgentName = a.Name
	t.Emitter.Emit(ev)
	defer func() {
		ev := event.New(event.ActionDeactivateAgent, t.ID)
		ev.AgentName = a.Name
		t.Emitter.Emit(ev)
	}()

	for step := 0; step < a.maxSteps; step++ {
		if t.IsCancelled() {
			return "", errors.New(errors.KindCancelled, "task cancelled: %s", t.CancelReason())
		}
		if err := t.WaitResume(ctx); err != nil {
			return "", err
		}

		// Steering arrives mid-run as extra user guidance; it joins the
		// conversation, it never replaces it. Notes are system-originated
		// context and travel the same way.
		steering, notes := a.drainInjected()
		for _, msg := range steering {
			a.logger.Info("injecting steering message (%d chars)", len(msg))
			a.messages = append(a.messages, llm.Message{
				Role:    "user",
				Content: "Additional instruction from the user:\n" + msg,
			})
		}
		for _, note := range notes {
			a.messages = append(a.messages, llm.Message{Role: "user", Content: note})
		}

		a.truncateIfNeeded()

		resp, err := a.client.Complete(ctx, llm.CompletionRequest{
			System:    a.systemPrompt,
			Messages:  a.messages,
			Tools:     a.tools.Definitions(),
			MaxTokens: a.maxTokens,
		})
		if err != nil {
			return "", err
		}
		t.IncrementIterations()

		a.messages = append(a.messages, llm.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		if len(resp.ToolCalls) == 0 {
			return resp.Content, nil
		}

		results := make([]llm.ToolResult, 0, len(resp.ToolCalls))
		for _, call := range resp.ToolCalls {
			results = append(results, a.dispatch(ctx, t, call))
			t.IncrementToolsCalled()
		}
		// All results of a step travel in one turn, keeping the
		// call/result correspondence the providers require.
		a.messages = append(a.messages, llm.Message{Role: "tool", ToolResults: results})
	}

	return "", errors.New(errors.KindStepLimit, "agent %s exceeded %d steps", a.Name, a.maxSteps)
}

// dispatch executes one tool call. Tool errors become error results for the
// model; only cancellation escapes as a real error path via the next step's
// cancel check.
func (a *Agent) dispatch(ctx context.Context, t *task.Task, call llm.ToolCall) llm.ToolResult {
	input, _ := json.Marshal(call.Arguments)

	impl, err := a.tools.Get(call.Name)
	if err != nil {
		return llm.ToolResult{CallID: call.ID, Content: fmt.Sprintf("Error: unknown tool %q", call.Name), IsError: true}
	}

	ev := event.New(event.ActionActivateToolkit, t.ID)
	ev.AgentName = a.Name
	ev.ToolName = call.Name
	ev.Message = impl.Label()
	ev.ToolInput = input
	t.Emitter.Emit(ev)

	result, err := impl.Execute(ctx, call.ID, call.Arguments)

	done := event.New(event.ActionDeactivateToolkit, t.ID)
	done.AgentName = a.Name
	done.ToolName = call.Name
	if err != nil {
		done.Status = "error"
		done.Error = err.Error()
	} else {
		done.Status = "ok"
	}
	t.Emitter.Emit(done)

	if err != nil {
		a.logger.Warn("tool %s failed: %v", call.Name, err)
		outcome := fmt.Sprintf("Error: %v", err)
		if a.observer != nil {
			a.observer(call.Name, string(input), outcome)
		}
		return llm.ToolResult{CallID: call.ID, Content: outcome, IsError: true}
	}

	content := tool.Truncate(result.Content)
	if a.observer != nil {
		a.observer(call.Name, string(input), content)
	}
	return llm.ToolResult{CallID: call.ID, Content: content, ImageData: result.ImageData}
}

// truncateIfNeeded blanks the oldest tool results in place when the
// conversation exceeds the context ceiling, stopping once it fits under the
// floor. Messages are never removed.
func (a *Agent) truncateIfNeeded() {
	total := a.conversationTokens()
	if total <= a.contextLimit {
		return
	}
	a.logger.Warn("conversation at %d tokens, truncating old tool results", total)

	// The floor keeps its ratio to the ceiling when the limit is overridden.
	floor := a.contextLimit * contextFloor / contextCeiling

	for i := range a.messages {
		if total <= floor {
			break
		}
		msg := &a.messages[i]
		if msg.Role != "tool" {
			continue
		}
		for j := range msg.ToolResults {
			r := &msg.ToolResults[j]
			if r.Content == tool.TruncatedMarker && r.ImageData == "" {
				continue
			}
			total -= token.CountTokens(r.Content)
			r.Content = tool.TruncatedMarker
			r.ImageData = ""
			total += token.CountTokens(r.Content)
			if total <= floor {
				break
			}
		}
	}
}

func (a *Agent) conversationTokens() int {
	total := token.CountTokens(a.systemPrompt)
	for _, msg := range a.messages {
		total += token.CountTokens(msg.Content)
		for _, r := range msg.ToolResults {
			total += token.CountTokens(r.Content)
		}
		for _, c := range msg.ToolCalls {
			args, _ := json.Marshal(c.Arguments)
			total += token.CountTokens(string(args))
		}
	}
	return total
}

// Messages exposes the conversation for tests and context inspection.
func (a *Agent) Messages() []llm.Message { return a.messages }
