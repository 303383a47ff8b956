package builtin

import (
	"context"
	"time"

	"ami/internal/errors"
	"ami/internal/event"
	"ami/internal/llm"
	"ami/internal/task"
	"ami/internal/tool"
)

// humanResponseTimeout is how long a blocked agent waits for the human before
// proceeding on its own.
const humanResponseTimeout = 300 * time.Second

// AskHuman escalates a question to the human operator. It emits a
// wait_confirm event and blocks on the task's single-slot response
// rendezvous.
type AskHuman struct {
	Task *task.Task
}

func (a *AskHuman) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        "ask_human",
		Description: "Ask the human operator a question and wait for their reply. Use only when blocked on information or a decision you cannot resolve yourself.",
		Parameters: llm.ParameterSchema{
			Type: "object",
			Properties: map[string]llm.Property{
				"question": {Type: "string", Description: "The question for the human"},
				"context":  {Type: "string", Description: "Short context explaining why you are asking"},
			},
			Required: []string{"question"},
		},
	}
}

func (a *AskHuman) Label() string { return "Asking human" }

func (a *AskHuman) Execute(ctx context.Context, _ string, params map[string]any) (*tool.Result, error) {
	question, ok := tool.StringParam(params, "question")
	if !ok || question == "" {
		return nil, errors.New(errors.KindInvalidInput, "ask_human requires a question")
	}

	ev := event.New(event.ActionWaitConfirm, a.Task.ID)
	ev.Question = question
	ev.Context = tool.OptionalString(params, "context", "")
	a.Task.Emitter.Emit(ev)

	type answer struct {
		text string
		ok   bool
	}
	got := make(chan answer, 1)
	go func() {
		text, ok := a.Task.WaitForHumanResponse(humanResponseTimeout)
		got <- answer{text, ok}
	}()

	select {
	case <-ctx.Done():
		return nil, errors.Wrap(errors.KindCancelled, ctx.Err())
	case ans := <-got:
		if !ans.ok {
			return &tool.Result{Content: "Human did not respond within 300 seconds. Proceed with your best judgment."}, nil
		}
		return &tool.Result{Content: ans.text}, nil
	}
}
