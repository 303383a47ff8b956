package builtin

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"

	"ami/internal/errors"
	"ami/internal/event"
	"ami/internal/llm"
	"ami/internal/tool"
)

const (
	shellDefaultTimeout = 120 * time.Second
	shellMaxTimeout     = 600 * time.Second
)

// Shell runs a command in the task workspace through the configured shell.
type Shell struct {
	Workdir string
	Program string // e.g. /bin/bash; empty falls back to sh
	TaskID  string
	Emitter *event.Emitter
}

func (s *Shell) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        "shell",
		Description: "Run a shell command in the task workspace. Output is combined stdout and stderr.",
		Parameters: llm.ParameterSchema{
			Type: "object",
			Properties: map[string]llm.Property{
				"command": {Type: "string", Description: "The command to run"},
				"timeout": {Type: "integer", Description: "Timeout in seconds, default 120, max 600"},
			},
			Required: []string{"command"},
		},
	}
}

func (s *Shell) Label() string { return "Running command" }

func (s *Shell) Execute(ctx context.Context, _ string, params map[string]any) (*tool.Result, error) {
	command, ok := tool.StringParam(params, "command")
	if !ok || command == "" {
		return nil, errors.New(errors.KindInvalidInput, "shell requires a command")
	}

	timeout := time.Duration(tool.OptionalInt(params, "timeout", 0)) * time.Second
	if timeout <= 0 {
		timeout = shellDefaultTimeout
	}
	if timeout > shellMaxTimeout {
		timeout = shellMaxTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	program := s.Program
	if program == "" {
		program = "sh"
	}
	cmd := exec.CommandContext(ctx, program, "-c", command)
	cmd.Dir = s.Workdir

	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	runErr := cmd.Run()

	if s.Emitter != nil {
		ev := event.New(event.ActionTerminalOutput, s.TaskID)
		ev.Content = output.String()
		ev.Message = command
		s.Emitter.Emit(ev)
	}

	if ctx.Err() == context.DeadlineExceeded {
		return nil, errors.New(errors.KindTimeout, "command timed out after %s", timeout)
	}
	if runErr != nil {
		// Non-zero exit is a result for the model, not a protocol failure.
		return &tool.Result{Content: fmt.Sprintf("exit error: %v\n%s", runErr, output.String())}, nil
	}
	if output.Len() == 0 {
		return &tool.Result{Content: "(no output)"}, nil
	}
	return &tool.Result{Content: output.String()}, nil
}
