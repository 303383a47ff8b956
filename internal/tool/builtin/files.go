// Package builtin holds the daemon's built-in tools: workspace file access,
// shell execution, human escalation, web retrieval, and browser actions.
package builtin

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"ami/internal/errors"
	"ami/internal/event"
	"ami/internal/llm"
	"ami/internal/tool"
)

// FileRead reads a file inside the task workspace.
type FileRead struct {
	Workdir string
}

func (f *FileRead) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        "file_read",
		Description: "Read a text file from the task workspace. Paths are relative to the workspace root.",
		Parameters: llm.ParameterSchema{
			Type: "object",
			Properties: map[string]llm.Property{
				"path": {Type: "string", Description: "File path relative to the workspace"},
			},
			Required: []string{"path"},
		},
	}
}

func (f *FileRead) Label() string { return "Reading file" }

func (f *FileRead) Execute(_ context.Context, _ string, params map[string]any) (*tool.Result, error) {
	path, ok := tool.StringParam(params, "path")
	if !ok {
		return nil, errors.New(errors.KindInvalidInput, "file_read requires a path")
	}
	resolved, err := tool.ResolvePath(f.Workdir, path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, errors.Wrap(errors.KindToolFailure, err)
	}
	return &tool.Result{Content: string(data)}, nil
}

// FileWrite creates or overwrites a file inside the task workspace and
// announces the write on the event stream so UIs can surface deliverables.
type FileWrite struct {
	Workdir string
	TaskID  string
	Emitter *event.Emitter
}

func (f *FileWrite) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        "file_write",
		Description: "Write content to a file in the task workspace, creating parent directories as needed. Overwrites existing files.",
		Parameters: llm.ParameterSchema{
			Type: "object",
			Properties: map[string]llm.Property{
				"path":    {Type: "string", Description: "File path relative to the workspace"},
				"content": {Type: "string", Description: "Full file content"},
			},
			Required: []string{"path", "content"},
		},
	}
}

func (f *FileWrite) Label() string { return "Writing file" }

func (f *FileWrite) Execute(_ context.Context, _ string, params map[string]any) (*tool.Result, error) {
	path, ok := tool.StringParam(params, "path")
	if !ok {
		return nil, errors.New(errors.KindInvalidInput, "file_write requires a path")
	}
	content, ok := tool.StringParam(params, "content")
	if !ok {
		return nil, errors.New(errors.KindInvalidInput, "file_write requires content")
	}
	resolved, err := tool.ResolvePath(f.Workdir, path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return nil, errors.Wrap(errors.KindToolFailure, err)
	}
	if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
		return nil, errors.Wrap(errors.KindToolFailure, err)
	}

	if f.Emitter != nil {
		ev := event.New(event.ActionWriteFile, f.TaskID)
		ev.FileName = filepath.Base(resolved)
		ev.FilePath = resolved
		f.Emitter.Emit(ev)
	}
	return &tool.Result{Content: fmt.Sprintf("Wrote %d bytes to %s", len(content), path)}, nil
}

// FileEdit replaces an exact substring in a workspace file. The old text must
// match exactly once.
type FileEdit struct {
	Workdir string
}

func (f *FileEdit) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        "file_edit",
		Description: "Replace an exact text fragment in a workspace file. old_text must occur exactly once.",
		Parameters: llm.ParameterSchema{
			Type: "object",
			Properties: map[string]llm.Property{
				"path":     {Type: "string", Description: "File path relative to the workspace"},
				"old_text": {Type: "string", Description: "Exact text to replace"},
				"new_text": {Type: "string", Description: "Replacement text"},
			},
			Required: []string{"path", "old_text", "new_text"},
		},
	}
}

func (f *FileEdit) Label() string { return "Editing file" }

func (f *FileEdit) Execute(_ context.Context, _ string, params map[string]any) (*tool.Result, error) {
	path, ok := tool.StringParam(params, "path")
	if !ok {
		return nil, errors.New(errors.KindInvalidInput, "file_edit requires a path")
	}
	oldText, ok := tool.StringParam(params, "old_text")
	if !ok || oldText == "" {
		return nil, errors.New(errors.KindInvalidInput, "file_edit requires old_text")
	}
	newText, _ := tool.StringParam(params, "new_text")

	resolved, err := tool.ResolvePath(f.Workdir, path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, errors.Wrap(errors.KindToolFailure, err)
	}
	content := string(data)
	switch strings.Count(content, oldText) {
	case 0:
		return nil, errors.New(errors.KindToolFailure, "old_text not found in %s", path)
	case 1:
	default:
		return nil, errors.New(errors.KindToolFailure, "old_text occurs more than once in %s, provide more context", path)
	}
	content = strings.Replace(content, oldText, newText, 1)
	if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
		return nil, errors.Wrap(errors.KindToolFailure, err)
	}
	return &tool.Result{Content: fmt.Sprintf("Edited %s", path)}, nil
}

// ListFiles lists a workspace directory, directories first.
type ListFiles struct {
	Workdir string
}

func (l *ListFiles) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        "list_files",
		Description: "List files and directories under a workspace path.",
		Parameters: llm.ParameterSchema{
			Type: "object",
			Properties: map[string]llm.Property{
				"path": {Type: "string", Description: "Directory path relative to the workspace, defaults to the root"},
			},
		},
	}
}

func (l *ListFiles) Label() string { return "Listing files" }

func (l *ListFiles) Execute(_ context.Context, _ string, params map[string]any) (*tool.Result, error) {
	path := tool.OptionalString(params, "path", ".")
	resolved, err := tool.ResolvePath(l.Workdir, path)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(resolved)
	if err != nil {
		return nil, errors.Wrap(errors.KindToolFailure, err)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].IsDir() != entries[j].IsDir() {
			return entries[i].IsDir()
		}
		return entries[i].Name() < entries[j].Name()
	})

	var b strings.Builder
	for _, entry := range entries {
		if entry.IsDir() {
			fmt.Fprintf(&b, "%s/\n", entry.Name())
			continue
		}
		info, err := entry.Info()
		if err != nil {
			fmt.Fprintf(&b, "%s\n", entry.Name())
			continue
		}
		fmt.Fprintf(&b, "%s (%d bytes)\n", entry.Name(), info.Size())
	}
	if b.Len() == 0 {
		return &tool.Result{Content: "(empty directory)"}, nil
	}
	return &tool.Result{Content: b.String()}, nil
}
