// Package tool defines the tool-calling protocol: descriptors with JSON
// Schema parameters, execution with result truncation, and the mutable tool
// set agents draw from.
package tool

import (
	"context"

	"ami/internal/llm"
)

// resultCeiling bounds a single tool result. Larger results are truncated
// with a marker while preserving the call/result linkage.
const resultCeiling = 8192

// TruncatedMarker is appended to results cut at the ceiling.
const TruncatedMarker = "\n[Truncated]"

// Result is the outcome of a tool execution.
type Result struct {
	Content   string
	ImageData string         // data URI, for screenshot-style results
	Details   map[string]any // action-specific metadata, not shown to the model
}

// Tool is a callable exposed to an agent.
type Tool interface {
	// Definition returns the prompt-visible descriptor.
	Definition() llm.ToolDefinition

	// Label returns a short human string for UI events.
	Label() string

	// Execute runs the tool. Cancellation arrives through ctx. Errors are
	// converted to tool_result text by the agent loop, never propagated.
	Execute(ctx context.Context, callID string, params map[string]any) (*Result, error)
}

// Truncate cuts content at the result ceiling, appending the marker.
func Truncate(content string) string {
	if len(content) <= resultCeiling {
		return content
	}
	return content[:resultCeiling] + TruncatedMarker
}

// StringParam extracts a required string parameter.
func StringParam(params map[string]any, key string) (string, bool) {
	v, ok := params[key].(string)
	return v, ok
}

// OptionalString extracts an optional string parameter with a default.
func OptionalString(params map[string]any, key, fallback string) string {
	if v, ok := params[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

// OptionalInt extracts an optional numeric parameter with a default.
// JSON numbers decode as float64.
func OptionalInt(params map[string]any, key string, fallback int) int {
	switch v := params[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return fallback
	}
}
