package llm

import (
	"context"
	"sync"

	"ami/internal/errors"
)

// MockClient is a scripted provider for tests. Each Complete call pops the
// next scripted response; an optional hook can synthesize responses from the
// request instead.
type MockClient struct {
	mu        sync.Mutex
	responses []*CompletionResponse
	errs      []error
	Hook      func(req CompletionRequest) (*CompletionResponse, error)
	Requests  []CompletionRequest
}

// NewMockClient creates an empty scripted client.
func NewMockClient() *MockClient {
	return &MockClient{}
}

// Script appends a response to the script.
func (m *MockClient) Script(resp *CompletionResponse) *MockClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, resp)
	m.errs = append(m.errs, nil)
	return m
}

// ScriptText appends a plain text response.
func (m *MockClient) ScriptText(text string) *MockClient {
	return m.Script(&CompletionResponse{Content: text, StopReason: "end_turn"})
}

// ScriptToolCall appends a response containing a single tool call.
func (m *MockClient) ScriptToolCall(id, name string, args map[string]any) *MockClient {
	return m.Script(&CompletionResponse{
		ToolCalls:  []ToolCall{{ID: id, Name: name, Arguments: args}},
		StopReason: "tool_use",
	})
}

// ScriptError appends a failing call.
func (m *MockClient) ScriptError(err error) *MockClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, nil)
	m.errs = append(m.errs, err)
	return m
}

func (m *MockClient) Model() string { return "mock" }

func (m *MockClient) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(errors.KindCancelled, err)
	}

	m.mu.Lock()
	m.Requests = append(m.Requests, req)
	if m.Hook != nil {
		hook := m.Hook
		m.mu.Unlock()
		return hook(req)
	}
	if len(m.responses) == 0 {
		m.mu.Unlock()
		return &CompletionResponse{Content: "done", StopReason: "end_turn"}, nil
	}
	resp, err := m.responses[0], m.errs[0]
	m.responses = m.responses[1:]
	m.errs = m.errs[1:]
	m.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return resp, nil
}
