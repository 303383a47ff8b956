// Package memory talks to the cloud memory service: retrieval of task and
// navigation memories for planning, page-operation lookup for browser agents,
// and online write-back of successful browser behavior.
package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"ami/internal/errors"
	"ami/internal/logging"
)

const requestTimeout = 30 * time.Second

// Memory-match confidence levels. L1 is an exact cognitive phrase, L2 a
// stitched navigation path, L3 no match.
const (
	LevelPhrase     = "L1"
	LevelNavigation = "L2"
	LevelNone       = "L3"
)

// CognitivePhrase is a proven workflow recovered from memory.
type CognitivePhrase struct {
	States        []string `json:"states"`
	Actions       []string `json:"actions"`
	ExecutionPlan []string `json:"execution_plan"`
}

// QueryMetadata carries the match confidence of a memory read.
type QueryMetadata struct {
	MemoryLevel string `json:"memory_level"`
}

// QueryResponse is the memory service read contract. The daemon never mutates
// these shapes, it only formats and injects them.
type QueryResponse struct {
	Success         bool             `json:"success"`
	QueryType       string           `json:"query_type"` // task | navigation | action
	Metadata        QueryMetadata    `json:"metadata"`
	CognitivePhrase *CognitivePhrase `json:"cognitive_phrase,omitempty"`
	States          []string         `json:"states,omitempty"`
	Actions         []string         `json:"actions,omitempty"`
	OutgoingActions []string         `json:"outgoing_actions,omitempty"`
	IntentSequences []string         `json:"intent_sequences,omitempty"`
}

// PlanResult is the planner-facing projection of a task query.
type PlanResult struct {
	Level   string
	Phrase  *CognitivePhrase
	States  []string
	Actions []string
}

// Guide renders the retrieved execution plan as workflow-guide text, or ""
// when memory held nothing usable.
func (r *PlanResult) Guide() string {
	if r == nil || r.Phrase == nil || len(r.Phrase.ExecutionPlan) == 0 {
		return ""
	}
	var b strings.Builder
	for i, step := range r.Phrase.ExecutionPlan {
		fmt.Fprintf(&b, "%d. %s\n", i+1, strings.TrimSpace(step))
	}
	return b.String()
}

// Client is the HTTP client for the memory service. A nil *Client is valid
// and behaves as an empty store, so the daemon runs unchanged without
// memory configured.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  logging.Logger
}

// NewClient builds a client, or nil when baseURL is empty.
func NewClient(baseURL, token string) *Client {
	if strings.TrimSpace(baseURL) == "" {
		return nil
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: requestTimeout},
		logger:  logging.NewComponentLogger("MemoryClient"),
	}
}

// Enabled reports whether a memory backend is configured.
func (c *Client) Enabled() bool { return c != nil }

func (c *Client) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.NewTransientError(err, "memory service unreachable")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 500 {
		return errors.NewTransientError(fmt.Errorf("HTTP %d", resp.StatusCode), "memory service error")
	}
	if resp.StatusCode >= 400 {
		return errors.New(errors.KindProvider, "memory service rejected %s: HTTP %d", path, resp.StatusCode)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// QueryTask retrieves the cognitive phrase and supporting states for a task
// description.
func (c *Client) QueryTask(ctx context.Context, text string) (*QueryResponse, error) {
	var result QueryResponse
	err := c.post(ctx, "/api/v1/memory/query", map[string]any{
		"target":  text,
		"as_type": "task",
		"top_k":   5,
	}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// QueryNavigation retrieves a stitched navigation path between two states.
func (c *Client) QueryNavigation(ctx context.Context, startState, endState string) (*QueryResponse, error) {
	var result QueryResponse
	err := c.post(ctx, "/api/v1/memory/query", map[string]any{
		"start_state": startState,
		"end_state":   endState,
		"as_type":     "navigation",
	}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// QueryActions retrieves intent sequences and outgoing actions recorded at a
// state, typically a page URL.
func (c *Client) QueryActions(ctx context.Context, currentState, target string) (*QueryResponse, error) {
	payload := map[string]any{
		"current_state": currentState,
		"as_type":       "action",
	}
	if target != "" {
		payload["target"] = target
	}
	var result QueryResponse
	if err := c.post(ctx, "/api/v1/memory/query", payload, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// PlanTask retrieves prior workflow knowledge for a new task. Failures
// degrade to an L3 result: planning proceeds without memory.
func (c *Client) PlanTask(ctx context.Context, prompt string) *PlanResult {
	empty := &PlanResult{Level: LevelNone}
	if c == nil {
		return empty
	}
	resp, err := c.QueryTask(ctx, prompt)
	if err != nil {
		c.logger.Warn("task memory retrieval failed: %v", err)
		return empty
	}
	level := resp.Metadata.MemoryLevel
	if level == "" {
		level = LevelNone
	}
	return &PlanResult{
		Level:   level,
		Phrase:  resp.CognitivePhrase,
		States:  resp.States,
		Actions: resp.Actions,
	}
}

// QueryPageOperations fetches recorded operation sequences for a page URL.
// Returns the empty string when nothing is known.
func (c *Client) QueryPageOperations(ctx context.Context, pageURL string) (string, error) {
	if c == nil {
		return "", nil
	}
	resp, err := c.QueryActions(ctx, pageURL, "")
	if err != nil {
		return "", err
	}
	return FormatPageOperations(pageURL, resp.IntentSequences, resp.OutgoingActions), nil
}

// BehaviorMessage is one step of a recorded browser session.
type BehaviorMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// AddBehavior writes a completed browser session back to the memory service
// so future tasks on the same pages start warmer.
func (c *Client) AddBehavior(ctx context.Context, sessionID string, messages []BehaviorMessage) error {
	if c == nil || len(messages) == 0 {
		return nil
	}
	return c.post(ctx, "/api/v1/memory/add", map[string]any{
		"session_id":            sessionID,
		"messages":              messages,
		"skip_cognitive_phrase": true,
	}, nil)
}

// FormatTaskMemories renders a task retrieval as the context block injected
// into planner prompts. An L3 result renders empty.
func FormatTaskMemories(r *PlanResult) string {
	if r == nil || (r.Phrase == nil && len(r.States) == 0 && len(r.Actions) == 0) {
		return ""
	}
	var b strings.Builder
	b.WriteString("Relevant experience from previous tasks:\n")
	if r.Phrase != nil {
		for _, s := range r.Phrase.States {
			fmt.Fprintf(&b, "State: %s\n", strings.TrimSpace(s))
		}
		for _, a := range r.Phrase.Actions {
			fmt.Fprintf(&b, "Action: %s\n", strings.TrimSpace(a))
		}
		for i, step := range r.Phrase.ExecutionPlan {
			fmt.Fprintf(&b, "Plan step %d: %s\n", i+1, strings.TrimSpace(step))
		}
	}
	for _, s := range r.States {
		fmt.Fprintf(&b, "State: %s\n", strings.TrimSpace(s))
	}
	for _, a := range r.Actions {
		fmt.Fprintf(&b, "Action: %s\n", strings.TrimSpace(a))
	}
	return b.String()
}

// FormatPageOperations renders page-operation memories for an agent prompt.
func FormatPageOperations(pageURL string, intentSequences, outgoingActions []string) string {
	if len(intentSequences) == 0 && len(outgoingActions) == 0 {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Known operation sequences for %s:\n", pageURL)
	for i, seq := range intentSequences {
		fmt.Fprintf(&b, "%d. %s\n", i+1, strings.TrimSpace(seq))
	}
	if len(outgoingActions) > 0 {
		b.WriteString("Outgoing actions from this page:\n")
		for _, a := range outgoingActions {
			fmt.Fprintf(&b, "- %s\n", strings.TrimSpace(a))
		}
	}
	return b.String()
}
