package agent

import (
	"context"
	"strings"

	"ami/internal/browser"
	"ami/internal/llm"
	"ami/internal/memory"
	"ami/internal/task"
	"ami/internal/tool"
	"ami/internal/tool/builtin"
)

const browserSystemPrompt = `You are a web automation agent operating a real browser page.

Work in a strict observe-act cycle:
1. browser_snapshot to see the page and get element refs.
2. Act on refs with browser_click, browser_type, browser_select.
3. Snapshot again to verify the action took effect before moving on.

Recorded operation sequences for pages you land on are provided to you
automatically; follow them when they exist. If a page reports as closed,
re-navigate with browser_visit and continue. When the goal is reached, stop
calling tools and report what you did and what you found.`

// BrowserAgent is the browser-specialized agent: page-action tools, automatic
// page-operation memory injection on every URL change, an optional workflow
// guide folded into the system prompt, and behavior recording through the
// observer.
type BrowserAgent struct {
	*Agent
	pageOps *memory.PageOpsTool
	seen    map[string]bool
}

// NewBrowserAgent builds the browser agent for one task's page.
func NewBrowserAgent(client llm.Client, session browser.Session, t *task.Task, memClient *memory.Client, workflowGuide string, opts ...Option) *BrowserAgent {
	prompt := browserSystemPrompt
	if strings.TrimSpace(workflowGuide) != "" {
		prompt += "\n\nWorkflow guide from previous successful runs. FOLLOW THESE STEPS:\n" + workflowGuide
	}

	pageOps := memory.NewPageOpsTool(memClient)
	tools := tool.NewSet(pageOps)
	tools.Install(builtin.BrowserTools(session, t.ID, t.Emitter)...)

	inner := New("browser", client, tools, prompt, opts...)
	b := &BrowserAgent{Agent: inner, pageOps: pageOps, seen: make(map[string]bool)}

	// The agent never has to ask for page knowledge: every browser tool
	// outcome is scanned for the current URL, and the first landing on a
	// URL injects its recorded operations before the next model call.
	chained := inner.observer
	inner.observer = func(toolName, input, outcome string) {
		if chained != nil {
			chained(toolName, input, outcome)
		}
		b.observePage(toolName, outcome)
	}
	return b
}

// observePage detects URL changes in browser tool outcomes and injects the
// memory service's recorded operations for pages seen for the first time.
func (b *BrowserAgent) observePage(toolName, outcome string) {
	if !strings.HasPrefix(toolName, "browser_") {
		return
	}
	url := extractPageURL(outcome)
	if url == "" || b.seen[url] {
		return
	}
	b.seen[url] = true

	ops := b.pageOps.Lookup(context.Background(), url)
	if ops != "" {
		b.PushNote(ops)
	}
}

// extractPageURL finds the page URL reported in a browser tool outcome.
func extractPageURL(outcome string) string {
	for _, line := range strings.Split(outcome, "\n") {
		line = strings.TrimSpace(line)
		for _, prefix := range []string{"Current URL: ", "URL: "} {
			if strings.HasPrefix(line, prefix) {
				return strings.TrimSpace(strings.TrimPrefix(line, prefix))
			}
		}
	}
	return ""
}

// Reset clears the conversation, the page-operation cache and the visited-URL
// set: a new subtask may visit entirely different pages.
func (b *BrowserAgent) Reset() {
	b.Agent.Reset()
	b.pageOps.ResetCache()
	b.seen = make(map[string]bool)
}

// Run proxies to the inner loop.
func (b *BrowserAgent) Run(ctx context.Context, t *task.Task, prompt string) (string, error) {
	return b.Agent.Run(ctx, t, prompt)
}
