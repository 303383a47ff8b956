// Package browser maintains the daemon's connection to a Chromium-family
// engine over a CDP-style WebSocket surface: pooled pages, per-task tab
// groups, and the action/snapshot contracts browser tools are built on.
package browser

import "context"

// ActionResult is the outcome of one page action.
type ActionResult struct {
	Success bool           `json:"success"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`

	// NewTabID is set when a click or type opened a new tab.
	NewTabID   string `json:"new_tab_id,omitempty"`
	CurrentURL string `json:"current_url,omitempty"`
	Title      string `json:"title,omitempty"`
}

// SnapshotElement is one interactive element in a page snapshot, referenced
// by agents through its short ref ID (e.g. "e1").
type SnapshotElement struct {
	Ref   string `json:"ref"`
	Role  string `json:"role"`
	Name  string `json:"name"`
	Value string `json:"value,omitempty"`
}

// Snapshot is an accessibility-tree projection of a page's interactive
// elements.
type Snapshot struct {
	URL      string            `json:"url"`
	Title    string            `json:"title"`
	Elements []SnapshotElement `json:"elements"`
}

// Session is the contract browser tools drive. One agent drives a given page
// at a time; the executor's one-at-a-time policy means pool contention never
// occurs in practice.
type Session interface {
	Visit(ctx context.Context, taskID, url string) (*ActionResult, error)
	Click(ctx context.Context, taskID, ref string) (*ActionResult, error)
	Type(ctx context.Context, taskID, ref, text string) (*ActionResult, error)
	Enter(ctx context.Context, taskID string) (*ActionResult, error)
	Back(ctx context.Context, taskID string) (*ActionResult, error)
	Forward(ctx context.Context, taskID string) (*ActionResult, error)
	Scroll(ctx context.Context, taskID, direction string, pixels int) (*ActionResult, error)
	Select(ctx context.Context, taskID, ref, value string) (*ActionResult, error)
	PressKeys(ctx context.Context, taskID string, keys []string) (*ActionResult, error)
	MouseControl(ctx context.Context, taskID string, x, y int, action string) (*ActionResult, error)

	TakeSnapshot(ctx context.Context, taskID string) (*Snapshot, error)
	Screenshot(ctx context.Context, taskID string) (dataURI string, err error)
	CurrentURL(ctx context.Context, taskID string) (string, error)

	// CloseTaskTabs closes only tabs opened while serving taskID.
	CloseTaskTabs(ctx context.Context, taskID string) error

	Close() error
}
