package builtin

import (
	"context"
	"fmt"
	"strings"

	"ami/internal/browser"
	"ami/internal/errors"
	"ami/internal/event"
	"ami/internal/llm"
	"ami/internal/tool"
)

// browserTool is the shared base of the page-action tools. Each instance is
// bound to one task's page.
type browserTool struct {
	session browser.Session
	taskID  string
	emitter *event.Emitter
}

// BrowserTools builds the full page-action toolset for a task.
func BrowserTools(session browser.Session, taskID string, emitter *event.Emitter) []tool.Tool {
	base := browserTool{session: session, taskID: taskID, emitter: emitter}
	return []tool.Tool{
		&BrowserVisit{base},
		&BrowserClick{base},
		&BrowserType{base},
		&BrowserEnter{base},
		&BrowserBack{base},
		&BrowserForward{base},
		&BrowserScroll{base},
		&BrowserSelect{base},
		&BrowserPressKeys{base},
		&BrowserMouse{base},
		&BrowserSnapshot{base},
		&BrowserScreenshot{base},
	}
}

// finish converts an action outcome into a tool result. A closed page is a
// soft failure: the agent is told to re-navigate rather than the subtask
// dying.
func (b *browserTool) finish(result *browser.ActionResult, err error) (*tool.Result, error) {
	if err != nil {
		if errors.Is(err, errors.KindBrowserPageClosed) {
			return &tool.Result{Content: "The browser page was closed. Navigate to the target URL again with browser_visit before continuing."}, nil
		}
		return nil, err
	}
	if !result.Success {
		return &tool.Result{Content: "Action failed: " + result.Message}, nil
	}
	msg := result.Message
	if result.CurrentURL != "" {
		msg += "\nCurrent URL: " + result.CurrentURL
	}
	return &tool.Result{Content: msg}, nil
}

func refSchema(extra map[string]llm.Property, required ...string) llm.ParameterSchema {
	props := map[string]llm.Property{
		"ref": {Type: "string", Description: "Element ref from the latest snapshot, e.g. e3"},
	}
	for k, v := range extra {
		props[k] = v
	}
	return llm.ParameterSchema{Type: "object", Properties: props, Required: append([]string{"ref"}, required...)}
}

type BrowserVisit struct{ browserTool }

func (t *BrowserVisit) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        "browser_visit",
		Description: "Navigate the browser page to a URL.",
		Parameters: llm.ParameterSchema{
			Type:       "object",
			Properties: map[string]llm.Property{"url": {Type: "string", Description: "Absolute URL"}},
			Required:   []string{"url"},
		},
	}
}
func (t *BrowserVisit) Label() string { return "Visiting page" }
func (t *BrowserVisit) Execute(ctx context.Context, _ string, params map[string]any) (*tool.Result, error) {
	url, ok := tool.StringParam(params, "url")
	if !ok || url == "" {
		return nil, errors.New(errors.KindInvalidInput, "browser_visit requires a url")
	}
	return t.finish(t.session.Visit(ctx, t.taskID, url))
}

type BrowserClick struct{ browserTool }

func (t *BrowserClick) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        "browser_click",
		Description: "Click an element identified by its snapshot ref.",
		Parameters:  refSchema(nil),
	}
}
func (t *BrowserClick) Label() string { return "Clicking" }
func (t *BrowserClick) Execute(ctx context.Context, _ string, params map[string]any) (*tool.Result, error) {
	ref, ok := tool.StringParam(params, "ref")
	if !ok {
		return nil, errors.New(errors.KindInvalidInput, "browser_click requires a ref")
	}
	return t.finish(t.session.Click(ctx, t.taskID, ref))
}

type BrowserType struct{ browserTool }

func (t *BrowserType) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        "browser_type",
		Description: "Type text into an input element identified by its snapshot ref.",
		Parameters: refSchema(map[string]llm.Property{
			"text": {Type: "string", Description: "Text to type"},
		}, "text"),
	}
}
func (t *BrowserType) Label() string { return "Typing" }
func (t *BrowserType) Execute(ctx context.Context, _ string, params map[string]any) (*tool.Result, error) {
	ref, ok := tool.StringParam(params, "ref")
	text, ok2 := tool.StringParam(params, "text")
	if !ok || !ok2 {
		return nil, errors.New(errors.KindInvalidInput, "browser_type requires ref and text")
	}
	return t.finish(t.session.Type(ctx, t.taskID, ref, text))
}

type BrowserEnter struct{ browserTool }

func (t *BrowserEnter) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        "browser_enter",
		Description: "Press Enter on the current page, typically to submit a form.",
		Parameters:  llm.ParameterSchema{Type: "object", Properties: map[string]llm.Property{}},
	}
}
func (t *BrowserEnter) Label() string { return "Pressing Enter" }
func (t *BrowserEnter) Execute(ctx context.Context, _ string, _ map[string]any) (*tool.Result, error) {
	return t.finish(t.session.Enter(ctx, t.taskID))
}

type BrowserBack struct{ browserTool }

func (t *BrowserBack) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        "browser_back",
		Description: "Go back one entry in the page history.",
		Parameters:  llm.ParameterSchema{Type: "object", Properties: map[string]llm.Property{}},
	}
}
func (t *BrowserBack) Label() string { return "Going back" }
func (t *BrowserBack) Execute(ctx context.Context, _ string, _ map[string]any) (*tool.Result, error) {
	return t.finish(t.session.Back(ctx, t.taskID))
}

type BrowserForward struct{ browserTool }

func (t *BrowserForward) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        "browser_forward",
		Description: "Go forward one entry in the page history.",
		Parameters:  llm.ParameterSchema{Type: "object", Properties: map[string]llm.Property{}},
	}
}
func (t *BrowserForward) Label() string { return "Going forward" }
func (t *BrowserForward) Execute(ctx context.Context, _ string, _ map[string]any) (*tool.Result, error) {
	return t.finish(t.session.Forward(ctx, t.taskID))
}

type BrowserScroll struct{ browserTool }

func (t *BrowserScroll) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        "browser_scroll",
		Description: "Scroll the page in a direction.",
		Parameters: llm.ParameterSchema{
			Type: "object",
			Properties: map[string]llm.Property{
				"direction": {Type: "string", Enum: []string{"up", "down", "left", "right"}},
				"pixels":    {Type: "integer", Description: "Scroll distance, default 600"},
			},
			Required: []string{"direction"},
		},
	}
}
func (t *BrowserScroll) Label() string { return "Scrolling" }
func (t *BrowserScroll) Execute(ctx context.Context, _ string, params map[string]any) (*tool.Result, error) {
	direction := tool.OptionalString(params, "direction", "down")
	pixels := tool.OptionalInt(params, "pixels", 600)
	return t.finish(t.session.Scroll(ctx, t.taskID, direction, pixels))
}

type BrowserSelect struct{ browserTool }

func (t *BrowserSelect) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        "browser_select",
		Description: "Choose an option in a select element identified by its snapshot ref.",
		Parameters: refSchema(map[string]llm.Property{
			"value": {Type: "string", Description: "Option value to select"},
		}, "value"),
	}
}
func (t *BrowserSelect) Label() string { return "Selecting option" }
func (t *BrowserSelect) Execute(ctx context.Context, _ string, params map[string]any) (*tool.Result, error) {
	ref, ok := tool.StringParam(params, "ref")
	value, ok2 := tool.StringParam(params, "value")
	if !ok || !ok2 {
		return nil, errors.New(errors.KindInvalidInput, "browser_select requires ref and value")
	}
	return t.finish(t.session.Select(ctx, t.taskID, ref, value))
}

type BrowserPressKeys struct{ browserTool }

func (t *BrowserPressKeys) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        "browser_press_keys",
		Description: "Press one or more keyboard keys in sequence, e.g. [\"Tab\", \"Enter\"].",
		Parameters: llm.ParameterSchema{
			Type: "object",
			Properties: map[string]llm.Property{
				"keys": {Type: "array", Items: &llm.Property{Type: "string"}},
			},
			Required: []string{"keys"},
		},
	}
}
func (t *BrowserPressKeys) Label() string { return "Pressing keys" }
func (t *BrowserPressKeys) Execute(ctx context.Context, _ string, params map[string]any) (*tool.Result, error) {
	raw, ok := params["keys"].([]any)
	if !ok || len(raw) == 0 {
		return nil, errors.New(errors.KindInvalidInput, "browser_press_keys requires a keys array")
	}
	keys := make([]string, 0, len(raw))
	for _, k := range raw {
		if s, ok := k.(string); ok {
			keys = append(keys, s)
		}
	}
	return t.finish(t.session.PressKeys(ctx, t.taskID, keys))
}

type BrowserMouse struct{ browserTool }

func (t *BrowserMouse) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        "browser_mouse_control",
		Description: "Perform a raw mouse action at page coordinates. Prefer browser_click with a ref when possible.",
		Parameters: llm.ParameterSchema{
			Type: "object",
			Properties: map[string]llm.Property{
				"x":      {Type: "integer"},
				"y":      {Type: "integer"},
				"action": {Type: "string", Enum: []string{"click", "dblclick", "right_click"}},
			},
			Required: []string{"x", "y"},
		},
	}
}
func (t *BrowserMouse) Label() string { return "Mouse action" }
func (t *BrowserMouse) Execute(ctx context.Context, _ string, params map[string]any) (*tool.Result, error) {
	x := tool.OptionalInt(params, "x", -1)
	y := tool.OptionalInt(params, "y", -1)
	if x < 0 || y < 0 {
		return nil, errors.New(errors.KindInvalidInput, "browser_mouse_control requires x and y")
	}
	action := tool.OptionalString(params, "action", "click")
	return t.finish(t.session.MouseControl(ctx, t.taskID, x, y, action))
}

type BrowserSnapshot struct{ browserTool }

func (t *BrowserSnapshot) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        "browser_snapshot",
		Description: "Capture the interactive elements of the current page. Returns refs to use with click, type and select.",
		Parameters:  llm.ParameterSchema{Type: "object", Properties: map[string]llm.Property{}},
	}
}
func (t *BrowserSnapshot) Label() string { return "Reading page" }
func (t *BrowserSnapshot) Execute(ctx context.Context, _ string, _ map[string]any) (*tool.Result, error) {
	snapshot, err := t.session.TakeSnapshot(ctx, t.taskID)
	if err != nil {
		if errors.Is(err, errors.KindBrowserPageClosed) {
			return &tool.Result{Content: "The browser page was closed. Navigate to the target URL again with browser_visit before continuing."}, nil
		}
		return nil, err
	}
	return &tool.Result{Content: FormatSnapshot(snapshot)}, nil
}

// FormatSnapshot renders a snapshot as the line-per-element listing shown to
// agents.
func FormatSnapshot(s *browser.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Page: %s\nURL: %s\n", s.Title, s.URL)
	if len(s.Elements) == 0 {
		b.WriteString("(no interactive elements)\n")
		return b.String()
	}
	for _, el := range s.Elements {
		fmt.Fprintf(&b, "[%s] %s", el.Ref, el.Role)
		if el.Name != "" {
			fmt.Fprintf(&b, " %q", el.Name)
		}
		if el.Value != "" {
			fmt.Fprintf(&b, " value=%q", el.Value)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

type BrowserScreenshot struct{ browserTool }

func (t *BrowserScreenshot) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        "browser_screenshot",
		Description: "Take a screenshot of the current page. The image is attached to your next turn.",
		Parameters:  llm.ParameterSchema{Type: "object", Properties: map[string]llm.Property{}},
	}
}
func (t *BrowserScreenshot) Label() string { return "Taking screenshot" }
func (t *BrowserScreenshot) Execute(ctx context.Context, _ string, _ map[string]any) (*tool.Result, error) {
	dataURI, err := t.session.Screenshot(ctx, t.taskID)
	if err != nil {
		if errors.Is(err, errors.KindBrowserPageClosed) {
			return &tool.Result{Content: "The browser page was closed. Navigate to the target URL again with browser_visit before continuing."}, nil
		}
		return nil, err
	}
	url, _ := t.session.CurrentURL(ctx, t.taskID)
	if t.emitter != nil {
		t.emitter.EmitScreenshot(dataURI, url, "", "", "")
	}
	return &tool.Result{Content: "Screenshot captured.", ImageData: dataURI}, nil
}
