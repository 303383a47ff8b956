package browser

import (
	"context"
	"fmt"
	"sync"
)

// FakeSession is an in-memory Session for tests. Each action is recorded and
// answered from the scripted page state.
type FakeSession struct {
	mu       sync.Mutex
	Calls    []string
	Pages    map[string]*Snapshot // URL -> snapshot served after Visit
	current  map[string]string    // taskID -> current URL
	closed   map[string]bool      // taskID -> tabs closed
	FailWith error                // when set, every action returns this error
}

func NewFakeSession() *FakeSession {
	return &FakeSession{
		Pages:   make(map[string]*Snapshot),
		current: make(map[string]string),
		closed:  make(map[string]bool),
	}
}

func (f *FakeSession) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, call)
}

func (f *FakeSession) ok(call, message string) (*ActionResult, error) {
	f.record(call)
	if f.FailWith != nil {
		return nil, f.FailWith
	}
	return &ActionResult{Success: true, Message: message}, nil
}

func (f *FakeSession) Visit(_ context.Context, taskID, url string) (*ActionResult, error) {
	f.record("visit " + url)
	if f.FailWith != nil {
		return nil, f.FailWith
	}
	f.mu.Lock()
	f.current[taskID] = url
	f.mu.Unlock()
	return &ActionResult{Success: true, Message: "Visited " + url, CurrentURL: url}, nil
}

func (f *FakeSession) Click(_ context.Context, _, ref string) (*ActionResult, error) {
	return f.ok("click "+ref, "Clicked "+ref)
}

func (f *FakeSession) Type(_ context.Context, _, ref, text string) (*ActionResult, error) {
	return f.ok(fmt.Sprintf("type %s %q", ref, text), "Typed into "+ref)
}

func (f *FakeSession) Enter(_ context.Context, _ string) (*ActionResult, error) {
	return f.ok("enter", "Pressed Enter")
}

func (f *FakeSession) Back(_ context.Context, _ string) (*ActionResult, error) {
	return f.ok("back", "Navigated back")
}

func (f *FakeSession) Forward(_ context.Context, _ string) (*ActionResult, error) {
	return f.ok("forward", "Navigated forward")
}

func (f *FakeSession) Scroll(_ context.Context, _ string, direction string, pixels int) (*ActionResult, error) {
	return f.ok(fmt.Sprintf("scroll %s %d", direction, pixels), "Scrolled")
}

func (f *FakeSession) Select(_ context.Context, _, ref, value string) (*ActionResult, error) {
	return f.ok(fmt.Sprintf("select %s %q", ref, value), "Selected")
}

func (f *FakeSession) PressKeys(_ context.Context, _ string, keys []string) (*ActionResult, error) {
	return f.ok(fmt.Sprintf("press %v", keys), "Pressed keys")
}

func (f *FakeSession) MouseControl(_ context.Context, _ string, x, y int, action string) (*ActionResult, error) {
	return f.ok(fmt.Sprintf("mouse %s %d,%d", action, x, y), "Mouse action")
}

func (f *FakeSession) TakeSnapshot(_ context.Context, taskID string) (*Snapshot, error) {
	f.record("snapshot")
	if f.FailWith != nil {
		return nil, f.FailWith
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	url := f.current[taskID]
	if snap, ok := f.Pages[url]; ok {
		return snap, nil
	}
	return &Snapshot{URL: url, Title: "blank"}, nil
}

func (f *FakeSession) Screenshot(_ context.Context, _ string) (string, error) {
	f.record("screenshot")
	if f.FailWith != nil {
		return "", f.FailWith
	}
	return "data:image/jpeg;base64,ZmFrZQ==", nil
}

func (f *FakeSession) CurrentURL(_ context.Context, taskID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current[taskID], nil
}

func (f *FakeSession) CloseTaskTabs(_ context.Context, taskID string) error {
	f.record("close_tabs " + taskID)
	f.mu.Lock()
	f.closed[taskID] = true
	f.mu.Unlock()
	return nil
}

func (f *FakeSession) TabsClosed(taskID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed[taskID]
}

func (f *FakeSession) Close() error { return nil }
