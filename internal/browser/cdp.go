package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"ami/internal/errors"
	"ami/internal/logging"
)

const (
	// poolMarker tags pages pre-created for the pool so they can be told
	// apart from user tabs.
	poolMarker   = "about:blank?ami-pool"
	poolSize     = 4
	callTimeout  = 30 * time.Second
	dialTimeout  = 10 * time.Second
)

// cdpConn is a single CDP WebSocket connection with request/response
// correlation. Session-scoped commands route through sessionId.
type cdpConn struct {
	ws     *websocket.Conn
	logger logging.Logger

	mu      sync.Mutex
	nextID  int64
	pending map[int64]chan cdpReply
	closed  bool
}

type cdpReply struct {
	Result json.RawMessage
	Err    error
}

type cdpMessage struct {
	ID        int64           `json:"id,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func dialCDP(ctx context.Context, port int, logger logging.Logger) (*cdpConn, error) {
	// The browser exposes its WebSocket URL on the /json/version endpoint.
	httpClient := &http.Client{Timeout: dialTimeout}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://127.0.0.1:%d/json/version", port), nil)
	if err != nil {
		return nil, err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("browser endpoint unreachable on port %d: %w", port, err)
	}
	defer func() { _ = resp.Body.Close() }()

	var version struct {
		WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&version); err != nil {
		return nil, fmt.Errorf("decode version endpoint: %w", err)
	}
	if version.WebSocketDebuggerURL == "" {
		return nil, fmt.Errorf("browser did not report a debugger URL")
	}

	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	ws, _, err := dialer.DialContext(ctx, version.WebSocketDebuggerURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial browser websocket: %w", err)
	}

	c := &cdpConn{
		ws:      ws,
		logger:  logger,
		pending: make(map[int64]chan cdpReply),
	}
	go c.readLoop()
	return c, nil
}

func (c *cdpConn) readLoop() {
	for {
		var msg cdpMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			c.failAll(err)
			return
		}
		if msg.ID == 0 {
			continue // unsolicited event, no subscribers yet
		}
		c.mu.Lock()
		ch, ok := c.pending[msg.ID]
		delete(c.pending, msg.ID)
		c.mu.Unlock()
		if !ok {
			continue
		}
		if msg.Error != nil {
			ch <- cdpReply{Err: fmt.Errorf("cdp error %d: %s", msg.Error.Code, msg.Error.Message)}
			continue
		}
		ch <- cdpReply{Result: msg.Result}
	}
}

func (c *cdpConn) failAll(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for id, ch := range c.pending {
		ch <- cdpReply{Err: err}
		delete(c.pending, id)
	}
}

// call sends a command and waits for its reply. sessionID may be empty for
// browser-level commands.
func (c *cdpConn) call(ctx context.Context, sessionID, method string, params any, out any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New(errors.KindBrowserPageClosed, "browser connection closed")
	}
	c.nextID++
	id := c.nextID
	ch := make(chan cdpReply, 1)
	c.pending[id] = ch
	err = c.ws.WriteJSON(cdpMessage{ID: id, Method: method, Params: raw, SessionID: sessionID})
	c.mu.Unlock()
	if err != nil {
		return err
	}

	timer := time.NewTimer(callTimeout)
	defer timer.Stop()
	select {
	case reply := <-ch:
		if reply.Err != nil {
			return translatePageError(reply.Err)
		}
		if out != nil && len(reply.Result) > 0 {
			return json.Unmarshal(reply.Result, out)
		}
		return nil
	case <-timer.C:
		return errors.New(errors.KindTimeout, "cdp call %s timed out", method)
	case <-ctx.Done():
		return errors.Wrap(errors.KindCancelled, ctx.Err())
	}
}

func (c *cdpConn) close() error {
	c.failAll(fmt.Errorf("connection closing"))
	return c.ws.Close()
}

// translatePageError maps target-gone CDP errors onto the soft
// BROWSER_PAGE_CLOSED kind so tools can instruct the agent to re-navigate.
func translatePageError(err error) error {
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"no session with given id", "target closed", "session closed", "not attached", "no target with given id"} {
		if strings.Contains(msg, marker) {
			return errors.Wrap(errors.KindBrowserPageClosed, err)
		}
	}
	return err
}

// page is one pooled page with its attached session.
type page struct {
	targetID  string
	sessionID string
}

// CDPSession implements Session against a live browser.
type CDPSession struct {
	conn   *cdpConn
	logger logging.Logger

	mu       sync.Mutex
	pool     []*page             // unclaimed pages
	claimed  map[string]*page    // taskID -> page
	tabGroup map[string][]string // taskID -> target IDs opened for the task
}

// Connect dials the browser on the given CDP port and pre-creates the page
// pool.
func Connect(ctx context.Context, port int) (*CDPSession, error) {
	logger := logging.NewComponentLogger("BrowserSession")
	conn, err := dialCDP(ctx, port, logger)
	if err != nil {
		return nil, err
	}

	s := &CDPSession{
		conn:     conn,
		logger:   logger,
		claimed:  make(map[string]*page),
		tabGroup: make(map[string][]string),
	}
	for i := 0; i < poolSize; i++ {
		p, err := s.createPage(ctx)
		if err != nil {
			logger.Warn("pre-creating pool page %d failed: %v", i, err)
			break
		}
		s.pool = append(s.pool, p)
	}
	logger.Info("browser connected on port %d, pool=%d", port, len(s.pool))
	return s, nil
}

func (s *CDPSession) createPage(ctx context.Context) (*page, error) {
	var created struct {
		TargetID string `json:"targetId"`
	}
	if err := s.conn.call(ctx, "", "Target.createTarget", map[string]any{"url": poolMarker}, &created); err != nil {
		return nil, err
	}
	var attached struct {
		SessionID string `json:"sessionId"`
	}
	err := s.conn.call(ctx, "", "Target.attachToTarget", map[string]any{
		"targetId": created.TargetID,
		"flatten":  true,
	}, &attached)
	if err != nil {
		return nil, err
	}
	return &page{targetID: created.TargetID, sessionID: attached.SessionID}, nil
}

// claimPage returns the task's page, claiming from the pool or creating a
// fresh one when the previous page died.
func (s *CDPSession) claimPage(ctx context.Context, taskID string) (*page, error) {
	s.mu.Lock()
	if p, ok := s.claimed[taskID]; ok {
		s.mu.Unlock()
		return p, nil
	}
	var p *page
	if len(s.pool) > 0 {
		p = s.pool[0]
		s.pool = s.pool[1:]
	}
	s.mu.Unlock()

	if p == nil {
		fresh, err := s.createPage(ctx)
		if err != nil {
			return nil, err
		}
		p = fresh
	}

	s.mu.Lock()
	s.claimed[taskID] = p
	s.tabGroup[taskID] = append(s.tabGroup[taskID], p.targetID)
	s.mu.Unlock()
	return p, nil
}

// reclaim drops a dead page so the next action gets a fresh one.
func (s *CDPSession) reclaim(taskID string) {
	s.mu.Lock()
	delete(s.claimed, taskID)
	s.mu.Unlock()
}

// evaluate runs a JS expression on the task's page and decodes the JSON
// result value.
func (s *CDPSession) evaluate(ctx context.Context, taskID, expression string, out any) error {
	p, err := s.claimPage(ctx, taskID)
	if err != nil {
		return err
	}
	var result struct {
		Result struct {
			Value json.RawMessage `json:"value"`
		} `json:"result"`
		ExceptionDetails *struct {
			Text string `json:"text"`
		} `json:"exceptionDetails"`
	}
	err = s.conn.call(ctx, p.sessionID, "Runtime.evaluate", map[string]any{
		"expression":    expression,
		"returnByValue": true,
		"awaitPromise":  true,
	}, &result)
	if err != nil {
		if errors.Is(err, errors.KindBrowserPageClosed) {
			s.reclaim(taskID)
		}
		return err
	}
	if result.ExceptionDetails != nil {
		return fmt.Errorf("page script failed: %s", result.ExceptionDetails.Text)
	}
	if out != nil && len(result.Result.Value) > 0 {
		return json.Unmarshal(result.Result.Value, out)
	}
	return nil
}

func (s *CDPSession) Visit(ctx context.Context, taskID, url string) (*ActionResult, error) {
	p, err := s.claimPage(ctx, taskID)
	if err != nil {
		return nil, err
	}
	err = s.conn.call(ctx, p.sessionID, "Page.navigate", map[string]any{"url": url}, nil)
	if err != nil {
		if errors.Is(err, errors.KindBrowserPageClosed) {
			s.reclaim(taskID)
		}
		return nil, err
	}
	// Give the navigation a beat to settle; readiness is then observed
	// through snapshots.
	time.Sleep(500 * time.Millisecond)
	title, _ := s.pageTitle(ctx, taskID)
	return &ActionResult{Success: true, Message: fmt.Sprintf("Visited %s", url), CurrentURL: url, Title: title}, nil
}

func (s *CDPSession) pageTitle(ctx context.Context, taskID string) (string, error) {
	var title string
	err := s.evaluate(ctx, taskID, "JSON.stringify(document.title)", &title)
	return title, err
}

func (s *CDPSession) CurrentURL(ctx context.Context, taskID string) (string, error) {
	var url string
	err := s.evaluate(ctx, taskID, "JSON.stringify(window.location.href)", &url)
	return url, err
}

func (s *CDPSession) refAction(ctx context.Context, taskID, ref, script, okMessage string) (*ActionResult, error) {
	expr := fmt.Sprintf(`(() => {
  const el = document.querySelector('[data-ami-ref=%q]');
  if (!el) return JSON.stringify({ok: false, message: "element " + %q + " not found; take a new snapshot"});
  %s
  return JSON.stringify({ok: true});
})()`, ref, ref, script)

	var raw string
	if err := s.evaluate(ctx, taskID, expr, &raw); err != nil {
		return nil, err
	}
	var outcome struct {
		OK      bool   `json:"ok"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal([]byte(raw), &outcome); err != nil {
		return nil, err
	}
	if !outcome.OK {
		return &ActionResult{Success: false, Message: outcome.Message}, nil
	}
	url, _ := s.CurrentURL(ctx, taskID)
	return &ActionResult{Success: true, Message: okMessage, CurrentURL: url}, nil
}

func (s *CDPSession) Click(ctx context.Context, taskID, ref string) (*ActionResult, error) {
	return s.refAction(ctx, taskID, ref, "el.click();", fmt.Sprintf("Clicked %s", ref))
}

func (s *CDPSession) Type(ctx context.Context, taskID, ref, text string) (*ActionResult, error) {
	script := fmt.Sprintf(`el.focus(); el.value = %q; el.dispatchEvent(new Event('input', {bubbles: true})); el.dispatchEvent(new Event('change', {bubbles: true}));`, text)
	return s.refAction(ctx, taskID, ref, script, fmt.Sprintf("Typed into %s", ref))
}

func (s *CDPSession) Select(ctx context.Context, taskID, ref, value string) (*ActionResult, error) {
	script := fmt.Sprintf(`el.value = %q; el.dispatchEvent(new Event('change', {bubbles: true}));`, value)
	return s.refAction(ctx, taskID, ref, script, fmt.Sprintf("Selected %q in %s", value, ref))
}

func (s *CDPSession) Enter(ctx context.Context, taskID string) (*ActionResult, error) {
	return s.dispatchKey(ctx, taskID, "Enter", "\r", 13)
}

func (s *CDPSession) dispatchKey(ctx context.Context, taskID, key, text string, code int) (*ActionResult, error) {
	p, err := s.claimPage(ctx, taskID)
	if err != nil {
		return nil, err
	}
	for _, eventType := range []string{"keyDown", "keyUp"} {
		params := map[string]any{
			"type":                  eventType,
			"key":                   key,
			"windowsVirtualKeyCode": code,
		}
		if eventType == "keyDown" && text != "" {
			params["text"] = text
		}
		if err := s.conn.call(ctx, p.sessionID, "Input.dispatchKeyEvent", params, nil); err != nil {
			if errors.Is(err, errors.KindBrowserPageClosed) {
				s.reclaim(taskID)
			}
			return nil, err
		}
	}
	return &ActionResult{Success: true, Message: fmt.Sprintf("Pressed %s", key)}, nil
}

func (s *CDPSession) PressKeys(ctx context.Context, taskID string, keys []string) (*ActionResult, error) {
	for _, key := range keys {
		if _, err := s.dispatchKey(ctx, taskID, key, "", keyCode(key)); err != nil {
			return nil, err
		}
	}
	return &ActionResult{Success: true, Message: fmt.Sprintf("Pressed %s", strings.Join(keys, "+"))}, nil
}

func keyCode(key string) int {
	switch strings.ToLower(key) {
	case "enter":
		return 13
	case "tab":
		return 9
	case "escape", "esc":
		return 27
	case "backspace":
		return 8
	default:
		if len(key) == 1 {
			return int(strings.ToUpper(key)[0])
		}
		return 0
	}
}

func (s *CDPSession) Back(ctx context.Context, taskID string) (*ActionResult, error) {
	if err := s.evaluate(ctx, taskID, "history.back(); JSON.stringify(true)", nil); err != nil {
		return nil, err
	}
	return &ActionResult{Success: true, Message: "Navigated back"}, nil
}

func (s *CDPSession) Forward(ctx context.Context, taskID string) (*ActionResult, error) {
	if err := s.evaluate(ctx, taskID, "history.forward(); JSON.stringify(true)", nil); err != nil {
		return nil, err
	}
	return &ActionResult{Success: true, Message: "Navigated forward"}, nil
}

func (s *CDPSession) Scroll(ctx context.Context, taskID, direction string, pixels int) (*ActionResult, error) {
	if pixels <= 0 {
		pixels = 600
	}
	dx, dy := 0, pixels
	switch strings.ToLower(direction) {
	case "up":
		dy = -pixels
	case "left":
		dx, dy = -pixels, 0
	case "right":
		dx, dy = pixels, 0
	}
	expr := fmt.Sprintf("window.scrollBy(%d, %d); JSON.stringify(true)", dx, dy)
	if err := s.evaluate(ctx, taskID, expr, nil); err != nil {
		return nil, err
	}
	return &ActionResult{Success: true, Message: fmt.Sprintf("Scrolled %s %dpx", direction, pixels)}, nil
}

func (s *CDPSession) MouseControl(ctx context.Context, taskID string, x, y int, action string) (*ActionResult, error) {
	p, err := s.claimPage(ctx, taskID)
	if err != nil {
		return nil, err
	}
	button := "left"
	clickCount := 1
	switch action {
	case "dblclick":
		clickCount = 2
	case "right_click":
		button = "right"
	}
	for _, eventType := range []string{"mousePressed", "mouseReleased"} {
		err := s.conn.call(ctx, p.sessionID, "Input.dispatchMouseEvent", map[string]any{
			"type":       eventType,
			"x":          x,
			"y":          y,
			"button":     button,
			"clickCount": clickCount,
		}, nil)
		if err != nil {
			if errors.Is(err, errors.KindBrowserPageClosed) {
				s.reclaim(taskID)
			}
			return nil, err
		}
	}
	return &ActionResult{Success: true, Message: fmt.Sprintf("Mouse %s at (%d,%d)", action, x, y)}, nil
}

func (s *CDPSession) TakeSnapshot(ctx context.Context, taskID string) (*Snapshot, error) {
	var raw string
	if err := s.evaluate(ctx, taskID, snapshotScript, &raw); err != nil {
		return nil, err
	}
	var snapshot Snapshot
	if err := json.Unmarshal([]byte(raw), &snapshot); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snapshot, nil
}

func (s *CDPSession) Screenshot(ctx context.Context, taskID string) (string, error) {
	p, err := s.claimPage(ctx, taskID)
	if err != nil {
		return "", err
	}
	var shot struct {
		Data string `json:"data"`
	}
	err = s.conn.call(ctx, p.sessionID, "Page.captureScreenshot", map[string]any{"format": "jpeg", "quality": 70}, &shot)
	if err != nil {
		if errors.Is(err, errors.KindBrowserPageClosed) {
			s.reclaim(taskID)
		}
		return "", err
	}
	return "data:image/jpeg;base64," + shot.Data, nil
}

func (s *CDPSession) CloseTaskTabs(ctx context.Context, taskID string) error {
	s.mu.Lock()
	targets := s.tabGroup[taskID]
	delete(s.tabGroup, taskID)
	delete(s.claimed, taskID)
	s.mu.Unlock()

	for _, targetID := range targets {
		if err := s.conn.call(ctx, "", "Target.closeTarget", map[string]any{"targetId": targetID}, nil); err != nil {
			s.logger.Debug("closing tab %s: %v", targetID, err)
		}
	}
	return nil
}

func (s *CDPSession) Close() error {
	return s.conn.close()
}

// snapshotScript labels interactive elements with data-ami-ref attributes and
// returns the accessibility-style projection agents reference elements by.
const snapshotScript = `(() => {
  const selectors = 'a, button, input, textarea, select, [role="button"], [role="link"], [role="checkbox"], [role="tab"], [onclick]';
  const elements = [];
  let n = 0;
  for (const el of document.querySelectorAll(selectors)) {
    const rect = el.getBoundingClientRect();
    if (rect.width === 0 || rect.height === 0) continue;
    n++;
    const ref = 'e' + n;
    el.setAttribute('data-ami-ref', ref);
    const role = el.getAttribute('role') || el.tagName.toLowerCase();
    const name = (el.innerText || el.value || el.placeholder || el.getAttribute('aria-label') || '').trim().slice(0, 80);
    const entry = {ref: ref, role: role, name: name};
    if (el.value !== undefined && el.value !== '') entry.value = String(el.value).slice(0, 80);
    elements.push(entry);
    if (elements.length >= 200) break;
  }
  return JSON.stringify({url: window.location.href, title: document.title, elements: elements});
})()`
