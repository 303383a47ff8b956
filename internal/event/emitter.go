package event

import (
	"sync"
	"time"

	"ami/internal/logging"
)

// queueBound caps per-task buffered events. The SSE consumer reads at wire
// speed; spikes come from rapid tool chains, so exceeding the bound drops the
// oldest event with a warning.
const queueBound = 128

// Emitter is a per-task, ordered, bounded FIFO of events. Emit never blocks.
// A terminal action latches the emitter closed; later emits are dropped.
type Emitter struct {
	taskID string
	logger logging.Logger

	mu     sync.Mutex
	queue  []Event
	closed bool
	wake   chan struct{} // closed-and-replaced to wake blocked consumers
	done   chan struct{}
}

// NewEmitter creates an emitter for one task.
func NewEmitter(taskID string) *Emitter {
	return &Emitter{
		taskID: taskID,
		logger: logging.NewComponentLogger("EventEmitter"),
		wake:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Emit appends an event to the queue. Events after close are dropped with a
// debug log. A terminal action closes the emitter after it is queued.
func (e *Emitter) Emit(ev Event) {
	if ev.TaskID == "" {
		ev.TaskID = e.taskID
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		e.logger.Debug("emitter closed, dropping event action=%s task=%s", ev.Action, e.taskID)
		return
	}
	if len(e.queue) >= queueBound {
		e.logger.Warn("event queue full for task %s, dropping oldest (action=%s)", e.taskID, e.queue[0].Action)
		e.queue = e.queue[1:]
	}
	e.queue = append(e.queue, ev)
	terminal := ev.Action.Terminal()
	if terminal {
		e.closed = true
	}
	e.notifyLocked()
	if terminal {
		close(e.done)
	}
	e.mu.Unlock()
}

// EmitScreenshot is a convenience for the fattest event shape.
func (e *Emitter) EmitScreenshot(dataURI, url, title, tabID, webviewID string) {
	ev := New(ActionScreenshot, e.taskID)
	ev.DataURI = dataURI
	ev.URL = url
	ev.Title = title
	ev.TabID = tabID
	ev.WebviewID = webviewID
	e.Emit(ev)
}

// GetEvent pops the next event, blocking up to timeout. The second return is
// false on timeout. After close, remaining queued events are still delivered;
// once drained, a synthetic workforce_stopped terminal is returned so blocked
// consumers always observe stream completion.
func (e *Emitter) GetEvent(timeout time.Duration) (Event, bool) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		e.mu.Lock()
		if len(e.queue) > 0 {
			ev := e.queue[0]
			e.queue = e.queue[1:]
			e.mu.Unlock()
			return ev, true
		}
		closed := e.closed
		wake := e.wake
		e.mu.Unlock()

		if closed {
			return New(ActionWorkforceStopped, e.taskID), true
		}

		select {
		case <-wake:
		case <-deadline.C:
			return Event{}, false
		}
	}
}

// Close latches the emitter closed. Idempotent. Blocked consumers are woken
// and drain to the synthetic terminal.
func (e *Emitter) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.notifyLocked()
	close(e.done)
	e.mu.Unlock()
}

// Closed reports whether a terminal event was emitted or Close was called.
func (e *Emitter) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Done returns a channel closed when the emitter closes.
func (e *Emitter) Done() <-chan struct{} {
	return e.done
}

func (e *Emitter) notifyLocked() {
	close(e.wake)
	e.wake = make(chan struct{})
}
