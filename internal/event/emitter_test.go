package event

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitterOrdering(t *testing.T) {
	em := NewEmitter("task_1")
	em.Emit(New(ActionActivateAgent, ""))
	em.Emit(New(ActionDeactivateAgent, ""))

	first, ok := em.GetEvent(time.Second)
	require.True(t, ok)
	assert.Equal(t, ActionActivateAgent, first.Action)
	assert.Equal(t, "task_1", first.TaskID)

	second, ok := em.GetEvent(time.Second)
	require.True(t, ok)
	assert.Equal(t, ActionDeactivateAgent, second.Action)
}

func TestEmitterTimeout(t *testing.T) {
	em := NewEmitter("task_1")
	_, ok := em.GetEvent(20 * time.Millisecond)
	assert.False(t, ok)
}

func TestEmitterTerminalLatch(t *testing.T) {
	em := NewEmitter("task_1")
	em.Emit(New(ActionEnd, ""))
	assert.True(t, em.Closed())

	// Emits after the terminal are dropped.
	em.Emit(New(ActionNotice, ""))

	ev, ok := em.GetEvent(time.Second)
	require.True(t, ok)
	assert.Equal(t, ActionEnd, ev.Action)

	// Drained consumers observe a synthetic terminal, not the dropped event.
	ev, ok = em.GetEvent(time.Second)
	require.True(t, ok)
	assert.Equal(t, ActionWorkforceStopped, ev.Action)
}

func TestEmitterCloseIdempotent(t *testing.T) {
	em := NewEmitter("task_1")
	em.Close()
	em.Close()
	assert.True(t, em.Closed())

	select {
	case <-em.Done():
	default:
		t.Fatal("done channel should be closed")
	}
}

func TestEmitterDropOldestOnOverflow(t *testing.T) {
	em := NewEmitter("task_1")
	for i := 0; i < queueBound+5; i++ {
		em.Emit(New(ActionNotice, ""))
	}
	count := 0
	for {
		_, ok := em.GetEvent(10 * time.Millisecond)
		if !ok {
			break
		}
		count++
	}
	assert.Equal(t, queueBound, count)
}

func TestEmitScreenshotRoundTrip(t *testing.T) {
	em := NewEmitter("task_1")
	em.EmitScreenshot("data:image/png;base64,abc", "https://example.com", "Example", "tab_1", "wv_1")

	ev, ok := em.GetEvent(time.Second)
	require.True(t, ok)

	frame, err := ev.SSEFrame()
	require.NoError(t, err)
	assert.Contains(t, string(frame), "data: ")

	var decoded Event
	require.NoError(t, json.Unmarshal(frame[6:], &decoded))
	assert.Equal(t, "data:image/png;base64,abc", decoded.DataURI)
	assert.Equal(t, "https://example.com", decoded.URL)
	assert.Equal(t, "Example", decoded.Title)
	assert.Equal(t, "tab_1", decoded.TabID)
	assert.Equal(t, "wv_1", decoded.WebviewID)
}

func TestTerminalActionSet(t *testing.T) {
	for _, action := range []Action{ActionEnd, ActionWorkforceStopped, ActionError} {
		assert.True(t, action.Terminal(), "action %s", action)
	}
	assert.False(t, ActionNotice.Terminal())
	assert.False(t, ActionWorkforceCompleted.Terminal(),
		"the session stays live for confirmation after an execution round finishes")
}

func TestWorkforceCompletedDoesNotLatch(t *testing.T) {
	em := NewEmitter("task_1")
	done := New(ActionWorkforceCompleted, "")
	done.ExecutorID = "exec_1"
	em.Emit(done)
	assert.False(t, em.Closed())

	em.Emit(New(ActionWaitConfirm, ""))
	em.Emit(New(ActionEnd, ""))
	assert.True(t, em.Closed())

	var actions []Action
	for {
		ev, ok := em.GetEvent(100 * time.Millisecond)
		if !ok {
			break
		}
		actions = append(actions, ev.Action)
		if ev.Action.Terminal() {
			break
		}
	}
	assert.Equal(t, []Action{ActionWorkforceCompleted, ActionWaitConfirm, ActionEnd}, actions)
}
