package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"ami/internal/event"
	"ami/internal/metrics"
	"ami/internal/task"
)

const (
	// heartbeatInterval keeps proxies from closing quiet streams.
	heartbeatInterval = 30 * time.Second

	// streamIdleTimeout abandons streams that produce nothing for too
	// long; the consumer gets a synthetic failure end frame.
	streamIdleTimeout = 10 * time.Minute

	// pollInterval is how long each emitter wait blocks before the
	// handler re-checks timers and client disconnect.
	pollInterval = 1 * time.Second
)

// handleStream serves a task's event stream over SSE. The stream closes
// after a terminal event, on client disconnect, or after the idle timeout.
func (s *Server) handleStream(c *gin.Context) {
	t, ok := s.lookup(c)
	if !ok {
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	metrics.SSEStreams.Inc()
	defer metrics.SSEStreams.Dec()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	lastEvent := time.Now()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := c.Writer.WriteString(event.Heartbeat); err != nil {
				return
			}
			flusher.Flush()
			continue
		default:
		}

		ev, got := t.Emitter.GetEvent(pollInterval)
		if !got {
			if time.Since(lastEvent) > streamIdleTimeout {
				s.writeIdleAbort(c, flusher, t)
				return
			}
			continue
		}
		lastEvent = time.Now()

		frame, err := ev.SSEFrame()
		if err != nil {
			s.logger.Error("serializing event for task %s: %v", t.ID, err)
			continue
		}
		if _, err := c.Writer.Write(frame); err != nil {
			return
		}
		flusher.Flush()

		if ev.Action.Terminal() {
			return
		}
	}
}

// writeIdleAbort closes a silent stream with a synthetic failure so the
// consumer is never left hanging on a dead task.
func (s *Server) writeIdleAbort(c *gin.Context, flusher http.Flusher, t *task.Task) {
	s.logger.Warn("stream for task %s idle beyond %s, aborting", t.ID, streamIdleTimeout)
	if !t.Status().Terminal() {
		t.SetStatus(task.StatusFailed)
		t.SetError("stream idle timeout")
	}
	ev := event.New(event.ActionEnd, t.ID)
	ev.Status = string(task.StatusFailed)
	ev.Error = "no activity for 10 minutes"
	if frame, err := ev.SSEFrame(); err == nil {
		_, _ = c.Writer.Write(frame)
		flusher.Flush()
	}
}
