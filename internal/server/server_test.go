package server

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ami/internal/event"
	"ami/internal/llm"
	"ami/internal/settings"
	"ami/internal/task"
)

func newTestServer(t *testing.T) (*Server, *task.Registry) {
	t.Helper()
	registry := task.NewRegistry(t.TempDir())
	s := New(Options{
		Registry: registry,
		Client:   llm.NewMockClient(),
		Store:    settings.NewStore(t.TempDir()),
		MaxSteps: 10,
	})
	return s, registry
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(t)
	w := doJSON(t, s.Router(), http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
}

func TestExecuteValidation(t *testing.T) {
	s, _ := newTestServer(t)
	w := doJSON(t, s.Router(), http.MethodPost, "/api/v1/quick-task/execute", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "task field is required")
}

func TestExecuteCreatesTask(t *testing.T) {
	s, registry := newTestServer(t)
	w := doJSON(t, s.Router(), http.MethodPost, "/api/v1/quick-task/execute",
		map[string]string{"task": "list the files"})
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		TaskID string `json:"task_id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.TaskID)

	created, ok := registry.Get(resp.TaskID)
	require.True(t, ok)
	created.MarkCancelled("test cleanup")
}

func TestTaskLifecycleEndpoints(t *testing.T) {
	s, registry := newTestServer(t)
	router := s.Router()
	tk, err := registry.Create("do something")
	require.NoError(t, err)

	w := doJSON(t, router, http.MethodGet, "/api/v1/quick-task/status/"+tk.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"pending"`)

	// Result before completion is a 202.
	w = doJSON(t, router, http.MethodGet, "/api/v1/quick-task/result/"+tk.ID, nil)
	assert.Equal(t, http.StatusAccepted, w.Code)

	// Pause is a strict running->waiting transition.
	w = doJSON(t, router, http.MethodPost, "/api/v1/quick-task/pause/"+tk.ID, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code, "pausing a pending task is rejected")
	assert.False(t, tk.Paused())

	tk.SetStatus(task.StatusRunning)
	w = doJSON(t, router, http.MethodPost, "/api/v1/quick-task/pause/"+tk.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, tk.Paused())
	assert.Equal(t, task.StatusWaiting, tk.Status())

	w = doJSON(t, router, http.MethodPost, "/api/v1/quick-task/pause/"+tk.ID, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code, "double pause is rejected")

	w = doJSON(t, router, http.MethodPost, "/api/v1/quick-task/resume/"+tk.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.False(t, tk.Paused())
	assert.Equal(t, task.StatusRunning, tk.Status())

	w = doJSON(t, router, http.MethodPost, "/api/v1/quick-task/resume/"+tk.ID, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code, "resuming a running task is rejected")

	w = doJSON(t, router, http.MethodPost, "/api/v1/quick-task/message/"+tk.ID,
		map[string]string{"type": "user_message", "message": "also check the logs"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "steering")

	w = doJSON(t, router, http.MethodPost, "/api/v1/quick-task/message/"+tk.ID,
		map[string]string{"type": "telepathy", "message": "nope"})
	assert.Equal(t, http.StatusBadRequest, w.Code, "unknown message types are rejected")

	w = doJSON(t, router, http.MethodPost, "/api/v1/quick-task/cancel/"+tk.ID,
		map[string]string{"reason": "changed my mind"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, task.StatusCancelled, tk.Status())

	tk.SetResult("the answer")
	w = doJSON(t, router, http.MethodGet, "/api/v1/quick-task/result/"+tk.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "the answer")

	w = doJSON(t, router, http.MethodGet, "/api/v1/quick-task/detail/"+tk.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, router, http.MethodGet, "/api/v1/quick-task/tasks", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), tk.ID)

	w = doJSON(t, router, http.MethodGet, "/api/v1/quick-task/status/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMessagePrefersHumanRendezvous(t *testing.T) {
	s, registry := newTestServer(t)
	tk, err := registry.Create("ask me things")
	require.NoError(t, err)

	got := make(chan string, 1)
	go func() {
		text, _ := tk.WaitForHumanResponse(5 * time.Second)
		got <- text
	}()
	time.Sleep(50 * time.Millisecond)

	w := doJSON(t, s.Router(), http.MethodPost, "/api/v1/quick-task/message/"+tk.ID,
		map[string]string{"type": "human_response", "response": "use the blue one"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "human_response")
	assert.Equal(t, "use the blue one", <-got)
}

func TestHumanResponseWithoutQuestionConflicts(t *testing.T) {
	s, registry := newTestServer(t)
	tk, err := registry.Create("quiet task")
	require.NoError(t, err)

	// Fill the single rendezvous slot so the next response has nowhere to go.
	require.True(t, tk.ProvideHumanResponse("already queued"))
	w := doJSON(t, s.Router(), http.MethodPost, "/api/v1/quick-task/message/"+tk.ID,
		map[string]string{"type": "human_response", "response": "another answer"})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestWorkspaceListingAndFile(t *testing.T) {
	s, registry := newTestServer(t)
	router := s.Router()
	tk, err := registry.Create("produce a file")
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(tk.Workspace, "out"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(tk.Workspace, "out", "report.md"), []byte("# hi"), 0o644))

	w := doJSON(t, router, http.MethodGet, "/api/v1/quick-task/workspace/"+tk.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "out/report.md")

	w = doJSON(t, router, http.MethodGet, "/api/v1/quick-task/workspace/"+tk.ID+"/file?path=out/report.md", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "# hi", w.Body.String())

	w = doJSON(t, router, http.MethodGet, "/api/v1/quick-task/workspace/"+tk.ID+"/file?path=../../etc/passwd", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doJSON(t, router, http.MethodDelete, "/api/v1/quick-task/workspace/"+tk.ID+"/file?path=../../etc/passwd", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doJSON(t, router, http.MethodDelete, "/api/v1/quick-task/workspace/"+tk.ID+"/file?path=out/report.md", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	_, statErr := os.Stat(filepath.Join(tk.Workspace, "out", "report.md"))
	assert.True(t, os.IsNotExist(statErr), "the file is gone after DELETE")

	w = doJSON(t, router, http.MethodDelete, "/api/v1/quick-task/workspace/"+tk.ID+"/file?path=out/report.md", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSettingsEndpoints(t *testing.T) {
	s, _ := newTestServer(t)
	router := s.Router()

	w := doJSON(t, router, http.MethodPost, "/api/v1/settings",
		settings.Settings{LLMProvider: "openai", MaxSteps: 25})
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, router, http.MethodGet, "/api/v1/settings", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"openai"`)

	w = doJSON(t, router, http.MethodPost, "/api/v1/settings/integrations",
		settings.Integration{Name: "memory", APIKey: "sk-abc123def456ghi789"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "sk-abc123def456ghi789", "responses carry masked keys only")

	w = doJSON(t, router, http.MethodGet, "/api/v1/settings/integrations", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "sk-abc***i789")
}

func TestStreamDeliversEventsAndCloses(t *testing.T) {
	s, registry := newTestServer(t)
	tk, err := registry.Create("stream me")
	require.NoError(t, err)

	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	go func() {
		time.Sleep(100 * time.Millisecond)
		ev := event.New(event.ActionAgentReport, tk.ID)
		ev.Content = "halfway there"
		tk.Emitter.Emit(ev)
		done := event.New(event.ActionEnd, tk.ID)
		done.Status = "completed"
		tk.Emitter.Emit(done)
	}()

	resp, err := http.Get(srv.URL + "/api/v1/quick-task/stream/" + tk.ID)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var frames []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			frames = append(frames, line)
		}
	}
	require.Len(t, frames, 2, "stream closes after the terminal event")
	assert.Contains(t, frames[0], "halfway there")
	assert.Contains(t, frames[1], `"action":"end"`)
}
