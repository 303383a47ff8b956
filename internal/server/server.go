// Package server exposes the daemon's HTTP surface: the quick-task API, the
// per-task SSE stream, workspace file access, settings, health and metrics.
package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ami/internal/browser"
	"ami/internal/errors"
	"ami/internal/executor"
	"ami/internal/llm"
	"ami/internal/logging"
	"ami/internal/memory"
	"ami/internal/metrics"
	"ami/internal/orchestrator"
	"ami/internal/planner"
	"ami/internal/settings"
	"ami/internal/task"
)

// Server wires the HTTP layer to the task machinery.
type Server struct {
	registry     *task.Registry
	client       llm.Client
	session      browser.Session // nil when no browser is attached
	memory       *memory.Client
	store        *settings.Store
	shell        string
	maxSteps     int
	maxTokens    int
	contextLimit int
	logger       logging.Logger
}

// Options carries server construction inputs.
type Options struct {
	Registry     *task.Registry
	Client       llm.Client
	Browser      browser.Session
	Memory       *memory.Client
	Store        *settings.Store
	Shell        string
	MaxSteps     int
	MaxTokens    int
	ContextLimit int
}

// New builds the server.
func New(opts Options) *Server {
	return &Server{
		registry:     opts.Registry,
		client:       opts.Client,
		session:      opts.Browser,
		memory:       opts.Memory,
		store:        opts.Store,
		shell:        opts.Shell,
		maxSteps:     opts.MaxSteps,
		maxTokens:    opts.MaxTokens,
		contextLimit: opts.ContextLimit,
		logger:       logging.NewComponentLogger("Server"),
	}
}

// Router builds the gin engine with all routes mounted.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders: []string{"Content-Type", "Authorization"},
	}))

	r.GET("/healthz", s.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api/v1/quick-task")
	{
		api.POST("/execute", s.handleExecute)
		api.GET("/stream/:id", s.handleStream)
		api.POST("/message/:id", s.handleMessage)
		api.POST("/cancel/:id", s.handleCancel)
		api.POST("/pause/:id", s.handlePause)
		api.POST("/resume/:id", s.handleResume)
		api.GET("/tasks", s.handleTasks)
		api.GET("/status/:id", s.handleStatus)
		api.GET("/result/:id", s.handleResult)
		api.GET("/detail/:id", s.handleDetail)
		api.GET("/workspace/:id", s.handleWorkspace)
		api.GET("/workspace/:id/file", s.handleWorkspaceFile)
		api.DELETE("/workspace/:id/file", s.handleWorkspaceFileDelete)
	}

	sett := r.Group("/api/v1/settings")
	{
		sett.GET("", s.handleGetSettings)
		sett.POST("", s.handleSaveSettings)
		sett.GET("/integrations", s.handleIntegrations)
		sett.POST("/integrations", s.handleSetIntegration)
	}

	return r
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "tasks": s.registry.Stats()})
}

type executeRequest struct {
	Task string `json:"task" binding:"required"`
}

// handleExecute creates a task and starts its session in the background. The
// response carries the task ID; progress flows over the SSE stream.
func (s *Server) handleExecute(c *gin.Context) {
	var req executeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "task field is required"})
		return
	}

	t, err := s.registry.Create(req.Task)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	metrics.TasksCreated.Inc()

	session := orchestrator.NewSession(t, orchestrator.Deps{
		Client:  s.client,
		Planner: planner.New(s.client, s.memory),
		Executor: executor.Config{
			Client:       s.client,
			Session:      s.session,
			Memory:       s.memory,
			Shell:        s.shell,
			MaxSteps:     s.maxSteps,
			MaxTokens:    s.maxTokens,
			ContextLimit: s.contextLimit,
		},
	})
	go func() {
		err := session.Run(context.Background())
		status := string(t.Status())
		metrics.TasksFinished.WithLabelValues(status).Inc()
		metrics.TaskDuration.Observe(t.DurationSeconds())
		if err != nil {
			s.logger.Error("session for task %s ended with error: %v", t.ID, err)
		}
	}()

	c.JSON(http.StatusOK, gin.H{"task_id": t.ID, "status": string(t.Status())})
}

func (s *Server) lookup(c *gin.Context) (*task.Task, bool) {
	t, ok := s.registry.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return nil, false
	}
	return t, true
}

type messageRequest struct {
	Type     string `json:"type"`
	Response string `json:"response"`
	Message  string `json:"message"`
}

// handleMessage delivers a typed user message: a human_response answers a
// blocked ask_human rendezvous, a user_message joins the steering queue.
// Anything else is a 400.
func (s *Server) handleMessage(c *gin.Context) {
	t, ok := s.lookup(c)
	if !ok {
		return
	}
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid message body"})
		return
	}

	switch req.Type {
	case "human_response":
		if req.Response == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "human_response requires a response"})
			return
		}
		t.AddConversation("user", req.Response)
		if !t.ProvideHumanResponse(req.Response) {
			c.JSON(http.StatusConflict, gin.H{"error": "no pending question to answer"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"delivered": "human_response"})

	case "user_message":
		if req.Message == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "user_message requires a message"})
			return
		}
		t.AddConversation("user", req.Message)
		if !t.PutUserMessage(req.Message) {
			metrics.SteeringDropped.Inc()
			c.JSON(http.StatusConflict, gin.H{"error": "message queue is full or the task already finished"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"delivered": "steering"})

	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "type must be human_response or user_message"})
	}
}

func (s *Server) handleCancel(c *gin.Context) {
	t, ok := s.lookup(c)
	if !ok {
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&body)
	if body.Reason == "" {
		body.Reason = "cancelled via API"
	}
	t.MarkCancelled(body.Reason)
	c.JSON(http.StatusOK, gin.H{"status": string(t.Status())})
}

// handlePause suspends a running task. Pausing anything else is a 400: the
// pause/resume pair is a strict running<->waiting toggle.
func (s *Server) handlePause(c *gin.Context) {
	t, ok := s.lookup(c)
	if !ok {
		return
	}
	if t.Status() != task.StatusRunning {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("cannot pause a %s task", t.Status())})
		return
	}
	t.Pause()
	t.SetStatus(task.StatusWaiting)
	c.JSON(http.StatusOK, gin.H{"paused": true, "status": string(t.Status())})
}

// handleResume wakes a waiting task; resuming anything else is a 400.
func (s *Server) handleResume(c *gin.Context) {
	t, ok := s.lookup(c)
	if !ok {
		return
	}
	if t.Status() != task.StatusWaiting {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("cannot resume a %s task", t.Status())})
		return
	}
	t.Resume()
	t.SetStatus(task.StatusRunning)
	c.JSON(http.StatusOK, gin.H{"paused": false, "status": string(t.Status())})
}

func (s *Server) handleTasks(c *gin.Context) {
	tasks := s.registry.List()
	out := make([]gin.H, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, gin.H{
			"task_id":    t.ID,
			"status":     string(t.Status()),
			"prompt":     t.Prompt,
			"created_at": t.CreatedAt(),
			"updated_at": t.UpdatedAt(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"tasks": out, "stats": s.registry.Stats()})
}

func (s *Server) handleStatus(c *gin.Context) {
	t, ok := s.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"task_id":  t.ID,
		"status":   string(t.Status()),
		"paused":   t.Paused(),
		"subtasks": t.Subtasks(),
	})
}

func (s *Server) handleResult(c *gin.Context) {
	t, ok := s.lookup(c)
	if !ok {
		return
	}
	if !t.Status().Terminal() {
		c.JSON(http.StatusAccepted, gin.H{"status": string(t.Status())})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":           string(t.Status()),
		"result":           t.Result(),
		"duration_seconds": t.DurationSeconds(),
	})
}

func (s *Server) handleDetail(c *gin.Context) {
	t, ok := s.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, t.ToJSON())
}

// handleWorkspace lists the task workspace tree.
func (s *Server) handleWorkspace(c *gin.Context) {
	t, ok := s.lookup(c)
	if !ok {
		return
	}
	var files []gin.H
	err := filepath.WalkDir(t.Workspace, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		rel, _ := filepath.Rel(t.Workspace, path)
		files = append(files, gin.H{"path": rel, "size": info.Size(), "modified": info.ModTime()})
		return nil
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"task_id": t.ID, "files": files})
}

// handleWorkspaceFile serves one workspace file. Escapes are a 403, not a
// 404: the caller asked for something it must never see.
func (s *Server) handleWorkspaceFile(c *gin.Context) {
	t, ok := s.lookup(c)
	if !ok {
		return
	}
	rel := c.Query("path")
	if rel == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "path query parameter is required"})
		return
	}
	resolved := filepath.Clean(filepath.Join(t.Workspace, rel))
	relCheck, err := filepath.Rel(t.Workspace, resolved)
	if err != nil || relCheck == ".." || strings.HasPrefix(relCheck, ".."+string(filepath.Separator)) {
		c.JSON(http.StatusForbidden, gin.H{"error": "path escapes the task workspace"})
		return
	}
	if _, err := os.Stat(resolved); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "file not found"})
		return
	}
	c.FileAttachment(resolved, filepath.Base(resolved))
}

// handleWorkspaceFileDelete removes one workspace file, with the same
// traversal guard as reads.
func (s *Server) handleWorkspaceFileDelete(c *gin.Context) {
	t, ok := s.lookup(c)
	if !ok {
		return
	}
	rel := c.Query("path")
	if rel == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "path query parameter is required"})
		return
	}
	resolved := filepath.Clean(filepath.Join(t.Workspace, rel))
	relCheck, err := filepath.Rel(t.Workspace, resolved)
	if err != nil || relCheck == ".." || strings.HasPrefix(relCheck, ".."+string(filepath.Separator)) {
		c.JSON(http.StatusForbidden, gin.H{"error": "path escapes the task workspace"})
		return
	}
	info, err := os.Stat(resolved)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "file not found"})
		return
	}
	if info.IsDir() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "path is a directory"})
		return
	}
	if err := os.Remove(resolved); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": rel})
}

func (s *Server) handleGetSettings(c *gin.Context) {
	loaded, err := s.store.Load()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, loaded)
}

func (s *Server) handleSaveSettings(c *gin.Context) {
	var in settings.Settings
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.store.Save(in); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, in)
}

func (s *Server) handleIntegrations(c *gin.Context) {
	listed, err := s.store.Integrations()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"integrations": listed})
}

func (s *Server) handleSetIntegration(c *gin.Context) {
	var in settings.Integration
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.store.SetIntegration(in); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, errors.KindInvalidInput) {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"name": in.Name, "api_key": settings.MaskCredential(in.APIKey)})
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context, port int) error {
	srv := &http.Server{
		Addr:    fmt.Sprintf("127.0.0.1:%d", port),
		Handler: s.Router(),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	s.logger.Info("listening on %s", srv.Addr)
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}
