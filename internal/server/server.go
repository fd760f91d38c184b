// Copyright 2026 The tiermux Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package server implements the tier agent HTTP surface. Task-level
// failure is reported as success:false in a 200 body; only true
// transport/protocol failures use non-2xx statuses.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	json "github.com/goccy/go-json"
	log "github.com/sirupsen/logrus"

	"github.com/tiermux/tiermux/internal/config"
	"github.com/tiermux/tiermux/internal/sandbox"
	"github.com/tiermux/tiermux/internal/task"
	"github.com/tiermux/tiermux/internal/tools"
)

// Server is one tier agent process.
type Server struct {
	cfg     *config.Config
	tools   *tools.Manager
	sandbox *sandbox.Sandbox
	hub     *Hub

	startedAt time.Time
	starting  atomic.Bool

	tasksProcessed atomic.Int64
	tasksFailed    atomic.Int64
	lastError      atomic.Value // string

	shutdownCh chan struct{}
}

// New creates a tier agent server over the given tool manager and sandbox.
func New(cfg *config.Config, toolManager *tools.Manager, sb *sandbox.Sandbox) *Server {
	s := &Server{
		cfg:        cfg,
		tools:      toolManager,
		sandbox:    sb,
		hub:        NewHub(),
		startedAt:  time.Now(),
		shutdownCh: make(chan struct{}),
	}
	s.starting.Store(true)
	s.lastError.Store("")
	return s
}

// Ready marks the agent healthy; until then /health reports "starting".
func (s *Server) Ready() {
	s.starting.Store(false)
}

// Hub exposes the event hub so other components can broadcast.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Router builds the gin engine with the agent's routes.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET("/ping", s.handlePing)
	engine.GET("/health", s.handleHealth)
	engine.GET("/tools", s.handleTools)
	engine.GET("/events", s.handleEvents)
	engine.POST("/execute", s.handleExecute)
	engine.POST("/call", s.handleCall)
	engine.POST("/fallback", s.handleFallback)
	engine.POST("/reload", s.controlGuard, s.handleReload)
	engine.POST("/shutdown", s.controlGuard, s.handleShutdown)

	return engine
}

// Run serves until ctx is canceled or a shutdown is requested. A failure
// to bind the listen port is fatal and returned to the caller.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler: s.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	s.Ready()
	log.Infof("tier agent %s listening on %s", s.cfg.Role, srv.Addr)

	select {
	case err := <-errCh:
		return fmt.Errorf("tier agent server failed: %w", err)
	case <-ctx.Done():
	case <-s.shutdownCh:
		log.Infof("tier agent %s shutting down on request", s.cfg.Role)
	}

	s.hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("tier agent shutdown failed: %w", err)
	}
	return nil
}

func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"pong": true})
}

func (s *Server) handleHealth(c *gin.Context) {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)

	status := task.StateHealthy
	if s.starting.Load() {
		status = task.StateStarting
	} else if s.sandbox.ActiveCount() > 8 {
		status = task.StateDegraded
	}

	lastError, _ := s.lastError.Load().(string)

	c.JSON(http.StatusOK, task.ServerHealth{
		Role:           s.cfg.Role,
		Status:         status,
		Uptime:         time.Since(s.startedAt).Seconds(),
		Load:           float64(s.sandbox.ActiveCount()) / 10.0,
		TasksProcessed: s.tasksProcessed.Load(),
		TasksQueued:    0,
		TasksFailed:    s.tasksFailed.Load(),
		LastError:      lastError,
		MemoryBytes:    stats.HeapAlloc,
	})
}

func (s *Server) handleTools(c *gin.Context) {
	c.JSON(http.StatusOK, s.tools.List())
}

func (s *Server) handleEvents(c *gin.Context) {
	if err := s.hub.Subscribe(c.Writer, c.Request); err != nil {
		log.Debugf("event subscription failed: %v", err)
	}
}

// handleExecute runs a task to completion. The response is always 200
// with a result body once the task payload parses; only a malformed
// payload is a protocol failure.
func (s *Server) handleExecute(c *gin.Context) {
	var t task.Task
	if err := json.NewDecoder(c.Request.Body).Decode(&t); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("malformed task payload: %v", err)})
		return
	}

	result := s.execute(c.Request.Context(), &t)
	result.ExecutedBy = s.cfg.Role

	if result.Success {
		s.tasksProcessed.Add(1)
	} else {
		s.tasksProcessed.Add(1)
		s.tasksFailed.Add(1)
		s.lastError.Store(result.Error)
	}

	c.JSON(http.StatusOK, result)
}

func (s *Server) execute(ctx context.Context, t *task.Task) *task.Result {
	switch t.Type {
	case "tool":
		handler, ok := s.tools.Get(t.Tool)
		if !ok {
			return &task.Result{
				TaskID:  t.ID,
				Success: false,
				Error:   fmt.Sprintf("unknown tool %q", t.Tool),
			}
		}
		if !s.cfg.Sandbox.Enabled {
			return &task.Result{
				TaskID:  t.ID,
				Success: false,
				Error:   "sandboxed execution is disabled on this tier",
			}
		}
		return s.sandbox.Execute(ctx, t.ID, handler.Invoke, t.Args, t.Timeout)
	default:
		return &task.Result{
			TaskID:  t.ID,
			Success: false,
			Error:   fmt.Sprintf("unsupported task type %q", t.Type),
		}
	}
}

// handleCall invokes a named tool directly, returning the raw output or
// an error object. Unknown tools and failures use non-2xx here: /call is
// a direct RPC, not a task submission.
func (s *Server) handleCall(c *gin.Context) {
	var req struct {
		Tool string                 `json:"tool"`
		Args map[string]interface{} `json:"args"`
	}
	if err := json.NewDecoder(c.Request.Body).Decode(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("malformed call payload: %v", err)})
		return
	}

	handler, ok := s.tools.Get(req.Tool)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("unknown tool %q", req.Tool)})
		return
	}

	result := s.sandbox.Execute(c.Request.Context(), "call-"+req.Tool, handler.Invoke, req.Args, s.cfg.Sandbox.MaxExecutionTime)
	if !result.Success {
		c.JSON(http.StatusInternalServerError, gin.H{"error": result.Error})
		return
	}

	c.JSON(http.StatusOK, gin.H{"output": result.Data, "execution_time_ms": result.ExecutionTime.Milliseconds()})
}

func (s *Server) handleFallback(c *gin.Context) {
	var req struct {
		From   string `json:"from"`
		TaskID string `json:"task_id"`
	}
	_ = json.NewDecoder(c.Request.Body).Decode(&req)

	log.Infof("receiving fallback traffic from tier %s (task %s)", req.From, req.TaskID)
	s.hub.Broadcast(Event{
		Type:      "fallback_received",
		Tier:      s.cfg.Role,
		Timestamp: time.Now(),
		Data:      map[string]interface{}{"from": req.From, "task_id": req.TaskID},
	})

	c.JSON(http.StatusOK, gin.H{"acknowledged": true})
}

func (s *Server) handleReload(c *gin.Context) {
	s.tools.Reconcile()
	s.hub.Broadcast(Event{
		Type:      "tools_reloaded",
		Tier:      s.cfg.Role,
		Timestamp: time.Now(),
		Data:      map[string]interface{}{"tool_count": len(s.tools.List())},
	})
	c.JSON(http.StatusOK, gin.H{"reloaded": true, "tool_count": len(s.tools.List())})
}

func (s *Server) handleShutdown(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"shutting_down": true})
	select {
	case <-s.shutdownCh:
	default:
		close(s.shutdownCh)
	}
}

// controlGuard checks the control key header on mutating control routes.
func (s *Server) controlGuard(c *gin.Context) {
	if !s.cfg.VerifyControlKey(c.GetHeader("X-Control-Key")) {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid control key"})
		return
	}
	c.Next()
}
