// Package api exposes the scheduler, router and breaker registry over
// HTTP for operational use.
package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentops/dispatch/internal/breaker"
	"github.com/agentops/dispatch/internal/scheduler"
)

// Server wires HTTP handlers over the orchestration core.
type Server struct {
	scheduler *scheduler.Scheduler
	breakers  *breaker.Manager
	registry  *prometheus.Registry
	logger    *slog.Logger
	engine    *gin.Engine
}

// New creates the HTTP server. registry may be nil to disable /metrics.
func New(sched *scheduler.Scheduler, breakers *breaker.Manager, registry *prometheus.Registry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		scheduler: sched,
		breakers:  breakers,
		registry:  registry,
		logger:    logger,
		engine:    engine,
	}
	s.routes()
	return s
}

// Handler returns the underlying HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) routes() {
	v1 := s.engine.Group("/v1")
	{
		v1.POST("/tasks", s.submitTask)
		v1.POST("/tasks/batch", s.submitBatch)
		v1.GET("/tasks", s.listTasks)
		v1.GET("/tasks/:id", s.getTask)
		v1.DELETE("/tasks/:id", s.cancelTask)
		v1.GET("/agents", s.agentWorkloads)
		v1.GET("/status", s.systemStatus)
		v1.GET("/breakers", s.breakerStatus)
		v1.POST("/breakers/:name/force-open", s.forceOpen)
		v1.POST("/breakers/:name/force-close", s.forceClose)
	}

	if s.registry != nil {
		s.engine.GET("/metrics", gin.WrapH(
			promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))
	}
}

// taskRequest is the submission body for a single task.
type taskRequest struct {
	Key                 string   `json:"key,omitempty"`
	Type                string   `json:"type"`
	Description         string   `json:"description,omitempty"`
	Priority            string   `json:"priority,omitempty"`
	Dependencies        []string `json:"dependencies,omitempty"`
	EstimatedDurationMS int64    `json:"estimated_duration_ms,omitempty"`
}

func (r taskRequest) toSpec() (scheduler.TaskSpec, bool) {
	priority, ok := scheduler.ParsePriority(r.Priority)
	if !ok {
		return scheduler.TaskSpec{}, false
	}
	return scheduler.TaskSpec{
		Key:               r.Key,
		Type:              r.Type,
		Description:       r.Description,
		Priority:          priority,
		Dependencies:      r.Dependencies,
		EstimatedDuration: time.Duration(r.EstimatedDurationMS) * time.Millisecond,
	}, true
}

func (s *Server) submitTask(c *gin.Context) {
	var req taskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed request body"})
		return
	}

	spec, ok := req.toSpec()
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown priority " + req.Priority})
		return
	}

	id, err := s.scheduler.Submit(spec)
	if err != nil {
		s.writeSubmitError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"task_id": id})
}

type batchRequest struct {
	Tasks []taskRequest `json:"tasks"`
}

func (s *Server) submitBatch(c *gin.Context) {
	var req batchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed request body"})
		return
	}

	specs := make([]scheduler.TaskSpec, 0, len(req.Tasks))
	for _, t := range req.Tasks {
		spec, ok := t.toSpec()
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown priority " + t.Priority})
			return
		}
		specs = append(specs, spec)
	}

	ids, err := s.scheduler.SubmitBatch(specs)
	if err != nil {
		s.writeSubmitError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"task_ids": ids})
}

func (s *Server) writeSubmitError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, scheduler.ErrCapacityExceeded):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
	case errors.Is(err, scheduler.ErrValidation),
		errors.Is(err, scheduler.ErrDependencyUnresolved):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		s.logger.Error("task submission failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// taskView is the wire representation of a task.
type taskView struct {
	ID            string   `json:"id"`
	Type          string   `json:"type"`
	Description   string   `json:"description,omitempty"`
	Priority      string   `json:"priority"`
	Status        string   `json:"status"`
	Dependencies  []string `json:"dependencies,omitempty"`
	AssignedAgent string   `json:"assigned_agent,omitempty"`
	Result        any      `json:"result,omitempty"`
	Error         string   `json:"error,omitempty"`
	CreatedAt     string   `json:"created_at"`
	StartedAt     string   `json:"started_at,omitempty"`
	CompletedAt   string   `json:"completed_at,omitempty"`
}

func toView(t *scheduler.Task) taskView {
	view := taskView{
		ID:            t.ID,
		Type:          t.Type,
		Description:   t.Description,
		Priority:      t.Priority.String(),
		Status:        t.Status.String(),
		Dependencies:  t.Dependencies,
		AssignedAgent: t.AssignedAgent,
		Result:        t.Result,
		Error:         t.Err,
		CreatedAt:     t.CreatedAt.Format(time.RFC3339Nano),
	}
	if !t.StartedAt.IsZero() {
		view.StartedAt = t.StartedAt.Format(time.RFC3339Nano)
	}
	if !t.CompletedAt.IsZero() {
		view.CompletedAt = t.CompletedAt.Format(time.RFC3339Nano)
	}
	return view
}

func (s *Server) listTasks(c *gin.Context) {
	tasks := s.scheduler.Tasks()
	views := make([]taskView, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, toView(t))
	}
	c.JSON(http.StatusOK, gin.H{"tasks": views})
}

func (s *Server) getTask(c *gin.Context) {
	task := s.scheduler.Task(c.Param("id"))
	if task == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	c.JSON(http.StatusOK, toView(task))
}

func (s *Server) cancelTask(c *gin.Context) {
	id := c.Param("id")
	if !s.scheduler.Cancel(id) {
		// Either unknown, or past the point of cancellation.
		if s.scheduler.Task(id) == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
			return
		}
		c.JSON(http.StatusConflict, gin.H{"error": "task is not pending"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": true})
}

func (s *Server) agentWorkloads(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"agents": s.scheduler.AgentWorkloads()})
}

func (s *Server) systemStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.scheduler.SystemStatus())
}

func (s *Server) breakerStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"breakers": s.breakers.Status()})
}

func (s *Server) forceOpen(c *gin.Context) {
	name := c.Param("name")
	if !s.breakers.ForceOpen(name) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown breaker"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"breaker": name, "status": "open"})
}

func (s *Server) forceClose(c *gin.Context) {
	name := c.Param("name")
	if !s.breakers.ForceClose(name) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown breaker"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"breaker": name, "status": "closed"})
}
