// Package gateway is the HTTP transport adapter over the logical service
// surface: a thin gin layer that translates RunAgentInstruction,
// RunAgentInstructionAsync, QueryTaskStatus, CancelTask, ListTasks,
// GetAgentInfo and CreateSandbox into requests against the Task Manager,
// and streams the Event Bus to clients over SSE. stream.go adds the
// alternate WebSocket framing over the same Subscription, so both stream
// shapes stay thin adapters over the one Event Bus.
package gateway

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/lybic/agentcore/internal/backend"
	"github.com/lybic/agentcore/internal/common/logger"
	"github.com/lybic/agentcore/internal/metrics"
	"github.com/lybic/agentcore/internal/taskmanager"
	"github.com/lybic/agentcore/pkg/agent"
)

// Version is the service version reported by GetAgentInfo.
const Version = "0.1.0"

// Server wires a Task Manager into an HTTP router.
type Server struct {
	mgr        *taskmanager.Manager
	metrics    *metrics.Metrics
	log        *logger.Logger
	start      time.Time
	maxConc    int64
	backendCfg BackendConfig
}

// BackendConfig carries the defaults GetAgentInfo reports. CreateSandbox
// does not read it; a request that omits the backend gets BackendLybic.
type BackendConfig struct {
	LogLevel string
	Domain   string
}

// New constructs a Server.
func New(mgr *taskmanager.Manager, m *metrics.Metrics, log *logger.Logger, maxConcurrent int64, cfg BackendConfig) *Server {
	return &Server{mgr: mgr, metrics: m, log: log, start: time.Now(), maxConc: maxConcurrent, backendCfg: cfg}
}

// Router builds the gin.Engine exposing the full RPC surface under
// /api/v1/agent, plus a liveness /health endpoint.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(s.requestLogger(), s.recovery())

	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	v1 := r.Group("/api/v1/agent")
	v1.GET("/info", s.getAgentInfo)
	v1.POST("/tasks", s.runAgentInstructionAsync)
	v1.POST("/tasks/stream", s.runAgentInstructionSSE)
	v1.GET("/tasks", s.listTasks)
	v1.GET("/tasks/:id", s.queryTaskStatus)
	v1.GET("/tasks/:id/stream", s.subscribeSSE)
	v1.GET("/tasks/:id/ws", s.subscribeWS)
	v1.POST("/tasks/:id/cancel", s.cancelTask)
	v1.POST("/sandboxes", s.createSandbox)

	return r
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)),
		)
		if s.metrics != nil {
			s.metrics.GRPCRequest(c.FullPath())
			s.metrics.ObserveGRPCRequestDuration(c.FullPath(), time.Since(start).Seconds())
			if c.Writer.Status() >= 400 {
				s.metrics.Error(c.FullPath(), http.StatusText(c.Writer.Status()))
			}
		}
	}
}

func (s *Server) recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("panic recovered in http handler", zap.Any("panic", r))
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			}
		}()
		c.Next()
	}
}

// agentInfoResponse is GetAgentInfo's output shape.
type agentInfoResponse struct {
	Version       string `json:"version"`
	MaxConcurrent int64  `json:"max_concurrent"`
	LogLevel      string `json:"log_level"`
	Domain        string `json:"domain"`
}

func (s *Server) getAgentInfo(c *gin.Context) {
	c.JSON(http.StatusOK, agentInfoResponse{
		Version:       Version,
		MaxConcurrent: s.maxConc,
		LogLevel:      s.backendCfg.LogLevel,
		Domain:        s.backendCfg.Domain,
	})
}

func (s *Server) submitRequestFromBody(c *gin.Context) (agent.SubmitRequest, bool) {
	var req agent.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, agent.Validation("malformed request body: "+err.Error()))
		return agent.SubmitRequest{}, false
	}
	return req, true
}

type submitResponse struct {
	TaskID string           `json:"task_id"`
	Status agent.TaskStatus `json:"status"`
}

func (s *Server) runAgentInstructionAsync(c *gin.Context) {
	req, ok := s.submitRequestFromBody(c)
	if !ok {
		return
	}
	task, err := s.mgr.Submit(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, submitResponse{TaskID: task.TaskID, Status: task.Status})
}

func (s *Server) queryTaskStatus(c *gin.Context) {
	rec, err := s.mgr.Query(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) cancelTask(c *gin.Context) {
	cancelled, err := s.mgr.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	msg := "cancellation requested"
	if !cancelled {
		msg = "task already ended"
	}
	c.JSON(http.StatusOK, gin.H{"success": cancelled, "message": msg})
}

type listResponse struct {
	Tasks  []agent.Record `json:"tasks"`
	Total  int            `json:"total"`
	Limit  int            `json:"limit"`
	Offset int            `json:"offset"`
}

func (s *Server) listTasks(c *gin.Context) {
	limit := queryInt(c, "limit", 20)
	offset := queryInt(c, "offset", 0)
	recs, total, err := s.mgr.List(c.Request.Context(), limit, offset)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, listResponse{Tasks: recs, Total: total, Limit: limit, Offset: offset})
}

type createSandboxRequest struct {
	Name           string            `json:"name"`
	MaxLifeSeconds int               `json:"max_life_seconds"`
	ProjectID      string            `json:"project_id,omitempty"`
	Shape          string            `json:"shape"`
	Backend        agent.BackendKind `json:"backend"`
}

type createSandboxResponse struct {
	SandboxID string `json:"sandbox_id"`
	Shape     string `json:"shape"`
	Status    string `json:"status"`
}

func (s *Server) createSandbox(c *gin.Context) {
	var req createSandboxRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, agent.Validation("malformed request body: "+err.Error()))
		return
	}
	if req.Backend == "" {
		req.Backend = agent.BackendLybic
	}
	id, err := backend.CreateSandbox(c.Request.Context(), req.Backend, req.Shape, req.MaxLifeSeconds, s.log)
	if err != nil {
		writeError(c, err)
		return
	}
	if s.metrics != nil {
		s.metrics.SandboxCreated(string(req.Backend))
	}
	c.JSON(http.StatusOK, createSandboxResponse{SandboxID: id, Shape: req.Shape, Status: "created"})
}

func writeError(c *gin.Context, err error) {
	c.JSON(agent.HTTPStatus(err), gin.H{"error": err.Error(), "kind": agent.KindOf(err)})
}

func queryInt(c *gin.Context, key string, def int) int {
	v := c.Query(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
