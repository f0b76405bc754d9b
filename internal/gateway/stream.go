package gateway

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/lybic/agentcore/internal/eventbus"
)

// heartbeatInterval keeps idle SSE/WebSocket connections from being closed
// by intermediate proxies while a task is between stage events.
const heartbeatInterval = 15 * time.Second

// runAgentInstructionSSE is the streaming form of RunAgentInstruction: it
// submits the task, then immediately switches the response to SSE
// and streams its own Event Bus subscription to completion, so a single
// request covers both admission and the live stage feed.
func (s *Server) runAgentInstructionSSE(c *gin.Context) {
	req, ok := s.submitRequestFromBody(c)
	if !ok {
		return
	}
	task, err := s.mgr.Submit(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}

	sub, err := s.mgr.Subscribe(task.TaskID)
	if err != nil {
		// The task finished (or its bus closed) between Submit and Subscribe;
		// report the task id so the caller can still poll QueryTaskStatus.
		c.JSON(http.StatusAccepted, submitResponse{TaskID: task.TaskID, Status: task.Status})
		return
	}
	s.streamSSE(c, sub)
}

// subscribeSSE streams an already-running task's Event Bus as SSE.
func (s *Server) subscribeSSE(c *gin.Context) {
	sub, err := s.mgr.Subscribe(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	s.streamSSE(c, sub)
}

func (s *Server) streamSSE(c *gin.Context, sub *eventbus.Subscription) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	defer sub.Unsubscribe()
	if s.metrics != nil {
		s.metrics.StreamOpened("sse")
		defer s.metrics.StreamClosed("sse")
	}

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case ev, open := <-sub.Events:
			if !open {
				return false
			}
			data, err := json.Marshal(ev)
			if err != nil {
				return true
			}
			c.SSEvent("stage", string(data))
			return !ev.Stage.IsTerminal()
		case <-ticker.C:
			c.SSEvent("heartbeat", "")
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

// subscribeWS is the alternate WebSocket framing of the same Event Bus
// stream. Each bus event is relayed verbatim as a JSON text frame;
// the connection closes once the task reaches a terminal stage.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (s *Server) subscribeWS(c *gin.Context) {
	sub, err := s.mgr.Subscribe(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	defer sub.Unsubscribe()

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed: " + err.Error())
		return
	}
	defer conn.Close()
	if s.metrics != nil {
		s.metrics.StreamOpened("ws")
		defer s.metrics.StreamClosed("ws")
	}

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, open := <-sub.Events:
			if !open {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
			if ev.Stage.IsTerminal() {
				return
			}
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.Request.Context().Done():
			return
		}
	}
}
