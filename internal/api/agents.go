package api

import (
	"errors"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/camdev/cam/internal/models"
	"github.com/camdev/cam/internal/store"
	"github.com/camdev/cam/internal/term"
)

// runAgentRequest is the launch payload. The task's context name is
// resolved against stored contexts; agents launched over the API are
// always supervised by a detached runner.
type runAgentRequest struct {
	Task models.TaskDefinition `json:"task"`
}

func (s *Server) runAgent(c *gin.Context) {
	var req runAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(err))
		return
	}

	var ctxRecord *models.Context
	if req.Task.ContextName != "" {
		record, err := s.store.GetContextByName(c.Request.Context(), req.Task.ContextName)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "unknown context " + req.Task.ContextName})
				return
			}
			c.JSON(http.StatusInternalServerError, errorBody(err))
			return
		}
		ctxRecord = record
	}

	agent, err := s.mgr.RunAgent(c.Request.Context(), req.Task, ctxRecord, false)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody(err))
		return
	}

	s.logger.Info("agent launched over API",
		zap.String("agent_id", agent.ID),
		zap.String("tool", agent.Task.Tool))
	c.JSON(http.StatusAccepted, agent)
}

func (s *Server) listAgents(c *gin.Context) {
	var filter store.AgentFilter

	if statuses := c.Query("status"); statuses != "" {
		for _, st := range strings.Split(statuses, ",") {
			filter.Statuses = append(filter.Statuses, models.AgentStatus(strings.TrimSpace(st)))
		}
	}
	filter.ContextID = c.Query("context_id")
	if before := c.Query("before"); before != "" {
		t, err := time.Parse(time.RFC3339, before)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "before must be RFC3339"})
			return
		}
		filter.Before = &t
	}

	agents, err := s.mgr.ListAgents(c.Request.Context(), filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorBody(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents})
}

func (s *Server) getAgent(c *gin.Context) {
	agent, ok := s.resolveAgent(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, agent)
}

func (s *Server) stopAgent(c *gin.Context) {
	graceful := c.Query("force") != "true"
	agent, err := s.mgr.StopAgent(c.Request.Context(), c.Param("id"), graceful)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, errorBody(err))
			return
		}
		c.JSON(http.StatusInternalServerError, errorBody(err))
		return
	}
	c.JSON(http.StatusOK, agent)
}

func (s *Server) deleteAgent(c *gin.Context) {
	agent, ok := s.resolveAgent(c)
	if !ok {
		return
	}
	if !agent.IsTerminal() && c.Query("force") != "true" {
		c.JSON(http.StatusConflict, gin.H{"error": "agent is still running; stop it or pass force=true"})
		return
	}
	if !agent.IsTerminal() {
		if _, err := s.mgr.StopAgent(c.Request.Context(), agent.ID, false); err != nil {
			s.logger.Warn("stop before delete failed", zap.String("agent_id", agent.ID), zap.Error(err))
		}
	}
	if err := s.mgr.DeleteAgents(c.Request.Context(), []string{agent.ID}); err != nil {
		c.JSON(http.StatusInternalServerError, errorBody(err))
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) listEvents(c *gin.Context) {
	agent, ok := s.resolveAgent(c)
	if !ok {
		return
	}
	events, err := s.mgr.Events(c.Request.Context(), agent.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorBody(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

// maxRawOutputBytes caps a single raw-log fetch through a transport.
const maxRawOutputBytes = 4 << 20

// agentOutput serves the agent's terminal output. The raw byte stream is
// replayed through a virtual terminal into clean lines — read from the
// local log file when one exists, fetched through the agent's transport
// for remote machines — with a live pane capture as the final fallback.
func (s *Server) agentOutput(c *gin.Context) {
	agent, ok := s.resolveAgent(c)
	if !ok {
		return
	}

	cols := intQuery(c, "cols", term.DefaultCols)
	rows := intQuery(c, "rows", term.DefaultRows)

	source := "raw_log"
	data, err := os.ReadFile(s.mgr.Paths().RawLogFile(agent.ID))
	if err != nil && agent.TransportType != "local" {
		source = "remote_log"
		data, _, err = s.mgr.ReadRawOutput(c.Request.Context(), agent, 0, maxRawOutputBytes)
	}
	if err == nil && len(data) > 0 {
		if c.Query("raw") == "true" {
			c.Data(http.StatusOK, "application/octet-stream", data)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"source": source,
			"lines":  strings.Split(term.RenderRawStream(data, cols, rows), "\n"),
		})
		return
	}

	text, err := s.mgr.CaptureLive(c.Request.Context(), agent, intQuery(c, "lines", 200))
	if err != nil {
		c.JSON(http.StatusNotFound, errorBody(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"source": "live",
		"lines":  strings.Split(text, "\n"),
	})
}

// resolveAgent loads the :id path parameter as an exact id or unique
// prefix, writing the error response itself on failure.
func (s *Server) resolveAgent(c *gin.Context) (*models.Agent, bool) {
	agent, err := s.mgr.GetAgent(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, errorBody(err))
		} else {
			c.JSON(http.StatusInternalServerError, errorBody(err))
		}
		return nil, false
	}
	return agent, true
}

func intQuery(c *gin.Context, key string, def int) int {
	v := c.Query(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
