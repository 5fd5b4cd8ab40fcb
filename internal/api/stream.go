package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/camdev/cam/internal/events/bus"
	"github.com/camdev/cam/internal/models"
	"github.com/camdev/cam/internal/store"
)

var streamUpgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const (
	// writeWait bounds a single WebSocket write.
	writeWait = 10 * time.Second
	// pingPeriod keeps idle connections alive through proxies.
	pingPeriod = 30 * time.Second
)

// streamEvents upgrades to WebSocket and forwards every bus event as a
// JSON AgentEvent. An optional agent_id query narrows the stream. The
// bounded queue between the bus and the socket drops events rather than
// backpressuring publishers.
func (s *Server) streamEvents(c *gin.Context) {
	agentID := c.Query("agent_id")

	conn, err := streamUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	queue, err := bus.NewQueue(s.bus, bus.Wildcard)
	if err != nil {
		s.logger.Error("event queue subscribe failed", zap.Error(err))
		return
	}
	defer queue.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// Drain the read side so close frames and pongs are processed.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	s.logger.Debug("event stream connected",
		zap.String("remote_addr", c.Request.RemoteAddr),
		zap.String("agent_id", agentID))

	pings := time.NewTicker(pingPeriod)
	defer pings.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-pings.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(gorillaws.PingMessage, nil); err != nil {
				return
			}
		case ev := <-queue.Events():
			if agentID != "" && ev.AgentID != agentID {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}

// RunStatusPoller periodically scans live agents in the store and
// publishes synthesized status_update events on the bus. Detached runners
// supervise in their own process; without NATS their events never reach
// this process's bus, so the poller is what keeps WebSocket subscribers
// informed of their progress. It blocks until the context is cancelled.
func (s *Server) RunStatusPoller(ctx context.Context) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	// last published (status, state) per agent id
	seen := make(map[string][2]string)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		agents, err := s.store.ListAgents(ctx, store.AgentFilter{})
		if err != nil {
			s.logger.Warn("status poll failed", zap.Error(err))
			continue
		}

		for _, agent := range agents {
			cur := [2]string{string(agent.Status), string(agent.State)}
			prev, known := seen[agent.ID]
			if known && prev == cur {
				continue
			}
			seen[agent.ID] = cur
			if !known && agent.IsTerminal() {
				// Finished before this poller ever saw it; nothing to report.
				continue
			}

			detail := map[string]any{
				"status": string(agent.Status),
				"state":  string(agent.State),
			}
			if agent.ExitReason != "" {
				detail["exit_reason"] = agent.ExitReason
			}
			ev := models.NewAgentEvent(agent.ID, models.EventStatusUpdate, detail)
			if err := s.bus.Publish(ctx, ev); err != nil {
				s.logger.Debug("status_update publish failed", zap.Error(err))
			}
		}

		// Drop terminal agents from the seen map once reported.
		for id := range seen {
			found := false
			for _, agent := range agents {
				if agent.ID == id {
					found = !agent.IsTerminal()
					break
				}
			}
			if !found {
				delete(seen, id)
			}
		}
	}
}
