// Package api exposes the CAM control surface: a thin gin HTTP layer over
// the manager plus a gorilla/websocket event stream bridged off the bus.
package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/camdev/cam/internal/common/config"
	"github.com/camdev/cam/internal/common/httpmw"
	"github.com/camdev/cam/internal/common/logger"
	"github.com/camdev/cam/internal/events/bus"
	"github.com/camdev/cam/internal/manager"
	"github.com/camdev/cam/internal/store"
)

// Server wires the manager and store behind the HTTP/WS API.
type Server struct {
	cfg    *config.Config
	mgr    *manager.Manager
	store  *store.Store
	bus    bus.EventBus
	logger *logger.Logger

	// pollInterval drives the detached-agent status poller feeding the
	// WebSocket stream; overridable in tests.
	pollInterval time.Duration
}

// NewServer builds the API server over an already-constructed manager.
func NewServer(cfg *config.Config, mgr *manager.Manager, st *store.Store, eb bus.EventBus, log *logger.Logger) *Server {
	return &Server{
		cfg:          cfg,
		mgr:          mgr,
		store:        st,
		bus:          eb,
		logger:       log.WithFields(zap.String("component", "api")),
		pollInterval: 2 * time.Second,
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	if s.cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(s.logger, "cam"))
	router.Use(corsMiddleware())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "cam",
		})
	})

	v1 := router.Group("/api/v1")
	{
		v1.POST("/agents", s.runAgent)
		v1.GET("/agents", s.listAgents)
		v1.GET("/agents/:id", s.getAgent)
		v1.POST("/agents/:id/stop", s.stopAgent)
		v1.DELETE("/agents/:id", s.deleteAgent)
		v1.GET("/agents/:id/events", s.listEvents)
		v1.GET("/agents/:id/output", s.agentOutput)

		v1.POST("/contexts", s.createContext)
		v1.GET("/contexts", s.listContexts)
		v1.GET("/contexts/:id", s.getContext)
		v1.PUT("/contexts/:id", s.updateContext)
		v1.DELETE("/contexts/:id", s.deleteContext)
	}

	router.GET("/ws/events", s.streamEvents)

	return router
}

// HTTPServer builds the net/http server bound to the configured address.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port),
		Handler:      s.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // streaming endpoints manage their own deadlines
	}
}

// corsMiddleware allows browser clients on other origins to reach the API
// and upgrade to WebSocket.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Protocol")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// errorBody is the uniform error payload.
func errorBody(err error) gin.H {
	return gin.H{"error": err.Error()}
}
