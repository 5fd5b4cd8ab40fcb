// Package httpmw carries gin middleware shared by CAM's HTTP surfaces.
package httpmw

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/camdev/cam/internal/common/logger"
)

// RequestLogger emits one structured line per request once the handler
// chain completes. Server errors log at error level; everything else at
// debug, so steady-state agent polling stays quiet.
func RequestLogger(log *logger.Logger, component string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		c.Next()

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("component", component),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		}
		if status >= http.StatusInternalServerError {
			log.Error("http request", fields...)
		} else {
			log.Debug("http request", fields...)
		}
	}
}
