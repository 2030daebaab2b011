// Package httpmw holds the gin middleware shared by the daemon's HTTP
// surface: request logging and OpenTelemetry spans.
package httpmw

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/animadev/anima/internal/common/logger"
)

// RequestLogger logs one line per completed request. Server errors log at
// error, client errors at warn, everything else at debug so steady-state
// polling stays out of production logs. /health is skipped entirely because
// load balancers hit it continuously.
func RequestLogger(log *logger.Logger, serverName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		c.Next()

		if path == "/health" {
			return
		}

		size := c.Writer.Size()
		if size < 0 {
			size = 0
		}
		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("server", serverName),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.Int("bytes", size),
		}

		switch {
		case status >= 500:
			log.Error("http", fields...)
		case status >= 400:
			log.Warn("http", fields...)
		default:
			log.Debug("http", fields...)
		}
	}
}
