// Package httpmw holds gin middleware shared by the broker's HTTP surfaces.
package httpmw

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/fingerhq/finger/internal/common/logger"
)

// RequestLogger logs one line per request after the handler completes.
// Requests that carry a session id (path param or query) are tagged with it so
// a session's API traffic can be correlated with its dispatch events.
func RequestLogger(log *logger.Logger, serverName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		status := c.Writer.Status()
		fields := requestFields(c, serverName, status, time.Since(start))
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

func requestFields(c *gin.Context, serverName string, status int, latency time.Duration) []zap.Field {
	path := c.FullPath()
	if path == "" {
		path = c.Request.URL.Path
	}
	size := c.Writer.Size()
	if size < 0 {
		size = 0
	}

	fields := []zap.Field{
		zap.String("server", serverName),
		zap.String("method", c.Request.Method),
		zap.String("path", path),
		zap.Int("status", status),
		zap.Int64("duration_ms", latency.Milliseconds()),
		zap.Int("bytes", size),
	}
	if sessionID := requestSessionID(c); sessionID != "" {
		fields = append(fields, zap.String("session_id", sessionID))
	}
	if len(c.Errors) > 0 {
		fields = append(fields, zap.String("errors", c.Errors.String()))
	}
	return fields
}

// requestSessionID resolves the session a request addresses, if any. Lock
// routes carry it as the :sessionId path param; other requests may pass it as
// a query parameter.
func requestSessionID(c *gin.Context) string {
	if id := c.Param("sessionId"); id != "" {
		return id
	}
	return c.Query("sessionId")
}
