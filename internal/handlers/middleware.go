package handlers

import (
	"time"

	"github.com/gin-gonic/gin"
)

// requestLogger logs one line per request after it completes.
func (h *Handler) requestLogger(c *gin.Context) {
	start := time.Now()
	c.Next()

	status := c.Writer.Status()
	fields := []any{
		"method", c.Request.Method,
		"path", c.Request.URL.Path,
		"status", status,
		"duration_ms", time.Since(start).Milliseconds(),
	}
	if len(c.Errors) > 0 {
		fields = append(fields, "errors", c.Errors.String())
	}

	switch {
	case status >= 500:
		h.log.Errorw("http_request", fields...)
	case status >= 400:
		h.log.Warnw("http_request", fields...)
	default:
		h.log.Debugw("http_request", fields...)
	}
}
