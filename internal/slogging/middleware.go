package slogging

import (
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gin-gonic/gin"
)

// LoggerMiddleware returns a Gin middleware for logging requests using slog
func LoggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := Get()

		start := time.Now()
		c.Next()
		latency := time.Since(start)

		statusCode := c.Writer.Status()
		switch {
		case statusCode >= 500:
			logger.Error("Request completed with server error - method=%s path=%s status=%d duration=%v",
				c.Request.Method, c.Request.URL.Path, statusCode, latency)
		case statusCode >= 400:
			logger.Warn("Request completed with client error - method=%s path=%s status=%d duration=%v",
				c.Request.Method, c.Request.URL.Path, statusCode, latency)
		default:
			logger.Info("Request completed - method=%s path=%s status=%d duration=%v",
				c.Request.Method, c.Request.URL.Path, statusCode, latency)
		}
	}
}

// Recoverer creates middleware for recovering from panics using slog
func Recoverer() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				Get().Error("PANIC recovered - method=%s path=%s error=%v stack=%s",
					c.Request.Method, c.Request.URL.Path, err, debug.Stack())
				c.AbortWithStatus(http.StatusInternalServerError)
			}
		}()
		c.Next()
	}
}
