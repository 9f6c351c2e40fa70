package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"chorus/realtime/utils"
)

// Logging writes one line per request once the handler chain has finished.
// Websocket upgrades are logged when the socket closes.
func Logging(logger *utils.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		args := []interface{}{
			"remote_addr", c.ClientIP(),
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start).String(),
		}
		if len(c.Errors) > 0 {
			logger.Warn("Request failed", append(args, "error", c.Errors.String())...)
			return
		}
		logger.Info("Request handled", args...)
	}
}
