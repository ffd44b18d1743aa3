package middleware

import (
	"log/slog"
	"runtime/debug"

	"github.com/gin-gonic/gin"

	"github.com/janovincze/shapesync/internal/api/models"
)

// Recovery turns a handler panic into a 500 problem response.
func Recovery(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			attrs := []any{
				"error", rec,
				"path", c.Request.URL.Path,
				"method", c.Request.Method,
				"stack", string(debug.Stack()),
			}
			if id := c.GetString(RequestIDKey); id != "" {
				attrs = append(attrs, "request_id", id)
			}
			logger.Error("panic recovered", attrs...)

			models.RespondWithError(c, models.NewInternalError(c.Request.URL.Path, "An unexpected error occurred"))
			c.Abort()
		}()

		c.Next()
	}
}
