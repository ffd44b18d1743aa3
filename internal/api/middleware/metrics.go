package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/janovincze/shapesync/internal/metrics"
)

// Metrics records request count, latency and response size per route
// template. Unmatched routes share one label.
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = "/not_found"
		}
		method := c.Request.Method

		c.Next()

		status := strconv.Itoa(c.Writer.Status())
		metrics.APIRequestsTotal.WithLabelValues(path, method, status).Inc()
		metrics.APIRequestDuration.WithLabelValues(path, method).Observe(time.Since(start).Seconds())
		if size := c.Writer.Size(); size > 0 {
			metrics.APIResponseSize.WithLabelValues(path, method).Observe(float64(size))
		}
	}
}
