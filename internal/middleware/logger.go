package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/archivexm/archivexm/internal/logging"
	"github.com/archivexm/archivexm/internal/metrics"
)

// Logger middleware logs request details and records HTTP metrics
func Logger(log *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		// Label by route template, not the raw path, to bound cardinality
		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		metrics.HTTPRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(latency.Seconds())

		log.WithField("method", method).
			WithField("path", path).
			WithField("status", status).
			WithField("latency_ms", latency.Milliseconds()).
			WithField("client_ip", c.ClientIP()).
			Debug("request handled")
	}
}
