package monitoring

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// Middleware creates a Gin middleware for metrics collection
func Middleware(metrics *Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		// Process request
		c.Next()

		metrics.RecordHTTPRequest(c.Request.Method, path, strconv.Itoa(c.Writer.Status()))
	}
}

// Timer measures invocation duration
type Timer struct {
	start   time.Time
	metrics *Metrics
	kind    string
}

// NewTimer creates a new timer
func NewTimer(metrics *Metrics, kind string) *Timer {
	return &Timer{
		start:   time.Now(),
		metrics: metrics,
		kind:    kind,
	}
}

// Stop stops the timer and records the duration
func (t *Timer) Stop(outcome string) time.Duration {
	duration := time.Since(t.start)
	t.metrics.RecordInvocation(t.kind, outcome, duration)
	return duration
}
