package observability

import (
	"time"

	"github.com/danmuck/affinity/internal/weakhandle"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// unmatchedRoute labels requests that hit no registered route, which keeps
// the path label bounded.
const unmatchedRoute = "unmatched"

func routeLabel(c *gin.Context) string {
	if route := c.FullPath(); route != "" {
		return route
	}
	return unmatchedRoute
}

// HTTPObserver records each request in the http collectors and logs it with
// the live handle count. Failed requests log at warn (4xx) or error (5xx);
// the rest stay at trace so polling /stats does not flood the console.
func HTTPObserver(node string, logger zerolog.Logger) gin.HandlerFunc {
	RegisterMetrics()
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		elapsed := time.Since(start)
		status := c.Writer.Status()
		route := routeLabel(c)
		RecordHTTPRequest(node, c.Request.Method, route, status, elapsed)

		var event *zerolog.Event
		switch {
		case status >= 500:
			event = logger.Error()
		case status >= 400:
			event = logger.Warn()
		default:
			event = logger.Trace()
		}
		event.
			Str("node", node).
			Str("route", route).
			Str("method", c.Request.Method).
			Int("status", status).
			Dur("latency", elapsed).
			Int64("live_cores", weakhandle.LiveCores()).
			Msg("server.request")
	}
}
