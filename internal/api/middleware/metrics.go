package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/frostdev-ops/pma-cache-engine/internal/core/metrics"
)

// CacheSourceHeader names where a proxied response came from (cache, network, queued)
const CacheSourceHeader = "X-Cache-Source"

// MetricsMiddleware records request counts and latency per route. Proxied fetches are
// labelled with their cache source since a cache hit and a network round trip have
// nothing in common latency-wise. Paths in skip, such as the scrape endpoint and the
// websocket upgrade, are not recorded.
func MetricsMiddleware(recorder metrics.Recorder, skip ...string) gin.HandlerFunc {
	skipped := make(map[string]bool, len(skip))
	for _, p := range skip {
		skipped[p] = true
	}

	return func(c *gin.Context) {
		if skipped[c.FullPath()] {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()
		recorder.RecordHTTPRequest(c.Request.Method, RouteLabel(c), c.Writer.Status(), time.Since(start))
	}
}

// RouteLabel is the route template plus the cache source when the handler set one
func RouteLabel(c *gin.Context) string {
	route := c.FullPath()
	if route == "" {
		// one label for every unmatched path keeps scanners from growing the series
		return "unmatched"
	}
	if source := c.Writer.Header().Get(CacheSourceHeader); source != "" {
		return route + "@" + source
	}
	return route
}
