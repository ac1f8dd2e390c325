package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/PratikDhanave/analytics-relay/internal/auth"
	"github.com/PratikDhanave/analytics-relay/internal/relay"
)

// RegisterStatsRoutes registers the developer diagnostics endpoint.
//
// GET /api/analytics/stats
// - Requires X-API-Key
// - Returns forwarding counters since process start
func RegisterStatsRoutes(r gin.IRoutes, fw *relay.Forwarder) {
	r.GET("/api/analytics/stats", func(c *gin.Context) {
		if auth.Operator(c) == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.JSON(http.StatusOK, fw.Stats())
	})
}
