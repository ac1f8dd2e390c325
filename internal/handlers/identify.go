package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/PratikDhanave/analytics-relay/internal/models"
	"github.com/PratikDhanave/analytics-relay/internal/relay"
)

// RegisterIdentifyRoutes registers POST /api/analytics/identify. Same
// contract as track: 400 only for a missing distinct_id.
func RegisterIdentifyRoutes(r gin.IRoutes, fw *relay.Forwarder) {
	r.POST("/api/analytics/identify", func(c *gin.Context) {
		var req struct {
			DistinctID string          `json:"distinct_id"`
			Traits     json.RawMessage `json:"traits"`
		}
		if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.DistinctID) == "" {
			c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "distinct_id is required"})
			return
		}

		respond(c, fw.Identify(c.Request.Context(), req.DistinctID, object(req.Traits), requestInfo(c)))
	})
}
