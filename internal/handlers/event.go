package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/PratikDhanave/analytics-relay/internal/models"
	"github.com/PratikDhanave/analytics-relay/internal/relay"
)

// requestInfo collects what the server can observe about the caller.
// ClientIP honours X-Forwarded-For / X-Real-IP from trusted proxies.
func requestInfo(c *gin.Context) relay.RequestInfo {
	return relay.RequestInfo{
		ClientIP:  c.ClientIP(),
		UserAgent: c.GetHeader("User-Agent"),
		Referrer:  c.GetHeader("Referer"),
	}
}

// object decodes a JSON object leniently: anything else (array, string,
// number, null) yields nil so the event is still forwarded.
func object(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}

// trackBody binds only the name strictly; the property bag is decoded by
// object.
type trackBody struct {
	Event      string          `json:"event"`
	Properties json.RawMessage `json:"properties"`
}

func respond(c *gin.Context, res relay.Result) {
	c.JSON(http.StatusOK, models.TrackResponse{
		Success: res.Success,
		Reason:  string(res.Reason),
	})
}

// RegisterEventRoutes registers the proxy ingestion endpoints.
//
// POST /api/analytics/track
// - 400 only when "event" is missing or the body is not a JSON object
// - a malformed "properties" bag is forwarded as empty
// - 200 {success, reason?} for every forwarding outcome, vendor outages included
//
// POST /api/log
// - legacy shape {action, data}, same contract
func RegisterEventRoutes(r gin.IRoutes, fw *relay.Forwarder) {
	r.POST("/api/analytics/track", func(c *gin.Context) {
		var req trackBody
		if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Event) == "" {
			c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "event name is required"})
			return
		}

		respond(c, fw.Forward(c.Request.Context(), req.Event, object(req.Properties), requestInfo(c)))
	})

	r.POST("/api/log", func(c *gin.Context) {
		var req models.LogRequest
		if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Action) == "" {
			c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "action is required"})
			return
		}

		respond(c, fw.Forward(c.Request.Context(), req.Action, object(req.Data), requestInfo(c)))
	})
}
