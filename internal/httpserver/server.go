package httpserver

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/PratikDhanave/analytics-relay/internal/auth"
	"github.com/PratikDhanave/analytics-relay/internal/config"
	"github.com/PratikDhanave/analytics-relay/internal/handlers"
	"github.com/PratikDhanave/analytics-relay/internal/relay"
)

// Pinger is a dependency that must answer before /ready reports ready.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewRouter wires public endpoints and the developer diagnostics API.
// Public: /health, /ready, /api/analytics/track, /api/analytics/identify, /api/log
// Authenticated: /api/analytics/stats (only when DIAGNOSTIC_KEYS is set)
func NewRouter(cfg config.Config, fw *relay.Forwarder, logger *log.Logger, deps ...Pinger) (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	if logger == nil {
		logger = log.Default()
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(apiLogger(logger))

	// Without explicit proxies gin trusts every hop, so X-Forwarded-For is
	// honoured as-is.
	if len(cfg.TrustedProxies) > 0 {
		if err := r.SetTrustedProxies(cfg.TrustedProxies); err != nil {
			return nil, fmt.Errorf("trusted proxies: %w", err)
		}
	}

	// Liveness: confirms the process is running.
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Readiness: confirms events will actually reach the vendor.
	r.GET("/ready", func(c *gin.Context) {
		if !fw.Configured() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "error": "vendor token not configured"})
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		for _, d := range deps {
			if err := d.Ping(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	handlers.RegisterEventRoutes(r, fw)
	handlers.RegisterIdentifyRoutes(r, fw)

	if len(cfg.DiagnosticKeys) > 0 {
		diag := r.Group("/")
		diag.Use(auth.APIKeyMiddleware(cfg.DiagnosticKeys))
		handlers.RegisterStatsRoutes(diag, fw)
	}

	return r, nil
}

// apiLogger logs one line per /api request.
func apiLogger(logger *log.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		c.Next()

		if !strings.HasPrefix(path, "/api") {
			return
		}
		logger.Printf("%s %s %d in %dms", c.Request.Method, path, c.Writer.Status(), time.Since(start).Milliseconds())
	}
}
