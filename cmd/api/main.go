package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/PratikDhanave/analytics-relay/internal/config"
	"github.com/PratikDhanave/analytics-relay/internal/httpserver"
	"github.com/PratikDhanave/analytics-relay/internal/identity"
	"github.com/PratikDhanave/analytics-relay/internal/relay"
	"github.com/PratikDhanave/analytics-relay/internal/vendor"
)

// main boots the forwarder: config → vendor client → router → HTTP server.
func main() {
	logger := log.New(os.Stdout, "[api] ", log.LstdFlags|log.Lmicroseconds)

	// Runtime config from environment; flags override.
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal(err)
	}
	pflag.StringVar(&cfg.Addr, "addr", cfg.Addr, "listen address")
	pflag.StringVar(&cfg.Environment, "env", cfg.Environment, "development or production")
	pflag.BoolVar(&cfg.DebugTracking, "debug-tracking", cfg.DebugTracking, "log forwarded payloads")
	pflag.Parse()

	if cfg.ServerToken == "" {
		logger.Println("ANALYTICS_SERVER_TOKEN not set: events will be answered with missing_token")
	}

	// The server path is never content-blocked, so no handshake is needed.
	vc := vendor.NewHTTPClient(vendor.Options{
		Endpoint: cfg.VendorURL,
		Token:    cfg.ServerToken,
		Secret:   cfg.ServerSecret,
	})
	vc.MarkLoaded()

	fw := relay.NewForwarder(relay.Options{
		Token:       cfg.ServerToken,
		Vendor:      vc,
		Timeout:     cfg.ForwardTimeout,
		Environment: cfg.Environment,
		Debug:       cfg.DebugTracking,
		Logger:      logger,
	})

	// When an identity database is configured, make sure its schema exists
	// and gate readiness on it.
	var deps []httpserver.Pinger
	if cfg.IdentityDBURL != "" {
		db, err := identity.NewPostgresStorage(cfg.IdentityDBURL, "")
		if err != nil {
			logger.Fatal(err)
		}
		defer db.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = db.EnsureSchema(ctx)
		cancel()
		if err != nil {
			logger.Fatal(err)
		}
		deps = append(deps, db)
	}

	router, err := httpserver.NewRouter(cfg, fw, logger, deps...)
	if err != nil {
		logger.Fatal(err)
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Printf("server started on %s (%s)", cfg.Addr, cfg.Environment)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal(err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Println("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Printf("shutdown: %v", err)
	}
}
