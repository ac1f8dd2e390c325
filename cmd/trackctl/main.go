// trackctl is the developer diagnostic tool for the tracking client. It
// builds the same client stack a host embeds (identity store, vendor client,
// both transports, prober, selector) and reports what it does.
//
//	trackctl state                      availability and device id
//	trackctl probe                      send $probe through the direct path
//	trackctl send EVENT --prop k=v ...  deliver one event via the selector
//	trackctl test                       fire a test event through each transport
//	trackctl identify USER_ID
//	trackctl reset
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/PratikDhanave/analytics-relay/internal/config"
	"github.com/PratikDhanave/analytics-relay/internal/encoder"
	"github.com/PratikDhanave/analytics-relay/internal/identity"
	"github.com/PratikDhanave/analytics-relay/internal/probe"
	"github.com/PratikDhanave/analytics-relay/internal/session"
	"github.com/PratikDhanave/analytics-relay/internal/tracker"
	"github.com/PratikDhanave/analytics-relay/internal/transport"
	"github.com/PratikDhanave/analytics-relay/internal/vendor"
)

const testEvent = "$diagnostic_test"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, "trackctl:", err)
		os.Exit(1)
	}
}

// options hold the global flags, seeded from the environment.
type options struct {
	vendorURL string
	proxyURL  string
	token     string
	env       string
	dev       bool
	redisURL  string
	dbURL     string
	timeout   time.Duration
	page      string
	verbose   bool
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	opts := options{
		vendorURL: cfg.VendorURL,
		proxyURL:  cfg.ProxyBaseURL,
		token:     cfg.PublicToken,
		redisURL:  cfg.IdentityRedisURL,
		dbURL:     cfg.IdentityDBURL,
		timeout:   cfg.ProxyTimeout,
	}

	flagSet := pflag.NewFlagSet("trackctl", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.SetInterspersed(false)
	flagSet.StringVar(&opts.vendorURL, "vendor-url", opts.vendorURL, "vendor ingestion base URL")
	flagSet.StringVar(&opts.proxyURL, "proxy-url", opts.proxyURL, "forwarder base URL")
	flagSet.StringVar(&opts.token, "token", opts.token, "public vendor token")
	flagSet.StringVar(&cfg.Environment, "env", cfg.Environment, "development or production")
	flagSet.StringVar(&opts.redisURL, "redis", opts.redisURL, "redis URL for the identity store")
	flagSet.StringVar(&opts.dbURL, "db", opts.dbURL, "postgres URL for the identity store")
	flagSet.DurationVar(&opts.timeout, "timeout", opts.timeout, "per-request timeout")
	flagSet.StringVar(&opts.page, "page", "/", "page reported in the navigation context")
	flagSet.BoolVarP(&opts.verbose, "verbose", "v", false, "log client warnings to stderr")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	opts.env = cfg.Environment
	opts.dev = cfg.Development()

	rest := flagSet.Args()
	if len(rest) == 0 {
		flagSet.Usage()
		return errors.New("missing command")
	}

	c, err := newClient(ctx, opts, stderr)
	if err != nil {
		return err
	}
	defer c.close()

	switch rest[0] {
	case "state":
		return c.state(ctx, stdout)
	case "probe":
		return c.probe(ctx, stdout)
	case "send":
		return c.send(ctx, rest[1:], stdout, stderr)
	case "test":
		return c.test(ctx, stdout)
	case "identify":
		if len(rest) != 2 {
			return errors.New("usage: trackctl identify USER_ID")
		}
		c.tracker.Identify(ctx, rest[1])
		return writeJSON(stdout, map[string]string{"distinct_id": c.ids.DistinctID(ctx), "user_id": c.ids.UserID(ctx)})
	case "reset":
		c.tracker.Reset(ctx)
		return writeJSON(stdout, map[string]string{"device_id": c.ids.GetOrCreateDeviceID(ctx)})
	default:
		return fmt.Errorf("unknown command %q", rest[0])
	}
}

// client is one tracking session.
type client struct {
	ids     *identity.Store
	enc     *encoder.Encoder
	direct  *transport.Direct
	proxy   *transport.Proxy
	sess    *session.State
	prober  *probe.Prober
	tracker *tracker.Tracker
	closers []func()
}

func newClient(ctx context.Context, opts options, stderr io.Writer) (*client, error) {
	logOut := io.Discard
	if opts.verbose {
		logOut = stderr
	}
	logger := log.New(logOut, "[trackctl] ", log.Ltime)

	c := &client{}

	storage, err := c.openStorage(ctx, opts)
	if err != nil {
		c.close()
		return nil, err
	}
	c.ids = identity.NewStore(storage, logger)

	nav := func() encoder.Navigation {
		return encoder.Navigation{Page: opts.page, URL: opts.proxyURL + opts.page, UserAgent: "trackctl"}
	}
	c.enc = encoder.New(c.ids, nav, opts.env, logger)

	vc := vendor.NewHTTPClient(vendor.Options{Endpoint: opts.vendorURL, Token: opts.token})
	initCtx, cancel := context.WithTimeout(ctx, opts.timeout)
	if err := vc.Init(initCtx); err != nil {
		logger.Printf("vendor init failed: %v", err)
	}
	cancel()

	c.direct = transport.NewDirect(vc)
	c.proxy = transport.NewProxy(transport.ProxyOptions{
		BaseURL:    opts.proxyURL,
		Timeout:    opts.timeout,
		DistinctID: c.ids.DistinctID,
	})

	c.sess = session.New()
	c.prober = probe.New(c.sess, c.direct, c.direct, c.enc, probe.Options{Logger: logger})
	<-c.prober.Start(ctx)

	c.tracker = tracker.New(c.sess, c.enc, c.direct, c.proxy, c.ids, tracker.Options{
		Development: opts.dev,
		Logger:      logger,
	})
	return c, nil
}

func (c *client) openStorage(ctx context.Context, opts options) (identity.Storage, error) {
	switch {
	case opts.dbURL != "":
		db, err := identity.NewPostgresStorage(opts.dbURL, "trackctl")
		if err != nil {
			return nil, err
		}
		c.closers = append(c.closers, db.Close)
		if err := db.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		return db, nil
	case opts.redisURL != "":
		rs, err := identity.NewRedisStorageFromURL(opts.redisURL, "trackctl")
		if err != nil {
			return nil, err
		}
		c.closers = append(c.closers, func() { _ = rs.Close() })
		return rs, nil
	default:
		return identity.NewMemoryStorage(), nil
	}
}

func (c *client) close() {
	for _, fn := range c.closers {
		fn()
	}
}

func (c *client) state(ctx context.Context, w io.Writer) error {
	return writeJSON(w, struct {
		DeviceID string           `json:"device_id"`
		UserID   string           `json:"user_id,omitempty"`
		State    session.Snapshot `json:"state"`
	}{
		DeviceID: c.ids.GetOrCreateDeviceID(ctx),
		UserID:   c.ids.UserID(ctx),
		State:    c.sess.Snapshot(),
	})
}

func (c *client) probe(ctx context.Context, w io.Writer) error {
	ok := c.prober.Probe(ctx, time.Second)
	return writeJSON(w, map[string]any{
		"vendor_available": c.prober.IsVendorAvailable().String(),
		"probe_ok":         ok,
	})
}

func (c *client) send(ctx context.Context, args []string, w, stderr io.Writer) error {
	flagSet := pflag.NewFlagSet("send", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	rawProps := flagSet.StringArray("prop", nil, "event property as key=value (repeatable)")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if flagSet.NArg() != 1 {
		return errors.New("usage: trackctl send EVENT [--prop key=value ...]")
	}

	props, err := parseProps(*rawProps)
	if err != nil {
		return err
	}
	out := c.tracker.Deliver(ctx, flagSet.Arg(0), props)
	if out.Route == tracker.RouteNone {
		return errors.New("event name is empty")
	}
	return writeJSON(w, c.tracker.Snapshot())
}

// test bypasses the selector so each transport is exercised on its own.
func (c *client) test(ctx context.Context, w io.Writer) error {
	ev := c.enc.Encode(ctx, testEvent, map[string]any{"test": true})

	report := map[string]string{}
	for source, send := range map[string]func(context.Context, *encoder.Event) error{
		transport.SourceDirect: c.direct.Send,
		transport.SourceProxy:  c.proxy.Send,
	} {
		if err := send(ctx, ev.WithSource(source)); err != nil {
			report[source] = err.Error()
			continue
		}
		report[source] = "ok"
	}
	return writeJSON(w, report)
}

// parseProps turns key=value pairs into properties. Values that look like
// numbers or booleans keep that type.
func parseProps(raw []string) (map[string]any, error) {
	props := make(map[string]any, len(raw))
	for _, kv := range raw {
		k, v, ok := strings.Cut(kv, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid property %q (want key=value)", kv)
		}
		switch {
		case v == "true" || v == "false":
			props[k] = v == "true"
		default:
			if n, err := strconv.ParseFloat(v, 64); err == nil {
				props[k] = n
			} else {
				props[k] = v
			}
		}
	}
	return props, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
