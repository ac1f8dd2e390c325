// Package relay is the server side of the proxy path: it enriches proxied
// events with server-known context and forwards them to the vendor with the
// server's own token. Vendor outages are logged here and never surfaced to
// clients as errors.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/PratikDhanave/analytics-relay/internal/models"
	"github.com/PratikDhanave/analytics-relay/internal/vendor"
)

// Reason is an opaque diagnostic code returned with success:false.
type Reason string

const (
	ReasonMissingToken Reason = "missing_token"
	ReasonAPIError     Reason = "api_error"
	ReasonServerError  Reason = "server_error"
)

// RequestInfo is the context the HTTP layer observed about the caller.
type RequestInfo struct {
	ClientIP  string
	UserAgent string
	Referrer  string
}

// Result of forwarding one event or profile update.
type Result struct {
	Success bool
	Reason  Reason
}

type Options struct {
	// Token is the vendor write token. Empty disables forwarding.
	Token  string
	Vendor vendor.Client
	// Timeout bounds each vendor call. Defaults to 3s.
	Timeout     time.Duration
	Environment string
	// Debug logs every forwarded payload, truncated.
	Debug  bool
	Logger *log.Logger
}

type Forwarder struct {
	token       string
	vendor      vendor.Client
	timeout     time.Duration
	environment string
	debug       bool
	logger      *log.Logger
	now         func() time.Time

	forwarded  atomic.Int64
	identified atomic.Int64
	mu         sync.Mutex
	failed     map[Reason]int64
}

func NewForwarder(opts Options) *Forwarder {
	if opts.Timeout <= 0 {
		opts.Timeout = 3 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.Vendor == nil {
		opts.Vendor = vendor.Noop{}
	}
	if opts.Token == "" {
		opts.Logger.Printf("relay: forwarding disabled - no vendor token configured")
	}
	return &Forwarder{
		token:       opts.Token,
		vendor:      opts.Vendor,
		timeout:     opts.Timeout,
		environment: opts.Environment,
		debug:       opts.Debug,
		logger:      opts.Logger,
		now:         time.Now,
		failed:      map[Reason]int64{},
	}
}

// Configured reports whether a vendor token is present.
func (f *Forwarder) Configured() bool {
	return f.token != ""
}

// Forward enriches and relays one event. The caller has already checked
// that name is non-empty.
func (f *Forwarder) Forward(ctx context.Context, name string, props map[string]any, info RequestInfo) (res Result) {
	if f.token == "" {
		return f.fail(ReasonMissingToken)
	}
	defer func() {
		if r := recover(); r != nil {
			f.logger.Printf("relay: forward %q panicked: %v", name, r)
			res = f.fail(ReasonServerError)
		}
	}()

	enriched := f.enrich(props, info)
	if f.debug {
		f.logger.Printf("relay: tracking %q with properties: %s", name, debugJSON(enriched))
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	if err := f.vendor.Track(ctx, name, enriched); err != nil {
		f.logger.Printf("relay: forward %q failed: %v", name, err)
		return f.fail(ReasonAPIError)
	}
	f.forwarded.Add(1)
	return Result{Success: true}
}

// Identify sets profile traits for distinctID on the vendor.
func (f *Forwarder) Identify(ctx context.Context, distinctID string, traits map[string]any, info RequestInfo) (res Result) {
	if f.token == "" {
		return f.fail(ReasonMissingToken)
	}
	defer func() {
		if r := recover(); r != nil {
			f.logger.Printf("relay: identify %q panicked: %v", distinctID, r)
			res = f.fail(ReasonServerError)
		}
	}()

	set := make(map[string]any, len(traits)+1)
	for k, v := range traits {
		set[k] = v
	}
	if ip := AnonymizeIP(info.ClientIP); ip != "" {
		set["$ip"] = ip
	}
	if f.debug {
		f.logger.Printf("relay: identifying %q with traits: %s", distinctID, debugJSON(set))
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	if err := f.vendor.Identify(ctx, distinctID, set); err != nil {
		f.logger.Printf("relay: identify %q failed: %v", distinctID, err)
		return f.fail(ReasonAPIError)
	}
	f.identified.Add(1)
	return Result{Success: true}
}

func (f *Forwarder) enrich(props map[string]any, info RequestInfo) map[string]any {
	out := make(map[string]any, len(props)+6)
	for k, v := range props {
		out[k] = v
	}

	if ip := AnonymizeIP(info.ClientIP); ip != "" {
		out["ip"] = ip
	}
	if info.UserAgent != "" {
		out["user_agent"] = info.UserAgent
	}
	if info.Referrer != "" {
		out["referrer"] = info.Referrer
	}

	out["time"] = eventTime(props["timestamp"], f.now())
	if f.environment != "" {
		out["environment"] = f.environment
	}
	out["$insert_id"] = uuid.NewString()
	return out
}

// eventTime prefers the client's timestamp (unix seconds) so consumers can
// order by it; JSON numbers decode as float64.
func eventTime(ts any, now time.Time) int64 {
	switch v := ts.(type) {
	case float64:
		if v > 0 {
			return int64(v)
		}
	case int64:
		if v > 0 {
			return v
		}
	case int:
		if v > 0 {
			return int64(v)
		}
	case json.Number:
		if n, err := v.Int64(); err == nil && n > 0 {
			return n
		}
	}
	return now.Unix()
}

func (f *Forwarder) fail(r Reason) Result {
	f.mu.Lock()
	f.failed[r]++
	f.mu.Unlock()
	return Result{Success: false, Reason: r}
}

// Stats returns counters for the diagnostics endpoint.
func (f *Forwarder) Stats() models.StatsResponse {
	f.mu.Lock()
	defer f.mu.Unlock()
	failed := make(map[string]int64, len(f.failed))
	for r, n := range f.failed {
		failed[string(r)] = n
	}
	return models.StatsResponse{
		Forwarded:  f.forwarded.Load(),
		Identified: f.identified.Load(),
		Failed:     failed,
	}
}

func debugJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("<unencodable: %v>", err)
	}
	return Truncate(b, 500)
}

// Truncate shortens b to max bytes for log lines.
func Truncate(b []byte, max int) string {
	if len(b) <= max {
		return string(b)
	}
	return string(b[:max]) + "...(truncated)"
}
