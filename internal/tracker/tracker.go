// Package tracker is the entry point host code calls to record analytics
// events. It picks the transport per event: direct to the vendor while that
// path works, falling back to the first-party proxy for the same event when
// it does not, and pinning to the proxy after repeated direct failures.
//
// Nothing here returns an error to the caller. Every outcome is absorbed and,
// in development, logged.
package tracker

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/PratikDhanave/analytics-relay/internal/encoder"
	"github.com/PratikDhanave/analytics-relay/internal/session"
	"github.com/PratikDhanave/analytics-relay/internal/transport"
)

// PageViewEvent is the canonical page-view event name.
const PageViewEvent = "page_viewed"

var pageViewNames = map[string]bool{
	PageViewEvent: true,
	"page_view":   true,
	"Page View":   true,
}

// Direct is the browser-to-vendor path.
type Direct interface {
	Send(ctx context.Context, ev *encoder.Event) error
	ConfigurePage(ctx context.Context, page string) error
	Identify(ctx context.Context, userID string) error
	Reset(ctx context.Context) error
}

// Proxy is the first-party forwarder path.
type Proxy interface {
	Send(ctx context.Context, ev *encoder.Event) error
	Identify(ctx context.Context, userID string) error
}

// Identity is the subset of the identity store the tracker mutates.
type Identity interface {
	SetUserID(ctx context.Context, id string)
	Reset(ctx context.Context)
}

// Encoder builds events.
type Encoder interface {
	Encode(ctx context.Context, name string, props map[string]any) *encoder.Event
}

// Route describes which transports an event went through.
type Route string

const (
	RouteNone            Route = "none"
	RouteDirect          Route = "direct"
	RouteProxy           Route = "proxy"
	RouteDirectThenProxy Route = "direct_then_proxy"
)

// Outcome is the result of one delivery.
type Outcome struct {
	Event     *encoder.Event
	Route     Route
	DirectErr error
	ProxyErr  error
	Delivered bool
}

type Options struct {
	// Threshold is the number of consecutive direct failures that pins the
	// session to the proxy. Defaults to session.DefaultFailureThreshold.
	Threshold int
	// Development enables warning logs.
	Development bool
	Logger      *log.Logger
	// RecentSize bounds the diagnostics ring. Defaults to 20.
	RecentSize int
}

type Tracker struct {
	state    *session.State
	enc      Encoder
	direct   Direct
	proxy    Proxy
	identity Identity

	threshold   int
	development bool
	logger      *log.Logger

	inflight sync.WaitGroup
	recent   *recentRing
}

func New(state *session.State, enc Encoder, direct Direct, proxy Proxy, identity Identity, opts Options) *Tracker {
	if opts.Threshold <= 0 {
		opts.Threshold = session.DefaultFailureThreshold
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.RecentSize <= 0 {
		opts.RecentSize = 20
	}
	return &Tracker{
		state:       state,
		enc:         enc,
		direct:      direct,
		proxy:       proxy,
		identity:    identity,
		threshold:   opts.Threshold,
		development: opts.Development,
		logger:      opts.Logger,
		recent:      newRecentRing(opts.RecentSize),
	}
}

// Send records an event without blocking the caller. The event is encoded
// before Send returns, so later changes to props are not observed and the
// timestamp and navigation context are those of the call.
func (t *Tracker) Send(name string, props map[string]any) {
	ev := t.encode(context.Background(), name, props)
	if ev == nil {
		return
	}

	t.inflight.Add(1)
	go func() {
		defer t.inflight.Done()
		defer func() {
			if r := recover(); r != nil {
				t.warn("tracker: delivery of %q panicked: %v", ev.Name(), r)
			}
		}()
		t.route(context.Background(), ev)
	}()
}

// TrackPageView records a page view for page.
func (t *Tracker) TrackPageView(page string) {
	t.Send(PageViewEvent, map[string]any{encoder.PropPage: page})
}

// TrackClick records a click on a UI element.
func (t *Tracker) TrackClick(elementID, elementType string, extra map[string]any) {
	props := map[string]any{"element_id": elementID, "element_type": elementType}
	for k, v := range extra {
		props[k] = v
	}
	t.Send("element_clicked", props)
}

// Deliver encodes and routes one event synchronously. Each event is tried on
// at most two paths: direct, then proxy.
func (t *Tracker) Deliver(ctx context.Context, name string, props map[string]any) Outcome {
	ev := t.encode(ctx, name, props)
	if ev == nil {
		return Outcome{Route: RouteNone}
	}
	return t.route(ctx, ev)
}

// encode runs on the caller's goroutine; a panicking identity or navigation
// provider drops the event.
func (t *Tracker) encode(ctx context.Context, name string, props map[string]any) (ev *encoder.Event) {
	defer func() {
		if r := recover(); r != nil {
			t.warn("tracker: encoding %q panicked: %v", name, r)
			ev = nil
		}
	}()
	return t.enc.Encode(ctx, name, props)
}

// route delivers an encoded event through the selected transports.
func (t *Tracker) route(ctx context.Context, ev *encoder.Event) Outcome {
	var out Outcome
	if t.useProxyOnly() {
		out = t.viaProxy(ctx, ev, RouteProxy, nil)
	} else {
		out = t.viaDirect(ctx, ev)
	}

	t.recent.add(out)
	if !out.Delivered {
		t.warn("tracker: dropped %q (direct: %v, proxy: %v)", ev.Name(), out.DirectErr, out.ProxyErr)
	}
	return out
}

func (t *Tracker) useProxyOnly() bool {
	return t.state.Availability() == session.Unavailable || t.state.Pinned(t.threshold)
}

func (t *Tracker) viaDirect(ctx context.Context, ev *encoder.Event) Outcome {
	stamped := ev.WithSource(transport.SourceDirect)

	if pageViewNames[ev.Name()] {
		if page := ev.String(encoder.PropPage); page != "" {
			if err := t.direct.ConfigurePage(ctx, page); err != nil {
				t.warn("tracker: configure page %q: %v", page, err)
			}
		}
	}

	err := t.direct.Send(ctx, stamped)
	if err == nil {
		t.state.RecordDirectSuccess()
		return Outcome{Event: stamped, Route: RouteDirect, Delivered: true}
	}

	n := t.state.RecordDirectFailure()
	if n == t.threshold {
		t.warn("tracker: %d consecutive direct failures, pinning to proxy", n)
	}
	return t.viaProxy(ctx, ev, RouteDirectThenProxy, err)
}

func (t *Tracker) viaProxy(ctx context.Context, ev *encoder.Event, route Route, directErr error) Outcome {
	stamped := ev.WithSource(transport.SourceProxy)
	err := t.proxy.Send(ctx, stamped)
	return Outcome{
		Event:     stamped,
		Route:     route,
		DirectErr: directErr,
		ProxyErr:  err,
		Delivered: err == nil,
	}
}

// Identify overlays a user id on the session identity and attributes it on
// the vendor side, through the proxy when the direct path is unusable.
func (t *Tracker) Identify(ctx context.Context, userID string) {
	if t.identity != nil {
		t.identity.SetUserID(ctx, userID)
	}
	if userID == "" {
		return
	}
	if !t.useProxyOnly() {
		err := t.direct.Identify(ctx, userID)
		if err == nil {
			return
		}
		t.warn("tracker: direct identify: %v", err)
	}
	if err := t.proxy.Identify(ctx, userID); err != nil {
		t.warn("tracker: proxy identify: %v", err)
	}
}

// Reset clears the session identity and vendor-side state.
func (t *Tracker) Reset(ctx context.Context) {
	if t.identity != nil {
		t.identity.Reset(ctx)
	}
	if err := t.direct.Reset(ctx); err != nil {
		t.warn("tracker: reset: %v", err)
	}
}

// Flush waits for in-flight Send calls. It reports false if ctx ended first.
func (t *Tracker) Flush(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		t.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

// Diagnostics is the developer view of the tracker.
type Diagnostics struct {
	State  session.Snapshot `json:"state"`
	Recent []RecentEvent    `json:"recent"`
}

func (t *Tracker) Snapshot() Diagnostics {
	return Diagnostics{State: t.state.Snapshot(), Recent: t.recent.list()}
}

func (t *Tracker) warn(format string, args ...any) {
	if t.development {
		t.logger.Printf(format, args...)
	}
}

// RecentEvent summarizes one delivery for diagnostics.
type RecentEvent struct {
	Name      string    `json:"name"`
	Route     Route     `json:"route"`
	Delivered bool      `json:"delivered"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
	Payload   string    `json:"payload"`
}

type recentRing struct {
	mu    sync.Mutex
	items []RecentEvent
	size  int
}

func newRecentRing(size int) *recentRing {
	return &recentRing{size: size}
}

func (r *recentRing) add(o Outcome) {
	item := RecentEvent{Name: o.Event.Name(), Route: o.Route, Delivered: o.Delivered, At: time.Now(), Payload: string(o.Event.Payload())}
	switch {
	case o.ProxyErr != nil:
		item.Error = fmt.Sprintf("direct: %v; proxy: %v", o.DirectErr, o.ProxyErr)
	case o.DirectErr != nil:
		item.Error = "direct: " + o.DirectErr.Error()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, item)
	if len(r.items) > r.size {
		r.items = r.items[len(r.items)-r.size:]
	}
}

// list returns the newest entries first.
func (r *recentRing) list() []RecentEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RecentEvent, len(r.items))
	for i, it := range r.items {
		out[len(r.items)-1-i] = it
	}
	return out
}
