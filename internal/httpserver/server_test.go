package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/PratikDhanave/analytics-relay/internal/config"
	"github.com/PratikDhanave/analytics-relay/internal/encoder"
	"github.com/PratikDhanave/analytics-relay/internal/identity"
	"github.com/PratikDhanave/analytics-relay/internal/models"
	"github.com/PratikDhanave/analytics-relay/internal/probe"
	"github.com/PratikDhanave/analytics-relay/internal/relay"
	"github.com/PratikDhanave/analytics-relay/internal/session"
	"github.com/PratikDhanave/analytics-relay/internal/tracker"
	"github.com/PratikDhanave/analytics-relay/internal/transport"
	"github.com/PratikDhanave/analytics-relay/internal/vendor"
)

var quiet = log.New(io.Discard, "", 0)

////////////////////////////////////////////////////////////////////////////////
// FAKE VENDOR
//
// Answers /decide, /track and /engage like the real ingestion API and
// records every request. blocked=true mimics a content blocker: every path
// answers 403.
////////////////////////////////////////////////////////////////////////////////

type vendorCall struct {
	Path  string
	Items []map[string]any
}

type fakeVendor struct {
	mu      sync.Mutex
	blocked bool
	calls   []vendorCall
}

func (f *fakeVendor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var items []map[string]any
	if r.Method == http.MethodPost {
		_ = json.NewDecoder(r.Body).Decode(&items)
	}
	f.mu.Lock()
	f.calls = append(f.calls, vendorCall{Path: r.URL.Path, Items: items})
	f.mu.Unlock()

	if f.blocked {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	_, _ = w.Write([]byte(`{"status":1,"error":null}`))
}

func (f *fakeVendor) tracks() []vendorCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []vendorCall
	for _, c := range f.calls {
		if c.Path == "/track" {
			out = append(out, c)
		}
	}
	return out
}

////////////////////////////////////////////////////////////////////////////////
// FORWARDER SERVER
////////////////////////////////////////////////////////////////////////////////

type proxyCall struct {
	Path string
	Body models.TrackRequest
}

type recordingServer struct {
	*httptest.Server
	mu    sync.Mutex
	calls []proxyCall
}

func (s *recordingServer) trackCalls() []proxyCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []proxyCall
	for _, c := range s.calls {
		if c.Path == transport.TrackPath {
			out = append(out, c)
		}
	}
	return out
}

func newForwarderServer(t *testing.T, cfg config.Config, upstream *fakeVendor) (*recordingServer, *relay.Forwarder) {
	t.Helper()

	var vc vendor.Client = vendor.Noop{}
	if upstream != nil {
		up := httptest.NewServer(upstream)
		t.Cleanup(up.Close)
		hc := vendor.NewHTTPClient(vendor.Options{Endpoint: up.URL, Token: cfg.ServerToken})
		hc.MarkLoaded()
		vc = hc
	}

	fw := relay.NewForwarder(relay.Options{
		Token:   cfg.ServerToken,
		Vendor:  vc,
		Timeout: time.Second,
		Logger:  quiet,
	})
	router, err := NewRouter(cfg, fw, quiet)
	if err != nil {
		t.Fatalf("router: %v", err)
	}

	rs := &recordingServer{}
	rs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req models.TrackRequest
		_ = json.Unmarshal(body, &req)
		rs.mu.Lock()
		rs.calls = append(rs.calls, proxyCall{Path: r.URL.Path, Body: req})
		rs.mu.Unlock()

		r.Body = io.NopCloser(strings.NewReader(string(body)))
		router.ServeHTTP(w, r)
	}))
	t.Cleanup(rs.Close)
	return rs, fw
}

func get(t *testing.T, url string) (int, []byte) {
	t.Helper()
	resp, err := (&http.Client{Timeout: 5 * time.Second}).Get(url)
	if err != nil {
		t.Fatalf("GET %s failed: %v", url, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, b
}

func post(t *testing.T, url, body string) (int, []byte) {
	t.Helper()
	resp, err := (&http.Client{Timeout: 5 * time.Second}).Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s failed: %v", url, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, b
}

////////////////////////////////////////////////////////////////////////////////
// HEALTH & CONTRACT TESTS
////////////////////////////////////////////////////////////////////////////////

func TestHealth_ReturnsOK(t *testing.T) {
	srv, _ := newForwarderServer(t, config.Config{}, nil)
	if s, _ := get(t, srv.URL+"/health"); s != http.StatusOK {
		t.Fatalf("health expected 200 got %d", s)
	}
}

func TestReady_DependsOnToken(t *testing.T) {
	srv, _ := newForwarderServer(t, config.Config{}, nil)
	if s, _ := get(t, srv.URL+"/ready"); s != http.StatusServiceUnavailable {
		t.Fatalf("ready without token expected 503 got %d", s)
	}

	srv, _ = newForwarderServer(t, config.Config{ServerToken: "tok"}, &fakeVendor{})
	if s, _ := get(t, srv.URL+"/ready"); s != http.StatusOK {
		t.Fatalf("ready expected 200 got %d", s)
	}
}

type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestReady_FailingDependency(t *testing.T) {
	fw := relay.NewForwarder(relay.Options{Token: "tok", Vendor: vendor.Noop{}, Logger: quiet})
	down := pingFunc(func(context.Context) error { return errors.New("db down") })
	r, err := NewRouter(config.Config{}, fw, quiet, down)
	if err != nil {
		t.Fatalf("router: %v", err)
	}
	srv := httptest.NewServer(r)
	defer srv.Close()

	s, b := get(t, srv.URL+"/ready")
	if s != http.StatusServiceUnavailable || !strings.Contains(string(b), "db down") {
		t.Fatalf("expected 503 with cause, got %d %s", s, b)
	}
}

func TestTrack_NoTokenConfigured(t *testing.T) {
	srv, _ := newForwarderServer(t, config.Config{}, nil)

	s, b := post(t, srv.URL+transport.TrackPath, `{"event":"Test"}`)
	if s != http.StatusOK {
		t.Fatalf("expected 200 got %d", s)
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if out["success"] != false || out["reason"] != "missing_token" {
		t.Fatalf("unexpected body %s", b)
	}
}

func TestTrack_MissingEvent(t *testing.T) {
	srv, _ := newForwarderServer(t, config.Config{ServerToken: "tok"}, &fakeVendor{})
	if s, _ := post(t, srv.URL+transport.TrackPath, `{}`); s != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", s)
	}
}

func TestTrack_VendorOutageIsNot5xx(t *testing.T) {
	srv, _ := newForwarderServer(t, config.Config{ServerToken: "tok"}, &fakeVendor{blocked: true})
	s, b := post(t, srv.URL+transport.TrackPath, `{"event":"X"}`)
	if s != http.StatusOK || !strings.Contains(string(b), `"api_error"`) {
		t.Fatalf("unexpected response %d %s", s, b)
	}
}

func TestStats_OnlyWithDiagnosticKeys(t *testing.T) {
	srv, _ := newForwarderServer(t, config.Config{ServerToken: "tok"}, &fakeVendor{})
	if s, _ := get(t, srv.URL+"/api/analytics/stats"); s != http.StatusNotFound {
		t.Fatalf("expected 404 without keys, got %d", s)
	}

	srv, _ = newForwarderServer(t, config.Config{ServerToken: "tok", DiagnosticKeys: map[string]string{"k": "dev"}}, &fakeVendor{})
	if s, _ := get(t, srv.URL+"/api/analytics/stats"); s != http.StatusUnauthorized {
		t.Fatalf("expected 401 without header, got %d", s)
	}
}

func TestNewRouter_InvalidTrustedProxies(t *testing.T) {
	fw := relay.NewForwarder(relay.Options{Logger: quiet})
	if _, err := NewRouter(config.Config{TrustedProxies: []string{"not/a/cidr"}}, fw, quiet); err == nil {
		t.Fatal("expected error for invalid proxies")
	}
}

////////////////////////////////////////////////////////////////////////////////
// END-TO-END: tracking client -> transports -> forwarder -> vendor
////////////////////////////////////////////////////////////////////////////////

type clientStack struct {
	ids     *identity.Store
	state   *session.State
	tracker *tracker.Tracker
}

func newClientStack(t *testing.T, vendorURL, proxyURL, page string) *clientStack {
	t.Helper()
	ctx := context.Background()

	ids := identity.NewStore(identity.NewMemoryStorage(), quiet)
	state := session.New()
	nav := func() encoder.Navigation {
		return encoder.Navigation{Page: page, URL: "https://site.test" + page, UserAgent: "e2e-agent"}
	}
	enc := encoder.New(ids, nav, config.EnvDevelopment, quiet)

	vc := vendor.NewHTTPClient(vendor.Options{Endpoint: vendorURL, Token: "public"})
	_ = vc.Init(ctx)

	direct := transport.NewDirect(vc)
	proxy := transport.NewProxy(transport.ProxyOptions{BaseURL: proxyURL, DistinctID: ids.DistinctID})

	p := probe.New(state, direct, direct, enc, probe.Options{
		Schedule: []time.Duration{0, 5 * time.Millisecond, 10 * time.Millisecond},
		Logger:   quiet,
	})
	<-p.Start(ctx)

	tr := tracker.New(state, enc, direct, proxy, ids, tracker.Options{Logger: quiet})
	return &clientStack{ids: ids, state: state, tracker: tr}
}

func TestEndToEnd_BlockedVendorUsesProxy(t *testing.T) {
	upstream := &fakeVendor{}
	srv, fw := newForwarderServer(t, config.Config{ServerToken: "server-tok"}, upstream)

	blocked := &fakeVendor{blocked: true}
	blockedSrv := httptest.NewServer(blocked)
	defer blockedSrv.Close()

	c := newClientStack(t, blockedSrv.URL, srv.URL, "/case-studies")
	if c.state.Availability() != session.Unavailable {
		t.Fatalf("expected unavailable vendor, got %s", c.state.Availability())
	}

	c.tracker.TrackPageView("/case-studies")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if !c.tracker.Flush(ctx) {
		t.Fatal("flush timed out")
	}

	calls := srv.trackCalls()
	if len(calls) != 1 {
		t.Fatalf("expected exactly one proxy request, got %d", len(calls))
	}
	props := calls[0].Body.Properties
	if props["page"] != "/case-studies" {
		t.Fatalf("expected page /case-studies, got %v", props["page"])
	}
	if props["distinct_id"] != c.ids.GetOrCreateDeviceID(context.Background()) {
		t.Fatalf("distinct_id %v does not match device id", props["distinct_id"])
	}
	if props["source"] != transport.SourceProxy {
		t.Fatalf("expected proxy source, got %v", props["source"])
	}
	if len(blocked.tracks()) != 0 {
		t.Fatal("blocked vendor must not receive events")
	}
	if fw.Stats().Forwarded != 1 || len(upstream.tracks()) != 1 {
		t.Fatalf("forwarder did not relay upstream: %+v", fw.Stats())
	}
	if upstream.tracks()[0].Items[0]["properties"].(map[string]any)["token"] != "server-tok" {
		t.Fatal("server token must be attached server-side")
	}
}

func TestEndToEnd_AvailableVendorGoesDirect(t *testing.T) {
	srv, _ := newForwarderServer(t, config.Config{ServerToken: "server-tok"}, &fakeVendor{})

	direct := &fakeVendor{}
	directSrv := httptest.NewServer(direct)
	defer directSrv.Close()

	c := newClientStack(t, directSrv.URL, srv.URL, "/")
	if c.state.Availability() != session.Available {
		t.Fatalf("expected available vendor, got %s", c.state.Availability())
	}

	out := c.tracker.Deliver(context.Background(), "element_clicked", map[string]any{"button": "cta"})
	if out.Route != tracker.RouteDirect || !out.Delivered {
		t.Fatalf("unexpected outcome %+v", out)
	}

	tracks := direct.tracks()
	if len(tracks) != 1 {
		t.Fatalf("expected one direct call, got %d", len(tracks))
	}
	props := tracks[0].Items[0]["properties"].(map[string]any)
	if props["button"] != "cta" || props["distinct_id"] != c.ids.GetOrCreateDeviceID(context.Background()) {
		t.Fatalf("identity not merged: %v", props)
	}
	if _, ok := props["timestamp"].(float64); !ok {
		t.Fatalf("timestamp missing: %v", props)
	}
	if props["token"] != "public" {
		t.Fatal("direct path must use the public token")
	}
	if len(srv.trackCalls()) != 0 {
		t.Fatal("proxy must not be used")
	}
}

func TestEndToEnd_BlockedVendorIdentifiesThroughForwarder(t *testing.T) {
	upstream := &fakeVendor{}
	srv, fw := newForwarderServer(t, config.Config{ServerToken: "server-tok"}, upstream)

	blockedSrv := httptest.NewServer(&fakeVendor{blocked: true})
	defer blockedSrv.Close()

	c := newClientStack(t, blockedSrv.URL, srv.URL, "/")
	c.tracker.Identify(context.Background(), "user-42")

	if fw.Stats().Identified != 1 {
		t.Fatalf("forwarder did not identify: %+v", fw.Stats())
	}

	upstream.mu.Lock()
	defer upstream.mu.Unlock()
	var engage *vendorCall
	for i := range upstream.calls {
		if upstream.calls[i].Path == "/engage" {
			engage = &upstream.calls[i]
		}
	}
	if engage == nil || engage.Items[0]["$distinct_id"] != "user-42" {
		t.Fatalf("expected engage for user-42, got %+v", upstream.calls)
	}
	set := engage.Items[0]["$set"].(map[string]any)
	if set["device_id"] != c.ids.GetOrCreateDeviceID(context.Background()) {
		t.Fatalf("device id not linked: %v", set)
	}
}
