package relay

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"
)

var quiet = log.New(io.Discard, "", 0)

type recordingVendor struct {
	err      error
	panics   bool
	delay    time.Duration
	name     string
	props    map[string]any
	identity string
	traits   map[string]any
}

func (r *recordingVendor) Track(ctx context.Context, name string, props map[string]any) error {
	if r.panics {
		panic("boom")
	}
	if r.delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.delay):
		}
	}
	r.name, r.props = name, props
	return r.err
}
func (r *recordingVendor) Configure(context.Context, map[string]any) error { return nil }
func (r *recordingVendor) Identify(_ context.Context, id string, traits map[string]any) error {
	r.identity, r.traits = id, traits
	return r.err
}
func (r *recordingVendor) Reset(context.Context) error { return nil }
func (r *recordingVendor) Loaded() bool                { return true }

func TestAnonymizeIP(t *testing.T) {
	cases := map[string]string{
		"203.0.113.195":                "203.0.0.0",
		"203.0.113.195:5123":           "203.0.0.0",
		" 10.1.2.3 ":                   "10.1.0.0",
		"2001:db8:85a3::8a2e:370:7334": "2001:db8:85a3::8a2e:0:0",
		"[2001:db8::1]:443":            "2001:db8::",
		"not-an-ip":                    "",
		"":                             "",
	}
	for in, want := range cases {
		if got := AnonymizeIP(in); got != want {
			t.Errorf("AnonymizeIP(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestForward_MissingToken(t *testing.T) {
	v := &recordingVendor{}
	f := NewForwarder(Options{Vendor: v, Logger: quiet})

	res := f.Forward(context.Background(), "Test", nil, RequestInfo{})
	if res.Success || res.Reason != ReasonMissingToken {
		t.Fatalf("unexpected result %+v", res)
	}
	if v.name != "" {
		t.Fatal("vendor must not be called without a token")
	}
	if f.Stats().Failed["missing_token"] != 1 {
		t.Fatalf("unexpected stats %+v", f.Stats())
	}
}

func TestForward_EnrichesAndForwards(t *testing.T) {
	v := &recordingVendor{}
	f := NewForwarder(Options{Token: "secret", Vendor: v, Environment: "production", Debug: true, Logger: quiet})

	props := map[string]any{"distinct_id": "device_1", "timestamp": float64(1700000000), "page": "/"}
	res := f.Forward(context.Background(), "page_viewed", props, RequestInfo{
		ClientIP:  "198.51.100.23",
		UserAgent: "Mozilla/5.0",
		Referrer:  "https://ref.example",
	})
	if !res.Success {
		t.Fatalf("unexpected result %+v", res)
	}

	want := map[string]any{
		"distinct_id": "device_1",
		"page":        "/",
		"ip":          "198.51.0.0",
		"user_agent":  "Mozilla/5.0",
		"referrer":    "https://ref.example",
		"time":        int64(1700000000),
		"environment": "production",
	}
	for k, w := range want {
		if v.props[k] != w {
			t.Errorf("%s: want %v (%T) got %v (%T)", k, w, w, v.props[k], v.props[k])
		}
	}
	if id, _ := v.props["$insert_id"].(string); id == "" {
		t.Error("missing $insert_id")
	}
	if _, ok := props["ip"]; ok {
		t.Error("caller's map must not be mutated")
	}
	if f.Stats().Forwarded != 1 {
		t.Fatalf("unexpected stats %+v", f.Stats())
	}
}

func TestForward_VendorFailures(t *testing.T) {
	cases := []struct {
		name   string
		vendor *recordingVendor
		want   Reason
	}{
		{"api error", &recordingVendor{err: errors.New("502")}, ReasonAPIError},
		{"timeout", &recordingVendor{delay: time.Second}, ReasonAPIError},
		{"panic", &recordingVendor{panics: true}, ReasonServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := NewForwarder(Options{Token: "t", Vendor: tc.vendor, Timeout: 20 * time.Millisecond, Logger: quiet})
			res := f.Forward(context.Background(), "X", nil, RequestInfo{})
			if res.Success || res.Reason != tc.want {
				t.Fatalf("unexpected result %+v", res)
			}
		})
	}
}

func TestIdentify(t *testing.T) {
	v := &recordingVendor{}
	f := NewForwarder(Options{Token: "t", Vendor: v, Logger: quiet})

	res := f.Identify(context.Background(), "user-1", map[string]any{"plan": "pro"}, RequestInfo{ClientIP: "192.0.2.9"})
	if !res.Success || v.identity != "user-1" || v.traits["plan"] != "pro" || v.traits["$ip"] != "192.0.0.0" {
		t.Fatalf("unexpected identify %+v %+v", res, v)
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate([]byte("abcdef"), 3); got != "abc...(truncated)" {
		t.Fatalf("got %q", got)
	}
	if got := Truncate([]byte("ab"), 3); got != "ab" {
		t.Fatalf("got %q", got)
	}
}
