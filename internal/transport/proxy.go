package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/PratikDhanave/analytics-relay/internal/encoder"
	"github.com/PratikDhanave/analytics-relay/internal/models"
)

// Forwarder routes the proxy transport posts to.
const (
	TrackPath    = "/api/analytics/track"
	IdentifyPath = "/api/analytics/identify"
)

// ErrProxyStatus wraps non-2xx forwarder answers.
var ErrProxyStatus = errors.New("transport: proxy status")

// RejectedError is returned when the forwarder answered success:false.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return "transport: proxy rejected event: " + e.Reason
}

// Proxy posts events to the same-origin forwarder.
type Proxy struct {
	baseURL    string
	timeout    time.Duration
	http       *http.Client
	distinctID func(context.Context) string
}

// ProxyOptions configure a Proxy.
type ProxyOptions struct {
	BaseURL string
	// Timeout bounds each request. Defaults to one second.
	Timeout time.Duration
	HTTP    *http.Client
	// DistinctID supplies the identity when an event lacks distinct_id.
	DistinctID func(context.Context) string
}

func NewProxy(opts ProxyOptions) *Proxy {
	if opts.Timeout <= 0 {
		opts.Timeout = time.Second
	}
	if opts.HTTP == nil {
		opts.HTTP = http.DefaultClient
	}
	return &Proxy{
		baseURL:    strings.TrimSuffix(opts.BaseURL, "/"),
		timeout:    opts.Timeout,
		http:       opts.HTTP,
		distinctID: opts.DistinctID,
	}
}

// Send posts ev and reports whether the forwarder accepted it. Network errors,
// non-2xx answers, undecodable bodies and success:false are all errors.
func (p *Proxy) Send(ctx context.Context, ev *encoder.Event) error {
	body := ev.Payload()
	if ev.DistinctID() == "" && p.distinctID != nil {
		props := ev.Properties()
		props[encoder.PropDistinctID] = p.distinctID(ctx)
		b, err := json.Marshal(models.TrackRequest{Event: ev.Name(), Properties: props})
		if err != nil {
			return fmt.Errorf("proxy encode: %w", err)
		}
		body = b
	}

	return p.post(ctx, TrackPath, body)
}

// Identify asks the forwarder to attribute userID on the vendor side. The
// current device id goes along as a trait so both ids can be linked.
func (p *Proxy) Identify(ctx context.Context, userID string) error {
	req := models.IdentifyRequest{DistinctID: userID}
	if p.distinctID != nil {
		if device := p.distinctID(ctx); device != "" && device != userID {
			req.Traits = map[string]interface{}{"device_id": device}
		}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("proxy encode: %w", err)
	}
	return p.post(ctx, IdentifyPath, body)
}

func (p *Proxy) post(ctx context.Context, path string, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := p.http.Do(req)
	if err != nil {
		return fmt.Errorf("proxy post: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<10))
	if err != nil {
		return fmt.Errorf("proxy read: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w %d", ErrProxyStatus, resp.StatusCode)
	}

	var out models.TrackResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("proxy decode: %w", err)
	}
	if !out.Success {
		return &RejectedError{Reason: out.Reason}
	}
	return nil
}
